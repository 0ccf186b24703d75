package schedule

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"
)

const testCalendarID = "test-calendar"

var fixedNow = time.Date(2020, time.April, 28, 12, 0, 0, 0, time.UTC)

type fakeGoogleCalendar struct {
	events   []map[string]any
	parents  map[string]map[string]any
	status   int
	requests []*http.Request
	mu       sync.Mutex
}

func (f *fakeGoogleCalendar) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, r)
	w.Header().Set("Content-Type", "application/json")

	if f.status != 0 {
		w.WriteHeader(f.status)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"code": f.status, "message": http.StatusText(f.status)},
		})
		return
	}
	if r.URL.Query().Get("key") != "test-key" {
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"code": 401, "message": "API key not valid"},
		})
		return
	}

	prefix := "/calendars/" + testCalendarID + "/events"
	switch {
	case r.URL.Path == prefix:
		_ = json.NewEncoder(w).Encode(map[string]any{"items": f.events})
	case strings.HasPrefix(r.URL.Path, prefix+"/"):
		parent, ok := f.parents[strings.TrimPrefix(r.URL.Path, prefix+"/")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"error": map[string]any{"code": 404, "message": "Not Found"},
			})
			return
		}
		_ = json.NewEncoder(w).Encode(parent)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeGoogleCalendar) setEvents(events []map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = events
}

func (f *fakeGoogleCalendar) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *fakeGoogleCalendar) listRequests() []*http.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	var list []*http.Request
	for _, r := range f.requests {
		if r.URL.Path == "/calendars/"+testCalendarID+"/events" {
			list = append(list, r)
		}
	}
	return list
}

func googleEvent(id, summary string, start, end map[string]string) map[string]any {
	return map[string]any{"id": id, "summary": summary, "start": start, "end": end}
}

func dateTime(s string) map[string]string { return map[string]string{"dateTime": s} }
func date(s string) map[string]string     { return map[string]string{"date": s} }

func newTestGoogleCalendar(t *testing.T, fake *fakeGoogleCalendar) *GoogleCalendar {
	t.Helper()
	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)

	p := NewGoogleCalendar(Options{Endpoint: server.URL + "/"})
	p.now = func() time.Time { return fixedNow }
	p.Load(Credentials{
		APIKeyVar:         "test-key",
		CalendarIDVar:     testCalendarID,
		DowntimeStringVar: "DOWNTIME",
	})
	return p
}

func TestGoogleCalendar_Connect(t *testing.T) {
	fake := &fakeGoogleCalendar{
		events: []map[string]any{
			googleEvent("late", "DOWNTIME", dateTime("2020-05-01T20:00:00+02:00"), dateTime("2020-05-04T08:00:00+02:00")),
			googleEvent("other", "Standup", dateTime("2020-04-29T09:00:00+02:00"), dateTime("2020-04-29T09:15:00+02:00")),
			googleEvent("substring", "team DOWNTIME", dateTime("2020-04-29T20:00:00+02:00"), dateTime("2020-04-30T08:00:00+02:00")),
			googleEvent("allday", "DOWNTIME", date("2020-04-30"), date("2020-05-01")),
		},
	}
	p := newTestGoogleCalendar(t, fake)

	if err := p.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	want := []string{
		"2020-04-30-2020-05-01",
		"2020-05-01T20:00:00+02:00-2020-05-04T08:00:00+02:00",
	}
	if got := p.NextRange(); !slices.Equal(got, want) {
		t.Errorf("NextRange() = %v, want %v", got, want)
	}

	list := fake.listRequests()
	if len(list) != 1 {
		t.Fatalf("expected 1 list request, got %d", len(list))
	}
	query := list[0].URL.Query()
	if query.Get("singleEvents") != "true" {
		t.Errorf("expected singleEvents=true, got %q", query.Get("singleEvents"))
	}
	if query.Get("timeMin") != "2020-04-28T12:00:00Z" {
		t.Errorf("unexpected timeMin %q", query.Get("timeMin"))
	}
	if query.Get("timeMax") != "2020-05-05T12:00:00Z" {
		t.Errorf("unexpected timeMax %q", query.Get("timeMax"))
	}

	// A second sync of the same events yields the same windows
	if err := p.Connect(context.Background()); err != nil {
		t.Fatalf("second Connect() error = %v", err)
	}
	if got := p.NextRange(); !slices.Equal(got, want) {
		t.Errorf("NextRange() after second sync = %v, want %v", got, want)
	}
}

func TestGoogleCalendar_ConnectWithoutMatchesKeepsWindows(t *testing.T) {
	fake := &fakeGoogleCalendar{
		events: []map[string]any{
			googleEvent("1", "DOWNTIME", dateTime("2020-05-01T20:00:00+02:00"), dateTime("2020-05-04T08:00:00+02:00")),
		},
	}
	p := newTestGoogleCalendar(t, fake)

	if err := p.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	want := p.NextRange()

	fake.setEvents([]map[string]any{
		googleEvent("2", "Downtime", dateTime("2020-05-02T20:00:00+02:00"), dateTime("2020-05-03T08:00:00+02:00")),
	})
	if err := p.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if got := p.NextRange(); !slices.Equal(got, want) {
		t.Errorf("NextRange() = %v, want unchanged %v", got, want)
	}

	fake.setEvents(nil)
	if err := p.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if got := p.NextRange(); !slices.Equal(got, want) {
		t.Errorf("NextRange() = %v, want unchanged %v", got, want)
	}
}

func TestGoogleCalendar_ConnectWithoutAPIKey(t *testing.T) {
	fake := &fakeGoogleCalendar{}
	server := httptest.NewServer(fake)
	defer server.Close()

	p := NewGoogleCalendar(Options{Endpoint: server.URL + "/"})
	p.Load(Credentials{CalendarIDVar: testCalendarID, DowntimeStringVar: "DOWNTIME"})

	if err := p.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v, want nil", err)
	}
	if got := p.NextRange(); len(got) != 0 {
		t.Errorf("NextRange() = %v, want empty", got)
	}

	// Windows from an earlier sync are left alone
	want := []string{"2020-05-01T20:00:00+02:00-2020-05-04T08:00:00+02:00"}
	p.nextRange = slices.Clone(want)
	if err := p.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v, want nil", err)
	}
	if got := p.NextRange(); !slices.Equal(got, want) {
		t.Errorf("NextRange() = %v, want unchanged %v", got, want)
	}

	if n := fake.requestCount(); n != 0 {
		t.Errorf("expected no requests, got %d", n)
	}
}

func TestGoogleCalendar_ConnectWithoutMarker(t *testing.T) {
	fake := &fakeGoogleCalendar{events: []map[string]any{
		{"id": "busy", "start": dateTime("2020-04-29T09:00:00+02:00"), "end": dateTime("2020-04-29T17:00:00+02:00")},
		googleEvent("empty", "", dateTime("2020-04-30T09:00:00+02:00"), dateTime("2020-04-30T17:00:00+02:00")),
	}}
	p := newTestGoogleCalendar(t, fake)
	p.Load(Credentials{APIKeyVar: "test-key", CalendarIDVar: testCalendarID})

	if err := p.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if got := p.NextRange(); len(got) != 0 {
		t.Errorf("NextRange() = %v, want empty without a downtime marker", got)
	}
}

func TestGoogleCalendar_RecurringEvents(t *testing.T) {
	recurring := func(id, start, end string) map[string]any {
		e := googleEvent(id, "DOWNTIME", dateTime(start), dateTime(end))
		e["recurringEventId"] = "weekly"
		return e
	}
	fake := &fakeGoogleCalendar{
		events: []map[string]any{
			recurring("weekly_20200501", "2020-05-01T20:00:00+02:00", "2020-05-04T08:00:00+02:00"),
			recurring("weekly_20200508", "2020-05-08T20:00:00+02:00", "2020-05-11T08:00:00+02:00"),
		},
		parents: map[string]map[string]any{
			"weekly": {
				"id":         "weekly",
				"summary":    "DOWNTIME",
				"start":      dateTime("2020-04-24T20:00:00+02:00"),
				"end":        dateTime("2020-04-27T08:00:00+02:00"),
				"recurrence": []string{"RRULE:FREQ=WEEKLY;BYDAY=FR"},
			},
		},
	}
	p := newTestGoogleCalendar(t, fake)

	if err := p.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if got := len(p.NextRange()); got != 2 {
		t.Errorf("expected 2 windows, got %d", got)
	}

	parentLookups := fake.requestCount() - len(fake.listRequests())
	if parentLookups != 1 {
		t.Errorf("expected 1 recurrence lookup per series, got %d", parentLookups)
	}
}

func TestGoogleCalendar_UnparsableRecurrenceIsNotFatal(t *testing.T) {
	event := googleEvent("weekly_20200501", "DOWNTIME", dateTime("2020-05-01T20:00:00+02:00"), dateTime("2020-05-04T08:00:00+02:00"))
	event["recurringEventId"] = "weekly"
	fake := &fakeGoogleCalendar{
		events: []map[string]any{event},
		parents: map[string]map[string]any{
			"weekly": {"id": "weekly", "recurrence": []string{"RRULE:FREQ=SOMETIMES"}},
		},
	}
	p := newTestGoogleCalendar(t, fake)

	if err := p.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if got := len(p.NextRange()); got != 1 {
		t.Errorf("expected 1 window, got %d", got)
	}
}

func TestGoogleCalendar_ConnectErrors(t *testing.T) {
	tests := []struct {
		name        string
		fake        *fakeGoogleCalendar
		credentials Credentials
		wantKind    ErrorKind
	}{
		{
			name:        "Rejected API Key",
			fake:        &fakeGoogleCalendar{},
			credentials: Credentials{APIKeyVar: "wrong-key", CalendarIDVar: testCalendarID},
			wantKind:    CredentialError,
		},
		{
			name:        "Missing Calendar ID",
			fake:        &fakeGoogleCalendar{},
			credentials: Credentials{APIKeyVar: "test-key"},
			wantKind:    ParameterError,
		},
		{
			name:        "Unknown Calendar",
			fake:        &fakeGoogleCalendar{status: http.StatusNotFound},
			credentials: Credentials{APIKeyVar: "test-key", CalendarIDVar: testCalendarID},
			wantKind:    ParameterError,
		},
		{
			name:        "Server Error",
			fake:        &fakeGoogleCalendar{status: http.StatusBadGateway},
			credentials: Credentials{APIKeyVar: "test-key", CalendarIDVar: testCalendarID},
			wantKind:    TransportError,
		},
		{
			name: "Event Without Start",
			fake: &fakeGoogleCalendar{
				events: []map[string]any{
					{"id": "1", "summary": "DOWNTIME", "end": date("2020-05-04")},
				},
			},
			credentials: Credentials{APIKeyVar: "test-key", CalendarIDVar: testCalendarID, DowntimeStringVar: "DOWNTIME"},
			wantKind:    DataShapeError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.fake)
			defer server.Close()

			p := NewGoogleCalendar(Options{Endpoint: server.URL + "/"})
			p.now = func() time.Time { return fixedNow }
			p.Load(tt.credentials)

			err := p.Connect(context.Background())
			if !IsKind(err, tt.wantKind) {
				t.Errorf("Connect() error = %v, want kind %s", err, tt.wantKind)
			}
			if got := p.NextRange(); len(got) != 0 {
				t.Errorf("NextRange() = %v, want empty", got)
			}
		})
	}
}

func TestGoogleCalendar_ConnectUnreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	endpoint := server.URL + "/"
	server.Close()

	p := NewGoogleCalendar(Options{Endpoint: endpoint})
	p.Load(Credentials{APIKeyVar: "test-key", CalendarIDVar: testCalendarID})

	if err := p.Connect(context.Background()); !IsKind(err, TransportError) {
		t.Errorf("Connect() error = %v, want transport error", err)
	}
}

func TestGoogleCalendar_ConnectRelativeCredentialsPath(t *testing.T) {
	p := NewGoogleCalendar(Options{CredentialsPath: "credentials.json"})
	p.Load(Credentials{CalendarIDVar: testCalendarID})

	if err := p.Connect(context.Background()); !IsKind(err, CredentialError) {
		t.Errorf("Connect() error = %v, want credential error", err)
	}
}

func TestGoogleCalendar_LoadFromEnvironment(t *testing.T) {
	t.Setenv(APIKeyVar, "env-key")
	t.Setenv(CalendarIDVar, "env-calendar")
	t.Setenv(DowntimeStringVar, "DOWNTIME")

	p := NewGoogleCalendar(Options{})
	p.Load(nil)

	if got := p.credential(APIKeyVar); got != "env-key" {
		t.Errorf("expected API key from environment, got %q", got)
	}
	if got := p.credential(CalendarIDVar); got != "env-calendar" {
		t.Errorf("expected calendar ID from environment, got %q", got)
	}

	// Loading again without credentials keeps the first set
	t.Setenv(APIKeyVar, "rotated-key")
	p.Load(nil)
	if got := p.credential(APIKeyVar); got != "env-key" {
		t.Errorf("expected credentials to be kept, got API key %q", got)
	}

	// Explicit credentials replace them
	p.Load(Credentials{APIKeyVar: "explicit-key"})
	if got := p.credential(APIKeyVar); got != "explicit-key" {
		t.Errorf("expected explicit API key, got %q", got)
	}
	if got := p.credential(CalendarIDVar); got != "" {
		t.Errorf("expected calendar ID to be replaced, got %q", got)
	}
}

func TestGoogleCalendar_DeriveWindowsWithoutEventList(t *testing.T) {
	p := NewGoogleCalendar(Options{})
	p.nextRange = []string{"2020-05-01-2020-05-04"}

	if err := p.deriveWindows(context.Background(), nil, testCalendarID, nil); err != nil {
		t.Fatalf("deriveWindows() error = %v", err)
	}
	if got := p.NextRange(); !slices.Equal(got, []string{"2020-05-01-2020-05-04"}) {
		t.Errorf("NextRange() = %v, want unchanged", got)
	}
}
