package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/teambition/rrule-go"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// GoogleCalendar is a schedule provider that uses Google Calendar
type GoogleCalendar struct {
	calendarState
	credentialsPath string
	endpoint        string
	lookAhead       time.Duration
}

// NewGoogleCalendar creates a Google Calendar provider. Credentials are set with Load.
func NewGoogleCalendar(opts Options) *GoogleCalendar {
	lookAhead := opts.LookAhead
	if lookAhead <= 0 {
		lookAhead = DefaultLookAhead
	}
	return &GoogleCalendar{
		calendarState:   newCalendarState(APIKeyVar, CalendarIDVar, DowntimeStringVar),
		credentialsPath: opts.CredentialsPath,
		endpoint:        opts.Endpoint,
		lookAhead:       lookAhead,
	}
}

// Connect lists the events of the next look-ahead period and derives the downtime windows
func (p *GoogleCalendar) Connect(ctx context.Context) error {
	apiKey := p.credential(APIKeyVar)
	if apiKey == "" && p.credentialsPath == "" {
		slog.Info("No Google Calendar API key configured, skipping sync")
		return nil
	}

	calendarID := p.credential(CalendarIDVar)
	if calendarID == "" {
		return p.fail(&Error{Kind: ParameterError, Hint: "Please set the calendar ID (" + CalendarIDVar + ")."})
	}

	service, err := p.newService(ctx, apiKey)
	if err != nil {
		return p.fail(err)
	}

	now := p.now()
	timeMin := now.UTC().Format(time.RFC3339)
	timeMax := now.Add(p.lookAhead).UTC().Format(time.RFC3339)
	slog.Debug("Listing calendar events", "calendar_id", calendarID, "timeMin", timeMin, "timeMax", timeMax)

	var items []*calendar.Event
	err = service.Events.List(calendarID).
		TimeMin(timeMin).
		TimeMax(timeMax).
		SingleEvents(true).
		OrderBy("startTime").
		Pages(ctx, func(page *calendar.Events) error {
			items = append(items, page.Items...)
			return nil
		})
	if err != nil {
		return p.fail(classifyGoogleError(err))
	}
	if items == nil {
		items = []*calendar.Event{}
	}

	slog.Debug("Google Calendar events listed", "events_count", len(items))
	return p.deriveWindows(ctx, service, calendarID, items)
}

func (p *GoogleCalendar) newService(ctx context.Context, apiKey string) (*calendar.Service, error) {
	var opts []option.ClientOption
	if p.endpoint != "" {
		opts = append(opts, option.WithEndpoint(p.endpoint))
	}

	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	} else {
		if !filepath.IsAbs(p.credentialsPath) {
			return nil, &Error{Kind: CredentialError, Hint: "Credentials path must be absolute: " + p.credentialsPath}
		}
		b, err := os.ReadFile(filepath.Clean(p.credentialsPath))
		if err != nil {
			return nil, &Error{Kind: CredentialError, Hint: "Please check the credentials file.", Err: err}
		}
		config, err := google.JWTConfigFromJSON(b, calendar.CalendarReadonlyScope)
		if err != nil {
			return nil, &Error{Kind: CredentialError, Hint: "Please check your service account credentials.", Err: err}
		}
		opts = append(opts, option.WithHTTPClient(config.Client(ctx)))
	}

	service, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, &Error{Kind: APISurfaceError, Hint: "Please check your API name or version.", Err: err}
	}
	return service, nil
}

// deriveWindows selects the downtime events, logs recurrence details and stores the windows
func (p *GoogleCalendar) deriveWindows(ctx context.Context, service *calendar.Service, calendarID string, items []*calendar.Event) error {
	if items == nil {
		slog.Info("No event list to derive downtime windows from")
		return nil
	}

	events := make([]Event, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		events = append(events, fromGoogleEvent(item))
	}

	selected, err := Select(events, p.marker())
	if err != nil {
		return p.fail(err)
	}

	seen := make(map[string]bool)
	for _, event := range selected {
		if event.RecurringEventID == "" {
			slog.Debug("Downtime event is not recurring", "start", event.Start.Value(), "end", event.End.Value())
			continue
		}
		if seen[event.RecurringEventID] {
			continue
		}
		seen[event.RecurringEventID] = true
		if err := p.logRecurrence(ctx, service, calendarID, event); err != nil {
			return p.fail(err)
		}
	}

	if err := p.storeSelected(selected); err != nil {
		return p.fail(err)
	}
	return nil
}

func (p *GoogleCalendar) logRecurrence(ctx context.Context, service *calendar.Service, calendarID string, event Event) error {
	parent, err := service.Events.Get(calendarID, event.RecurringEventID).Context(ctx).Do()
	if err != nil {
		return classifyGoogleError(err)
	}

	set, err := rrule.StrSliceToRRuleSet(parent.Recurrence)
	if err != nil {
		slog.Warn("Failed to parse recurrence rule",
			"recurring_event_id", event.RecurringEventID,
			"recurrence", parent.Recurrence,
			"error", err,
		)
		return nil
	}
	if parent.Start != nil {
		if dtStart, err := fromGoogleTime(parent.Start).Time(); err == nil {
			set.DTStart(dtStart)
		}
	}

	slog.Info("Downtime event is recurring",
		"recurring_event_id", event.RecurringEventID,
		"start", event.Start.Value(),
		"end", event.End.Value(),
		"rule", set.String(),
		"next_occurrence", set.After(p.now(), false),
	)
	return nil
}

func (p *GoogleCalendar) fail(err error) error {
	var serr *Error
	if errors.As(err, &serr) {
		slog.Error(serr.Hint, "kind", serr.Kind, "error", serr.Err)
	} else {
		slog.Error("Google Calendar sync failed", "error", err)
	}
	return err
}

// String returns a string representation of the GoogleCalendar
func (p *GoogleCalendar) String() string {
	return fmt.Sprintf("GoogleCalendar{calendarId: %s, lookAhead: %v, windows: %d}",
		p.credential(CalendarIDVar),
		p.lookAhead,
		len(p.NextRange()))
}

func fromGoogleEvent(item *calendar.Event) Event {
	return Event{
		ID:               item.Id,
		Summary:          item.Summary,
		Start:            fromGoogleTime(item.Start),
		End:              fromGoogleTime(item.End),
		RecurringEventID: item.RecurringEventId,
	}
}

func fromGoogleTime(t *calendar.EventDateTime) EventTime {
	if t == nil {
		return EventTime{}
	}
	return EventTime{DateTime: t.DateTime, Date: t.Date}
}

// classifyGoogleError maps a Google API client error to a sync error kind
func classifyGoogleError(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch gerr.Code {
		case http.StatusUnauthorized, http.StatusForbidden:
			return &Error{Kind: CredentialError, Hint: "Please check your API key.", Err: err}
		case http.StatusBadRequest, http.StatusNotFound:
			return &Error{Kind: ParameterError, Hint: "Please check the calendar ID and request parameters.", Err: err}
		case http.StatusMethodNotAllowed, http.StatusNotImplemented:
			return &Error{Kind: APISurfaceError, Hint: "Please check your API name or version.", Err: err}
		default:
			return &Error{Kind: TransportError, Hint: fmt.Sprintf("Calendar server answered with status %d.", gerr.Code), Err: err}
		}
	}

	var urlErr *url.Error
	var netErr net.Error
	if errors.As(err, &urlErr) || errors.As(err, &netErr) {
		return &Error{Kind: TransportError, Hint: "Server not found. Please connect and try again.", Err: err}
	}
	return &Error{Kind: TransportError, Hint: "Calendar request failed.", Err: err}
}
