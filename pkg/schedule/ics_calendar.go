package schedule

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	ics "github.com/arran4/golang-ical"
	"github.com/teambition/rrule-go"
)

const icsDateLayout = "20060102"

// httpClient interface allows mocking http.Client in tests
type httpClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// ICSCalendar is a schedule provider that reads an ICS feed
type ICSCalendar struct {
	calendarState
	lookAhead time.Duration
	client    httpClient
}

// NewICSCalendar creates an ICS calendar provider. The feed URL is set with Load.
func NewICSCalendar(opts Options) *ICSCalendar {
	lookAhead := opts.LookAhead
	if lookAhead <= 0 {
		lookAhead = DefaultLookAhead
	}
	var client httpClient = http.DefaultClient
	if opts.HTTPClient != nil {
		client = opts.HTTPClient
	}
	return &ICSCalendar{
		calendarState: newCalendarState(ICSURLVar, DowntimeStringVar),
		lookAhead:     lookAhead,
		client:        client,
	}
}

// Connect fetches the feed and derives the downtime windows from events
// starting before the end of the look-ahead period and not yet over
func (p *ICSCalendar) Connect(ctx context.Context) error {
	feedURL := p.credential(ICSURLVar)
	if feedURL == "" {
		slog.Info("No ICS calendar URL configured, skipping sync")
		return nil
	}

	body, err := p.fetch(ctx, feedURL)
	if err != nil {
		return p.fail(err)
	}

	cal, err := ics.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return p.fail(&Error{Kind: DataShapeError, Hint: "Please check the ICS feed content.", Err: err})
	}

	now := p.now()
	until := now.Add(p.lookAhead)

	var events []Event
	for _, vevent := range cal.Events() {
		event, err := fromICSEvent(vevent)
		if err != nil {
			slog.Debug("Skipping ICS event", "uid", vevent.Id(), "error", err)
			continue
		}
		if rule := vevent.GetProperty(ics.ComponentPropertyRrule); rule != nil {
			events = append(events, expandICSEvent(event, rule.Value, now, until)...)
			continue
		}
		startAt, _ := event.Start.Time()
		endAt, _ := event.End.Time()
		if !endAt.After(now) || !startAt.Before(until) {
			continue
		}
		events = append(events, event)
	}
	if events == nil {
		events = []Event{}
	}
	slog.Debug("ICS calendar events parsed", "events_count", len(cal.Events()), "in_range", len(events))

	selected, err := Select(events, p.marker())
	if err != nil {
		return p.fail(err)
	}
	if err := p.storeSelected(selected); err != nil {
		return p.fail(err)
	}
	return nil
}

func (p *ICSCalendar) fetch(ctx context.Context, feedURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, &Error{Kind: ParameterError, Hint: "Please check the ICS calendar URL.", Err: err}
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, &Error{Kind: TransportError, Hint: "Server not found. Please connect and try again.", Err: err}
	}
	defer func() {
		if e := resp.Body.Close(); e != nil {
			slog.Error("Failed to close ICS calendar response body", "error", e)
		}
	}()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &Error{Kind: CredentialError, Hint: "ICS feed rejected the request, check the private URL.", Err: fmt.Errorf("status %d", resp.StatusCode)}
	case resp.StatusCode != http.StatusOK:
		return nil, &Error{Kind: TransportError, Hint: fmt.Sprintf("ICS server answered with status %d.", resp.StatusCode)}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Kind: TransportError, Hint: "Failed to read the ICS feed.", Err: err}
	}
	return body, nil
}

func (p *ICSCalendar) fail(err error) error {
	var serr *Error
	if errors.As(err, &serr) {
		slog.Error(serr.Hint, "kind", serr.Kind, "error", serr.Err)
	} else {
		slog.Error("ICS calendar sync failed", "error", err)
	}
	return err
}

// String returns a string representation of the ICSCalendar
func (p *ICSCalendar) String() string {
	return fmt.Sprintf("ICSCalendar{url: %s, lookAhead: %v, windows: %d}",
		p.credential(ICSURLVar),
		p.lookAhead,
		len(p.NextRange()))
}

func fromICSEvent(vevent *ics.VEvent) (Event, error) {
	event := Event{ID: vevent.Id()}
	if summary := vevent.GetProperty(ics.ComponentPropertySummary); summary != nil {
		event.Summary = summary.Value
	}

	start, err := icsEventTime(vevent, ics.ComponentPropertyDtStart, vevent.GetStartAt)
	if err != nil {
		return Event{}, err
	}
	event.Start = start

	end, err := icsEventTime(vevent, ics.ComponentPropertyDtEnd, vevent.GetEndAt)
	if err != nil {
		// Without DTEND an event lasts one day
		startAt, _ := start.Time()
		if start.Date != "" {
			end = EventTime{Date: startAt.AddDate(0, 0, 1).Format(DateLayout)}
		} else {
			end = EventTime{DateTime: startAt.AddDate(0, 0, 1).Format(time.RFC3339)}
		}
	}
	event.End = end
	return event, nil
}

func icsEventTime(vevent *ics.VEvent, property ics.ComponentProperty, parse func() (time.Time, error)) (EventTime, error) {
	prop := vevent.GetProperty(property)
	if prop == nil {
		return EventTime{}, fmt.Errorf("missing %s", property)
	}
	if len(prop.Value) == len(icsDateLayout) {
		date, err := time.Parse(icsDateLayout, prop.Value)
		if err != nil {
			return EventTime{}, fmt.Errorf("invalid %s date %q: %v", property, prop.Value, err)
		}
		return EventTime{Date: date.Format(DateLayout)}, nil
	}
	t, err := parse()
	if err != nil {
		return EventTime{}, fmt.Errorf("invalid %s: %v", property, err)
	}
	return EventTime{DateTime: t.Format(time.RFC3339)}, nil
}

// expandICSEvent returns the occurrences of a recurring event that overlap
// [now, until). Each occurrence keeps the duration of the first one.
func expandICSEvent(event Event, value string, now, until time.Time) []Event {
	rule, err := rrule.StrToRRule(value)
	if err != nil {
		slog.Warn("Failed to parse recurrence rule, skipping event", "uid", event.ID, "rrule", value, "error", err)
		return nil
	}
	startAt, _ := event.Start.Time()
	endAt, _ := event.End.Time()
	duration := endAt.Sub(startAt)
	rule.DTStart(startAt)

	occurrences := rule.Between(now.Add(-duration), until, false)
	slog.Debug("Event is recurring",
		"uid", event.ID,
		"summary", event.Summary,
		"rule", rule.String(),
		"occurrences", len(occurrences),
	)

	events := make([]Event, 0, len(occurrences))
	for _, start := range occurrences {
		end := start.Add(duration)
		if !end.After(now) {
			continue
		}
		occurrence := Event{
			ID:               event.ID + "_" + start.UTC().Format("20060102T150405Z"),
			Summary:          event.Summary,
			RecurringEventID: event.ID,
		}
		if event.Start.Date != "" {
			occurrence.Start = EventTime{Date: start.Format(DateLayout)}
			occurrence.End = EventTime{Date: end.Format(DateLayout)}
		} else {
			occurrence.Start = EventTime{DateTime: start.Format(time.RFC3339)}
			occurrence.End = EventTime{DateTime: end.Format(time.RFC3339)}
		}
		events = append(events, occurrence)
	}
	return events
}
