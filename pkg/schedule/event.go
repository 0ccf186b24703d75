package schedule

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// DateLayout is the layout of all-day event dates
const DateLayout = "2006-01-02"

// EventTime is either a timestamp with offset or, for all-day events, a date
type EventTime struct {
	DateTime string
	Date     string
}

// Value returns the date-time, falling back to the date for all-day events
func (t EventTime) Value() string {
	if t.DateTime != "" {
		return t.DateTime
	}
	return t.Date
}

// Time parses the value returned by Value
func (t EventTime) Time() (time.Time, error) {
	if t.DateTime != "" {
		return time.Parse(time.RFC3339, t.DateTime)
	}
	if t.Date != "" {
		return time.Parse(DateLayout, t.Date)
	}
	return time.Time{}, fmt.Errorf("event time has neither dateTime nor date")
}

// Event is a calendar event as seen by the window selection
type Event struct {
	ID               string
	Summary          string
	Start            EventTime
	End              EventTime
	RecurringEventID string
}

// Window is a period during which the downscaler should scale workloads down
type Window struct {
	Start   string
	End     string
	StartAt time.Time
	EndAt   time.Time
}

// String formats the window the way the downscaler expects it: "{start}-{end}"
func (w Window) String() string {
	return w.Start + "-" + w.End
}

// Contains reports whether t falls inside the window. The end is exclusive.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.StartAt) && t.Before(w.EndAt)
}

// Select returns the events whose summary is exactly marker, sorted by start
// time. Events with equal start times keep the order they were given in.
// An empty marker selects nothing, untitled events are never downtime.
func Select(events []Event, marker string) ([]Event, error) {
	type keyed struct {
		event Event
		start time.Time
	}

	if marker == "" {
		return []Event{}, nil
	}

	var matched []keyed
	for _, event := range events {
		if event.Summary != marker {
			continue
		}
		start, err := event.Start.Time()
		if err != nil {
			return nil, &Error{
				Kind: DataShapeError,
				Hint: fmt.Sprintf("event %q has no usable start time", event.ID),
				Err:  err,
			}
		}
		if _, err := event.End.Time(); err != nil {
			return nil, &Error{
				Kind: DataShapeError,
				Hint: fmt.Sprintf("event %q has no usable end time", event.ID),
				Err:  err,
			}
		}
		matched = append(matched, keyed{event: event, start: start})
	}

	slices.SortStableFunc(matched, func(a, b keyed) int {
		return a.start.Compare(b.start)
	})

	selected := make([]Event, 0, len(matched))
	for _, k := range matched {
		selected = append(selected, k.event)
	}
	return selected, nil
}

// Windows derives one window per event, in the order given. Events must have
// parseable start and end times, as the ones returned by Select do.
func Windows(events []Event) ([]Window, error) {
	windows := make([]Window, 0, len(events))
	for _, event := range events {
		startAt, err := event.Start.Time()
		if err != nil {
			return nil, &Error{Kind: DataShapeError, Hint: fmt.Sprintf("event %q has no usable start time", event.ID), Err: err}
		}
		endAt, err := event.End.Time()
		if err != nil {
			return nil, &Error{Kind: DataShapeError, Hint: fmt.Sprintf("event %q has no usable end time", event.ID), Err: err}
		}
		windows = append(windows, Window{
			Start:   event.Start.Value(),
			End:     event.End.Value(),
			StartAt: startAt,
			EndAt:   endAt,
		})
	}
	return windows, nil
}

// ParseRange parses a "{start}-{end}" string produced by Window.String.
// Both sides may themselves contain dashes, so every split point is tried.
func ParseRange(s string) (Window, error) {
	for i := strings.Index(s, "-"); i >= 0; {
		start, end := s[:i], s[i+1:]
		startAt, errStart := parseRangeTime(start)
		endAt, errEnd := parseRangeTime(end)
		if errStart == nil && errEnd == nil {
			return Window{Start: start, End: end, StartAt: startAt, EndAt: endAt}, nil
		}
		next := strings.Index(s[i+1:], "-")
		if next < 0 {
			break
		}
		i += next + 1
	}
	return Window{}, fmt.Errorf("invalid downtime range %q", s)
}

func parseRangeTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse(DateLayout, s)
}

func rangeStrings(windows []Window) []string {
	ranges := make([]string, 0, len(windows))
	for _, w := range windows {
		ranges = append(ranges, w.String())
	}
	return ranges
}
