package schedule

import (
	"context"
	"log/slog"
	"maps"
	"os"
	"slices"
	"sync"
	"time"
)

// Environment variables recognised when credentials are loaded from the environment
const (
	APIKeyVar         = "API_KEY"
	CalendarIDVar     = "CAL_ID"
	DowntimeStringVar = "DEFAULT_DOWNTIME_STRING"
	ICSURLVar         = "ICS_URL"
)

// DefaultLookAhead is how far ahead of now events are fetched
const DefaultLookAhead = 7 * 24 * time.Hour

// Credentials maps a credential key, named after its environment variable, to its value
type Credentials map[string]string

// Provider derives downtime windows from a calendar backend
type Provider interface {
	// Load sets the credentials. A nil map loads them from the environment,
	// unless credentials are already set, in which case nothing changes.
	Load(credentials Credentials)

	// Connect fetches the upcoming events and re-derives the downtime windows.
	// Without credentials it does nothing and returns nil.
	Connect(ctx context.Context) error

	// NextRange returns the downtime windows formatted as "{start}-{end}",
	// ascending by start time.
	NextRange() []string
}

// calendarState holds what every provider keeps between syncs
type calendarState struct {
	envKeys     []string
	credentials Credentials
	nextRange   []string
	now         func() time.Time
	mu          sync.RWMutex
}

func newCalendarState(envKeys ...string) calendarState {
	return calendarState{
		envKeys: envKeys,
		now:     time.Now,
	}
}

func (s *calendarState) Load(credentials Credentials) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if credentials == nil {
		if s.credentials != nil {
			slog.Debug("Credentials already loaded, keeping them")
			return
		}
		credentials = Credentials{}
		for _, key := range s.envKeys {
			if value, ok := os.LookupEnv(key); ok {
				credentials[key] = value
			}
		}
	}
	s.credentials = maps.Clone(credentials)
	slog.Debug("Credentials loaded", "keys", slices.Sorted(maps.Keys(s.credentials)))
}

func (s *calendarState) credential(key string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.credentials[key]
}

func (s *calendarState) NextRange() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.nextRange)
}

// marker returns the downtime marker events must be titled with
func (s *calendarState) marker() string {
	marker := s.credential(DowntimeStringVar)
	if marker == "" {
		slog.Info("No downtime marker configured, no events are selected", "variable", DowntimeStringVar)
	}
	return marker
}

// storeSelected derives the windows of the selected events and stores them
func (s *calendarState) storeSelected(selected []Event) error {
	windows, err := Windows(selected)
	if err != nil {
		return err
	}
	s.storeWindows(windows)
	return nil
}

// storeWindows replaces the current windows. An empty selection keeps the previous ones.
func (s *calendarState) storeWindows(windows []Window) {
	if len(windows) == 0 {
		slog.Info("No upcoming downtime events found")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextRange = rangeStrings(windows)
	slog.Info("Downtime windows updated", "windows", s.nextRange)
}
