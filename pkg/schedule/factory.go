package schedule

import (
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"
)

// Kind names a supported calendar backend
type Kind string

const (
	KindGoogle Kind = "google"
	KindICS    Kind = "ics"
)

// Options configure a provider at construction time
type Options struct {
	// LookAhead is how far ahead events are fetched (default: 7 days)
	LookAhead time.Duration
	// Endpoint overrides the Google Calendar API base URL
	Endpoint string
	// CredentialsPath is an absolute path to a service account JSON file,
	// used when no API key is set
	CredentialsPath string
	// HTTPClient is used to fetch ICS feeds
	HTTPClient *http.Client
}

var registry = map[Kind]func(Options) Provider{
	KindGoogle: func(opts Options) Provider { return NewGoogleCalendar(opts) },
	KindICS:    func(opts Options) Provider { return NewICSCalendar(opts) },
}

// Kinds returns the supported provider kinds, sorted
func Kinds() []Kind {
	kinds := make([]Kind, 0, len(registry))
	for kind := range registry {
		kinds = append(kinds, kind)
	}
	slices.Sort(kinds)
	return kinds
}

// ParseKind resolves a provider name such as "google"
func ParseKind(name string) (Kind, error) {
	kind := Kind(strings.ToLower(strings.TrimSpace(name)))
	if _, ok := registry[kind]; !ok {
		return "", fmt.Errorf("%w: %q (supported: %v)", ErrUnknownProvider, name, Kinds())
	}
	return kind, nil
}

// New creates a provider of the given kind
func New(kind Kind, opts Options) (Provider, error) {
	newProvider, ok := registry[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, kind)
	}
	return newProvider(opts), nil
}
