package config

import (
	"os"

	"github.com/kezhenxu94/calendar-downscaler/pkg/schedule"
)

// CalendarConfig selects the calendar provider and how it is queried
type CalendarConfig struct {
	// Provider is the calendar backend: "google" or "ics"
	Provider string `json:"provider,omitempty" default:"google"`
	// CalendarID is the ID of the Google Calendar to read (env: CAL_ID)
	CalendarID string `json:"calendarId,omitempty"`
	// APIKey is the Google API key (env: API_KEY). Prefer the environment for secrets.
	APIKey string `json:"apiKey,omitempty"`
	// CredentialsPath is an absolute path to a service account JSON file,
	// used instead of an API key
	CredentialsPath string `json:"credentialsPath,omitempty"`
	// URL is the ICS feed to read when the provider is "ics" (env: ICS_URL)
	URL string `json:"url,omitempty"`
	// DowntimeString is the exact event title marking downtime (env: DEFAULT_DOWNTIME_STRING)
	DowntimeString string `json:"downtimeString,omitempty"`
	// Endpoint overrides the Google Calendar API base URL
	Endpoint string `json:"endpoint,omitempty"`
	// LookAhead is how far ahead events are fetched (default: 168h)
	LookAhead string `json:"lookAhead,omitempty" default:"168h"`
	// SyncInterval is how often the calendar is polled (default: 5m)
	SyncInterval string `json:"syncInterval,omitempty" default:"5m"`
}

// PublishConfig controls where the downtime windows are written in the cluster
type PublishConfig struct {
	// Namespace of the ConfigMap; defaults to the NAMESPACE environment variable
	Namespace string `json:"namespace,omitempty"`
	// ConfigMapName is the ConfigMap receiving the windows under the "downtime" key
	ConfigMapName string `json:"configMapName,omitempty" default:"calendar-downscaler-downtime"`
	// OverrideDowntime also annotates the target namespaces so the calendar
	// windows replace their configured downtime
	OverrideDowntime bool `json:"overrideDowntime,omitempty" default:"false"`
	// Annotation is the namespace annotation written when OverrideDowntime is set
	Annotation string `json:"annotation,omitempty" default:"downscaler/downtime"`
	// Namespaces are the target namespaces annotated when OverrideDowntime is set
	Namespaces []string `json:"namespaces,omitempty"`
}

// Config represents the overall configuration for the calendar downscaler.
type Config struct {
	Calendar *CalendarConfig `json:"calendar,omitempty" default:"{}"`
	Publish  *PublishConfig  `json:"publish,omitempty" default:"{}"`
}

// Credentials returns the provider credentials, taking values from the file
// over the environment. It returns nil when neither sets any.
func (c CalendarConfig) Credentials() schedule.Credentials {
	values := map[string]string{
		schedule.APIKeyVar:         c.APIKey,
		schedule.CalendarIDVar:     c.CalendarID,
		schedule.ICSURLVar:         c.URL,
		schedule.DowntimeStringVar: c.DowntimeString,
	}

	var credentials schedule.Credentials
	for key, value := range values {
		if value == "" {
			value = os.Getenv(key)
		}
		if value == "" {
			continue
		}
		if credentials == nil {
			credentials = schedule.Credentials{}
		}
		credentials[key] = value
	}
	return credentials
}
