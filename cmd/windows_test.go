package cmd

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// serveFeed serves an ICS feed with one "Maintenance" event starting in a day
// and writes a config file pointing at it.
func serveFeed(t *testing.T) (configPath string, start, end time.Time) {
	t.Helper()
	start = time.Now().UTC().Add(24 * time.Hour).Truncate(time.Second)
	end = start.Add(12 * time.Hour)
	const layout = "20060102T150405Z"

	feed := strings.Join([]string{
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"PRODID:-//calendar-downscaler//test//EN",
		"BEGIN:VEVENT",
		"UID:downtime@test",
		"DTSTAMP:" + start.Format(layout),
		"SUMMARY:Maintenance",
		"DTSTART:" + start.Format(layout),
		"DTEND:" + end.Format(layout),
		"END:VEVENT",
		"END:VCALENDAR",
		"",
	}, "\r\n")

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(feed))
	}))
	t.Cleanup(server.Close)

	configPath = filepath.Join(t.TempDir(), "config.yaml")
	config := fmt.Sprintf("calendar:\n  provider: ics\n  url: %s\n  downtimeString: Maintenance\n", server.URL)
	if err := os.WriteFile(configPath, []byte(config), 0o600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return configPath, start, end
}

func resetRootCmd(t *testing.T) {
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
		configFile = ""
		once = false
		dryRun = false
	})
}

func TestWindowsCommand(t *testing.T) {
	configPath, start, end := serveFeed(t)

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"windows", "--config", configPath, "--log-level", "error"})
	resetRootCmd(t)

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	want := start.Format(time.RFC3339) + "-" + end.Format(time.RFC3339) + "\n"
	if out.String() != want {
		t.Errorf("output = %q, want %q", out.String(), want)
	}
}
