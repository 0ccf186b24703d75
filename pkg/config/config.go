package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"time"

	"sigs.k8s.io/yaml"

	"github.com/kezhenxu94/calendar-downscaler/pkg/schedule"
)

// setDefaults sets default values for a struct using 'default' tags
func setDefaults(v interface{}) {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return
	}

	rv = rv.Elem()
	rt := rv.Type()

	for i := 0; i < rt.NumField(); i++ {
		field := rv.Field(i)
		if !field.CanSet() {
			continue
		}

		tag := rt.Field(i).Tag.Get("default")
		if tag == "{}" {
			// Struct pointers are initialized when missing and get their own defaults either way
			if field.Kind() == reflect.Ptr && field.Type().Elem().Kind() == reflect.Struct {
				if field.IsNil() {
					field.Set(reflect.New(field.Type().Elem()))
				}
				setDefaults(field.Interface())
			}
			continue
		}
		if tag == "" {
			continue
		}

		switch field.Kind() {
		case reflect.String:
			if field.String() == "" {
				field.SetString(tag)
			}
		case reflect.Bool:
			if !field.Bool() {
				val, _ := strconv.ParseBool(tag)
				field.SetBool(val)
			}
		case reflect.Int, reflect.Int32, reflect.Int64:
			if field.Int() == 0 {
				val, _ := strconv.ParseInt(tag, 10, 64)
				field.SetInt(val)
			}
		}
	}
}

// Default returns the configuration used when no file is given
func Default() Config {
	cfg := Config{}
	setDefaults(&cfg)
	applyEnvironment(&cfg)
	return cfg
}

// ReadConfigFromBytes parses and validates config from raw bytes
func ReadConfigFromBytes(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %v", err)
	}

	setDefaults(&cfg)
	applyEnvironment(&cfg)

	if err := validateCalendar(cfg.Calendar); err != nil {
		return Config{}, err
	}
	if err := validatePublish(cfg.Publish); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// ReadConfig reads config from a file path
func ReadConfig(path string) (Config, error) {
	if !filepath.IsAbs(path) {
		return Config{}, fmt.Errorf("config path must be absolute: %s", path)
	}
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %v", err)
	}

	return ReadConfigFromBytes(data)
}

// OverrideDowntimeVar enables namespace annotation when the config leaves it off
const OverrideDowntimeVar = "CALENDAR_OVERRIDE_DOWNTIME"

func applyEnvironment(cfg *Config) {
	if cfg.Publish.Namespace == "" {
		cfg.Publish.Namespace = os.Getenv("NAMESPACE")
	}
	if value := os.Getenv(OverrideDowntimeVar); value != "" && !cfg.Publish.OverrideDowntime {
		override, err := strconv.ParseBool(value)
		if err != nil {
			slog.Warn("Ignoring invalid environment variable", "variable", OverrideDowntimeVar, "value", value, "error", err)
		} else {
			cfg.Publish.OverrideDowntime = override
		}
	}
}

func validateCalendar(calendar *CalendarConfig) error {
	if _, err := schedule.ParseKind(calendar.Provider); err != nil {
		return fmt.Errorf("invalid calendar provider: %w", err)
	}
	if _, err := parsePositiveDuration(calendar.LookAhead); err != nil {
		return fmt.Errorf("invalid look-ahead: %v", err)
	}
	if _, err := parsePositiveDuration(calendar.SyncInterval); err != nil {
		return fmt.Errorf("invalid sync interval: %v", err)
	}
	if calendar.CredentialsPath != "" && !filepath.IsAbs(calendar.CredentialsPath) {
		return fmt.Errorf("credentials path must be absolute: %s", calendar.CredentialsPath)
	}
	return nil
}

func validatePublish(publish *PublishConfig) error {
	if publish.ConfigMapName == "" {
		return fmt.Errorf("config map name is required")
	}
	if publish.OverrideDowntime {
		if publish.Annotation == "" {
			return fmt.Errorf("annotation is required when overriding downtime")
		}
		if len(publish.Namespaces) == 0 {
			return fmt.Errorf("at least one namespace is required when overriding downtime")
		}
	}
	return nil
}

func parsePositiveDuration(s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration must be positive: %s", s)
	}
	return d, nil
}

// Options returns the provider options described by the calendar section
func (c CalendarConfig) Options() schedule.Options {
	lookAhead, _ := parsePositiveDuration(c.LookAhead)
	return schedule.Options{
		LookAhead:       lookAhead,
		Endpoint:        c.Endpoint,
		CredentialsPath: c.CredentialsPath,
	}
}

// Interval returns how often the calendar is polled
func (c CalendarConfig) Interval() time.Duration {
	d, err := parsePositiveDuration(c.SyncInterval)
	if err != nil {
		return 5 * time.Minute
	}
	return d
}
