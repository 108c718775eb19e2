package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultRelays are used when neither CALENDAR_RELAYS nor a relay file is
// configured.
var DefaultRelays = []string{
	"wss://relay.damus.io",
	"wss://nos.lol",
	"wss://relay.nostr.band",
}

// Config holds all configuration for the application.
type Config struct {
	// Port is the HTTP server port.
	Port int `env:"PORT" envDefault:"3000"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// SecretKey is the user's signing key, hex or nsec. Empty runs the
	// client read-only.
	SecretKey string `env:"CALENDAR_SECRET_KEY"`

	// Relays is the relay set to connect to.
	Relays []string `env:"CALENDAR_RELAYS" envSeparator:","`

	// RelaysFile is an optional YAML file listing relays. Entries are added
	// to Relays.
	RelaysFile string `env:"CALENDAR_RELAYS_FILE"`

	// DatabasePath is the sqlite archive location. Empty keeps everything
	// in memory.
	DatabasePath string `env:"CALENDAR_DB_PATH" envDefault:"calendar.db"`

	// Timezone is applied to drafts without one and to the sort windows.
	Timezone string `env:"CALENDAR_TIMEZONE" envDefault:"UTC"`

	ConnectTimeout time.Duration `env:"CALENDAR_CONNECT_TIMEOUT" envDefault:"10s"`
	PublishTimeout time.Duration `env:"CALENDAR_PUBLISH_TIMEOUT" envDefault:"15s"`
	SearchDebounce time.Duration `env:"CALENDAR_SEARCH_DEBOUNCE" envDefault:"300ms"`

	// CleanupSchedule is a cron spec for pruning ended events.
	CleanupSchedule string        `env:"CALENDAR_CLEANUP_SCHEDULE" envDefault:"@hourly"`
	Retention       time.Duration `env:"CALENDAR_RETENTION" envDefault:"720h"`

	// CORSOrigins lists origins allowed to call the local API.
	CORSOrigins []string `env:"CALENDAR_CORS_ORIGINS" envSeparator:"," envDefault:"http://localhost:5173"`
}

type relaysFile struct {
	Relays []string `yaml:"relays"`
}

// Load reads configuration from the environment. A .env file in the working
// directory is loaded first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if cfg.RelaysFile != "" {
		relays, err := LoadRelaysFile(cfg.RelaysFile)
		if err != nil {
			return nil, err
		}
		cfg.Relays = append(cfg.Relays, relays...)
	}
	cfg.Relays = cleanRelays(cfg.Relays)
	if len(cfg.Relays) == 0 {
		cfg.Relays = append([]string(nil), DefaultRelays...)
	}

	if _, err := time.LoadLocation(cfg.Timezone); err != nil {
		return nil, fmt.Errorf("invalid CALENDAR_TIMEZONE: %w", err)
	}
	if _, err := ParseLogLevel(cfg.LogLevel); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadRelaysFile reads a YAML document of the form
//
//	relays:
//	  - wss://relay.example.com
func LoadRelaysFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read relays file: %w", err)
	}
	var f relaysFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse relays file: %w", err)
	}
	for _, r := range f.Relays {
		if !isRelayURL(r) {
			return nil, fmt.Errorf("relays file: %q is not a ws:// or wss:// url", r)
		}
	}
	return f.Relays, nil
}

// Location returns the configured zone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ParseLogLevel maps a level name to a slog level.
func ParseLogLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid LOG_LEVEL %q: %w", s, err)
	}
	return level, nil
}

func isRelayURL(s string) bool {
	s = strings.TrimSpace(s)
	return strings.HasPrefix(s, "wss://") || strings.HasPrefix(s, "ws://")
}

func cleanRelays(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	var out []string
	for _, r := range in {
		r = strings.TrimRight(strings.TrimSpace(r), "/")
		if r == "" {
			continue
		}
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return out
}
