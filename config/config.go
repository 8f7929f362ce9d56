// Package config loads engine settings for embedding programs: defaults,
// then an optional TOML file, then CONVOFLOW_ environment overrides. A
// local .env file is honored before the environment is read.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Settings represents the engine configuration.
type Settings struct {
	Engine struct {
		TickIntervalMS  int64  `koanf:"tick_interval_ms"`
		RequireDelivery bool   `koanf:"require_delivery"`
		DefaultTimeout  string `koanf:"default_timeout"`
		BotName         string `koanf:"bot_name"`
	} `koanf:"engine"`

	Log struct {
		Level  string `koanf:"level"`
		Format string `koanf:"format"`
	} `koanf:"log"`

	Storage struct {
		Backend string `koanf:"backend"` // "memory", "redis" or "sqlite"
		DSN     string `koanf:"dsn"`
	} `koanf:"storage"`

	Scripts struct {
		URL   string `koanf:"url"`
		Token string `koanf:"token"`
		Dir   string `koanf:"dir"`
	} `koanf:"scripts"`

	Subscriptions struct {
		HelperAPIURL string `koanf:"helper_api_url"`
		LoopbackURL  string `koanf:"loopback_url"`
	} `koanf:"subscriptions"`
}

// TickInterval returns the scheduler interval as a duration.
func (s *Settings) TickInterval() time.Duration {
	return time.Duration(s.Engine.TickIntervalMS) * time.Millisecond
}

// AnswerTimeout parses the default answer timeout, falling back to 15
// minutes on a bad value.
func (s *Settings) AnswerTimeout() time.Duration {
	d, err := time.ParseDuration(s.Engine.DefaultTimeout)
	if err != nil || d <= 0 {
		return 15 * time.Minute
	}
	return d
}

// Load reads settings from defaults, the TOML file at configPath (or the
// default locations when empty), and CONVOFLOW_ environment variables.
func Load(configPath string) (*Settings, error) {
	// .env is best effort; a missing file is not an error
	_ = godotenv.Load()

	var k = koanf.New(".")

	k.Load(confmap.Provider(map[string]interface{}{
		"engine.tick_interval_ms": 1500,
		"engine.require_delivery": false,
		"engine.default_timeout":  "15m",
		"engine.bot_name":         "bot",
		"log.level":               "info",
		"log.format":              "json",
		"storage.backend":         "memory",
	}, "."), nil)

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
			return nil, fmt.Errorf("error loading config: %w", err)
		}
	} else {
		defaultPaths := []string{"./convoflow.toml", "$HOME/.convoflow.toml"}
		for _, path := range defaultPaths {
			path = os.ExpandEnv(path)
			if _, err := os.Stat(path); err == nil {
				if err := k.Load(file.Provider(path), toml.Parser()); err == nil {
					break
				}
			}
		}
	}

	k.Load(env.Provider("CONVOFLOW_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "CONVOFLOW_")), "_", ".", -1)
	}), nil)

	var settings Settings
	if err := k.Unmarshal("", &settings); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}

	return &settings, nil
}

// Validate checks settings for contradictions before the engine starts.
func Validate(s *Settings) error {
	if s.Engine.TickIntervalMS <= 0 {
		return fmt.Errorf("tick interval must be positive")
	}

	switch s.Storage.Backend {
	case "memory", "":
	case "redis", "sqlite":
		if s.Storage.DSN == "" {
			return fmt.Errorf("storage backend %s requires a dsn", s.Storage.Backend)
		}
	default:
		return fmt.Errorf("unknown storage backend %s", s.Storage.Backend)
	}

	if s.Scripts.URL != "" && s.Scripts.Dir != "" {
		return fmt.Errorf("scripts url and dir are mutually exclusive")
	}

	return nil
}
