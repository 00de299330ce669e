package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the trait scouting service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool

	TurnThreshold         int
	SweepInterval         time.Duration
	MaxActiveParticipants int
	AnalysisConcurrency   int

	TraitLabels          []string
	TraitPolicy          string
	TraitDefinitionsFile string

	StoreDriver string
	StoreDSN    string

	OracleMode       string
	OracleURL        string
	OracleModel      string
	ResponderModel   string
	OracleTimeout    time.Duration
	ResponderTimeout time.Duration
	OracleRedactPII  bool

	DiscordBotToken         string
	DiscordWelcomeChannelID string
	DiscordGuildID          string
}

// DiscordEnabled reports whether the Discord bot should start.
func (c Config) DiscordEnabled() bool {
	return c.DiscordBotToken != ""
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:                envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:        envOrDefault("APP_METRICS_NAMESPACE", "traitscout"),
		ShutdownTimeout:         15 * time.Second,
		TurnThreshold:           10,
		SweepInterval:           5 * time.Second,
		MaxActiveParticipants:   0,
		AnalysisConcurrency:     4,
		TraitLabels:             listFromEnv("TRAIT_LABELS"),
		TraitPolicy:             strings.ToLower(envOrDefault("TRAIT_POLICY", "replace")),
		TraitDefinitionsFile:    stringsTrimSpace("TRAIT_DEFINITIONS_FILE"),
		StoreDriver:             strings.ToLower(envOrDefault("STORE_DRIVER", "file")),
		StoreDSN:                stringsTrimSpace("STORE_DSN"),
		OracleMode:              strings.ToLower(envOrDefault("ORACLE_MODE", "auto")),
		OracleURL:               stringsTrimSpace("ORACLE_URL"),
		OracleModel:             envOrDefault("ORACLE_MODEL", "deepseek-v3.1:671b-cloud"),
		ResponderModel:          envOrDefault("RESPONDER_MODEL", "gemma3:4b"),
		OracleTimeout:           60 * time.Second,
		ResponderTimeout:        30 * time.Second,
		OracleRedactPII:         true,
		DiscordBotToken:         stringsTrimSpace("DISCORD_BOT_TOKEN"),
		DiscordWelcomeChannelID: stringsTrimSpace("DISCORD_WELCOME_CHANNEL_ID"),
		DiscordGuildID:          stringsTrimSpace("DISCORD_GUILD_ID"),
	}
	if cfg.StoreDSN == "" {
		cfg.StoreDSN = stringsTrimSpace("DATABASE_URL")
	}
	if cfg.StoreDSN == "" {
		switch cfg.StoreDriver {
		case "file":
			cfg.StoreDSN = "data"
		case "sqlite":
			cfg.StoreDSN = "data/traitscout.db"
		}
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", false)
	if err != nil {
		return Config{}, err
	}
	cfg.TurnThreshold, err = intFromEnv("TURN_THRESHOLD", cfg.TurnThreshold)
	if err != nil {
		return Config{}, err
	}
	cfg.SweepInterval, err = durationFromEnv("SWEEP_INTERVAL", cfg.SweepInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxActiveParticipants, err = intFromEnv("MAX_ACTIVE_PARTICIPANTS", cfg.MaxActiveParticipants)
	if err != nil {
		return Config{}, err
	}
	cfg.AnalysisConcurrency, err = intFromEnv("ANALYSIS_CONCURRENCY", cfg.AnalysisConcurrency)
	if err != nil {
		return Config{}, err
	}
	cfg.OracleTimeout, err = durationFromEnv("ORACLE_TIMEOUT", cfg.OracleTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ResponderTimeout, err = durationFromEnv("RESPONDER_TIMEOUT", cfg.ResponderTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.OracleRedactPII, err = boolFromEnv("ORACLE_REDACT_PII", cfg.OracleRedactPII)
	if err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks ranges and enumerations. cmd flags call it again after
// overriding fields.
func (c Config) Validate() error {
	if c.TurnThreshold <= 0 {
		return fmt.Errorf("TURN_THRESHOLD must be positive")
	}
	if c.SweepInterval < 100*time.Millisecond {
		return fmt.Errorf("SWEEP_INTERVAL must be at least 100ms")
	}
	if c.MaxActiveParticipants < 0 {
		return fmt.Errorf("MAX_ACTIVE_PARTICIPANTS must be >= 0")
	}
	if c.AnalysisConcurrency <= 0 {
		return fmt.Errorf("ANALYSIS_CONCURRENCY must be positive")
	}
	if c.OracleTimeout <= 0 {
		return fmt.Errorf("ORACLE_TIMEOUT must be positive")
	}
	if c.ResponderTimeout <= 0 {
		return fmt.Errorf("RESPONDER_TIMEOUT must be positive")
	}
	switch c.TraitPolicy {
	case "replace", "accumulate":
	default:
		return fmt.Errorf("TRAIT_POLICY must be replace or accumulate, got %q", c.TraitPolicy)
	}
	switch c.StoreDriver {
	case "file", "memory", "sqlite":
	case "postgres", "gorm-postgres":
		if c.StoreDSN == "" {
			return fmt.Errorf("STORE_DSN or DATABASE_URL is required for STORE_DRIVER=%s", c.StoreDriver)
		}
	default:
		return fmt.Errorf("unsupported STORE_DRIVER %q", c.StoreDriver)
	}
	switch c.OracleMode {
	case "auto", "mock":
	case "ollama", "http":
		if c.OracleURL == "" {
			return fmt.Errorf("ORACLE_URL is required for ORACLE_MODE=%s", c.OracleMode)
		}
	default:
		return fmt.Errorf("unsupported ORACLE_MODE %q", c.OracleMode)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

// listFromEnv splits a comma list, dropping empty items. Unset yields nil.
func listFromEnv(key string) []string {
	v := stringsTrimSpace(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
