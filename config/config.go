// Package config resolves runtime configuration from the environment and
// lays out the ~/.hive persistence tree.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Provider names accepted by HIVE_MODEL_PROVIDER.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGoogle    = "google"
)

// Checkpoint backend names accepted by HIVE_CHECKPOINT_BACKEND.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendMySQL  = "mysql"
)

// Config is the resolved runtime configuration.
type Config struct {
	// Home is the persistence root, default ~/.hive.
	Home string

	// Addr is the HTTP listen address.
	Addr string

	// Provider selects the chat model adapter.
	Provider string

	// Model overrides the provider's default model name.
	Model string

	AnthropicAPIKey string
	OpenAIAPIKey    string
	GeminiAPIKey    string

	// MaxConcurrentLLM bounds in-flight provider calls; excess calls queue
	// FIFO.
	MaxConcurrentLLM int

	// CheckpointBackend selects the checkpoint store.
	CheckpointBackend string

	// MySQLDSN is required when CheckpointBackend is mysql.
	MySQLDSN string

	// EventLog enables the JSONL event debug log.
	EventLog bool

	// Tracing bridges bus events to OpenTelemetry spans.
	Tracing bool

	// HealthInterval is the health judge tick period.
	HealthInterval time.Duration
}

// Load reads .env (when present) and the environment. Missing values fall
// back to defaults; the zero-config result is a usable local daemon.
func Load() (Config, error) {
	// Absence of .env is not an error.
	_ = godotenv.Load()

	cfg := Config{
		Home:              os.Getenv("HIVE_HOME"),
		Addr:              envDefault("HIVE_ADDR", ":8420"),
		Provider:          envDefault("HIVE_MODEL_PROVIDER", ProviderAnthropic),
		Model:             os.Getenv("HIVE_MODEL"),
		AnthropicAPIKey:   os.Getenv("ANTHROPIC_API_KEY"),
		OpenAIAPIKey:      os.Getenv("OPENAI_API_KEY"),
		GeminiAPIKey:      os.Getenv("GEMINI_API_KEY"),
		MaxConcurrentLLM:  4,
		CheckpointBackend: envDefault("HIVE_CHECKPOINT_BACKEND", BackendFile),
		MySQLDSN:          os.Getenv("HIVE_MYSQL_DSN"),
		EventLog:          envBool("HIVE_EVENT_LOG"),
		Tracing:           envBool("HIVE_TRACING"),
		HealthInterval:    30 * time.Second,
	}

	if cfg.Home == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return Config{}, fmt.Errorf("resolve home directory: %w", err)
		}
		cfg.Home = filepath.Join(home, ".hive")
	}

	if v := os.Getenv("HIVE_MAX_CONCURRENT_LLM"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return Config{}, fmt.Errorf("invalid HIVE_MAX_CONCURRENT_LLM %q", v)
		}
		cfg.MaxConcurrentLLM = n
	}
	if v := os.Getenv("HIVE_HEALTH_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, fmt.Errorf("invalid HIVE_HEALTH_INTERVAL %q", v)
		}
		cfg.HealthInterval = d
	}

	switch cfg.Provider {
	case ProviderAnthropic, ProviderOpenAI, ProviderGoogle:
	default:
		return Config{}, fmt.Errorf("unknown HIVE_MODEL_PROVIDER %q", cfg.Provider)
	}
	switch cfg.CheckpointBackend {
	case BackendFile, BackendSQLite, BackendMySQL:
	default:
		return Config{}, fmt.Errorf("unknown HIVE_CHECKPOINT_BACKEND %q", cfg.CheckpointBackend)
	}
	if cfg.CheckpointBackend == BackendMySQL && cfg.MySQLDSN == "" {
		return Config{}, fmt.Errorf("HIVE_MYSQL_DSN is required for the mysql checkpoint backend")
	}

	return cfg, nil
}

// QueenDir is where a session's queen conversation persists.
func (c Config) QueenDir(sessionID string) string {
	return filepath.Join(c.Home, "queen", "session", sessionID)
}

// CheckpointsDir holds the file checkpoint store.
func (c Config) CheckpointsDir() string {
	return filepath.Join(c.Home, "checkpoints")
}

// EventLogsDir holds the opt-in JSONL event logs.
func (c Config) EventLogsDir() string {
	return filepath.Join(c.Home, "event_logs")
}

// AgentsDir holds per-agent workspaces.
func (c Config) AgentsDir() string {
	return filepath.Join(c.Home, "agents")
}

// SQLitePath is the single-file checkpoint database.
func (c Config) SQLitePath() string {
	return filepath.Join(c.Home, "checkpoints.db")
}

func envDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string) bool {
	v, err := strconv.ParseBool(os.Getenv(key))
	return err == nil && v
}
