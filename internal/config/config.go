package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Log       LogConfig
	Scheduler SchedulerConfig
	Executor  ExecutorConfig
	Retrieval RetrievalConfig
	Summarize SummarizeConfig
	Engine    EngineConfig
	Ollama    OllamaConfig
	Gemini    GeminiConfig
	SMTP      SMTPConfig
	Telegram  TelegramConfig
	Redis     RedisConfig
}

type ServerConfig struct {
	Host     string
	Port     int
	APIToken string
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level  string
	Format string
}

type SchedulerConfig struct {
	Timezone      string
	MaxRetries    int
	PastTolerance string
	MaxHorizon    string
}

type ExecutorConfig struct {
	Workers           int
	PollInterval      string
	TaskTimeout       string
	BackoffBase       string
	BackoffMax        string
	LeaseTimeout      string
	Retention         string
	LivenessSchedule  string
	RetentionSchedule string
}

type RetrievalConfig struct {
	TopK        int
	MaxTopK     int
	Timeout     string
	MaxAttempts int
	CacheTTL    string

	// EmbedParallelism bounds concurrent embedding calls while indexing.
	EmbedParallelism int
}

type SummarizeConfig struct {
	MaxLength     int
	Timeout       string
	ContextBudget int
}

// EngineConfig selects the generation and embedding backend: "ollama" or "gemini".
type EngineConfig struct {
	Backend string
}

type OllamaConfig struct {
	// Endpoints is a comma-separated list of base URLs tried round-robin.
	Endpoints  string
	Model      string
	EmbedModel string
	// VisionModel describes images for indexing. It is not pulled at
	// startup.
	VisionModel string
}

type GeminiConfig struct {
	APIKey      string
	Model       string
	EmbedModel  string
	VisionModel string
}

type SMTPConfig struct {
	Host          string
	Port          int
	Username      string
	Password      string
	From          string
	RatePerMinute int
}

type TelegramConfig struct {
	Token  string
	ChatID int
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Scheduler: SchedulerConfig{
			Timezone:      "Local",
			MaxRetries:    3,
			PastTolerance: "5m",
			MaxHorizon:    "720h",
		},
		Executor: ExecutorConfig{
			Workers:           4,
			PollInterval:      "500ms",
			TaskTimeout:       "60s",
			BackoffBase:       "1s",
			BackoffMax:        "5m",
			LeaseTimeout:      "5m",
			Retention:         "720h",
			LivenessSchedule:  "@every 1m",
			RetentionSchedule: "0 2 * * *",
		},
		Retrieval: RetrievalConfig{
			TopK:             5,
			MaxTopK:          50,
			Timeout:          "10s",
			MaxAttempts:      3,
			CacheTTL:         "1h",
			EmbedParallelism: 4,
		},
		Summarize: SummarizeConfig{
			MaxLength:     500,
			Timeout:       "30s",
			ContextBudget: 8000,
		},
		Engine: EngineConfig{
			Backend: "ollama",
		},
		Ollama: OllamaConfig{
			Endpoints:  "http://localhost:11434",
			Model:       "llama3.2",
			EmbedModel:  "nomic-embed-text",
			VisionModel: "llava",
		},
		Gemini: GeminiConfig{
			Model:       "gemini-2.0-flash",
			EmbedModel:  "text-embedding-004",
			VisionModel: "gemini-2.0-flash",
		},
		SMTP: SMTPConfig{
			Host:          "smtp.gmail.com",
			Port:          587,
			From:          "cmdsched@localhost",
			RatePerMinute: 30,
		},
	}
}

// Load reads configuration from the config file, a .env file in the working
// directory, and environment variables, in increasing order of precedence.
//
// The config file lives at $XDG_CONFIG_HOME/cmdsched/config.yaml and holds
// flat dotted keys or the equivalent nested YAML. Secrets are only read from
// the environment (CMDSCHED_*).
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "[WARN] could not load .env file: %v\n", err)
	}
	return loadWith(newFileBackend(configFilePath()))
}

func loadWith(b Backend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Engine.Backend {
	case "ollama":
	case "gemini":
		if c.Gemini.APIKey == "" {
			return fmt.Errorf("missing required config: Gemini API key. Set it via environment variable CMDSCHED_GEMINI_API_KEY")
		}
	default:
		return fmt.Errorf("engine.backend must be \"ollama\" or \"gemini\", got %q", c.Engine.Backend)
	}
	if c.Executor.Workers < 1 {
		return fmt.Errorf("executor.workers must be at least 1, got %d", c.Executor.Workers)
	}
	if c.Scheduler.MaxRetries < 0 {
		return fmt.Errorf("scheduler.max_retries must not be negative, got %d", c.Scheduler.MaxRetries)
	}
	if _, err := time.LoadLocation(c.Scheduler.Timezone); err != nil {
		return fmt.Errorf("scheduler.timezone: %w", err)
	}
	return nil
}

// Location returns the configured scheduler time zone. Load has already
// validated it, so failures fall back to time.Local.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Scheduler.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// Duration parses a duration-valued config key, falling back to def with a
// warning when the value is empty or invalid.
func Duration(key, raw string, def time.Duration) time.Duration {
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		slog.Warn("invalid duration in config, using default", "key", key, "value", raw, "default", def, "error", err)
		return def
	}
	return d
}
