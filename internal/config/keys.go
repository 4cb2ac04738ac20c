package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kDuration
	kSchedule
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

// parse validates a raw value from the command line or environment and
// converts it to the type apply expects. Durations and cron schedules stay
// strings in Config but are checked here so a typo fails at "config set"
// rather than at startup.
func (s keySpec) parse(raw string) (any, error) {
	switch s.typ {
	case kInt:
		return strconv.Atoi(strings.TrimSpace(raw))
	case kDuration:
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, err
		}
		if d < 0 {
			return nil, fmt.Errorf("duration %s is negative", raw)
		}
	case kSchedule:
		if _, err := cron.ParseStandard(raw); err != nil {
			return nil, err
		}
	}
	return raw, nil
}

// decode converts a value read from the backend.
func (s keySpec) decode(v any) (any, error) {
	if s.typ == kInt {
		return asInt(v)
	}
	return s.parse(asString(v))
}

func str(key, env string, set func(*Config, string), get func(Config) string) keySpec {
	return keySpec{
		key: key, typ: kString, env: env,
		apply:   func(cfg *Config, v any) { set(cfg, v.(string)) },
		extract: func(cfg Config) any { return get(cfg) },
	}
}

func dur(key, env string, set func(*Config, string), get func(Config) string) keySpec {
	s := str(key, env, set, get)
	s.typ = kDuration
	return s
}

func sched(key, env string, set func(*Config, string), get func(Config) string) keySpec {
	s := str(key, env, set, get)
	s.typ = kSchedule
	return s
}

func num(key, env string, set func(*Config, int), get func(Config) int) keySpec {
	return keySpec{
		key: key, typ: kInt, env: env,
		apply:   func(cfg *Config, v any) { set(cfg, v.(int)) },
		extract: func(cfg Config) any { return get(cfg) },
	}
}

func secret(key, env string, set func(*Config, string), get func(Config) string) keySpec {
	s := str(key, env, set, get)
	s.secret = true
	return s
}

var specs = []keySpec{
	str("server.host", "CMDSCHED_SERVER_HOST",
		func(c *Config, v string) { c.Server.Host = v }, func(c Config) string { return c.Server.Host }),
	num("server.port", "CMDSCHED_SERVER_PORT",
		func(c *Config, v int) { c.Server.Port = v }, func(c Config) int { return c.Server.Port }),
	secret("server.api_token", "CMDSCHED_API_TOKEN",
		func(c *Config, v string) { c.Server.APIToken = v }, func(c Config) string { return c.Server.APIToken }),

	str("storage.data_dir", "CMDSCHED_STORAGE_DATA_DIR",
		func(c *Config, v string) { c.Storage.DataDir = v }, func(c Config) string { return c.Storage.DataDir }),

	str("log.level", "CMDSCHED_LOG_LEVEL",
		func(c *Config, v string) { c.Log.Level = v }, func(c Config) string { return c.Log.Level }),
	str("log.format", "CMDSCHED_LOG_FORMAT",
		func(c *Config, v string) { c.Log.Format = v }, func(c Config) string { return c.Log.Format }),

	str("scheduler.timezone", "CMDSCHED_SCHEDULER_TIMEZONE",
		func(c *Config, v string) { c.Scheduler.Timezone = v }, func(c Config) string { return c.Scheduler.Timezone }),
	num("scheduler.max_retries", "CMDSCHED_SCHEDULER_MAX_RETRIES",
		func(c *Config, v int) { c.Scheduler.MaxRetries = v }, func(c Config) int { return c.Scheduler.MaxRetries }),
	dur("scheduler.past_tolerance", "CMDSCHED_SCHEDULER_PAST_TOLERANCE",
		func(c *Config, v string) { c.Scheduler.PastTolerance = v }, func(c Config) string { return c.Scheduler.PastTolerance }),
	dur("scheduler.max_horizon", "CMDSCHED_SCHEDULER_MAX_HORIZON",
		func(c *Config, v string) { c.Scheduler.MaxHorizon = v }, func(c Config) string { return c.Scheduler.MaxHorizon }),

	num("executor.workers", "CMDSCHED_EXECUTOR_WORKERS",
		func(c *Config, v int) { c.Executor.Workers = v }, func(c Config) int { return c.Executor.Workers }),
	dur("executor.poll_interval", "CMDSCHED_EXECUTOR_POLL_INTERVAL",
		func(c *Config, v string) { c.Executor.PollInterval = v }, func(c Config) string { return c.Executor.PollInterval }),
	dur("executor.task_timeout", "CMDSCHED_EXECUTOR_TASK_TIMEOUT",
		func(c *Config, v string) { c.Executor.TaskTimeout = v }, func(c Config) string { return c.Executor.TaskTimeout }),
	dur("executor.backoff_base", "CMDSCHED_EXECUTOR_BACKOFF_BASE",
		func(c *Config, v string) { c.Executor.BackoffBase = v }, func(c Config) string { return c.Executor.BackoffBase }),
	dur("executor.backoff_max", "CMDSCHED_EXECUTOR_BACKOFF_MAX",
		func(c *Config, v string) { c.Executor.BackoffMax = v }, func(c Config) string { return c.Executor.BackoffMax }),
	dur("executor.lease_timeout", "CMDSCHED_EXECUTOR_LEASE_TIMEOUT",
		func(c *Config, v string) { c.Executor.LeaseTimeout = v }, func(c Config) string { return c.Executor.LeaseTimeout }),
	dur("executor.retention", "CMDSCHED_EXECUTOR_RETENTION",
		func(c *Config, v string) { c.Executor.Retention = v }, func(c Config) string { return c.Executor.Retention }),
	sched("executor.liveness_schedule", "CMDSCHED_EXECUTOR_LIVENESS_SCHEDULE",
		func(c *Config, v string) { c.Executor.LivenessSchedule = v }, func(c Config) string { return c.Executor.LivenessSchedule }),
	sched("executor.retention_schedule", "CMDSCHED_EXECUTOR_RETENTION_SCHEDULE",
		func(c *Config, v string) { c.Executor.RetentionSchedule = v }, func(c Config) string { return c.Executor.RetentionSchedule }),

	num("retrieval.top_k", "CMDSCHED_RETRIEVAL_TOP_K",
		func(c *Config, v int) { c.Retrieval.TopK = v }, func(c Config) int { return c.Retrieval.TopK }),
	num("retrieval.max_top_k", "CMDSCHED_RETRIEVAL_MAX_TOP_K",
		func(c *Config, v int) { c.Retrieval.MaxTopK = v }, func(c Config) int { return c.Retrieval.MaxTopK }),
	dur("retrieval.timeout", "CMDSCHED_RETRIEVAL_TIMEOUT",
		func(c *Config, v string) { c.Retrieval.Timeout = v }, func(c Config) string { return c.Retrieval.Timeout }),
	num("retrieval.max_attempts", "CMDSCHED_RETRIEVAL_MAX_ATTEMPTS",
		func(c *Config, v int) { c.Retrieval.MaxAttempts = v }, func(c Config) int { return c.Retrieval.MaxAttempts }),
	num("retrieval.embed_parallelism", "CMDSCHED_RETRIEVAL_EMBED_PARALLELISM",
		func(c *Config, v int) { c.Retrieval.EmbedParallelism = v }, func(c Config) int { return c.Retrieval.EmbedParallelism }),
	dur("retrieval.cache_ttl", "CMDSCHED_RETRIEVAL_CACHE_TTL",
		func(c *Config, v string) { c.Retrieval.CacheTTL = v }, func(c Config) string { return c.Retrieval.CacheTTL }),

	num("summarize.max_length", "CMDSCHED_SUMMARIZE_MAX_LENGTH",
		func(c *Config, v int) { c.Summarize.MaxLength = v }, func(c Config) int { return c.Summarize.MaxLength }),
	dur("summarize.timeout", "CMDSCHED_SUMMARIZE_TIMEOUT",
		func(c *Config, v string) { c.Summarize.Timeout = v }, func(c Config) string { return c.Summarize.Timeout }),
	num("summarize.context_budget", "CMDSCHED_SUMMARIZE_CONTEXT_BUDGET",
		func(c *Config, v int) { c.Summarize.ContextBudget = v }, func(c Config) int { return c.Summarize.ContextBudget }),

	str("engine.backend", "CMDSCHED_ENGINE_BACKEND",
		func(c *Config, v string) { c.Engine.Backend = v }, func(c Config) string { return c.Engine.Backend }),

	str("ollama.endpoints", "CMDSCHED_OLLAMA_ENDPOINTS",
		func(c *Config, v string) { c.Ollama.Endpoints = v }, func(c Config) string { return c.Ollama.Endpoints }),
	str("ollama.model", "CMDSCHED_OLLAMA_MODEL",
		func(c *Config, v string) { c.Ollama.Model = v }, func(c Config) string { return c.Ollama.Model }),
	str("ollama.embed_model", "CMDSCHED_OLLAMA_EMBED_MODEL",
		func(c *Config, v string) { c.Ollama.EmbedModel = v }, func(c Config) string { return c.Ollama.EmbedModel }),
	str("ollama.vision_model", "CMDSCHED_OLLAMA_VISION_MODEL",
		func(c *Config, v string) { c.Ollama.VisionModel = v }, func(c Config) string { return c.Ollama.VisionModel }),

	secret("gemini.api_key", "CMDSCHED_GEMINI_API_KEY",
		func(c *Config, v string) { c.Gemini.APIKey = v }, func(c Config) string { return c.Gemini.APIKey }),
	str("gemini.model", "CMDSCHED_GEMINI_MODEL",
		func(c *Config, v string) { c.Gemini.Model = v }, func(c Config) string { return c.Gemini.Model }),
	str("gemini.embed_model", "CMDSCHED_GEMINI_EMBED_MODEL",
		func(c *Config, v string) { c.Gemini.EmbedModel = v }, func(c Config) string { return c.Gemini.EmbedModel }),
	str("gemini.vision_model", "CMDSCHED_GEMINI_VISION_MODEL",
		func(c *Config, v string) { c.Gemini.VisionModel = v }, func(c Config) string { return c.Gemini.VisionModel }),

	str("smtp.host", "CMDSCHED_SMTP_HOST",
		func(c *Config, v string) { c.SMTP.Host = v }, func(c Config) string { return c.SMTP.Host }),
	num("smtp.port", "CMDSCHED_SMTP_PORT",
		func(c *Config, v int) { c.SMTP.Port = v }, func(c Config) int { return c.SMTP.Port }),
	str("smtp.username", "CMDSCHED_SMTP_USERNAME",
		func(c *Config, v string) { c.SMTP.Username = v }, func(c Config) string { return c.SMTP.Username }),
	secret("smtp.password", "CMDSCHED_SMTP_PASSWORD",
		func(c *Config, v string) { c.SMTP.Password = v }, func(c Config) string { return c.SMTP.Password }),
	str("smtp.from", "CMDSCHED_SMTP_FROM",
		func(c *Config, v string) { c.SMTP.From = v }, func(c Config) string { return c.SMTP.From }),
	num("smtp.rate_per_minute", "CMDSCHED_SMTP_RATE_PER_MINUTE",
		func(c *Config, v int) { c.SMTP.RatePerMinute = v }, func(c Config) int { return c.SMTP.RatePerMinute }),

	secret("telegram.token", "CMDSCHED_TELEGRAM_TOKEN",
		func(c *Config, v string) { c.Telegram.Token = v }, func(c Config) string { return c.Telegram.Token }),
	num("telegram.chat_id", "CMDSCHED_TELEGRAM_CHAT_ID",
		func(c *Config, v int) { c.Telegram.ChatID = v }, func(c Config) int { return c.Telegram.ChatID }),

	str("redis.addr", "CMDSCHED_REDIS_ADDR",
		func(c *Config, v string) { c.Redis.Addr = v }, func(c Config) string { return c.Redis.Addr }),
	secret("redis.password", "CMDSCHED_REDIS_PASSWORD",
		func(c *Config, v string) { c.Redis.Password = v }, func(c Config) string { return c.Redis.Password }),
	num("redis.db", "CMDSCHED_REDIS_DB",
		func(c *Config, v int) { c.Redis.DB = v }, func(c Config) int { return c.Redis.DB }),
}

func applyBackend(cfg *Config, b Backend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		raw, ok := b.Lookup(s.key)
		if !ok {
			continue
		}
		v, err := s.decode(raw)
		if err != nil {
			return fmt.Errorf("config file %s: %w", s.key, err)
		}
		s.apply(cfg, v)
	}
	return nil
}

// applyEnvOverrides lets CMDSCHED_* variables win over the file. A value
// that does not parse is reported and ignored.
func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			slog.Warn("ignoring invalid environment override", "var", s.env, "value", raw, "error", err)
			continue
		}
		s.apply(cfg, v)
	}
}
