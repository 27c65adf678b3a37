// Package taskpoolcfg loads and validates the single Config object the pool
// is constructed from, following the teacher's env > file > defaults
// precedence and helpful-validation-error style.
package taskpoolcfg

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/docpipeline/taskpool/internal/breaker"
	"github.com/docpipeline/taskpool/internal/engine"
	"github.com/docpipeline/taskpool/internal/telemetry/logging"
)

// WorkersConfig holds one worker-count setting per category.
type WorkersConfig struct {
	Scraping    int `json:"scraping"`
	RAGQuery    int `json:"rag_query"`
	Embedding   int `json:"embedding"`
	Batch       int `json:"batch"`
	Maintenance int `json:"maintenance"`
}

// BreakerSettings mirrors breaker.Config in JSON-friendly, seconds-based
// units (spec.md §6: "breaker.<name>.failure_threshold", etc.).
type BreakerSettings struct {
	FailureThreshold int64 `json:"failure_threshold"`
	SuccessThreshold int64 `json:"success_threshold"`
	TimeoutSeconds   int   `json:"timeout_seconds"`
}

// LoggingConfig controls the structured logger's level and format; the
// logger built from it by LoggerConfig always writes to stdout.
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// ServerConfig controls the HTTP surface in internal/api.
type ServerConfig struct {
	ListenAddr       string `json:"listen_addr"`
	DrainTimeoutSecs int    `json:"drain_timeout_seconds"`
	RateLimitPerMin  int    `json:"rate_limit_per_minute"`
}

// Config is the single object the pool, breaker registry, and API server are
// constructed from: defaults, then an optional JSON file, then
// TASKPOOL_*-prefixed environment variables, highest precedence last.
type Config struct {
	Workers            WorkersConfig              `json:"workers"`
	QueueSoftCap       int                         `json:"queue_soft_cap"`
	Breakers           map[string]BreakerSettings  `json:"breakers"`
	ActivityBufferSize int                         `json:"activity_buffer_size"`
	MaxBackoffSeconds  int                         `json:"retry_max_backoff_seconds"`
	Logging            LoggingConfig               `json:"logging"`
	Server             ServerConfig                `json:"server"`
}

// DefaultConfig reproduces spec.md §6's documented CLI/env defaults exactly.
func DefaultConfig() *Config {
	return &Config{
		Workers: WorkersConfig{Scraping: 6, RAGQuery: 10, Embedding: 3, Batch: 2, Maintenance: 1},
		Breakers: map[string]BreakerSettings{
			"openai":     {FailureThreshold: 5, SuccessThreshold: 2, TimeoutSeconds: 60},
			"chromadb":   {FailureThreshold: 3, SuccessThreshold: 2, TimeoutSeconds: 30},
			"playwright": {FailureThreshold: 5, SuccessThreshold: 2, TimeoutSeconds: 45},
		},
		ActivityBufferSize: 200,
		MaxBackoffSeconds:  30,
		Logging:            LoggingConfig{Level: "info", Format: "text"},
		Server:             ServerConfig{ListenAddr: ":8080", DrainTimeoutSecs: 30, RateLimitPerMin: 60},
	}
}

// Load builds a Config from defaults, an optional JSON file (missing files
// are ignored, not an error), then environment overrides, then validates.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	cfg.applyEnvironmentOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return json.Unmarshal(data, c)
}

// applyEnvironmentOverrides reads TASKPOOL_* variables. Invalid integers are
// silently ignored so a malformed environment never blocks startup — the
// same tolerance the teacher's config loader applies to NOISEFS_* vars.
func (c *Config) applyEnvironmentOverrides() {
	if v := os.Getenv("TASKPOOL_WORKERS_SCRAPING"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Workers.Scraping = n
		}
	}
	if v := os.Getenv("TASKPOOL_WORKERS_RAG_QUERY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Workers.RAGQuery = n
		}
	}
	if v := os.Getenv("TASKPOOL_WORKERS_EMBEDDING"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Workers.Embedding = n
		}
	}
	if v := os.Getenv("TASKPOOL_WORKERS_BATCH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Workers.Batch = n
		}
	}
	if v := os.Getenv("TASKPOOL_WORKERS_MAINTENANCE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Workers.Maintenance = n
		}
	}
	if v := os.Getenv("TASKPOOL_QUEUE_SOFT_CAP"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.QueueSoftCap = n
		}
	}
	if v := os.Getenv("TASKPOOL_ACTIVITY_BUFFER_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.ActivityBufferSize = n
		}
	}
	if v := os.Getenv("TASKPOOL_RETRY_MAX_BACKOFF_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxBackoffSeconds = n
		}
	}
	if v := os.Getenv("TASKPOOL_LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv("TASKPOOL_LOG_FORMAT"); v != "" {
		c.Logging.Format = strings.ToLower(v)
	}
	if v := os.Getenv("TASKPOOL_LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("TASKPOOL_DRAIN_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Server.DrainTimeoutSecs = n
		}
	}
	if v := os.Getenv("TASKPOOL_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Server.RateLimitPerMin = n
		}
	}

	// breaker.<name>.* overrides: TASKPOOL_BREAKER_<NAME>_FAILURE_THRESHOLD etc.
	// only applied to dependencies already present from file/defaults, since
	// the env namespace can't introduce a brand new dependency name cleanly.
	for name := range c.Breakers {
		prefix := "TASKPOOL_BREAKER_" + strings.ToUpper(name) + "_"
		settings := c.Breakers[name]
		if v := os.Getenv(prefix + "FAILURE_THRESHOLD"); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				settings.FailureThreshold = n
			}
		}
		if v := os.Getenv(prefix + "SUCCESS_THRESHOLD"); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				settings.SuccessThreshold = n
			}
		}
		if v := os.Getenv(prefix + "TIMEOUT_SECONDS"); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				settings.TimeoutSeconds = n
			}
		}
		c.Breakers[name] = settings
	}
}

// Validate checks every field for a value the engine can actually run with,
// returning an actionable message naming the offending field.
func (c *Config) Validate() error {
	for name, count := range map[string]int{
		"workers.scraping": c.Workers.Scraping, "workers.rag_query": c.Workers.RAGQuery,
		"workers.embedding": c.Workers.Embedding, "workers.batch": c.Workers.Batch,
		"workers.maintenance": c.Workers.Maintenance,
	} {
		if count <= 0 {
			return fmt.Errorf("%s must be a positive worker count, got %d", name, count)
		}
	}
	if c.ActivityBufferSize <= 0 {
		return fmt.Errorf("activity_buffer_size must be positive, got %d", c.ActivityBufferSize)
	}
	if c.MaxBackoffSeconds <= 0 {
		return fmt.Errorf("retry_max_backoff_seconds must be positive, got %d", c.MaxBackoffSeconds)
	}
	for name, b := range c.Breakers {
		if b.FailureThreshold <= 0 {
			return fmt.Errorf("breaker.%s.failure_threshold must be positive, got %d", name, b.FailureThreshold)
		}
		if b.SuccessThreshold <= 0 {
			return fmt.Errorf("breaker.%s.success_threshold must be positive, got %d", name, b.SuccessThreshold)
		}
		if b.TimeoutSeconds <= 0 {
			return fmt.Errorf("breaker.%s.timeout_seconds must be positive, got %d", name, b.TimeoutSeconds)
		}
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	if c.Server.RateLimitPerMin <= 0 {
		return fmt.Errorf("server.rate_limit_per_minute must be positive, got %d", c.Server.RateLimitPerMin)
	}
	return nil
}

// EngineConfig translates the loaded Config into engine.Config, the shape
// NewPool expects.
func (c *Config) EngineConfig() engine.Config {
	breakerConfigs := make(map[string]breaker.Config, len(c.Breakers))
	for name, b := range c.Breakers {
		breakerConfigs[name] = breaker.Config{
			Name:             name,
			FailureThreshold: b.FailureThreshold,
			SuccessThreshold: b.SuccessThreshold,
			RecoveryTimeout:  time.Duration(b.TimeoutSeconds) * time.Second,
		}
	}

	queueSoftCaps := make(map[engine.Category]int, len(engine.Categories))
	for _, cat := range engine.Categories {
		queueSoftCaps[cat] = c.QueueSoftCap
	}

	return engine.Config{
		WorkerCounts: map[engine.Category]int{
			engine.Scraping:    c.Workers.Scraping,
			engine.RAGQuery:    c.Workers.RAGQuery,
			engine.Embedding:   c.Workers.Embedding,
			engine.Batch:       c.Workers.Batch,
			engine.Maintenance: c.Workers.Maintenance,
		},
		QueueSoftCaps:      queueSoftCaps,
		BreakerConfigs:     breakerConfigs,
		MaxBackoff:         time.Duration(c.MaxBackoffSeconds) * time.Second,
		ActivityBufferSize: c.ActivityBufferSize,
	}
}

// LoggerConfig translates Logging into a logging.Config ready for logging.New.
func (c *Config) LoggerConfig() *logging.Config {
	level, err := logging.ParseLevel(c.Logging.Level)
	if err != nil {
		level = logging.InfoLevel
	}
	format := logging.TextFormat
	if strings.ToLower(c.Logging.Format) == "json" {
		format = logging.JSONFormat
	}
	return &logging.Config{Level: level, Format: format, Output: os.Stdout}
}
