package config

import (
	"fmt"
	"regexp"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds all configuration for triangulate-engine.
// Configuration can come from a YAML file (config.yaml) or environment
// variables; environment variables override YAML values. Secrets (passwords,
// API keys) must only come from environment variables.
type Config struct {
	Env     string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	Version string `yaml:"-"` // Set at load time, not from config

	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Neo4j    Neo4jConfig    `yaml:"neo4j"`
	LLM      LLMConfig      `yaml:"llm"`
	Scout    ScoutConfig    `yaml:"scout"`
	Workers  WorkerConfig   `yaml:"workers"`
	Outbox   OutboxConfig   `yaml:"outbox"`
	Graph    GraphConfig    `yaml:"graph"`
	Run      RunConfig      `yaml:"run"`

	// ValidationThreshold is the minimum final score for a relationship to
	// be promoted to VALIDATED.
	ValidationThreshold float64 `yaml:"validation_threshold" env:"VALIDATION_THRESHOLD" env-default:"0.5"`

	// QueueNamePrefix namespaces every Redis queue and KV key.
	QueueNamePrefix string `yaml:"queue_name_prefix" env:"QUEUE_NAME_PREFIX" env-default:"triangulate"`
}

// DatabaseConfig holds PostgreSQL configuration.
type DatabaseConfig struct {
	Host           string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User           string `yaml:"user" env:"PGUSER" env-default:"triangulate"`
	Password       string `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database       string `yaml:"database" env:"PGDATABASE" env-default:"triangulate_engine"`
	MaxConnections int32  `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"25"`
	SSLMode        string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
}

// URL assembles a pgx connection string.
func (c *DatabaseConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode)
}

// RedisConfig holds configuration for the KV cache and the work queues.
type RedisConfig struct {
	Host     string `yaml:"host" env:"REDIS_HOST" env-default:"localhost"`
	Port     int    `yaml:"port" env:"REDIS_PORT" env-default:"6379"`
	Password string `yaml:"-" env:"REDIS_PASSWORD"` // Secret - not in YAML
	DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
}

// Neo4jConfig holds graph store configuration.
type Neo4jConfig struct {
	URI      string `yaml:"uri" env:"NEO4J_URI" env-default:"neo4j://localhost:7687"`
	User     string `yaml:"user" env:"NEO4J_USER" env-default:"neo4j"`
	Password string `yaml:"-" env:"NEO4J_PASSWORD"` // Secret - not in YAML
	Database string `yaml:"database" env:"NEO4J_DATABASE" env-default:"neo4j"`
}

// LLMConfig holds LLM client configuration.
type LLMConfig struct {
	// Provider selects the client implementation: "openai" (any
	// OpenAI-compatible endpoint) or "anthropic".
	Provider string `yaml:"provider" env:"LLM_PROVIDER" env-default:"openai"`
	BaseURL  string `yaml:"base_url" env:"LLM_BASE_URL" env-default:""`
	Model    string `yaml:"model" env:"LLM_MODEL" env-default:"gpt-4o-mini"`
	APIKey   string `yaml:"-" env:"LLM_API_KEY"` // Secret - not in YAML

	// TimeoutMs bounds a single LLM round-trip.
	TimeoutMs int `yaml:"timeout_ms" env:"LLM_TIMEOUT_MS" env-default:"120000"`

	// Concurrency bounds in-flight LLM requests per process, independently
	// of worker concurrency. Workers block on this semaphore.
	Concurrency int `yaml:"concurrency" env:"LLM_CONCURRENCY" env-default:"4"`
}

// SpecialFilePattern classifies files by an ordered regex list; the first
// matching pattern wins.
type SpecialFilePattern struct {
	Pattern string `yaml:"pattern"`
	Type    string `yaml:"type"`
}

// ScoutConfig controls file discovery.
type ScoutConfig struct {
	// IgnorePatterns are regexes matched against run-root-relative paths.
	IgnorePatterns []string `yaml:"ignore_patterns"`

	// SpecialFilePatterns classify manifests, entrypoints, configs.
	SpecialFilePatterns []SpecialFilePattern `yaml:"special_file_patterns"`

	// LargeFileBytes triggers a warning (but not a refusal) when exceeded.
	LargeFileBytes int64 `yaml:"large_file_bytes" env:"SCOUT_LARGE_FILE_BYTES" env-default:"1048576"`
}

// DefaultIgnorePatterns covers VCS metadata, dependency caches, and build
// outputs. Applied when the YAML list is empty.
var DefaultIgnorePatterns = []string{
	`(^|/)\.git(/|$)`,
	`(^|/)\.hg(/|$)`,
	`(^|/)\.svn(/|$)`,
	`(^|/)node_modules(/|$)`,
	`(^|/)vendor(/|$)`,
	`(^|/)dist(/|$)`,
	`(^|/)build(/|$)`,
	`(^|/)target(/|$)`,
	`(^|/)__pycache__(/|$)`,
}

// DefaultSpecialFilePatterns classify common repository landmarks.
var DefaultSpecialFilePatterns = []SpecialFilePattern{
	{Pattern: `(^|/)package\.json$`, Type: "manifest"},
	{Pattern: `(^|/)go\.mod$`, Type: "manifest"},
	{Pattern: `(^|/)Cargo\.toml$`, Type: "manifest"},
	{Pattern: `(^|/)(main|index|server|app)\.[a-z]+$`, Type: "entrypoint"},
	{Pattern: `\.(ya?ml|toml|ini|env)$`, Type: "config"},
}

// WorkerConfig holds per-queue consumer concurrency.
type WorkerConfig struct {
	FileAnalysis           int `yaml:"file_analysis" env:"WORKERS_FILE_ANALYSIS" env-default:"8"`
	DirectoryAggregation   int `yaml:"directory_aggregation" env:"WORKERS_DIRECTORY_AGGREGATION" env-default:"2"`
	DirectoryResolution    int `yaml:"directory_resolution" env:"WORKERS_DIRECTORY_RESOLUTION" env-default:"4"`
	RelationshipResolution int `yaml:"relationship_resolution" env:"WORKERS_RELATIONSHIP_RESOLUTION" env-default:"8"`
	AnalysisFindings       int `yaml:"analysis_findings" env:"WORKERS_ANALYSIS_FINDINGS" env-default:"4"`
	Reconciliation         int `yaml:"reconciliation" env:"WORKERS_RECONCILIATION" env-default:"4"`

	// JobTimeoutMinutes moves stuck jobs to the DLQ.
	JobTimeoutMinutes int `yaml:"job_timeout_minutes" env:"WORKERS_JOB_TIMEOUT_MINUTES" env-default:"15"`

	// MaxAttempts is the queue-level retry ceiling per job.
	MaxAttempts int `yaml:"max_attempts" env:"WORKERS_MAX_ATTEMPTS" env-default:"3"`
}

// OutboxConfig controls the transactional outbox publisher.
type OutboxConfig struct {
	BatchSize      int `yaml:"batch_size" env:"OUTBOX_BATCH_SIZE" env-default:"50"`
	PollIntervalMs int `yaml:"poll_interval_ms" env:"OUTBOX_POLL_INTERVAL_MS" env-default:"250"`
}

// RunConfig controls run completion detection. Completion is polled, so the
// orchestrator requires the pipeline to stay idle for a stabilization window
// before declaring the run done; an outbox row committed in the last instant
// would otherwise be missed.
type RunConfig struct {
	CompletionPollMs int `yaml:"completion_poll_ms" env:"RUN_COMPLETION_POLL_MS" env-default:"500"`
	StabilizationMs  int `yaml:"stabilization_ms" env:"RUN_STABILIZATION_MS" env-default:"3000"`
}

// GraphConfig controls the graph builder's streaming writes.
type GraphConfig struct {
	BatchSize           int `yaml:"batch_size" env:"GRAPH_BATCH_SIZE" env-default:"500"`
	MaxConcurrentWrites int `yaml:"max_concurrent_writes" env:"GRAPH_MAX_CONCURRENT_WRITES" env-default:"4"`
	MaxBatchRetries     int `yaml:"max_batch_retries" env:"GRAPH_MAX_BATCH_RETRIES" env-default:"3"`
}

// Load reads configuration from path with environment variable overrides.
// The version parameter is injected at build time and set on the returned
// Config.
func Load(path, version string) (*Config, error) {
	cfg := &Config{Version: version}

	if err := cleanenv.ReadConfig(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints and compiles the scout regexes
// once so a bad pattern fails at startup, not mid-run.
func (c *Config) Validate() error {
	if c.ValidationThreshold < 0 || c.ValidationThreshold > 1 {
		return fmt.Errorf("validation_threshold must be in [0,1], got %f", c.ValidationThreshold)
	}
	if c.LLM.Concurrency < 1 {
		return fmt.Errorf("llm.concurrency must be >= 1, got %d", c.LLM.Concurrency)
	}
	if c.Graph.BatchSize < 1 {
		return fmt.Errorf("graph.batch_size must be >= 1, got %d", c.Graph.BatchSize)
	}

	for _, p := range c.Scout.IgnorePatterns {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("invalid ignore pattern %q: %w", p, err)
		}
	}
	for _, sp := range c.Scout.SpecialFilePatterns {
		if _, err := regexp.Compile(sp.Pattern); err != nil {
			return fmt.Errorf("invalid special file pattern %q: %w", sp.Pattern, err)
		}
	}
	return nil
}
