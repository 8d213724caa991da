// Package config provides configuration management for Aurora.
package config

import (
	"fmt"
	"time"
)

// Config is the global configuration for Aurora.
type Config struct {
	// App is the application configuration.
	App AppConfig `mapstructure:"app" validate:"required"`

	// Server is the HTTP server configuration.
	Server ServerConfig `mapstructure:"server" validate:"required"`

	// Log is the logging configuration.
	Log LogConfig `mapstructure:"log" validate:"required"`

	// Storage is the record store configuration.
	Storage StorageConfig `mapstructure:"storage"`

	// Redis is the shared Redis configuration (working memory, idempotency, events).
	Redis RedisConfig `mapstructure:"redis"`

	// Metrics is the Prometheus configuration.
	Metrics MetricsConfig `mapstructure:"metrics"`

	// Tracing is the OpenTelemetry configuration.
	Tracing TracingConfig `mapstructure:"tracing"`

	// Affect tunes the affective state tracker.
	Affect AffectConfig `mapstructure:"affect"`

	// Scoring tunes candidate selection.
	Scoring ScoringConfig `mapstructure:"scoring"`

	// Escalation holds the handoff thresholds.
	Escalation EscalationConfig `mapstructure:"escalation"`

	// Knowledge tunes retrieval and the embedding health monitor.
	Knowledge KnowledgeConfig `mapstructure:"knowledge"`

	// Provider configures embedding and completion providers.
	Provider ProviderConfig `mapstructure:"provider"`

	// Saga tunes per-step retries of a turn.
	Saga SagaConfig `mapstructure:"saga"`

	// Conversation tunes turn handling.
	Conversation ConversationConfig `mapstructure:"conversation"`

	// Learning tunes the background learning loop.
	Learning LearningConfig `mapstructure:"learning"`

	// Memory tunes the memory hierarchy lifetimes.
	Memory MemoryConfig `mapstructure:"memory"`
}

// AppConfig holds application metadata and settings.
type AppConfig struct {
	// Name is the application name.
	Name string `mapstructure:"name" validate:"required"`

	// Version is the application version.
	Version string `mapstructure:"version"`

	// Environment is the runtime environment (development, staging, production).
	Environment string `mapstructure:"environment" validate:"env"`

	// Debug enables debug mode with verbose logging.
	Debug bool `mapstructure:"debug"`
}

// ServerConfig holds the HTTP server configuration.
type ServerConfig struct {
	// Host is the bind address.
	Host string `mapstructure:"host"`

	// Port is the HTTP API port.
	Port int `mapstructure:"port" validate:"required,min=1,max=65535"`

	// GRPCHealthPort serves the gRPC health protocol; 0 disables it.
	GRPCHealthPort int `mapstructure:"grpc_health_port" validate:"min=0,max=65535"`

	// HTTP is the HTTP server configuration.
	HTTP HTTPConfig `mapstructure:"http"`

	// CORS is the CORS configuration.
	CORS CORSConfig `mapstructure:"cors"`

	// RateLimit bounds requests per client.
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

// HTTPConfig holds HTTP-specific settings.
type HTTPConfig struct {
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxHeaderBytes  int           `mapstructure:"max_header_bytes"`
}

// CORSConfig holds CORS settings.
type CORSConfig struct {
	Enabled          bool     `mapstructure:"enabled"`
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowedMethods   []string `mapstructure:"allowed_methods"`
	AllowedHeaders   []string `mapstructure:"allowed_headers"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
	MaxAge           int      `mapstructure:"max_age"`
}

// RateLimitConfig holds per-client request limits.
type RateLimitConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second" validate:"min=0"`
	Burst             int     `mapstructure:"burst" validate:"min=0"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`

	// Format is the output format (json, text).
	Format string `mapstructure:"format" validate:"oneof=json text"`

	// Output is the output destination (stdout, stderr, or file path).
	Output string `mapstructure:"output"`
}

// StorageConfig holds persistence settings.
type StorageConfig struct {
	// Type is the record store backend (memory, badger, sqlite).
	Type string `mapstructure:"type" validate:"oneof=memory badger sqlite"`

	// Badger is the BadgerDB configuration.
	Badger BadgerConfig `mapstructure:"badger"`

	// SQLite is the SQLite configuration.
	SQLite SQLiteConfig `mapstructure:"sqlite"`
}

// BadgerConfig holds BadgerDB-specific settings.
type BadgerConfig struct {
	// Path is the database directory path.
	Path string `mapstructure:"path"`

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool `mapstructure:"sync_writes"`

	// ValueLogFileSize is the maximum size of value log files in bytes.
	ValueLogFileSize int64 `mapstructure:"value_log_file_size"`
}

// SQLiteConfig holds SQLite-specific settings.
type SQLiteConfig struct {
	// Path is the database file; ":memory:" keeps it in process.
	Path string `mapstructure:"path"`

	// BusyTimeout is how long a writer waits on a locked database.
	BusyTimeout time.Duration `mapstructure:"busy_timeout"`
}

// RedisConfig holds Redis-specific settings.
type RedisConfig struct {
	// Enabled switches working memory, idempotency keys and events to Redis.
	Enabled bool `mapstructure:"enabled"`

	// Address is the Redis server address.
	Address string `mapstructure:"address"`

	// Password is the Redis password.
	Password string `mapstructure:"password"`

	// DB is the Redis database number.
	DB int `mapstructure:"db" validate:"min=0"`

	// KeyPrefix namespaces every key written by Aurora.
	KeyPrefix string `mapstructure:"key_prefix"`
}

// MetricsConfig holds observability settings.
type MetricsConfig struct {
	// Enabled enables metrics collection.
	Enabled bool `mapstructure:"enabled"`

	// Path is the metrics endpoint path.
	Path string `mapstructure:"path"`

	// Port is the metrics server port.
	Port int `mapstructure:"port" validate:"min=1,max=65535"`
}

// TracingConfig holds distributed tracing settings.
type TracingConfig struct {
	// Enabled enables distributed tracing.
	Enabled bool `mapstructure:"enabled"`

	// Endpoint is the OTLP gRPC collector endpoint.
	Endpoint string `mapstructure:"endpoint"`

	// Insecure disables TLS towards the collector.
	Insecure bool `mapstructure:"insecure"`

	// Timeout bounds one export call.
	Timeout time.Duration `mapstructure:"timeout"`

	// Headers are sent with every export, e.g. collector auth.
	Headers map[string]string `mapstructure:"headers"`

	// Sampler is always_on, always_off or ratio.
	Sampler string `mapstructure:"sampler" validate:"omitempty,oneof=always_on always_off ratio"`

	// SampleRate is the fraction of traces to sample (0.0-1.0).
	SampleRate float64 `mapstructure:"sample_rate" validate:"min=0,max=1"`
}

// AffectConfig tunes the affective state update.
type AffectConfig struct {
	// Alpha is the blend factor of a new observation.
	Alpha float64 `mapstructure:"alpha" validate:"gt=0,lte=1"`

	// Lipschitz bounds the distance between consecutive states.
	Lipschitz float64 `mapstructure:"lipschitz" validate:"gt=0,lte=2"`

	// HalfLife is how fast an idle session drifts back to equilibrium.
	HalfLife time.Duration `mapstructure:"half_life"`
}

// ScoringConfig tunes the hybrid scorer.
type ScoringConfig struct {
	AffectiveWeight   float64  `mapstructure:"affective_weight" validate:"min=0,max=1"`
	SemanticWeight    float64  `mapstructure:"semantic_weight" validate:"min=0,max=1"`
	UtilityWeight     float64  `mapstructure:"utility_weight" validate:"min=0,max=1"`
	RepetitionWindow  int      `mapstructure:"repetition_window" validate:"min=0"`
	RepetitionPenalty float64  `mapstructure:"repetition_penalty" validate:"min=0"`
	PenaltyCap        float64  `mapstructure:"penalty_cap" validate:"min=0,max=1"`
	FeedbackWeight    float64  `mapstructure:"feedback_weight" validate:"min=0,max=1"`
	ForbiddenActions  []string `mapstructure:"forbidden_actions"`
}

// EscalationConfig holds the escalation gate thresholds.
type EscalationConfig struct {
	// NegativeThreshold is the warmth below which a human takes over.
	NegativeThreshold float64 `mapstructure:"negative_threshold" validate:"gte=-1,lte=1"`

	// ConfidenceThreshold is the selection confidence below which fallback is used.
	ConfidenceThreshold float64 `mapstructure:"confidence_threshold" validate:"gte=0,lte=1"`

	// TopK is how many candidates are passed as grounding to the completion provider.
	TopK int `mapstructure:"top_k" validate:"min=1"`
}

// KnowledgeConfig tunes retrieval.
type KnowledgeConfig struct {
	TopK           int           `mapstructure:"top_k" validate:"min=1"`
	MinSimilarity  float64       `mapstructure:"min_similarity" validate:"gte=0,lte=1"`
	HealthInterval time.Duration `mapstructure:"health_interval"`
	ReprocessBatch int           `mapstructure:"reprocess_batch" validate:"min=1"`
	FailureLimit   int           `mapstructure:"failure_limit" validate:"min=1"`
	SeedFile       string        `mapstructure:"seed_file"`
}

// ProviderConfig configures external model providers.
type ProviderConfig struct {
	// Type selects the provider (ollama, local).
	Type            string        `mapstructure:"type" validate:"oneof=ollama local"`
	BaseURL         string        `mapstructure:"base_url"`
	EmbeddingModel  string        `mapstructure:"embedding_model"`
	CompletionModel string        `mapstructure:"completion_model"`
	Timeout         time.Duration `mapstructure:"timeout"`
	RatePerSecond   float64       `mapstructure:"rate_per_second" validate:"min=0"`
	Dimensions      int           `mapstructure:"dimensions" validate:"min=1"`
}

// SagaConfig tunes turn steps.
type SagaConfig struct {
	StepTimeout    time.Duration `mapstructure:"step_timeout"`
	MaxRetries     int           `mapstructure:"max_retries" validate:"min=0"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	Store          string        `mapstructure:"store" validate:"oneof=memory badger"`
}

// ConversationConfig tunes turn handling.
type ConversationConfig struct {
	DeadLetterCapacity int           `mapstructure:"dead_letter_capacity" validate:"min=1"`
	IdempotencyTTL     time.Duration `mapstructure:"idempotency_ttl"`
	InactivityTimeout  time.Duration `mapstructure:"inactivity_timeout"`
	JanitorInterval    time.Duration `mapstructure:"janitor_interval"`
	DefaultLocale      string        `mapstructure:"default_locale" validate:"required"`
}

// LearningConfig tunes the learning loop.
type LearningConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	BufferSize         int           `mapstructure:"buffer_size" validate:"min=1"`
	BatchSize          int           `mapstructure:"batch_size" validate:"min=1"`
	Interval           time.Duration `mapstructure:"interval"`
	Gamma              float64       `mapstructure:"gamma" validate:"gte=0,lte=1"`
	Epsilon            float64       `mapstructure:"epsilon" validate:"gt=0"`
	LearningRate       float64       `mapstructure:"learning_rate" validate:"gt=0"`
	RegressionMinScore float64       `mapstructure:"regression_min_score" validate:"gte=0,lte=1"`
	PrivacyBudget      float64       `mapstructure:"privacy_budget" validate:"gte=0"`
	PrivacyCost        float64       `mapstructure:"privacy_cost" validate:"gt=0"`
}

// MemoryConfig tunes memory layer lifetimes.
type MemoryConfig struct {
	SensoryTTL        time.Duration `mapstructure:"sensory_ttl"`
	SensoryCapacity   int           `mapstructure:"sensory_capacity" validate:"min=1"`
	WorkingTTL        time.Duration `mapstructure:"working_ttl"`
	TemplateCacheSize int           `mapstructure:"template_cache_size" validate:"min=1"`
	EpisodeRetention  time.Duration `mapstructure:"episode_retention"`
	TemplateFile      string        `mapstructure:"template_file"`
}

// Validate performs validation on the configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}

// String returns a string representation of the configuration (without sensitive data).
func (c *Config) String() string {
	return fmt.Sprintf("Config{App: %s, Server: :%d, Env: %s, Storage: %s}",
		c.App.Name, c.Server.Port, c.App.Environment, c.Storage.Type)
}
