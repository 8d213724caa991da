package config

import "time"

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Name:        "aurora",
			Version:     "dev",
			Environment: "development",
		},
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           8080,
			GRPCHealthPort: 0,
			HTTP: HTTPConfig{
				ReadTimeout:     15 * time.Second,
				WriteTimeout:    30 * time.Second,
				IdleTimeout:     120 * time.Second,
				RequestTimeout:  25 * time.Second,
				ShutdownTimeout: 20 * time.Second,
				MaxHeaderBytes:  1 << 20, // 1MB
			},
			CORS: CORSConfig{
				Enabled:        true,
				AllowedOrigins: []string{"*"},
				AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Content-Type", "Authorization", "X-Request-ID"},
				MaxAge:         300,
			},
			RateLimit: RateLimitConfig{
				Enabled:           true,
				RequestsPerSecond: 20,
				Burst:             40,
			},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Storage: StorageConfig{
			Type: "memory",
			Badger: BadgerConfig{
				Path:             "./data/badger",
				SyncWrites:       true,
				ValueLogFileSize: 256 << 20,
			},
			SQLite: SQLiteConfig{
				Path:        "./data/aurora.db",
				BusyTimeout: 5 * time.Second,
			},
		},
		Redis: RedisConfig{
			Enabled:   false,
			Address:   "localhost:6379",
			KeyPrefix: "aurora:",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
			Port:    9091,
		},
		Tracing: TracingConfig{
			Enabled:    false,
			Endpoint:   "localhost:4317",
			Insecure:   true,
			Timeout:    5 * time.Second,
			Sampler:    "ratio",
			SampleRate: 0.1,
		},
		Affect: AffectConfig{
			Alpha:     0.5,
			Lipschitz: 1.0,
			HalfLife:  30 * time.Minute,
		},
		Scoring: ScoringConfig{
			AffectiveWeight:   0.4,
			SemanticWeight:    0.35,
			UtilityWeight:     0.25,
			RepetitionWindow:  5,
			RepetitionPenalty: 0.5,
			PenaltyCap:        0.4,
			FeedbackWeight:    0.3,
			ForbiddenActions:  []string{"fabricated_claim", "share_private_data", "unauthorized_refund"},
		},
		Escalation: EscalationConfig{
			NegativeThreshold:   -0.6,
			ConfidenceThreshold: 0.85,
			TopK:                3,
		},
		Knowledge: KnowledgeConfig{
			TopK:           5,
			MinSimilarity:  0.5,
			HealthInterval: 30 * time.Minute,
			ReprocessBatch: 10,
			FailureLimit:   3,
		},
		Provider: ProviderConfig{
			Type:            "local",
			BaseURL:         "http://localhost:11434",
			EmbeddingModel:  "nomic-embed-text",
			CompletionModel: "llama3.2",
			Timeout:         20 * time.Second,
			RatePerSecond:   10,
			Dimensions:      256,
		},
		Saga: SagaConfig{
			StepTimeout:    10 * time.Second,
			MaxRetries:     2,
			InitialBackoff: 100 * time.Millisecond,
			MaxBackoff:     2 * time.Second,
			Store:          "memory",
		},
		Conversation: ConversationConfig{
			DeadLetterCapacity: 1000,
			IdempotencyTTL:     24 * time.Hour,
			InactivityTimeout:  72 * time.Hour,
			JanitorInterval:    10 * time.Minute,
			DefaultLocale:      "en",
		},
		Learning: LearningConfig{
			Enabled:            true,
			BufferSize:         10000,
			BatchSize:          64,
			Interval:           5 * time.Minute,
			Gamma:              0.9,
			Epsilon:            0.2,
			LearningRate:       0.05,
			RegressionMinScore: 0.97,
			PrivacyBudget:      10,
			PrivacyCost:        0.1,
		},
		Memory: MemoryConfig{
			SensoryTTL:        5 * time.Minute,
			SensoryCapacity:   32,
			WorkingTTL:        30 * time.Minute,
			TemplateCacheSize: 256,
			EpisodeRetention:  90 * 24 * time.Hour,
		},
	}
}
