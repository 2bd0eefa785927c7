// Package config loads and validates server configuration from environment
// variables, with documented defaults. A .env file (if present) is loaded by
// the caller via godotenv before Load runs.
package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// ToolExposure controls which MCP tools the server advertises.
type ToolExposure string

const (
	// ExposureAll advertises every registered tool.
	ExposureAll ToolExposure = "ALL"
	// ExposureAgent advertises only the agent-facing subset
	// (ping, agent, research, job_status, cancel_job, search, get_report).
	ExposureAgent ToolExposure = "AGENT"
	// ExposureManual advertises only the tools named in TOOL_ALLOWLIST.
	ExposureManual ToolExposure = "MANUAL"
)

// Config is the root configuration value. It is constructed once at boot and
// handed by reference to everything that needs it.
type Config struct {
	ServerPort      string
	ProtocolVersion string

	Database DatabaseConfig
	Queue    QueueConfig
	Cache    CacheConfig
	Index    IndexConfig
	Auth     AuthConfig
	Models   ModelsConfig
	Memory   MemoryConfig
	Retain   RetentionConfig

	ToolExposure  ToolExposure
	ToolAllowlist []string
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL             string // takes precedence when set
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
}

// DSN returns the connection string for pgx.
func (d DatabaseConfig) DSN() string {
	if d.URL != "" {
		return d.URL
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Database, d.SSLMode)
}

// QueueConfig controls job leasing, heartbeats, and worker concurrency.
type QueueConfig struct {
	// WorkerConcurrency is the number of worker goroutines per replica.
	WorkerConcurrency int
	// GlobalParallelism caps concurrent model calls across all jobs
	// (the bounded executor's starting token count).
	GlobalParallelism int
	// LeaseTTL is how long a worker's claim on a job remains valid without a
	// heartbeat refresh.
	LeaseTTL time.Duration
	// HeartbeatInterval must satisfy HeartbeatInterval < LeaseTTL/3.
	HeartbeatInterval time.Duration
	// MaxAttempts is the number of lease grants before a job fails terminally.
	MaxAttempts int
	// IdempotencyTTL bounds how long an idempotency key maps to its job.
	IdempotencyTTL time.Duration
	// PollInterval is the base poll cadence; jitter of ±PollJitter is added.
	PollInterval time.Duration
	PollJitter   time.Duration
	// RecoveryInterval is how often expired leases are scanned for.
	RecoveryInterval time.Duration
	// DefaultJobTimeout bounds a job when the policy supplies no time budget.
	DefaultJobTimeout time.Duration
	// GracefulShutdownTimeout is the drain budget on shutdown.
	GracefulShutdownTimeout time.Duration
}

// CacheConfig controls the exact and semantic cache layers.
type CacheConfig struct {
	ExactTTL    time.Duration
	SemanticTTL time.Duration
	MaxKeys     int
	// SimilarityTau is the cosine threshold below which a semantic lookup is
	// treated as a miss.
	SimilarityTau float64
}

// IndexConfig controls hybrid retrieval.
type IndexConfig struct {
	// Alpha weights the lexical score: score = alpha*lexical + (1-alpha)*vector.
	Alpha        float64
	RerankTopMul int // rerank considers RerankTopMul*k candidates
}

// AuthConfig controls transport authentication.
type AuthConfig struct {
	// StaticKey, when set, is accepted as a bearer token.
	StaticKey string
	// JWTSecret, when set, enables HS256 JWT verification.
	JWTSecret string
	// RequiredScopes must all be present in a JWT's "scope" claim.
	RequiredScopes []string
	// Disabled turns authentication off entirely (stdio mode, local dev).
	Disabled bool
}

// ModelsConfig holds provider credentials and embedding settings.
type ModelsConfig struct {
	OpenAIKey     string
	OpenAIBaseURL string
	AnthropicKey  string
	// CatalogPath points to an optional models.yaml overlay.
	CatalogPath string
	// EmbeddingModel and EmbeddingDim are fixed at startup; every embedding
	// stored in any single index shares this dimension.
	EmbeddingModel   string
	EmbeddingDim     int
	EmbedderProvider string // openai | hash
}

// MemoryConfig tunes the living-memory layer.
type MemoryConfig struct {
	// KappaMin/KappaMax bound the Bayesian confidence update rate; the
	// effective kappa is scaled by source reliability.
	KappaMin float64
	KappaMax float64
	// ExpandHops is the graph expansion depth on memory queries (1–2).
	ExpandHops int
}

// RetentionConfig bounds how long terminal state is kept.
type RetentionConfig struct {
	TerminalJobTTL    time.Duration
	TransientEventTTL time.Duration
	// Schedule is a cron expression for the cleanup pass.
	Schedule string
}

// Load reads configuration from the environment and validates it.
func Load() (*Config, error) {
	cfg := &Config{
		ServerPort:      getEnv("SERVER_PORT", "8080"),
		ProtocolVersion: getEnv("MCP_PROTOCOL_VERSION", "2025-06-18"),
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			Host:            getEnv("PGHOST", "localhost"),
			Port:            getEnvInt("PGPORT", 5432),
			User:            getEnv("PGUSER", "inquest"),
			Password:        os.Getenv("PGPASSWORD"),
			Database:        getEnv("PGDATABASE", "inquest"),
			SSLMode:         getEnv("PGSSLMODE", "disable"),
			MaxOpenConns:    getEnvInt("PG_MAX_OPEN_CONNS", 20),
			ConnMaxLifetime: getEnvDuration("PG_CONN_MAX_LIFETIME", 30*time.Minute),
		},
		Queue: QueueConfig{
			WorkerConcurrency:       getEnvInt("WORKER_CONCURRENCY", runtime.NumCPU()*2),
			GlobalParallelism:       getEnvInt("GLOBAL_PARALLELISM", 8),
			LeaseTTL:                getEnvDuration("LEASE_TTL", 60*time.Second),
			HeartbeatInterval:       getEnvDuration("HEARTBEAT_INTERVAL", 15*time.Second),
			MaxAttempts:             getEnvInt("MAX_ATTEMPTS", 3),
			IdempotencyTTL:          getEnvDuration("IDEMPOTENCY_TTL", time.Hour),
			PollInterval:            getEnvDuration("POLL_INTERVAL", time.Second),
			PollJitter:              getEnvDuration("POLL_JITTER", 500*time.Millisecond),
			RecoveryInterval:        getEnvDuration("RECOVERY_INTERVAL", 30*time.Second),
			DefaultJobTimeout:       getEnvDuration("DEFAULT_JOB_TIMEOUT", 10*time.Minute),
			GracefulShutdownTimeout: getEnvDuration("GRACEFUL_SHUTDOWN_TIMEOUT", 2*time.Minute),
		},
		Cache: CacheConfig{
			ExactTTL:      getEnvDuration("CACHE_TTL", time.Hour),
			SemanticTTL:   getEnvDuration("SEMANTIC_CACHE_TTL", 2*time.Hour),
			MaxKeys:       getEnvInt("CACHE_MAX_KEYS", 4096),
			SimilarityTau: getEnvFloat("SEMANTIC_TAU", 0.85),
		},
		Index: IndexConfig{
			Alpha:        getEnvFloat("INDEX_ALPHA", 0.5),
			RerankTopMul: getEnvInt("INDEX_RERANK_MUL", 2),
		},
		Auth: AuthConfig{
			StaticKey:      os.Getenv("AUTH_SECRET"),
			JWTSecret:      os.Getenv("AUTH_JWT_SECRET"),
			RequiredScopes: splitCSV(os.Getenv("AUTH_REQUIRED_SCOPES")),
			Disabled:       getEnvBool("AUTH_DISABLED", false),
		},
		Models: ModelsConfig{
			OpenAIKey:        os.Getenv("OPENAI_API_KEY"),
			OpenAIBaseURL:    os.Getenv("OPENAI_BASE_URL"),
			AnthropicKey:     os.Getenv("ANTHROPIC_API_KEY"),
			CatalogPath:      os.Getenv("MODEL_CATALOG_PATH"),
			EmbeddingModel:   getEnv("EMBEDDING_MODEL", "text-embedding-3-small"),
			EmbeddingDim:     getEnvInt("EMBEDDING_DIM", 768),
			EmbedderProvider: getEnv("EMBEDDER_PROVIDER", "openai"),
		},
		Memory: MemoryConfig{
			KappaMin:   getEnvFloat("MEMORY_KAPPA_MIN", 0.05),
			KappaMax:   getEnvFloat("MEMORY_KAPPA_MAX", 0.3),
			ExpandHops: getEnvInt("MEMORY_EXPAND_HOPS", 2),
		},
		Retain: RetentionConfig{
			TerminalJobTTL:    getEnvDuration("RETAIN_TERMINAL_JOBS", 24*time.Hour),
			TransientEventTTL: getEnvDuration("RETAIN_TRANSIENT_EVENTS", time.Hour),
			Schedule:          getEnv("CLEANUP_SCHEDULE", "@every 10m"),
		},
		ToolExposure:  ToolExposure(getEnv("TOOL_EXPOSURE", string(ExposureAll))),
		ToolAllowlist: splitCSV(os.Getenv("TOOL_ALLOWLIST")),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field invariants.
func (c *Config) Validate() error {
	if c.Queue.HeartbeatInterval >= c.Queue.LeaseTTL/3 {
		return fmt.Errorf("HEARTBEAT_INTERVAL (%v) must be < LEASE_TTL/3 (%v)",
			c.Queue.HeartbeatInterval, c.Queue.LeaseTTL/3)
	}
	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("MAX_ATTEMPTS must be >= 1, got %d", c.Queue.MaxAttempts)
	}
	if c.Queue.WorkerConcurrency < 1 || c.Queue.GlobalParallelism < 1 {
		return fmt.Errorf("worker concurrency and global parallelism must be >= 1")
	}
	if c.Models.EmbeddingDim < 1 {
		return fmt.Errorf("EMBEDDING_DIM must be >= 1, got %d", c.Models.EmbeddingDim)
	}
	if c.Cache.SimilarityTau <= 0 || c.Cache.SimilarityTau > 1 {
		return fmt.Errorf("SEMANTIC_TAU must be in (0,1], got %v", c.Cache.SimilarityTau)
	}
	if c.Index.Alpha < 0 || c.Index.Alpha > 1 {
		return fmt.Errorf("INDEX_ALPHA must be in [0,1], got %v", c.Index.Alpha)
	}
	switch c.ToolExposure {
	case ExposureAll, ExposureAgent, ExposureManual:
	default:
		return fmt.Errorf("TOOL_EXPOSURE must be ALL, AGENT, or MANUAL, got %q", c.ToolExposure)
	}
	if c.ToolExposure == ExposureManual && len(c.ToolAllowlist) == 0 {
		return fmt.Errorf("TOOL_EXPOSURE=MANUAL requires a non-empty TOOL_ALLOWLIST")
	}
	if c.Memory.KappaMin <= 0 || c.Memory.KappaMax < c.Memory.KappaMin {
		return fmt.Errorf("memory kappa bounds invalid: [%v, %v]", c.Memory.KappaMin, c.Memory.KappaMax)
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
