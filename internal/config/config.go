package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the Singura control plane.
type Config struct {
	Port        int
	Version     string
	Database    DatabaseConfig
	Telemetry   TelemetryConfig
	Auth        AuthConfig
	Credentials CredentialsConfig
	Collector   CollectorConfig
	AIDetector  AIDetectorConfig
	RiskScorer  RiskScorerConfig
	Discovery   DiscoveryConfig
	Persister   PersisterConfig
	Events      EventsConfig
	Retention   RetentionConfig
	Notify      NotifyConfig
}

type DatabaseConfig struct {
	URL            string
	MaxConnections int
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

type AuthConfig struct {
	// For OSS: simple API key validation
	APIKeyHeader string
	// For Enterprise: OIDC/SAML configuration
	OIDCIssuer   string
	OIDCAudience string
}

type CredentialsConfig struct {
	// EncryptionKey is the base64-encoded 32-byte AES key for tokens at rest.
	EncryptionKey string
	// RefreshWindow is how close to expiry a token gets refreshed ahead of use.
	RefreshWindow time.Duration
	// Per-platform OAuth client credentials for refresh-token exchanges.
	// A platform without a client ID gets no refresher; its tokens are
	// returned as-is when they near expiry.
	SlackClientID         string
	SlackClientSecret     string
	GoogleClientID        string
	GoogleClientSecret    string
	MicrosoftClientID     string
	MicrosoftClientSecret string
}

type CollectorConfig struct {
	// PerHostRPS throttles outbound calls to each platform API host.
	PerHostRPS float64
	// HTTPTimeout bounds a single upstream request.
	HTTPTimeout time.Duration
}

type AIDetectorConfig struct {
	// ConfidenceThreshold is the minimum confidence (0..100) at which a
	// detection flips is_ai_platform to true.
	ConfidenceThreshold int
	// VendorCatalogPath optionally overrides the compiled-in vendor catalog.
	VendorCatalogPath string
}

type RiskScorerConfig struct {
	// AIPlatformScore is the fixed score assigned to AI-integrated automations.
	AIPlatformScore int
}

type DiscoveryConfig struct {
	// SessionTimeout bounds a whole discovery run.
	SessionTimeout time.Duration
	// SubmethodTimeout bounds each discovery sub-method within a run.
	SubmethodTimeout time.Duration
	// MaxCandidateBacklog is the bounded buffer between enumeration and
	// the analyze/persist pipeline.
	MaxCandidateBacklog int
	// StaleRuns is how many consecutive completed runs may miss an
	// automation before it is marked inactive.
	StaleRuns int
}

type PersisterConfig struct {
	// Stripes is the keyed-lock stripe count for upserts. Power of two.
	Stripes int
}

type EventsConfig struct {
	// HeartbeatInterval paces keepalive frames on idle SSE streams.
	HeartbeatInterval time.Duration
}

type RetentionConfig struct {
	// SweepInterval is how often the janitor wakes up.
	SweepInterval time.Duration
	// RunsMaxAge is how long finished discovery runs are kept.
	RunsMaxAge time.Duration
}

type NotifyConfig struct {
	// WebhookURL receives discovery completion and high-risk notifications.
	// Empty disables the webhook channel.
	WebhookURL string
	// WebhookSecret signs webhook payloads (HMAC-SHA256).
	WebhookSecret string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:    envInt("SINGURA_PORT", 8080),
		Version: envStr("SINGURA_VERSION", "0.4.0"),
		Database: DatabaseConfig{
			URL:            envStr("SINGURA_DATABASE_URL", ""),
			MaxConnections: envInt("SINGURA_DATABASE_MAX_CONNECTIONS", 25),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", true),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "singura-control-plane"),
		},
		Auth: AuthConfig{
			APIKeyHeader: envStr("AUTH_API_KEY_HEADER", "Authorization"),
			OIDCIssuer:   envStr("AUTH_OIDC_ISSUER", ""),
			OIDCAudience: envStr("AUTH_OIDC_AUDIENCE", ""),
		},
		Credentials: CredentialsConfig{
			EncryptionKey:         envStr("SINGURA_ENCRYPTION_KEY", ""),
			RefreshWindow:         envDuration("SINGURA_CREDENTIALS_REFRESH_WINDOW", 5*time.Minute),
			SlackClientID:         envStr("SINGURA_OAUTH_SLACK_CLIENT_ID", ""),
			SlackClientSecret:     envStr("SINGURA_OAUTH_SLACK_CLIENT_SECRET", ""),
			GoogleClientID:        envStr("SINGURA_OAUTH_GOOGLE_CLIENT_ID", ""),
			GoogleClientSecret:    envStr("SINGURA_OAUTH_GOOGLE_CLIENT_SECRET", ""),
			MicrosoftClientID:     envStr("SINGURA_OAUTH_MICROSOFT_CLIENT_ID", ""),
			MicrosoftClientSecret: envStr("SINGURA_OAUTH_MICROSOFT_CLIENT_SECRET", ""),
		},
		Collector: CollectorConfig{
			PerHostRPS:  envFloat("SINGURA_COLLECTOR_RATE_LIMIT_PER_HOST_RPS", 5),
			HTTPTimeout: envDuration("SINGURA_COLLECTOR_HTTP_TIMEOUT", 15*time.Second),
		},
		AIDetector: AIDetectorConfig{
			ConfidenceThreshold: envInt("SINGURA_AI_DETECTOR_CONFIDENCE_THRESHOLD", 70),
			VendorCatalogPath:   envStr("SINGURA_AI_VENDOR_CATALOG", ""),
		},
		RiskScorer: RiskScorerConfig{
			AIPlatformScore: envInt("SINGURA_RISK_SCORER_AI_PLATFORM_SCORE", 85),
		},
		Discovery: DiscoveryConfig{
			SessionTimeout:      envDuration("SINGURA_DISCOVERY_SESSION_TIMEOUT", 5*time.Minute),
			SubmethodTimeout:    envDuration("SINGURA_DISCOVERY_SUBMETHOD_TIMEOUT", 30*time.Second),
			MaxCandidateBacklog: envInt("SINGURA_DISCOVERY_MAX_CANDIDATE_BACKLOG", 256),
			StaleRuns:           envInt("SINGURA_DISCOVERY_STALE_RUNS", 3),
		},
		Persister: PersisterConfig{
			Stripes: envInt("SINGURA_PERSISTER_STRIPES", 256),
		},
		Events: EventsConfig{
			HeartbeatInterval: envDuration("SINGURA_EVENTS_HEARTBEAT_INTERVAL", 30*time.Second),
		},
		Retention: RetentionConfig{
			SweepInterval: envDuration("SINGURA_RETENTION_SWEEP_INTERVAL", time.Hour),
			RunsMaxAge:    envDuration("SINGURA_RETENTION_RUNS_MAX_AGE", 720*time.Hour),
		},
		Notify: NotifyConfig{
			WebhookURL:    envStr("SINGURA_NOTIFY_WEBHOOK_URL", ""),
			WebhookSecret: envStr("SINGURA_NOTIFY_WEBHOOK_SECRET", ""),
		},
	}
}

// Validate rejects configurations that cannot run. Called once at boot.
func (c *Config) Validate() error {
	if c.Discovery.SessionTimeout <= c.Discovery.SubmethodTimeout {
		return fmt.Errorf("discovery session timeout %s must exceed submethod timeout %s",
			c.Discovery.SessionTimeout, c.Discovery.SubmethodTimeout)
	}
	if c.Discovery.MaxCandidateBacklog <= 0 {
		return fmt.Errorf("discovery candidate backlog must be positive, got %d", c.Discovery.MaxCandidateBacklog)
	}
	if c.Discovery.StaleRuns <= 0 {
		return fmt.Errorf("discovery stale run threshold must be positive, got %d", c.Discovery.StaleRuns)
	}
	if c.AIDetector.ConfidenceThreshold < 0 || c.AIDetector.ConfidenceThreshold > 100 {
		return fmt.Errorf("ai detector confidence threshold must be 0..100, got %d", c.AIDetector.ConfidenceThreshold)
	}
	if c.RiskScorer.AIPlatformScore < 0 || c.RiskScorer.AIPlatformScore > 100 {
		return fmt.Errorf("risk scorer ai platform score must be 0..100, got %d", c.RiskScorer.AIPlatformScore)
	}
	if s := c.Persister.Stripes; s <= 0 || s&(s-1) != 0 {
		return fmt.Errorf("persister stripes must be a positive power of two, got %d", s)
	}
	if c.Collector.PerHostRPS <= 0 {
		return fmt.Errorf("collector per-host rate limit must be positive, got %g", c.Collector.PerHostRPS)
	}
	return nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
