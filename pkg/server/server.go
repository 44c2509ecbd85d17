// Package server provides the public entry point for initializing the
// Singura control plane server.
//
// This package exists in pkg/ (not internal/) so that the enterprise repo
// (singura-pro) can import it and compose the full server with Pro overrides.
//
// Usage (OSS):
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
//
// Usage (Pro):
//
//	srv, err := server.New(ctx)
//	srv.Auth.RegisterProvider(oidcProvider)
//	proHandler := tierEnforcer.Middleware(srv.Handler)
//	http.ListenAndServe(":8080", proHandler)
package server

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"net/http"

	"github.com/darrentmorgan/singura-sub016/internal/aidetect"
	"github.com/darrentmorgan/singura-sub016/internal/api"
	"github.com/darrentmorgan/singura-sub016/internal/api/handlers"
	"github.com/darrentmorgan/singura-sub016/internal/auth"
	"github.com/darrentmorgan/singura-sub016/internal/collector"
	"github.com/darrentmorgan/singura-sub016/internal/config"
	"github.com/darrentmorgan/singura-sub016/internal/credentials"
	"github.com/darrentmorgan/singura-sub016/internal/discovery"
	"github.com/darrentmorgan/singura-sub016/internal/events"
	"github.com/darrentmorgan/singura-sub016/internal/inventory"
	"github.com/darrentmorgan/singura-sub016/internal/notify"
	"github.com/darrentmorgan/singura-sub016/internal/retention"
	"github.com/darrentmorgan/singura-sub016/internal/risk"
	"github.com/darrentmorgan/singura-sub016/internal/store"
	"github.com/darrentmorgan/singura-sub016/internal/telemetry"
	"github.com/darrentmorgan/singura-sub016/pkg/contracts"
	"github.com/darrentmorgan/singura-sub016/pkg/models"

	"github.com/rs/zerolog/log"
)

// Config is the public configuration for the control plane server.
type Config struct {
	Port         int
	Version      string
	DatabaseURL  string
	OTELEnabled  bool
	OTELEndpoint string
	ServiceName  string
}

// Server holds the initialized Singura control plane.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the data store (in-memory by default, PostgreSQL when
	// SINGURA_DATABASE_URL is set). Exposed so Pro can use it in
	// TierEnforcer and other middleware.
	Store store.Store

	// Auth is the provider chain. Pro registers OIDC/SAML providers on it.
	Auth contracts.AuthProviderChain

	// Notifier owns notification channels. Pro registers Slack and
	// PagerDuty drivers on it.
	Notifier *notify.Notifier

	// Config is the server configuration.
	Config *Config

	// Port is the port the server should listen on.
	Port int

	// ShutdownFunc should be called on graceful shutdown. It stops the
	// retention janitor and flushes telemetry.
	ShutdownFunc func(context.Context) error
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() *Config {
	cfg := config.Load()
	return &Config{
		Port:         cfg.Port,
		Version:      cfg.Version,
		DatabaseURL:  cfg.Database.URL,
		OTELEnabled:  cfg.Telemetry.Enabled,
		OTELEndpoint: cfg.Telemetry.OTLPEndpoint,
		ServiceName:  cfg.Telemetry.ServiceName,
	}
}

// New initializes all OSS control plane components and returns a ready Server.
// This is the primary entry point for both OSS and Pro main.go.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, LoadConfig())
}

// NewWithConfig initializes the control plane with an explicit configuration.
func NewWithConfig(ctx context.Context, pubCfg *Config) (*Server, error) {
	// Build internal config from public config
	cfg := config.Load()
	if pubCfg.Port > 0 {
		cfg.Port = pubCfg.Port
	}
	if pubCfg.DatabaseURL != "" {
		cfg.Database.URL = pubCfg.DatabaseURL
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	// Initialize telemetry
	shutdownTel, err := telemetry.Init(cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	// PostgreSQL when configured, in-memory otherwise (zero configuration)
	var dataStore store.Store
	if cfg.Database.URL != "" {
		pg, err := store.NewPostgresStore(cfg.Database.URL, cfg.Database.MaxConnections)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := pg.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
		dataStore = pg
		log.Info().Msg("✅ PostgreSQL store initialized")
	} else {
		dataStore = store.NewMemoryStore()
		log.Info().Msg("✅ In-memory store initialized")
	}

	// Seed default organization
	seedDefaultOrg(ctx, dataStore)

	// Credential store: encrypted at rest, refresh-ahead on read
	cipher, err := buildCipher(cfg.Credentials)
	if err != nil {
		return nil, fmt.Errorf("credential cipher: %w", err)
	}
	creds := credentials.NewStore(dataStore, cipher, cfg.Credentials.RefreshWindow)
	registerRefreshers(creds, cfg.Credentials)
	log.Info().Msg("✅ Credential store initialized")

	// Platform adapters. Empty base URLs select production endpoints.
	adapters := collector.NewRegistry()
	adapters.Register(collector.NewSlackAdapter(
		collector.NewSlackAPI("", "", cfg.Collector.PerHostRPS, cfg.Collector.HTTPTimeout),
		cfg.Discovery.SubmethodTimeout,
	))
	adapters.Register(collector.NewGoogleAdapter(
		collector.NewGoogleAPI("", cfg.Collector.PerHostRPS, cfg.Collector.HTTPTimeout),
		cfg.Discovery.SubmethodTimeout,
	))
	adapters.Register(collector.NewMicrosoftAdapter(
		collector.NewMicrosoftAPI("", cfg.Collector.PerHostRPS, cfg.Collector.HTTPTimeout),
		cfg.Discovery.SubmethodTimeout,
	))

	// Detection and scoring
	catalog, err := aidetect.LoadCatalog(cfg.AIDetector.VendorCatalogPath)
	if err != nil {
		return nil, fmt.Errorf("load vendor catalog: %w", err)
	}
	detector := aidetect.NewDetector(catalog, cfg.AIDetector.ConfidenceThreshold)
	scorer := risk.NewScorer(cfg.RiskScorer.AIPlatformScore)

	// Progress bus, with the notifier tapping published events
	bus := events.NewBus()
	var stream contracts.EventStream = bus
	notifier := notify.NewNotifier(cfg.Notify)
	if notifier.Enabled() {
		stream = notify.Tap(bus, notifier)
		log.Info().Msg("✅ Webhook notifier initialized")
	}

	persister := discovery.NewPersister(dataStore, cfg.Persister.Stripes)
	orch := discovery.NewOrchestrator(discovery.Deps{
		Store:     dataStore,
		Creds:     creds,
		Adapters:  adapters,
		Detector:  detector,
		Scorer:    scorer,
		Persister: persister,
		Bus:       stream,
	}, cfg.Discovery)
	inv := inventory.NewService(dataStore)

	log.Info().
		Strs("platforms", platformNames(adapters)).
		Int("vendors", len(catalog.Vendors)).
		Msg("✅ Discovery pipeline initialized")

	// Retention janitor runs for the life of the server
	janitorCtx, stopJanitor := context.WithCancel(context.Background())
	go retention.NewJanitor(dataStore, cfg.Retention).Start(janitorCtx)

	// Auth chain: API keys + HMAC service accounts. Pro adds SSO here.
	chain := auth.NewProviderChain()
	chain.RegisterProvider(auth.NewAPIKeyProvider())
	chain.RegisterProvider(auth.NewServiceAccountProvider())

	// Build handlers + API router
	h := handlers.New(dataStore, creds, orch, stream, inv, cfg.Events.HeartbeatInterval)
	router := api.NewRouter(cfg, h, chain)

	shutdown := func(ctx context.Context) error {
		stopJanitor()
		return shutdownTel(ctx)
	}

	return &Server{
		Handler:      router,
		Store:        dataStore,
		Auth:         chain,
		Notifier:     notifier,
		Config:       pubCfg,
		Port:         cfg.Port,
		ShutdownFunc: shutdown,
	}, nil
}

// buildCipher creates the AES cipher guarding credentials at rest. Without
// a configured key it falls back to an ephemeral one: fine for the
// in-memory store, never fine for production.
func buildCipher(cfg config.CredentialsConfig) (contracts.Cipher, error) {
	key := cfg.EncryptionKey
	if key == "" {
		raw := make([]byte, 32)
		if _, err := rand.Read(raw); err != nil {
			return nil, fmt.Errorf("generate ephemeral key: %w", err)
		}
		key = base64.StdEncoding.EncodeToString(raw)
		log.Warn().Msg("⚠️ SINGURA_ENCRYPTION_KEY not set, using an ephemeral key; stored credentials will not survive a restart")
	}
	return credentials.NewAESCipher(key)
}

// registerRefreshers wires OAuth token refresh for each platform that has
// client credentials configured. Platforms without one serve their tokens
// as-is when they near expiry.
func registerRefreshers(creds *credentials.Store, cfg config.CredentialsConfig) {
	if cfg.SlackClientID != "" {
		r := credentials.NewOAuthRefresher(cfg.SlackClientID, cfg.SlackClientSecret, credentials.SlackTokenURL)
		creds.RegisterRefresher(models.PlatformSlack, r.Refresh)
	}
	if cfg.GoogleClientID != "" {
		r := credentials.NewOAuthRefresher(cfg.GoogleClientID, cfg.GoogleClientSecret, credentials.GoogleTokenURL)
		creds.RegisterRefresher(models.PlatformGoogle, r.Refresh)
	}
	if cfg.MicrosoftClientID != "" {
		r := credentials.NewOAuthRefresher(cfg.MicrosoftClientID, cfg.MicrosoftClientSecret, credentials.MicrosoftTokenURL)
		creds.RegisterRefresher(models.PlatformMicrosoft, r.Refresh)
	}
}

func seedDefaultOrg(ctx context.Context, s store.Store) {
	_, err := s.GetOrganizationBySlug(ctx, "default")
	if err != nil {
		org := &models.Organization{
			ID:        "default",
			Slug:      "default",
			Name:      "Default Organization",
			PlanTier:  models.PlanFree,
			CreatedAt: time.Now().UTC(),
		}
		if err := s.CreateOrganization(ctx, org); err != nil {
			log.Warn().Err(err).Msg("Failed to seed default organization")
		} else {
			log.Info().Msg("✅ Default organization seeded")
		}
	}
}

func platformNames(reg *collector.Registry) []string {
	platforms := reg.Platforms()
	names := make([]string, len(platforms))
	for i, p := range platforms {
		names[i] = string(p)
	}
	return names
}
