// Package store provides the storage interface and implementations for the Singura control plane.
// The in-memory implementation backs local dev and tests; PostgreSQL backs production.
package store

import (
	"context"
	"time"

	"github.com/darrentmorgan/singura-sub016/pkg/models"
)

// Store is the primary storage interface for the control plane.
// All handler and service code depends on this interface, making it easy
// to swap between in-memory (tests) and PostgreSQL (production)
// implementations.
type Store interface {
	OrganizationStore
	ConnectionStore
	CredentialRowStore
	AutomationStore
	RunStore

	// Ping checks if the database is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error

	// Migrate brings the schema up to date.
	Migrate(ctx context.Context) error
}

// ── Organization Store ──────────────────────────────────────

type OrganizationStore interface {
	ListOrganizations(ctx context.Context) ([]models.Organization, error)
	GetOrganization(ctx context.Context, id string) (*models.Organization, error)
	GetOrganizationBySlug(ctx context.Context, slug string) (*models.Organization, error)
	CreateOrganization(ctx context.Context, org *models.Organization) error
}

// ── Connection Store ────────────────────────────────────────

type ConnectionStore interface {
	ListConnections(ctx context.Context, orgID string) ([]models.PlatformConnection, error)
	GetConnection(ctx context.Context, id string) (*models.PlatformConnection, error)
	CreateConnection(ctx context.Context, conn *models.PlatformConnection) error
	UpdateConnection(ctx context.Context, conn *models.PlatformConnection) error
	UpdateConnectionStatus(ctx context.Context, id string, status models.ConnectionStatus) error
	DeleteConnection(ctx context.Context, id string) error

	// ExpireConnections flips active connections whose expiry has passed
	// to status=expired. Returns how many rows changed.
	ExpireConnections(ctx context.Context, now time.Time) (int, error)
}

// ── Credential Row Store ────────────────────────────────────

// CredentialRow is the at-rest shape of a connection's credential. The
// token material lives only in Ciphertext; ExpiresAt stays plaintext so
// refresh scans never need a decrypt.
type CredentialRow struct {
	ConnectionID string     `json:"connection_id" db:"connection_id"`
	Ciphertext   []byte     `json:"-" db:"ciphertext"`
	KeyID        string     `json:"key_id" db:"key_id"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	UpdatedAt    time.Time  `json:"updated_at" db:"updated_at"`
}

// CredentialRowStore persists encrypted credential rows. Encryption and
// caching live above this interface, in internal/credentials.
type CredentialRowStore interface {
	GetCredentialRow(ctx context.Context, connectionID string) (*CredentialRow, error)
	PutCredentialRow(ctx context.Context, row *CredentialRow) error
	DeleteCredentialRow(ctx context.Context, connectionID string) error
}

// ── Automation Store ────────────────────────────────────────

type AutomationStore interface {
	// UpsertAutomation inserts or updates by (connection_id, external_id).
	// An existing row keeps its id and first_discovered_at; name, status,
	// permissions, metadata, AI fields, and risk fields are refreshed,
	// last_seen_at advances, missed_runs resets, and the row reactivates.
	// Returns the stored row and whether it was newly created.
	UpsertAutomation(ctx context.Context, a *models.Automation) (*models.Automation, bool, error)

	GetAutomation(ctx context.Context, id string) (*models.Automation, error)
	GetAutomationByExternalID(ctx context.Context, connectionID, externalID string) (*models.Automation, error)

	// ListAutomations returns one page for the org. platform_type on each
	// row comes from the owning connection and is nil when that
	// connection no longer exists (LEFT JOIN semantics).
	ListAutomations(ctx context.Context, orgID string, filter models.AutomationFilter) (*models.AutomationPage, error)

	// AutomationStats aggregates the org's active automations.
	AutomationStats(ctx context.Context, orgID string) (*models.AutomationStats, error)

	// ListAIAutomations returns the org's active AI-flagged automations
	// plus, when includeUnmatched is set, the active non-AI remainder.
	ListAIAutomations(ctx context.Context, orgID string, includeUnmatched bool) ([]models.Automation, error)

	// BumpMissedRuns increments missed_runs on the connection's active
	// automations not seen since the given run start, deactivating rows
	// that reach the stale threshold. Returns how many were deactivated.
	BumpMissedRuns(ctx context.Context, connectionID string, runStartedAt time.Time, staleThreshold int) (int, error)
}

// ── Discovery Run Store ─────────────────────────────────────

type RunStore interface {
	CreateRun(ctx context.Context, run *models.DiscoveryRun) error
	UpdateRun(ctx context.Context, run *models.DiscoveryRun) error
	GetRun(ctx context.Context, id string) (*models.DiscoveryRun, error)
	LatestRunForConnection(ctx context.Context, connectionID string) (*models.DiscoveryRun, error)
	ListRunsForConnection(ctx context.Context, connectionID string, limit int) ([]models.DiscoveryRun, error)

	// DeleteRunsBefore purges finished runs older than the cutoff.
	DeleteRunsBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// ── Errors ──────────────────────────────────────────────────

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// ErrConflict is returned when a uniqueness constraint would be violated
// (duplicate org slug, duplicate workspace connection).
type ErrConflict struct {
	Entity string
	Key    string
}

func (e *ErrConflict) Error() string {
	return e.Entity + " already exists: " + e.Key
}
