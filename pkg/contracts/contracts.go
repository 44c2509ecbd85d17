// Package contracts defines the service interfaces for the Singura control plane.
//
// These interfaces form the boundary between the OSS and enterprise repos.
// The OSS repo ships concrete implementations (Orchestrator, Bus, Inventory).
// The enterprise repo (singura-pro) can provide enhanced implementations
// that wrap or replace the defaults.
//
// The Handlers struct in api/handlers uses these interfaces, so swapping
// a community implementation for an enterprise one is a single line change
// in the wiring code (main.go).
package contracts

import (
	"context"

	"github.com/darrentmorgan/singura-sub016/internal/store"
	"github.com/darrentmorgan/singura-sub016/pkg/models"
)

// Store is a type alias for the internal Store interface.
// Exposed in pkg/ so the enterprise repo can reference it in its own
// middleware and services without importing internal/ directly.
type Store = store.Store

// ErrNotFound is a type alias for the internal ErrNotFound error.
type ErrNotFound = store.ErrNotFound

// ── Credential Cipher ───────────────────────────────────────

// Cipher encrypts credential material before it reaches the store and
// decrypts it on the way out. Implementations must be authenticated
// (tamper detection) and must never log plaintext.
//
// OSS implementation: AES-256-GCM with a static key from the environment.
// Pro implementations wrap KMS/HSM-backed keys with rotation.
type Cipher interface {
	// Encrypt seals plaintext and returns ciphertext plus the ID of the
	// key that sealed it.
	Encrypt(plaintext []byte) (ciphertext []byte, keyID string, err error)

	// Decrypt opens ciphertext sealed by the key named keyID.
	Decrypt(ciphertext []byte, keyID string) ([]byte, error)
}

// ── Credential Service ──────────────────────────────────────

// CredentialService stores and retrieves per-connection OAuth credentials.
// OSS implementation: internal/credentials.Store (encrypt-at-rest, cached,
// refresh-ahead with single-flight).
type CredentialService interface {
	// Put encrypts and persists a credential, replacing any existing one
	// for the connection.
	Put(ctx context.Context, connectionID string, cred models.Credential) error

	// Get returns the decrypted credential for a connection.
	Get(ctx context.Context, connectionID string) (models.Credential, error)

	// GetValid returns a credential that is safe to use for upstream
	// calls, refreshing it first when it is inside the refresh window.
	GetValid(ctx context.Context, connectionID string) (models.Credential, error)

	// Delete removes the credential for a connection.
	Delete(ctx context.Context, connectionID string) error
}

// ── Discovery Service ───────────────────────────────────────

// DiscoveryService runs discovery sessions against platform connections.
// OSS implementation: internal/discovery.Orchestrator.
type DiscoveryService interface {
	// Start begins an async discovery run for a connection and returns
	// the run ID immediately. At most one run per connection at a time.
	Start(ctx context.Context, connectionID string) (string, error)

	// Cancel stops a running discovery session.
	Cancel(runID string) error

	// Status returns the current state of a run.
	Status(ctx context.Context, runID string) (*models.DiscoveryRun, error)

	// LatestRun returns the most recent run for a connection.
	LatestRun(ctx context.Context, connectionID string) (*models.DiscoveryRun, error)
}

// ── Progress Event Stream ───────────────────────────────────

// EventStream fans discovery progress events out to subscribers.
// OSS implementation: internal/events.Bus.
// Delivery is at-least-once per subscriber; slow subscribers lose events
// rather than stalling publishers.
type EventStream interface {
	// Subscribe registers a listener for one connection's events. The
	// returned cancel func must be called when the listener goes away.
	Subscribe(connectionID string) (<-chan models.AutomationEvent, func())

	// Publish fans an event out to the connection's subscribers.
	Publish(ev models.AutomationEvent)

	// Recent returns the buffered tail of a connection's event history,
	// oldest first. Reconnecting clients use it to catch up.
	Recent(connectionID string) []models.AutomationEvent
}

// ── Inventory Service ───────────────────────────────────────

// InventoryService is the read model over discovered automations.
// OSS implementation: internal/inventory.Service.
type InventoryService interface {
	// List returns one page of automations matching the filter. A
	// malformed filter fails with models.InvalidFilterError before any
	// data access.
	List(ctx context.Context, orgID string, filter models.AutomationFilter) (*models.AutomationPage, error)

	// Stats aggregates the organization's active automations.
	Stats(ctx context.Context, orgID string) (*models.AutomationStats, error)

	// Vendors groups AI-flagged automations by detected vendor.
	Vendors(ctx context.Context, orgID string, includeUnmatched bool) ([]models.VendorGroup, error)
}
