// Package handlers implements HTTP handlers for the Singura control plane API.
//
// Handlers depend on the pkg/contracts service interfaces plus the Store,
// so the enterprise repo can substitute implementations (compliance-aware
// inventory, distributed discovery) without touching this package.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/darrentmorgan/singura-sub016/internal/store"
	"github.com/darrentmorgan/singura-sub016/pkg/contracts"
	pkgmw "github.com/darrentmorgan/singura-sub016/pkg/middleware"
	"github.com/darrentmorgan/singura-sub016/pkg/models"
)

// Handlers holds service dependencies for HTTP handlers.
type Handlers struct {
	Store     store.Store
	Creds     contracts.CredentialService
	Discovery contracts.DiscoveryService
	Events    contracts.EventStream
	Inventory contracts.InventoryService

	// Heartbeat paces keepalive frames on idle SSE streams.
	Heartbeat time.Duration
}

// New creates a Handlers instance with the given services.
func New(
	st store.Store,
	creds contracts.CredentialService,
	disc contracts.DiscoveryService,
	stream contracts.EventStream,
	inv contracts.InventoryService,
	heartbeat time.Duration,
) *Handlers {
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	return &Handlers{
		Store:     st,
		Creds:     creds,
		Discovery: disc,
		Events:    stream,
		Inventory: inv,
		Heartbeat: heartbeat,
	}
}

// org resolves the requesting organization from the extracted slug.
// Unknown slugs read as 404: the API never confirms which orgs exist.
func (h *Handlers) org(r *http.Request) (*models.Organization, error) {
	return h.Store.GetOrganizationBySlug(r.Context(), pkgmw.GetOrg(r.Context()))
}

// connection loads the {connectionID} route param and enforces org
// scoping. A connection belonging to another organization reads as
// not found rather than forbidden.
func (h *Handlers) connection(r *http.Request, orgID string) (*models.PlatformConnection, error) {
	id := chi.URLParam(r, "connectionID")
	conn, err := h.Store.GetConnection(r.Context(), id)
	if err != nil {
		return nil, err
	}
	if conn.OrganizationID != orgID {
		return nil, &store.ErrNotFound{Entity: "connection", Key: id}
	}
	return conn, nil
}

// ── Response Helpers ─────────────────────────────────────────

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondDomainError maps typed domain errors onto HTTP statuses:
// not-found 404, conflict 409, invalid filter 400, everything else 500.
func respondDomainError(w http.ResponseWriter, err error) {
	var (
		notFound  *store.ErrNotFound
		conflict  *store.ErrConflict
		badFilter *models.InvalidFilterError
	)
	switch {
	case errors.As(err, &notFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &conflict):
		respondError(w, http.StatusConflict, err.Error())
	case errors.As(err, &badFilter):
		respondError(w, http.StatusBadRequest, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}
