package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/darrentmorgan/singura-sub016/internal/store"
	"github.com/darrentmorgan/singura-sub016/pkg/models"
)

// ── Connection Handlers ──────────────────────────────────────

// connectionRequest is the POST /connections body: the connection plus
// its initial credential. Token material goes straight to the encrypted
// credential store and never round-trips back out.
type connectionRequest struct {
	PlatformType        string                 `json:"platform_type"`
	PlatformWorkspaceID string                 `json:"platform_workspace_id"`
	DisplayName         string                 `json:"display_name"`
	WorkspaceKind       string                 `json:"workspace_kind"`
	Permissions         []string               `json:"permissions"`
	Metadata            map[string]interface{} `json:"metadata"`
	Credential          credentialRequest      `json:"credential"`
}

type credentialRequest struct {
	AccessToken  string     `json:"access_token"`
	RefreshToken string     `json:"refresh_token"`
	TokenType    string     `json:"token_type"`
	Scopes       []string   `json:"scopes"`
	ExpiresAt    *time.Time `json:"expires_at"`
}

// ListConnections returns all platform connections for the organization.
func (h *Handlers) ListConnections(w http.ResponseWriter, r *http.Request) {
	org, err := h.org(r)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	conns, err := h.Store.ListConnections(r.Context(), org.ID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	if conns == nil {
		conns = []models.PlatformConnection{}
	}
	respondJSON(w, http.StatusOK, conns)
}

// CreateConnection registers a platform workspace and stores its
// credential. One connection per (platform, workspace) pair per org.
func (h *Handlers) CreateConnection(w http.ResponseWriter, r *http.Request) {
	org, err := h.org(r)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	var req connectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	platform := models.PlatformType(req.PlatformType)
	if !platform.Valid() {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("unsupported platform_type %q", req.PlatformType))
		return
	}
	if req.PlatformWorkspaceID == "" {
		respondError(w, http.StatusBadRequest, "platform_workspace_id is required")
		return
	}
	if req.Credential.AccessToken == "" {
		respondError(w, http.StatusBadRequest, "credential.access_token is required")
		return
	}
	kind := models.WorkspaceKind(req.WorkspaceKind)
	switch kind {
	case "", models.WorkspaceStandard, models.WorkspaceEnterprise:
	default:
		respondError(w, http.StatusBadRequest, fmt.Sprintf("unsupported workspace_kind %q", req.WorkspaceKind))
		return
	}
	if kind == "" {
		kind = models.WorkspaceStandard
	}

	now := time.Now().UTC()
	conn := &models.PlatformConnection{
		ID:                  uuid.NewString(),
		OrganizationID:      org.ID,
		PlatformType:        platform,
		PlatformWorkspaceID: req.PlatformWorkspaceID,
		DisplayName:         req.DisplayName,
		Status:              models.ConnectionActive,
		Permissions:         models.NormalizeScopes(req.Permissions),
		Metadata:            req.Metadata,
		WorkspaceKind:       kind,
		ExpiresAt:           req.Credential.ExpiresAt,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if conn.DisplayName == "" {
		conn.DisplayName = fmt.Sprintf("%s %s", platform, req.PlatformWorkspaceID)
	}

	if err := h.Store.CreateConnection(r.Context(), conn); err != nil {
		respondDomainError(w, err)
		return
	}

	cred := models.Credential{
		AccessToken:  req.Credential.AccessToken,
		RefreshToken: req.Credential.RefreshToken,
		TokenType:    req.Credential.TokenType,
		Scopes:       req.Credential.Scopes,
		ExpiresAt:    req.Credential.ExpiresAt,
	}
	if err := h.Creds.Put(r.Context(), conn.ID, cred); err != nil {
		// A connection without a credential can never discover; don't
		// leave the half-made row behind.
		h.Store.DeleteConnection(r.Context(), conn.ID)
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	log.Info().
		Str("connection", conn.ID).
		Str("platform", string(platform)).
		Str("workspace", req.PlatformWorkspaceID).
		Str("org", org.ID).
		Msg("🔌 Connection created")

	respondJSON(w, http.StatusCreated, conn)
}

// GetConnection returns one connection by ID.
func (h *Handlers) GetConnection(w http.ResponseWriter, r *http.Request) {
	org, err := h.org(r)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	conn, err := h.connection(r, org.ID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, conn)
}

// RevokeConnection deletes the stored credential and marks the
// connection revoked. The row and its automations stay queryable;
// only the ability to discover is gone.
func (h *Handlers) RevokeConnection(w http.ResponseWriter, r *http.Request) {
	org, err := h.org(r)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	conn, err := h.connection(r, org.ID)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	if err := h.Creds.Delete(r.Context(), conn.ID); err != nil {
		var notFound *store.ErrNotFound
		if !errors.As(err, &notFound) {
			respondDomainError(w, err)
			return
		}
		// Credential already gone; revoking is idempotent.
	}

	if err := h.Store.UpdateConnectionStatus(r.Context(), conn.ID, models.ConnectionRevoked); err != nil {
		respondDomainError(w, err)
		return
	}

	log.Info().Str("connection", conn.ID).Str("org", org.ID).Msg("🔌 Connection revoked")

	respondJSON(w, http.StatusOK, map[string]string{
		"connection_id": conn.ID,
		"status":        string(models.ConnectionRevoked),
	})
}

// ── Discovery Handlers ───────────────────────────────────────

// StartDiscovery kicks off an asynchronous discovery run and returns
// 202 with the run ID plus where to poll and stream progress. A run
// already in flight for the connection answers 409.
func (h *Handlers) StartDiscovery(w http.ResponseWriter, r *http.Request) {
	org, err := h.org(r)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	conn, err := h.connection(r, org.ID)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	runID, err := h.Discovery.Start(r.Context(), conn.ID)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	respondJSON(w, http.StatusAccepted, map[string]string{
		"run_id":        runID,
		"connection_id": conn.ID,
		"status":        string(models.RunPending),
		"poll":          "/api/v1/connections/" + conn.ID + "/discovery",
		"stream":        "/api/v1/connections/" + conn.ID + "/events",
	})
}

// GetDiscovery returns the connection's latest run plus the buffered
// event tail — the reconciliation read for clients that missed stream
// frames. A connection that never discovered answers with a null run.
func (h *Handlers) GetDiscovery(w http.ResponseWriter, r *http.Request) {
	org, err := h.org(r)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	conn, err := h.connection(r, org.ID)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	run, err := h.Discovery.LatestRun(r.Context(), conn.ID)
	if err != nil {
		var notFound *store.ErrNotFound
		if !errors.As(err, &notFound) {
			respondDomainError(w, err)
			return
		}
		run = nil
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"connection_id": conn.ID,
		"run":           run,
		"events":        h.Events.Recent(conn.ID),
	})
}

// CancelDiscovery stops the connection's active run. Cancelling a run
// that already reached a terminal state answers 409.
func (h *Handlers) CancelDiscovery(w http.ResponseWriter, r *http.Request) {
	org, err := h.org(r)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	conn, err := h.connection(r, org.ID)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	run, err := h.Discovery.LatestRun(r.Context(), conn.ID)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	if err := h.Discovery.Cancel(run.ID); err != nil {
		respondDomainError(w, err)
		return
	}

	respondJSON(w, http.StatusAccepted, map[string]string{
		"run_id": run.ID,
		"status": "cancelling",
	})
}
