package handlers

import (
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/darrentmorgan/singura-sub016/internal/store"
	"github.com/darrentmorgan/singura-sub016/pkg/models"
)

// ── Inventory Handlers ───────────────────────────────────────

// ListAutomations returns one page of the organization's automation
// inventory, filtered and paginated by query parameters. The filter is
// checked before the org is resolved: a malformed request is a 400 even
// when the caller got the tenant wrong too.
func (h *Handlers) ListAutomations(w http.ResponseWriter, r *http.Request) {
	filter, err := filterFromQuery(r.URL.Query())
	if err != nil {
		respondDomainError(w, err)
		return
	}
	if err := filter.Validate(); err != nil {
		respondDomainError(w, err)
		return
	}

	org, err := h.org(r)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	page, err := h.Inventory.List(r.Context(), org.ID, filter)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, page)
}

// filterFromQuery binds list query parameters onto an AutomationFilter.
// Unparseable numerics and booleans fail as invalid-filter errors so
// the caller sees 400, not a silently ignored parameter. Enum values
// are validated downstream by the filter itself.
func filterFromQuery(q url.Values) (models.AutomationFilter, error) {
	f := models.AutomationFilter{
		PlatformType:   q.Get("platform_type"),
		AutomationType: q.Get("automation_type"),
		RiskLevel:      q.Get("risk_level"),
		Search:         q.Get("search"),
	}

	if v := q.Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return f, &models.InvalidFilterError{Field: "page", Value: v}
		}
		f.Page = n
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return f, &models.InvalidFilterError{Field: "limit", Value: v}
		}
		f.Limit = n
	}
	if v := q.Get("is_active"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return f, &models.InvalidFilterError{Field: "is_active", Value: v}
		}
		f.IsActive = &b
	}
	if v := q.Get("include_inactive"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return f, &models.InvalidFilterError{Field: "include_inactive", Value: v}
		}
		f.IncludeInactive = b
	}

	return f, nil
}

// GetAutomation returns one automation by ID.
func (h *Handlers) GetAutomation(w http.ResponseWriter, r *http.Request) {
	org, err := h.org(r)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	id := chi.URLParam(r, "automationID")
	a, err := h.Store.GetAutomation(r.Context(), id)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	if a.OrganizationID != org.ID {
		respondDomainError(w, &store.ErrNotFound{Entity: "automation", Key: id})
		return
	}
	respondJSON(w, http.StatusOK, a)
}

// AutomationStats returns aggregate counts over the organization's
// active automations: totals, AI-flagged, by-risk, by-platform, by-type.
func (h *Handlers) AutomationStats(w http.ResponseWriter, r *http.Request) {
	org, err := h.org(r)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	stats, err := h.Inventory.Stats(r.Context(), org.ID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

// AutomationVendors groups AI-flagged automations by detected vendor,
// highest risk first. include_unmatched=true adds a group for AI
// automations with no catalog vendor.
func (h *Handlers) AutomationVendors(w http.ResponseWriter, r *http.Request) {
	includeUnmatched := false
	if v := r.URL.Query().Get("include_unmatched"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			respondDomainError(w, &models.InvalidFilterError{Field: "include_unmatched", Value: v})
			return
		}
		includeUnmatched = b
	}

	org, err := h.org(r)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	groups, err := h.Inventory.Vendors(r.Context(), org.ID, includeUnmatched)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	if groups == nil {
		groups = []models.VendorGroup{}
	}
	respondJSON(w, http.StatusOK, groups)
}
