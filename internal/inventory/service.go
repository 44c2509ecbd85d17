// Package inventory serves the read side of the automation inventory:
// filtered listing, aggregate stats, and the vendor rollup. All writes
// happen in the discovery pipeline; this package only queries.
package inventory

import (
	"context"
	"sort"

	"github.com/darrentmorgan/singura-sub016/internal/store"
	"github.com/darrentmorgan/singura-sub016/pkg/contracts"
	"github.com/darrentmorgan/singura-sub016/pkg/models"
)

var _ contracts.InventoryService = (*Service)(nil)

// Service answers inventory queries against the store.
type Service struct {
	store store.Store
}

func NewService(st store.Store) *Service {
	return &Service{store: st}
}

// List returns one page of the org's automations. The filter is validated
// before any data access, so a bad filter never reaches the store; rows
// carry platform_type from the owning connection, nil when that connection
// is gone.
func (s *Service) List(ctx context.Context, orgID string, filter models.AutomationFilter) (*models.AutomationPage, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	return s.store.ListAutomations(ctx, orgID, filter)
}

// Stats aggregates the org's active automations by type, platform, and
// risk level.
func (s *Service) Stats(ctx context.Context, orgID string) (*models.AutomationStats, error) {
	return s.store.AutomationStats(ctx, orgID)
}

// Vendors groups active automations by vendor. The group key is the
// detector's vendor name when one matched; unmatched rows, included only
// on request, group under their own normalized name. Groups order by
// highest risk first, members likewise.
func (s *Service) Vendors(ctx context.Context, orgID string, includeUnmatched bool) ([]models.VendorGroup, error) {
	automations, err := s.store.ListAIAutomations(ctx, orgID, includeUnmatched)
	if err != nil {
		return nil, err
	}

	byVendor := make(map[string]*models.VendorGroup)
	seenConn := make(map[string]map[string]bool)
	order := make([]string, 0)

	for _, a := range automations {
		vendor := a.AIPlatformName
		if vendor == "" {
			vendor = a.Name
		}
		g, ok := byVendor[vendor]
		if !ok {
			g = &models.VendorGroup{Vendor: vendor}
			byVendor[vendor] = g
			seenConn[vendor] = make(map[string]bool)
			order = append(order, vendor)
		}
		g.Count++
		if a.RiskScore > g.MaxRiskScore {
			g.MaxRiskScore = a.RiskScore
		}
		if levelRank(a.RiskLevel) > levelRank(g.RiskLevel) {
			g.RiskLevel = a.RiskLevel
		}
		if !seenConn[vendor][a.ConnectionID] {
			seenConn[vendor][a.ConnectionID] = true
			g.Connections = append(g.Connections, a.ConnectionID)
		}
		g.Automations = append(g.Automations, a)
	}

	groups := make([]models.VendorGroup, 0, len(order))
	for _, vendor := range order {
		g := byVendor[vendor]
		sort.Strings(g.Connections)
		groups = append(groups, *g)
	}
	sort.Slice(groups, func(i, j int) bool {
		if groups[i].MaxRiskScore != groups[j].MaxRiskScore {
			return groups[i].MaxRiskScore > groups[j].MaxRiskScore
		}
		return groups[i].Vendor < groups[j].Vendor
	})
	return groups, nil
}

func levelRank(l models.RiskLevel) int {
	switch l {
	case models.RiskCritical:
		return 4
	case models.RiskHigh:
		return 3
	case models.RiskMedium:
		return 2
	case models.RiskLow:
		return 1
	}
	return 0
}
