package inventory

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/darrentmorgan/singura-sub016/internal/store"
	"github.com/darrentmorgan/singura-sub016/pkg/models"
)

func seedConnection(t *testing.T, st store.Store, id string, platform models.PlatformType) *models.PlatformConnection {
	t.Helper()
	conn := &models.PlatformConnection{
		ID:             id,
		OrganizationID: "org-1",
		PlatformType:   platform,
		DisplayName:    id,
		Status:         models.ConnectionActive,
	}
	if err := st.CreateConnection(context.Background(), conn); err != nil {
		t.Fatalf("CreateConnection(%s): %v", id, err)
	}
	return conn
}

func seedAutomation(t *testing.T, st store.Store, a models.Automation) *models.Automation {
	t.Helper()
	a.OrganizationID = "org-1"
	saved, _, err := st.UpsertAutomation(context.Background(), &a)
	if err != nil {
		t.Fatalf("UpsertAutomation(%s): %v", a.ExternalID, err)
	}
	return saved
}

// ─── List ───────────────────────────────────────────────────

type probeStore struct {
	store.Store
	listCalls int32
}

func (p *probeStore) ListAutomations(ctx context.Context, orgID string, filter models.AutomationFilter) (*models.AutomationPage, error) {
	atomic.AddInt32(&p.listCalls, 1)
	return p.Store.ListAutomations(ctx, orgID, filter)
}

func TestService_List_RejectsInvalidFilterBeforeQuery(t *testing.T) {
	probe := &probeStore{Store: store.NewMemoryStore()}
	svc := NewService(probe)

	_, err := svc.List(context.Background(), "org-1", models.AutomationFilter{PlatformType: "friendster"})

	var invalid *models.InvalidFilterError
	if !errors.As(err, &invalid) {
		t.Fatalf("List error = %v, want InvalidFilterError", err)
	}
	if invalid.Field != "platform_type" {
		t.Errorf("rejected field = %q, want platform_type", invalid.Field)
	}
	if got := atomic.LoadInt32(&probe.listCalls); got != 0 {
		t.Errorf("store queried %d times despite invalid filter, want 0", got)
	}
}

func TestService_List_AppliesPaginationDefaults(t *testing.T) {
	st := store.NewMemoryStore()
	seedConnection(t, st, "conn-1", models.PlatformSlack)
	seedAutomation(t, st, models.Automation{ConnectionID: "conn-1", ExternalID: "A1", Name: "Bot", AutomationType: models.AutomationBot, Status: models.StatusActive})

	svc := NewService(st)
	page, err := svc.List(context.Background(), "org-1", models.AutomationFilter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if page.Page != 1 || page.Limit != models.DefaultPageLimit {
		t.Errorf("page/limit = %d/%d, want 1/%d", page.Page, page.Limit, models.DefaultPageLimit)
	}
	if page.Total != 1 || len(page.Items) != 1 {
		t.Errorf("total=%d items=%d, want 1/1", page.Total, len(page.Items))
	}
}

func TestService_List_KeepsRowsWithoutConnection(t *testing.T) {
	st := store.NewMemoryStore()
	seedConnection(t, st, "conn-1", models.PlatformSlack)
	seedAutomation(t, st, models.Automation{ConnectionID: "conn-1", ExternalID: "A1", Name: "Orphan", AutomationType: models.AutomationBot, Status: models.StatusActive})
	if err := st.DeleteConnection(context.Background(), "conn-1"); err != nil {
		t.Fatalf("DeleteConnection: %v", err)
	}

	svc := NewService(st)
	page, err := svc.List(context.Background(), "org-1", models.AutomationFilter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if page.Total != 1 {
		t.Fatalf("Total = %d, want orphaned row kept", page.Total)
	}
	if page.Items[0].PlatformType != nil {
		t.Errorf("PlatformType = %v, want nil after connection deletion", *page.Items[0].PlatformType)
	}
}

func TestService_List_OrderedByLastSeenDescending(t *testing.T) {
	st := store.NewMemoryStore()
	seedConnection(t, st, "conn-1", models.PlatformSlack)
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	seedAutomation(t, st, models.Automation{ConnectionID: "conn-1", ExternalID: "old", Name: "Old", AutomationType: models.AutomationBot, Status: models.StatusActive, LastSeenAt: base})
	seedAutomation(t, st, models.Automation{ConnectionID: "conn-1", ExternalID: "new", Name: "New", AutomationType: models.AutomationBot, Status: models.StatusActive, LastSeenAt: base.Add(time.Hour)})

	svc := NewService(st)
	page, err := svc.List(context.Background(), "org-1", models.AutomationFilter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(page.Items) != 2 {
		t.Fatalf("items = %d, want 2", len(page.Items))
	}
	if page.Items[0].ExternalID != "new" || page.Items[1].ExternalID != "old" {
		t.Errorf("order = [%s, %s], want [new, old]", page.Items[0].ExternalID, page.Items[1].ExternalID)
	}
}

// ─── Stats ──────────────────────────────────────────────────

func TestService_Stats(t *testing.T) {
	st := store.NewMemoryStore()
	seedConnection(t, st, "conn-slack", models.PlatformSlack)
	seedConnection(t, st, "conn-google", models.PlatformGoogle)

	seedAutomation(t, st, models.Automation{ConnectionID: "conn-slack", ExternalID: "A1", Name: "GPT Bot", AutomationType: models.AutomationBot, Status: models.StatusActive, IsAIPlatform: true, AIPlatformName: "OpenAI / ChatGPT", RiskScore: 85, RiskLevel: models.RiskHigh})
	seedAutomation(t, st, models.Automation{ConnectionID: "conn-slack", ExternalID: "A2", Name: "Webhook", AutomationType: models.AutomationWebhook, Status: models.StatusActive, RiskScore: 30, RiskLevel: models.RiskLow})
	seedAutomation(t, st, models.Automation{ConnectionID: "conn-google", ExternalID: "A3", Name: "Apps Script", AutomationType: models.AutomationScript, Status: models.StatusActive, RiskScore: 45, RiskLevel: models.RiskMedium})

	svc := NewService(st)
	stats, err := svc.Stats(context.Background(), "org-1")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Total != 3 {
		t.Errorf("Total = %d, want 3", stats.Total)
	}
	if stats.AICount != 1 {
		t.Errorf("AICount = %d, want 1", stats.AICount)
	}
	if stats.ByPlatform["slack"] != 2 || stats.ByPlatform["google_workspace"] != 1 {
		t.Errorf("ByPlatform = %v, want slack:2 google_workspace:1", stats.ByPlatform)
	}
	if stats.ByRiskLevel["high"] != 1 || stats.ByRiskLevel["low"] != 1 || stats.ByRiskLevel["medium"] != 1 {
		t.Errorf("ByRiskLevel = %v, want one of each", stats.ByRiskLevel)
	}
	if stats.ByType["bot"] != 1 || stats.ByType["webhook"] != 1 || stats.ByType["script"] != 1 {
		t.Errorf("ByType = %v, want one of each", stats.ByType)
	}
}

func TestService_Stats_OrphansCountUnderUnknownPlatform(t *testing.T) {
	st := store.NewMemoryStore()
	seedConnection(t, st, "conn-1", models.PlatformSlack)
	seedAutomation(t, st, models.Automation{ConnectionID: "conn-1", ExternalID: "A1", Name: "Orphan", AutomationType: models.AutomationBot, Status: models.StatusActive})
	if err := st.DeleteConnection(context.Background(), "conn-1"); err != nil {
		t.Fatalf("DeleteConnection: %v", err)
	}

	svc := NewService(st)
	stats, err := svc.Stats(context.Background(), "org-1")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.ByPlatform["unknown"] != 1 {
		t.Errorf("ByPlatform = %v, want orphan under unknown", stats.ByPlatform)
	}
}

// ─── Vendors ────────────────────────────────────────────────

func TestService_Vendors_GroupsAIByVendor(t *testing.T) {
	st := store.NewMemoryStore()
	seedConnection(t, st, "conn-1", models.PlatformSlack)
	seedConnection(t, st, "conn-2", models.PlatformGoogle)

	seedAutomation(t, st, models.Automation{ConnectionID: "conn-1", ExternalID: "A1", Name: "GPT Bot", AutomationType: models.AutomationBot, Status: models.StatusActive, IsAIPlatform: true, AIPlatformName: "OpenAI / ChatGPT", RiskScore: 85, RiskLevel: models.RiskHigh})
	seedAutomation(t, st, models.Automation{ConnectionID: "conn-2", ExternalID: "A2", Name: "GPT Script", AutomationType: models.AutomationScript, Status: models.StatusActive, IsAIPlatform: true, AIPlatformName: "OpenAI / ChatGPT", RiskScore: 95, RiskLevel: models.RiskCritical})
	seedAutomation(t, st, models.Automation{ConnectionID: "conn-1", ExternalID: "A3", Name: "Claude Bot", AutomationType: models.AutomationBot, Status: models.StatusActive, IsAIPlatform: true, AIPlatformName: "Anthropic / Claude", RiskScore: 85, RiskLevel: models.RiskHigh})
	seedAutomation(t, st, models.Automation{ConnectionID: "conn-1", ExternalID: "A4", Name: "Plain Webhook", AutomationType: models.AutomationWebhook, Status: models.StatusActive, RiskScore: 30, RiskLevel: models.RiskLow})

	svc := NewService(st)

	groups, err := svc.Vendors(context.Background(), "org-1", false)
	if err != nil {
		t.Fatalf("Vendors: %v", err)
	}
	if len(groups) != 2 {
		t.Fatalf("groups = %d, want 2 AI vendors (unmatched excluded)", len(groups))
	}

	openai := groups[0]
	if openai.Vendor != "OpenAI / ChatGPT" {
		t.Fatalf("groups[0].Vendor = %q, want the riskiest vendor first", openai.Vendor)
	}
	if openai.Count != 2 {
		t.Errorf("OpenAI count = %d, want 2", openai.Count)
	}
	if openai.MaxRiskScore != 95 || openai.RiskLevel != models.RiskCritical {
		t.Errorf("OpenAI max risk = (%d, %s), want (95, critical)", openai.MaxRiskScore, openai.RiskLevel)
	}
	wantConns := []string{"conn-1", "conn-2"}
	if len(openai.Connections) != 2 || openai.Connections[0] != wantConns[0] || openai.Connections[1] != wantConns[1] {
		t.Errorf("OpenAI connections = %v, want %v", openai.Connections, wantConns)
	}
	if len(openai.Automations) != 2 || openai.Automations[0].RiskScore < openai.Automations[1].RiskScore {
		t.Errorf("OpenAI members not ordered by risk: %v", openai.Automations)
	}

	if groups[1].Vendor != "Anthropic / Claude" {
		t.Errorf("groups[1].Vendor = %q, want Anthropic / Claude", groups[1].Vendor)
	}
}

func TestService_Vendors_IncludeUnmatchedGroupsByName(t *testing.T) {
	st := store.NewMemoryStore()
	seedConnection(t, st, "conn-1", models.PlatformSlack)
	seedAutomation(t, st, models.Automation{ConnectionID: "conn-1", ExternalID: "A1", Name: "GPT Bot", AutomationType: models.AutomationBot, Status: models.StatusActive, IsAIPlatform: true, AIPlatformName: "OpenAI / ChatGPT", RiskScore: 85, RiskLevel: models.RiskHigh})
	seedAutomation(t, st, models.Automation{ConnectionID: "conn-1", ExternalID: "A4", Name: "Plain Webhook", AutomationType: models.AutomationWebhook, Status: models.StatusActive, RiskScore: 30, RiskLevel: models.RiskLow})

	svc := NewService(st)
	groups, err := svc.Vendors(context.Background(), "org-1", true)
	if err != nil {
		t.Fatalf("Vendors: %v", err)
	}
	if len(groups) != 2 {
		t.Fatalf("groups = %d, want AI vendor plus unmatched name group", len(groups))
	}
	if groups[1].Vendor != "Plain Webhook" {
		t.Errorf("unmatched group = %q, want grouped under its own name", groups[1].Vendor)
	}
}

func TestService_Vendors_SkipsInactiveRows(t *testing.T) {
	st := store.NewMemoryStore()
	seedConnection(t, st, "conn-1", models.PlatformSlack)
	seedAutomation(t, st, models.Automation{ConnectionID: "conn-1", ExternalID: "A1", Name: "GPT Bot", AutomationType: models.AutomationBot, Status: models.StatusActive, IsAIPlatform: true, AIPlatformName: "OpenAI / ChatGPT", RiskScore: 85, RiskLevel: models.RiskHigh})

	// One sweep with a threshold of 1 deactivates everything unseen.
	if _, err := st.BumpMissedRuns(context.Background(), "conn-1", time.Now().UTC().Add(time.Minute), 1); err != nil {
		t.Fatalf("BumpMissedRuns: %v", err)
	}

	svc := NewService(st)
	groups, err := svc.Vendors(context.Background(), "org-1", true)
	if err != nil {
		t.Fatalf("Vendors: %v", err)
	}
	if len(groups) != 0 {
		t.Errorf("groups = %d, want inactive rows excluded", len(groups))
	}
}
