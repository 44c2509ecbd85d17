package store_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/darrentmorgan/singura-sub016/internal/store"
	"github.com/darrentmorgan/singura-sub016/pkg/models"
)

// newTestStore creates a fresh in-memory store for tests.
func newTestStore(t *testing.T) store.Store {
	t.Helper()
	// Use a temp dir so tests don't touch a developer's data dir.
	dir := t.TempDir()
	os.Setenv("SINGURA_DATA_DIR", dir)
	defer os.Unsetenv("SINGURA_DATA_DIR")
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })
	return s
}

func seedConnection(t *testing.T, s store.Store, orgID, workspaceID string, platform models.PlatformType) *models.PlatformConnection {
	t.Helper()
	conn := &models.PlatformConnection{
		OrganizationID:      orgID,
		PlatformType:        platform,
		PlatformWorkspaceID: workspaceID,
		DisplayName:         workspaceID,
		Status:              models.ConnectionActive,
	}
	if err := s.CreateConnection(context.Background(), conn); err != nil {
		t.Fatalf("CreateConnection() error = %v", err)
	}
	return conn
}

// ─── Organizations ──────────────────────────────────────────

func TestCreateAndGetOrganization(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	org := &models.Organization{Slug: "acme", Name: "Acme Corp", PlanTier: models.PlanPro}
	if err := s.CreateOrganization(ctx, org); err != nil {
		t.Fatalf("CreateOrganization() error = %v", err)
	}
	if org.ID == "" {
		t.Fatal("CreateOrganization() did not assign an ID")
	}

	got, err := s.GetOrganizationBySlug(ctx, "acme")
	if err != nil {
		t.Fatalf("GetOrganizationBySlug() error = %v", err)
	}
	if got.Name != "Acme Corp" {
		t.Errorf("GetOrganizationBySlug().Name = %q, want %q", got.Name, "Acme Corp")
	}
}

func TestCreateOrganization_DuplicateSlug(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateOrganization(ctx, &models.Organization{Slug: "dup"}); err != nil {
		t.Fatalf("CreateOrganization() first call error = %v", err)
	}
	err := s.CreateOrganization(ctx, &models.Organization{Slug: "dup"})
	var conflict *store.ErrConflict
	if !errors.As(err, &conflict) {
		t.Errorf("CreateOrganization() duplicate slug error = %v, want ErrConflict", err)
	}
}

// ─── Connections ────────────────────────────────────────────

func TestCreateConnection_DuplicateWorkspace(t *testing.T) {
	s := newTestStore(t)
	seedConnection(t, s, "org-1", "T123", models.PlatformSlack)

	err := s.CreateConnection(context.Background(), &models.PlatformConnection{
		OrganizationID:      "org-1",
		PlatformType:        models.PlatformSlack,
		PlatformWorkspaceID: "T123",
	})
	var conflict *store.ErrConflict
	if !errors.As(err, &conflict) {
		t.Errorf("CreateConnection() duplicate workspace error = %v, want ErrConflict", err)
	}
}

func TestUpdateConnectionStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conn := seedConnection(t, s, "org-1", "T123", models.PlatformSlack)

	if err := s.UpdateConnectionStatus(ctx, conn.ID, models.ConnectionError); err != nil {
		t.Fatalf("UpdateConnectionStatus() error = %v", err)
	}
	got, _ := s.GetConnection(ctx, conn.ID)
	if got.Status != models.ConnectionError {
		t.Errorf("Status = %q, want %q", got.Status, models.ConnectionError)
	}
}

func TestExpireConnections(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	conn := &models.PlatformConnection{
		OrganizationID:      "org-1",
		PlatformType:        models.PlatformGoogle,
		PlatformWorkspaceID: "C1",
		Status:              models.ConnectionActive,
		ExpiresAt:           &past,
	}
	if err := s.CreateConnection(ctx, conn); err != nil {
		t.Fatalf("CreateConnection() error = %v", err)
	}
	seedConnection(t, s, "org-1", "C2", models.PlatformSlack) // no expiry

	n, err := s.ExpireConnections(ctx, time.Now())
	if err != nil {
		t.Fatalf("ExpireConnections() error = %v", err)
	}
	if n != 1 {
		t.Errorf("ExpireConnections() = %d, want 1", n)
	}
	got, _ := s.GetConnection(ctx, conn.ID)
	if got.Status != models.ConnectionExpired {
		t.Errorf("Status = %q, want %q", got.Status, models.ConnectionExpired)
	}
}

// ─── Credential rows ────────────────────────────────────────

func TestCredentialRowRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	row := &store.CredentialRow{
		ConnectionID: "conn-1",
		Ciphertext:   []byte{0x01, 0x02, 0x03},
		KeyID:        "k1",
	}
	if err := s.PutCredentialRow(ctx, row); err != nil {
		t.Fatalf("PutCredentialRow() error = %v", err)
	}

	got, err := s.GetCredentialRow(ctx, "conn-1")
	if err != nil {
		t.Fatalf("GetCredentialRow() error = %v", err)
	}
	if string(got.Ciphertext) != string(row.Ciphertext) {
		t.Errorf("Ciphertext = %v, want %v", got.Ciphertext, row.Ciphertext)
	}
	if got.KeyID != "k1" {
		t.Errorf("KeyID = %q, want %q", got.KeyID, "k1")
	}

	if err := s.DeleteCredentialRow(ctx, "conn-1"); err != nil {
		t.Fatalf("DeleteCredentialRow() error = %v", err)
	}
	_, err = s.GetCredentialRow(ctx, "conn-1")
	var notFound *store.ErrNotFound
	if !errors.As(err, &notFound) {
		t.Errorf("GetCredentialRow() after delete error = %v, want ErrNotFound", err)
	}
}

// ─── Automation upsert ──────────────────────────────────────

func TestUpsertAutomation_CreateThenUpdate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conn := seedConnection(t, s, "org-1", "T123", models.PlatformSlack)

	first := &models.Automation{
		OrganizationID: "org-1",
		ConnectionID:   conn.ID,
		ExternalID:     "A111",
		Name:           "Deploy Bot",
		AutomationType: models.AutomationBot,
		Status:         models.StatusActive,
		Permissions:    []string{"chat:write"},
		RiskScore:      30,
		RiskLevel:      models.RiskLow,
	}
	stored, created, err := s.UpsertAutomation(ctx, first)
	if err != nil {
		t.Fatalf("UpsertAutomation() error = %v", err)
	}
	if !created {
		t.Error("first UpsertAutomation() created = false, want true")
	}
	if stored.ID == "" {
		t.Fatal("UpsertAutomation() did not assign an ID")
	}
	if stored.FirstDiscoveredAt.IsZero() || !stored.FirstDiscoveredAt.Equal(stored.LastSeenAt) {
		t.Errorf("first observation: first_discovered_at = %v, last_seen_at = %v, want equal",
			stored.FirstDiscoveredAt, stored.LastSeenAt)
	}

	// Re-observation: same identity, refreshed fields.
	second := &models.Automation{
		OrganizationID: "org-1",
		ConnectionID:   conn.ID,
		ExternalID:     "A111",
		Name:           "Deploy Bot v2",
		AutomationType: models.AutomationBot,
		Status:         models.StatusActive,
		Permissions:    []string{"chat:write", "files:read"},
		RiskScore:      45,
		RiskLevel:      models.RiskMedium,
		LastSeenAt:     time.Now().Add(time.Minute).UTC(),
	}
	updated, created, err := s.UpsertAutomation(ctx, second)
	if err != nil {
		t.Fatalf("UpsertAutomation() second call error = %v", err)
	}
	if created {
		t.Error("second UpsertAutomation() created = true, want false")
	}
	if updated.ID != stored.ID {
		t.Errorf("re-observation changed ID: %q → %q", stored.ID, updated.ID)
	}
	if !updated.FirstDiscoveredAt.Equal(stored.FirstDiscoveredAt) {
		t.Errorf("re-observation changed first_discovered_at: %v → %v",
			stored.FirstDiscoveredAt, updated.FirstDiscoveredAt)
	}
	if updated.Name != "Deploy Bot v2" {
		t.Errorf("Name = %q, want %q", updated.Name, "Deploy Bot v2")
	}
	if !updated.LastSeenAt.After(stored.LastSeenAt) {
		t.Errorf("last_seen_at did not advance: %v → %v", stored.LastSeenAt, updated.LastSeenAt)
	}
	if updated.MissedRuns != 0 || !updated.IsActive {
		t.Errorf("re-observation: missed_runs = %d, is_active = %v, want 0/true",
			updated.MissedRuns, updated.IsActive)
	}
}

func TestUpsertAutomation_MetadataRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conn := seedConnection(t, s, "org-1", "T123", models.PlatformSlack)

	// Platform metadata arrives with whatever the platform put in it:
	// quoted display names, Windows paths, emoji outside the BMP.
	meta := map[string]interface{}{
		"client_id":   "abc.apps.example.com",
		"counts":      map[string]interface{}{"events": 12},
		"verified":    true,
		"description": `Posts "daily" reports to C:\Users\ops\reports 🚀`,
		"owner":       "деплой-бот 🤖",
		"raw_scope":   "a\tb\nc",
	}
	a := &models.Automation{
		OrganizationID: "org-1",
		ConnectionID:   conn.ID,
		ExternalID:     "A1",
		AutomationType: models.AutomationOAuthApp,
		Metadata:       meta,
	}
	if _, _, err := s.UpsertAutomation(ctx, a); err != nil {
		t.Fatalf("UpsertAutomation() error = %v", err)
	}

	got, err := s.GetAutomationByExternalID(ctx, conn.ID, "A1")
	if err != nil {
		t.Fatalf("GetAutomationByExternalID() error = %v", err)
	}
	wantJSON, _ := json.Marshal(meta)
	gotJSON, _ := json.Marshal(got.Metadata)
	if string(gotJSON) != string(wantJSON) {
		t.Errorf("metadata round trip = %s, want %s", gotJSON, wantJSON)
	}
}

// ─── Inventory listing ──────────────────────────────────────

func seedAutomation(t *testing.T, s store.Store, connID, externalID string, mod func(*models.Automation)) *models.Automation {
	t.Helper()
	a := &models.Automation{
		OrganizationID: "org-1",
		ConnectionID:   connID,
		ExternalID:     externalID,
		Name:           externalID,
		AutomationType: models.AutomationBot,
		Status:         models.StatusActive,
		RiskLevel:      models.RiskLow,
	}
	if mod != nil {
		mod(a)
	}
	stored, _, err := s.UpsertAutomation(context.Background(), a)
	if err != nil {
		t.Fatalf("UpsertAutomation(%s) error = %v", externalID, err)
	}
	return stored
}

func TestListAutomations_FilterAndOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	slack := seedConnection(t, s, "org-1", "T1", models.PlatformSlack)
	google := seedConnection(t, s, "org-1", "G1", models.PlatformGoogle)

	seen := time.Now().UTC().Truncate(time.Second)
	seedAutomation(t, s, slack.ID, "low", func(a *models.Automation) {
		a.RiskScore = 30
		a.LastSeenAt = seen.Add(-2 * time.Hour)
	})
	seedAutomation(t, s, slack.ID, "high", func(a *models.Automation) {
		a.RiskScore = 85
		a.RiskLevel = models.RiskHigh
		a.LastSeenAt = seen.Add(-time.Hour)
	})
	seedAutomation(t, s, google.ID, "ChatGPT Importer", func(a *models.Automation) {
		a.Name = "ChatGPT Importer"
		a.AutomationType = models.AutomationOAuthApp
		a.RiskScore = 85
		a.RiskLevel = models.RiskHigh
		a.LastSeenAt = seen
	})

	page, err := s.ListAutomations(ctx, "org-1", models.AutomationFilter{Page: 1, Limit: 50})
	if err != nil {
		t.Fatalf("ListAutomations() error = %v", err)
	}
	if page.Total != 3 {
		t.Fatalf("Total = %d, want 3", page.Total)
	}
	wantOrder := []string{"ChatGPT Importer", "high", "low"}
	for i, want := range wantOrder {
		if page.Items[i].ExternalID != want {
			t.Errorf("Items[%d] = %q, want %q (most recently seen first)", i, page.Items[i].ExternalID, want)
		}
	}

	bySlack, _ := s.ListAutomations(ctx, "org-1", models.AutomationFilter{
		PlatformType: "slack", Page: 1, Limit: 50,
	})
	if bySlack.Total != 2 {
		t.Errorf("platform_type=slack Total = %d, want 2", bySlack.Total)
	}

	byRisk, _ := s.ListAutomations(ctx, "org-1", models.AutomationFilter{
		RiskLevel: "high", Page: 1, Limit: 50,
	})
	if byRisk.Total != 2 {
		t.Errorf("risk_level=high Total = %d, want 2", byRisk.Total)
	}

	bySearch, _ := s.ListAutomations(ctx, "org-1", models.AutomationFilter{
		Search: "chatgpt", Page: 1, Limit: 50,
	})
	if bySearch.Total != 1 {
		t.Errorf("search=chatgpt Total = %d, want 1", bySearch.Total)
	}

	paged, _ := s.ListAutomations(ctx, "org-1", models.AutomationFilter{Page: 2, Limit: 2})
	if len(paged.Items) != 1 || paged.Total != 3 {
		t.Errorf("page 2 limit 2: items = %d, total = %d, want 1/3", len(paged.Items), paged.Total)
	}
}

func TestListAutomations_ConnectionGone(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conn := seedConnection(t, s, "org-1", "T1", models.PlatformSlack)
	seedAutomation(t, s, conn.ID, "orphan", nil)

	if err := s.DeleteConnection(ctx, conn.ID); err != nil {
		t.Fatalf("DeleteConnection() error = %v", err)
	}

	page, err := s.ListAutomations(ctx, "org-1", models.AutomationFilter{Page: 1, Limit: 50})
	if err != nil {
		t.Fatalf("ListAutomations() error = %v", err)
	}
	if page.Total != 1 {
		t.Fatalf("orphaned automation missing: Total = %d, want 1", page.Total)
	}
	if page.Items[0].PlatformType != nil {
		t.Errorf("PlatformType = %v, want nil after connection deletion", *page.Items[0].PlatformType)
	}

	// A platform filter behaves like an inner join: null never matches.
	filtered, _ := s.ListAutomations(ctx, "org-1", models.AutomationFilter{
		PlatformType: "slack", Page: 1, Limit: 50,
	})
	if filtered.Total != 0 {
		t.Errorf("platform filter matched orphaned row: Total = %d, want 0", filtered.Total)
	}
}

func TestListAutomations_InactiveHiddenByDefault(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conn := seedConnection(t, s, "org-1", "T1", models.PlatformSlack)
	seedAutomation(t, s, conn.ID, "a1", nil)
	seedAutomation(t, s, conn.ID, "a2", nil)

	// Age both out via missed runs.
	if _, err := s.BumpMissedRuns(ctx, conn.ID, time.Now().Add(time.Hour), 1); err != nil {
		t.Fatalf("BumpMissedRuns() error = %v", err)
	}

	page, _ := s.ListAutomations(ctx, "org-1", models.AutomationFilter{Page: 1, Limit: 50})
	if page.Total != 0 {
		t.Errorf("default listing shows inactive rows: Total = %d, want 0", page.Total)
	}

	all, _ := s.ListAutomations(ctx, "org-1", models.AutomationFilter{IncludeInactive: true, Page: 1, Limit: 50})
	if all.Total != 2 {
		t.Errorf("include_inactive Total = %d, want 2", all.Total)
	}

	inactive := false
	onlyInactive, _ := s.ListAutomations(ctx, "org-1", models.AutomationFilter{IsActive: &inactive, Page: 1, Limit: 50})
	if onlyInactive.Total != 2 {
		t.Errorf("is_active=false Total = %d, want 2", onlyInactive.Total)
	}
}

func TestBumpMissedRuns_Threshold(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conn := seedConnection(t, s, "org-1", "T1", models.PlatformSlack)
	a := seedAutomation(t, s, conn.ID, "fading", nil)

	future := time.Now().Add(time.Hour)
	for i := 1; i <= 2; i++ {
		n, err := s.BumpMissedRuns(ctx, conn.ID, future, 3)
		if err != nil {
			t.Fatalf("BumpMissedRuns() run %d error = %v", i, err)
		}
		if n != 0 {
			t.Errorf("run %d deactivated %d rows, want 0", i, n)
		}
	}

	n, err := s.BumpMissedRuns(ctx, conn.ID, future, 3)
	if err != nil {
		t.Fatalf("BumpMissedRuns() final run error = %v", err)
	}
	if n != 1 {
		t.Errorf("final run deactivated %d rows, want 1", n)
	}

	got, _ := s.GetAutomation(ctx, a.ID)
	if got.IsActive {
		t.Error("automation still active after stale threshold")
	}
	if got.MissedRuns != 3 {
		t.Errorf("MissedRuns = %d, want 3", got.MissedRuns)
	}
}

// ─── Stats ──────────────────────────────────────────────────

func TestAutomationStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conn := seedConnection(t, s, "org-1", "T1", models.PlatformSlack)

	seedAutomation(t, s, conn.ID, "bot-1", nil)
	seedAutomation(t, s, conn.ID, "app-1", func(a *models.Automation) {
		a.AutomationType = models.AutomationOAuthApp
		a.IsAIPlatform = true
		a.RiskLevel = models.RiskHigh
	})

	stats, err := s.AutomationStats(ctx, "org-1")
	if err != nil {
		t.Fatalf("AutomationStats() error = %v", err)
	}
	if stats.Total != 2 {
		t.Errorf("Total = %d, want 2", stats.Total)
	}
	if stats.ByType["bot"] != 1 || stats.ByType["oauth_app"] != 1 {
		t.Errorf("ByType = %v, want bot:1 oauth_app:1", stats.ByType)
	}
	if stats.AICount != 1 {
		t.Errorf("AICount = %d, want 1", stats.AICount)
	}
	if stats.ByPlatform["slack"] != 2 {
		t.Errorf("ByPlatform = %v, want slack:2", stats.ByPlatform)
	}
}

// ─── Discovery runs ─────────────────────────────────────────

func TestRunLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := &models.DiscoveryRun{
		ID:             "run-1",
		ConnectionID:   "conn-1",
		OrganizationID: "org-1",
		Status:         models.RunRunning,
		StartedAt:      time.Now().UTC(),
	}
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun() error = %v", err)
	}

	done := time.Now().UTC()
	run.Status = models.RunCompleted
	run.CompletedAt = &done
	run.AutomationsFound = 7
	if err := s.UpdateRun(ctx, run); err != nil {
		t.Fatalf("UpdateRun() error = %v", err)
	}

	latest, err := s.LatestRunForConnection(ctx, "conn-1")
	if err != nil {
		t.Fatalf("LatestRunForConnection() error = %v", err)
	}
	if latest.Status != models.RunCompleted || latest.AutomationsFound != 7 {
		t.Errorf("latest run = %+v, want completed with 7 found", latest)
	}
}

func TestDeleteRunsBefore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour).UTC()
	oldDone := old.Add(time.Minute)
	s.CreateRun(ctx, &models.DiscoveryRun{
		ID: "old", ConnectionID: "c", OrganizationID: "o",
		Status: models.RunCompleted, StartedAt: old, CompletedAt: &oldDone,
	})
	s.CreateRun(ctx, &models.DiscoveryRun{
		ID: "fresh", ConnectionID: "c", OrganizationID: "o",
		Status: models.RunRunning, StartedAt: time.Now().UTC(),
	})

	n, err := s.DeleteRunsBefore(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("DeleteRunsBefore() error = %v", err)
	}
	if n != 1 {
		t.Errorf("DeleteRunsBefore() = %d, want 1", n)
	}
	if _, err := s.GetRun(ctx, "fresh"); err != nil {
		t.Errorf("running run was purged: %v", err)
	}
}
