package discovery

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/darrentmorgan/singura-sub016/internal/aidetect"
	"github.com/darrentmorgan/singura-sub016/internal/collector"
	"github.com/darrentmorgan/singura-sub016/internal/config"
	"github.com/darrentmorgan/singura-sub016/internal/events"
	"github.com/darrentmorgan/singura-sub016/internal/risk"
	"github.com/darrentmorgan/singura-sub016/internal/store"
	"github.com/darrentmorgan/singura-sub016/pkg/contracts"
	"github.com/darrentmorgan/singura-sub016/pkg/models"
)

// ─── Fixtures ───────────────────────────────────────────────

type fakeCreds struct {
	cred models.Credential
	err  error
}

func (f fakeCreds) Put(context.Context, string, models.Credential) error { return nil }
func (f fakeCreds) Get(context.Context, string) (models.Credential, error) {
	return f.cred, f.err
}
func (f fakeCreds) GetValid(context.Context, string) (models.Credential, error) {
	return f.cred, f.err
}
func (f fakeCreds) Delete(context.Context, string) error { return nil }

type fakeAdapter struct {
	platform models.PlatformType
	result   *collector.Result
	err      error

	// block, when set, holds Discover until the session context dies.
	block   bool
	started chan struct{}
}

func (f *fakeAdapter) PlatformType() models.PlatformType { return f.platform }

func (f *fakeAdapter) Discover(ctx context.Context, _ *models.PlatformConnection, _ models.Credential) (*collector.Result, error) {
	if f.started != nil {
		select {
		case f.started <- struct{}{}:
		default:
		}
	}
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &collector.Result{}, nil
}

type fixture struct {
	store *store.MemoryStore
	bus   *events.Bus
	orch  *Orchestrator
	conn  *models.PlatformConnection
}

func newFixture(t *testing.T, adapter collector.Adapter, creds contracts.CredentialService, cfg config.DiscoveryConfig) *fixture {
	t.Helper()

	st := store.NewMemoryStore()
	conn := testConnection()
	if err := st.CreateConnection(context.Background(), conn); err != nil {
		t.Fatalf("CreateConnection: %v", err)
	}

	reg := collector.NewRegistry()
	if adapter != nil {
		reg.Register(adapter)
	}

	cat, err := aidetect.LoadCatalog("")
	if err != nil {
		t.Fatalf("LoadCatalog: %v", err)
	}

	bus := events.NewBus()
	orch := NewOrchestrator(Deps{
		Store:     st,
		Creds:     creds,
		Adapters:  reg,
		Detector:  aidetect.NewDetector(cat, 0),
		Scorer:    risk.NewScorer(0),
		Persister: NewPersister(st, 8),
		Bus:       bus,
	}, cfg)

	return &fixture{store: st, bus: bus, orch: orch, conn: conn}
}

func quickConfig() config.DiscoveryConfig {
	return config.DiscoveryConfig{
		SessionTimeout:      5 * time.Second,
		SubmethodTimeout:    time.Second,
		MaxCandidateBacklog: 16,
		StaleRuns:           3,
	}
}

// collectUntilTerminal drains the subscription until the run's terminal
// event arrives.
func collectUntilTerminal(t *testing.T, ch <-chan models.AutomationEvent) []models.AutomationEvent {
	t.Helper()
	var got []models.AutomationEvent
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-ch:
			got = append(got, ev)
			if ev.Kind.Terminal() {
				return got
			}
		case <-deadline:
			t.Fatalf("no terminal event within 5s; saw %d events", len(got))
		}
	}
}

// startWhenFree retries Start through the small window between the
// terminal event and the session goroutine releasing its reservation.
func startWhenFree(t *testing.T, orch *Orchestrator, connectionID string) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		runID, err := orch.Start(context.Background(), connectionID)
		if err == nil {
			return runID
		}
		var conflict *store.ErrConflict
		if !errors.As(err, &conflict) || time.Now().After(deadline) {
			t.Fatalf("Start: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func resultWithCandidates(candidates ...models.DiscoveredAutomation) *collector.Result {
	return &collector.Result{
		Candidates:      candidates,
		SubMethodErrors: map[string]error{},
		SubMethodsRun:   1,
	}
}

// ─── Sessions ───────────────────────────────────────────────

func TestOrchestrator_HappyPath(t *testing.T) {
	adapter := &fakeAdapter{
		platform: models.PlatformSlack,
		result: resultWithCandidates(
			models.DiscoveredAutomation{ExternalID: "A1", Name: "ChatGPT Importer", Type: models.AutomationBot, Status: models.StatusActive, SubMethod: "apps"},
			models.DiscoveredAutomation{ExternalID: "A2", Name: "Build Notifier", Type: models.AutomationBot, Status: models.StatusActive, SubMethod: "apps"},
			models.DiscoveredAutomation{ExternalID: "A3", Name: "Standup Webhook", Type: models.AutomationWebhook, Status: models.StatusActive, SubMethod: "webhooks"},
		),
	}
	f := newFixture(t, adapter, fakeCreds{cred: models.Credential{AccessToken: "xoxb-1"}}, quickConfig())

	ch, unsubscribe := f.bus.Subscribe(f.conn.ID)
	defer unsubscribe()

	runID, err := f.orch.Start(context.Background(), f.conn.ID)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	got := collectUntilTerminal(t, ch)

	if got[0].Kind != models.EventDiscoveryStarted {
		t.Errorf("first event = %s, want discovery.started", got[0].Kind)
	}
	last := got[len(got)-1]
	if last.Kind != models.EventDiscoveryCompleted {
		t.Errorf("terminal event = %s, want discovery.completed", last.Kind)
	}
	if last.Progress != 100 {
		t.Errorf("terminal progress = %d, want 100", last.Progress)
	}

	terminals, added := 0, 0
	lastPct := -1
	for _, ev := range got {
		if ev.Kind.Terminal() {
			terminals++
		}
		if ev.Kind == models.EventAutomationAdded {
			added++
			if ev.Automation == nil {
				t.Error("automation.added event without payload")
			}
		}
		if ev.Progress < lastPct {
			t.Errorf("progress went backwards: %d after %d (%s)", ev.Progress, lastPct, ev.Kind)
		}
		lastPct = ev.Progress
		if ev.ConnectionID != f.conn.ID || ev.RunID != runID {
			t.Errorf("event addressed to (%q, %q), want (%q, %q)", ev.ConnectionID, ev.RunID, f.conn.ID, runID)
		}
	}
	if terminals != 1 {
		t.Errorf("terminal events = %d, want exactly 1", terminals)
	}
	if added != 3 {
		t.Errorf("automation.added events = %d, want 3", added)
	}

	run, err := f.orch.Status(context.Background(), runID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if run.Status != models.RunCompleted {
		t.Errorf("run status = %s, want completed", run.Status)
	}
	if run.AutomationsFound != 3 {
		t.Errorf("AutomationsFound = %d, want 3", run.AutomationsFound)
	}
	if run.ErrorsCount != 0 {
		t.Errorf("ErrorsCount = %d, want 0", run.ErrorsCount)
	}
	if run.CompletedAt == nil || run.DurationMs < 0 {
		t.Errorf("run bookkeeping incomplete: completed_at=%v duration_ms=%d", run.CompletedAt, run.DurationMs)
	}

	ai, err := f.store.GetAutomationByExternalID(context.Background(), f.conn.ID, "A1")
	if err != nil {
		t.Fatalf("GetAutomationByExternalID: %v", err)
	}
	if !ai.IsAIPlatform {
		t.Error("ChatGPT Importer not flagged as AI platform")
	}
	if ai.RiskScore != risk.DefaultAIPlatformScore {
		t.Errorf("AI automation RiskScore = %d, want %d", ai.RiskScore, risk.DefaultAIPlatformScore)
	}

	conn, err := f.store.GetConnection(context.Background(), f.conn.ID)
	if err != nil {
		t.Fatalf("GetConnection: %v", err)
	}
	if conn.LastSyncAt == nil {
		t.Error("connection LastSyncAt not stamped after completed run")
	}
}

func TestOrchestrator_StartUnknownConnection(t *testing.T) {
	f := newFixture(t, nil, fakeCreds{}, quickConfig())

	_, err := f.orch.Start(context.Background(), "missing")
	var notFound *store.ErrNotFound
	if !errors.As(err, &notFound) {
		t.Fatalf("Start(missing) error = %v, want ErrNotFound", err)
	}
}

func TestOrchestrator_ConcurrentStartRejected(t *testing.T) {
	adapter := &fakeAdapter{platform: models.PlatformSlack, block: true, started: make(chan struct{}, 4)}
	f := newFixture(t, adapter, fakeCreds{cred: models.Credential{AccessToken: "tok"}}, quickConfig())

	ch, unsubscribe := f.bus.Subscribe(f.conn.ID)
	defer unsubscribe()

	runID, err := f.orch.Start(context.Background(), f.conn.ID)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-adapter.started

	_, err = f.orch.Start(context.Background(), f.conn.ID)
	var conflict *store.ErrConflict
	if !errors.As(err, &conflict) {
		t.Fatalf("second Start error = %v, want ErrConflict", err)
	}
	if conflict.Key != runID {
		t.Errorf("conflict names run %q, want active run %q", conflict.Key, runID)
	}

	if err := f.orch.Cancel(runID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	collectUntilTerminal(t, ch)

	// The connection frees up once the session winds down.
	startWhenFree(t, f.orch, f.conn.ID)
}

func TestOrchestrator_MissingCredentialFailsRun(t *testing.T) {
	adapter := &fakeAdapter{platform: models.PlatformSlack}
	creds := fakeCreds{err: models.Classify(models.ErrClassAuthentication, "credentials/get", errors.New("no credential for connection"))}
	f := newFixture(t, adapter, creds, quickConfig())

	ch, unsubscribe := f.bus.Subscribe(f.conn.ID)
	defer unsubscribe()

	runID, err := f.orch.Start(context.Background(), f.conn.ID)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	got := collectUntilTerminal(t, ch)
	last := got[len(got)-1]
	if last.Kind != models.EventDiscoveryFailed {
		t.Fatalf("terminal event = %s, want discovery.failed", last.Kind)
	}
	if last.Error != string(models.ErrClassAuthentication) {
		t.Errorf("terminal error category = %q, want authentication", last.Error)
	}

	run, err := f.orch.Status(context.Background(), runID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if run.Status != models.RunFailed {
		t.Errorf("run status = %s, want failed", run.Status)
	}
	if run.ErrorDetails == nil || run.ErrorDetails.Class != models.ErrClassAuthentication {
		t.Errorf("ErrorDetails = %+v, want authentication class", run.ErrorDetails)
	}
	if run.ErrorsCount == 0 {
		t.Error("ErrorsCount = 0, want at least 1 on failed run")
	}

	conn, _ := f.store.GetConnection(context.Background(), f.conn.ID)
	if conn.Status != models.ConnectionError {
		t.Errorf("connection status = %s, want error after auth failure", conn.Status)
	}
}

func TestOrchestrator_ExpiredTokenFailsAsAuthentication(t *testing.T) {
	// Refresh failures surface as network-class errors from the credential
	// store, but a run that cannot authenticate is an authentication
	// failure for reporting purposes.
	creds := fakeCreds{err: models.Classify(models.ErrClassNetwork, "credentials/refresh", errors.New("token endpoint unreachable"))}
	f := newFixture(t, &fakeAdapter{platform: models.PlatformSlack}, creds, quickConfig())

	ch, unsubscribe := f.bus.Subscribe(f.conn.ID)
	defer unsubscribe()

	runID, err := f.orch.Start(context.Background(), f.conn.ID)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	collectUntilTerminal(t, ch)

	run, _ := f.orch.Status(context.Background(), runID)
	if run.ErrorDetails == nil || run.ErrorDetails.Class != models.ErrClassAuthentication {
		t.Errorf("ErrorDetails = %+v, want authentication class", run.ErrorDetails)
	}
}

func TestOrchestrator_NoAdapterFailsInternal(t *testing.T) {
	f := newFixture(t, nil, fakeCreds{cred: models.Credential{AccessToken: "tok"}}, quickConfig())

	ch, unsubscribe := f.bus.Subscribe(f.conn.ID)
	defer unsubscribe()

	runID, err := f.orch.Start(context.Background(), f.conn.ID)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	collectUntilTerminal(t, ch)

	run, _ := f.orch.Status(context.Background(), runID)
	if run.Status != models.RunFailed {
		t.Errorf("run status = %s, want failed", run.Status)
	}
	if run.ErrorDetails == nil || run.ErrorDetails.Class != models.ErrClassInternal {
		t.Errorf("ErrorDetails = %+v, want internal class", run.ErrorDetails)
	}
}

func TestOrchestrator_AllSubMethodsFailedFailsWithMostSevere(t *testing.T) {
	adapter := &fakeAdapter{
		platform: models.PlatformSlack,
		result: &collector.Result{
			SubMethodsRun: 2,
			SubMethodErrors: map[string]error{
				"apps":     models.Classify(models.ErrClassNetwork, "slack/apps", errors.New("connection reset")),
				"webhooks": models.Classify(models.ErrClassRateLimit, "slack/webhooks", errors.New("quota exceeded")),
			},
		},
	}
	f := newFixture(t, adapter, fakeCreds{cred: models.Credential{AccessToken: "tok"}}, quickConfig())

	ch, unsubscribe := f.bus.Subscribe(f.conn.ID)
	defer unsubscribe()

	runID, err := f.orch.Start(context.Background(), f.conn.ID)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	got := collectUntilTerminal(t, ch)
	if got[len(got)-1].Kind != models.EventDiscoveryFailed {
		t.Fatalf("terminal event = %s, want discovery.failed", got[len(got)-1].Kind)
	}

	run, _ := f.orch.Status(context.Background(), runID)
	if run.Status != models.RunFailed {
		t.Errorf("run status = %s, want failed when every sub-method fails", run.Status)
	}
	if run.ErrorsCount != 2 {
		t.Errorf("ErrorsCount = %d, want 2", run.ErrorsCount)
	}
	// rate_limit outranks network.
	if run.ErrorDetails == nil || run.ErrorDetails.Class != models.ErrClassRateLimit {
		t.Errorf("ErrorDetails = %+v, want rate_limit as most severe", run.ErrorDetails)
	}
}

func TestOrchestrator_PartialSubMethodFailureCompletes(t *testing.T) {
	adapter := &fakeAdapter{
		platform: models.PlatformSlack,
		result: &collector.Result{
			Candidates: []models.DiscoveredAutomation{
				{ExternalID: "A1", Name: "Bot", Type: models.AutomationBot, Status: models.StatusActive, SubMethod: "apps"},
			},
			SubMethodsRun: 2,
			SubMethodErrors: map[string]error{
				"webhooks": models.Classify(models.ErrClassNetwork, "slack/webhooks", errors.New("connection reset")),
			},
		},
	}
	f := newFixture(t, adapter, fakeCreds{cred: models.Credential{AccessToken: "tok"}}, quickConfig())

	ch, unsubscribe := f.bus.Subscribe(f.conn.ID)
	defer unsubscribe()

	runID, err := f.orch.Start(context.Background(), f.conn.ID)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	got := collectUntilTerminal(t, ch)
	if got[len(got)-1].Kind != models.EventDiscoveryCompleted {
		t.Fatalf("terminal event = %s, want discovery.completed despite one failed sub-method", got[len(got)-1].Kind)
	}

	run, _ := f.orch.Status(context.Background(), runID)
	if run.Status != models.RunCompleted {
		t.Errorf("run status = %s, want completed", run.Status)
	}
	if run.AutomationsFound != 1 {
		t.Errorf("AutomationsFound = %d, want 1", run.AutomationsFound)
	}
	if run.ErrorsCount != 1 {
		t.Errorf("ErrorsCount = %d, want 1", run.ErrorsCount)
	}
	if run.ErrorDetails == nil || run.ErrorDetails.SubMethod != "webhooks" {
		t.Errorf("ErrorDetails = %+v, want the failing sub-method recorded", run.ErrorDetails)
	}
}

func TestOrchestrator_PermissionWarningsCompleteRun(t *testing.T) {
	adapter := &fakeAdapter{
		platform: models.PlatformSlack,
		result: &collector.Result{
			Warnings:        []string{"audit: scope missing"},
			SubMethodErrors: map[string]error{},
			SubMethodsRun:   2,
			Candidates: []models.DiscoveredAutomation{
				{ExternalID: "A1", Name: "Bot", Type: models.AutomationBot, Status: models.StatusActive, SubMethod: "apps"},
			},
		},
	}
	f := newFixture(t, adapter, fakeCreds{cred: models.Credential{AccessToken: "tok"}}, quickConfig())

	ch, unsubscribe := f.bus.Subscribe(f.conn.ID)
	defer unsubscribe()

	runID, err := f.orch.Start(context.Background(), f.conn.ID)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	collectUntilTerminal(t, ch)

	run, _ := f.orch.Status(context.Background(), runID)
	if run.Status != models.RunCompleted {
		t.Errorf("run status = %s, want completed for permission-degraded coverage", run.Status)
	}
	if run.ErrorsCount != 0 {
		t.Errorf("ErrorsCount = %d, want 0 (permission failures demote to warnings)", run.ErrorsCount)
	}
	if len(run.Warnings) != 1 || !strings.Contains(run.Warnings[0], "scope missing") {
		t.Errorf("Warnings = %v, want the demoted permission failure", run.Warnings)
	}
}

func TestOrchestrator_CancelMarksRunCancelled(t *testing.T) {
	adapter := &fakeAdapter{platform: models.PlatformSlack, block: true, started: make(chan struct{}, 4)}
	f := newFixture(t, adapter, fakeCreds{cred: models.Credential{AccessToken: "tok"}}, quickConfig())

	ch, unsubscribe := f.bus.Subscribe(f.conn.ID)
	defer unsubscribe()

	runID, err := f.orch.Start(context.Background(), f.conn.ID)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-adapter.started

	if err := f.orch.Cancel(runID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	got := collectUntilTerminal(t, ch)
	last := got[len(got)-1]
	if last.Kind != models.EventDiscoveryFailed {
		t.Errorf("terminal event = %s, want discovery.failed", last.Kind)
	}
	if last.Error != "cancelled" {
		t.Errorf("terminal error = %q, want %q", last.Error, "cancelled")
	}

	terminals := 0
	for _, ev := range got {
		if ev.Kind.Terminal() {
			terminals++
		}
	}
	if terminals != 1 {
		t.Errorf("terminal events = %d, want exactly 1", terminals)
	}

	run, err := f.orch.Status(context.Background(), runID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if run.Status != models.RunCancelled {
		t.Errorf("run status = %s, want cancelled", run.Status)
	}
}

func TestOrchestrator_CancelUnknownRun(t *testing.T) {
	f := newFixture(t, nil, fakeCreds{}, quickConfig())

	err := f.orch.Cancel("no-such-run")
	var notFound *store.ErrNotFound
	if !errors.As(err, &notFound) {
		t.Fatalf("Cancel(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestOrchestrator_CancelFinishedRunConflicts(t *testing.T) {
	adapter := &fakeAdapter{platform: models.PlatformSlack, result: resultWithCandidates()}
	f := newFixture(t, adapter, fakeCreds{cred: models.Credential{AccessToken: "tok"}}, quickConfig())

	ch, unsubscribe := f.bus.Subscribe(f.conn.ID)
	defer unsubscribe()

	runID, err := f.orch.Start(context.Background(), f.conn.ID)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	collectUntilTerminal(t, ch)
	startWhenFree(t, f.orch, f.conn.ID) // also proves release happened

	err = f.orch.Cancel(runID)
	var conflict *store.ErrConflict
	if !errors.As(err, &conflict) {
		t.Fatalf("Cancel(finished) error = %v, want ErrConflict", err)
	}
}

func TestOrchestrator_SessionTimeoutFailsRun(t *testing.T) {
	adapter := &fakeAdapter{platform: models.PlatformSlack, block: true}
	cfg := quickConfig()
	cfg.SessionTimeout = 50 * time.Millisecond
	f := newFixture(t, adapter, fakeCreds{cred: models.Credential{AccessToken: "tok"}}, cfg)

	ch, unsubscribe := f.bus.Subscribe(f.conn.ID)
	defer unsubscribe()

	runID, err := f.orch.Start(context.Background(), f.conn.ID)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	collectUntilTerminal(t, ch)

	run, _ := f.orch.Status(context.Background(), runID)
	if run.Status != models.RunFailed {
		t.Errorf("run status = %s, want failed on session timeout", run.Status)
	}
	if run.ErrorDetails == nil || run.ErrorDetails.Class != models.ErrClassNetwork {
		t.Errorf("ErrorDetails = %+v, want network class for deadline", run.ErrorDetails)
	}
}

func TestOrchestrator_RediscoveryIsIdempotent(t *testing.T) {
	adapter := &fakeAdapter{
		platform: models.PlatformSlack,
		result: resultWithCandidates(
			models.DiscoveredAutomation{ExternalID: "A1", Name: "Bot", Type: models.AutomationBot, Status: models.StatusActive, SubMethod: "apps"},
			models.DiscoveredAutomation{ExternalID: "A2", Name: "Hook", Type: models.AutomationWebhook, Status: models.StatusActive, SubMethod: "webhooks"},
		),
	}
	f := newFixture(t, adapter, fakeCreds{cred: models.Credential{AccessToken: "tok"}}, quickConfig())

	runTwice := func() *models.DiscoveryRun {
		ch, unsubscribe := f.bus.Subscribe(f.conn.ID)
		defer unsubscribe()
		runID := startWhenFree(t, f.orch, f.conn.ID)
		collectUntilTerminal(t, ch)
		run, err := f.orch.Status(context.Background(), runID)
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		return run
	}

	first := runTwice()
	a1, _ := f.store.GetAutomationByExternalID(context.Background(), f.conn.ID, "A1")

	second := runTwice()
	a1Again, _ := f.store.GetAutomationByExternalID(context.Background(), f.conn.ID, "A1")

	if first.AutomationsFound != 2 || second.AutomationsFound != 2 {
		t.Errorf("AutomationsFound = (%d, %d), want (2, 2)", first.AutomationsFound, second.AutomationsFound)
	}
	if a1.ID != a1Again.ID {
		t.Errorf("automation ID changed across runs: %q → %q", a1.ID, a1Again.ID)
	}
	if !a1Again.FirstDiscoveredAt.Equal(a1.FirstDiscoveredAt) {
		t.Errorf("FirstDiscoveredAt drifted: %v → %v", a1.FirstDiscoveredAt, a1Again.FirstDiscoveredAt)
	}

	page, err := f.store.ListAutomations(context.Background(), f.conn.OrganizationID, models.AutomationFilter{Page: 1, Limit: 50})
	if err != nil {
		t.Fatalf("ListAutomations: %v", err)
	}
	if page.Total != 2 {
		t.Errorf("inventory rows = %d, want 2 (no duplicates)", page.Total)
	}
}

func TestOrchestrator_StaleSweepDeactivatesMissingAutomations(t *testing.T) {
	full := resultWithCandidates(
		models.DiscoveredAutomation{ExternalID: "A1", Name: "Keeper", Type: models.AutomationBot, Status: models.StatusActive, SubMethod: "apps"},
		models.DiscoveredAutomation{ExternalID: "A2", Name: "Goner", Type: models.AutomationBot, Status: models.StatusActive, SubMethod: "apps"},
	)
	onlyA1 := resultWithCandidates(
		models.DiscoveredAutomation{ExternalID: "A1", Name: "Keeper", Type: models.AutomationBot, Status: models.StatusActive, SubMethod: "apps"},
	)

	adapter := &fakeAdapter{platform: models.PlatformSlack, result: full}
	cfg := quickConfig()
	cfg.StaleRuns = 2
	f := newFixture(t, adapter, fakeCreds{cred: models.Credential{AccessToken: "tok"}}, cfg)

	runOnce := func() {
		ch, unsubscribe := f.bus.Subscribe(f.conn.ID)
		defer unsubscribe()
		startWhenFree(t, f.orch, f.conn.ID)
		collectUntilTerminal(t, ch)
	}

	runOnce() // observes A1 + A2
	adapter.result = onlyA1

	runOnce() // first miss for A2
	a2, err := f.store.GetAutomationByExternalID(context.Background(), f.conn.ID, "A2")
	if err != nil {
		t.Fatalf("GetAutomationByExternalID: %v", err)
	}
	if a2.MissedRuns != 1 || !a2.IsActive {
		t.Fatalf("after 1 miss: missed_runs=%d active=%v, want 1/true", a2.MissedRuns, a2.IsActive)
	}

	runOnce() // second miss reaches the threshold
	a2, err = f.store.GetAutomationByExternalID(context.Background(), f.conn.ID, "A2")
	if err != nil {
		t.Fatalf("GetAutomationByExternalID: %v", err)
	}
	if a2.IsActive {
		t.Errorf("A2 still active after %d consecutive misses", a2.MissedRuns)
	}

	a1, err := f.store.GetAutomationByExternalID(context.Background(), f.conn.ID, "A1")
	if err != nil {
		t.Fatalf("GetAutomationByExternalID: %v", err)
	}
	if !a1.IsActive || a1.MissedRuns != 0 {
		t.Errorf("A1 active=%v missed_runs=%d, want re-observed rows untouched", a1.IsActive, a1.MissedRuns)
	}
}

func TestOrchestrator_LatestRun(t *testing.T) {
	adapter := &fakeAdapter{platform: models.PlatformSlack, result: resultWithCandidates()}
	f := newFixture(t, adapter, fakeCreds{cred: models.Credential{AccessToken: "tok"}}, quickConfig())

	if _, err := f.orch.LatestRun(context.Background(), f.conn.ID); err == nil {
		t.Error("LatestRun before any run = nil error, want ErrNotFound")
	}

	ch, unsubscribe := f.bus.Subscribe(f.conn.ID)
	defer unsubscribe()
	runID := startWhenFree(t, f.orch, f.conn.ID)
	collectUntilTerminal(t, ch)

	latest, err := f.orch.LatestRun(context.Background(), f.conn.ID)
	if err != nil {
		t.Fatalf("LatestRun: %v", err)
	}
	if latest.ID != runID {
		t.Errorf("LatestRun.ID = %q, want %q", latest.ID, runID)
	}
}

// ─── Severity ───────────────────────────────────────────────

func TestMostSevere(t *testing.T) {
	errs := []models.RunError{
		{Class: models.ErrClassNetwork, Message: "reset"},
		{Class: models.ErrClassAuthentication, Message: "expired"},
		{Class: models.ErrClassRateLimit, Message: "quota"},
	}
	if got := mostSevere(errs); got.Class != models.ErrClassAuthentication {
		t.Errorf("mostSevere = %s, want authentication", got.Class)
	}

	ties := []models.RunError{
		{Class: models.ErrClassNetwork, Message: "first"},
		{Class: models.ErrClassNetwork, Message: "second"},
	}
	if got := mostSevere(ties); got.Message != "first" {
		t.Errorf("mostSevere tie = %q, want the earliest", got.Message)
	}
}
