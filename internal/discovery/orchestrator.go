// Package discovery runs discovery sessions against connected platforms.
//
// A session walks four stages for one connection:
//
//  1. authenticate — resolve a usable credential via the credential store
//  2. enumerate    — fan the platform adapter's sub-methods out concurrently
//  3. persist      — detect AI signals, score risk, and upsert each candidate
//  4. finalize     — write the run summary and emit one terminal event
//
// Sessions execute in the background under their own deadline. Progress,
// per-automation, and terminal events stream to subscribers through the
// event bus; the run row in the store is the durable record.
package discovery

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/darrentmorgan/singura-sub016/internal/aidetect"
	"github.com/darrentmorgan/singura-sub016/internal/collector"
	"github.com/darrentmorgan/singura-sub016/internal/config"
	"github.com/darrentmorgan/singura-sub016/internal/risk"
	"github.com/darrentmorgan/singura-sub016/internal/store"
	"github.com/darrentmorgan/singura-sub016/pkg/contracts"
	"github.com/darrentmorgan/singura-sub016/pkg/models"
)

var tracer = otel.Tracer("singura/discovery")

// Stage names as they appear in progress events.
const (
	StageAuthenticate = "authenticate"
	StageEnumerate    = "enumerate"
	StagePersist      = "persist"
	StageFinalize     = "finalize"
)

// Progress checkpoints per stage. Persist interpolates between its start
// and end as candidates land.
const (
	progressStarted       = 5
	progressAuthenticated = 15
	progressEnumerated    = 55
	progressPersisted     = 90
	progressDone          = 100
)

// persistWorkers bounds the analyze/persist fan-out per session. Upserts
// for the same automation still serialize on the persister's keyed lock.
const persistWorkers = 4

// Deps are the collaborators a session needs. All fields are required.
type Deps struct {
	Store     store.Store
	Creds     contracts.CredentialService
	Adapters  *collector.Registry
	Detector  *aidetect.Detector
	Scorer    *risk.Scorer
	Persister *Persister
	Bus       contracts.EventStream
}

var _ contracts.DiscoveryService = (*Orchestrator)(nil)

// Orchestrator starts, cancels, and reports discovery runs. One run per
// connection at a time; the rest of the pipeline hangs off Deps.
type Orchestrator struct {
	deps Deps
	cfg  config.DiscoveryConfig

	mu     sync.Mutex
	runs   map[string]context.CancelFunc // runID → cancel
	byConn map[string]string             // connectionID → active runID
}

func NewOrchestrator(deps Deps, cfg config.DiscoveryConfig) *Orchestrator {
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = 5 * time.Minute
	}
	if cfg.MaxCandidateBacklog <= 0 {
		cfg.MaxCandidateBacklog = 256
	}
	if cfg.StaleRuns <= 0 {
		cfg.StaleRuns = 3
	}
	return &Orchestrator{
		deps:   deps,
		cfg:    cfg,
		runs:   make(map[string]context.CancelFunc),
		byConn: make(map[string]string),
	}
}

// Start launches an async discovery session for the connection and returns
// the run ID immediately. A connection runs at most one session at a time;
// a second Start while one is in flight returns ErrConflict.
func (o *Orchestrator) Start(ctx context.Context, connectionID string) (string, error) {
	conn, err := o.deps.Store.GetConnection(ctx, connectionID)
	if err != nil {
		return "", err
	}

	runID := uuid.New().String()

	o.mu.Lock()
	if active, busy := o.byConn[connectionID]; busy {
		o.mu.Unlock()
		return "", &store.ErrConflict{Entity: "discovery_run", Key: active}
	}
	// Reserve before touching the store so a racing Start can't slip in
	// between row creation and registration.
	o.byConn[connectionID] = runID
	o.mu.Unlock()

	run := &models.DiscoveryRun{
		ID:             runID,
		ConnectionID:   conn.ID,
		OrganizationID: conn.OrganizationID,
		Status:         models.RunPending,
		StartedAt:      time.Now().UTC(),
	}
	if err := o.deps.Store.CreateRun(ctx, run); err != nil {
		o.mu.Lock()
		delete(o.byConn, connectionID)
		o.mu.Unlock()
		return "", fmt.Errorf("create discovery run: %w", err)
	}

	// The session outlives the HTTP request that started it.
	execCtx, cancel := context.WithTimeout(context.Background(), o.cfg.SessionTimeout)
	o.mu.Lock()
	o.runs[runID] = cancel
	o.mu.Unlock()

	log.Info().
		Str("run_id", runID).
		Str("connection_id", conn.ID).
		Str("platform", string(conn.PlatformType)).
		Msg("🔍 Discovery session started")

	go o.executeAsync(execCtx, run, conn)

	return runID, nil
}

// Cancel requests cooperative cancellation of an in-flight run. In-flight
// upserts finish; no new candidates are enqueued. Unknown run IDs return
// ErrNotFound, runs that already reached a terminal state ErrConflict.
func (o *Orchestrator) Cancel(runID string) error {
	o.mu.Lock()
	cancel, ok := o.runs[runID]
	o.mu.Unlock()
	if !ok {
		run, err := o.deps.Store.GetRun(context.Background(), runID)
		if err != nil {
			return err
		}
		return &store.ErrConflict{Entity: "discovery_run", Key: run.ID}
	}
	cancel()
	return nil
}

// Status returns the run row as last written.
func (o *Orchestrator) Status(ctx context.Context, runID string) (*models.DiscoveryRun, error) {
	return o.deps.Store.GetRun(ctx, runID)
}

// LatestRun returns the connection's most recently started run.
func (o *Orchestrator) LatestRun(ctx context.Context, connectionID string) (*models.DiscoveryRun, error) {
	return o.deps.Store.LatestRunForConnection(ctx, connectionID)
}

// ── Session execution ───────────────────────────────────────

func (o *Orchestrator) executeAsync(ctx context.Context, run *models.DiscoveryRun, conn *models.PlatformConnection) {
	defer o.release(run.ID, conn.ID)

	ctx, span := tracer.Start(ctx, "discovery.session", trace.WithAttributes(
		attribute.String("run.id", run.ID),
		attribute.String("connection.id", conn.ID),
		attribute.String("platform.type", string(conn.PlatformType)),
	))
	defer span.End()

	prog := newProgress(o.deps.Bus, conn.ID, run.ID)

	run.Status = models.RunRunning
	if err := o.deps.Store.UpdateRun(ctx, run); err != nil {
		log.Error().Err(err).Str("run_id", run.ID).Msg("Failed to mark run running")
	}
	prog.emit(models.EventDiscoveryStarted, StageAuthenticate, progressStarted, "discovery started")

	// authenticate
	cred, err := o.authenticate(ctx, conn)
	if err != nil {
		if o.interrupted(ctx, run, conn, prog, span) {
			return
		}
		// Every credential failure ends the run as an authentication
		// failure, whatever the underlying class; the connection needs
		// operator attention either way.
		if serr := o.deps.Store.UpdateConnectionStatus(context.WithoutCancel(ctx), conn.ID, models.ConnectionError); serr != nil {
			log.Error().Err(serr).Str("connection_id", conn.ID).Msg("Failed to mark connection errored")
		}
		o.failRun(ctx, run, prog, span, &models.RunError{
			Class:    models.ErrClassAuthentication,
			Message:  err.Error(),
			Platform: string(conn.PlatformType),
		})
		return
	}
	prog.emit(models.EventDiscoveryProgress, StageAuthenticate, progressAuthenticated, "credentials resolved")

	// enumerate
	result, runErr := o.enumerate(ctx, conn, cred)
	if o.interrupted(ctx, run, conn, prog, span) {
		return
	}
	if runErr != nil {
		o.failRun(ctx, run, prog, span, runErr)
		return
	}

	runErrors := subMethodErrors(conn, result)
	run.Warnings = result.Warnings

	if result.SubMethodsRun > 0 && len(result.SubMethodErrors) == result.SubMethodsRun {
		// Nothing produced anything; fail with the most severe class.
		run.ErrorsCount = len(runErrors)
		worst := mostSevere(runErrors)
		o.failRun(ctx, run, prog, span, &worst)
		return
	}
	prog.emit(models.EventDiscoveryProgress, StageEnumerate, progressEnumerated,
		fmt.Sprintf("%d candidates from %d sub-methods", len(result.Candidates), result.SubMethodsRun))

	// analyze + persist
	found, persistErrors := o.persistAll(ctx, conn, result.Candidates, prog)
	runErrors = append(runErrors, persistErrors...)
	run.AutomationsFound = found
	run.ErrorsCount = len(runErrors)
	if o.interrupted(ctx, run, conn, prog, span) {
		return
	}
	prog.emit(models.EventDiscoveryProgress, StagePersist, progressPersisted, "inventory persisted")

	// finalize
	if len(runErrors) > 0 {
		worst := mostSevere(runErrors)
		run.ErrorDetails = &worst
	}
	o.completeRun(ctx, run, conn, prog)
}

func (o *Orchestrator) authenticate(ctx context.Context, conn *models.PlatformConnection) (models.Credential, error) {
	ctx, span := tracer.Start(ctx, "discovery.authenticate")
	defer span.End()
	cred, err := o.deps.Creds.GetValid(ctx, conn.ID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "credential resolution failed")
	}
	return cred, err
}

// enumerate selects the adapter and runs its sub-methods. A nil *RunError
// means the stage produced a usable Result, possibly with per-sub-method
// errors inside it.
func (o *Orchestrator) enumerate(ctx context.Context, conn *models.PlatformConnection, cred models.Credential) (*collector.Result, *models.RunError) {
	ctx, span := tracer.Start(ctx, "discovery.enumerate")
	defer span.End()

	adapter, ok := o.deps.Adapters.Get(conn.PlatformType)
	if !ok {
		msg := fmt.Sprintf("no collector registered for platform %q", conn.PlatformType)
		span.SetStatus(codes.Error, msg)
		return nil, &models.RunError{
			Class:    models.ErrClassInternal,
			Message:  msg,
			Platform: string(conn.PlatformType),
		}
	}

	result, err := adapter.Discover(ctx, conn, cred)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "enumeration failed")
		return nil, &models.RunError{
			Class:    models.ClassOf(err),
			Message:  err.Error(),
			Platform: string(conn.PlatformType),
		}
	}
	span.SetAttributes(
		attribute.Int("candidates", len(result.Candidates)),
		attribute.Int("sub_methods", result.SubMethodsRun),
		attribute.Int("sub_method_errors", len(result.SubMethodErrors)),
	)
	return result, nil
}

// persistAll streams candidates through detection, scoring, and upsert.
// The backlog channel bounds how far enumeration output can run ahead of
// storage; cancellation stops enqueueing while in-flight upserts finish.
func (o *Orchestrator) persistAll(ctx context.Context, conn *models.PlatformConnection, candidates []models.DiscoveredAutomation, prog *progress) (int, []models.RunError) {
	ctx, span := tracer.Start(ctx, "discovery.persist", trace.WithAttributes(
		attribute.Int("candidates", len(candidates)),
	))
	defer span.End()

	total := len(candidates)
	if total == 0 {
		return 0, nil
	}

	backlog := make(chan models.DiscoveredAutomation, o.cfg.MaxCandidateBacklog)
	go func() {
		defer close(backlog)
		for _, c := range candidates {
			select {
			case backlog <- c:
			case <-ctx.Done():
				return
			}
		}
	}()

	// Upserts already underway when the session is cancelled must land,
	// or a re-observed automation could lose its stale-counter reset.
	persistCtx := context.WithoutCancel(ctx)

	workers := persistWorkers
	if workers > total {
		workers = total
	}

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		found int
		done  int
		errs  []models.RunError
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for c := range backlog {
				det := o.deps.Detector.Detect(c)
				assess := o.deps.Scorer.Score(c, det)
				saved, created, err := o.deps.Persister.Persist(persistCtx, conn, c, det, assess)

				mu.Lock()
				done++
				pct := progressEnumerated + (progressPersisted-progressEnumerated)*done/total
				if err != nil {
					errs = append(errs, models.RunError{
						Class:     models.ClassOf(err),
						Message:   err.Error(),
						Platform:  string(conn.PlatformType),
						SubMethod: c.SubMethod,
					})
					mu.Unlock()
					log.Error().Err(err).
						Str("connection_id", conn.ID).
						Str("external_id", c.ExternalID).
						Msg("Failed to persist automation")
					continue
				}
				found++
				mu.Unlock()

				prog.added(saved, created, pct)
			}
		}()
	}
	wg.Wait()

	span.SetAttributes(attribute.Int("persisted", found))
	return found, errs
}

// ── Run lifecycle ───────────────────────────────────────────

func (o *Orchestrator) completeRun(ctx context.Context, run *models.DiscoveryRun, conn *models.PlatformConnection, prog *progress) {
	ctx, fspan := tracer.Start(ctx, "discovery.finalize")
	defer fspan.End()

	now := time.Now().UTC()
	run.Status = models.RunCompleted
	run.CompletedAt = &now
	run.DurationMs = now.Sub(run.StartedAt).Milliseconds()

	saveCtx := context.WithoutCancel(ctx)
	if err := o.deps.Store.UpdateRun(saveCtx, run); err != nil {
		log.Error().Err(err).Str("run_id", run.ID).Msg("Failed to update completed run")
	}

	// Only completed runs count against the stale threshold; a failed or
	// cancelled run says nothing about what is still out there.
	deactivated, err := o.deps.Store.BumpMissedRuns(saveCtx, conn.ID, run.StartedAt, o.cfg.StaleRuns)
	if err != nil {
		log.Error().Err(err).Str("connection_id", conn.ID).Msg("Stale sweep failed")
	} else if deactivated > 0 {
		log.Info().
			Str("connection_id", conn.ID).
			Int("deactivated", deactivated).
			Msg("🧹 Stale automations deactivated")
	}

	o.touchConnection(saveCtx, conn.ID, now)

	prog.terminal(models.EventDiscoveryCompleted,
		fmt.Sprintf("discovery completed: %d automations, %d errors", run.AutomationsFound, run.ErrorsCount), "")

	log.Info().
		Str("run_id", run.ID).
		Str("connection_id", conn.ID).
		Int("automations", run.AutomationsFound).
		Int("errors", run.ErrorsCount).
		Int64("duration_ms", run.DurationMs).
		Msg("🎉 Discovery completed")
}

func (o *Orchestrator) failRun(ctx context.Context, run *models.DiscoveryRun, prog *progress, span trace.Span, cause *models.RunError) {
	now := time.Now().UTC()
	run.Status = models.RunFailed
	run.CompletedAt = &now
	run.DurationMs = now.Sub(run.StartedAt).Milliseconds()
	run.ErrorDetails = cause
	if run.ErrorsCount == 0 {
		run.ErrorsCount = 1
	}

	if err := o.deps.Store.UpdateRun(context.WithoutCancel(ctx), run); err != nil {
		log.Error().Err(err).Str("run_id", run.ID).Msg("Failed to update failed run")
	}

	span.SetStatus(codes.Error, cause.Message)
	prog.terminal(models.EventDiscoveryFailed, "discovery failed: "+cause.Message, string(cause.Class))

	log.Error().
		Str("run_id", run.ID).
		Str("connection_id", run.ConnectionID).
		Str("class", string(cause.Class)).
		Str("error", cause.Message).
		Msg("💥 Discovery failed")
}

func (o *Orchestrator) cancelRun(ctx context.Context, run *models.DiscoveryRun, prog *progress, span trace.Span) {
	now := time.Now().UTC()
	run.Status = models.RunCancelled
	run.CompletedAt = &now
	run.DurationMs = now.Sub(run.StartedAt).Milliseconds()

	if err := o.deps.Store.UpdateRun(context.WithoutCancel(ctx), run); err != nil {
		log.Error().Err(err).Str("run_id", run.ID).Msg("Failed to update cancelled run")
	}

	span.SetStatus(codes.Error, "cancelled")
	prog.terminal(models.EventDiscoveryFailed, "discovery cancelled", "cancelled")

	log.Warn().
		Str("run_id", run.ID).
		Str("connection_id", run.ConnectionID).
		Msg("🛑 Discovery cancelled")
}

// interrupted finishes the run when the session context has died.
// Cancellation and deadline take different exits: the former is an
// operator decision, the latter a run failure.
func (o *Orchestrator) interrupted(ctx context.Context, run *models.DiscoveryRun, conn *models.PlatformConnection, prog *progress, span trace.Span) bool {
	switch ctx.Err() {
	case context.Canceled:
		o.cancelRun(ctx, run, prog, span)
		return true
	case context.DeadlineExceeded:
		o.failRun(ctx, run, prog, span, &models.RunError{
			Class:    models.ErrClassNetwork,
			Message:  fmt.Sprintf("discovery session exceeded %s", o.cfg.SessionTimeout),
			Platform: string(conn.PlatformType),
		})
		return true
	}
	return false
}

func (o *Orchestrator) release(runID, connectionID string) {
	o.mu.Lock()
	if cancel, ok := o.runs[runID]; ok {
		cancel()
		delete(o.runs, runID)
	}
	if o.byConn[connectionID] == runID {
		delete(o.byConn, connectionID)
	}
	o.mu.Unlock()
}

func (o *Orchestrator) touchConnection(ctx context.Context, connectionID string, syncedAt time.Time) {
	conn, err := o.deps.Store.GetConnection(ctx, connectionID)
	if err != nil {
		return
	}
	conn.LastSyncAt = &syncedAt
	conn.Status = models.ConnectionActive
	if err := o.deps.Store.UpdateConnection(ctx, conn); err != nil {
		log.Error().Err(err).Str("connection_id", connectionID).Msg("Failed to record sync time")
	}
}

// ── Error aggregation ───────────────────────────────────────

// subMethodErrors flattens the collector's per-probe failures in
// sub-method name order so reruns report identically.
func subMethodErrors(conn *models.PlatformConnection, result *collector.Result) []models.RunError {
	if len(result.SubMethodErrors) == 0 {
		return nil
	}
	names := make([]string, 0, len(result.SubMethodErrors))
	for name := range result.SubMethodErrors {
		names = append(names, name)
	}
	sort.Strings(names)

	errs := make([]models.RunError, 0, len(names))
	for _, name := range names {
		err := result.SubMethodErrors[name]
		errs = append(errs, models.RunError{
			Class:     models.ClassOf(err),
			Message:   err.Error(),
			Platform:  string(conn.PlatformType),
			SubMethod: name,
		})
	}
	return errs
}

// mostSevere picks the run error with the highest class severity; ties
// keep the earliest.
func mostSevere(errs []models.RunError) models.RunError {
	worst := errs[0]
	for _, e := range errs[1:] {
		if e.Class.Severity() > worst.Class.Severity() {
			worst = e
		}
	}
	return worst
}
