// Package collector discovers automations on connected SaaS platforms.
//
// Each platform has an Adapter that runs several discovery sub-methods
// (apps, bots, webhooks, scripts, ...) concurrently, each under its own
// timeout. Sub-method failures are classified: permission problems
// degrade to warnings so one locked-down API never sinks a whole run,
// transient trouble is retried with backoff, and everything else is
// reported against the sub-method that hit it.
//
// OSS ships Slack, Google Workspace, and Microsoft 365 adapters. Pro
// registers additional platforms via Registry.Register.
package collector

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/darrentmorgan/singura-sub016/pkg/models"
)

// Result is everything one adapter found in one discovery pass.
type Result struct {
	// Candidates are the raw automations observed, before AI detection
	// and risk scoring. Sorted by external ID.
	Candidates []models.DiscoveredAutomation

	// Warnings are human-readable notes about degraded coverage, e.g. a
	// sub-method skipped for lack of permissions. Sorted.
	Warnings []string

	// SubMethodErrors maps a sub-method name to the classified error
	// that stopped it. Permission errors never land here.
	SubMethodErrors map[string]error

	// SubMethodsRun counts the sub-methods attempted. When every one of
	// them shows up in SubMethodErrors the adapter produced nothing at
	// all and the run cannot be treated as a partial success.
	SubMethodsRun int
}

// Adapter discovers automations on one platform.
type Adapter interface {
	// PlatformType names the platform this adapter serves.
	PlatformType() models.PlatformType

	// Discover runs all of the adapter's sub-methods against the
	// connection and aggregates what they found. It returns an error
	// only when discovery could not run at all; per-sub-method failures
	// are reported inside the Result.
	Discover(ctx context.Context, conn *models.PlatformConnection, cred models.Credential) (*Result, error)
}

// ── Registry ────────────────────────────────────────────────

// Registry maps platform types to their adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[models.PlatformType]Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[models.PlatformType]Adapter)}
}

// Register adds or replaces the adapter for its platform.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.PlatformType()] = a
	log.Info().Str("platform", string(a.PlatformType())).Msg("Registered platform adapter")
}

// Get returns the adapter for a platform.
func (r *Registry) Get(platform models.PlatformType) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[platform]
	return a, ok
}

// Platforms lists the registered platform types, sorted.
func (r *Registry) Platforms() []models.PlatformType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.PlatformType, 0, len(r.adapters))
	for p := range r.adapters {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ── Sub-method fan-out ──────────────────────────────────────

// subMethod is one discovery probe. run returns candidates plus any
// coverage warnings it wants attached to the run.
type subMethod struct {
	name string
	run  func(ctx context.Context) ([]models.DiscoveredAutomation, []string, error)
}

// runner fans sub-methods out concurrently, each under its own timeout,
// with retry for transient failures and permission-to-warning demotion.
// Adapters embed it.
type runner struct {
	platform models.PlatformType
	timeout  time.Duration
}

func (r runner) PlatformType() models.PlatformType { return r.platform }

func (r runner) discover(ctx context.Context, methods []subMethod) (*Result, error) {
	res := &Result{
		SubMethodErrors: make(map[string]error),
		SubMethodsRun:   len(methods),
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, m := range methods {
		wg.Add(1)
		go func(m subMethod) {
			defer wg.Done()
			mctx, cancel := context.WithTimeout(ctx, r.timeout)
			defer cancel()

			candidates, warnings, err := r.runWithRetry(mctx, m)

			mu.Lock()
			defer mu.Unlock()
			res.Warnings = append(res.Warnings, warnings...)
			if err != nil {
				if models.ClassOf(err) == models.ErrClassPermission {
					// Tolerated: partial coverage beats a dead run.
					res.Warnings = append(res.Warnings, m.name+": "+reason(err))
					log.Warn().
						Str("platform", string(r.platform)).
						Str("sub_method", m.name).
						Err(err).
						Msg("⚠️ Sub-method skipped for missing permissions")
					return
				}
				res.SubMethodErrors[m.name] = err
				return
			}
			for i := range candidates {
				if candidates[i].SubMethod == "" {
					candidates[i].SubMethod = m.name
				}
				if candidates[i].ObservedAt.IsZero() {
					candidates[i].ObservedAt = time.Now().UTC()
				}
			}
			res.Candidates = append(res.Candidates, candidates...)
		}(m)
	}
	wg.Wait()

	// Goroutine scheduling must not leak into output ordering.
	sort.Slice(res.Candidates, func(i, j int) bool {
		return res.Candidates[i].ExternalID < res.Candidates[j].ExternalID
	})
	sort.Strings(res.Warnings)
	return res, nil
}

// runWithRetry executes a sub-method with exponential backoff for
// transient and rate-limit failures. Other classes stop immediately.
// The sub-method context carries the per-method deadline.
func (r runner) runWithRetry(ctx context.Context, m subMethod) (candidates []models.DiscoveredAutomation, warnings []string, err error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.Multiplier = 2.0
	policy.RandomizationFactor = 0.2
	policy.MaxElapsedTime = 0

	var lastErr error
	operation := func() error {
		var runErr error
		candidates, warnings, runErr = m.run(ctx)
		lastErr = runErr
		if runErr == nil {
			return nil
		}
		if !models.ClassOf(runErr).Retryable() {
			return backoff.Permanent(runErr)
		}
		return runErr
	}
	notify := func(err error, wait time.Duration) {
		log.Warn().
			Str("platform", string(r.platform)).
			Str("sub_method", m.name).
			Dur("backoff", wait).
			Err(err).
			Msg("Retrying sub-method after transient failure")
	}

	bo := &platformHintBackOff{BackOff: backoff.WithMaxRetries(policy, 2), last: &lastErr}
	err = backoff.RetryNotify(operation, backoff.WithContext(bo, ctx), notify)
	return candidates, warnings, err
}

// platformHintBackOff overrides the computed wait with the platform's own
// Retry-After hint when a rate-limited call carried one. The wrapped
// BackOff still decides when to stop.
type platformHintBackOff struct {
	backoff.BackOff
	last *error
}

func (b *platformHintBackOff) NextBackOff() time.Duration {
	next := b.BackOff.NextBackOff()
	if next == backoff.Stop {
		return backoff.Stop
	}
	var ce *models.ClassifiedError
	if errors.As(*b.last, &ce) && ce.RetryAfter > 0 {
		return ce.RetryAfter
	}
	return next
}

// reason pulls the underlying message out of a classified error for
// warning text; the class prefix would be redundant there.
func reason(err error) string {
	var ce *models.ClassifiedError
	if errors.As(err, &ce) && ce.Err != nil {
		return ce.Err.Error()
	}
	return err.Error()
}
