package discovery

import (
	"sync"
	"time"

	"github.com/darrentmorgan/singura-sub016/pkg/contracts"
	"github.com/darrentmorgan/singura-sub016/pkg/models"
)

// progress serializes one session's event publishing. Persist workers
// publish concurrently, so the gate orders them and clamps the progress
// percentage to never move backwards within the run.
type progress struct {
	bus          contracts.EventStream
	connectionID string
	runID        string

	mu   sync.Mutex
	last int
}

func newProgress(bus contracts.EventStream, connectionID, runID string) *progress {
	return &progress{bus: bus, connectionID: connectionID, runID: runID}
}

// emit publishes a lifecycle or stage-transition event.
func (p *progress) emit(kind models.EventKind, stage string, pct int, message string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bus.Publish(models.AutomationEvent{
		Kind:         kind,
		ConnectionID: p.connectionID,
		RunID:        p.runID,
		Stage:        stage,
		Progress:     p.clamp(pct),
		Message:      message,
		Timestamp:    time.Now().UTC(),
	})
}

// added publishes one automation.added event carrying the stored row.
func (p *progress) added(a *models.Automation, created bool, pct int) {
	message := "automation updated"
	if created {
		message = "automation discovered"
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bus.Publish(models.AutomationEvent{
		Kind:         models.EventAutomationAdded,
		ConnectionID: p.connectionID,
		RunID:        p.runID,
		Stage:        StagePersist,
		Progress:     p.clamp(pct),
		Message:      message,
		Automation:   a,
		Created:      created,
		Timestamp:    time.Now().UTC(),
	})
}

// terminal publishes the run's single closing event at 100%.
func (p *progress) terminal(kind models.EventKind, message, errText string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.last = progressDone
	p.bus.Publish(models.AutomationEvent{
		Kind:         kind,
		ConnectionID: p.connectionID,
		RunID:        p.runID,
		Stage:        StageFinalize,
		Progress:     progressDone,
		Message:      message,
		Error:        errText,
		Timestamp:    time.Now().UTC(),
	})
}

// clamp keeps progress monotonic under concurrent persist workers.
// Callers hold the mutex.
func (p *progress) clamp(pct int) int {
	if pct < p.last {
		return p.last
	}
	p.last = pct
	return pct
}
