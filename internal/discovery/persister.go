package discovery

import (
	"context"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/darrentmorgan/singura-sub016/internal/aidetect"
	"github.com/darrentmorgan/singura-sub016/internal/risk"
	"github.com/darrentmorgan/singura-sub016/internal/store"
	"github.com/darrentmorgan/singura-sub016/pkg/models"
)

// DefaultStripes is the upsert lock stripe count. Power of two, so the
// stripe index is a mask instead of a mod.
const DefaultStripes = 256

// Persister turns scored candidates into Automation rows and upserts them.
// Concurrent upserts of the same (connection_id, external_id) serialize on
// a striped keyed lock; the store's unique constraint is the backstop, the
// lock is what keeps first_discovered_at stable when two sub-methods
// observe the same automation in one run.
type Persister struct {
	store store.Store
	locks []sync.Mutex
	mask  uint32
}

// NewPersister sizes the stripe table to the next power of two at or above
// stripes. Zero or negative means DefaultStripes.
func NewPersister(st store.Store, stripes int) *Persister {
	if stripes <= 0 {
		stripes = DefaultStripes
	}
	n := 1
	for n < stripes {
		n <<= 1
	}
	return &Persister{store: st, locks: make([]sync.Mutex, n), mask: uint32(n - 1)}
}

// Persist upserts one scored candidate for the connection. Storage
// failures get a single retry before they surface as an internal-class
// error; callers count those against the run and keep going.
func (p *Persister) Persist(ctx context.Context, conn *models.PlatformConnection, c models.DiscoveredAutomation, det aidetect.Detection, assess risk.Assessment) (*models.Automation, bool, error) {
	record := Normalize(conn, c, det, assess)

	mu := p.lockFor(conn.ID, c.ExternalID)
	mu.Lock()
	defer mu.Unlock()

	saved, created, err := p.store.UpsertAutomation(ctx, record)
	if err != nil {
		saved, created, err = p.store.UpsertAutomation(ctx, record)
	}
	if err != nil {
		return nil, false, models.Classify(models.ErrClassInternal, "persister/upsert", err)
	}
	return saved, created, nil
}

func (p *Persister) lockFor(connectionID, externalID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(connectionID))
	h.Write([]byte{0}) // keep "ab"+"c" distinct from "a"+"bc"
	h.Write([]byte(externalID))
	return &p.locks[h.Sum32()&p.mask]
}

// Normalize builds the Automation row for one observation. Scopes are
// sorted and de-duplicated here; adapters that see one automation through
// many events have already unioned its scopes per candidate. Vendor fields
// carry the detector's verdict for any at-threshold match, AI platform or
// workflow-automation platform alike, so the vendor rollup has a name to
// group under.
func Normalize(conn *models.PlatformConnection, c models.DiscoveredAutomation, det aidetect.Detection, assess risk.Assessment) *models.Automation {
	observed := c.ObservedAt
	if observed.IsZero() {
		observed = time.Now().UTC()
	}
	name := strings.TrimSpace(c.Name)
	if name == "" {
		name = c.ExternalID
	}
	status := c.Status
	if status == "" {
		status = models.StatusUnknown
	}
	autoType := c.Type
	if autoType == "" {
		autoType = models.AutomationIntegration
	}

	platform := conn.PlatformType
	a := &models.Automation{
		OrganizationID: conn.OrganizationID,
		ConnectionID:   conn.ID,
		ExternalID:     c.ExternalID,
		Name:           name,
		AutomationType: autoType,
		Status:         status,
		TriggerType:    c.TriggerType,
		Actions:        c.Actions,
		Permissions:    models.NormalizeScopes(c.Permissions),
		Metadata:       c.Metadata,
		PlatformType:   &platform,
		IsAIPlatform:   det.IsAIPlatform,
		RiskScore:      assess.Score,
		RiskLevel:      assess.Level,
		RiskFactors:    assess.Factors,
		IsActive:       true,
		LastSeenAt:     observed,
	}
	if det.IsAIPlatform || det.AutomationPlatform {
		a.AIPlatformName = det.DisplayName
		a.AIConfidence = det.Confidence
		a.AISignals = det.Signals
	}
	return a
}
