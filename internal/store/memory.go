// Package store — in-memory Store implementation.
// Used as a fallback when PostgreSQL is not available (local dev, tests).
// Supports file-based snapshot persistence so data survives restarts.
package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/darrentmorgan/singura-sub016/pkg/models"
)

// snapshot is the JSON-serializable shape written to disk.
type snapshot struct {
	Organizations map[string]*models.Organization       `json:"organizations"`
	Connections   map[string]*models.PlatformConnection `json:"connections"`
	Credentials   map[string]*CredentialRow             `json:"credentials"`
	Automations   map[string]*models.Automation         `json:"automations"`
	Runs          map[string]*models.DiscoveryRun       `json:"runs"`
}

// MemoryStore implements Store with in-memory maps.
type MemoryStore struct {
	mu            sync.RWMutex
	orgs          map[string]*models.Organization       // key: id
	orgSlugs      map[string]string                     // key: slug → id
	connections   map[string]*models.PlatformConnection // key: id
	credentials   map[string]*CredentialRow             // key: connection_id
	automations   map[string]*models.Automation         // key: id
	automationIdx map[string]string                     // key: connection_id:external_id → id
	runs          map[string]*models.DiscoveryRun       // key: id

	// Persistence
	snapshotPath string        // empty = no persistence
	saveMu       sync.Mutex    // guards file writes
	saveCh       chan struct{} // debounce channel
	doneCh       chan struct{} // signals background goroutines to stop
}

// NewMemoryStore creates a new in-memory store.
// If SINGURA_DATA_DIR is set, data is persisted to a JSON file in that
// directory. Otherwise the store is purely ephemeral (tests, CI).
func NewMemoryStore() *MemoryStore {
	m := &MemoryStore{
		orgs:          make(map[string]*models.Organization),
		orgSlugs:      make(map[string]string),
		connections:   make(map[string]*models.PlatformConnection),
		credentials:   make(map[string]*CredentialRow),
		automations:   make(map[string]*models.Automation),
		automationIdx: make(map[string]string),
		runs:          make(map[string]*models.DiscoveryRun),
		saveCh:        make(chan struct{}, 1),
		doneCh:        make(chan struct{}),
	}

	if dataDir := os.Getenv("SINGURA_DATA_DIR"); dataDir != "" {
		m.snapshotPath = filepath.Join(dataDir, "data.json")
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			log.Warn().Err(err).Str("dir", dataDir).Msg("Cannot create data dir, persistence disabled")
			m.snapshotPath = ""
		}
	}

	if m.snapshotPath != "" {
		m.loadSnapshot()
		go m.saveLoop()
	}

	return m
}

func (m *MemoryStore) requestSave() {
	if m.snapshotPath == "" {
		return
	}
	select {
	case m.saveCh <- struct{}{}:
	default:
		// Already pending
	}
}

// saveLoop runs in a goroutine, debouncing save requests (max 1 write per 500ms).
func (m *MemoryStore) saveLoop() {
	for {
		select {
		case <-m.doneCh:
			return
		case <-m.saveCh:
			time.Sleep(500 * time.Millisecond) // debounce
			m.saveSnapshot()
		}
	}
}

// saveSnapshot persists all data to disk as JSON.
func (m *MemoryStore) saveSnapshot() {
	m.mu.RLock()
	snap := snapshot{
		Organizations: m.orgs,
		Connections:   m.connections,
		Credentials:   m.credentials,
		Automations:   m.automations,
		Runs:          m.runs,
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	m.mu.RUnlock()

	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal snapshot")
		return
	}

	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	// Write to temp file then rename for atomicity
	tmp := m.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		log.Error().Err(err).Str("path", tmp).Msg("Failed to write snapshot tmp")
		return
	}
	if err := os.Rename(tmp, m.snapshotPath); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to rename snapshot")
		return
	}

	log.Debug().Str("path", m.snapshotPath).Msg("Snapshot saved")
}

// loadSnapshot reads data from disk on startup.
func (m *MemoryStore) loadSnapshot() {
	data, err := os.ReadFile(m.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", m.snapshotPath).Msg("No snapshot file found, starting fresh")
			return
		}
		log.Warn().Err(err).Str("path", m.snapshotPath).Msg("Failed to read snapshot")
		return
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Warn().Err(err).Str("path", m.snapshotPath).Msg("Corrupt snapshot, starting fresh")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if snap.Organizations != nil {
		m.orgs = snap.Organizations
	}
	if snap.Connections != nil {
		m.connections = snap.Connections
	}
	if snap.Credentials != nil {
		m.credentials = snap.Credentials
	}
	if snap.Automations != nil {
		m.automations = snap.Automations
	}
	if snap.Runs != nil {
		m.runs = snap.Runs
	}
	// Rebuild derived indexes
	for id, org := range m.orgs {
		m.orgSlugs[org.Slug] = id
	}
	for id, a := range m.automations {
		m.automationIdx[key(a.ConnectionID, a.ExternalID)] = id
	}

	log.Info().
		Int("organizations", len(m.orgs)).
		Int("connections", len(m.connections)).
		Int("automations", len(m.automations)).
		Int("runs", len(m.runs)).
		Str("path", m.snapshotPath).
		Msg("Loaded snapshot")
}

func (m *MemoryStore) Ping(_ context.Context) error { return nil }

// Close stops background goroutines and forces a final snapshot write.
// Safe to call multiple times (second call is a no-op).
func (m *MemoryStore) Close() error {
	select {
	case <-m.doneCh:
		// Already closed
		return nil
	default:
		close(m.doneCh)
	}

	if m.snapshotPath != "" {
		m.saveSnapshot()
	}
	return nil
}

func (m *MemoryStore) Migrate(_ context.Context) error { return nil }

func key(parts ...string) string {
	k := ""
	for i, p := range parts {
		if i > 0 {
			k += ":"
		}
		k += p
	}
	return k
}

// ── Copy helpers ────────────────────────────────────────────

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s))
	copy(out, s)
	return out
}

// cloneMeta round-trips metadata through JSON. Besides isolating the
// caller's map, this normalizes value shapes (ints become float64) so
// the memory store agrees with what jsonb columns hand back.
func cloneMeta(meta map[string]interface{}) map[string]interface{} {
	if meta == nil {
		return nil
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return map[string]interface{}{}
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]interface{}{}
	}
	return out
}

func cloneConnection(c *models.PlatformConnection) *models.PlatformConnection {
	cp := *c
	cp.Permissions = cloneStrings(c.Permissions)
	cp.Metadata = cloneMeta(c.Metadata)
	return &cp
}

func cloneAutomation(a *models.Automation) *models.Automation {
	cp := *a
	cp.Actions = cloneStrings(a.Actions)
	cp.Permissions = cloneStrings(a.Permissions)
	cp.AISignals = cloneStrings(a.AISignals)
	cp.RiskFactors = cloneStrings(a.RiskFactors)
	cp.Metadata = cloneMeta(a.Metadata)
	if a.PlatformType != nil {
		pt := *a.PlatformType
		cp.PlatformType = &pt
	}
	return &cp
}

func cloneRun(r *models.DiscoveryRun) *models.DiscoveryRun {
	cp := *r
	cp.Warnings = cloneStrings(r.Warnings)
	if r.ErrorDetails != nil {
		e := *r.ErrorDetails
		cp.ErrorDetails = &e
	}
	return &cp
}

func cloneCredentialRow(r *CredentialRow) *CredentialRow {
	cp := *r
	cp.Ciphertext = append([]byte(nil), r.Ciphertext...)
	return &cp
}

// ── Organization Store ──────────────────────────────────────

func (m *MemoryStore) ListOrganizations(_ context.Context) ([]models.Organization, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Organization, 0, len(m.orgs))
	for _, o := range m.orgs {
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}

func (m *MemoryStore) GetOrganization(_ context.Context, id string) (*models.Organization, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orgs[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "organization", Key: id}
	}
	cp := *o
	return &cp, nil
}

func (m *MemoryStore) GetOrganizationBySlug(_ context.Context, slug string) (*models.Organization, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.orgSlugs[slug]
	if !ok {
		return nil, &ErrNotFound{Entity: "organization", Key: slug}
	}
	cp := *m.orgs[id]
	return &cp, nil
}

func (m *MemoryStore) CreateOrganization(_ context.Context, org *models.Organization) error {
	m.mu.Lock()
	defer func() { m.mu.Unlock(); m.requestSave() }()
	if _, exists := m.orgSlugs[org.Slug]; exists {
		return &ErrConflict{Entity: "organization", Key: org.Slug}
	}
	cp := *org
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	m.orgs[cp.ID] = &cp
	m.orgSlugs[cp.Slug] = cp.ID
	org.ID = cp.ID
	return nil
}

// ── Connection Store ────────────────────────────────────────

func (m *MemoryStore) ListConnections(_ context.Context, orgID string) ([]models.PlatformConnection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.PlatformConnection, 0)
	for _, c := range m.connections {
		if c.OrganizationID == orgID {
			out = append(out, *cloneConnection(c))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) GetConnection(_ context.Context, id string) (*models.PlatformConnection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.connections[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "connection", Key: id}
	}
	return cloneConnection(c), nil
}

func (m *MemoryStore) CreateConnection(_ context.Context, conn *models.PlatformConnection) error {
	m.mu.Lock()
	defer func() { m.mu.Unlock(); m.requestSave() }()
	for _, existing := range m.connections {
		if existing.OrganizationID == conn.OrganizationID &&
			existing.PlatformType == conn.PlatformType &&
			existing.PlatformWorkspaceID == conn.PlatformWorkspaceID {
			return &ErrConflict{Entity: "connection", Key: key(string(conn.PlatformType), conn.PlatformWorkspaceID)}
		}
	}
	cp := cloneConnection(conn)
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	if cp.Status == "" {
		cp.Status = models.ConnectionActive
	}
	m.connections[cp.ID] = cp
	conn.ID = cp.ID
	return nil
}

func (m *MemoryStore) UpdateConnection(_ context.Context, conn *models.PlatformConnection) error {
	m.mu.Lock()
	defer func() { m.mu.Unlock(); m.requestSave() }()
	existing, ok := m.connections[conn.ID]
	if !ok {
		return &ErrNotFound{Entity: "connection", Key: conn.ID}
	}
	cp := cloneConnection(conn)
	cp.CreatedAt = existing.CreatedAt
	cp.UpdatedAt = time.Now().UTC()
	m.connections[conn.ID] = cp
	return nil
}

func (m *MemoryStore) UpdateConnectionStatus(_ context.Context, id string, status models.ConnectionStatus) error {
	m.mu.Lock()
	defer func() { m.mu.Unlock(); m.requestSave() }()
	c, ok := m.connections[id]
	if !ok {
		return &ErrNotFound{Entity: "connection", Key: id}
	}
	c.Status = status
	c.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) DeleteConnection(_ context.Context, id string) error {
	m.mu.Lock()
	defer func() { m.mu.Unlock(); m.requestSave() }()
	if _, ok := m.connections[id]; !ok {
		return &ErrNotFound{Entity: "connection", Key: id}
	}
	delete(m.connections, id)
	delete(m.credentials, id)
	// Automations survive connection deletion; their platform_type reads
	// as null from here on.
	return nil
}

func (m *MemoryStore) ExpireConnections(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer func() { m.mu.Unlock(); m.requestSave() }()
	expired := 0
	for _, c := range m.connections {
		if c.Status == models.ConnectionActive && c.ExpiresAt != nil && c.ExpiresAt.Before(now) {
			c.Status = models.ConnectionExpired
			c.UpdatedAt = now.UTC()
			expired++
		}
	}
	return expired, nil
}

// ── Credential Row Store ────────────────────────────────────

func (m *MemoryStore) GetCredentialRow(_ context.Context, connectionID string) (*CredentialRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.credentials[connectionID]
	if !ok {
		return nil, &ErrNotFound{Entity: "credential", Key: connectionID}
	}
	return cloneCredentialRow(r), nil
}

func (m *MemoryStore) PutCredentialRow(_ context.Context, row *CredentialRow) error {
	m.mu.Lock()
	defer func() { m.mu.Unlock(); m.requestSave() }()
	cp := cloneCredentialRow(row)
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now().UTC()
	}
	m.credentials[row.ConnectionID] = cp
	return nil
}

func (m *MemoryStore) DeleteCredentialRow(_ context.Context, connectionID string) error {
	m.mu.Lock()
	defer func() { m.mu.Unlock(); m.requestSave() }()
	if _, ok := m.credentials[connectionID]; !ok {
		return &ErrNotFound{Entity: "credential", Key: connectionID}
	}
	delete(m.credentials, connectionID)
	return nil
}

// ── Automation Store ────────────────────────────────────────

func (m *MemoryStore) UpsertAutomation(_ context.Context, a *models.Automation) (*models.Automation, bool, error) {
	m.mu.Lock()
	defer func() { m.mu.Unlock(); m.requestSave() }()

	now := time.Now().UTC()
	idxKey := key(a.ConnectionID, a.ExternalID)

	if existingID, ok := m.automationIdx[idxKey]; ok {
		existing := m.automations[existingID]
		updated := cloneAutomation(a)
		// Identity and discovery provenance never change on re-observation.
		updated.ID = existing.ID
		updated.OrganizationID = existing.OrganizationID
		updated.FirstDiscoveredAt = existing.FirstDiscoveredAt
		updated.CreatedAt = existing.CreatedAt
		if updated.LastSeenAt.IsZero() {
			updated.LastSeenAt = now
		}
		updated.MissedRuns = 0
		updated.IsActive = true
		updated.UpdatedAt = now
		m.automations[existing.ID] = updated
		return cloneAutomation(updated), false, nil
	}

	created := cloneAutomation(a)
	if created.ID == "" {
		created.ID = uuid.NewString()
	}
	if created.LastSeenAt.IsZero() {
		created.LastSeenAt = now
	}
	if created.FirstDiscoveredAt.IsZero() {
		created.FirstDiscoveredAt = created.LastSeenAt
	}
	created.MissedRuns = 0
	created.IsActive = true
	created.CreatedAt = now
	created.UpdatedAt = now
	m.automations[created.ID] = created
	m.automationIdx[idxKey] = created.ID
	return cloneAutomation(created), true, nil
}

func (m *MemoryStore) GetAutomation(_ context.Context, id string) (*models.Automation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.automations[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "automation", Key: id}
	}
	return m.withPlatformType(a), nil
}

func (m *MemoryStore) GetAutomationByExternalID(_ context.Context, connectionID, externalID string) (*models.Automation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.automationIdx[key(connectionID, externalID)]
	if !ok {
		return nil, &ErrNotFound{Entity: "automation", Key: externalID}
	}
	return m.withPlatformType(m.automations[id]), nil
}

// withPlatformType mirrors the SQL LEFT JOIN: the platform type comes
// from the owning connection and is nil when that connection is gone.
// Callers must hold at least a read lock.
func (m *MemoryStore) withPlatformType(a *models.Automation) *models.Automation {
	cp := cloneAutomation(a)
	if conn, ok := m.connections[a.ConnectionID]; ok {
		pt := conn.PlatformType
		cp.PlatformType = &pt
	} else {
		cp.PlatformType = nil
	}
	return cp
}

func (m *MemoryStore) ListAutomations(_ context.Context, orgID string, filter models.AutomationFilter) (*models.AutomationPage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	matched := make([]*models.Automation, 0)
	for _, a := range m.automations {
		if a.OrganizationID != orgID {
			continue
		}
		if filter.IsActive != nil {
			if a.IsActive != *filter.IsActive {
				continue
			}
		} else if !filter.IncludeInactive && !a.IsActive {
			continue
		}
		row := m.withPlatformType(a)
		if filter.PlatformType != "" {
			// An inner-join comparison: a null platform type never matches.
			if row.PlatformType == nil || string(*row.PlatformType) != filter.PlatformType {
				continue
			}
		}
		if filter.AutomationType != "" && string(a.AutomationType) != filter.AutomationType {
			continue
		}
		if filter.RiskLevel != "" && string(a.RiskLevel) != filter.RiskLevel {
			continue
		}
		if filter.Search != "" && !strings.Contains(strings.ToLower(a.Name), strings.ToLower(filter.Search)) {
			continue
		}
		matched = append(matched, row)
	}

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].LastSeenAt.Equal(matched[j].LastSeenAt) {
			return matched[i].LastSeenAt.After(matched[j].LastSeenAt)
		}
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})

	total := len(matched)
	start := (filter.Page - 1) * filter.Limit
	if start > total {
		start = total
	}
	end := start + filter.Limit
	if end > total {
		end = total
	}

	items := make([]models.Automation, 0, end-start)
	for _, a := range matched[start:end] {
		items = append(items, *a)
	}
	return &models.AutomationPage{Items: items, Total: total, Page: filter.Page, Limit: filter.Limit}, nil
}

func (m *MemoryStore) AutomationStats(_ context.Context, orgID string) (*models.AutomationStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := &models.AutomationStats{
		ByType:      make(map[string]int),
		ByPlatform:  make(map[string]int),
		ByRiskLevel: make(map[string]int),
	}
	for _, a := range m.automations {
		if a.OrganizationID != orgID || !a.IsActive {
			continue
		}
		stats.Total++
		stats.ByType[string(a.AutomationType)]++
		stats.ByRiskLevel[string(a.RiskLevel)]++
		if conn, ok := m.connections[a.ConnectionID]; ok {
			stats.ByPlatform[string(conn.PlatformType)]++
		} else {
			stats.ByPlatform["unknown"]++
		}
		if a.IsAIPlatform {
			stats.AICount++
		}
	}
	return stats, nil
}

func (m *MemoryStore) ListAIAutomations(_ context.Context, orgID string, includeUnmatched bool) ([]models.Automation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.Automation, 0)
	for _, a := range m.automations {
		if a.OrganizationID != orgID || !a.IsActive {
			continue
		}
		if !a.IsAIPlatform && !includeUnmatched {
			continue
		}
		out = append(out, *m.withPlatformType(a))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RiskScore != out[j].RiskScore {
			return out[i].RiskScore > out[j].RiskScore
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) BumpMissedRuns(_ context.Context, connectionID string, runStartedAt time.Time, staleThreshold int) (int, error) {
	m.mu.Lock()
	defer func() { m.mu.Unlock(); m.requestSave() }()

	deactivated := 0
	now := time.Now().UTC()
	for _, a := range m.automations {
		if a.ConnectionID != connectionID || !a.IsActive {
			continue
		}
		if !a.LastSeenAt.Before(runStartedAt) {
			continue
		}
		a.MissedRuns++
		a.UpdatedAt = now
		if a.MissedRuns >= staleThreshold {
			a.IsActive = false
			deactivated++
		}
	}
	return deactivated, nil
}

// ── Discovery Run Store ─────────────────────────────────────

func (m *MemoryStore) CreateRun(_ context.Context, run *models.DiscoveryRun) error {
	m.mu.Lock()
	defer func() { m.mu.Unlock(); m.requestSave() }()
	cp := cloneRun(run)
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.StartedAt.IsZero() {
		cp.StartedAt = time.Now().UTC()
	}
	m.runs[cp.ID] = cp
	run.ID = cp.ID
	return nil
}

func (m *MemoryStore) UpdateRun(_ context.Context, run *models.DiscoveryRun) error {
	m.mu.Lock()
	defer func() { m.mu.Unlock(); m.requestSave() }()
	if _, ok := m.runs[run.ID]; !ok {
		return &ErrNotFound{Entity: "discovery_run", Key: run.ID}
	}
	m.runs[run.ID] = cloneRun(run)
	return nil
}

func (m *MemoryStore) GetRun(_ context.Context, id string) (*models.DiscoveryRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "discovery_run", Key: id}
	}
	return cloneRun(r), nil
}

func (m *MemoryStore) LatestRunForConnection(_ context.Context, connectionID string) (*models.DiscoveryRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest *models.DiscoveryRun
	for _, r := range m.runs {
		if r.ConnectionID != connectionID {
			continue
		}
		if latest == nil || r.StartedAt.After(latest.StartedAt) ||
			(r.StartedAt.Equal(latest.StartedAt) && r.ID > latest.ID) {
			latest = r
		}
	}
	if latest == nil {
		return nil, &ErrNotFound{Entity: "discovery_run", Key: connectionID}
	}
	return cloneRun(latest), nil
}

func (m *MemoryStore) ListRunsForConnection(_ context.Context, connectionID string, limit int) ([]models.DiscoveryRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.DiscoveryRun, 0)
	for _, r := range m.runs {
		if r.ConnectionID == connectionID {
			out = append(out, *cloneRun(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) DeleteRunsBefore(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer func() { m.mu.Unlock(); m.requestSave() }()
	deleted := 0
	for id, r := range m.runs {
		if !r.Status.Terminal() {
			continue
		}
		endedAt := r.StartedAt
		if r.CompletedAt != nil {
			endedAt = *r.CompletedAt
		}
		if endedAt.Before(cutoff) {
			delete(m.runs, id)
			deleted++
		}
	}
	return deleted, nil
}
