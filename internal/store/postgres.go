// Package store — PostgreSQL Store implementation.
// Uses database/sql over the pgx stdlib driver. Schema comes from embedded
// migration files applied in order by Migrate at boot.
package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // register the "pgx" driver
	"github.com/rs/zerolog/log"

	"github.com/darrentmorgan/singura-sub016/pkg/models"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// PostgresStore implements Store on PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens a connection pool against the given URL.
func NewPostgresStore(url string, maxConns int) (*PostgresStore, error) {
	db, err := sql.Open("pgx", url)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns / 2)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// newPostgresStore wraps an existing handle. Tests inject sqlmock here.
func newPostgresStore(db *sql.DB) *PostgresStore { return &PostgresStore{db: db} }

func (s *PostgresStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *PostgresStore) Close() error { return s.db.Close() }

// Migrate applies embedded migration files in name order, recording each
// applied version in schema_migrations. Files already recorded are skipped,
// so repeated boots are safe.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS schema_migrations (
			version    TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	names, err := fs.Glob(migrationFiles, "migrations/*.sql")
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}

	applied := 0
	for _, name := range names {
		version := strings.TrimSuffix(path.Base(name), ".sql")

		var done bool
		if err := s.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version = $1)`, version).Scan(&done); err != nil {
			return fmt.Errorf("check migration %s: %w", version, err)
		}
		if done {
			continue
		}

		raw, err := migrationFiles.ReadFile(name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", version, err)
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %s: %w", version, err)
		}
		// The pgx driver prepares statements, which rejects multi-statement
		// strings; run the file one statement at a time.
		for _, stmt := range splitStatements(string(raw)) {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				tx.Rollback()
				return fmt.Errorf("apply migration %s: %w", version, err)
			}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_migrations (version) VALUES ($1)`, version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %s: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", version, err)
		}
		applied++
	}

	log.Info().Int("applied", applied).Int("known", len(names)).Msg("Database schema up to date")
	return nil
}

// splitStatements breaks a migration file into single statements on
// semicolon terminators. Good enough for the plain DDL shipped here; a
// migration that needs semicolons inside a body gets its own file.
func splitStatements(raw string) []string {
	out := make([]string, 0, 8)
	for _, stmt := range strings.Split(raw, ";") {
		if trimmed := strings.TrimSpace(stmt); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// ── JSONB helpers ───────────────────────────────────────────

func jsonbArg(v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal jsonb: %w", err)
	}
	return raw, nil
}

func scanStrings(raw []byte) []string {
	if len(raw) == 0 {
		return nil
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

func scanMeta(raw []byte) map[string]interface{} {
	if len(raw) == 0 {
		return nil
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// ── Organization Store ──────────────────────────────────────

func (s *PostgresStore) ListOrganizations(ctx context.Context) ([]models.Organization, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, slug, name, plan_tier, created_at FROM organizations ORDER BY slug`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.Organization, 0)
	for rows.Next() {
		var o models.Organization
		if err := rows.Scan(&o.ID, &o.Slug, &o.Name, &o.PlanTier, &o.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetOrganization(ctx context.Context, id string) (*models.Organization, error) {
	return s.getOrganization(ctx, `id = $1`, id)
}

func (s *PostgresStore) GetOrganizationBySlug(ctx context.Context, slug string) (*models.Organization, error) {
	return s.getOrganization(ctx, `slug = $1`, slug)
}

func (s *PostgresStore) getOrganization(ctx context.Context, where, arg string) (*models.Organization, error) {
	var o models.Organization
	err := s.db.QueryRowContext(ctx,
		`SELECT id, slug, name, plan_tier, created_at FROM organizations WHERE `+where, arg).
		Scan(&o.ID, &o.Slug, &o.Name, &o.PlanTier, &o.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "organization", Key: arg}
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *PostgresStore) CreateOrganization(ctx context.Context, org *models.Organization) error {
	if org.ID == "" {
		return fmt.Errorf("organization id required")
	}
	if org.CreatedAt.IsZero() {
		org.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO organizations (id, slug, name, plan_tier, created_at) VALUES ($1, $2, $3, $4, $5)`,
		org.ID, org.Slug, org.Name, org.PlanTier, org.CreatedAt)
	if isUniqueViolation(err) {
		return &ErrConflict{Entity: "organization", Key: org.Slug}
	}
	return err
}

// ── Connection Store ────────────────────────────────────────

const connectionColumns = `id, organization_id, platform_type, platform_workspace_id, display_name,
	status, permissions, metadata, workspace_kind, last_sync_at, expires_at, created_at, updated_at`

func scanConnection(row interface{ Scan(...interface{}) error }) (*models.PlatformConnection, error) {
	var c models.PlatformConnection
	var permissions, metadata []byte
	var lastSync, expires sql.NullTime
	err := row.Scan(&c.ID, &c.OrganizationID, &c.PlatformType, &c.PlatformWorkspaceID, &c.DisplayName,
		&c.Status, &permissions, &metadata, &c.WorkspaceKind, &lastSync, &expires, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.Permissions = scanStrings(permissions)
	c.Metadata = scanMeta(metadata)
	if lastSync.Valid {
		c.LastSyncAt = &lastSync.Time
	}
	if expires.Valid {
		c.ExpiresAt = &expires.Time
	}
	return &c, nil
}

func (s *PostgresStore) ListConnections(ctx context.Context, orgID string) ([]models.PlatformConnection, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+connectionColumns+` FROM platform_connections WHERE organization_id = $1 ORDER BY created_at, id`,
		orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.PlatformConnection, 0)
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetConnection(ctx context.Context, id string) (*models.PlatformConnection, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+connectionColumns+` FROM platform_connections WHERE id = $1`, id)
	c, err := scanConnection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "connection", Key: id}
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (s *PostgresStore) CreateConnection(ctx context.Context, conn *models.PlatformConnection) error {
	if conn.ID == "" {
		return fmt.Errorf("connection id required")
	}
	now := time.Now().UTC()
	if conn.CreatedAt.IsZero() {
		conn.CreatedAt = now
	}
	conn.UpdatedAt = now
	if conn.Status == "" {
		conn.Status = models.ConnectionActive
	}

	permissions, err := jsonbArg(conn.Permissions)
	if err != nil {
		return err
	}
	metadata, err := jsonbArg(conn.Metadata)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO platform_connections (`+connectionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		conn.ID, conn.OrganizationID, conn.PlatformType, conn.PlatformWorkspaceID, conn.DisplayName,
		conn.Status, permissions, metadata, conn.WorkspaceKind, conn.LastSyncAt, conn.ExpiresAt,
		conn.CreatedAt, conn.UpdatedAt)
	if isUniqueViolation(err) {
		return &ErrConflict{Entity: "connection", Key: string(conn.PlatformType) + ":" + conn.PlatformWorkspaceID}
	}
	return err
}

func (s *PostgresStore) UpdateConnection(ctx context.Context, conn *models.PlatformConnection) error {
	permissions, err := jsonbArg(conn.Permissions)
	if err != nil {
		return err
	}
	metadata, err := jsonbArg(conn.Metadata)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE platform_connections SET display_name = $2, status = $3, permissions = $4,
			metadata = $5, workspace_kind = $6, last_sync_at = $7, expires_at = $8, updated_at = $9
		 WHERE id = $1`,
		conn.ID, conn.DisplayName, conn.Status, permissions, metadata,
		conn.WorkspaceKind, conn.LastSyncAt, conn.ExpiresAt, time.Now().UTC())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &ErrNotFound{Entity: "connection", Key: conn.ID}
	}
	return nil
}

func (s *PostgresStore) UpdateConnectionStatus(ctx context.Context, id string, status models.ConnectionStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE platform_connections SET status = $2, updated_at = $3 WHERE id = $1`,
		id, status, time.Now().UTC())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &ErrNotFound{Entity: "connection", Key: id}
	}
	return nil
}

func (s *PostgresStore) DeleteConnection(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM platform_connections WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &ErrNotFound{Entity: "connection", Key: id}
	}
	// Credentials go with the connection; automations survive.
	_, err = s.db.ExecContext(ctx, `DELETE FROM credentials WHERE connection_id = $1`, id)
	return err
}

func (s *PostgresStore) ExpireConnections(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE platform_connections SET status = $1, updated_at = $2
		 WHERE status = $3 AND expires_at IS NOT NULL AND expires_at < $2`,
		models.ConnectionExpired, now.UTC(), models.ConnectionActive)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ── Credential Row Store ────────────────────────────────────

func (s *PostgresStore) GetCredentialRow(ctx context.Context, connectionID string) (*CredentialRow, error) {
	var r CredentialRow
	var expires sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT connection_id, ciphertext, key_id, expires_at, updated_at FROM credentials WHERE connection_id = $1`,
		connectionID).
		Scan(&r.ConnectionID, &r.Ciphertext, &r.KeyID, &expires, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "credential", Key: connectionID}
	}
	if err != nil {
		return nil, err
	}
	if expires.Valid {
		r.ExpiresAt = &expires.Time
	}
	return &r, nil
}

func (s *PostgresStore) PutCredentialRow(ctx context.Context, row *CredentialRow) error {
	if row.UpdatedAt.IsZero() {
		row.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credentials (connection_id, ciphertext, key_id, expires_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (connection_id) DO UPDATE SET
			ciphertext = EXCLUDED.ciphertext,
			key_id     = EXCLUDED.key_id,
			expires_at = EXCLUDED.expires_at,
			updated_at = EXCLUDED.updated_at`,
		row.ConnectionID, row.Ciphertext, row.KeyID, row.ExpiresAt, row.UpdatedAt)
	return err
}

func (s *PostgresStore) DeleteCredentialRow(ctx context.Context, connectionID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE connection_id = $1`, connectionID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &ErrNotFound{Entity: "credential", Key: connectionID}
	}
	return nil
}

// ── Automation Store ────────────────────────────────────────

const automationColumns = `a.id, a.organization_id, a.connection_id, a.external_id, a.name,
	a.automation_type, a.status, a.trigger_type, a.actions, a.permissions, a.metadata,
	a.is_ai_platform, a.ai_platform_name, a.ai_confidence, a.ai_signals,
	a.risk_score, a.risk_level, a.risk_factors, a.missed_runs, a.is_active,
	a.first_discovered_at, a.last_seen_at, a.created_at, a.updated_at, c.platform_type`

func scanAutomation(row interface{ Scan(...interface{}) error }) (*models.Automation, error) {
	var a models.Automation
	var actions, permissions, metadata, aiSignals, riskFactors []byte
	var platformType sql.NullString
	err := row.Scan(&a.ID, &a.OrganizationID, &a.ConnectionID, &a.ExternalID, &a.Name,
		&a.AutomationType, &a.Status, &a.TriggerType, &actions, &permissions, &metadata,
		&a.IsAIPlatform, &a.AIPlatformName, &a.AIConfidence, &aiSignals,
		&a.RiskScore, &a.RiskLevel, &riskFactors, &a.MissedRuns, &a.IsActive,
		&a.FirstDiscoveredAt, &a.LastSeenAt, &a.CreatedAt, &a.UpdatedAt, &platformType)
	if err != nil {
		return nil, err
	}
	a.Actions = scanStrings(actions)
	a.Permissions = scanStrings(permissions)
	a.Metadata = scanMeta(metadata)
	a.AISignals = scanStrings(aiSignals)
	a.RiskFactors = scanStrings(riskFactors)
	if platformType.Valid {
		pt := models.PlatformType(platformType.String)
		a.PlatformType = &pt
	}
	return &a, nil
}

func (s *PostgresStore) UpsertAutomation(ctx context.Context, a *models.Automation) (*models.Automation, bool, error) {
	now := time.Now().UTC()
	if a.LastSeenAt.IsZero() {
		a.LastSeenAt = now
	}
	if a.FirstDiscoveredAt.IsZero() {
		a.FirstDiscoveredAt = a.LastSeenAt
	}

	actions, err := jsonbArg(a.Actions)
	if err != nil {
		return nil, false, err
	}
	permissions, err := jsonbArg(a.Permissions)
	if err != nil {
		return nil, false, err
	}
	metadata, err := jsonbArg(a.Metadata)
	if err != nil {
		return nil, false, err
	}
	aiSignals, err := jsonbArg(a.AISignals)
	if err != nil {
		return nil, false, err
	}
	riskFactors, err := jsonbArg(a.RiskFactors)
	if err != nil {
		return nil, false, err
	}

	// xmax = 0 distinguishes a fresh insert from a conflict-update.
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO automations (id, organization_id, connection_id, external_id, name,
			automation_type, status, trigger_type, actions, permissions, metadata,
			is_ai_platform, ai_platform_name, ai_confidence, ai_signals,
			risk_score, risk_level, risk_factors, missed_runs, is_active,
			first_discovered_at, last_seen_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
			$16, $17, $18, 0, true, $19, $20, $21, $21)
		 ON CONFLICT (connection_id, external_id) DO UPDATE SET
			name             = EXCLUDED.name,
			automation_type  = EXCLUDED.automation_type,
			status           = EXCLUDED.status,
			trigger_type     = EXCLUDED.trigger_type,
			actions          = EXCLUDED.actions,
			permissions      = EXCLUDED.permissions,
			metadata         = EXCLUDED.metadata,
			is_ai_platform   = EXCLUDED.is_ai_platform,
			ai_platform_name = EXCLUDED.ai_platform_name,
			ai_confidence    = EXCLUDED.ai_confidence,
			ai_signals       = EXCLUDED.ai_signals,
			risk_score       = EXCLUDED.risk_score,
			risk_level       = EXCLUDED.risk_level,
			risk_factors     = EXCLUDED.risk_factors,
			missed_runs      = 0,
			is_active        = true,
			last_seen_at     = EXCLUDED.last_seen_at,
			updated_at       = EXCLUDED.updated_at
		 RETURNING id, first_discovered_at, created_at, (xmax = 0) AS inserted`,
		a.ID, a.OrganizationID, a.ConnectionID, a.ExternalID, a.Name,
		a.AutomationType, a.Status, a.TriggerType, actions, permissions, metadata,
		a.IsAIPlatform, a.AIPlatformName, a.AIConfidence, aiSignals,
		a.RiskScore, a.RiskLevel, riskFactors,
		a.FirstDiscoveredAt, a.LastSeenAt, now)

	var created bool
	stored := *a
	if err := row.Scan(&stored.ID, &stored.FirstDiscoveredAt, &stored.CreatedAt, &created); err != nil {
		return nil, false, fmt.Errorf("upsert automation %s: %w", a.ExternalID, err)
	}
	stored.MissedRuns = 0
	stored.IsActive = true
	stored.UpdatedAt = now
	return &stored, created, nil
}

func (s *PostgresStore) GetAutomation(ctx context.Context, id string) (*models.Automation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+automationColumns+` FROM automations a
		 LEFT JOIN platform_connections c ON c.id = a.connection_id
		 WHERE a.id = $1`, id)
	a, err := scanAutomation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "automation", Key: id}
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (s *PostgresStore) GetAutomationByExternalID(ctx context.Context, connectionID, externalID string) (*models.Automation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+automationColumns+` FROM automations a
		 LEFT JOIN platform_connections c ON c.id = a.connection_id
		 WHERE a.connection_id = $1 AND a.external_id = $2`, connectionID, externalID)
	a, err := scanAutomation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "automation", Key: externalID}
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (s *PostgresStore) ListAutomations(ctx context.Context, orgID string, filter models.AutomationFilter) (*models.AutomationPage, error) {
	where := []string{`a.organization_id = $1`}
	args := []interface{}{orgID}

	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.IsActive != nil {
		where = append(where, `a.is_active = `+arg(*filter.IsActive))
	} else if !filter.IncludeInactive {
		where = append(where, `a.is_active = true`)
	}
	if filter.PlatformType != "" {
		where = append(where, `c.platform_type = `+arg(filter.PlatformType))
	}
	if filter.AutomationType != "" {
		where = append(where, `a.automation_type = `+arg(filter.AutomationType))
	}
	if filter.RiskLevel != "" {
		where = append(where, `a.risk_level = `+arg(filter.RiskLevel))
	}
	if filter.Search != "" {
		where = append(where, `a.name ILIKE `+arg("%"+filter.Search+"%"))
	}

	query := `SELECT ` + automationColumns + `, COUNT(*) OVER() AS total
		 FROM automations a
		 LEFT JOIN platform_connections c ON c.id = a.connection_id
		 WHERE ` + strings.Join(where, " AND ") + `
		 ORDER BY a.last_seen_at DESC, a.created_at DESC, a.id ASC
		 LIMIT ` + arg(filter.Limit) + ` OFFSET ` + arg((filter.Page-1)*filter.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	page := &models.AutomationPage{Items: make([]models.Automation, 0), Page: filter.Page, Limit: filter.Limit}
	for rows.Next() {
		var a models.Automation
		var actions, permissions, metadata, aiSignals, riskFactors []byte
		var platformType sql.NullString
		var total int
		err := rows.Scan(&a.ID, &a.OrganizationID, &a.ConnectionID, &a.ExternalID, &a.Name,
			&a.AutomationType, &a.Status, &a.TriggerType, &actions, &permissions, &metadata,
			&a.IsAIPlatform, &a.AIPlatformName, &a.AIConfidence, &aiSignals,
			&a.RiskScore, &a.RiskLevel, &riskFactors, &a.MissedRuns, &a.IsActive,
			&a.FirstDiscoveredAt, &a.LastSeenAt, &a.CreatedAt, &a.UpdatedAt, &platformType, &total)
		if err != nil {
			return nil, err
		}
		a.Actions = scanStrings(actions)
		a.Permissions = scanStrings(permissions)
		a.Metadata = scanMeta(metadata)
		a.AISignals = scanStrings(aiSignals)
		a.RiskFactors = scanStrings(riskFactors)
		if platformType.Valid {
			pt := models.PlatformType(platformType.String)
			a.PlatformType = &pt
		}
		page.Items = append(page.Items, a)
		page.Total = total
	}
	return page, rows.Err()
}

func (s *PostgresStore) AutomationStats(ctx context.Context, orgID string) (*models.AutomationStats, error) {
	stats := &models.AutomationStats{
		ByType:      make(map[string]int),
		ByPlatform:  make(map[string]int),
		ByRiskLevel: make(map[string]int),
	}

	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COUNT(*) FILTER (WHERE is_ai_platform)
		 FROM automations WHERE organization_id = $1 AND is_active`, orgID).
		Scan(&stats.Total, &stats.AICount)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT automation_type, COUNT(*) FROM automations
		 WHERE organization_id = $1 AND is_active GROUP BY automation_type`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var k string
		var n int
		if err := rows.Scan(&k, &n); err != nil {
			return nil, err
		}
		stats.ByType[k] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	levelRows, err := s.db.QueryContext(ctx,
		`SELECT risk_level, COUNT(*) FROM automations
		 WHERE organization_id = $1 AND is_active GROUP BY risk_level`, orgID)
	if err != nil {
		return nil, err
	}
	defer levelRows.Close()
	for levelRows.Next() {
		var k string
		var n int
		if err := levelRows.Scan(&k, &n); err != nil {
			return nil, err
		}
		stats.ByRiskLevel[k] = n
	}
	if err := levelRows.Err(); err != nil {
		return nil, err
	}

	// Platform comes from the owning connection; rows whose connection is
	// gone count under "unknown".
	platformRows, err := s.db.QueryContext(ctx,
		`SELECT COALESCE(c.platform_type, 'unknown'), COUNT(*)
		 FROM automations a
		 LEFT JOIN platform_connections c ON c.id = a.connection_id
		 WHERE a.organization_id = $1 AND a.is_active GROUP BY 1`, orgID)
	if err != nil {
		return nil, err
	}
	defer platformRows.Close()
	for platformRows.Next() {
		var k string
		var n int
		if err := platformRows.Scan(&k, &n); err != nil {
			return nil, err
		}
		stats.ByPlatform[k] = n
	}
	return stats, platformRows.Err()
}

func (s *PostgresStore) ListAIAutomations(ctx context.Context, orgID string, includeUnmatched bool) ([]models.Automation, error) {
	query := `SELECT ` + automationColumns + ` FROM automations a
		 LEFT JOIN platform_connections c ON c.id = a.connection_id
		 WHERE a.organization_id = $1 AND a.is_active`
	if !includeUnmatched {
		query += ` AND a.is_ai_platform`
	}
	query += ` ORDER BY a.risk_score DESC, a.id ASC`

	rows, err := s.db.QueryContext(ctx, query, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.Automation, 0)
	for rows.Next() {
		a, err := scanAutomation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) BumpMissedRuns(ctx context.Context, connectionID string, runStartedAt time.Time, staleThreshold int) (int, error) {
	var deactivated int
	err := s.db.QueryRowContext(ctx,
		`WITH bumped AS (
			UPDATE automations
			   SET missed_runs = missed_runs + 1,
			       is_active   = missed_runs + 1 < $3,
			       updated_at  = $4
			 WHERE connection_id = $1 AND is_active AND last_seen_at < $2
			 RETURNING missed_runs
		 )
		 SELECT COUNT(*) FROM bumped WHERE missed_runs >= $3`,
		connectionID, runStartedAt, staleThreshold, time.Now().UTC()).
		Scan(&deactivated)
	return deactivated, err
}

// ── Discovery Run Store ─────────────────────────────────────

const runColumns = `id, connection_id, organization_id, status, started_at, completed_at,
	automations_found, errors_count, warnings, error_details, duration_ms`

func scanRun(row interface{ Scan(...interface{}) error }) (*models.DiscoveryRun, error) {
	var r models.DiscoveryRun
	var completed sql.NullTime
	var warnings, errorDetails []byte
	err := row.Scan(&r.ID, &r.ConnectionID, &r.OrganizationID, &r.Status, &r.StartedAt, &completed,
		&r.AutomationsFound, &r.ErrorsCount, &warnings, &errorDetails, &r.DurationMs)
	if err != nil {
		return nil, err
	}
	if completed.Valid {
		r.CompletedAt = &completed.Time
	}
	r.Warnings = scanStrings(warnings)
	if len(errorDetails) > 0 {
		var re models.RunError
		if err := json.Unmarshal(errorDetails, &re); err == nil {
			r.ErrorDetails = &re
		}
	}
	return &r, nil
}

func (s *PostgresStore) CreateRun(ctx context.Context, run *models.DiscoveryRun) error {
	if run.ID == "" {
		return fmt.Errorf("run id required")
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	warnings, err := jsonbArg(run.Warnings)
	if err != nil {
		return err
	}
	errorDetails, err := jsonbArg(run.ErrorDetails)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO discovery_runs (`+runColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		run.ID, run.ConnectionID, run.OrganizationID, run.Status, run.StartedAt, run.CompletedAt,
		run.AutomationsFound, run.ErrorsCount, warnings, errorDetails, run.DurationMs)
	return err
}

func (s *PostgresStore) UpdateRun(ctx context.Context, run *models.DiscoveryRun) error {
	warnings, err := jsonbArg(run.Warnings)
	if err != nil {
		return err
	}
	errorDetails, err := jsonbArg(run.ErrorDetails)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE discovery_runs SET status = $2, completed_at = $3, automations_found = $4,
			errors_count = $5, warnings = $6, error_details = $7, duration_ms = $8
		 WHERE id = $1`,
		run.ID, run.Status, run.CompletedAt, run.AutomationsFound,
		run.ErrorsCount, warnings, errorDetails, run.DurationMs)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &ErrNotFound{Entity: "discovery_run", Key: run.ID}
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, id string) (*models.DiscoveryRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM discovery_runs WHERE id = $1`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "discovery_run", Key: id}
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (s *PostgresStore) LatestRunForConnection(ctx context.Context, connectionID string) (*models.DiscoveryRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM discovery_runs WHERE connection_id = $1
		 ORDER BY started_at DESC, id DESC LIMIT 1`, connectionID)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "discovery_run", Key: connectionID}
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (s *PostgresStore) ListRunsForConnection(ctx context.Context, connectionID string, limit int) ([]models.DiscoveryRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM discovery_runs WHERE connection_id = $1
		 ORDER BY started_at DESC, id DESC LIMIT $2`, connectionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.DiscoveryRun, 0)
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteRunsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM discovery_runs
		 WHERE status IN ('completed', 'failed', 'cancelled')
		   AND COALESCE(completed_at, started_at) < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
