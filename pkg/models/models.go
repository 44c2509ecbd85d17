package models

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// ── OAuth Scope Helpers ──────────────────────────────────────

// NormalizeScopes trims, dedupes, and sorts a scope list.
// The sorted form is the canonical representation persisted on automations.
func NormalizeScopes(scopes []string) []string {
	seen := make(map[string]struct{}, len(scopes))
	out := make([]string, 0, len(scopes))
	for _, s := range scopes {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// UnionScopes merges two scope lists into a sorted, deduplicated set.
// Used when the same external app is observed multiple times with
// different grants: the union is always a superset of each observation.
func UnionScopes(a, b []string) []string {
	merged := make([]string, 0, len(a)+len(b))
	merged = append(merged, a...)
	merged = append(merged, b...)
	return NormalizeScopes(merged)
}

// ── Organization (Tenant) ────────────────────────────────────

type Plan string

const (
	PlanFree       Plan = "free"
	PlanPro        Plan = "pro"
	PlanEnterprise Plan = "enterprise"
)

type Organization struct {
	ID        string    `json:"id" db:"id"`
	Slug      string    `json:"slug" db:"slug"`
	Name      string    `json:"name" db:"name"`
	PlanTier  Plan      `json:"plan_tier" db:"plan_tier"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// ── Platform Connection ──────────────────────────────────────

// PlatformType identifies which SaaS platform a connection talks to.
type PlatformType string

const (
	PlatformSlack     PlatformType = "slack"
	PlatformGoogle    PlatformType = "google_workspace"
	PlatformMicrosoft PlatformType = "microsoft_365"
)

// Valid reports whether the platform type is one we can discover against.
func (p PlatformType) Valid() bool {
	switch p {
	case PlatformSlack, PlatformGoogle, PlatformMicrosoft:
		return true
	}
	return false
}

type ConnectionStatus string

const (
	ConnectionActive   ConnectionStatus = "active"
	ConnectionInactive ConnectionStatus = "inactive"
	ConnectionError    ConnectionStatus = "error"
	ConnectionExpired  ConnectionStatus = "expired"
	ConnectionRevoked  ConnectionStatus = "revoked"
)

// WorkspaceKind gates sub-methods that only exist on certain plans
// (e.g. Slack audit logs require an Enterprise Grid workspace).
type WorkspaceKind string

const (
	WorkspaceStandard   WorkspaceKind = "standard"
	WorkspaceEnterprise WorkspaceKind = "enterprise"
)

// PlatformConnection is an authorized link between an organization and
// one workspace/tenant on a SaaS platform. Discovery runs against a
// connection; automations found through it reference it.
type PlatformConnection struct {
	ID                  string                 `json:"id" db:"id"`
	OrganizationID      string                 `json:"organization_id" db:"organization_id"`
	PlatformType        PlatformType           `json:"platform_type" db:"platform_type"`
	PlatformWorkspaceID string                 `json:"platform_workspace_id" db:"platform_workspace_id"`
	DisplayName         string                 `json:"display_name" db:"display_name"`
	Status              ConnectionStatus       `json:"status" db:"status"`
	Permissions         []string               `json:"permissions,omitempty"` // OAuth scopes granted to Singura itself
	Metadata            map[string]interface{} `json:"metadata,omitempty"`
	WorkspaceKind       WorkspaceKind          `json:"workspace_kind,omitempty" db:"workspace_kind"`
	LastSyncAt          *time.Time             `json:"last_sync_at,omitempty" db:"last_sync_at"`
	ExpiresAt           *time.Time             `json:"expires_at,omitempty" db:"expires_at"`
	CreatedAt           time.Time              `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time              `json:"updated_at" db:"updated_at"`
}

// ── Credential ───────────────────────────────────────────────

// Credential holds the OAuth tokens for one connection. Token fields are
// never serialized to API responses; at rest they exist only as ciphertext
// (see internal/credentials).
type Credential struct {
	ConnectionID string     `json:"connection_id" db:"connection_id"`
	AccessToken  string     `json:"-" db:"-"`
	RefreshToken string     `json:"-" db:"-"`
	TokenType    string     `json:"token_type,omitempty" db:"token_type"`
	Scopes       []string   `json:"scopes,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	KeyID        string     `json:"key_id,omitempty" db:"key_id"`
	UpdatedAt    time.Time  `json:"updated_at" db:"updated_at"`
}

// ExpiresWithin reports whether the credential expires inside the given
// window. Credentials without an expiry never need refresh.
func (c *Credential) ExpiresWithin(window time.Duration) bool {
	if c.ExpiresAt == nil {
		return false
	}
	return time.Until(*c.ExpiresAt) <= window
}

// ── Automation ───────────────────────────────────────────────

type AutomationType string

const (
	AutomationBot             AutomationType = "bot"
	AutomationWebhook         AutomationType = "webhook"
	AutomationIntegration     AutomationType = "integration"
	AutomationWorkflow        AutomationType = "workflow"
	AutomationScript          AutomationType = "script"
	AutomationServiceAccount  AutomationType = "service_account"
	AutomationOAuthApp        AutomationType = "oauth_app"
	AutomationEmailAutomation AutomationType = "email_automation"
)

func (t AutomationType) Valid() bool {
	switch t {
	case AutomationBot, AutomationWebhook, AutomationIntegration, AutomationWorkflow,
		AutomationScript, AutomationServiceAccount, AutomationOAuthApp, AutomationEmailAutomation:
		return true
	}
	return false
}

type AutomationStatus string

const (
	StatusActive   AutomationStatus = "active"
	StatusInactive AutomationStatus = "inactive"
	StatusPaused   AutomationStatus = "paused"
	StatusError    AutomationStatus = "error"
	StatusUnknown  AutomationStatus = "unknown"
)

type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

func (r RiskLevel) Valid() bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh, RiskCritical:
		return true
	}
	return false
}

// Automation is one discovered piece of shadow automation: a bot, OAuth
// app, script, workflow, or service account observed in a connected
// workspace. Identity is (connection_id, external_id); re-observation
// updates the row in place and never mints a new ID.
type Automation struct {
	ID             string                 `json:"id" db:"id"`
	OrganizationID string                 `json:"organization_id" db:"organization_id"`
	ConnectionID   string                 `json:"connection_id" db:"connection_id"`
	ExternalID     string                 `json:"external_id" db:"external_id"`
	Name           string                 `json:"name" db:"name"`
	AutomationType AutomationType         `json:"automation_type" db:"automation_type"`
	Status         AutomationStatus       `json:"status" db:"status"`
	TriggerType    string                 `json:"trigger_type,omitempty" db:"trigger_type"`
	Actions        []string               `json:"actions,omitempty"`
	Permissions    []string               `json:"permissions,omitempty"` // OAuth scopes, sorted union across observations
	Metadata       map[string]interface{} `json:"metadata,omitempty"`

	// PlatformType is denormalized onto list reads via the connection.
	// nil when the owning connection no longer exists; the automation
	// row itself survives connection deletion.
	PlatformType *PlatformType `json:"platform_type" db:"platform_type"`

	// AI integration evidence (set by the detector).
	IsAIPlatform   bool     `json:"is_ai_platform" db:"is_ai_platform"`
	AIPlatformName string   `json:"ai_platform_name,omitempty" db:"ai_platform_name"`
	AIConfidence   int      `json:"ai_confidence,omitempty" db:"ai_confidence"`
	AISignals      []string `json:"ai_signals,omitempty"`

	// Risk assessment (set by the scorer).
	RiskScore   int       `json:"risk_score" db:"risk_score"`
	RiskLevel   RiskLevel `json:"risk_level" db:"risk_level"`
	RiskFactors []string  `json:"risk_factors,omitempty"`

	// MissedRuns counts consecutive completed discovery runs that did not
	// re-observe this automation. At the stale threshold the row flips to
	// IsActive=false; re-observation resets the counter.
	MissedRuns int  `json:"missed_runs,omitempty" db:"missed_runs"`
	IsActive   bool `json:"is_active" db:"is_active"`

	FirstDiscoveredAt time.Time `json:"first_discovered_at" db:"first_discovered_at"`
	LastSeenAt        time.Time `json:"last_seen_at" db:"last_seen_at"`
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time `json:"updated_at" db:"updated_at"`
}

// DiscoveredAutomation is a raw candidate emitted by a platform adapter,
// before AI detection, risk scoring, and persistence.
type DiscoveredAutomation struct {
	ExternalID  string                 `json:"external_id"`
	Name        string                 `json:"name"`
	Type        AutomationType         `json:"type"`
	Status      AutomationStatus       `json:"status"`
	TriggerType string                 `json:"trigger_type,omitempty"`
	Actions     []string               `json:"actions,omitempty"`
	Permissions []string               `json:"permissions,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	SubMethod   string                 `json:"sub_method,omitempty"`
	ObservedAt  time.Time              `json:"observed_at"`
}

// ── Discovery Run ────────────────────────────────────────────

type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether the run has reached a final state.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// ErrorClass buckets discovery failures for severity ordering and retry
// decisions. Authentication outranks permission outranks rate_limit
// outranks network outranks internal when a run has multiple errors.
type ErrorClass string

const (
	ErrClassAuthentication ErrorClass = "authentication"
	ErrClassPermission     ErrorClass = "permission"
	ErrClassRateLimit      ErrorClass = "rate_limit"
	ErrClassNetwork        ErrorClass = "network"
	ErrClassInternal       ErrorClass = "internal"
)

// Severity ranks error classes; higher wins when picking the error a
// failed run reports.
func (c ErrorClass) Severity() int {
	switch c {
	case ErrClassAuthentication:
		return 5
	case ErrClassPermission:
		return 4
	case ErrClassRateLimit:
		return 3
	case ErrClassNetwork:
		return 2
	default:
		return 1
	}
}

// RunError is the most severe error recorded against a discovery run.
type RunError struct {
	Class     ErrorClass `json:"class"`
	Message   string     `json:"message"`
	Platform  string     `json:"platform,omitempty"`
	SubMethod string     `json:"sub_method,omitempty"`
}

func (e *RunError) Error() string {
	if e.SubMethod != "" {
		return fmt.Sprintf("%s (%s/%s): %s", e.Class, e.Platform, e.SubMethod, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Class, e.Message)
}

// DiscoveryRun records one discovery session against a connection.
type DiscoveryRun struct {
	ID               string     `json:"id" db:"id"`
	ConnectionID     string     `json:"connection_id" db:"connection_id"`
	OrganizationID   string     `json:"organization_id" db:"organization_id"`
	Status           RunStatus  `json:"status" db:"status"`
	StartedAt        time.Time  `json:"started_at" db:"started_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	AutomationsFound int        `json:"automations_found" db:"automations_found"`
	ErrorsCount      int        `json:"errors_count" db:"errors_count"`
	Warnings         []string   `json:"warnings,omitempty"`
	ErrorDetails     *RunError  `json:"error_details,omitempty"`
	DurationMs       int64      `json:"duration_ms" db:"duration_ms"`
}

// ── Progress Events ──────────────────────────────────────────

// EventKind names the progress event types pushed over the bus. Every
// run emits discovery.started first and exactly one of
// discovery.completed / discovery.failed last.
type EventKind string

const (
	EventDiscoveryStarted   EventKind = "discovery.started"
	EventDiscoveryProgress  EventKind = "discovery.progress"
	EventAutomationAdded    EventKind = "automation.added"
	EventDiscoveryCompleted EventKind = "discovery.completed"
	EventDiscoveryFailed    EventKind = "discovery.failed"
	EventHeartbeat          EventKind = "heartbeat"
)

// Terminal reports whether this event kind ends a run's stream.
func (k EventKind) Terminal() bool {
	return k == EventDiscoveryCompleted || k == EventDiscoveryFailed
}

// AutomationEvent is the wire payload for discovery progress streams.
type AutomationEvent struct {
	Kind         EventKind   `json:"kind"`
	ConnectionID string      `json:"connection_id"`
	RunID        string      `json:"run_id,omitempty"`
	Stage        string      `json:"stage,omitempty"`
	Progress     int         `json:"progress"` // 0..100
	Message      string      `json:"message,omitempty"`
	Automation   *Automation `json:"automation,omitempty"`
	Created      bool        `json:"created,omitempty"` // automation.added: first sighting vs refresh
	Error        string      `json:"error,omitempty"`
	Timestamp    time.Time   `json:"timestamp"`
}

// ── Inventory Queries ────────────────────────────────────────

const (
	DefaultPageLimit = 50
	MaxPageLimit     = 200
)

// InvalidFilterError rejects a malformed inventory filter before any
// data access happens. Handlers map it to HTTP 400.
type InvalidFilterError struct {
	Field string
	Value string
}

func (e *InvalidFilterError) Error() string {
	return fmt.Sprintf("invalid filter %s=%q", e.Field, e.Value)
}

// AutomationFilter narrows inventory listings. Zero values mean "no
// constraint"; inactive rows are hidden unless IncludeInactive or an
// explicit IsActive=false is given.
type AutomationFilter struct {
	PlatformType    string `json:"platform_type,omitempty"`
	AutomationType  string `json:"automation_type,omitempty"`
	RiskLevel       string `json:"risk_level,omitempty"`
	IsActive        *bool  `json:"is_active,omitempty"`
	IncludeInactive bool   `json:"include_inactive,omitempty"`
	Search          string `json:"search,omitempty"`
	Page            int    `json:"page,omitempty"`
	Limit           int    `json:"limit,omitempty"`
}

// Validate checks enum values and pagination bounds. It fills in
// pagination defaults on success.
func (f *AutomationFilter) Validate() error {
	if f.PlatformType != "" && !PlatformType(f.PlatformType).Valid() {
		return &InvalidFilterError{Field: "platform_type", Value: f.PlatformType}
	}
	if f.AutomationType != "" && !AutomationType(f.AutomationType).Valid() {
		return &InvalidFilterError{Field: "automation_type", Value: f.AutomationType}
	}
	if f.RiskLevel != "" && !RiskLevel(f.RiskLevel).Valid() {
		return &InvalidFilterError{Field: "risk_level", Value: f.RiskLevel}
	}
	if f.Page < 0 {
		return &InvalidFilterError{Field: "page", Value: fmt.Sprintf("%d", f.Page)}
	}
	if f.Limit < 0 || f.Limit > MaxPageLimit {
		return &InvalidFilterError{Field: "limit", Value: fmt.Sprintf("%d", f.Limit)}
	}
	if f.Page == 0 {
		f.Page = 1
	}
	if f.Limit == 0 {
		f.Limit = DefaultPageLimit
	}
	return nil
}

// AutomationPage is one page of inventory results.
type AutomationPage struct {
	Items []Automation `json:"items"`
	Total int          `json:"total"`
	Page  int          `json:"page"`
	Limit int          `json:"limit"`
}

// AutomationStats aggregates an organization's active automations.
// ByPlatform buckets by the owning connection's platform; rows whose
// connection is gone count under "unknown".
type AutomationStats struct {
	Total       int            `json:"total"`
	ByType      map[string]int `json:"by_type"`
	ByPlatform  map[string]int `json:"by_platform"`
	ByRiskLevel map[string]int `json:"by_risk_level"`
	AICount     int            `json:"ai_count"`
}

// VendorGroup buckets AI automations by detected vendor for the
// vendors view. Non-AI rows appear only under the "other" group when
// the caller opts in. Automations are ordered by risk, highest first.
type VendorGroup struct {
	Vendor       string       `json:"vendor"`
	Count        int          `json:"count"`
	MaxRiskScore int          `json:"max_risk_score"`
	RiskLevel    RiskLevel    `json:"risk_level"`
	Connections  []string     `json:"connections"`
	Automations  []Automation `json:"automations"`
}
