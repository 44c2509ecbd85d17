package collector

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/darrentmorgan/singura-sub016/pkg/models"
)

// slackbotUserID is Slack's own built-in bot, present in every
// workspace. It is not shadow automation.
const slackbotUserID = "USLACKBOT"

// SlackAPI is the narrow surface of the Slack Web and Audit Logs APIs
// the adapter needs. Tests inject fakes; production uses NewSlackAPI.
type SlackAPI interface {
	// ListAppInstalls returns the workspace's app install history
	// (team.integrationLogs), one record per install/change event.
	ListAppInstalls(ctx context.Context, token string) ([]SlackAppInstall, error)

	// ListUsers returns all workspace members (users.list), bots included.
	ListUsers(ctx context.Context, token string) ([]SlackUser, error)

	// ListWebhookEvents returns webhook-creation entries from the Audit
	// Logs API. Available on Enterprise Grid only.
	ListWebhookEvents(ctx context.Context, token string) ([]SlackAuditEntry, error)
}

// SlackAppInstall is one team.integrationLogs record.
type SlackAppInstall struct {
	AppID       string
	ServiceID   string
	AppName     string
	ChangeType  string // added, removed, updated, expanded
	Scopes      []string
	InstalledBy string
	Date        time.Time
}

// SlackUser is one users.list member.
type SlackUser struct {
	ID       string
	Name     string
	RealName string
	IsBot    bool
	Deleted  bool
	AppID    string
	BotID    string
}

// SlackAuditEntry is one Audit Logs API entry.
type SlackAuditEntry struct {
	ID        string
	Action    string
	ActorName string
	Channel   string
	URL       string
	Date      time.Time
}

// ── Adapter ─────────────────────────────────────────────────

// SlackAdapter discovers bots, installed apps, and (on Enterprise Grid)
// incoming webhooks in a Slack workspace.
type SlackAdapter struct {
	runner
	api SlackAPI
}

func NewSlackAdapter(api SlackAPI, submethodTimeout time.Duration) *SlackAdapter {
	return &SlackAdapter{
		runner: runner{platform: models.PlatformSlack, timeout: submethodTimeout},
		api:    api,
	}
}

func (a *SlackAdapter) Discover(ctx context.Context, conn *models.PlatformConnection, cred models.Credential) (*Result, error) {
	token := cred.AccessToken
	methods := []subMethod{
		{name: "apps", run: func(ctx context.Context) ([]models.DiscoveredAutomation, []string, error) {
			return a.apps(ctx, token)
		}},
		{name: "bots", run: func(ctx context.Context) ([]models.DiscoveredAutomation, []string, error) {
			return a.bots(ctx, token)
		}},
		{name: "webhooks", run: func(ctx context.Context) ([]models.DiscoveredAutomation, []string, error) {
			if conn.WorkspaceKind != models.WorkspaceEnterprise {
				return nil, []string{"webhooks: requires enterprise workspace"}, nil
			}
			return a.webhooks(ctx, token)
		}},
	}
	return a.discover(ctx, methods)
}

// apps folds the install log into one candidate per app, scopes unioned
// across installs. A "removed" as the latest change marks it inactive.
func (a *SlackAdapter) apps(ctx context.Context, token string) ([]models.DiscoveredAutomation, []string, error) {
	installs, err := a.api.ListAppInstalls(ctx, token)
	if err != nil {
		return nil, nil, err
	}

	byApp := make(map[string]*models.DiscoveredAutomation)
	for _, in := range installs {
		id := in.AppID
		if id == "" {
			// Legacy service integrations have no app ID.
			id = "service-" + in.ServiceID
		}
		if id == "service-" {
			continue
		}

		c, ok := byApp[id]
		if !ok {
			c = &models.DiscoveredAutomation{
				ExternalID: id,
				Type:       models.AutomationOAuthApp,
				Status:     models.StatusActive,
				Metadata:   map[string]interface{}{},
			}
			byApp[id] = c
		}
		if in.AppName != "" {
			c.Name = in.AppName
		}
		c.Permissions = models.UnionScopes(c.Permissions, in.Scopes)
		if in.ChangeType == "removed" {
			c.Status = models.StatusInactive
		} else if in.ChangeType != "" {
			c.Status = models.StatusActive
		}
		if in.InstalledBy != "" {
			c.Metadata["installed_by"] = in.InstalledBy
		}
		if in.Date.After(c.ObservedAt) {
			c.ObservedAt = in.Date
		}
	}

	out := make([]models.DiscoveredAutomation, 0, len(byApp))
	for _, c := range byApp {
		if c.Name == "" {
			c.Name = c.ExternalID
		}
		out = append(out, *c)
	}
	return out, nil, nil
}

// bots reports non-deleted bot users, excluding Slackbot itself.
func (a *SlackAdapter) bots(ctx context.Context, token string) ([]models.DiscoveredAutomation, []string, error) {
	users, err := a.api.ListUsers(ctx, token)
	if err != nil {
		return nil, nil, err
	}

	out := make([]models.DiscoveredAutomation, 0)
	for _, u := range users {
		if !u.IsBot || u.Deleted || u.ID == slackbotUserID {
			continue
		}
		name := u.RealName
		if name == "" {
			name = u.Name
		}
		meta := map[string]interface{}{}
		if u.AppID != "" {
			meta["app_id"] = u.AppID
		}
		if u.BotID != "" {
			meta["bot_id"] = u.BotID
		}
		out = append(out, models.DiscoveredAutomation{
			ExternalID: u.ID,
			Name:       name,
			Type:       models.AutomationBot,
			Status:     models.StatusActive,
			Metadata:   meta,
		})
	}
	return out, nil, nil
}

// webhooks derives incoming-webhook inventory from audit log entries.
func (a *SlackAdapter) webhooks(ctx context.Context, token string) ([]models.DiscoveredAutomation, []string, error) {
	entries, err := a.api.ListWebhookEvents(ctx, token)
	if err != nil {
		return nil, nil, err
	}

	out := make([]models.DiscoveredAutomation, 0)
	for _, e := range entries {
		if e.Action != "webhook_created" {
			continue
		}
		name := "Incoming webhook"
		if e.Channel != "" {
			name = fmt.Sprintf("Incoming webhook (%s)", e.Channel)
		}
		meta := map[string]interface{}{"created_by": e.ActorName}
		if e.URL != "" {
			meta["url"] = e.URL
		}
		out = append(out, models.DiscoveredAutomation{
			ExternalID:  "wh-" + e.ID,
			Name:        name,
			Type:        models.AutomationWebhook,
			Status:      models.StatusActive,
			TriggerType: "event",
			Metadata:    meta,
			ObservedAt:  e.Date,
		})
	}
	return out, nil, nil
}

// ── HTTP implementation ─────────────────────────────────────

// slackEnvelope is the ok/error wrapper on every Slack Web API response.
type slackEnvelope struct {
	OK               bool   `json:"ok"`
	Error            string `json:"error"`
	ResponseMetadata struct {
		NextCursor string `json:"next_cursor"`
	} `json:"response_metadata"`
}

// classifySlackError maps Slack's string error codes onto the taxonomy.
// Slack reports most failures as HTTP 200 with ok=false.
func classifySlackError(op, code string) error {
	err := fmt.Errorf("slack error %q", code)
	switch code {
	case "invalid_auth", "not_authed", "token_revoked", "token_expired", "account_inactive":
		return models.Classify(models.ErrClassAuthentication, op, err)
	case "missing_scope", "no_permission", "access_denied", "not_allowed_token_type", "ekm_access_denied", "feature_not_enabled":
		return models.Classify(models.ErrClassPermission, op, err)
	case "ratelimited", "rate_limited":
		return models.Classify(models.ErrClassRateLimit, op, err)
	case "internal_error", "fatal_error", "service_unavailable":
		return models.Classify(models.ErrClassNetwork, op, err)
	default:
		return models.Classify(models.ErrClassInternal, op, err)
	}
}

type httpSlackAPI struct {
	web   *apiClient
	audit *apiClient
}

// NewSlackAPI builds the production Slack client. Empty base URLs select
// the public endpoints; tests point both at a local server.
func NewSlackAPI(webBase, auditBase string, rps float64, timeout time.Duration) SlackAPI {
	if webBase == "" {
		webBase = "https://slack.com/api"
	}
	if auditBase == "" {
		auditBase = "https://api.slack.com/audit/v1"
	}
	return &httpSlackAPI{
		web:   newAPIClient(webBase, rps, timeout),
		audit: newAPIClient(auditBase, rps, timeout),
	}
}

func (s *httpSlackAPI) ListAppInstalls(ctx context.Context, token string) ([]SlackAppInstall, error) {
	const op = "slack/team.integrationLogs"

	var out []SlackAppInstall
	for page := 1; ; page++ {
		var resp struct {
			slackEnvelope
			Logs []struct {
				AppID       string `json:"app_id"`
				AppType     string `json:"app_type"`
				ServiceID   string `json:"service_id"`
				ServiceType string `json:"service_type"`
				UserName    string `json:"user_name"`
				ChangeType  string `json:"change_type"`
				Scope       string `json:"scope"`
				Date        string `json:"date"`
			} `json:"logs"`
			Paging struct {
				Page  int `json:"page"`
				Pages int `json:"pages"`
			} `json:"paging"`
		}
		path := fmt.Sprintf("/team.integrationLogs?count=200&page=%d", page)
		if err := s.web.getJSON(ctx, op, path, token, &resp); err != nil {
			return nil, err
		}
		if !resp.OK {
			return nil, classifySlackError(op, resp.Error)
		}
		for _, l := range resp.Logs {
			name := l.AppType
			if name == "" {
				name = l.ServiceType
			}
			out = append(out, SlackAppInstall{
				AppID:       l.AppID,
				ServiceID:   l.ServiceID,
				AppName:     name,
				ChangeType:  l.ChangeType,
				Scopes:      splitSlackScopes(l.Scope),
				InstalledBy: l.UserName,
				Date:        parseSlackDate(l.Date),
			})
		}
		if resp.Paging.Pages == 0 || resp.Paging.Page >= resp.Paging.Pages {
			return out, nil
		}
	}
}

func (s *httpSlackAPI) ListUsers(ctx context.Context, token string) ([]SlackUser, error) {
	const op = "slack/users.list"

	var out []SlackUser
	cursor := ""
	for {
		var resp struct {
			slackEnvelope
			Members []struct {
				ID       string `json:"id"`
				Name     string `json:"name"`
				RealName string `json:"real_name"`
				IsBot    bool   `json:"is_bot"`
				Deleted  bool   `json:"deleted"`
				Profile  struct {
					APIAppID string `json:"api_app_id"`
					BotID    string `json:"bot_id"`
				} `json:"profile"`
			} `json:"members"`
		}
		path := "/users.list?limit=200"
		if cursor != "" {
			path += "&cursor=" + url.QueryEscape(cursor)
		}
		if err := s.web.getJSON(ctx, op, path, token, &resp); err != nil {
			return nil, err
		}
		if !resp.OK {
			return nil, classifySlackError(op, resp.Error)
		}
		for _, m := range resp.Members {
			out = append(out, SlackUser{
				ID:       m.ID,
				Name:     m.Name,
				RealName: m.RealName,
				IsBot:    m.IsBot,
				Deleted:  m.Deleted,
				AppID:    m.Profile.APIAppID,
				BotID:    m.Profile.BotID,
			})
		}
		cursor = resp.ResponseMetadata.NextCursor
		if cursor == "" {
			return out, nil
		}
	}
}

func (s *httpSlackAPI) ListWebhookEvents(ctx context.Context, token string) ([]SlackAuditEntry, error) {
	const op = "slack/audit.logs"

	var out []SlackAuditEntry
	cursor := ""
	for {
		var resp struct {
			Entries []struct {
				ID         string `json:"id"`
				Action     string `json:"action"`
				DateCreate int64  `json:"date_create"`
				Actor      struct {
					User struct {
						Name string `json:"name"`
					} `json:"user"`
				} `json:"actor"`
				Details struct {
					URL     string `json:"url"`
					Channel string `json:"channel"`
				} `json:"details"`
			} `json:"entries"`
			ResponseMetadata struct {
				NextCursor string `json:"next_cursor"`
			} `json:"response_metadata"`
		}
		path := "/logs?action=webhook_created&limit=200"
		if cursor != "" {
			path += "&cursor=" + url.QueryEscape(cursor)
		}
		if err := s.audit.getJSON(ctx, op, path, token, &resp); err != nil {
			// Non-Grid workspaces get a 401 "not_allowed" here even with
			// a valid token; surface that as a permission problem.
			var ce *models.ClassifiedError
			if errors.As(err, &ce) && ce.Class == models.ErrClassAuthentication {
				return nil, models.Classify(models.ErrClassPermission, op, ce.Err)
			}
			return nil, err
		}
		for _, e := range resp.Entries {
			out = append(out, SlackAuditEntry{
				ID:        e.ID,
				Action:    e.Action,
				ActorName: e.Actor.User.Name,
				Channel:   e.Details.Channel,
				URL:       e.Details.URL,
				Date:      time.Unix(e.DateCreate, 0).UTC(),
			})
		}
		cursor = resp.ResponseMetadata.NextCursor
		if cursor == "" {
			return out, nil
		}
	}
}

func splitSlackScopes(s string) []string {
	if s == "" {
		return nil
	}
	return models.NormalizeScopes(strings.Split(s, ","))
}

// parseSlackDate handles integrationLogs dates, which arrive as unix
// seconds in a string.
func parseSlackDate(s string) time.Time {
	var sec int64
	if _, err := fmt.Sscanf(s, "%d", &sec); err != nil || sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
