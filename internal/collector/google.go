package collector

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/darrentmorgan/singura-sub016/pkg/models"
)

// GoogleAPI is the narrow surface of the Workspace Admin, IAM, Drive,
// and Apps Script APIs the adapter needs.
type GoogleAPI interface {
	// ListTokenEvents returns OAuth token authorization events from the
	// admin reports audit stream, one per grant/use event.
	ListTokenEvents(ctx context.Context, token string) ([]GoogleTokenEvent, error)

	// ListServiceAccounts lists the service accounts of one GCP project.
	ListServiceAccounts(ctx context.Context, token, projectID string) ([]GoogleServiceAccount, error)

	// ListScriptFiles lists Apps Script files visible in Drive.
	ListScriptFiles(ctx context.Context, token string) ([]GoogleDriveFile, error)

	// GetScriptContent probes one script project for its functions and
	// outbound fetch targets. Requires script project read access.
	GetScriptContent(ctx context.Context, token, scriptID string) (GoogleScriptContent, error)
}

// GoogleTokenEvent is one token-authorization audit event.
type GoogleTokenEvent struct {
	ClientID    string
	DisplayText string
	Scopes      []string
	UserEmail   string
	Time        time.Time
}

// GoogleServiceAccount is one IAM service account.
type GoogleServiceAccount struct {
	Email          string
	DisplayName    string
	ProjectID      string
	UniqueID       string
	OAuth2ClientID string
	Disabled       bool
}

// GoogleDriveFile is one Apps Script file from Drive.
type GoogleDriveFile struct {
	ID           string
	Name         string
	Owner        string
	Shared       bool
	ModifiedTime time.Time
}

// GoogleScriptContent is the result of probing one script project.
type GoogleScriptContent struct {
	Functions  []string
	FetchHosts []string
}

// ── Adapter ─────────────────────────────────────────────────

// GoogleAdapter discovers OAuth app grants, service accounts, and Apps
// Script projects in a Google Workspace tenant.
type GoogleAdapter struct {
	runner
	api GoogleAPI
}

func NewGoogleAdapter(api GoogleAPI, submethodTimeout time.Duration) *GoogleAdapter {
	return &GoogleAdapter{
		runner: runner{platform: models.PlatformGoogle, timeout: submethodTimeout},
		api:    api,
	}
}

func (a *GoogleAdapter) Discover(ctx context.Context, conn *models.PlatformConnection, cred models.Credential) (*Result, error) {
	token := cred.AccessToken
	methods := []subMethod{
		{name: "oauth_apps", run: func(ctx context.Context) ([]models.DiscoveredAutomation, []string, error) {
			return a.oauthApps(ctx, token)
		}},
		{name: "service_accounts", run: func(ctx context.Context) ([]models.DiscoveredAutomation, []string, error) {
			return a.serviceAccounts(ctx, token, conn)
		}},
		{name: "scripts", run: func(ctx context.Context) ([]models.DiscoveredAutomation, []string, error) {
			return a.scripts(ctx, token)
		}},
	}
	return a.discover(ctx, methods)
}

// oauthApps folds token audit events into one candidate per OAuth client.
// Scopes are unioned across every event for the client, and a real display
// name from any event replaces a placeholder one.
func (a *GoogleAdapter) oauthApps(ctx context.Context, token string) ([]models.DiscoveredAutomation, []string, error) {
	events, err := a.api.ListTokenEvents(ctx, token)
	if err != nil {
		return nil, nil, err
	}

	type app struct {
		name     string
		scopes   []string
		users    map[string]struct{}
		lastSeen time.Time
	}
	byClient := make(map[string]*app)
	for _, ev := range events {
		if ev.ClientID == "" {
			continue
		}
		ap, ok := byClient[ev.ClientID]
		if !ok {
			ap = &app{users: map[string]struct{}{}}
			byClient[ev.ClientID] = ap
		}
		if placeholderAppName(ap.name, ev.ClientID) && !placeholderAppName(ev.DisplayText, ev.ClientID) {
			ap.name = ev.DisplayText
		}
		ap.scopes = models.UnionScopes(ap.scopes, ev.Scopes)
		if ev.UserEmail != "" {
			ap.users[ev.UserEmail] = struct{}{}
		}
		if ev.Time.After(ap.lastSeen) {
			ap.lastSeen = ev.Time
		}
	}

	out := make([]models.DiscoveredAutomation, 0, len(byClient))
	for cid, ap := range byClient {
		name := ap.name
		if name == "" {
			name = cid
		}
		out = append(out, models.DiscoveredAutomation{
			ExternalID:  cid,
			Name:        name,
			Type:        models.AutomationOAuthApp,
			Status:      models.StatusActive,
			Permissions: ap.scopes,
			Metadata: map[string]interface{}{
				"client_id":        cid,
				"authorized_users": len(ap.users),
			},
			ObservedAt: ap.lastSeen,
		})
	}
	return out, nil, nil
}

// placeholderAppName reports whether a token event display text carries no
// information beyond the client ID itself.
func placeholderAppName(name, clientID string) bool {
	if name == "" || name == clientID {
		return true
	}
	switch strings.ToLower(name) {
	case "unknown", "unnamed", "untitled":
		return true
	}
	return false
}

// serviceAccounts lists the connection's GCP project service accounts.
// Connections without a project_id skip the method with a warning.
func (a *GoogleAdapter) serviceAccounts(ctx context.Context, token string, conn *models.PlatformConnection) ([]models.DiscoveredAutomation, []string, error) {
	projectID, _ := conn.Metadata["project_id"].(string)
	if projectID == "" {
		return nil, []string{"service_accounts: connection has no project_id"}, nil
	}

	accounts, err := a.api.ListServiceAccounts(ctx, token, projectID)
	if err != nil {
		return nil, nil, err
	}

	out := make([]models.DiscoveredAutomation, 0, len(accounts))
	for _, acc := range accounts {
		name := acc.DisplayName
		if name == "" {
			name = acc.Email
		}
		status := models.StatusActive
		if acc.Disabled {
			status = models.StatusInactive
		}
		meta := map[string]interface{}{
			"project_id": acc.ProjectID,
			"unique_id":  acc.UniqueID,
		}
		if acc.OAuth2ClientID != "" {
			meta["oauth2_client_id"] = acc.OAuth2ClientID
		}
		if externalServiceAccount(acc.Email, projectID) {
			meta["external_project"] = true
		}
		out = append(out, models.DiscoveredAutomation{
			ExternalID: acc.Email,
			Name:       name,
			Type:       models.AutomationServiceAccount,
			Status:     status,
			Metadata:   meta,
		})
	}
	return out, nil, nil
}

// externalServiceAccount reports whether a user-managed service account
// email belongs to a different project than the connection's. Google-managed
// agents (appspot, compute) use other suffixes and are never external.
func externalServiceAccount(email, projectID string) bool {
	const suffix = ".iam.gserviceaccount.com"
	at := strings.LastIndex(email, "@")
	if at < 0 || !strings.HasSuffix(email, suffix) {
		return false
	}
	owner := strings.TrimSuffix(email[at+1:], suffix)
	return owner != "" && owner != projectID
}

// scripts lists Apps Script projects from Drive and probes each one for
// its functions and outbound fetch targets. A probe the token cannot read
// keeps the candidate with no actions; the file's existence is already
// worth reporting.
func (a *GoogleAdapter) scripts(ctx context.Context, token string) ([]models.DiscoveredAutomation, []string, error) {
	files, err := a.api.ListScriptFiles(ctx, token)
	if err != nil {
		return nil, nil, err
	}

	out := make([]models.DiscoveredAutomation, 0, len(files))
	for _, f := range files {
		var actions []string
		content, err := a.api.GetScriptContent(ctx, token, f.ID)
		switch {
		case err == nil:
			actions = scriptActions(content)
		case models.ClassOf(err) == models.ErrClassPermission:
			log.Debug().
				Str("script_id", f.ID).
				Str("script_name", f.Name).
				Msg("Apps Script content probe lacked permission, reporting file without actions")
		default:
			return nil, nil, err
		}

		out = append(out, models.DiscoveredAutomation{
			ExternalID:  f.ID,
			Name:        f.Name,
			Type:        models.AutomationScript,
			Status:      models.StatusActive,
			TriggerType: "unknown",
			Actions:     actions,
			Metadata: map[string]interface{}{
				"owner":     f.Owner,
				"shared":    f.Shared,
				"mime_type": "application/vnd.google-apps.script",
			},
			ObservedAt: f.ModifiedTime,
		})
	}
	return out, nil, nil
}

// scriptActions flattens probed content into action strings: function
// names first, then one url_fetch:<host> entry per outbound target.
func scriptActions(content GoogleScriptContent) []string {
	actions := make([]string, 0, len(content.Functions)+len(content.FetchHosts))
	fns := append([]string(nil), content.Functions...)
	sort.Strings(fns)
	actions = append(actions, fns...)

	hosts := append([]string(nil), content.FetchHosts...)
	sort.Strings(hosts)
	for _, h := range hosts {
		actions = append(actions, "url_fetch:"+h)
	}
	return actions
}

// ── HTTP implementation ─────────────────────────────────────

type httpGoogleAPI struct {
	reports *apiClient
	iam     *apiClient
	drive   *apiClient
	script  *apiClient
}

// NewGoogleAPI builds the production Google client. Each Google API lives
// on its own host with its own rate budget; a non-empty base URL overrides
// all of them for tests.
func NewGoogleAPI(baseURL string, rps float64, timeout time.Duration) GoogleAPI {
	reports, iam, drive, script := baseURL, baseURL, baseURL, baseURL
	if baseURL == "" {
		reports = "https://admin.googleapis.com"
		iam = "https://iam.googleapis.com"
		drive = "https://www.googleapis.com"
		script = "https://script.googleapis.com"
	}
	return &httpGoogleAPI{
		reports: newAPIClient(reports, rps, timeout),
		iam:     newAPIClient(iam, rps, timeout),
		drive:   newAPIClient(drive, rps, timeout),
		script:  newAPIClient(script, rps, timeout),
	}
}

func (g *httpGoogleAPI) ListTokenEvents(ctx context.Context, token string) ([]GoogleTokenEvent, error) {
	const op = "google/reports.token"

	var out []GoogleTokenEvent
	pageToken := ""
	for {
		var resp struct {
			Items []struct {
				ID struct {
					Time string `json:"time"`
				} `json:"id"`
				Actor struct {
					Email string `json:"email"`
				} `json:"actor"`
				Events []struct {
					Name       string `json:"name"`
					Parameters []struct {
						Name       string   `json:"name"`
						Value      string   `json:"value"`
						MultiValue []string `json:"multiValue"`
					} `json:"parameters"`
				} `json:"events"`
			} `json:"items"`
			NextPageToken string `json:"nextPageToken"`
		}
		path := "/admin/reports/v1/activity/users/all/applications/token?maxResults=1000"
		if pageToken != "" {
			path += "&pageToken=" + pageToken
		}
		if err := g.reports.getJSON(ctx, op, path, token, &resp); err != nil {
			return nil, err
		}
		for _, item := range resp.Items {
			when, _ := time.Parse(time.RFC3339, item.ID.Time)
			for _, ev := range item.Events {
				tok := GoogleTokenEvent{UserEmail: item.Actor.Email, Time: when}
				for _, p := range ev.Parameters {
					switch p.Name {
					case "client_id":
						tok.ClientID = p.Value
					case "app_name":
						tok.DisplayText = p.Value
					case "scope":
						tok.Scopes = p.MultiValue
					}
				}
				if tok.ClientID != "" {
					out = append(out, tok)
				}
			}
		}
		pageToken = resp.NextPageToken
		if pageToken == "" {
			return out, nil
		}
	}
}

func (g *httpGoogleAPI) ListServiceAccounts(ctx context.Context, token, projectID string) ([]GoogleServiceAccount, error) {
	const op = "google/iam.serviceAccounts"

	var out []GoogleServiceAccount
	pageToken := ""
	for {
		var resp struct {
			Accounts []struct {
				Email          string `json:"email"`
				DisplayName    string `json:"displayName"`
				ProjectID      string `json:"projectId"`
				UniqueID       string `json:"uniqueId"`
				OAuth2ClientID string `json:"oauth2ClientId"`
				Disabled       bool   `json:"disabled"`
			} `json:"accounts"`
			NextPageToken string `json:"nextPageToken"`
		}
		path := fmt.Sprintf("/v1/projects/%s/serviceAccounts?pageSize=100", projectID)
		if pageToken != "" {
			path += "&pageToken=" + pageToken
		}
		if err := g.iam.getJSON(ctx, op, path, token, &resp); err != nil {
			return nil, err
		}
		for _, acc := range resp.Accounts {
			out = append(out, GoogleServiceAccount{
				Email:          acc.Email,
				DisplayName:    acc.DisplayName,
				ProjectID:      acc.ProjectID,
				UniqueID:       acc.UniqueID,
				OAuth2ClientID: acc.OAuth2ClientID,
				Disabled:       acc.Disabled,
			})
		}
		pageToken = resp.NextPageToken
		if pageToken == "" {
			return out, nil
		}
	}
}

func (g *httpGoogleAPI) ListScriptFiles(ctx context.Context, token string) ([]GoogleDriveFile, error) {
	const op = "google/drive.files"

	var out []GoogleDriveFile
	pageToken := ""
	for {
		var resp struct {
			Files []struct {
				ID     string `json:"id"`
				Name   string `json:"name"`
				Owners []struct {
					EmailAddress string `json:"emailAddress"`
				} `json:"owners"`
				Shared       bool   `json:"shared"`
				ModifiedTime string `json:"modifiedTime"`
			} `json:"files"`
			NextPageToken string `json:"nextPageToken"`
		}
		path := "/drive/v3/files?q=mimeType%3D%27application%2Fvnd.google-apps.script%27" +
			"&fields=nextPageToken%2Cfiles(id%2Cname%2Cowners%2Cshared%2CmodifiedTime)&pageSize=100"
		if pageToken != "" {
			path += "&pageToken=" + pageToken
		}
		if err := g.drive.getJSON(ctx, op, path, token, &resp); err != nil {
			return nil, err
		}
		for _, f := range resp.Files {
			owner := ""
			if len(f.Owners) > 0 {
				owner = f.Owners[0].EmailAddress
			}
			modified, _ := time.Parse(time.RFC3339, f.ModifiedTime)
			out = append(out, GoogleDriveFile{
				ID:           f.ID,
				Name:         f.Name,
				Owner:        owner,
				Shared:       f.Shared,
				ModifiedTime: modified,
			})
		}
		pageToken = resp.NextPageToken
		if pageToken == "" {
			return out, nil
		}
	}
}

// fetchURLPattern pulls hostnames out of script source; UrlFetchApp calls
// embed their targets as string literals.
var fetchURLPattern = regexp.MustCompile(`https?://([A-Za-z0-9][A-Za-z0-9.-]*)`)

func (g *httpGoogleAPI) GetScriptContent(ctx context.Context, token, scriptID string) (GoogleScriptContent, error) {
	op := "google/script.content"

	var resp struct {
		Files []struct {
			Name        string `json:"name"`
			Type        string `json:"type"`
			Source      string `json:"source"`
			FunctionSet struct {
				Values []struct {
					Name string `json:"name"`
				} `json:"values"`
			} `json:"functionSet"`
		} `json:"files"`
	}
	path := fmt.Sprintf("/v1/projects/%s/content", scriptID)
	if err := g.script.getJSON(ctx, op, path, token, &resp); err != nil {
		return GoogleScriptContent{}, err
	}

	var content GoogleScriptContent
	seen := map[string]struct{}{}
	for _, f := range resp.Files {
		for _, fn := range f.FunctionSet.Values {
			content.Functions = append(content.Functions, fn.Name)
		}
		for _, m := range fetchURLPattern.FindAllStringSubmatch(f.Source, -1) {
			host := strings.ToLower(m[1])
			if _, dup := seen[host]; dup {
				continue
			}
			seen[host] = struct{}{}
			content.FetchHosts = append(content.FetchHosts, host)
		}
	}
	return content, nil
}
