package collector

import (
	"context"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/darrentmorgan/singura-sub016/pkg/models"
)

// microsoftServicesTenant owns Microsoft's own first-party service
// principals, which appear in every tenant and are not shadow automation.
const microsoftServicesTenant = "f8cdef31-a31e-4b4a-93e4-5f571e91255a"

// MicrosoftAPI is the narrow surface of Microsoft Graph and the Power
// Automate management API the adapter needs.
type MicrosoftAPI interface {
	// ListServicePrincipals lists the tenant's service principals.
	ListServicePrincipals(ctx context.Context, token string) ([]MSServicePrincipal, error)

	// ListPermissionGrants lists delegated OAuth2 permission grants.
	ListPermissionGrants(ctx context.Context, token string) ([]MSPermissionGrant, error)

	// ListFlows lists Power Automate flows in the default environment.
	// Tenants without a Power Automate license get a permission error.
	ListFlows(ctx context.Context, token string) ([]MSFlow, error)
}

// MSServicePrincipal is one Graph servicePrincipal.
type MSServicePrincipal struct {
	ObjectID       string
	AppID          string
	DisplayName    string
	Type           string // Application, ManagedIdentity, Legacy
	AccountEnabled bool
	AppOwnerOrgID  string
}

// MSPermissionGrant is one Graph oauth2PermissionGrant. Scope carries the
// granted scopes space-separated, the way Graph returns them.
type MSPermissionGrant struct {
	ClientObjectID string
	Scope          string
	ConsentType    string // AllPrincipals (admin) or Principal (user)
}

// MSFlow is one Power Automate flow.
type MSFlow struct {
	ID          string
	DisplayName string
	State       string // Started, Stopped, Suspended
	TriggerKind string
	Actions     []string
	CreatedTime time.Time
}

// ── Adapter ─────────────────────────────────────────────────

// MicrosoftAdapter discovers consented OAuth apps and Power Automate
// workflows in a Microsoft 365 tenant.
type MicrosoftAdapter struct {
	runner
	api MicrosoftAPI
}

func NewMicrosoftAdapter(api MicrosoftAPI, submethodTimeout time.Duration) *MicrosoftAdapter {
	return &MicrosoftAdapter{
		runner: runner{platform: models.PlatformMicrosoft, timeout: submethodTimeout},
		api:    api,
	}
}

func (a *MicrosoftAdapter) Discover(ctx context.Context, conn *models.PlatformConnection, cred models.Credential) (*Result, error) {
	token := cred.AccessToken
	methods := []subMethod{
		{name: "oauth_apps", run: func(ctx context.Context) ([]models.DiscoveredAutomation, []string, error) {
			return a.oauthApps(ctx, token)
		}},
		{name: "workflows", run: func(ctx context.Context) ([]models.DiscoveredAutomation, []string, error) {
			return a.workflows(ctx, token)
		}},
	}
	return a.discover(ctx, methods)
}

// oauthApps joins service principals with their delegated permission
// grants. Scopes union across every grant for the same principal; grants
// for unknown principals are dropped. The two Graph reads are independent
// and both required, so they run concurrently and the first error wins.
func (a *MicrosoftAdapter) oauthApps(ctx context.Context, token string) ([]models.DiscoveredAutomation, []string, error) {
	var (
		grants     []MSPermissionGrant
		principals []MSServicePrincipal
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		grants, err = a.api.ListPermissionGrants(gctx, token)
		return err
	})
	g.Go(func() error {
		var err error
		principals, err = a.api.ListServicePrincipals(gctx, token)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	scopesByObject := make(map[string][]string)
	adminConsented := make(map[string]bool)
	for _, g := range grants {
		if g.ClientObjectID == "" {
			continue
		}
		scopesByObject[g.ClientObjectID] = models.UnionScopes(
			scopesByObject[g.ClientObjectID], strings.Fields(g.Scope))
		if g.ConsentType == "AllPrincipals" {
			adminConsented[g.ClientObjectID] = true
		}
	}

	out := make([]models.DiscoveredAutomation, 0)
	for _, sp := range principals {
		if sp.Type != "Application" || sp.AppOwnerOrgID == microsoftServicesTenant {
			continue
		}
		status := models.StatusActive
		if !sp.AccountEnabled {
			status = models.StatusInactive
		}
		consent := "user"
		if adminConsented[sp.ObjectID] {
			consent = "admin"
		}
		out = append(out, models.DiscoveredAutomation{
			ExternalID:  sp.AppID,
			Name:        sp.DisplayName,
			Type:        models.AutomationOAuthApp,
			Status:      status,
			Permissions: scopesByObject[sp.ObjectID],
			Metadata: map[string]interface{}{
				"object_id":    sp.ObjectID,
				"consent_type": consent,
			},
		})
	}
	return out, nil, nil
}

// workflows lists Power Automate flows. Unlicensed tenants surface a
// permission error here, which the fan-out demotes to a warning.
func (a *MicrosoftAdapter) workflows(ctx context.Context, token string) ([]models.DiscoveredAutomation, []string, error) {
	flows, err := a.api.ListFlows(ctx, token)
	if err != nil {
		return nil, nil, err
	}

	out := make([]models.DiscoveredAutomation, 0, len(flows))
	for _, f := range flows {
		out = append(out, models.DiscoveredAutomation{
			ExternalID:  f.ID,
			Name:        f.DisplayName,
			Type:        models.AutomationWorkflow,
			Status:      flowStatus(f.State),
			TriggerType: flowTrigger(f.TriggerKind),
			Actions:     f.Actions,
			Metadata:    map[string]interface{}{"state": f.State},
			ObservedAt:  f.CreatedTime,
		})
	}
	return out, nil, nil
}

func flowStatus(state string) models.AutomationStatus {
	switch state {
	case "Started":
		return models.StatusActive
	case "Stopped":
		return models.StatusInactive
	case "Suspended":
		return models.StatusPaused
	default:
		return models.StatusUnknown
	}
}

func flowTrigger(kind string) string {
	switch {
	case strings.Contains(kind, "Recurrence"):
		return "schedule"
	case strings.Contains(kind, "Request"), strings.Contains(kind, "Manual"), strings.Contains(kind, "Button"):
		return "manual"
	case kind == "":
		return "unknown"
	default:
		return "event"
	}
}

// ── HTTP implementation ─────────────────────────────────────

type httpMicrosoftAPI struct {
	graph *apiClient
	flow  *apiClient
}

// NewMicrosoftAPI builds the production Microsoft client. Graph and the
// Power Automate management plane live on different hosts; a non-empty
// base URL overrides both for tests.
func NewMicrosoftAPI(baseURL string, rps float64, timeout time.Duration) MicrosoftAPI {
	graph, flow := baseURL, baseURL
	if baseURL == "" {
		graph = "https://graph.microsoft.com"
		flow = "https://api.flow.microsoft.com"
	}
	return &httpMicrosoftAPI{
		graph: newAPIClient(graph, rps, timeout),
		flow:  newAPIClient(flow, rps, timeout),
	}
}

func (m *httpMicrosoftAPI) ListServicePrincipals(ctx context.Context, token string) ([]MSServicePrincipal, error) {
	const op = "microsoft/graph.servicePrincipals"

	var out []MSServicePrincipal
	path := "/v1.0/servicePrincipals?%24select=id%2CappId%2CdisplayName%2CaccountEnabled" +
		"%2CservicePrincipalType%2CappOwnerOrganizationId&%24top=100"
	for path != "" {
		var resp struct {
			Value []struct {
				ID             string `json:"id"`
				AppID          string `json:"appId"`
				DisplayName    string `json:"displayName"`
				AccountEnabled bool   `json:"accountEnabled"`
				SPType         string `json:"servicePrincipalType"`
				AppOwnerOrgID  string `json:"appOwnerOrganizationId"`
			} `json:"value"`
			NextLink string `json:"@odata.nextLink"`
		}
		if err := m.graph.getJSON(ctx, op, path, token, &resp); err != nil {
			return nil, err
		}
		for _, sp := range resp.Value {
			out = append(out, MSServicePrincipal{
				ObjectID:       sp.ID,
				AppID:          sp.AppID,
				DisplayName:    sp.DisplayName,
				Type:           sp.SPType,
				AccountEnabled: sp.AccountEnabled,
				AppOwnerOrgID:  sp.AppOwnerOrgID,
			})
		}
		path = m.graph.relativize(resp.NextLink)
	}
	return out, nil
}

func (m *httpMicrosoftAPI) ListPermissionGrants(ctx context.Context, token string) ([]MSPermissionGrant, error) {
	const op = "microsoft/graph.oauth2PermissionGrants"

	var out []MSPermissionGrant
	path := "/v1.0/oauth2PermissionGrants?%24top=100"
	for path != "" {
		var resp struct {
			Value []struct {
				ClientID    string `json:"clientId"`
				Scope       string `json:"scope"`
				ConsentType string `json:"consentType"`
			} `json:"value"`
			NextLink string `json:"@odata.nextLink"`
		}
		if err := m.graph.getJSON(ctx, op, path, token, &resp); err != nil {
			return nil, err
		}
		for _, g := range resp.Value {
			out = append(out, MSPermissionGrant{
				ClientObjectID: g.ClientID,
				Scope:          g.Scope,
				ConsentType:    g.ConsentType,
			})
		}
		path = m.graph.relativize(resp.NextLink)
	}
	return out, nil
}

func (m *httpMicrosoftAPI) ListFlows(ctx context.Context, token string) ([]MSFlow, error) {
	const op = "microsoft/flow.list"

	var out []MSFlow
	path := "/providers/Microsoft.ProcessSimple/environments/~default/flows?api-version=2016-11-01"
	for path != "" {
		var resp struct {
			Value []struct {
				Name       string `json:"name"`
				Properties struct {
					DisplayName       string `json:"displayName"`
					State             string `json:"state"`
					CreatedTime       string `json:"createdTime"`
					DefinitionSummary struct {
						Triggers []struct {
							Type string `json:"type"`
							Kind string `json:"kind"`
						} `json:"triggers"`
						Actions []struct {
							Type               string `json:"type"`
							SwaggerOperationID string `json:"swaggerOperationId"`
						} `json:"actions"`
					} `json:"definitionSummary"`
				} `json:"properties"`
			} `json:"value"`
			NextLink string `json:"nextLink"`
		}
		if err := m.flow.getJSON(ctx, op, path, token, &resp); err != nil {
			return nil, err
		}
		for _, f := range resp.Value {
			created, _ := time.Parse(time.RFC3339, f.Properties.CreatedTime)
			trigger := ""
			if ts := f.Properties.DefinitionSummary.Triggers; len(ts) > 0 {
				trigger = ts[0].Type
				if ts[0].Kind != "" {
					trigger = ts[0].Kind
				}
			}
			var actions []string
			for _, act := range f.Properties.DefinitionSummary.Actions {
				name := act.SwaggerOperationID
				if name == "" {
					name = act.Type
				}
				if name != "" {
					actions = append(actions, name)
				}
			}
			out = append(out, MSFlow{
				ID:          f.Name,
				DisplayName: f.Properties.DisplayName,
				State:       f.Properties.State,
				TriggerKind: trigger,
				Actions:     actions,
				CreatedTime: created,
			})
		}
		path = m.flow.relativize(resp.NextLink)
	}
	return out, nil
}
