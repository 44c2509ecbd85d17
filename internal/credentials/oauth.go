package credentials

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"

	"github.com/darrentmorgan/singura-sub016/pkg/models"
)

// Token endpoints for the supported platforms. Microsoft uses the
// multi-tenant "common" endpoint; single-tenant apps can override via
// a custom RefreshFunc.
const (
	SlackTokenURL     = "https://slack.com/api/oauth.v2.access"
	GoogleTokenURL    = "https://oauth2.googleapis.com/token"
	MicrosoftTokenURL = "https://login.microsoftonline.com/common/oauth2/v2.0/token"
)

// OAuthRefresher exchanges refresh tokens against a platform token
// endpoint using golang.org/x/oauth2.
type OAuthRefresher struct {
	conf oauth2.Config
}

// NewOAuthRefresher builds a refresher for one OAuth client registration.
func NewOAuthRefresher(clientID, clientSecret, tokenURL string) *OAuthRefresher {
	return &OAuthRefresher{conf: oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: tokenURL},
	}}
}

// Refresh implements RefreshFunc.
func (r *OAuthRefresher) Refresh(ctx context.Context, cred models.Credential) (models.Credential, error) {
	if cred.RefreshToken == "" {
		return models.Credential{}, models.Classify(models.ErrClassAuthentication, "credentials/refresh",
			errors.New("no refresh token"))
	}

	src := r.conf.TokenSource(ctx, &oauth2.Token{RefreshToken: cred.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		return models.Credential{}, classifyTokenError(err)
	}

	out := cred
	out.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		// Some platforms rotate the refresh token on every exchange.
		out.RefreshToken = tok.RefreshToken
	}
	if tok.TokenType != "" {
		out.TokenType = tok.TokenType
	}
	if !tok.Expiry.IsZero() {
		expiry := tok.Expiry.UTC()
		out.ExpiresAt = &expiry
	}
	return out, nil
}

// classifyTokenError maps token-endpoint failures onto the error taxonomy:
// a definitive rejection (revoked grant, bad client) is authentication,
// endpoint trouble is network.
func classifyTokenError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		switch {
		case re.Response != nil && re.Response.StatusCode >= 500:
			return models.Classify(models.ErrClassNetwork, "credentials/refresh", err)
		case re.Response != nil && re.Response.StatusCode == http.StatusTooManyRequests:
			return models.Classify(models.ErrClassRateLimit, "credentials/refresh", err)
		default:
			return models.Classify(models.ErrClassAuthentication, "credentials/refresh", err)
		}
	}
	return models.Classify(models.ErrClassNetwork, "credentials/refresh", fmt.Errorf("token endpoint: %w", err))
}
