package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/darrentmorgan/singura-sub016/pkg/models"
)

// apiClient is the shared HTTP layer under the platform API clients:
// per-host rate limiting, bearer auth, JSON decoding, and upstream
// status classification.
type apiClient struct {
	httpc   *http.Client
	limiter *rate.Limiter
	base    string
}

func newAPIClient(base string, rps float64, timeout time.Duration) *apiClient {
	burst := int(math.Ceil(rps))
	if burst < 1 {
		burst = 1
	}
	return &apiClient{
		httpc:   &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		base:    base,
	}
}

// getJSON performs a rate-limited GET and decodes the JSON body into out.
// op names the call in classified errors, e.g. "slack/users.list".
func (c *apiClient) getJSON(ctx context.Context, op, path, token string, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return models.Classify(models.ErrClassNetwork, op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return models.Classify(models.ErrClassInternal, op, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return models.Classify(models.ErrClassNetwork, op, err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(op, resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return models.Classify(models.ErrClassInternal, op, fmt.Errorf("malformed response: %w", err))
	}
	return nil
}

// relativize turns an absolute continuation link (OData nextLink and
// friends) back into a path for getJSON. Links pointing elsewhere than
// the client's base, and empty ones, end pagination.
func (c *apiClient) relativize(link string) string {
	if link == "" || !strings.HasPrefix(link, c.base) {
		return ""
	}
	return strings.TrimPrefix(link, c.base)
}

// classifyStatus maps an HTTP status onto the error taxonomy. 2xx passes.
func classifyStatus(op string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	err := fmt.Errorf("HTTP %d: %s", resp.StatusCode, snippet(resp.Body))
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return models.Classify(models.ErrClassAuthentication, op, err)
	case resp.StatusCode == http.StatusForbidden:
		return models.Classify(models.ErrClassPermission, op, err)
	case resp.StatusCode == http.StatusTooManyRequests:
		ce := models.Classify(models.ErrClassRateLimit, op, err)
		if after, parseErr := strconv.Atoi(resp.Header.Get("Retry-After")); parseErr == nil && after > 0 {
			ce.RetryAfter = time.Duration(after) * time.Second
		}
		return ce
	case resp.StatusCode >= 500:
		return models.Classify(models.ErrClassNetwork, op, err)
	default:
		return models.Classify(models.ErrClassInternal, op, err)
	}
}

// snippet reads a bounded prefix of an error body for messages. Upstream
// error bodies can be arbitrarily large; 512 bytes is plenty for a log.
func snippet(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 512))
	if len(b) == 0 {
		return "(empty body)"
	}
	return string(b)
}
