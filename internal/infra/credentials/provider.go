package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"renderly/internal/domain"
)

// refreshSkew forces a refresh when the cached token is within this window of
// its expiry, so in-flight requests never ride a token about to lapse.
const refreshSkew = 2 * time.Minute

const defaultTokenLifetime = 10 * time.Minute

// TokenSource produces a fresh bearer token and its expiry.
type TokenSource interface {
	Token(ctx context.Context) (string, time.Time, error)
}

// Provider caches a bearer credential for the scene-generation backend.
// It is constructed once at process start and shared by reference across all
// concurrent job runs; the mutex makes refresh and read mutually exclusive so
// callers observe either the pre- or post-refresh token, never a partial one.
type Provider struct {
	mu     sync.Mutex
	source TokenSource
	token  string
	expiry time.Time
	now    func() time.Time
}

// NewProvider wraps a token source in a refresh-caching provider.
func NewProvider(source TokenSource) *Provider {
	return &Provider{source: source, now: time.Now}
}

// AuthorizationHeader returns the header map to attach to scene-backend
// requests. The map is empty when no credential could be obtained, which
// callers must treat as fatal for the calling stage.
func (p *Provider) AuthorizationHeader(ctx context.Context) (map[string]string, error) {
	token, err := p.accessToken(ctx)
	if err != nil {
		return nil, err
	}
	if token == "" {
		return map[string]string{}, nil
	}
	return map[string]string{"Authorization": "Bearer " + token}, nil
}

func (p *Provider) accessToken(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.needsRefresh() {
		return p.token, nil
	}

	token, expiry, err := p.source.Token(ctx)
	if err != nil {
		return "", domain.WrapStageError(domain.ErrorKindAuth, "credentials", fmt.Errorf("refresh token: %w", err))
	}
	if expiry.IsZero() {
		expiry = p.now().Add(defaultTokenLifetime)
	}
	p.token = token
	p.expiry = expiry.UTC()
	return p.token, nil
}

func (p *Provider) needsRefresh() bool {
	if p.token == "" || p.expiry.IsZero() {
		return true
	}
	return !p.now().UTC().Add(refreshSkew).Before(p.expiry)
}

// HTTPTokenSource fetches tokens from an HTTP endpoint that answers with a
// JSON body of the form {"access_token": "...", "expires_in": 3600}, the shape
// served by the GCE metadata service and service-account token brokers.
type HTTPTokenSource struct {
	URL        string
	HTTPClient *http.Client
}

func NewHTTPTokenSource(url string, client *http.Client) *HTTPTokenSource {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPTokenSource{URL: url, HTTPClient: client}
}

func (s *HTTPTokenSource) Token(ctx context.Context) (string, time.Time, error) {
	if strings.TrimSpace(s.URL) == "" {
		return "", time.Time{}, fmt.Errorf("token endpoint not configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Metadata-Flavor", "Google")

	resp, err := s.HTTPClient.Do(req)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("fetch token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", time.Time{}, fmt.Errorf("token endpoint status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", time.Time{}, fmt.Errorf("decode token response: %w", err)
	}
	if payload.AccessToken == "" {
		return "", time.Time{}, fmt.Errorf("token endpoint returned empty access_token")
	}

	expiry := time.Time{}
	if payload.ExpiresIn > 0 {
		expiry = time.Now().UTC().Add(time.Duration(payload.ExpiresIn) * time.Second)
	}
	return payload.AccessToken, expiry, nil
}
