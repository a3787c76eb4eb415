package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/parcelwatch/parcelwatch/internal/httputil"
)

const tokenPath = "/auth/realms/main/protocol/openid-connect/token"

// refreshMargin is subtracted from the token lifetime so we never present a
// token that expires mid-request.
const refreshMargin = 5 * time.Minute

// Authenticator manages OAuth2 client-credentials tokens for the statistics
// API, caching the token until shortly before expiry.
type Authenticator struct {
	baseURL      string
	clientID     string
	clientSecret string
	client       *http.Client

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

func NewAuthenticator(baseURL, clientID, clientSecret string) *Authenticator {
	return &Authenticator{
		baseURL:      baseURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		client:       httputil.NewClient(),
	}
}

// Token returns a valid access token, fetching a new one if the cached token
// is missing or expired.
func (a *Authenticator) Token(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.token != "" && time.Now().Before(a.expiresAt) {
		return a.token, nil
	}

	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+tokenPath, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	req.SetBasicAuth(a.clientID, a.clientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch token: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var data struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &data); err != nil {
		return "", fmt.Errorf("unmarshal token response: %w", err)
	}
	if data.AccessToken == "" {
		return "", fmt.Errorf("token response missing access_token")
	}

	expiresIn := data.ExpiresIn
	if expiresIn == 0 {
		expiresIn = 3600
	}

	a.token = data.AccessToken
	a.expiresAt = time.Now().Add(time.Duration(expiresIn)*time.Second - refreshMargin)
	return a.token, nil
}
