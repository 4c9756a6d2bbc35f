package github

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AppAuth mints installation tokens for an app installation. It
// implements TokenSource; tokens are cached until shortly before
// expiry.
type AppAuth struct {
	AppID          string
	InstallationID int64
	PrivateKey     *rsa.PrivateKey

	baseURL    string
	httpClient *http.Client

	mu      sync.Mutex
	token   string
	expires time.Time
}

// NewAppAuth builds a token source from the app id and a private key
// in PEM form (PKCS#1 or PKCS#8, optionally base64-wrapped).
func NewAppAuth(appID string, installationID int64, keyPEM []byte) (*AppAuth, error) {
	key, err := ParsePrivateKey(keyPEM)
	if err != nil {
		return nil, err
	}
	return &AppAuth{
		AppID:          appID,
		InstallationID: installationID,
		PrivateKey:     key,
		baseURL:        defaultBaseURL,
		httpClient:     &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// SetBaseURL points token minting at a different API root. Used by
// tests.
func (a *AppAuth) SetBaseURL(u string) { a.baseURL = strings.TrimRight(u, "/") }

// ParsePrivateKey decodes an RSA private key. Deployment environments
// commonly base64-wrap the whole PEM block to survive env-var quoting,
// so that layer is peeled first when present.
func ParsePrivateKey(data []byte) (*rsa.PrivateKey, error) {
	trimmed := strings.TrimSpace(string(data))
	if !strings.HasPrefix(trimmed, "-----BEGIN") {
		decoded, err := base64.StdEncoding.DecodeString(trimmed)
		if err != nil {
			return nil, fmt.Errorf("private key is neither PEM nor base64-wrapped PEM: %w", err)
		}
		data = decoded
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in private key")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is %T, want RSA", parsed)
	}
	return key, nil
}

// appJWT signs the short-lived app-level JWT used to mint installation
// tokens.
func (a *AppAuth) appJWT() (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    a.AppID,
		IssuedAt:  jwt.NewNumericDate(now.Add(-30 * time.Second)), // clock skew allowance
		ExpiresAt: jwt.NewNumericDate(now.Add(9 * time.Minute)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(a.PrivateKey)
}

// Token returns a valid installation token, minting a new one when the
// cached token is absent or near expiry.
func (a *AppAuth) Token(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.token != "" && time.Until(a.expires) > time.Minute {
		return a.token, nil
	}

	signed, err := a.appJWT()
	if err != nil {
		return "", fmt.Errorf("signing app JWT: %w", err)
	}

	url := fmt.Sprintf("%s/app/installations/%d/access_tokens", a.baseURL, a.InstallationID)
	req, err := http.NewRequestWithContext(ctx, "POST", url, nil)
	if err != nil {
		return "", fmt.Errorf("creating token request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+signed)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("minting installation token: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("minting installation token: HTTP %d", resp.StatusCode)
	}

	var tok InstallationToken
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", fmt.Errorf("decoding token response: %w", err)
	}

	a.token = tok.Token
	a.expires = time.Now().Add(55 * time.Minute)
	if t, err := time.Parse(time.RFC3339, tok.ExpiresAt); err == nil {
		a.expires = t
	}
	return a.token, nil
}
