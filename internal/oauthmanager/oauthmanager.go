// Package oauthmanager implements AuthManager: per-account device-code
// login, credential caching with legacy-key migration, and expiry-driven
// refresh guarded by a distributed lock.
package oauthmanager

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

	gateway "github.com/qwengate/qwengate/internal"
	"github.com/qwengate/qwengate/internal/kvstore"
)

const (
	deviceCodeEndpoint = "https://chat.qwen.ai/api/v1/oauth2/device/code"
	tokenEndpoint      = "https://chat.qwen.ai/api/v1/oauth2/token"

	memoryTTL           = 5 * time.Second
	refreshLockTTL      = 60 * time.Second
	refreshSafetyWindow = 5 * time.Minute
	refreshPollAttempts = 30
	refreshPollInterval = 500 * time.Millisecond
)

// DeviceAuth is the response to starting a device-code flow.
type DeviceAuth struct {
	DeviceCode              string `json:"deviceCode"`
	UserCode                string `json:"userCode"`
	VerificationURI         string `json:"verificationUri"`
	VerificationURIComplete string `json:"verificationUriComplete"`
	ExpiresIn               int    `json:"expiresIn"`
	Interval                int    `json:"interval"`
}

// Manager is the AuthManager for a single account.
type Manager struct {
	credsKey string
	clientID string
	store    kvstore.Store
	client   *http.Client
	now      func() time.Time

	deviceCodeURL string
	tokenURL      string

	mu             sync.Mutex
	memoryCreds    *gateway.Credential
	memoryLoadedAt time.Time
	legacyChecked  bool
}

// New builds an AuthManager for the given canonical credential key.
func New(credsKey, clientID string, store kvstore.Store, client *http.Client, now func() time.Time) *Manager {
	if now == nil {
		now = time.Now
	}
	return &Manager{
		credsKey:      credsKey,
		clientID:      clientID,
		store:         store,
		client:        client,
		now:           now,
		deviceCodeURL: deviceCodeEndpoint,
		tokenURL:      tokenEndpoint,
	}
}

func legacyKey(credsKey string) string { return "./" + credsKey }

// StartDeviceAuth begins a device-code flow for the given PKCE challenge.
func (m *Manager) StartDeviceAuth(ctx context.Context, challenge string) (DeviceAuth, error) {
	form := url.Values{
		"client_id":             {m.clientID},
		"scope":                 {"openid profile email model.completion"},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
	}

	var resp struct {
		DeviceCode              string `json:"device_code"`
		UserCode                string `json:"user_code"`
		VerificationURI         string `json:"verification_uri"`
		VerificationURIComplete string `json:"verification_uri_complete"`
		ExpiresIn               int    `json:"expires_in"`
		Interval                int    `json:"interval"`
	}
	if err := m.postForm(ctx, m.deviceCodeURL, form, &resp); err != nil {
		return DeviceAuth{}, fmt.Errorf("start device auth: %w", err)
	}
	return DeviceAuth{
		DeviceCode:              resp.DeviceCode,
		UserCode:                resp.UserCode,
		VerificationURI:         resp.VerificationURI,
		VerificationURIComplete: resp.VerificationURIComplete,
		ExpiresIn:               resp.ExpiresIn,
		Interval:                resp.Interval,
	}, nil
}

// ExchangeDeviceCode polls the token endpoint once. pending=true means the
// caller should retry after the poll interval; it is not an error.
func (m *Manager) ExchangeDeviceCode(ctx context.Context, deviceCode, verifier string) (creds *gateway.Credential, pending bool, err error) {
	form := url.Values{
		"grant_type":    {"urn:ietf:params:oauth:grant-type:device_code"},
		"client_id":     {m.clientID},
		"device_code":   {deviceCode},
		"code_verifier": {verifier},
	}

	var resp tokenResponse
	status, body, err := m.doForm(ctx, m.tokenURL, form)
	if err != nil {
		return nil, false, fmt.Errorf("exchange device code: %w", err)
	}
	if status/100 != 2 {
		if errCode := pendingErrorCode(body); errCode != "" {
			return nil, true, nil
		}
		return nil, false, fmt.Errorf("exchange device code: HTTP %d: %s", status, string(body))
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, false, fmt.Errorf("exchange device code: decode response: %w", err)
	}

	c := resp.toCredential(m.now())
	if err := m.persist(ctx, c); err != nil {
		return nil, false, fmt.Errorf("exchange device code: persist credential: %w", err)
	}
	return &c, false, nil
}

func pendingErrorCode(body []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &e) != nil {
		return ""
	}
	if e.Error == "authorization_pending" || e.Error == "slow_down" {
		return e.Error
	}
	return ""
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	Scope        string `json:"scope"`
	ResourceURL  string `json:"resource_url"`
	ExpiresIn    int64  `json:"expires_in"`
}

func (r tokenResponse) toCredential(now time.Time) gateway.Credential {
	return gateway.Credential{
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
		TokenType:    r.TokenType,
		Scope:        r.Scope,
		ResourceURL:  r.ResourceURL,
		ExpiryUnixMs: now.UnixMilli() + r.ExpiresIn*1000,
	}
}

// GetValid returns a non-expired credential, refreshing it first if it is
// inside the safety window. It fails with ErrNoCreds if nothing is stored.
func (m *Manager) GetValid(ctx context.Context) (gateway.Credential, error) {
	creds, err := m.load(ctx)
	if err != nil {
		return gateway.Credential{}, err
	}

	nowMs := m.now().UnixMilli()
	if creds.Expired(nowMs, refreshSafetyWindow.Milliseconds()) {
		refreshed, err := m.Refresh(ctx, creds.RefreshToken)
		if err != nil {
			return gateway.Credential{}, err
		}
		return refreshed, nil
	}
	return creds, nil
}

// load returns the cached credential if fresh (<=5s), otherwise reads the
// canonical key, migrating a legacy "./"-prefixed key on first call.
func (m *Manager) load(ctx context.Context) (gateway.Credential, error) {
	m.mu.Lock()
	if m.memoryCreds != nil && m.now().Sub(m.memoryLoadedAt) <= memoryTTL {
		creds := *m.memoryCreds
		m.mu.Unlock()
		return creds, nil
	}
	m.mu.Unlock()

	creds, found, err := m.readKey(ctx, m.credsKey)
	if err != nil {
		return gateway.Credential{}, err
	}

	m.mu.Lock()
	checkedLegacy := m.legacyChecked
	m.mu.Unlock()

	if !found && !checkedLegacy {
		legacyCreds, legacyFound, err := m.readKey(ctx, legacyKey(m.credsKey))
		if err != nil {
			return gateway.Credential{}, err
		}
		if legacyFound {
			if err := m.store.Set(ctx, m.credsKey, mustMarshal(legacyCreds), 0); err != nil {
				return gateway.Credential{}, fmt.Errorf("migrate legacy credential: %w", err)
			}
			_ = m.store.Delete(ctx, legacyKey(m.credsKey))
			creds, found = legacyCreds, true
		}
	}
	m.mu.Lock()
	m.legacyChecked = true
	m.mu.Unlock()

	if !found {
		return gateway.Credential{}, gateway.ErrNoCreds
	}

	m.cacheMemory(creds)
	return creds, nil
}

func (m *Manager) readKey(ctx context.Context, key string) (gateway.Credential, bool, error) {
	raw, ok, err := m.store.Get(ctx, key)
	if err != nil {
		return gateway.Credential{}, false, fmt.Errorf("read %s: %w", key, err)
	}
	if !ok {
		return gateway.Credential{}, false, nil
	}
	var creds gateway.Credential
	if err := json.Unmarshal(raw, &creds); err != nil {
		return gateway.Credential{}, false, fmt.Errorf("decode credential %s: %w", key, err)
	}
	return creds, true, nil
}

func (m *Manager) cacheMemory(creds gateway.Credential) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := creds
	m.memoryCreds = &c
	m.memoryLoadedAt = m.now()
}

func (m *Manager) persist(ctx context.Context, creds gateway.Credential) error {
	if err := m.store.Set(ctx, m.credsKey, mustMarshal(creds), 0); err != nil {
		return err
	}
	m.cacheMemory(creds)
	return nil
}

func mustMarshal(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}

// Refresh rotates the access token. Only one instance actually performs the
// upstream call per account at a time; contenders poll for the rotated
// refresh token instead of racing the vendor.
func (m *Manager) Refresh(ctx context.Context, refreshToken string) (gateway.Credential, error) {
	lockName := kvstore.LockKey(m.credsKey)
	token, err := m.store.Acquire(ctx, lockName, refreshLockTTL)
	if err != nil {
		return gateway.Credential{}, fmt.Errorf("acquire refresh lock: %w", err)
	}
	if token == "" {
		return m.waitForRotatedToken(ctx, refreshToken)
	}
	defer func() { _ = m.store.Release(ctx, lockName, token) }()

	latest, found, err := m.readKey(ctx, m.credsKey)
	if err != nil {
		return gateway.Credential{}, err
	}
	if found && latest.RefreshToken != refreshToken {
		// Another writer already rotated the token while we waited for the lock.
		m.cacheMemory(latest)
		return latest, nil
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {m.clientID},
		"refresh_token": {refreshToken},
	}
	status, body, err := m.doForm(ctx, m.tokenURL, form)
	if err != nil {
		return gateway.Credential{}, fmt.Errorf("refresh: %w", err)
	}
	if status == http.StatusBadRequest || status == http.StatusUnauthorized {
		return gateway.Credential{}, gateway.ErrAuthExpired
	}
	if status/100 != 2 {
		return gateway.Credential{}, fmt.Errorf("refresh: HTTP %d: %s", status, string(body))
	}

	var resp tokenResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return gateway.Credential{}, fmt.Errorf("refresh: decode response: %w", err)
	}
	next := resp.toCredential(m.now())
	next.Alias = latest.Alias
	if next.ResourceURL == "" {
		next.ResourceURL = latest.ResourceURL
	}

	if err := m.persist(ctx, next); err != nil {
		return gateway.Credential{}, fmt.Errorf("refresh: persist: %w", err)
	}
	return next, nil
}

func (m *Manager) waitForRotatedToken(ctx context.Context, staleRefreshToken string) (gateway.Credential, error) {
	for i := 0; i < refreshPollAttempts; i++ {
		select {
		case <-ctx.Done():
			return gateway.Credential{}, ctx.Err()
		case <-time.After(refreshPollInterval):
		}
		creds, found, err := m.readKey(ctx, m.credsKey)
		if err != nil {
			return gateway.Credential{}, err
		}
		if found && creds.RefreshToken != staleRefreshToken {
			m.cacheMemory(creds)
			return creds, nil
		}
	}
	return gateway.Credential{}, gateway.ErrRefreshTimeout
}

// ProbeStatus performs a minimal 5s-timeout chat probe to validate a
// credential without consuming meaningful quota, returning the HTTP status.
func (m *Manager) ProbeStatus(ctx context.Context, creds gateway.Credential) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	base := creds.NormalizedBaseURL("")
	if base == "" {
		return 0, fmt.Errorf("probe status: no resource url on credential")
	}
	body := strings.NewReader(`{"model":"qwen-plus","messages":[{"role":"user","content":"ping"}],"max_tokens":1}`)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/chat/completions", body)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+creds.AccessToken)

	resp, err := m.httpClient().Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return resp.StatusCode, nil
}

// CachedAlias returns the account's alias from memory, or a derived alias
// stripped of known credential-key prefixes/suffixes.
func (m *Manager) CachedAlias() string {
	m.mu.Lock()
	creds := m.memoryCreds
	m.mu.Unlock()
	if creds != nil && creds.Alias != "" {
		return creds.Alias
	}
	alias := m.credsKey
	alias = strings.TrimPrefix(alias, "qwen_creds_")
	alias = strings.TrimPrefix(alias, "oauth_creds_")
	alias = strings.TrimSuffix(alias, ".json")
	return alias
}

func (m *Manager) httpClient() *http.Client {
	if m.client != nil {
		return m.client
	}
	return http.DefaultClient
}

func (m *Manager) postForm(ctx context.Context, endpoint string, form url.Values, out any) error {
	status, body, err := m.doForm(ctx, endpoint, form)
	if err != nil {
		return err
	}
	if status/100 != 2 {
		return fmt.Errorf("HTTP %d: %s", status, string(body))
	}
	return json.Unmarshal(body, out)
}

func (m *Manager) doForm(ctx context.Context, endpoint string, form url.Values) (status int, body []byte, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.httpClient().Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, b, nil
}
