package server

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	gateway "github.com/qwengate/qwengate/internal"
	"github.com/qwengate/qwengate/internal/kvstore"
	"github.com/qwengate/qwengate/internal/oauthmanager"
	"github.com/qwengate/qwengate/internal/pool"
)

// Pool is the subset of *pool.Pool the admin surface drives.
type Pool interface {
	Size() int
	Snapshot() []gateway.RuntimeState
	Rescan(ctx context.Context, mode pool.ScanMode) error
}

// Registry is the subset of *registry.Registry the admin surface drives.
type Registry interface {
	Enroll(ctx context.Context, id string) error
	SetAlias(ctx context.Context, id, alias string) error
	Remove(ctx context.Context, id string) error
}

// Quota is the subset of *quota.Manager the admin surface drives.
type Quota interface {
	GetUsage(ctx context.Context, providerID string) (gateway.AccountUsage, error)
	GetUsageBatch(ctx context.Context, ids []string) (map[string]gateway.AccountUsage, error)
	GetRecentAudit(ctx context.Context, limit int) ([]gateway.AuditRow, error)
}

// KV is the blob-store dependency the admin surface drives directly, the
// full kvstore.Store (not a narrower view): a fresh account's oauthmanager.Manager
// is constructed inline here once its credential key is known, and that
// constructor requires the full store.
type KV = kvstore.Store

const (
	pendingAuthTTL  = 10 * time.Minute
	credsKeyPrefix  = "qwen_creds_"
	credsKeySuffix  = ".json"
	statsAuditLimit = 100
)

// pendingAuth tracks one in-flight device-code login between /auth/start
// and /auth/poll. There is no server-side session cookie: the caller must
// echo deviceCode back on every poll.
type pendingAuth struct {
	verifier  string
	startedAt time.Time
}

type adminState struct {
	mu      sync.Mutex
	pending map[string]pendingAuth
}

func newAdminState() *adminState {
	return &adminState{pending: make(map[string]pendingAuth)}
}

func (a *adminState) put(deviceCode, verifier string, now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pending[deviceCode] = pendingAuth{verifier: verifier, startedAt: now}
}

func (a *adminState) get(deviceCode string) (pendingAuth, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.pending[deviceCode]
	return p, ok
}

func (a *adminState) delete(deviceCode string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.pending, deviceCode)
}

// handleAdminStats implements GET /admin/api/stats.
func (s *server) handleAdminStats(w http.ResponseWriter, r *http.Request) {
	snapshot := s.deps.Pool.Snapshot()
	ids := make([]string, len(snapshot))
	for i, rs := range snapshot {
		ids[i] = rs.ID
	}
	usage, err := s.deps.Quota.GetUsageBatch(r.Context(), ids)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse(err.Error()))
		return
	}
	audit, err := s.deps.Quota.GetRecentAudit(r.Context(), statsAuditLimit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse(err.Error()))
		return
	}

	type providerStat struct {
		gateway.RuntimeState
		Usage gateway.AccountUsage `json:"usage"`
	}
	providers := make([]providerStat, len(snapshot))
	for i, rs := range snapshot {
		providers[i] = providerStat{RuntimeState: rs, Usage: usage[rs.ID]}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"poolSize":  s.deps.Pool.Size(),
		"providers": providers,
		"audit":     audit,
	})
}

// handleAuthStart implements POST /admin/api/auth/start: begins a
// device-code login and hands the caller a verification URL to visit.
func (s *server) handleAuthStart(w http.ResponseWriter, r *http.Request) {
	verifier, challenge, err := newPKCEPair()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse("failed to generate PKCE challenge"))
		return
	}

	mgr := oauthmanager.New("", s.deps.QwenClientID, s.deps.KV, s.deps.HTTPClient, s.deps.Now)
	auth, err := mgr.StartDeviceAuth(r.Context(), challenge)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, errorResponse(err.Error()))
		return
	}

	s.admin.put(auth.DeviceCode, verifier, s.now())
	writeJSON(w, http.StatusOK, auth)
}

type authPollRequest struct {
	DeviceCode string `json:"deviceCode"`
}

// handleAuthPoll implements POST /admin/api/auth/poll: a single poll of the
// token endpoint. On success a fresh canonical credential key is minted,
// the credential is persisted, the account is enrolled in the registry,
// and a light rescan is triggered so the pool picks it up immediately.
func (s *server) handleAuthPoll(w http.ResponseWriter, r *http.Request) {
	var req authPollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DeviceCode == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("missing deviceCode"))
		return
	}

	pending, ok := s.admin.get(req.DeviceCode)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse("unknown or expired device code"))
		return
	}
	if s.now().Sub(pending.startedAt) > pendingAuthTTL {
		s.admin.delete(req.DeviceCode)
		writeJSON(w, http.StatusGone, errorResponse("device code expired"))
		return
	}

	id, err := newCredsKey()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse("failed to allocate account id"))
		return
	}

	mgr := oauthmanager.New(id, s.deps.QwenClientID, s.deps.KV, s.deps.HTTPClient, s.deps.Now)
	_, waiting, err := mgr.ExchangeDeviceCode(r.Context(), req.DeviceCode, pending.verifier)
	if err != nil {
		s.admin.delete(req.DeviceCode)
		writeJSON(w, http.StatusBadGateway, errorResponse(err.Error()))
		return
	}
	if waiting {
		writeJSON(w, http.StatusOK, map[string]any{"pending": true})
		return
	}

	s.admin.delete(req.DeviceCode)

	if err := s.deps.Registry.Enroll(r.Context(), id); err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse(err.Error()))
		return
	}
	if err := s.deps.Pool.Rescan(r.Context(), pool.ScanLight); err != nil {
		// A missed rescan just means the account appears on the next
		// scheduled scan instead of immediately.
		writeJSON(w, http.StatusOK, map[string]any{"pending": false, "id": id, "warning": "rescan deferred"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pending": false, "id": id})
}

type aliasRequest struct {
	Alias string `json:"alias"`
}

// handleSetAlias implements PATCH /admin/api/providers/alias?id=.
func (s *server) handleSetAlias(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("missing id"))
		return
	}
	var req aliasRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body"))
		return
	}
	if err := s.deps.Registry.SetAlias(r.Context(), id, req.Alias); err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleRemoveProvider implements DELETE /admin/api/providers?id=.
func (s *server) handleRemoveProvider(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("missing id"))
		return
	}
	if err := s.deps.Registry.Remove(r.Context(), id); err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse(err.Error()))
		return
	}
	_ = s.deps.KV.Delete(r.Context(), id)
	if err := s.deps.Pool.Rescan(r.Context(), pool.ScanLight); err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "warning": "rescan deferred"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleRescan implements POST /admin/api/providers/rescan?mode=(light|full).
func (s *server) handleRescan(w http.ResponseWriter, r *http.Request) {
	mode := pool.ScanLight
	if r.URL.Query().Get("mode") == "full" {
		mode = pool.ScanFull
	}
	if err := s.deps.Pool.Rescan(r.Context(), mode); err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// newCredsKey mints a fresh canonical credential key: "qwen_creds_" followed
// by 8 hex characters (4 random bytes).
func newCredsKey() (string, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return credsKeyPrefix + hex.EncodeToString(b[:]) + credsKeySuffix, nil
}

// newPKCEPair generates an RFC 7636 verifier/challenge pair: a 32-byte
// random verifier, and its S256 challenge (base64url, no padding).
func newPKCEPair() (verifier, challenge string, err error) {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", "", err
	}
	verifier = base64.RawURLEncoding.EncodeToString(b[:])
	sum := sha256.Sum256([]byte(verifier))
	challenge = base64.RawURLEncoding.EncodeToString(sum[:])
	return verifier, challenge, nil
}
