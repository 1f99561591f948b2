package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	gateway "github.com/qwengate/qwengate/internal"
)

func TestRequestIDGeneratesWhenMissing(t *testing.T) {
	s := newTestServer(t, newFakeRegistry(), &fakeAdminPool{}, &fakeAdminQuota{})
	var seen string
	h := s.requestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = gateway.RequestIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if seen == "" {
		t.Fatal("expected a generated request id")
	}
	if rec.Header().Get(requestIDHeader) != seen {
		t.Fatalf("response header %q does not match context id %q", rec.Header().Get(requestIDHeader), seen)
	}
}

func TestRequestIDPreservesValidClientHeader(t *testing.T) {
	s := newTestServer(t, newFakeRegistry(), &fakeAdminPool{}, &fakeAdminQuota{})
	var seen string
	h := s.requestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = gateway.RequestIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(requestIDHeader, "client-supplied-id")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if seen != "client-supplied-id" {
		t.Fatalf("got %q", seen)
	}
}

func TestRequestIDRejectsInvalidClientHeader(t *testing.T) {
	s := newTestServer(t, newFakeRegistry(), &fakeAdminPool{}, &fakeAdminQuota{})
	var seen string
	h := s.requestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = gateway.RequestIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(requestIDHeader, "has spaces/slashes")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if seen == "has spaces/slashes" || seen == "" {
		t.Fatalf("expected invalid client id to be replaced, got %q", seen)
	}
}

func TestRecoveryCatchesPanic(t *testing.T) {
	s := newTestServer(t, newFakeRegistry(), &fakeAdminPool{}, &fakeAdminQuota{})
	h := s.recovery(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/chat/completions", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("got status %d", rec.Code)
	}
}

func TestSecurityHeadersSet(t *testing.T) {
	s := newTestServer(t, newFakeRegistry(), &fakeAdminPool{}, &fakeAdminQuota{})
	h := s.securityHeaders(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("got %q", rec.Header().Get("X-Content-Type-Options"))
	}
	if rec.Header().Get("X-Frame-Options") != "DENY" {
		t.Fatalf("got %q", rec.Header().Get("X-Frame-Options"))
	}
}

func TestConstantTimeEqualRejectsEmptyWant(t *testing.T) {
	if constantTimeEqual("anything", "") {
		t.Fatal("empty configured secret must never match")
	}
}

func TestValidBearerRejectsMalformedHeader(t *testing.T) {
	if validBearer("not-a-bearer-token", "key") {
		t.Fatal("expected rejection of a header without the Bearer prefix")
	}
	if validBearer("Bearer wrong", "key") {
		t.Fatal("expected rejection of a mismatched token")
	}
	if !validBearer("Bearer key", "key") {
		t.Fatal("expected acceptance of a matching token")
	}
}
