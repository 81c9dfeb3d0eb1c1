package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/transfa/proof-service/internal/app"
	"github.com/transfa/proof-service/internal/domain"
	"github.com/transfa/proof-service/internal/ledger"
	"github.com/transfa/proof-service/internal/pricing"
	"github.com/transfa/proof-service/internal/store"
)

const (
	testSecret   = "test-signing-secret"
	testIssuer   = "proof-auth"
	testAttester = domain.Address("0xa77e57e5")
	testPlatform = domain.Address("0x9a7f0")
	testOwner    = domain.Address("0xa11ce")
)

type apiFixture struct {
	server *httptest.Server
	tokens *ledger.Memory
	h      *ProofHandlers
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	tokens := ledger.NewMemory()
	svc, err := app.NewService(store.NewMemoryRepository(), tokens, app.ServiceConfig{
		AttesterAddress: testAttester,
		PlatformAddress: testPlatform,
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	h := NewProofHandlers(svc)
	server := httptest.NewServer(ProofRoutes(h, AuthConfig{SigningSecret: testSecret, Issuer: testIssuer}))
	t.Cleanup(server.Close)
	return &apiFixture{server: server, tokens: tokens, h: h}
}

func signToken(t *testing.T, secret string, subject domain.Address, expiresIn time.Duration) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   subject.String(),
		Issuer:    testIssuer,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiresIn)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func (f *apiFixture) do(t *testing.T, method, path, token, body string) (*http.Response, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(method, f.server.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()

	var decoded map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func TestHealth(t *testing.T) {
	f := newAPIFixture(t)
	resp, err := http.Get(f.server.URL + "/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestMutatingRoutesRequireValidToken(t *testing.T) {
	f := newAPIFixture(t)
	tests := []struct {
		name  string
		token string
	}{
		{name: "missing token", token: ""},
		{name: "wrong secret", token: signToken(t, "other-secret", testOwner, time.Hour)},
		{name: "expired", token: signToken(t, testSecret, testOwner, -time.Minute)},
		{name: "zero subject", token: signToken(t, testSecret, "0x000", time.Hour)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := f.do(t, http.MethodPost, "/identities", tt.token, `{"identity":"alice"}`)
			if resp.StatusCode != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", resp.StatusCode)
			}
		})
	}
}

func TestRegisterAndAttemptFlow(t *testing.T) {
	f := newAPIFixture(t)
	if err := f.tokens.Mint(testOwner, pricing.RegistrationFee+pricing.TokenUnit); err != nil {
		t.Fatalf("mint: %v", err)
	}
	owner := signToken(t, testSecret, testOwner, time.Hour)
	attester := signToken(t, testSecret, testAttester, time.Hour)

	resp, body := f.do(t, http.MethodPost, "/identities", owner, `{"identity":"alice","display_name":"Alice"}`)
	if resp.StatusCode != http.StatusCreated || body["identity"] != "alice" {
		t.Fatalf("register: status=%d body=%v", resp.StatusCode, body)
	}

	resp, body = f.do(t, http.MethodPost, "/identities", owner, `{"identity":"alice"}`)
	if resp.StatusCode != http.StatusConflict || body["kind"] != "state" {
		t.Fatalf("duplicate register: status=%d body=%v", resp.StatusCode, body)
	}

	resp, _ = f.do(t, http.MethodPut, "/identities/alice/account", owner, `{"account":"0xc0570d1a"}`)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("non-attester attach: expected 403, got %d", resp.StatusCode)
	}
	resp, body = f.do(t, http.MethodPut, "/identities/alice/account", attester, `{"account":"0xc0570d1a"}`)
	if resp.StatusCode != http.StatusOK || body["custodial_account"] != "0xc0570d1a" {
		t.Fatalf("attach: status=%d body=%v", resp.StatusCode, body)
	}

	resp, body = f.do(t, http.MethodGet, "/identities/alice/quote", "", "")
	if resp.StatusCode != http.StatusOK || body["fee"] != float64(pricing.MinAttemptFee) {
		t.Fatalf("quote: status=%d body=%v", resp.StatusCode, body)
	}

	resp, body = f.do(t, http.MethodPost, "/identities/alice/attempts", owner, "")
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("request attempt: status=%d body=%v", resp.StatusCode, body)
	}
	attempt, _ := body["attempt"].(map[string]interface{})
	if attempt["id"] != float64(1) || attempt["status"] != "pending" {
		t.Fatalf("unexpected attempt %v", attempt)
	}

	resp, _ = f.do(t, http.MethodPut, "/attempts/1/status", attester, `{"status":"success"}`)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("pending -> success: expected 409, got %d", resp.StatusCode)
	}
	resp, body = f.do(t, http.MethodPut, "/attempts/1/status", attester, `{"status":"in_progress"}`)
	if resp.StatusCode != http.StatusOK || body["status"] != "in_progress" {
		t.Fatalf("pending -> in progress: status=%d body=%v", resp.StatusCode, body)
	}
	resp, _ = f.do(t, http.MethodPut, "/attempts/1/status", attester, `{"status":"exploded"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown status: expected 400, got %d", resp.StatusCode)
	}
	for _, payload := range []string{`{}`, `{"status":null}`} {
		resp, body = f.do(t, http.MethodPut, "/attempts/1/status", attester, payload)
		if resp.StatusCode != http.StatusBadRequest || body["error"] != "status is required" {
			t.Fatalf("missing status %s: status=%d body=%v", payload, resp.StatusCode, body)
		}
	}

	resp, body = f.do(t, http.MethodGet, "/attempts/1", "", "")
	if resp.StatusCode != http.StatusOK || body["status"] != "in_progress" {
		t.Fatalf("get attempt: status=%d body=%v", resp.StatusCode, body)
	}
	resp, body = f.do(t, http.MethodGet, "/identities/alice/attempts", "", "")
	if attempts, _ := body["attempts"].([]interface{}); resp.StatusCode != http.StatusOK || len(attempts) != 1 {
		t.Fatalf("list attempts: status=%d body=%v", resp.StatusCode, body)
	}
}

func TestReadRoutes(t *testing.T) {
	f := newAPIFixture(t)
	if err := f.tokens.Mint(testOwner, pricing.RegistrationFee); err != nil {
		t.Fatalf("mint: %v", err)
	}
	owner := signToken(t, testSecret, testOwner, time.Hour)
	if resp, _ := f.do(t, http.MethodPost, "/identities", owner, `{"identity":"bob"}`); resp.StatusCode != http.StatusCreated {
		t.Fatalf("register: %d", resp.StatusCode)
	}

	tests := []struct {
		name       string
		path       string
		wantStatus int
	}{
		{name: "list identities", path: "/identities", wantStatus: http.StatusOK},
		{name: "profile", path: "/identities/bob", wantStatus: http.StatusOK},
		{name: "exists", path: "/identities/bob/exists", wantStatus: http.StatusOK},
		{name: "state", path: "/identities/bob/state", wantStatus: http.StatusOK},
		{name: "unknown profile", path: "/identities/ghost", wantStatus: http.StatusNotFound},
		{name: "unknown state", path: "/identities/ghost/state", wantStatus: http.StatusNotFound},
		{name: "unknown attempt", path: "/attempts/5", wantStatus: http.StatusNotFound},
		{name: "malformed attempt id", path: "/attempts/abc", wantStatus: http.StatusBadRequest},
		{name: "zero attempt id", path: "/attempts/0", wantStatus: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := f.do(t, http.MethodGet, tt.path, "", "")
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("expected %d, got %d", tt.wantStatus, resp.StatusCode)
			}
		})
	}

	_, body := f.do(t, http.MethodGet, "/identities/bob/exists", "", "")
	if body["exists"] != true {
		t.Fatalf("expected bob to exist, got %v", body)
	}
	_, body = f.do(t, http.MethodGet, "/identities/bob/state", "", "")
	if body["difficulty"] != float64(pricing.MinRounds) {
		t.Fatalf("expected initial difficulty, got %v", body)
	}
}

func TestRequestAttemptInsufficientBalance(t *testing.T) {
	f := newAPIFixture(t)
	if err := f.tokens.Mint(testOwner, pricing.RegistrationFee); err != nil {
		t.Fatalf("mint: %v", err)
	}
	owner := signToken(t, testSecret, testOwner, time.Hour)
	f.do(t, http.MethodPost, "/identities", owner, `{"identity":"alice"}`)

	resp, body := f.do(t, http.MethodPost, "/identities/alice/attempts", owner, "")
	if resp.StatusCode != http.StatusPaymentRequired || body["kind"] != "insufficient_balance" {
		t.Fatalf("expected 402, got status=%d body=%v", resp.StatusCode, body)
	}
}

type denyLimiter struct {
	subject string
}

func (l *denyLimiter) Allow(ctx context.Context, scope, subject string, limit int, window time.Duration) (bool, int, error) {
	l.subject = subject
	return false, 17, nil
}

func TestRequestAttemptRateLimited(t *testing.T) {
	f := newAPIFixture(t)
	limiter := &denyLimiter{}
	f.h.SetAttemptRateLimiter(limiter, 5)
	owner := signToken(t, testSecret, testOwner, time.Hour)

	resp, _ := f.do(t, http.MethodPost, "/identities/alice/attempts", owner, "")
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") != "17" {
		t.Fatalf("expected Retry-After 17, got %q", resp.Header.Get("Retry-After"))
	}
	if limiter.subject != testOwner.String() {
		t.Fatalf("limiter keyed on %q", limiter.subject)
	}
}

func TestStatusForKind(t *testing.T) {
	tests := []struct {
		kind app.Kind
		want int
	}{
		{app.KindValidation, http.StatusBadRequest},
		{app.KindAuthorization, http.StatusForbidden},
		{app.KindNotFound, http.StatusNotFound},
		{app.KindState, http.StatusConflict},
		{app.KindInsufficientBalance, http.StatusPaymentRequired},
		{app.KindRateLimited, http.StatusTooManyRequests},
		{app.KindInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusForKind(tt.kind); got != tt.want {
			t.Fatalf("statusForKind(%s) = %d, want %d", tt.kind, got, tt.want)
		}
	}
}
