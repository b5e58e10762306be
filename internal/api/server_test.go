package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"gold-decision-engine/internal/engine"
	"gold-decision-engine/internal/metrics"
)

type fakeEngine struct {
	mu   sync.Mutex
	raws []map[string]any
	resp engine.Response
}

func (f *fakeEngine) HandleWebhook(ctx context.Context, raw map[string]any) engine.Response {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.raws = append(f.raws, raw)
	return f.resp
}

func (f *fakeEngine) Status(now time.Time) map[string]any {
	return map[string]any{
		"heartbeat": map[string]any{"fresh": true},
	}
}

func (f *fakeEngine) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.raws)
}

func (f *fakeEngine) lastRaw() map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.raws) == 0 {
		return nil
	}
	return f.raws[len(f.raws)-1]
}

func newTestServer(t *testing.T, cfg Config) (*Server, *fakeEngine) {
	t.Helper()
	fe := &fakeEngine{resp: engine.Response{Status: http.StatusOK, Body: "OK", Outcome: engine.OutcomeOK}}
	reg := metrics.NewRegistry(metrics.DefaultConfig(), nil)
	echo := map[string]any{"symbol": "GOLD"}
	srv := NewServer(cfg, fe, reg, nil, echo, zerolog.Nop())
	t.Cleanup(func() { srv.hub.stop() })
	return srv, fe
}

func doRequest(s *Server, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("failed to parse response %q: %v", w.Body.String(), err)
	}
	return out
}

func TestWebhookForwardsToEngine(t *testing.T) {
	srv, fe := newTestServer(t, Config{})

	w := doRequest(srv, http.MethodPost, "/webhook", `{"symbol":"GOLD","side":"buy"}`, nil)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["message"] != "OK" || body["outcome"] != "ok" {
		t.Errorf("unexpected body: %v", body)
	}
	if fe.calls() != 1 {
		t.Fatalf("expected 1 engine call, got %d", fe.calls())
	}
	if fe.lastRaw()["symbol"] != "GOLD" {
		t.Errorf("engine did not receive the payload: %v", fe.lastRaw())
	}
}

func TestWebhookEngineStatusPassthrough(t *testing.T) {
	srv, fe := newTestServer(t, Config{})
	fe.resp = engine.Response{Status: http.StatusForbidden, Body: "Entry blocked", Outcome: engine.OutcomeBlockedAIScore}

	w := doRequest(srv, http.MethodPost, "/webhook", `{"symbol":"GOLD"}`, nil)

	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
	if body := decodeBody(t, w); body["outcome"] != engine.OutcomeBlockedAIScore {
		t.Errorf("unexpected outcome: %v", body)
	}
}

func TestWebhookInvalidJSON(t *testing.T) {
	srv, fe := newTestServer(t, Config{})

	w := doRequest(srv, http.MethodPost, "/webhook", `{not json`, nil)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if body := decodeBody(t, w); body["outcome"] != engine.OutcomeInvalidData {
		t.Errorf("unexpected outcome: %v", body)
	}
	if fe.calls() != 0 {
		t.Errorf("engine called for malformed payload")
	}
}

func TestWebhookHeaderTokenAuth(t *testing.T) {
	srv, fe := newTestServer(t, Config{WebhookToken: "s3cret"})

	w := doRequest(srv, http.MethodPost, "/webhook", `{"symbol":"GOLD"}`, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", w.Code)
	}

	w = doRequest(srv, http.MethodPost, "/webhook", `{"symbol":"GOLD"}`,
		map[string]string{"X-Webhook-Token": "wrong"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong token, got %d", w.Code)
	}
	if fe.calls() != 0 {
		t.Fatalf("engine called before auth passed")
	}

	w = doRequest(srv, http.MethodPost, "/webhook", `{"symbol":"GOLD"}`,
		map[string]string{"X-Webhook-Token": "s3cret"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 with valid token, got %d", w.Code)
	}
	if fe.calls() != 1 {
		t.Fatalf("expected 1 engine call, got %d", fe.calls())
	}
}

func TestWebhookBodyTokenAuth(t *testing.T) {
	srv, fe := newTestServer(t, Config{WebhookToken: "s3cret", BodyTokenAuth: true})

	w := doRequest(srv, http.MethodPost, "/webhook", `{"symbol":"GOLD","token":"s3cret"}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 with body token, got %d: %s", w.Code, w.Body.String())
	}
	if _, ok := fe.lastRaw()["token"]; ok {
		t.Errorf("token field leaked into the engine payload: %v", fe.lastRaw())
	}
}

func TestWebhookBodyTokenDisabled(t *testing.T) {
	srv, fe := newTestServer(t, Config{WebhookToken: "s3cret", BodyTokenAuth: false})

	w := doRequest(srv, http.MethodPost, "/webhook", `{"symbol":"GOLD","token":"s3cret"}`, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 when body token auth is disabled, got %d", w.Code)
	}
	if fe.calls() != 0 {
		t.Errorf("engine called despite failed auth")
	}
}

func TestWebhookRateLimit(t *testing.T) {
	srv, fe := newTestServer(t, Config{RateLimitRPS: 0.1, RateLimitBurst: 2})

	for i := 0; i < 2; i++ {
		if w := doRequest(srv, http.MethodPost, "/webhook", `{"symbol":"GOLD"}`, nil); w.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, w.Code)
		}
	}
	w := doRequest(srv, http.MethodPost, "/webhook", `{"symbol":"GOLD"}`, nil)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after burst, got %d", w.Code)
	}
	if fe.calls() != 2 {
		t.Errorf("expected 2 engine calls, got %d", fe.calls())
	}
}

func TestPing(t *testing.T) {
	srv, _ := newTestServer(t, Config{})

	w := doRequest(srv, http.MethodGet, "/ping", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["ok"] != true {
		t.Errorf("unexpected body: %v", body)
	}
	if _, ok := body["ts"]; !ok {
		t.Errorf("missing ts: %v", body)
	}
}

func TestStatusOpenWithoutCredentials(t *testing.T) {
	srv, _ := newTestServer(t, Config{})

	w := doRequest(srv, http.MethodGet, "/status", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	body := decodeBody(t, w)
	if _, ok := body["heartbeat"]; !ok {
		t.Errorf("missing engine status: %v", body)
	}
	if _, ok := body["ws_clients"]; !ok {
		t.Errorf("missing ws_clients: %v", body)
	}
	cfg, ok := body["config"].(map[string]any)
	if !ok || cfg["symbol"] != "GOLD" {
		t.Errorf("missing config echo: %v", body)
	}
}

func TestMetricsTokenGate(t *testing.T) {
	srv, _ := newTestServer(t, Config{MetricsToken: "mt"})

	if w := doRequest(srv, http.MethodGet, "/status", "", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", w.Code)
	}
	if w := doRequest(srv, http.MethodGet, "/status?token=mt", "", nil); w.Code != http.StatusOK {
		t.Fatalf("expected 200 with query token, got %d", w.Code)
	}
	if w := doRequest(srv, http.MethodGet, "/metrics", "", map[string]string{"X-Metrics-Token": "mt"}); w.Code != http.StatusOK {
		t.Fatalf("expected 200 with header token, got %d", w.Code)
	}
	if w := doRequest(srv, http.MethodGet, "/metrics", "", map[string]string{"X-Metrics-Token": "no"}); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong token, got %d", w.Code)
	}
}

func TestMetricsBody(t *testing.T) {
	srv, _ := newTestServer(t, Config{})
	srv.reg.IncWebhook("GOLD")

	w := doRequest(srv, http.MethodGet, "/metrics", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	body := decodeBody(t, w)
	if _, ok := body["metrics"]; !ok {
		t.Errorf("missing metrics: %v", body)
	}
	if _, ok := body["config"]; !ok {
		t.Errorf("missing config echo: %v", body)
	}
}

func adminConfig(t *testing.T) Config {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt failed: %v", err)
	}
	return Config{
		AdminUsername:     "ops",
		AdminPasswordHash: string(hash),
		JWTSecret:         "test-secret",
		JWTTTLMin:         5,
	}
}

func TestLoginAndBearerGate(t *testing.T) {
	srv, _ := newTestServer(t, adminConfig(t))

	// JWT auth configured, so the operator endpoints are closed.
	if w := doRequest(srv, http.MethodGet, "/status", "", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without bearer, got %d", w.Code)
	}

	w := doRequest(srv, http.MethodPost, "/auth/login", `{"username":"ops","password":"wrong"}`, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad password, got %d", w.Code)
	}

	w = doRequest(srv, http.MethodPost, "/auth/login", `{"username":"ops","password":"hunter2"}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 for valid login, got %d: %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	token, _ := body["token"].(string)
	if token == "" {
		t.Fatalf("missing token in login response: %v", body)
	}
	if _, ok := body["expires_at"]; !ok {
		t.Errorf("missing expires_at: %v", body)
	}

	w = doRequest(srv, http.MethodGet, "/status", "", map[string]string{"Authorization": "Bearer " + token})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 with bearer, got %d", w.Code)
	}

	w = doRequest(srv, http.MethodGet, "/status", "", map[string]string{"Authorization": "Bearer garbage"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with invalid bearer, got %d", w.Code)
	}
}

func TestLoginNotConfigured(t *testing.T) {
	srv, _ := newTestServer(t, Config{})

	w := doRequest(srv, http.MethodPost, "/auth/login", `{"username":"ops","password":"pw"}`, nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when login is not configured, got %d", w.Code)
	}
}

func TestJWTManagerRoundTrip(t *testing.T) {
	m := newJWTManager("secret", time.Minute)

	token, expiresAt, err := m.issue("ops", time.Now())
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if !expiresAt.After(time.Now()) {
		t.Errorf("expiry not in the future: %v", expiresAt)
	}

	claims, err := m.validate(token)
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if claims.Username != "ops" || claims.Subject != "ops" {
		t.Errorf("unexpected claims: %+v", claims)
	}

	if _, err := m.validate(token + "x"); err == nil {
		t.Error("tampered token validated")
	}

	other := newJWTManager("different", time.Minute)
	if _, err := other.validate(token); err == nil {
		t.Error("token validated against the wrong secret")
	}
}

func TestJWTExpiredToken(t *testing.T) {
	m := newJWTManager("secret", time.Minute)

	token, _, err := m.issue("ops", time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if _, err := m.validate(token); err == nil {
		t.Error("expired token validated")
	}
}
