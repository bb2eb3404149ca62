package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/guildhall/economy/internal/auth"
	"github.com/guildhall/economy/internal/config"
	"github.com/guildhall/economy/internal/logging"
)

const (
	testSecret       = "test-session-secret"
	testServiceToken = "svc-token"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	mr := miniredis.RunT(t)
	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { cache.Close() })

	cfg := config.Config{
		AppName:       "economy-test",
		AppEnv:        "test",
		Port:          "0",
		WSPort:        "0",
		SessionSecret: testSecret,
		ServiceToken:  testServiceToken,
	}
	srv, err := New(cfg, Backends{Cache: cache}, logging.Discard())
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	t.Cleanup(srv.hub.Close)
	return srv
}

func sessionToken(t *testing.T, userID string) string {
	t.Helper()
	token, _, err := auth.NewSessions(testSecret, 0).Issue(userID)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	return token
}

func do(t *testing.T, srv *Server, method, path, token, body string, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := srv.App().Test(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	out := map[string]any{}
	raw, _ := io.ReadAll(resp.Body)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			t.Fatalf("%s %s: decode %q: %v", method, path, raw, err)
		}
	}
	return resp, out
}

func TestHealthAndPing(t *testing.T) {
	srv := newTestServer(t)

	resp, body := do(t, srv, http.MethodGet, "/healthz", "", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status=%d body=%v", resp.StatusCode, body)
	}
	checks, _ := body["status"].(map[string]any)
	if checks["redis"] != "ok" {
		t.Fatalf("expected redis check ok, got %v", checks)
	}

	resp, body = do(t, srv, http.MethodGet, "/api/v1/ping", "", "", map[string]string{"X-Request-ID": "req-1"})
	if resp.StatusCode != http.StatusOK || body["request_id"] != "req-1" {
		t.Fatalf("ping status=%d body=%v", resp.StatusCode, body)
	}
}

func TestSessionRoutesRejectMissingToken(t *testing.T) {
	srv := newTestServer(t)

	resp, body := do(t, srv, http.MethodGet, "/api/v1/wallet", "", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	if body["code"] != "E_UNAUTHORIZED" {
		t.Fatalf("expected E_UNAUTHORIZED, got %v", body)
	}
}

func TestServiceGrantRequiresKeyAndReplays(t *testing.T) {
	srv := newTestServer(t)
	grant := `{"amount":500,"reason":"quest_reward"}`

	resp, _ := do(t, srv, http.MethodPost, "/api/v1/wallets/alice/grant", testServiceToken, grant, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 without Idempotency-Key, got %d", resp.StatusCode)
	}

	resp, _ = do(t, srv, http.MethodPost, "/api/v1/wallets/alice/grant", sessionToken(t, "alice"), grant,
		map[string]string{"Idempotency-Key": "q-1"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("session token must not pass service auth, got %d", resp.StatusCode)
	}

	headers := map[string]string{"Idempotency-Key": "q-1", "X-Service-Name": "quests"}
	resp, body := do(t, srv, http.MethodPost, "/api/v1/wallets/alice/grant", testServiceToken, grant, headers)
	if resp.StatusCode != http.StatusOK || body["gold"] != float64(500) {
		t.Fatalf("grant status=%d body=%v", resp.StatusCode, body)
	}

	resp, body = do(t, srv, http.MethodPost, "/api/v1/wallets/alice/grant", testServiceToken, grant, headers)
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Idempotent-Replay") != "true" {
		t.Fatalf("expected replay, status=%d header=%q", resp.StatusCode, resp.Header.Get("Idempotent-Replay"))
	}
	if body["gold"] != float64(500) {
		t.Fatalf("replayed body changed: %v", body)
	}

	resp, body = do(t, srv, http.MethodGet, "/api/v1/wallet", sessionToken(t, "alice"), "", nil)
	if resp.StatusCode != http.StatusOK || body["gold"] != float64(500) {
		t.Fatalf("wallet status=%d body=%v", resp.StatusCode, body)
	}
}

func TestGuildTreasuryFlow(t *testing.T) {
	srv := newTestServer(t)
	alice := sessionToken(t, "alice")

	resp, _ := do(t, srv, http.MethodPost, "/api/v1/wallets/alice/grant", testServiceToken, `{"amount":300}`,
		map[string]string{"Idempotency-Key": "seed-1"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("seed grant status=%d", resp.StatusCode)
	}

	resp, body := do(t, srv, http.MethodPost, "/api/v1/guilds", alice, `{"id":"g1","name":"Iron Fist"}`, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create guild status=%d body=%v", resp.StatusCode, body)
	}

	resp, body = do(t, srv, http.MethodPost, "/api/v1/guilds/g1/treasury/deposit", alice, `{"amount":120}`, nil)
	if resp.StatusCode != http.StatusBadRequest || body["code"] != "E_BAD_REQUEST" {
		t.Fatalf("deposit without Idempotency-Key status=%d body=%v", resp.StatusCode, body)
	}

	resp, body = do(t, srv, http.MethodPost, "/api/v1/guilds/g1/treasury/deposit", alice, `{"amount":120}`,
		map[string]string{"Idempotency-Key": "dep-1"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("deposit status=%d body=%v", resp.StatusCode, body)
	}
	if body["treasury"] != float64(120) || body["wallet"] != float64(180) {
		t.Fatalf("unexpected deposit result: %v", body)
	}

	resp, body = do(t, srv, http.MethodGet, "/api/v1/guilds/g1/treasury", alice, "", nil)
	if resp.StatusCode != http.StatusOK || body["gold"] != float64(120) {
		t.Fatalf("treasury status=%d body=%v", resp.StatusCode, body)
	}

	resp, body = do(t, srv, http.MethodPost, "/api/v1/guilds/g1/treasury/withdraw", sessionToken(t, "mallory"), `{"amount":10}`,
		map[string]string{"Idempotency-Key": "wd-1"})
	if resp.StatusCode != http.StatusForbidden || body["code"] != "E_FORBIDDEN" {
		t.Fatalf("outsider withdraw status=%d body=%v", resp.StatusCode, body)
	}
}
