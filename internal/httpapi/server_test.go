package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/antoniostano/chatrelay/internal/completion"
	"github.com/antoniostano/chatrelay/internal/config"
	"github.com/antoniostano/chatrelay/internal/observability"
	"github.com/antoniostano/chatrelay/internal/relay"
	"github.com/antoniostano/chatrelay/internal/session"
)

var testMetrics = observability.NewMetrics("test_httpapi")

type fakeProvider struct {
	reply string
	err   error
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Complete(_ context.Context, _ []session.Message) (string, error) {
	if p.err != nil {
		return "", p.err
	}
	return p.reply, nil
}

func newTestServer(t *testing.T, provider completion.Provider) (*httptest.Server, *session.Store) {
	t.Helper()
	cfg := config.Config{
		SessionWindow:  15,
		AllowedOrigins: []string{"http://localhost:3001", "https://*.vercel.app"},
	}
	sessions := session.NewStore(cfg.SessionWindow, 24*time.Hour)
	svc := relay.New(sessions, provider, nil, testMetrics, time.Second)
	srv := New(cfg, sessions, svc, nil, testMetrics)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, sessions
}

func postChat(t *testing.T, ts *httptest.Server, key, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/chat", bytes.NewReader([]byte(body)))
	if err != nil {
		t.Fatalf("build chat request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Session-Key", key)
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("chat request error = %v", err)
	}
	defer res.Body.Close()
	var payload map[string]any
	_ = json.NewDecoder(res.Body).Decode(&payload)
	return res, payload
}

func TestChatTurnFlow(t *testing.T) {
	ts, _ := newTestServer(t, &fakeProvider{reply: "hello!"})

	res, payload := postChat(t, ts, "client-1", `{"message":"hi"}`)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("chat status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if payload["response"] != "hello!" {
		t.Fatalf("response = %v, want %q", payload["response"], "hello!")
	}
	info, _ := payload["sessionInfo"].(map[string]any)
	if info == nil {
		t.Fatalf("missing sessionInfo in payload: %+v", payload)
	}
	if got := info["messageCount"]; got != float64(1) {
		t.Fatalf("messageCount = %v, want 1", got)
	}
	if got := info["sessionId"]; got != "client-1" {
		t.Fatalf("sessionId = %v, want client-1", got)
	}

	_, payload = postChat(t, ts, "client-1", `{"message":"how are you?"}`)
	info, _ = payload["sessionInfo"].(map[string]any)
	if got := info["messageCount"]; got != float64(2) {
		t.Fatalf("second turn messageCount = %v, want 2", got)
	}

	res, err := http.Get(ts.URL + "/conversations/client-1")
	if err != nil {
		t.Fatalf("get conversation error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get conversation status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	var sess map[string]any
	if err := json.NewDecoder(res.Body).Decode(&sess); err != nil {
		t.Fatalf("decode conversation: %v", err)
	}
	messages, _ := sess["messages"].([]any)
	if len(messages) != 4 {
		t.Fatalf("messages length = %d, want 4 (two full turns)", len(messages))
	}
}

func TestChatValidation(t *testing.T) {
	ts, _ := newTestServer(t, &fakeProvider{reply: "x"})

	cases := []struct {
		name string
		body string
	}{
		{"missing message", `{}`},
		{"non-string message", `{"message": 42}`},
		{"empty message", `{"message": "  "}`},
		{"malformed json", `{"message"`},
	}
	for _, tc := range cases {
		res, _ := postChat(t, ts, "client-v", tc.body)
		if res.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: status = %d, want %d", tc.name, res.StatusCode, http.StatusBadRequest)
		}
	}

	res, err := http.Get(ts.URL + "/conversations/client-v")
	if err != nil {
		t.Fatalf("get conversation error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("rejected input must not create a session, got status %d", res.StatusCode)
	}
}

func TestChatUpstreamErrors(t *testing.T) {
	unavailable, _ := newTestServer(t, &fakeProvider{err: fmt.Errorf("quota: %w", completion.ErrUnavailable)})
	res, _ := postChat(t, unavailable, "k", `{"message":"hi"}`)
	if res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("unavailable provider status = %d, want %d", res.StatusCode, http.StatusServiceUnavailable)
	}

	misconfigured, _ := newTestServer(t, &fakeProvider{err: fmt.Errorf("bad key: %w", completion.ErrMisconfigured)})
	res, payload := postChat(t, misconfigured, "k", `{"message":"hi"}`)
	if res.StatusCode != http.StatusInternalServerError {
		t.Fatalf("misconfigured provider status = %d, want %d", res.StatusCode, http.StatusInternalServerError)
	}
	if msg, _ := payload["error"].(string); strings.Contains(msg, "key") {
		t.Fatalf("configuration error leaked detail: %q", msg)
	}
}

func TestDeleteConversation(t *testing.T) {
	ts, _ := newTestServer(t, &fakeProvider{reply: "x"})
	postChat(t, ts, "doomed", `{"message":"hi"}`)

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/conversations/doomed", nil)
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	getRes, err := http.Get(ts.URL + "/conversations/doomed")
	if err != nil {
		t.Fatalf("get after delete error = %v", err)
	}
	getRes.Body.Close()
	if getRes.StatusCode != http.StatusNotFound {
		t.Fatalf("get after delete status = %d, want %d", getRes.StatusCode, http.StatusNotFound)
	}

	req, _ = http.NewRequest(http.MethodDelete, ts.URL+"/conversations/doomed", nil)
	res, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("second delete error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("second delete status = %d, want %d", res.StatusCode, http.StatusNotFound)
	}
}

func TestListConversations(t *testing.T) {
	ts, _ := newTestServer(t, &fakeProvider{reply: "x"})
	postChat(t, ts, "a", `{"message":"hi"}`)
	postChat(t, ts, "b", `{"message":"hi"}`)

	res, err := http.Get(ts.URL + "/conversations")
	if err != nil {
		t.Fatalf("list error = %v", err)
	}
	defer res.Body.Close()
	var payload map[string]any
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	sessionsList, _ := payload["sessions"].([]any)
	if len(sessionsList) != 2 {
		t.Fatalf("sessions length = %d, want 2", len(sessionsList))
	}
	stats, _ := payload["stats"].(map[string]any)
	if stats["totalConversations"] != float64(2) {
		t.Fatalf("totalConversations = %v, want 2", stats["totalConversations"])
	}
}

func TestHealthFallsBackToLocalStats(t *testing.T) {
	ts, _ := newTestServer(t, &fakeProvider{reply: "x"})
	postChat(t, ts, "h", `{"message":"hi"}`)

	res, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("health error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	var payload map[string]any
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if payload["status"] != "OK" {
		t.Fatalf("status = %v, want OK", payload["status"])
	}
	if payload["storage"] != "local" {
		t.Fatalf("storage = %v, want local when no remote store is wired", payload["storage"])
	}
	stats, _ := payload["stats"].(map[string]any)
	if stats["totalMessages"] != float64(2) {
		t.Fatalf("totalMessages = %v, want 2", stats["totalMessages"])
	}
}

func TestUnmatchedRouteReturnsJSON404(t *testing.T) {
	ts, _ := newTestServer(t, &fakeProvider{reply: "x"})
	res, err := http.Get(ts.URL + "/nope")
	if err != nil {
		t.Fatalf("request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusNotFound)
	}
	var payload errorResponse
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		t.Fatalf("404 body is not JSON: %v", err)
	}
}

func TestStoreEndpointsWithoutDatabase(t *testing.T) {
	ts, _ := newTestServer(t, &fakeProvider{reply: "x"})

	res, err := http.Get(ts.URL + "/store/conversations")
	if err != nil {
		t.Fatalf("store list error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("store list status = %d, want %d", res.StatusCode, http.StatusNotFound)
	}

	testRes, err := http.Get(ts.URL + "/store/test")
	if err != nil {
		t.Fatalf("store test error = %v", err)
	}
	defer testRes.Body.Close()
	var payload map[string]any
	if err := json.NewDecoder(testRes.Body).Decode(&payload); err != nil {
		t.Fatalf("decode store test: %v", err)
	}
	if payload["connected"] != false {
		t.Fatalf("connected = %v, want false", payload["connected"])
	}
}

func TestCORSPreflight(t *testing.T) {
	ts, _ := newTestServer(t, &fakeProvider{reply: "x"})

	req, _ := http.NewRequest(http.MethodOptions, ts.URL+"/chat", nil)
	req.Header.Set("Origin", "http://localhost:3001")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("preflight error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("preflight status = %d, want %d", res.StatusCode, http.StatusNoContent)
	}
	if got := res.Header.Get("Access-Control-Allow-Origin"); got != "http://localhost:3001" {
		t.Fatalf("Allow-Origin = %q, want the requesting origin", got)
	}

	req, _ = http.NewRequest(http.MethodOptions, ts.URL+"/chat", nil)
	req.Header.Set("Origin", "http://evil.example.com")
	res, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("denied preflight error = %v", err)
	}
	res.Body.Close()
	if got := res.Header.Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("Allow-Origin = %q for disallowed origin, want empty", got)
	}
}

func TestOriginAllowedWildcard(t *testing.T) {
	allowed := []string{"http://localhost:3001", "https://*.vercel.app"}
	cases := []struct {
		origin string
		want   bool
	}{
		{"http://localhost:3001", true},
		{"https://myapp.vercel.app", true},
		{"https://vercel.app.evil.com", false},
		{"http://localhost:9999", false},
	}
	for _, tc := range cases {
		if got := originAllowed(tc.origin, allowed); got != tc.want {
			t.Fatalf("originAllowed(%q) = %v, want %v", tc.origin, got, tc.want)
		}
	}
}
