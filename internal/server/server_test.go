package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"switchboard/internal/config"
	"switchboard/internal/db"
	"switchboard/internal/engine"
	"switchboard/internal/gateway"
	"switchboard/internal/migrate"
	"switchboard/internal/resilience"
)

type testServer struct {
	URL       string
	Engine    engine.Engine
	Breaker   *resilience.Breaker
	Readiness *resilience.Readiness
	Handler   http.Handler
	client    *http.Client
	close     func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, auth AuthConfig) (*testServer, func()) {
	t.Helper()
	conn, err := db.Open(db.Config{Path: filepath.Join(t.TempDir(), "swb.db")})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if _, err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	breaker := resilience.NewBreaker(5, time.Minute, logger)
	breaker.IsFailure = engine.IsStorageFault
	readiness := &resilience.Readiness{Breaker: breaker}
	readiness.SetStorageConnected(true)
	e := engine.New(conn, breaker, "default", logger)
	handler, err := New(Config{
		Gateway:   gateway.New(e, logger),
		Readiness: readiness,
		Auth:      auth,
		Logger:    logger,
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:       "http://" + ln.Addr().String(),
		Engine:    e,
		Breaker:   breaker,
		Readiness: readiness,
		Handler:   handler,
		client:    &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

type envelope struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result"`
	Error   *struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func callTool(t *testing.T, srv *testServer, op string, args map[string]any, headers map[string]string) (int, envelope) {
	t.Helper()
	body := map[string]any{}
	if args != nil {
		body["arguments"] = args
	}
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/tools/"+op, body, headers)
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal envelope (%d): %v: %s", res.StatusCode, err, string(data))
	}
	return res.StatusCode, env
}

func TestHealthAndReadiness(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()

	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/healthz", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("healthz status %d: %s", res.StatusCode, string(body))
	}

	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/readyz", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("readyz status %d: %s", res.StatusCode, string(body))
	}
	var ready resilience.ReadyStatus
	if err := json.Unmarshal(body, &ready); err != nil {
		t.Fatalf("unmarshal ready: %v", err)
	}
	if !ready.Ready || !ready.StorageConnected || ready.BreakerState != "closed" {
		t.Fatalf("unexpected readiness %+v", ready)
	}

	for i := 0; i < 5; i++ {
		srv.Breaker.Record(errors.New("disk I/O error"))
	}
	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/readyz", nil, nil)
	if res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 with open breaker, got %d: %s", res.StatusCode, string(body))
	}
	_ = json.Unmarshal(body, &ready)
	if ready.Ready || ready.BreakerState != "open" {
		t.Fatalf("unexpected readiness %+v", ready)
	}

	// Liveness does not depend on storage.
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/healthz", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("healthz with open breaker: %d", res.StatusCode)
	}

	status, env := callTool(t, srv, "agent_list", nil, nil)
	if status != http.StatusServiceUnavailable || env.Error == nil || env.Error.Code != "unavailable" {
		t.Fatalf("expected unavailable, got %d %+v", status, env)
	}
}

func TestReadinessWithoutStorage(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	srv.Readiness.SetStorageConnected(false)
	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/readyz", nil, nil)
	if res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d: %s", res.StatusCode, string(body))
	}
}

func TestToolCallEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()

	status, env := callTool(t, srv, "agent_register", map[string]any{"name": "alice", "capabilities": []string{"coding"}}, nil)
	if status != http.StatusOK || !env.Success {
		t.Fatalf("register: %d %+v", status, env)
	}
	var agent struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if err := json.Unmarshal(env.Result, &agent); err != nil || agent.Name != "alice" || agent.ID == "" {
		t.Fatalf("unexpected agent %s (%v)", string(env.Result), err)
	}

	status, env = callTool(t, srv, "task_create", map[string]any{"priority": "critical"}, nil)
	if status != http.StatusBadRequest || env.Success || env.Error == nil {
		t.Fatalf("expected validation failure, got %d %+v", status, env)
	}
	if env.Error.Code != "invalid_argument" {
		t.Fatalf("expected invalid_argument, got %s", env.Error.Code)
	}
	fields, _ := env.Error.Details["fields"].([]any)
	if len(fields) != 2 {
		t.Fatalf("expected title and priority diagnostics, got %v", env.Error.Details)
	}

	status, env = callTool(t, srv, "agent_status", map[string]any{"agentId": "ghost", "status": "busy"}, nil)
	if status != http.StatusNotFound || env.Error.Code != "not_found" {
		t.Fatalf("expected not_found, got %d %+v", status, env)
	}

	status, env = callTool(t, srv, "agent_teleport", map[string]any{}, nil)
	if status != http.StatusNotFound || env.Error.Code != "not_found" {
		t.Fatalf("expected unknown op not_found, got %d %+v", status, env)
	}
	known, _ := env.Error.Details["known"].([]any)
	if len(known) == 0 {
		t.Fatalf("expected known operations in details: %v", env.Error.Details)
	}
}

func TestToolCallWithoutBody(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/tools/agent_sessions", map[string]any{}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("agent_sessions: %d %s", res.StatusCode, string(data))
	}
}

func TestOversizedBodyIsRejected(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()

	body := `{"arguments":{"fromAgentId":"a","content":"` + strings.Repeat("x", maxBodyBytes) + `"}}`
	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/tools/agent_message", strings.NewReader(body)))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d %s", rec.Code, rec.Body.String())
	}
	var env envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil || env.Error == nil {
		t.Fatalf("expected error envelope, got %s (%v)", rec.Body.String(), err)
	}
	if env.Error.Code != "invalid_argument" {
		t.Fatalf("expected invalid_argument, got %s", env.Error.Code)
	}

	// The largest content the schema accepts, fully escaped, still fits.
	content := strings.Repeat(`\u00e9`, gateway.MaxContentLen)
	body = `{"arguments":{"fromAgentId":"a","content":"` + content + `"}}`
	rec = httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/tools/agent_message", strings.NewReader(body)))
	if rec.Code == http.StatusRequestEntityTooLarge {
		t.Fatalf("valid content rejected as too large")
	}
}

func TestListTools(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/tools", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list tools: %d %s", res.StatusCode, string(data))
	}
	var list ToolListResponse
	if err := json.Unmarshal(data, &list); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(list.Tools) != len(gateway.Catalog()) {
		t.Fatalf("expected %d tools, got %d", len(gateway.Catalog()), len(list.Tools))
	}
	for _, tool := range list.Tools {
		if tool.Name != "task_create" {
			continue
		}
		for _, p := range tool.Params {
			if p.Name == "tags" && (p.Type != "array" || p.MaxItems != gateway.MaxListItems || p.MaxLength != gateway.MaxTagLen) {
				t.Fatalf("tags param does not reflect the schema: %+v", p)
			}
			if p.Name == "title" && (!p.Required || p.MaxLength != gateway.MaxTitleLen) {
				t.Fatalf("title param does not reflect the schema: %+v", p)
			}
		}
	}
}

func TestBearerAuthOnTools(t *testing.T) {
	secret := "test-secret"
	srv, cleanup := newTestServer(t, AuthConfig{JWTSecret: secret})
	defer cleanup()

	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/healthz", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("healthz must stay open, got %d", res.StatusCode)
	}
	status, env := callTool(t, srv, "agent_list", nil, nil)
	if status != http.StatusUnauthorized || env.Error == nil || env.Error.Code != "unauthorized" {
		t.Fatalf("expected 401, got %d %+v", status, env)
	}
	status, _ = callTool(t, srv, "agent_list", nil, map[string]string{"Authorization": "Bearer nope"})
	if status != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", status)
	}

	token, err := IssueToken(secret, "ci", time.Hour, time.Now())
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	status, env = callTool(t, srv, "agent_list", nil, map[string]string{"Authorization": "Bearer " + token})
	if status != http.StatusOK || !env.Success {
		t.Fatalf("expected success with token, got %d %+v", status, env)
	}

	expired, _ := IssueToken(secret, "ci", time.Minute, time.Now().Add(-time.Hour))
	status, _ = callTool(t, srv, "agent_list", nil, map[string]string{"Authorization": "Bearer " + expired})
	if status != http.StatusUnauthorized {
		t.Fatalf("expected 401 for expired token, got %d", status)
	}
}

func TestWebhookDelivery(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()

	type delivery struct {
		event     string
		signature string
		body      []byte
	}
	received := make(chan delivery, 10)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		received <- delivery{event: r.Header.Get("X-Switchboard-Event"), signature: r.Header.Get(SignatureHeader), body: body}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	d := NewWebhookDispatcher(srv.Engine, []config.WebhookConfig{
		{URL: hook.URL, Events: []string{"task.created"}, Secret: "s3cret"},
	}, nil)
	ctx := context.Background()
	d.DispatchOnce(ctx)

	callTool(t, srv, "agent_register", map[string]any{"name": "alice"}, nil)
	callTool(t, srv, "task_create", map[string]any{"title": "ship it"}, nil)
	d.DispatchOnce(ctx)

	select {
	case got := <-received:
		if got.event != "task.created" {
			t.Fatalf("expected task.created, got %s", got.event)
		}
		if got.signature != "sha256="+Sign("s3cret", got.body) {
			t.Fatalf("bad signature %q", got.signature)
		}
	default:
		t.Fatalf("no delivery")
	}
	select {
	case got := <-received:
		t.Fatalf("unexpected extra delivery %s", got.event)
	default:
	}
}
