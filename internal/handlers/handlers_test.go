package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/sirupsen/logrus"

	"github.com/gluk-w/sshbroker/internal/database"
	"github.com/gluk-w/sshbroker/internal/logging"
	"github.com/gluk-w/sshbroker/internal/sshaudit"
	"github.com/gluk-w/sshbroker/internal/sshlink"
	"github.com/gluk-w/sshbroker/internal/sshmanager"
	"github.com/gluk-w/sshbroker/internal/sshtest"
)

const testPassword = "hunter2"

// setupManager installs a fresh Manager and restores the globals afterwards.
func setupManager(t *testing.T) *sshmanager.Manager {
	t.Helper()
	m, err := sshmanager.NewManager(sshmanager.Options{
		Link:          sshlink.Options{ConnectTimeout: 5 * time.Second, ProbeTimeout: 2 * time.Second},
		PollInterval:  10 * time.Millisecond,
		SettleDelay:   50 * time.Millisecond,
		IdleThreshold: time.Hour,
	})
	if err != nil {
		t.Fatal(err)
	}
	Manager = m
	t.Cleanup(func() {
		m.Shutdown()
		Manager = nil
	})
	return m
}

func connect(t *testing.T, m *sshmanager.Manager) string {
	t.Helper()
	srv := sshtest.Start(t, sshtest.Options{Password: testPassword})
	id, err := m.CreateConnection(context.Background(), srv.Host, "tester", srv.Port, sshlink.Credentials{Password: testPassword})
	if err != nil {
		t.Fatal(err)
	}
	if info, _ := m.Status(id); info.Status != "connected" {
		t.Fatalf("connection failed: %s", info.ErrorMessage)
	}
	return id
}

func get(t *testing.T, h http.Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(method, target, nil))
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return out
}

func TestHealthCheck(t *testing.T) {
	Manager, DB = nil, nil
	router := NewRouter()

	if out := decode(t, get(t, router, "GET", "/health")); out["status"] != "unhealthy" {
		t.Errorf("without a manager: %v", out)
	}

	setupManager(t)
	db, err := database.Open(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatal(err)
	}
	DB = db
	t.Cleanup(func() {
		database.Close(db)
		DB = nil
	})

	out := decode(t, get(t, router, "GET", "/health"))
	if out["status"] != "healthy" || out["database"] != "connected" || out["connections"] != float64(0) {
		t.Errorf("unexpected health %v", out)
	}
}

func TestManagerNotInitialized(t *testing.T) {
	Manager = nil
	w := get(t, NewRouter(), "GET", "/api/v1/connections")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", w.Code)
	}
}

func TestConnectionRoutes(t *testing.T) {
	m := setupManager(t)
	id := connect(t, m)
	router := NewRouter()

	out := decode(t, get(t, router, "GET", "/api/v1/connections"))
	if out["count"] != float64(1) {
		t.Errorf("count = %v", out["count"])
	}

	// '@' percent-encoded by the client.
	escaped := url.PathEscape(id)
	w := get(t, router, "GET", "/api/v1/connections/"+strings.ReplaceAll(escaped, "@", "%40"))
	if w.Code != http.StatusOK {
		t.Fatalf("get connection: %d %s", w.Code, w.Body.String())
	}
	if out := decode(t, w); out["connection_id"] != id || out["status"] != "connected" {
		t.Errorf("unexpected connection %v", out)
	}

	out = decode(t, get(t, router, "GET", "/api/v1/connections/"+id+"/events?limit=1"))
	if out["count"] != float64(1) {
		t.Errorf("events count = %v", out["count"])
	}
	if w := get(t, router, "GET", "/api/v1/connections/"+id+"/events?limit=x"); w.Code != http.StatusBadRequest {
		t.Errorf("bad limit: %d", w.Code)
	}

	if w := get(t, router, "DELETE", "/api/v1/connections/"+id); w.Code != http.StatusNoContent {
		t.Fatalf("delete: %d %s", w.Code, w.Body.String())
	}
	if w := get(t, router, "GET", "/api/v1/connections/"+id); w.Code != http.StatusNotFound {
		t.Errorf("deleted connection still served: %d", w.Code)
	}
	// History outlives the connection.
	if w := get(t, router, "GET", "/api/v1/connections/"+id+"/events"); w.Code != http.StatusOK {
		t.Errorf("events after disconnect: %d", w.Code)
	}
	if w := get(t, router, "DELETE", "/api/v1/connections/"+id); w.Code != http.StatusNotFound {
		t.Errorf("second delete: %d", w.Code)
	}
	if w := get(t, router, "GET", "/api/v1/connections/nobody@nowhere:22/events"); w.Code != http.StatusNotFound {
		t.Errorf("unknown events: %d", w.Code)
	}
}

func TestCommandRoutes(t *testing.T) {
	m := setupManager(t)
	id := connect(t, m)
	router := NewRouter()

	cmdID, err := m.StartAsyncCommand(id, "sleep 30")
	if err != nil {
		t.Fatal(err)
	}

	out := decode(t, get(t, router, "GET", "/api/v1/commands"))
	if out["count"] != float64(1) {
		t.Errorf("count = %v", out["count"])
	}
	out = decode(t, get(t, router, "GET", "/api/v1/commands/"+cmdID))
	if out["status"] != "running" {
		t.Errorf("status = %v", out["status"])
	}

	w := get(t, router, "DELETE", "/api/v1/commands/"+cmdID)
	if w.Code != http.StatusOK {
		t.Fatalf("terminate: %d", w.Code)
	}
	if out := decode(t, w); out["status"] != "terminated" {
		t.Errorf("status after terminate = %v", out["status"])
	}
	if w := get(t, router, "GET", "/api/v1/commands/missing"); w.Code != http.StatusNotFound {
		t.Errorf("missing command: %d", w.Code)
	}
}

func TestSessionRoutes(t *testing.T) {
	m := setupManager(t)
	id := connect(t, m)
	router := NewRouter()

	sessionID, err := m.StartInteractiveSession(id, "", 100, 30)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.SendInput(sessionID, "echo routed\n"); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	var out map[string]interface{}
	for time.Now().Before(deadline) {
		out = decode(t, get(t, router, "GET", "/api/v1/sessions/"+sessionID))
		if strings.Contains(out["output"].(string), "routed") {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if !strings.Contains(out["output"].(string), "routed") || out["pty_size"] != "100x30" {
		t.Fatalf("unexpected session %v", out)
	}

	if out := decode(t, get(t, router, "GET", "/api/v1/sessions")); out["count"] != float64(1) {
		t.Errorf("count = %v", out["count"])
	}
	if w := get(t, router, "GET", "/api/v1/sessions/"+sessionID+"?max_lines=-1"); w.Code != http.StatusBadRequest {
		t.Errorf("bad max_lines: %d", w.Code)
	}
	if w := get(t, router, "DELETE", "/api/v1/sessions/"+sessionID); w.Code != http.StatusNoContent {
		t.Errorf("terminate: %d", w.Code)
	}
	if w := get(t, router, "DELETE", "/api/v1/sessions/missing"); w.Code != http.StatusNotFound {
		t.Errorf("missing session: %d", w.Code)
	}
}

func TestStreamSession(t *testing.T) {
	m := setupManager(t)
	id := connect(t, m)
	srv := httptest.NewServer(NewRouter())
	defer srv.Close()

	sessionID, err := m.StartInteractiveSession(id, "", 80, 24)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/api/v1/sessions/"+sessionID+"/stream", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	typ, data, err := conn.Read(ctx)
	if err != nil || typ != websocket.MessageText {
		t.Fatalf("first frame: %v %v", typ, err)
	}
	var info streamInfoMsg
	json.Unmarshal(data, &info)
	if info.Type != "session_info" || info.SessionID != sessionID {
		t.Fatalf("unexpected info %s", data)
	}

	if err := m.SendInput(sessionID, "echo stream-$((2+3))\nexit 0\n"); err != nil {
		t.Fatal(err)
	}

	var output strings.Builder
	var end streamEndMsg
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read: %v (output so far %q)", err, output.String())
		}
		if typ == websocket.MessageBinary {
			output.Write(data)
			continue
		}
		json.Unmarshal(data, &end)
		break
	}
	if !strings.Contains(output.String(), "stream-5") {
		t.Errorf("output = %q", output.String())
	}
	if end.Type != "session_end" || end.Status != "completed" || end.Offset != int64(output.Len()) {
		t.Errorf("unexpected end %+v after %d bytes", end, output.Len())
	}
	if _, _, err := conn.Read(ctx); websocket.CloseStatus(err) != websocket.StatusNormalClosure {
		t.Errorf("expected a normal closure, got %v", err)
	}
}

func TestStreamUnknownSession(t *testing.T) {
	setupManager(t)
	srv := httptest.NewServer(NewRouter())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/api/v1/sessions/missing/stream", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()
	if _, _, err := conn.Read(ctx); websocket.CloseStatus(err) != closeSessionNotFound {
		t.Errorf("expected close code %d, got %v", closeSessionNotFound, err)
	}
}

func TestGetAuditLogs(t *testing.T) {
	router := NewRouter()
	Auditor = nil
	if w := get(t, router, "GET", "/api/v1/audit"); w.Code != http.StatusServiceUnavailable {
		t.Errorf("disabled audit: %d", w.Code)
	}

	db, err := database.Open(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { database.Close(db) })
	auditor, err := sshaudit.NewAuditor(db, 0)
	if err != nil {
		t.Fatal(err)
	}
	Auditor = auditor
	t.Cleanup(func() { Auditor = nil })

	for i := 0; i < 5; i++ {
		auditor.Log(sshaudit.AuditEntry{ConnectionID: "a@h:22", EventType: sshaudit.EventCommandExecution, Success: true})
	}
	auditor.Log(sshaudit.AuditEntry{ConnectionID: "b@h:22", EventType: sshaudit.EventConnectionFailed})

	var result sshaudit.QueryResult
	w := get(t, router, "GET", "/api/v1/audit?connection_id=a@h:22&limit=2")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	json.Unmarshal(w.Body.Bytes(), &result)
	if result.Total != 5 || len(result.Entries) != 2 || result.Limit != 2 {
		t.Errorf("unexpected result total=%d entries=%d limit=%d", result.Total, len(result.Entries), result.Limit)
	}

	w = get(t, router, "GET", "/api/v1/audit?event_type=connection_failed")
	json.Unmarshal(w.Body.Bytes(), &result)
	if result.Total != 1 || result.Entries[0].ConnectionID != "b@h:22" {
		t.Errorf("event filter: %+v", result)
	}

	for _, q := range []string{"limit=0", "offset=-1", "since=yesterday", "until=2024"} {
		if w := get(t, router, "GET", "/api/v1/audit?"+q); w.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", q, w.Code)
		}
	}
}

func TestGetServerLogs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broker.log")
	if err := logging.Init("info", path); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(logging.Close)
	logrus.Info("first line")
	logrus.Info("tail marker")

	out := decode(t, get(t, NewRouter(), "GET", "/api/v1/logs?lines=1"))
	logs, _ := out["logs"].(string)
	if !strings.Contains(logs, "tail marker") || strings.Contains(logs, "first line") {
		t.Errorf("logs = %q", logs)
	}
}

func TestMetricsRoute(t *testing.T) {
	w := get(t, NewRouter(), "GET", "/metrics")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "go_goroutines") {
		t.Errorf("metrics: %d", w.Code)
	}
}
