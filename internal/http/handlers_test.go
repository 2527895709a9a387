package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"triage-chatbot/internal/core"
	"triage-chatbot/internal/db"
	types "triage-chatbot/pkg"
)

func newTestRouter(t *testing.T) (*gin.Engine, *db.MemoryStore, *db.LocalBroker) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ref, err := db.LoadReferenceSeed()
	if err != nil {
		t.Fatalf("load seed: %v", err)
	}
	store := db.NewMemoryStore()
	if err := store.SeedReference(context.Background(), ref); err != nil {
		t.Fatalf("seed: %v", err)
	}
	broker := db.NewLocalBroker()
	engine := core.NewEngine(store, store, nil)
	engine.Alerts = broker
	srv := NewServer(engine, store, broker, nil)
	return NewRouter(srv, []string{"http://localhost:4200"}), store, broker
}

func do(r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

func TestHealthAndSessions(t *testing.T) {
	r, _, _ := newTestRouter(t)
	if w := do(r, http.MethodGet, "/api/health", nil); w.Code != http.StatusOK {
		t.Fatalf("health = %d", w.Code)
	}
	w := do(r, http.MethodPost, "/api/sessions", nil)
	got := decode[map[string]string](t, w)
	if _, err := uuid.Parse(got["sessionId"]); err != nil {
		t.Fatalf("session id %q: %v", got["sessionId"], err)
	}
}

func TestChat_BadRequests(t *testing.T) {
	r, _, _ := newTestRouter(t)
	session := uuid.NewString()
	cases := []struct {
		name string
		body any
		code string
	}{
		{"missing session", types.ChatRequest{Message: "xin chào"}, "missing_session"},
		{"invalid session", types.ChatRequest{Message: "xin chào", SessionID: "abc"}, "invalid_session"},
		{"empty message", types.ChatRequest{Message: "   ", SessionID: session}, "empty_message"},
		{"too long", types.ChatRequest{Message: strings.Repeat("a", core.MaxMessageLength+1), SessionID: session}, "message_too_long"},
		{"not json", "{", "invalid_request"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := do(r, http.MethodPost, "/api/chat", tc.body)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
			}
			if env := decode[ErrorEnvelope](t, w); env.Error.Code != tc.code {
				t.Fatalf("code = %q, want %q", env.Error.Code, tc.code)
			}
		})
	}
}

func TestChat_ConversationFlow(t *testing.T) {
	r, _, _ := newTestRouter(t)
	session := uuid.NewString()

	w := do(r, http.MethodPost, "/api/chat", types.ChatRequest{Message: "Tôi đau ngực, khó thở", SessionID: session})
	if w.Code != http.StatusOK {
		t.Fatalf("chat = %d %s", w.Code, w.Body.String())
	}
	resp := decode[types.ChatResponse](t, w)
	if resp.AlertLevel != types.AlertDanger || resp.Status != types.StatusCompleted || resp.TurnNumber != 1 {
		t.Fatalf("unexpected response %+v", resp)
	}

	w = do(r, http.MethodGet, "/api/chat/history/"+session, nil)
	hist := decode[struct {
		SessionID string       `json:"sessionId"`
		Turns     []types.Turn `json:"turns"`
	}](t, w)
	if hist.SessionID != session || len(hist.Turns) != 1 {
		t.Fatalf("history = %+v", hist)
	}

	w = do(r, http.MethodPost, "/api/chat/reset", types.ResetRequest{SessionID: session})
	reset := decode[map[string]any](t, w)
	if w.Code != http.StatusOK || reset["deletedTurns"] != float64(1) {
		t.Fatalf("reset = %d %v", w.Code, reset)
	}

	if w := do(r, http.MethodGet, "/api/chat/summary/"+session, nil); w.Code != http.StatusNotFound {
		t.Fatalf("summary without note = %d", w.Code)
	}
	if w := do(r, http.MethodGet, "/api/chat/history/nope", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("history with bad id = %d", w.Code)
	}
}

func TestChat_AlertLevelNullWithoutAlert(t *testing.T) {
	r, _, _ := newTestRouter(t)
	w := do(r, http.MethodPost, "/api/chat", types.ChatRequest{Message: "Tôi bị ngứa da", SessionID: uuid.NewString()})
	if w.Code != http.StatusOK {
		t.Fatalf("chat = %d %s", w.Code, w.Body.String())
	}
	raw := decode[map[string]any](t, w)
	level, ok := raw["alertLevel"]
	if !ok || level != nil {
		t.Fatalf("alertLevel = %#v (present %v), want null", level, ok)
	}
	if resp := decode[types.ChatResponse](t, w); resp.AlertLevel != types.AlertNone {
		t.Fatalf("decoded alert level = %q", resp.AlertLevel)
	}
}

func TestSummary_Found(t *testing.T) {
	r, store, _ := newTestRouter(t)
	session := uuid.NewString()
	_ = store.UpsertSummary(context.Background(), &types.HandoffSummary{SessionID: session, KeyPoints: []string{"Sốt"}, FreeText: "sốt cao"})

	w := do(r, http.MethodGet, "/api/chat/summary/"+session, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("summary = %d", w.Code)
	}
	if sum := decode[types.HandoffSummary](t, w); sum.FreeText != "sốt cao" {
		t.Fatalf("unexpected summary %+v", sum)
	}
}

func TestDepartments(t *testing.T) {
	r, _, _ := newTestRouter(t)
	w := do(r, http.MethodGet, "/api/departments", nil)
	list := decode[struct {
		Departments []types.Department `json:"departments"`
	}](t, w)
	if len(list.Departments) != 6 {
		t.Fatalf("departments = %d", len(list.Departments))
	}

	id := strconv.FormatInt(list.Departments[0].ID, 10)
	if w := do(r, http.MethodGet, "/api/departments/"+id, nil); w.Code != http.StatusOK {
		t.Fatalf("department %s = %d", id, w.Code)
	}
	if w := do(r, http.MethodGet, "/api/departments/99999", nil); w.Code != http.StatusNotFound {
		t.Fatalf("missing department = %d", w.Code)
	}
	if w := do(r, http.MethodGet, "/api/departments/x", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("bad department id = %d", w.Code)
	}
}

func TestAlertStream_DeliversTriageAlert(t *testing.T) {
	r, _, _ := newTestRouter(t)
	srv := httptest.NewServer(r)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/staff/alerts/stream", nil)
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer resp.Body.Close()

	// Wait for the ready event so the subscription exists before publishing.
	buf := make([]byte, 4096)
	n, err := resp.Body.Read(buf)
	if err != nil || !strings.Contains(string(buf[:n]), "event:ready") {
		t.Fatalf("ready event = %q, %v", buf[:n], err)
	}

	session := uuid.NewString()
	body, _ := json.Marshal(types.ChatRequest{Message: "Tôi đau ngực", SessionID: session})
	post, err := http.Post(srv.URL+"/api/chat", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	post.Body.Close()

	var got strings.Builder
	for !strings.Contains(got.String(), session) {
		n, err := resp.Body.Read(buf)
		if err != nil {
			t.Fatalf("read stream: %v (so far %q)", err, got.String())
		}
		got.Write(buf[:n])
	}
	if !strings.Contains(got.String(), "event:triage_alert") {
		t.Fatalf("unexpected stream %q", got.String())
	}
}
