package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ent0n29/consultd/internal/config"
	"github.com/ent0n29/consultd/internal/consult"
	"github.com/ent0n29/consultd/internal/llm"
	"github.com/ent0n29/consultd/internal/observability"
	"github.com/ent0n29/consultd/internal/session"
	"github.com/ent0n29/consultd/internal/store"
	"github.com/ent0n29/consultd/internal/voice"
)

type testFactory struct {
	deps consult.Deps
}

func (f testFactory) NewHandler(s *session.Session, emit consult.Emitter) consult.Handler {
	return consult.New(consult.Config{
		SessionID: s.ID,
		PatientID: s.PatientID,
		Mode:      s.Mode,
		Language:  s.Language,
	}, f.deps, emit)
}

type stubCompactor struct {
	err error
}

func (c stubCompactor) CompactTranscript(_ context.Context, text string, maxTokens int) (string, error) {
	if c.err != nil {
		return "", c.err
	}
	if maxTokens <= 0 {
		return text, nil
	}
	return "summary: " + text[:5], nil
}

func newTestServer(t *testing.T, compactor TranscriptCompactor) (*httptest.Server, *store.InMemoryStore) {
	t.Helper()
	cfg := config.Config{
		SessionInactivityTimeout: 2 * time.Minute,
		DefaultLanguage:          "en",
		CompactionMaxToken:       100,
	}
	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	metrics := observability.NewMetricsWith(prometheus.NewRegistry(), "test")
	st := store.NewInMemoryStore()
	mock := voice.NewMockProvider()
	factory := testFactory{deps: consult.Deps{
		Router:   llm.Router{Standard: llm.NewMockModel()},
		Context:  st,
		Store:    st,
		Pipeline: voice.NewPipeline(mock, mock, metrics),
		Metrics:  metrics,
	}}
	srv := New(cfg, sessions, factory, st, compactor, metrics)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, st
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, _ := json.Marshal(body)
	res, err := http.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("POST %s error = %v", url, err)
	}
	t.Cleanup(func() { res.Body.Close() })
	return res
}

func createSession(t *testing.T, baseURL, mode string) session.CreateResponse {
	t.Helper()
	res := postJSON(t, baseURL+"/v1/consult/session", map[string]string{"patient_id": "patient-1", "mode": mode})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want %d", res.StatusCode, http.StatusCreated)
	}
	var created session.CreateResponse
	if err := json.NewDecoder(res.Body).Decode(&created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	if created.SessionID == "" {
		t.Fatalf("missing session_id in create response: %+v", created)
	}
	return created
}

func TestCreateAndEndSession(t *testing.T) {
	ts, st := newTestServer(t, nil)
	created := createSession(t, ts.URL, "text")
	if created.Mode != session.ModeText || created.Language != "en" {
		t.Fatalf("created = %+v", created)
	}
	if _, err := st.GetSession(context.Background(), created.SessionID); err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}

	endRes := postJSON(t, ts.URL+"/v1/consult/session/"+created.SessionID+"/end", nil)
	if endRes.StatusCode != http.StatusOK {
		t.Fatalf("end status = %d, want %d", endRes.StatusCode, http.StatusOK)
	}
	rec, err := st.GetSession(context.Background(), created.SessionID)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if rec.CompletedAt == nil {
		t.Fatalf("session record not completed after end")
	}

	missing := postJSON(t, ts.URL+"/v1/consult/session/nope/end", nil)
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("end missing status = %d, want %d", missing.StatusCode, http.StatusNotFound)
	}
}

func TestCreateSessionValidation(t *testing.T) {
	ts, _ := newTestServer(t, nil)
	tests := []struct {
		name string
		body map[string]string
		code string
	}{
		{name: "missing patient", body: map[string]string{"mode": "voice"}, code: "missing_patient_id"},
		{name: "bad mode", body: map[string]string{"patient_id": "p", "mode": "video"}, code: "invalid_mode"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := postJSON(t, ts.URL+"/v1/consult/session", tt.body)
			if res.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
			}
			var body errorResponse
			if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
				t.Fatalf("decode error response: %v", err)
			}
			if body.Code != tt.code {
				t.Fatalf("code = %q, want %q", body.Code, tt.code)
			}
		})
	}
}

func TestHealthz(t *testing.T) {
	ts, _ := newTestServer(t, nil)
	res, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", res.StatusCode)
	}
}

func TestCompactTranscript(t *testing.T) {
	ts, _ := newTestServer(t, stubCompactor{})
	res := postJSON(t, ts.URL+"/v1/transcripts/compact", map[string]any{"text": "patient reports a cough"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", res.StatusCode)
	}
	var body struct {
		Text      string `json:"text"`
		Compacted bool   `json:"compacted"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Text != "summary: patie" || !body.Compacted {
		t.Fatalf("body = %+v", body)
	}

	failing, _ := newTestServer(t, stubCompactor{err: errors.New("model down")})
	if res := postJSON(t, failing.URL+"/v1/transcripts/compact", map[string]any{"text": "x"}); res.StatusCode != http.StatusBadGateway {
		t.Fatalf("failing status = %d, want 502", res.StatusCode)
	}

	disabled, _ := newTestServer(t, nil)
	if res := postJSON(t, disabled.URL+"/v1/transcripts/compact", map[string]any{"text": "x"}); res.StatusCode != http.StatusNotImplemented {
		t.Fatalf("disabled status = %d, want 501", res.StatusCode)
	}
}

func TestSessionWebSocketTextTurn(t *testing.T) {
	ts, st := newTestServer(t, nil)
	created := createSession(t, ts.URL, "text")

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/consult/session/ws?session_id=" + created.SessionID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	// Wait for ready before sending so the message is not rejected.
	readUntil(t, conn, func(env map[string]any) bool {
		data, _ := env["data"].(map[string]any)
		return env["type"] == "status" && data["status"] == "ready"
	})
	if err := conn.WriteJSON(map[string]string{"type": "text", "text": "I have a mild headache"}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	env := readUntil(t, conn, func(env map[string]any) bool {
		return env["type"] == "transcript" && env["role"] == "assistant"
	})
	if text, _ := env["text"].(string); !strings.Contains(text, "mild headache") {
		t.Fatalf("assistant text = %q", text)
	}

	if err := conn.WriteJSON(map[string]string{"type": "end"}); err != nil {
		t.Fatalf("WriteJSON(end) error = %v", err)
	}
	readUntil(t, conn, func(env map[string]any) bool {
		data, _ := env["data"].(map[string]any)
		return env["type"] == "status" && data["status"] == "ended"
	})

	rec, err := st.GetSession(context.Background(), created.SessionID)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if rec.CompletedAt == nil || len(rec.Transcript) < 3 {
		t.Fatalf("record = %+v, want completed with greeting and one exchange", rec)
	}
}

func TestSessionWebSocketRejectsSecondAttach(t *testing.T) {
	ts, _ := newTestServer(t, nil)
	created := createSession(t, ts.URL, "text")
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/consult/session/ws?session_id=" + created.SessionID

	first, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer first.Close()

	_, res, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatalf("second Dial() should fail")
	}
	if res == nil || res.StatusCode != http.StatusConflict {
		t.Fatalf("second attach response = %+v, want 409", res)
	}
}

func readUntil(t *testing.T, conn *websocket.Conn, match func(map[string]any) bool) map[string]any {
	t.Helper()
	for {
		var env map[string]any
		if err := conn.ReadJSON(&env); err != nil {
			t.Fatalf("ReadJSON() error = %v", err)
		}
		if match(env) {
			return env
		}
	}
}
