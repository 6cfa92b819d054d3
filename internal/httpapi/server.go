package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/consultd/internal/config"
	"github.com/ent0n29/consultd/internal/consult"
	"github.com/ent0n29/consultd/internal/observability"
	"github.com/ent0n29/consultd/internal/protocol"
	"github.com/ent0n29/consultd/internal/session"
	"github.com/ent0n29/consultd/internal/store"
	"github.com/ent0n29/consultd/internal/voice"
)

// HandlerFactory builds the consultation handler for a newly attached channel.
type HandlerFactory interface {
	NewHandler(s *session.Session, emit consult.Emitter) consult.Handler
}

// Records is the persistence the REST surface needs.
type Records interface {
	CreateSession(ctx context.Context, rec store.SessionRecord) error
	UpdateSession(ctx context.Context, id string, u store.SessionUpdate) error
}

type TranscriptCompactor interface {
	CompactTranscript(ctx context.Context, text string, maxTokens int) (string, error)
}

type live struct {
	handler consult.Handler
	conn    *websocket.Conn
}

type Server struct {
	cfg       config.Config
	sessions  *session.Manager
	factory   HandlerFactory
	records   Records
	compactor TranscriptCompactor
	metrics   *observability.Metrics
	upgrader  websocket.Upgrader

	mu   sync.Mutex
	live map[string]live
}

func New(cfg config.Config, sessions *session.Manager, factory HandlerFactory, records Records, compactor TranscriptCompactor, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:       cfg,
		sessions:  sessions,
		factory:   factory,
		records:   records,
		compactor: compactor,
		metrics:   metrics,
		live:      make(map[string]live),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Default: only allow browser websocket connections from the same origin.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/consult/session", s.handleCreateSession)
	r.Post("/v1/consult/session/{id}/end", s.handleEndSession)
	r.Get("/v1/consult/session/ws", s.handleSessionWS)
	r.Post("/v1/transcripts/compact", s.handleCompactTranscript)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.factory == nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not_ready"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"active_sessions": s.sessions.ActiveCount(),
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req.PatientID = strings.TrimSpace(req.PatientID)
	if req.PatientID == "" {
		respondError(w, http.StatusBadRequest, "missing_patient_id", "patient_id is required")
		return
	}
	mode, ok := session.ParseMode(strings.ToLower(strings.TrimSpace(req.Mode)))
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid_mode", "mode must be voice, text or scribe")
		return
	}
	language := req.Language
	if strings.TrimSpace(language) == "" {
		language = s.cfg.DefaultLanguage
	}
	language = voice.SupportedLanguage(language)

	sess := s.sessions.Create(req.PatientID, mode, language)
	if s.records != nil {
		err := s.records.CreateSession(r.Context(), store.SessionRecord{
			ID:        sess.ID,
			PatientID: sess.PatientID,
			Mode:      string(sess.Mode),
			Language:  sess.Language,
		})
		if err != nil {
			_, _ = s.sessions.End(sess.ID)
			log.Printf("[httpapi] create session record failed session=%s: %v", sess.ID, err)
			respondError(w, http.StatusInternalServerError, "store_unavailable", "could not create session")
			return
		}
	}
	s.metrics.SessionEvent("created")

	respondJSON(w, http.StatusCreated, session.CreateResponse{
		SessionID:       sess.ID,
		PatientID:       sess.PatientID,
		Mode:            sess.Mode,
		Language:        sess.Language,
		Status:          sess.Status,
		StartedAt:       sess.StartedAt,
		LastActivityAt:  sess.LastActivityAt,
		InactivityTTLMS: s.sessions.InactivityTimeout().Milliseconds(),
	})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if strings.TrimSpace(id) == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}

	sess, err := s.sessions.End(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	s.EndSession(r.Context(), id)
	respondJSON(w, http.StatusOK, sess)
}

// EndSession ends the live channel for id, if any, or marks a session that
// never attached as complete.
func (s *Server) EndSession(ctx context.Context, id string) {
	s.mu.Lock()
	l, ok := s.live[id]
	s.mu.Unlock()
	if ok {
		l.handler.EndSession(ctx)
		_ = l.conn.Close()
		return
	}
	if s.records != nil {
		if err := s.records.UpdateSession(ctx, id, store.SessionUpdate{Complete: true}); err != nil && !errors.Is(err, store.ErrSessionNotFound) {
			log.Printf("[httpapi] complete session record failed session=%s: %v", id, err)
		}
	}
}

// Shutdown ends every live consultation. http.Server.Shutdown does not
// track hijacked websocket connections.
func (s *Server) Shutdown(ctx context.Context) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.live))
	for id := range s.live {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.EndSession(ctx, id)
	}
}

func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "missing_session_id", "query parameter session_id is required")
		return
	}
	if s.factory == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "consultation engine not configured")
		return
	}

	sess, err := s.sessions.Attach(sessionID)
	switch {
	case errors.Is(err, session.ErrNotFound):
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	case err != nil:
		respondError(w, http.StatusConflict, "session_unavailable", err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		_, _ = s.sessions.End(sessionID)
		return
	}
	defer conn.Close()
	s.metrics.SessionEvent("ws_connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	out := newChannelEmitter(256)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(conn, out.ch)
	}()

	handler := s.factory.NewHandler(sess, out)
	s.mu.Lock()
	s.live[sessionID] = live{handler: handler, conn: conn}
	s.mu.Unlock()

	var dispatched sync.WaitGroup
	dispatch := func(fn func(context.Context) error) {
		dispatched.Add(1)
		go func() {
			defer dispatched.Done()
			if err := fn(ctx); err != nil {
				if ev, ok := consult.ErrorEvent(err); ok {
					out.Emit(ev)
				}
			}
		}()
	}
	dispatch(handler.Initialize)

	// Oversized audio must reach the handler to be rejected there, not
	// kill the connection.
	conn.SetReadLimit(int64(s.cfg.MaxAudioBytes) + 1<<20)
	idle := s.sessions.InactivityTimeout()
	_ = conn.SetReadDeadline(time.Now().Add(idle))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(idle))
		return nil
	})

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(idle))
		_ = s.sessions.Touch(sessionID)

		if msgType == websocket.BinaryMessage {
			s.metrics.WSMessage("inbound", "audio")
			dispatch(func(ctx context.Context) error { return handler.HandleAudio(ctx, data) })
			continue
		}
		if msgType != websocket.TextMessage {
			continue
		}

		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			s.metrics.WSMessage("inbound", "invalid")
			out.Emit(protocol.NewError("invalid_client_message", err.Error(), false))
			continue
		}
		switch m := parsed.(type) {
		case protocol.ClientText:
			s.metrics.WSMessage("inbound", string(m.Type))
			dispatch(func(ctx context.Context) error { return handler.HandleText(ctx, m.Text) })
		case protocol.ClientLanguage:
			s.metrics.WSMessage("inbound", string(m.Type))
			handler.SetLanguage(m.Language)
			_ = s.sessions.SetLanguage(sessionID, voice.SupportedLanguage(m.Language))
		case protocol.ClientAudioMeta:
			s.metrics.WSMessage("inbound", string(m.Type))
			handler.SetAudioMeta(m.MimeType)
		case protocol.ClientEnd:
			s.metrics.WSMessage("inbound", string(m.Type))
			break readLoop
		}
	}

	// Persistence at end must not depend on the closed connection.
	handler.EndSession(context.WithoutCancel(ctx))
	_, _ = s.sessions.End(sessionID)
	s.mu.Lock()
	delete(s.live, sessionID)
	s.mu.Unlock()

	cancel()
	dispatched.Wait()
	out.close()
	<-writerDone
	s.metrics.SessionEvent("ws_disconnected")
}

// writeLoop owns all websocket writes. After a write error it keeps draining
// so emitters never block.
func (s *Server) writeLoop(conn *websocket.Conn, out <-chan any) {
	broken := false
	for msg := range out {
		if broken {
			continue
		}
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(msg); err != nil {
			broken = true
			s.metrics.WSMessage("outbound", "write_error")
			continue
		}
		if t, ok := messageTypeOf(msg); ok {
			s.metrics.WSMessage("outbound", string(t))
		}
	}
	if !broken {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"),
			time.Now().Add(time.Second))
	}
}

// channelEmitter queues envelopes for the writer. Emits after close are
// dropped.
type channelEmitter struct {
	mu     sync.Mutex
	closed bool
	ch     chan any
}

func newChannelEmitter(size int) *channelEmitter {
	return &channelEmitter{ch: make(chan any, size)}
}

func (e *channelEmitter) Emit(msg any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.ch <- msg
}

func (e *channelEmitter) close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.ch)
	}
}

type compactRequest struct {
	Text      string `json:"text"`
	MaxTokens int    `json:"max_tokens"`
}

func (s *Server) handleCompactTranscript(w http.ResponseWriter, r *http.Request) {
	if s.compactor == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "transcript compaction not configured")
		return
	}
	var req compactRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		respondError(w, http.StatusBadRequest, "missing_text", "text is required")
		return
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = s.cfg.CompactionMaxToken
	}
	compacted, err := s.compactor.CompactTranscript(r.Context(), req.Text, req.MaxTokens)
	if err != nil {
		log.Printf("[httpapi] transcript compaction failed: %v", err)
		respondError(w, http.StatusBadGateway, "compaction_failed", "could not compact transcript")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"text":      compacted,
		"compacted": compacted != req.Text,
	})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 4<<20))
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.Status:
		return m.Type, true
	case protocol.Transcript:
		return m.Type, true
	case protocol.Greeting:
		return m.Type, true
	case protocol.Emergency:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	case protocol.Delta:
		return m.Type, true
	default:
		return "", false
	}
}
