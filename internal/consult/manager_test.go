package consult

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/ent0n29/consultd/internal/conversation"
	"github.com/ent0n29/consultd/internal/llm"
	"github.com/ent0n29/consultd/internal/protocol"
	"github.com/ent0n29/consultd/internal/safety"
	"github.com/ent0n29/consultd/internal/session"
	"github.com/ent0n29/consultd/internal/store"
	"github.com/ent0n29/consultd/internal/transcript"
	"github.com/ent0n29/consultd/internal/voice"
)

type recorder struct {
	mu   sync.Mutex
	msgs []any
}

func (r *recorder) Emit(msg any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

func (r *recorder) statuses() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, m := range r.msgs {
		if s, ok := m.(protocol.Status); ok {
			out = append(out, s.Data.Status)
		}
	}
	return out
}

func (r *recorder) transcripts(role string) []protocol.Transcript {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []protocol.Transcript
	for _, m := range r.msgs {
		if t, ok := m.(protocol.Transcript); ok && t.Role == role {
			out = append(out, t)
		}
	}
	return out
}

func (r *recorder) count(match func(any) bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.msgs {
		if match(m) {
			n++
		}
	}
	return n
}

func isEmergency(m any) bool {
	_, ok := m.(protocol.Emergency)
	return ok
}

func isDelta(m any) bool {
	_, ok := m.(protocol.Delta)
	return ok
}

func isGreeting(m any) bool {
	_, ok := m.(protocol.Greeting)
	return ok
}

type countingStore struct {
	*store.InMemoryStore
	mu        sync.Mutex
	completes int
}

func (c *countingStore) UpdateSession(ctx context.Context, id string, u store.SessionUpdate) error {
	if u.Complete {
		c.mu.Lock()
		c.completes++
		c.mu.Unlock()
	}
	return c.InMemoryStore.UpdateSession(ctx, id, u)
}

func (c *countingStore) completeCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.completes
}

type harness struct {
	m     *Manager
	rec   *recorder
	store *countingStore
}

func newHarness(t *testing.T, mode session.Mode, deps Deps) harness {
	t.Helper()
	st := &countingStore{InMemoryStore: store.NewInMemoryStore()}
	if err := st.CreateSession(context.Background(), store.SessionRecord{ID: "s1", PatientID: "p1", Mode: string(mode)}); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if deps.Router.Standard == nil {
		deps.Router = llm.Router{Standard: llm.NewMockModel()}
	}
	if deps.Context == nil {
		deps.Context = st
	}
	if deps.Pipeline == nil {
		mock := voice.NewMockProvider()
		deps.Pipeline = voice.NewPipeline(mock, mock, nil)
	}
	deps.Store = st
	rec := &recorder{}
	m := NewManager(Config{SessionID: "s1", PatientID: "p1", Mode: mode, Language: "en"}, deps, rec)
	t.Cleanup(func() { m.EndSession(context.Background()) })
	return harness{m: m, rec: rec, store: st}
}

func (h harness) record(t *testing.T) store.SessionRecord {
	t.Helper()
	rec, err := h.store.GetSession(context.Background(), "s1")
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	return rec
}

func TestManagerInitializeEmitsGreeting(t *testing.T) {
	h := newHarness(t, session.ModeVoice, Deps{})
	if err := h.m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if h.m.State() != StateReady {
		t.Fatalf("State() = %q, want ready", h.m.State())
	}
	got := h.rec.statuses()
	if len(got) != 2 || got[0] != protocol.StatusSettingUp || got[1] != protocol.StatusReady {
		t.Fatalf("statuses = %v", got)
	}
	if h.rec.count(isGreeting) != 1 {
		t.Fatalf("greeting envelopes = %d, want 1", h.rec.count(isGreeting))
	}
	for _, m := range h.rec.msgs {
		if g, ok := m.(protocol.Greeting); ok && (g.Text == "" || len(g.Audio) == 0) {
			t.Fatalf("greeting = %+v, want text and audio in voice mode", g)
		}
	}
	if rec := h.record(t); len(rec.Transcript) != 1 || rec.Transcript[0].Role != transcript.RoleAssistant {
		t.Fatalf("persisted transcript = %+v, want greeting only", rec.Transcript)
	}
}

func TestManagerRejectsBeforeInitialize(t *testing.T) {
	h := newHarness(t, session.ModeText, Deps{})
	if err := h.m.HandleText(context.Background(), "hello"); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("HandleText() error = %v, want ErrNotInitialized", err)
	}
	if h.m.State() != StateUninitialized {
		t.Fatalf("State() = %q, want uninitialized", h.m.State())
	}
}

func TestManagerTextTurnStreamsAndPersists(t *testing.T) {
	h := newHarness(t, session.ModeText, Deps{})
	if err := h.m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if err := h.m.HandleText(context.Background(), "my knee hurts when I climb stairs"); err != nil {
		t.Fatalf("HandleText() error = %v", err)
	}
	if h.m.State() != StateReady {
		t.Fatalf("State() = %q, want ready", h.m.State())
	}
	if h.rec.count(isDelta) == 0 {
		t.Fatalf("no delta envelopes for text turn")
	}
	replies := h.rec.transcripts("assistant")
	if len(replies) != 1 || !strings.Contains(replies[0].Text, "my knee hurts") {
		t.Fatalf("assistant transcripts = %+v", replies)
	}
	if rec := h.record(t); len(rec.Transcript) != 3 {
		t.Fatalf("persisted %d entries, want greeting + user + reply", len(rec.Transcript))
	}
}

func TestManagerRejectsOversizedPayloads(t *testing.T) {
	h := newHarness(t, session.ModeVoice, Deps{})
	h.m.cfg.MaxAudioBytes = 4
	if err := h.m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if err := h.m.HandleAudio(context.Background(), []byte("12345")); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("HandleAudio() error = %v, want ErrPayloadTooLarge", err)
	}
	if err := h.m.HandleText(context.Background(), strings.Repeat("a", DefaultMaxTextChars+1)); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("HandleText() error = %v, want ErrPayloadTooLarge", err)
	}
	if h.m.State() != StateReady {
		t.Fatalf("State() = %q, want ready", h.m.State())
	}
}

func TestManagerEmergencyScenario(t *testing.T) {
	h := newHarness(t, session.ModeVoice, Deps{})
	if err := h.m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	h.m.SetAudioMeta("text/plain")
	if err := h.m.HandleAudio(context.Background(), []byte("I have chest pain and can't breathe")); err != nil {
		t.Fatalf("HandleAudio() error = %v", err)
	}

	if h.rec.count(isEmergency) != 1 {
		t.Fatalf("emergency envelopes = %d, want 1", h.rec.count(isEmergency))
	}
	if !h.m.Emergency().Flagged {
		t.Fatalf("Emergency().Flagged = false after flag_emergency")
	}
	users := h.rec.transcripts("user")
	if len(users) != 1 || users[0].Text != "I have chest pain and can't breathe" {
		t.Fatalf("user transcripts = %+v", users)
	}
	replies := h.rec.transcripts("assistant")
	if len(replies) != 1 || replies[0].Text == "" || len(replies[0].Audio) == 0 {
		t.Fatalf("assistant transcripts = %+v, want spoken reply", replies)
	}

	rec := h.record(t)
	if !rec.EmergencyFlagged || !strings.Contains(rec.EmergencyDetails, "critical") {
		t.Fatalf("persisted emergency = %t %q", rec.EmergencyFlagged, rec.EmergencyDetails)
	}

	// A later calm turn neither clears the flag nor repeats the event.
	if err := h.m.HandleAudio(context.Background(), []byte("it is a bit better now")); err != nil {
		t.Fatalf("HandleAudio() error = %v", err)
	}
	if h.rec.count(isEmergency) != 1 || !h.m.Emergency().Flagged {
		t.Fatalf("emergency state changed after a later turn")
	}
}

type blockingSTT struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingSTT) Transcribe(_ context.Context, data []byte, _, _ string) (voice.Transcription, error) {
	b.entered <- struct{}{}
	<-b.release
	return voice.Transcription{Text: string(data), Language: "en"}, nil
}

func TestManagerSingleFlight(t *testing.T) {
	stt := &blockingSTT{entered: make(chan struct{}, 1), release: make(chan struct{})}
	h := newHarness(t, session.ModeVoice, Deps{Pipeline: voice.NewPipeline(stt, voice.NewMockProvider(), nil)})
	if err := h.m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	first := make(chan error, 1)
	go func() { first <- h.m.HandleAudio(context.Background(), []byte("my back hurts")) }()
	<-stt.entered

	if err := h.m.HandleAudio(context.Background(), []byte("and my leg")); !errors.Is(err, ErrStillProcessing) {
		t.Fatalf("second HandleAudio() error = %v, want ErrStillProcessing", err)
	}
	if err := h.m.HandleText(context.Background(), "hello?"); !errors.Is(err, ErrStillProcessing) {
		t.Fatalf("HandleText() during turn error = %v, want ErrStillProcessing", err)
	}

	close(stt.release)
	if err := <-first; err != nil {
		t.Fatalf("first HandleAudio() error = %v", err)
	}

	var users int
	for _, e := range h.record(t).Transcript {
		if e.Role == transcript.RoleUser {
			users++
		}
	}
	if users != 1 {
		t.Fatalf("persisted user entries = %d, want 1", users)
	}
}

func TestManagerEndSessionIsIdempotent(t *testing.T) {
	h := newHarness(t, session.ModeText, Deps{})
	if err := h.m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	h.m.EndSession(context.Background())
	h.m.EndSession(context.Background())

	if got := h.store.completeCalls(); got != 1 {
		t.Fatalf("completion writes = %d, want 1", got)
	}
	if h.m.State() != StateEnded {
		t.Fatalf("State() = %q, want ended", h.m.State())
	}
	if rec := h.record(t); rec.CompletedAt == nil {
		t.Fatalf("record not marked complete")
	}
	if err := h.m.HandleText(context.Background(), "hello"); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("HandleText() after end error = %v, want ErrSessionClosed", err)
	}
	ended := 0
	for _, s := range h.rec.statuses() {
		if s == protocol.StatusEnded {
			ended++
		}
	}
	if ended != 1 {
		t.Fatalf("ended statuses = %d, want 1", ended)
	}
}

type stallingContext struct{ release chan struct{} }

func (s stallingContext) PatientContext(context.Context, string) (conversation.ClinicalContext, error) {
	<-s.release
	return conversation.ClinicalContext{}, nil
}

func TestManagerInitializeTimesOut(t *testing.T) {
	stall := stallingContext{release: make(chan struct{})}
	defer close(stall.release)
	h := newHarness(t, session.ModeText, Deps{Context: stall})
	h.m.cfg.InitTimeout = 20 * time.Millisecond

	err := h.m.Initialize(context.Background())
	if !errors.Is(err, ErrInitFailed) {
		t.Fatalf("Initialize() error = %v, want ErrInitFailed", err)
	}
	if h.m.State() != StateFailed {
		t.Fatalf("State() = %q, want failed", h.m.State())
	}
	if err := h.m.HandleText(context.Background(), "hello"); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("HandleText() after failure error = %v, want ErrSessionClosed", err)
	}
	if ev, ok := ErrorEvent(err); !ok || ev.Code != "session_closed" {
		t.Fatalf("ErrorEvent() = %+v, %v", ev, ok)
	}
}

type failingContext struct{}

func (failingContext) PatientContext(context.Context, string) (conversation.ClinicalContext, error) {
	return conversation.ClinicalContext{}, errors.New("records service down")
}

func TestManagerInitializeFailsOnHydrationError(t *testing.T) {
	h := newHarness(t, session.ModeText, Deps{Context: failingContext{}})
	err := h.m.Initialize(context.Background())
	if !errors.Is(err, ErrInitFailed) {
		t.Fatalf("Initialize() error = %v, want ErrInitFailed", err)
	}
	statuses := h.rec.statuses()
	if statuses[len(statuses)-1] != protocol.StatusFailed {
		t.Fatalf("statuses = %v, want failed last", statuses)
	}
	if err := h.m.Initialize(context.Background()); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("second Initialize() error = %v, want ErrSessionClosed", err)
	}

	h.m.EndSession(context.Background())
	if h.m.State() != StateFailed {
		t.Fatalf("State() after EndSession = %q, want failed", h.m.State())
	}
	for _, st := range h.rec.statuses() {
		if st == protocol.StatusEnded {
			t.Fatalf("statuses = %v, failed session must not report ended", h.rec.statuses())
		}
	}
}

type downModel struct{}

func (downModel) Generate(context.Context, []*schema.Message, ...model.Option) (*schema.Message, error) {
	return nil, errors.New("connection refused")
}

func (downModel) Stream(context.Context, []*schema.Message, ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, errors.New("connection refused")
}

func TestManagerTransportFailureReturnsToReady(t *testing.T) {
	h := newHarness(t, session.ModeText, Deps{Router: llm.Router{Standard: downModel{}}})
	if err := h.m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v (greeting must fall back)", err)
	}
	err := h.m.HandleText(context.Background(), "hello")
	if !errors.Is(err, conversation.ErrTransport) {
		t.Fatalf("HandleText() error = %v, want ErrTransport", err)
	}
	if h.m.State() != StateReady {
		t.Fatalf("State() = %q, want ready after failure", h.m.State())
	}
	ev, ok := ErrorEvent(err)
	if !ok || ev.Code != "transport" || !ev.Retryable || ev.Text != conversation.TransportMessage {
		t.Fatalf("ErrorEvent() = %+v", ev)
	}
	if got := h.rec.transcripts("user"); len(got) != 0 {
		t.Fatalf("user transcripts = %+v, want none for a rolled back turn", got)
	}
}

// flagThenFailModel flags an emergency in its first tool round, fails the
// next round and answers normally afterwards.
type flagThenFailModel struct {
	mu     sync.Mutex
	rounds int
}

func (m *flagThenFailModel) Generate(context.Context, []*schema.Message, ...model.Option) (*schema.Message, error) {
	return &schema.Message{Role: schema.Assistant, Content: "Hello, what brings you in?"}, nil
}

func (m *flagThenFailModel) Stream(context.Context, []*schema.Message, ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	m.mu.Lock()
	m.rounds++
	round := m.rounds
	m.mu.Unlock()
	switch round {
	case 1:
		msg := &schema.Message{
			Role: schema.Assistant,
			ToolCalls: []schema.ToolCall{{
				ID:   "c1",
				Type: "function",
				Function: schema.FunctionCall{
					Name:      conversation.ToolFlagEmergency,
					Arguments: `{"reason":"chest pain","severity":"critical","recommended_action":"Call emergency services immediately"}`,
				},
			}},
			ResponseMeta: &schema.ResponseMeta{FinishReason: "tool_calls"},
		}
		return schema.StreamReaderFromArray([]*schema.Message{msg}), nil
	case 2:
		return nil, errors.New("connection reset")
	default:
		msg := &schema.Message{Role: schema.Assistant, Content: "Please call emergency services now.", ResponseMeta: &schema.ResponseMeta{FinishReason: "stop"}}
		return schema.StreamReaderFromArray([]*schema.Message{msg}), nil
	}
}

func TestManagerEmergencySurvivesFailedTurn(t *testing.T) {
	h := newHarness(t, session.ModeText, Deps{Router: llm.Router{Standard: &flagThenFailModel{}}})
	if err := h.m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	err := h.m.HandleText(context.Background(), "I have chest pain")
	if !errors.Is(err, conversation.ErrTransport) {
		t.Fatalf("HandleText() error = %v, want ErrTransport", err)
	}
	if got := h.rec.count(isEmergency); got != 1 {
		t.Fatalf("emergency envelopes after failed turn = %d, want 1", got)
	}
	if rec := h.record(t); !rec.EmergencyFlagged || rec.EmergencyDetails == "" {
		t.Fatalf("record = %+v, want emergency persisted", rec)
	}

	if err := h.m.HandleText(context.Background(), "what should I do?"); err != nil {
		t.Fatalf("second HandleText() error = %v", err)
	}
	if got := h.rec.count(isEmergency); got != 1 {
		t.Fatalf("emergency envelopes = %d, want exactly 1", got)
	}
	if !h.m.Emergency().Flagged {
		t.Fatalf("Emergency() not flagged")
	}
}

func TestManagerScannerDoesNotTouchEmergencyState(t *testing.T) {
	scanner := safety.NewScanner(llm.NewMockModel(), 3, time.Second)
	h := newHarness(t, session.ModeText, Deps{Scanner: scanner})
	if err := h.m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if err := h.m.HandleText(context.Background(), "I feel dizzy"); err != nil {
		t.Fatalf("HandleText() error = %v", err)
	}
	h.m.EndSession(context.Background())
	if h.rec.count(isEmergency) != 0 {
		t.Fatalf("scanner produced a client emergency event")
	}
}

func TestErrorEventMapping(t *testing.T) {
	cases := []struct {
		err  error
		code string
	}{
		{ErrStillProcessing, "busy"},
		{ErrNotInitialized, "not_ready"},
		{ErrPayloadTooLarge, "payload_too_large"},
		{&voice.TranscriptionError{Cause: voice.CauseRateLimited}, "rate_limited"},
		{&voice.TranscriptionError{Cause: voice.CauseEmpty}, "empty"},
		{errors.New("boom"), "internal"},
	}
	for _, tc := range cases {
		ev, ok := ErrorEvent(tc.err)
		if !ok || ev.Code != tc.code || ev.Type != protocol.TypeError {
			t.Fatalf("ErrorEvent(%v) = %+v, %v, want code %q", tc.err, ev, ok, tc.code)
		}
	}
	if _, ok := ErrorEvent(ErrChunkDropped); ok {
		t.Fatalf("ErrorEvent(ErrChunkDropped) should not reach the client")
	}
}
