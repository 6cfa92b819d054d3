package consult

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/ent0n29/consultd/internal/conversation"
	"github.com/ent0n29/consultd/internal/policy"
	"github.com/ent0n29/consultd/internal/protocol"
	"github.com/ent0n29/consultd/internal/session"
	"github.com/ent0n29/consultd/internal/store"
	"github.com/ent0n29/consultd/internal/transcript"
	"github.com/ent0n29/consultd/internal/voice"
)

// Manager runs a conversational consultation. State is guarded by mu; the
// engine itself is only touched by the single in-flight turn, or by
// EndSession after that turn has drained.
type Manager struct {
	cfg  Config
	deps Deps
	emit Emitter

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	state    State
	engine   *conversation.Engine
	language string
	mimeType string
	started  bool

	// announced is set once the client has been sent the emergency envelope.
	announced bool

	inflight sync.WaitGroup
	scans    sync.WaitGroup
	endOnce  sync.Once
}

func NewManager(cfg Config, deps Deps, emit Emitter) *Manager {
	cfg = cfg.normalized()
	if emit == nil {
		emit = EmitterFunc(func(any) {})
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:      cfg,
		deps:     deps,
		emit:     emit,
		ctx:      ctx,
		cancel:   cancel,
		state:    StateUninitialized,
		language: cfg.Language,
		mimeType: defaultMimeType,
	}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) SetLanguage(language string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.language = voice.SupportedLanguage(language)
}

func (m *Manager) SetAudioMeta(mimeType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mimeType = mimeType
}

type setupResult struct {
	engine   *conversation.Engine
	greeting string
	audio    []byte
	format   string
	err      error
}

// Initialize hydrates the clinical context, builds the engine and produces
// the greeting, all within InitTimeout. Any failure leaves the session in
// the terminal failed state.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case StateUninitialized:
	case StateEnded, StateFailed:
		m.mu.Unlock()
		return ErrSessionClosed
	default:
		m.mu.Unlock()
		return ErrAlreadyInitialized
	}
	m.state = StateSettingUp
	m.started = true
	language := m.language
	m.mu.Unlock()

	m.deps.Metrics.SessionStarted()
	m.emit.Emit(protocol.NewStatus(protocol.StatusSettingUp, "Preparing your consultation"))

	initCtx, cancel := context.WithTimeout(m.ctx, m.cfg.InitTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	done := make(chan setupResult, 1)
	go func() { done <- m.setup(initCtx, language) }()

	var res setupResult
	select {
	case res = <-done:
	case <-initCtx.Done():
		res.err = fmt.Errorf("timed out after %s: %w", m.cfg.InitTimeout, initCtx.Err())
		go func() {
			if late := <-done; late.engine != nil {
				late.engine.Destroy()
			}
		}()
	}

	if res.err != nil {
		m.mu.Lock()
		if m.state == StateSettingUp {
			m.state = StateFailed
		}
		m.mu.Unlock()
		if res.engine != nil {
			res.engine.Destroy()
		}
		log.Printf("[consult] session=%s init failed: %v", m.cfg.SessionID, res.err)
		m.deps.Metrics.SessionEvent("init_failed")
		m.emit.Emit(protocol.NewStatus(protocol.StatusFailed, "We couldn't start your consultation"))
		return fmt.Errorf("%w: %w", ErrInitFailed, res.err)
	}

	m.mu.Lock()
	if m.state != StateSettingUp {
		m.mu.Unlock()
		res.engine.Destroy()
		return ErrSessionClosed
	}
	m.engine = res.engine
	m.state = StateReady
	m.mu.Unlock()

	m.persist(ctx, res.engine, false)
	m.deps.Metrics.SessionEvent("initialized")
	m.emit.Emit(protocol.Greeting{Type: protocol.TypeGreeting, Text: res.greeting, Audio: res.audio, AudioFormat: res.format})
	m.emit.Emit(protocol.NewStatus(protocol.StatusReady, ""))
	return nil
}

func (m *Manager) setup(ctx context.Context, language string) setupResult {
	clinical, err := m.hydrate(ctx)
	if err != nil {
		return setupResult{err: err}
	}
	engine := conversation.NewEngine(ctx, m.cfg.Engine, m.deps.Router, clinical, sessionEvents{m: m})
	greeting := engine.Greeting(ctx)
	if err := ctx.Err(); err != nil {
		return setupResult{engine: engine, err: err}
	}
	res := setupResult{engine: engine, greeting: greeting}
	if m.cfg.Mode == session.ModeVoice && m.deps.Pipeline != nil {
		res.audio, res.format = m.deps.Pipeline.Synthesize(ctx, greeting, language)
	}
	return res
}

func (m *Manager) hydrate(ctx context.Context) (conversation.ClinicalContext, error) {
	empty := conversation.ClinicalContext{PatientID: m.cfg.PatientID}
	if m.deps.Context == nil {
		return empty, nil
	}
	clinical, err := m.deps.Context.PatientContext(ctx, m.cfg.PatientID)
	if errors.Is(err, store.ErrPatientNotFound) {
		log.Printf("[consult] session=%s patient=%s has no clinical record", m.cfg.SessionID, m.cfg.PatientID)
		return empty, nil
	}
	if err != nil {
		return conversation.ClinicalContext{}, fmt.Errorf("hydrate clinical context: %w", err)
	}
	return clinical, nil
}

// begin is the single-flight guard. It rejects without changing state.
func (m *Manager) begin() (*conversation.Engine, string, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case StateReady:
	case StateProcessing:
		return nil, "", "", ErrStillProcessing
	case StateEnded, StateFailed:
		return nil, "", "", ErrSessionClosed
	default:
		return nil, "", "", ErrNotInitialized
	}
	m.state = StateProcessing
	m.inflight.Add(1)
	return m.engine, m.language, m.mimeType, nil
}

// finish returns to ready unless the session ended meanwhile.
func (m *Manager) finish() {
	m.mu.Lock()
	ready := m.state == StateProcessing
	if ready {
		m.state = StateReady
	}
	m.mu.Unlock()
	m.inflight.Done()
	if ready {
		m.emit.Emit(protocol.NewStatus(protocol.StatusReady, ""))
	}
}

func (m *Manager) reject(err error) error {
	m.deps.Metrics.SessionEvent("rejected")
	return err
}

// turnContext is canceled when either the caller's ctx or the session ends.
func (m *Manager) turnContext(ctx context.Context) (context.Context, context.CancelFunc) {
	turnCtx, cancel := context.WithCancel(m.ctx)
	stop := context.AfterFunc(ctx, cancel)
	return turnCtx, func() {
		stop()
		cancel()
	}
}

// HandleAudio runs one utterance through the voice pipeline.
func (m *Manager) HandleAudio(ctx context.Context, data []byte) error {
	if len(data) > m.cfg.MaxAudioBytes {
		return m.reject(ErrPayloadTooLarge)
	}
	if m.deps.Pipeline == nil {
		return m.reject(ErrUnsupported)
	}
	engine, language, mimeType, err := m.begin()
	if err != nil {
		return m.reject(err)
	}
	defer m.finish()
	m.emit.Emit(protocol.NewStatus(protocol.StatusProcessing, ""))

	turnCtx, cancel := m.turnContext(ctx)
	defer cancel()

	res, err := m.deps.Pipeline.ProcessUtterance(turnCtx, voice.Utterance{Audio: data, MimeType: mimeType}, engine, language)
	if err != nil {
		log.Printf("[consult] session=%s voice turn failed: %v", m.cfg.SessionID, err)
		m.afterFailedTurn(ctx, engine)
		return err
	}

	m.mu.Lock()
	m.language = res.Language
	m.mu.Unlock()

	m.emit.Emit(protocol.Transcript{
		Type:     protocol.TypeTranscript,
		Role:     string(transcript.RoleUser),
		Text:     res.Transcript,
		Language: res.Language,
	})
	m.afterTurn(ctx, engine, res.Reply, res.Audio, res.AudioFormat, res.Language)
	return nil
}

// HandleText runs one typed message, streaming the reply as delta envelopes.
func (m *Manager) HandleText(ctx context.Context, text string) error {
	if utf8.RuneCountInString(text) > m.cfg.MaxTextChars {
		return m.reject(ErrPayloadTooLarge)
	}
	engine, language, _, err := m.begin()
	if err != nil {
		return m.reject(err)
	}
	defer m.finish()
	m.emit.Emit(protocol.NewStatus(protocol.StatusProcessing, ""))

	turnCtx, cancel := m.turnContext(ctx)
	defer cancel()

	started := time.Now()
	reply, err := engine.SendMessageStreaming(turnCtx, text, func(delta string) {
		m.emit.Emit(protocol.NewDelta(delta))
	})
	if err != nil {
		log.Printf("[consult] session=%s text turn failed message=%q: %v", m.cfg.SessionID, policy.LogPreview(text), err)
		m.afterFailedTurn(ctx, engine)
		return err
	}
	m.deps.Metrics.ObserveTurnLatency("text", time.Since(started))
	// Sent only on success: a failed turn is rolled back out of the transcript.
	m.emit.Emit(protocol.Transcript{Type: protocol.TypeTranscript, Role: string(transcript.RoleUser), Text: text, Language: language})
	m.afterTurn(ctx, engine, reply, nil, "", language)
	return nil
}

// afterTurn emits the emergency and assistant envelopes, persists the turn
// and starts the background scan.
func (m *Manager) afterTurn(ctx context.Context, engine *conversation.Engine, reply conversation.Reply, audio []byte, format, language string) {
	m.announceEmergency(engine)
	m.emit.Emit(protocol.Transcript{
		Type:        protocol.TypeTranscript,
		Role:        string(transcript.RoleAssistant),
		Text:        reply.Text,
		Audio:       audio,
		AudioFormat: format,
		Language:    language,
	})
	m.persist(ctx, engine, false)
	m.scan(engine)
}

// afterFailedTurn keeps an emergency flagged by an earlier round of the
// failed turn: the client is told and the flag is stored.
func (m *Manager) afterFailedTurn(ctx context.Context, engine *conversation.Engine) {
	m.announceEmergency(engine)
	m.persist(ctx, engine, false)
}

// announceEmergency sends the emergency envelope the first time the engine
// is seen flagged.
func (m *Manager) announceEmergency(engine *conversation.Engine) {
	emergency := engine.Emergency()
	if !emergency.Flagged {
		return
	}
	m.mu.Lock()
	already := m.announced
	m.announced = true
	m.mu.Unlock()
	if already {
		return
	}
	m.emit.Emit(protocol.Emergency{
		Type:              protocol.TypeEmergency,
		Text:              emergency.Details,
		Severity:          emergency.Alert.Severity,
		RecommendedAction: emergency.Alert.RecommendedAction,
	})
}

func (m *Manager) persist(ctx context.Context, engine *conversation.Engine, complete bool) {
	if m.deps.Store == nil {
		return
	}
	m.mu.Lock()
	language := m.language
	m.mu.Unlock()

	u := store.SessionUpdate{Language: &language, Complete: complete}
	if engine != nil {
		entries := engine.Transcript()
		emergency := engine.Emergency()
		u.Transcript = &entries
		u.EmergencyFlagged = &emergency.Flagged
		if emergency.Details != "" {
			u.EmergencyDetails = &emergency.Details
		}
	}

	pctx, cancel := detached(ctx)
	defer cancel()
	if err := m.deps.Store.UpdateSession(pctx, m.cfg.SessionID, u); err != nil {
		log.Printf("[consult] session=%s persist failed complete=%t: %v", m.cfg.SessionID, complete, err)
	}
}

// scan runs the emergency scanner over a snapshot of recent patient
// messages. Its verdict is advisory: logged and counted, never applied to
// the session's emergency state.
func (m *Manager) scan(engine *conversation.Engine) {
	scanner := m.deps.Scanner
	if scanner == nil {
		return
	}
	snapshot := engine.RecentUserTexts(scanner.Window())
	if len(snapshot) == 0 {
		return
	}
	m.scans.Add(1)
	go func() {
		defer m.scans.Done()
		res := scanner.Scan(m.ctx, snapshot)
		if !res.IsEmergency {
			return
		}
		m.deps.Metrics.EmergencySignal("scanner")
		log.Printf("[consult] session=%s scanner flagged possible emergency severity=%s reason=%q",
			m.cfg.SessionID, res.Severity, policy.LogPreview(res.Reason))
	}()
}

// EndSession persists the final transcript, marks the record complete and
// releases the engine. Only the first call has any effect.
func (m *Manager) EndSession(ctx context.Context) {
	m.endOnce.Do(func() { m.end(ctx) })
}

func (m *Manager) end(ctx context.Context) {
	m.mu.Lock()
	failed := m.state == StateFailed
	if !failed {
		m.state = StateEnded
	}
	started := m.started
	m.mu.Unlock()

	m.cancel()
	m.inflight.Wait()
	m.scans.Wait()

	m.mu.Lock()
	engine := m.engine
	m.engine = nil
	m.mu.Unlock()

	if started {
		m.persist(ctx, engine, true)
		m.deps.Metrics.SessionEnded()
	}
	if engine != nil {
		engine.Destroy()
	}
	m.deps.Metrics.SessionEvent("ended")
	if !failed {
		m.emit.Emit(protocol.NewStatus(protocol.StatusEnded, ""))
	}
}

// Emergency reports the engine's current emergency state. It must not be
// called while a turn is in flight.
func (m *Manager) Emergency() conversation.EmergencyState {
	m.mu.Lock()
	engine := m.engine
	m.mu.Unlock()
	if engine == nil {
		return conversation.EmergencyState{}
	}
	return engine.Emergency()
}

type sessionEvents struct{ m *Manager }

func (e sessionEvents) Emergency(_ context.Context, alert conversation.EmergencyAlert) error {
	e.m.deps.Metrics.EmergencySignal("tool")
	log.Printf("[consult] session=%s emergency flagged severity=%s", e.m.cfg.SessionID, alert.Severity)
	return nil
}

func (e sessionEvents) NotesUpdated(_ context.Context, notes conversation.SessionNotes) error {
	log.Printf("[consult] session=%s notes updated complaint=%t symptoms=%d",
		e.m.cfg.SessionID, notes.ChiefComplaint != "", len(notes.SymptomsNoted))
	return nil
}
