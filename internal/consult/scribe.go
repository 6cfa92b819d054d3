package consult

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/ent0n29/consultd/internal/protocol"
	"github.com/ent0n29/consultd/internal/store"
	"github.com/ent0n29/consultd/internal/transcript"
	"github.com/ent0n29/consultd/internal/voice"
)

// Scribe is the ambient variant: every audio chunk is transcribed and
// appended verbatim, with no model turn. A chunk that arrives while the
// previous one is still being transcribed is dropped.
type Scribe struct {
	cfg  Config
	deps Deps
	emit Emitter

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	state    State
	entries  []transcript.Entry
	language string
	mimeType string
	started  bool

	inflight sync.WaitGroup
	endOnce  sync.Once
	now      func() time.Time
}

func NewScribe(cfg Config, deps Deps, emit Emitter) *Scribe {
	cfg = cfg.normalized()
	if emit == nil {
		emit = EmitterFunc(func(any) {})
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scribe{
		cfg:      cfg,
		deps:     deps,
		emit:     emit,
		ctx:      ctx,
		cancel:   cancel,
		state:    StateUninitialized,
		language: cfg.Language,
		mimeType: defaultMimeType,
		now:      time.Now,
	}
}

func (s *Scribe) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Scribe) SetLanguage(language string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.language = voice.SupportedLanguage(language)
}

func (s *Scribe) SetAudioMeta(mimeType string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mimeType = mimeType
}

func (s *Scribe) Initialize(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateUninitialized:
	case StateEnded, StateFailed:
		s.mu.Unlock()
		return ErrSessionClosed
	default:
		s.mu.Unlock()
		return ErrAlreadyInitialized
	}
	s.state = StateSettingUp
	s.mu.Unlock()
	s.emit.Emit(protocol.NewStatus(protocol.StatusSettingUp, "Preparing transcription"))

	s.mu.Lock()
	if s.state != StateSettingUp {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.deps.Pipeline == nil {
		s.state = StateFailed
		s.mu.Unlock()
		s.emit.Emit(protocol.NewStatus(protocol.StatusFailed, "Transcription is unavailable"))
		return ErrInitFailed
	}
	s.state = StateReady
	s.started = true
	s.mu.Unlock()

	s.deps.Metrics.SessionStarted()
	s.deps.Metrics.SessionEvent("initialized")
	s.emit.Emit(protocol.NewStatus(protocol.StatusReady, "Listening"))
	return nil
}

func (s *Scribe) HandleText(context.Context, string) error {
	return ErrUnsupported
}

func (s *Scribe) HandleAudio(ctx context.Context, data []byte) error {
	if len(data) > s.cfg.MaxAudioBytes {
		return ErrPayloadTooLarge
	}
	s.mu.Lock()
	switch s.state {
	case StateReady:
	case StateProcessing:
		s.mu.Unlock()
		s.deps.Metrics.SessionEvent("chunk_dropped")
		return ErrChunkDropped
	case StateEnded, StateFailed:
		s.mu.Unlock()
		return ErrSessionClosed
	default:
		s.mu.Unlock()
		return ErrNotInitialized
	}
	s.state = StateProcessing
	s.inflight.Add(1)
	language, mimeType := s.language, s.mimeType
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.state == StateProcessing {
			s.state = StateReady
		}
		s.mu.Unlock()
		s.inflight.Done()
	}()

	chunkCtx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	tr, err := s.deps.Pipeline.Transcribe(chunkCtx, voice.Utterance{Audio: data, MimeType: mimeType}, language)
	if errors.Is(err, voice.ErrCouldNotUnderstand) {
		// Silence between speakers is normal in ambient capture.
		return nil
	}
	if err != nil {
		log.Printf("[consult] session=%s scribe chunk failed: %v", s.cfg.SessionID, err)
		return err
	}

	entry := transcript.Entry{Role: transcript.RoleUser, Text: tr.Text, Timestamp: s.now()}
	lang := voice.SupportedLanguage(tr.Language)
	if tr.Language == "" {
		lang = language
	}
	s.mu.Lock()
	s.entries = append(s.entries, entry)
	s.mu.Unlock()

	s.emit.Emit(protocol.Transcript{Type: protocol.TypeTranscript, Role: string(entry.Role), Text: entry.Text, Language: lang})
	s.persist(ctx, false)
	return nil
}

// Transcript returns a copy of the entries captured so far.
func (s *Scribe) Transcript() []transcript.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]transcript.Entry(nil), s.entries...)
}

func (s *Scribe) persist(ctx context.Context, complete bool) {
	if s.deps.Store == nil {
		return
	}
	s.mu.Lock()
	entries := append([]transcript.Entry(nil), s.entries...)
	language := s.language
	s.mu.Unlock()

	pctx, cancel := detached(ctx)
	defer cancel()
	u := store.SessionUpdate{Transcript: &entries, Language: &language, Complete: complete}
	if err := s.deps.Store.UpdateSession(pctx, s.cfg.SessionID, u); err != nil {
		log.Printf("[consult] session=%s scribe persist failed complete=%t: %v", s.cfg.SessionID, complete, err)
	}
}

func (s *Scribe) EndSession(ctx context.Context) {
	s.endOnce.Do(func() {
		s.mu.Lock()
		failed := s.state == StateFailed
		if !failed {
			s.state = StateEnded
		}
		started := s.started
		s.mu.Unlock()

		s.cancel()
		s.inflight.Wait()
		if started {
			s.persist(ctx, true)
			s.deps.Metrics.SessionEnded()
		}

		s.mu.Lock()
		s.entries = nil
		s.mu.Unlock()
		s.deps.Metrics.SessionEvent("ended")
		if !failed {
			s.emit.Emit(protocol.NewStatus(protocol.StatusEnded, ""))
		}
	})
}
