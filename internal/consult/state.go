// Package consult drives one real-time consultation channel: the session
// state machine, turn sequencing, persistence and teardown.
package consult

import (
	"context"
	"errors"
	"time"

	"github.com/ent0n29/consultd/internal/conversation"
	"github.com/ent0n29/consultd/internal/llm"
	"github.com/ent0n29/consultd/internal/observability"
	"github.com/ent0n29/consultd/internal/protocol"
	"github.com/ent0n29/consultd/internal/safety"
	"github.com/ent0n29/consultd/internal/session"
	"github.com/ent0n29/consultd/internal/store"
	"github.com/ent0n29/consultd/internal/voice"
)

// State is the session lifecycle. failed and ended are terminal.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateSettingUp     State = "setting_up"
	StateReady         State = "ready"
	StateProcessing    State = "processing"
	StateEnded         State = "ended"
	StateFailed        State = "failed"
)

const (
	DefaultInitTimeout   = 20 * time.Second
	DefaultMaxAudioBytes = 10 << 20
	DefaultMaxTextChars  = 4000

	persistTimeout  = 10 * time.Second
	defaultMimeType = "audio/webm"
)

var (
	ErrNotInitialized     = errors.New("session is not ready")
	ErrAlreadyInitialized = errors.New("session already initialized")
	ErrStillProcessing    = errors.New("still processing the previous submission")
	ErrPayloadTooLarge    = errors.New("payload too large")
	ErrSessionClosed      = errors.New("session has ended")
	ErrInitFailed         = errors.New("session setup failed")
	ErrUnsupported        = errors.New("not supported in this session mode")
	// ErrChunkDropped is returned by the scribe when a chunk arrives while
	// the previous one is still being transcribed.
	ErrChunkDropped = errors.New("audio chunk dropped")
)

// Emitter delivers server envelopes to the client. Implementations must be
// safe for concurrent use.
type Emitter interface {
	Emit(msg any)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(msg any)

func (f EmitterFunc) Emit(msg any) { f(msg) }

// Handler is what the real-time channel drives.
type Handler interface {
	Initialize(ctx context.Context) error
	HandleAudio(ctx context.Context, data []byte) error
	HandleText(ctx context.Context, text string) error
	SetLanguage(language string)
	SetAudioMeta(mimeType string)
	EndSession(ctx context.Context)
	State() State
}

type Config struct {
	SessionID     string
	PatientID     string
	Mode          session.Mode
	Language      string
	InitTimeout   time.Duration
	MaxAudioBytes int
	MaxTextChars  int
	Engine        conversation.EngineConfig
}

func (c Config) normalized() Config {
	if c.InitTimeout <= 0 {
		c.InitTimeout = DefaultInitTimeout
	}
	if c.MaxAudioBytes <= 0 {
		c.MaxAudioBytes = DefaultMaxAudioBytes
	}
	if c.MaxTextChars <= 0 {
		c.MaxTextChars = DefaultMaxTextChars
	}
	c.Language = voice.SupportedLanguage(c.Language)
	if c.Mode == "" {
		c.Mode = session.ModeVoice
	}
	return c
}

// Deps are the collaborators shared by every session of a process.
type Deps struct {
	Router   llm.Router
	Context  store.ContextSource
	Store    store.SessionStore
	Pipeline *voice.Pipeline
	// Scanner is optional.
	Scanner *safety.Scanner
	Metrics *observability.Metrics
}

// New returns the handler for cfg.Mode.
func New(cfg Config, deps Deps, emit Emitter) Handler {
	if cfg.Mode == session.ModeScribe {
		return NewScribe(cfg, deps, emit)
	}
	return NewManager(cfg, deps, emit)
}

// ErrorEvent maps a handler error to the envelope shown to the client. ok is
// false for outcomes the client is not told about.
func ErrorEvent(err error) (protocol.ErrorEvent, bool) {
	var te *voice.TranscriptionError
	switch {
	case err == nil, errors.Is(err, ErrChunkDropped):
		return protocol.ErrorEvent{}, false
	case errors.Is(err, ErrNotInitialized):
		return protocol.NewError("not_ready", "The consultation is still starting. Please wait a moment.", true), true
	case errors.Is(err, ErrStillProcessing):
		return protocol.NewError("busy", "I'm still working on your previous message.", true), true
	case errors.Is(err, ErrPayloadTooLarge):
		return protocol.NewError("payload_too_large", "That message is too long. Please send a shorter one.", false), true
	case errors.Is(err, ErrSessionClosed):
		return protocol.NewError("session_closed", "This consultation has ended.", false), true
	case errors.Is(err, ErrInitFailed):
		return protocol.NewError("init_failed", "We couldn't start your consultation. Please reconnect.", false), true
	case errors.Is(err, ErrUnsupported):
		return protocol.NewError("unsupported", "That isn't available in this session.", false), true
	case errors.Is(err, conversation.ErrEmptyMessage):
		return protocol.NewError("empty_message", "Please type a message first.", false), true
	case errors.Is(err, conversation.ErrTransport):
		return protocol.NewError("transport", conversation.TransportMessage, true), true
	case errors.As(err, &te):
		return protocol.NewError(string(te.Cause), te.UserMessage(), true), true
	case errors.Is(err, voice.ErrCouldNotUnderstand):
		return protocol.NewError(string(voice.CauseEmpty), voice.UserMessageFor(err), true), true
	default:
		return protocol.NewError("internal", "Something went wrong. Please try again.", true), true
	}
}

// detached returns a context for persistence that outlives turn cancellation.
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
}
