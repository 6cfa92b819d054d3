// Package conversation runs one consultation: the turn history, the
// tool-use loop against the chat model, and the session's notes and
// emergency state.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/ent0n29/consultd/internal/contextwindow"
	"github.com/ent0n29/consultd/internal/llm"
	"github.com/ent0n29/consultd/internal/observability"
	"github.com/ent0n29/consultd/internal/policy"
	"github.com/ent0n29/consultd/internal/transcript"
)

const DefaultMaxToolRounds = 5

const (
	// TransportMessage is shown to the patient when the model cannot be reached.
	TransportMessage = "I'm having trouble reaching the consultation service. Please try again."

	greetingMarker   = "[The patient has joined the consultation. Greet them and ask what brings them in.]"
	truncationNotice = " (My response was cut short. Please ask me to continue.)"
	roundCapReply    = "I need a moment to pull together everything you've told me. Which symptom is worrying you the most right now?"
	emptyReply       = "I'm sorry, could you say that again?"
)

var (
	// ErrTransport means the model call failed. The patient's message was
	// rolled back and may be retried.
	ErrTransport    = errors.New("consultation model unavailable")
	ErrEmptyMessage = errors.New("message is empty")
	ErrDestroyed    = errors.New("conversation has ended")
)

type EngineConfig struct {
	Persona       Persona
	Budget        contextwindow.TokenBudget
	MaxToolRounds int
	Estimator     contextwindow.Estimator
	Metrics       *observability.Metrics
}

// Reply is the outcome of one patient message.
type Reply struct {
	Text         string
	Tier         llm.Tier
	Rounds       int
	Truncated    bool
	Emergency    EmergencyState
	NewlyFlagged bool
}

// Engine owns one session's conversation. It is not safe for concurrent
// use: the owning session manager serializes every call.
type Engine struct {
	cfg       EngineConfig
	router    llm.Router
	compactor *contextwindow.Compactor
	clinical  ClinicalContext
	events    Events

	system       string
	systemTokens int

	turns     []transcript.Turn
	archived  []transcript.Entry
	summary   string
	notes     SessionNotes
	emergency EmergencyState
	userTurns int
	destroyed bool

	now func() time.Time
}

// NewEngine builds the system prompt once from the persona and the
// hydrated clinical context.
func NewEngine(ctx context.Context, cfg EngineConfig, router llm.Router, clinical ClinicalContext, events Events) *Engine {
	if cfg.Persona.Instructions == "" {
		cfg.Persona = DefaultPersona()
	}
	if cfg.Budget.Total <= 0 {
		cfg.Budget = contextwindow.DefaultBudget()
	}
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = DefaultMaxToolRounds
	}
	if events == nil {
		events = NopEvents{}
	}
	e := &Engine{
		cfg:       cfg,
		router:    router,
		compactor: contextwindow.NewCompactor(router.Standard, cfg.Budget),
		clinical:  clinical,
		events:    events,
		now:       time.Now,
	}
	e.system = buildSystemPrompt(cfg.Persona, clinical, cfg.Budget)
	e.systemTokens = cfg.Estimator.CountText(ctx, e.system)
	return e
}

func buildSystemPrompt(p Persona, clinical ClinicalContext, budget contextwindow.TokenBudget) string {
	var b strings.Builder
	b.WriteString(p.Instructions)
	b.WriteString("\n\n## Patient clinical context\n")
	b.WriteString(clinical.PromptBlock(budget.ClinicalContext))
	return b.String()
}

// SendMessage runs one patient message through the tool loop.
func (e *Engine) SendMessage(ctx context.Context, text string) (Reply, error) {
	return e.send(ctx, text, nil)
}

// SendMessageStreaming is SendMessage with the terminal round's text
// delivered through onDelta as it arrives. Deltas already delivered are not
// retracted if the turn later fails.
func (e *Engine) SendMessageStreaming(ctx context.Context, text string, onDelta func(string)) (Reply, error) {
	if onDelta == nil {
		onDelta = func(string) {}
	}
	return e.send(ctx, text, onDelta)
}

func (e *Engine) send(ctx context.Context, text string, onDelta func(string)) (Reply, error) {
	if e.destroyed {
		return Reply{}, ErrDestroyed
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return Reply{}, ErrEmptyMessage
	}

	wasFlagged := e.emergency.Flagged
	e.turns = append(e.turns, transcript.NewUserText(text, e.now()))
	e.userTurns++
	e.compact(ctx)
	// Compaction keeps the newest turn, so the patient message is last.
	userIdx := len(e.turns) - 1

	tier := e.router.SelectTier(e.userTurns, llm.RoutingSignals{
		ChiefComplaint: e.notes.ChiefComplaint,
		SymptomsNoted:  e.notes.SymptomsNoted,
	})
	chat := e.router.ModelFor(tier)
	reply := Reply{Tier: tier}

	finish := func() (Reply, error) {
		reply.Emergency = e.emergency
		reply.NewlyFlagged = !wasFlagged && e.emergency.Flagged
		return reply, nil
	}

	for round := 1; round <= e.cfg.MaxToolRounds; round++ {
		reply.Rounds = round
		msg, err := e.callModel(ctx, chat, onDelta)
		if err != nil {
			e.turns = e.turns[:userIdx]
			e.userTurns--
			log.Printf("[conversation] model round %d failed tier=%s message=%q: %v", round, tier, policy.LogPreview(text), err)
			return Reply{}, fmt.Errorf("%w: %w", ErrTransport, llm.Transport("generate", err))
		}

		switch llm.StopReasonOf(msg) {
		case llm.StopToolUse:
			assistant := llm.AssistantTurn(msg, e.now())
			e.turns = append(e.turns, assistant)
			calls := assistant.ToolCalls()
			results := make([]transcript.Part, 0, len(calls))
			for _, call := range calls {
				results = append(results, e.runTool(ctx, call))
			}
			e.turns = append(e.turns, transcript.Turn{Role: transcript.RoleUser, Parts: results, Timestamp: e.now()})
			continue

		case llm.StopMaxTokens:
			reply.Text = strings.TrimSpace(msg.Content) + truncationNotice
			reply.Truncated = true
			if onDelta != nil {
				onDelta(truncationNotice)
			}
			e.turns = append(e.turns, transcript.NewAssistantText(reply.Text, e.now()))
			return finish()

		default:
			reply.Text = strings.TrimSpace(msg.Content)
			if reply.Text == "" {
				reply.Text = emptyReply
				if onDelta != nil {
					onDelta(emptyReply)
				}
			}
			e.turns = append(e.turns, transcript.NewAssistantText(reply.Text, e.now()))
			return finish()
		}
	}

	log.Printf("[conversation] tool round cap reached rounds=%d", e.cfg.MaxToolRounds)
	reply.Text = roundCapReply
	if onDelta != nil {
		onDelta(roundCapReply)
	}
	e.turns = append(e.turns, transcript.NewAssistantText(reply.Text, e.now()))
	return finish()
}

// callModel runs one round. With onDelta set the round is streamed; its text
// is held back until the stream ends and is forwarded only when the round
// requested no tools.
func (e *Engine) callModel(ctx context.Context, chat llm.ChatModel, onDelta func(string)) (*schema.Message, error) {
	input := llm.ToMessages(e.system, e.turns)
	opts := []model.Option{model.WithTools(toolCatalog)}
	if onDelta == nil {
		msg, err := chat.Generate(ctx, input, opts...)
		if err != nil {
			return nil, err
		}
		if msg == nil {
			return nil, errors.New("model returned no message")
		}
		return msg, nil
	}

	sr, err := chat.Stream(ctx, input, opts...)
	if err != nil {
		return nil, err
	}
	defer sr.Close()

	var chunks []*schema.Message
	var pending []string
	toolRound := false
	for {
		chunk, err := sr.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if chunk == nil {
			continue
		}
		chunks = append(chunks, chunk)
		if len(chunk.ToolCalls) > 0 {
			toolRound = true
		}
		if chunk.Content != "" {
			pending = append(pending, chunk.Content)
		}
	}
	if len(chunks) == 0 {
		return nil, errors.New("model stream ended without output")
	}
	msg, err := schema.ConcatMessages(chunks)
	if err != nil {
		return nil, err
	}
	if !toolRound && len(msg.ToolCalls) == 0 {
		for _, d := range pending {
			onDelta(d)
		}
	}
	return msg, nil
}

func (e *Engine) compact(ctx context.Context) {
	res, err := e.compactor.CompactIfNeeded(ctx, e.turns, e.systemTokens, e.summary)
	if err != nil {
		e.cfg.Metrics.Compaction("failed")
		log.Printf("[conversation] compaction skipped: %v", err)
		return
	}
	if !res.WasCompacted {
		return
	}
	e.cfg.Metrics.Compaction("compacted")
	e.archived = append(e.archived, transcript.Flatten(res.Archived)...)
	e.turns = res.Turns
	e.summary = res.Summary
}

// Greeting seeds the conversation with an opening marker and the model's
// greeting. On any failure the persona's canned greeting is used instead.
func (e *Engine) Greeting(ctx context.Context) string {
	marker := transcript.Turn{
		Role:      transcript.RoleUser,
		Parts:     []transcript.Part{transcript.TextPart(greetingMarker)},
		Timestamp: e.now(),
		Synthetic: true,
	}
	text := ""
	if e.router.Standard != nil {
		msg, err := e.router.Standard.Generate(ctx, llm.ToMessages(e.system, []transcript.Turn{marker}))
		switch {
		case err != nil:
			log.Printf("[conversation] greeting failed, using canned greeting: %v", err)
		case msg != nil:
			text = strings.TrimSpace(msg.Content)
		}
	}
	if text == "" {
		text = e.cfg.Persona.Greeting
	}
	e.turns = append(e.turns, marker, transcript.NewAssistantText(text, e.now()))
	return text
}

// Transcript returns the user-visible record, including turns that were
// folded into the summary by compaction.
func (e *Engine) Transcript() []transcript.Entry {
	out := make([]transcript.Entry, 0, len(e.archived)+len(e.turns))
	out = append(out, e.archived...)
	return append(out, transcript.Flatten(e.turns)...)
}

// RecentUserTexts returns up to n of the latest patient messages, oldest
// first.
func (e *Engine) RecentUserTexts(n int) []string {
	if n <= 0 {
		return nil
	}
	var out []string
	entries := e.Transcript()
	for i := len(entries) - 1; i >= 0 && len(out) < n; i-- {
		if entries[i].Role == transcript.RoleUser {
			out = append(out, entries[i].Text)
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

func (e *Engine) IsEmergency() bool         { return e.emergency.Flagged }
func (e *Engine) Emergency() EmergencyState { return e.emergency }
func (e *Engine) Notes() SessionNotes       { return e.notes.Clone() }
func (e *Engine) Summary() string           { return e.summary }
func (e *Engine) UserTurnCount() int        { return e.userTurns }
func (e *Engine) SystemPrompt() string      { return e.system }
func (e *Engine) Turns() []transcript.Turn  { return transcript.Clone(e.turns) }

// Destroy clears history, summary and notes. The engine rejects further
// messages.
func (e *Engine) Destroy() {
	e.turns = nil
	e.archived = nil
	e.summary = ""
	e.notes = SessionNotes{}
	e.destroyed = true
}
