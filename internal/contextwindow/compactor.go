package contextwindow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/ent0n29/consultd/internal/llm"
	"github.com/ent0n29/consultd/internal/transcript"
)

const (
	DefaultMinTurns   = 8
	DefaultKeepRecent = 6

	summaryPrefix   = "[Summary of earlier consultation]"
	summaryAck      = "Understood. I have the earlier part of our consultation in mind and will continue from here."
	summaryMaxWords = 200
	// summaryMaxTokens bounds the summarizer reply; a 200 word summary fits
	// comfortably.
	summaryMaxTokens = 400
)

const summarizerInstructions = `You condense a medical consultation between a patient and a virtual doctor.
Write plain narrated text of at most 200 words. Label who said what using "Patient" and "Doctor".
Keep every symptom, duration, severity, medication, allergy, red flag and advice given.
If a previous summary is included, absorb it into the new summary instead of repeating it.
Do not use lists, markdown or tool syntax.`

// ErrEmptySummary is returned when the summarizer replies with no text.
var ErrEmptySummary = errors.New("summarizer returned empty summary")

// Result is the outcome of CompactIfNeeded. Archived holds the older turns
// that the summary replaced so callers can keep a complete record.
type Result struct {
	Turns        []transcript.Turn
	Summary      string
	WasCompacted bool
	Archived     []transcript.Turn
}

// Compactor shrinks history through summarization once it outgrows the
// budget. The retained suffix always starts on a user turn that opens an
// exchange, so tool calls and their results are never separated.
type Compactor struct {
	Model      llm.ChatModel
	Budget     TokenBudget
	MinTurns   int
	KeepRecent int

	now func() time.Time
}

func NewCompactor(m llm.ChatModel, budget TokenBudget) *Compactor {
	return &Compactor{
		Model:      m,
		Budget:     budget.normalized(),
		MinTurns:   DefaultMinTurns,
		KeepRecent: DefaultKeepRecent,
		now:        time.Now,
	}
}

// NeedsCompaction reports whether turns plus the system prompt exceed the
// budget.
func (c *Compactor) NeedsCompaction(turns []transcript.Turn, systemPromptTokens int) bool {
	return c.Budget.normalized().Exceeded(systemPromptTokens, EstimateTurnsTokens(turns))
}

// CompactIfNeeded returns turns unchanged when they fit the budget, are too
// few to compact, or have no valid split point. Otherwise older turns are
// summarized (re-absorbing existingSummary) and replaced by a synthetic
// summary carrier plus acknowledgment. When summarization fails the original
// turns are returned together with the error.
func (c *Compactor) CompactIfNeeded(ctx context.Context, turns []transcript.Turn, systemPromptTokens int, existingSummary string) (Result, error) {
	unchanged := Result{Turns: turns, Summary: existingSummary}
	if !c.NeedsCompaction(turns, systemPromptTokens) {
		return unchanged, nil
	}
	minTurns := c.MinTurns
	if minTurns <= 0 {
		minTurns = DefaultMinTurns
	}
	if len(turns) < minTurns {
		return unchanged, nil
	}
	split, ok := splitIndex(turns, c.KeepRecent)
	if !ok {
		return unchanged, nil
	}

	older := turns[:split]
	summary, err := c.summarize(ctx, existingSummary, older)
	if err != nil {
		return unchanged, err
	}

	now := time.Now()
	if c.now != nil {
		now = c.now()
	}
	rebuilt := make([]transcript.Turn, 0, len(turns)-split+2)
	rebuilt = append(rebuilt,
		transcript.Turn{
			Role:      transcript.RoleUser,
			Parts:     []transcript.Part{transcript.TextPart(summaryPrefix + "\n" + summary)},
			Timestamp: now,
			Synthetic: true,
		},
		transcript.Turn{
			Role:      transcript.RoleAssistant,
			Parts:     []transcript.Part{transcript.TextPart(summaryAck)},
			Timestamp: now,
			Synthetic: true,
		},
	)
	rebuilt = append(rebuilt, turns[split:]...)

	return Result{
		Turns:        rebuilt,
		Summary:      summary,
		WasCompacted: true,
		Archived:     older,
	}, nil
}

// splitIndex starts at len-keepRecent and moves forward to the first turn
// that opens an exchange. Index 0 is never a valid split.
func splitIndex(turns []transcript.Turn, keepRecent int) (int, bool) {
	if keepRecent <= 0 {
		keepRecent = DefaultKeepRecent
	}
	i := len(turns) - keepRecent
	if i < 1 {
		i = 1
	}
	for ; i < len(turns); i++ {
		if turns[i].StartsExchange() {
			return i, true
		}
	}
	return 0, false
}

func (c *Compactor) summarize(ctx context.Context, existingSummary string, older []transcript.Turn) (string, error) {
	if c.Model == nil {
		return "", errors.New("compactor has no summarizer model")
	}
	input := []*schema.Message{
		schema.SystemMessage(summarizerInstructions),
		schema.UserMessage(renderForSummary(existingSummary, older)),
	}
	msg, err := c.Model.Generate(ctx, input, model.WithMaxTokens(summaryMaxTokens), model.WithTemperature(0.2))
	if err != nil {
		return "", llm.Transport("summarize", err)
	}
	if msg == nil {
		return "", ErrEmptySummary
	}
	summary := limitWords(strings.TrimSpace(msg.Content), summaryMaxWords)
	if summary == "" {
		return "", ErrEmptySummary
	}
	return summary, nil
}

// renderForSummary turns history into speaker-labeled plain text. Tool
// parts and engine-authored turns are left out.
func renderForSummary(existingSummary string, turns []transcript.Turn) string {
	var b strings.Builder
	if s := strings.TrimSpace(existingSummary); s != "" {
		fmt.Fprintf(&b, "Previous summary: %s\n\n", s)
	}
	b.WriteString("Conversation:\n")
	for _, t := range turns {
		if t.Synthetic {
			continue
		}
		text := strings.TrimSpace(t.Text())
		if text == "" {
			continue
		}
		speaker := "Patient"
		if t.Role == transcript.RoleAssistant {
			speaker = "Doctor"
		}
		fmt.Fprintf(&b, "%s: %s\n", speaker, text)
	}
	return b.String()
}

func limitWords(text string, max int) string {
	words := strings.Fields(text)
	if len(words) <= max {
		return text
	}
	return strings.Join(words[:max], " ")
}
