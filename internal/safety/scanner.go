// Package safety holds the secondary emergency classifier that runs beside
// the conversation. It is advisory only.
package safety

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/ent0n29/consultd/internal/llm"
)

const (
	DefaultWindow  = 3
	DefaultTimeout = 8 * time.Second
)

const classifierInstructions = `You are a triage safety classifier. Read the patient's latest messages and decide
whether they describe a medical emergency that needs immediate care (for example chest pain,
difficulty breathing, stroke signs, severe bleeding, loss of consciousness, suicidal intent).
Reply with JSON only, no prose:
{"is_emergency": true|false, "reason": "...", "severity": "low|moderate|high|critical", "recommended_action": "..."}`

// Result is the classifier's verdict. Any failure yields IsEmergency=false.
type Result struct {
	IsEmergency       bool   `json:"is_emergency"`
	Reason            string `json:"reason,omitempty"`
	Severity          string `json:"severity,omitempty"`
	RecommendedAction string `json:"recommended_action,omitempty"`
}

type Scanner struct {
	model   llm.ChatModel
	window  int
	timeout time.Duration
}

func NewScanner(m llm.ChatModel, window int, timeout time.Duration) *Scanner {
	if window <= 0 {
		window = DefaultWindow
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Scanner{model: m, window: window, timeout: timeout}
}

func (s *Scanner) Window() int { return s.window }

// Scan classifies the most recent utterances. It never returns an error and
// never panics; every failure is a negative result.
func (s *Scanner) Scan(ctx context.Context, utterances []string) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[safety] scanner panic: %v", r)
			res = Result{}
		}
	}()
	if s == nil || s.model == nil {
		return Result{}
	}
	recent := lastNonEmpty(utterances, s.window)
	if len(recent) == 0 {
		return Result{}
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	msg, err := s.model.Generate(ctx, []*schema.Message{
		schema.SystemMessage(classifierInstructions),
		schema.UserMessage(renderUtterances(recent)),
	}, model.WithTemperature(0))
	if err != nil {
		log.Printf("[safety] scanner call failed: %v", err)
		return Result{}
	}
	if msg == nil {
		return Result{}
	}
	parsed, err := parseResult(msg.Content)
	if err != nil {
		log.Printf("[safety] scanner reply unparseable: %v", err)
		return Result{}
	}
	return parsed
}

func lastNonEmpty(utterances []string, n int) []string {
	out := make([]string, 0, n)
	for i := len(utterances) - 1; i >= 0 && len(out) < n; i-- {
		if u := strings.TrimSpace(utterances[i]); u != "" {
			out = append(out, u)
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

func renderUtterances(utterances []string) string {
	var b strings.Builder
	b.WriteString("Patient messages, oldest first:\n")
	for i, u := range utterances {
		fmt.Fprintf(&b, "%d. %s\n", i+1, u)
	}
	return b.String()
}

// parseResult accepts bare JSON, fenced JSON, or JSON embedded in prose.
func parseResult(raw string) (Result, error) {
	raw = strings.TrimSpace(raw)
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return Result{}, fmt.Errorf("no json object in reply")
	}
	var r Result
	if err := json.Unmarshal([]byte(raw[start:end+1]), &r); err != nil {
		return Result{}, fmt.Errorf("decode scanner reply: %w", err)
	}
	r.Severity = strings.ToLower(strings.TrimSpace(r.Severity))
	if !r.IsEmergency {
		return Result{}, nil
	}
	return r, nil
}
