package contextwindow

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"google.golang.org/genai"

	"github.com/ent0n29/consultd/internal/transcript"
)

// Counter is an authoritative remote token counter.
type Counter interface {
	CountTokens(ctx context.Context, text string) (int, error)
}

// GenAICounter counts tokens with the Gemini countTokens endpoint.
type GenAICounter struct {
	client *genai.Client
	model  string
}

func NewGenAICounter(ctx context.Context, apiKey, model string) (*GenAICounter, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("genai api key is required")
	}
	model = strings.TrimSpace(model)
	if model == "" {
		return nil, errors.New("token count model is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &GenAICounter{client: client, model: model}, nil
}

func (c *GenAICounter) CountTokens(ctx context.Context, text string) (int, error) {
	if c == nil || c.client == nil {
		return 0, errors.New("genai counter is not configured")
	}
	contents := []*genai.Content{genai.NewContentFromText(text, genai.RoleUser)}
	resp, err := c.client.Models.CountTokens(ctx, c.model, contents, nil)
	if err != nil {
		return 0, fmt.Errorf("count tokens: %w", err)
	}
	return int(resp.TotalTokens), nil
}

// Estimator combines the heuristic with an optional Counter.
type Estimator struct {
	Counter Counter
}

// CountText returns the remote count for text when a counter is configured
// and answers, and the heuristic estimate otherwise. It never fails.
func (e Estimator) CountText(ctx context.Context, text string) int {
	if e.Counter == nil || text == "" {
		return EstimateTokens(text)
	}
	n, err := e.Counter.CountTokens(ctx, text)
	if err != nil || n <= 0 {
		if err != nil {
			log.Printf("[contextwindow] remote token count failed, using estimate: %v", err)
		}
		return EstimateTokens(text)
	}
	return n
}

// CountTokens counts a system prompt plus history. Without a counter, or
// when the counter fails, it falls back to the per-part heuristic.
func (e Estimator) CountTokens(ctx context.Context, system string, turns []transcript.Turn) int {
	heuristic := EstimateTokens(system) + EstimateTurnsTokens(turns)
	if e.Counter == nil {
		return heuristic
	}
	n, err := e.Counter.CountTokens(ctx, renderForCount(system, turns))
	if err != nil || n <= 0 {
		if err != nil {
			log.Printf("[contextwindow] remote token count failed, using estimate: %v", err)
		}
		return heuristic
	}
	return n
}

func renderForCount(system string, turns []transcript.Turn) string {
	var b strings.Builder
	b.WriteString(system)
	for _, t := range turns {
		b.WriteString("\n")
		b.WriteString(string(t.Role))
		b.WriteString(": ")
		for _, p := range t.Parts {
			switch p.Kind {
			case transcript.PartText:
				b.WriteString(p.Text)
			case transcript.PartToolCall:
				if p.ToolCall != nil {
					b.WriteString(p.ToolCall.Name)
					b.Write(p.ToolCall.Input)
				}
			case transcript.PartToolResult:
				if p.ToolResult != nil {
					b.WriteString(p.ToolResult.Output)
				}
			}
			b.WriteString(" ")
		}
	}
	return b.String()
}
