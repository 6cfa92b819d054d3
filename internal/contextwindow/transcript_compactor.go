package contextwindow

import (
	"context"
	"errors"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/ent0n29/consultd/internal/llm"
)

// verbatimShare is the fraction of trailing lines CompactTranscript keeps
// untouched.
const verbatimShare = 0.6

const transcriptSummarizerInstructions = `Summarize the beginning of this medical consultation transcript.
Keep clinically relevant facts: symptoms, durations, medications, allergies, red flags and advice.
Write plain prose, no markdown.`

// TranscriptCompactor is the batch variant used for long stored transcripts.
// It has its own budget and no real-time constraint.
type TranscriptCompactor struct {
	Model     llm.ChatModel
	Estimator Estimator
}

// CompactTranscript returns text unchanged when it fits maxTokens.
// Otherwise the last 60% of lines are kept verbatim and the rest is
// summarized into "[SUMMARY]\n...\n\n[VERBATIM]\n...".
func (c TranscriptCompactor) CompactTranscript(ctx context.Context, text string, maxTokens int) (string, error) {
	if maxTokens <= 0 || c.Estimator.CountText(ctx, text) <= maxTokens {
		return text, nil
	}
	lines := strings.Split(text, "\n")
	if len(lines) < 2 {
		return text, nil
	}
	keep := int(float64(len(lines)) * verbatimShare)
	if keep < 1 {
		keep = 1
	}
	cut := len(lines) - keep
	head := strings.Join(lines[:cut], "\n")
	tail := strings.Join(lines[cut:], "\n")

	if c.Model == nil {
		return "", errors.New("transcript compactor has no summarizer model")
	}
	msg, err := c.Model.Generate(ctx, []*schema.Message{
		schema.SystemMessage(transcriptSummarizerInstructions),
		schema.UserMessage(head),
	}, model.WithTemperature(0.2))
	if err != nil {
		return "", llm.Transport("summarize transcript", err)
	}
	if msg == nil {
		return "", ErrEmptySummary
	}
	summary := strings.TrimSpace(msg.Content)
	if summary == "" {
		return "", ErrEmptySummary
	}
	return "[SUMMARY]\n" + summary + "\n\n[VERBATIM]\n" + tail, nil
}
