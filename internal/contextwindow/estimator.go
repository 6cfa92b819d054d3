package contextwindow

import (
	"unicode/utf8"

	"github.com/ent0n29/consultd/internal/transcript"
)

const (
	charactersPerToken = 4
	// perTurnOverhead covers role markers and message framing.
	perTurnOverhead = 4
)

// EstimateTokens approximates the token count of text at four characters
// per token, rounded up. It is meant for the hot path and overestimates
// slightly for English.
func EstimateTokens(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return (n + charactersPerToken - 1) / charactersPerToken
}

// EstimateTurnsTokens sums the per-part estimates of turns plus a fixed
// overhead per turn. Tool calls count their name and input; tool results
// count their output.
func EstimateTurnsTokens(turns []transcript.Turn) int {
	total := 0
	for _, t := range turns {
		total += perTurnOverhead
		for _, p := range t.Parts {
			switch p.Kind {
			case transcript.PartText:
				total += EstimateTokens(p.Text)
			case transcript.PartToolCall:
				if p.ToolCall != nil {
					total += EstimateTokens(p.ToolCall.Name) + EstimateTokens(string(p.ToolCall.Input))
				}
			case transcript.PartToolResult:
				if p.ToolResult != nil {
					total += EstimateTokens(p.ToolResult.Output)
				}
			}
		}
	}
	return total
}
