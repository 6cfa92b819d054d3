package llm

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"

	"github.com/ent0n29/consultd/internal/transcript"
)

// StopReason says why a model round ended.
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopToolUse   StopReason = "tool_use"
	StopMaxTokens StopReason = "max_tokens"
)

// StopReasonOf maps eino finish reasons onto the three outcomes the tool
// loop distinguishes. Tool calls win over any finish reason.
func StopReasonOf(msg *schema.Message) StopReason {
	if msg == nil {
		return StopEndTurn
	}
	if len(msg.ToolCalls) > 0 {
		return StopToolUse
	}
	if msg.ResponseMeta != nil {
		switch strings.ToLower(strings.TrimSpace(msg.ResponseMeta.FinishReason)) {
		case "length", "max_tokens":
			return StopMaxTokens
		case "tool_calls", "tool_use":
			return StopToolUse
		}
	}
	return StopEndTurn
}

// ToMessages renders a system prompt and turn history as eino messages.
// Tool results in a user turn become one tool message each and precede any
// text in the same turn, so they stay adjacent to the assistant tool calls
// they answer.
func ToMessages(system string, turns []transcript.Turn) []*schema.Message {
	out := make([]*schema.Message, 0, len(turns)+1)
	if strings.TrimSpace(system) != "" {
		out = append(out, schema.SystemMessage(system))
	}
	for _, t := range turns {
		switch t.Role {
		case transcript.RoleAssistant:
			msg := &schema.Message{Role: schema.Assistant, Content: t.Text()}
			for _, call := range t.ToolCalls() {
				args := string(call.Input)
				if strings.TrimSpace(args) == "" {
					args = "{}"
				}
				msg.ToolCalls = append(msg.ToolCalls, schema.ToolCall{
					ID:       call.ID,
					Type:     "function",
					Function: schema.FunctionCall{Name: call.Name, Arguments: args},
				})
			}
			if msg.Content == "" && len(msg.ToolCalls) == 0 {
				continue
			}
			out = append(out, msg)
		default:
			for _, p := range t.Parts {
				if p.Kind == transcript.PartToolResult && p.ToolResult != nil {
					out = append(out, schema.ToolMessage(p.ToolResult.Output, p.ToolResult.ID))
				}
			}
			if text := t.Text(); text != "" {
				out = append(out, schema.UserMessage(text))
			}
		}
	}
	return out
}

// AssistantTurn converts a model reply into a turn. Tool calls without an
// id get one so their results can be correlated.
func AssistantTurn(msg *schema.Message, at time.Time) transcript.Turn {
	turn := transcript.Turn{Role: transcript.RoleAssistant, Timestamp: at}
	if msg == nil {
		return turn
	}
	if strings.TrimSpace(msg.Content) != "" {
		turn.Parts = append(turn.Parts, transcript.TextPart(msg.Content))
	}
	for _, tc := range msg.ToolCalls {
		id := strings.TrimSpace(tc.ID)
		if id == "" {
			id = "call_" + uuid.NewString()
		}
		turn.Parts = append(turn.Parts, transcript.ToolCallPart(id, tc.Function.Name, normalizeArguments(tc.Function.Arguments)))
	}
	return turn
}

func normalizeArguments(raw string) json.RawMessage {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return json.RawMessage("{}")
	}
	if json.Valid([]byte(raw)) {
		return json.RawMessage(raw)
	}
	// Keep malformed arguments as a JSON string so the tool sees a decode error.
	b, _ := json.Marshal(raw)
	return json.RawMessage(b)
}
