// Package transcript defines the turn history shared by the conversation
// engine, the context compactor, and the model adapters.
package transcript

import (
	"encoding/json"
	"strings"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// PartKind tags the variant carried by a Part.
type PartKind string

const (
	PartText       PartKind = "text"
	PartToolCall   PartKind = "tool_call"
	PartToolResult PartKind = "tool_result"
)

// ToolCall is a model request to run a named tool.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult answers the ToolCall with the same ID.
type ToolResult struct {
	ID      string `json:"id"`
	Output  string `json:"output"`
	IsError bool   `json:"is_error,omitempty"`
}

// Part is one piece of turn content. Exactly one of Text, ToolCall or
// ToolResult is meaningful, selected by Kind.
type Part struct {
	Kind       PartKind    `json:"kind"`
	Text       string      `json:"text,omitempty"`
	ToolCall   *ToolCall   `json:"tool_call,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`
}

func TextPart(text string) Part {
	return Part{Kind: PartText, Text: text}
}

func ToolCallPart(id, name string, input json.RawMessage) Part {
	return Part{Kind: PartToolCall, ToolCall: &ToolCall{ID: id, Name: name, Input: input}}
}

func ToolResultPart(id, output string, isError bool) Part {
	return Part{Kind: PartToolResult, ToolResult: &ToolResult{ID: id, Output: output, IsError: isError}}
}

// Turn is one message in the model-facing history.
//
// Synthetic turns are authored by the engine itself (greeting marker,
// compaction summary carrier and its acknowledgment). They are sent to the
// model but never shown to the patient.
type Turn struct {
	Role      Role      `json:"role"`
	Parts     []Part    `json:"parts"`
	Timestamp time.Time `json:"timestamp"`
	Synthetic bool      `json:"synthetic,omitempty"`
}

func NewUserText(text string, at time.Time) Turn {
	return Turn{Role: RoleUser, Parts: []Part{TextPart(text)}, Timestamp: at}
}

func NewAssistantText(text string, at time.Time) Turn {
	return Turn{Role: RoleAssistant, Parts: []Part{TextPart(text)}, Timestamp: at}
}

// Text joins the turn's text parts.
func (t Turn) Text() string {
	var b strings.Builder
	for _, p := range t.Parts {
		if p.Kind != PartText || p.Text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(p.Text)
	}
	return b.String()
}

// HasText reports whether the turn carries at least one text part.
func (t Turn) HasText() bool {
	for _, p := range t.Parts {
		if p.Kind == PartText {
			return true
		}
	}
	return false
}

// HasToolResults reports whether the turn carries tool results. User turns
// with tool results continue the previous exchange rather than start one.
func (t Turn) HasToolResults() bool {
	for _, p := range t.Parts {
		if p.Kind == PartToolResult {
			return true
		}
	}
	return false
}

// ToolCalls returns the tool call parts of the turn in order.
func (t Turn) ToolCalls() []ToolCall {
	var out []ToolCall
	for _, p := range t.Parts {
		if p.Kind == PartToolCall && p.ToolCall != nil {
			out = append(out, *p.ToolCall)
		}
	}
	return out
}

// StartsExchange reports whether the turn is a patient utterance that can
// begin a retained suffix of the history.
func (t Turn) StartsExchange() bool {
	return t.Role == RoleUser && t.HasText() && !t.HasToolResults()
}
