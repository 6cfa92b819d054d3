package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"
)

// MockModel provides deterministic local replies when no model service is
// configured. When the emergency tool is offered and the latest patient
// message describes a red-flag symptom, it calls the tool once before
// replying.
type MockModel struct{}

func NewMockModel() *MockModel { return &MockModel{} }

var mockRedFlags = []string{"chest pain", "can't breathe", "cannot breathe", "unconscious", "severe bleeding"}

func (m *MockModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	options := model.GetCommonOptions(&model.Options{}, opts...)
	return buildMockReply(input, options.Tools), nil
}

func (m *MockModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	msg, err := m.Generate(ctx, input, opts...)
	if err != nil {
		return nil, err
	}
	if len(msg.ToolCalls) > 0 || msg.Content == "" {
		return schema.StreamReaderFromArray([]*schema.Message{msg}), nil
	}
	words := strings.SplitAfter(msg.Content, " ")
	chunks := make([]*schema.Message, 0, len(words))
	for _, w := range words {
		chunks = append(chunks, &schema.Message{Role: schema.Assistant, Content: w})
	}
	chunks[len(chunks)-1].ResponseMeta = &schema.ResponseMeta{FinishReason: "stop"}
	return schema.StreamReaderFromArray(chunks), nil
}

func buildMockReply(input []*schema.Message, tools []*schema.ToolInfo) *schema.Message {
	var lastUser string
	answeredTool := false
	for i := len(input) - 1; i >= 0; i-- {
		msg := input[i]
		if msg.Role == schema.Tool {
			answeredTool = true
			continue
		}
		if msg.Role == schema.User {
			lastUser = strings.TrimSpace(msg.Content)
			break
		}
	}

	if !answeredTool && offersTool(tools, "flag_emergency") && containsRedFlag(lastUser) {
		args, _ := json.Marshal(map[string]string{
			"reason":             "Patient reports: " + lastUser,
			"severity":           "critical",
			"recommended_action": "Call emergency services immediately",
		})
		return &schema.Message{
			Role: schema.Assistant,
			ToolCalls: []schema.ToolCall{{
				ID:       "call_" + uuid.NewString(),
				Type:     "function",
				Function: schema.FunctionCall{Name: "flag_emergency", Arguments: string(args)},
			}},
			ResponseMeta: &schema.ResponseMeta{FinishReason: "tool_calls"},
		}
	}

	text := "Hello, I am your virtual doctor. What brings you in today?"
	if lastUser != "" && !strings.HasPrefix(lastUser, "[") {
		text = fmt.Sprintf("I heard you: %s. Can you tell me more?", strings.TrimRight(lastUser, ".!? "))
	}
	if answeredTool {
		text = "This may be serious. Please call emergency services right away while I stay with you."
	}
	return &schema.Message{
		Role:         schema.Assistant,
		Content:      text,
		ResponseMeta: &schema.ResponseMeta{FinishReason: "stop"},
	}
}

func offersTool(tools []*schema.ToolInfo, name string) bool {
	for _, t := range tools {
		if t != nil && t.Name == name {
			return true
		}
	}
	return false
}

func containsRedFlag(text string) bool {
	lower := strings.ToLower(text)
	for _, f := range mockRedFlags {
		if strings.Contains(lower, f) {
			return true
		}
	}
	return false
}
