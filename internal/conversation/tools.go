package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cloudwego/eino/schema"

	"github.com/ent0n29/consultd/internal/transcript"
)

const (
	ToolGetPatientContext  = "get_patient_context"
	ToolFlagEmergency      = "flag_emergency"
	ToolUpdateSessionNotes = "update_session_notes"
)

var toolCatalog = []*schema.ToolInfo{
	{
		Name: ToolGetPatientContext,
		Desc: "Read parts of the patient's clinical record. Omit fields to read everything.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"fields": {
				Type:     schema.Array,
				Desc:     "Record sections to read.",
				ElemInfo: &schema.ParameterInfo{Type: schema.String, Enum: contextFields},
			},
		}),
	},
	{
		Name: ToolFlagEmergency,
		Desc: "Flag a possible medical emergency. Call as soon as red-flag symptoms are described.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"reason": {
				Type:     schema.String,
				Desc:     "What the patient reported that suggests an emergency.",
				Required: true,
			},
			"severity": {
				Type:     schema.String,
				Enum:     []string{"low", "moderate", "high", "critical"},
				Required: true,
			},
			"recommended_action": {
				Type: schema.String,
				Desc: "What the patient should do right now.",
			},
		}),
	},
	{
		Name: ToolUpdateSessionNotes,
		Desc: "Record consultation notes. Only the supplied fields are changed; lists replace the previous list.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"chief_complaint": {
				Type: schema.String,
				Desc: "The main reason for the visit in the patient's words.",
			},
			"symptoms_noted": {
				Type:     schema.Array,
				ElemInfo: &schema.ParameterInfo{Type: schema.String},
			},
			"severity_indicators": {
				Type:     schema.Array,
				ElemInfo: &schema.ParameterInfo{Type: schema.String},
			},
			"preliminary_assessment": {
				Type: schema.String,
				Desc: "Working impression so far.",
			},
		}),
	},
}

// Tools returns the tool catalog offered to the model on every round.
func Tools() []*schema.ToolInfo {
	return append([]*schema.ToolInfo(nil), toolCatalog...)
}

var errUnknownTool = errors.New("unknown tool")

// runTool executes one call. Failures become error-tagged results so the
// model can see and react to them.
func (e *Engine) runTool(ctx context.Context, call transcript.ToolCall) transcript.Part {
	output, err := e.dispatchTool(ctx, call)
	if err != nil {
		e.cfg.Metrics.ToolCall(call.Name, "error")
		return transcript.ToolResultPart(call.ID, "Error: "+err.Error(), true)
	}
	e.cfg.Metrics.ToolCall(call.Name, "ok")
	return transcript.ToolResultPart(call.ID, output, false)
}

func (e *Engine) dispatchTool(ctx context.Context, call transcript.ToolCall) (string, error) {
	switch call.Name {
	case ToolGetPatientContext:
		var in struct {
			Fields []string `json:"fields"`
		}
		if err := decodeInput(call.Input, &in); err != nil {
			return "", err
		}
		projection, err := e.clinical.Project(in.Fields)
		if err != nil {
			return "", err
		}
		return marshalOutput(projection)

	case ToolFlagEmergency:
		var in EmergencyAlert
		if err := decodeInput(call.Input, &in); err != nil {
			return "", err
		}
		alert, err := in.normalized()
		if err != nil {
			return "", err
		}
		e.emergency.flag(alert, e.now())
		e.cfg.Metrics.EmergencySignal("tool")
		_ = notify("emergency", func() error { return e.events.Emergency(ctx, alert) })
		return marshalOutput(map[string]string{
			"status":             "flagged",
			"severity":           alert.Severity,
			"recommended_action": alert.RecommendedAction,
		})

	case ToolUpdateSessionNotes:
		var in NotesUpdate
		if err := decodeInput(call.Input, &in); err != nil {
			return "", err
		}
		if in.Empty() {
			return "", errors.New("no note fields supplied")
		}
		e.notes = e.notes.Merge(in)
		merged := e.notes.Clone()
		_ = notify("notes", func() error { return e.events.NotesUpdated(ctx, merged) })
		return marshalOutput(merged)

	default:
		return "", fmt.Errorf("%w %q", errUnknownTool, call.Name)
	}
}

func decodeInput(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("invalid tool input: %w", err)
	}
	return nil
}

func marshalOutput(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode tool output: %w", err)
	}
	return string(b), nil
}
