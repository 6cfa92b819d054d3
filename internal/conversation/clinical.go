package conversation

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"
)

type Demographics struct {
	Name     string `json:"name,omitempty"`
	Age      int    `json:"age,omitempty"`
	Sex      string `json:"sex,omitempty"`
	Language string `json:"language,omitempty"`
}

type Medication struct {
	Name      string `json:"name"`
	Dose      string `json:"dose,omitempty"`
	Frequency string `json:"frequency,omitempty"`
}

type Document struct {
	Title   string `json:"title"`
	Kind    string `json:"kind,omitempty"`
	Date    string `json:"date,omitempty"`
	Summary string `json:"summary,omitempty"`
}

// ClinicalContext is the patient record hydrated once at session start.
type ClinicalContext struct {
	PatientID    string       `json:"patient_id,omitempty"`
	Demographics Demographics `json:"demographics"`
	Allergies    []string     `json:"allergies"`
	Conditions   []string     `json:"conditions"`
	Medications  []Medication `json:"medications"`
	Documents    []Document   `json:"documents"`
}

// Context fields readable through get_patient_context.
const (
	FieldAllergies    = "allergies"
	FieldConditions   = "conditions"
	FieldMedications  = "medications"
	FieldDemographics = "demographics"
	FieldDocuments    = "documents"
)

var contextFields = []string{FieldAllergies, FieldConditions, FieldMedications, FieldDemographics, FieldDocuments}

// Project returns the requested fields. No fields means all of them.
func (c ClinicalContext) Project(fields []string) (map[string]any, error) {
	if len(fields) == 0 {
		fields = contextFields
	}
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		switch strings.ToLower(strings.TrimSpace(f)) {
		case FieldAllergies:
			out[FieldAllergies] = nonNil(c.Allergies)
		case FieldConditions:
			out[FieldConditions] = nonNil(c.Conditions)
		case FieldMedications:
			meds := c.Medications
			if meds == nil {
				meds = []Medication{}
			}
			out[FieldMedications] = meds
		case FieldDemographics:
			out[FieldDemographics] = c.Demographics
		case FieldDocuments:
			docs := c.Documents
			if docs == nil {
				docs = []Document{}
			}
			out[FieldDocuments] = docs
		default:
			return nil, fmt.Errorf("unknown context field %q (valid: %s)", f, strings.Join(contextFields, ", "))
		}
	}
	return out, nil
}

// PromptBlock serializes the context for the system prompt, cut to at most
// maxTokens at four characters per token.
func (c ClinicalContext) PromptBlock(maxTokens int) string {
	var b strings.Builder
	d := c.Demographics
	var demo []string
	if d.Name != "" {
		demo = append(demo, "name "+d.Name)
	}
	if d.Age > 0 {
		demo = append(demo, fmt.Sprintf("age %d", d.Age))
	}
	if d.Sex != "" {
		demo = append(demo, "sex "+d.Sex)
	}
	if d.Language != "" {
		demo = append(demo, "preferred language "+d.Language)
	}
	writeLine(&b, "Demographics", strings.Join(demo, ", "))
	writeLine(&b, "Allergies", joinOrNone(c.Allergies))
	writeLine(&b, "Conditions", joinOrNone(c.Conditions))

	meds := make([]string, 0, len(c.Medications))
	for _, m := range c.Medications {
		meds = append(meds, strings.TrimSpace(strings.Join([]string{m.Name, m.Dose, m.Frequency}, " ")))
	}
	writeLine(&b, "Medications", joinOrNone(meds))

	if len(c.Documents) > 0 {
		docs := append([]Document(nil), c.Documents...)
		sort.SliceStable(docs, func(i, j int) bool { return docs[i].Date > docs[j].Date })
		b.WriteString("Documents:\n")
		for _, doc := range docs {
			fmt.Fprintf(&b, "- %s %s: %s\n", doc.Date, doc.Title, doc.Summary)
		}
	}

	out := b.String()
	if maxTokens > 0 && utf8.RuneCountInString(out) > maxTokens*4 {
		runes := []rune(out)
		out = string(runes[:maxTokens*4]) + "\n[clinical context truncated; use get_patient_context for details]"
	}
	return out
}

func (c ClinicalContext) JSON() string {
	b, _ := json.Marshal(c)
	return string(b)
}

func writeLine(b *strings.Builder, label, value string) {
	if value == "" {
		value = "unknown"
	}
	fmt.Fprintf(b, "%s: %s\n", label, value)
}

func joinOrNone(items []string) string {
	if len(items) == 0 {
		return "none recorded"
	}
	return strings.Join(items, ", ")
}

func nonNil(items []string) []string {
	if items == nil {
		return []string{}
	}
	return items
}
