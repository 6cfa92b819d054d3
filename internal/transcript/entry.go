package transcript

import "time"

// Entry is the user-visible form of a turn.
type Entry struct {
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Flatten keeps only text content of non-synthetic turns. Tool calls and
// tool results never reach the patient.
func Flatten(turns []Turn) []Entry {
	out := make([]Entry, 0, len(turns))
	for _, t := range turns {
		if t.Synthetic {
			continue
		}
		text := t.Text()
		if text == "" {
			continue
		}
		out = append(out, Entry{Role: t.Role, Text: text, Timestamp: t.Timestamp})
	}
	return out
}

// Clone returns a deep-enough copy of turns for handing to another owner.
func Clone(turns []Turn) []Turn {
	out := make([]Turn, len(turns))
	for i, t := range turns {
		parts := make([]Part, len(t.Parts))
		copy(parts, t.Parts)
		t.Parts = parts
		out[i] = t
	}
	return out
}
