package conversation

// SessionNotes accumulate clinical observations during a consultation.
type SessionNotes struct {
	ChiefComplaint        string   `json:"chief_complaint,omitempty"`
	SymptomsNoted         []string `json:"symptoms_noted,omitempty"`
	SeverityIndicators    []string `json:"severity_indicators,omitempty"`
	PreliminaryAssessment string   `json:"preliminary_assessment,omitempty"`
}

// NotesUpdate is a partial update; nil fields were not supplied.
type NotesUpdate struct {
	ChiefComplaint        *string   `json:"chief_complaint"`
	SymptomsNoted         *[]string `json:"symptoms_noted"`
	SeverityIndicators    *[]string `json:"severity_indicators"`
	PreliminaryAssessment *string   `json:"preliminary_assessment"`
}

func (u NotesUpdate) Empty() bool {
	return u.ChiefComplaint == nil && u.SymptomsNoted == nil && u.SeverityIndicators == nil && u.PreliminaryAssessment == nil
}

// Merge overwrites only the supplied fields. Lists are replaced, not
// unioned.
func (n SessionNotes) Merge(u NotesUpdate) SessionNotes {
	out := n.Clone()
	if u.ChiefComplaint != nil {
		out.ChiefComplaint = *u.ChiefComplaint
	}
	if u.SymptomsNoted != nil {
		out.SymptomsNoted = append([]string(nil), (*u.SymptomsNoted)...)
	}
	if u.SeverityIndicators != nil {
		out.SeverityIndicators = append([]string(nil), (*u.SeverityIndicators)...)
	}
	if u.PreliminaryAssessment != nil {
		out.PreliminaryAssessment = *u.PreliminaryAssessment
	}
	return out
}

func (n SessionNotes) Clone() SessionNotes {
	n.SymptomsNoted = append([]string(nil), n.SymptomsNoted...)
	n.SeverityIndicators = append([]string(nil), n.SeverityIndicators...)
	return n
}
