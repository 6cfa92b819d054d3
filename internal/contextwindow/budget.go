// Package contextwindow keeps a consultation's prompt inside the model's
// context window: token estimation, optional remote counting and
// summarizing compaction of older turns.
package contextwindow

// TokenBudget holds the fixed ceilings for each prompt segment. Total
// leaves headroom above the sum of the segments.
type TokenBudget struct {
	Persona         int
	ClinicalContext int
	History         int
	ResponseReserve int
	Total           int
}

// DefaultBudget is sized for 32k-context chat models.
func DefaultBudget() TokenBudget {
	return TokenBudget{
		Persona:         2000,
		ClinicalContext: 6000,
		History:         12000,
		ResponseReserve: 2000,
		Total:           26000,
	}
}

// Exceeded reports whether a prompt with the given system and history
// estimates must be compacted before the next model call.
func (b TokenBudget) Exceeded(systemTokens, historyTokens int) bool {
	if systemTokens+historyTokens+b.ResponseReserve > b.Total {
		return true
	}
	return historyTokens > b.History
}

func (b TokenBudget) normalized() TokenBudget {
	d := DefaultBudget()
	if b.Persona <= 0 {
		b.Persona = d.Persona
	}
	if b.ClinicalContext <= 0 {
		b.ClinicalContext = d.ClinicalContext
	}
	if b.History <= 0 {
		b.History = d.History
	}
	if b.ResponseReserve <= 0 {
		b.ResponseReserve = d.ResponseReserve
	}
	if b.Total <= 0 {
		b.Total = d.Total
	}
	return b
}
