package llm

import "strings"

// Tier is a model capability class.
type Tier string

const (
	TierStandard Tier = "standard"
	TierAdvanced Tier = "advanced"
)

// escalationMinTurn is the first patient turn eligible for the advanced tier.
const escalationMinTurn = 3

// RoutingSignals are the conversation progress markers the router reads.
type RoutingSignals struct {
	ChiefComplaint string
	SymptomsNoted  []string
}

// Router picks a model per turn. Escalation only checks that the signals
// are present; notes are merged and never cleared, so once a session
// escalates it stays escalated.
type Router struct {
	Standard ChatModel
	Advanced ChatModel
}

// SelectTier returns the standard tier for the first two patient turns and
// afterwards escalates once a chief complaint and symptoms are on record.
func (r Router) SelectTier(turnCount int, s RoutingSignals) Tier {
	if turnCount < escalationMinTurn {
		return TierStandard
	}
	if strings.TrimSpace(s.ChiefComplaint) == "" || len(s.SymptomsNoted) == 0 {
		return TierStandard
	}
	return TierAdvanced
}

// ModelFor returns the model serving tier. A missing advanced model falls
// back to the standard one.
func (r Router) ModelFor(t Tier) ChatModel {
	if t == TierAdvanced && r.Advanced != nil {
		return r.Advanced
	}
	return r.Standard
}
