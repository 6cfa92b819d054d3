package conversation

import (
	"fmt"
	"strings"
	"time"
)

const defaultRecommendedAction = "Seek emergency medical care immediately"

var severities = map[string]bool{"low": true, "moderate": true, "high": true, "critical": true}

// EmergencyAlert is what flag_emergency reports.
type EmergencyAlert struct {
	Reason            string `json:"reason"`
	Severity          string `json:"severity"`
	RecommendedAction string `json:"recommended_action"`
}

func (a EmergencyAlert) normalized() (EmergencyAlert, error) {
	a.Reason = strings.TrimSpace(a.Reason)
	a.Severity = strings.ToLower(strings.TrimSpace(a.Severity))
	a.RecommendedAction = strings.TrimSpace(a.RecommendedAction)
	if a.Reason == "" {
		return EmergencyAlert{}, fmt.Errorf("reason is required")
	}
	if a.Severity == "" {
		a.Severity = "high"
	}
	if !severities[a.Severity] {
		return EmergencyAlert{}, fmt.Errorf("invalid severity %q (valid: low, moderate, high, critical)", a.Severity)
	}
	if a.RecommendedAction == "" {
		a.RecommendedAction = defaultRecommendedAction
	}
	return a, nil
}

// Details renders the alert for persistence and client display.
func (a EmergencyAlert) Details() string {
	return fmt.Sprintf("%s (severity: %s). %s", a.Reason, a.Severity, a.RecommendedAction)
}

// EmergencyState is monotonic: once Flagged it stays flagged for the
// session. Later alerts refresh the details.
type EmergencyState struct {
	Flagged   bool
	Details   string
	Alert     EmergencyAlert
	FlaggedAt time.Time
}

func (s *EmergencyState) flag(a EmergencyAlert, at time.Time) {
	if !s.Flagged {
		s.FlaggedAt = at
	}
	s.Flagged = true
	s.Alert = a
	s.Details = a.Details()
}
