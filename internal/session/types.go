package session

import "time"

// Mode selects how a consultation channel is driven.
type Mode string

const (
	ModeVoice  Mode = "voice"
	ModeText   Mode = "text"
	ModeScribe Mode = "scribe"
)

// ParseMode accepts voice, text and scribe. Empty means voice.
func ParseMode(s string) (Mode, bool) {
	switch Mode(s) {
	case "", ModeVoice:
		return ModeVoice, true
	case ModeText, ModeScribe:
		return Mode(s), true
	default:
		return "", false
	}
}

// CreateRequest defines payload for creating a new consultation session.
type CreateRequest struct {
	PatientID string `json:"patient_id"`
	Mode      string `json:"mode"`
	Language  string `json:"language"`
}

// CreateResponse returns created session metadata.
type CreateResponse struct {
	SessionID       string    `json:"session_id"`
	PatientID       string    `json:"patient_id"`
	Mode            Mode      `json:"mode"`
	Language        string    `json:"language"`
	Status          Status    `json:"status"`
	StartedAt       time.Time `json:"started_at"`
	LastActivityAt  time.Time `json:"last_activity_at"`
	InactivityTTLMS int64     `json:"inactivity_ttl_ms"`
}
