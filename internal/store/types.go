// Package store persists consultation sessions and serves the clinical
// context that sessions are hydrated from.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ent0n29/consultd/internal/conversation"
	"github.com/ent0n29/consultd/internal/transcript"
)

var (
	ErrSessionNotFound = errors.New("consult session not found")
	ErrPatientNotFound = errors.New("patient not found")
)

// SessionRecord is the persisted shape of one consultation.
type SessionRecord struct {
	ID               string             `json:"session_id"`
	PatientID        string             `json:"patient_id"`
	Mode             string             `json:"mode"`
	Language         string             `json:"language"`
	Transcript       []transcript.Entry `json:"transcript"`
	EmergencyFlagged bool               `json:"emergency_flagged"`
	EmergencyDetails string             `json:"emergency_details,omitempty"`
	CreatedAt        time.Time          `json:"created_at"`
	UpdatedAt        time.Time          `json:"updated_at"`
	CompletedAt      *time.Time         `json:"completed_at,omitempty"`
}

// SessionUpdate is a partial update. Nil fields are left unchanged.
type SessionUpdate struct {
	Transcript       *[]transcript.Entry
	Language         *string
	EmergencyFlagged *bool
	EmergencyDetails *string
	Complete         bool
}

// SessionStore is the persistence operation the session manager calls after
// every turn and at session end.
type SessionStore interface {
	UpdateSession(ctx context.Context, id string, u SessionUpdate) error
}

// ContextSource hydrates a patient's clinical context.
type ContextSource interface {
	PatientContext(ctx context.Context, patientID string) (conversation.ClinicalContext, error)
}

// Store is the full persistence backend.
type Store interface {
	SessionStore
	ContextSource
	CreateSession(ctx context.Context, rec SessionRecord) error
	GetSession(ctx context.Context, id string) (SessionRecord, error)
	PutPatientContext(ctx context.Context, c conversation.ClinicalContext) error
	Close() error
}

// apply merges u into rec in place.
func apply(rec *SessionRecord, u SessionUpdate, now time.Time) {
	if u.Transcript != nil {
		rec.Transcript = append([]transcript.Entry(nil), (*u.Transcript)...)
	}
	if u.Language != nil {
		rec.Language = *u.Language
	}
	// The emergency flag only ever goes up.
	if u.EmergencyFlagged != nil && *u.EmergencyFlagged {
		rec.EmergencyFlagged = true
	}
	if u.EmergencyDetails != nil && *u.EmergencyDetails != "" {
		rec.EmergencyDetails = *u.EmergencyDetails
	}
	if u.Complete && rec.CompletedAt == nil {
		done := now
		rec.CompletedAt = &done
	}
	rec.UpdatedAt = now
}
