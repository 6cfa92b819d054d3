package voice

import (
	"errors"
	"fmt"

	"github.com/ent0n29/consultd/internal/reliability"
)

type Cause string

const (
	CauseRateLimited Cause = "rate_limited"
	CauseTimedOut    Cause = "timed_out"
	CauseUnavailable Cause = "unavailable"
	CauseEmpty       Cause = "empty"
)

// ErrCouldNotUnderstand is returned when speech-to-text produced no words.
var ErrCouldNotUnderstand = errors.New("could not understand audio")

// TranscriptionError carries the distinguished cause of a failed
// transcription.
type TranscriptionError struct {
	Provider string
	Cause    Cause
	Err      error
}

func (e *TranscriptionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("transcription %s", e.Cause)
	}
	return fmt.Sprintf("transcription %s (%s): %v", e.Cause, e.Provider, e.Err)
}

func (e *TranscriptionError) Unwrap() error {
	if e.Cause == CauseEmpty && e.Err == nil {
		return ErrCouldNotUnderstand
	}
	return e.Err
}

// UserMessage is the text shown to the patient for this failure.
func (e *TranscriptionError) UserMessage() string {
	switch e.Cause {
	case CauseRateLimited:
		return "The speech service is busy right now. Please wait a moment and try again."
	case CauseTimedOut:
		return "Transcribing your message took too long. Please try again."
	case CauseEmpty:
		return "I couldn't understand the audio. Please speak a little louder or closer to the microphone."
	default:
		return "The speech service is unavailable right now. Please try again or type your message."
	}
}

func causeFromClass(c reliability.Class) Cause {
	switch c {
	case reliability.ClassRateLimited:
		return CauseRateLimited
	case reliability.ClassTimedOut:
		return CauseTimedOut
	default:
		return CauseUnavailable
	}
}

// UserMessageFor returns the patient-facing message for a pipeline error.
func UserMessageFor(err error) string {
	var te *TranscriptionError
	if errors.As(err, &te) {
		return te.UserMessage()
	}
	if errors.Is(err, ErrCouldNotUnderstand) {
		return (&TranscriptionError{Cause: CauseEmpty}).UserMessage()
	}
	return ""
}
