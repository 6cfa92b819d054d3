package voice

import (
	"context"
	"errors"
	"testing"
)

func TestFailoverProviderPairSwitchesToFallbackAndSticks(t *testing.T) {
	ctx := context.Background()
	primaryErr := errors.New("primary unavailable")

	primarySTT := &stubSTT{err: primaryErr}
	fallbackSTT := &stubSTT{out: Transcription{Text: "hello"}}
	primaryTTS := &stubTTS{err: primaryErr}
	fallbackTTS := &stubTTS{out: Speech{Audio: []byte{1}, Format: "wav"}}

	stt, tts := NewFailoverProviderPair(primarySTT, primaryTTS, fallbackSTT, fallbackTTS)

	for i := 0; i < 2; i++ {
		if _, err := stt.Transcribe(ctx, []byte("a"), "audio/webm", ""); err != nil {
			t.Fatalf("Transcribe() unexpected error = %v", err)
		}
	}
	for i := 0; i < 2; i++ {
		if _, err := tts.Synthesize(ctx, "x", "en"); err != nil {
			t.Fatalf("Synthesize() unexpected error = %v", err)
		}
	}

	if primarySTT.calls != 1 {
		t.Fatalf("primary STT calls = %d, want 1", primarySTT.calls)
	}
	if fallbackSTT.calls != 2 {
		t.Fatalf("fallback STT calls = %d, want 2", fallbackSTT.calls)
	}
	if primaryTTS.calls != 0 {
		t.Fatalf("primary TTS calls = %d, want 0 once fallback active", primaryTTS.calls)
	}
	if fallbackTTS.calls != 2 {
		t.Fatalf("fallback TTS calls = %d, want 2", fallbackTTS.calls)
	}
}

func TestFailoverKeepsTypedCauseWhenBothFail(t *testing.T) {
	ctx := context.Background()
	primarySTT := &stubSTT{err: &TranscriptionError{Provider: "a", Cause: CauseUnavailable, Err: errors.New("down")}}
	fallbackSTT := &stubSTT{err: &TranscriptionError{Provider: "b", Cause: CauseRateLimited, Err: errors.New("429")}}
	stt, _ := NewFailoverProviderPair(primarySTT, &stubTTS{}, fallbackSTT, &stubTTS{})

	_, err := stt.Transcribe(ctx, []byte("a"), "audio/webm", "")
	var te *TranscriptionError
	if !errors.As(err, &te) || te.Cause != CauseRateLimited {
		t.Fatalf("Transcribe() error = %v, want rate_limited cause", err)
	}
}

func TestFailoverDoesNotRetryUnderstandingFailures(t *testing.T) {
	primarySTT := &stubSTT{err: &TranscriptionError{Cause: CauseEmpty}}
	fallbackSTT := &stubSTT{out: Transcription{Text: "hello"}}
	stt, _ := NewFailoverProviderPair(primarySTT, &stubTTS{}, fallbackSTT, &stubTTS{})

	if _, err := stt.Transcribe(context.Background(), nil, "audio/webm", ""); !errors.Is(err, ErrCouldNotUnderstand) {
		t.Fatalf("Transcribe() error = %v, want ErrCouldNotUnderstand", err)
	}
	if fallbackSTT.calls != 0 {
		t.Fatalf("fallback STT calls = %d, want 0", fallbackSTT.calls)
	}
}

type stubSTT struct {
	calls int
	out   Transcription
	err   error
}

func (s *stubSTT) Transcribe(context.Context, []byte, string, string) (Transcription, error) {
	s.calls++
	return s.out, s.err
}

type stubTTS struct {
	calls int
	out   Speech
	err   error
}

func (s *stubTTS) Synthesize(context.Context, string, string) (Speech, error) {
	s.calls++
	return s.out, s.err
}
