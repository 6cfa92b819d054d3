package voice

import (
	"context"
	"errors"
	"testing"

	"github.com/ent0n29/consultd/internal/conversation"
)

type echoResponder struct {
	calls int
	err   error
	seen  string
}

func (r *echoResponder) SendMessage(_ context.Context, text string) (conversation.Reply, error) {
	r.calls++
	r.seen = text
	if r.err != nil {
		return conversation.Reply{}, r.err
	}
	return conversation.Reply{Text: "You said: " + text}, nil
}

func TestProcessUtteranceDegradesToTextWhenSynthesisFails(t *testing.T) {
	p := NewPipeline(
		&stubSTT{out: Transcription{Text: "my head hurts", Language: "eng"}},
		&stubTTS{err: errors.New("tts down")},
		nil,
	)
	r := &echoResponder{}

	res, err := p.ProcessUtterance(context.Background(), Utterance{Audio: []byte{1, 2}, MimeType: "audio/webm"}, r, "hi")
	if err != nil {
		t.Fatalf("ProcessUtterance() error = %v", err)
	}
	if res.ResponseText != "You said: my head hurts" {
		t.Fatalf("ResponseText = %q", res.ResponseText)
	}
	if res.Audio != nil {
		t.Fatalf("Audio = %d bytes, want nil", len(res.Audio))
	}
	if res.Language != "en" {
		t.Fatalf("Language = %q, want detected en", res.Language)
	}
}

func TestProcessUtteranceUsesPreferredLanguageWithoutDetection(t *testing.T) {
	tts := &stubTTS{out: Speech{Audio: []byte("RIFF"), Format: "wav"}}
	p := NewPipeline(&stubSTT{out: Transcription{Text: "sir dard"}}, tts, nil)

	res, err := p.ProcessUtterance(context.Background(), Utterance{Audio: []byte{1}}, &echoResponder{}, "hi-IN")
	if err != nil {
		t.Fatalf("ProcessUtterance() error = %v", err)
	}
	if res.Language != "hi" || res.AudioFormat != "wav" || len(res.Audio) == 0 {
		t.Fatalf("result = %+v", res)
	}
}

func TestProcessUtterancePropagatesTranscriptionCause(t *testing.T) {
	cause := &TranscriptionError{Provider: "elevenlabs", Cause: CauseRateLimited, Err: errors.New("429")}
	p := NewPipeline(&stubSTT{err: cause}, &stubTTS{}, nil)
	r := &echoResponder{}

	_, err := p.ProcessUtterance(context.Background(), Utterance{Audio: []byte{1}}, r, "en")
	var te *TranscriptionError
	if !errors.As(err, &te) || te.Cause != CauseRateLimited {
		t.Fatalf("ProcessUtterance() error = %v, want rate_limited", err)
	}
	if r.calls != 0 {
		t.Fatalf("responder must not run after a transcription failure")
	}
}

func TestProcessUtteranceRejectsEmptyTranscript(t *testing.T) {
	p := NewPipeline(&stubSTT{out: Transcription{Text: "   "}}, &stubTTS{}, nil)
	r := &echoResponder{}

	_, err := p.ProcessUtterance(context.Background(), Utterance{Audio: []byte{1}}, r, "en")
	if !errors.Is(err, ErrCouldNotUnderstand) {
		t.Fatalf("ProcessUtterance() error = %v, want ErrCouldNotUnderstand", err)
	}
	if r.calls != 0 {
		t.Fatalf("empty transcript must not reach the responder")
	}
	if UserMessageFor(err) == "" {
		t.Fatalf("UserMessageFor() returned no message")
	}
}

func TestProcessUtteranceReturnsResponderError(t *testing.T) {
	p := NewPipeline(&stubSTT{out: Transcription{Text: "hello"}}, &stubTTS{}, nil)
	_, err := p.ProcessUtterance(context.Background(), Utterance{Audio: []byte{1}}, &echoResponder{err: conversation.ErrTransport}, "en")
	if !errors.Is(err, conversation.ErrTransport) {
		t.Fatalf("ProcessUtterance() error = %v, want ErrTransport", err)
	}
}

func TestSupportedLanguage(t *testing.T) {
	cases := map[string]string{
		"en":    "en",
		"eng":   "en",
		"hin":   "hi",
		"ta-IN": "ta",
		"Tamil": "ta",
		"xx":    "en",
		"":      "en",
	}
	for in, want := range cases {
		if got := SupportedLanguage(in); got != want {
			t.Fatalf("SupportedLanguage(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMockProviderTranscribesTextPayloads(t *testing.T) {
	m := NewMockProvider()
	tr, err := m.Transcribe(context.Background(), []byte(" I feel dizzy "), "text/plain", "en")
	if err != nil || tr.Text != "I feel dizzy" {
		t.Fatalf("Transcribe() = %+v, %v", tr, err)
	}
	speech, err := m.Synthesize(context.Background(), "two words", "en")
	if err != nil || speech.Format != "wav" || string(speech.Audio[:4]) != "RIFF" {
		t.Fatalf("Synthesize() = %s, %v", speech.Format, err)
	}
}
