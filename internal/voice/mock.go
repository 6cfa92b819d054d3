package voice

import (
	"context"
	"strings"

	"github.com/ent0n29/consultd/internal/audio"
)

const mockSampleRate = 16000

// MockProvider is a local fallback provider used when ElevenLabs is not
// configured. Audio declared as text/plain is "transcribed" verbatim, which
// lets the check client and tests drive voice sessions without a speech service.
type MockProvider struct{}

func NewMockProvider() *MockProvider { return &MockProvider{} }

func (p *MockProvider) Transcribe(ctx context.Context, data []byte, mimeType, languageHint string) (Transcription, error) {
	if err := ctx.Err(); err != nil {
		return Transcription{}, &TranscriptionError{Provider: "mock", Cause: CauseTimedOut, Err: err}
	}
	lang := SupportedLanguage(languageHint)
	if strings.HasPrefix(strings.ToLower(mimeType), "text/") {
		return Transcription{Text: strings.TrimSpace(string(data)), Language: lang, Confidence: 1}, nil
	}
	if len(data) == 0 {
		return Transcription{Language: lang}, nil
	}
	return Transcription{Text: "simulated voice input", Language: lang, Confidence: 0.7}, nil
}

// Synthesize returns silence sized to the reply, about 350ms per word.
func (p *MockProvider) Synthesize(ctx context.Context, text, _ string) (Speech, error) {
	if err := ctx.Err(); err != nil {
		return Speech{}, err
	}
	words := len(strings.Fields(text))
	if words == 0 {
		words = 1
	}
	samples := words * mockSampleRate * 35 / 100
	wav, err := audio.EncodeWAVPCM16LE(make([]byte, samples*2), mockSampleRate)
	if err != nil {
		return Speech{}, err
	}
	return Speech{Audio: wav, Format: "wav"}, nil
}
