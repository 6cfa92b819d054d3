package voice

import "context"

// Utterance is one recorded patient utterance. It is never persisted.
type Utterance struct {
	Audio    []byte
	MimeType string
}

type Transcription struct {
	Text       string
	Language   string
	Confidence float64
}

type Speech struct {
	Audio  []byte
	Format string
}

// STTProvider transcribes a complete utterance.
type STTProvider interface {
	Transcribe(ctx context.Context, audio []byte, mimeType, languageHint string) (Transcription, error)
}

// TTSProvider synthesizes a complete reply.
type TTSProvider interface {
	Synthesize(ctx context.Context, text, language string) (Speech, error)
}
