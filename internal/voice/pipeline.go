package voice

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/ent0n29/consultd/internal/conversation"
	"github.com/ent0n29/consultd/internal/observability"
)

// Responder produces the doctor's reply to a transcribed utterance.
type Responder interface {
	SendMessage(ctx context.Context, text string) (conversation.Reply, error)
}

type Result struct {
	Transcript   string
	ResponseText string
	Language     string
	// Audio is nil when synthesis failed; the reply is then text only.
	Audio       []byte
	AudioFormat string
	Reply       conversation.Reply
}

// Pipeline runs one utterance through speech-to-text, the responder and
// text-to-speech.
type Pipeline struct {
	stt     STTProvider
	tts     TTSProvider
	metrics *observability.Metrics
}

func NewPipeline(stt STTProvider, tts TTSProvider, metrics *observability.Metrics) *Pipeline {
	return &Pipeline{stt: stt, tts: tts, metrics: metrics}
}

// Transcribe returns the utterance text. Provider failures keep their
// cause; an empty transcript is ErrCouldNotUnderstand.
func (p *Pipeline) Transcribe(ctx context.Context, u Utterance, languageHint string) (Transcription, error) {
	if p.stt == nil {
		return Transcription{}, &TranscriptionError{Provider: "none", Cause: CauseUnavailable, Err: errors.New("no speech-to-text provider")}
	}
	tr, err := p.stt.Transcribe(ctx, u.Audio, u.MimeType, languageHint)
	if err != nil {
		var te *TranscriptionError
		if errors.As(err, &te) {
			p.metrics.ProviderError("stt", string(te.Cause))
		} else {
			p.metrics.ProviderError("stt", "error")
		}
		return Transcription{}, err
	}
	tr.Text = strings.TrimSpace(tr.Text)
	if tr.Text == "" {
		return Transcription{}, &TranscriptionError{Cause: CauseEmpty}
	}
	return tr, nil
}

// Synthesize returns nil audio on any failure.
func (p *Pipeline) Synthesize(ctx context.Context, text, language string) ([]byte, string) {
	if p.tts == nil {
		return nil, ""
	}
	spoken := speakableText(text)
	if spoken == "" {
		return nil, ""
	}
	speech, err := p.tts.Synthesize(ctx, spoken, language)
	if err != nil {
		p.metrics.ProviderError("tts", "error")
		log.Printf("[voice] synthesis failed, replying with text only: %v", err)
		return nil, ""
	}
	if len(speech.Audio) == 0 {
		return nil, ""
	}
	return speech.Audio, speech.Format
}

// ProcessUtterance transcribes u, asks r for a reply and synthesizes it in
// the detected language, or preferredLanguage when none was detected.
// Transcription and responder errors are returned as is; synthesis
// failures only drop the audio.
func (p *Pipeline) ProcessUtterance(ctx context.Context, u Utterance, r Responder, preferredLanguage string) (Result, error) {
	started := time.Now()
	tr, err := p.Transcribe(ctx, u, preferredLanguage)
	if err != nil {
		return Result{}, err
	}

	language := preferredLanguage
	if strings.TrimSpace(tr.Language) != "" {
		language = tr.Language
	}
	language = SupportedLanguage(language)

	reply, err := r.SendMessage(ctx, tr.Text)
	if err != nil {
		return Result{Transcript: tr.Text, Language: language}, err
	}

	res := Result{
		Transcript:   tr.Text,
		ResponseText: reply.Text,
		Language:     language,
		Reply:        reply,
	}
	res.Audio, res.AudioFormat = p.Synthesize(ctx, reply.Text, language)
	p.metrics.ObserveTurnLatency("voice", time.Since(started))
	return res, nil
}
