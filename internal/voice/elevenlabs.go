package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ent0n29/consultd/internal/audio"
	"github.com/ent0n29/consultd/internal/reliability"
)

type ElevenLabsConfig struct {
	APIKey       string
	BaseURL      string
	STTModelID   string
	TTSVoiceID   string
	TTSModelID   string
	OutputFormat string
	Timeout      time.Duration
	HTTPClient   *http.Client
}

// ElevenLabsProvider implements batch speech-to-text and text-to-speech
// over the ElevenLabs REST API.
type ElevenLabsProvider struct {
	cfg    ElevenLabsConfig
	client *http.Client
}

func NewElevenLabsProvider(cfg ElevenLabsConfig) *ElevenLabsProvider {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://api.elevenlabs.io"
	}
	if strings.TrimSpace(cfg.STTModelID) == "" {
		cfg.STTModelID = "scribe_v1"
	}
	if strings.TrimSpace(cfg.TTSModelID) == "" {
		cfg.TTSModelID = "eleven_multilingual_v2"
	}
	if strings.TrimSpace(cfg.OutputFormat) == "" {
		cfg.OutputFormat = "mp3_44100_128"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &ElevenLabsProvider{cfg: cfg, client: client}
}

type elevenSTTResponse struct {
	Text                string  `json:"text"`
	LanguageCode        string  `json:"language_code"`
	LanguageProbability float64 `json:"language_probability"`
}

func (p *ElevenLabsProvider) Transcribe(ctx context.Context, data []byte, mimeType, languageHint string) (Transcription, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	_ = w.WriteField("model_id", p.cfg.STTModelID)
	if hint := strings.TrimSpace(languageHint); hint != "" && IsSupportedLanguage(hint) {
		_ = w.WriteField("language_code", SupportedLanguage(hint))
	}
	part, err := w.CreateFormFile("file", "utterance"+extensionFor(mimeType))
	if err != nil {
		return Transcription{}, fmt.Errorf("build stt request: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return Transcription{}, fmt.Errorf("build stt request: %w", err)
	}
	if err := w.Close(); err != nil {
		return Transcription{}, fmt.Errorf("build stt request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint("/v1/speech-to-text"), &body)
	if err != nil {
		return Transcription{}, err
	}
	req.Header.Set("xi-api-key", p.cfg.APIKey)
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := p.client.Do(req)
	if err != nil {
		return Transcription{}, &TranscriptionError{Provider: "elevenlabs", Cause: causeFromClass(reliability.ClassifyError(err)), Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		detail := readDetail(resp.Body)
		return Transcription{}, &TranscriptionError{
			Provider: "elevenlabs",
			Cause:    causeFromClass(reliability.ClassifyHTTPStatus(resp.StatusCode)),
			Err:      fmt.Errorf("status %d: %s", resp.StatusCode, detail),
		}
	}

	var out elevenSTTResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Transcription{}, &TranscriptionError{Provider: "elevenlabs", Cause: CauseUnavailable, Err: fmt.Errorf("decode stt response: %w", err)}
	}
	return Transcription{
		Text:       strings.TrimSpace(out.Text),
		Language:   out.LanguageCode,
		Confidence: out.LanguageProbability,
	}, nil
}

const ttsAttempts = 2

func (p *ElevenLabsProvider) Synthesize(ctx context.Context, text, language string) (Speech, error) {
	if strings.TrimSpace(p.cfg.TTSVoiceID) == "" {
		return Speech{}, errors.New("elevenlabs voice_id is required")
	}
	payload := map[string]any{
		"text":     text,
		"model_id": p.cfg.TTSModelID,
		"voice_settings": map[string]any{
			"stability":        0.5,
			"similarity_boost": 0.8,
		},
	}
	// Only the v2.5 models accept an explicit language.
	if strings.Contains(p.cfg.TTSModelID, "v2_5") && language != "" {
		payload["language_code"] = SupportedLanguage(language)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Speech{}, err
	}

	u := p.endpoint("/v1/text-to-speech/"+url.PathEscape(p.cfg.TTSVoiceID)) + "?output_format=" + url.QueryEscape(p.cfg.OutputFormat)

	var lastErr error
	for attempt := 0; attempt < ttsAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return Speech{}, ctx.Err()
			case <-time.After(reliability.ExponentialBackoff(attempt-1, 200*time.Millisecond, time.Second)):
			}
		}
		speech, retry, err := p.synthesizeOnce(ctx, u, raw)
		if err == nil {
			return speech, nil
		}
		lastErr = err
		if !retry {
			break
		}
	}
	return Speech{}, lastErr
}

func (p *ElevenLabsProvider) synthesizeOnce(ctx context.Context, u string, body []byte) (Speech, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return Speech{}, false, err
	}
	req.Header.Set("xi-api-key", p.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return Speech{}, ctx.Err() == nil, fmt.Errorf("tts request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		detail := readDetail(resp.Body)
		return Speech{}, reliability.IsRetryableHTTPStatus(resp.StatusCode), fmt.Errorf("tts status %d: %s", resp.StatusCode, detail)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Speech{}, true, fmt.Errorf("read tts audio: %w", err)
	}
	return packageSpeech(data, p.cfg.OutputFormat)
}

// packageSpeech wraps raw PCM output in a WAV container so browsers can
// play it directly.
func packageSpeech(data []byte, outputFormat string) (Speech, bool, error) {
	if rate, ok := pcmSampleRate(outputFormat); ok {
		wav, err := audio.EncodeWAVPCM16LE(data, rate)
		if err != nil {
			return Speech{}, false, err
		}
		return Speech{Audio: wav, Format: "wav"}, false, nil
	}
	format := outputFormat
	if i := strings.IndexByte(format, '_'); i > 0 {
		format = format[:i]
	}
	return Speech{Audio: data, Format: format}, false, nil
}

func pcmSampleRate(outputFormat string) (int, bool) {
	rest, ok := strings.CutPrefix(outputFormat, "pcm_")
	if !ok {
		return 0, false
	}
	rate, err := strconv.Atoi(rest)
	if err != nil || rate <= 0 {
		return 0, false
	}
	return rate, true
}

func (p *ElevenLabsProvider) endpoint(path string) string {
	return strings.TrimRight(p.cfg.BaseURL, "/") + path
}

func readDetail(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 512))
	return strings.TrimSpace(string(b))
}

func extensionFor(mimeType string) string {
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	switch mt {
	case "audio/wav", "audio/x-wav", "audio/wave":
		return ".wav"
	case "audio/mpeg", "audio/mp3":
		return ".mp3"
	case "audio/ogg":
		return ".ogg"
	case "audio/mp4", "audio/m4a", "audio/x-m4a":
		return ".m4a"
	default:
		return ".webm"
	}
}
