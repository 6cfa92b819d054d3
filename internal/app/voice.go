package app

import (
	"fmt"
	"strings"

	"github.com/ent0n29/consultd/internal/config"
	"github.com/ent0n29/consultd/internal/voice"
)

type voiceSetup struct {
	stt      voice.STTProvider
	tts      voice.TTSProvider
	provider string
	detail   string
}

func resolveVoiceProviders(cfg config.Config) (voiceSetup, error) {
	voiceMode := strings.ToLower(strings.TrimSpace(cfg.VoiceProvider))
	if voiceMode == "" {
		voiceMode = "auto"
	}

	mockSetup := func(detail string) voiceSetup {
		p := voice.NewMockProvider()
		return voiceSetup{stt: p, tts: p, provider: "mock", detail: detail}
	}

	tryElevenLabs := func() (voiceSetup, bool) {
		if strings.TrimSpace(cfg.ElevenLabsAPIKey) == "" {
			return voiceSetup{}, false
		}
		p := voice.NewElevenLabsProvider(voice.ElevenLabsConfig{
			APIKey:       cfg.ElevenLabsAPIKey,
			BaseURL:      cfg.ElevenLabsBaseURL,
			STTModelID:   cfg.ElevenLabsSTTModel,
			TTSVoiceID:   cfg.ElevenLabsTTSVoice,
			TTSModelID:   cfg.ElevenLabsTTSModel,
			OutputFormat: cfg.ElevenLabsTTSOutputFormat,
		})
		return voiceSetup{stt: p, tts: p, provider: "elevenlabs", detail: "elevenlabs batch"}, true
	}

	switch voiceMode {
	case "elevenlabs":
		if setup, ok := tryElevenLabs(); ok {
			return setup, nil
		}
		return voiceSetup{}, fmt.Errorf("VOICE_PROVIDER=elevenlabs but ELEVENLABS_API_KEY is not set")
	case "mock":
		return mockSetup("mock"), nil
	case "auto":
		eleven, ok := tryElevenLabs()
		if !ok {
			return mockSetup("mock (no elevenlabs key)"), nil
		}
		// Keep sessions usable through an ElevenLabs outage.
		fallback := voice.NewMockProvider()
		stt, tts := voice.NewFailoverProviderPair(eleven.stt, eleven.tts, fallback, fallback)
		return voiceSetup{
			stt:      stt,
			tts:      tts,
			provider: "elevenlabs",
			detail:   "elevenlabs batch (automatic mock fallback)",
		}, nil
	default:
		return voiceSetup{}, fmt.Errorf("invalid VOICE_PROVIDER: %q (expected auto|elevenlabs|mock)", cfg.VoiceProvider)
	}
}
