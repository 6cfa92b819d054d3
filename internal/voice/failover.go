package voice

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
)

// NewFailoverProviderPair builds STT/TTS providers that prefer the primary backend
// and automatically switch to fallback when a primary call fails.
// Once fallback succeeds, it stays active until fallback fails; then primary is retried.
func NewFailoverProviderPair(
	primarySTT STTProvider,
	primaryTTS TTSProvider,
	fallbackSTT STTProvider,
	fallbackTTS TTSProvider,
) (STTProvider, TTSProvider) {
	state := &failoverState{}
	return &failoverSTTProvider{
			state:    state,
			primary:  primarySTT,
			fallback: fallbackSTT,
		}, &failoverTTSProvider{
			state:    state,
			primary:  primaryTTS,
			fallback: fallbackTTS,
		}
}

type failoverState struct {
	fallbackActive atomic.Bool
}

func (s *failoverState) activateFallback() {
	s.fallbackActive.Store(true)
}

func (s *failoverState) deactivateFallback() {
	s.fallbackActive.Store(false)
}

func (s *failoverState) isFallbackActive() bool {
	return s.fallbackActive.Load()
}

// shouldFailOver is false for outcomes another provider cannot fix.
func shouldFailOver(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	return !errors.Is(err, ErrCouldNotUnderstand)
}

type failoverSTTProvider struct {
	state    *failoverState
	primary  STTProvider
	fallback STTProvider
}

func (p *failoverSTTProvider) Transcribe(ctx context.Context, data []byte, mimeType, languageHint string) (Transcription, error) {
	first, second := p.primary, p.fallback
	if p.state.isFallbackActive() {
		first, second = p.fallback, p.primary
	}
	out, firstErr := first.Transcribe(ctx, data, mimeType, languageHint)
	if firstErr == nil || !shouldFailOver(ctx, firstErr) {
		return out, firstErr
	}
	out, secondErr := second.Transcribe(ctx, data, mimeType, languageHint)
	if secondErr != nil {
		// Keep the last provider's typed error so its cause reaches the client.
		return Transcription{}, fmt.Errorf("stt failover (first: %v): %w", firstErr, secondErr)
	}
	if p.state.isFallbackActive() {
		p.state.deactivateFallback()
	} else {
		p.state.activateFallback()
	}
	return out, nil
}

type failoverTTSProvider struct {
	state    *failoverState
	primary  TTSProvider
	fallback TTSProvider
}

func (p *failoverTTSProvider) Synthesize(ctx context.Context, text, language string) (Speech, error) {
	first, second := p.primary, p.fallback
	if p.state.isFallbackActive() {
		first, second = p.fallback, p.primary
	}
	out, firstErr := first.Synthesize(ctx, text, language)
	if firstErr == nil || ctx.Err() != nil {
		return out, firstErr
	}
	out, secondErr := second.Synthesize(ctx, text, language)
	if secondErr != nil {
		return Speech{}, fmt.Errorf("tts failover (first: %v): %w", firstErr, secondErr)
	}
	if p.state.isFallbackActive() {
		p.state.deactivateFallback()
	} else {
		p.state.activateFallback()
	}
	return out, nil
}
