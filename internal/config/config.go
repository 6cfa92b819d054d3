package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the consultation service.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	MetricsNamespace         string

	AllowAnyOrigin bool

	InitTimeout     time.Duration
	MaxAudioBytes   int
	MaxTextChars    int
	MaxToolRounds   int
	DefaultLanguage string
	PersonaFile     string

	EmergencyScanEnabled bool
	EmergencyScanWindow  int

	LLMProvider        string
	ArkAPIKey          string
	ArkBaseURL         string
	ArkRegion          string
	LLMStandardModel   string
	LLMAdvancedModel   string
	LLMFallbackModel   string
	LLMMaxTokens       int
	GeminiAPIKey       string
	TokenCountModel    string
	CompactionMaxToken int

	VoiceProvider string

	ElevenLabsAPIKey          string
	ElevenLabsBaseURL         string
	ElevenLabsSTTModel        string
	ElevenLabsTTSVoice        string
	ElevenLabsTTSModel        string
	ElevenLabsTTSOutputFormat string

	DatabaseURL string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "consultd"),
		AllowAnyOrigin:   false,
		DefaultLanguage:  envOrDefault("CONSULT_DEFAULT_LANGUAGE", "en"),
		PersonaFile:      stringsTrimSpace("CONSULT_PERSONA_FILE"),
		LLMProvider:      envOrDefault("LLM_PROVIDER", "auto"),
		ArkAPIKey:        stringsTrimSpace("ARK_API_KEY"),
		ArkBaseURL:       stringsTrimSpace("ARK_BASE_URL"),
		ArkRegion:        stringsTrimSpace("ARK_REGION"),
		LLMStandardModel: stringsTrimSpace("LLM_STANDARD_MODEL"),
		// Empty means every turn uses the standard model.
		LLMAdvancedModel: stringsTrimSpace("LLM_ADVANCED_MODEL"),
		LLMFallbackModel: stringsTrimSpace("LLM_FALLBACK_MODEL"),
		GeminiAPIKey:     stringsTrimSpace("GEMINI_API_KEY"),
		TokenCountModel:  envOrDefault("TOKEN_COUNT_MODEL", "gemini-2.0-flash"),
		VoiceProvider:    envOrDefault("VOICE_PROVIDER", "auto"),
		ElevenLabsAPIKey: stringsTrimSpace("ELEVENLABS_API_KEY"),
		// Batch REST endpoints serve both speech directions.
		ElevenLabsBaseURL:         envOrDefault("ELEVENLABS_BASE_URL", "https://api.elevenlabs.io"),
		ElevenLabsSTTModel:        envOrDefault("ELEVENLABS_STT_MODEL_ID", "scribe_v1"),
		ElevenLabsTTSVoice:        envOrDefault("ELEVENLABS_TTS_VOICE_ID", "cgSgspJ2msm6clMCkdW9"),
		ElevenLabsTTSModel:        envOrDefault("ELEVENLABS_TTS_MODEL_ID", "eleven_multilingual_v2"),
		ElevenLabsTTSOutputFormat: envOrDefault("ELEVENLABS_TTS_OUTPUT_FORMAT", "pcm_16000"),
		DatabaseURL:               stringsTrimSpace("DATABASE_URL"),
		ShutdownTimeout:           15 * time.Second,
		SessionInactivityTimeout:  10 * time.Minute,
		InitTimeout:               20 * time.Second,
		MaxAudioBytes:             10 << 20,
		MaxTextChars:              4000,
		MaxToolRounds:             5,
		EmergencyScanEnabled:      true,
		EmergencyScanWindow:       3,
		LLMMaxTokens:              1024,
		CompactionMaxToken:        4000,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.InitTimeout, err = durationFromEnv("CONSULT_INIT_TIMEOUT", cfg.InitTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.EmergencyScanEnabled, err = boolFromEnv("EMERGENCY_SCAN_ENABLED", cfg.EmergencyScanEnabled)
	if err != nil {
		return Config{}, err
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"CONSULT_MAX_AUDIO_BYTES", &cfg.MaxAudioBytes},
		{"CONSULT_MAX_TEXT_CHARS", &cfg.MaxTextChars},
		{"CONSULT_MAX_TOOL_ROUNDS", &cfg.MaxToolRounds},
		{"EMERGENCY_SCAN_WINDOW", &cfg.EmergencyScanWindow},
		{"LLM_MAX_TOKENS", &cfg.LLMMaxTokens},
		{"COMPACT_TRANSCRIPT_MAX_TOKENS", &cfg.CompactionMaxToken},
	}
	for _, it := range ints {
		*it.dst, err = intFromEnv(it.key, *it.dst)
		if err != nil {
			return Config{}, err
		}
		if *it.dst <= 0 {
			return Config{}, fmt.Errorf("%s must be positive", it.key)
		}
	}

	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.InitTimeout < time.Second {
		return Config{}, fmt.Errorf("CONSULT_INIT_TIMEOUT must be at least 1s")
	}
	switch strings.ToLower(cfg.LLMProvider) {
	case "auto", "ark", "mock":
	default:
		return Config{}, fmt.Errorf("LLM_PROVIDER must be one of auto, ark, mock")
	}
	switch strings.ToLower(cfg.VoiceProvider) {
	case "auto", "elevenlabs", "mock":
	default:
		return Config{}, fmt.Errorf("VOICE_PROVIDER must be one of auto, elevenlabs, mock")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return trimSpace(os.Getenv(key))
}

func trimSpace(v string) string {
	for len(v) > 0 && (v[0] == ' ' || v[0] == '\n' || v[0] == '\t' || v[0] == '\r') {
		v = v[1:]
	}
	for len(v) > 0 {
		c := v[len(v)-1]
		if c == ' ' || c == '\n' || c == '\t' || c == '\r' {
			v = v[:len(v)-1]
			continue
		}
		break
	}
	return v
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
