package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.InitTimeout != 20*time.Second {
		t.Fatalf("InitTimeout = %v, want 20s", cfg.InitTimeout)
	}
	if cfg.MaxAudioBytes != 10<<20 || cfg.MaxTextChars != 4000 || cfg.MaxToolRounds != 5 {
		t.Fatalf("limits = %d/%d/%d", cfg.MaxAudioBytes, cfg.MaxTextChars, cfg.MaxToolRounds)
	}
	if !cfg.EmergencyScanEnabled || cfg.EmergencyScanWindow != 3 {
		t.Fatalf("scanner = %v/%d, want enabled with window 3", cfg.EmergencyScanEnabled, cfg.EmergencyScanWindow)
	}
	if cfg.LLMProvider != "auto" || cfg.VoiceProvider != "auto" || cfg.DefaultLanguage != "en" {
		t.Fatalf("providers = %q/%q lang %q", cfg.LLMProvider, cfg.VoiceProvider, cfg.DefaultLanguage)
	}
	if cfg.DatabaseURL != "" {
		t.Fatalf("DatabaseURL = %q, want empty default", cfg.DatabaseURL)
	}
}

func TestLoadOverrides(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_BIND_ADDR", ":9191")
	t.Setenv("CONSULT_INIT_TIMEOUT", "5s")
	t.Setenv("CONSULT_MAX_TOOL_ROUNDS", " 3 ")
	t.Setenv("EMERGENCY_SCAN_ENABLED", "off")
	t.Setenv("LLM_PROVIDER", "mock")
	t.Setenv("ARK_API_KEY", "  secret\n")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":9191" || cfg.InitTimeout != 5*time.Second || cfg.MaxToolRounds != 3 {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.EmergencyScanEnabled {
		t.Fatalf("EmergencyScanEnabled = true, want false")
	}
	if cfg.ArkAPIKey != "secret" {
		t.Fatalf("ArkAPIKey = %q, want trimmed", cfg.ArkAPIKey)
	}
}

func TestLoadValidation(t *testing.T) {
	cases := map[string]string{
		"CONSULT_MAX_AUDIO_BYTES":        "0",
		"CONSULT_MAX_TEXT_CHARS":         "abc",
		"APP_SESSION_INACTIVITY_TIMEOUT": "1s",
		"CONSULT_INIT_TIMEOUT":           "10ms",
		"LLM_PROVIDER":                   "openai",
		"VOICE_PROVIDER":                 "whisper",
		"EMERGENCY_SCAN_ENABLED":         "maybe",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			setCoreEnvEmpty(t)
			t.Setenv(key, value)
			_, err := Load()
			if err == nil || !strings.Contains(err.Error(), key) {
				t.Fatalf("Load() error = %v, want error naming %s", err, key)
			}
		})
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_SESSION_INACTIVITY_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"CONSULT_INIT_TIMEOUT",
		"CONSULT_MAX_AUDIO_BYTES",
		"CONSULT_MAX_TEXT_CHARS",
		"CONSULT_MAX_TOOL_ROUNDS",
		"CONSULT_DEFAULT_LANGUAGE",
		"CONSULT_PERSONA_FILE",
		"EMERGENCY_SCAN_ENABLED",
		"EMERGENCY_SCAN_WINDOW",
		"LLM_PROVIDER",
		"ARK_API_KEY",
		"ARK_BASE_URL",
		"ARK_REGION",
		"LLM_STANDARD_MODEL",
		"LLM_ADVANCED_MODEL",
		"LLM_FALLBACK_MODEL",
		"LLM_MAX_TOKENS",
		"GEMINI_API_KEY",
		"TOKEN_COUNT_MODEL",
		"COMPACT_TRANSCRIPT_MAX_TOKENS",
		"VOICE_PROVIDER",
		"ELEVENLABS_API_KEY",
		"ELEVENLABS_BASE_URL",
		"ELEVENLABS_STT_MODEL_ID",
		"ELEVENLABS_TTS_VOICE_ID",
		"ELEVENLABS_TTS_MODEL_ID",
		"ELEVENLABS_TTS_OUTPUT_FORMAT",
		"DATABASE_URL",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
