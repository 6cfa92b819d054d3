// Package app assembles the consultation service from its configuration.
package app

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/ent0n29/consultd/internal/config"
	"github.com/ent0n29/consultd/internal/consult"
	"github.com/ent0n29/consultd/internal/contextwindow"
	"github.com/ent0n29/consultd/internal/conversation"
	"github.com/ent0n29/consultd/internal/httpapi"
	"github.com/ent0n29/consultd/internal/llm"
	"github.com/ent0n29/consultd/internal/observability"
	"github.com/ent0n29/consultd/internal/safety"
	"github.com/ent0n29/consultd/internal/session"
	"github.com/ent0n29/consultd/internal/store"
	"github.com/ent0n29/consultd/internal/voice"
)

type BuildInfo struct {
	LLM        string
	Voice      string
	VoiceInfo  string
	Store      string
	TokenCount string
}

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Sessions *session.Manager
	Metrics  *observability.Metrics
	Info     BuildInfo

	// Cleanup should be called on shutdown to release external resources (DB pool).
	Cleanup func() error
}

// handlerFactory builds one consultation handler per attached channel from
// the process-wide collaborators.
type handlerFactory struct {
	cfg    config.Config
	engine conversation.EngineConfig
	deps   consult.Deps
}

func (f handlerFactory) NewHandler(s *session.Session, emit consult.Emitter) consult.Handler {
	return consult.New(consult.Config{
		SessionID:     s.ID,
		PatientID:     s.PatientID,
		Mode:          s.Mode,
		Language:      s.Language,
		InitTimeout:   f.cfg.InitTimeout,
		MaxAudioBytes: f.cfg.MaxAudioBytes,
		MaxTextChars:  f.cfg.MaxTextChars,
		Engine:        f.engine,
	}, f.deps, emit)
}

func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)
	info := BuildInfo{Store: "memory", TokenCount: "heuristic"}
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		info.Store = "postgres"
	}

	router, err := buildRouter(ctx, cfg)
	if err != nil {
		return nil, err
	}
	info.LLM = router.label

	estimator := contextwindow.Estimator{}
	if cfg.GeminiAPIKey != "" {
		counter, err := contextwindow.NewGenAICounter(ctx, cfg.GeminiAPIKey, cfg.TokenCountModel)
		if err != nil {
			log.Printf("[app] token counter unavailable, using estimate: %v", err)
		} else {
			estimator.Counter = counter
			info.TokenCount = "genai:" + cfg.TokenCountModel
		}
	}

	persona := conversation.DefaultPersona()
	if cfg.PersonaFile != "" {
		persona, err = conversation.LoadPersona(cfg.PersonaFile)
		if err != nil {
			return nil, fmt.Errorf("persona load failed: %w", err)
		}
	}

	voiceSetup, err := resolveVoiceProviders(cfg)
	if err != nil {
		return nil, err
	}
	info.Voice = voiceSetup.provider
	info.VoiceInfo = voiceSetup.detail
	cfg.VoiceProvider = voiceSetup.provider

	st, err := store.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("store init failed: %w", err)
	}

	var scanner *safety.Scanner
	if cfg.EmergencyScanEnabled {
		scanner = safety.NewScanner(router.models.Standard, cfg.EmergencyScanWindow, safety.DefaultTimeout)
	}

	factory := handlerFactory{
		cfg: cfg,
		engine: conversation.EngineConfig{
			Persona:       persona,
			Budget:        contextwindow.DefaultBudget(),
			MaxToolRounds: cfg.MaxToolRounds,
			Estimator:     estimator,
			Metrics:       metrics,
		},
		deps: consult.Deps{
			Router:   router.models,
			Context:  st,
			Store:    st,
			Pipeline: voice.NewPipeline(voiceSetup.stt, voiceSetup.tts, metrics),
			Scanner:  scanner,
			Metrics:  metrics,
		},
	}
	compactor := contextwindow.TranscriptCompactor{Model: router.models.Standard, Estimator: estimator}

	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	api := httpapi.New(cfg, sessions, factory, st, compactor, metrics)
	sessions.SetExpireHook(func(s *session.Session) {
		metrics.SessionEvent("expired")
		log.Printf("[app] session expired session=%s patient=%s", s.ID, s.PatientID)
		api.EndSession(context.Background(), s.ID)
	})

	return &BuildResult{
		Config:   cfg,
		API:      api,
		Sessions: sessions,
		Metrics:  metrics,
		Info:     info,
		Cleanup:  st.Close,
	}, nil
}

type builtRouter struct {
	models llm.Router
	label  string
}

// buildRouter constructs the standard tier and, when configured, the
// advanced tier on the same provider.
func buildRouter(ctx context.Context, cfg config.Config) (builtRouter, error) {
	base := llm.Config{
		Mode:          cfg.LLMProvider,
		APIKey:        cfg.ArkAPIKey,
		BaseURL:       cfg.ArkBaseURL,
		Region:        cfg.ArkRegion,
		Model:         cfg.LLMStandardModel,
		MaxTokens:     cfg.LLMMaxTokens,
		FallbackModel: cfg.LLMFallbackModel,
	}
	standard, label, err := llm.NewChatModel(ctx, base)
	if err != nil {
		return builtRouter{}, fmt.Errorf("llm init failed: %w", err)
	}
	out := builtRouter{models: llm.Router{Standard: standard}, label: label}
	if label == "ark" && cfg.LLMStandardModel != "" {
		out.label = "ark:" + cfg.LLMStandardModel
	}

	if label != "mock" && cfg.LLMAdvancedModel != "" && cfg.LLMAdvancedModel != cfg.LLMStandardModel {
		adv := base
		adv.Model = cfg.LLMAdvancedModel
		advanced, _, err := llm.NewChatModel(ctx, adv)
		if err != nil {
			return builtRouter{}, fmt.Errorf("advanced llm init failed: %w", err)
		}
		out.models.Advanced = advanced
		out.label += " (advanced " + cfg.LLMAdvancedModel + ")"
	}
	return out, nil
}
