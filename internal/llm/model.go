// Package llm adapts eino chat models to the consultation engine: model
// construction, history conversion, stop-reason mapping and model routing.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// ChatModel is the subset of eino's chat model used by the engine. Tool
// catalogs are passed per call through model options so a single instance
// can serve the conversation, the summarizer and the scanner.
type ChatModel interface {
	Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error)
	Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error)
}

// Config controls model construction.
type Config struct {
	Mode      string
	APIKey    string
	BaseURL   string
	Region    string
	Model     string
	MaxTokens int

	// FallbackModel, when set, names a second model on the same account
	// that serves requests the primary model fails.
	FallbackModel string
}

// NewChatModel builds the configured model. The returned label names the
// backend that was selected.
func NewChatModel(ctx context.Context, cfg Config) (ChatModel, string, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "ark":
		m, err := newArkModel(ctx, cfg)
		if err != nil {
			return nil, "", err
		}
		return m, "ark", nil
	case "mock":
		return NewMockModel(), "mock", nil
	case "auto":
		if strings.TrimSpace(cfg.APIKey) == "" {
			return NewMockModel(), "mock", nil
		}
		m, err := newArkModel(ctx, cfg)
		if err != nil {
			return nil, "", err
		}
		return m, "ark", nil
	default:
		return nil, "", fmt.Errorf("unsupported llm provider %q", cfg.Mode)
	}
}

func newArkModel(ctx context.Context, cfg Config) (ChatModel, error) {
	primary, err := newArkModelNamed(ctx, cfg, cfg.Model)
	if err != nil {
		return nil, err
	}
	fallbackName := strings.TrimSpace(cfg.FallbackModel)
	if fallbackName == "" || fallbackName == cfg.Model {
		return primary, nil
	}
	secondary, err := newArkModelNamed(ctx, cfg, fallbackName)
	if err != nil {
		return nil, err
	}
	return NewFallbackModel(primary, secondary), nil
}

func newArkModelNamed(ctx context.Context, cfg Config, name string) (ChatModel, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("ark api key is required for ark mode")
	}
	if strings.TrimSpace(name) == "" {
		return nil, errors.New("model name is required for ark mode")
	}

	arkCfg := &ark.ChatModelConfig{
		APIKey:  cfg.APIKey,
		BaseURL: cfg.BaseURL,
		Region:  cfg.Region,
		Model:   name,
	}
	if cfg.MaxTokens > 0 {
		maxTokens := cfg.MaxTokens
		arkCfg.MaxTokens = &maxTokens
	}

	m, err := ark.NewChatModel(ctx, arkCfg)
	if err != nil {
		return nil, fmt.Errorf("create ark chat model %q: %w", name, err)
	}
	return m, nil
}
