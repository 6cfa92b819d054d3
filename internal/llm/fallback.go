package llm

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// FallbackModel attempts a primary model first and falls back on error.
// Streams only fall back when opening the stream fails; a stream that
// breaks after emitting chunks is surfaced to the caller as is.
type FallbackModel struct {
	primary  ChatModel
	fallback ChatModel
}

func NewFallbackModel(primary, fallback ChatModel) *FallbackModel {
	return &FallbackModel{primary: primary, fallback: fallback}
}

func (m *FallbackModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	if m.primary == nil {
		if m.fallback != nil {
			return m.fallback.Generate(ctx, input, opts...)
		}
		return nil, fmt.Errorf("fallback model misconfigured")
	}
	msg, err := m.primary.Generate(ctx, input, opts...)
	if err == nil {
		return msg, nil
	}
	if IsCanceled(err) || m.fallback == nil {
		return nil, err
	}
	fbMsg, fbErr := m.fallback.Generate(ctx, input, opts...)
	if fbErr != nil {
		return nil, fmt.Errorf("primary model error: %w; fallback model error: %v", err, fbErr)
	}
	return fbMsg, nil
}

func (m *FallbackModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	if m.primary == nil {
		if m.fallback != nil {
			return m.fallback.Stream(ctx, input, opts...)
		}
		return nil, fmt.Errorf("fallback model misconfigured")
	}
	sr, err := m.primary.Stream(ctx, input, opts...)
	if err == nil {
		return sr, nil
	}
	if IsCanceled(err) || m.fallback == nil {
		return nil, err
	}
	fbSR, fbErr := m.fallback.Stream(ctx, input, opts...)
	if fbErr != nil {
		return nil, fmt.Errorf("primary model error: %w; fallback model error: %v", err, fbErr)
	}
	return fbSR, nil
}
