package llm

import (
	"context"
	"errors"

	"github.com/ternarybob/quill/internal/interfaces"
)

// ErrDisabled is returned by every call on the disabled provider.
var ErrDisabled = errors.New("llm disabled: no API key configured")

// disabledProvider stands in when no backend has an API key so the
// application can still start. Workers treat the error like any other
// completion failure and run their rule-based fallbacks.
type disabledProvider struct{}

// NewDisabledProvider returns a provider whose calls always fail with
// ErrDisabled.
func NewDisabledProvider() interfaces.LLMProvider {
	return disabledProvider{}
}

func (disabledProvider) Complete(ctx context.Context, req *interfaces.CompletionRequest) (string, error) {
	return "", ErrDisabled
}

func (disabledProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	return nil, ErrDisabled
}

func (disabledProvider) Close() error { return nil }
