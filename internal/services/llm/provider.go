package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/quill/internal/common"
	"github.com/ternarybob/quill/internal/interfaces"
)

// completer is the slice of a backend the router needs for text
// generation.
type completer interface {
	Complete(ctx context.Context, req *interfaces.CompletionRequest) (string, error)
	Close() error
}

// Provider routes completion requests onto the configured backends by
// model family and retries rate-limited calls. There is no native
// OpenAI backend; openai-family requests go to the default provider,
// which rewrites in that family's style.
type Provider struct {
	claude  *ClaudeService
	gemini  *GeminiService
	primary completer
	family  map[string]string
	retry   *RetryConfig
	logger  arbor.ILogger
}

// NewProvider builds the backends that have API keys configured. At least
// one backend is required.
func NewProvider(ctx context.Context, cfg *common.Config, logger arbor.ILogger) (*Provider, error) {
	p := &Provider{
		family: cfg.LLM.FamilyModels,
		retry:  NewRetryConfig(cfg.LLM.MaxRetries),
		logger: logger,
	}

	if cfg.Claude.APIKey != "" {
		claude, err := NewClaudeService(&cfg.Claude, logger)
		if err != nil {
			return nil, err
		}
		p.claude = claude
	}
	if cfg.Gemini.APIKey != "" {
		gemini, err := NewGeminiService(ctx, &cfg.Gemini, logger)
		if err != nil {
			return nil, err
		}
		p.gemini = gemini
	}

	switch {
	case cfg.LLM.DefaultProvider == "claude" && p.claude != nil:
		p.primary = p.claude
	case cfg.LLM.DefaultProvider == "gemini" && p.gemini != nil:
		p.primary = p.gemini
	case p.gemini != nil:
		p.primary = p.gemini
	case p.claude != nil:
		p.primary = p.claude
	default:
		return nil, fmt.Errorf("no LLM backend configured: set a Gemini or Claude API key")
	}

	logger.Info().
		Bool("claude", p.claude != nil).
		Bool("gemini", p.gemini != nil).
		Str("default", cfg.LLM.DefaultProvider).
		Msg("LLM provider initialized")
	return p, nil
}

// backendFor resolves the configured backend for a model family, falling
// back to the default when the preferred backend is absent.
func (p *Provider) backendFor(family interfaces.ModelFamily) completer {
	switch family {
	case interfaces.FamilyAnthropic:
		if p.claude != nil {
			return p.claude
		}
	case interfaces.FamilyGemini:
		if p.gemini != nil {
			return p.gemini
		}
	}
	return p.primary
}

// Complete routes the request and retries rate-limited calls with the
// API-suggested delay when present.
func (p *Provider) Complete(ctx context.Context, req *interfaces.CompletionRequest) (string, error) {
	backend := p.backendFor(req.Family)

	if req.Model == "" {
		if model, ok := p.family[string(req.Family)]; ok {
			req.Model = model
		}
	}

	var lastErr error
	for attempt := 0; attempt <= p.retry.MaxRetries; attempt++ {
		out, err := backend.Complete(ctx, req)
		if err == nil {
			return out, nil
		}
		lastErr = err

		if !IsRateLimitError(err) || attempt == p.retry.MaxRetries {
			break
		}

		wait := p.retry.CalculateBackoff(attempt, ExtractRetryDelay(err))
		p.logger.Warn().
			Int("attempt", attempt+1).
			Str("wait", wait.String()).
			Err(err).
			Msg("Rate limited, backing off")

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(wait):
		}
	}
	return "", lastErr
}

// Embed generates an embedding. Only the Gemini backend embeds.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	if p.gemini == nil {
		return nil, fmt.Errorf("no embedding backend configured: embeddings require a Gemini API key")
	}

	var lastErr error
	for attempt := 0; attempt <= p.retry.MaxRetries; attempt++ {
		vec, err := p.gemini.Embed(ctx, text)
		if err == nil {
			return vec, nil
		}
		lastErr = err

		if !IsRateLimitError(err) || attempt == p.retry.MaxRetries {
			break
		}

		wait := p.retry.CalculateBackoff(attempt, ExtractRetryDelay(err))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil, lastErr
}

// Close releases every configured backend.
func (p *Provider) Close() error {
	if p.claude != nil {
		if err := p.claude.Close(); err != nil {
			return err
		}
	}
	if p.gemini != nil {
		if err := p.gemini.Close(); err != nil {
			return err
		}
	}
	return nil
}

var _ interfaces.LLMProvider = (*Provider)(nil)
