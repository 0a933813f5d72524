package workers

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/quill/internal/interfaces"
	"github.com/ternarybob/quill/internal/models"
)

var (
	markdownMarkerRe = regexp.MustCompile(`(?m)^#{1,6}\s+|[*_]{1,2}([^*_]+)[*_]{1,2}`)
	htmlTagRe        = regexp.MustCompile(`<[^>]+>`)
)

// ConversionWorker converts an artifact between formats, preferring the
// LLM and falling back to mechanical marker stripping.
type ConversionWorker struct {
	llm    interfaces.LLMProvider
	logger arbor.ILogger
}

// NewConversionWorker creates the conversion worker.
func NewConversionWorker(llm interfaces.LLMProvider, logger arbor.ILogger) *ConversionWorker {
	return &ConversionWorker{llm: llm, logger: logger}
}

func (w *ConversionWorker) Type() models.JobType { return models.JobTypeConversion }
func (w *ConversionWorker) Concurrency() int     { return 2 }

func (w *ConversionWorker) Process(ctx context.Context, payload models.JobPayload, report ProgressFunc) (map[string]interface{}, error) {
	p, ok := payload.(models.ConversionPayload)
	if !ok {
		return nil, Permanent(fmt.Errorf("unexpected payload variant %T", payload))
	}
	if strings.EqualFold(p.FromFormat, p.ToFormat) {
		return map[string]interface{}{
			"convertedContent": p.Content,
			"fromFormat":       p.FromFormat,
			"toFormat":         p.ToFormat,
		}, nil
	}

	report(30, "Converting content", nil)

	prompt := fmt.Sprintf(`Convert the following content from %s to %s. Preserve all meaning. Return only the converted content.

%s`, p.FromFormat, p.ToFormat, p.Content)

	converted, err := w.llm.Complete(ctx, &interfaces.CompletionRequest{
		Prompt: prompt,
		Family: interfaces.FamilyOpenAI,
	})
	fallback := false
	if err != nil || strings.TrimSpace(converted) == "" {
		if err != nil {
			w.logger.Debug().Err(err).Msg("Conversion LLM call failed, stripping markers")
		}
		converted = mechanicalConvert(p.Content, p.ToFormat)
		fallback = true
	}

	result := map[string]interface{}{
		"convertedContent": strings.TrimSpace(converted),
		"fromFormat":       p.FromFormat,
		"toFormat":         p.ToFormat,
	}
	if fallback {
		result["metadata"] = map[string]interface{}{"fallback": true}
	}
	return result, nil
}

// mechanicalConvert strips source-format markers as a lossy fallback.
func mechanicalConvert(content, toFormat string) string {
	out := htmlTagRe.ReplaceAllString(content, "")
	if strings.Contains(strings.ToLower(toFormat), "txt") || strings.Contains(strings.ToLower(toFormat), "plain") {
		out = markdownMarkerRe.ReplaceAllString(out, "$1")
	}
	return out
}
