package moderator

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/counsel-ai/counsel/internal/billing"
	"github.com/counsel-ai/counsel/internal/provider"
)

const cleanerPromptTemplate = `You are a careful editor. Remove any explicit requests to include, quote, or
speak in the voice of specific people, personas, or named advisors. Preserve
the intent, meaning, and grammar of the underlying question. Return ONLY the
cleaned question, without quotes or extra commentary.

Remove directives like:
- "please include <NAME>"
- "quote <NAME>"
- "have <NAME> answer"
- "in the style/voice of <NAME>"

Do NOT remove subject references essential to the question's meaning.

Original: `

// Cleaner strips meta-requests from the raw query before it reaches the
// advisors. It fails open: on any error the original query passes through.
type Cleaner struct {
	meter  *billing.Meter
	prov   provider.Provider
	model  string
	logger *zap.Logger
}

// NewCleaner wires an input cleaner.
func NewCleaner(meter *billing.Meter, prov provider.Provider, model string, logger *zap.Logger) *Cleaner {
	return &Cleaner{meter: meter, prov: prov, model: model, logger: logger}
}

// Clean returns the rewritten query, or the original on any failure.
func (c *Cleaner) Clean(ctx context.Context, accountID, query string) string {
	prompt := cleanerPromptTemplate + query

	resp, _, err := c.meter.Invoke(ctx, accountID, c.model, prompt,
		func(ctx context.Context) (*provider.Response, error) {
			return c.prov.Generate(ctx, provider.Request{
				Model:       c.model,
				Prompt:      prompt,
				Temperature: 0,
			})
		})
	if err != nil {
		c.logger.Warn("Input cleaning failed, passing query through unchanged",
			zap.Error(err))
		return query
	}

	cleaned := strings.TrimSpace(strings.Trim(strings.TrimSpace(resp.Text), `"`))
	if cleaned == "" {
		return query
	}
	return cleaned
}
