// Package pricing converts model token usage into billable cost.
//
// All money is handled in integer tenths of cents (1/1000 USD) and all
// intermediate arithmetic uses exact decimals. Costs here are debited from
// real accounts, so floating point rounding is not acceptable.
package pricing

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/counsel-ai/counsel/internal/metrics"
)

// ErrUnsupportedModel is returned when a model has no entry in the rate table.
var ErrUnsupportedModel = errors.New("model not found in pricing table")

// tokensPerUnit is the denominator of the published rates (USD per 1M tokens).
var tokensPerUnit = decimal.NewFromInt(1_000_000)

// tenthsPerUSD converts USD to the ledger unit.
var tenthsPerUSD = decimal.NewFromInt(1000)

// ModelRate holds the per-model rates in USD per 1M tokens.
type ModelRate struct {
	InputUSDPer1M  decimal.Decimal
	OutputUSDPer1M decimal.Decimal
}

type rateFile struct {
	Markup float64 `yaml:"markup"`
	Models map[string]struct {
		InputUSDPer1M  float64 `yaml:"input_usd_per_1m"`
		OutputUSDPer1M float64 `yaml:"output_usd_per_1m"`
	} `yaml:"models"`
}

// Calculator computes invocation cost from a static rate table.
type Calculator struct {
	mu     sync.RWMutex
	rates  map[string]ModelRate
	markup decimal.Decimal
	logger *zap.Logger
}

// NewCalculator builds a calculator from an explicit rate table. The markup
// multiplier is applied to every computed cost.
func NewCalculator(rates map[string]ModelRate, markup float64, logger *zap.Logger) *Calculator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Calculator{
		rates:  rates,
		markup: decimal.NewFromFloat(markup),
		logger: logger,
	}
}

// LoadCalculator reads the rate table from a YAML file.
func LoadCalculator(path string, logger *zap.Logger) (*Calculator, error) {
	rates, markup, err := loadRateFile(path)
	if err != nil {
		return nil, err
	}
	return NewCalculator(rates, markup, logger), nil
}

func loadRateFile(path string) (map[string]ModelRate, float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, fmt.Errorf("read pricing table: %w", err)
	}
	var rf rateFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, 0, fmt.Errorf("parse pricing table: %w", err)
	}
	if rf.Markup <= 0 {
		rf.Markup = 1.0
	}
	rates := make(map[string]ModelRate, len(rf.Models))
	for model, r := range rf.Models {
		if r.InputUSDPer1M < 0 || r.OutputUSDPer1M < 0 {
			return nil, 0, fmt.Errorf("negative rate for model %q", model)
		}
		rates[model] = ModelRate{
			InputUSDPer1M:  decimal.NewFromFloat(r.InputUSDPer1M),
			OutputUSDPer1M: decimal.NewFromFloat(r.OutputUSDPer1M),
		}
	}
	return rates, rf.Markup, nil
}

// Supported reports whether the model has a configured rate.
func (c *Calculator) Supported(model string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.rates[model]
	return ok
}

// Cost returns the billable cost in tenths of cents for the given token
// counts, rounded half-up to the smallest unit. Unknown models fail with
// ErrUnsupportedModel.
func (c *Calculator) Cost(model string, inputTokens, outputTokens int64) (int64, error) {
	c.mu.RLock()
	rate, ok := c.rates[model]
	markup := c.markup
	c.mu.RUnlock()
	if !ok {
		metrics.PricingFallbacks.WithLabelValues("unknown_model").Inc()
		return 0, fmt.Errorf("%w: %s", ErrUnsupportedModel, model)
	}
	if inputTokens < 0 {
		inputTokens = 0
	}
	if outputTokens < 0 {
		outputTokens = 0
	}

	inputUSD := decimal.NewFromInt(inputTokens).Div(tokensPerUnit).Mul(rate.InputUSDPer1M)
	outputUSD := decimal.NewFromInt(outputTokens).Div(tokensPerUnit).Mul(rate.OutputUSDPer1M)
	totalUSD := inputUSD.Add(outputUSD).Mul(markup)

	// Round(0) on the tenths value is half away from zero; amounts are
	// non-negative here so this is round-half-up.
	return totalUSD.Mul(tenthsPerUSD).Round(0).IntPart(), nil
}

// Reload re-reads the rate table from disk, replacing the current rates.
func (c *Calculator) Reload(path string) error {
	rates, markup, err := loadRateFile(path)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.rates = rates
	c.markup = decimal.NewFromFloat(markup)
	c.mu.Unlock()
	c.logger.Info("Reloaded pricing table",
		zap.String("path", path),
		zap.Int("models", len(rates)))
	return nil
}

// Watch reloads the rate table whenever the file changes. It blocks until
// the watcher fails or stopCh closes, so run it in its own goroutine.
func (c *Calculator) Watch(path string, stopCh <-chan struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create pricing watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		return fmt.Errorf("watch pricing table: %w", err)
	}

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := c.Reload(path); err != nil {
				c.logger.Warn("Pricing table reload failed, keeping previous rates",
					zap.Error(err))
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			c.logger.Warn("Pricing watcher error", zap.Error(err))
		case <-stopCh:
			return nil
		}
	}
}
