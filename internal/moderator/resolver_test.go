package moderator

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/counsel-ai/counsel/internal/advisors"
	"github.com/counsel-ai/counsel/internal/billing"
	"github.com/counsel-ai/counsel/internal/ledger"
	"github.com/counsel-ai/counsel/internal/models"
	"github.com/counsel-ai/counsel/internal/provider"
	"github.com/counsel-ai/counsel/internal/usage"
)

type stubLedger struct{ balance int64 }

func (s *stubLedger) HasSufficient(context.Context, string, int64) (bool, error) {
	return s.balance > billing.DefaultFloorTenths, nil
}

func (s *stubLedger) ApplyDelta(_ context.Context, accountID string, delta int64) (*ledger.Account, error) {
	s.balance += delta
	return &ledger.Account{AccountID: accountID, Balance: s.balance}, nil
}

type stubRecorder struct{}

func (stubRecorder) Record(context.Context, usage.Record) error { return nil }

type stubCalculator struct{}

func (stubCalculator) Cost(string, int64, int64) (int64, error) { return 1, nil }

// scriptedProvider returns canned responses or errors in order.
type scriptedProvider struct {
	responses []string
	errs      []error
	calls     int
}

func (p *scriptedProvider) Generate(_ context.Context, _ provider.Request) (*provider.Response, error) {
	i := p.calls
	p.calls++
	if i < len(p.errs) && p.errs[i] != nil {
		return nil, p.errs[i]
	}
	if i >= len(p.responses) {
		return nil, errors.New("no scripted response")
	}
	return &provider.Response{
		Text:  p.responses[i],
		Usage: &provider.TokenUsage{InputTokens: 10, OutputTokens: 10},
	}, nil
}

func (p *scriptedProvider) GenerateStream(context.Context, provider.Request) (<-chan provider.Chunk, error) {
	return nil, errors.New("not scripted")
}

func testRegistry() *advisors.Registry {
	return advisors.NewRegistry([]advisors.Profile{
		{Key: "generalist", DisplayName: "Generalist Advisor", Description: "Balanced guidance"},
		{Key: "stoic", DisplayName: "The Stoic", Description: "Virtue ethics"},
		{Key: "risk_analyst", DisplayName: "Risk Analyst", Description: "Uncertainty"},
	}, zap.NewNop())
}

func newResolver(prov provider.Provider, maxTasks int) *Resolver {
	meter := billing.NewMeter(&stubLedger{balance: 1000}, stubRecorder{}, stubCalculator{}, zap.NewNop())
	return NewResolver(testRegistry(), meter, prov, "model-x", maxTasks, zap.NewNop())
}

func TestSelectParsesDecision(t *testing.T) {
	prov := &scriptedProvider{responses: []string{
		`{"predefined": ["stoic"], "synthesized": [{"name": "Career Coach", "description": "Job changes"}], "rationale": "mixed panel"}`,
	}}
	r := newResolver(prov, 5)

	specs, meta := r.Select(context.Background(), "acct-1", "Should I switch jobs?", nil)
	require.Len(t, specs, 2)
	assert.Equal(t, models.OriginPredefined, specs[0].Origin)
	assert.Equal(t, "stoic", specs[0].TaskID)
	assert.Equal(t, models.OriginSynthesized, specs[1].Origin)
	assert.Equal(t, "synthesized-1-career-coach", specs[1].TaskID)
	assert.Equal(t, "mixed panel", meta["rationale"])
}

func TestSelectDecisionFailureReturnsExactlyOneFallback(t *testing.T) {
	prov := &scriptedProvider{errs: []error{errors.New("provider down")}}
	r := newResolver(prov, 5)

	specs, meta := r.Select(context.Background(), "acct-1", "anything", nil)
	require.Len(t, specs, 1)
	assert.Equal(t, advisors.GeneralistKey, specs[0].Key)
	assert.NotEmpty(t, meta["fallback"])
}

func TestSelectUnparseableDecisionFallsBack(t *testing.T) {
	prov := &scriptedProvider{responses: []string{"I think the stoic would be great here!"}}
	r := newResolver(prov, 5)

	specs, _ := r.Select(context.Background(), "acct-1", "anything", nil)
	require.Len(t, specs, 1)
	assert.Equal(t, advisors.GeneralistKey, specs[0].Key)
}

func TestSelectDropsUnknownKeysWithoutFailing(t *testing.T) {
	prov := &scriptedProvider{responses: []string{
		`{"predefined": ["stoic", "alchemist"], "rationale": "r"}`,
	}}
	r := newResolver(prov, 5)

	specs, _ := r.Select(context.Background(), "acct-1", "anything", nil)
	require.Len(t, specs, 1)
	assert.Equal(t, "stoic", specs[0].TaskID)
}

func TestSelectEmptyDecisionFallsBack(t *testing.T) {
	prov := &scriptedProvider{responses: []string{
		`{"predefined": [], "synthesized": [], "rationale": "nothing fits"}`,
	}}
	r := newResolver(prov, 5)

	specs, _ := r.Select(context.Background(), "acct-1", "anything", nil)
	require.Len(t, specs, 1)
	assert.Equal(t, advisors.GeneralistKey, specs[0].Key)
}

func TestSelectTruncatesPreservingOrder(t *testing.T) {
	synth := `{"name": "Role %d", "description": "d"}`
	resp := `{"predefined": ["stoic", "risk_analyst"], "synthesized": [` +
		fmt.Sprintf(synth, 1) + `,` + fmt.Sprintf(synth, 2) + `,` + fmt.Sprintf(synth, 3) +
		`], "rationale": "big panel"}`
	prov := &scriptedProvider{responses: []string{resp}}
	r := newResolver(prov, 3)

	specs, meta := r.Select(context.Background(), "acct-1", "anything", nil)
	require.Len(t, specs, 3)
	assert.Equal(t, "stoic", specs[0].TaskID)
	assert.Equal(t, "risk_analyst", specs[1].TaskID)
	assert.Equal(t, "Role 1", specs[2].DisplayName)
	assert.NotEmpty(t, meta["truncated"])
}

func TestSelectStripsCodeFences(t *testing.T) {
	prov := &scriptedProvider{responses: []string{
		"```json\n{\"predefined\": [\"stoic\"], \"rationale\": \"r\"}\n```",
	}}
	r := newResolver(prov, 5)

	specs, _ := r.Select(context.Background(), "acct-1", "anything", nil)
	require.Len(t, specs, 1)
	assert.Equal(t, "stoic", specs[0].TaskID)
}

func TestCleanerFailsOpen(t *testing.T) {
	meter := billing.NewMeter(&stubLedger{balance: 1000}, stubRecorder{}, stubCalculator{}, zap.NewNop())
	prov := &scriptedProvider{errs: []error{errors.New("provider down")}}
	c := NewCleaner(meter, prov, "model-x", zap.NewNop())

	out := c.Clean(context.Background(), "acct-1", "Should I move? Please include Seneca")
	assert.Equal(t, "Should I move? Please include Seneca", out)
}

func TestCleanerStripsQuotes(t *testing.T) {
	meter := billing.NewMeter(&stubLedger{balance: 1000}, stubRecorder{}, stubCalculator{}, zap.NewNop())
	prov := &scriptedProvider{responses: []string{"\"Should I move?\"\n"}}
	c := NewCleaner(meter, prov, "model-x", zap.NewNop())

	out := c.Clean(context.Background(), "acct-1", "Should I move? Please include Seneca")
	assert.Equal(t, "Should I move?", out)
}
