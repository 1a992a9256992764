package usage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/gocrew/internal/config"
)

func openTracker(t *testing.T, budget config.BudgetConfig) *Tracker {
	t.Helper()
	tr, err := Open(filepath.Join(t.TempDir(), "usage.db"), budget, map[string]float64{
		"openai": 2.0, // $2 per 1M tokens
	})
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })
	return tr
}

func TestRecordAndSummaries(t *testing.T) {
	tr := openTracker(t, config.BudgetConfig{})
	ctx := context.Background()

	tr.Record(ctx, Event{AgentID: "planner", TaskID: "t1", Provider: "openai", Model: "gpt-4o-mini", PromptTokens: 400_000, CompletionTokens: 100_000})
	tr.Record(ctx, Event{AgentID: "executor", TaskID: "t1", Provider: "openai", Model: "gpt-4o-mini", PromptTokens: 100_000, CompletionTokens: 100_000})

	byAgent, err := tr.ByAgent(ctx)
	require.NoError(t, err)
	require.Len(t, byAgent, 2)
	assert.Equal(t, "planner", byAgent[0].Key, "highest spend first")
	assert.InDelta(t, 1.0, byAgent[0].CostUSD, 1e-9) // 500k tokens at $2/M

	byProvider, err := tr.ByProvider(ctx)
	require.NoError(t, err)
	require.Len(t, byProvider, 1)
	assert.Equal(t, 2, byProvider[0].Calls)
	assert.InDelta(t, 1.4, byProvider[0].CostUSD, 1e-9)

	taskCost, err := tr.TaskCost(ctx, "t1")
	require.NoError(t, err)
	assert.InDelta(t, 1.4, taskCost, 1e-9)
}

func TestRecordKeepsCallOutcome(t *testing.T) {
	tr := openTracker(t, config.BudgetConfig{})
	ctx := context.Background()

	tr.Record(ctx, Event{
		AgentID: "executor", Provider: "openai", Model: "gpt-4o-mini",
		LatencyMS: 1234.5, Retries: 3, FailoverUsed: true, Success: false,
	})

	var latency float64
	var retries, failover, success int
	err := tr.db.QueryRowContext(ctx,
		"SELECT latency_ms, retries, failover, success FROM usage_events WHERE agent_id = ?",
		"executor").Scan(&latency, &retries, &failover, &success)
	require.NoError(t, err)
	assert.InDelta(t, 1234.5, latency, 1e-9)
	assert.Equal(t, 3, retries)
	assert.Equal(t, 1, failover)
	assert.Equal(t, 0, success, "failed calls are recorded, not dropped")
}

func TestCostUnknownProviderIsFree(t *testing.T) {
	tr := openTracker(t, config.BudgetConfig{})
	assert.Zero(t, tr.Cost(Event{Provider: "local", PromptTokens: 1000}))
}

func TestDailyBudgetEnforced(t *testing.T) {
	tr := openTracker(t, config.BudgetConfig{DailyUSD: 1.0})
	ctx := context.Background()

	require.NoError(t, tr.CheckBudget(ctx))

	tr.Record(ctx, Event{AgentID: "a", Provider: "openai", PromptTokens: 500_000, CompletionTokens: 0})
	require.ErrorIs(t, tr.CheckBudget(ctx), ErrBudgetExceeded)
}

func TestMonthlyBudgetEnforced(t *testing.T) {
	tr := openTracker(t, config.BudgetConfig{MonthlyUSD: 0.5})
	ctx := context.Background()

	tr.Record(ctx, Event{AgentID: "a", Provider: "openai", PromptTokens: 250_000, CompletionTokens: 0})
	require.ErrorIs(t, tr.CheckBudget(ctx), ErrBudgetExceeded)
}

func TestZeroBudgetsUnlimited(t *testing.T) {
	tr := openTracker(t, config.BudgetConfig{})
	ctx := context.Background()
	tr.Record(ctx, Event{AgentID: "a", Provider: "openai", PromptTokens: 10_000_000, CompletionTokens: 0})
	assert.NoError(t, tr.CheckBudget(ctx))
}

func TestBudgetResetsAcrossDays(t *testing.T) {
	tr := openTracker(t, config.BudgetConfig{DailyUSD: 1.0})
	ctx := context.Background()

	// Spend recorded "yesterday" does not count against today's cap.
	tr.now = func() time.Time { return time.Now().AddDate(0, 0, -1) }
	tr.Record(ctx, Event{AgentID: "a", Provider: "openai", PromptTokens: 500_000, CompletionTokens: 0})

	tr.now = time.Now
	assert.NoError(t, tr.CheckBudget(ctx))
}
