// Package usage records model spend in a local SQLite database and
// enforces daily/monthly budget caps. Budget exhaustion surfaces as
// ErrBudgetExceeded, which the call layer treats as fatal.
package usage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/gocrew/internal/config"
)

// ErrBudgetExceeded means a spend cap is reached. Never retried.
var ErrBudgetExceeded = errors.New("usage: budget exceeded")

const schema = `
CREATE TABLE IF NOT EXISTS usage_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ts REAL NOT NULL,
	day TEXT NOT NULL,
	month TEXT NOT NULL,
	agent_id TEXT NOT NULL,
	task_id TEXT NOT NULL DEFAULT '',
	provider TEXT NOT NULL,
	model TEXT NOT NULL,
	prompt_tokens INTEGER NOT NULL,
	completion_tokens INTEGER NOT NULL,
	cost_usd REAL NOT NULL,
	latency_ms REAL NOT NULL DEFAULT 0,
	retries INTEGER NOT NULL DEFAULT 0,
	failover INTEGER NOT NULL DEFAULT 0,
	success INTEGER NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_usage_day ON usage_events(day);
CREATE INDEX IF NOT EXISTS idx_usage_month ON usage_events(month);
CREATE INDEX IF NOT EXISTS idx_usage_agent ON usage_events(agent_id);
`

// Event is one model call's terminal outcome: failed calls are recorded
// too, with zero tokens but real latency and retry counts.
type Event struct {
	AgentID          string
	TaskID           string
	Provider         string
	Model            string
	PromptTokens     int
	CompletionTokens int
	LatencyMS        float64
	Retries          int
	FailoverUsed     bool
	Success          bool
}

// Tracker owns the usage database.
type Tracker struct {
	db     *sql.DB
	budget config.BudgetConfig
	rates  map[string]float64 // provider → USD per 1M tokens
	log    *slog.Logger
	now    func() time.Time
}

// Open creates or opens the database at path and applies the schema.
// rates maps provider name to a blended USD cost per million tokens.
func Open(path string, budget config.BudgetConfig, rates map[string]float64) (*Tracker, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create usage dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open usage db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply usage schema: %w", err)
	}
	if rates == nil {
		rates = map[string]float64{}
	}
	return &Tracker{
		db:     db,
		budget: budget,
		rates:  rates,
		log:    slog.Default().With("component", "usage"),
		now:    time.Now,
	}, nil
}

// RatesFromConfig derives the provider rate table.
func RatesFromConfig(pc config.ProvidersConfig) map[string]float64 {
	rates := make(map[string]float64, len(pc.List))
	for name, p := range pc.List {
		rates[name] = p.CostPerMTok
	}
	return rates
}

// Close releases the database handle.
func (t *Tracker) Close() error { return t.db.Close() }

// Cost estimates an event's spend from the provider rate table.
func (t *Tracker) Cost(e Event) float64 {
	return float64(e.PromptTokens+e.CompletionTokens) / 1e6 * t.rates[e.Provider]
}

// Record inserts one event. Accounting failures are logged, not
// propagated: a broken ledger must not fail the model call it follows.
func (t *Tracker) Record(ctx context.Context, e Event) {
	now := t.now()
	_, err := t.db.ExecContext(ctx, `
		INSERT INTO usage_events (ts, day, month, agent_id, task_id, provider, model, prompt_tokens, completion_tokens, cost_usd, latency_ms, retries, failover, success)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		float64(now.UnixNano())/float64(time.Second),
		now.Format("2006-01-02"),
		now.Format("2006-01"),
		e.AgentID, e.TaskID, e.Provider, e.Model,
		e.PromptTokens, e.CompletionTokens, t.Cost(e),
		e.LatencyMS, e.Retries, boolInt(e.FailoverUsed), boolInt(e.Success),
	)
	if err != nil {
		t.log.Error("record usage event", "error", err)
	}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// CheckBudget returns ErrBudgetExceeded when the day or month spend has
// reached its cap. Zero caps are unlimited.
func (t *Tracker) CheckBudget(ctx context.Context) error {
	now := t.now()
	if t.budget.DailyUSD > 0 {
		spent, err := t.spentWhere(ctx, "day", now.Format("2006-01-02"))
		if err != nil {
			return err
		}
		if spent >= t.budget.DailyUSD {
			return fmt.Errorf("daily cap $%.2f reached ($%.2f spent): %w", t.budget.DailyUSD, spent, ErrBudgetExceeded)
		}
	}
	if t.budget.MonthlyUSD > 0 {
		spent, err := t.spentWhere(ctx, "month", now.Format("2006-01"))
		if err != nil {
			return err
		}
		if spent >= t.budget.MonthlyUSD {
			return fmt.Errorf("monthly cap $%.2f reached ($%.2f spent): %w", t.budget.MonthlyUSD, spent, ErrBudgetExceeded)
		}
	}
	return nil
}

func (t *Tracker) spentWhere(ctx context.Context, col, val string) (float64, error) {
	var spent sql.NullFloat64
	err := t.db.QueryRowContext(ctx,
		"SELECT SUM(cost_usd) FROM usage_events WHERE "+col+" = ?", val).Scan(&spent)
	if err != nil {
		return 0, fmt.Errorf("sum usage: %w", err)
	}
	return spent.Float64, nil
}

// Summary is aggregate spend for one grouping key.
type Summary struct {
	Key              string  `json:"key"`
	Calls            int     `json:"calls"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	CostUSD          float64 `json:"cost_usd"`
}

// ByAgent aggregates the current day's usage per agent.
func (t *Tracker) ByAgent(ctx context.Context) ([]Summary, error) {
	return t.groupBy(ctx, "agent_id", "day", t.now().Format("2006-01-02"))
}

// ByProvider aggregates the current month's usage per provider.
func (t *Tracker) ByProvider(ctx context.Context) ([]Summary, error) {
	return t.groupBy(ctx, "provider", "month", t.now().Format("2006-01"))
}

func (t *Tracker) groupBy(ctx context.Context, group, col, val string) ([]Summary, error) {
	rows, err := t.db.QueryContext(ctx, `
		SELECT `+group+`, COUNT(*), SUM(prompt_tokens), SUM(completion_tokens), SUM(cost_usd)
		FROM usage_events WHERE `+col+` = ? GROUP BY `+group+` ORDER BY SUM(cost_usd) DESC`, val)
	if err != nil {
		return nil, fmt.Errorf("query usage: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var s Summary
		if err := rows.Scan(&s.Key, &s.Calls, &s.PromptTokens, &s.CompletionTokens, &s.CostUSD); err != nil {
			return nil, fmt.Errorf("scan usage row: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// TaskCost returns the accumulated spend attributed to one task.
func (t *Tracker) TaskCost(ctx context.Context, taskID string) (float64, error) {
	var spent sql.NullFloat64
	err := t.db.QueryRowContext(ctx,
		"SELECT SUM(cost_usd) FROM usage_events WHERE task_id = ?", taskID).Scan(&spent)
	if err != nil {
		return 0, fmt.Errorf("sum task usage: %w", err)
	}
	return spent.Float64, nil
}
