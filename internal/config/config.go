package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root configuration for the gocrew daemon and workers.
type Config struct {
	Runtime    RuntimeConfig    `json:"runtime"`
	Agents     AgentsConfig     `json:"agents"`
	Providers  ProvidersConfig  `json:"providers"`
	Resilience ResilienceConfig `json:"resilience"`
	Budget     BudgetConfig     `json:"budget"`
	Pipeline   PipelineConfig   `json:"pipeline"`
	Channels   ChannelsConfig   `json:"channels"`
	Gateway    GatewayConfig    `json:"gateway"`
	Cron       []CronJobConfig  `json:"cron,omitempty"`
	Telemetry  TelemetryConfig  `json:"telemetry,omitempty"`
	mu         sync.RWMutex
}

// RuntimeConfig controls the shared state directory and the lazy
// runtime's timing knobs.
type RuntimeConfig struct {
	StateDir        string `json:"state_dir"`                   // root of board/mailbox/context files
	MonitorTickSec  int    `json:"monitor_tick_sec,omitempty"`  // lazy runtime poll interval (default 2)
	IdleEvalSec     int    `json:"idle_eval_sec,omitempty"`     // idle shutdown evaluation window (default 60)
	ShutdownGraceSec int   `json:"shutdown_grace_sec,omitempty"` // mailbox shutdown → SIGTERM delay (default 5)
	KillGraceSec    int    `json:"kill_grace_sec,omitempty"`    // SIGTERM → SIGKILL delay (default 3)
	IdleShutdownSec int    `json:"idle_shutdown_sec,omitempty"` // idle period before on-demand agents stop (default 300)
}

// MonitorTick returns the runtime poll interval as a duration.
func (r RuntimeConfig) MonitorTick() time.Duration {
	return secondsOr(r.MonitorTickSec, 2*time.Second)
}

// IdleEval returns the idle evaluation window.
func (r RuntimeConfig) IdleEval() time.Duration {
	return secondsOr(r.IdleEvalSec, 60*time.Second)
}

// ShutdownGrace returns the polite-shutdown grace period.
func (r RuntimeConfig) ShutdownGrace() time.Duration {
	return secondsOr(r.ShutdownGraceSec, 5*time.Second)
}

// KillGrace returns the SIGTERM to SIGKILL delay.
func (r RuntimeConfig) KillGrace() time.Duration {
	return secondsOr(r.KillGraceSec, 3*time.Second)
}

// IdleShutdown returns how long an on-demand agent may sit idle before
// the lazy runtime stops it.
func (r RuntimeConfig) IdleShutdown() time.Duration {
	return secondsOr(r.IdleShutdownSec, 300*time.Second)
}

func secondsOr(n int, def time.Duration) time.Duration {
	if n > 0 {
		return time.Duration(n) * time.Second
	}
	return def
}

// AgentsConfig contains agent defaults and the team roster.
type AgentsConfig struct {
	Defaults AgentDefaults        `json:"defaults"`
	List     map[string]AgentSpec `json:"list,omitempty"`
}

// AgentDefaults are the settings every agent inherits.
type AgentDefaults struct {
	Provider          string   `json:"provider"`
	Model             string   `json:"model"`
	FallbackModels    []string `json:"fallback_models,omitempty"` // tried in order when the model itself fails
	MaxTokens         int      `json:"max_tokens"`
	Temperature       float64  `json:"temperature"`
	MaxToolIterations int      `json:"max_tool_iterations"`
	MaxIdleCycles     int      `json:"max_idle_cycles"`
	Workspace         string   `json:"workspace"`
}

// AgentSpec is one team member. Zero values inherit from defaults.
type AgentSpec struct {
	Role           string   `json:"role"`                      // planner, executor, reviewer
	Provider       string   `json:"provider,omitempty"`
	Model          string   `json:"model,omitempty"`
	FallbackModels []string `json:"fallback_models,omitempty"`
	AlwaysOn       bool     `json:"always_on,omitempty"`       // never shut down when idle
	OnlyRoles      []string `json:"only_roles,omitempty"`      // restricted-claim set
	MaxTokens      int      `json:"max_tokens,omitempty"`
	Temperature    float64  `json:"temperature,omitempty"`
	SystemPrompt   string   `json:"system_prompt,omitempty"`
	Reputation     int      `json:"reputation,omitempty"`
}

// ProvidersConfig holds the model backends, all OpenAI-compatible HTTP.
type ProvidersConfig struct {
	// Default is the provider tried first; Fallbacks are tried in order
	// when the default's circuit is open or its retries are exhausted.
	Default          string                    `json:"default"`
	Fallbacks        []string                  `json:"fallbacks,omitempty"`
	Strategy         string                    `json:"strategy,omitempty"`           // latency, cost, preference, round_robin
	ProbeIntervalSec int                       `json:"probe_interval_sec,omitempty"` // health-probe cadence, 0 disables
	List             map[string]ProviderConfig `json:"list"`
}

// ProbeInterval returns the provider health-probe cadence. Zero means
// probing is disabled.
func (p ProvidersConfig) ProbeInterval() time.Duration {
	if p.ProbeIntervalSec > 0 {
		return time.Duration(p.ProbeIntervalSec) * time.Second
	}
	return 0
}

// ProviderConfig is one model backend. APIKeys holds the rotation pool;
// keys are only ever read from the environment, never persisted.
type ProviderConfig struct {
	APIBase      string              `json:"api_base"`
	APIKeys      FlexibleStringSlice `json:"-"`
	DefaultModel string              `json:"default_model"`
	Models       FlexibleStringSlice `json:"models,omitempty"`
	CostPerMTok  float64             `json:"cost_per_mtok,omitempty"` // blended USD estimate for the cost strategy
	TimeoutSec   int                 `json:"timeout_sec,omitempty"`
}

// ResilienceConfig tunes the retry/breaker layer around model calls.
type ResilienceConfig struct {
	MaxRetries       int     `json:"max_retries,omitempty"`       // default 3
	BackoffBaseSec   float64 `json:"backoff_base_sec,omitempty"`  // default 1.0
	BackoffMaxSec    float64 `json:"backoff_max_sec,omitempty"`   // default 30.0
	BreakerThreshold int     `json:"breaker_threshold,omitempty"` // consecutive failures to open (default 3)
	BreakerCooldownSec int   `json:"breaker_cooldown_sec,omitempty"` // default 120
}

// BudgetConfig caps model spend. Zero means unlimited.
type BudgetConfig struct {
	DailyUSD   float64 `json:"daily_usd,omitempty"`
	MonthlyUSD float64 `json:"monthly_usd,omitempty"`
	DBPath     string  `json:"db_path,omitempty"` // default <state_dir>/usage.db
}

// PipelineConfig tunes orchestration timing.
type PipelineConfig struct {
	WaitTimeoutSec   int `json:"wait_timeout_sec,omitempty"`   // default 600
	ProgressEverySec int `json:"progress_every_sec,omitempty"` // default 30
	StaleClaimSec    int `json:"stale_claim_sec,omitempty"`    // default 180
	StaleReviewSec   int `json:"stale_review_sec,omitempty"`   // default 300
	MaxSubtasks      int `json:"max_subtasks,omitempty"`       // default 3
}

// WaitTimeout returns how long the orchestrator waits for a root task.
func (p PipelineConfig) WaitTimeout() time.Duration {
	return secondsOr(p.WaitTimeoutSec, 600*time.Second)
}

// ProgressEvery returns the progress-notification cadence during a wait.
func (p PipelineConfig) ProgressEvery() time.Duration {
	return secondsOr(p.ProgressEverySec, 30*time.Second)
}

// StaleClaim returns the claim-abandonment threshold.
func (p PipelineConfig) StaleClaim() time.Duration {
	return secondsOr(p.StaleClaimSec, 180*time.Second)
}

// StaleReview returns the stuck-review threshold.
func (p PipelineConfig) StaleReview() time.Duration {
	return secondsOr(p.StaleReviewSec, 300*time.Second)
}

// SubtaskCap returns the maximum number of sub-tasks per planner pass.
func (p PipelineConfig) SubtaskCap() int {
	if p.MaxSubtasks > 0 {
		return p.MaxSubtasks
	}
	return 3
}

// ChannelsConfig wires inbound/outbound user surfaces.
type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram,omitempty"`
}

// TelegramConfig configures the Telegram channel. Token from env only.
type TelegramConfig struct {
	Enabled      bool     `json:"enabled,omitempty"`
	Token        string   `json:"-"`
	AllowedUsers []string `json:"allowed_users,omitempty"`
	RateLimitRPM int      `json:"rate_limit_rpm,omitempty"` // default 20
}

// GatewayConfig configures the local status/WebSocket endpoint.
type GatewayConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Host    string `json:"host,omitempty"`
	Port    int    `json:"port,omitempty"`
	Token   string `json:"-"` // from env only
}

// Addr returns the gateway listen address.
func (g GatewayConfig) Addr() string {
	host := g.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port := g.Port
	if port == 0 {
		port = 18930
	}
	return fmt.Sprintf("%s:%d", host, port)
}

// CronJobConfig is one scheduled task submission.
type CronJobConfig struct {
	Name     string `json:"name"`
	Schedule string `json:"schedule"` // standard cron expression
	Prompt   string `json:"prompt"`
	Role     string `json:"role,omitempty"`
}

// TelemetryConfig configures OTLP trace export.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"`
	Insecure    bool              `json:"insecure,omitempty"`
	ServiceName string            `json:"service_name,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Runtime = src.Runtime
	c.Agents = src.Agents
	c.Providers = src.Providers
	c.Resilience = src.Resilience
	c.Budget = src.Budget
	c.Pipeline = src.Pipeline
	c.Channels = src.Channels
	c.Gateway = src.Gateway
	c.Cron = src.Cron
	c.Telemetry = src.Telemetry
}

// StateDir returns the expanded state directory.
func (c *Config) StateDir() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.Runtime.StateDir)
}

// UsageDBPath returns the usage database location.
func (c *Config) UsageDBPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Budget.DBPath != "" {
		return ExpandHome(c.Budget.DBPath)
	}
	return filepath.Join(ExpandHome(c.Runtime.StateDir), "usage.db")
}

// ResolveAgent returns the effective settings for one agent, merging the
// roster entry over the defaults.
func (c *Config) ResolveAgent(agentID string) (AgentDefaults, AgentSpec) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	d := c.Agents.Defaults
	spec, ok := c.Agents.List[agentID]
	if !ok {
		return d, AgentSpec{Role: "executor"}
	}
	if spec.Provider != "" {
		d.Provider = spec.Provider
	}
	if spec.Model != "" {
		d.Model = spec.Model
	}
	if len(spec.FallbackModels) > 0 {
		d.FallbackModels = spec.FallbackModels
	}
	if spec.MaxTokens > 0 {
		d.MaxTokens = spec.MaxTokens
	}
	if spec.Temperature > 0 {
		d.Temperature = spec.Temperature
	}
	return d, spec
}

// AgentIDs returns the configured roster in stable order: always-on
// agents first, then the rest.
func (c *Config) AgentIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var alwaysOn, rest []string
	for id, spec := range c.Agents.List {
		if spec.AlwaysOn {
			alwaysOn = append(alwaysOn, id)
		} else {
			rest = append(rest, id)
		}
	}
	sort.Strings(alwaysOn)
	sort.Strings(rest)
	return append(alwaysOn, rest...)
}
