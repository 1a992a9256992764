package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults: a three-agent team
// (planner, executor, reviewer) sharing one OpenAI-compatible backend.
func Default() *Config {
	return &Config{
		Runtime: RuntimeConfig{
			StateDir: "~/.gocrew/state",
		},
		Agents: AgentsConfig{
			Defaults: AgentDefaults{
				Provider:          "openai",
				Model:             "gpt-4o-mini",
				MaxTokens:         4096,
				Temperature:       0.7,
				MaxToolIterations: 20,
				MaxIdleCycles:     30,
				Workspace:         "~/.gocrew/workspace",
			},
			List: map[string]AgentSpec{
				"planner": {
					Role:     "planner",
					AlwaysOn: true,
				},
				"executor": {
					Role: "executor",
				},
				"reviewer": {
					Role:      "reviewer",
					OnlyRoles: []string{"review", "critique"},
				},
			},
		},
		Providers: ProvidersConfig{
			Default:          "openai",
			Strategy:         "preference",
			ProbeIntervalSec: 60,
			List: map[string]ProviderConfig{
				"openai": {
					APIBase:      "https://api.openai.com/v1",
					DefaultModel: "gpt-4o-mini",
				},
			},
		},
		Resilience: ResilienceConfig{
			MaxRetries:         3,
			BackoffBaseSec:     1.0,
			BackoffMaxSec:      30.0,
			BreakerThreshold:   3,
			BreakerCooldownSec: 120,
		},
		Pipeline: PipelineConfig{
			WaitTimeoutSec:   600,
			ProgressEverySec: 30,
			StaleClaimSec:    180,
			StaleReviewSec:   300,
			MaxSubtasks:      3,
		},
		Channels: ChannelsConfig{
			Telegram: TelegramConfig{
				RateLimitRPM: 20,
			},
		},
		Gateway: GatewayConfig{
			Host: "127.0.0.1",
			Port: 18930,
		},
	}
}

// Load reads config from a JSON5 file, overlays a .env file next to it
// (if present), then overlays process env vars. Env always wins.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		// Non-fatal: the daemon runs fine on defaults plus env.
		_ = godotenv.Load(filepath.Join(filepath.Dir(path), ".env"))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	envStr("GOCREW_STATE_DIR", &c.Runtime.StateDir)
	envStr("GOCREW_WORKSPACE", &c.Agents.Defaults.Workspace)
	envStr("GOCREW_PROVIDER", &c.Providers.Default)
	envStr("GOCREW_MODEL", &c.Agents.Defaults.Model)
	envStr("GOCREW_GATEWAY_TOKEN", &c.Gateway.Token)
	envStr("GOCREW_TELEGRAM_TOKEN", &c.Channels.Telegram.Token)
	envStr("GOCREW_GATEWAY_HOST", &c.Gateway.Host)
	if v := os.Getenv("GOCREW_GATEWAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}

	// Auto-enable channels when credentials arrive via env.
	if c.Channels.Telegram.Token != "" {
		c.Channels.Telegram.Enabled = true
	}

	// Per-provider key pools: GOCREW_<NAME>_API_KEY or a comma-separated
	// GOCREW_<NAME>_API_KEYS for credential rotation.
	for name, pc := range c.Providers.List {
		upper := strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
		if v := os.Getenv("GOCREW_" + upper + "_API_KEYS"); v != "" {
			var keys []string
			for _, k := range strings.Split(v, ",") {
				if k = strings.TrimSpace(k); k != "" {
					keys = append(keys, k)
				}
			}
			pc.APIKeys = keys
		} else if v := os.Getenv("GOCREW_" + upper + "_API_KEY"); v != "" {
			pc.APIKeys = []string{v}
		}
		c.Providers.List[name] = pc
	}

	// Budgets
	envFloat := func(key string, dst *float64) {
		if v := os.Getenv(key); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
				*dst = f
			}
		}
	}
	envFloat("GOCREW_BUDGET_DAILY_USD", &c.Budget.DailyUSD)
	envFloat("GOCREW_BUDGET_MONTHLY_USD", &c.Budget.MonthlyUSD)

	// Telemetry
	envStr("GOCREW_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("GOCREW_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("GOCREW_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("GOCREW_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}
}

// Save writes the config to a JSON file. Secret fields are json:"-" so
// they never persist.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// DefaultPath returns the standard config file location.
func DefaultPath() string {
	return ExpandHome("~/.gocrew/config.json")
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
