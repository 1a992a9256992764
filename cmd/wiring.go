package cmd

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/nextlevelbuilder/gocrew/internal/board"
	"github.com/nextlevelbuilder/gocrew/internal/config"
	"github.com/nextlevelbuilder/gocrew/internal/contextbus"
	"github.com/nextlevelbuilder/gocrew/internal/heartbeat"
	"github.com/nextlevelbuilder/gocrew/internal/mailbox"
	"github.com/nextlevelbuilder/gocrew/internal/providers"
	"github.com/nextlevelbuilder/gocrew/internal/resilience"
	"github.com/nextlevelbuilder/gocrew/internal/usage"
	"github.com/nextlevelbuilder/gocrew/internal/wakeup"
)

// state bundles the handles on the shared state directory.
type state struct {
	cfg   *config.Config
	board *board.Board
	bus   *contextbus.Bus
	mail  *mailbox.Box
	wake  *wakeup.Bus
	heart *heartbeat.Monitor
}

// openState opens every file-backed primitive under the state dir.
func openState(cfg *config.Config) (*state, error) {
	dir := cfg.StateDir()
	b, err := board.Open(dir, boardOptions(cfg))
	if err != nil {
		return nil, fmt.Errorf("open board: %w", err)
	}
	bus, err := contextbus.Open(dir)
	if err != nil {
		return nil, fmt.Errorf("open context bus: %w", err)
	}
	mail, err := mailbox.Open(filepath.Join(dir, "mailboxes"))
	if err != nil {
		return nil, fmt.Errorf("open mailboxes: %w", err)
	}
	wake, err := wakeup.New(filepath.Join(dir, "task_signals"))
	if err != nil {
		return nil, fmt.Errorf("open wakeup bus: %w", err)
	}
	heart, err := heartbeat.Open(filepath.Join(dir, "heartbeats"))
	if err != nil {
		return nil, fmt.Errorf("open heartbeats: %w", err)
	}
	return &state{cfg: cfg, board: b, bus: bus, mail: mail, wake: wake, heart: heart}, nil
}

// boardOptions derives claim routing from the configured roster:
// restricted agents claim only their listed roles, planner-role work
// goes only to planner-role agents.
func boardOptions(cfg *config.Config) board.Options {
	opts := board.Options{
		RoleAgents:       map[string][]string{},
		RestrictedAgents: map[string][]string{},
		StaleClaim:       cfg.Pipeline.StaleClaim(),
		StaleReview:      cfg.Pipeline.StaleReview(),
	}
	for _, id := range cfg.AgentIDs() {
		_, spec := cfg.ResolveAgent(id)
		if len(spec.OnlyRoles) > 0 {
			opts.RestrictedAgents[id] = spec.OnlyRoles
			for _, role := range spec.OnlyRoles {
				role = strings.ToLower(role)
				opts.RoleAgents[role] = append(opts.RoleAgents[role], id)
			}
		}
		if strings.EqualFold(spec.Role, "planner") {
			opts.RoleAgents["planner"] = append(opts.RoleAgents["planner"], id)
			opts.RoleAgents["plan"] = append(opts.RoleAgents["plan"], id)
		}
	}
	return opts
}

// buildCaller wires the provider registry, selection router, usage
// tracker and resilient caller.
func buildCaller(cfg *config.Config) (*resilience.Caller, *resilience.Router, *usage.Tracker, error) {
	registry, err := providers.NewRegistry(cfg.Providers)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("build providers: %w", err)
	}
	router := resilience.NewRouter(cfg.Providers)
	tracker, err := usage.Open(cfg.UsageDBPath(), cfg.Budget, usage.RatesFromConfig(cfg.Providers))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open usage tracker: %w", err)
	}
	caller := resilience.NewCaller(registry, router, tracker, resilience.OptionsFromConfig(cfg.Resilience))
	return caller, router, tracker, nil
}
