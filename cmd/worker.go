package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/gocrew/internal/agent"
	"github.com/nextlevelbuilder/gocrew/internal/config"
	"github.com/nextlevelbuilder/gocrew/internal/orchestrator"
	"github.com/nextlevelbuilder/gocrew/internal/tools"
)

// workerCmd is the hidden entrypoint the daemon re-execs for each agent.
func workerCmd() *cobra.Command {
	var agentID string
	cmd := &cobra.Command{
		Use:    "worker",
		Short:  "Run a single agent worker (spawned by the daemon)",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if agentID == "" {
				return fmt.Errorf("--agent is required")
			}
			return runWorker(cmd, agentID)
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "agent id from the configured roster")
	return cmd
}

func runWorker(cmd *cobra.Command, agentID string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openState(cfg)
	if err != nil {
		return err
	}
	caller, _, tracker, err := buildCaller(cfg)
	if err != nil {
		return err
	}
	defer tracker.Close()

	defaults, _ := cfg.ResolveAgent(agentID)
	registry := buildToolRegistry(cfg, agentID, st, defaults.Workspace)

	closeouts, err := orchestrator.OpenCloseouts(cfg.StateDir())
	if err != nil {
		return fmt.Errorf("open closeouts: %w", err)
	}
	synth := orchestrator.NewSynthesizer(st.board, st.bus, closeouts, caller, registry, cfg)

	w := agent.New(agentID, cfg, agent.Deps{
		Board:  st.board,
		Bus:    st.bus,
		Mail:   st.mail,
		Wake:   st.wake,
		Heart:  st.heart,
		Caller: caller,
		Tools:  registry,
		Synth:  synth,
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return w.Run(ctx)
}

// buildToolRegistry assembles the built-in tool set for one agent,
// rooted in its configured workspace.
func buildToolRegistry(cfg *config.Config, agentID string, st *state, workspace string) *tools.Registry {
	if workspace == "" {
		workspace = filepath.Join(cfg.StateDir(), "workspace")
	} else {
		workspace = config.ExpandHome(workspace)
	}
	auditPath := filepath.Join(cfg.StateDir(), "logs", "tool_audit.log")

	registry := tools.NewRegistry(auditPath)
	registry.Register(tools.NewExecTool(workspace))
	registry.Register(tools.NewReadFileTool(workspace))
	registry.Register(tools.NewWriteFileTool(workspace))
	registry.Register(tools.NewListDirTool(workspace))
	registry.Register(tools.NewPublishContextTool(agentID, st.bus))
	return registry
}
