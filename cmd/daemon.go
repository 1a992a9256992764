package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/gocrew/internal/board"
	"github.com/nextlevelbuilder/gocrew/internal/channels"
	"github.com/nextlevelbuilder/gocrew/internal/channels/telegram"
	"github.com/nextlevelbuilder/gocrew/internal/cron"
	"github.com/nextlevelbuilder/gocrew/internal/gateway"
	"github.com/nextlevelbuilder/gocrew/internal/orchestrator"
	"github.com/nextlevelbuilder/gocrew/internal/runtime"
	"github.com/nextlevelbuilder/gocrew/internal/tracing"
)

func daemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the supervisor: worker runtime, channels, cron and gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context())
		},
	}
}

// runDaemon wires the whole supervisor process and blocks until a
// termination signal arrives.
func runDaemon(parent context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := slog.Default().With("component", "daemon")

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	traceShutdown, err := tracing.Init(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := traceShutdown(sctx); err != nil {
			log.Warn("trace exporter shutdown", "error", err)
		}
	}()

	st, err := openState(cfg)
	if err != nil {
		return err
	}
	caller, router, tracker, err := buildCaller(cfg)
	if err != nil {
		return err
	}
	defer tracker.Close()

	if iv := cfg.Providers.ProbeInterval(); iv > 0 {
		go caller.RunProbes(ctx, iv)
	}

	orch := orchestrator.New(st.board, st.bus, st.wake, cfg)

	proc := runtime.NewProcess(cfg, st.mail, runtime.WorkerCommand(resolveConfigPath()))
	lazy := runtime.NewLazy(proc, cfg, st.board)
	if err := lazy.StartAll(ctx); err != nil {
		return fmt.Errorf("start always-on agents: %w", err)
	}
	go lazy.Monitor(ctx)

	mgr := channels.NewManager(orch)
	mgr.Register(channels.NewConsole(nil))
	if cfg.Channels.Telegram.Enabled {
		tg, err := telegram.New(cfg.Channels.Telegram, mgr, statusLine(st))
		if err != nil {
			return fmt.Errorf("telegram channel: %w", err)
		}
		mgr.Register(tg)
	}
	if err := mgr.StartAll(ctx); err != nil {
		return fmt.Errorf("start channels: %w", err)
	}

	if cfg.Gateway.Enabled {
		srv := gateway.NewServer(cfg, st.board, st.heart, caller, router)
		go func() {
			if err := srv.Start(ctx); err != nil {
				log.Error("gateway stopped", "error", err)
			}
		}()
	}

	if len(cfg.Cron) > 0 {
		go cron.New(cfg.Cron, orch).Run(ctx)
	}

	log.Info("daemon up",
		"state_dir", cfg.StateDir(),
		"agents", len(cfg.AgentIDs()),
		"gateway", cfg.Gateway.Enabled,
		"telegram", cfg.Channels.Telegram.Enabled)

	<-ctx.Done()
	log.Info("shutting down")

	sctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	mgr.StopAll(sctx)
	if err := lazy.StopAll(sctx); err != nil {
		log.Warn("stopping workers", "error", err)
	}
	return nil
}

// statusLine summarizes board and agent state for the /status command.
func statusLine(st *state) func(ctx context.Context) string {
	return func(ctx context.Context) string {
		tasks, err := st.board.List()
		if err != nil {
			return "Status unavailable: " + err.Error()
		}
		counts := map[board.Status]int{}
		for _, t := range tasks {
			counts[t.Status]++
		}
		online := 0
		if beats, err := st.heart.All(); err == nil {
			for _, b := range beats {
				if b.Online() {
					online++
				}
			}
		}
		return fmt.Sprintf("Agents online: %d. Tasks: %d pending, %d active, %d review, %d completed, %d failed.",
			online,
			counts[board.StatusPending],
			counts[board.StatusClaimed],
			counts[board.StatusReview]+counts[board.StatusCritique]+counts[board.StatusSynthesizing],
			counts[board.StatusCompleted],
			counts[board.StatusFailed])
	}
}
