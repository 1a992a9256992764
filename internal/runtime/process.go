package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/nextlevelbuilder/gocrew/internal/config"
	"github.com/nextlevelbuilder/gocrew/internal/mailbox"
)

// CommandFunc builds the command that runs one agent's worker.
type CommandFunc func(agentID string) *exec.Cmd

// WorkerCommand re-execs the current binary in worker mode. configPath
// may be empty when the worker should run on defaults plus env.
func WorkerCommand(configPath string) CommandFunc {
	return func(agentID string) *exec.Cmd {
		exe, err := os.Executable()
		if err != nil {
			exe = "gocrew"
		}
		args := []string{"worker", "--agent", agentID}
		if configPath != "" {
			args = append(args, "--config", configPath)
		}
		return exec.Command(exe, args...)
	}
}

type proc struct {
	cmd  *exec.Cmd
	done chan struct{}
}

func (p *proc) alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Process runs one OS process per agent and owns the shutdown
// escalation: mailbox message, SIGTERM, SIGKILL.
type Process struct {
	cfg     *config.Config
	mail    *mailbox.Box
	command CommandFunc
	log     *slog.Logger

	mu    sync.Mutex
	procs map[string]*proc
}

// NewProcess builds a process runtime. command decides how workers are
// launched; WorkerCommand is the production choice.
func NewProcess(cfg *config.Config, mail *mailbox.Box, command CommandFunc) *Process {
	return &Process{
		cfg:     cfg,
		mail:    mail,
		command: command,
		log:     slog.Default().With("component", "runtime"),
		procs:   map[string]*proc{},
	}
}

// Start launches the agent's worker process, with stdout and stderr
// appended to logs/<agent_id>.log under the state dir.
func (r *Process) Start(ctx context.Context, agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.procs[agentID]; ok && p.alive() {
		return nil
	}

	cmd := r.command(agentID)
	if out, err := r.openLog(agentID); err == nil {
		cmd.Stdout = out
		cmd.Stderr = out
	} else {
		r.log.Warn("worker log unavailable, discarding output", "agent", agentID, "error", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start worker %s: %w", agentID, err)
	}

	p := &proc{cmd: cmd, done: make(chan struct{})}
	r.procs[agentID] = p
	go func() {
		_ = cmd.Wait()
		if c, ok := cmd.Stdout.(*os.File); ok {
			_ = c.Close()
		}
		close(p.done)
	}()
	r.log.Info("worker launched", "agent", agentID, "pid", cmd.Process.Pid)
	return nil
}

func (r *Process) openLog(agentID string) (*os.File, error) {
	dir := filepath.Join(r.cfg.StateDir(), "logs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(filepath.Join(dir, agentID+".log"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}

// Alive reports whether the agent's process is running.
func (r *Process) Alive(agentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.procs[agentID]
	return ok && p.alive()
}

// AgentIDs returns every agent ever started and not pruned.
func (r *Process) AgentIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.procs))
	for id := range r.procs {
		ids = append(ids, id)
	}
	return ids
}

// Prune drops tracking for processes that have exited.
func (r *Process) Prune() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, p := range r.procs {
		if !p.alive() {
			delete(r.procs, id)
		}
	}
}

// Stop shuts one agent down: polite mailbox message, then SIGTERM after
// the shutdown grace, then SIGKILL after the kill grace.
func (r *Process) Stop(ctx context.Context, agentID string) error {
	r.mu.Lock()
	p, ok := r.procs[agentID]
	r.mu.Unlock()
	if !ok || !p.alive() {
		return nil
	}

	r.sendShutdownMail(ctx, agentID)
	if waitDone(p.done, r.cfg.Runtime.ShutdownGrace()) {
		return nil
	}

	r.log.Warn("worker ignored shutdown message, sending SIGTERM", "agent", agentID)
	_ = p.cmd.Process.Signal(syscall.SIGTERM)
	if waitDone(p.done, r.cfg.Runtime.KillGrace()) {
		return nil
	}

	r.log.Warn("worker ignored SIGTERM, killing", "agent", agentID)
	_ = p.cmd.Process.Kill()
	<-p.done
	return nil
}

// StopAll shuts every live agent down, batching the polite phase so the
// total wait is one grace period, not one per agent.
func (r *Process) StopAll(ctx context.Context) error {
	r.mu.Lock()
	live := map[string]*proc{}
	for id, p := range r.procs {
		if p.alive() {
			live[id] = p
		}
	}
	r.mu.Unlock()
	if len(live) == 0 {
		return nil
	}

	for id := range live {
		r.sendShutdownMail(ctx, id)
	}
	deadline := time.Now().Add(r.cfg.Runtime.ShutdownGrace())
	for anyAlive(live) && time.Now().Before(deadline) {
		time.Sleep(100 * time.Millisecond)
	}

	for id, p := range live {
		if p.alive() {
			r.log.Warn("worker ignored shutdown message, sending SIGTERM", "agent", id)
			_ = p.cmd.Process.Signal(syscall.SIGTERM)
		}
	}
	deadline = time.Now().Add(r.cfg.Runtime.KillGrace())
	for anyAlive(live) && time.Now().Before(deadline) {
		time.Sleep(100 * time.Millisecond)
	}

	for id, p := range live {
		if p.alive() {
			r.log.Warn("worker ignored SIGTERM, killing", "agent", id)
			_ = p.cmd.Process.Kill()
			<-p.done
		}
	}
	r.log.Info("all workers stopped", "count", len(live))
	return nil
}

func (r *Process) sendShutdownMail(ctx context.Context, agentID string) {
	err := r.mail.Send(ctx, mailbox.Message{
		Type: mailbox.TypeShutdown,
		From: "runtime",
		To:   agentID,
	})
	if err != nil {
		r.log.Warn("shutdown mail failed", "agent", agentID, "error", err)
	}
}

func waitDone(done <-chan struct{}, d time.Duration) bool {
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}

func anyAlive(procs map[string]*proc) bool {
	for _, p := range procs {
		if p.alive() {
			return true
		}
	}
	return false
}
