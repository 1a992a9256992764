// Package cmd holds the gocrew CLI: the daemon that supervises the
// agent team, the hidden worker entrypoint it spawns, and the
// inspection commands that read the shared state directory.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/gocrew/internal/config"
)

// Version is set at build time via -ldflags "-X github.com/nextlevelbuilder/gocrew/cmd.Version=v1.0.0"
var Version = "dev"

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "gocrew",
	Short: "gocrew — a file-coordinated multi-agent task pipeline",
	Long: "gocrew runs a team of model-backed agents (planner, executors, reviewer)\n" +
		"coordinating through file-backed state: a locked task board, a context\n" +
		"bus, per-agent mailboxes and a wakeup bus. The daemon supervises worker\n" +
		"processes on demand and serves channels, cron and a status gateway.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon(cmd.Context())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.gocrew/config.json or $GOCREW_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(daemonCmd())
	rootCmd.AddCommand(submitCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(agentsCmd())
	rootCmd.AddCommand(tasksCmd())
	rootCmd.AddCommand(usageCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(versionCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("gocrew %s\n", Version)
		},
	}
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if v := os.Getenv("GOCREW_CONFIG"); v != "" {
		return v
	}
	return config.DefaultPath()
}

func loadConfig() (*config.Config, error) {
	return config.Load(resolveConfigPath())
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
