package cmd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/gocrew/internal/board"
	"github.com/nextlevelbuilder/gocrew/internal/orchestrator"
)

func submitCmd() *cobra.Command {
	var noWait bool
	cmd := &cobra.Command{
		Use:   "submit <request...>",
		Short: "Submit a request to the agent team and wait for the result",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := openState(cfg)
			if err != nil {
				return err
			}
			orch := orchestrator.New(st.board, st.bus, st.wake, cfg)

			text := strings.Join(args, " ")
			taskID, err := orch.Submit(cmd.Context(), text, board.Source{Channel: "cli"})
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "task %s submitted\n", taskID)
			if noWait {
				fmt.Println(taskID)
				return nil
			}

			res, err := orch.Wait(cmd.Context(), taskID, func(t *board.Task, elapsed time.Duration) {
				fmt.Fprintf(os.Stderr, "still working: %s (%s elapsed)\n", t.Status, elapsed.Round(time.Second))
			})
			if err != nil {
				return err
			}
			if res.TimedOut {
				return fmt.Errorf("task %s timed out and was cancelled", taskID)
			}
			switch res.Task.Status {
			case board.StatusCompleted:
				fmt.Println(res.Task.Result)
				return nil
			case board.StatusCancelled:
				return fmt.Errorf("task %s was cancelled", taskID)
			default:
				return fmt.Errorf("task %s ended as %s: %s", taskID, res.Task.Status, res.Task.Result)
			}
		},
	}
	cmd.Flags().BoolVar(&noWait, "no-wait", false, "print the task id and exit without waiting")
	return cmd
}
