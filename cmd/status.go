package cmd

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/gocrew/internal/board"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show board counts, pending roles and agent heartbeats",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := openState(cfg)
			if err != nil {
				return err
			}

			tasks, err := st.board.List()
			if err != nil {
				return err
			}
			counts := map[board.Status]int{}
			for _, t := range tasks {
				counts[t.Status]++
			}
			fmt.Printf("tasks: %d total\n", len(tasks))
			for _, s := range []board.Status{
				board.StatusPending, board.StatusClaimed, board.StatusReview,
				board.StatusCritique, board.StatusSynthesizing, board.StatusPaused,
				board.StatusCompleted, board.StatusFailed, board.StatusCancelled,
			} {
				if counts[s] > 0 {
					fmt.Printf("  %-13s %d\n", s, counts[s])
				}
			}

			if roles, err := st.board.PendingRoles(); err == nil && len(roles) > 0 {
				sort.Strings(roles)
				fmt.Printf("pending roles: %v\n", roles)
			}

			beats, err := st.heart.All()
			if err != nil {
				return err
			}
			sort.Slice(beats, func(i, j int) bool { return beats[i].AgentID < beats[j].AgentID })
			fmt.Println("agents:")
			for _, b := range beats {
				state := "offline"
				if b.Online() {
					state = "online"
				}
				line := fmt.Sprintf("  %-12s %-8s %s", b.AgentID, state, b.Status)
				if b.TaskID != "" {
					line += " task=" + b.TaskID
				}
				fmt.Println(line)
			}
			if len(beats) == 0 {
				fmt.Println("  (none seen)")
			}
			return nil
		},
	}
}
