package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/gocrew/internal/board"
)

func tasksCmd() *cobra.Command {
	var statusFilter string
	var limit int
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List tasks on the board, newest first",
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

			fmt.Printf("%-10s %-12s %-10s %-10s %-6s %s\n",
				"ID", "STATUS", "ROLE", "AGENT", "AGE", "DESCRIPTION")
			shown := 0
			for i := len(tasks) - 1; i >= 0; i-- {
				t := tasks[i]
				if statusFilter != "" && string(t.Status) != statusFilter {
					continue
				}
				if limit > 0 && shown >= limit {
					break
				}
				shown++
				fmt.Printf("%-10s %-12s %-10s %-10s %-6s %s\n",
					shortID(t.ID), t.Status, t.RequiredRole, orDash(t.AgentID),
					taskAge(t), truncate(t.Description, 60))
			}
			if shown == 0 {
				fmt.Println("(no matching tasks)")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&statusFilter, "status", "", "only show tasks in this status")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum tasks to show (0 for all)")
	return cmd
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func taskAge(t *board.Task) string {
	created := time.Unix(0, int64(t.CreatedAt*float64(time.Second)))
	age := time.Since(created)
	switch {
	case age < time.Minute:
		return fmt.Sprintf("%ds", int(age.Seconds()))
	case age < time.Hour:
		return fmt.Sprintf("%dm", int(age.Minutes()))
	default:
		return fmt.Sprintf("%dh", int(age.Hours()))
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
