package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func agentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List the configured roster and each agent's liveness",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := openState(cfg)
			if err != nil {
				return err
			}

			fmt.Printf("%-12s %-10s %-10s %-8s %s\n", "AGENT", "ROLE", "MODE", "STATE", "MODEL")
			for _, id := range cfg.AgentIDs() {
				defaults, spec := cfg.ResolveAgent(id)
				mode := "on-demand"
				if spec.AlwaysOn {
					mode = "always-on"
				}
				state := "offline"
				if st.heart.Online(id) {
					state = "online"
				}
				model := defaults.Model
				if model == "" {
					model = "(default)"
				}
				fmt.Printf("%-12s %-10s %-10s %-8s %s\n", id, spec.Role, mode, state, model)
			}
			return nil
		},
	}
}
