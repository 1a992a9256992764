package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/gocrew/internal/usage"
)

func usageCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "usage",
		Short: "Show model spend: today per agent, this month per provider",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			tracker, err := usage.Open(cfg.UsageDBPath(), cfg.Budget, usage.RatesFromConfig(cfg.Providers))
			if err != nil {
				return err
			}
			defer tracker.Close()

			byAgent, err := tracker.ByAgent(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Println("today by agent:")
			printSummaries(byAgent)

			byProvider, err := tracker.ByProvider(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Println("this month by provider:")
			printSummaries(byProvider)

			if cfg.Budget.DailyUSD > 0 || cfg.Budget.MonthlyUSD > 0 {
				fmt.Printf("budget: daily $%.2f, monthly $%.2f\n",
					cfg.Budget.DailyUSD, cfg.Budget.MonthlyUSD)
			}
			return nil
		},
	}
}

func printSummaries(rows []usage.Summary) {
	if len(rows) == 0 {
		fmt.Println("  (no usage recorded)")
		return
	}
	for _, r := range rows {
		fmt.Printf("  %-16s %5d calls  %8d in  %8d out  $%.4f\n",
			r.Key, r.Calls, r.PromptTokens, r.CompletionTokens, r.CostUSD)
	}
}
