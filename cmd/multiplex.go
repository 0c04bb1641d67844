package cmd

import (
	"github.com/agentic-research/knowledge-services/internal/multiplex"
	"github.com/spf13/cobra"
)

var servicesVersion string

func init() {
	multiplexCmd.Flags().StringVarP(&servicesVersion, "services-version", "s", "", "The eks-search-provider version to use")
	_ = multiplexCmd.MarkFlagRequired("services-version")
	rootCmd.AddCommand(multiplexCmd)
}

var multiplexCmd = &cobra.Command{
	Use:   "multiplex --services-version N [-- args...]",
	Short: "Replace this process with the search provider for a services version",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		target, err := multiplex.Select(servicesVersion, cfg.Services)
		if err != nil {
			return err
		}
		return multiplex.Exec(target, args)
	},
}
