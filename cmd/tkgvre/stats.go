package main

import (
	"os"

	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print entity, relation and timestamp counts of the dataset",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		kg, err := loadGraph(cfg)
		if err != nil {
			return err
		}
		kg.PrintStatistics(os.Stdout)
		return nil
	},
}
