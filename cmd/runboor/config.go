package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration with secrets masked",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		out, err := cfg.Render()
		if err != nil {
			return err
		}

		fmt.Print(string(out))

		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
}
