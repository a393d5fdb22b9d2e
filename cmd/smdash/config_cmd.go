package main

import (
	"gopkg.in/yaml.v3"

	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the resolved configuration as YAML",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		if err := enc.Encode(a.cfg); err != nil {
			return err
		}
		return enc.Close()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := cmd.OutOrStdout().Write([]byte("smdash " + version + " (" + commit + ")\n"))
		return err
	},
}

func init() {
	rootCmd.AddCommand(configCmd, versionCmd)
}
