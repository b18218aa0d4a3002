package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var AppVersion = "dev"

var configFile string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "silo-fleet-server",
	Short: "Silo fleet control plane",
	Long: `Silo fleet control plane: enrolls agents, issues their client
certificates, tracks node health and reserves node capacity.`,
	Version:       AppVersion,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return InitConfig(configFile)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to config file (default ./application.yaml)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(operatorTokenCmd)
}
