package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/eigerco/truelens/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage TrueLens configuration",
	Long: `Manage TrueLens configuration files and settings.

Configuration hierarchy (highest to lowest priority):
1. CLI flags
2. Environment variables (TRUELENS_*)
3. Config file (~/.truelens/config.yaml)
4. Defaults`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfgUsed != "" {
			fmt.Fprintf(os.Stderr, "Configuration file: %s\n\n", cfgUsed)
		} else {
			fmt.Fprintf(os.Stderr, "No configuration file found (using defaults)\n\n")
		}
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("error marshaling config: %w", err)
		}
		fmt.Print(string(data))
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default configuration file",
	Long:  `Create a default configuration file at ~/.truelens/config.yaml, or at --config when given.`,
	// the file does not exist yet, so skip loading it
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	RunE: func(cmd *cobra.Command, args []string) error {
		path := cfgFile
		if path == "" {
			path = config.DefaultPath()
		}
		if err := config.Write(path, config.DefaultConfig()); err != nil {
			return err
		}
		fmt.Printf("Created default configuration: %s\n", path)
		fmt.Println("The validator and node seeds in it are development keys; replace them before going live.")
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(configCmd)
}
