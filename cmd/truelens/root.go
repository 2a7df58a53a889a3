package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/eigerco/truelens/internal/config"
	"github.com/eigerco/truelens/pkg/log"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	cfgFile  string
	logLevel string
	cfg      config.Config
	cfgUsed  string
)

var rootCmd = &cobra.Command{
	Use:   "truelens",
	Short: "TrueLens content verification nodes",
	Long: `TrueLens runs the two halves of the content verification protocol.

The origin node registers news items, records verifier stakes and resolves
them. The destination node holds the settlement pool and pays out the
distributions relayed from the origin.`,
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, cfgUsed, err = config.Load(cfgFile)
		if err != nil {
			return err
		}
		if logLevel != "" {
			cfg.Log.Level = logLevel
		}
		level, err := log.ParseLogLevel(cfg.Log.Level)
		if err != nil {
			return err
		}
		format, err := log.ParseLoggerType(cfg.Log.Format)
		if err != nil {
			return err
		}
		log.Init(log.Options{LogLevel: level, Type: format, Output: os.Stderr})
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	// nothing to configure
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("truelens %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $HOME/.truelens/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log.level (trace, debug, info, warn, error)")

	rootCmd.AddCommand(versionCmd)
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
}
