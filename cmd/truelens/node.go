package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/eigerco/truelens/internal/node"
	"github.com/eigerco/truelens/pkg/log"
)

var originCmd = &cobra.Command{
	Use:   "origin",
	Short: "Run the origin node",
	Long: `Run the origin node: HTTP API, periodic resolution of due items and,
when relay.enabled is set, the relay to the destination node.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		o, err := node.OpenOrigin(cfg)
		if err != nil {
			return err
		}
		defer o.Close() //nolint:errcheck

		ctx, stop := signalContext(cmd)
		defer stop()
		log.Root.Info().Str("config", cfgUsed).Str("data", cfg.Origin.DataDir).Msg("starting origin node")
		return o.Run(ctx)
	},
}

var destinationCmd = &cobra.Command{
	Use:   "destination",
	Short: "Run the destination node",
	Long:  `Run the destination node: the settlement pool, its HTTP API and the relay listener.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := node.OpenDestination(cfg)
		if err != nil {
			return err
		}
		defer d.Close() //nolint:errcheck

		ctx, stop := signalContext(cmd)
		defer stop()
		log.Root.Info().Str("config", cfgUsed).Str("data", cfg.Destination.DataDir).Msg("starting destination node")
		return d.Run(ctx)
	},
}

var relayOnce bool

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Relay pending origin messages to the destination",
	Long: `Relay pending messages from the origin store to the destination node.

The origin store is opened directly, so this command is meant for an origin
whose node is stopped, for example to flush the outbox during maintenance.
A running origin node relays by itself when relay.enabled is set.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		o, err := node.OpenOrigin(cfg)
		if err != nil {
			return err
		}
		defer o.Close() //nolint:errcheck

		deliverer, tr, err := o.RemoteDeliverer()
		if err != nil {
			return err
		}
		defer tr.Stop()         //nolint:errcheck
		defer deliverer.Close() //nolint:errcheck

		ctx, stop := signalContext(cmd)
		defer stop()

		r := o.NewRelay(deliverer)
		if !relayOnce {
			return r.Run(ctx)
		}
		stats, err := r.Step(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("delivered %d, held %d, halted %d, failed %d\n", stats.Delivered, stats.Held, stats.Halted, stats.Failed)
		return nil
	},
}

func init() {
	relayCmd.Flags().BoolVar(&relayOnce, "once", false, "make a single pass over the outbox and exit")

	rootCmd.AddCommand(originCmd)
	rootCmd.AddCommand(destinationCmd)
	rootCmd.AddCommand(relayCmd)
}
