package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/eigerco/truelens/internal/crypto"
	"github.com/eigerco/truelens/internal/crypto/ed25519"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an ed25519 key pair",
	Long: `Generate an ed25519 key pair for a verifier, a validator or a node identity.
The seed goes into validator_seeds or node_seed, the public key into
validators, trusted_relayers or destination_key.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	RunE: func(cmd *cobra.Command, args []string) error {
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return err
		}
		fmt.Printf("seed:       %s\n", hex.EncodeToString(priv.Seed()))
		fmt.Printf("public key: %s\n", hex.EncodeToString(pub))
		fmt.Printf("address:    %s\n", crypto.AddressFromPublicKey(pub))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(keygenCmd)
}
