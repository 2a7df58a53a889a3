package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eigerco/truelens/internal/crypto"
	"github.com/eigerco/truelens/internal/settlement"
	"github.com/eigerco/truelens/internal/state"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	origin, dest := cfg.Route()
	assert.Equal(t, state.SagaDomain, origin)
	assert.Equal(t, state.RootstockDomain, dest)
	assert.Equal(t, settlement.PolicyReject, cfg.Policy())

	signers, err := cfg.ValidatorSigners()
	require.NoError(t, err)
	keys, err := cfg.ValidatorKeys()
	require.NoError(t, err)
	require.Len(t, keys, len(signers))
	for i := range keys {
		assert.Equal(t, signers[i].PublicKey(), keys[i])
	}
}

func TestLoadWithoutFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	cfg, used, err := Load("")
	require.NoError(t, err)
	assert.Empty(t, used)
	assert.Equal(t, DefaultConfig().Protocol, cfg.Protocol)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, _, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
protocol:
  min_quorum_stake: 500
  submission_window: 2h
bridge:
  out_of_order: hold
origin:
  genesis:
    - address: "0x00000000000000000000000000000000000000a1"
      amount: 1000
    - address: "0x00000000000000000000000000000000000000a1"
      amount: 5
`), 0o600))
	t.Setenv("TRUELENS_BRIDGE_ACK_TIMEOUT", "45s")
	t.Setenv("TRUELENS_PROTOCOL_SLASH_BPS", "2500")

	cfg, used, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, path, used)

	assert.Equal(t, uint64(500), cfg.Protocol.MinQuorumStake)
	assert.Equal(t, 2*time.Hour, cfg.Protocol.SubmissionWindow)
	assert.Equal(t, uint64(2500), cfg.Protocol.SlashBps)
	assert.Equal(t, 45*time.Second, cfg.Bridge.AckTimeout)
	assert.Equal(t, settlement.PolicyHold, cfg.Policy())
	// untouched keys keep their defaults
	assert.Equal(t, DefaultConfig().Protocol.RemovalThresholdBps, cfg.Protocol.RemovalThresholdBps)

	genesis, err := cfg.GenesisBalances()
	require.NoError(t, err)
	assert.Equal(t, map[crypto.Address]uint64{{19: 0xa1}: 1005}, genesis)
}

func TestWriteThenLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := DefaultConfig()
	cfg.Protocol.MinStake = 7
	require.NoError(t, Write(path, cfg))
	assert.Error(t, Write(path, cfg), "existing files are not overwritten")

	loaded, _, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Protocol, loaded.Protocol)
	assert.Equal(t, cfg.Bridge, loaded.Bridge)
	assert.Equal(t, cfg.Security.ValidatorSeeds, loaded.Security.ValidatorSeeds)
	assert.Equal(t, cfg.Destination.ListenAddr, loaded.Destination.ListenAddr)
	assert.Equal(t, cfg.Relay, loaded.Relay)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"log level", func(c *Config) { c.Log.Level = "loud" }},
		{"log format", func(c *Config) { c.Log.Format = "xml" }},
		{"zero min stake", func(c *Config) { c.Protocol.MinStake = 0 }},
		{"zero quorum", func(c *Config) { c.Protocol.MinQuorumStake = 0 }},
		{"zero window", func(c *Config) { c.Protocol.SubmissionWindow = 0 }},
		{"threshold at 100%", func(c *Config) { c.Protocol.RemovalThresholdBps = state.BasisPoints }},
		{"slash above 100%", func(c *Config) { c.Protocol.SlashBps = state.BasisPoints + 1 }},
		{"same domains", func(c *Config) { c.Bridge.DestinationDomain = c.Bridge.OriginDomain }},
		{"bad mailbox", func(c *Config) { c.Bridge.Mailbox = "0x1234" }},
		{"bad pool", func(c *Config) { c.Bridge.Pool = "pool" }},
		{"zero ack timeout", func(c *Config) { c.Bridge.AckTimeout = 0 }},
		{"negative rate", func(c *Config) { c.Bridge.Rate = -1 }},
		{"unknown policy", func(c *Config) { c.Bridge.OutOfOrder = "drop" }},
		{"bad seed", func(c *Config) { c.Security.ValidatorSeeds = []string{"beef"} }},
		{"bad validator key", func(c *Config) { c.Security.Validators = []string{"00"} }},
		{"threshold above set", func(c *Config) { c.Security.Threshold = 4 }},
		{"zero threshold", func(c *Config) { c.Security.Threshold = 0 }},
		{"bad genesis", func(c *Config) { c.Origin.Genesis = []GenesisBalance{{Address: "x", Amount: 1}} }},
		{"bad relayer key", func(c *Config) { c.Destination.TrustedRelayers = []string{"zz"} }},
		{"bad destination key", func(c *Config) { c.Relay.DestinationKey = "abc" }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}
