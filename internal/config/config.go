// Package config loads node configuration from defaults, an optional YAML
// file and TRUELENS_* environment variables, in increasing priority.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/eigerco/truelens/internal/crypto"
	"github.com/eigerco/truelens/internal/crypto/ed25519"
	"github.com/eigerco/truelens/internal/resolution"
	"github.com/eigerco/truelens/internal/settlement"
	"github.com/eigerco/truelens/internal/state"
	"github.com/eigerco/truelens/pkg/log"
)

const EnvPrefix = "TRUELENS"

var ErrInvalidConfig = errors.New("invalid configuration")

type Config struct {
	Log         LogConfig         `yaml:"log" mapstructure:"log"`
	Protocol    ProtocolConfig    `yaml:"protocol" mapstructure:"protocol"`
	Bridge      BridgeConfig      `yaml:"bridge" mapstructure:"bridge"`
	Security    SecurityConfig    `yaml:"security" mapstructure:"security"`
	Origin      OriginConfig      `yaml:"origin" mapstructure:"origin"`
	Destination DestinationConfig `yaml:"destination" mapstructure:"destination"`
	Relay       RelayConfig       `yaml:"relay" mapstructure:"relay"`
}

type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"` // console or json
}

type ProtocolConfig struct {
	MinStake            uint64        `yaml:"min_stake" mapstructure:"min_stake"`
	MinQuorumStake      uint64        `yaml:"min_quorum_stake" mapstructure:"min_quorum_stake"`
	SubmissionWindow    time.Duration `yaml:"submission_window" mapstructure:"submission_window"`
	RemovalThresholdBps uint64        `yaml:"removal_threshold_bps" mapstructure:"removal_threshold_bps"`
	SlashBps            uint64        `yaml:"slash_bps" mapstructure:"slash_bps"`
	// ResolveInterval is how often the origin resolves items that became due.
	ResolveInterval time.Duration `yaml:"resolve_interval" mapstructure:"resolve_interval"`
	LeaderboardTTL  time.Duration `yaml:"leaderboard_ttl" mapstructure:"leaderboard_ttl"`
}

type BridgeConfig struct {
	OriginDomain      uint32        `yaml:"origin_domain" mapstructure:"origin_domain"`
	DestinationDomain uint32        `yaml:"destination_domain" mapstructure:"destination_domain"`
	Mailbox           string        `yaml:"mailbox" mapstructure:"mailbox"`
	Pool              string        `yaml:"pool" mapstructure:"pool"`
	AckTimeout        time.Duration `yaml:"ack_timeout" mapstructure:"ack_timeout"`
	RetryInterval     time.Duration `yaml:"retry_interval" mapstructure:"retry_interval"`
	Rate              float64       `yaml:"rate" mapstructure:"rate"`
	Burst             int           `yaml:"burst" mapstructure:"burst"`
	// OutOfOrder is "reject" or "hold".
	OutOfOrder string `yaml:"out_of_order" mapstructure:"out_of_order"`
}

type SecurityConfig struct {
	// ValidatorSeeds sign outgoing messages on the origin.
	ValidatorSeeds []string `yaml:"validator_seeds" mapstructure:"validator_seeds"`
	// Validators are the public keys the destination trusts. Derived from
	// the seeds when empty.
	Validators []string `yaml:"validators" mapstructure:"validators"`
	Threshold  int      `yaml:"threshold" mapstructure:"threshold"`
}

type GenesisBalance struct {
	Address string `yaml:"address" mapstructure:"address"`
	Amount  uint64 `yaml:"amount" mapstructure:"amount"`
}

type OriginConfig struct {
	DataDir  string           `yaml:"data_dir" mapstructure:"data_dir"`
	HTTPAddr string           `yaml:"http_addr" mapstructure:"http_addr"`
	Genesis  []GenesisBalance `yaml:"genesis" mapstructure:"genesis"`
}

type DestinationConfig struct {
	DataDir    string `yaml:"data_dir" mapstructure:"data_dir"`
	HTTPAddr   string `yaml:"http_addr" mapstructure:"http_addr"`
	ListenAddr string `yaml:"listen_addr" mapstructure:"listen_addr"`
	NodeSeed   string `yaml:"node_seed" mapstructure:"node_seed"`
	// TrustedRelayers pins relayer keys; empty accepts any relayer since
	// messages are authenticated by the validator signatures anyway.
	TrustedRelayers []string `yaml:"trusted_relayers" mapstructure:"trusted_relayers"`
}

type RelayConfig struct {
	// Enabled runs the relay inside the origin node.
	Enabled         bool   `yaml:"enabled" mapstructure:"enabled"`
	NodeSeed        string `yaml:"node_seed" mapstructure:"node_seed"`
	DestinationAddr string `yaml:"destination_addr" mapstructure:"destination_addr"`
	// DestinationKey pins the destination node's public key when set.
	DestinationKey string `yaml:"destination_key" mapstructure:"destination_key"`
}

// devSeed is a well known seed for local development only.
func devSeed(b byte) string {
	return strings.Repeat(fmt.Sprintf("%02x", b), ed25519.SeedSize)
}

func DefaultConfig() Config {
	return Config{
		Log: LogConfig{Level: "info", Format: "console"},
		Protocol: ProtocolConfig{
			MinStake:            1,
			MinQuorumStake:      100,
			SubmissionWindow:    24 * time.Hour,
			RemovalThresholdBps: resolution.DefaultRemovalThresholdBps,
			SlashBps:            resolution.DefaultSlashBps,
			ResolveInterval:     time.Minute,
			LeaderboardTTL:      30 * time.Second,
		},
		Bridge: BridgeConfig{
			OriginDomain:      uint32(state.SagaDomain),
			DestinationDomain: uint32(state.RootstockDomain),
			Mailbox:           "0x00000000000000000000000000000000000000aa",
			Pool:              "0x00000000000000000000000000000000000000bb",
			AckTimeout:        10 * time.Second,
			RetryInterval:     5 * time.Second,
			Rate:              20,
			Burst:             5,
			OutOfOrder:        settlement.PolicyReject.String(),
		},
		Security: SecurityConfig{
			ValidatorSeeds: []string{devSeed(0x11), devSeed(0x12), devSeed(0x13)},
			Threshold:      2,
		},
		Origin: OriginConfig{
			DataDir:  filepath.Join(DefaultDir(), "origin"),
			HTTPAddr: "127.0.0.1:8080",
		},
		Destination: DestinationConfig{
			DataDir:    filepath.Join(DefaultDir(), "destination"),
			HTTPAddr:   "127.0.0.1:8081",
			ListenAddr: "127.0.0.1:9031",
			NodeSeed:   devSeed(0x21),
		},
		Relay: RelayConfig{
			Enabled:         true,
			NodeSeed:        devSeed(0x31),
			DestinationAddr: "127.0.0.1:9031",
		},
	}
}

// DefaultDir is ~/.truelens, or .truelens when there is no home directory.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".truelens"
	}
	return filepath.Join(home, ".truelens")
}

func DefaultPath() string {
	return filepath.Join(DefaultDir(), "config.yaml")
}

// Load reads path, or the default location when path is empty, on top of
// the defaults and applies environment overrides. A missing default file is
// not an error; a missing explicit file is.
func Load(path string) (Config, string, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return Config{}, "", err
	}
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return Config{}, "", fmt.Errorf("read defaults: %w", err)
	}

	used := ""
	switch {
	case path != "":
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return Config{}, "", fmt.Errorf("read config %s: %w", path, err)
		}
		used = path
	default:
		if _, err := os.Stat(DefaultPath()); err == nil {
			v.SetConfigFile(DefaultPath())
			if err := v.MergeInConfig(); err != nil {
				return Config{}, "", fmt.Errorf("read config %s: %w", DefaultPath(), err)
			}
			used = DefaultPath()
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, "", fmt.Errorf("decode config: %w", err)
	}
	return cfg, used, cfg.Validate()
}

// Write stores cfg as YAML at path, refusing to overwrite an existing file.
func Write(path string, cfg Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists: %s", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	header := "# TrueLens node configuration\n" +
		"# Priority: flags, then TRUELENS_* environment variables, then this file, then defaults.\n" +
		"# Environment keys join sections with underscores, e.g. TRUELENS_BRIDGE_ACK_TIMEOUT=30s.\n\n"
	return os.WriteFile(path, append([]byte(header), data...), 0o600)
}

func (c Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
	}

	if _, err := log.ParseLogLevel(c.Log.Level); err != nil {
		return invalid("log.level: %v", err)
	}
	if _, err := log.ParseLoggerType(c.Log.Format); err != nil {
		return invalid("log.format: %v", err)
	}

	p := c.Protocol
	if p.MinStake == 0 {
		return invalid("protocol.min_stake must be positive")
	}
	if p.MinQuorumStake == 0 {
		return invalid("protocol.min_quorum_stake must be positive")
	}
	if p.SubmissionWindow <= 0 {
		return invalid("protocol.submission_window must be positive")
	}
	if err := c.ResolutionConfig().Validate(); err != nil {
		return invalid("protocol: %v", err)
	}

	b := c.Bridge
	if b.OriginDomain == b.DestinationDomain {
		return invalid("bridge origin and destination domains must differ")
	}
	if _, err := crypto.ParseAddress(b.Mailbox); err != nil {
		return invalid("bridge.mailbox: %v", err)
	}
	if _, err := crypto.ParseAddress(b.Pool); err != nil {
		return invalid("bridge.pool: %v", err)
	}
	if b.AckTimeout <= 0 || b.RetryInterval <= 0 {
		return invalid("bridge timeouts must be positive")
	}
	if b.Rate < 0 || b.Burst < 0 {
		return invalid("bridge rate and burst cannot be negative")
	}
	if _, err := settlement.ParsePolicy(b.OutOfOrder); err != nil {
		return invalid("bridge.out_of_order: %v", err)
	}

	keys, err := c.ValidatorKeys()
	if err != nil {
		return invalid("security: %v", err)
	}
	if c.Security.Threshold < 1 || c.Security.Threshold > len(keys) {
		return invalid("security.threshold %d outside 1..%d", c.Security.Threshold, len(keys))
	}

	if _, err := c.GenesisBalances(); err != nil {
		return invalid("origin.genesis: %v", err)
	}
	for _, k := range c.Destination.TrustedRelayers {
		if _, err := ed25519.ParsePublicKey(k); err != nil {
			return invalid("destination.trusted_relayers: %v", err)
		}
	}
	if c.Relay.DestinationKey != "" {
		if _, err := ed25519.ParsePublicKey(c.Relay.DestinationKey); err != nil {
			return invalid("relay.destination_key: %v", err)
		}
	}
	return nil
}

func (c Config) Route() (origin, destination state.DomainID) {
	return state.DomainID(c.Bridge.OriginDomain), state.DomainID(c.Bridge.DestinationDomain)
}

func (c Config) ResolutionConfig() resolution.Config {
	return resolution.Config{
		RemovalThresholdBps: c.Protocol.RemovalThresholdBps,
		SlashBps:            c.Protocol.SlashBps,
	}
}

func (c Config) Policy() settlement.Policy {
	p, _ := settlement.ParsePolicy(c.Bridge.OutOfOrder)
	return p
}

func (c Config) MailboxAddress() crypto.Address {
	a, _ := crypto.ParseAddress(c.Bridge.Mailbox)
	return a
}

func (c Config) PoolAddress() crypto.Address {
	a, _ := crypto.ParseAddress(c.Bridge.Pool)
	return a
}

// ValidatorSigners returns the origin's message signers.
func (c Config) ValidatorSigners() ([]crypto.Signer, error) {
	signers := make([]crypto.Signer, 0, len(c.Security.ValidatorSeeds))
	for i, seed := range c.Security.ValidatorSeeds {
		priv, err := ed25519.ParseSeed(seed)
		if err != nil {
			return nil, fmt.Errorf("validator seed %d: %w", i, err)
		}
		signers = append(signers, crypto.NewKeySigner(priv))
	}
	return signers, nil
}

// ValidatorKeys returns the keys the destination trusts.
func (c Config) ValidatorKeys() ([]ed25519.PublicKey, error) {
	if len(c.Security.Validators) == 0 {
		signers, err := c.ValidatorSigners()
		if err != nil {
			return nil, err
		}
		keys := make([]ed25519.PublicKey, len(signers))
		for i, s := range signers {
			keys[i] = s.PublicKey()
		}
		return keys, nil
	}
	keys := make([]ed25519.PublicKey, 0, len(c.Security.Validators))
	for i, s := range c.Security.Validators {
		k, err := ed25519.ParsePublicKey(s)
		if err != nil {
			return nil, fmt.Errorf("validator %d: %w", i, err)
		}
		keys = append(keys, k)
	}
	return keys, nil
}

// GenesisBalances merges the genesis entries by address.
func (c Config) GenesisBalances() (map[crypto.Address]uint64, error) {
	out := make(map[crypto.Address]uint64, len(c.Origin.Genesis))
	for _, g := range c.Origin.Genesis {
		addr, err := crypto.ParseAddress(g.Address)
		if err != nil {
			return nil, err
		}
		out[addr] += g.Amount
	}
	return out, nil
}
