// Package config defines the top-level node configuration, loaded from a
// TOML file and environment variables via viper, the way config/config.go
// lays out Tendermint's.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/nanocurrency/nanod/internal/log"
)

const (
	DefaultNanodDir  = ".nanod"
	defaultConfigDir = "config"
	defaultDataDir   = "data"

	defaultConfigFileName = "config.toml"
)

// Config is the full node configuration, one section per subsystem.
type Config struct {
	BaseConfig `mapstructure:",squash"`

	P2P        *P2PConfig        `mapstructure:"p2p"`
	Bootstrap  *BootstrapConfig  `mapstructure:"bootstrap"`
	Confirmation *ConfirmationConfig `mapstructure:"confirmation"`
	Store      *StoreConfig      `mapstructure:"store"`
}

// BaseConfig holds options common to the whole process.
type BaseConfig struct {
	RootDir string `mapstructure:"home"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	Network string `mapstructure:"network"` // "live", "beta", "test"
}

func DefaultBaseConfig() BaseConfig {
	return BaseConfig{
		LogLevel:  log.LogLevelInfo,
		LogFormat: log.LogFormatPlain,
		Network:   "live",
	}
}

// P2PConfig configures the channel layer (internal/netp2p).
type P2PConfig struct {
	ListenAddress   string        `mapstructure:"laddr"`
	DatagramBuffer  int           `mapstructure:"datagram_buffer_size"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	PeerPersistFile string        `mapstructure:"peer_persist_file"`
}

func DefaultP2PConfig() *P2PConfig {
	return &P2PConfig{
		ListenAddress:    "tcp://0.0.0.0:7075",
		DatagramBuffer:   4096,
		HandshakeTimeout: 5 * time.Second,
		PeerPersistFile:  "peers.json",
	}
}

// BootstrapConfig configures the lazy bootstrap puller (internal/bootstrap).
type BootstrapConfig struct {
	MaxPulls                  uint32        `mapstructure:"max_pulls"`
	TargetBlocksPerConnection uint32        `mapstructure:"target_blocks_per_connection"`
	LazyMaxPullBlocks         uint32        `mapstructure:"lazy_max_pull_blocks"`
	LazyMinPullBlocks         uint32        `mapstructure:"lazy_min_pull_blocks"`
	RetryLimit                int32         `mapstructure:"retry_limit"`
	LegacyBootstrapDisabled   bool          `mapstructure:"legacy_bootstrap_disabled"`
	ExpiryWithLegacy          time.Duration `mapstructure:"expiry_with_legacy"`
	ExpiryWithoutLegacy       time.Duration `mapstructure:"expiry_without_legacy"`
}

func DefaultBootstrapConfig() *BootstrapConfig {
	return &BootstrapConfig{
		MaxPulls:                  500,
		TargetBlocksPerConnection: 2048,
		LazyMaxPullBlocks:         512,
		LazyMinPullBlocks:         32,
		RetryLimit:                -1,
		ExpiryWithLegacy:          1 * time.Hour,
		ExpiryWithoutLegacy:       2 * time.Hour,
	}
}

// ConfirmationConfig configures the confirmation-height tracker
// (internal/confheight).
type ConfirmationConfig struct {
	BatchWriteSize  uint64 `mapstructure:"batch_write_size"`
	UnboundedCutoff uint64 `mapstructure:"unbounded_cutoff"`
}

func DefaultConfirmationConfig() *ConfirmationConfig {
	return &ConfirmationConfig{BatchWriteSize: 65536, UnboundedCutoff: 50000}
}

// StoreConfig configures the storage abstraction (internal/store).
type StoreConfig struct {
	Backend string `mapstructure:"backend"` // goleveldb, memdb, boltdb, rocksdb
	DataDir string `mapstructure:"dir"`
}

func DefaultStoreConfig() *StoreConfig {
	return &StoreConfig{Backend: "goleveldb", DataDir: defaultDataDir}
}

// DefaultConfig returns the configuration every field of which a fresh node
// would start with absent a config.toml.
func DefaultConfig() *Config {
	return &Config{
		BaseConfig:   DefaultBaseConfig(),
		P2P:          DefaultP2PConfig(),
		Bootstrap:    DefaultBootstrapConfig(),
		Confirmation: DefaultConfirmationConfig(),
		Store:        DefaultStoreConfig(),
	}
}

// SetRoot sets RootDir to root. Other paths, such as Store.DataDir, are kept
// as given; the node command joins Store.DataDir onto RootDir.
func (c *Config) SetRoot(root string) *Config {
	c.RootDir = root
	return c
}

// ValidateBasic checks field-level invariants that don't need the store or
// network open.
func (c *Config) ValidateBasic() error {
	if c.Store.Backend == "" {
		return fmt.Errorf("config: store.backend must not be empty")
	}
	if c.Bootstrap.LazyMinPullBlocks > c.Bootstrap.LazyMaxPullBlocks {
		return fmt.Errorf("config: bootstrap.lazy_min_pull_blocks must not exceed lazy_max_pull_blocks")
	}
	return nil
}

// EnsureRoot creates the root directory and its config/data subdirectories
// if they don't already exist.
func EnsureRoot(root string) error {
	if err := os.MkdirAll(filepath.Join(root, defaultConfigDir), 0700); err != nil {
		return err
	}
	return os.MkdirAll(filepath.Join(root, defaultDataDir), 0700)
}

func ConfigFilePath(root string) string {
	return filepath.Join(root, defaultConfigDir, defaultConfigFileName)
}
