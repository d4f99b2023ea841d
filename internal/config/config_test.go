package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	assert := assert.New(t)

	cfg := DefaultConfig()
	assert.NotNil(cfg.P2P)
	assert.NotNil(cfg.Bootstrap)
	assert.NotNil(cfg.Confirmation)
	assert.NotNil(cfg.Store)
	assert.Equal("live", cfg.Network)

	require.NoError(t, cfg.ValidateBasic())
}

func TestConfigValidateBasicRejectsEmptyBackend(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Store.Backend = ""
	assert.Error(t, cfg.ValidateBasic())
}

func TestConfigValidateBasicRejectsInvertedPullBounds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Bootstrap.LazyMinPullBlocks = cfg.Bootstrap.LazyMaxPullBlocks + 1
	assert.Error(t, cfg.ValidateBasic())
}

func TestSetRoot(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SetRoot("/home/user/.nanod")
	assert.Equal(t, "/home/user/.nanod", cfg.RootDir)
	assert.Equal(t, "/home/user/.nanod/config/config.toml", ConfigFilePath(cfg.RootDir))
}
