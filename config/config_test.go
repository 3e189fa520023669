// SPDX-License-Identifier: GPL-3.0-or-later

package config_test

import (
	"testing"
	"time"

	"github.com/mitmsim/mitmsim/attack"
	"github.com/mitmsim/mitmsim/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	settings := config.Default()
	assert.Equal(t, "random_delay", settings.Mode)
	assert.Equal(t, 2*time.Second, settings.DelayMin)
	assert.Equal(t, 10*time.Second, settings.DelayMax)
	assert.Equal(t, 0.3, settings.DropRate)
	assert.Equal(t, 5, settings.ReorderWindow)
	assert.Equal(t, 6*time.Second, settings.MaxDelay)
	assert.True(t, settings.DetectionEnabled)
	assert.Equal(t, 10*time.Second, settings.MessageInterval)
	assert.True(t, settings.UseRelay)
	assert.NoError(t, settings.Validate())
}

func TestFromEnv(t *testing.T) {
	t.Run("environment overrides defaults", func(t *testing.T) {
		t.Setenv("PROXY_MODE", "drop")
		t.Setenv("PROXY_DELAY_MIN", "0.5")
		t.Setenv("PROXY_DELAY_MAX", "1.5")
		t.Setenv("PROXY_DROP_RATE", "0.9")
		t.Setenv("PROXY_REORDER_WINDOW", "7")
		t.Setenv("SERVER_MAX_DELAY", "2")
		t.Setenv("SERVER_DETECTION_ENABLED", "false")
		t.Setenv("CLIENT_MESSAGE_INTERVAL", "0.25")
		t.Setenv("CLIENT_MESSAGE_PAYLOAD", "hello")
		t.Setenv("SERVER_LISTEN_HOST", "127.0.0.1")
		t.Setenv("SERVER_LISTEN_PORT", "9100")

		settings, err := config.FromEnv()
		require.NoError(t, err)
		assert.Equal(t, "drop", settings.Mode)
		assert.Equal(t, 500*time.Millisecond, settings.DelayMin)
		assert.Equal(t, 1500*time.Millisecond, settings.DelayMax)
		assert.Equal(t, 0.9, settings.DropRate)
		assert.Equal(t, 7, settings.ReorderWindow)
		assert.Equal(t, 2*time.Second, settings.MaxDelay)
		assert.False(t, settings.DetectionEnabled)
		assert.Equal(t, 250*time.Millisecond, settings.MessageInterval)
		assert.Equal(t, "hello", settings.Payload)
		assert.Equal(t, "127.0.0.1:9100", settings.ServerListen)
	})

	t.Run("unset variables keep defaults", func(t *testing.T) {
		settings, err := config.FromEnv()
		require.NoError(t, err)
		assert.Equal(t, config.Default(), settings)
	})

	t.Run("unparseable number", func(t *testing.T) {
		t.Setenv("PROXY_DROP_RATE", "often")
		_, err := config.FromEnv()
		assert.Error(t, err)
	})

	t.Run("unparseable boolean", func(t *testing.T) {
		t.Setenv("SERVER_DETECTION_ENABLED", "maybe")
		_, err := config.FromEnv()
		assert.Error(t, err)
	})
}

func TestConversions(t *testing.T) {
	settings := config.Default()
	settings.Mode = "reorder"

	attackCfg, err := settings.AttackConfig()
	require.NoError(t, err)
	assert.Equal(t, attack.ModeReorder, attackCfg.Mode)
	assert.Equal(t, 5, attackCfg.ReorderWindow)

	detectCfg := settings.DetectConfig()
	assert.True(t, detectCfg.Enabled)
	assert.Equal(t, 6*time.Second, detectCfg.MaxDelay)
}

func TestValidate(t *testing.T) {
	t.Run("unknown mode", func(t *testing.T) {
		settings := config.Default()
		settings.Mode = "replay"
		assert.Error(t, settings.Validate())
	})

	t.Run("delay bounds inverted", func(t *testing.T) {
		settings := config.Default()
		settings.DelayMin = 10 * time.Second
		settings.DelayMax = 2 * time.Second
		assert.Error(t, settings.Validate())
	})

	t.Run("drop rate out of range", func(t *testing.T) {
		settings := config.Default()
		settings.Mode = "drop"
		settings.DropRate = 1.2
		assert.Error(t, settings.Validate())
	})

	t.Run("reorder window not positive", func(t *testing.T) {
		settings := config.Default()
		settings.Mode = "reorder"
		settings.ReorderWindow = 0
		assert.Error(t, settings.Validate())
	})

	t.Run("negative max delay", func(t *testing.T) {
		settings := config.Default()
		settings.MaxDelay = -time.Second
		assert.Error(t, settings.Validate())
	})

	t.Run("message interval not positive", func(t *testing.T) {
		settings := config.Default()
		settings.MessageInterval = 0
		assert.Error(t, settings.Validate())
	})
}
