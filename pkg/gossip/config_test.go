package gossip

import (
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Validate(t *testing.T) {
	t.Run("defaults valid with advertise addr", func(t *testing.T) {
		config := DefaultConfig()
		config.AdvertiseAddr = "1.1.1.1:8000"
		assert.NoError(t, config.Validate())
	})

	t.Run("missing advertise addr", func(t *testing.T) {
		config := DefaultConfig()
		assert.Error(t, config.Validate())
	})

	t.Run("tick intervals must be at least 1ms", func(t *testing.T) {
		for _, set := range []func(*Config){
			func(c *Config) { c.PushInterval = 0 },
			func(c *Config) { c.PullInterval = 0 },
			func(c *Config) { c.PurgeInterval = 0 },
			func(c *Config) { c.PruneInterval = 0 },
			func(c *Config) { c.RotateInterval = 0 },
			func(c *Config) { c.HeartbeatInterval = time.Microsecond * 500 },
		} {
			config := DefaultConfig()
			config.AdvertiseAddr = "1.1.1.1:8000"
			set(config)
			assert.Error(t, config.Validate())
		}
	})

	t.Run("false positive rate out of range", func(t *testing.T) {
		config := DefaultConfig()
		config.AdvertiseAddr = "1.1.1.1:8000"
		config.FalsePositiveRate = 1.5
		assert.Error(t, config.Validate())
	})

	t.Run("shard bits too large", func(t *testing.T) {
		config := DefaultConfig()
		config.AdvertiseAddr = "1.1.1.1:8000"
		config.ShardBits = 32
		assert.Error(t, config.Validate())
	})
}

func TestConfig_ResolveAdvertiseAddr(t *testing.T) {
	t.Run("host given", func(t *testing.T) {
		config := DefaultConfig()
		config.AdvertiseAddr = "10.0.0.5:8003"

		addr, err := config.ResolveAdvertiseAddr()
		require.NoError(t, err)
		assert.Equal(t, "10.0.0.5:8003", addr)
	})

	t.Run("invalid addr", func(t *testing.T) {
		config := DefaultConfig()
		config.AdvertiseAddr = "no-port"

		_, err := config.ResolveAdvertiseAddr()
		assert.Error(t, err)
	})
}

func TestConfig_RegisterFlags(t *testing.T) {
	config := DefaultConfig()

	fs := pflag.NewFlagSet("", pflag.PanicOnError)
	config.RegisterFlags(fs, "cluster")

	require.NoError(t, fs.Parse([]string{
		"--cluster.gossip.advertise-addr", "1.1.1.1:8000",
		"--cluster.gossip.push-fanout", "9",
		"--cluster.gossip.prune-window", "1m",
	}))

	assert.Equal(t, "1.1.1.1:8000", config.AdvertiseAddr)
	assert.Equal(t, 9, config.PushFanout)
	assert.Equal(t, "1m0s", config.PruneWindow.String())
}
