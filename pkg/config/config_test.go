package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alannza/agave/pkg/config"
	"github.com/alannza/agave/pkg/gossip"
)

func TestLoad(t *testing.T) {
	t.Run("load gossip config", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
advertise_addr: 1.1.1.1:8000
push_fanout: 9
prune_window: 1m
`), 0o600))

		conf := gossip.DefaultConfig()
		require.NoError(t, config.Load(path, conf))

		assert.Equal(t, "1.1.1.1:8000", conf.AdvertiseAddr)
		assert.Equal(t, 9, conf.PushFanout)
		assert.Equal(t, time.Minute, conf.PruneWindow)
		assert.NoError(t, conf.Validate())
	})

	t.Run("unknown field rejected", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
advertise_addr: 1.1.1.1:8000
not_a_field: true
`), 0o600))

		assert.Error(t, config.Load(path, gossip.DefaultConfig()))
	})

	t.Run("missing file", func(t *testing.T) {
		assert.Error(t, config.Load("notfound.yaml", gossip.DefaultConfig()))
	})
}
