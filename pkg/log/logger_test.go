package log

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogger_WithSubsystem(t *testing.T) {
	logger, err := NewLogger("info", []string{"gossip"})
	require.NoError(t, err)

	assert.Equal(t, "main", logger.Subsystem())

	sub := logger.WithSubsystem("gossip")
	assert.Equal(t, "gossip", sub.Subsystem())

	// The parent is unchanged.
	assert.Equal(t, "main", logger.Subsystem())
}

func TestLogger_UnsupportedLevel(t *testing.T) {
	_, err := NewLogger("verbose", nil)
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		config := &Config{Level: "debug"}
		assert.NoError(t, config.Validate())
	})

	t.Run("missing level", func(t *testing.T) {
		config := &Config{}
		assert.Error(t, config.Validate())
	})

	t.Run("unsupported level", func(t *testing.T) {
		config := &Config{Level: "verbose"}
		assert.Error(t, config.Validate())
	})
}
