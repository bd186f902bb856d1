package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStopCommand(t *testing.T) {
	t.Run("help text", func(t *testing.T) {
		output, err := executeCommand(t, "stop", "--help")
		require.NoError(t, err)

		assert.Contains(t, output, "Stop the docsync daemon")
		assert.Contains(t, output, "timeout")
	})

	t.Run("daemon not running", func(t *testing.T) {
		configPath := setupCLIEnv(t)
		_, err := executeCommand(t, "--config", configPath, "stop")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not running")
	})
}

func TestServeCommand(t *testing.T) {
	output, err := executeCommand(t, "serve", "--help")
	require.NoError(t, err)
	assert.Contains(t, output, "Run the docsync daemon in the foreground")

	assert.Contains(t, serveCmd.Aliases, "start")
}
