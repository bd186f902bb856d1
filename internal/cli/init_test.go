package cli

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/harun/docsync/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitCommand(t *testing.T) {
	t.Run("help text", func(t *testing.T) {
		output, err := executeCommand(t, "init", "--help")
		require.NoError(t, err)
		assert.Contains(t, output, "interactive configuration wizard")
	})

	t.Run("writes config", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "docsync.json")

		cmd := GetRootCmd()
		resetFlags(cmd)
		output := &bytes.Buffer{}
		cmd.SetOut(output)
		cmd.SetErr(output)
		// provider, backend, log level
		cmd.SetIn(strings.NewReader("hash\nhnsw\ndebug\n"))
		cmd.SetArgs([]string{"--config", configPath, "init"})

		require.NoError(t, cmd.Execute())
		assert.Contains(t, output.String(), "Configuration saved to: "+configPath)

		cfg, err := config.Load(configPath)
		require.NoError(t, err)
		assert.Equal(t, "hash", cfg.Embedding.Provider)
		assert.Equal(t, "hnsw", cfg.VectorStore.Backend)
		assert.Equal(t, "debug", cfg.Logging.Level)
	})
}
