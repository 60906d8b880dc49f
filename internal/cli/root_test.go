package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	t.Run("registers subcommands", func(t *testing.T) {
		names := map[string]bool{}
		for _, c := range RootCmd().Commands() {
			names[c.Name()] = true
		}
		assert.True(t, names["start"])
		assert.True(t, names["status"])
		assert.True(t, names["stop"])
	})

	t.Run("version", func(t *testing.T) {
		var out bytes.Buffer
		cmd := RootCmd()
		cmd.SetOut(&out)
		cmd.SetArgs([]string{"--version"})
		require.NoError(t, cmd.Execute())
		assert.Contains(t, out.String(), version)
	})
}

func TestReadPID(t *testing.T) {
	dir := t.TempDir()

	t.Run("missing file", func(t *testing.T) {
		assert.Zero(t, readPID(filepath.Join(dir, "nope.pid")))
	})

	t.Run("garbage content", func(t *testing.T) {
		path := filepath.Join(dir, "garbage.pid")
		require.NoError(t, os.WriteFile(path, []byte("not a pid"), 0644))
		assert.Zero(t, readPID(path))
	})

	t.Run("dead process", func(t *testing.T) {
		// PID 1 is init; an absurd PID is certainly dead.
		path := filepath.Join(dir, "dead.pid")
		require.NoError(t, os.WriteFile(path, []byte("4194000"), 0644))
		assert.Zero(t, readPID(path))
	})

	t.Run("live process", func(t *testing.T) {
		path := filepath.Join(dir, "live.pid")
		require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0644))
		assert.Equal(t, os.Getpid(), readPID(path))
	})
}
