package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVAPIDKeysCommand(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"vapid-keys"})
	require.NoError(t, root.Execute())

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "PWASHELL_VAPID_PUBLIC_KEY=B"), lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "PWASHELL_VAPID_PRIVATE_KEY="), lines[1])
}

func TestCommandsFailWithoutConfig(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "missing.yaml")
	for _, args := range [][]string{
		{"serve", "--config", missing},
		{"send", "--config", missing, "--user", "jane@example.com"},
		{"agent", "--config", missing},
	} {
		root := newRootCmd()
		root.SetOut(&bytes.Buffer{})
		root.SetErr(&bytes.Buffer{})
		root.SetArgs(args)
		assert.Error(t, root.Execute(), args[0])
	}
}

func TestConfigPathFromEnv(t *testing.T) {
	t.Setenv("PWASHELL_CONFIG", "/etc/pwashell/shell.yaml")
	root := newRootCmd()
	flag := root.PersistentFlags().Lookup("config")
	require.NotNil(t, flag)
	assert.Equal(t, "/etc/pwashell/shell.yaml", flag.DefValue)
}
