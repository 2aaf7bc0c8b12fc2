package sender

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) error {
	t.Helper()
	cmd := NewCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	return cmd.Execute()
}

func TestSendRequiresPaths(t *testing.T) {
	require.Error(t, run(t))
}

func TestSendValidatesFlagsBeforeConnecting(t *testing.T) {
	err := run(t, "--transport", "carrier-pigeon", "file.txt")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown transport")

	err = run(t, "--channels", "0", "file.txt")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "channels")
}

func TestSendReadsEnvironment(t *testing.T) {
	t.Setenv("BEAM_CHUNK_SIZE", "-5")
	err := run(t, "file.txt")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chunk size")
}

func TestSendOutputFlagHidden(t *testing.T) {
	cmd := NewCommand()
	f := cmd.Flags().Lookup("output")
	require.NotNil(t, f)
	assert.True(t, f.Hidden)
	assert.NotNil(t, cmd.Flags().Lookup("join"))
}
