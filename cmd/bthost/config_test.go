package main

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/backkem/bthost/pkg/hci"
	"github.com/backkem/bthost/pkg/stack"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// parsedCommand returns a command carrying the global and per-command
// flags, parsed from args.
func parsedCommand(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "test"}
	addGlobalFlags(cmd)
	cmd.Flags().String("listen", "", "")
	cmd.Flags().Uint8("channel", 1, "")
	require.NoError(t, cmd.ParseFlags(args))
	return cmd
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bthost.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(parsedCommand(t))
	require.NoError(t, err)

	assert.Equal(t, "bthost", cfg.Name)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.True(t, cfg.Discovery)
	assert.Equal(t, 5*time.Second, cfg.DialTimeout)
	assert.Equal(t, uint8(1), cfg.RFCOMM.Channel)
	assert.Equal(t, uint16(1), cfg.AVRCP.Features)
	assert.Equal(t, "embedded", cfg.RunLoop)
	assert.Empty(t, cfg.Addr)
	assert.Empty(t, cfg.Listen)
}

func TestLoadConfigFile(t *testing.T) {
	path := writeConfig(t, `
addr: "00:1B:DC:00:00:01"
name: Kitchen Speaker
listen: ":6000"
discovery: false
dial_timeout: 2s
rfcomm:
  channel: 5
  credits: 4
  idle_timeout: 30s
avrcp:
  max_fragments: 3
`)
	cfg, err := loadConfig(parsedCommand(t, "--config", path))
	require.NoError(t, err)

	assert.Equal(t, "00:1B:DC:00:00:01", cfg.Addr)
	assert.Equal(t, "Kitchen Speaker", cfg.Name)
	assert.Equal(t, ":6000", cfg.Listen)
	assert.False(t, cfg.Discovery)
	assert.Equal(t, 2*time.Second, cfg.DialTimeout)
	assert.Equal(t, uint8(5), cfg.RFCOMM.Channel)
	assert.Equal(t, uint8(4), cfg.RFCOMM.Credits)
	assert.Equal(t, 30*time.Second, cfg.RFCOMM.IdleTimeout)
	assert.Equal(t, uint8(3), cfg.AVRCP.MaxFragments)

	// Untouched keys keep their defaults.
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, uint16(1), cfg.AVRCP.Features)
}

func TestLoadConfigFlagsOverride(t *testing.T) {
	path := writeConfig(t, "name: From File\nlisten: \":6000\"\nrfcomm:\n  channel: 5\n")
	cmd := parsedCommand(t,
		"--config", path,
		"--name", "From Flag",
		"--channel", "7",
		"--discovery=false",
		"--dial-timeout", "1s",
		"--log-level", "debug",
		"--runloop", "posix",
	)
	cfg, err := loadConfig(cmd)
	require.NoError(t, err)

	assert.Equal(t, "From Flag", cfg.Name)
	assert.Equal(t, ":6000", cfg.Listen)
	assert.Equal(t, uint8(7), cfg.RFCOMM.Channel)
	assert.False(t, cfg.Discovery)
	assert.Equal(t, time.Second, cfg.DialTimeout)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "posix", cfg.RunLoop)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := loadConfig(parsedCommand(t, "--config", filepath.Join(t.TempDir(), "missing.yaml")))
	require.ErrorIs(t, err, os.ErrNotExist)

	path := writeConfig(t, "rfcomm: [not, a, map]\n")
	_, err = loadConfig(parsedCommand(t, "--config", path))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config")
}

func TestStackConfig(t *testing.T) {
	storagePath := filepath.Join(t.TempDir(), "peers.yaml")
	cfg, err := loadConfig(parsedCommand(t, "--addr", "00:1b:dc:00:00:01", "--storage", storagePath))
	require.NoError(t, err)
	cfg.RFCOMM.Credits = 3

	config, err := cfg.stackConfig(nil)
	require.NoError(t, err)

	assert.Equal(t, hci.MustParseAddr("00:1B:DC:00:00:01"), config.LocalAddr)
	assert.Equal(t, "bthost", config.Name)
	assert.True(t, config.Discovery)
	assert.Equal(t, uint8(3), config.RFCOMMCredits)
	require.IsType(t, &stack.FileStorage{}, config.Storage)
	assert.Equal(t, storagePath, config.Storage.(*stack.FileStorage).Path())
	require.NoError(t, config.Validate())
}

func TestStackConfigInvalidAddr(t *testing.T) {
	cfg, err := loadConfig(parsedCommand(t, "--addr", "not-an-address"))
	require.NoError(t, err)

	_, err = cfg.stackConfig(nil)
	require.ErrorIs(t, err, hci.ErrInvalidAddr)
}

func TestStackConfigRandomAddr(t *testing.T) {
	cfg, err := loadConfig(parsedCommand(t))
	require.NoError(t, err)

	config, err := cfg.stackConfig(nil)
	require.NoError(t, err)
	assert.False(t, config.LocalAddr.IsZero())
	assert.Nil(t, config.Storage)
}

func TestStackConfigRunLoop(t *testing.T) {
	cfg, err := loadConfig(parsedCommand(t))
	require.NoError(t, err)
	config, err := cfg.stackConfig(nil)
	require.NoError(t, err)
	assert.Nil(t, config.RunLoop)
	assert.False(t, config.DriveRunLoop)

	cfg, err = loadConfig(parsedCommand(t, "--runloop", "posix"))
	require.NoError(t, err)
	config, err = cfg.stackConfig(nil)
	require.NoError(t, err)
	require.NotNil(t, config.RunLoop)
	assert.True(t, config.DriveRunLoop)
	assert.Implements(t, (*io.Closer)(nil), config.RunLoop)
	require.NoError(t, closeLoop(config.RunLoop))

	cfg, err = loadConfig(parsedCommand(t, "--runloop", "select"))
	require.NoError(t, err)
	_, err = cfg.stackConfig(nil)
	require.ErrorIs(t, err, errUnknownRunLoop)
}

func TestRunWithPOSIXLoop(t *testing.T) {
	cmd := parsedCommand(t, "--runloop", "posix", "--discovery=false", "--listen", "127.0.0.1:0")
	a, err := newApp(cmd, "")
	require.NoError(t, err)
	require.NotNil(t, a.loop)

	var ran bool
	err = a.run(context.Background(), func(ctx context.Context) error {
		ran = true
		return a.invoke(ctx, func() {})
	})
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, stack.StateStopped, a.stack.State())
}
