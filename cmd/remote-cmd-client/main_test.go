package main

import (
	"bytes"
	"context"
	"net"
	"remote-cmd/config"
	"remote-cmd/protocol"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeServer(t *testing.T, reply string) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		if _, err := protocol.Decode(conn, 0); err != nil {
			return
		}
		_ = protocol.Encode(conn, []byte(reply), 0)
	}()
	return l.Addr().String()
}

func TestRunPrintsResult(t *testing.T) {
	cfg := config.Default()
	cfg.Client.Address = fakeServer(t, "Fri Oct 16 12:00:00 UTC 2026\n")

	var out bytes.Buffer
	require.NoError(t, run(context.Background(), cfg, &out))
	assert.Equal(t, "Received timeinfo: Fri Oct 16 12:00:00 UTC 2026\n\n", out.String())
}

func TestRunConnectFailure(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	cfg := config.Default()
	cfg.Client.Address = l.Addr().String()
	l.Close()

	var out bytes.Buffer
	assert.Error(t, run(context.Background(), cfg, &out))
	assert.Empty(t, out.String())
}

func TestRootCmdUsesAddressArgument(t *testing.T) {
	t.Setenv(config.EnvConfigPath, "")
	addr := fakeServer(t, "invalid directive")

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{addr})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, "Received timeinfo: invalid directive\n", out.String())
}

func TestRootCmdRejectsExtraArguments(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"a", "b"})
	assert.Error(t, cmd.Execute())
}
