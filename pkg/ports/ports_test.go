package ports

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindAvailablePortPrefersRequested(t *testing.T) {
	// Grab a free port, release it, then ask for it.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	got, err := FindAvailablePort("127.0.0.1", port)
	require.NoError(t, err)
	assert.Equal(t, port, got)
}

func TestFindAvailablePortSkipsTaken(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	taken := ln.Addr().(*net.TCPAddr).Port

	got, err := FindAvailablePort("127.0.0.1", taken)
	require.NoError(t, err)
	assert.NotEqual(t, taken, got)
	assert.GreaterOrEqual(t, got, taken)
	assert.LessOrEqual(t, got, taken+1000)
}
