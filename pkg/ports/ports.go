// Package ports picks listening ports for the local status endpoint.
package ports

import (
	"fmt"
	"math/rand"
	"net"
)

const maxAttempts = 50

// FindAvailablePort returns startPort when it is free, otherwise a free
// port from the range [startPort, startPort+1000].
func FindAvailablePort(host string, startPort int) (int, error) {
	if isPortAvailable(host, startPort) {
		return startPort, nil
	}

	minPort := startPort
	maxPort := startPort + 1000
	if maxPort > 65535 {
		maxPort = 65535
	}

	for attempts := 0; attempts < maxAttempts; attempts++ {
		port := minPort + rand.Intn(maxPort-minPort+1)
		if isPortAvailable(host, port) {
			return port, nil
		}
	}

	return 0, fmt.Errorf("unable to find available port after %d attempts in range %d-%d", maxAttempts, minPort, maxPort)
}

// isPortAvailable checks a port by attempting to listen on it.
func isPortAvailable(host string, port int) bool {
	listener, err := net.Listen("tcp", net.JoinHostPort(host, fmt.Sprintf("%d", port)))
	if err != nil {
		return false
	}
	listener.Close()
	return true
}
