package target

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/echo-of-machines/ClawBridge/internal/rpc"
)

// discoveryTimeout bounds the HTTP listing call.
const discoveryTimeout = 5 * time.Second

// Descriptor is one debuggable target advertised by the discovery endpoint.
type Descriptor struct {
	ID                   string `json:"id"`
	Type                 string `json:"type"`
	Title                string `json:"title"`
	URL                  string `json:"url"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// discoverEndpoint lists the candidate targets over HTTP and returns the
// debug channel address of the selected one: the first "page"-typed target,
// falling back to the first entry when none matches.
func discoverEndpoint(ctx context.Context, httpClient *http.Client, host string, port int) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, discoveryTimeout)
	defer cancel()

	listURL := fmt.Sprintf("http://%s/json/list", net.JoinHostPort(host, strconv.Itoa(port)))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, listURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return "", &rpc.TransportError{Op: "discovery", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", &rpc.DiscoveryError{Reason: fmt.Sprintf("discovery endpoint returned HTTP %d", resp.StatusCode)}
	}

	var targets []Descriptor
	if err := json.NewDecoder(resp.Body).Decode(&targets); err != nil {
		return "", &rpc.DiscoveryError{Reason: fmt.Sprintf("malformed target list: %v", err)}
	}

	selected, err := selectTarget(targets)
	if err != nil {
		return "", err
	}
	return rewriteDebugAddress(selected.WebSocketDebuggerURL, host, port)
}

func selectTarget(targets []Descriptor) (Descriptor, error) {
	if len(targets) == 0 {
		return Descriptor{}, &rpc.DiscoveryError{Reason: "target list is empty"}
	}
	for _, t := range targets {
		if t.Type == "page" && t.WebSocketDebuggerURL != "" {
			return t, nil
		}
	}
	if targets[0].WebSocketDebuggerURL == "" {
		return Descriptor{}, &rpc.DiscoveryError{Reason: "no target advertises a debug channel address"}
	}
	return targets[0], nil
}

// rewriteDebugAddress pins the advertised channel address to the configured
// connect host. Targets running in a container or VM advertise their own
// loopback address, which is unreachable from here; the host and port are
// rewritten to the values that worked for discovery.
func rewriteDebugAddress(wsURL, host string, port int) (string, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return "", &rpc.DiscoveryError{Reason: fmt.Sprintf("malformed debug channel address %q: %v", wsURL, err)}
	}
	if u.Hostname() != host {
		u.Host = net.JoinHostPort(host, strconv.Itoa(port))
	}
	return u.String(), nil
}
