// Package target drives the externally running application over its remote
// debugging channel: connecting through endpoint discovery, evaluating
// expressions in the page, injecting chat input, and receiving UI-change
// notifications.
package target

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/echo-of-machines/ClawBridge/internal/rpc"
)

const (
	// DefaultPingInterval is how often the liveness probe runs while open.
	DefaultPingInterval = 10 * time.Second
	// pingTimeout bounds a single probe.
	pingTimeout = 5 * time.Second
)

// Config locates the target and tunes input injection.
type Config struct {
	// Host and Port of the discovery endpoint (and of the debug channel
	// after address rewriting).
	Host string
	Port int

	// SelectorChain is tried in order when locating the editable input
	// element. Empty selects DefaultSelectorChain.
	SelectorChain []string

	// ResponseSelector locates the container whose text is read as the
	// target's last visible response.
	ResponseSelector string

	// PingInterval is the liveness probe cadence. Zero selects
	// DefaultPingInterval.
	PingInterval time.Duration
}

// DefaultSelectorChain prioritizes an explicit test id, then the semantic
// role, then any contenteditable element, then a bare textarea.
var DefaultSelectorChain = []string{
	`[data-testid="chat-input"]`,
	`[role="textbox"]`,
	`[contenteditable="true"]`,
	`textarea`,
}

// DefaultResponseSelector matches the last rendered response block.
const DefaultResponseSelector = `[data-message-role="assistant"]:last-of-type, .response-block:last-of-type`

// Client is the target control connection. It persists across reconnects of
// the underlying channel; a liveness probe forces a reconnect whenever the
// target stops answering.
type Client struct {
	cfg  Config
	conn *rpc.Conn

	mu         sync.Mutex
	pingCancel context.CancelFunc
	wg         sync.WaitGroup
}

// NewClient builds the client. Connect starts the channel.
func NewClient(cfg Config) *Client {
	if len(cfg.SelectorChain) == 0 {
		cfg.SelectorChain = DefaultSelectorChain
	}
	if cfg.ResponseSelector == "" {
		cfg.ResponseSelector = DefaultResponseSelector
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}

	c := &Client{cfg: cfg}
	httpClient := &http.Client{Timeout: discoveryTimeout}
	c.conn = rpc.New(rpc.Options{
		Name:  "target",
		Codec: debugCodec{},
		Dial: func(ctx context.Context) (rpc.Socket, error) {
			wsURL, err := discoverEndpoint(ctx, httpClient, cfg.Host, cfg.Port)
			if err != nil {
				return nil, err
			}
			return rpc.DialWebSocket(ctx, wsURL, nil)
		},
	})
	c.conn.OnOpen(c.startPing)
	c.conn.OnClose(func(error) { c.stopPing() })
	return c
}

// Conn exposes the underlying connection for event subscriptions.
func (c *Client) Conn() *rpc.Conn { return c.conn }

// Connect dials the target; from then on the connection keeps itself alive.
func (c *Client) Connect(ctx context.Context) error {
	return c.conn.Connect(ctx)
}

// Stop tears the connection down for good.
func (c *Client) Stop() {
	c.conn.Stop()
	c.stopPing()
	c.wg.Wait()
}

// State reports the connection state.
func (c *Client) State() rpc.State { return c.conn.State() }

// SetSelectors replaces the selector tuning at runtime. Empty arguments
// leave the corresponding setting unchanged.
func (c *Client) SetSelectors(chain []string, responseSelector string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(chain) > 0 {
		c.cfg.SelectorChain = chain
	}
	if responseSelector != "" {
		c.cfg.ResponseSelector = responseSelector
	}
}

func (c *Client) selectorChain() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.SelectorChain
}

func (c *Client) responseSelector() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.ResponseSelector
}

// Evaluate runs an expression in the target and returns its value.
func (c *Client) Evaluate(ctx context.Context, expression string) (json.RawMessage, error) {
	res, err := c.conn.Call(ctx, "Runtime.evaluate", map[string]any{
		"expression":    expression,
		"returnByValue": true,
		"awaitPromise":  true,
	})
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Result struct {
			Value json.RawMessage `json:"value"`
		} `json:"result"`
		ExceptionDetails *struct {
			Text string `json:"text"`
		} `json:"exceptionDetails"`
	}
	if err := json.Unmarshal(res, &parsed); err != nil {
		return nil, fmt.Errorf("parse evaluate result: %w", err)
	}
	if parsed.ExceptionDetails != nil {
		return nil, &rpc.RemoteError{Message: fmt.Sprintf("evaluation threw: %s", parsed.ExceptionDetails.Text)}
	}
	return parsed.Result.Value, nil
}

// EvaluateString is Evaluate for expressions yielding a string.
func (c *Client) EvaluateString(ctx context.Context, expression string) (string, error) {
	raw, err := c.Evaluate(ctx, expression)
	if err != nil {
		return "", err
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("expected string result, got %s", raw)
	}
	return s, nil
}

// LastResponseText reads the target's currently visible last response.
func (c *Client) LastResponseText(ctx context.Context) (string, error) {
	expr := fmt.Sprintf(
		`(() => { const el = document.querySelector(%s); return el ? el.innerText : ""; })()`,
		jsString(c.responseSelector()),
	)
	return c.EvaluateString(ctx, expr)
}

// startPing begins the liveness probe for the current socket.
func (c *Client) startPing() {
	c.stopPing()
	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.pingCancel = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go c.pingLoop(ctx)
}

func (c *Client) stopPing() {
	c.mu.Lock()
	cancel := c.pingCancel
	c.pingCancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// pingLoop issues a trivial no-op evaluation at the ping interval. Any
// failure forces the socket closed, which runs the standard reconnect path.
func (c *Client) pingLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		probe, cancel := context.WithTimeout(ctx, pingTimeout)
		_, err := c.Evaluate(probe, "1")
		cancel()
		if err != nil && ctx.Err() == nil {
			c.conn.ForceClose(fmt.Errorf("liveness probe failed: %w", err))
			return
		}
	}
}

// jsString embeds s safely in an evaluated snippet.
func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
