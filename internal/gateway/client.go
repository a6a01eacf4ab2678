package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/echo-of-machines/ClawBridge/internal/eventbuf"
	"github.com/echo-of-machines/ClawBridge/internal/rpc"
)

const (
	defaultTickInterval = 30 * time.Second
	// watchdogGrace multiplies the negotiated tick interval; a connection
	// with no tick for that long is treated as dead.
	watchdogGrace = 2
)

// Config holds the gateway connection settings.
type Config struct {
	URL      string
	Token    string
	ClientID string
	Version  string
	Platform string
	Mode     string
	Role     string
	Scopes   []string
	Caps     []string
}

// Client maintains the authenticated websocket to the gateway. It handles
// the challenge/connect handshake, watches tick liveness and mirrors every
// inbound event into the shared buffer.
type Client struct {
	cfg    Config
	conn   *rpc.Conn
	buffer *eventbuf.Buffer

	// challengeCh holds at most one pending nonce; repeated challenge
	// events before the handshake consumes one are dropped so a retried
	// challenge never produces a second connect request.
	challengeCh chan string

	mu           sync.Mutex
	tickInterval time.Duration
	lastTick     time.Time
	reply        *ConnectReply
	dogCancel    context.CancelFunc

	clock func() time.Time
	wg    sync.WaitGroup
}

// NewClient builds a gateway client around cfg. Events are recorded into
// buffer as they arrive.
func NewClient(cfg Config, buffer *eventbuf.Buffer) *Client {
	c := &Client{
		cfg:          cfg,
		buffer:       buffer,
		challengeCh:  make(chan string, 1),
		tickInterval: defaultTickInterval,
		clock:        time.Now,
	}
	c.conn = rpc.New(rpc.Options{
		Name: "gateway",
		Dial: func(ctx context.Context) (rpc.Socket, error) {
			// A nonce left over from a previous socket is dead; clear it
			// before the new socket can deliver its own challenge.
			select {
			case <-c.challengeCh:
			default:
			}
			return rpc.DialWebSocket(ctx, cfg.URL, http.Header{})
		},
		Codec:     gatewayCodec{},
		Handshake: c.handshake,
	})
	c.conn.On(EventChallenge, c.onChallenge)
	c.conn.On(EventTick, c.onTick)
	c.conn.OnAny(c.recordEvent)
	c.conn.OnOpen(c.startWatchdog)
	c.conn.OnClose(func(error) { c.stopWatchdog() })
	return c
}

// Conn exposes the underlying connection for lifecycle hooks.
func (c *Client) Conn() *rpc.Conn { return c.conn }

// Connect dials the gateway and runs the handshake. On failure the
// connection keeps retrying in the background.
func (c *Client) Connect(ctx context.Context) error {
	return c.conn.Connect(ctx)
}

// Stop tears the connection down permanently.
func (c *Client) Stop() {
	c.conn.Stop()
	c.stopWatchdog()
	c.wg.Wait()
}

// State reports the connection state.
func (c *Client) State() rpc.State { return c.conn.State() }

// Reply returns the acknowledgement from the most recent handshake, or nil
// before the first successful connect.
func (c *Client) Reply() *ConnectReply {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reply
}

// Request performs a request on the open gateway connection.
func (c *Client) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return c.conn.Call(ctx, method, params)
}

func (c *Client) onChallenge(event string, payload json.RawMessage) {
	var ch challengePayload
	if err := json.Unmarshal(payload, &ch); err != nil {
		log.Printf("[gateway] malformed challenge: %v", err)
		return
	}
	select {
	case c.challengeCh <- ch.Nonce:
	default:
		// handshake already has a nonce waiting
	}
}

func (c *Client) handshake(ctx context.Context, conn *rpc.Conn) error {
	var nonce string
	select {
	case nonce = <-c.challengeCh:
	case <-ctx.Done():
		return &rpc.HandshakeError{Reason: "no challenge received", Err: ctx.Err()}
	}

	params := ConnectParams{
		MinProtocol: minProtocol,
		MaxProtocol: maxProtocol,
		Client: ClientInfo{
			ID:       c.cfg.ClientID,
			Version:  c.cfg.Version,
			Platform: c.cfg.Platform,
			Mode:     c.cfg.Mode,
		},
		Caps:   c.cfg.Caps,
		Role:   c.cfg.Role,
		Scopes: c.cfg.Scopes,
		Nonce:  nonce,
	}
	if c.cfg.Token != "" {
		params.Auth = &AuthParams{Token: c.cfg.Token}
	}

	raw, err := conn.HandshakeCall(ctx, "connect", params)
	if err != nil {
		return &rpc.HandshakeError{Reason: "connect rejected", Err: err}
	}
	var reply ConnectReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return &rpc.HandshakeError{Reason: "malformed connect ack", Err: err}
	}
	if reply.Protocol < minProtocol || reply.Protocol > maxProtocol {
		return &rpc.HandshakeError{Reason: fmt.Sprintf("unsupported protocol %d", reply.Protocol)}
	}

	c.mu.Lock()
	c.reply = &reply
	c.tickInterval = defaultTickInterval
	if ms := reply.Policy.TickIntervalMs; ms > 0 {
		c.tickInterval = time.Duration(ms) * time.Millisecond
	}
	c.lastTick = c.clock()
	c.mu.Unlock()
	return nil
}

func (c *Client) onTick(event string, _ json.RawMessage) {
	c.mu.Lock()
	c.lastTick = c.clock()
	c.mu.Unlock()
}

func (c *Client) recordEvent(event string, payload json.RawMessage) {
	if c.buffer != nil {
		c.buffer.Push(event, payload)
	}
}

// checkLiveness force-closes the connection when ticks have gone stale.
// It reports whether the connection was still considered live at now.
func (c *Client) checkLiveness(now time.Time) bool {
	c.mu.Lock()
	last := c.lastTick
	interval := c.tickInterval
	c.mu.Unlock()
	if now.Sub(last) > watchdogGrace*interval {
		c.conn.ForceClose(fmt.Errorf("no tick for %s", now.Sub(last).Round(time.Second)))
		return false
	}
	return true
}

func (c *Client) startWatchdog() {
	c.mu.Lock()
	if c.dogCancel != nil {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.dogCancel = cancel
	interval := c.tickInterval
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !c.checkLiveness(c.clock()) {
					return
				}
			}
		}
	}()
}

func (c *Client) stopWatchdog() {
	c.mu.Lock()
	if c.dogCancel != nil {
		c.dogCancel()
		c.dogCancel = nil
	}
	c.mu.Unlock()
}
