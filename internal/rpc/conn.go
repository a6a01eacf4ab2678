package rpc

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"
)

// State is the lifecycle state of a Conn.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateHandshaking
	StateOpen
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// Listener receives events carrying no correlation id.
type Listener func(event string, payload json.RawMessage)

// Options parameterizes a Conn. The two concrete connections in the system
// differ only in these values; there is no subclassing.
type Options struct {
	// Name appears in log lines.
	Name string

	// Dial opens a new socket, including any per-variant endpoint
	// resolution.
	Dial Dialer

	// Codec is the wire format.
	Codec Codec

	// Handshake, when set, runs after every successful dial before the
	// connection is considered usable. It may exchange frames through
	// HandshakeCall. A nil Handshake means the channel is usable as soon
	// as the socket opens.
	Handshake func(ctx context.Context, c *Conn) error

	// HandshakeTimeout bounds Handshake. Defaults to 5s.
	HandshakeTimeout time.Duration

	// Backoff schedules reconnect attempts. Defaults to NewBackoff().
	Backoff *Backoff
}

type callResult struct {
	result json.RawMessage
	err    error
}

type listenerEntry struct {
	id int
	fn Listener
}

// Conn is a single persistent, multiplexed request/response + event channel
// over an unreliable transport. It is created once per logical endpoint and
// persists across reconnects: a transport loss rejects in-flight calls,
// clears the socket, and schedules a redial with exponential backoff, while
// event subscriptions and configuration stay attached to the Conn itself.
type Conn struct {
	opts Options

	mu         sync.Mutex
	state      State
	sock       Socket
	gen        uint64 // socket generation; guards stale close handling
	seq        uint64
	pending    map[string]chan callResult
	listeners  map[string][]listenerEntry
	anyList    []listenerEntry
	nextLisID  int
	backoff    *Backoff
	retryTimer *time.Timer
	stopped    bool

	openHooks  []func()
	closeHooks []func(error)
}

// New constructs a Conn. It does not dial; call Connect.
func New(opts Options) *Conn {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 5 * time.Second
	}
	backoff := opts.Backoff
	if backoff == nil {
		backoff = NewBackoff()
	}
	return &Conn{
		opts:      opts,
		pending:   make(map[string]chan callResult),
		listeners: make(map[string][]listenerEntry),
		backoff:   backoff,
	}
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnOpen registers a hook invoked after every successful (re)open, once the
// channel is usable. Hooks run on the connect goroutine.
func (c *Conn) OnOpen(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.openHooks = append(c.openHooks, fn)
}

// OnClose registers a hook invoked whenever the socket is lost or torn down.
func (c *Conn) OnClose(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeHooks = append(c.closeHooks, fn)
}

// On registers a listener for the named event. Listeners live on the Conn,
// not the socket, so they survive reconnects without resubscribing. The
// returned function unregisters the listener.
func (c *Conn) On(event string, fn Listener) (off func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextLisID++
	id := c.nextLisID
	c.listeners[event] = append(c.listeners[event], listenerEntry{id: id, fn: fn})
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		entries := c.listeners[event]
		for i, e := range entries {
			if e.id == id {
				c.listeners[event] = append(entries[:i:i], entries[i+1:]...)
				break
			}
		}
	}
}

// OnAny registers a listener invoked for every inbound event regardless of
// name, after the name-specific listeners.
func (c *Conn) OnAny(fn Listener) (off func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextLisID++
	id := c.nextLisID
	c.anyList = append(c.anyList, listenerEntry{id: id, fn: fn})
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, e := range c.anyList {
			if e.id == id {
				c.anyList = append(c.anyList[:i:i], c.anyList[i+1:]...)
				break
			}
		}
	}
}

// Connect performs the initial dial. The returned error reflects only this
// first attempt; regardless of outcome the Conn keeps itself connected from
// here on, redialing with backoff until Stop is called.
func (c *Conn) Connect(ctx context.Context) error {
	return c.connectOnce(ctx)
}

func (c *Conn) connectOnce(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return ErrStopped
	}
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.mu.Unlock()

	sock, err := c.opts.Dial(ctx)
	if err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.scheduleRetryLocked()
		c.mu.Unlock()
		log.Printf("[%s] connect failed: %v", c.opts.Name, err)
		return err
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		sock.Close()
		return ErrStopped
	}
	c.gen++
	gen := c.gen
	c.sock = sock
	if c.opts.Handshake != nil {
		c.state = StateHandshaking
	} else {
		c.state = StateOpen
		c.backoff.Reset()
	}
	c.mu.Unlock()

	go c.readLoop(sock, gen)

	if c.opts.Handshake != nil {
		hctx, cancel := context.WithTimeout(ctx, c.opts.HandshakeTimeout)
		err := c.opts.Handshake(hctx, c)
		cancel()
		if err != nil {
			herr := &HandshakeError{Reason: "handshake callback", Err: err}
			log.Printf("[%s] %v", c.opts.Name, herr)
			// Closing the socket fails the read loop, which runs the
			// standard close-and-reconnect path.
			sock.Close()
			return herr
		}
		c.mu.Lock()
		if c.gen != gen || c.state != StateHandshaking {
			// The socket died while the handshake callback was finishing.
			c.mu.Unlock()
			return ErrConnectionClosed
		}
		c.state = StateOpen
		c.backoff.Reset()
		c.mu.Unlock()
	}

	log.Printf("[%s] connected", c.opts.Name)
	c.fireOpenHooks()
	return nil
}

func (c *Conn) fireOpenHooks() {
	c.mu.Lock()
	hooks := make([]func(), len(c.openHooks))
	copy(hooks, c.openHooks)
	c.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

func (c *Conn) readLoop(sock Socket, gen uint64) {
	for {
		data, err := sock.ReadMessage()
		if err != nil {
			c.handleClose(gen, &TransportError{Op: "read", Err: err})
			return
		}
		c.dispatch(data)
	}
}

func (c *Conn) dispatch(data []byte) {
	in, err := c.opts.Codec.Decode(data)
	if err != nil || in == nil {
		// Malformed frames are dropped, never propagated.
		return
	}

	switch in.Kind {
	case KindResponse:
		c.mu.Lock()
		ch, ok := c.pending[in.ID]
		if ok {
			delete(c.pending, in.ID)
		}
		c.mu.Unlock()
		if !ok {
			// Response to a request no longer pending; drop it.
			return
		}
		if in.IsErr {
			ch <- callResult{err: &RemoteError{Message: in.ErrMsg}}
		} else {
			ch <- callResult{result: in.Result}
		}

	case KindEvent:
		c.mu.Lock()
		entries := make([]listenerEntry, 0, len(c.listeners[in.Event])+len(c.anyList))
		entries = append(entries, c.listeners[in.Event]...)
		entries = append(entries, c.anyList...)
		c.mu.Unlock()
		for _, e := range entries {
			c.safeInvoke(e.fn, in.Event, in.Payload)
		}
	}
}

// safeInvoke isolates listener panics: one failing listener must not block
// delivery to the others or kill the read loop.
func (c *Conn) safeInvoke(fn Listener, event string, payload json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[%s] listener panic on %q: %v", c.opts.Name, event, r)
		}
	}()
	fn(event, payload)
}

func (c *Conn) handleClose(gen uint64, cause error) {
	c.mu.Lock()
	if gen != c.gen {
		// A stale socket's read loop finishing after a replacement was
		// dialed; nothing to do.
		c.mu.Unlock()
		return
	}
	if c.sock != nil {
		c.sock.Close()
		c.sock = nil
	}
	c.state = StateDisconnected
	stopped := c.stopped
	rejected := c.pending
	c.pending = make(map[string]chan callResult)
	if !stopped {
		c.scheduleRetryLocked()
	}
	hooks := make([]func(error), len(c.closeHooks))
	copy(hooks, c.closeHooks)
	c.mu.Unlock()

	rejectErr := ErrConnectionClosed
	if stopped {
		rejectErr = ErrStopped
	}
	for _, ch := range rejected {
		ch <- callResult{err: rejectErr}
	}
	if len(rejected) > 0 {
		log.Printf("[%s] rejected %d pending calls: %v", c.opts.Name, len(rejected), rejectErr)
	}
	for _, fn := range hooks {
		fn(cause)
	}
}

// scheduleRetryLocked arms the reconnect timer. Caller holds c.mu.
func (c *Conn) scheduleRetryLocked() {
	if c.stopped || c.retryTimer != nil {
		return
	}
	delay := c.backoff.NextDelay()
	log.Printf("[%s] reconnecting in %v", c.opts.Name, delay)
	c.retryTimer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		c.retryTimer = nil
		c.mu.Unlock()
		// A failed attempt reschedules itself through the same close path;
		// no retry counter is needed.
		_ = c.connectOnce(context.Background())
	})
}

// Call sends a request and blocks until the matching response arrives, the
// connection is lost, or ctx expires. It fails immediately with
// ErrNotConnected when the channel is not open.
func (c *Conn) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return c.call(ctx, method, params, StateOpen)
}

// HandshakeCall is Call for use from within the Handshake callback, while
// the connection has a live socket but is not yet usable by outside callers.
func (c *Conn) HandshakeCall(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return c.call(ctx, method, params, StateHandshaking)
}

func (c *Conn) call(ctx context.Context, method string, params any, want State) (json.RawMessage, error) {
	c.mu.Lock()
	if c.state != want && !(want == StateHandshaking && c.state == StateOpen) {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	sock := c.sock
	c.seq++
	id := c.opts.Codec.RequestID(c.seq)
	data, err := c.opts.Codec.EncodeRequest(id, method, params)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	ch := make(chan callResult, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	if err := sock.WriteMessage(data); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, &TransportError{Op: "write", Err: err}
	}

	select {
	case r := <-ch:
		return r.result, r.err
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

// ForceClose drops the current socket, pushing the connection through the
// standard close-and-reconnect path. Watchdogs use this when liveness can no
// longer be confirmed.
func (c *Conn) ForceClose(reason error) {
	c.mu.Lock()
	sock := c.sock
	c.mu.Unlock()
	if sock != nil {
		log.Printf("[%s] forcing close: %v", c.opts.Name, reason)
		// The read loop observes the closed socket and runs handleClose.
		sock.Close()
	}
}

// Stop tears the connection down for good: reconnects are suppressed, the
// retry timer is cancelled, pending calls are rejected with ErrStopped, and
// the socket is closed. Idempotent.
func (c *Conn) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.state = StateClosing
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	sock := c.sock
	rejected := c.pending
	c.pending = make(map[string]chan callResult)
	if sock == nil {
		c.state = StateDisconnected
	}
	c.mu.Unlock()

	for _, ch := range rejected {
		ch <- callResult{err: ErrStopped}
	}
	if sock != nil {
		// The read loop finishes the teardown via handleClose.
		sock.Close()
	}
	log.Printf("[%s] stopped", c.opts.Name)
}
