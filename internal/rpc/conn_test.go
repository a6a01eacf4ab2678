package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testCodec speaks a minimal numeric-id JSON protocol.
type testCodec struct{}

type testFrame struct {
	ID     *int64          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params any             `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (testCodec) RequestID(seq uint64) string { return strconv.FormatUint(seq, 10) }

func (testCodec) EncodeRequest(id, method string, params any) ([]byte, error) {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return nil, err
	}
	return json.Marshal(testFrame{ID: &n, Method: method, Params: params})
}

func (testCodec) Decode(data []byte) (*Inbound, error) {
	var f testFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, nil
	}
	if f.ID != nil {
		in := &Inbound{Kind: KindResponse, ID: strconv.FormatInt(*f.ID, 10), Result: f.Result}
		if f.Error != nil {
			in.IsErr = true
			in.ErrMsg = f.Error.Message
		}
		return in, nil
	}
	if f.Method != "" {
		params, _ := json.Marshal(f.Params)
		return &Inbound{Kind: KindEvent, Event: f.Method, Payload: params}, nil
	}
	return nil, nil
}

// fakeSocket delivers frames pushed through deliver and records writes.
type fakeSocket struct {
	mu     sync.Mutex
	writes [][]byte
	in     chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		in:     make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (s *fakeSocket) ReadMessage() ([]byte, error) {
	select {
	case data := <-s.in:
		return data, nil
	case <-s.closed:
		return nil, errors.New("socket closed")
	}
}

func (s *fakeSocket) WriteMessage(data []byte) error {
	select {
	case <-s.closed:
		return errors.New("socket closed")
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = append(s.writes, data)
	return nil
}

func (s *fakeSocket) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeSocket) deliver(t *testing.T, frame string) {
	t.Helper()
	select {
	case s.in <- []byte(frame):
	case <-time.After(time.Second):
		t.Fatal("fake socket inbound queue full")
	}
}

func (s *fakeSocket) writeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.writes)
}

// fakeDialer hands out sockets in order; nil entries mean a failed dial.
type fakeDialer struct {
	mu    sync.Mutex
	socks []*fakeSocket
	calls int
}

func (d *fakeDialer) dial(ctx context.Context) (Socket, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.calls >= len(d.socks) {
		return nil, errors.New("no more sockets")
	}
	s := d.socks[d.calls]
	d.calls++
	if s == nil {
		return nil, errors.New("dial refused")
	}
	return s, nil
}

func testBackoff() *Backoff {
	return &Backoff{BaseDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond}
}

func newTestConn(t *testing.T, d *fakeDialer) *Conn {
	t.Helper()
	c := New(Options{
		Name:    "test",
		Dial:    d.dial,
		Codec:   testCodec{},
		Backoff: testBackoff(),
	})
	t.Cleanup(c.Stop)
	return c
}

func waitForState(t *testing.T, c *Conn, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("connection never reached state %v (now %v)", want, c.State())
}

func TestCallMatchesResponsesByID(t *testing.T) {
	sock := newFakeSocket()
	c := newTestConn(t, &fakeDialer{socks: []*fakeSocket{sock}})
	require.NoError(t, c.Connect(context.Background()))

	type outcome struct {
		result json.RawMessage
		err    error
	}
	results := make([]chan outcome, 3)
	for i := range results {
		results[i] = make(chan outcome, 1)
		go func(i int) {
			res, err := c.Call(context.Background(), "echo", map[string]int{"n": i})
			results[i] <- outcome{res, err}
		}(i)
	}

	// Wait until all three requests hit the wire.
	deadline := time.Now().Add(time.Second)
	for sock.writeCount() < 3 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	require.Equal(t, 3, sock.writeCount())

	// Respond out of order: 3, 1, 2.
	sock.deliver(t, `{"id":3,"result":"three"}`)
	sock.deliver(t, `{"id":1,"result":"one"}`)
	sock.deliver(t, `{"id":2,"result":"two"}`)

	// Each caller sees exactly the response matching its request id,
	// regardless of arrival order. Request ids are allocated in goroutine
	// scheduling order, so just collect and verify the set.
	got := map[string]bool{}
	for i := range results {
		o := <-results[i]
		require.NoError(t, o.err)
		got[string(o.result)] = true
	}
	assert.Equal(t, map[string]bool{`"one"`: true, `"two"`: true, `"three"`: true}, got)
}

func TestCallRemoteError(t *testing.T) {
	sock := newFakeSocket()
	c := newTestConn(t, &fakeDialer{socks: []*fakeSocket{sock}})
	require.NoError(t, c.Connect(context.Background()))

	done := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), "boom", nil)
		done <- err
	}()

	deadline := time.Now().Add(time.Second)
	for sock.writeCount() < 1 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	sock.deliver(t, `{"id":1,"error":{"message":"no such method"}}`)

	err := <-done
	var re *RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "no such method", re.Message)
}

func TestCallWhileDisconnected(t *testing.T) {
	c := newTestConn(t, &fakeDialer{})
	_, err := c.Call(context.Background(), "anything", nil)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestTransportCloseRejectsPendingOnce(t *testing.T) {
	sock := newFakeSocket()
	next := newFakeSocket()
	c := newTestConn(t, &fakeDialer{socks: []*fakeSocket{sock, next}})
	require.NoError(t, c.Connect(context.Background()))

	const callers = 5
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		go func() {
			_, err := c.Call(context.Background(), "hang", nil)
			errs <- err
		}()
	}
	deadline := time.Now().Add(time.Second)
	for sock.writeCount() < callers && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}

	sock.Close()

	for i := 0; i < callers; i++ {
		select {
		case err := <-errs:
			assert.ErrorIs(t, err, ErrConnectionClosed)
		case <-time.After(2 * time.Second):
			t.Fatal("pending call left unresolved after transport close")
		}
	}

	// The connection redials on its own and becomes usable again.
	waitForState(t, c, StateOpen)
}

func TestReconnectAfterFailedDials(t *testing.T) {
	first := newFakeSocket()
	recovered := newFakeSocket()
	// Two refused dials between the sockets: each failure reschedules
	// through the same close path.
	d := &fakeDialer{socks: []*fakeSocket{first, nil, nil, recovered}}
	c := newTestConn(t, d)
	require.NoError(t, c.Connect(context.Background()))

	first.Close()
	waitForState(t, c, StateOpen)

	d.mu.Lock()
	calls := d.calls
	d.mu.Unlock()
	assert.Equal(t, 4, calls)
}

func TestUnmatchedResponseDropped(t *testing.T) {
	sock := newFakeSocket()
	c := newTestConn(t, &fakeDialer{socks: []*fakeSocket{sock}})
	require.NoError(t, c.Connect(context.Background()))

	// No request with id 42 is pending; the frame must be ignored and the
	// connection must stay usable.
	sock.deliver(t, `{"id":42,"result":"stray"}`)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := c.Call(context.Background(), "after", nil)
		assert.NoError(t, err)
	}()
	deadline := time.Now().Add(time.Second)
	for sock.writeCount() < 1 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	sock.deliver(t, `{"id":1,"result":null}`)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("call after stray response never completed")
	}
}

func TestEventListeners(t *testing.T) {
	sock := newFakeSocket()
	c := newTestConn(t, &fakeDialer{socks: []*fakeSocket{sock}})

	var mu sync.Mutex
	var order []string
	c.On("thing.changed", func(event string, payload json.RawMessage) {
		mu.Lock()
		order = append(order, "first:"+string(payload))
		mu.Unlock()
	})
	c.On("thing.changed", func(event string, payload json.RawMessage) {
		panic("listener bug")
	})
	c.On("thing.changed", func(event string, payload json.RawMessage) {
		mu.Lock()
		order = append(order, "third")
		mu.Unlock()
	})
	offOther := c.On("other", func(event string, payload json.RawMessage) {
		mu.Lock()
		order = append(order, "other")
		mu.Unlock()
	})
	offOther()

	require.NoError(t, c.Connect(context.Background()))
	sock.deliver(t, `{"method":"thing.changed","params":{"x":1}}`)
	sock.deliver(t, `{"method":"other","params":{}}`)
	sock.deliver(t, `this is not json`)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(order)
		mu.Unlock()
		if n >= 2 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	// Registration order, panicking listener isolated, unregistered
	// listener never called, malformed frame dropped.
	assert.Equal(t, []string{`first:{"x":1}`, "third"}, order)
}

func TestOnAnySeesEveryEvent(t *testing.T) {
	sock := newFakeSocket()
	c := newTestConn(t, &fakeDialer{socks: []*fakeSocket{sock}})

	seen := make(chan string, 4)
	c.OnAny(func(event string, payload json.RawMessage) {
		seen <- event
	})

	require.NoError(t, c.Connect(context.Background()))
	sock.deliver(t, `{"method":"a"}`)
	sock.deliver(t, `{"method":"b"}`)

	for _, want := range []string{"a", "b"} {
		select {
		case got := <-seen:
			assert.Equal(t, want, got)
		case <-time.After(time.Second):
			t.Fatalf("never saw event %q", want)
		}
	}
}

func TestListenersSurviveReconnect(t *testing.T) {
	first := newFakeSocket()
	second := newFakeSocket()
	c := newTestConn(t, &fakeDialer{socks: []*fakeSocket{first, second}})

	seen := make(chan string, 2)
	c.On("notice", func(event string, payload json.RawMessage) {
		seen <- string(payload)
	})

	require.NoError(t, c.Connect(context.Background()))
	first.deliver(t, `{"method":"notice","params":"before"}`)
	select {
	case got := <-seen:
		assert.Equal(t, `"before"`, got)
	case <-time.After(time.Second):
		t.Fatal("event before reconnect not delivered")
	}

	first.Close()
	waitForState(t, c, StateOpen)

	// Same subscription, new socket, no resubscribe.
	second.deliver(t, `{"method":"notice","params":"after"}`)
	select {
	case got := <-seen:
		assert.Equal(t, `"after"`, got)
	case <-time.After(time.Second):
		t.Fatal("event after reconnect not delivered")
	}
}

func TestStopRejectsPendingAndSuppressesReconnect(t *testing.T) {
	sock := newFakeSocket()
	d := &fakeDialer{socks: []*fakeSocket{sock, newFakeSocket()}}
	c := newTestConn(t, d)
	require.NoError(t, c.Connect(context.Background()))

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), "hang", nil)
		errCh <- err
	}()
	deadline := time.Now().Add(time.Second)
	for sock.writeCount() < 1 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}

	c.Stop()
	c.Stop() // idempotent

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrStopped)
	case <-time.After(2 * time.Second):
		t.Fatal("pending call not rejected by Stop")
	}

	// No redial after teardown.
	time.Sleep(50 * time.Millisecond)
	d.mu.Lock()
	calls := d.calls
	d.mu.Unlock()
	assert.Equal(t, 1, calls)

	_, err := c.Call(context.Background(), "late", nil)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestCallContextCancel(t *testing.T) {
	sock := newFakeSocket()
	c := newTestConn(t, &fakeDialer{socks: []*fakeSocket{sock}})
	require.NoError(t, c.Connect(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := c.Call(ctx, "hang", nil)
		errCh <- err
	}()
	deadline := time.Now().Add(time.Second)
	for sock.writeCount() < 1 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled call never returned")
	}

	// The late response for the abandoned id is dropped silently and the
	// connection stays usable.
	sock.deliver(t, `{"id":1,"result":"late"}`)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, StateOpen, c.State())
}

func TestOpenAndCloseHooks(t *testing.T) {
	first := newFakeSocket()
	second := newFakeSocket()
	c := newTestConn(t, &fakeDialer{socks: []*fakeSocket{first, second}})

	var mu sync.Mutex
	opens, closes := 0, 0
	c.OnOpen(func() {
		mu.Lock()
		opens++
		mu.Unlock()
	})
	c.OnClose(func(err error) {
		mu.Lock()
		closes++
		mu.Unlock()
	})

	require.NoError(t, c.Connect(context.Background()))
	first.Close()
	waitForState(t, c, StateOpen)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, opens, "open hook fires on every successful reopen")
	assert.Equal(t, 1, closes)
}

func TestBackoffResetOnSuccessfulReopen(t *testing.T) {
	b := testBackoff()
	first := newFakeSocket()
	second := newFakeSocket()
	c := New(Options{
		Name:    "test",
		Dial:    (&fakeDialer{socks: []*fakeSocket{first, second}}).dial,
		Codec:   testCodec{},
		Backoff: b,
	})
	t.Cleanup(c.Stop)

	require.NoError(t, c.Connect(context.Background()))
	first.Close()
	waitForState(t, c, StateOpen)

	if got := b.AttemptCount(); got != 0 {
		t.Errorf("backoff attempt count after successful reopen = %d, want 0", got)
	}
}
