package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/echo-of-machines/ClawBridge/internal/eventbuf"
	"github.com/echo-of-machines/ClawBridge/internal/rpc"
)

// fakeGateway serves the typed-envelope protocol: it challenges every new
// socket, acknowledges the connect request, and answers scripted methods.
type fakeGateway struct {
	srv *httptest.Server

	challenges int // challenge events sent per accepted socket

	mu       sync.Mutex
	connects []ConnectParams
	conn     *websocket.Conn
}

func newFakeGateway(t *testing.T) *fakeGateway {
	t.Helper()
	f := &fakeGateway{challenges: 1}
	upgrader := websocket.Upgrader{}

	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.mu.Lock()
		f.conn = conn
		n := f.challenges
		f.mu.Unlock()

		for i := 0; i < n; i++ {
			conn.WriteJSON(map[string]any{
				"type":    "event",
				"event":   EventChallenge,
				"payload": map[string]any{"nonce": "nonce-1"},
				"seq":     i + 1,
			})
		}

		for {
			var req struct {
				Type   string          `json:"type"`
				ID     string          `json:"id"`
				Method string          `json:"method"`
				Params json.RawMessage `json:"params"`
			}
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			switch req.Method {
			case "connect":
				var p ConnectParams
				json.Unmarshal(req.Params, &p)
				f.mu.Lock()
				f.connects = append(f.connects, p)
				f.mu.Unlock()
				conn.WriteJSON(map[string]any{
					"type": "res",
					"id":   req.ID,
					"ok":   true,
					"payload": map[string]any{
						"protocol": 1,
						"server":   map[string]any{"version": "2.4.0", "connId": "conn-9"},
						"features": []string{"chat"},
						"policy":   map[string]any{"maxPayload": 65536, "tickIntervalMs": 15000},
					},
				})
			case "echo":
				conn.WriteJSON(map[string]any{
					"type":    "res",
					"id":      req.ID,
					"ok":      true,
					"payload": json.RawMessage(req.Params),
				})
			default:
				conn.WriteJSON(map[string]any{
					"type":  "res",
					"id":    req.ID,
					"ok":    false,
					"error": map[string]any{"message": "unknown method"},
				})
			}
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeGateway) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeGateway) connectParams() []ConnectParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ConnectParams, len(f.connects))
	copy(out, f.connects)
	return out
}

func (f *fakeGateway) emit(t *testing.T, event string, payload any) {
	t.Helper()
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	require.NotNil(t, conn, "no gateway socket connected")
	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":    "event",
		"event":   event,
		"payload": payload,
		"seq":     99,
	}))
}

func testConfig(url string) Config {
	return Config{
		URL:      url,
		Token:    "secret-token",
		ClientID: "bridge-test",
		Version:  "1.0.0",
		Platform: "linux",
		Mode:     "bridge",
		Role:     "operator",
		Scopes:   []string{"chat"},
		Caps:     []string{"inject", "observe"},
	}
}

func TestGatewayHandshake(t *testing.T) {
	f := newFakeGateway(t)
	c := NewClient(testConfig(f.url()), nil)
	t.Cleanup(c.Stop)

	require.NoError(t, c.Connect(context.Background()))
	require.Equal(t, rpc.StateOpen, c.State())

	reply := c.Reply()
	require.NotNil(t, reply)
	assert.Equal(t, 1, reply.Protocol)
	assert.Equal(t, "conn-9", reply.Server.ConnID)
	assert.Equal(t, 15000, reply.Policy.TickIntervalMs)

	// The negotiated interval replaces the default.
	c.mu.Lock()
	interval := c.tickInterval
	c.mu.Unlock()
	assert.Equal(t, 15*time.Second, interval)

	params := f.connectParams()
	require.Len(t, params, 1)
	assert.Equal(t, "nonce-1", params[0].Nonce)
	assert.Equal(t, 1, params[0].MinProtocol)
	assert.Equal(t, "bridge-test", params[0].Client.ID)
	require.NotNil(t, params[0].Auth)
	assert.Equal(t, "secret-token", params[0].Auth.Token)
}

func TestDuplicateChallengeSingleConnect(t *testing.T) {
	f := newFakeGateway(t)
	f.challenges = 3
	c := NewClient(testConfig(f.url()), nil)
	t.Cleanup(c.Stop)

	require.NoError(t, c.Connect(context.Background()))

	// Give the extra challenges time to arrive; they must not trigger
	// further connect requests.
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, f.connectParams(), 1)
}

func TestGatewayRequest(t *testing.T) {
	f := newFakeGateway(t)
	c := NewClient(testConfig(f.url()), nil)
	t.Cleanup(c.Stop)
	require.NoError(t, c.Connect(context.Background()))

	raw, err := c.Request(context.Background(), "echo", map[string]string{"msg": "hi"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"msg":"hi"}`, string(raw))

	_, err = c.Request(context.Background(), "no.such.method", nil)
	var remote *rpc.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "unknown method", remote.Message)
}

func TestGatewayEventsRecorded(t *testing.T) {
	f := newFakeGateway(t)
	buf := eventbuf.New(16)
	c := NewClient(testConfig(f.url()), buf)
	t.Cleanup(c.Stop)
	require.NoError(t, c.Connect(context.Background()))

	f.emit(t, "chat.message", map[string]any{"text": "hello"})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(buf.Find(eventbuf.Query{Event: "chat.message"})) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	got := buf.Find(eventbuf.Query{Event: "chat.message"})
	require.Len(t, got, 1)
	assert.JSONEq(t, `{"text":"hello"}`, string(got[0].Payload))

	// The challenge itself was an event too, so it is in the buffer.
	assert.Len(t, buf.Find(eventbuf.Query{Event: EventChallenge}), 1)
}

func TestWatchdogLiveness(t *testing.T) {
	c := NewClient(testConfig("ws://127.0.0.1:1/ws"), nil)
	t.Cleanup(c.Stop)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c.clock = func() time.Time { return now }
	c.mu.Lock()
	c.tickInterval = 10 * time.Second
	c.lastTick = now
	c.mu.Unlock()

	// Fresh ticks keep the connection alive.
	assert.True(t, c.checkLiveness(now.Add(5*time.Second)))
	assert.True(t, c.checkLiveness(now.Add(20*time.Second)))

	// A tick resets the staleness window.
	now = now.Add(19 * time.Second)
	c.onTick(EventTick, nil)
	assert.True(t, c.checkLiveness(now.Add(20*time.Second)))

	// Past twice the interval without a tick the connection is dead.
	assert.False(t, c.checkLiveness(now.Add(21*time.Second)))
}

func TestGatewayCodec(t *testing.T) {
	codec := gatewayCodec{}

	a, b := codec.RequestID(1), codec.RequestID(2)
	assert.NotEqual(t, a, b)

	data, err := codec.EncodeRequest("id-1", "chat.send", map[string]string{"text": "hi"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"req","id":"id-1","method":"chat.send","params":{"text":"hi"}}`, string(data))

	in, err := codec.Decode([]byte(`{"type":"res","id":"id-1","ok":true,"payload":{"done":true}}`))
	require.NoError(t, err)
	require.NotNil(t, in)
	assert.Equal(t, rpc.KindResponse, in.Kind)
	assert.False(t, in.IsErr)
	assert.JSONEq(t, `{"done":true}`, string(in.Result))

	in, err = codec.Decode([]byte(`{"type":"res","id":"id-2","ok":false,"error":{"message":"denied"}}`))
	require.NoError(t, err)
	require.True(t, in.IsErr)
	assert.Equal(t, "denied", in.ErrMsg)

	in, err = codec.Decode([]byte(`{"type":"event","event":"tick","payload":{"seq":4},"seq":4}`))
	require.NoError(t, err)
	assert.Equal(t, rpc.KindEvent, in.Kind)
	assert.Equal(t, EventTick, in.Event)

	// Frames that cannot be attributed are dropped silently.
	for _, raw := range []string{`garbage`, `{"type":"event"}`, `{"type":"mystery"}`} {
		in, err = codec.Decode([]byte(raw))
		assert.NoError(t, err)
		assert.Nil(t, in)
	}
}
