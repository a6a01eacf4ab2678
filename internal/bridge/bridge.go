// Package bridge owns the per-account lifecycle: it locks the account,
// builds both connections, and routes chat text between them through the
// correlation queue.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/echo-of-machines/ClawBridge/internal/config"
	"github.com/echo-of-machines/ClawBridge/internal/correlate"
	"github.com/echo-of-machines/ClawBridge/internal/eventbuf"
	"github.com/echo-of-machines/ClawBridge/internal/gateway"
	"github.com/echo-of-machines/ClawBridge/internal/target"
	"github.com/echo-of-machines/ClawBridge/pkg/events"
)

// Version is stamped at build time.
var Version = "dev"

// ErrNotStarted is returned by operations that need a running account.
var ErrNotStarted = errors.New("bridge not started")

const forwardTimeout = 10 * time.Second

// Status is a snapshot of the bridge for the status endpoint and tools.
type Status struct {
	Account           string `json:"account"`
	Target            string `json:"target"`
	Gateway           string `json:"gateway"`
	PendingInjections int    `json:"pendingInjections"`
	BufferedEvents    int    `json:"bufferedEvents"`
}

// Bridge wires the target and gateway connections to the correlation queue
// and the event buffer for a single account.
type Bridge struct {
	bus *events.EventBus

	mu       sync.Mutex
	cfg      *config.Config
	account  string
	lock     *flock.Flock
	target   *target.Client
	gateway  *gateway.Client
	observer *target.Observer
	queue    *correlate.Queue
	buffer   *eventbuf.Buffer
	started  bool

	// forward delivers a matched response to the gateway; replaced in
	// tests.
	forward func(channel, sender, text string)
}

// New builds an idle bridge. StartAccount brings it up.
func New(cfg *config.Config, bus *events.EventBus) *Bridge {
	b := &Bridge{cfg: cfg, bus: bus}
	b.forward = b.forwardToGateway
	return b
}

// StartAccount locks the account and starts both connections. A second
// bridge process for the same account fails here. account "" uses the
// configured one.
func (b *Bridge) StartAccount(ctx context.Context, account string) error {
	b.mu.Lock()

	if b.started {
		b.mu.Unlock()
		return fmt.Errorf("account %q already started", b.account)
	}
	if account == "" {
		account = b.cfg.Account
	}

	lockDir := b.cfg.LockDir()
	if err := os.MkdirAll(lockDir, 0755); err != nil {
		b.mu.Unlock()
		return fmt.Errorf("failed to create lock directory: %w", err)
	}
	lock := flock.New(filepath.Join(lockDir, account+".lock"))
	locked, err := lock.TryLock()
	if err != nil {
		b.mu.Unlock()
		return fmt.Errorf("failed to acquire account lock: %w", err)
	}
	if !locked {
		b.mu.Unlock()
		return fmt.Errorf("account %q is already bridged by another process", account)
	}

	b.account = account
	b.lock = lock
	b.buffer = eventbuf.New(b.cfg.Bridge.EventBufferSize)
	b.queue = correlate.NewQueue(b.onMatched)
	b.queue.OnDrop(b.onDropped)

	b.target = target.NewClient(target.Config{
		Host:             b.cfg.Target.Host,
		Port:             b.cfg.Target.Port,
		SelectorChain:    b.cfg.Target.SelectorChain,
		ResponseSelector: b.cfg.Target.ResponseSelector,
	})
	clientID := b.cfg.Gateway.ClientID
	if clientID == "" {
		clientID = uuid.NewString()
	}
	b.gateway = gateway.NewClient(gateway.Config{
		URL:      b.cfg.Gateway.URL,
		Token:    b.cfg.Gateway.Token,
		ClientID: clientID,
		Version:  Version,
		Platform: runtime.GOOS,
		Mode:     b.cfg.Gateway.Mode,
		Role:     b.cfg.Gateway.Role,
		Scopes:   b.cfg.Gateway.Scopes,
		Caps:     b.cfg.Gateway.Caps,
	}, b.buffer)

	b.observer = target.NewObserver(b.target, b.onObservation)

	b.target.Conn().OnOpen(func() { b.publish(events.TargetConnected, nil) })
	b.target.Conn().OnClose(func(err error) {
		b.publish(events.TargetDisconnected, map[string]interface{}{"cause": fmt.Sprint(err)})
	})
	b.gateway.Conn().OnOpen(func() { b.publish(events.GatewayConnected, nil) })
	b.gateway.Conn().OnClose(func(err error) {
		b.publish(events.GatewayDisconnected, map[string]interface{}{"cause": fmt.Sprint(err)})
	})

	b.started = true
	tc, gw := b.target, b.gateway
	gatewayURL := b.cfg.Gateway.URL
	b.mu.Unlock()

	// First attempts may fail; both connections keep retrying on their
	// own from here.
	if err := tc.Connect(ctx); err != nil {
		log.Printf("[bridge] target connect: %v", err)
	}
	if gatewayURL != "" {
		if err := gw.Connect(ctx); err != nil {
			log.Printf("[bridge] gateway connect: %v", err)
		}
	}
	log.Printf("[bridge] account %q started", account)
	return nil
}

// StopAccount tears everything down. Idempotent.
func (b *Bridge) StopAccount() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.started {
		return
	}
	b.started = false

	b.observer.Stop()
	b.target.Stop()
	b.gateway.Stop()
	if err := b.lock.Unlock(); err != nil {
		log.Printf("[bridge] failed to release account lock: %v", err)
	}
	log.Printf("[bridge] account %q stopped", b.account)
}

// SendText records the pending injection, then types the text into the
// target. The eventual response is attributed back through the queue.
func (b *Bridge) SendText(ctx context.Context, channel, sender, text string) error {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return ErrNotStarted
	}
	tc, queue := b.target, b.queue
	b.mu.Unlock()

	queue.TrackInjection(channel, sender)
	if err := tc.Inject(ctx, text); err != nil {
		return err
	}
	b.publish(events.MessageOut, map[string]interface{}{
		"channel": channel,
		"sender":  sender,
	})
	return nil
}

// Ask injects text and waits for the target's visible response to change
// and settle. It returns the settled text, or whatever the response had
// diverged to when the wait ran out.
func (b *Bridge) Ask(ctx context.Context, text string) (string, error) {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return "", ErrNotStarted
	}
	tc := b.target
	interval := time.Duration(b.cfg.Bridge.PollIntervalMs) * time.Millisecond
	timeout := time.Duration(b.cfg.Bridge.PollTimeoutMs) * time.Millisecond
	b.mu.Unlock()

	baseline, err := tc.LastResponseText(ctx)
	if err != nil {
		return "", err
	}
	if err := tc.Inject(ctx, text); err != nil {
		return "", err
	}

	answer, ok := correlate.WaitStable(ctx, tc.LastResponseText, baseline, interval, timeout)
	if !ok {
		return "", fmt.Errorf("no response observed within %s", timeout)
	}
	return answer, nil
}

// Status reports connection states and queue depths.
func (b *Bridge) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := Status{Account: b.account}
	if !b.started {
		s.Target = "stopped"
		s.Gateway = "stopped"
		return s
	}
	s.Target = b.target.State().String()
	s.Gateway = b.gateway.State().String()
	s.PendingInjections = b.queue.Size()
	s.BufferedEvents = b.buffer.Size()
	return s
}

// Buffer exposes the event buffer, nil before StartAccount.
func (b *Bridge) Buffer() *eventbuf.Buffer {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buffer
}

// Gateway exposes the gateway client, nil before StartAccount.
func (b *Bridge) Gateway() *gateway.Client {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.gateway
}

// ApplyConfig applies a reloaded config: selector and poll tuning take
// effect immediately, endpoints on the next start.
func (b *Bridge) ApplyConfig(cfg *config.Config) {
	b.mu.Lock()
	b.cfg = cfg
	tc := b.target
	b.mu.Unlock()

	if tc != nil {
		tc.SetSelectors(cfg.Target.SelectorChain, cfg.Target.ResponseSelector)
	}
	b.publish(events.ConfigReloaded, nil)
}

// onObservation receives UI-change notifications from the target and feeds
// response text into the correlation queue.
func (b *Bridge) onObservation(kind, text string) {
	if kind != "response" {
		return
	}
	b.publish(events.MessageIn, nil)

	b.mu.Lock()
	queue := b.queue
	b.mu.Unlock()
	if queue != nil {
		queue.Notify(text)
	}
}

// onMatched is the queue sink: a response attributed to its channel and
// sender is forwarded out.
func (b *Bridge) onMatched(channel, sender, text string) {
	b.publish(events.ResponseMatched, map[string]interface{}{
		"channel": channel,
		"sender":  sender,
	})
	b.forward(channel, sender, text)
}

// onDropped records a response that arrived with nothing pending to
// attribute it to.
func (b *Bridge) onDropped(text string) {
	b.publish(events.ResponseDropped, map[string]interface{}{"chars": len(text)})
}

func (b *Bridge) forwardToGateway(channel, sender, text string) {
	b.mu.Lock()
	gw := b.gateway
	b.mu.Unlock()
	if gw == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), forwardTimeout)
	defer cancel()
	_, err := gw.Request(ctx, "chat.send", map[string]string{
		"channel": channel,
		"sender":  sender,
		"text":    text,
	})
	if err != nil {
		log.Printf("[bridge] forward to %s/%s failed: %v", channel, sender, err)
	}
}

func (b *Bridge) publish(t events.EventType, data map[string]interface{}) {
	if b.bus == nil {
		return
	}
	b.mu.Lock()
	account := b.account
	b.mu.Unlock()
	b.bus.Publish(events.Event{Type: t, Account: account, Data: data})
}
