package events

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"
)

type EventType string

const (
	TargetConnected     EventType = "target.connected"
	TargetDisconnected  EventType = "target.disconnected"
	GatewayConnected    EventType = "gateway.connected"
	GatewayDisconnected EventType = "gateway.disconnected"
	MessageIn           EventType = "message.in"
	MessageOut          EventType = "message.out"
	ResponseMatched     EventType = "response.matched"
	ResponseDropped     EventType = "response.dropped"
	ConfigReloaded      EventType = "config.reloaded"
)

// AllTypes lists every lifecycle event the bridge publishes, for subscribers
// that want the whole stream.
var AllTypes = []EventType{
	TargetConnected,
	TargetDisconnected,
	GatewayConnected,
	GatewayDisconnected,
	MessageIn,
	MessageOut,
	ResponseMatched,
	ResponseDropped,
	ConfigReloaded,
}

type Event struct {
	ID        string
	Type      EventType
	Account   string
	Timestamp time.Time
	Data      map[string]interface{}
}

type Handler func(event Event)

// WorkerPoolConfig holds configuration for the event bus worker pool
type WorkerPoolConfig struct {
	WorkerCount int // Number of worker goroutines (default: CPU cores * 2)
	BufferSize  int // Channel buffer size (default: 256)
}

// DefaultWorkerPoolConfig returns the default configuration
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		WorkerCount: runtime.NumCPU() * 2,
		BufferSize:  256,
	}
}

type eventTask struct {
	event   Event
	handler Handler
}

// EventBus fans bridge lifecycle events out to subscribed handlers on a
// worker pool. Handlers run asynchronously with panic recovery, so a slow
// or faulty subscriber cannot stall the publisher.
type EventBus struct {
	handlers   map[EventType][]Handler
	mu         sync.RWMutex
	workerPool chan eventTask
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

func NewEventBus() *EventBus {
	return NewEventBusWithConfig(DefaultWorkerPoolConfig())
}

func NewEventBusWithConfig(config WorkerPoolConfig) *EventBus {
	ctx, cancel := context.WithCancel(context.Background())

	eb := &EventBus{
		handlers:   make(map[EventType][]Handler),
		workerPool: make(chan eventTask, config.BufferSize),
		ctx:        ctx,
		cancel:     cancel,
	}

	for i := 0; i < config.WorkerCount; i++ {
		eb.wg.Add(1)
		go eb.worker()
	}

	return eb
}

func (eb *EventBus) worker() {
	defer eb.wg.Done()

	for {
		select {
		case task := <-eb.workerPool:
			func() {
				defer func() {
					if r := recover(); r != nil {
						fmt.Printf("EventBus handler panic: %v\n", r)
					}
				}()
				task.handler(task.event)
			}()
		case <-eb.ctx.Done():
			return
		}
	}
}

func (eb *EventBus) Subscribe(eventType EventType, handler Handler) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.handlers[eventType] = append(eb.handlers[eventType], handler)
}

func (eb *EventBus) Publish(event Event) {
	event.Timestamp = time.Now()
	event.ID = generateEventID()

	eb.mu.RLock()
	handlers := eb.handlers[event.Type]
	eb.mu.RUnlock()

	for _, handler := range handlers {
		task := eventTask{
			event:   event,
			handler: handler,
		}

		select {
		case eb.workerPool <- task:
		default:
			// Worker pool full; run the handler on its own goroutine so
			// the event is not lost.
			go func(h Handler, e Event) {
				defer func() {
					if r := recover(); r != nil {
						fmt.Printf("EventBus fallback handler panic: %v\n", r)
					}
				}()
				h(e)
			}(handler, event)
		}
	}
}

// Shutdown gracefully shuts down the EventBus worker pool
func (eb *EventBus) Shutdown() {
	eb.cancel()
	eb.wg.Wait()
}

func generateEventID() string {
	return fmt.Sprintf("%d", time.Now().UnixNano())
}
