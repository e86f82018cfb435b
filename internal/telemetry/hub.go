// Package telemetry streams vehicle state to operator consoles over
// Server-Sent Events. Connected consoles receive periodic full-state
// snapshots plus immediate dispatch and fault events; a bounded replay
// buffer lets a console resume from its Last-Event-ID after a reconnect.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vehicle-control/vcc/internal/state"
)

// Event is one SSE frame.
type Event struct {
	ID   int64          `json:"id,omitempty"`
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

// Client is one connected console.
type Client struct {
	id     string
	writer http.ResponseWriter
	ctx    context.Context
	cancel context.CancelFunc
	events chan Event
	mu     sync.Mutex // serializes writes to writer
}

// Hub fans vehicle-state events out to all connected consoles.
//
// Lock ordering: h.mu before buffer.mu. Client event channels are never
// closed; a disconnected client's loop exits on its canceled context and
// the channel is garbage-collected after unregister, so a Publish racing
// the disconnect at worst delivers to a channel nobody drains.
type Hub struct {
	store  *state.Store
	buffer *eventBuffer
	nextID atomic.Int64

	snapshotInterval  time.Duration
	heartbeatInterval time.Duration
	sendTimeout       time.Duration

	mu      sync.RWMutex
	clients map[string]*Client

	done chan struct{}
	wg   sync.WaitGroup
}

// Option configures a Hub.
type Option func(*Hub)

// WithSnapshotInterval sets how often full-state snapshots are published.
func WithSnapshotInterval(d time.Duration) Option {
	return func(h *Hub) { h.snapshotInterval = d }
}

// WithHeartbeatInterval sets how often heartbeats are published.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(h *Hub) { h.heartbeatInterval = d }
}

// WithBufferSize sets how many events the replay buffer retains.
func WithBufferSize(n int) Option {
	return func(h *Hub) { h.buffer = newEventBuffer(n) }
}

// NewHub builds a hub over the state store.
func NewHub(store *state.Store, opts ...Option) *Hub {
	h := &Hub{
		store:             store,
		buffer:            newEventBuffer(256),
		snapshotInterval:  time.Second,
		heartbeatInterval: 15 * time.Second,
		sendTimeout:       100 * time.Millisecond,
		clients:           make(map[string]*Client),
		done:              make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Start launches the snapshot and heartbeat loops.
func (h *Hub) Start() {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		snapshots := time.NewTicker(h.snapshotInterval)
		defer snapshots.Stop()
		heartbeats := time.NewTicker(h.heartbeatInterval)
		defer heartbeats.Stop()
		for {
			select {
			case <-h.done:
				return
			case <-snapshots.C:
				h.publishSnapshot()
			case <-heartbeats.C:
				h.Publish("heartbeat", map[string]any{
					"ts": time.Now().UTC().Format(time.RFC3339),
				})
			}
		}
	}()
}

// Subscribe streams events to one console until its request ends. A
// Last-Event-ID header replays the buffered events it missed.
func (h *Hub) Subscribe(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	clientCtx, cancel := context.WithCancel(ctx)
	client := &Client{
		id:     fmt.Sprintf("console_%d", time.Now().UnixNano()),
		writer: w,
		ctx:    clientCtx,
		cancel: cancel,
		events: make(chan Event, 100),
	}

	h.mu.Lock()
	h.clients[client.id] = client
	h.mu.Unlock()

	ready := Event{
		ID:   h.nextID.Add(1),
		Type: "ready",
		Data: map[string]any{"state": h.store.Snapshot()},
	}
	if err := h.send(client, ready); err != nil {
		h.unregister(client.id)
		return fmt.Errorf("sending ready event: %w", err)
	}

	if lastIDStr := r.Header.Get("Last-Event-ID"); lastIDStr != "" {
		if lastID, err := strconv.ParseInt(lastIDStr, 10, 64); err == nil {
			for _, event := range h.buffer.after(lastID) {
				if err := h.send(client, event); err != nil {
					h.unregister(client.id)
					return fmt.Errorf("replaying events: %w", err)
				}
			}
		}
	}

	h.run(client)
	return nil
}

// Publish assigns the event a monotonic ID, buffers it for replay, and
// delivers it to every connected console. A console that cannot keep up
// misses the event rather than stalling the hub.
func (h *Hub) Publish(eventType string, data map[string]any) {
	event := Event{
		ID:   h.nextID.Add(1),
		Type: eventType,
		Data: data,
	}
	h.buffer.add(event)

	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	for _, client := range clients {
		select {
		case <-client.ctx.Done():
		case <-h.done:
			return
		case client.events <- event:
		case <-time.After(h.sendTimeout):
		}
	}
}

// PublishDispatch announces a command dispatch outcome.
func (h *Hub) PublishDispatch(node, action, outcome string) {
	h.Publish("dispatch", map[string]any{
		"node":    node,
		"action":  action,
		"outcome": outcome,
	})
}

// PublishFault announces a fault, such as a board transport failure.
func (h *Hub) PublishFault(source, detail string) {
	h.Publish("fault", map[string]any{
		"source": source,
		"detail": detail,
	})
}

func (h *Hub) publishSnapshot() {
	h.Publish("state", map[string]any{"state": h.store.Snapshot()})
}

// Stop cancels all consoles and waits for the loops to exit.
func (h *Hub) Stop() {
	close(h.done)

	h.mu.Lock()
	for _, client := range h.clients {
		client.cancel()
	}
	h.mu.Unlock()

	h.wg.Wait()

	h.mu.Lock()
	h.clients = make(map[string]*Client)
	h.mu.Unlock()
}

func (h *Hub) run(client *Client) {
	defer h.unregister(client.id)
	for {
		select {
		case <-client.ctx.Done():
			return
		case event := <-client.events:
			if err := h.send(client, event); err != nil {
				return
			}
		}
	}
}

func (h *Hub) send(client *Client, event Event) error {
	client.mu.Lock()
	defer client.mu.Unlock()

	if event.ID > 0 {
		if _, err := fmt.Fprintf(client.writer, "id: %d\n", event.ID); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(client.writer, "event: %s\n", event.Type); err != nil {
		return err
	}
	data, err := json.Marshal(event.Data)
	if err != nil {
		return fmt.Errorf("marshaling event data: %w", err)
	}
	if _, err := fmt.Fprintf(client.writer, "data: %s\n\n", data); err != nil {
		return err
	}
	if flusher, ok := client.writer.(http.Flusher); ok {
		flusher.Flush()
	}
	return nil
}

func (h *Hub) unregister(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if client, ok := h.clients[id]; ok {
		client.cancel()
		delete(h.clients, id)
	}
}

// eventBuffer is a bounded FIFO of recent events for reconnect replay.
type eventBuffer struct {
	mu       sync.RWMutex
	events   []Event
	capacity int
}

func newEventBuffer(capacity int) *eventBuffer {
	return &eventBuffer{events: make([]Event, 0, capacity), capacity: capacity}
}

func (b *eventBuffer) add(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
	if len(b.events) > b.capacity {
		b.events = b.events[1:]
	}
}

func (b *eventBuffer) after(lastID int64) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []Event
	for _, event := range b.events {
		if event.ID > lastID {
			out = append(out, event)
		}
	}
	return out
}
