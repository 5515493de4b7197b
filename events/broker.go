package events

import (
	"encoding/json"
	"fmt"
	"sync"

	"pipegate/logx"
)

// Event types published while runs progress
const (
	RunStarted   = "run_started"
	StepFinished = "step_finished"
	RunFinished  = "run_finished"
	RunQueued    = "run_queued"
)

// EventBroker manages SSE connections and broadcasts events
type EventBroker struct {
	clients map[chan string]bool
	mu      sync.RWMutex
}

// Global event broker instance
var broker = NewBroker()

// NewBroker returns an empty broker
func NewBroker() *EventBroker {
	return &EventBroker{clients: make(map[chan string]bool)}
}

// GetBroker returns the global event broker
func GetBroker() *EventBroker {
	return broker
}

// Register adds a new SSE client
func (b *EventBroker) Register(client chan string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clients[client] = true
	logx.Debug("📡 SSE client connected", "total", len(b.clients))
}

// Unregister removes an SSE client and closes its channel
func (b *EventBroker) Unregister(client chan string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.clients[client] {
		return
	}
	delete(b.clients, client)
	close(client)
	logx.Debug("📡 SSE client disconnected", "total", len(b.clients))
}

// ClientCount reports how many clients are connected
func (b *EventBroker) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Broadcast sends an event to all connected clients. Clients whose buffer
// is full miss the event.
func (b *EventBroker) Broadcast(eventType string, data interface{}) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		logx.Warn("failed to marshal event data", "event", eventType, "err", err)
		return
	}
	message := fmt.Sprintf("event: %s\ndata: %s\n\n", eventType, string(jsonData))

	b.mu.RLock()
	defer b.mu.RUnlock()

	for client := range b.clients {
		select {
		case client <- message:
		default:
		}
	}

	logx.Debug("📢 broadcast event", "event", eventType, "clients", len(b.clients))
}
