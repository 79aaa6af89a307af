package server

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ontree-co/treemon/internal/logging"
	"github.com/ontree-co/treemon/internal/progress"
)

// SSE event names.
const (
	eventStatus    = "update-status"
	eventDownload  = "update-download"
	eventProgress  = "update-progress"
	eventFailed    = "update-failed"
	eventHeartbeat = "heartbeat"
)

// SSEClient represents a connected SSE client
type SSEClient struct {
	Messages chan string
	Close    chan bool
}

// NewSSEClient creates a client with a buffered message queue.
func NewSSEClient(buffer int) *SSEClient {
	return &SSEClient{
		Messages: make(chan string, buffer),
		Close:    make(chan bool, 1),
	}
}

// SSEManager fans update messages out to connected clients.
type SSEManager struct {
	clients map[*SSEClient]bool
	mu      sync.RWMutex

	// sendTimeout bounds how long a slow client may stall a broadcast.
	sendTimeout time.Duration
}

// NewSSEManager creates a new SSE manager
func NewSSEManager() *SSEManager {
	return &SSEManager{
		clients:     make(map[*SSEClient]bool),
		sendTimeout: 500 * time.Millisecond,
	}
}

// RegisterClient adds a client.
func (m *SSEManager) RegisterClient(client *SSEClient) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients[client] = true
}

// UnregisterClient removes a client.
func (m *SSEManager) UnregisterClient(client *SSEClient) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.clients, client)
}

// Broadcast sends data as JSON under the given event name.
func (m *SSEManager) Broadcast(eventType string, data interface{}) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		logging.Errorf("Failed to marshal SSE message: %v", err)
		return
	}
	m.send(formatSSE(eventType, jsonData))
}

// BroadcastDownload sends one download event in its wire encoding.
func (m *SSEManager) BroadcastDownload(ev progress.Event) {
	jsonData, err := progress.MarshalEvent(ev)
	if err != nil {
		logging.Errorf("Failed to encode download event: %v", err)
		return
	}
	m.send(formatSSE(eventDownload, jsonData))
}

func (m *SSEManager) send(message string) {
	m.mu.RLock()
	clients := make([]*SSEClient, 0, len(m.clients))
	for client := range m.clients {
		clients = append(clients, client)
	}
	m.mu.RUnlock()

	if len(clients) == 0 {
		return
	}

	var stale []*SSEClient
	for _, client := range clients {
		select {
		case client.Messages <- message:
		case <-time.After(m.sendTimeout):
			stale = append(stale, client)
		}
	}

	if len(stale) == 0 {
		return
	}
	m.mu.Lock()
	for _, client := range stale {
		delete(m.clients, client)
		select {
		case client.Close <- true:
		default:
		}
	}
	m.mu.Unlock()
	logging.Warnf("Cleaned up %d unresponsive SSE clients", len(stale))
}

func formatSSE(eventType string, data []byte) string {
	return fmt.Sprintf("event: %s\ndata: %s\n\n", eventType, data)
}
