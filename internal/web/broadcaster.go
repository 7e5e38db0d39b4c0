package web

import (
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// Event types on the status stream.
const (
	EventLog    = "log"
	EventStatus = "status"
)

// StatusEvent is one message on the SSE stream: a log line or a mount
// status snapshot.
type StatusEvent struct {
	Type   string          `json:"type"`
	Time   string          `json:"t"`
	Level  string          `json:"l,omitempty"`
	Msg    string          `json:"msg,omitempty"`
	Status json.RawMessage `json:"status,omitempty"`
}

// StatusBroadcaster fans events out to SSE clients.
type StatusBroadcaster struct {
	mu      sync.RWMutex
	clients map[chan string]struct{}
	now     func() time.Time
}

func NewStatusBroadcaster() *StatusBroadcaster {
	return &StatusBroadcaster{
		clients: make(map[chan string]struct{}),
		now:     time.Now,
	}
}

// Subscribe returns a channel of encoded events and its cleanup, which the
// caller must run when the client goes away.
func (b *StatusBroadcaster) Subscribe() (<-chan string, func()) {
	ch := make(chan string, 64)
	b.mu.Lock()
	b.clients[ch] = struct{}{}
	b.mu.Unlock()

	unsub := func() {
		b.mu.Lock()
		delete(b.clients, ch)
		b.mu.Unlock()
		close(ch)
	}
	return ch, unsub
}

// Clients returns the number of subscribers.
func (b *StatusBroadcaster) Clients() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Broadcast sends a log line to every client.
func (b *StatusBroadcaster) Broadcast(level, msg string) {
	b.send(StatusEvent{Type: EventLog, Level: level, Msg: msg})
}

func (b *StatusBroadcaster) BroadcastMsg(msg string) {
	b.Broadcast("info", msg)
}

// BroadcastStatus sends a status snapshot to every client.
func (b *StatusBroadcaster) BroadcastStatus(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	b.send(StatusEvent{Type: EventStatus, Status: data})
	return nil
}

// send drops the event for clients whose buffer is full.
func (b *StatusBroadcaster) send(evt StatusEvent) {
	evt.Time = b.now().Format(time.RFC3339)
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	payload := string(data)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.clients {
		select {
		case ch <- payload:
		default:
		}
	}
}

// BroadcastWriter returns an io.Writer that sends each write as a log
// line, for debug.SetOutput.
func BroadcastWriter(b *StatusBroadcaster) *broadcastWriter {
	return &broadcastWriter{b: b}
}

type broadcastWriter struct {
	b *StatusBroadcaster
}

func (w *broadcastWriter) Write(p []byte) (n int, err error) {
	for _, line := range strings.Split(string(p), "\n") {
		if msg := strings.TrimSpace(line); msg != "" {
			w.b.BroadcastMsg(msg)
		}
	}
	return len(p), nil
}
