// Package bridge provides the external transports an event bus mirrors
// its events over: the Wails runtime, a WebSocket hub and its clients,
// and an in-process hub.
package bridge

import (
	"sync"

	"ollisten/internal/events"
)

// Memory is an in-process hub. Every bus attached to it sees the
// envelopes emitted by the others, delivered synchronously.
type Memory struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[events.Type]map[uint64]func([]byte)
}

// NewMemory creates an empty in-process hub.
func NewMemory() *Memory {
	return &Memory{handlers: map[events.Type]map[uint64]func([]byte){}}
}

// Listen implements events.Transport.
func (m *Memory) Listen(t events.Type, handler func([]byte)) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	id := m.nextID
	if m.handlers[t] == nil {
		m.handlers[t] = map[uint64]func([]byte){}
	}
	m.handlers[t][id] = handler

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.handlers[t], id)
			if len(m.handlers[t]) == 0 {
				delete(m.handlers, t)
			}
		})
	}, nil
}

// Emit implements events.Transport.
func (m *Memory) Emit(t events.Type, data []byte) error {
	m.mu.RLock()
	handlers := make([]func([]byte), 0, len(m.handlers[t]))
	for _, h := range m.handlers[t] {
		handlers = append(handlers, h)
	}
	m.mu.RUnlock()

	for _, h := range handlers {
		h(data)
	}
	return nil
}

// Links returns the number of open listeners for t.
func (m *Memory) Links(t events.Type) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.handlers[t])
}
