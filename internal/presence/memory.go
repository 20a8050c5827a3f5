package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
)

// MemoryStore is the in-process presence store for local mode and
// tests. Disconnect cleanup degenerates to Close, since the only
// client is this process.
type MemoryStore struct {
	mu    sync.Mutex
	data  map[string][]byte
	subs  map[int]*memorySub
	owned map[string]struct{}
	next  int
}

type memorySub struct {
	prefix string
	events chan event
	done   chan struct{}
}

type event struct {
	path  string
	value []byte
}

const memorySubBuffer = 1024

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data:  make(map[string][]byte),
		subs:  make(map[int]*memorySub),
		owned: make(map[string]struct{}),
	}
}

func (m *MemoryStore) Write(ctx context.Context, path string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal presence value: %w", err)
	}
	m.mu.Lock()
	m.data[path] = data
	m.broadcastLocked(path, data)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Remove(ctx context.Context, path string) error {
	m.mu.Lock()
	if _, ok := m.data[path]; ok {
		delete(m.data, path)
		m.broadcastLocked(path, nil)
	}
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Subscribe(ctx context.Context, prefix string, fn EventFunc) (func(), error) {
	sub := &memorySub{
		prefix: prefix,
		events: make(chan event, memorySubBuffer),
		done:   make(chan struct{}),
	}

	m.mu.Lock()
	m.next++
	key := m.next
	m.subs[key] = sub
	// Replay existing entries into the mailbox ahead of any new event.
	for path, value := range m.data {
		if strings.HasPrefix(path, prefix) {
			sub.events <- event{path: path, value: value}
		}
	}
	m.mu.Unlock()

	go func() {
		for {
			select {
			case ev := <-sub.events:
				fn(ev.path, ev.value)
			case <-sub.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, key)
			m.mu.Unlock()
			close(sub.done)
		})
	}
	return stop, nil
}

func (m *MemoryStore) RemoveOnDisconnect(ctx context.Context, path string) error {
	m.mu.Lock()
	m.owned[path] = struct{}{}
	m.mu.Unlock()
	return nil
}

// Close removes every path registered for disconnect cleanup, which is
// the memory-store equivalent of the server noticing the client died.
func (m *MemoryStore) Close(ctx context.Context) error {
	m.mu.Lock()
	for path := range m.owned {
		if _, ok := m.data[path]; ok {
			delete(m.data, path)
			m.broadcastLocked(path, nil)
		}
	}
	m.owned = make(map[string]struct{})
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) broadcastLocked(path string, value []byte) {
	for _, sub := range m.subs {
		if !strings.HasPrefix(path, sub.prefix) {
			continue
		}
		select {
		case sub.events <- event{path: path, value: value}:
		default:
			log.Printf("presence: dropping event for slow subscriber on %s", sub.prefix)
		}
	}
}
