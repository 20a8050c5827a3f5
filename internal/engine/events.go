package engine

import "sync"

// Event topics published by the engine. Consumers re-read the matching
// accessor when a topic fires; the event itself carries no payload.
const (
	TopicShapes    = "shapes"
	TopicSelection = "selection"
	TopicPresence  = "presence"
	TopicNotice    = "notice"
	TopicStatus    = "status"
)

// Broadcaster fans event topics out to subscribers. Slow subscribers
// lose events rather than stalling the engine; every topic is a hint
// to re-read state, so a dropped one costs nothing once a later event
// arrives.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[chan string]struct{}
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subs: make(map[chan string]struct{}),
	}
}

func (b *Broadcaster) Subscribe() chan string {
	ch := make(chan string, 16)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *Broadcaster) Unsubscribe(ch chan string) {
	b.mu.Lock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
	b.mu.Unlock()
}

func (b *Broadcaster) Publish(topic string) {
	b.mu.Lock()
	for ch := range b.subs {
		select {
		case ch <- topic:
		default:
		}
	}
	b.mu.Unlock()
}
