package stream

import (
	"sync"
	"time"

	"conductor/pkg/logx"
)

// DefaultSubscriptionBuffer is the channel depth for new subscriptions.
const DefaultSubscriptionBuffer = 256

// Bus fans streaming events out to per-session subscribers. Publishing never
// blocks: a subscriber that falls behind has events dropped with a warning
// rather than stalling the stream.
type Bus struct {
	mu     sync.Mutex
	subs   map[string]map[int64]chan Event // sessionID -> subscription id -> channel
	nextID int64
	logger *logx.Logger
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{
		subs:   make(map[string]map[int64]chan Event),
		logger: logx.NewLogger("stream-bus"),
	}
}

// Subscription is a handle returned at registration time. Release is
// idempotent and owned by the subscriber's teardown path.
type Subscription struct {
	C       <-chan Event
	release func()
	once    sync.Once
}

// Release detaches the subscription and closes its channel.
func (s *Subscription) Release() {
	s.once.Do(s.release)
}

// Subscribe registers for events scoped to one session.
func (b *Bus) Subscribe(sessionID string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	ch := make(chan Event, DefaultSubscriptionBuffer)

	if b.subs[sessionID] == nil {
		b.subs[sessionID] = make(map[int64]chan Event)
	}
	b.subs[sessionID][id] = ch

	return &Subscription{
		C: ch,
		release: func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if chans, ok := b.subs[sessionID]; ok {
				if c, ok := chans[id]; ok {
					delete(chans, id)
					close(c)
				}
				if len(chans) == 0 {
					delete(b.subs, sessionID)
				}
			}
		},
	}
}

// Publish delivers an event to all subscribers of its session.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for id, ch := range b.subs[ev.SessionID] {
		select {
		case ch <- ev:
		default:
			b.logger.Warn("subscriber %d for session %s is full, dropping %s event", id, ev.SessionID, ev.Type)
		}
	}
}
