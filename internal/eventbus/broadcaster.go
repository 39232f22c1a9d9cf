// ABOUTME: In-memory fan-out of committed events to live subscribers
// ABOUTME: Subscribers register per session; slow subscribers miss events

package eventbus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/sessiongate/internal/store"
)

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 64

// Broadcaster delivers committed events to subscribers of the event's
// session.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan *store.Event // session key -> sub id -> ch
	closed      bool
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]chan *store.Event),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers for events of one session. The subscription ends, and
// the channel is closed, when ctx is done or the broadcaster closes.
func (b *Broadcaster) Subscribe(ctx context.Context, agentID, sessionID string) (<-chan *store.Event, string) {
	key := SessionKey(agentID, sessionID)
	subID := uuid.NewString()
	ch := make(chan *store.Event, subscriberBufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, subID
	}
	if _, ok := b.subscribers[key]; !ok {
		b.subscribers[key] = make(map[string]chan *store.Event)
	}
	b.subscribers[key][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "session_key", key, "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.unsubscribe(key, subID)
	}()

	return ch, subID
}

// Publish implements Publisher. It never blocks: a subscriber whose buffer is
// full misses the event.
func (b *Broadcaster) Publish(_ context.Context, event *store.Event) {
	key := SessionKey(event.AgentID, event.SessionID)

	// Sends are non-blocking, so they run under the read lock; that keeps
	// unsubscribe from closing a channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()

	for subID, ch := range b.subscribers[key] {
		select {
		case ch <- event:
		default:
			b.logger.Debug("dropped event for slow subscriber",
				"session_key", key,
				"sub_id", subID,
				"event_id", event.ID)
		}
	}
}

// SubscriberCount reports how many subscribers a session has.
func (b *Broadcaster) SubscriberCount(agentID, sessionID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[SessionKey(agentID, sessionID)])
}

func (b *Broadcaster) unsubscribe(key, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[key]
	if !ok {
		return
	}
	ch, ok := subs[subID]
	if !ok {
		return
	}
	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(b.subscribers, key)
	}

	b.logger.Debug("subscriber removed", "session_key", key, "sub_id", subID)
}

// Close ends every subscription.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for key, subs := range b.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.subscribers, key)
	}
	b.closed = true
}
