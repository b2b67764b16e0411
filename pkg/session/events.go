package session

import (
	"sync"
	"time"

	"github.com/driftbox/driftbox/pkg/store"
)

// Event is one progress snapshot published on a state transition (phase
// change, counter increment, terminal status).
type Event struct {
	SessionID      string              `json:"sessionId"`
	Status         store.SessionStatus `json:"status"`
	Phase          store.SessionPhase  `json:"phase"`
	ReceivedChunks int64               `json:"receivedChunks"`
	TotalChunks    int64               `json:"totalChunks"`
	ProviderBytes  int64               `json:"providerBytesTransferred"`
	TotalSize      int64               `json:"totalSize"`
	Percent        int                 `json:"percent"`
	ErrorMessage   string              `json:"errorMessage,omitempty"`
	At             time.Time           `json:"at"`
}

// eventBuffer bounds each subscriber channel. Delivery is at-least-once with
// drop-on-full: a subscriber that misses events recovers full state via the
// idempotent session query, not by replaying the stream.
const eventBuffer = 32

// Bus fans session events out to per-session and firehose subscribers.
// Publishing never blocks on a slow subscriber.
type Bus struct {
	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]chan Event
	all    map[int]chan Event
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{
		subs: make(map[string]map[int]chan Event),
		all:  make(map[int]chan Event),
	}
}

// Subscribe attaches to one session's event stream. The returned cancel
// function detaches and closes the channel; it is safe to call twice.
func (b *Bus) Subscribe(sessionID string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, eventBuffer)
	if b.subs[sessionID] == nil {
		b.subs[sessionID] = make(map[int]chan Event)
	}
	b.subs[sessionID][id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if m := b.subs[sessionID]; m != nil {
				delete(m, id)
				if len(m) == 0 {
					delete(b.subs, sessionID)
				}
			}
			close(ch)
		})
	}
	return ch, cancel
}

// SubscribeAll attaches to every session's events (audit listeners,
// metrics).
func (b *Bus) SubscribeAll() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, eventBuffer)
	b.all[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.all, id)
			close(ch)
		})
	}
	return ch, cancel
}

// Publish delivers an event to all attached subscribers, dropping for any
// whose buffer is full.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs[ev.SessionID] {
		select {
		case ch <- ev:
		default:
		}
	}
	for _, ch := range b.all {
		select {
		case ch <- ev:
		default:
		}
	}
}

// SnapshotOf builds the event view of a session row, for callers that
// serve state alongside the live stream.
func SnapshotOf(sess *store.Session) Event {
	return snapshot(sess)
}

// snapshot builds an Event from the current session row.
func snapshot(sess *store.Session) Event {
	return Event{
		SessionID:      sess.SessionID,
		Status:         sess.Status,
		Phase:          sess.Phase,
		ReceivedChunks: sess.ReceivedChunks,
		TotalChunks:    sess.TotalChunks,
		ProviderBytes:  sess.ProviderBytes,
		TotalSize:      sess.TotalSize,
		Percent:        Percent(sess),
		ErrorMessage:   sess.ErrorMessage,
		At:             time.Now().UTC(),
	}
}
