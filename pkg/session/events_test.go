package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftbox/driftbox/pkg/store"
)

func publishTestEvent(b *Bus, sessionID string, status store.SessionStatus) {
	b.Publish(Event{SessionID: sessionID, Status: status})
}

func TestBusSubscribeDelivers(t *testing.T) {
	b := NewBus()

	ch, cancel := b.Subscribe("sess-1")
	defer cancel()

	publishTestEvent(b, "sess-1", store.StatusRunning)
	publishTestEvent(b, "sess-2", store.StatusRunning) // different session, not delivered

	ev := <-ch
	assert.Equal(t, "sess-1", ev.SessionID)

	select {
	case unexpected := <-ch:
		t.Fatalf("received event for foreign session: %+v", unexpected)
	default:
	}
}

func TestBusSubscribeAllSeesEverySession(t *testing.T) {
	b := NewBus()

	ch, cancel := b.SubscribeAll()
	defer cancel()

	publishTestEvent(b, "sess-1", store.StatusRunning)
	publishTestEvent(b, "sess-2", store.StatusCompleted)

	first := <-ch
	second := <-ch
	assert.ElementsMatch(t,
		[]string{"sess-1", "sess-2"},
		[]string{first.SessionID, second.SessionID})
}

func TestBusCancelClosesChannel(t *testing.T) {
	b := NewBus()

	ch, cancel := b.Subscribe("sess-1")
	cancel()

	_, open := <-ch
	assert.False(t, open)

	// Cancel twice is safe, and publishing after cancel does not panic.
	cancel()
	publishTestEvent(b, "sess-1", store.StatusRunning)
}

func TestBusSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	b := NewBus()

	ch, cancel := b.Subscribe("sess-1")
	defer cancel()

	// Overfill the buffer; Publish must never block.
	for i := 0; i < eventBuffer*3; i++ {
		publishTestEvent(b, "sess-1", store.StatusRunning)
	}

	delivered := 0
	for {
		select {
		case <-ch:
			delivered++
			continue
		default:
		}
		break
	}
	require.Equal(t, eventBuffer, delivered, "buffer bounds retained events")
}

func TestBusMultipleSubscribersSameSession(t *testing.T) {
	b := NewBus()

	ch1, cancel1 := b.Subscribe("sess-1")
	defer cancel1()
	ch2, cancel2 := b.Subscribe("sess-1")
	defer cancel2()

	publishTestEvent(b, "sess-1", store.StatusCompleted)

	ev1 := <-ch1
	ev2 := <-ch2
	assert.Equal(t, ev1.SessionID, ev2.SessionID)
}

func TestSnapshotOf(t *testing.T) {
	sess := &store.Session{
		SessionID:      "sess-1",
		TotalSize:      1000,
		ChunkSize:      100,
		TotalChunks:    10,
		ReceivedChunks: 10,
		ProviderBytes:  500,
		Phase:          store.PhaseServerToProvider,
		Status:         store.StatusRunning,
	}

	ev := SnapshotOf(sess)
	assert.Equal(t, "sess-1", ev.SessionID)
	assert.Equal(t, store.StatusRunning, ev.Status)
	assert.Equal(t, int64(500), ev.ProviderBytes)
	assert.Equal(t, 75, ev.Percent)
	assert.False(t, ev.At.IsZero())
}
