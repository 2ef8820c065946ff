package realtime

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestHub() *Hub {
	return NewHub(zap.NewNop(), nil, nil)
}

func recv(t *testing.T, c chan Event) Event {
	t.Helper()
	select {
	case ev := <-c:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestPublishReachesSubscribers(t *testing.T) {
	hub := newTestHub()
	a := hub.Subscribe(1000)
	b := hub.Subscribe(1000)
	defer hub.Unsubscribe(a)
	defer hub.Unsubscribe(b)

	hub.Publish(1000, EventVote, []int64{1, 0, 0})

	for _, sub := range []*Subscription{a, b} {
		ev := recv(t, sub.C)
		assert.Equal(t, EventVote, ev.Type)
		assert.JSONEq(t, `[1,0,0]`, string(ev.Data))
	}
}

func TestPublishIsScopedToPoll(t *testing.T) {
	hub := newTestHub()
	other := hub.Subscribe(2000)
	defer hub.Unsubscribe(other)

	hub.Publish(1000, EventVote, []int64{1})

	select {
	case ev := <-other.C:
		t.Fatalf("subscriber of another poll received %v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEventsArriveInPublishOrder(t *testing.T) {
	hub := newTestHub()
	sub := hub.Subscribe(1000)
	defer hub.Unsubscribe(sub)

	for i := 0; i < 50; i++ {
		hub.Publish(1000, EventVote, []int{i})
	}
	for i := 0; i < 50; i++ {
		ev := recv(t, sub.C)
		var got []int
		require.NoError(t, json.Unmarshal(ev.Data, &got))
		require.Equal(t, []int{i}, got)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	hub := newTestHub()
	sub := hub.Subscribe(1000)
	hub.Unsubscribe(sub)
	assert.Zero(t, hub.SubscriberCount(1000))

	hub.Publish(1000, EventVote, []int64{1})
	select {
	case ev := <-sub.C:
		t.Fatalf("unsubscribed stream received %v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	hub := newTestHub()
	sub := hub.Subscribe(1000)
	defer hub.Unsubscribe(sub)

	done := make(chan struct{})
	go func() {
		// Nobody drains sub.C: once its buffer fills, publishes must drop
		// events for it rather than stall.
		for i := 0; i < cap(sub.C)*3; i++ {
			hub.Publish(1000, EventVote, []int{i})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	assert.Len(t, sub.C, cap(sub.C))
}

func TestConcurrentSubscribeUnsubscribe(t *testing.T) {
	hub := newTestHub()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				sub := hub.Subscribe(1000)
				hub.Publish(1000, EventVote, []int64{1})
				hub.Unsubscribe(sub)
			}
		}()
	}
	wg.Wait()
	assert.Zero(t, hub.SubscriberCount(1000))
}

// fakeBridge simulates the cross-instance channel: publishes loop back to the
// registered per-poll handlers the way the Redis bridge does.
type fakeBridge struct {
	mu       sync.Mutex
	handlers map[int64]func(event string, payload []byte)
}

func (f *fakeBridge) PublishPollEvent(pollID int64, event string, payload []byte) error {
	f.mu.Lock()
	handler := f.handlers[pollID]
	f.mu.Unlock()
	if handler != nil {
		handler(event, payload)
	}
	return nil
}

func (f *fakeBridge) SubscribePoll(pollID int64, handler func(event string, payload []byte)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handlers == nil {
		f.handlers = make(map[int64]func(string, []byte))
	}
	f.handlers[pollID] = handler
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.handlers, pollID)
	}, nil
}

func TestPublishRoutesThroughBridgeExactlyOnce(t *testing.T) {
	bridge := &fakeBridge{}
	hub := NewHub(zap.NewNop(), bridge, bridge)

	sub := hub.Subscribe(1000)
	defer hub.Unsubscribe(sub)

	hub.Publish(1000, EventComment, map[string]int{"index": 0})

	ev := recv(t, sub.C)
	assert.Equal(t, EventComment, ev.Type)

	select {
	case ev := <-sub.C:
		t.Fatalf("event delivered twice: %v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLastUnsubscribeCancelsBridgeSubscription(t *testing.T) {
	bridge := &fakeBridge{}
	hub := NewHub(zap.NewNop(), bridge, bridge)

	a := hub.Subscribe(1000)
	b := hub.Subscribe(1000)

	hub.Unsubscribe(a)
	bridge.mu.Lock()
	assert.NotNil(t, bridge.handlers[1000], "bridge subscription should survive while a stream remains")
	bridge.mu.Unlock()

	hub.Unsubscribe(b)
	bridge.mu.Lock()
	assert.Nil(t, bridge.handlers[1000], "last unsubscribe should cancel the bridge subscription")
	bridge.mu.Unlock()
}
