package realtime

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Event is a poll delta pushed to result viewers.
type Event struct {
	Type string          `json:"event"`
	Data json.RawMessage `json:"data"`
}

// Event types published on poll channels.
const (
	EventVote        = "vote"
	EventComment     = "comment"
	EventCommentVote = "comment:vote"
)

// Publisher is the interface for pushing an event to the other instances of
// the service (Redis pub/sub in production, nil in tests).
type Publisher interface {
	PublishPollEvent(pollID int64, event string, payload []byte) error
}

// Subscriber subscribes to a poll's cross-instance channel and invokes the
// handler for each incoming event.
type Subscriber interface {
	SubscribePoll(pollID int64, handler func(event string, payload []byte)) (cancel func(), err error)
}

// Subscription is one open result-viewing stream. Events arrive on C in
// publish order; the channel is never closed by the hub, so a transport
// drains it until its connection ends and then calls Unsubscribe.
type Subscription struct {
	ID     string
	PollID int64
	C      chan Event
}

// Hub maintains poll id -> set of subscriptions and fans published deltas out
// to them. Sends never block: a subscriber whose buffer is full misses the
// event rather than stalling the voter's request.
type Hub struct {
	mu     sync.RWMutex
	polls  map[int64]map[string]*Subscription
	subs   map[int64]func() // cancel cross-instance subscription per poll
	pub    Publisher
	sub    Subscriber
	logger *zap.Logger
}

// NewHub creates an event hub. pub and sub may be nil for a single-instance
// deployment; the hub then broadcasts locally on publish.
func NewHub(logger *zap.Logger, pub Publisher, sub Subscriber) *Hub {
	return &Hub{
		polls:  make(map[int64]map[string]*Subscription),
		subs:   make(map[int64]func()),
		pub:    pub,
		sub:    sub,
		logger: logger,
	}
}

// Subscribe registers a new stream for a poll. The first subscription for a
// poll opens the cross-instance channel.
func (h *Hub) Subscribe(pollID int64) *Subscription {
	s := &Subscription{
		ID:     uuid.New().String(),
		PollID: pollID,
		C:      make(chan Event, 64),
	}
	h.mu.Lock()
	if h.polls[pollID] == nil {
		h.polls[pollID] = make(map[string]*Subscription)
		if h.sub != nil {
			cancel, err := h.sub.SubscribePoll(pollID, func(event string, payload []byte) {
				h.broadcast(pollID, event, payload)
			})
			if err != nil {
				h.logger.Warn("poll channel subscribe", zap.Int64("poll_id", pollID), zap.Error(err))
			} else {
				h.subs[pollID] = cancel
			}
		}
	}
	h.polls[pollID][s.ID] = s
	h.mu.Unlock()
	h.logger.Debug("stream opened", zap.String("stream_id", s.ID), zap.Int64("poll_id", pollID))
	return s
}

// Unsubscribe removes a stream. It is synchronous: after it returns, no
// further fan-out work is attempted for the subscription. The last stream for
// a poll closes the cross-instance channel.
func (h *Hub) Unsubscribe(s *Subscription) {
	h.mu.Lock()
	if m, ok := h.polls[s.PollID]; ok {
		delete(m, s.ID)
		if len(m) == 0 {
			delete(h.polls, s.PollID)
			if cancel, ok := h.subs[s.PollID]; ok {
				cancel()
				delete(h.subs, s.PollID)
			}
		}
	}
	h.mu.Unlock()
	h.logger.Debug("stream closed", zap.String("stream_id", s.ID), zap.Int64("poll_id", s.PollID))
}

// Publish pushes a poll delta to every open stream for the poll. When a
// cross-instance publisher is configured, the event goes through it and the
// per-poll channel subscription broadcasts locally exactly once for all
// instances; otherwise the broadcast is local. Publish never blocks on slow
// subscribers.
func (h *Hub) Publish(pollID int64, event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Warn("event encode", zap.String("event", event), zap.Error(err))
		return
	}
	if h.pub != nil {
		if err := h.pub.PublishPollEvent(pollID, event, data); err != nil {
			h.logger.Warn("event publish", zap.Int64("poll_id", pollID), zap.Error(err))
			h.broadcast(pollID, event, data)
		}
		return
	}
	h.broadcast(pollID, event, data)
}

// SubscriberCount returns the number of open streams for a poll.
func (h *Hub) SubscriberCount(pollID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.polls[pollID])
}

func (h *Hub) broadcast(pollID int64, event string, payload []byte) {
	ev := Event{Type: event, Data: payload}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.polls[pollID] {
		select {
		case s.C <- ev:
		default:
			// buffer full, subscriber misses this event
		}
	}
}
