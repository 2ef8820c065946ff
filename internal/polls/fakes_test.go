package polls

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/schmich/litepoll/internal/models"
)

// memStore implements Store with the same atomicity contract as the Postgres
// repository: every mutation runs under one lock, and strict-mode dedup is
// checked and recorded in the same critical section as the mutation.
type memStore struct {
	mu            sync.Mutex
	seq           int64
	polls         map[int64]*models.Poll
	voters        map[int64]map[string]bool
	commenters    map[int64]map[string]bool
	commentVoters map[string]bool // "<pollID>:<idx>:<identity>"
	failNext      error
}

func newMemStore() *memStore {
	return &memStore{
		seq:           999,
		polls:         make(map[int64]*models.Poll),
		voters:        make(map[int64]map[string]bool),
		commenters:    make(map[int64]map[string]bool),
		commentVoters: make(map[string]bool),
	}
}

func (m *memStore) takeFailure() error {
	err := m.failNext
	m.failNext = nil
	return err
}

func (m *memStore) Create(ctx context.Context, p *models.Poll) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return err
	}
	m.seq++
	p.ID = m.seq
	p.Votes = make([]int64, len(p.Options))
	p.Comments = []models.Comment{}
	p.CreatedAt = time.Now()
	clone := *p
	m.polls[p.ID] = &clone
	m.voters[p.ID] = make(map[string]bool)
	m.commenters[p.ID] = make(map[string]bool)
	return nil
}

func (m *memStore) resolve(id int64, key string) (*models.Poll, error) {
	p, ok := m.polls[id]
	if !ok {
		return nil, ErrNotFound
	}
	if p.SecretKey != "" && p.SecretKey != key {
		return nil, ErrNotFound
	}
	return p, nil
}

func (m *memStore) Find(ctx context.Context, id int64, key string) (*models.Poll, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return nil, err
	}
	p, err := m.resolve(id, key)
	if err != nil {
		return nil, err
	}
	clone := *p
	clone.Votes = append([]int64(nil), p.Votes...)
	clone.Comments = append([]models.Comment(nil), p.Comments...)
	return &clone, nil
}

func (m *memStore) FindOptions(ctx context.Context, id int64, key string) (*models.CachedOptions, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return nil, err
	}
	p, err := m.resolve(id, key)
	if err != nil {
		return nil, err
	}
	return &models.CachedOptions{
		Title:         p.Title,
		Options:       append([]string(nil), p.Options...),
		MaxVotes:      p.MaxVotes,
		Strict:        p.Strict,
		AllowComments: p.AllowComments,
		SecretKey:     p.SecretKey,
	}, nil
}

func (m *memStore) ApplyVotes(ctx context.Context, id int64, key string, ballot []int, identity string) (*models.Poll, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return nil, err
	}
	p, err := m.resolve(id, key)
	if err != nil {
		return nil, err
	}
	if p.Strict {
		if m.voters[id][identity] {
			return nil, alreadyActed("already voted in this poll")
		}
	}
	for _, idx := range ballot {
		if idx < 0 || idx >= len(p.Votes) {
			return nil, badInput("vote not in range")
		}
	}
	if p.Strict {
		m.voters[id][identity] = true
	}
	for _, idx := range ballot {
		p.Votes[idx]++
	}
	clone := *p
	clone.Votes = append([]int64(nil), p.Votes...)
	return &clone, nil
}

func (m *memStore) AppendComment(ctx context.Context, id int64, key, text, identity string) (*models.Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return nil, err
	}
	p, err := m.resolve(id, key)
	if err != nil {
		return nil, err
	}
	if !p.AllowComments {
		return nil, badInput("comments are not allowed for this poll")
	}
	if p.Strict {
		if m.commenters[id][identity] {
			return nil, alreadyActed("already commented on this poll")
		}
		m.commenters[id][identity] = true
	}
	c := models.Comment{Index: len(p.Comments), Text: text, CreatedAt: time.Now()}
	p.Comments = append(p.Comments, c)
	return &c, nil
}

func (m *memStore) ApplyCommentVote(ctx context.Context, id int64, key string, commentIdx int, upvote bool, identity string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return 0, err
	}
	p, err := m.resolve(id, key)
	if err != nil {
		return 0, err
	}
	if !p.AllowComments {
		return 0, badInput("comments are not allowed for this poll")
	}
	if commentIdx < 0 || commentIdx >= len(p.Comments) {
		return 0, badInput("comment not in range")
	}
	if p.Strict {
		k := fmt.Sprintf("%d:%d:%s", id, commentIdx, identity)
		if m.commentVoters[k] {
			return 0, alreadyActed("already voted on this comment")
		}
		m.commentVoters[k] = true
	}
	if upvote {
		p.Comments[commentIdx].Votes++
	} else {
		p.Comments[commentIdx].Votes--
	}
	return p.Comments[commentIdx].Votes, nil
}

// memLedger implements Ledger with an atomic add-if-absent.
type memLedger struct {
	mu   sync.Mutex
	seen map[string]bool
}

func newMemLedger() *memLedger {
	return &memLedger{seen: make(map[string]bool)}
}

func (l *memLedger) key(pollID int64, identity string) string {
	return fmt.Sprintf("%d:%s", pollID, identity)
}

func (l *memLedger) AddIfAbsent(ctx context.Context, pollID int64, identity string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := l.key(pollID, identity)
	if l.seen[k] {
		return false, nil
	}
	l.seen[k] = true
	return true, nil
}

func (l *memLedger) Remove(ctx context.Context, pollID int64, identity string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.seen, l.key(pollID, identity))
	return nil
}

// memCache implements OptionsCache.
type memCache struct {
	mu      sync.Mutex
	entries map[int64]*models.CachedOptions
	hits    int
}

func newMemCache() *memCache {
	return &memCache{entries: make(map[int64]*models.CachedOptions)}
}

func (c *memCache) Get(ctx context.Context, pollID int64) *models.CachedOptions {
	c.mu.Lock()
	defer c.mu.Unlock()
	if opts, ok := c.entries[pollID]; ok {
		c.hits++
		return opts
	}
	return nil
}

func (c *memCache) Put(ctx context.Context, pollID int64, opts *models.CachedOptions) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[pollID] = opts
}

func (c *memCache) drop(pollID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, pollID)
}

// recordingBroker captures published events.
type recordingBroker struct {
	mu     sync.Mutex
	events []publishedEvent
}

type publishedEvent struct {
	PollID  int64
	Event   string
	Payload interface{}
}

func (b *recordingBroker) Publish(pollID int64, event string, payload interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, publishedEvent{PollID: pollID, Event: event, Payload: payload})
}

func (b *recordingBroker) all() []publishedEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]publishedEvent(nil), b.events...)
}
