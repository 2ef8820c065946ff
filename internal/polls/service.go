package polls

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/schmich/litepoll/internal/encoding"
	"github.com/schmich/litepoll/internal/models"
)

// Limits shared by poll creation and commenting.
const (
	MaxTextLen = 140
	MinOptions = 2
	MaxOptions = 32
)

// Store is the authoritative poll record with atomic conditional mutations.
type Store interface {
	Create(ctx context.Context, p *models.Poll) error
	Find(ctx context.Context, id int64, key string) (*models.Poll, error)
	FindOptions(ctx context.Context, id int64, key string) (*models.CachedOptions, error)
	ApplyVotes(ctx context.Context, id int64, key string, ballot []int, identity string) (*models.Poll, error)
	AppendComment(ctx context.Context, id int64, key, text, identity string) (*models.Comment, error)
	ApplyCommentVote(ctx context.Context, id int64, key string, commentIdx int, upvote bool, identity string) (int64, error)
}

// Ledger is the fast expiring pre-check for strict-mode voting.
type Ledger interface {
	AddIfAbsent(ctx context.Context, pollID int64, identity string) (bool, error)
	Remove(ctx context.Context, pollID int64, identity string) error
}

// OptionsCache caches the immutable fields of a poll.
type OptionsCache interface {
	Get(ctx context.Context, pollID int64) *models.CachedOptions
	Put(ctx context.Context, pollID int64, opts *models.CachedOptions)
}

// Broker fans poll deltas out to open result streams.
type Broker interface {
	Publish(pollID int64, event string, payload interface{})
}

// Service implements create/vote/comment/comment-vote by composing the codec,
// ledger, store, cache, and broker.
type Service struct {
	store  Store
	ledger Ledger
	cache  OptionsCache
	hub    Broker
	logger *zap.Logger
}

// NewService creates the poll service.
func NewService(store Store, ledger Ledger, cache OptionsCache, hub Broker, logger *zap.Logger) *Service {
	return &Service{store: store, ledger: ledger, cache: cache, hub: hub, logger: logger}
}

// CreateRequest describes a poll to create; it is validated on entry.
type CreateRequest struct {
	Title         string
	Options       []string
	MaxVotes      int
	Strict        bool
	Secret        bool
	AllowComments bool
}

// CreateResult carries the public handle and the paths a client needs next.
type CreateResult struct {
	Handle  string `json:"handle"`
	WebPath string `json:"web"`
	APIPath string `json:"api"`
}

// Create validates the request, persists the poll, primes the options cache, and
// returns the public handle. No store mutation happens on validation failure.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	if err := validateCreate(req); err != nil {
		return nil, err
	}

	p := &models.Poll{
		Title:         req.Title,
		Options:       req.Options,
		MaxVotes:      req.MaxVotes,
		Strict:        req.Strict,
		AllowComments: req.AllowComments,
	}
	if req.Secret {
		key, err := newSecretKey()
		if err != nil {
			return nil, fmt.Errorf("generate secret key: %w", err)
		}
		p.SecretKey = key
	}

	if err := s.store.Create(ctx, p); err != nil {
		return nil, err
	}

	s.cache.Put(ctx, p.ID, &models.CachedOptions{
		Title:         p.Title,
		Options:       p.Options,
		MaxVotes:      p.MaxVotes,
		Strict:        p.Strict,
		AllowComments: p.AllowComments,
		SecretKey:     p.SecretKey,
	})

	encoded, err := encoding.FromNumber(p.ID)
	if err != nil {
		return nil, fmt.Errorf("encode poll id %d: %w", p.ID, err)
	}
	handle := encoding.JoinHandle(encoded, p.SecretKey)
	s.logger.Info("poll created", zap.Int64("poll_id", p.ID), zap.Bool("strict", p.Strict), zap.Bool("secret", req.Secret))
	return &CreateResult{
		Handle:  handle,
		WebPath: "/" + handle + "/s",
		APIPath: "/poll/" + handle,
	}, nil
}

// VoteResult tells the voter where to watch results.
type VoteResult struct {
	ResultPath string `json:"results"`
}

// Vote applies a ballot. Bounds checks run against the cached options when
// available (option count is immutable, so a stale cache can never loosen
// them). On a strict poll the ledger screens duplicates before the store is
// touched; the store's own conditional increment is the durable guarantee.
func (s *Service) Vote(ctx context.Context, handle string, ballot []int, identity string) (*VoteResult, error) {
	encoded, id, key, err := s.resolve(handle)
	if err != nil {
		return nil, err
	}

	if len(ballot) == 0 {
		return nil, badInput("a non-empty 'votes' is required")
	}
	for _, idx := range ballot {
		if idx < 0 {
			return nil, badInput("vote must not be negative")
		}
	}

	opts, err := s.options(ctx, id, key)
	if err != nil {
		return nil, err
	}
	if len(ballot) > opts.MaxVotes {
		return nil, badInput(fmt.Sprintf("at most %d votes may be cast", opts.MaxVotes))
	}
	for _, idx := range ballot {
		if idx >= len(opts.Options) {
			return nil, badInput("vote not in range")
		}
	}

	if opts.Strict {
		added, err := s.ledger.AddIfAbsent(ctx, id, identity)
		if err != nil {
			return nil, err
		}
		if !added {
			return nil, alreadyActed("already voted in this poll")
		}
	}

	p, err := s.store.ApplyVotes(ctx, id, key, ballot, identity)
	if err != nil {
		// The ledger entry must not outlive a failed mutation, except when
		// the store itself saw the duplicate (ledger entry had expired).
		if opts.Strict && !errors.Is(err, ErrAlreadyActed) {
			if rmErr := s.ledger.Remove(ctx, id, identity); rmErr != nil {
				s.logger.Warn("ledger rollback", zap.Int64("poll_id", id), zap.Error(rmErr))
			}
		}
		return nil, err
	}

	s.hub.Publish(id, "vote", p.Votes)
	return &VoteResult{ResultPath: "/" + encoded + "/r"}, nil
}

// Comment appends a comment to a poll that allows them.
func (s *Service) Comment(ctx context.Context, handle, text, identity string) (*models.Comment, error) {
	_, id, key, err := s.resolve(handle)
	if err != nil {
		return nil, err
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return nil, badInput("a non-empty 'text' is required")
	}
	if utf8.RuneCountInString(text) > MaxTextLen {
		return nil, badInput(fmt.Sprintf("'text' length must not exceed %d characters", MaxTextLen))
	}

	opts, err := s.options(ctx, id, key)
	if err != nil {
		return nil, err
	}
	if !opts.AllowComments {
		return nil, badInput("comments are not allowed for this poll")
	}

	c, err := s.store.AppendComment(ctx, id, key, text, identity)
	if err != nil {
		return nil, err
	}

	s.hub.Publish(id, "comment", c)
	return c, nil
}

// VoteComment applies an up/down vote to a comment and returns the new total.
func (s *Service) VoteComment(ctx context.Context, handle string, commentIdx int, upvote bool, identity string) (int64, error) {
	_, id, key, err := s.resolve(handle)
	if err != nil {
		return 0, err
	}
	if commentIdx < 0 {
		return 0, badInput("comment index must not be negative")
	}

	opts, err := s.options(ctx, id, key)
	if err != nil {
		return 0, err
	}
	if !opts.AllowComments {
		return 0, badInput("comments are not allowed for this poll")
	}

	total, err := s.store.ApplyCommentVote(ctx, id, key, commentIdx, upvote, identity)
	if err != nil {
		return 0, err
	}

	s.hub.Publish(id, "comment:vote", map[string]interface{}{
		"index": commentIdx,
		"votes": total,
	})
	return total, nil
}

// Show returns a snapshot of current server state: cached-eligible fields
// plus live tallies and comments straight from the store.
func (s *Service) Show(ctx context.Context, handle string) (*models.Poll, error) {
	_, id, key, err := s.resolve(handle)
	if err != nil {
		return nil, err
	}
	return s.store.Find(ctx, id, key)
}

// Options returns the immutable fields of a poll, read through the cache.
func (s *Service) Options(ctx context.Context, handle string) (*models.CachedOptions, error) {
	_, id, key, err := s.resolve(handle)
	if err != nil {
		return nil, err
	}
	return s.options(ctx, id, key)
}

// Resolve verifies a handle against the store (including the secret key) and
// returns the internal poll id, for stream subscriptions.
func (s *Service) Resolve(ctx context.Context, handle string) (int64, error) {
	_, id, key, err := s.resolve(handle)
	if err != nil {
		return 0, err
	}
	if _, err := s.options(ctx, id, key); err != nil {
		return 0, err
	}
	return id, nil
}

// resolve decodes a handle. A malformed handle is indistinguishable from an
// unknown poll.
func (s *Service) resolve(handle string) (encoded string, id int64, key string, err error) {
	encoded, key = encoding.SplitHandle(handle)
	id, err = encoding.ToNumber(encoded)
	if err != nil {
		return "", 0, "", ErrNotFound
	}
	return encoded, id, key, nil
}

// options reads the slow-changing poll fields through the cache. A cache hit
// still verifies the secret key, so a cached secret poll stays as unresolvable
// to a wrong key as an uncached one.
func (s *Service) options(ctx context.Context, id int64, key string) (*models.CachedOptions, error) {
	if cached := s.cache.Get(ctx, id); cached != nil {
		if cached.SecretKey != "" && cached.SecretKey != key {
			return nil, ErrNotFound
		}
		return cached, nil
	}
	opts, err := s.store.FindOptions(ctx, id, key)
	if err != nil {
		return nil, err
	}
	s.cache.Put(ctx, id, opts)
	return opts, nil
}

func validateCreate(req CreateRequest) error {
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return badInput("a non-empty 'title' is required")
	}
	if utf8.RuneCountInString(req.Title) > MaxTextLen {
		return badInput(fmt.Sprintf("'title' length must not exceed %d characters", MaxTextLen))
	}
	if len(req.Options) < MinOptions {
		return badInput("at least two 'options' are required")
	}
	if len(req.Options) > MaxOptions {
		return badInput(fmt.Sprintf("number of options must not exceed %d", MaxOptions))
	}
	for _, opt := range req.Options {
		if strings.TrimSpace(opt) == "" {
			return badInput("'options' must not be empty")
		}
		if utf8.RuneCountInString(opt) > MaxTextLen {
			return badInput(fmt.Sprintf("option length must not exceed %d characters", MaxTextLen))
		}
	}
	if req.MaxVotes < 1 || req.MaxVotes > len(req.Options) {
		return badInput("'max_votes' must be between 1 and the number of options")
	}
	return nil
}

// newSecretKey returns a 33-byte random token in URL-safe base64.
func newSecretKey() (string, error) {
	var b [33]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b[:]), nil
}
