package polls

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/schmich/litepoll/internal/models"
)

// Repository is the authoritative poll store. Every mutation is a single
// statement or a single transaction; strict-mode dedup rides on primary-key
// conflicts inside the same transaction as the mutation, so there is no
// check-then-act window anywhere in this file.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a poll repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// keyFilter matches a poll only when it is public or the supplied secret key
// is exactly right. Wrong key and unknown id are indistinguishable on purpose.
const keyFilter = `id = $1 AND (secret_key IS NULL OR secret_key = $2)`

// Create persists a poll and its options atomically and assigns the next
// sequential id. The caller is expected to have validated the request.
func (r *Repository) Create(ctx context.Context, p *models.Poll) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin create: %w", err)
	}
	defer tx.Rollback(ctx)

	var secret *string
	if p.SecretKey != "" {
		secret = &p.SecretKey
	}
	err = tx.QueryRow(ctx,
		`INSERT INTO polls (title, max_votes, strict, allow_comments, secret_key)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, created_at`,
		p.Title, p.MaxVotes, p.Strict, p.AllowComments, secret).
		Scan(&p.ID, &p.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert poll: %w", err)
	}

	for i, label := range p.Options {
		if _, err := tx.Exec(ctx,
			`INSERT INTO poll_options (poll_id, idx, label) VALUES ($1, $2, $3)`,
			p.ID, i, label); err != nil {
			return fmt.Errorf("insert option %d: %w", i, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit create: %w", err)
	}
	p.Votes = make([]int64, len(p.Options))
	p.Comments = []models.Comment{}
	return nil
}

// Find returns the full poll, live tallies and comments included.
func (r *Repository) Find(ctx context.Context, id int64, key string) (*models.Poll, error) {
	var p models.Poll
	var secret *string
	err := r.pool.QueryRow(ctx,
		`SELECT id, title, max_votes, strict, allow_comments, secret_key, created_at
		 FROM polls WHERE `+keyFilter, id, key).
		Scan(&p.ID, &p.Title, &p.MaxVotes, &p.Strict, &p.AllowComments, &secret, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find poll: %w", err)
	}
	if secret != nil {
		p.SecretKey = *secret
	}

	p.Options, p.Votes, err = loadTallies(ctx, r.pool, id)
	if err != nil {
		return nil, err
	}
	p.Comments, err = r.loadComments(ctx, id)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// FindOptions returns only the immutable fields, for cache refill.
func (r *Repository) FindOptions(ctx context.Context, id int64, key string) (*models.CachedOptions, error) {
	var o models.CachedOptions
	var secret *string
	err := r.pool.QueryRow(ctx,
		`SELECT title, max_votes, strict, allow_comments, secret_key FROM polls WHERE `+keyFilter, id, key).
		Scan(&o.Title, &o.MaxVotes, &o.Strict, &o.AllowComments, &secret)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find poll options: %w", err)
	}
	if secret != nil {
		o.SecretKey = *secret
	}
	err = r.pool.QueryRow(ctx,
		`SELECT array_agg(label ORDER BY idx) FROM poll_options WHERE poll_id = $1`, id).
		Scan(&o.Options)
	if err != nil {
		return nil, fmt.Errorf("load option labels: %w", err)
	}
	return &o, nil
}

// ApplyVotes increments the tallies for each index in the ballot (duplicate
// indices each count) and returns the resulting poll state. On a strict poll
// the increment is conditioned, in the same transaction, on the identity not
// having voted before; the losing side of a concurrent duplicate pair gets
// ErrAlreadyActed and leaves no trace.
func (r *Repository) ApplyVotes(ctx context.Context, id int64, key string, ballot []int, identity string) (*models.Poll, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin vote: %w", err)
	}
	defer tx.Rollback(ctx)

	var strict bool
	err = tx.QueryRow(ctx, `SELECT strict FROM polls WHERE `+keyFilter, id, key).Scan(&strict)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("resolve poll: %w", err)
	}

	if strict {
		tag, err := tx.Exec(ctx,
			`INSERT INTO poll_voters (poll_id, identity) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			id, identity)
		if err != nil {
			return nil, fmt.Errorf("record voter: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil, alreadyActed("already voted in this poll")
		}
	}

	distinct := make(map[int]struct{}, len(ballot))
	idxs := make([]int32, len(ballot))
	for i, b := range ballot {
		distinct[b] = struct{}{}
		idxs[i] = int32(b)
	}
	tag, err := tx.Exec(ctx,
		`UPDATE poll_options AS o
		 SET votes = o.votes + u.n
		 FROM (SELECT t.idx, COUNT(*) AS n FROM unnest($2::int[]) AS t(idx) GROUP BY t.idx) AS u
		 WHERE o.poll_id = $1 AND o.idx = u.idx`,
		id, idxs)
	if err != nil {
		return nil, fmt.Errorf("apply votes: %w", err)
	}
	if int(tag.RowsAffected()) != len(distinct) {
		return nil, badInput("vote not in range")
	}

	p := models.Poll{ID: id}
	p.Options, p.Votes, err = loadTallies(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit vote: %w", err)
	}
	return &p, nil
}

// AppendComment appends a comment and assigns the next contiguous index. On a
// strict poll the append is conditioned atomically on the identity not having
// commented before. Index allocation serializes on the poll row lock taken by
// the counter update, so indices stay contiguous under concurrency.
func (r *Repository) AppendComment(ctx context.Context, id int64, key, text, identity string) (*models.Comment, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin comment: %w", err)
	}
	defer tx.Rollback(ctx)

	var strict, allow bool
	err = tx.QueryRow(ctx, `SELECT strict, allow_comments FROM polls WHERE `+keyFilter, id, key).
		Scan(&strict, &allow)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("resolve poll: %w", err)
	}
	if !allow {
		return nil, badInput("comments are not allowed for this poll")
	}

	if strict {
		tag, err := tx.Exec(ctx,
			`INSERT INTO comment_authors (poll_id, identity) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			id, identity)
		if err != nil {
			return nil, fmt.Errorf("record commenter: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil, alreadyActed("already commented on this poll")
		}
	}

	var c models.Comment
	err = tx.QueryRow(ctx,
		`UPDATE polls SET comment_count = comment_count + 1 WHERE id = $1
		 RETURNING comment_count - 1`, id).
		Scan(&c.Index)
	if err != nil {
		return nil, fmt.Errorf("allocate comment index: %w", err)
	}
	c.Text = text
	err = tx.QueryRow(ctx,
		`INSERT INTO comments (poll_id, idx, body) VALUES ($1, $2, $3) RETURNING created_at`,
		id, c.Index, text).
		Scan(&c.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert comment: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit comment: %w", err)
	}
	return &c, nil
}

// ApplyCommentVote adjusts a comment's tally by +1 or -1 and returns the new
// total. On a strict poll the adjustment is conditioned atomically on the
// identity not having voted on that comment before.
func (r *Repository) ApplyCommentVote(ctx context.Context, id int64, key string, commentIdx int, upvote bool, identity string) (int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin comment vote: %w", err)
	}
	defer tx.Rollback(ctx)

	var strict, allow bool
	err = tx.QueryRow(ctx, `SELECT strict, allow_comments FROM polls WHERE `+keyFilter, id, key).
		Scan(&strict, &allow)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("resolve poll: %w", err)
	}
	if !allow {
		return 0, badInput("comments are not allowed for this poll")
	}

	delta := int64(1)
	if !upvote {
		delta = -1
	}
	var total int64
	err = tx.QueryRow(ctx,
		`UPDATE comments SET votes = votes + $3 WHERE poll_id = $1 AND idx = $2 RETURNING votes`,
		id, commentIdx, delta).
		Scan(&total)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, badInput("comment not in range")
	}
	if err != nil {
		return 0, fmt.Errorf("apply comment vote: %w", err)
	}

	if strict {
		tag, err := tx.Exec(ctx,
			`INSERT INTO comment_voters (poll_id, comment_idx, identity) VALUES ($1, $2, $3)
			 ON CONFLICT DO NOTHING`,
			id, commentIdx, identity)
		if err != nil {
			return 0, fmt.Errorf("record comment voter: %w", err)
		}
		if tag.RowsAffected() == 0 {
			// Rolling back undoes the tally adjustment above.
			return 0, alreadyActed("already voted on this comment")
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit comment vote: %w", err)
	}
	return total, nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func loadTallies(ctx context.Context, q querier, id int64) ([]string, []int64, error) {
	rows, err := q.Query(ctx,
		`SELECT label, votes FROM poll_options WHERE poll_id = $1 ORDER BY idx`, id)
	if err != nil {
		return nil, nil, fmt.Errorf("load tallies: %w", err)
	}
	defer rows.Close()

	var labels []string
	var votes []int64
	for rows.Next() {
		var label string
		var n int64
		if err := rows.Scan(&label, &n); err != nil {
			return nil, nil, fmt.Errorf("scan tally: %w", err)
		}
		labels = append(labels, label)
		votes = append(votes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate tallies: %w", err)
	}
	return labels, votes, nil
}

func (r *Repository) loadComments(ctx context.Context, id int64) ([]models.Comment, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT idx, body, votes, created_at FROM comments WHERE poll_id = $1 ORDER BY idx`, id)
	if err != nil {
		return nil, fmt.Errorf("load comments: %w", err)
	}
	defer rows.Close()

	comments := []models.Comment{}
	for rows.Next() {
		var c models.Comment
		if err := rows.Scan(&c.Index, &c.Text, &c.Votes, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		comments = append(comments, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}
	return comments, nil
}
