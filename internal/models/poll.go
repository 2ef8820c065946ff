package models

import "time"

// Poll is the root aggregate: options and tallies are positional, comments
// are append-only and addressed by index.
type Poll struct {
	ID            int64     `json:"id"`
	Title         string    `json:"title"`
	Options       []string  `json:"options"`
	Votes         []int64   `json:"votes"`
	MaxVotes      int       `json:"max_votes"`
	Strict        bool      `json:"strict"`
	SecretKey     string    `json:"-"`
	AllowComments bool      `json:"allow_comments"`
	Comments      []Comment `json:"comments"`
	CreatedAt     time.Time `json:"created_at"`
}

// Comment is a child entity of a poll. Its identity is its position in the
// poll's comment sequence; indices are contiguous and never reused.
type Comment struct {
	Index     int       `json:"index"`
	Text      string    `json:"text"`
	Votes     int64     `json:"votes"`
	CreatedAt time.Time `json:"created_at"`
}

// CachedOptions holds only the fields of a poll that never change after
// creation. Live tallies and comments are deliberately excluded: they are
// always read from the store. SecretKey travels with the blob so the cached
// read path can verify handles without a store round-trip; handlers must not
// serialize this type directly.
type CachedOptions struct {
	Title         string   `json:"title"`
	Options       []string `json:"options"`
	MaxVotes      int      `json:"max_votes"`
	Strict        bool     `json:"strict"`
	AllowComments bool     `json:"allow_comments"`
	SecretKey     string   `json:"secret_key,omitempty"`
}
