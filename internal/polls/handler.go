package polls

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/schmich/litepoll/internal/realtime"
	"github.com/schmich/litepoll/pkg/response"
	"go.uber.org/zap"
)

// CreatePollRequest is the body for POST /poll. The policy flags are pointers
// so a missing flag is rejected rather than defaulted.
type CreatePollRequest struct {
	Title         string   `json:"title"`
	Options       []string `json:"options"`
	MaxVotes      int      `json:"max_votes"`
	Strict        *bool    `json:"strict" binding:"required"`
	Secret        *bool    `json:"secret" binding:"required"`
	AllowComments *bool    `json:"allow_comments" binding:"required"`
}

// VoteRequest is the body for PUT /poll/:id.
type VoteRequest struct {
	Votes []int `json:"votes" binding:"required"`
}

// CommentRequest is the body for POST /poll/:id/comments.
type CommentRequest struct {
	Text string `json:"text" binding:"required"`
}

// CommentVoteRequest is the body for POST /poll/:id/comments/:index/vote.
type CommentVoteRequest struct {
	Up *bool `json:"up" binding:"required"`
}

// Handler exposes the poll service over HTTP. Identity extraction (client IP)
// happens only here; the service consumes it as an opaque string.
type Handler struct {
	service *Service
	hub     *realtime.Hub
	logger  *zap.Logger
}

// NewHandler creates a polls handler.
func NewHandler(service *Service, hub *realtime.Hub, logger *zap.Logger) *Handler {
	return &Handler{service: service, hub: hub, logger: logger}
}

// Create handles POST /poll.
func (h *Handler) Create(c *gin.Context) {
	var req CreatePollRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}

	result, err := h.service.Create(c.Request.Context(), CreateRequest{
		Title:         req.Title,
		Options:       req.Options,
		MaxVotes:      req.MaxVotes,
		Strict:        *req.Strict,
		Secret:        *req.Secret,
		AllowComments: *req.AllowComments,
	})
	if err != nil {
		h.fail(c, err)
		return
	}

	c.Header("Location", result.APIPath)
	response.Created(c, gin.H{"path": gin.H{"web": result.WebPath, "api": result.APIPath}})
}

// Show handles GET /poll/:id.
func (h *Handler) Show(c *gin.Context) {
	p, err := h.service.Show(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, p)
}

// Options handles GET /poll/:id/options. The payload is immutable, so the
// client may cache it aggressively.
func (h *Handler) Options(c *gin.Context) {
	opts, err := h.service.Options(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.Header("Cache-Control", "public, max-age=31536000")
	response.OK(c, gin.H{
		"title":          opts.Title,
		"options":        opts.Options,
		"max_votes":      opts.MaxVotes,
		"strict":         opts.Strict,
		"allow_comments": opts.AllowComments,
	})
}

// Vote handles PUT /poll/:id.
func (h *Handler) Vote(c *gin.Context) {
	var req VoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}

	result, err := h.service.Vote(c.Request.Context(), c.Param("id"), req.Votes, c.ClientIP())
	if err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, result)
}

// Comment handles POST /poll/:id/comments.
func (h *Handler) Comment(c *gin.Context) {
	var req CommentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}

	comment, err := h.service.Comment(c.Request.Context(), c.Param("id"), req.Text, c.ClientIP())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.Header("Location", fmt.Sprintf("/poll/%s/comments/%d", c.Param("id"), comment.Index))
	response.Created(c, comment)
}

// CommentVote handles POST /poll/:id/comments/:index/vote.
func (h *Handler) CommentVote(c *gin.Context) {
	idx, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		response.BadRequest(c, "invalid comment index")
		return
	}
	var req CommentVoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}

	total, err := h.service.VoteComment(c.Request.Context(), c.Param("id"), idx, *req.Up, c.ClientIP())
	if err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, gin.H{"index": idx, "votes": total})
}

// Events handles GET /poll/:id/events, the SSE result stream.
func (h *Handler) Events(c *gin.Context) {
	id, err := h.service.Resolve(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	realtime.ServeSSE(h.hub, h.logger, id)(c)
}

// Stream handles GET /poll/:id/ws, the WebSocket result stream.
func (h *Handler) Stream(c *gin.Context) {
	id, err := h.service.Resolve(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	realtime.ServeWS(h.hub, h.logger, id)(c)
}

// fail maps service errors onto the response envelope. Duplicates and other
// bad input share a 400; unresolvable handles (including wrong secret keys)
// share a 404; anything else is a storage failure.
func (h *Handler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		response.NotFound(c, "poll not found")
	case errors.Is(err, ErrBadInput):
		response.BadRequest(c, err.Error())
	default:
		h.logger.Error("poll operation failed", zap.String("path", c.Request.URL.Path), zap.Error(err))
		response.Internal(c, "internal error")
	}
}
