package http

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/davidbz/markl/internal/bot"
	"github.com/davidbz/markl/internal/conversation"
	"github.com/davidbz/markl/internal/domain"
	"github.com/davidbz/markl/internal/observability"
	"github.com/davidbz/markl/internal/ratelimit"
)

// MessageHandler runs the reply pipeline.
type MessageHandler interface {
	Handle(ctx context.Context, msg *bot.Incoming) (*bot.Reply, error)
}

// StatsSource exposes the dispatcher state.
type StatsSource interface {
	ProviderStats() *domain.ProviderStats
}

// LimiterAdmin inspects and resets admission windows.
type LimiterAdmin interface {
	Stats(userID int64) ratelimit.Stats
	Reset(userID int64)
}

// HistoryClearer drops the stored conversation of a chat.
type HistoryClearer interface {
	Clear(ctx context.Context, chatID int64) error
}

type messageRequest struct {
	UserID      int64    `json:"user_id"      validate:"required"`
	ChatID      int64    `json:"chat_id"      validate:"required"`
	Text        string   `json:"text"         validate:"required_without=ImageBase64,max=50000"`
	ImageBase64 string   `json:"image_base64" validate:"omitempty,base64"`
	ImageMIME   string   `json:"image_mime"   validate:"omitempty,max=64"`
	Model       string   `json:"model"        validate:"max=128"`
	Providers   []string `json:"providers"    validate:"max=32,dive,required,max=128"`
	Pace        bool     `json:"pace"`
	Flagged     bool     `json:"flagged"`
}

type errorResponse struct {
	Error   string            `json:"error"`
	Details map[string]string `json:"details,omitempty"`
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

// Handler handles HTTP requests.
type Handler struct {
	messages MessageHandler
	stats    StatsSource
	limiter  LimiterAdmin
	history  HistoryClearer
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithHistoryClearer enables DELETE /v1/admin/history/{chatID}.
func WithHistoryClearer(history HistoryClearer) HandlerOption {
	return func(h *Handler) {
		h.history = history
	}
}

// NewHandler creates a new HTTP handler.
func NewHandler(messages MessageHandler, stats StatsSource, limiter LimiterAdmin, opts ...HandlerOption) *Handler {
	h := &Handler{
		messages: messages,
		stats:    stats,
		limiter:  limiter,
	}

	for _, opt := range opts {
		opt(h)
	}

	return h
}

// HandleMessage runs one user message through the reply pipeline.
func (h *Handler) HandleMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := observability.FromContext(ctx)

	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(ctx, w, http.StatusRequestEntityTooLarge,
				errorResponse{Error: "request body exceeds " + strconv.FormatInt(tooLarge.Limit, 10) + " bytes"})
			return
		}
		writeJSON(ctx, w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	if err := getValidator().Struct(req); err != nil {
		details := map[string]string{}
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				details[strings.ToLower(fe.Field())] = fe.Tag()
			}
		}
		writeJSON(ctx, w, http.StatusBadRequest, errorResponse{Error: "validation failed", Details: details})
		return
	}

	msg := &bot.Incoming{
		UserID:    req.UserID,
		ChatID:    req.ChatID,
		Text:      req.Text,
		ImageMIME: req.ImageMIME,
		Model:     req.Model,
		Providers: req.Providers,
		Pace:      req.Pace,
		Flagged:   req.Flagged,
	}

	if req.ImageBase64 != "" {
		image, err := base64.StdEncoding.DecodeString(req.ImageBase64)
		if err != nil {
			writeJSON(ctx, w, http.StatusBadRequest, errorResponse{Error: "image_base64 is not valid base64"})
			return
		}
		msg.Image = image
	}

	reply, err := h.messages.Handle(ctx, msg)
	if err != nil {
		h.writeHandleError(ctx, w, reply, err)
		return
	}

	logger.Debug("message handled",
		observability.Bool("success", reply.Success),
		observability.Bool("superseded", reply.Superseded))

	writeJSON(ctx, w, http.StatusOK, reply)
}

func (h *Handler) writeHandleError(ctx context.Context, w http.ResponseWriter, reply *bot.Reply, err error) {
	logger := observability.FromContext(ctx)

	var limited *domain.RateLimitedError
	switch {
	case errors.As(err, &limited):
		seconds := int(math.Ceil(limited.RetryAfter.Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(max(seconds, 1)))
		writeJSON(ctx, w, http.StatusTooManyRequests, errorResponse{Error: err.Error()})
	case errors.Is(err, domain.ErrInvalidImagePayload),
		errors.Is(err, domain.ErrProviderNotFound),
		errors.Is(err, conversation.ErrEmptyMessage):
		writeJSON(ctx, w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case reply != nil:
		// Answer produced but not delivered.
		logger.Error("reply delivery failed", observability.Error(err))
		writeJSON(ctx, w, http.StatusBadGateway, reply)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		logger.Warn("request abandoned", observability.Error(err))
		writeJSON(ctx, w, http.StatusServiceUnavailable, errorResponse{Error: "request cancelled"})
	default:
		logger.Error("message handling failed", observability.Error(err))
		writeJSON(ctx, w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

// HandleProviderStats returns the dispatcher state.
func (h *Handler) HandleProviderStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(r.Context(), w, http.StatusOK, h.stats.ProviderStats())
}

// HandleRateLimitStats returns the admission window of a user.
func (h *Handler) HandleRateLimitStats(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "userID")
	if !ok {
		return
	}

	writeJSON(r.Context(), w, http.StatusOK, h.limiter.Stats(userID))
}

// HandleRateLimitReset clears the admission window of a user.
func (h *Handler) HandleRateLimitReset(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "userID")
	if !ok {
		return
	}

	h.limiter.Reset(userID)
	observability.FromContext(r.Context()).Info("rate limit reset", observability.Int64("target_user_id", userID))

	w.WriteHeader(http.StatusNoContent)
}

// HandleHistoryClear drops the stored conversation of a chat.
func (h *Handler) HandleHistoryClear(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.history == nil {
		writeJSON(ctx, w, http.StatusNotFound, errorResponse{Error: "history store not configured"})
		return
	}

	chatID, ok := pathID(w, r, "chatID")
	if !ok {
		return
	}

	if err := h.history.Clear(ctx, chatID); err != nil {
		observability.FromContext(ctx).Error("failed to clear history", observability.Error(err))
		writeJSON(ctx, w, http.StatusInternalServerError, errorResponse{Error: "failed to clear history"})
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleHealth handles health check requests.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(r.Context(), w, http.StatusOK, map[string]string{"status": "healthy"})
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil {
		writeJSON(r.Context(), w, http.StatusBadRequest, errorResponse{Error: name + " must be an integer"})
		return 0, false
	}
	return id, true
}

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		// Status already written.
		observability.FromContext(ctx).Error("failed to encode response", observability.Error(err))
	}
}
