package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	tele "gopkg.in/telebot.v4"

	"github.com/avelikov/herald/internal/db"
	"github.com/avelikov/herald/internal/link"
	"github.com/avelikov/herald/internal/metrics"
	"github.com/avelikov/herald/internal/redis"
)

// Repository defines the database operations the API surface needs.
type Repository interface {
	Enqueue(ctx context.Context, notif *db.Notification) error
	GetNotification(ctx context.Context, id uuid.UUID) (*db.Notification, error)
	ListNotifications(ctx context.Context, recipientUserID uuid.UUID, status string, limit, offset int) ([]*db.Notification, error)
	GetUser(ctx context.Context, id uuid.UUID) (*db.User, error)
	SetChannelBinding(ctx context.Context, userID uuid.UUID, chatID *string) error
	CountByStatus(ctx context.Context) (map[string]int64, error)
}

// Issuer mints channel link tokens.
type Issuer interface {
	Issue(ctx context.Context, userID uuid.UUID) (*link.Grant, error)
}

// UpdateConsumer processes inbound chat messages from the channel webhook.
type UpdateConsumer interface {
	HandleMessage(ctx context.Context, chatID, text string)
}

// EnqueueRequest is the incoming notification event.
type EnqueueRequest struct {
	RecipientUserID string `json:"recipient_user_id"`
	Payload         string `json:"payload"`
	IdempotencyKey  string `json:"idempotency_key"`
}

// EnqueueResponse acknowledges acceptance into the outbox. Accepted is true
// for duplicates too: the event is queued or already resolved either way.
type EnqueueResponse struct {
	Accepted  bool   `json:"accepted"`
	ID        string `json:"id,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger       *zap.Logger
	repo         Repository
	cache        *redis.EnqueueCache // nil if Redis not configured
	issuer       Issuer
	consumer     UpdateConsumer
	verifySecret func(string) bool
}

// NewHandler creates a new API handler. verifySecret guards the channel
// webhook; cache may be nil when Redis is not configured.
func NewHandler(
	logger *zap.Logger,
	repo Repository,
	cache *redis.EnqueueCache,
	issuer Issuer,
	consumer UpdateConsumer,
	verifySecret func(string) bool,
) *Handler {
	if verifySecret == nil {
		verifySecret = func(string) bool { return true }
	}
	return &Handler{
		logger:       logger,
		repo:         repo,
		cache:        cache,
		issuer:       issuer,
		consumer:     consumer,
		verifySecret: verifySecret,
	}
}

// EnqueueNotification handles POST /v1/notifications.
// Always responds 202 on success: delivery happens asynchronously and
// channel faults never propagate to the producer.
func (h *Handler) EnqueueNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if req.RecipientUserID == "" || req.Payload == "" || req.IdempotencyKey == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields",
			"recipient_user_id, payload, and idempotency_key are required")
		return
	}

	recipientID, err := uuid.Parse(req.RecipientUserID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid recipient_user_id",
			"recipient_user_id must be a valid UUID")
		return
	}

	// Fast path for producer retries. The outbox unique constraint below is
	// the durable guarantee; a cache miss or error just falls through to it.
	if h.cache != nil {
		cached, err := h.cache.Check(ctx, req.IdempotencyKey)
		if err != nil {
			h.logger.Warn("enqueue cache check failed, proceeding",
				zap.Error(err),
				zap.String("idempotency_key", req.IdempotencyKey),
			)
		} else if cached != nil {
			metrics.RecordEnqueued("duplicate")
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Idempotency-Replayed", "true")
			w.WriteHeader(http.StatusAccepted)
			_ = json.NewEncoder(w).Encode(EnqueueResponse{
				Accepted:  true,
				ID:        cached.NotificationID,
				Duplicate: true,
			})
			return
		}
	}

	// Snapshot the recipient's current binding into the row. Rows enqueued
	// before a user ever links carry no chat id and will be skipped.
	user, err := h.repo.GetUser(ctx, recipientID)
	if err != nil {
		if errors.Is(err, db.ErrUserNotFound) {
			h.writeError(w, http.StatusNotFound, "unknown_recipient", "Recipient not found",
				"recipient_user_id does not match a known user")
			return
		}
		h.logger.Error("failed to resolve recipient", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to resolve recipient", "")
		return
	}

	notif := &db.Notification{
		ID:              uuid.New(),
		RecipientUserID: recipientID,
		RecipientChatID: user.ChatID,
		Payload:         req.Payload,
		IdempotencyKey:  req.IdempotencyKey,
		Status:          db.StatusPending,
	}

	duplicate := false
	if err := h.repo.Enqueue(ctx, notif); err != nil {
		if !errors.Is(err, db.ErrDuplicateIdempotencyKey) {
			h.logger.Error("failed to enqueue notification",
				zap.Error(err),
				zap.String("idempotency_key", req.IdempotencyKey),
			)
			h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to enqueue notification", "")
			return
		}
		duplicate = true
	}

	resp := EnqueueResponse{Accepted: true, Duplicate: duplicate}
	if !duplicate {
		resp.ID = notif.ID.String()
		metrics.RecordEnqueued("accepted")
	} else {
		metrics.RecordEnqueued("duplicate")
	}

	if h.cache != nil {
		if err := h.cache.Store(ctx, req.IdempotencyKey, &redis.EnqueueResult{
			NotificationID: resp.ID,
			Duplicate:      duplicate,
		}); err != nil {
			h.logger.Warn("failed to cache enqueue result",
				zap.Error(err),
				zap.String("idempotency_key", req.IdempotencyKey),
			)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(resp)
}

// GetNotification handles GET /v1/notifications/{id}
func (h *Handler) GetNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idStr := chi.URLParam(r, "id")
	notifID, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid notification ID", "ID must be a valid UUID")
		return
	}

	notif, err := h.repo.GetNotification(ctx, notifID)
	if err != nil {
		if errors.Is(err, db.ErrNotificationNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Notification not found", "")
			return
		}
		h.logger.Error("failed to get notification",
			zap.Error(err),
			zap.String("id", idStr),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to get notification", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(notif)
}

// ListNotifications handles GET /v1/notifications?recipient_user_id=xxx&status=pending&limit=20&offset=0
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	recipientStr := r.URL.Query().Get("recipient_user_id")
	if recipientStr == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing recipient_user_id",
			"recipient_user_id query parameter is required")
		return
	}

	recipientID, err := uuid.Parse(recipientStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid recipient_user_id",
			"recipient_user_id must be a valid UUID")
		return
	}

	status := r.URL.Query().Get("status")
	switch status {
	case "", db.StatusPending, db.StatusSent, db.StatusFailed, db.StatusSkipped:
	default:
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid status",
			"status must be one of: pending, sent, failed, skipped")
		return
	}

	limit := 20
	offset := 0

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}

	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}

	notifications, err := h.repo.ListNotifications(ctx, recipientID, status, limit, offset)
	if err != nil {
		h.logger.Error("failed to list notifications",
			zap.Error(err),
			zap.String("recipient_user_id", recipientStr),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list notifications", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"data":   notifications,
		"limit":  limit,
		"offset": offset,
		"count":  len(notifications),
	})
}

// OutboxStats handles GET /v1/outbox/stats
func (h *Handler) OutboxStats(w http.ResponseWriter, r *http.Request) {
	counts, err := h.repo.CountByStatus(r.Context())
	if err != nil {
		h.logger.Error("failed to count outbox rows", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to read outbox stats", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(counts)
}

// CreateLinkToken handles POST /v1/channel/link-token. The caller identifies
// themselves with the X-User-ID header.
func (h *Handler) CreateLinkToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	if _, err := h.repo.GetUser(ctx, userID); err != nil {
		if errors.Is(err, db.ErrUserNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "User not found", "")
			return
		}
		h.logger.Error("failed to resolve user", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to resolve user", "")
		return
	}

	grant, err := h.issuer.Issue(ctx, userID)
	if err != nil {
		h.logger.Error("failed to issue link token",
			zap.Error(err),
			zap.String("user_id", userID.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "token_error", "Failed to issue link token", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(grant)
}

// Unlink handles DELETE /v1/channel/link. Clearing the binding makes pending
// rows for this user skip at dispatch time.
func (h *Handler) Unlink(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	if err := h.repo.SetChannelBinding(ctx, userID, nil); err != nil {
		if errors.Is(err, db.ErrUserNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "User not found", "")
			return
		}
		h.logger.Error("failed to clear channel binding",
			zap.Error(err),
			zap.String("user_id", userID.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to unlink channel", "")
		return
	}

	h.logger.Info("channel unlinked", zap.String("user_id", userID.String()))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]bool{"unlinked": true})
}

// webhookHandleTimeout bounds the detached redemption work kicked off by one
// webhook update.
const webhookHandleTimeout = 30 * time.Second

// ChannelWebhook handles POST /v1/channel/webhook: inbound updates pushed by
// the Telegram Bot API. Authenticated requests always get a fast fixed 200,
// malformed bodies included; redemption outcomes travel back through the
// channel itself, and anything else here would make Telegram redeliver the
// update. A redelivery after a successful redemption would find the token
// already consumed and tell the freshly linked user their link is invalid,
// so the ack must never wait on the consumer.
func (h *Handler) ChannelWebhook(w http.ResponseWriter, r *http.Request) {
	if !h.verifySecret(r.Header.Get("X-Telegram-Bot-Api-Secret-Token")) {
		h.logger.Warn("webhook update with bad secret token rejected")
		h.writeError(w, http.StatusUnauthorized, "unauthorized", "Invalid webhook secret", "")
		return
	}

	var update tele.Update
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		h.logger.Warn("malformed webhook update ignored", zap.Error(err))
		h.ackWebhook(w, false)
		return
	}

	if update.Message != nil && update.Message.Text != "" {
		chatID := strconv.FormatInt(update.Message.Chat.ID, 10)
		text := update.Message.Text

		// Detached from the request lifecycle: the ack below must not wait
		// for the redemption transaction or the outbound reply.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), webhookHandleTimeout)
		go func() {
			defer cancel()
			h.consumer.HandleMessage(ctx, chatID, text)
		}()
	}

	h.ackWebhook(w, true)
}

func (h *Handler) ackWebhook(w http.ResponseWriter, ok bool) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]bool{"ok": ok})
}

// userID extracts and validates the X-User-ID header, writing the error
// response itself on failure.
func (h *Handler) userID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := r.Header.Get("X-User-ID")
	if raw == "" {
		h.writeError(w, http.StatusUnauthorized, "unauthorized", "Missing X-User-ID header", "")
		return uuid.Nil, false
	}

	userID, err := uuid.Parse(raw)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid X-User-ID",
			"X-User-ID must be a valid UUID")
		return uuid.Nil, false
	}

	return userID, true
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
