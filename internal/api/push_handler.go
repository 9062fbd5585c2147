package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Martian-dev/mail-bridge/internal/auth"
	"github.com/Martian-dev/mail-bridge/internal/metrics"
	"github.com/Martian-dev/mail-bridge/internal/sync"
)

// NotificationHandler processes one decoded notification
type NotificationHandler interface {
	HandleNotification(ctx context.Context, n sync.Notification) (*sync.BatchReport, error)
}

// Verifier authenticates a push request
type Verifier interface {
	Verify(r *http.Request) (*auth.PushClaims, error)
}

// Deduper skips push messages that were already handled
type Deduper interface {
	AcquireOnce(ctx context.Context, key string) bool
	Release(ctx context.Context, key string)
}

// pushEnvelope is the Pub/Sub push request body. Data arrives base64
// encoded and is decoded by encoding/json into the byte slice.
type pushEnvelope struct {
	Message struct {
		Data        []byte            `json:"data"`
		MessageID   string            `json:"messageId"`
		PublishTime string            `json:"publishTime"`
		Attributes  map[string]string `json:"attributes"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// PushHandler receives Pub/Sub push deliveries
type PushHandler struct {
	handler  NotificationHandler
	verifier Verifier
	deduper  Deduper
	logger   *zap.Logger
}

// NewPushHandler creates a push handler. verifier and deduper may be nil.
func NewPushHandler(handler NotificationHandler, verifier Verifier, deduper Deduper, logger *zap.Logger) *PushHandler {
	return &PushHandler{
		handler:  handler,
		verifier: verifier,
		deduper:  deduper,
		logger:   logger,
	}
}

// Push handles POST /pubsub/push. A 2xx response acks the delivery; any
// other status makes Pub/Sub redeliver it.
func (h *PushHandler) Push(c *gin.Context) {
	ctx := c.Request.Context()

	if h.verifier != nil {
		if _, err := h.verifier.Verify(c.Request); err != nil {
			h.logger.Warn("Rejected push request", zap.Error(err))
			metrics.IncNotification("unauthorized")
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid push token"})
			return
		}
	}

	var env pushEnvelope
	if err := c.ShouldBindJSON(&env); err != nil {
		h.logger.Warn("Malformed push envelope, acking", zap.Error(err))
		metrics.IncNotification("invalid")
		c.Status(http.StatusNoContent)
		return
	}

	log := h.logger.With(
		zap.String("push_message_id", env.Message.MessageID),
		zap.String("subscription", env.Subscription),
	)

	n, err := sync.ParseNotification(env.Message.Data)
	if err != nil {
		log.Warn("Malformed notification, acking", zap.Error(err))
		metrics.IncNotification("invalid")
		c.Status(http.StatusNoContent)
		return
	}

	dedupKey := env.Message.MessageID
	if h.deduper != nil && dedupKey != "" {
		if !h.deduper.AcquireOnce(ctx, dedupKey) {
			metrics.IncNotification("duplicate")
			c.Status(http.StatusNoContent)
			return
		}
	}

	report, err := h.handler.HandleNotification(ctx, n)
	if err != nil {
		if errors.Is(err, sync.ErrUnknownMailbox) {
			log.Warn("Notification for unknown mailbox, acking", zap.String("mailbox", n.EmailAddress))
			metrics.IncNotification("unknown_mailbox")
			c.Status(http.StatusNoContent)
			return
		}
		if h.deduper != nil && dedupKey != "" {
			h.deduper.Release(context.WithoutCancel(ctx), dedupKey)
		}
		log.Error("Notification failed, requesting redelivery",
			zap.String("mailbox", n.EmailAddress),
			zap.Stringer("cursor", n.HistoryID),
			zap.Stringer("kind", sync.KindOf(err)),
			zap.Error(err),
		)
		metrics.IncNotification("failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to process notification"})
		return
	}

	if ctx.Err() != nil {
		if h.deduper != nil && dedupKey != "" {
			h.deduper.Release(context.WithoutCancel(ctx), dedupKey)
		}
		log.Warn("Request ended before the batch finished, requesting redelivery",
			zap.String("mailbox", n.EmailAddress),
			zap.Error(ctx.Err()),
		)
		metrics.IncNotification("cancelled")
		c.Status(http.StatusServiceUnavailable)
		return
	}

	if report != nil && report.Stale {
		metrics.IncNotification("stale")
	} else {
		metrics.IncNotification("done")
	}
	c.Status(http.StatusNoContent)
}
