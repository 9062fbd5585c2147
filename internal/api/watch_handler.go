package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Martian-dev/mail-bridge/internal/sync"
)

// WatchRegistrar creates and stops mailbox watches
type WatchRegistrar interface {
	Register(ctx context.Context, acct sync.Account) (*sync.WatchState, error)
	Stop(ctx context.Context, mailbox string) error
}

// WatchReader reads persisted watch state
type WatchReader interface {
	LoadWatch(ctx context.Context, mailbox string) (*sync.WatchState, error)
}

type WatchHandler struct {
	registrar WatchRegistrar
	reader    WatchReader
	logger    *zap.Logger
}

func NewWatchHandler(registrar WatchRegistrar, reader WatchReader, logger *zap.Logger) *WatchHandler {
	return &WatchHandler{
		registrar: registrar,
		reader:    reader,
		logger:    logger,
	}
}

// CreateWatch handles POST /watches
func (h *WatchHandler) CreateWatch(c *gin.Context) {
	var req struct {
		UID   string `json:"uid"`
		Email string `json:"email" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	st, err := h.registrar.Register(c.Request.Context(), sync.Account{UID: req.UID, Email: req.Email})
	if err != nil {
		h.logger.Error("Set up email watch failed", zap.String("mailbox", req.Email), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to set up watch"})
		return
	}

	c.JSON(http.StatusCreated, st)
}

// GetWatch handles GET /watches/:mailbox
func (h *WatchHandler) GetWatch(c *gin.Context) {
	mailbox := c.Param("mailbox")

	st, err := h.reader.LoadWatch(c.Request.Context(), mailbox)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load watch"})
		return
	}
	if st == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "watch not found"})
		return
	}

	c.JSON(http.StatusOK, st)
}

// DeleteWatch handles DELETE /watches/:mailbox
func (h *WatchHandler) DeleteWatch(c *gin.Context) {
	mailbox := c.Param("mailbox")

	if err := h.registrar.Stop(c.Request.Context(), mailbox); err != nil {
		if errors.Is(err, sync.ErrUnknownMailbox) {
			c.JSON(http.StatusNotFound, gin.H{"error": "watch not found"})
			return
		}
		h.logger.Error("Stop email watch failed", zap.String("mailbox", mailbox), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to stop watch"})
		return
	}

	c.Status(http.StatusNoContent)
}
