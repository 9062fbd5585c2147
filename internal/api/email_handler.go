package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/Martian-dev/mail-bridge/internal/eventstore/sqlite"
)

const (
	defaultEmailLimit = 50
	maxEmailLimit     = 500
)

// EmailLister reads appended email documents
type EmailLister interface {
	ListEmails(ctx context.Context, collection, mailbox string, limit int) ([]sqlite.StoredEmail, error)
}

type EmailQueryHandler struct {
	lister     EmailLister
	collection string
}

func NewEmailQueryHandler(lister EmailLister, collection string) *EmailQueryHandler {
	return &EmailQueryHandler{
		lister:     lister,
		collection: collection,
	}
}

// GetEmails handles GET /emails?mailbox=&limit=
func (h *EmailQueryHandler) GetEmails(c *gin.Context) {
	limit := defaultEmailLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = min(n, maxEmailLimit)
	}

	emails, err := h.lister.ListEmails(c.Request.Context(), h.collection, c.Query("mailbox"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch emails"})
		return
	}

	out := make([]gin.H, 0, len(emails))
	for _, e := range emails {
		out = append(out, gin.H{
			"document_id": e.DocumentID,
			"mailbox":     e.Mailbox,
			"created_at":  e.CreatedAt,
			"email":       e.Record,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"emails": out,
	})
}
