package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"whatsbox-server/internal/deliverylog"
	"whatsbox-server/internal/model"
)

type MessageHandler struct {
	Deliveries *deliverylog.Log
}

// List pages through a phone's delivery log. "after" is the last seq the
// caller has seen; "limit" caps the page size.
func (h *MessageHandler) List(c *gin.Context) {
	phoneID := c.Param("id")

	var after int64
	if raw := c.Query("after"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid after"})
			return
		}
		after = parsed
	}

	limit := 100
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > 1000 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid limit"})
			return
		}
		limit = parsed
	}

	recs := h.Deliveries.ListAfter(phoneID, after, limit)
	messages := make([]gin.H, 0, len(recs))
	for _, rec := range recs {
		messages = append(messages, messageJSON(rec))
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

func messageJSON(rec model.DeliveryRecord) gin.H {
	return gin.H{
		"id":        rec.ID,
		"messageId": rec.MessageID,
		"to":        rec.Recipient,
		"status":    rec.Status,
		"error":     rec.Error,
		"seq":       rec.Seq,
		"createdAt": rec.CreatedAt,
		"updatedAt": rec.UpdatedAt,
	}
}
