package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"whatsbox-server/internal/deliverylog"
	"whatsbox-server/internal/model"
	"whatsbox-server/internal/phonestore"
	"whatsbox-server/internal/registry"
)

type PhoneHandler struct {
	Store      phonestore.Store
	Registry   *registry.Registry
	Deliveries *deliverylog.Log
}

type connectPhoneBody struct {
	PhoneID        string `json:"phoneId"`
	PhoneNumber    string `json:"phoneNumber"`
	PhoneName      string `json:"phoneName"`
	ConnectionType string `json:"connectionType"`
}

// phoneJSON merges the durable row with the live session view: while a
// session is up, its status and pairing token win over whatever the
// store last persisted.
func (h *PhoneHandler) phoneJSON(rec model.PhoneRecord) gin.H {
	status := rec.Status
	qr := rec.PairingToken
	lastActivity := rec.LastActivity
	lastConnected := rec.LastConnected
	if view, ok := h.Registry.Snapshot(rec.ID); ok {
		status = view.Status
		qr = view.QR
		lastActivity = view.LastActivity
		if view.LastConnected != 0 {
			lastConnected = view.LastConnected
		}
	}

	return gin.H{
		"phoneId":        rec.ID,
		"phoneNumber":    rec.PhoneNumber,
		"phoneName":      rec.PhoneName,
		"connectionType": rec.ConnectionType,
		"status":         status,
		"qrCode":         qr,
		"lastActivity":   lastActivity,
		"lastConnected":  lastConnected,
		"createdAt":      rec.CreatedAt,
	}
}

func (h *PhoneHandler) List(c *gin.Context) {
	recs, err := h.Store.ListPhones(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list phones"})
		return
	}

	phones := make([]gin.H, 0, len(recs))
	for _, rec := range recs {
		phones = append(phones, h.phoneJSON(rec))
	}
	c.JSON(http.StatusOK, gin.H{"phones": phones})
}

func (h *PhoneHandler) Get(c *gin.Context) {
	rec, err := h.Store.GetPhone(c.Request.Context(), c.Param("id"))
	if errors.Is(err, phonestore.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Phone not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load phone"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"phone": h.phoneJSON(rec)})
}

// Connect registers the phone and starts its session. Connecting a phone
// whose session is already live is a no-op reported as such.
func (h *PhoneHandler) Connect(c *gin.Context) {
	var body connectPhoneBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	if body.PhoneNumber == "" && body.PhoneID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing phone number"})
		return
	}
	if body.PhoneID == "" {
		body.PhoneID = uuid.NewString()
	}

	res, err := h.Registry.Connect(c.Request.Context(), registry.ConnectRequest{
		PhoneID:     body.PhoneID,
		PhoneNumber: body.PhoneNumber,
		PhoneName:   body.PhoneName,
		Mode:        pairingMode(body.ConnectionType),
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"phoneId": body.PhoneID, "status": res.Status})
}

// Delete disconnects the session, if any, and drops the phone's row and
// delivery history.
func (h *PhoneHandler) Delete(c *gin.Context) {
	phoneID := c.Param("id")

	err := h.Registry.Disconnect(c.Request.Context(), phoneID)
	if err != nil && !errors.Is(err, registry.ErrNoActiveSession) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if err := h.Store.DeletePhone(c.Request.Context(), phoneID); err != nil && !errors.Is(err, phonestore.ErrNotFound) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete phone"})
		return
	}
	h.Deliveries.DeletePhone(phoneID)

	c.JSON(http.StatusOK, gin.H{"success": true})
}

func pairingMode(v string) model.PairingMode {
	if v == string(model.PairingModeCode) {
		return model.PairingModeCode
	}
	return model.PairingModeQR
}
