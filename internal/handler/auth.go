package handler

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
	"whatsbox-server/internal/auth"
)

// operatorSubject is the JWT subject for clients holding the master
// secret. There is a single operator identity.
const operatorSubject = "operator"

type AuthHandler struct {
	MasterSecret string
	TokenConfig  auth.TokenConfig
}

type authBody struct {
	Secret string `json:"secret"`
}

func (h *AuthHandler) Auth(c *gin.Context) {
	var body authBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	if body.Secret == "" ||
		subtle.ConstantTimeCompare([]byte(body.Secret), []byte(h.MasterSecret)) != 1 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid secret"})
		return
	}

	token, err := auth.CreateToken(operatorSubject, h.TokenConfig)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Token creation failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "token": token})
}
