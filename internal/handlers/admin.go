package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"itinder-backend/internal/directory"
)

type AdminHandler struct {
	directory *directory.Service
	log       *logrus.Entry
}

func NewAdminHandler(directory *directory.Service, log *logrus.Entry) *AdminHandler {
	return &AdminHandler{directory: directory, log: log}
}

// ResetSwipes clears every like and match in the directory.
func (h *AdminHandler) ResetSwipes(c *gin.Context) {
	n, err := h.directory.ResetSwipes(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	h.log.WithFields(logrus.Fields{"admin_id": currentUser(c), "users": n}).Warn("Swipes reset")
	c.JSON(http.StatusOK, gin.H{"reset": n})
}
