package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"itinder-backend/internal/config"
	"itinder-backend/internal/conversation"
)

type MessageHandler struct {
	conversations *conversation.Service
	cfg           *config.Config
}

type SendTextRequest struct {
	Text string `json:"text" binding:"required,max=4000"`
}

func NewMessageHandler(conversations *conversation.Service, cfg *config.Config) *MessageHandler {
	return &MessageHandler{conversations: conversations, cfg: cfg}
}

func (h *MessageHandler) SendText(c *gin.Context) {
	var p userParam
	if err := c.ShouldBindUri(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid user ID"})
		return
	}
	var req SendTextRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rec, err := h.conversations.SendText(c.Request.Context(), currentUser(c), p.UserID, req.Text)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": rec})
}

func (h *MessageHandler) SendPhoto(c *gin.Context) {
	var p userParam
	if err := c.ShouldBindUri(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid user ID"})
		return
	}
	image, err := readUpload(c, "image", h.cfg.MaxFileSize)
	if err != nil {
		respondError(c, err)
		return
	}
	if image == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No image provided"})
		return
	}

	rec, err := h.conversations.SendPhoto(c.Request.Context(), currentUser(c), p.UserID, image)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": rec})
}

func (h *MessageHandler) MarkAsRead(c *gin.Context) {
	var p userParam
	if err := c.ShouldBindUri(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid user ID"})
		return
	}
	if err := h.conversations.SetLastMessageWasRead(c.Request.Context(), currentUser(c), p.UserID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Conversation marked as read"})
}
