package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"itinder-backend/internal/config"
	"itinder-backend/internal/directory"
	"itinder-backend/internal/models"
)

type UserHandler struct {
	directory *directory.Service
	cfg       *config.Config
}

type candidatesQuery struct {
	Cursor string `form:"cursor" binding:"omitempty,nodekey"`
}

func NewUserHandler(directory *directory.Service, cfg *config.Config) *UserHandler {
	return &UserHandler{directory: directory, cfg: cfg}
}

func (h *UserHandler) GetProfile(c *gin.Context) {
	user, err := h.directory.GetCurrentUser(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": user})
}

func (h *UserHandler) GetUser(c *gin.Context) {
	var p userParam
	if err := c.ShouldBindUri(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid user ID"})
		return
	}
	user, err := h.directory.GetUser(c.Request.Context(), p.UserID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": user.Public()})
}

// UpdateProfile accepts either JSON or a multipart form whose optional
// "image" file becomes the new avatar.
func (h *UserHandler) UpdateProfile(c *gin.Context) {
	var profile models.Profile
	if err := c.ShouldBind(&profile); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	image, err := readUpload(c, "image", h.cfg.MaxFileSize)
	if err != nil {
		respondError(c, err)
		return
	}

	user, err := h.directory.SaveProfile(c.Request.Context(), currentUser(c), profile, image)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Profile updated successfully", "user": user})
}

func (h *UserHandler) Candidates(c *gin.Context) {
	var q candidatesQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid cursor"})
		return
	}
	page, err := h.directory.GetCandidates(c.Request.Context(), currentUser(c), h.cfg.CandidatePageSize, q.Cursor)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (h *UserHandler) SetPushToken(c *gin.Context) {
	var token models.PushToken
	if err := c.ShouldBindJSON(&token); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.directory.SetPushToken(c.Request.Context(), currentUser(c), token); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Push token saved"})
}
