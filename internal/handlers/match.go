package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"itinder-backend/internal/match"
)

type MatchHandler struct {
	matches *match.Service
}

type unmatchQuery struct {
	ConversationID string `form:"conversation_id" binding:"required,nodekey"`
}

func NewMatchHandler(matches *match.Service) *MatchHandler {
	return &MatchHandler{matches: matches}
}

// Swipe likes the user and reports whether that produced a match.
func (h *MatchHandler) Swipe(c *gin.Context) {
	var p userParam
	if err := c.ShouldBindUri(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid user ID"})
		return
	}
	result, err := h.matches.Swipe(c.Request.Context(), currentUser(c), p.UserID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *MatchHandler) GetMatches(c *gin.Context) {
	entries, err := h.matches.Matches(c.Request.Context(), currentUser(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"matches": entries})
}

func (h *MatchHandler) Unmatch(c *gin.Context) {
	var p userParam
	if err := c.ShouldBindUri(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid user ID"})
		return
	}
	var q unmatchQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid conversation ID"})
		return
	}
	if err := h.matches.Unmatch(c.Request.Context(), currentUser(c), p.UserID, q.ConversationID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Unmatched successfully"})
}
