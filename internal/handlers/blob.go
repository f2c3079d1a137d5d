package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"itinder-backend/internal/blob"
)

// BlobHandler serves objects of the in-process blob store.
type BlobHandler struct {
	blobs *blob.MemoryStore
}

func NewBlobHandler(blobs *blob.MemoryStore) *BlobHandler {
	return &BlobHandler{blobs: blobs}
}

func (h *BlobHandler) Get(c *gin.Context) {
	obj, ok := h.blobs.Open(strings.TrimPrefix(c.Param("key"), "/"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Object not found"})
		return
	}
	c.Data(http.StatusOK, obj.ContentType, obj.Data)
}
