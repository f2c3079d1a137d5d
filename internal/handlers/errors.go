package handlers

import (
	"errors"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"itinder-backend/internal/auth"
	"itinder-backend/internal/blob"
	"itinder-backend/internal/errs"
	"itinder-backend/internal/middleware"
	"itinder-backend/internal/store"
)

var errFileTooLarge = errors.New("file too large")

// RegisterValidators adds the "nodekey" tag, which accepts strings usable as
// a single path segment of the store.
func RegisterValidators() error {
	v, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return nil
	}
	return v.RegisterValidation("nodekey", func(fl validator.FieldLevel) bool {
		return store.ValidKey(fl.Field().String())
	})
}

type userParam struct {
	UserID string `uri:"user_id" binding:"required,nodekey"`
}

// respondError writes the status matching the error's kind. The message is
// the error text, so clients see the underlying cause.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, auth.ErrEmailTaken):
		status = http.StatusConflict
	case errors.Is(err, blob.ErrTooLarge), errors.Is(err, errFileTooLarge):
		status = http.StatusRequestEntityTooLarge
	case errs.IsNotFound(err):
		status = http.StatusNotFound
	case errs.IsMalformed(err):
		status = http.StatusUnprocessableEntity
	case errs.IsPartialWrite(err):
		status = http.StatusConflict
	case errs.IsInvalid(err):
		status = http.StatusBadRequest
	case errs.IsForbidden(err):
		status = http.StatusForbidden
	case errors.Is(err, errs.ErrUnauthenticated):
		status = http.StatusUnauthorized
	case errs.IsStore(err):
		status = http.StatusBadGateway
	}
	_ = c.Error(err)
	c.JSON(status, gin.H{"error": err.Error()})
}

func currentUser(c *gin.Context) string {
	return c.GetString(middleware.UserIDKey)
}

// readUpload returns the contents of the named multipart file, or nil when
// the request carries none.
func readUpload(c *gin.Context, field string, maxSize int64) ([]byte, error) {
	header, err := c.FormFile(field)
	if errors.Is(err, http.ErrMissingFile) || errors.Is(err, http.ErrNotMultipart) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.E("read upload", errs.ErrInvalid, err)
	}
	if header.Size > maxSize {
		return nil, errFileTooLarge
	}
	return readFile(header, maxSize)
}

func readFile(header *multipart.FileHeader, maxSize int64) ([]byte, error) {
	file, err := header.Open()
	if err != nil {
		return nil, errs.E("read upload", errs.ErrInvalid, err)
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxSize+1))
	if err != nil {
		return nil, errs.E("read upload", errs.ErrInvalid, err)
	}
	if int64(len(data)) > maxSize {
		return nil, errFileTooLarge
	}
	return data, nil
}
