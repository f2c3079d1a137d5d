// Package blob stores profile avatars and message attachments.
package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

var (
	// ErrTooLarge is returned by Download when the object exceeds the cap.
	ErrTooLarge = errors.New("blob: object exceeds size limit")
	// ErrNotFound is returned for missing objects.
	ErrNotFound = errors.New("blob: object not found")
	// ErrForeignURL is returned for URLs this store did not issue.
	ErrForeignURL = errors.New("blob: url does not belong to this store")
)

type Store interface {
	// Upload stores the object and returns its public URL.
	Upload(ctx context.Context, key, contentType string, r io.Reader, size int64) (string, error)
	// Download fetches the object behind url, refusing anything over maxSize bytes.
	Download(ctx context.Context, url string, maxSize int64) (*Object, error)
	Delete(ctx context.Context, key string) error
	// Key returns the object key behind a URL issued by Upload.
	Key(url string) (string, error)
}

type Object struct {
	Data        []byte
	ContentType string
}

// AvatarKey is where a user's profile picture lives.
func AvatarKey(userID string) string {
	return "avatars/" + userID + ".jpg"
}

// AttachmentKey is where the photo of a message lives.
func AttachmentKey(conversationID, messageID string) string {
	return conversationID + "/" + messageID + "/Attachment"
}

// DetectImage sniffs the content type of data and checks it against allowed.
func DetectImage(data []byte, allowed []string) (string, error) {
	mt := mimetype.Detect(data)
	for _, a := range allowed {
		if mt.Is(a) {
			return mt.String(), nil
		}
	}
	return "", fmt.Errorf("unsupported image type %s", mt.String())
}

// readCapped reads r fully, failing with ErrTooLarge past maxSize bytes.
func readCapped(r io.Reader, maxSize int64) ([]byte, error) {
	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(r, maxSize+1))
	if err != nil {
		return nil, err
	}
	if n > maxSize {
		return nil, ErrTooLarge
	}
	return buf.Bytes(), nil
}

// keyAfter returns what follows prefix in url.
func keyAfter(url, prefix string) (string, error) {
	prefix = strings.TrimSuffix(prefix, "/") + "/"
	if !strings.HasPrefix(url, prefix) {
		return "", ErrForeignURL
	}
	key := strings.TrimPrefix(url, prefix)
	if key == "" {
		return "", ErrForeignURL
	}
	return key, nil
}
