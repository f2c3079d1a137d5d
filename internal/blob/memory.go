package blob

import (
	"context"
	"io"
	"sync"
)

// MemoryStore keeps objects in process. URLs point at baseURL, which the
// HTTP server serves from Open.
type MemoryStore struct {
	baseURL string

	mu      sync.RWMutex
	objects map[string]Object
}

func NewMemoryStore(baseURL string) *MemoryStore {
	return &MemoryStore{baseURL: baseURL, objects: make(map[string]Object)}
}

func (s *MemoryStore) Upload(ctx context.Context, key, contentType string, r io.Reader, size int64) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.objects[key] = Object{Data: data, ContentType: contentType}
	s.mu.Unlock()
	return s.baseURL + "/" + key, nil
}

func (s *MemoryStore) Download(ctx context.Context, url string, maxSize int64) (*Object, error) {
	key, err := s.Key(url)
	if err != nil {
		return nil, err
	}
	obj, ok := s.Open(key)
	if !ok {
		return nil, ErrNotFound
	}
	if int64(len(obj.Data)) > maxSize {
		return nil, ErrTooLarge
	}
	return obj, nil
}

// Open returns a copy of the object stored under key.
func (s *MemoryStore) Open(key string) (*Object, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[key]
	if !ok {
		return nil, false
	}
	return &Object{Data: append([]byte(nil), obj.Data...), ContentType: obj.ContentType}, true
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	delete(s.objects, key)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Key(url string) (string, error) {
	return keyAfter(url, s.baseURL)
}
