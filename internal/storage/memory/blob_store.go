// Package memory keeps result files in memory for the simulated backend.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/JakeFAU/jobstream/internal/hash/sha256"
)

// Object is one stored result file.
type Object struct {
	Data        []byte
	ContentType string
	ETag        string
}

// BlobStore stores result files by download reference.
type BlobStore struct {
	mu     sync.RWMutex
	data   map[string]Object
	hasher *sha256.Hasher
}

// NewBlobStore creates a new in-memory blob store.
func NewBlobStore() *BlobStore {
	return &BlobStore{
		data:   make(map[string]Object),
		hasher: sha256.New(),
	}
}

// PutObject stores a copy of data under ref and returns a pseudo URI.
func (s *BlobStore) PutObject(_ context.Context, ref, contentType string, data []byte) (string, error) {
	ref = strings.Trim(ref, "/")
	if ref == "" {
		return "", fmt.Errorf("ref is required")
	}
	obj := Object{
		Data:        append([]byte(nil), data...),
		ContentType: contentType,
		ETag:        s.hasher.ETag(data),
	}
	s.mu.Lock()
	s.data[ref] = obj
	s.mu.Unlock()
	return "memory://" + ref, nil
}

// GetObject returns the object stored under ref.
func (s *BlobStore) GetObject(_ context.Context, ref string) (Object, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.data[strings.Trim(ref, "/")]
	return obj, ok
}
