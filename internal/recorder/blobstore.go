package recorder

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// MemoryBlobStore holds finished videos in process memory, addressed by
// blob: URLs. It is the default store when no object storage is configured.
type MemoryBlobStore struct {
	mu    sync.RWMutex
	blobs map[string]memoryBlob
}

type memoryBlob struct {
	data        []byte
	contentType string
}

func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{blobs: make(map[string]memoryBlob)}
}

func (s *MemoryBlobStore) PutBlob(_ context.Context, sessionID string, data []byte, contentType string) (string, error) {
	url := fmt.Sprintf("blob:iter8/%s/%s", sessionID, uuid.NewString())
	s.mu.Lock()
	s.blobs[url] = memoryBlob{data: data, contentType: contentType}
	s.mu.Unlock()
	return url, nil
}

// Get returns the blob stored under url.
func (s *MemoryBlobStore) Get(url string) ([]byte, string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blobs[url]
	return b.data, b.contentType, ok
}

// Revoke releases url. Unknown URLs are ignored.
func (s *MemoryBlobStore) Revoke(url string) {
	s.mu.Lock()
	delete(s.blobs, url)
	s.mu.Unlock()
}
