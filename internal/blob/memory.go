package blob

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	apperrors "kortex-backend/internal/errors"
)

// MemoryService is the in-memory document service used by tests and local
// runs. Signed URLs are opaque tokens resolved back to the document they were
// issued for.
type MemoryService struct {
	mu        sync.Mutex
	seq       int
	documents map[string]*memoryDocument

	// FailPuts makes Put fail with the given error until cleared.
	putErr error
}

type memoryDocument struct {
	meta PlaceholderMetadata
	body []byte
}

var _ Service = (*MemoryService)(nil)

// NewMemoryService creates an empty service.
func NewMemoryService() *MemoryService {
	return &MemoryService{documents: make(map[string]*memoryDocument)}
}

func (s *MemoryService) CreatePlaceholder(ctx context.Context, meta PlaceholderMetadata) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	id := fmt.Sprintf("doc-%d", s.seq)
	s.documents[id] = &memoryDocument{meta: meta}
	return id, nil
}

func (s *MemoryService) DirectUpload(ctx context.Context, documentID, virtualRecordID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.documents[documentID]; !ok {
		return "", apperrors.New(apperrors.KindNotFound, "blob.DirectUpload", "document not found")
	}
	return "memory://" + documentID, nil
}

func (s *MemoryService) Put(ctx context.Context, signedURL string, body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.putErr != nil {
		return s.putErr
	}
	documentID := strings.TrimPrefix(signedURL, "memory://")
	doc, ok := s.documents[documentID]
	if !ok {
		return apperrors.New(apperrors.KindNotFound, "blob.Put", "signed url does not resolve")
	}
	doc.body = append([]byte(nil), body...)
	return nil
}

func (s *MemoryService) Get(ctx context.Context, signedURL string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	documentID := strings.TrimPrefix(signedURL, "memory://")
	doc, ok := s.documents[documentID]
	if !ok {
		return nil, apperrors.New(apperrors.KindNotFound, "blob.Get", "signed url does not resolve")
	}
	return append([]byte(nil), doc.body...), nil
}

func (s *MemoryService) Download(ctx context.Context, documentID string) (*DownloadResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.documents[documentID]
	if !ok {
		return nil, apperrors.New(apperrors.KindNotFound, "blob.Download", "document not found")
	}
	return &DownloadResult{Record: json.RawMessage(append([]byte(nil), doc.body...))}, nil
}

// FailPuts makes subsequent Put calls fail with err; pass nil to clear.
func (s *MemoryService) FailPuts(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putErr = err
}

// DocumentCount reports how many documents exist.
func (s *MemoryService) DocumentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.documents)
}

// DocumentMeta returns the placeholder metadata for a document.
func (s *MemoryService) DocumentMeta(documentID string) (PlaceholderMetadata, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.documents[documentID]
	if !ok {
		return PlaceholderMetadata{}, false
	}
	return doc.meta, true
}
