// Package blob stores serialized records in the document service behind a
// placeholder-then-signed-URL upload protocol, compressing payloads and
// deduplicating identical content through virtual record ids.
package blob

import (
	"context"
	"encoding/json"
)

// MetadataField is one custom metadata entry on a placeholder.
type MetadataField struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// PlaceholderMetadata describes the document being created.
type PlaceholderMetadata struct {
	DocumentName   string          `json:"documentName"`
	DocumentPath   string          `json:"documentPath"`
	Extension      string          `json:"extension"`
	CustomMetadata []MetadataField `json:"customMetadata,omitempty"`
}

// DownloadResult is the document service's download response. Exactly one of
// the forms is populated: the inline record (compressed or not) or a signed
// URL redirect the caller must follow.
type DownloadResult struct {
	IsCompressed bool            `json:"isCompressed"`
	Record       json.RawMessage `json:"record,omitempty"`
	SignedURL    string          `json:"signedUrl,omitempty"`
}

// Service is the document-service surface the transformer consumes.
type Service interface {
	// CreatePlaceholder allocates a document and returns its id.
	CreatePlaceholder(ctx context.Context, meta PlaceholderMetadata) (string, error)
	// DirectUpload opens a signed upload URL for the document.
	DirectUpload(ctx context.Context, documentID, virtualRecordID string) (string, error)
	// Put uploads the body to a signed URL.
	Put(ctx context.Context, signedURL string, body []byte) error
	// Get fetches the body behind a signed URL.
	Get(ctx context.Context, signedURL string) ([]byte, error)
	// Download fetches the document content or a redirect to it.
	Download(ctx context.Context, documentID string) (*DownloadResult, error)
}

// CompressionMetadata is attached to compressed uploads under the
// "compression" custom metadata key.
type CompressionMetadata struct {
	Algorithm    string `json:"algorithm"`
	Level        int    `json:"level"`
	Format       string `json:"format"`
	Version      string `json:"version"`
	OriginalSize int    `json:"originalSize"`
	Compressed   bool   `json:"compressed"`
}

// Envelope is the upload body written to the signed URL.
type Envelope struct {
	IsCompressed    bool            `json:"isCompressed,omitempty"`
	Record          json.RawMessage `json:"record"`
	VirtualRecordID string          `json:"virtualRecordId,omitempty"`
}
