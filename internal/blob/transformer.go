package blob

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"kortex-backend/internal/domain"
	apperrors "kortex-backend/internal/errors"
	"kortex-backend/internal/observability"
)

const (
	compressionAlgorithm = "zstd"
	compressionFormat    = "base64"
	compressionVersion   = "v0"

	// DefaultCompressionLevel balances ratio against encode cost for the
	// record payloads we store (small JSON, high redundancy).
	DefaultCompressionLevel = 10
)

// Transformer serializes records into the document service. Identical content
// is stored once: the content fingerprint (virtual record id) maps to a single
// document, and later uploads of the same fingerprint reuse it.
type Transformer struct {
	service  Service
	mappings MappingStore
	level    int
	metrics  *observability.Collector
	logger   *zap.Logger
	now      func() time.Time

	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewTransformer wires a transformer over the document service and the
// fingerprint mapping store. level <= 0 selects the default.
func NewTransformer(service Service, mappings MappingStore, level int, metrics *observability.Collector, logger *zap.Logger) (*Transformer, error) {
	if level <= 0 {
		level = DefaultCompressionLevel
	}
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindFatal, "blob.NewTransformer", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindFatal, "blob.NewTransformer", err)
	}
	return &Transformer{
		service:  service,
		mappings: mappings,
		level:    level,
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
		encoder:  encoder,
		decoder:  decoder,
	}, nil
}

// FingerprintRecord derives a content fingerprint for a record that has no
// source-provided hash. Records carrying the same serialized content collapse
// onto the same fingerprint.
func FingerprintRecord(record *domain.Record) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%d",
		record.ConnectorName, record.ExternalRecordID, record.ExternalRevisionID,
		record.MD5Hash+record.SHA256Hash+record.QuickXorHash, record.SizeInBytes)
	return "vr-" + hex.EncodeToString(h.Sum(nil))
}

// Upload stores the record's serialized form and returns the document id. The
// record's VirtualRecordID is filled in when empty. When another record with
// the same fingerprint was already uploaded, its document is reused and no
// bytes move.
func (t *Transformer) Upload(ctx context.Context, record *domain.Record) (string, error) {
	if record.VirtualRecordID == "" {
		record.VirtualRecordID = FingerprintRecord(record)
	}

	existing, err := t.mappings.GetMapping(ctx, record.VirtualRecordID)
	if err != nil {
		return "", err
	}
	if existing != nil && existing.DocumentID != "" {
		t.logger.Debug("record content deduplicated",
			zap.String("virtualRecordId", record.VirtualRecordID),
			zap.String("documentId", existing.DocumentID))
		return existing.DocumentID, nil
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return "", apperrors.Wrap(apperrors.KindIntegrity, "blob.Upload", err)
	}

	body, meta, outcome := t.encode(payload, record.VirtualRecordID)

	documentID, err := t.service.CreatePlaceholder(ctx, meta)
	if err != nil {
		return "", err
	}
	signedURL, err := t.service.DirectUpload(ctx, documentID, record.VirtualRecordID)
	if err != nil {
		return "", err
	}
	if err := t.service.Put(ctx, signedURL, body); err != nil {
		if t.metrics != nil {
			t.metrics.BlobUploads.WithLabelValues("failed").Inc()
		}
		return "", err
	}
	if t.metrics != nil {
		t.metrics.BlobUploads.WithLabelValues(outcome).Inc()
	}

	mapping := domain.Mapping{
		VirtualRecordID: record.VirtualRecordID,
		DocumentID:      documentID,
		UpdatedAt:       t.now(),
	}
	if err := t.mappings.PutMapping(ctx, mapping); err != nil {
		return "", err
	}
	return documentID, nil
}

// encode builds the upload body. Payloads the codec cannot shrink fall back
// to the uncompressed envelope form rather than failing the upload.
func (t *Transformer) encode(payload []byte, virtualRecordID string) ([]byte, PlaceholderMetadata, string) {
	meta := PlaceholderMetadata{
		DocumentName: virtualRecordID,
		DocumentPath: "records/" + virtualRecordID,
		Extension:    "json",
	}

	compressed := t.encoder.EncodeAll(payload, nil)
	encoded := base64.StdEncoding.EncodeToString(compressed)
	if len(encoded) >= len(payload) {
		// Incompressible content: the base64 transport form would be larger
		// than the plain record.
		t.logger.Debug("record stored uncompressed",
			zap.String("virtualRecordId", virtualRecordID),
			zap.Int("payloadSize", len(payload)),
			zap.Int("encodedSize", len(encoded)))
		body, _ := json.Marshal(Envelope{
			Record:          json.RawMessage(payload),
			VirtualRecordID: virtualRecordID,
		})
		return body, meta, "uncompressed"
	}

	body, _ := json.Marshal(Envelope{
		IsCompressed:    true,
		Record:          json.RawMessage(fmt.Sprintf("%q", encoded)),
		VirtualRecordID: virtualRecordID,
	})
	meta.CustomMetadata = []MetadataField{
		{Key: "compression", Value: t.compressionTag(len(payload))},
	}
	return body, meta, "compressed"
}

func (t *Transformer) compressionTag(originalSize int) string {
	tag, _ := json.Marshal(CompressionMetadata{
		Algorithm:    compressionAlgorithm,
		Level:        t.level,
		Format:       compressionFormat,
		Version:      compressionVersion,
		OriginalSize: originalSize,
		Compressed:   true,
	})
	return string(tag)
}

// Download fetches and decodes the record stored for the document id.
func (t *Transformer) Download(ctx context.Context, documentID string) (*domain.Record, error) {
	result, err := t.service.Download(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if t.metrics != nil {
		t.metrics.BlobDownloads.WithLabelValues("ok").Inc()
	}

	raw := result.Record
	if len(raw) == 0 && result.SignedURL != "" {
		// Large payloads come back as a redirect; the body behind the URL is
		// the same envelope the upload wrote.
		body, err := t.service.Get(ctx, result.SignedURL)
		if err != nil {
			return nil, err
		}
		raw = body
	}

	if result.IsCompressed {
		decoded, err := t.decodeCompressed(raw)
		if err != nil {
			return nil, err
		}
		raw = decoded
	}

	// The stored body may be the envelope written by Upload rather than the
	// bare record; unwrap it first.
	var envelope Envelope
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.VirtualRecordID != "" && len(envelope.Record) > 0 {
		inner := envelope.Record
		if envelope.IsCompressed {
			inner, err = t.decodeCompressed(inner)
			if err != nil {
				return nil, err
			}
		}
		raw = inner
	}

	var record domain.Record
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, apperrors.Wrap(apperrors.KindBlob, "blob.Download", err)
	}
	return &record, nil
}

// decodeCompressed reverses encode: base64 string literal, then zstd.
func (t *Transformer) decodeCompressed(raw json.RawMessage) ([]byte, error) {
	var encoded string
	if err := json.Unmarshal(raw, &encoded); err != nil {
		return nil, apperrors.Wrap(apperrors.KindBlob, "blob.decodeCompressed", err)
	}
	compressed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindBlob, "blob.decodeCompressed", err)
	}
	payload, err := t.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindBlob, "blob.decodeCompressed", err)
	}
	return payload, nil
}

// ResolveRecord loads the record stored for a fingerprint by resolving its
// mapping row and downloading the document.
func (t *Transformer) ResolveRecord(ctx context.Context, virtualRecordID string) (*domain.Record, error) {
	mapping, err := t.mappings.GetMapping(ctx, virtualRecordID)
	if err != nil {
		return nil, err
	}
	if mapping == nil {
		return nil, apperrors.New(apperrors.KindNotFound, "blob.ResolveRecord",
			"no mapping for virtual record").WithResource(virtualRecordID)
	}
	return t.Download(ctx, mapping.DocumentID)
}

// Forget drops the fingerprint mapping, forcing the next upload of the same
// content to store fresh bytes.
func (t *Transformer) Forget(ctx context.Context, virtualRecordID string) error {
	return t.mappings.DeleteMapping(ctx, virtualRecordID)
}
