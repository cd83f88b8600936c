package blob

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"kortex-backend/internal/domain"
	apperrors "kortex-backend/internal/errors"
)

// MappingStore persists virtual-record-id to document-id mappings so that
// records with identical content share one stored document.
type MappingStore interface {
	// GetMapping returns the mapping for the fingerprint, or nil when absent.
	GetMapping(ctx context.Context, virtualRecordID string) (*domain.Mapping, error)
	// PutMapping upserts a mapping.
	PutMapping(ctx context.Context, mapping domain.Mapping) error
	// DeleteMapping removes a mapping; deleting a missing one is a no-op.
	DeleteMapping(ctx context.Context, virtualRecordID string) error
}

const mappingPartition = "VRMAP"

// DynamoMappingStore keeps mappings in the shared table under their own
// partition prefix.
type DynamoMappingStore struct {
	client    *dynamodb.Client
	tableName string
}

var _ MappingStore = (*DynamoMappingStore)(nil)

// NewDynamoMappingStore creates a mapping store over the given table.
func NewDynamoMappingStore(client *dynamodb.Client, tableName string) *DynamoMappingStore {
	return &DynamoMappingStore{client: client, tableName: tableName}
}

func mappingKey(virtualRecordID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: mappingPartition},
		"SK": &types.AttributeValueMemberS{Value: "VRID#" + virtualRecordID},
	}
}

// GetMapping reads one mapping with a consistent read.
func (s *DynamoMappingStore) GetMapping(ctx context.Context, virtualRecordID string) (*domain.Mapping, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            mappingKey(virtualRecordID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindTransient, "blob.GetMapping", err)
	}
	if out.Item == nil {
		return nil, nil
	}
	var row struct {
		DocumentID string `dynamodbav:"DocumentId"`
		UpdatedAt  int64  `dynamodbav:"UpdatedAt"`
	}
	if err := attributevalue.UnmarshalMap(out.Item, &row); err != nil {
		return nil, apperrors.Wrap(apperrors.KindIntegrity, "blob.GetMapping", err)
	}
	return &domain.Mapping{
		VirtualRecordID: virtualRecordID,
		DocumentID:      row.DocumentID,
		UpdatedAt:       time.UnixMilli(row.UpdatedAt),
	}, nil
}

// PutMapping upserts the mapping row.
func (s *DynamoMappingStore) PutMapping(ctx context.Context, mapping domain.Mapping) error {
	item := mappingKey(mapping.VirtualRecordID)
	item["DocumentId"] = &types.AttributeValueMemberS{Value: mapping.DocumentID}
	item["UpdatedAt"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(mapping.UpdatedAt.UnixMilli(), 10)}
	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
	})
	if err != nil {
		return apperrors.Wrap(apperrors.KindTransient, "blob.PutMapping", err)
	}
	return nil
}

// DeleteMapping removes the mapping row.
func (s *DynamoMappingStore) DeleteMapping(ctx context.Context, virtualRecordID string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key:       mappingKey(virtualRecordID),
	})
	if err != nil {
		return apperrors.Wrap(apperrors.KindTransient, "blob.DeleteMapping", err)
	}
	return nil
}

// MemoryMappingStore is the in-memory MappingStore used by tests and local
// runs.
type MemoryMappingStore struct {
	mu       sync.RWMutex
	mappings map[string]domain.Mapping
}

var _ MappingStore = (*MemoryMappingStore)(nil)

// NewMemoryMappingStore creates an empty store.
func NewMemoryMappingStore() *MemoryMappingStore {
	return &MemoryMappingStore{mappings: make(map[string]domain.Mapping)}
}

func (s *MemoryMappingStore) GetMapping(ctx context.Context, virtualRecordID string) (*domain.Mapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.mappings[virtualRecordID]
	if !ok {
		return nil, nil
	}
	copied := m
	return &copied, nil
}

func (s *MemoryMappingStore) PutMapping(ctx context.Context, mapping domain.Mapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mappings[mapping.VirtualRecordID] = mapping
	return nil
}

func (s *MemoryMappingStore) DeleteMapping(ctx context.Context, virtualRecordID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.mappings, virtualRecordID)
	return nil
}
