package syncpoint

import (
	"context"
	"encoding/json"
	stderrors "errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	apperrors "kortex-backend/internal/errors"
)

func newVersion() string { return uuid.NewString() }

// DynamoStore keeps sync points in the pipeline's DynamoDB table under a
// dedicated partition. Update uses optimistic concurrency on a version
// attribute.
type DynamoStore struct {
	client    *dynamodb.Client
	tableName string
}

var _ Store = (*DynamoStore)(nil)

// NewDynamoStore creates a sync-point store on the given table.
func NewDynamoStore(client *dynamodb.Client, tableName string) *DynamoStore {
	return &DynamoStore{client: client, tableName: tableName}
}

const syncPointPK = "SYNCPOINT"

func (s *DynamoStore) itemKey(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: syncPointPK},
		"SK": &types.AttributeValueMemberS{Value: "KEY#" + key},
	}
}

// Get returns the blob at key, or an empty blob when absent.
func (s *DynamoStore) Get(ctx context.Context, key string) (json.RawMessage, error) {
	raw, _, err := s.getVersioned(ctx, key)
	return raw, err
}

func (s *DynamoStore) getVersioned(ctx context.Context, key string) (json.RawMessage, string, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            s.itemKey(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, "", apperrors.Wrap(apperrors.KindTransient, "syncpoint.Get", err).WithResource(key)
	}
	if out.Item == nil {
		return nil, "", nil
	}
	value, _ := out.Item["Value"].(*types.AttributeValueMemberS)
	version, _ := out.Item["Version"].(*types.AttributeValueMemberS)
	if value == nil {
		return nil, "", nil
	}
	ver := ""
	if version != nil {
		ver = version.Value
	}
	return json.RawMessage(value.Value), ver, nil
}

// Set stores value at key unconditionally (last write wins).
func (s *DynamoStore) Set(ctx context.Context, key string, value json.RawMessage) error {
	item := s.itemKey(key)
	item["Value"] = &types.AttributeValueMemberS{Value: string(value)}
	item["Version"] = &types.AttributeValueMemberS{Value: newVersion()}
	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
	})
	if err != nil {
		return apperrors.Wrap(apperrors.KindTransient, "syncpoint.Set", err).WithResource(key)
	}
	return nil
}

// Update performs an atomic read-modify-write: fn maps the current blob to
// the next one, and the write is rejected if another writer got in between.
func (s *DynamoStore) Update(ctx context.Context, key string, fn func(current json.RawMessage) (json.RawMessage, error)) error {
	const maxAttempts = 5
	for attempt := 0; attempt < maxAttempts; attempt++ {
		current, version, err := s.getVersioned(ctx, key)
		if err != nil {
			return err
		}
		next, err := fn(current)
		if err != nil {
			return err
		}

		item := s.itemKey(key)
		item["Value"] = &types.AttributeValueMemberS{Value: string(next)}
		item["Version"] = &types.AttributeValueMemberS{Value: newVersion()}

		input := &dynamodb.PutItemInput{
			TableName: aws.String(s.tableName),
			Item:      item,
		}
		if version == "" {
			input.ConditionExpression = aws.String("attribute_not_exists(PK)")
		} else {
			input.ConditionExpression = aws.String("Version = :v")
			input.ExpressionAttributeValues = map[string]types.AttributeValue{
				":v": &types.AttributeValueMemberS{Value: version},
			}
		}

		_, err = s.client.PutItem(ctx, input)
		if err == nil {
			return nil
		}
		var ccf *types.ConditionalCheckFailedException
		if stderrors.As(err, &ccf) {
			continue // raced another writer; re-read and retry
		}
		return apperrors.Wrap(apperrors.KindTransient, "syncpoint.Update", err).WithResource(key)
	}
	return apperrors.New(apperrors.KindConflict, "syncpoint.Update", "too many concurrent writers").WithResource(key)
}

// Delete removes the blob at key; deleting a missing key is a no-op.
func (s *DynamoStore) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key:       s.itemKey(key),
	})
	if err != nil {
		return apperrors.Wrap(apperrors.KindTransient, "syncpoint.Delete", err).WithResource(key)
	}
	return nil
}
