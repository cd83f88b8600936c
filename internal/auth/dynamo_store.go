package auth

import (
	"context"
	"encoding/json"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	apperrors "kortex-backend/internal/errors"
)

const credentialPK = "CREDENTIAL"

// DynamoCredentialStore persists credentials in the pipeline's DynamoDB table
// under a dedicated partition, one item per (instance, principal) pair. The
// credentials travel as a JSON blob attribute.
type DynamoCredentialStore struct {
	client    *dynamodb.Client
	tableName string
}

var _ CredentialStore = (*DynamoCredentialStore)(nil)

// NewDynamoCredentialStore creates a credential store on the given table.
func NewDynamoCredentialStore(client *dynamodb.Client, tableName string) *DynamoCredentialStore {
	return &DynamoCredentialStore{client: client, tableName: tableName}
}

func (s *DynamoCredentialStore) itemKey(instance, principal string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: credentialPK},
		"SK": &types.AttributeValueMemberS{Value: "INSTANCE#" + instance + "#PRINCIPAL#" + principal},
	}
}

// Get loads the credentials for the pair. A missing item is an error: tokens
// can never be refreshed for a principal that was not onboarded.
func (s *DynamoCredentialStore) Get(ctx context.Context, instance, principal string) (*Credentials, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            s.itemKey(instance, principal),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindTransient, "auth.credentials.Get", err).
			WithResource(instance + "/" + principal)
	}
	if out.Item == nil {
		return nil, apperrors.New(apperrors.KindNotFound, "auth.credentials.Get",
			"no credentials stored").WithResource(instance + "/" + principal)
	}
	value, _ := out.Item["Value"].(*types.AttributeValueMemberS)
	if value == nil {
		return nil, apperrors.New(apperrors.KindIntegrity, "auth.credentials.Get",
			"credential item has no value").WithResource(instance + "/" + principal)
	}
	var creds Credentials
	if err := json.Unmarshal([]byte(value.Value), &creds); err != nil {
		return nil, apperrors.Wrap(apperrors.KindIntegrity, "auth.credentials.Get", err).
			WithResource(instance + "/" + principal)
	}
	return &creds, nil
}

// Save writes the credentials back, last write wins.
func (s *DynamoCredentialStore) Save(ctx context.Context, creds *Credentials) error {
	raw, err := json.Marshal(creds)
	if err != nil {
		return apperrors.Wrap(apperrors.KindIntegrity, "auth.credentials.Save", err)
	}
	item := s.itemKey(creds.Instance, creds.Principal)
	item["Value"] = &types.AttributeValueMemberS{Value: string(raw)}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
	})
	if err != nil {
		return apperrors.Wrap(apperrors.KindTransient, "auth.credentials.Save", err).
			WithResource(creds.Instance + "/" + creds.Principal)
	}
	return nil
}
