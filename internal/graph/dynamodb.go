package graph

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"

	"kortex-backend/internal/domain"
	apperrors "kortex-backend/internal/errors"
)

// DynamoStore implements Store on a single DynamoDB table.
//
// Layout:
//
//	node:  PK = NODE#<collection>   SK = KEY#<key>        Data = json(document)
//	edge:  PK = EDGE#<collection>   SK = FROM#<from>|TO#<to>
//
// GSI <externalIdIndex>: XidPK = XID#<coll>#<connector>#<externalId>
// or EMAIL#<email> for users.
// GSI <edgeTargetIndex>: ToPK = ETO#<coll>#<to>, for incoming-edge queries.
type DynamoStore struct {
	client          *dynamodb.Client
	tableName       string
	externalIDIndex string
	emailIndex      string
	edgeTargetIndex string
	logger          *zap.Logger
}

var _ Store = (*DynamoStore)(nil)

// NewDynamoStore creates a graph store over the given table.
func NewDynamoStore(client *dynamodb.Client, tableName, externalIDIndex, emailIndex, edgeTargetIndex string, logger *zap.Logger) *DynamoStore {
	return &DynamoStore{
		client:          client,
		tableName:       tableName,
		externalIDIndex: externalIDIndex,
		emailIndex:      emailIndex,
		edgeTargetIndex: edgeTargetIndex,
		logger:          logger,
	}
}

// dynamoTx accumulates TransactWriteItems and commits them in one
// TransactWriteItems call.
type dynamoTx struct {
	store *DynamoStore
	items []types.TransactWriteItem
	done  bool
}

// Begin starts a transaction.
func (s *DynamoStore) Begin(ctx context.Context) (Tx, error) {
	return &dynamoTx{store: s}, nil
}

func (t *dynamoTx) Commit(ctx context.Context) error {
	if t.done {
		return apperrors.New(apperrors.KindFatal, "graph.Commit", "transaction already finished")
	}
	t.done = true
	if len(t.items) == 0 {
		return nil
	}

	// TransactWriteItems accepts at most 100 items; chunk conservatively.
	const chunk = 90
	for i := 0; i < len(t.items); i += chunk {
		end := i + chunk
		if end > len(t.items) {
			end = len(t.items)
		}
		_, err := t.store.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
			TransactItems: t.items[i:end],
		})
		if err != nil {
			return classifyDynamoErr("graph.Commit", err)
		}
	}
	return nil
}

func (t *dynamoTx) Abort(ctx context.Context) error {
	t.done = true
	t.items = nil
	return nil
}

func (s *DynamoStore) register(tx Tx, items ...types.TransactWriteItem) error {
	if tx == nil {
		return apperrors.New(apperrors.KindFatal, "graph.register", "graph writes require a transaction")
	}
	dt, ok := tx.(*dynamoTx)
	if !ok {
		return apperrors.New(apperrors.KindFatal, "graph.register", "foreign transaction handle")
	}
	if dt.done {
		return apperrors.New(apperrors.KindFatal, "graph.register", "transaction already finished")
	}
	dt.items = append(dt.items, items...)
	return nil
}

// BatchUpsertNodes registers an upsert for every document.
func (s *DynamoStore) BatchUpsertNodes(ctx context.Context, docs []interface{}, coll Collection, tx Tx) error {
	for _, doc := range docs {
		meta, err := metaFor(doc)
		if err != nil {
			return err
		}
		if meta.Key == "" {
			return apperrors.New(apperrors.KindIntegrity, "graph.BatchUpsertNodes", "document has no _key")
		}
		data, err := json.Marshal(doc)
		if err != nil {
			return apperrors.Wrap(apperrors.KindIntegrity, "graph.BatchUpsertNodes", err)
		}

		item := map[string]types.AttributeValue{
			"PK":         strAttr(nodePK(coll)),
			"SK":         strAttr(nodeSK(meta.Key)),
			"Collection": strAttr(string(coll)),
			"Key":        strAttr(meta.Key),
			"Data":       strAttr(string(data)),
		}
		if xid := externalIDKey(coll, meta); xid != "" {
			item["XidPK"] = strAttr(xid)
		}
		if meta.Email != "" && coll == Users {
			// Secondary lookup entry: users are found by email during
			// permission resolution.
			item["EmailPK"] = strAttr("EMAIL#" + strings.ToLower(meta.Email))
		}
		if meta.OrgKey != "" {
			item["OrgKey"] = strAttr(meta.OrgKey)
		}
		if meta.HasActive {
			item["Active"] = &types.AttributeValueMemberBOOL{Value: meta.Active}
		}

		if err := s.register(tx, types.TransactWriteItem{
			Put: &types.Put{TableName: aws.String(s.tableName), Item: item},
		}); err != nil {
			return err
		}
	}
	return nil
}

// BatchCreateEdges registers an upsert for every edge; identity is (from, to).
func (s *DynamoStore) BatchCreateEdges(ctx context.Context, edges []Edge, coll Collection, tx Tx) error {
	for _, edge := range edges {
		if edge.From == "" || edge.To == "" {
			return apperrors.New(apperrors.KindIntegrity, "graph.BatchCreateEdges", "edge missing endpoint")
		}
		data, err := json.Marshal(edge)
		if err != nil {
			return apperrors.Wrap(apperrors.KindIntegrity, "graph.BatchCreateEdges", err)
		}
		item := map[string]types.AttributeValue{
			"PK":   strAttr(edgePK(coll)),
			"SK":   strAttr(edgeSK(edge.From, edge.To)),
			"From": strAttr(string(edge.From)),
			"To":   strAttr(string(edge.To)),
			"ToPK": strAttr(edgeToPK(coll, edge.To)),
			"Data": strAttr(string(data)),
		}
		if err := s.register(tx, types.TransactWriteItem{
			Put: &types.Put{TableName: aws.String(s.tableName), Item: item},
		}); err != nil {
			return err
		}
	}
	return nil
}

// GetRecordByExternalID finds a record by (connector, external id).
func (s *DynamoStore) GetRecordByExternalID(ctx context.Context, connector, externalID string) (*domain.Record, error) {
	var rec domain.Record
	found, err := s.lookupByIndex(ctx, s.externalIDIndex, "XidPK", xidKey(Records, connector, externalID), &rec)
	if err != nil || !found {
		return nil, err
	}
	return &rec, nil
}

// GetRecordByKey loads a record node directly.
func (s *DynamoStore) GetRecordByKey(ctx context.Context, key string) (*domain.Record, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"PK": strAttr(nodePK(Records)),
			"SK": strAttr(nodeSK(key)),
		},
	})
	if err != nil {
		return nil, classifyDynamoErr("graph.GetRecordByKey", err)
	}
	if out.Item == nil {
		return nil, nil
	}
	var rec domain.Record
	if err := unmarshalData(out.Item, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetRecordGroupByExternalID finds a record group by (connector, external id).
func (s *DynamoStore) GetRecordGroupByExternalID(ctx context.Context, connector, externalGroupID string) (*domain.RecordGroup, error) {
	var rg domain.RecordGroup
	found, err := s.lookupByIndex(ctx, s.externalIDIndex, "XidPK", xidKey(RecordGroups, connector, externalGroupID), &rg)
	if err != nil || !found {
		return nil, err
	}
	return &rg, nil
}

// GetUserByEmail finds a user by email, case-insensitively.
func (s *DynamoStore) GetUserByEmail(ctx context.Context, email string) (*domain.AppUser, error) {
	var u domain.AppUser
	found, err := s.lookupByIndex(ctx, s.emailIndex, "EmailPK", "EMAIL#"+strings.ToLower(email), &u)
	if err != nil || !found {
		return nil, err
	}
	return &u, nil
}

// GetUserGroupByExternalID finds a user group by (connector, external id).
func (s *DynamoStore) GetUserGroupByExternalID(ctx context.Context, connector, externalID string) (*domain.AppUserGroup, error) {
	var g domain.AppUserGroup
	found, err := s.lookupByIndex(ctx, s.externalIDIndex, "XidPK", xidKey(Groups, connector, externalID), &g)
	if err != nil || !found {
		return nil, err
	}
	return &g, nil
}

// EdgesTo lists edges pointing at a node in one collection.
func (s *DynamoStore) EdgesTo(ctx context.Context, to NodeID, coll Collection) ([]Edge, error) {
	out, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		IndexName:              aws.String(s.edgeTargetIndex),
		KeyConditionExpression: aws.String("ToPK = :to"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":to": strAttr(edgeToPK(coll, to)),
		},
	})
	if err != nil {
		return nil, classifyDynamoErr("graph.EdgesTo", err)
	}
	return parseEdges(out.Items)
}

// EdgesFrom lists edges leaving a node in one collection.
func (s *DynamoStore) EdgesFrom(ctx context.Context, from NodeID, coll Collection) ([]Edge, error) {
	out, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :sk)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": strAttr(edgePK(coll)),
			":sk": strAttr("FROM#" + string(from) + "|"),
		},
	})
	if err != nil {
		return nil, classifyDynamoErr("graph.EdgesFrom", err)
	}
	return parseEdges(out.Items)
}

// DeleteEdgesTo removes every edge pointing at a node and returns how many
// deletions were registered.
func (s *DynamoStore) DeleteEdgesTo(ctx context.Context, to NodeID, coll Collection, tx Tx) (int, error) {
	edges, err := s.EdgesTo(ctx, to, coll)
	if err != nil {
		return 0, err
	}
	for _, e := range edges {
		if err := s.registerEdgeDelete(tx, coll, e.From, e.To); err != nil {
			return 0, err
		}
	}
	return len(edges), nil
}

// DeleteEdgesFrom removes every edge leaving a node.
func (s *DynamoStore) DeleteEdgesFrom(ctx context.Context, from NodeID, coll Collection, tx Tx) error {
	edges, err := s.EdgesFrom(ctx, from, coll)
	if err != nil {
		return err
	}
	for _, e := range edges {
		if err := s.registerEdgeDelete(tx, coll, e.From, e.To); err != nil {
			return err
		}
	}
	return nil
}

// DeleteEdge removes a single edge; the bool reports whether it existed.
func (s *DynamoStore) DeleteEdge(ctx context.Context, from, to NodeID, coll Collection, tx Tx) (bool, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"PK": strAttr(edgePK(coll)),
			"SK": strAttr(edgeSK(from, to)),
		},
	})
	if err != nil {
		return false, classifyDynamoErr("graph.DeleteEdge", err)
	}
	if out.Item == nil {
		return false, nil
	}
	return true, s.registerEdgeDelete(tx, coll, from, to)
}

// DeleteNodesAndEdges removes the nodes and every incident edge across all
// edge collections.
func (s *DynamoStore) DeleteNodesAndEdges(ctx context.Context, keys []string, coll Collection, tx Tx) error {
	for _, key := range keys {
		id := ID(coll, key)
		for _, edgeColl := range EdgeCollections {
			if _, err := s.DeleteEdgesTo(ctx, id, edgeColl, tx); err != nil {
				return err
			}
			if err := s.DeleteEdgesFrom(ctx, id, edgeColl, tx); err != nil {
				return err
			}
		}
		if err := s.register(tx, types.TransactWriteItem{
			Delete: &types.Delete{
				TableName: aws.String(s.tableName),
				Key: map[string]types.AttributeValue{
					"PK": strAttr(nodePK(coll)),
					"SK": strAttr(nodeSK(key)),
				},
			},
		}); err != nil {
			return err
		}
	}
	return nil
}

// GetAllOrgs scans the organizations collection.
func (s *DynamoStore) GetAllOrgs(ctx context.Context) ([]domain.Org, error) {
	out, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("PK = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": strAttr(nodePK(Organizations)),
		},
	})
	if err != nil {
		return nil, classifyDynamoErr("graph.GetAllOrgs", err)
	}
	orgs := make([]domain.Org, 0, len(out.Items))
	for _, item := range out.Items {
		var org domain.Org
		if err := unmarshalData(item, &org); err != nil {
			s.logger.Warn("skipping unparseable org node", zap.Error(err))
			continue
		}
		orgs = append(orgs, org)
	}
	return orgs, nil
}

// GetUsers lists an org's users filtered by active flag.
func (s *DynamoStore) GetUsers(ctx context.Context, orgKey string, active bool) ([]domain.AppUser, error) {
	out, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("PK = :pk"),
		FilterExpression:       aws.String("OrgKey = :org AND Active = :active"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     strAttr(nodePK(Users)),
			":org":    strAttr(orgKey),
			":active": &types.AttributeValueMemberBOOL{Value: active},
		},
	})
	if err != nil {
		return nil, classifyDynamoErr("graph.GetUsers", err)
	}
	users := make([]domain.AppUser, 0, len(out.Items))
	for _, item := range out.Items {
		var u domain.AppUser
		if err := unmarshalData(item, &u); err != nil {
			s.logger.Warn("skipping unparseable user node", zap.Error(err))
			continue
		}
		users = append(users, u)
	}
	return users, nil
}

// ListRecordKeys pages through the records partition collecting keys.
func (s *DynamoStore) ListRecordKeys(ctx context.Context) ([]string, error) {
	var keys []string
	var startKey map[string]types.AttributeValue
	for {
		out, err := s.client.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(s.tableName),
			KeyConditionExpression: aws.String("PK = :pk"),
			ProjectionExpression:   aws.String("#k"),
			ExpressionAttributeNames: map[string]string{
				"#k": "Key",
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk": strAttr(nodePK(Records)),
			},
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, classifyDynamoErr("graph.ListRecordKeys", err)
		}
		for _, item := range out.Items {
			if k, ok := item["Key"].(*types.AttributeValueMemberS); ok {
				keys = append(keys, k.Value)
			}
		}
		if out.LastEvaluatedKey == nil {
			return keys, nil
		}
		startKey = out.LastEvaluatedKey
	}
}

func (s *DynamoStore) registerEdgeDelete(tx Tx, coll Collection, from, to NodeID) error {
	return s.register(tx, types.TransactWriteItem{
		Delete: &types.Delete{
			TableName: aws.String(s.tableName),
			Key: map[string]types.AttributeValue{
				"PK": strAttr(edgePK(coll)),
				"SK": strAttr(edgeSK(from, to)),
			},
		},
	})
}

// lookupByIndex queries a GSI whose partition key equals value and decodes the
// first item's Data into target.
func (s *DynamoStore) lookupByIndex(ctx context.Context, index, attr, value string, target interface{}) (bool, error) {
	out, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		IndexName:              aws.String(index),
		KeyConditionExpression: aws.String(fmt.Sprintf("%s = :v", attr)),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":v": strAttr(value),
		},
		Limit: aws.Int32(1),
	})
	if err != nil {
		return false, classifyDynamoErr("graph.lookup", err)
	}
	if len(out.Items) == 0 {
		return false, nil
	}
	return true, unmarshalData(out.Items[0], target)
}

func nodePK(coll Collection) string              { return "NODE#" + string(coll) }
func nodeSK(key string) string                   { return "KEY#" + key }
func edgePK(coll Collection) string              { return "EDGE#" + string(coll) }
func edgeSK(from, to NodeID) string              { return "FROM#" + string(from) + "|TO#" + string(to) }
func edgeToPK(coll Collection, to NodeID) string { return "ETO#" + string(coll) + "#" + string(to) }

func xidKey(coll Collection, connector, externalID string) string {
	return "XID#" + string(coll) + "#" + connector + "#" + externalID
}

func externalIDKey(coll Collection, meta docMeta) string {
	if meta.ExternalID == "" {
		return ""
	}
	return xidKey(coll, meta.Connector, meta.ExternalID)
}

func strAttr(v string) *types.AttributeValueMemberS {
	return &types.AttributeValueMemberS{Value: v}
}

func unmarshalData(item map[string]types.AttributeValue, target interface{}) error {
	data, ok := item["Data"].(*types.AttributeValueMemberS)
	if !ok {
		return apperrors.New(apperrors.KindIntegrity, "graph.unmarshal", "item has no Data attribute")
	}
	if err := json.Unmarshal([]byte(data.Value), target); err != nil {
		return apperrors.Wrap(apperrors.KindIntegrity, "graph.unmarshal", err)
	}
	return nil
}

func parseEdges(items []map[string]types.AttributeValue) ([]Edge, error) {
	edges := make([]Edge, 0, len(items))
	for _, item := range items {
		var e Edge
		if err := unmarshalData(item, &e); err != nil {
			return nil, err
		}
		edges = append(edges, e)
	}
	return edges, nil
}

// classifyDynamoErr maps DynamoDB failures onto the pipeline taxonomy.
func classifyDynamoErr(op string, err error) error {
	var ccf *types.ConditionalCheckFailedException
	if stderrors.As(err, &ccf) {
		return apperrors.Wrap(apperrors.KindConflict, op, err)
	}
	var canceled *types.TransactionCanceledException
	if stderrors.As(err, &canceled) {
		for _, reason := range canceled.CancellationReasons {
			if aws.ToString(reason.Code) == "ConditionalCheckFailed" {
				return apperrors.Wrap(apperrors.KindConflict, op, err)
			}
		}
		return apperrors.Wrap(apperrors.KindTransient, op, err)
	}
	var throttled *types.ProvisionedThroughputExceededException
	if stderrors.As(err, &throttled) {
		return apperrors.Wrap(apperrors.KindRateLimited, op, err)
	}
	return apperrors.Wrap(apperrors.KindTransient, op, err)
}
