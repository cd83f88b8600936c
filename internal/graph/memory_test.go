package graph

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kortex-backend/internal/domain"
)

func record(key, connector, externalID string) *domain.Record {
	return &domain.Record{
		Key:              key,
		ConnectorName:    connector,
		ExternalRecordID: externalID,
		RecordType:       domain.RecordTypeFile,
	}
}

func TestTransactionBuffersUntilCommit(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, s.BatchUpsertNodes(ctx, []interface{}{record("r1", "drive", "F1")}, Records, tx))

	got, err := s.GetRecordByExternalID(ctx, "drive", "F1")
	require.NoError(t, err)
	assert.Nil(t, got, "uncommitted writes are invisible")

	require.NoError(t, tx.Commit(ctx))

	got, err = s.GetRecordByExternalID(ctx, "drive", "F1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "r1", got.Key)
}

func TestAbortDiscardsWrites(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	tx, _ := s.Begin(ctx)
	require.NoError(t, s.BatchUpsertNodes(ctx, []interface{}{record("r1", "drive", "F1")}, Records, tx))
	require.NoError(t, tx.Abort(ctx))

	got, err := s.GetRecordByExternalID(ctx, "drive", "F1")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Zero(t, s.NodeCount(Records))
}

func TestWritesRequireTransaction(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	err := s.BatchUpsertNodes(ctx, []interface{}{record("r1", "drive", "F1")}, Records, nil)
	require.Error(t, err)
}

func TestEdgeUpsertIdentity(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	from := ID(Records, "parent")
	to := ID(Records, "child")

	for i := 0; i < 2; i++ {
		tx, _ := s.Begin(ctx)
		require.NoError(t, s.BatchCreateEdges(ctx, []Edge{{From: from, To: to, Type: RelationParentChild}}, RecordRelations, tx))
		require.NoError(t, tx.Commit(ctx))
	}

	assert.Equal(t, 1, s.EdgeCount(RecordRelations), "same (from,to) upserts in place")
}

func TestDeleteEdgesTo(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	rec := ID(Records, "r1")

	tx, _ := s.Begin(ctx)
	require.NoError(t, s.BatchCreateEdges(ctx, []Edge{
		{From: ID(Users, "u1"), To: rec, Type: "OWNER", EntityType: "USER"},
		{From: ID(Users, "u2"), To: rec, Type: "READ", EntityType: "USER"},
		{From: ID(Users, "u1"), To: ID(Records, "other"), Type: "READ", EntityType: "USER"},
	}, Permissions, tx))
	require.NoError(t, tx.Commit(ctx))

	tx, _ = s.Begin(ctx)
	n, err := s.DeleteEdgesTo(ctx, rec, Permissions, tx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.NoError(t, tx.Commit(ctx))

	assert.Equal(t, 1, s.EdgeCount(Permissions), "edges to other records survive")
}

func TestDeleteNodesAndEdgesRemovesAllIncidentEdges(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	rec := ID(Records, "r1")

	tx, _ := s.Begin(ctx)
	require.NoError(t, s.BatchUpsertNodes(ctx, []interface{}{record("r1", "drive", "F1")}, Records, tx))
	require.NoError(t, s.BatchCreateEdges(ctx, []Edge{{From: ID(Users, "u1"), To: rec, Type: "OWNER"}}, Permissions, tx))
	require.NoError(t, s.BatchCreateEdges(ctx, []Edge{{From: rec, To: ID(RecordGroups, "g1")}}, BelongsTo, tx))
	require.NoError(t, s.BatchCreateEdges(ctx, []Edge{{From: rec, To: ID(Files, "r1")}}, IsOfType, tx))
	require.NoError(t, tx.Commit(ctx))

	tx, _ = s.Begin(ctx)
	require.NoError(t, s.DeleteNodesAndEdges(ctx, []string{"r1"}, Records, tx))
	require.NoError(t, tx.Commit(ctx))

	assert.Zero(t, s.NodeCount(Records))
	for _, coll := range EdgeCollections {
		assert.Zero(t, s.EdgeCount(coll), string(coll))
	}

	got, err := s.GetRecordByExternalID(ctx, "drive", "F1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestUserLookupByEmailIsCaseInsensitive(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	tx, _ := s.Begin(ctx)
	require.NoError(t, s.BatchUpsertNodes(ctx, []interface{}{&domain.AppUser{
		Key: "u1", AppName: "drive", SourceUserID: "123", Email: "Alice@Example.com", Active: true, OrgKey: "org1",
	}}, Users, tx))
	require.NoError(t, tx.Commit(ctx))

	u, err := s.GetUserByEmail(ctx, "alice@example.COM")
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.Equal(t, "u1", u.Key)

	active, err := s.GetUsers(ctx, "org1", true)
	require.NoError(t, err)
	assert.Len(t, active, 1)

	inactive, err := s.GetUsers(ctx, "org1", false)
	require.NoError(t, err)
	assert.Empty(t, inactive)
}

func TestTypeCollectionFor(t *testing.T) {
	assert.Equal(t, Mails, TypeCollectionFor(domain.RecordTypeMail))
	assert.Equal(t, Files, TypeCollectionFor(domain.RecordTypeFile))
	assert.Equal(t, Files, TypeCollectionFor(domain.RecordTypeTicket))
}
