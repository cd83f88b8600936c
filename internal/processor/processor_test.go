package processor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"kortex-backend/internal/domain"
	"kortex-backend/internal/graph"
	"kortex-backend/internal/messaging"
)

func newTestProcessor(t *testing.T) (*Processor, *graph.MemoryStore, *messaging.MemoryProducer) {
	t.Helper()
	store := graph.NewMemoryStore()
	producer := messaging.NewMemoryProducer()
	fixed := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	p := New(store, producer, nil, zap.NewNop(), WithClock(func() time.Time { return fixed }))
	return p, store, producer
}

func driveFile(externalID, rev string) *domain.Record {
	return &domain.Record{
		OrgKey:             "org-1",
		ConnectorName:      "drive",
		ConnectorKey:       "ci-1",
		RecordName:         "q3.xlsx",
		ExternalRecordID:   externalID,
		ExternalRevisionID: rev,
		RecordType:         domain.RecordTypeFile,
		ExternalGroupID:    "DRV",
		Origin:             domain.OriginConnector,
		IsFile:             true,
		IndexingStatus:     domain.IndexingNotStarted,
		ExtractionStatus:   domain.IndexingNotStarted,
	}
}

func ownerPermission(email string) domain.Permission {
	return domain.Permission{Entity: domain.EntityUser, Type: domain.PermissionOwner, Email: email}
}

func TestOnNewRecords_FreshFile(t *testing.T) {
	p, store, producer := newTestProcessor(t)
	ctx := context.Background()

	record := driveFile("F1", "r1")
	err := p.OnNewRecords(ctx, []NewRecordItem{{
		Record:      record,
		Permissions: []domain.Permission{ownerPermission("owner@example.com")},
	}})
	require.NoError(t, err)

	require.NotEmpty(t, record.Key)
	assert.Equal(t, int64(0), record.Version)

	stored, err := store.GetRecordByExternalID(ctx, "drive", "F1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, record.Key, stored.Key)

	group, err := store.GetRecordGroupByExternalID(ctx, "drive", "DRV")
	require.NoError(t, err)
	require.NotNil(t, group, "record group must be created on demand")

	// Type edge and group edge.
	typeEdges, err := store.EdgesFrom(ctx, graph.ID(graph.Records, record.Key), graph.IsOfType)
	require.NoError(t, err)
	assert.Len(t, typeEdges, 1)
	groupEdges, err := store.EdgesFrom(ctx, graph.ID(graph.Records, record.Key), graph.BelongsTo)
	require.NoError(t, err)
	assert.Len(t, groupEdges, 1)

	// The unseen owner becomes an inactive external user with a permission edge.
	user, err := store.GetUserByEmail(ctx, "owner@example.com")
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.False(t, user.Active)
	assert.Equal(t, domain.ExternalUserKey("owner@example.com"), user.Key)

	permEdges, err := store.EdgesTo(ctx, graph.ID(graph.Records, record.Key), graph.Permissions)
	require.NoError(t, err)
	require.Len(t, permEdges, 1)
	assert.Equal(t, string(domain.PermissionOwner), permEdges[0].Type)
	assert.Equal(t, string(domain.EntityUser), permEdges[0].EntityType)

	msgs := producer.ByType(messaging.EventNewRecord)
	require.Len(t, msgs, 1)
	assert.Equal(t, record.Key, msgs[0].Key)
	assert.Equal(t, int64(0), msgs[0].Payload.Version)
}

func TestOnNewRecords_SameRevisionIsIdempotent(t *testing.T) {
	p, store, producer := newTestProcessor(t)
	ctx := context.Background()

	first := driveFile("F1", "r1")
	require.NoError(t, p.OnNewRecords(ctx, []NewRecordItem{{Record: first}}))
	producer.Reset()

	second := driveFile("F1", "r1")
	require.NoError(t, p.OnNewRecords(ctx, []NewRecordItem{{Record: second}}))

	assert.Equal(t, first.Key, second.Key)
	assert.Equal(t, int64(0), second.Version, "unchanged revision must not bump the version")
	assert.Equal(t, 1, store.EdgeCount(graph.BelongsTo), "no duplicate group edge")
	// At most one extra message; consumers dedupe on (type, key, revision).
	assert.LessOrEqual(t, len(producer.Messages()), 1)
}

func TestOnNewRecords_RevisionBumpIncrementsVersion(t *testing.T) {
	p, store, _ := newTestProcessor(t)
	ctx := context.Background()

	require.NoError(t, p.OnNewRecords(ctx, []NewRecordItem{{Record: driveFile("F1", "r1")}}))

	updated := driveFile("F1", "r2")
	require.NoError(t, p.OnNewRecords(ctx, []NewRecordItem{{Record: updated}}))
	assert.Equal(t, int64(1), updated.Version)

	stored, err := store.GetRecordByExternalID(ctx, "drive", "F1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.Version)
	assert.Equal(t, "r2", stored.ExternalRevisionID)
}

func TestOnNewRecords_EmptyBatchHasNoEffect(t *testing.T) {
	p, store, producer := newTestProcessor(t)

	require.NoError(t, p.OnNewRecords(context.Background(), nil))
	assert.Zero(t, store.NodeCount(graph.Records))
	assert.Empty(t, producer.Messages())
}

func TestOnNewRecords_MailAttachmentEdge(t *testing.T) {
	p, store, _ := newTestProcessor(t)
	ctx := context.Background()

	mail := &domain.Record{
		OrgKey:           "org-1",
		ConnectorName:    "gmail",
		RecordName:       "Fwd: Q3 forecast",
		ExternalRecordID: "M1",
		RecordType:       domain.RecordTypeMail,
		ExternalGroupID:  "INBOX",
		Origin:           domain.OriginConnector,
	}
	require.NoError(t, p.OnNewRecords(ctx, []NewRecordItem{{Record: mail}}))

	attachment := &domain.Record{
		OrgKey:           "org-1",
		ConnectorName:    "gmail",
		RecordName:       "forecast.pdf",
		ExternalRecordID: "A1",
		RecordType:       domain.RecordTypeFile,
		ParentExternalID: "M1",
		ParentRecordType: domain.RecordTypeMail,
		ExternalGroupID:  "INBOX",
		Origin:           domain.OriginConnector,
		IsFile:           true,
	}
	require.NoError(t, p.OnNewRecords(ctx, []NewRecordItem{{Record: attachment}}))

	edges, err := store.EdgesTo(ctx, graph.ID(graph.Records, attachment.Key), graph.RecordRelations)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, graph.RelationAttachment, edges[0].Type)
	assert.Equal(t, graph.ID(graph.Records, mail.Key), edges[0].From)

	// The mail's type document lives in the mails collection.
	assert.Equal(t, 1, store.NodeCount(graph.Mails))
}

func TestOnNewRecords_MissingFileParentIsSynthesized(t *testing.T) {
	p, store, _ := newTestProcessor(t)
	ctx := context.Background()

	child := driveFile("F2", "r1")
	child.ParentExternalID = "FOLDER-9"
	child.ParentRecordType = domain.RecordTypeFile
	require.NoError(t, p.OnNewRecords(ctx, []NewRecordItem{{Record: child}}))

	parent, err := store.GetRecordByExternalID(ctx, "drive", "FOLDER-9")
	require.NoError(t, err)
	require.NotNil(t, parent, "placeholder parent must be synthesized")
	assert.Equal(t, domain.PlaceholderFolderMime, parent.MimeType)
	assert.False(t, parent.IsFile)

	edges, err := store.EdgesTo(ctx, graph.ID(graph.Records, child.Key), graph.RecordRelations)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, graph.RelationParentChild, edges[0].Type)
}

func TestOnNewRecords_MissingMailParentDefersEdge(t *testing.T) {
	p, store, _ := newTestProcessor(t)
	ctx := context.Background()

	attachment := driveFile("A2", "r1")
	attachment.ParentExternalID = "M-MISSING"
	attachment.ParentRecordType = domain.RecordTypeMail
	require.NoError(t, p.OnNewRecords(ctx, []NewRecordItem{{Record: attachment}}))

	// No placeholder mail and no relation edge.
	parent, err := store.GetRecordByExternalID(ctx, "drive", "M-MISSING")
	require.NoError(t, err)
	assert.Nil(t, parent)
	assert.Zero(t, store.EdgeCount(graph.RecordRelations))
}

func TestOnNewRecords_SyntheticPrincipals(t *testing.T) {
	p, store, _ := newTestProcessor(t)
	ctx := context.Background()

	record := driveFile("F1", "r1")
	err := p.OnNewRecords(ctx, []NewRecordItem{{
		Record: record,
		Permissions: []domain.Permission{
			{Entity: domain.EntityAnyone, Type: domain.PermissionRead},
			{Entity: domain.EntityOrg, Type: domain.PermissionRead},
			{Entity: domain.EntityDomain, Type: domain.PermissionRead, ExternalID: "example.com"},
		},
	}})
	require.NoError(t, err)

	edges, err := store.EdgesTo(ctx, graph.ID(graph.Records, record.Key), graph.Permissions)
	require.NoError(t, err)
	require.Len(t, edges, 3)

	froms := make(map[graph.NodeID]bool)
	for _, e := range edges {
		froms[e.From] = true
	}
	assert.True(t, froms[graph.ID(graph.Groups, domain.AnyoneKey)])
	assert.True(t, froms[graph.ID(graph.Groups, domain.OrgAnchorKey("org-1"))])
	assert.True(t, froms[graph.ID(graph.Groups, domain.DomainAnchorKey("example.com"))])
}

func TestOnRecordContentUpdate_EmitsUpdateRecord(t *testing.T) {
	p, _, producer := newTestProcessor(t)
	ctx := context.Background()

	require.NoError(t, p.OnNewRecords(ctx, []NewRecordItem{{Record: driveFile("F1", "r1")}}))
	producer.Reset()

	updated := driveFile("F1", "r2")
	require.NoError(t, p.OnRecordContentUpdate(ctx, updated))
	assert.Equal(t, int64(1), updated.Version)

	msgs := producer.ByType(messaging.EventUpdateRecord)
	require.Len(t, msgs, 1)
	assert.Equal(t, int64(1), msgs[0].Payload.Version)
}

func TestOnRecordContentUpdate_LeavesPermissionsAlone(t *testing.T) {
	p, store, _ := newTestProcessor(t)
	ctx := context.Background()

	require.NoError(t, p.OnNewRecords(ctx, []NewRecordItem{{
		Record:      driveFile("F1", "r1"),
		Permissions: []domain.Permission{ownerPermission("owner@example.com")},
	}}))
	before := store.EdgeCount(graph.Permissions)

	require.NoError(t, p.OnRecordContentUpdate(ctx, driveFile("F1", "r2")))
	assert.Equal(t, before, store.EdgeCount(graph.Permissions))
}

func TestOnRecordMetadataUpdate_KeepsVersion(t *testing.T) {
	p, store, producer := newTestProcessor(t)
	ctx := context.Background()

	require.NoError(t, p.OnNewRecords(ctx, []NewRecordItem{{Record: driveFile("F1", "r1")}}))
	producer.Reset()

	renamed := driveFile("F1", "r1")
	renamed.RecordName = "q3-final.xlsx"
	require.NoError(t, p.OnRecordMetadataUpdate(ctx, renamed))

	stored, err := store.GetRecordByExternalID(ctx, "drive", "F1")
	require.NoError(t, err)
	assert.Equal(t, "q3-final.xlsx", stored.RecordName)
	assert.Equal(t, int64(0), stored.Version, "metadata updates do not move the version")
	require.Len(t, producer.ByType(messaging.EventUpdateRecord), 1)
}

func TestOnUpdatedRecordPermissions_ReplacesInPlace(t *testing.T) {
	p, store, _ := newTestProcessor(t)
	ctx := context.Background()

	record := driveFile("F1", "r1")
	require.NoError(t, p.OnNewRecords(ctx, []NewRecordItem{{
		Record: record,
		Permissions: []domain.Permission{
			ownerPermission("owner@example.com"),
			{Entity: domain.EntityUser, Type: domain.PermissionRead, Email: "reader@example.com"},
		},
	}}))
	require.Equal(t, 2, store.EdgeCount(graph.Permissions))

	err := p.OnUpdatedRecordPermissions(ctx, record, []domain.Permission{
		{Entity: domain.EntityUser, Type: domain.PermissionWrite, Email: "editor@example.com"},
	})
	require.NoError(t, err)

	edges, err := store.EdgesTo(ctx, graph.ID(graph.Records, record.Key), graph.Permissions)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, string(domain.PermissionWrite), edges[0].Type)
}

func TestOnUpdatedRecordPermissions_RevokeAll(t *testing.T) {
	p, store, _ := newTestProcessor(t)
	ctx := context.Background()

	record := driveFile("F1", "r1")
	require.NoError(t, p.OnNewRecords(ctx, []NewRecordItem{{
		Record:      record,
		Permissions: []domain.Permission{ownerPermission("owner@example.com")},
	}}))

	require.NoError(t, p.OnUpdatedRecordPermissions(ctx, record, nil))
	assert.Zero(t, store.EdgeCount(graph.Permissions))

	stored, err := store.GetRecordByExternalID(ctx, "drive", "F1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), stored.Version, "permission changes alone do not bump the version")
}

func TestOnRecordDeleted_RemovesNodeAndEdges(t *testing.T) {
	p, store, producer := newTestProcessor(t)
	ctx := context.Background()

	record := driveFile("F1", "r1")
	require.NoError(t, p.OnNewRecords(ctx, []NewRecordItem{{
		Record:      record,
		Permissions: []domain.Permission{ownerPermission("owner@example.com")},
	}}))
	producer.Reset()

	require.NoError(t, p.OnRecordDeleted(ctx, record.Key))

	stored, err := store.GetRecordByExternalID(ctx, "drive", "F1")
	require.NoError(t, err)
	assert.Nil(t, stored)
	assert.Zero(t, store.EdgeCount(graph.Permissions))
	assert.Zero(t, store.EdgeCount(graph.IsOfType))
	assert.Zero(t, store.EdgeCount(graph.BelongsTo))
	assert.Zero(t, store.NodeCount(graph.Files))

	msgs := producer.ByType(messaging.EventDeleteRecord)
	require.Len(t, msgs, 1)
	assert.Equal(t, record.Key, msgs[0].Key)

	// Deleting again is a no-op.
	require.NoError(t, p.OnRecordDeleted(ctx, record.Key))
	assert.Len(t, producer.ByType(messaging.EventDeleteRecord), 1)
}
