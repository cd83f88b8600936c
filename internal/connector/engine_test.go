package connector

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"kortex-backend/internal/auth"
	"kortex-backend/internal/domain"
	apperrors "kortex-backend/internal/errors"
	"kortex-backend/internal/graph"
	"kortex-backend/internal/messaging"
	"kortex-backend/internal/processor"
	"kortex-backend/internal/ratelimit"
	"kortex-backend/internal/syncpoint"
)

type engineFixture struct {
	engine   *Engine
	source   *FakeSource
	store    *graph.MemoryStore
	producer *messaging.MemoryProducer
	points   syncpoint.Store
}

func newEngineFixture(t *testing.T, opts ...EngineOption) *engineFixture {
	t.Helper()
	source := NewFakeSource("drive", 2)
	f := newEngineFixtureFor(t, source, opts...)
	f.source = source
	return f
}

// newEngineFixtureFor builds the fixture around an arbitrary source, for
// tests that wrap the fake to add or hide capabilities.
func newEngineFixtureFor(t *testing.T, source Source, opts ...EngineOption) *engineFixture {
	t.Helper()
	store := graph.NewMemoryStore()
	producer := messaging.NewMemoryProducer()
	points := syncpoint.NewMemoryStore()
	logger := zap.NewNop()
	proc := processor.New(store, producer, nil, logger)
	limiter := ratelimit.NewLimiter(1000, nil)

	opts = append([]EngineOption{WithPrincipal("user-1")}, opts...)
	engine := NewEngine(source, proc, store, points, limiter, nil, logger, opts...)
	return &engineFixture{engine: engine, store: store, producer: producer, points: points}
}

func fileEntry(externalID, name, rev string) Entry {
	return Entry{
		ExternalID: externalID,
		Record: &domain.Record{
			OrgKey:             "org-1",
			ConnectorName:      "drive",
			ConnectorKey:       "ci-1",
			RecordName:         name,
			ExternalRecordID:   externalID,
			ExternalRevisionID: rev,
			RecordType:         domain.RecordTypeFile,
			ExternalGroupID:    "DRV",
			Origin:             domain.OriginConnector,
			IsFile:             true,
		},
		Permissions: []domain.Permission{
			{Entity: domain.EntityUser, Type: domain.PermissionOwner, Email: "owner@example.com"},
		},
	}
}

func TestEngine_FullSyncIngestsAndStoresCursor(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	f.source.SetInventory(
		fileEntry("F1", "a.txt", "r1"),
		fileEntry("F2", "b.txt", "r1"),
		fileEntry("F3", "c.txt", "r1"),
	)
	require.NoError(t, f.engine.Sync(ctx, "DRV"))

	assert.Equal(t, 3, f.store.NodeCount(graph.Records))
	assert.Len(t, f.producer.ByType(messaging.EventNewRecord), 3)

	var cursor syncCursor
	found, err := syncpoint.GetJSON(ctx, f.points, syncpoint.RecordsKey("DRV", "user-1"), &cursor)
	require.NoError(t, err)
	require.True(t, found, "full sync must persist the pre-listing page token")
	assert.Equal(t, "cursor-0", cursor.PageToken)
}

func TestEngine_SecondSyncIsIncremental(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	f.source.SetInventory(fileEntry("F1", "a.txt", "r1"))
	require.NoError(t, f.engine.Sync(ctx, "DRV"))
	f.producer.Reset()

	// A change appears in the feed; the inventory is not re-listed.
	f.source.QueueChange(fileEntry("F2", "new.txt", "r1"))
	require.NoError(t, f.engine.Sync(ctx, "DRV"))

	assert.Equal(t, 2, f.store.NodeCount(graph.Records))
	msgs := f.producer.ByType(messaging.EventNewRecord)
	require.Len(t, msgs, 1)

	// Cursor advanced past the consumed change.
	var cursor syncCursor
	_, err := syncpoint.GetJSON(ctx, f.points, syncpoint.RecordsKey("DRV", "user-1"), &cursor)
	require.NoError(t, err)
	assert.Equal(t, "cursor-1", cursor.PageToken)
}

func TestEngine_UnchangedEntryProducesNothing(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	f.source.SetInventory(fileEntry("F1", "a.txt", "r1"))
	require.NoError(t, f.engine.Sync(ctx, "DRV"))
	f.producer.Reset()

	// Same entry replayed through the change feed: same name, revision, ACL.
	f.source.QueueChange(fileEntry("F1", "a.txt", "r1"))
	require.NoError(t, f.engine.Sync(ctx, "DRV"))

	assert.Empty(t, f.producer.Messages())
	assert.Equal(t, 1, f.store.NodeCount(graph.Records))
}

func TestEngine_RevisionChangeRoutesToContentUpdate(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	f.source.SetInventory(fileEntry("F1", "a.txt", "r1"))
	require.NoError(t, f.engine.Sync(ctx, "DRV"))
	f.producer.Reset()

	f.source.QueueChange(fileEntry("F1", "a.txt", "r2"))
	require.NoError(t, f.engine.Sync(ctx, "DRV"))

	msgs := f.producer.ByType(messaging.EventUpdateRecord)
	require.Len(t, msgs, 1)
	assert.Equal(t, int64(1), msgs[0].Payload.Version)
}

func TestEngine_RenameRoutesToMetadataUpdate(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	f.source.SetInventory(fileEntry("F1", "a.txt", "r1"))
	require.NoError(t, f.engine.Sync(ctx, "DRV"))
	f.producer.Reset()

	f.source.QueueChange(fileEntry("F1", "renamed.txt", "r1"))
	require.NoError(t, f.engine.Sync(ctx, "DRV"))

	require.Len(t, f.producer.ByType(messaging.EventUpdateRecord), 1)
	stored, err := f.store.GetRecordByExternalID(ctx, "drive", "F1")
	require.NoError(t, err)
	assert.Equal(t, "renamed.txt", stored.RecordName)
	assert.Equal(t, int64(0), stored.Version)
}

func TestEngine_PermissionChangeReplacesEdges(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	f.source.SetInventory(fileEntry("F1", "a.txt", "r1"))
	require.NoError(t, f.engine.Sync(ctx, "DRV"))
	require.Equal(t, 1, f.store.EdgeCount(graph.Permissions))

	changed := fileEntry("F1", "a.txt", "r1")
	changed.Permissions = []domain.Permission{
		{Entity: domain.EntityUser, Type: domain.PermissionOwner, Email: "owner@example.com"},
		{Entity: domain.EntityUser, Type: domain.PermissionRead, Email: "reader@example.com"},
	}
	f.source.QueueChange(changed)
	require.NoError(t, f.engine.Sync(ctx, "DRV"))

	assert.Equal(t, 2, f.store.EdgeCount(graph.Permissions))
}

func TestEngine_TombstoneDeletes(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	f.source.SetInventory(fileEntry("F1", "a.txt", "r1"))
	require.NoError(t, f.engine.Sync(ctx, "DRV"))
	f.producer.Reset()

	f.source.QueueChange(Entry{ExternalID: "F1", Removed: true})
	require.NoError(t, f.engine.Sync(ctx, "DRV"))

	stored, err := f.store.GetRecordByExternalID(ctx, "drive", "F1")
	require.NoError(t, err)
	assert.Nil(t, stored)
	require.Len(t, f.producer.ByType(messaging.EventDeleteRecord), 1)

	// A tombstone for an unknown record is absorbed.
	f.source.QueueChange(Entry{ExternalID: "F-UNKNOWN", Removed: true})
	require.NoError(t, f.engine.Sync(ctx, "DRV"))
}

func TestEngine_BatchesNewRecords(t *testing.T) {
	f := newEngineFixture(t, WithBatchSize(2))
	ctx := context.Background()

	f.source.SetInventory(
		fileEntry("F1", "a.txt", "r1"),
		fileEntry("F2", "b.txt", "r1"),
		fileEntry("F3", "c.txt", "r1"),
		fileEntry("F4", "d.txt", "r1"),
		fileEntry("F5", "e.txt", "r1"),
	)
	require.NoError(t, f.engine.Sync(ctx, "DRV"))

	// All five land regardless of batch boundaries, including the final
	// partial flush.
	assert.Equal(t, 5, f.store.NodeCount(graph.Records))
	assert.Len(t, f.producer.ByType(messaging.EventNewRecord), 5)
}

func TestEngine_EmptySyncHasNoEffect(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	require.NoError(t, f.engine.Sync(ctx, "DRV"))
	assert.Zero(t, f.store.NodeCount(graph.Records))
	assert.Empty(t, f.producer.Messages())
}

func TestEngine_InitRetriesTransientFailures(t *testing.T) {
	f := newEngineFixture(t, WithInitRetry(3, time.Millisecond))

	f.source.FailInit(
		apperrors.New(apperrors.KindTransient, "fake.Init", "cold start"),
		apperrors.New(apperrors.KindTransient, "fake.Init", "still cold"),
	)
	require.NoError(t, f.engine.Init(context.Background()))
	assert.Equal(t, 3, f.source.InitCalls())
}

func TestEngine_InitGivesUpOnAuthError(t *testing.T) {
	f := newEngineFixture(t, WithInitRetry(5, time.Millisecond))

	f.source.FailInit(apperrors.New(apperrors.KindAuth, "fake.Init", "revoked"))
	err := f.engine.Init(context.Background())
	require.Error(t, err)
	assert.Equal(t, apperrors.KindAuth, apperrors.KindOf(err))
	assert.Equal(t, 1, f.source.InitCalls())
}

func TestRegistry(t *testing.T) {
	registry := NewRegistry()
	registry.Register("drive", func(instanceKey string, tokens *auth.TokenManager) (Source, error) {
		return NewFakeSource("drive", 10), nil
	})

	src, err := registry.New("drive", "ci-1", nil)
	require.NoError(t, err)
	assert.Equal(t, "drive", src.Name())

	_, err = registry.New("unknown", "ci-1", nil)
	require.Error(t, err)
	assert.Equal(t, apperrors.KindNotFound, apperrors.KindOf(err))

	assert.Equal(t, []string{"drive"}, registry.Names())
	assert.Panics(t, func() {
		registry.Register("drive", func(string, *auth.TokenManager) (Source, error) { return nil, nil })
	})
}

func TestEngine_SyncDirectoryUpsertsPrincipals(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	f.source.SetDirectory(
		[]domain.AppUser{
			{OrgKey: "org-1", AppName: "drive", ConnectorKey: "ci-1", SourceUserID: "u1",
				Email: "alice@example.com", FullName: "Alice", Active: true},
			{OrgKey: "org-1", AppName: "drive", ConnectorKey: "ci-1", SourceUserID: "u2",
				Email: "bob@example.com", FullName: "Bob", Active: true},
		},
		[]domain.AppUserGroup{
			{OrgKey: "org-1", AppName: "drive", ConnectorKey: "ci-1", SourceGroupID: "g1", Name: "Engineering"},
		},
	)
	require.NoError(t, f.engine.SyncDirectory(ctx))

	user, err := f.store.GetUserByEmail(ctx, "alice@example.com")
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.Equal(t, "Alice", user.FullName)
	assert.True(t, user.Active)

	group, err := f.store.GetUserGroupByExternalID(ctx, "drive", "g1")
	require.NoError(t, err)
	require.NotNil(t, group)
	assert.Equal(t, "Engineering", group.Name)

	var users, groups directoryCheckpoint
	found, err := syncpoint.GetJSON(ctx, f.points, syncpoint.UsersKey("drive"), &users)
	require.NoError(t, err)
	require.True(t, found, "directory pass must checkpoint the user scope")
	assert.Equal(t, 2, users.Count)
	found, err = syncpoint.GetJSON(ctx, f.points, syncpoint.GroupsKey("drive"), &groups)
	require.NoError(t, err)
	require.True(t, found, "directory pass must checkpoint the group scope")
	assert.Equal(t, 1, groups.Count)
}

func TestEngine_SyncDirectoryMergesPermissionPlaceholders(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	// Record ingestion first: the owner exists only as an inactive node the
	// ACL resolution created.
	f.source.SetInventory(fileEntry("F1", "a.txt", "r1"))
	require.NoError(t, f.engine.Sync(ctx, "DRV"))
	placeholder, err := f.store.GetUserByEmail(ctx, "owner@example.com")
	require.NoError(t, err)
	require.NotNil(t, placeholder)
	require.False(t, placeholder.Active)

	f.source.SetDirectory([]domain.AppUser{
		{OrgKey: "org-1", AppName: "drive", ConnectorKey: "ci-1", SourceUserID: "u1",
			Email: "owner@example.com", FullName: "Owner", Active: true},
	}, nil)
	require.NoError(t, f.engine.SyncDirectory(ctx))

	user, err := f.store.GetUserByEmail(ctx, "owner@example.com")
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.Equal(t, placeholder.Key, user.Key, "directory entry must converge on the placeholder node")
	assert.True(t, user.Active)
	assert.Equal(t, "Owner", user.FullName)
	assert.Equal(t, 1, f.store.NodeCount(graph.Users))
}

// recordOnlySource hides every optional capability of the wrapped source.
type recordOnlySource struct{ Source }

func TestEngine_SyncDirectorySkipsSourcesWithoutOne(t *testing.T) {
	inner := NewFakeSource("drive", 2)
	f := newEngineFixtureFor(t, recordOnlySource{inner})
	ctx := context.Background()

	require.NoError(t, f.engine.SyncDirectory(ctx))

	var cp directoryCheckpoint
	found, err := syncpoint.GetJSON(ctx, f.points, syncpoint.UsersKey("drive"), &cp)
	require.NoError(t, err)
	assert.False(t, found, "no checkpoint may be written for a skipped directory pass")
}

// signingSource adds signed download URLs to the fake.
type signingSource struct {
	*FakeSource
	err error
}

func (s *signingSource) GetSignedURL(ctx context.Context, record *domain.Record) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return "https://signed.example.com/" + record.ExternalRecordID, nil
}

func TestEngine_SignedURLFilledOnIngestion(t *testing.T) {
	inner := NewFakeSource("drive", 2)
	source := &signingSource{FakeSource: inner}
	f := newEngineFixtureFor(t, source)
	ctx := context.Background()

	inner.SetInventory(fileEntry("F1", "a.txt", "r1"))
	require.NoError(t, f.engine.Sync(ctx, "DRV"))

	stored, err := f.store.GetRecordByExternalID(ctx, "drive", "F1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "https://signed.example.com/F1", stored.SignedURL)
}

func TestEngine_SignedURLFailureIsAbsorbed(t *testing.T) {
	inner := NewFakeSource("drive", 2)
	source := &signingSource{
		FakeSource: inner,
		err:        apperrors.New(apperrors.KindTransient, "fake.GetSignedURL", "service hiccup"),
	}
	f := newEngineFixtureFor(t, source)
	ctx := context.Background()

	inner.SetInventory(fileEntry("F1", "a.txt", "r1"))
	require.NoError(t, f.engine.Sync(ctx, "DRV"))

	stored, err := f.store.GetRecordByExternalID(ctx, "drive", "F1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Empty(t, stored.SignedURL, "a failing signer must not block ingestion")
}

// streamingSource serves fixed content for every record body.
type streamingSource struct {
	*FakeSource
	content string
}

func (s *streamingSource) StreamRecord(ctx context.Context, record *domain.Record) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(s.content)), nil
}

func TestEngine_StreamedContentFillsHashAndSize(t *testing.T) {
	inner := NewFakeSource("drive", 2)
	source := &streamingSource{FakeSource: inner, content: "quarterly numbers"}
	f := newEngineFixtureFor(t, source)
	ctx := context.Background()

	inner.SetInventory(fileEntry("F1", "a.txt", "r1"))
	require.NoError(t, f.engine.Sync(ctx, "DRV"))

	sum := sha256.Sum256([]byte("quarterly numbers"))
	stored, err := f.store.GetRecordByExternalID(ctx, "drive", "F1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, hex.EncodeToString(sum[:]), stored.SHA256Hash)
	assert.Equal(t, int64(len("quarterly numbers")), stored.SizeInBytes)
}

func TestEngine_StreamingSkipsRecordsWithSourceHash(t *testing.T) {
	inner := NewFakeSource("drive", 2)
	source := &streamingSource{FakeSource: inner, content: "ignored"}
	f := newEngineFixtureFor(t, source)
	ctx := context.Background()

	entry := fileEntry("F1", "a.txt", "r1")
	entry.Record.SHA256Hash = "source-provided"
	inner.SetInventory(entry)
	require.NoError(t, f.engine.Sync(ctx, "DRV"))

	stored, err := f.store.GetRecordByExternalID(ctx, "drive", "F1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "source-provided", stored.SHA256Hash)
}
