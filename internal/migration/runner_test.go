package migration

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"kortex-backend/internal/domain"
	apperrors "kortex-backend/internal/errors"
	"kortex-backend/internal/graph"
	"kortex-backend/internal/messaging"
	"kortex-backend/internal/processor"
	"kortex-backend/internal/syncpoint"
)

func TestRunner_RunsOnceOnly(t *testing.T) {
	points := syncpoint.NewMemoryStore()
	runner := NewRunner(points, zap.NewNop())
	ctx := context.Background()

	runs := 0
	job := Func{MigrationName: "backfill_extensions", Fn: func(ctx context.Context) error {
		runs++
		return nil
	}}

	require.NoError(t, runner.Run(ctx, job))
	require.NoError(t, runner.Run(ctx, job))
	assert.Equal(t, 1, runs, "second invocation must be a no-op")
}

func TestRunner_FailureLeavesFlagUnset(t *testing.T) {
	points := syncpoint.NewMemoryStore()
	runner := NewRunner(points, zap.NewNop())
	ctx := context.Background()

	runs := 0
	fail := true
	job := Func{MigrationName: "flaky", Fn: func(ctx context.Context) error {
		runs++
		if fail {
			return apperrors.New(apperrors.KindTransient, "test", "boom")
		}
		return nil
	}}

	require.Error(t, runner.Run(ctx, job))
	fail = false
	require.NoError(t, runner.Run(ctx, job))
	require.NoError(t, runner.Run(ctx, job))
	assert.Equal(t, 2, runs, "failed migration must retry, applied one must not")
}

func TestRunner_StopsAtFirstFailure(t *testing.T) {
	points := syncpoint.NewMemoryStore()
	runner := NewRunner(points, zap.NewNop())
	ctx := context.Background()

	secondRan := false
	err := runner.Run(ctx,
		Func{MigrationName: "first", Fn: func(ctx context.Context) error {
			return apperrors.New(apperrors.KindFatal, "test", "no")
		}},
		Func{MigrationName: "second", Fn: func(ctx context.Context) error {
			secondRan = true
			return nil
		}},
	)
	require.Error(t, err)
	assert.False(t, secondRan)
}

func TestOrphanReconciler_HealsDeferredAttachment(t *testing.T) {
	store := graph.NewMemoryStore()
	producer := messaging.NewMemoryProducer()
	proc := processor.New(store, producer, nil, zap.NewNop())
	ctx := context.Background()

	// Attachment arrives before its mail parent: the edge is deferred.
	attachment := &domain.Record{
		OrgKey:           "org-1",
		ConnectorName:    "gmail",
		RecordName:       "forecast.pdf",
		ExternalRecordID: "A1",
		RecordType:       domain.RecordTypeFile,
		ParentExternalID: "M1",
		ParentRecordType: domain.RecordTypeMail,
		Origin:           domain.OriginConnector,
		IsFile:           true,
	}
	require.NoError(t, proc.OnNewRecords(ctx, []processor.NewRecordItem{{Record: attachment}}))
	require.Zero(t, store.EdgeCount(graph.RecordRelations))

	mail := &domain.Record{
		OrgKey:           "org-1",
		ConnectorName:    "gmail",
		RecordName:       "Fwd: forecast",
		ExternalRecordID: "M1",
		RecordType:       domain.RecordTypeMail,
		Origin:           domain.OriginConnector,
	}
	require.NoError(t, proc.OnNewRecords(ctx, []processor.NewRecordItem{{Record: mail}}))

	reconciler := NewOrphanReconciler(store, zap.NewNop())
	stats, err := reconciler.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.EdgesHealed)
	assert.Zero(t, stats.Orphans)

	edges, err := store.EdgesTo(ctx, graph.ID(graph.Records, attachment.Key), graph.RecordRelations)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, graph.RelationAttachment, edges[0].Type)

	// A second pass heals nothing further.
	stats, err = reconciler.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.EdgesHealed)
}

func TestOrphanReconciler_CountsOrphans(t *testing.T) {
	store := graph.NewMemoryStore()
	producer := messaging.NewMemoryProducer()
	proc := processor.New(store, producer, nil, zap.NewNop())
	ctx := context.Background()

	parent := &domain.Record{
		OrgKey:           "org-1",
		ConnectorName:    "drive",
		RecordName:       "folder",
		ExternalRecordID: "P1",
		RecordType:       domain.RecordTypeFile,
		Origin:           domain.OriginConnector,
	}
	child := &domain.Record{
		OrgKey:           "org-1",
		ConnectorName:    "drive",
		RecordName:       "doc.txt",
		ExternalRecordID: "C1",
		RecordType:       domain.RecordTypeFile,
		ParentExternalID: "P1",
		ParentRecordType: domain.RecordTypeFile,
		Origin:           domain.OriginConnector,
		IsFile:           true,
	}
	require.NoError(t, proc.OnNewRecords(ctx, []processor.NewRecordItem{{Record: parent}, {Record: child}}))
	require.NoError(t, proc.OnRecordDeleted(ctx, parent.Key))

	reconciler := NewOrphanReconciler(store, zap.NewNop())
	stats, err := reconciler.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Orphans)
	assert.Zero(t, stats.EdgesHealed)
}
