package migration

import (
	"context"
	"time"

	"go.uber.org/zap"

	"kortex-backend/internal/domain"
	"kortex-backend/internal/graph"
)

// OrphanReconciler walks every record and repairs parent linkage drift:
// deferred attachment edges whose parent has since been ingested are created,
// and records whose parent disappeared are counted as orphans. Deleting a
// parent does not cascade; this job is the cleanup pass for what that leaves
// behind.
type OrphanReconciler struct {
	store  graph.Store
	logger *zap.Logger
	now    func() time.Time
}

// NewOrphanReconciler creates a reconciler over the graph store.
func NewOrphanReconciler(store graph.Store, logger *zap.Logger) *OrphanReconciler {
	return &OrphanReconciler{store: store, logger: logger, now: time.Now}
}

// ReconcileStats summarizes one reconciliation pass.
type ReconcileStats struct {
	Scanned     int
	EdgesHealed int
	Orphans     int
}

// Reconcile runs one pass over every record.
func (r *OrphanReconciler) Reconcile(ctx context.Context) (ReconcileStats, error) {
	var stats ReconcileStats

	keys, err := r.store.ListRecordKeys(ctx)
	if err != nil {
		return stats, err
	}

	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		record, err := r.store.GetRecordByKey(ctx, key)
		if err != nil {
			return stats, err
		}
		if record == nil || record.ParentExternalID == "" {
			continue
		}
		stats.Scanned++

		parent, err := r.store.GetRecordByExternalID(ctx, record.ConnectorName, record.ParentExternalID)
		if err != nil {
			return stats, err
		}
		if parent == nil {
			stats.Orphans++
			r.logger.Warn("record references a missing parent",
				zap.String("recordKey", record.Key),
				zap.String("parentExternalId", record.ParentExternalID))
			continue
		}

		healed, err := r.healEdge(ctx, parent, record)
		if err != nil {
			return stats, err
		}
		if healed {
			stats.EdgesHealed++
		}
	}

	r.logger.Info("orphan reconciliation finished",
		zap.Int("scanned", stats.Scanned),
		zap.Int("edgesHealed", stats.EdgesHealed),
		zap.Int("orphans", stats.Orphans))
	return stats, nil
}

// healEdge creates the missing parent-child edge for a record whose parent
// exists but was ingested after the record (the deferred-attachment case).
func (r *OrphanReconciler) healEdge(ctx context.Context, parent, record *domain.Record) (bool, error) {
	childNode := graph.ID(graph.Records, record.Key)
	edges, err := r.store.EdgesTo(ctx, childNode, graph.RecordRelations)
	if err != nil {
		return false, err
	}
	parentNode := graph.ID(graph.Records, parent.Key)
	for _, edge := range edges {
		if edge.From == parentNode {
			return false, nil
		}
	}

	relation := graph.RelationParentChild
	if record.RecordType == domain.RecordTypeFile && parent.RecordType == domain.RecordTypeMail {
		relation = graph.RelationAttachment
	}

	tx, err := r.store.Begin(ctx)
	if err != nil {
		return false, err
	}
	edge := graph.Edge{
		From:      parentNode,
		To:        childNode,
		Type:      relation,
		CreatedAt: r.now().UnixMilli(),
	}
	if err := r.store.BatchCreateEdges(ctx, []graph.Edge{edge}, graph.RecordRelations, tx); err != nil {
		if abortErr := tx.Abort(ctx); abortErr != nil {
			r.logger.Warn("reconcile abort failed", zap.Error(abortErr))
		}
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// AsMigration wraps the reconciler as a one-shot migration.
func (r *OrphanReconciler) AsMigration() Migration {
	return Func{
		MigrationName: "orphan_reconciliation",
		Fn: func(ctx context.Context) error {
			_, err := r.Reconcile(ctx)
			return err
		},
	}
}
