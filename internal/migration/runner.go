// Package migration runs one-shot maintenance jobs exactly once, gating each
// on a completion flag in the sync-point store.
package migration

import (
	"context"
	"time"

	"go.uber.org/zap"

	"kortex-backend/internal/syncpoint"
)

// Migration is one named, idempotent maintenance job.
type Migration interface {
	Name() string
	Run(ctx context.Context) error
}

// completionFlag is the blob stored under the migration key.
type completionFlag struct {
	Done        bool  `json:"done"`
	CompletedAt int64 `json:"completedAt,omitempty"`
}

// Runner executes migrations, skipping any whose completion flag is already
// set. The flag is read before running, so a second invocation is a no-op.
type Runner struct {
	points syncpoint.Store
	logger *zap.Logger
	now    func() time.Time
}

// NewRunner creates a runner over the sync-point store.
func NewRunner(points syncpoint.Store, logger *zap.Logger) *Runner {
	return &Runner{points: points, logger: logger, now: time.Now}
}

// Run executes the migrations in order. A failed migration stops the run and
// leaves its flag unset, so the next invocation retries it.
func (r *Runner) Run(ctx context.Context, migrations ...Migration) error {
	for _, m := range migrations {
		key := syncpoint.MigrationKey(m.Name())

		var flag completionFlag
		found, err := syncpoint.GetJSON(ctx, r.points, key, &flag)
		if err != nil {
			return err
		}
		if found && flag.Done {
			r.logger.Info("migration already applied", zap.String("migration", m.Name()))
			continue
		}

		r.logger.Info("running migration", zap.String("migration", m.Name()))
		start := r.now()
		if err := m.Run(ctx); err != nil {
			r.logger.Error("migration failed",
				zap.String("migration", m.Name()),
				zap.Error(err))
			return err
		}

		if err := syncpoint.SetJSON(ctx, r.points, key, completionFlag{
			Done:        true,
			CompletedAt: r.now().UnixMilli(),
		}); err != nil {
			return err
		}
		r.logger.Info("migration applied",
			zap.String("migration", m.Name()),
			zap.Duration("took", r.now().Sub(start)))
	}
	return nil
}

// Func adapts a function to the Migration interface.
type Func struct {
	MigrationName string
	Fn            func(ctx context.Context) error
}

func (f Func) Name() string                  { return f.MigrationName }
func (f Func) Run(ctx context.Context) error { return f.Fn(ctx) }
