package connector

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"sort"
	"time"

	"go.uber.org/zap"

	"kortex-backend/internal/domain"
	apperrors "kortex-backend/internal/errors"
	"kortex-backend/internal/graph"
	"kortex-backend/internal/observability"
	"kortex-backend/internal/processor"
	"kortex-backend/internal/ratelimit"
	"kortex-backend/internal/retry"
	"kortex-backend/internal/syncpoint"
)

// syncCursor is the JSON blob the engine persists per sync scope.
type syncCursor struct {
	PageToken string `json:"pageToken"`
	UpdatedAt int64  `json:"updatedAt"`
}

// Engine drives one connector instance: it selects full versus incremental
// sync from the stored cursor, classifies every observed entry, and routes
// the resulting updates into the entities processor in bounded batches.
type Engine struct {
	source     Source
	processor  *processor.Processor
	store      graph.Store
	syncPoints syncpoint.Store
	limiter    *ratelimit.Limiter
	metrics    *observability.Collector
	logger     *zap.Logger

	// principalID scopes the sync cursor (one cursor per principal per
	// container for user-scoped sources).
	principalID string
	batchSize   int
	initRetry   retry.Config
	now         func() time.Time
}

// EngineOption customizes an Engine.
type EngineOption func(*Engine)

// WithBatchSize bounds the new-record batch flushed to the processor.
func WithBatchSize(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.batchSize = n
		}
	}
}

// WithPrincipal scopes the sync cursor to one principal.
func WithPrincipal(principalID string) EngineOption {
	return func(e *Engine) { e.principalID = principalID }
}

// WithInitRetry bounds the init retry loop.
func WithInitRetry(maxAttempts int, backoff time.Duration) EngineOption {
	return func(e *Engine) {
		if maxAttempts > 0 {
			e.initRetry.MaxAttempts = maxAttempts
		}
		if backoff > 0 {
			e.initRetry.BaseDelay = backoff
		}
	}
}

// WithEngineClock overrides the time source, for tests.
func WithEngineClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// NewEngine wires an engine for one connector instance.
func NewEngine(source Source, proc *processor.Processor, store graph.Store, syncPoints syncpoint.Store, limiter *ratelimit.Limiter, metrics *observability.Collector, logger *zap.Logger, opts ...EngineOption) *Engine {
	e := &Engine{
		source:     source,
		processor:  proc,
		store:      store,
		syncPoints: syncPoints,
		limiter:    limiter,
		metrics:    metrics,
		logger:     logger.With(zap.String("connector", source.Name())),
		batchSize:  100,
		initRetry:  retry.DefaultConfig(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Init initializes the source with bounded retry on transient failure.
func (e *Engine) Init(ctx context.Context) error {
	return retry.Do(ctx, e.initRetry, func(ctx context.Context) error {
		return e.source.Init(ctx)
	})
}

// Sync runs one sync pass. An empty stored cursor selects a full listing;
// otherwise the change feed is replayed from the cursor.
func (e *Engine) Sync(ctx context.Context, externalGroupID string) error {
	start := e.now()
	key := syncpoint.RecordsKey(externalGroupID, e.principalID)

	var cursor syncCursor
	found, err := syncpoint.GetJSON(ctx, e.syncPoints, key, &cursor)
	if err != nil {
		return err
	}

	mode := "incremental"
	if !found || cursor.PageToken == "" {
		mode = "full"
		err = e.fullSync(ctx, key)
	} else {
		err = e.incrementalSync(ctx, key, cursor.PageToken)
	}

	if e.metrics != nil {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		e.metrics.SyncRuns.WithLabelValues(e.source.Name(), mode, outcome).Inc()
		e.metrics.SyncDuration.WithLabelValues(e.source.Name(), mode).Observe(e.now().Sub(start).Seconds())
	}
	if err != nil {
		return err
	}
	e.logger.Info("sync completed",
		zap.String("mode", mode),
		zap.String("scope", key),
		zap.Duration("took", e.now().Sub(start)))
	return nil
}

// fullSync lists the complete inventory. The change cursor is captured before
// the listing starts so the first incremental run replays anything written
// while the listing was in flight.
func (e *Engine) fullSync(ctx context.Context, cursorKey string) error {
	token, err := e.source.StartPageToken(ctx)
	if err != nil {
		return err
	}

	dispatcher := e.newDispatcher()
	err = e.source.ListAll(ctx, func(ctx context.Context, page Page) error {
		if err := e.limiter.Wait(ctx, e.source.Name()); err != nil {
			return err
		}
		return e.processPage(ctx, page, dispatcher)
	})
	if err != nil {
		return err
	}
	if err := dispatcher.flush(ctx); err != nil {
		return err
	}

	return e.storeCursor(ctx, cursorKey, token)
}

// incrementalSync replays the change feed from the stored cursor.
func (e *Engine) incrementalSync(ctx context.Context, cursorKey, token string) error {
	dispatcher := e.newDispatcher()
	next, err := e.source.Changes(ctx, token, func(ctx context.Context, page Page) error {
		if err := e.limiter.Wait(ctx, e.source.Name()); err != nil {
			return err
		}
		return e.processPage(ctx, page, dispatcher)
	})
	if err != nil {
		return err
	}
	if err := dispatcher.flush(ctx); err != nil {
		return err
	}
	return e.storeCursor(ctx, cursorKey, next)
}

func (e *Engine) storeCursor(ctx context.Context, key, token string) error {
	return syncpoint.SetJSON(ctx, e.syncPoints, key, syncCursor{
		PageToken: token,
		UpdatedAt: e.now().UnixMilli(),
	})
}

func (e *Engine) processPage(ctx context.Context, page Page, d *dispatcher) error {
	for _, entry := range page.Entries {
		update, err := e.classify(ctx, entry)
		if err != nil {
			if apperrors.Absorbable(err) {
				e.logger.Warn("entry skipped",
					zap.String("externalId", entry.ExternalID),
					zap.Error(err))
				continue
			}
			return err
		}
		if update == nil {
			continue
		}
		if err := d.dispatch(ctx, update); err != nil {
			return err
		}
	}
	return nil
}

// classify runs the per-entry state machine: tombstone, new, or the changed
// facets of an existing record.
func (e *Engine) classify(ctx context.Context, entry Entry) (*domain.RecordUpdate, error) {
	externalID := entry.ExternalID
	if externalID == "" && entry.Record != nil {
		externalID = entry.Record.ExternalRecordID
	}
	if externalID == "" {
		return nil, apperrors.New(apperrors.KindValidation, "connector.classify", "entry has no external id")
	}

	if entry.Removed {
		return &domain.RecordUpdate{ExternalRecordID: externalID, IsDeleted: true}, nil
	}
	if entry.Record == nil {
		return nil, apperrors.New(apperrors.KindValidation, "connector.classify",
			"non-tombstone entry has no record").WithResource(externalID)
	}

	record := entry.Record
	existing, err := e.store.GetRecordByExternalID(ctx, record.ConnectorName, externalID)
	if err != nil {
		return nil, err
	}

	update := &domain.RecordUpdate{
		Record:           record,
		ExternalRecordID: externalID,
		NewPermissions:   entry.Permissions,
	}
	if existing == nil {
		update.IsNew = true
		return update, nil
	}

	record.Key = existing.Key
	if existing.RecordName != record.RecordName {
		update.IsUpdated = true
		update.MetadataChanged = true
	}
	if existing.ExternalRevisionID != record.ExternalRevisionID {
		update.IsUpdated = true
		update.ContentChanged = true
	}
	changed, err := e.permissionsChanged(ctx, record, entry.Permissions)
	if err != nil {
		return nil, err
	}
	if changed {
		update.IsUpdated = true
		update.PermissionsChanged = true
	}
	if !update.IsUpdated {
		return nil, nil
	}
	return update, nil
}

// permissionsChanged compares the entry's ACL against the record's current
// permission edges. Both sides are normalized to (entity, principal node id,
// type) tuples; principal ids derive through the same resolution rules
// ingestion uses, so the comparison is exact.
func (e *Engine) permissionsChanged(ctx context.Context, record *domain.Record, perms []domain.Permission) (bool, error) {
	edges, err := e.store.EdgesTo(ctx, graph.ID(graph.Records, record.Key), graph.Permissions)
	if err != nil {
		return false, err
	}

	current := make([]string, 0, len(edges))
	for _, edge := range edges {
		current = append(current, edge.EntityType+"\x00"+string(edge.From)+"\x00"+edge.Type)
	}

	want := make([]string, 0, len(perms))
	for _, perm := range perms {
		id, err := processor.ResolvePrincipalID(ctx, e.store, record, perm)
		if err != nil {
			return false, err
		}
		if id == "" {
			continue
		}
		want = append(want, string(perm.Entity)+"\x00"+string(id)+"\x00"+string(perm.Type))
	}

	if len(current) != len(want) {
		return true, nil
	}
	sort.Strings(current)
	sort.Strings(want)
	for i := range current {
		if current[i] != want[i] {
			return true, nil
		}
	}
	return false, nil
}

// HandleWebhook verifies a push notification and runs an incremental pass
// over the notified scope.
func (e *Engine) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	ws, ok := e.source.(WebhookSource)
	if !ok {
		return apperrors.New(apperrors.KindValidation, "connector.HandleWebhook",
			"connector does not accept webhooks").WithResource(e.source.Name())
	}
	if err := ws.VerifyWebhook(payload, signature); err != nil {
		return apperrors.Wrap(apperrors.KindPermissionDenied, "connector.HandleWebhook", err)
	}

	var notification struct {
		ExternalGroupID string `json:"externalGroupId"`
	}
	if err := json.Unmarshal(payload, &notification); err != nil {
		return apperrors.Wrap(apperrors.KindValidation, "connector.HandleWebhook", err)
	}
	return e.Sync(ctx, notification.ExternalGroupID)
}

// enrichRecord fills in source-side extras before ingestion: a signed
// download URL when the source can mint one, and a content hash when the
// source can stream the body and the record arrived without one. Both are
// best effort; a failing source call downgrades to a log line.
func (e *Engine) enrichRecord(ctx context.Context, record *domain.Record) {
	if signer, ok := e.source.(URLSigner); ok && record.SignedURL == "" {
		url, err := signer.GetSignedURL(ctx, record)
		switch {
		case err != nil:
			e.logger.Warn("signed url unavailable",
				zap.String("externalId", record.ExternalRecordID),
				zap.Error(err))
		case url != "":
			record.SignedURL = url
		}
	}

	streamer, ok := e.source.(Streamer)
	if !ok || !record.IsFile {
		return
	}
	if record.SHA256Hash != "" || record.MD5Hash != "" || record.QuickXorHash != "" {
		return
	}
	body, err := streamer.StreamRecord(ctx, record)
	if err != nil {
		e.logger.Warn("content stream unavailable",
			zap.String("externalId", record.ExternalRecordID),
			zap.Error(err))
		return
	}
	defer body.Close()
	h := sha256.New()
	n, err := io.Copy(h, body)
	if err != nil {
		e.logger.Warn("content hash aborted",
			zap.String("externalId", record.ExternalRecordID),
			zap.Error(err))
		return
	}
	record.SHA256Hash = hex.EncodeToString(h.Sum(nil))
	if record.SizeInBytes == 0 {
		record.SizeInBytes = n
	}
}

// Test probes the source.
func (e *Engine) Test(ctx context.Context) error {
	return e.source.Test(ctx)
}

// Cleanup releases the source's resources.
func (e *Engine) Cleanup(ctx context.Context) error {
	return e.source.Cleanup(ctx)
}

// dispatcher routes classified updates: deletions and updates go straight to
// the processor, new records accumulate into bounded batches.
type dispatcher struct {
	engine  *Engine
	pending []processor.NewRecordItem
}

func (e *Engine) newDispatcher() *dispatcher {
	return &dispatcher{engine: e}
}

func (d *dispatcher) dispatch(ctx context.Context, update *domain.RecordUpdate) error {
	e := d.engine
	switch {
	case update.IsDeleted:
		existing, err := e.store.GetRecordByExternalID(ctx, e.source.Name(), update.ExternalRecordID)
		if err != nil {
			return err
		}
		if existing == nil {
			return nil
		}
		return e.processor.OnRecordDeleted(ctx, existing.Key)

	case update.IsNew:
		e.enrichRecord(ctx, update.Record)
		d.pending = append(d.pending, processor.NewRecordItem{
			Record:      update.Record,
			Permissions: update.NewPermissions,
		})
		if len(d.pending) >= e.batchSize {
			return d.flush(ctx)
		}
		return nil

	default:
		// The changed facets fire sequentially; one entry may hit several.
		if update.MetadataChanged && !update.ContentChanged {
			if err := e.processor.OnRecordMetadataUpdate(ctx, update.Record); err != nil {
				return err
			}
		}
		if update.ContentChanged {
			e.enrichRecord(ctx, update.Record)
			if err := e.processor.OnRecordContentUpdate(ctx, update.Record); err != nil {
				return err
			}
		}
		if update.PermissionsChanged {
			if err := e.processor.OnUpdatedRecordPermissions(ctx, update.Record, update.NewPermissions); err != nil {
				return err
			}
		}
		return nil
	}
}

func (d *dispatcher) flush(ctx context.Context) error {
	if len(d.pending) == 0 {
		return nil
	}
	batch := d.pending
	d.pending = nil
	return d.engine.processor.OnNewRecords(ctx, batch)
}
