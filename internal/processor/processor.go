// Package processor is the single write path into the graph: every record,
// group, principal and permission mutation flows through its entry points,
// each of which is idempotent and transactional per record.
package processor

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"kortex-backend/internal/domain"
	apperrors "kortex-backend/internal/errors"
	"kortex-backend/internal/graph"
	"kortex-backend/internal/messaging"
	"kortex-backend/internal/observability"
)

// NewRecordItem pairs a normalized record with its source ACL for batch
// ingestion.
type NewRecordItem struct {
	Record      *domain.Record
	Permissions []domain.Permission
}

// Uploader stores a record's serialized content and returns the document id
// it landed in. The blob transformer satisfies this.
type Uploader interface {
	Upload(ctx context.Context, record *domain.Record) (string, error)
}

// Processor ingests records into the graph and announces commits on the
// record-events topic.
type Processor struct {
	store    graph.Store
	producer messaging.Producer
	uploader Uploader
	metrics  *observability.Collector
	logger   *zap.Logger
	now      func() time.Time
}

// Option customizes a Processor.
type Option func(*Processor)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

// WithUploader routes new and revised record content through the document
// store before the graph write, so the committed node carries its virtual
// record id.
func WithUploader(uploader Uploader) Option {
	return func(p *Processor) { p.uploader = uploader }
}

// New wires a processor over the graph store and producer.
func New(store graph.Store, producer messaging.Producer, metrics *observability.Collector, logger *zap.Logger, opts ...Option) *Processor {
	p := &Processor{
		store:    store,
		producer: producer,
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type classification string

const (
	classNew       classification = "new"
	classUpdated   classification = "updated"
	classUnchanged classification = "unchanged"
)

// OnNewRecords ingests a batch. Each record commits in its own transaction;
// a newRecord message is emitted per committed record (consumers distinguish
// first ingestion from revision bumps via version).
func (p *Processor) OnNewRecords(ctx context.Context, batch []NewRecordItem) error {
	if len(batch) == 0 {
		return nil
	}

	msgs := make([]messaging.Message, 0, len(batch))
	for _, item := range batch {
		if item.Record == nil {
			continue
		}
		class, err := p.inTx(ctx, func(tx graph.Tx) (classification, error) {
			return p.ingestRecord(ctx, item.Record, item.Permissions, tx, true)
		})
		if err != nil {
			return err
		}
		p.countRecord(class)
		msgs = append(msgs, messaging.NewMessage(messaging.EventNewRecord, item.Record, p.now().UnixMilli()))
	}
	return p.publish(ctx, msgs)
}

// OnRecordContentUpdate re-ingests a record whose content revision changed.
// Permissions are left untouched.
func (p *Processor) OnRecordContentUpdate(ctx context.Context, record *domain.Record) error {
	class, err := p.inTx(ctx, func(tx graph.Tx) (classification, error) {
		return p.ingestRecord(ctx, record, nil, tx, false)
	})
	if err != nil {
		return err
	}
	p.countRecord(class)
	return p.publish(ctx, []messaging.Message{
		messaging.NewMessage(messaging.EventUpdateRecord, record, p.now().UnixMilli()),
	})
}

// OnRecordMetadataUpdate upserts the record node only; no edges are touched
// and the version does not move.
func (p *Processor) OnRecordMetadataUpdate(ctx context.Context, record *domain.Record) error {
	_, err := p.inTx(ctx, func(tx graph.Tx) (classification, error) {
		existing, err := p.store.GetRecordByExternalID(ctx, record.ConnectorName, record.ExternalRecordID)
		if err != nil {
			return "", err
		}
		if existing != nil {
			record.Key = existing.Key
			record.Version = existing.Version
			record.CreatedAt = existing.CreatedAt
			if record.VirtualRecordID == "" {
				// Metadata updates do not touch content; keep the stored
				// content's fingerprint on the node.
				record.VirtualRecordID = existing.VirtualRecordID
			}
		} else if record.Key == "" {
			record.Key = uuid.NewString()
		}
		record.Touch(p.now())
		if err := p.store.BatchUpsertNodes(ctx, []interface{}{record}, graph.Records, tx); err != nil {
			return "", err
		}
		return classUpdated, nil
	})
	if err != nil {
		return err
	}
	p.countRecord(classUpdated)
	return p.publish(ctx, []messaging.Message{
		messaging.NewMessage(messaging.EventUpdateRecord, record, p.now().UnixMilli()),
	})
}

// OnUpdatedRecordPermissions replaces the record's incoming permission edges
// with the resolved form of the given ACL. This is the only permission
// mutation path after first ingestion.
func (p *Processor) OnUpdatedRecordPermissions(ctx context.Context, record *domain.Record, permissions []domain.Permission) error {
	_, err := p.inTx(ctx, func(tx graph.Tx) (classification, error) {
		key := record.Key
		if key == "" {
			existing, err := p.store.GetRecordByExternalID(ctx, record.ConnectorName, record.ExternalRecordID)
			if err != nil {
				return "", err
			}
			if existing == nil {
				return "", apperrors.New(apperrors.KindNotFound, "processor.OnUpdatedRecordPermissions",
					"record not ingested").WithResource(record.ExternalRecordID)
			}
			key = existing.Key
			record.Key = key
		}

		recordNode := graph.ID(graph.Records, key)
		removed, err := p.store.DeleteEdgesTo(ctx, recordNode, graph.Permissions, tx)
		if err != nil {
			return "", err
		}
		p.logger.Debug("permission edges replaced",
			zap.String("recordKey", key),
			zap.Int("removed", removed),
			zap.Int("inserted", len(permissions)))

		return classUpdated, p.insertPermissionEdges(ctx, record, permissions, tx)
	})
	return err
}

// OnRecordDeleted removes the record node, its type document and every
// incident edge in one transaction, then emits deleteRecord.
func (p *Processor) OnRecordDeleted(ctx context.Context, recordKey string) error {
	record, err := p.store.GetRecordByKey(ctx, recordKey)
	if err != nil {
		return err
	}
	if record == nil {
		// Already gone; deletion is idempotent.
		return nil
	}

	_, err = p.inTx(ctx, func(tx graph.Tx) (classification, error) {
		if err := p.store.DeleteNodesAndEdges(ctx, []string{recordKey}, graph.Records, tx); err != nil {
			return "", err
		}
		typeColl := graph.TypeCollectionFor(record.RecordType)
		if err := p.store.DeleteNodesAndEdges(ctx, []string{recordKey}, typeColl, tx); err != nil {
			return "", err
		}
		return classUpdated, nil
	})
	if err != nil {
		return err
	}
	if p.metrics != nil {
		p.metrics.RecordsProcessed.WithLabelValues("deleted").Inc()
	}

	record.Deleted = true
	return p.publish(ctx, []messaging.Message{
		messaging.NewMessage(messaging.EventDeleteRecord, record, p.now().UnixMilli()),
	})
}

// inTx runs fn inside a fresh transaction, committing on success and aborting
// on failure.
func (p *Processor) inTx(ctx context.Context, fn func(tx graph.Tx) (classification, error)) (classification, error) {
	tx, err := p.store.Begin(ctx)
	if err != nil {
		return "", err
	}
	class, err := fn(tx)
	if err != nil {
		if abortErr := tx.Abort(ctx); abortErr != nil {
			p.logger.Warn("transaction abort failed", zap.Error(abortErr))
		}
		if p.metrics != nil {
			p.metrics.GraphTransactions.WithLabelValues("aborted").Inc()
		}
		return "", err
	}
	if err := tx.Commit(ctx); err != nil {
		if p.metrics != nil {
			p.metrics.GraphTransactions.WithLabelValues("aborted").Inc()
		}
		return "", err
	}
	if p.metrics != nil {
		p.metrics.GraphTransactions.WithLabelValues("committed").Inc()
	}
	return class, nil
}

// ingestRecord runs the full single-record ingestion inside tx: node upsert
// with version semantics, type document, parent linkage, group linkage and,
// when withPermissions is set, permission resolution.
func (p *Processor) ingestRecord(ctx context.Context, record *domain.Record, permissions []domain.Permission, tx graph.Tx, withPermissions bool) (classification, error) {
	existing, err := p.store.GetRecordByExternalID(ctx, record.ConnectorName, record.ExternalRecordID)
	if err != nil {
		return "", err
	}

	now := p.now()
	class := classNew
	switch {
	case existing == nil:
		if record.Key == "" {
			record.Key = uuid.NewString()
		}
		record.Version = 0
	case existing.ExternalRevisionID != record.ExternalRevisionID:
		record.Key = existing.Key
		record.Version = existing.Version + 1
		record.CreatedAt = existing.CreatedAt
		class = classUpdated
	default:
		record.Key = existing.Key
		record.Version = existing.Version
		record.CreatedAt = existing.CreatedAt
		class = classUnchanged
	}

	if class != classUnchanged {
		if p.uploader != nil {
			documentID, err := p.uploader.Upload(ctx, record)
			if err != nil {
				return "", err
			}
			p.logger.Debug("record content stored",
				zap.String("recordKey", record.Key),
				zap.String("virtualRecordId", record.VirtualRecordID),
				zap.String("documentId", documentID))
		}
		record.Touch(now)
		if err := p.upsertRecordWithType(ctx, record, tx, now); err != nil {
			return "", err
		}
	}

	if err := p.linkParent(ctx, record, tx, now); err != nil {
		return "", err
	}
	if err := p.linkGroup(ctx, record, tx, now); err != nil {
		return "", err
	}
	if withPermissions {
		if err := p.insertPermissionEdges(ctx, record, permissions, tx); err != nil {
			return "", err
		}
	}
	return class, nil
}

// upsertRecordWithType writes the record node, its type-specific document and
// the isOfType edge. The type document shares the record's key.
func (p *Processor) upsertRecordWithType(ctx context.Context, record *domain.Record, tx graph.Tx, now time.Time) error {
	if err := p.store.BatchUpsertNodes(ctx, []interface{}{record}, graph.Records, tx); err != nil {
		return err
	}

	typeColl := graph.TypeCollectionFor(record.RecordType)
	typeDoc := &graph.TypeDocument{
		Key:         record.Key,
		OrgKey:      record.OrgKey,
		RecordKey:   record.Key,
		RecordType:  record.RecordType,
		Name:        record.RecordName,
		MimeType:    record.MimeType,
		SizeInBytes: record.SizeInBytes,
		Extension:   record.Extension,
		IsFile:      record.IsFile,
		WebURL:      record.WebURL,
	}
	if err := p.store.BatchUpsertNodes(ctx, []interface{}{typeDoc}, typeColl, tx); err != nil {
		return err
	}

	edge := graph.Edge{
		From:      graph.ID(graph.Records, record.Key),
		To:        graph.ID(typeColl, record.Key),
		CreatedAt: now.UnixMilli(),
	}
	return p.store.BatchCreateEdges(ctx, []graph.Edge{edge}, graph.IsOfType, tx)
}

// linkParent creates the parent-child edge. A missing FILE parent of a FILE
// child is synthesized as a placeholder folder; a missing MAIL parent defers
// the edge to a later pass.
func (p *Processor) linkParent(ctx context.Context, record *domain.Record, tx graph.Tx, now time.Time) error {
	if record.ParentExternalID == "" {
		return nil
	}

	parent, err := p.store.GetRecordByExternalID(ctx, record.ConnectorName, record.ParentExternalID)
	if err != nil {
		return err
	}
	if parent == nil {
		if record.ParentRecordType != domain.RecordTypeFile || record.RecordType != domain.RecordTypeFile {
			p.logger.Debug("parent not yet ingested, deferring relation edge",
				zap.String("recordKey", record.Key),
				zap.String("parentExternalId", record.ParentExternalID),
				zap.String("parentType", string(record.ParentRecordType)))
			return nil
		}
		parent = &domain.Record{
			Key:              uuid.NewString(),
			OrgKey:           record.OrgKey,
			ConnectorName:    record.ConnectorName,
			ConnectorKey:     record.ConnectorKey,
			RecordName:       record.ParentExternalID,
			ExternalRecordID: record.ParentExternalID,
			ExternalGroupID:  record.ExternalGroupID,
			RecordType:       domain.RecordTypeFile,
			Origin:           record.Origin,
			MimeType:         domain.PlaceholderFolderMime,
			IsFile:           false,
			IndexingStatus:   domain.IndexingNotStarted,
			ExtractionStatus: domain.IndexingNotStarted,
		}
		parent.Touch(now)
		if err := p.upsertRecordWithType(ctx, parent, tx, now); err != nil {
			return err
		}
	}

	relation := graph.RelationParentChild
	if record.RecordType == domain.RecordTypeFile && parent.RecordType == domain.RecordTypeMail {
		relation = graph.RelationAttachment
	}
	edge := graph.Edge{
		From:      graph.ID(graph.Records, parent.Key),
		To:        graph.ID(graph.Records, record.Key),
		Type:      relation,
		CreatedAt: now.UnixMilli(),
	}
	return p.store.BatchCreateEdges(ctx, []graph.Edge{edge}, graph.RecordRelations, tx)
}

// linkGroup ensures the record's group exists and creates the belongsTo edge.
func (p *Processor) linkGroup(ctx context.Context, record *domain.Record, tx graph.Tx, now time.Time) error {
	if record.ExternalGroupID == "" {
		return nil
	}

	group, err := p.store.GetRecordGroupByExternalID(ctx, record.ConnectorName, record.ExternalGroupID)
	if err != nil {
		return err
	}
	if group == nil {
		group = &domain.RecordGroup{
			Key:             uuid.NewString(),
			OrgKey:          record.OrgKey,
			ConnectorName:   record.ConnectorName,
			GroupType:       groupTypeFor(record.RecordType),
			ExternalGroupID: record.ExternalGroupID,
			Name:            record.ExternalGroupID,
			CreatedAt:       now.UnixMilli(),
			UpdatedAt:       now.UnixMilli(),
		}
		if err := p.store.BatchUpsertNodes(ctx, []interface{}{group}, graph.RecordGroups, tx); err != nil {
			return err
		}
	}

	edge := graph.Edge{
		From:      graph.ID(graph.Records, record.Key),
		To:        graph.ID(graph.RecordGroups, group.Key),
		CreatedAt: now.UnixMilli(),
	}
	return p.store.BatchCreateEdges(ctx, []graph.Edge{edge}, graph.BelongsTo, tx)
}

func groupTypeFor(t domain.RecordType) domain.GroupType {
	switch t {
	case domain.RecordTypeMail:
		return domain.GroupTypeMailbox
	case domain.RecordTypeMessage:
		return domain.GroupTypeChannel
	case domain.RecordTypeTicket, domain.RecordTypeProject:
		return domain.GroupTypeProject
	default:
		return domain.GroupTypeDrive
	}
}

// insertPermissionEdges resolves each ACL entry to a principal node and
// creates the principal → record edge.
func (p *Processor) insertPermissionEdges(ctx context.Context, record *domain.Record, permissions []domain.Permission, tx graph.Tx) error {
	if len(permissions) == 0 {
		return nil
	}

	now := p.now()
	recordNode := graph.ID(graph.Records, record.Key)
	edges := make([]graph.Edge, 0, len(permissions))
	for _, perm := range permissions {
		principal, err := p.resolvePrincipal(ctx, record, perm, tx, now)
		if err != nil {
			return err
		}
		if principal == "" {
			continue
		}
		edges = append(edges, graph.Edge{
			From:       principal,
			To:         recordNode,
			Type:       string(perm.Type),
			EntityType: string(perm.Entity),
			CreatedAt:  now.UnixMilli(),
		})
	}
	if len(edges) == 0 {
		return nil
	}
	return p.store.BatchCreateEdges(ctx, edges, graph.Permissions, tx)
}

// syntheticPrincipal anchors access grants that do not name a concrete user
// or group: anyone, anyone-with-link, org-wide and domain-wide.
type syntheticPrincipal struct {
	Key    string `json:"_key"`
	OrgKey string `json:"orgId,omitempty"`
	Kind   string `json:"kind"`
}

func (s *syntheticPrincipal) DocumentKey() string { return s.Key }

// ResolvePrincipalID derives the principal node id one ACL entry resolves to,
// without creating anything. USER and GROUP entries not yet in the graph get
// the deterministic key their external node would be created under, so the
// derivation is stable across lookups and ingestion. Unresolvable entries map
// to an empty id.
func ResolvePrincipalID(ctx context.Context, store graph.Store, record *domain.Record, perm domain.Permission) (graph.NodeID, error) {
	switch perm.Entity {
	case domain.EntityUser:
		if perm.Email == "" {
			return "", nil
		}
		user, err := store.GetUserByEmail(ctx, perm.Email)
		if err != nil {
			return "", err
		}
		if user != nil {
			return graph.ID(graph.Users, user.Key), nil
		}
		return graph.ID(graph.Users, domain.ExternalUserKey(perm.Email)), nil

	case domain.EntityGroup:
		if perm.ExternalID == "" {
			return "", nil
		}
		group, err := store.GetUserGroupByExternalID(ctx, record.ConnectorName, perm.ExternalID)
		if err != nil {
			return "", err
		}
		if group != nil {
			return graph.ID(graph.Groups, group.Key), nil
		}
		return graph.ID(graph.Groups, domain.ExternalGroupKey(record.ConnectorName, perm.ExternalID)), nil

	case domain.EntityOrg:
		return graph.ID(graph.Groups, domain.OrgAnchorKey(record.OrgKey)), nil

	case domain.EntityDomain:
		name := perm.ExternalID
		if name == "" {
			name = perm.Email
		}
		if name == "" {
			return "", nil
		}
		return graph.ID(graph.Groups, domain.DomainAnchorKey(name)), nil

	case domain.EntityAnyone:
		return graph.ID(graph.Groups, domain.AnyoneKey), nil

	case domain.EntityAnyoneWithLink:
		return graph.ID(graph.Groups, domain.AnyoneWithLinkKey), nil

	default:
		return "", apperrors.New(apperrors.KindValidation, "processor.ResolvePrincipalID",
			"unknown permission entity "+string(perm.Entity))
	}
}

// resolvePrincipal maps one ACL entry to a principal node id, creating the
// node when the principal has not been synced yet. An unresolvable entry
// returns an empty id and is skipped.
func (p *Processor) resolvePrincipal(ctx context.Context, record *domain.Record, perm domain.Permission, tx graph.Tx, now time.Time) (graph.NodeID, error) {
	id, err := ResolvePrincipalID(ctx, p.store, record, perm)
	if err != nil || id == "" {
		if err == nil {
			p.logger.Warn("unresolvable permission entry skipped",
				zap.String("recordKey", record.Key),
				zap.String("entity", string(perm.Entity)),
				zap.String("externalId", perm.ExternalID))
		}
		return id, err
	}

	switch perm.Entity {
	case domain.EntityUser:
		user, err := p.store.GetUserByEmail(ctx, perm.Email)
		if err != nil {
			return "", err
		}
		if user == nil {
			external := &domain.AppUser{
				Key:       domain.ExternalUserKey(perm.Email),
				OrgKey:    record.OrgKey,
				AppName:   record.ConnectorName,
				Email:     perm.Email,
				Active:    false,
				CreatedAt: now.UnixMilli(),
				UpdatedAt: now.UnixMilli(),
			}
			if err := p.store.BatchUpsertNodes(ctx, []interface{}{external}, graph.Users, tx); err != nil {
				return "", err
			}
		}

	case domain.EntityGroup:
		group, err := p.store.GetUserGroupByExternalID(ctx, record.ConnectorName, perm.ExternalID)
		if err != nil {
			return "", err
		}
		if group == nil {
			placeholder := &domain.AppUserGroup{
				Key:           domain.ExternalGroupKey(record.ConnectorName, perm.ExternalID),
				OrgKey:        record.OrgKey,
				AppName:       record.ConnectorName,
				ConnectorKey:  record.ConnectorKey,
				SourceGroupID: perm.ExternalID,
				Email:         perm.Email,
				CreatedAt:     now.UnixMilli(),
				UpdatedAt:     now.UnixMilli(),
			}
			if err := p.store.BatchUpsertNodes(ctx, []interface{}{placeholder}, graph.Groups, tx); err != nil {
				return "", err
			}
		}

	case domain.EntityOrg:
		return p.upsertSynthetic(ctx, domain.OrgAnchorKey(record.OrgKey), record.OrgKey, "ORG", tx)
	case domain.EntityDomain:
		name := perm.ExternalID
		if name == "" {
			name = perm.Email
		}
		return p.upsertSynthetic(ctx, domain.DomainAnchorKey(name), record.OrgKey, "DOMAIN", tx)
	case domain.EntityAnyone:
		return p.upsertSynthetic(ctx, domain.AnyoneKey, "", "ANYONE", tx)
	case domain.EntityAnyoneWithLink:
		return p.upsertSynthetic(ctx, domain.AnyoneWithLinkKey, "", "ANYONE_WITH_LINK", tx)
	}
	return id, nil
}

func (p *Processor) upsertSynthetic(ctx context.Context, key, orgKey, kind string, tx graph.Tx) (graph.NodeID, error) {
	node := &syntheticPrincipal{Key: key, OrgKey: orgKey, Kind: kind}
	if err := p.store.BatchUpsertNodes(ctx, []interface{}{node}, graph.Groups, tx); err != nil {
		return "", err
	}
	return graph.ID(graph.Groups, key), nil
}

func (p *Processor) countRecord(class classification) {
	if p.metrics == nil {
		return
	}
	p.metrics.RecordsProcessed.WithLabelValues(string(class)).Inc()
}

func (p *Processor) publish(ctx context.Context, msgs []messaging.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	if err := p.producer.PublishBatch(ctx, msgs); err != nil {
		if p.metrics != nil {
			p.metrics.PublishFailures.Add(float64(len(msgs)))
		}
		return err
	}
	if p.metrics != nil {
		for _, msg := range msgs {
			p.metrics.MessagesPublished.WithLabelValues(string(msg.EventType)).Inc()
		}
	}
	return nil
}
