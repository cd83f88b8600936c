// Package graph defines the transactional graph store the ingestion pipeline
// writes through: typed node collections, typed edge collections, and a
// transaction handle that commits a record's node and edges atomically.
package graph

import (
	"context"

	"kortex-backend/internal/domain"
)

// Collection names a typed node or edge collection.
type Collection string

// Node collections.
const (
	Records       Collection = "records"
	Files         Collection = "files"
	Mails         Collection = "mails"
	RecordGroups  Collection = "recordGroups"
	Users         Collection = "users"
	Groups        Collection = "groups"
	Organizations Collection = "organizations"
	Apps          Collection = "apps"
)

// Edge collections.
const (
	IsOfType            Collection = "isOfType"
	RecordRelations     Collection = "recordRelations"
	BelongsTo           Collection = "belongsTo"
	Permissions         Collection = "permissions"
	BelongsToDepartment Collection = "belongsToDepartment"
)

// EdgeCollections lists every edge collection, for incident-edge cleanup.
var EdgeCollections = []Collection{
	IsOfType, RecordRelations, BelongsTo, Permissions, BelongsToDepartment,
}

// Relation types carried on recordRelations edges.
const (
	RelationParentChild = "PARENT_CHILD"
	RelationAttachment  = "ATTACHMENT"
)

// NodeID is a collection-qualified node identifier, "collection/key".
type NodeID string

// ID builds a qualified node identifier.
func ID(coll Collection, key string) NodeID {
	return NodeID(string(coll) + "/" + key)
}

// Edge is a directed, attributed edge. Upsert identity is (From, To) within a
// collection.
type Edge struct {
	From NodeID `json:"_from"`
	To   NodeID `json:"_to"`
	// Type holds the relation type on recordRelations edges and the
	// permission type on permission edges.
	Type string `json:"type,omitempty"`
	// EntityType is set on permission edges (USER, GROUP, ORG, ...).
	EntityType string `json:"entityType,omitempty"`
	CreatedAt  int64  `json:"createdAtTimestamp,omitempty"`
}

// Tx is a transaction handle. All writes registered through a Tx commit or
// abort together.
type Tx interface {
	Commit(ctx context.Context) error
	Abort(ctx context.Context) error
}

// TypeDocument is the type-specific document a record's isOfType edge points
// at (files or mails collection).
type TypeDocument struct {
	Key         string            `json:"_key"`
	OrgKey      string            `json:"orgId"`
	RecordKey   string            `json:"recordKey"`
	RecordType  domain.RecordType `json:"recordType"`
	Name        string            `json:"name"`
	MimeType    string            `json:"mimeType,omitempty"`
	SizeInBytes int64             `json:"sizeInBytes,omitempty"`
	Extension   string            `json:"extension,omitempty"`
	IsFile      bool              `json:"isFile"`
	WebURL      string            `json:"webUrl,omitempty"`
}

// TypeCollectionFor returns the node collection holding the type-specific
// document for a record type.
func TypeCollectionFor(t domain.RecordType) Collection {
	if t == domain.RecordTypeMail {
		return Mails
	}
	return Files
}

// Store is the transactional graph surface the pipeline consumes. Lookup
// helpers return (nil, nil) when nothing matches.
type Store interface {
	Begin(ctx context.Context) (Tx, error)

	BatchUpsertNodes(ctx context.Context, docs []interface{}, coll Collection, tx Tx) error
	BatchCreateEdges(ctx context.Context, edges []Edge, coll Collection, tx Tx) error

	GetRecordByExternalID(ctx context.Context, connector, externalID string) (*domain.Record, error)
	GetRecordByKey(ctx context.Context, key string) (*domain.Record, error)
	GetRecordGroupByExternalID(ctx context.Context, connector, externalGroupID string) (*domain.RecordGroup, error)
	GetUserByEmail(ctx context.Context, email string) (*domain.AppUser, error)
	GetUserGroupByExternalID(ctx context.Context, connector, externalID string) (*domain.AppUserGroup, error)

	EdgesTo(ctx context.Context, to NodeID, coll Collection) ([]Edge, error)
	EdgesFrom(ctx context.Context, from NodeID, coll Collection) ([]Edge, error)
	DeleteEdgesTo(ctx context.Context, to NodeID, coll Collection, tx Tx) (int, error)
	DeleteEdgesFrom(ctx context.Context, from NodeID, coll Collection, tx Tx) error
	DeleteEdge(ctx context.Context, from, to NodeID, coll Collection, tx Tx) (bool, error)
	DeleteNodesAndEdges(ctx context.Context, keys []string, coll Collection, tx Tx) error

	GetAllOrgs(ctx context.Context) ([]domain.Org, error)
	GetUsers(ctx context.Context, orgKey string, active bool) ([]domain.AppUser, error)

	// ListRecordKeys enumerates every record key, for maintenance jobs.
	ListRecordKeys(ctx context.Context) ([]string, error)
}

// Keyed is implemented by every document the store persists.
type Keyed interface {
	DocumentKey() string
}
