package domain

import "time"

// RecordUpdate is the transient classification of one source observation.
// The sync engine produces one per entry; the dispatcher routes it into the
// entities processor.
type RecordUpdate struct {
	Record             *Record
	ExternalRecordID   string
	IsNew              bool
	IsUpdated          bool
	IsDeleted          bool
	MetadataChanged    bool
	ContentChanged     bool
	PermissionsChanged bool
	OldPermissions     []Permission
	NewPermissions     []Permission
}

// Mapping links a content fingerprint to the blob document that stores the
// serialized record. Multiple logical records with identical payloads share
// one row.
type Mapping struct {
	VirtualRecordID string    `json:"_key"`
	DocumentID      string    `json:"documentId"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Org is a tenant.
type Org struct {
	Key    string `json:"_key"`
	Name   string `json:"name"`
	Domain string `json:"domain,omitempty"`
}
