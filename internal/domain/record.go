// Package domain holds the normalized entities every connector produces and
// every downstream component consumes: records, record groups, principals,
// permissions and the transient classification wrapper emitted by sync runs.
package domain

import "time"

// RecordType identifies the type-specific document a record points at.
type RecordType string

const (
	RecordTypeFile     RecordType = "FILE"
	RecordTypeMail     RecordType = "MAIL"
	RecordTypeMessage  RecordType = "MESSAGE"
	RecordTypeWebpage  RecordType = "WEBPAGE"
	RecordTypeTicket   RecordType = "TICKET"
	RecordTypeProject  RecordType = "PROJECT"
	RecordTypeSQLTable RecordType = "SQL_TABLE"
	RecordTypeSQLView  RecordType = "SQL_VIEW"
	RecordTypeDrive    RecordType = "DRIVE"
	RecordTypeFolder   RecordType = "FOLDER"
)

// Origin says how a record entered the system.
type Origin string

const (
	OriginConnector Origin = "CONNECTOR"
	OriginUpload    Origin = "UPLOAD"
)

// IndexingStatus tracks a record through the downstream indexer.
type IndexingStatus string

const (
	IndexingNotStarted           IndexingStatus = "NOT_STARTED"
	IndexingInProgress           IndexingStatus = "IN_PROGRESS"
	IndexingCompleted            IndexingStatus = "COMPLETED"
	IndexingFailed               IndexingStatus = "FAILED"
	IndexingFileTypeNotSupported IndexingStatus = "FILE_TYPE_NOT_SUPPORTED"
	IndexingAutoIndexOff         IndexingStatus = "AUTO_INDEX_OFF"
	IndexingEmpty                IndexingStatus = "EMPTY"
	IndexingQueued               IndexingStatus = "QUEUED"
	IndexingConnectorDisabled    IndexingStatus = "CONNECTOR_DISABLED"
	IndexingPaused               IndexingStatus = "PAUSED"
)

// PlaceholderFolderMime marks parent records synthesized before their real
// metadata has been observed.
const PlaceholderFolderMime = "application/vnd.folder"

// Record is one unit of indexable content, the primary graph node type.
// Key is internal and opaque; ExternalRecordID is the source system's ID.
type Record struct {
	Key                string     `json:"_key"`
	OrgKey             string     `json:"orgId"`
	ConnectorName      string     `json:"connectorName"`
	ConnectorKey       string     `json:"connectorId"`
	RecordName         string     `json:"recordName"`
	ExternalRecordID   string     `json:"externalRecordId"`
	ExternalRevisionID string     `json:"externalRevisionId,omitempty"`
	RecordType         RecordType `json:"recordType"`
	ParentExternalID   string     `json:"parentExternalRecordId,omitempty"`
	ParentRecordType   RecordType `json:"parentRecordType,omitempty"`
	ExternalGroupID    string     `json:"externalGroupId,omitempty"`
	Origin             Origin     `json:"origin"`
	Version            int64      `json:"version"`

	CreatedAt        int64 `json:"createdAtTimestamp"`
	UpdatedAt        int64 `json:"updatedAtTimestamp"`
	SourceCreatedAt  int64 `json:"sourceCreatedAtTimestamp,omitempty"`
	SourceModifiedAt int64 `json:"sourceLastModifiedTimestamp,omitempty"`
	LastSyncAt       int64 `json:"lastSyncTimestamp,omitempty"`

	MimeType  string `json:"mimeType,omitempty"`
	WebURL    string `json:"webUrl,omitempty"`
	SignedURL string `json:"signedUrl,omitempty"`

	MD5Hash      string `json:"md5Hash,omitempty"`
	SHA1Hash     string `json:"sha1Hash,omitempty"`
	SHA256Hash   string `json:"sha256Hash,omitempty"`
	QuickXorHash string `json:"quickXorHash,omitempty"`
	CRC32Hash    string `json:"crc32Hash,omitempty"`
	SizeInBytes  int64  `json:"sizeInBytes,omitempty"`
	Extension    string `json:"extension,omitempty"`

	IndexingStatus   IndexingStatus `json:"indexingStatus"`
	ExtractionStatus IndexingStatus `json:"extractionStatus"`

	IsLatestVersion bool   `json:"isLatestVersion"`
	IsDirty         bool   `json:"isDirty"`
	IsFile          bool   `json:"isFile"`
	VirtualRecordID string `json:"virtualRecordId,omitempty"`
	Shared          bool   `json:"isShared"`
	Deleted         bool   `json:"isDeleted"`
}

// Touch stamps the update and last-sync timestamps with now.
func (r *Record) Touch(now time.Time) {
	ms := now.UnixMilli()
	r.UpdatedAt = ms
	r.LastSyncAt = ms
	if r.CreatedAt == 0 {
		r.CreatedAt = ms
	}
}

// KafkaRecord is the event payload published on record-events.
type KafkaRecord struct {
	Key                string     `json:"_key"`
	OrgKey             string     `json:"orgId"`
	ConnectorName      string     `json:"connectorName"`
	RecordName         string     `json:"recordName"`
	RecordType         RecordType `json:"recordType"`
	ExternalRecordID   string     `json:"externalRecordId"`
	ExternalRevisionID string     `json:"externalRevisionId,omitempty"`
	Version            int64      `json:"version"`
	Origin             Origin     `json:"origin"`
	MimeType           string     `json:"mimeType,omitempty"`
	SizeInBytes        int64      `json:"sizeInBytes,omitempty"`
	Extension          string     `json:"extension,omitempty"`
	VirtualRecordID    string     `json:"virtualRecordId,omitempty"`
	SignedURL          string     `json:"signedUrl,omitempty"`
	UpdatedAt          int64      `json:"updatedAtTimestamp"`
}

// ToKafkaRecord projects the record onto the wire payload consumed by the
// downstream indexers.
func (r *Record) ToKafkaRecord() KafkaRecord {
	return KafkaRecord{
		Key:                r.Key,
		OrgKey:             r.OrgKey,
		ConnectorName:      r.ConnectorName,
		RecordName:         r.RecordName,
		RecordType:         r.RecordType,
		ExternalRecordID:   r.ExternalRecordID,
		ExternalRevisionID: r.ExternalRevisionID,
		Version:            r.Version,
		Origin:             r.Origin,
		MimeType:           r.MimeType,
		SizeInBytes:        r.SizeInBytes,
		Extension:          r.Extension,
		VirtualRecordID:    r.VirtualRecordID,
		SignedURL:          r.SignedURL,
		UpdatedAt:          r.UpdatedAt,
	}
}
