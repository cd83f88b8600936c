package domain

import "github.com/google/uuid"

// GroupType identifies the flavour of container a RecordGroup represents.
type GroupType string

const (
	GroupTypeDrive   GroupType = "DRIVE"
	GroupTypeMailbox GroupType = "MAILBOX"
	GroupTypeChannel GroupType = "CHANNEL"
	GroupTypeProject GroupType = "PROJECT"
	GroupTypeLabel   GroupType = "LABEL"
	GroupTypeKB      GroupType = "KNOWLEDGE_BASE"
)

// RecordGroup is a logical container that owns records: a shared drive, a
// mailbox, a label, a channel.
type RecordGroup struct {
	Key                   string    `json:"_key"`
	OrgKey                string    `json:"orgId"`
	ConnectorName         string    `json:"connectorName"`
	GroupType             GroupType `json:"groupType"`
	ExternalGroupID       string    `json:"externalGroupId"`
	ParentExternalGroupID string    `json:"parentExternalGroupId,omitempty"`
	Name                  string    `json:"groupName"`
	Description           string    `json:"description,omitempty"`
	CreatedAt             int64     `json:"createdAtTimestamp"`
	UpdatedAt             int64     `json:"updatedAtTimestamp"`
	Deleted               bool      `json:"isDeleted"`
}

// AppUser is a principal discovered in a source system.
type AppUser struct {
	Key          string `json:"_key"`
	OrgKey       string `json:"orgId"`
	AppName      string `json:"appName"`
	ConnectorKey string `json:"connectorId"`
	SourceUserID string `json:"sourceUserId"`
	Email        string `json:"email"`
	FullName     string `json:"fullName,omitempty"`
	Title        string `json:"title,omitempty"`
	Active       bool   `json:"isActive"`
	CreatedAt    int64  `json:"createdAtTimestamp"`
	UpdatedAt    int64  `json:"updatedAtTimestamp"`
}

// AppUserGroup is a group principal discovered in a source system.
type AppUserGroup struct {
	Key           string `json:"_key"`
	OrgKey        string `json:"orgId"`
	AppName       string `json:"appName"`
	ConnectorKey  string `json:"connectorId"`
	SourceGroupID string `json:"sourceGroupId"`
	Name          string `json:"groupName,omitempty"`
	Email         string `json:"email,omitempty"`
	CreatedAt     int64  `json:"createdAtTimestamp"`
	UpdatedAt     int64  `json:"updatedAtTimestamp"`
}

// externalUserNamespace seeds the deterministic keys of users synthesized
// from a permission email before the user itself has been synced.
var externalUserNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

// ExternalUserKey derives a stable key for an external user from their email.
// Ingesting the same email twice converges on one node.
func ExternalUserKey(email string) string {
	return uuid.NewSHA1(externalUserNamespace, []byte(email)).String()
}

// ExternalGroupKey derives a stable key for a group principal referenced by a
// permission before the group itself has been synced.
func ExternalGroupKey(connector, externalGroupID string) string {
	return uuid.NewSHA1(externalUserNamespace, []byte(connector+"|"+externalGroupID)).String()
}

// Well-known synthetic principal keys. Anyone-access is always modeled as an
// edge from one of these nodes, never as a flag on the record.
const (
	AnyoneKey         = "anyone"
	AnyoneWithLinkKey = "anyoneWithLink"
)

// OrgAnchorKey returns the synthetic principal key anchoring org-wide access.
func OrgAnchorKey(orgKey string) string { return "org-" + orgKey }

// DomainAnchorKey returns the synthetic principal key anchoring domain-wide
// access.
func DomainAnchorKey(domainName string) string { return "domain-" + domainName }
