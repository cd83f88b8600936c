package domain

// PermissionEntity says what kind of principal a permission names.
type PermissionEntity string

const (
	EntityUser           PermissionEntity = "USER"
	EntityGroup          PermissionEntity = "GROUP"
	EntityOrg            PermissionEntity = "ORG"
	EntityDomain         PermissionEntity = "DOMAIN"
	EntityAnyone         PermissionEntity = "ANYONE"
	EntityAnyoneWithLink PermissionEntity = "ANYONE_WITH_LINK"
)

// PermissionType is the access level granted.
type PermissionType string

const (
	PermissionOwner   PermissionType = "OWNER"
	PermissionWrite   PermissionType = "WRITE"
	PermissionComment PermissionType = "COMMENT"
	PermissionRead    PermissionType = "READ"
)

// Permission describes one ACL entry from a principal to a resource as the
// source reports it, before principal resolution.
type Permission struct {
	Entity     PermissionEntity `json:"entityType"`
	Type       PermissionType   `json:"type"`
	ExternalID string           `json:"externalId,omitempty"`
	Email      string           `json:"email,omitempty"`
}
