package graph

import (
	"fmt"

	"kortex-backend/internal/domain"
	apperrors "kortex-backend/internal/errors"
)

// docMeta carries the index attributes a store implementation maintains
// alongside the serialized document.
type docMeta struct {
	Key        string
	Connector  string
	ExternalID string
	Email      string
	OrgKey     string
	Active     bool
	HasActive  bool
}

// metaFor extracts index attributes from the documents the pipeline persists.
func metaFor(doc interface{}) (docMeta, error) {
	switch d := doc.(type) {
	case *domain.Record:
		return docMeta{Key: d.Key, Connector: d.ConnectorName, ExternalID: d.ExternalRecordID, OrgKey: d.OrgKey}, nil
	case domain.Record:
		return metaFor(&d)
	case *domain.RecordGroup:
		return docMeta{Key: d.Key, Connector: d.ConnectorName, ExternalID: d.ExternalGroupID, OrgKey: d.OrgKey}, nil
	case domain.RecordGroup:
		return metaFor(&d)
	case *domain.AppUser:
		return docMeta{Key: d.Key, Connector: d.AppName, ExternalID: d.SourceUserID, Email: d.Email, OrgKey: d.OrgKey, Active: d.Active, HasActive: true}, nil
	case domain.AppUser:
		return metaFor(&d)
	case *domain.AppUserGroup:
		return docMeta{Key: d.Key, Connector: d.AppName, ExternalID: d.SourceGroupID, Email: d.Email, OrgKey: d.OrgKey}, nil
	case domain.AppUserGroup:
		return metaFor(&d)
	case *TypeDocument:
		return docMeta{Key: d.Key, OrgKey: d.OrgKey}, nil
	case TypeDocument:
		return metaFor(&d)
	case *domain.Org:
		return docMeta{Key: d.Key}, nil
	case domain.Org:
		return metaFor(&d)
	case Keyed:
		return docMeta{Key: d.DocumentKey()}, nil
	default:
		return docMeta{}, apperrors.New(apperrors.KindIntegrity, "graph.metaFor",
			fmt.Sprintf("unsupported document type %T", doc))
	}
}
