// Package syncpoint persists per-connector cursors and page tokens so
// incremental syncs can resume where the last run stopped.
package syncpoint

import (
	"context"
	"encoding/json"

	apperrors "kortex-backend/internal/errors"
)

// Store is a durable map of sync key to a small JSON blob. Get on a missing
// key returns an empty blob, not an error; Update is an atomic
// read-modify-write.
type Store interface {
	Get(ctx context.Context, key string) (json.RawMessage, error)
	Set(ctx context.Context, key string, value json.RawMessage) error
	Update(ctx context.Context, key string, fn func(current json.RawMessage) (json.RawMessage, error)) error
	Delete(ctx context.Context, key string) error
}

// Key builders. Keys compose a scope (records/users/groups) with the
// connector instance and resource identifiers.

// RecordsKey scopes a cursor to one record container for one principal.
func RecordsKey(externalGroupID, principalID string) string {
	return "records|" + externalGroupID + "|" + principalID
}

// UsersKey scopes the principal-discovery cursor of one connector instance.
func UsersKey(instance string) string {
	return "users|" + instance
}

// GroupsKey scopes the group-discovery cursor of one connector instance.
func GroupsKey(instance string) string {
	return "groups|" + instance
}

// MigrationKey scopes a migration completion flag.
func MigrationKey(name string) string {
	return "/migrations/" + name + "_v1"
}

// GetJSON decodes the blob at key into target. Missing keys leave target
// untouched and report found=false.
func GetJSON(ctx context.Context, s Store, key string, target interface{}) (bool, error) {
	raw, err := s.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if len(raw) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return false, apperrors.Wrap(apperrors.KindIntegrity, "syncpoint.GetJSON", err)
	}
	return true, nil
}

// SetJSON encodes value and stores it at key.
func SetJSON(ctx context.Context, s Store, key string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return apperrors.Wrap(apperrors.KindIntegrity, "syncpoint.SetJSON", err)
	}
	return s.Set(ctx, key, raw)
}
