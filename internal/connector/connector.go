// Package connector hosts the generic sync engine and the capability set
// every source integration implements. Connectors are value types registered
// in a map by name; the engine drives them through the per-entry state
// machine and routes the resulting updates into the entities processor.
package connector

import (
	"context"
	"io"
	"sort"
	"sync"

	"kortex-backend/internal/auth"
	"kortex-backend/internal/domain"
	apperrors "kortex-backend/internal/errors"
)

// Entry is one observation from a source listing or change feed.
type Entry struct {
	// ExternalID identifies the source object even when Record is absent
	// (tombstones carry no payload).
	ExternalID  string
	Record      *domain.Record
	Permissions []domain.Permission
	// Removed marks a tombstone.
	Removed bool
}

// Page is one batch of entries from a listing.
type Page struct {
	Entries []Entry
}

// PageFunc consumes one page; returning an error stops the listing.
type PageFunc func(ctx context.Context, page Page) error

// Source is the capability set a connector implements.
type Source interface {
	// Name is the connector name ("drive", "gmail", ...); it doubles as the
	// rate-limit bucket.
	Name() string
	// Init loads config and credentials and constructs the SDK client.
	Init(ctx context.Context) error
	// StartPageToken captures the change cursor valid at call time. The
	// engine calls it before a full listing so the first incremental run is
	// a superset of writes that happen during the listing.
	StartPageToken(ctx context.Context) (string, error)
	// ListAll streams the full inventory in pages.
	ListAll(ctx context.Context, fn PageFunc) error
	// Changes replays the change feed from cursor and returns the cursor to
	// store for the next run.
	Changes(ctx context.Context, cursor string, fn PageFunc) (string, error)
	// Test is a lightweight connectivity and access probe.
	Test(ctx context.Context) error
	// Cleanup releases SDK resources.
	Cleanup(ctx context.Context) error
}

// URLSigner is implemented by sources that can mint signed download URLs.
type URLSigner interface {
	GetSignedURL(ctx context.Context, record *domain.Record) (string, error)
}

// Streamer is implemented by sources that can stream record content.
type Streamer interface {
	StreamRecord(ctx context.Context, record *domain.Record) (io.ReadCloser, error)
}

// WebhookSource is implemented by sources that accept push notifications.
// The engine translates a verified webhook into an incremental sync.
type WebhookSource interface {
	VerifyWebhook(payload []byte, signature string) error
}

// DirectorySource is implemented by sources that can enumerate the tenant's
// users and groups, so principals exist in the graph before any record names
// them.
type DirectorySource interface {
	ListUsers(ctx context.Context) ([]domain.AppUser, error)
	ListGroups(ctx context.Context) ([]domain.AppUserGroup, error)
}

// Factory builds a source for one connector instance. The token manager hands
// out the instance's OAuth tokens; sources for unauthenticated systems ignore
// it.
type Factory func(instanceKey string, tokens *auth.TokenManager) (Source, error)

// Registry maps connector names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under name. Re-registering a name panics: that is
// always a wiring bug.
func (r *Registry) Register(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; exists {
		panic("connector already registered: " + name)
	}
	r.factories[name] = factory
}

// New builds a source for the named connector.
func (r *Registry) New(name, instanceKey string, tokens *auth.TokenManager) (Source, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, apperrors.New(apperrors.KindNotFound, "connector.New",
			"unknown connector").WithResource(name)
	}
	return factory(instanceKey, tokens)
}

// Names lists registered connectors, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
