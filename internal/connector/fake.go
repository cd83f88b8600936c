package connector

import (
	"context"
	"fmt"
	"sync"

	"kortex-backend/internal/domain"
)

// FakeSource is an in-memory source for tests and local development. Entries
// set via SetInventory are served by ListAll; entries queued via QueueChange
// are served by Changes, which advances an integer cursor.
type FakeSource struct {
	name string

	mu        sync.Mutex
	inventory []Entry
	changes   []Entry
	cursor    int
	pageSize  int

	users  []domain.AppUser
	groups []domain.AppUserGroup

	initCalls int
	initErrs  []error
	testErr   error
	cleanedUp bool
}

var (
	_ Source          = (*FakeSource)(nil)
	_ DirectorySource = (*FakeSource)(nil)
)

// NewFakeSource creates a fake serving pages of the given size.
func NewFakeSource(name string, pageSize int) *FakeSource {
	if pageSize <= 0 {
		pageSize = 10
	}
	return &FakeSource{name: name, pageSize: pageSize}
}

func (f *FakeSource) Name() string { return f.name }

// FailInit queues errors returned by successive Init calls.
func (f *FakeSource) FailInit(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initErrs = append(f.initErrs, errs...)
}

func (f *FakeSource) Init(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initCalls++
	if len(f.initErrs) > 0 {
		err := f.initErrs[0]
		f.initErrs = f.initErrs[1:]
		return err
	}
	return nil
}

// InitCalls reports how many times Init ran.
func (f *FakeSource) InitCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.initCalls
}

// SetInventory replaces the full-listing contents.
func (f *FakeSource) SetInventory(entries ...Entry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inventory = entries
}

// SetDirectory replaces the users and groups the fake's directory serves.
func (f *FakeSource) SetDirectory(users []domain.AppUser, groups []domain.AppUserGroup) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users = users
	f.groups = groups
}

func (f *FakeSource) ListUsers(ctx context.Context) ([]domain.AppUser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.AppUser(nil), f.users...), nil
}

func (f *FakeSource) ListGroups(ctx context.Context) ([]domain.AppUserGroup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.AppUserGroup(nil), f.groups...), nil
}

// QueueChange appends entries to the change feed.
func (f *FakeSource) QueueChange(entries ...Entry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.changes = append(f.changes, entries...)
}

func (f *FakeSource) StartPageToken(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fmt.Sprintf("cursor-%d", len(f.changes)), nil
}

func (f *FakeSource) ListAll(ctx context.Context, fn PageFunc) error {
	f.mu.Lock()
	entries := append([]Entry(nil), f.inventory...)
	pageSize := f.pageSize
	f.mu.Unlock()

	for i := 0; i < len(entries); i += pageSize {
		end := i + pageSize
		if end > len(entries) {
			end = len(entries)
		}
		if err := fn(ctx, Page{Entries: entries[i:end]}); err != nil {
			return err
		}
	}
	return nil
}

func (f *FakeSource) Changes(ctx context.Context, cursor string, fn PageFunc) (string, error) {
	f.mu.Lock()
	var from int
	fmt.Sscanf(cursor, "cursor-%d", &from)
	entries := append([]Entry(nil), f.changes[min(from, len(f.changes)):]...)
	next := fmt.Sprintf("cursor-%d", len(f.changes))
	pageSize := f.pageSize
	f.mu.Unlock()

	for i := 0; i < len(entries); i += pageSize {
		end := i + pageSize
		if end > len(entries) {
			end = len(entries)
		}
		if err := fn(ctx, Page{Entries: entries[i:end]}); err != nil {
			return "", err
		}
	}
	return next, nil
}

func (f *FakeSource) Test(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.testErr
}

func (f *FakeSource) Cleanup(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleanedUp = true
	return nil
}

// CleanedUp reports whether Cleanup ran.
func (f *FakeSource) CleanedUp() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cleanedUp
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
