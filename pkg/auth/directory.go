package auth

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/platinummonkey/consortium/pkg/errs"
	"github.com/platinummonkey/consortium/pkg/store"
)

// Directory is the read-only librarian directory
type Directory interface {
	// FindLibrarian returns the account registered under username or an
	// errs.ErrNotFound error
	FindLibrarian(ctx context.Context, username string) (*LibrarianAccount, error)
}

// StoreDirectory reads librarian accounts from the librarianaccounts
// collection and caches hits for a short time.
type StoreDirectory struct {
	store store.Store
	cache *expirable.LRU[string, LibrarianAccount]
}

// NewStoreDirectory creates a cached directory; ttl <= 0 disables caching
func NewStoreDirectory(s store.Store, size int, ttl time.Duration) *StoreDirectory {
	d := &StoreDirectory{store: s}
	if ttl > 0 {
		if size <= 0 {
			size = 256
		}
		d.cache = expirable.NewLRU[string, LibrarianAccount](size, nil, ttl)
	}
	return d
}

// FindLibrarian implements Directory
func (d *StoreDirectory) FindLibrarian(ctx context.Context, username string) (*LibrarianAccount, error) {
	if d.cache != nil {
		if acct, ok := d.cache.Get(username); ok {
			return &acct, nil
		}
	}

	accounts, err := store.GetAll[LibrarianAccount](ctx, d.store, store.CollectionLibrarianAccounts)
	if err != nil {
		return nil, err
	}

	for _, acct := range accounts {
		if d.cache != nil {
			d.cache.Add(acct.Username, acct)
		}
	}
	for i := range accounts {
		if accounts[i].Username == username {
			return &accounts[i], nil
		}
	}
	return nil, errs.NotFound("librarian", username)
}

// Purge drops every cached account
func (d *StoreDirectory) Purge() {
	if d.cache != nil {
		d.cache.Purge()
	}
}
