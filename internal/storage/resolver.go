package storage

import (
	"context"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
)

// Resolver maps connection names to accounts and caches opened accounts by
// connection string.
type Resolver struct {
	mu          sync.Mutex
	connections map[string]string
	accounts    map[string]*Account
}

// NewResolver creates a resolver over named connection strings.
func NewResolver(connections map[string]string) *Resolver {
	named := make(map[string]string, len(connections))
	for k, v := range connections {
		named[strings.ToLower(k)] = v
	}
	return &Resolver{connections: named, accounts: make(map[string]*Account)}
}

// Add pre-registers an account under a connection string.
func (r *Resolver) Add(connectionString string, acct *Account) {
	r.mu.Lock()
	r.accounts[connectionString] = acct
	r.mu.Unlock()
}

// ConnectionString returns the connection string for name. A value that
// already looks like a connection string is returned as is.
func (r *Resolver) ConnectionString(name string) (string, bool) {
	if strings.Contains(name, "=") {
		return name, true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cs, ok := r.connections[strings.ToLower(name)]
	return cs, ok
}

// Resolve opens the account for a binding. A non-empty name is looked up in
// the named connections; otherwise fallback is used as the connection
// string.
func (r *Resolver) Resolve(ctx context.Context, name, fallback string) (*Account, error) {
	cs := fallback
	if name != "" {
		var ok bool
		if cs, ok = r.ConnectionString(name); !ok {
			return nil, errors.WithHint(
				errors.Newf("storage: connection %q is not configured", name),
				"add it to the connections section of the host configuration",
			)
		}
	}
	return r.Open(ctx, cs)
}

// Open returns the cached account for connectionString, connecting it on
// first use.
func (r *Resolver) Open(ctx context.Context, connectionString string) (*Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if acct, ok := r.accounts[connectionString]; ok {
		return acct, nil
	}
	cs, err := ParseConnectionString(connectionString)
	if err != nil {
		return nil, err
	}
	acct, err := Open(ctx, cs)
	if err != nil {
		return nil, err
	}
	r.accounts[connectionString] = acct
	return acct, nil
}

// Close closes every opened account except the shared development one.
func (r *Resolver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for key, acct := range r.accounts {
		if acct != devAccount {
			if err := acct.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		delete(r.accounts, key)
	}
	return errors.Join(errs...)
}
