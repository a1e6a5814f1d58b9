package binding

import (
	"context"
	"reflect"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/oriys/jobhost/internal/storage"
	"github.com/oriys/jobhost/internal/storage/blob"
	"github.com/oriys/jobhost/internal/storage/queue"
	"github.com/oriys/jobhost/internal/storage/table"
)

type accountFactory func(ctx context.Context, acct *storage.Account) (any, error)

// AccountTypes maps parameter types to constructors that build them from
// a storage account.
type AccountTypes struct {
	mu        sync.RWMutex
	factories map[reflect.Type]accountFactory
}

// NewAccountTypes returns a registry with *storage.Account and the blob,
// queue and table store interfaces registered.
func NewAccountTypes() *AccountTypes {
	r := &AccountTypes{factories: make(map[reflect.Type]accountFactory)}
	RegisterAccountType(r, func(_ context.Context, a *storage.Account) (*storage.Account, error) { return a, nil })
	RegisterAccountType(r, func(_ context.Context, a *storage.Account) (blob.Store, error) { return a.BlobStore() })
	RegisterAccountType(r, func(_ context.Context, a *storage.Account) (queue.Store, error) { return a.QueueStore() })
	RegisterAccountType(r, func(_ context.Context, a *storage.Account) (table.Store, error) { return a.TableStore() })
	return r
}

// RegisterAccountType makes T bindable as a storage account parameter.
func RegisterAccountType[T any](r *AccountTypes, fn func(ctx context.Context, acct *storage.Account) (T, error)) {
	r.mu.Lock()
	r.factories[reflect.TypeFor[T]()] = func(ctx context.Context, acct *storage.Account) (any, error) {
		return fn(ctx, acct)
	}
	r.mu.Unlock()
}

func (r *AccountTypes) Has(t reflect.Type) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[t]
	return ok
}

func (r *AccountTypes) create(ctx context.Context, t reflect.Type, acct *storage.Account) (any, error) {
	r.mu.RLock()
	fn, ok := r.factories[t]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(ErrUnsupportedType, "no account type registered for '%s'", typeName(t))
	}
	return fn(ctx, acct)
}
