package binding

import (
	"context"
	"encoding/json"
	"reflect"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/oriys/jobhost/internal/observability"
	"github.com/oriys/jobhost/internal/servicebus"
	"github.com/oriys/jobhost/internal/storage/queue"
	"github.com/oriys/jobhost/internal/storage/table"
)

// BindValue materializes the argument for rt.
func BindValue(ctx context.Context, rt RuntimeBinding, bctx *BindContext) (*BindResult, error) {
	svc := bctx.Services
	switch r := rt.(type) {
	case *BlobRuntime:
		return bindBlobValue(ctx, r, svc)
	case *QueueRuntime:
		return bindQueueValue(ctx, r, svc)
	case *TableRuntime:
		acct, err := svc.account(ctx, r.Connection)
		if err != nil {
			return nil, err
		}
		store, err := acct.TableStore()
		if err != nil {
			return nil, err
		}
		if err := store.CreateTableIfNotExists(ctx, r.TableName); err != nil {
			return nil, errors.Wrapf(err, "create table %s", r.TableName)
		}
		return &BindResult{Value: reflect.ValueOf(table.NewClient(store, r.TableName))}, nil
	case *TableEntityRuntime:
		return bindEntityValue(ctx, r, svc)
	case *ServiceBusRuntime:
		return bindServiceBusValue(ctx, r, svc)
	case *LiteralRuntime:
		v, err := convertLiteral(svc, r.Value, r.Type)
		if err != nil {
			return nil, errors.Wrapf(err, "convert value of parameter '%s'", r.Name)
		}
		return &BindResult{Value: v}, nil
	case *ErrorRuntime:
		return nil, r.Err
	case *CancellationRuntime:
		return &BindResult{Value: valueOf(contextType, ctx)}, nil
	case *BinderRuntime:
		if bctx.Binder == nil {
			return nil, errors.New("binding: no binder for this invocation")
		}
		return &BindResult{
			Value:  valueOf(binderType, Binder(bctx.Binder)),
			Post:   bctx.Binder.Complete,
			Status: bctx.Binder.Status,
		}, nil
	case *ConsoleOutputRuntime:
		if bctx.Console == nil {
			return &BindResult{Value: valueOf(writerType, discard{})}, nil
		}
		return &BindResult{Value: valueOf(writerType, bctx.Console)}, nil
	case *StorageAccountRuntime:
		acct, err := svc.account(ctx, r.Connection)
		if err != nil {
			return nil, err
		}
		v, err := svc.AccountTypes.create(ctx, r.Type, acct)
		if err != nil {
			return nil, err
		}
		return &BindResult{Value: valueOf(r.Type, v)}, nil
	}
	return nil, errors.AssertionFailedf("unknown runtime binding %T", rt)
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

// LastModified returns the last modification time of the bound blob.
func (r *BlobRuntime) LastModified(ctx context.Context, svc *Services) (time.Time, error) {
	acct, err := svc.account(ctx, r.Connection)
	if err != nil {
		return time.Time{}, err
	}
	store, err := acct.BlobStore()
	if err != nil {
		return time.Time{}, err
	}
	props, err := store.Properties(ctx, r.Ref)
	if err != nil {
		return time.Time{}, err
	}
	return props.LastModified, nil
}

func bindBlobValue(ctx context.Context, r *BlobRuntime, svc *Services) (*BindResult, error) {
	acct, err := svc.account(ctx, r.Connection)
	if err != nil {
		return nil, err
	}
	store, err := acct.BlobStore()
	if err != nil {
		return nil, err
	}

	if r.Access == AccessWrite {
		fn, ok := svc.Blobs.writer(r.Type)
		if !ok {
			return nil, errors.Wrapf(ErrUnsupportedType, "no blob writer for type '%s'", typeName(r.Type))
		}
		if err := store.CreateContainerIfNotExists(ctx, r.Ref.Container); err != nil {
			return nil, errors.Wrapf(err, "create container %s", r.Ref.Container)
		}
		v, commit := fn(store, r.Ref)
		var (
			mu     sync.Mutex
			status = "Nothing written."
		)
		return &BindResult{
			Value: v,
			Post: func(ctx context.Context) error {
				s, err := commit(ctx)
				mu.Lock()
				status = s
				mu.Unlock()
				return errors.Wrapf(err, "write blob %s", r.Ref)
			},
			Status: func() string {
				mu.Lock()
				defer mu.Unlock()
				return status
			},
		}, nil
	}

	fn, ok := svc.Blobs.reader(r.Type)
	if !ok {
		return nil, errors.Wrapf(ErrUnsupportedType, "no blob reader for type '%s'", typeName(r.Type))
	}
	v, status, err := fn(ctx, store, r.Ref)
	if err != nil {
		return nil, errors.Wrapf(err, "read blob %s", r.Ref)
	}
	return &BindResult{Value: v, Status: func() string { return status }}, nil
}

func bindQueueValue(ctx context.Context, r *QueueRuntime, svc *Services) (*BindResult, error) {
	acct, err := svc.account(ctx, r.Connection)
	if err != nil {
		return nil, err
	}
	store, err := acct.QueueStore()
	if err != nil {
		return nil, err
	}
	var (
		once      sync.Once
		createErr error
	)
	return bindCollector(ctx, r.Type, queueMessageType, svc.Converters, "queue "+r.QueueName,
		func(ctx context.Context, m any) error {
			once.Do(func() { createErr = store.CreateIfNotExists(ctx, r.QueueName) })
			if createErr != nil {
				return errors.Wrapf(createErr, "create queue %s", r.QueueName)
			}
			msg, _ := m.(*queue.Message)
			if msg == nil {
				return errors.New("binding: nil queue message")
			}
			_, err := store.Enqueue(ctx, r.QueueName, msg.Body)
			return err
		})
}

func bindServiceBusValue(ctx context.Context, r *ServiceBusRuntime, svc *Services) (*BindResult, error) {
	if svc.ServiceBus == nil {
		return nil, errors.New("binding: no service bus resolver configured")
	}
	client, err := svc.ServiceBus.Client(ctx, r.Connection)
	if err != nil {
		return nil, err
	}
	return bindCollector(ctx, r.Type, serviceBusMessageType, svc.Converters, "entity "+r.EntityPath,
		func(ctx context.Context, m any) error {
			msg, _ := m.(*servicebus.Message)
			if msg == nil {
				return errors.New("binding: nil service bus message")
			}
			if msg.Properties == nil {
				msg.Properties = make(map[string]any)
			}
			observability.InjectProperties(ctx, msg.Properties)
			return servicebus.SendCreatingEntity(ctx, client, r.EntityPath, msg)
		})
}

func bindEntityValue(ctx context.Context, r *TableEntityRuntime, svc *Services) (*BindResult, error) {
	acct, err := svc.account(ctx, r.Connection)
	if err != nil {
		return nil, err
	}
	store, err := acct.TableStore()
	if err != nil {
		return nil, err
	}
	structType := entityStruct(r.Type)
	if structType == nil {
		return nil, errors.Wrapf(ErrUnsupportedType, "table entity type '%s'", typeName(r.Type))
	}

	ptr := reflect.New(structType)
	status := "Entity not found."
	e, err := store.Get(ctx, r.TableName, r.PartitionKey, r.RowKey)
	switch {
	case errors.Is(err, table.ErrNotFound):
	case err != nil:
		return nil, err
	default:
		if err := json.Unmarshal(e.Properties, ptr.Interface()); err != nil {
			return nil, errors.Wrapf(err, "decode entity %s/%s/%s", r.TableName, r.PartitionKey, r.RowKey)
		}
		status = "Entity loaded."
	}
	original, err := json.Marshal(ptr.Interface())
	if err != nil {
		return nil, errors.Wrap(err, "encode entity")
	}

	if r.Type.Kind() != reflect.Pointer {
		return &BindResult{Value: ptr.Elem(), Status: func() string { return status }}, nil
	}

	var mu sync.Mutex
	return &BindResult{
		Value: ptr,
		Post: func(ctx context.Context) error {
			current, err := json.Marshal(ptr.Interface())
			if err != nil {
				return errors.Wrap(err, "encode entity")
			}
			if jsonEqual(original, current) {
				return nil
			}
			if err := store.CreateTableIfNotExists(ctx, r.TableName); err != nil {
				return err
			}
			err = store.Upsert(ctx, r.TableName, &table.Entity{
				PartitionKey: r.PartitionKey,
				RowKey:       r.RowKey,
				Properties:   current,
			})
			if err == nil {
				mu.Lock()
				status = "Entity updated."
				mu.Unlock()
			}
			return err
		},
		Status: func() string {
			mu.Lock()
			defer mu.Unlock()
			return status
		},
	}, nil
}

func jsonEqual(a, b []byte) bool {
	var va, vb any
	if json.Unmarshal(a, &va) != nil || json.Unmarshal(b, &vb) != nil {
		return false
	}
	return reflect.DeepEqual(va, vb)
}

// convertLiteral turns text into a value of type t: string-based converters
// first, JSON for structured types.
func convertLiteral(svc *Services, s string, t reflect.Type) (reflect.Value, error) {
	if t == nil {
		return reflect.Value{}, errors.New("binding: literal without a type")
	}
	fn, err := svc.Converters.Resolve(stringType, t)
	if err == nil {
		v, err := fn(s)
		if err != nil {
			return reflect.Value{}, err
		}
		return valueOf(t, v), nil
	}
	switch t.Kind() {
	case reflect.Struct, reflect.Map, reflect.Slice, reflect.Pointer:
		ptr := reflect.New(t)
		if jerr := json.Unmarshal([]byte(s), ptr.Interface()); jerr != nil {
			return reflect.Value{}, errors.Wrapf(jerr, "parse %q as %s", s, t)
		}
		return ptr.Elem(), nil
	}
	return reflect.Value{}, err
}

var stringType = reflect.TypeFor[string]()
