// Package binding turns function parameters into values at invocation time.
//
// A StaticBinding is built once per parameter when a function is indexed.
// For every invocation it is bound against the runtime inputs (route
// parameters and connections) into a RuntimeBinding, which in turn produces
// the argument value and an optional post action that runs after the
// function succeeds.
package binding

import (
	"context"
	"io"
	"reflect"

	"github.com/cockroachdb/errors"
	"github.com/oriys/jobhost/internal/convert"
	"github.com/oriys/jobhost/internal/servicebus"
	"github.com/oriys/jobhost/internal/storage"
)

var (
	ErrMissingNameParameter = errors.New("binding: no value for named parameter")
	ErrInvalidName          = errors.New("binding: invalid name")
	ErrNotReplayable        = errors.New("binding: binding cannot be replayed from an invoke string")
	ErrUnsupportedType      = errors.New("binding: can't bind parameter")
)

// RuntimeInputs are the per-invocation inputs to Bind.
type RuntimeInputs struct {
	NameParameters       map[string]string
	StorageConnection    string
	ServiceBusConnection string
}

// Services are the shared dependencies of all bindings of a host.
type Services struct {
	Converters   *convert.Manager
	Blobs        *BlobBinders
	Accounts     *storage.Resolver
	ServiceBus   *servicebus.Resolver
	AccountTypes *AccountTypes
}

// NewServices wires default blob binders and account types around the
// given converter registry and resolvers.
func NewServices(conv *convert.Manager, accounts *storage.Resolver, sb *servicebus.Resolver) *Services {
	return &Services{
		Converters:   conv,
		Blobs:        NewBlobBinders(),
		Accounts:     accounts,
		ServiceBus:   sb,
		AccountTypes: NewAccountTypes(),
	}
}

// StorageConnection resolves the connection string for a named connection,
// falling back to the default storage connection of inputs.
func (s *Services) StorageConnection(name string, inputs RuntimeInputs) (string, error) {
	if name == "" {
		if inputs.StorageConnection == "" {
			return "", errors.WithHint(
				errors.New("binding: no storage connection configured"),
				"set storage_connection in the host configuration or Connection on the binding",
			)
		}
		return inputs.StorageConnection, nil
	}
	if s.Accounts == nil {
		return "", errors.Newf("binding: storage connection %q requested but no account resolver is configured", name)
	}
	cs, ok := s.Accounts.ConnectionString(name)
	if !ok {
		return "", errors.Newf("binding: storage connection %q is not configured", name)
	}
	return cs, nil
}

// ServiceBusConnection is StorageConnection for Service Bus connections.
func (s *Services) ServiceBusConnection(name string, inputs RuntimeInputs) (string, error) {
	if name == "" {
		if inputs.ServiceBusConnection == "" {
			return "", errors.WithHint(
				errors.New("binding: no service bus connection configured"),
				"set servicebus_connection in the host configuration or Connection on the binding",
			)
		}
		return inputs.ServiceBusConnection, nil
	}
	if s.ServiceBus == nil {
		return "", errors.Newf("binding: service bus connection %q requested but no resolver is configured", name)
	}
	cs, ok := s.ServiceBus.ConnectionString(name)
	if !ok {
		return "", errors.Newf("binding: service bus connection %q is not configured", name)
	}
	return cs, nil
}

func (s *Services) account(ctx context.Context, connectionString string) (*storage.Account, error) {
	if s.Accounts == nil {
		return nil, errors.New("binding: no account resolver configured")
	}
	return s.Accounts.Open(ctx, connectionString)
}

// BindContext carries the per-invocation state BindValue needs.
type BindContext struct {
	Services   *Services
	InstanceID string
	Inputs     RuntimeInputs
	Console    io.Writer
	Binder     *BinderWrapper
}

// BindResult is a materialized argument.
type BindResult struct {
	Value reflect.Value
	// Post runs after the function returned without error, in parameter
	// order. Nil when the binding has nothing to flush.
	Post func(ctx context.Context) error
	// Status describes what the binding did, for the instance log.
	Status func() string
}

func valueOf(t reflect.Type, v any) reflect.Value {
	rv := reflect.New(t).Elem()
	if v != nil {
		rv.Set(reflect.ValueOf(v))
	}
	return rv
}

var (
	contextType = reflect.TypeFor[context.Context]()
	writerType  = reflect.TypeFor[io.Writer]()
	binderType  = reflect.TypeFor[Binder]()
)
