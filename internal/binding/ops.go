package binding

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/oriys/jobhost/internal/domain"
	"github.com/oriys/jobhost/internal/route"
	"github.com/oriys/jobhost/internal/servicebus"
	"github.com/oriys/jobhost/internal/storage/blob"
	"github.com/oriys/jobhost/internal/storage/queue"
	"github.com/oriys/jobhost/internal/storage/table"
)

var (
	queueMessageType      = reflect.TypeFor[*queue.Message]()
	serviceBusMessageType = reflect.TypeFor[*servicebus.Message]()
	tableClientType       = reflect.TypeFor[*table.Client]()
)

func unsupported(s StaticBinding, what string) error {
	return errors.Wrapf(ErrUnsupportedType, "can't bind parameter '%s' to type '%s': %s",
		s.ParameterName(), typeName(s.ParameterType()), what)
}

func typeName(t reflect.Type) string {
	if t == nil {
		return "<nil>"
	}
	return t.String()
}

// Validate checks a static binding against its parameter type. It runs at
// index time so configuration errors surface before any listener starts.
func Validate(s StaticBinding, svc *Services) error {
	switch b := s.(type) {
	case *BlobBinding:
		if !route.HasParameterNames(b.Path) {
			if _, err := blob.ParseAndValidatePath(b.Path); err != nil {
				return errors.Mark(err, ErrInvalidName)
			}
		} else if container, _, ok := strings.Cut(b.Path, "/"); ok && !route.HasParameterNames(container) {
			if err := blob.ValidateContainerName(container); err != nil {
				return errors.Mark(err, ErrInvalidName)
			}
		}
		access := svc.Blobs.resolveAccess(b.Type, b.Access)
		if !svc.Blobs.Supports(b.Type, access) {
			return unsupported(s, fmt.Sprintf("no blob %s binder for this type", access))
		}
		return nil

	case *QueueBinding:
		return validateCollector(s, queueMessageType, svc)

	case *TableBinding:
		if err := table.ValidateName(b.TableName); err != nil {
			return errors.Mark(err, ErrInvalidName)
		}
		if b.Type != tableClientType {
			return unsupported(s, "a table binding without keys needs *table.Client")
		}
		return nil

	case *TableEntityBinding:
		if !route.HasParameterNames(b.TableName) {
			if err := table.ValidateName(b.TableName); err != nil {
				return errors.Mark(err, ErrInvalidName)
			}
		}
		for _, key := range []string{b.PartitionKey, b.RowKey} {
			if !route.HasParameterNames(key) {
				if err := table.ValidateKey(key); err != nil {
					return errors.Mark(err, ErrInvalidName)
				}
			}
		}
		if entityStruct(b.Type) == nil {
			return unsupported(s, "a table entity must be a struct or a pointer to a struct")
		}
		return nil

	case *ServiceBusBinding:
		if b.EntityPath == "" {
			return errors.Mark(errors.Newf("service bus binding '%s' has no entity path", b.Name), ErrInvalidName)
		}
		return validateCollector(s, serviceBusMessageType, svc)

	case *InvokeBinding, *NameBinding:
		return nil

	case *CancellationBinding:
		if b.Type != contextType {
			return unsupported(s, "cancellation needs context.Context")
		}
		return nil

	case *BinderBinding:
		if b.Type != binderType {
			return unsupported(s, "runtime binding needs binding.Binder")
		}
		return nil

	case *ConsoleOutputBinding:
		if b.Type != writerType {
			return unsupported(s, "console output needs io.Writer")
		}
		return nil

	case *StorageAccountBinding:
		if !svc.AccountTypes.Has(b.Type) {
			return unsupported(s, "no account type registered")
		}
		return nil
	}
	return errors.AssertionFailedf("unknown static binding %T", s)
}

func entityStruct(t reflect.Type) reflect.Type {
	if t == nil {
		return nil
	}
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil
	}
	return t
}

// Bind resolves s for one invocation.
func Bind(s StaticBinding, inputs RuntimeInputs, svc *Services) (RuntimeBinding, error) {
	switch b := s.(type) {
	case *BlobBinding:
		path, err := route.ApplyNames(b.Path, inputs.NameParameters)
		if err != nil {
			return nil, errors.Wrapf(err, "bind blob parameter '%s'", b.Name)
		}
		return bindBlobPath(b, path, inputs, svc)

	case *QueueBinding, *ServiceBusBinding, *TableBinding:
		return BindFromInvokeString(s, inputs, "", svc)

	case *TableEntityBinding:
		var parts [3]string
		for i, p := range []string{b.TableName, b.PartitionKey, b.RowKey} {
			v, err := route.ApplyNames(p, inputs.NameParameters)
			if err != nil {
				return nil, errors.Wrapf(err, "bind table entity parameter '%s'", b.Name)
			}
			parts[i] = v
		}
		return bindEntity(b, parts[0], parts[1], parts[2], inputs, svc)

	case *InvokeBinding:
		v, ok := inputs.NameParameters[b.Name]
		if !ok {
			return &ErrorRuntime{Name: b.Name, Err: errors.Wrapf(ErrMissingNameParameter,
				"no value was supplied for parameter '%s'", b.Name)}, nil
		}
		return &LiteralRuntime{Name: b.Name, Type: b.Type, Value: v}, nil

	case *NameBinding:
		v, ok := inputs.NameParameters[b.Name]
		if !ok {
			return nil, errors.Wrapf(ErrMissingNameParameter, "route parameter '%s' is not bound", b.Name)
		}
		return &LiteralRuntime{Name: b.Name, Type: b.Type, Value: v}, nil

	case *CancellationBinding:
		return &CancellationRuntime{Name: b.Name}, nil
	case *BinderBinding:
		return &BinderRuntime{Name: b.Name}, nil
	case *ConsoleOutputBinding:
		return &ConsoleOutputRuntime{Name: b.Name}, nil
	case *StorageAccountBinding:
		cs, err := svc.StorageConnection(b.Connection, inputs)
		if err != nil {
			return nil, err
		}
		return &StorageAccountRuntime{Name: b.Name, Type: b.Type, Connection: cs}, nil
	}
	return nil, errors.AssertionFailedf("unknown static binding %T", s)
}

// BindFromInvokeString resolves s from a recorded invoke string. Bindings
// that cannot be replayed return (nil, nil); callers fall back to Bind.
func BindFromInvokeString(s StaticBinding, inputs RuntimeInputs, value string, svc *Services) (RuntimeBinding, error) {
	switch b := s.(type) {
	case *BlobBinding:
		if value == "" && !route.HasParameterNames(b.Path) {
			value = b.Path
		}
		return bindBlobPath(b, value, inputs, svc)

	case *QueueBinding:
		name := value
		if name == "" {
			var err error
			if name, err = route.ApplyNames(b.QueueName, inputs.NameParameters); err != nil {
				return nil, errors.Wrapf(err, "bind queue parameter '%s'", b.Name)
			}
		}
		name, err := normalizeQueueName(name)
		if err != nil {
			return nil, err
		}
		if route.HasParameterNames(name) {
			return nil, errors.Mark(errors.Newf("queue name %q still contains placeholders", name), ErrInvalidName)
		}
		cs, err := svc.StorageConnection(b.Connection, inputs)
		if err != nil {
			return nil, err
		}
		return &QueueRuntime{Name: b.Name, Type: b.Type, QueueName: name, Connection: cs}, nil

	case *TableBinding:
		name := value
		if name == "" {
			name = b.TableName
		}
		if err := table.ValidateName(name); err != nil {
			return nil, errors.Mark(err, ErrInvalidName)
		}
		cs, err := svc.StorageConnection(b.Connection, inputs)
		if err != nil {
			return nil, err
		}
		return &TableRuntime{Name: b.Name, Type: b.Type, TableName: name, Connection: cs}, nil

	case *TableEntityBinding:
		if value == "" && !route.HasParameterNames(b.TableName+b.PartitionKey+b.RowKey) {
			return bindEntity(b, b.TableName, b.PartitionKey, b.RowKey, inputs, svc)
		}
		parts := strings.Split(value, "/")
		if len(parts) != 3 {
			return nil, errors.Mark(errors.Newf("table entity identifier %q must be table/partition/row", value), ErrInvalidName)
		}
		return bindEntity(b, parts[0], parts[1], parts[2], inputs, svc)

	case *ServiceBusBinding:
		path := value
		if path == "" {
			var err error
			if path, err = route.ApplyNames(b.EntityPath, inputs.NameParameters); err != nil {
				return nil, errors.Wrapf(err, "bind service bus parameter '%s'", b.Name)
			}
		}
		cs, err := svc.ServiceBusConnection(b.Connection, inputs)
		if err != nil {
			return nil, err
		}
		return &ServiceBusRuntime{Name: b.Name, Type: b.Type, EntityPath: path, Connection: cs}, nil

	case *InvokeBinding:
		return &LiteralRuntime{Name: b.Name, Type: b.Type, Value: value}, nil
	case *NameBinding:
		return &LiteralRuntime{Name: b.Name, Type: b.Type, Value: value}, nil

	case *CancellationBinding, *BinderBinding, *ConsoleOutputBinding, *StorageAccountBinding:
		return nil, nil
	}
	return nil, errors.AssertionFailedf("unknown static binding %T", s)
}

func bindBlobPath(b *BlobBinding, path string, inputs RuntimeInputs, svc *Services) (RuntimeBinding, error) {
	ref, err := blob.ParseAndValidatePath(path)
	if err != nil {
		return nil, errors.Mark(err, ErrInvalidName)
	}
	cs, err := svc.StorageConnection(b.Connection, inputs)
	if err != nil {
		return nil, err
	}
	return &BlobRuntime{
		Name:       b.Name,
		Type:       b.Type,
		Ref:        ref,
		Access:     svc.Blobs.resolveAccess(b.Type, b.Access),
		Connection: cs,
	}, nil
}

func bindEntity(b *TableEntityBinding, tableName, pk, rk string, inputs RuntimeInputs, svc *Services) (RuntimeBinding, error) {
	if err := table.ValidateName(tableName); err != nil {
		return nil, errors.Mark(err, ErrInvalidName)
	}
	for _, key := range []string{pk, rk} {
		if err := table.ValidateKey(key); err != nil {
			return nil, errors.Mark(err, ErrInvalidName)
		}
	}
	cs, err := svc.StorageConnection(b.Connection, inputs)
	if err != nil {
		return nil, err
	}
	return &TableEntityRuntime{
		Name:         b.Name,
		Type:         b.Type,
		TableName:    tableName,
		PartitionKey: pk,
		RowKey:       rk,
		Connection:   cs,
	}, nil
}

// Describe returns the parameter descriptor shown by tooling and used to
// prompt for direct invocations.
func Describe(s StaticBinding) domain.ParameterDescriptor {
	d := domain.ParameterDescriptor{Name: s.ParameterName(), Type: typeName(s.ParameterType())}
	switch b := s.(type) {
	case *BlobBinding:
		d.Kind = "blob"
		verb := "Read from"
		if b.Access == AccessWrite || (b.Access == AccessAuto && writesBlob(b.Type)) {
			verb = "Write to"
		}
		d.Description = fmt.Sprintf("%s blob: %s", verb, b.Path)
		d.Prompt = "Enter the blob path (container/blob)"
		d.DefaultValue = b.Path
	case *QueueBinding:
		d.Kind = "queue"
		d.Description = "Enqueue messages to queue: " + b.QueueName
		d.Prompt = "Enter the queue name"
		d.DefaultValue = b.QueueName
	case *TableBinding:
		d.Kind = "table"
		d.Description = "Access table: " + b.TableName
		d.Prompt = "Enter the table name"
		d.DefaultValue = b.TableName
	case *TableEntityBinding:
		d.Kind = "table_entity"
		id := b.TableName + "/" + b.PartitionKey + "/" + b.RowKey
		d.Description = "Access table entity: " + id
		d.Prompt = "Enter the entity identifier (table/partition key/row key)"
		d.DefaultValue = id
	case *ServiceBusBinding:
		d.Kind = "servicebus"
		d.Description = "Send messages to Service Bus entity: " + b.EntityPath
		d.Prompt = "Enter the queue or topic name"
		d.DefaultValue = b.EntityPath
	case *InvokeBinding:
		d.Kind = "invoke"
		d.Description = "Value supplied by the caller"
		d.Prompt = "Enter a value"
	case *NameBinding:
		d.Kind = "route"
		d.Description = fmt.Sprintf("Route parameter {%s} of the trigger", b.Name)
		d.Prompt = "Enter a value"
	case *CancellationBinding:
		d.Kind = "cancellation"
		d.Description = "Cancellation context"
	case *BinderBinding:
		d.Kind = "binder"
		d.Description = "Runtime binder"
	case *ConsoleOutputBinding:
		d.Kind = "console"
		d.Description = "Console output"
	case *StorageAccountBinding:
		d.Kind = "storage_account"
		d.Description = "Storage account"
		if b.Connection != "" {
			d.Description += ": " + b.Connection
		}
	}
	return d
}

// ProducedRouteParameters lists the route parameters a binding makes
// available to the others. Only trigger bindings produce parameters, so
// every static binding reports none.
func ProducedRouteParameters(StaticBinding) []string {
	return nil
}

// ConsumedRouteParameters lists the placeholders a binding needs from the
// route parameters.
func ConsumedRouteParameters(s StaticBinding) []string {
	var patterns []string
	switch b := s.(type) {
	case *BlobBinding:
		patterns = []string{b.Path}
	case *QueueBinding:
		patterns = []string{b.QueueName}
	case *TableEntityBinding:
		patterns = []string{b.TableName, b.PartitionKey, b.RowKey}
	case *ServiceBusBinding:
		patterns = []string{b.EntityPath}
	case *NameBinding:
		return []string{b.Name}
	case *TableBinding, *InvokeBinding, *CancellationBinding, *BinderBinding, *ConsoleOutputBinding,
		*StorageAccountBinding:
		return nil
	}
	var names []string
	for _, p := range patterns {
		n, _ := route.ParameterNames(p)
		names = append(names, n...)
	}
	return names
}
