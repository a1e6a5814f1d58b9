package binding

import (
	"reflect"
	"strings"
	"unicode"

	"github.com/cockroachdb/errors"
	"github.com/oriys/jobhost/internal/route"
	"github.com/oriys/jobhost/internal/storage/queue"
)

// StaticBinding is the index-time plan for one parameter. The set of
// implementations is closed; see the package functions Validate, Bind,
// BindFromInvokeString and Describe.
type StaticBinding interface {
	ParameterName() string
	ParameterType() reflect.Type
	staticBinding()
}

type param struct {
	Name string       `json:"name"`
	Type reflect.Type `json:"-"`
}

func (p *param) ParameterName() string       { return p.Name }
func (p *param) ParameterType() reflect.Type { return p.Type }

type BlobBinding struct {
	param
	Path       string `json:"path"`
	Access     Access `json:"access"`
	Connection string `json:"connection,omitempty"`
}

type QueueBinding struct {
	param
	QueueName  string `json:"queue_name"`
	Connection string `json:"connection,omitempty"`
}

type TableBinding struct {
	param
	TableName  string `json:"table_name"`
	Connection string `json:"connection,omitempty"`
}

type TableEntityBinding struct {
	param
	TableName    string `json:"table_name"`
	PartitionKey string `json:"partition_key"`
	RowKey       string `json:"row_key"`
	Connection   string `json:"connection,omitempty"`
}

type ServiceBusBinding struct {
	param
	EntityPath string `json:"entity_path"`
	Connection string `json:"connection,omitempty"`
}

// InvokeBinding takes its value from the caller of a direct invocation.
type InvokeBinding struct{ param }

// NameBinding takes its value from a route parameter of the trigger.
type NameBinding struct{ param }

type CancellationBinding struct{ param }

type BinderBinding struct{ param }

type ConsoleOutputBinding struct{ param }

type StorageAccountBinding struct {
	param
	Connection string `json:"connection,omitempty"`
}

func (*BlobBinding) staticBinding()           {}
func (*QueueBinding) staticBinding()          {}
func (*TableBinding) staticBinding()          {}
func (*TableEntityBinding) staticBinding()    {}
func (*ServiceBusBinding) staticBinding()     {}
func (*InvokeBinding) staticBinding()         {}
func (*NameBinding) staticBinding()           {}
func (*CancellationBinding) staticBinding()   {}
func (*BinderBinding) staticBinding()         {}
func (*ConsoleOutputBinding) staticBinding()  {}
func (*StorageAccountBinding) staticBinding() {}

func NewBlobBinding(name string, t reflect.Type, attr Blob) *BlobBinding {
	return &BlobBinding{param: param{name, t}, Path: attr.Path, Access: attr.Access, Connection: attr.Connection}
}

// NewQueueBinding lower-cases and validates the queue name. Names with
// placeholders are validated after substitution.
func NewQueueBinding(name string, t reflect.Type, attr Queue) (*QueueBinding, error) {
	b := &QueueBinding{param: param{name, t}, Connection: attr.Connection}
	if err := b.SetQueueName(attr.QueueName); err != nil {
		return nil, err
	}
	return b, nil
}

// SetQueueName lower-cases and validates queueName.
func (b *QueueBinding) SetQueueName(queueName string) error {
	normalized, err := normalizeQueueName(queueName)
	if err != nil {
		return err
	}
	b.QueueName = normalized
	return nil
}

func normalizeQueueName(name string) (string, error) {
	if route.HasParameterNames(name) {
		return lowerLiterals(name), nil
	}
	name = strings.ToLower(name)
	if err := queue.ValidateName(name); err != nil {
		return "", errors.Mark(err, ErrInvalidName)
	}
	return name, nil
}

// lowerLiterals lower-cases pattern outside of {placeholders}.
func lowerLiterals(pattern string) string {
	var sb strings.Builder
	inside := false
	for _, r := range pattern {
		switch {
		case r == '{':
			inside = true
		case r == '}':
			inside = false
		case !inside:
			r = unicode.ToLower(r)
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func NewTableBinding(name string, t reflect.Type, attr Table) *TableBinding {
	return &TableBinding{param: param{name, t}, TableName: attr.TableName, Connection: attr.Connection}
}

func NewTableEntityBinding(name string, t reflect.Type, attr Table) *TableEntityBinding {
	return &TableEntityBinding{
		param:        param{name, t},
		TableName:    attr.TableName,
		PartitionKey: attr.PartitionKey,
		RowKey:       attr.RowKey,
		Connection:   attr.Connection,
	}
}

func NewServiceBusBinding(name string, t reflect.Type, attr ServiceBus) *ServiceBusBinding {
	return &ServiceBusBinding{param: param{name, t}, EntityPath: attr.EntityPath, Connection: attr.Connection}
}

func NewInvokeBinding(name string, t reflect.Type) *InvokeBinding {
	return &InvokeBinding{param{name, t}}
}

func NewNameBinding(name string, t reflect.Type) *NameBinding {
	return &NameBinding{param{name, t}}
}

func NewCancellationBinding(name string, t reflect.Type) *CancellationBinding {
	return &CancellationBinding{param{name, t}}
}

func NewBinderBinding(name string, t reflect.Type) *BinderBinding {
	return &BinderBinding{param{name, t}}
}

func NewConsoleOutputBinding(name string, t reflect.Type) *ConsoleOutputBinding {
	return &ConsoleOutputBinding{param{name, t}}
}

func NewStorageAccountBinding(name string, t reflect.Type, connection string) *StorageAccountBinding {
	return &StorageAccountBinding{param: param{name, t}, Connection: connection}
}

// FromAttribute builds the static binding for a parameter declared with a
// binding attribute. It returns (nil, nil) when attr is not a binding
// attribute of this package.
func FromAttribute(name string, t reflect.Type, attr any) (StaticBinding, error) {
	switch a := attr.(type) {
	case Blob:
		return NewBlobBinding(name, t, a), nil
	case *Blob:
		return NewBlobBinding(name, t, *a), nil
	case Queue, *Queue:
		q, ok := attr.(Queue)
		if !ok {
			q = *attr.(*Queue)
		}
		b, err := NewQueueBinding(name, t, q)
		if err != nil {
			return nil, err
		}
		return b, nil
	case Table:
		return tableFromAttribute(name, t, a), nil
	case *Table:
		return tableFromAttribute(name, t, *a), nil
	case ServiceBus:
		return NewServiceBusBinding(name, t, a), nil
	case *ServiceBus:
		return NewServiceBusBinding(name, t, *a), nil
	case StorageAccount:
		return NewStorageAccountBinding(name, t, a.Connection), nil
	case *StorageAccount:
		return NewStorageAccountBinding(name, t, a.Connection), nil
	}
	return nil, nil
}

func tableFromAttribute(name string, t reflect.Type, a Table) StaticBinding {
	if a.PartitionKey != "" || a.RowKey != "" {
		return NewTableEntityBinding(name, t, a)
	}
	return NewTableBinding(name, t, a)
}
