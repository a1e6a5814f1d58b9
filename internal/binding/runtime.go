package binding

import (
	"reflect"

	"github.com/oriys/jobhost/internal/storage/blob"
)

// RuntimeBinding is a static binding resolved for one invocation. The set
// of implementations is closed; see BindValue and ConvertToInvokeString.
type RuntimeBinding interface {
	ParameterName() string
	runtimeBinding()
}

type BlobRuntime struct {
	Name       string
	Type       reflect.Type
	Ref        blob.Ref
	Access     Access
	Connection string
}

type QueueRuntime struct {
	Name       string
	Type       reflect.Type
	QueueName  string
	Connection string
}

type TableRuntime struct {
	Name       string
	Type       reflect.Type
	TableName  string
	Connection string
}

type TableEntityRuntime struct {
	Name         string
	Type         reflect.Type
	TableName    string
	PartitionKey string
	RowKey       string
	Connection   string
}

type ServiceBusRuntime struct {
	Name       string
	Type       reflect.Type
	EntityPath string
	Connection string
}

// LiteralRuntime carries a value supplied as text; it is converted to the
// parameter type when bound.
type LiteralRuntime struct {
	Name  string
	Type  reflect.Type
	Value string
}

// ErrorRuntime defers a binding failure until the argument is materialized.
type ErrorRuntime struct {
	Name string
	Err  error
}

type CancellationRuntime struct{ Name string }

type BinderRuntime struct{ Name string }

type ConsoleOutputRuntime struct{ Name string }

type StorageAccountRuntime struct {
	Name       string
	Type       reflect.Type
	Connection string
}

func (r *BlobRuntime) ParameterName() string           { return r.Name }
func (r *QueueRuntime) ParameterName() string          { return r.Name }
func (r *TableRuntime) ParameterName() string          { return r.Name }
func (r *TableEntityRuntime) ParameterName() string    { return r.Name }
func (r *ServiceBusRuntime) ParameterName() string     { return r.Name }
func (r *LiteralRuntime) ParameterName() string        { return r.Name }
func (r *ErrorRuntime) ParameterName() string          { return r.Name }
func (r *CancellationRuntime) ParameterName() string   { return r.Name }
func (r *BinderRuntime) ParameterName() string         { return r.Name }
func (r *ConsoleOutputRuntime) ParameterName() string  { return r.Name }
func (r *StorageAccountRuntime) ParameterName() string { return r.Name }

func (*BlobRuntime) runtimeBinding()           {}
func (*QueueRuntime) runtimeBinding()          {}
func (*TableRuntime) runtimeBinding()          {}
func (*TableEntityRuntime) runtimeBinding()    {}
func (*ServiceBusRuntime) runtimeBinding()     {}
func (*LiteralRuntime) runtimeBinding()        {}
func (*ErrorRuntime) runtimeBinding()          {}
func (*CancellationRuntime) runtimeBinding()   {}
func (*BinderRuntime) runtimeBinding()         {}
func (*ConsoleOutputRuntime) runtimeBinding()  {}
func (*StorageAccountRuntime) runtimeBinding() {}

// ConvertToInvokeString renders rt in the form BindFromInvokeString accepts.
// ok is false for bindings that cannot be replayed.
func ConvertToInvokeString(rt RuntimeBinding) (string, bool) {
	switch r := rt.(type) {
	case *BlobRuntime:
		return r.Ref.String(), true
	case *QueueRuntime:
		return r.QueueName, true
	case *TableRuntime:
		return r.TableName, true
	case *TableEntityRuntime:
		return r.TableName + "/" + r.PartitionKey + "/" + r.RowKey, true
	case *ServiceBusRuntime:
		return r.EntityPath, true
	case *LiteralRuntime:
		return r.Value, true
	case *ErrorRuntime, *CancellationRuntime, *BinderRuntime, *ConsoleOutputRuntime, *StorageAccountRuntime:
		return "", false
	}
	return "", false
}
