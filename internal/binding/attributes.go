package binding

import (
	"strings"

	"github.com/cockroachdb/errors"
)

// Access selects the direction of a blob binding.
type Access int

const (
	// AccessAuto infers the direction from the parameter type.
	AccessAuto Access = iota
	AccessRead
	AccessWrite
)

func (a Access) String() string {
	switch a {
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	default:
		return "auto"
	}
}

func (a Access) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Access) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "read":
		*a = AccessRead
	case "write":
		*a = AccessWrite
	case "", "auto":
		*a = AccessAuto
	default:
		return errors.Newf("unknown blob access %q", b)
	}
	return nil
}

// Blob binds a parameter to the blob at Path ("container/name", may contain
// {placeholders}).
type Blob struct {
	Path       string
	Access     Access
	Connection string
}

// Queue binds an output parameter to a storage queue.
type Queue struct {
	QueueName  string
	Connection string
}

// Table binds a parameter to a whole table, or to one entity when both keys
// are set.
type Table struct {
	TableName    string
	PartitionKey string
	RowKey       string
	Connection   string
}

// ServiceBus binds an output parameter to a Service Bus queue or topic.
type ServiceBus struct {
	EntityPath string
	Connection string
}

// StorageAccount selects the connection of an account-typed parameter.
type StorageAccount struct {
	Connection string
}
