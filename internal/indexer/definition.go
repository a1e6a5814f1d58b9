package indexer

import (
	"reflect"

	"github.com/oriys/jobhost/internal/binding"
	"github.com/oriys/jobhost/internal/domain"
	"github.com/oriys/jobhost/internal/listeners"
	"github.com/oriys/jobhost/internal/triggers"
)

// ParameterBinding is the binding plan of one Go parameter. Exactly one of
// Trigger and Static is set.
type ParameterBinding struct {
	Name    string
	Type    reflect.Type
	Trigger triggers.Binding
	Static  binding.StaticBinding
}

// Definition is an indexed function, ready to be listened for and called.
type Definition struct {
	Descriptor domain.FunctionDescriptor
	// Trigger is nil for functions without a trigger.
	Trigger    triggers.Binding
	Parameters []ParameterBinding
	Func       reflect.Value
	// ListenerFactory is nil for functions that are only called directly.
	ListenerFactory listeners.Factory
}

// Index is the result of indexing a set of registrations.
type Index struct {
	Definitions []*Definition
	// Errors holds one error per function that failed to index. The other
	// functions are still indexed.
	Errors []error
}

// Lookup finds a definition by function name.
func (ix *Index) Lookup(name string) (*Definition, bool) {
	for _, d := range ix.Definitions {
		if d.Descriptor.Name == name {
			return d, true
		}
	}
	return nil, false
}

// Descriptors lists the public descriptions of every indexed function.
func (ix *Index) Descriptors() []domain.FunctionDescriptor {
	out := make([]domain.FunctionDescriptor, len(ix.Definitions))
	for i, d := range ix.Definitions {
		out[i] = d.Descriptor
	}
	return out
}
