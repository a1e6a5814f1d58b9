package triggers

import (
	"reflect"

	"github.com/oriys/jobhost/internal/binding"
)

// Parameter is a declared function parameter.
type Parameter struct {
	Name      string
	Type      reflect.Type
	Attribute any
}

// ProviderContext is what a Provider may use to build a binding.
type ProviderContext struct {
	Services *binding.Services
	Inputs   binding.RuntimeInputs
}

// Provider builds the trigger binding for a parameter whose attribute it
// recognizes. It returns (nil, nil) for any other parameter.
type Provider interface {
	TryCreate(pc ProviderContext, p Parameter) (Binding, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(pc ProviderContext, p Parameter) (Binding, error)

func (f ProviderFunc) TryCreate(pc ProviderContext, p Parameter) (Binding, error) {
	return f(pc, p)
}

// DefaultProviders returns the providers of the built-in triggers.
func DefaultProviders() []Provider {
	return []Provider{
		ProviderFunc(queueProvider),
		ProviderFunc(serviceBusProvider),
		ProviderFunc(blobProvider),
		ProviderFunc(timerProvider),
	}
}

func queueProvider(pc ProviderContext, p Parameter) (Binding, error) {
	switch a := p.Attribute.(type) {
	case QueueTrigger:
		return NewQueueTriggerBinding(p.Name, p.Type, a, pc.Services)
	case *QueueTrigger:
		return NewQueueTriggerBinding(p.Name, p.Type, *a, pc.Services)
	}
	return nil, nil
}

func serviceBusProvider(pc ProviderContext, p Parameter) (Binding, error) {
	switch a := p.Attribute.(type) {
	case ServiceBusTrigger:
		return NewServiceBusTriggerBinding(p.Name, p.Type, a, pc.Services)
	case *ServiceBusTrigger:
		return NewServiceBusTriggerBinding(p.Name, p.Type, *a, pc.Services)
	}
	return nil, nil
}

func blobProvider(pc ProviderContext, p Parameter) (Binding, error) {
	var attr BlobTrigger
	switch a := p.Attribute.(type) {
	case BlobTrigger:
		attr = a
	case *BlobTrigger:
		attr = *a
	default:
		return nil, nil
	}
	b, err := NewBlobTriggerBinding(p.Name, p.Type, attr, pc.Services, pc.Inputs)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func timerProvider(_ ProviderContext, p Parameter) (Binding, error) {
	var attr TimerTrigger
	switch a := p.Attribute.(type) {
	case TimerTrigger:
		attr = a
	case *TimerTrigger:
		attr = *a
	default:
		return nil, nil
	}
	b, err := NewTimerTriggerBinding(p.Name, p.Type, attr)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// IsTriggerAttribute reports whether attr is one of the built-in trigger
// attributes.
func IsTriggerAttribute(attr any) bool {
	switch attr.(type) {
	case QueueTrigger, *QueueTrigger, ServiceBusTrigger, *ServiceBusTrigger,
		BlobTrigger, *BlobTrigger, TimerTrigger, *TimerTrigger:
		return true
	}
	return false
}
