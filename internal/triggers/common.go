// Package triggers binds the trigger parameter of a function: it turns the
// value a listener fires with (a queue message, a Service Bus message, a
// blob, a timer tick) or an invoke string into the argument and the
// binding data the other parameters resolve their placeholders from.
package triggers

import (
	"context"
	"encoding/json"
	"maps"
	"reflect"

	"github.com/cockroachdb/errors"
	"github.com/oriys/jobhost/internal/convert"
	"github.com/oriys/jobhost/internal/domain"
)

// TriggerData is the result of binding a trigger value.
type TriggerData struct {
	Value        reflect.Value
	BindingData  map[string]any
	InvokeString string
}

// Binding is the trigger parameter of an indexed function.
type Binding interface {
	ParameterName() string
	ParameterType() reflect.Type
	// Kind names the trigger ("queue", "servicebus", "blob", "timer").
	Kind() string
	Attribute() any
	Connection() string
	Batch() bool
	// Contract lists the binding data every invocation provides.
	Contract() map[string]reflect.Type
	// Bind accepts the listener value (Input[M], M or []M) or an invoke
	// string.
	Bind(ctx context.Context, value any) (*TriggerData, error)
	Describe() domain.ParameterDescriptor
}

// CommonTriggerBinding implements Binding for any message type through a
// Strategy and an ArgumentBinding.
type CommonTriggerBinding[M any] struct {
	name       string
	kind       string
	attr       any
	connection string
	strategy   Strategy[M]
	arg        *ArgumentBinding[M]
	contract   map[string]reflect.Type
	describe   func(d *domain.ParameterDescriptor)
}

// NewCommonTriggerBinding builds the trigger binding of parameter name.
// describe fills the kind-specific part of the descriptor.
func NewCommonTriggerBinding[M any](name string, paramType reflect.Type, kind string, attr any, connection string,
	strategy Strategy[M], conv *convert.Manager, describe func(d *domain.ParameterDescriptor),
	providers ...ElementProvider[M]) (*CommonTriggerBinding[M], error) {
	arg, err := BindTriggerArgument[M](conv, paramType, providers...)
	if err != nil {
		return nil, err
	}

	contract := make(map[string]reflect.Type)
	maps.Copy(contract, arg.Contract())
	static := strategy.StaticContract()
	if arg.Batch {
		static = batchContract(static)
	}
	maps.Copy(contract, static)

	return &CommonTriggerBinding[M]{
		name:       name,
		kind:       kind,
		attr:       attr,
		connection: connection,
		strategy:   strategy,
		arg:        arg,
		contract:   contract,
		describe:   describe,
	}, nil
}

func (b *CommonTriggerBinding[M]) ParameterName() string       { return b.name }
func (b *CommonTriggerBinding[M]) ParameterType() reflect.Type { return b.arg.Type }
func (b *CommonTriggerBinding[M]) Kind() string                { return b.kind }
func (b *CommonTriggerBinding[M]) Attribute() any              { return b.attr }
func (b *CommonTriggerBinding[M]) Connection() string          { return b.connection }
func (b *CommonTriggerBinding[M]) Batch() bool                 { return b.arg.Batch }

func (b *CommonTriggerBinding[M]) Contract() map[string]reflect.Type {
	return maps.Clone(b.contract)
}

func (b *CommonTriggerBinding[M]) Describe() domain.ParameterDescriptor {
	d := domain.ParameterDescriptor{
		Name: b.name,
		Type: b.arg.Type.String(),
		Kind: b.kind + "_trigger",
	}
	if b.describe != nil {
		b.describe(&d)
	}
	return d
}

func (b *CommonTriggerBinding[M]) Bind(_ context.Context, value any) (*TriggerData, error) {
	in, err := b.input(value)
	if err != nil {
		return nil, err
	}
	v, userData, err := b.bindArgument(in)
	if err != nil {
		return nil, errors.Wrapf(err, "bind trigger parameter %s", b.name)
	}

	data := make(map[string]any, len(b.contract))
	maps.Copy(data, userData)
	maps.Copy(data, b.strategy.ContractInstance(in))
	return &TriggerData{
		Value:        v,
		BindingData:  data,
		InvokeString: b.strategy.InvokeString(in),
	}, nil
}

// bindArgument takes the payload from the strategy for the dispatch mode of
// the parameter and converts it.
func (b *CommonTriggerBinding[M]) bindArgument(in Input[M]) (reflect.Value, map[string]any, error) {
	if b.arg.Batch {
		msgs, err := b.strategy.BindMessageArray(in)
		if err != nil {
			return reflect.Value{}, nil, err
		}
		v, err := b.arg.BindMessages(msgs)
		return v, nil, err
	}
	m, err := b.strategy.BindMessage(in)
	if err != nil {
		return reflect.Value{}, nil, err
	}
	return b.arg.BindMessage(m)
}

// input normalizes value to the dispatch mode of the parameter.
func (b *CommonTriggerBinding[M]) input(value any) (Input[M], error) {
	var in Input[M]
	switch v := value.(type) {
	case Input[M]:
		in = v
	case M:
		in = Single(v)
	case []M:
		in = BatchOf(v)
	case string:
		var err error
		if in, err = b.fromInvokeString(v); err != nil {
			return in, err
		}
	default:
		return in, errors.Newf("trigger %s: unsupported trigger value %T", b.name, value)
	}

	switch {
	case b.arg.Batch && !in.Batch:
		in.Batch = true
	case !b.arg.Batch && in.Batch:
		if len(in.Messages) != 1 {
			return in, errors.Newf("trigger %s: got a batch of %d messages for a single-message parameter",
				b.name, len(in.Messages))
		}
		in.Batch = false
	}
	return in, nil
}

// fromInvokeString parses an invoke string. A batch parameter accepts the
// JSON array InvokeString produces for batches, or a single message.
func (b *CommonTriggerBinding[M]) fromInvokeString(s string) (Input[M], error) {
	if b.arg.Batch {
		var parts []string
		if err := json.Unmarshal([]byte(s), &parts); err == nil {
			msgs := make([]M, 0, len(parts))
			for _, p := range parts {
				in, err := b.strategy.ConvertFromString(p)
				if err != nil {
					return Input[M]{}, err
				}
				msgs = append(msgs, in.Messages...)
			}
			return BatchOf(msgs), nil
		}
	}
	return b.strategy.ConvertFromString(s)
}
