package triggers

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/oriys/jobhost/internal/binding"
	"github.com/oriys/jobhost/internal/convert"
	"github.com/tidwall/gjson"
)

var (
	stringType = reflect.TypeFor[string]()
	bytesType  = reflect.TypeFor[[]byte]()
	timeType   = reflect.TypeFor[time.Time]()
)

// ElementBinding turns one message into one argument element.
type ElementBinding[M any] struct {
	Convert func(m M) (reflect.Value, error)
	// Contract is the binding data the element contributes in single
	// dispatch mode. Nil for most providers.
	Contract    map[string]reflect.Type
	BindingData func(m M) (map[string]any, error)
}

// ElementProvider builds an ElementBinding for an element type, or returns
// nil when it does not handle that type.
type ElementProvider[M any] interface {
	TryCreate(conv *convert.Manager, elem reflect.Type) (*ElementBinding[M], error)
}

// PassthroughProvider hands the message itself to parameters of type M.
type PassthroughProvider[M any] struct{}

func (PassthroughProvider[M]) TryCreate(_ *convert.Manager, elem reflect.Type) (*ElementBinding[M], error) {
	if elem != reflect.TypeFor[M]() {
		return nil, nil
	}
	return &ElementBinding[M]{
		Convert: func(m M) (reflect.Value, error) { return reflect.ValueOf(&m).Elem(), nil },
	}, nil
}

// ConverterProvider uses an exact M->T converter, which covers string and
// []byte for every registered message type.
type ConverterProvider[M any] struct{}

func (ConverterProvider[M]) TryCreate(conv *convert.Manager, elem reflect.Type) (*ElementBinding[M], error) {
	msgType := reflect.TypeFor[M]()
	if conv == nil || !conv.Has(msgType, elem) {
		return nil, nil
	}
	fn, err := conv.Resolve(msgType, elem)
	if err != nil {
		return nil, err
	}
	return &ElementBinding[M]{
		Convert: func(m M) (reflect.Value, error) {
			out, err := fn(m)
			if err != nil {
				return reflect.Value{}, err
			}
			v := reflect.New(elem).Elem()
			if out != nil {
				v.Set(reflect.ValueOf(out))
			}
			return v, nil
		},
	}, nil
}

// UserTypeProvider deserializes the message payload as JSON into a struct
// or a pointer to a struct. The exported scalar fields of the struct become
// binding data, read from the raw payload.
type UserTypeProvider[M any] struct{}

func (UserTypeProvider[M]) TryCreate(conv *convert.Manager, elem reflect.Type) (*ElementBinding[M], error) {
	st := elem
	if st.Kind() == reflect.Pointer {
		st = st.Elem()
	}
	if st.Kind() != reflect.Struct || st == timeType || conv == nil {
		return nil, nil
	}
	raw, err := rawPayload[M](conv)
	if err != nil || raw == nil {
		return nil, err
	}

	contract := userTypeContract(st)
	return &ElementBinding[M]{
		Convert: func(m M) (reflect.Value, error) {
			b, err := raw(m)
			if err != nil {
				return reflect.Value{}, err
			}
			ptr := reflect.New(st)
			if err := json.Unmarshal(b, ptr.Interface()); err != nil {
				return reflect.Value{}, jsonBindingError(elem, err)
			}
			if elem.Kind() == reflect.Pointer {
				return ptr, nil
			}
			return ptr.Elem(), nil
		},
		Contract: contract,
		BindingData: func(m M) (map[string]any, error) {
			b, err := raw(m)
			if err != nil {
				return nil, err
			}
			return userTypeBindingData(b, contract), nil
		},
	}, nil
}

// rawPayload returns the M->[]byte converter, falling back to M->string.
func rawPayload[M any](conv *convert.Manager) (func(M) ([]byte, error), error) {
	msgType := reflect.TypeFor[M]()
	switch {
	case conv.Has(msgType, bytesType):
		fn, err := convert.GetConverter[M, []byte](conv)
		if err != nil {
			return nil, err
		}
		return fn, nil
	case conv.Has(msgType, stringType):
		fn, err := convert.GetConverter[M, string](conv)
		if err != nil {
			return nil, err
		}
		return func(m M) ([]byte, error) {
			s, err := fn(m)
			return []byte(s), err
		}, nil
	}
	return nil, nil
}

func jsonBindingError(t reflect.Type, err error) error {
	name := typeName(t)
	return errors.Newf("Binding parameters to complex objects (such as '%s') uses JSON serialization. "+
		"1. Bind the parameter type as 'string' instead of '%s' to get the raw values and avoid JSON deserialization, or "+
		"2. Change the message payload to be valid json. The JSON parser failed: %s", name, name, err.Error())
}

func typeName(t reflect.Type) string {
	if t.Kind() == reflect.Pointer {
		return t.Elem().Name()
	}
	return t.Name()
}

func isScalar(t reflect.Type) bool {
	if t == timeType {
		return true
	}
	switch t.Kind() {
	case reflect.String, reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}

// userTypeContract maps the JSON names of the exported scalar fields of st
// to their types.
func userTypeContract(st reflect.Type) map[string]reflect.Type {
	contract := make(map[string]reflect.Type)
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		if !f.IsExported() || f.Anonymous || !isScalar(f.Type) {
			continue
		}
		name := f.Name
		if tag, ok := f.Tag.Lookup("json"); ok {
			tagName, _, _ := strings.Cut(tag, ",")
			if tagName == "-" {
				continue
			}
			if tagName != "" {
				name = tagName
			}
		}
		contract[name] = f.Type
	}
	return contract
}

// userTypeBindingData reads the contract fields from the top level of a
// JSON object. Keys match case-insensitively like encoding/json does.
func userTypeBindingData(raw []byte, contract map[string]reflect.Type) map[string]any {
	data := make(map[string]any, len(contract))
	if !gjson.ValidBytes(raw) {
		return data
	}
	doc := gjson.ParseBytes(raw)
	if !doc.IsObject() {
		return data
	}
	doc.ForEach(func(key, value gjson.Result) bool {
		name, t, ok := lookupField(contract, key.String())
		if !ok || value.Type == gjson.Null {
			return true
		}
		if _, seen := data[name]; seen {
			return true
		}
		ptr := reflect.New(t)
		if err := json.Unmarshal([]byte(value.Raw), ptr.Interface()); err == nil {
			data[name] = ptr.Elem().Interface()
		}
		return true
	})
	return data
}

func lookupField(contract map[string]reflect.Type, key string) (string, reflect.Type, bool) {
	if t, ok := contract[key]; ok {
		return key, t, true
	}
	for name, t := range contract {
		if strings.EqualFold(name, key) {
			return name, t, true
		}
	}
	return "", nil, false
}

// CompositeProvider asks each provider in order and keeps the first match.
type CompositeProvider[M any] []ElementProvider[M]

func (c CompositeProvider[M]) TryCreate(conv *convert.Manager, elem reflect.Type) (*ElementBinding[M], error) {
	for _, p := range c {
		eb, err := p.TryCreate(conv, elem)
		if err != nil {
			return nil, err
		}
		if eb != nil {
			return eb, nil
		}
	}
	return nil, nil
}

// DefaultElementProviders returns passthrough, converter and user type
// providers in that order. The user type provider must stay last.
func DefaultElementProviders[M any]() CompositeProvider[M] {
	return CompositeProvider[M]{PassthroughProvider[M]{}, ConverterProvider[M]{}, UserTypeProvider[M]{}}
}

// ArgumentBinding materializes the trigger parameter for one dispatch mode.
type ArgumentBinding[M any] struct {
	Type  reflect.Type
	Batch bool
	elem  *ElementBinding[M]
}

// IsBatchType reports whether a parameter of type t receives a batch of
// messages. []byte is a scalar.
func IsBatchType(t reflect.Type) bool {
	return t.Kind() == reflect.Slice && t.Elem().Kind() != reflect.Uint8
}

// BindTriggerArgument selects the dispatch mode from paramType and finds an
// element binding for it. With no providers the defaults are used.
func BindTriggerArgument[M any](conv *convert.Manager, paramType reflect.Type, providers ...ElementProvider[M]) (*ArgumentBinding[M], error) {
	batch := IsBatchType(paramType) && paramType != reflect.TypeFor[M]()
	elem := paramType
	if batch {
		elem = paramType.Elem()
	}
	var p ElementProvider[M] = DefaultElementProviders[M]()
	if len(providers) > 0 {
		p = CompositeProvider[M](providers)
	}
	eb, err := p.TryCreate(conv, elem)
	if err != nil {
		return nil, err
	}
	if eb == nil {
		return nil, errors.Wrapf(binding.ErrUnsupportedType, "parameter of type %s from trigger message %s",
			paramType, reflect.TypeFor[M]())
	}
	return &ArgumentBinding[M]{Type: paramType, Batch: batch, elem: eb}, nil
}

// Contract is the element contract, present in single mode only.
func (a *ArgumentBinding[M]) Contract() map[string]reflect.Type {
	if a.Batch {
		return nil
	}
	return a.elem.Contract
}

// BindMessage converts a single message into the parameter value and the
// element binding data.
func (a *ArgumentBinding[M]) BindMessage(m M) (reflect.Value, map[string]any, error) {
	v, err := a.elem.Convert(m)
	if err != nil {
		return reflect.Value{}, nil, err
	}
	if a.elem.BindingData == nil {
		return v, nil, nil
	}
	data, err := a.elem.BindingData(m)
	return v, data, err
}

// BindMessages converts a batch into a slice of the parameter type.
func (a *ArgumentBinding[M]) BindMessages(ms []M) (reflect.Value, error) {
	out := reflect.MakeSlice(a.Type, 0, len(ms))
	for i, m := range ms {
		v, err := a.elem.Convert(m)
		if err != nil {
			return reflect.Value{}, errors.Wrapf(err, "message %d of batch", i)
		}
		out = reflect.Append(out, v)
	}
	return out, nil
}

func toString(v any) string {
	return fmt.Sprint(v)
}
