package triggers

import (
	"encoding/json"
	"reflect"
	"time"

	"github.com/cockroachdb/errors"
)

// Input is the value a trigger fires with: one message, or a batch.
type Input[M any] struct {
	Messages []M
	Batch    bool
}

// Single wraps one message.
func Single[M any](m M) Input[M] {
	return Input[M]{Messages: []M{m}}
}

// BatchOf wraps a batch of messages.
func BatchOf[M any](ms []M) Input[M] {
	return Input[M]{Messages: ms, Batch: true}
}

// Strategy knows how to treat one message type as a trigger value.
type Strategy[M any] interface {
	// ConvertFromString builds a single-message input from an invoke
	// string.
	ConvertFromString(s string) (Input[M], error)
	// StaticContract lists the binding data a single message provides.
	StaticContract() map[string]reflect.Type
	ContractInstance(in Input[M]) map[string]any
	BindMessage(in Input[M]) (M, error)
	BindMessageArray(in Input[M]) ([]M, error)
	InvokeString(in Input[M]) string
}

var errEmptyInput = errors.New("triggers: trigger fired without a message")

func bindMessage[M any](in Input[M]) (M, error) {
	var zero M
	if len(in.Messages) != 1 {
		return zero, errors.Wrapf(errEmptyInput, "want one message, got %d", len(in.Messages))
	}
	return in.Messages[0], nil
}

// batchContract turns every type of contract into a slice type.
func batchContract(contract map[string]reflect.Type) map[string]reflect.Type {
	out := make(map[string]reflect.Type, len(contract))
	for k, t := range contract {
		out[k] = reflect.SliceOf(t)
	}
	return out
}

// contractInstance builds binding data from per-message values. In batch
// mode every entry becomes a slice with one element per message.
func contractInstance[M any](in Input[M], contract map[string]reflect.Type, one func(M) map[string]any) map[string]any {
	if !in.Batch {
		if len(in.Messages) != 1 {
			return map[string]any{}
		}
		return one(in.Messages[0])
	}
	slices := make(map[string]reflect.Value, len(contract))
	for k, t := range contract {
		slices[k] = reflect.MakeSlice(reflect.SliceOf(t), 0, len(in.Messages))
	}
	for _, m := range in.Messages {
		values := one(m)
		for k, t := range contract {
			v := reflect.Zero(t)
			if x, ok := values[k]; ok && x != nil {
				v = reflect.ValueOf(x)
			}
			slices[k] = reflect.Append(slices[k], v)
		}
	}
	out := make(map[string]any, len(slices))
	for k, s := range slices {
		out[k] = s.Interface()
	}
	return out
}

// invokeString renders single inputs with one and batches as a JSON array
// of per-message invoke strings.
func invokeString[M any](in Input[M], one func(M) string) string {
	if !in.Batch {
		if len(in.Messages) != 1 {
			return ""
		}
		return one(in.Messages[0])
	}
	parts := make([]string, len(in.Messages))
	for i, m := range in.Messages {
		parts[i] = one(m)
	}
	b, _ := json.Marshal(parts)
	return string(b)
}

// NameParameters renders binding data as the route parameters other
// bindings substitute into their paths.
func NameParameters(data map[string]any) map[string]string {
	out := make(map[string]string, len(data))
	for k, v := range data {
		switch x := v.(type) {
		case nil:
		case string:
			out[k] = x
		case time.Time:
			out[k] = x.UTC().Format(time.RFC3339Nano)
		case []byte:
			out[k] = string(x)
		default:
			rv := reflect.ValueOf(v)
			if rv.Kind() == reflect.Slice {
				b, err := json.Marshal(v)
				if err == nil {
					out[k] = string(b)
				}
				continue
			}
			out[k] = toString(v)
		}
	}
	return out
}
