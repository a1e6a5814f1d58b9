// Package convert holds the type-pair converter registry used by every
// binding that needs to move a value from one Go type to another.
//
// Resolution order for (src, dst):
//
//  1. an exact registration for (src, dst);
//  2. otherwise a registration for (string, dst) is required, and its absence
//     is reported immediately by Resolve rather than at conversion time;
//  3. src == string uses that converter directly;
//  4. src == []byte decodes through the registered ([]byte, string) converter,
//     or UTF-8 when none is registered, then converts the string;
//  5. any other src is marshalled to JSON and the JSON text converted.
package convert

import (
	"encoding/json"
	"reflect"
	"sync"

	"github.com/cockroachdb/errors"
)

// ErrNoConversion is returned by Resolve when no conversion path exists.
var ErrNoConversion = errors.New("convert: no conversion path")

// Func converts a value of the source type into the destination type.
type Func func(src any) (any, error)

type pair struct {
	src, dst reflect.Type
}

var (
	stringType = reflect.TypeFor[string]()
	bytesType  = reflect.TypeFor[[]byte]()
)

// Manager is a registry of converters keyed by ordered type pair. It is safe
// for concurrent use; registrations are normally done once at startup.
type Manager struct {
	mu    sync.RWMutex
	funcs map[pair]Func
}

// NewManager returns an empty Manager.
func NewManager() *Manager {
	return &Manager{funcs: make(map[pair]Func)}
}

// Add registers fn for (src, dst), replacing any earlier registration for
// the same ordered pair.
func (m *Manager) Add(src, dst reflect.Type, fn Func) {
	m.mu.Lock()
	m.funcs[pair{src, dst}] = fn
	m.mu.Unlock()
}

// Has reports whether an exact converter is registered for (src, dst).
func (m *Manager) Has(src, dst reflect.Type) bool {
	_, ok := m.exact(src, dst)
	return ok
}

func (m *Manager) exact(src, dst reflect.Type) (Func, bool) {
	m.mu.RLock()
	fn, ok := m.funcs[pair{src, dst}]
	m.mu.RUnlock()
	return fn, ok
}

// Resolve returns a converter from src to dst following the package-level
// resolution order. A missing path is reported here, before any value is
// converted.
func (m *Manager) Resolve(src, dst reflect.Type) (Func, error) {
	if fn, ok := m.exact(src, dst); ok {
		return fn, nil
	}

	fromString, ok := m.exact(stringType, dst)
	if !ok {
		return nil, errors.Wrapf(ErrNoConversion, "from %s to %s: register a converter from string to %s", src, dst, dst)
	}

	switch src {
	case stringType:
		return fromString, nil
	case bytesType:
		decode, ok := m.exact(bytesType, stringType)
		if !ok {
			decode = utf8Decode
		}
		return func(v any) (any, error) {
			s, err := decode(v)
			if err != nil {
				return nil, err
			}
			return fromString(s)
		}, nil
	}

	return func(v any) (any, error) {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return fromString(string(b))
	}, nil
}

func utf8Decode(v any) (any, error) {
	b, _ := v.([]byte)
	return string(b), nil
}

// AddConverter registers a typed converter.
func AddConverter[TSrc, TDest any](m *Manager, fn func(TSrc) (TDest, error)) {
	m.Add(reflect.TypeFor[TSrc](), reflect.TypeFor[TDest](), func(v any) (any, error) {
		src, _ := v.(TSrc)
		return fn(src)
	})
}

// GetConverter resolves a typed converter, failing fast when no conversion
// path exists.
func GetConverter[TSrc, TDest any](m *Manager) (func(TSrc) (TDest, error), error) {
	fn, err := m.Resolve(reflect.TypeFor[TSrc](), reflect.TypeFor[TDest]())
	if err != nil {
		return nil, err
	}
	return func(src TSrc) (TDest, error) {
		var zero TDest
		out, err := fn(src)
		if err != nil {
			return zero, err
		}
		dst, ok := out.(TDest)
		if !ok && out != nil {
			return zero, errors.Newf("convert: converter returned %T, want %s", out, reflect.TypeFor[TDest]())
		}
		return dst, nil
	}, nil
}
