package binding

import (
	"context"
	"fmt"
	"reflect"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/oriys/jobhost/internal/convert"
)

type sendFunc func(ctx context.Context, item any) error

// collector is implemented by *AsyncCollector[T] and *Collector[T].
type collector interface {
	attach(ctx context.Context, send sendFunc)
	itemType() reflect.Type
	async() bool
}

var collectorType = reflect.TypeFor[collector]()

var errUnbound = errors.New("binding: collector is not bound to an output")

// AsyncCollector sends items to an output binding as they are added.
type AsyncCollector[T any] struct {
	send sendFunc
}

// Add sends item immediately.
func (c *AsyncCollector[T]) Add(ctx context.Context, item T) error {
	if c.send == nil {
		return errUnbound
	}
	return c.send(ctx, item)
}

func (c *AsyncCollector[T]) attach(_ context.Context, send sendFunc) {
	c.send = send
}

func (c *AsyncCollector[T]) itemType() reflect.Type {
	return reflect.TypeFor[T]()
}

func (c *AsyncCollector[T]) async() bool {
	return true
}

// Collector is the synchronous form of AsyncCollector; items are sent with
// the invocation's context.
type Collector[T any] struct {
	ctx  context.Context
	send sendFunc
}

func (c *Collector[T]) Add(item T) error {
	if c.send == nil {
		return errUnbound
	}
	return c.send(c.ctx, item)
}

func (c *Collector[T]) attach(ctx context.Context, send sendFunc) {
	c.ctx, c.send = ctx, send
}

func (c *Collector[T]) itemType() reflect.Type {
	return reflect.TypeFor[T]()
}

func (c *Collector[T]) async() bool {
	return false
}

type collectorShape int

const (
	shapeNone collectorShape = iota
	shapeAsync
	shapeSync
	// *T: one item sent after the function returns, skipped when zero.
	shapeOut
	// *[]T: every element sent after the function returns.
	shapeOutSlice
)

func shapeOf(t reflect.Type) (collectorShape, reflect.Type) {
	if t == nil || t.Kind() != reflect.Pointer {
		return shapeNone, nil
	}
	if t.Implements(collectorType) {
		c := reflect.New(t.Elem()).Interface().(collector)
		if c.async() {
			return shapeAsync, c.itemType()
		}
		return shapeSync, c.itemType()
	}
	elem := t.Elem()
	if elem.Kind() == reflect.Slice && elem.Elem().Kind() != reflect.Uint8 {
		return shapeOutSlice, elem.Elem()
	}
	return shapeOut, elem
}

func itemAdapter(conv *convert.Manager, item, msg reflect.Type) (convert.Func, error) {
	if item == msg {
		return func(v any) (any, error) { return v, nil }, nil
	}
	return conv.Resolve(item, msg)
}

func validateCollector(s StaticBinding, msg reflect.Type, svc *Services) error {
	shape, item := shapeOf(s.ParameterType())
	if shape == shapeNone {
		return unsupported(s, "use *binding.AsyncCollector[T], *binding.Collector[T], *T or *[]T")
	}
	if _, err := itemAdapter(svc.Converters, item, msg); err != nil {
		return errors.Wrapf(err, "parameter '%s'", s.ParameterName())
	}
	return nil
}

// bindCollector builds the argument for an output binding whose messages
// have type msg. send delivers one converted message.
func bindCollector(ctx context.Context, t, msg reflect.Type, conv *convert.Manager, dest string,
	send func(ctx context.Context, m any) error) (*BindResult, error) {
	shape, item := shapeOf(t)
	if shape == shapeNone {
		return nil, errors.Wrapf(ErrUnsupportedType, "can't bind to type '%s'", typeName(t))
	}
	adapt, err := itemAdapter(conv, item, msg)
	if err != nil {
		return nil, err
	}

	var sent atomic.Int64
	sendItem := func(ctx context.Context, v any) error {
		m, err := adapt(v)
		if err != nil {
			return err
		}
		if err := send(ctx, m); err != nil {
			return err
		}
		sent.Add(1)
		return nil
	}
	status := func() string {
		return fmt.Sprintf("Sent %d message(s) to %s.", sent.Load(), dest)
	}

	res := &BindResult{Status: status}
	switch shape {
	case shapeAsync, shapeSync:
		v := reflect.New(t.Elem())
		v.Interface().(collector).attach(ctx, sendItem)
		res.Value = v
	case shapeOut:
		v := reflect.New(item)
		res.Value = v
		res.Post = func(ctx context.Context) error {
			if v.Elem().IsZero() {
				return nil
			}
			return sendItem(ctx, v.Elem().Interface())
		}
	case shapeOutSlice:
		v := reflect.New(reflect.SliceOf(item))
		res.Value = v
		res.Post = func(ctx context.Context) error {
			items := v.Elem()
			for i := 0; i < items.Len(); i++ {
				if err := sendItem(ctx, items.Index(i).Interface()); err != nil {
					return errors.Wrapf(err, "send item %d", i)
				}
			}
			return nil
		}
	}
	return res, nil
}
