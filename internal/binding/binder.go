package binding

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
)

// Binder lets a running function bind further parameters imperatively,
// with the same attributes used in its declaration. target must be a
// pointer to a variable of the wanted type.
type Binder interface {
	Bind(ctx context.Context, attr any, target any) error
}

// BindAs binds attr to a new value of type T.
func BindAs[T any](ctx context.Context, b Binder, attr any) (T, error) {
	var v T
	err := b.Bind(ctx, attr, &v)
	return v, err
}

type binderEvent struct {
	name   string
	status func() string
	post   func(ctx context.Context) error
	bound  bool
}

// BinderWrapper is the Binder handed to one invocation. Every bind reserves
// its slot in an event log when it starts; post actions run on Complete in
// the order the binds were started.
type BinderWrapper struct {
	svc    *Services
	inputs RuntimeInputs

	mu     sync.Mutex
	events []binderEvent
}

func NewBinderWrapper(svc *Services, inputs RuntimeInputs) *BinderWrapper {
	return &BinderWrapper{svc: svc, inputs: inputs}
}

func (w *BinderWrapper) Bind(ctx context.Context, attr any, target any) error {
	tv := reflect.ValueOf(target)
	if !tv.IsValid() || tv.Kind() != reflect.Pointer || tv.IsNil() {
		return errors.Newf("binding: bind target must be a non-nil pointer, got %T", target)
	}
	t := tv.Type().Elem()

	w.mu.Lock()
	slot := len(w.events)
	w.events = append(w.events, binderEvent{})
	w.mu.Unlock()

	s, err := FromAttribute(fmt.Sprintf("$binder%d", slot), t, attr)
	if err != nil {
		return err
	}
	if s == nil {
		return errors.Newf("binding: %T is not a binding attribute", attr)
	}
	if err := Validate(s, w.svc); err != nil {
		return err
	}
	rt, err := Bind(s, w.inputs, w.svc)
	if err != nil {
		return err
	}
	res, err := BindValue(ctx, rt, &BindContext{Services: w.svc, Inputs: w.inputs, Binder: w})
	if err != nil {
		return err
	}
	tv.Elem().Set(res.Value)

	w.mu.Lock()
	w.events[slot] = binderEvent{
		name:   Describe(s).Description,
		status: res.Status,
		post:   res.Post,
		bound:  true,
	}
	w.mu.Unlock()
	return nil
}

// snapshot returns the completed binds in the order they were started. A
// slot stays unbound while its bind runs, and for good if the bind failed.
func (w *BinderWrapper) snapshot() []binderEvent {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]binderEvent, 0, len(w.events))
	for _, ev := range w.events {
		if ev.bound {
			out = append(out, ev)
		}
	}
	return out
}

// Complete runs the post actions of every bind. All actions run even when
// one fails; the failures are joined.
func (w *BinderWrapper) Complete(ctx context.Context) error {
	var errs []error
	for _, ev := range w.snapshot() {
		if ev.post == nil {
			continue
		}
		if err := ev.post(ctx); err != nil {
			errs = append(errs, errors.Wrapf(err, "%s", ev.name))
		}
	}
	return errors.Join(errs...)
}

// Status renders one "name: status" line per bind.
func (w *BinderWrapper) Status() string {
	var lines []string
	for _, ev := range w.snapshot() {
		status := ""
		if ev.status != nil {
			status = ev.status()
		}
		lines = append(lines, ev.name+": "+status)
	}
	return strings.Join(lines, "\n")
}
