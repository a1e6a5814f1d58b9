// Package indexer turns function registrations into definitions: it finds
// the trigger of every function, builds a static binding per remaining
// parameter and checks that every placeholder a binding consumes is
// produced by the trigger.
package indexer

import (
	"context"
	"io"
	"reflect"
	"slices"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/oriys/jobhost/internal/binding"
	"github.com/oriys/jobhost/internal/domain"
	"github.com/oriys/jobhost/internal/listeners"
	"github.com/oriys/jobhost/internal/logging"
	"github.com/oriys/jobhost/internal/metrics"
	"github.com/oriys/jobhost/internal/triggers"
)

// ErrInvalidFunction marks configuration errors found while indexing.
var ErrInvalidFunction = errors.New("indexer: invalid function")

var (
	errorType   = reflect.TypeFor[error]()
	contextType = reflect.TypeFor[context.Context]()
	binderType  = reflect.TypeFor[binding.Binder]()
	writerType  = reflect.TypeFor[io.Writer]()
)

// Indexer builds definitions against one set of binding services.
type Indexer struct {
	svc       *binding.Services
	inputs    binding.RuntimeInputs
	providers []triggers.Provider
}

// Option configures an Indexer.
type Option func(*Indexer)

// WithTriggerProvider adds a trigger provider that is asked before the
// built-in ones.
func WithTriggerProvider(p triggers.Provider) Option {
	return func(ix *Indexer) {
		ix.providers = append([]triggers.Provider{p}, ix.providers...)
	}
}

// New returns an indexer. inputs carries the default connections trigger
// bindings resolve at index time.
func New(svc *binding.Services, inputs binding.RuntimeInputs, opts ...Option) *Indexer {
	ix := &Indexer{svc: svc, inputs: inputs, providers: triggers.DefaultProviders()}
	for _, opt := range opts {
		opt(ix)
	}
	return ix
}

// Index indexes every registration. A function that fails is recorded in
// Index.Errors and does not stop the others.
func (ix *Indexer) Index(regs []Registration) *Index {
	out := &Index{}
	seen := make(map[string]bool, len(regs))
	for _, reg := range regs {
		if seen[reg.Name] {
			out.Errors = append(out.Errors, indexError(reg.Name,
				errors.Mark(errors.Newf("duplicate function name %q", reg.Name), ErrInvalidFunction)))
			metrics.Global().RecordIndexError(reg.Name)
			continue
		}
		seen[reg.Name] = true

		def, err := ix.IndexFunction(reg)
		if err != nil {
			out.Errors = append(out.Errors, indexError(reg.Name, err))
			metrics.Global().RecordIndexError(reg.Name)
			logging.Op().Error("function indexing failed", "function", reg.Name, "error", err)
			continue
		}
		if def == nil {
			logging.Op().Debug("function skipped: no trigger and no binding attributes", "function", reg.Name)
			continue
		}
		out.Definitions = append(out.Definitions, def)
		logging.Op().Info("function indexed", "function", reg.Name, "trigger", def.Descriptor.Trigger)
	}
	return out
}

func indexError(name string, err error) error {
	return errors.Wrapf(err, "error indexing method '%s'", name)
}

func invalidf(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrInvalidFunction)
}

// IndexFunction indexes one registration. It returns (nil, nil) for
// functions that are skipped because nothing would ever run them.
func (ix *Indexer) IndexFunction(reg Registration) (*Definition, error) {
	fv, ft, err := checkRegistration(reg)
	if err != nil {
		return nil, err
	}

	tb, triggerIndex, err := ix.findTrigger(reg, ft)
	if err != nil {
		return nil, err
	}
	if tb != nil && reg.NoAutomaticTrigger {
		return nil, invalidf("function has a %s trigger and NoAutomaticTrigger set", tb.Kind())
	}
	if tb == nil && !reg.NoAutomaticTrigger && !hasAttributes(reg) {
		return nil, nil
	}

	var contract map[string]reflect.Type
	if tb != nil {
		contract = tb.Contract()
	}

	params := make([]ParameterBinding, len(reg.Parameters))
	consoles := 0
	for i, p := range reg.Parameters {
		t := ft.In(i)
		if i == triggerIndex {
			params[i] = ParameterBinding{Name: p.Name, Type: t, Trigger: tb}
			continue
		}
		s, err := ix.bindParameter(p, t, tb != nil, reg.NoAutomaticTrigger, contract)
		if err != nil {
			return nil, err
		}
		if err := binding.Validate(s, ix.svc); err != nil {
			return nil, errors.Wrapf(err, "parameter '%s'", p.Name)
		}
		if _, ok := s.(*binding.ConsoleOutputBinding); ok {
			consoles++
		}
		params[i] = ParameterBinding{Name: p.Name, Type: t, Static: s}
	}
	if consoles > 1 {
		return nil, invalidf("at most one console output parameter is allowed, found %d", consoles)
	}

	if tb != nil {
		if err := checkRouteParameters(params, contract); err != nil {
			return nil, err
		}
	}

	def := &Definition{
		Descriptor: describe(reg, tb, params),
		Trigger:    tb,
		Parameters: params,
		Func:       fv,
	}
	if tb != nil {
		if def.ListenerFactory, err = listeners.FactoryFor(tb); err != nil {
			return nil, err
		}
	}
	return def, nil
}

func checkRegistration(reg Registration) (reflect.Value, reflect.Type, error) {
	if err := domain.ValidateFunctionName(reg.Name); err != nil {
		return reflect.Value{}, nil, errors.Mark(err, ErrInvalidFunction)
	}
	fv := reflect.ValueOf(reg.Func)
	if fv.Kind() != reflect.Func || fv.IsNil() {
		return reflect.Value{}, nil, invalidf("registration is %T, not a function", reg.Func)
	}
	ft := fv.Type()
	if ft.IsVariadic() {
		return reflect.Value{}, nil, invalidf("variadic functions are not supported")
	}
	if ft.NumIn() != len(reg.Parameters) {
		return reflect.Value{}, nil, invalidf("function takes %d parameters but %d are declared",
			ft.NumIn(), len(reg.Parameters))
	}
	names := make(map[string]bool, len(reg.Parameters))
	for _, p := range reg.Parameters {
		if p.Name == "" {
			return reflect.Value{}, nil, invalidf("parameter names must not be empty")
		}
		if names[p.Name] {
			return reflect.Value{}, nil, invalidf("duplicate parameter name '%s'", p.Name)
		}
		names[p.Name] = true
	}
	switch {
	case ft.NumOut() == 0:
	case ft.NumOut() == 1 && ft.Out(0) == errorType:
	default:
		return reflect.Value{}, nil, invalidf("functions must return nothing or a single error, not %s", ft)
	}
	return fv, ft, nil
}

// findTrigger asks the providers about every attributed parameter. More
// than one trigger is an error.
func (ix *Indexer) findTrigger(reg Registration, ft reflect.Type) (triggers.Binding, int, error) {
	pc := triggers.ProviderContext{Services: ix.svc, Inputs: ix.inputs}
	var (
		found triggers.Binding
		index = -1
		names []string
	)
	for i, p := range reg.Parameters {
		if p.Attribute == nil {
			continue
		}
		for _, prov := range ix.providers {
			tb, err := prov.TryCreate(pc, triggers.Parameter{Name: p.Name, Type: ft.In(i), Attribute: p.Attribute})
			if err != nil {
				return nil, -1, errors.Wrapf(err, "trigger parameter '%s'", p.Name)
			}
			if tb == nil {
				continue
			}
			names = append(names, p.Name)
			found, index = tb, i
			break
		}
	}
	if len(names) > 1 {
		return nil, -1, invalidf("more than one trigger parameter: %v", names)
	}
	return found, index, nil
}

func hasAttributes(reg Registration) bool {
	return slices.ContainsFunc(reg.Parameters, func(p Parameter) bool { return p.Attribute != nil })
}

// bindParameter builds the static binding of a non-trigger parameter.
func (ix *Indexer) bindParameter(p Parameter, t reflect.Type, hasTrigger, noAutomatic bool,
	contract map[string]reflect.Type) (binding.StaticBinding, error) {
	if p.Attribute != nil {
		s, err := binding.FromAttribute(p.Name, t, p.Attribute)
		if err != nil {
			return nil, errors.Wrapf(err, "parameter '%s'", p.Name)
		}
		if s == nil {
			return nil, invalidf("parameter '%s': unknown attribute %T", p.Name, p.Attribute)
		}
		return s, nil
	}

	switch {
	case t == contextType:
		return binding.NewCancellationBinding(p.Name, t), nil
	case t == binderType:
		return binding.NewBinderBinding(p.Name, t), nil
	case t == writerType:
		return binding.NewConsoleOutputBinding(p.Name, t), nil
	case ix.svc.AccountTypes.Has(t):
		return binding.NewStorageAccountBinding(p.Name, t, ""), nil
	}
	if _, ok := contract[p.Name]; ok {
		return binding.NewNameBinding(p.Name, t), nil
	}
	if !hasTrigger || noAutomatic {
		return binding.NewInvokeBinding(p.Name, t), nil
	}
	return nil, errors.Wrapf(binding.ErrUnsupportedType,
		"parameter '%s' of type %s: no attribute, not a known type and not in the trigger's binding data", p.Name, t)
}

// checkRouteParameters verifies every consumed placeholder is produced by
// the trigger contract or another binding.
func checkRouteParameters(params []ParameterBinding, contract map[string]reflect.Type) error {
	produced := make(map[string]bool, len(contract))
	for name := range contract {
		produced[name] = true
	}
	for _, p := range params {
		if p.Static == nil {
			continue
		}
		for _, name := range binding.ProducedRouteParameters(p.Static) {
			produced[name] = true
		}
	}
	for _, p := range params {
		if p.Static == nil {
			continue
		}
		for _, name := range binding.ConsumedRouteParameters(p.Static) {
			if !produced[name] {
				return invalidf("parameter '%s' uses {%s}, which the trigger does not provide (available: %v)",
					p.Name, name, sortedKeys(produced))
			}
		}
	}
	return nil
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func describe(reg Registration, tb triggers.Binding, params []ParameterBinding) domain.FunctionDescriptor {
	d := domain.FunctionDescriptor{
		ID:                 reg.Name,
		Name:               reg.Name,
		NoAutomaticTrigger: reg.NoAutomaticTrigger,
		Parameters:         make([]domain.ParameterDescriptor, len(params)),
	}
	if tb != nil {
		d.Trigger = tb.Kind()
		d.TriggerParameter = tb.ParameterName()
		d.Batch = tb.Batch()
	}
	for i, p := range params {
		if p.Trigger != nil {
			d.Parameters[i] = p.Trigger.Describe()
			continue
		}
		d.Parameters[i] = binding.Describe(p.Static)
	}
	return d
}
