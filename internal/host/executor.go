package host

import (
	"bytes"
	"context"
	"reflect"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/oriys/jobhost/internal/binding"
	"github.com/oriys/jobhost/internal/domain"
	"github.com/oriys/jobhost/internal/indexer"
	"github.com/oriys/jobhost/internal/listeners"
	"github.com/oriys/jobhost/internal/logging"
	"github.com/oriys/jobhost/internal/metrics"
	"github.com/oriys/jobhost/internal/observability"
	"github.com/oriys/jobhost/internal/triggers"
)

// functionExecutor is the listeners.Executor of one function.
type functionExecutor struct {
	host *JobHost
	def  *indexer.Definition
}

func (e *functionExecutor) Execute(ctx context.Context, value any) error {
	_, err := e.host.execute(ctx, invocation{
		def:        e.def,
		reason:     listeners.ReasonFrom(ctx),
		trigger:    value,
		hasTrigger: true,
	})
	return err
}

// invocation is one request to run a function.
type invocation struct {
	def      *indexer.Definition
	reason   domain.ExecutionReason
	parentID string
	// trigger is the listener value or the invoke string of the trigger
	// parameter.
	trigger    any
	hasTrigger bool
	// args are invoke strings by parameter name, for direct calls and
	// replays. They also serve as name parameters.
	args map[string]string
}

// consoleBuffer collects what a function writes to its console output
// parameter.
type consoleBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (c *consoleBuffer) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Write(p)
}

func (c *consoleBuffer) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}

// execute binds every parameter, calls the function and runs the post
// actions of its bindings. The returned instance is recorded in the
// instance log whether or not the execution succeeded.
func (h *JobHost) execute(ctx context.Context, inv invocation) (*domain.FunctionInstance, error) {
	if h.closing.Load() {
		return nil, ErrShuttingDown
	}
	h.inflight.Add(1)
	defer h.inflight.Done()

	def := inv.def
	inst := &domain.FunctionInstance{
		ID:           uuid.New().String(),
		FunctionID:   def.Descriptor.ID,
		FunctionName: def.Descriptor.Name,
		Reason:       inv.reason,
		ParentID:     inv.parentID,
		Arguments:    make(map[string]string, len(def.Parameters)),
	}

	ctx, span := observability.StartSpan(ctx, "jobhost.invoke",
		observability.AttrFunctionName.String(def.Descriptor.Name),
		observability.AttrFunctionID.String(def.Descriptor.ID),
		observability.AttrInstanceID.String(inst.ID),
		observability.AttrReason.String(string(inv.reason)),
		observability.AttrTrigger.String(def.Descriptor.Trigger),
	)
	defer span.End()

	metrics.IncActiveInvocations()
	defer metrics.DecActiveInvocations()

	inst.TraceID = observability.GetTraceID(ctx)
	inst.StartTime = time.Now()
	console := &consoleBuffer{}

	statuses, err := h.run(ctx, inv, inst, console)

	inst.EndTime = time.Now()
	inst.Succeeded = err == nil
	if err != nil {
		inst.Error = err.Error()
	}
	inst.ParameterLogs = statuses
	inst.ConsoleOutput = console.String()
	durationMs := inst.Duration().Milliseconds()

	span.SetAttributes(observability.AttrDurationMs.Int64(durationMs))
	if err != nil {
		observability.SetSpanError(span, err)
		spanID := ""
		if sc := span.SpanContext(); sc.HasSpanID() {
			spanID = sc.SpanID().String()
		}
		logging.OpWithTrace(inst.TraceID, spanID).Warn("function failed",
			"function", def.Descriptor.Name, "instance", inst.ID, "reason", inv.reason, "error", err)
	} else {
		observability.SetSpanOK(span)
	}
	metrics.Global().RecordInvocation(def.Descriptor.Name, def.Descriptor.Trigger, durationMs, err == nil)
	if inst.ConsoleOutput != "" {
		h.outputs.Store(inst.ID, def.Descriptor.Name, inst.ConsoleOutput)
	}
	h.instances.Log(inst)
	return inst, err
}

// run is the binding pipeline of one execution: trigger value, name
// parameters, static bindings, call, post actions.
func (h *JobHost) run(ctx context.Context, inv invocation, inst *domain.FunctionInstance,
	console *consoleBuffer) (map[string]string, error) {
	def := inv.def

	names := make(map[string]string, len(inv.args))
	for k, v := range inv.args {
		names[k] = v
	}

	args := make([]reflect.Value, len(def.Parameters))
	if def.Trigger != nil {
		if !inv.hasTrigger {
			return nil, errors.Newf("no value was supplied for trigger parameter '%s'", def.Trigger.ParameterName())
		}
		td, err := def.Trigger.Bind(ctx, inv.trigger)
		if err != nil {
			return nil, errors.Wrapf(err, "exception binding parameter '%s'", def.Trigger.ParameterName())
		}
		for k, v := range triggers.NameParameters(td.BindingData) {
			names[k] = v
		}
		inst.Arguments[def.Trigger.ParameterName()] = td.InvokeString
		for i, p := range def.Parameters {
			if p.Trigger != nil {
				args[i] = td.Value
			}
		}
	}

	inputs := h.inputs
	inputs.NameParameters = names
	bctx := &binding.BindContext{
		Services:   h.svc,
		InstanceID: inst.ID,
		Inputs:     inputs,
		Console:    console,
		Binder:     binding.NewBinderWrapper(h.svc, inputs),
	}

	var (
		posts    []func(ctx context.Context) error
		postName []string
		status   = make(map[string]func() string)
	)
	for i, p := range def.Parameters {
		if p.Static == nil {
			continue
		}
		rt, err := h.bindStatic(p.Static, inputs, inv.args)
		if err != nil {
			return nil, errors.Wrapf(err, "exception binding parameter '%s'", p.Name)
		}
		if s, ok := binding.ConvertToInvokeString(rt); ok {
			inst.Arguments[p.Name] = s
		}
		res, err := binding.BindValue(ctx, rt, bctx)
		if err != nil {
			return nil, errors.Wrapf(err, "exception binding parameter '%s'", p.Name)
		}
		args[i] = res.Value
		if res.Post != nil {
			posts = append(posts, res.Post)
			postName = append(postName, p.Name)
		}
		if res.Status != nil {
			status[p.Name] = res.Status
		}
	}

	err := call(def.Func, args)
	if err == nil {
		var errs []error
		for i, post := range posts {
			if perr := post(ctx); perr != nil {
				errs = append(errs, errors.Wrapf(perr, "error while handling parameter '%s' after function returned", postName[i]))
			}
		}
		err = errors.Join(errs...)
	}

	logs := make(map[string]string, len(status))
	for name, fn := range status {
		if s := fn(); s != "" {
			logs[name] = s
		}
	}
	return logs, err
}

// bindStatic resolves a static binding from a supplied invoke string when
// there is one and the binding is replayable, and from the name
// parameters otherwise.
func (h *JobHost) bindStatic(s binding.StaticBinding, inputs binding.RuntimeInputs,
	args map[string]string) (binding.RuntimeBinding, error) {
	if v, ok := args[s.ParameterName()]; ok {
		rt, err := binding.BindFromInvokeString(s, inputs, v, h.svc)
		if err != nil {
			return nil, err
		}
		if rt != nil {
			return rt, nil
		}
	}
	return binding.Bind(s, inputs, h.svc)
}

// call invokes fn, turning a panic into an error.
func call(fn reflect.Value, args []reflect.Value) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logging.Op().Error("recovered panic in function", "panic", r)
			err = errors.Newf("function panicked: %v", r)
		}
	}()
	out := fn.Call(args)
	if len(out) == 1 && !out[0].IsNil() {
		return out[0].Interface().(error)
	}
	return nil
}
