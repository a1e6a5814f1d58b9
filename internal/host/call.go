package host

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/oriys/jobhost/internal/domain"
	"github.com/oriys/jobhost/internal/indexer"
)

// Call runs a function directly. args maps parameter names to invoke
// strings: the trigger parameter is converted from its invoke string,
// other parameters are bound from theirs when replayable, and parameters
// without a value are bound with args as name parameters.
func (h *JobHost) Call(ctx context.Context, name string, args map[string]string) (*domain.FunctionInstance, error) {
	def, ok := h.index.Lookup(name)
	if !ok {
		return nil, errors.Wrapf(ErrFunctionNotFound, "%q", name)
	}
	return h.execute(ctx, h.directInvocation(def, domain.ReasonHostCall, "", args))
}

// Replay runs a recorded instance again with the invoke strings it was
// recorded with. The new instance has the replayed one as its parent.
func (h *JobHost) Replay(ctx context.Context, inst *domain.FunctionInstance) (*domain.FunctionInstance, error) {
	def, ok := h.index.Lookup(inst.FunctionName)
	if !ok {
		return nil, errors.Wrapf(ErrFunctionNotFound, "%q", inst.FunctionName)
	}
	return h.execute(ctx, h.directInvocation(def, domain.ReasonReplay, inst.ID, inst.Arguments))
}

// ReplayByID replays an instance kept in the instance log.
func (h *JobHost) ReplayByID(ctx context.Context, id string) (*domain.FunctionInstance, error) {
	inst, ok := h.instances.Get(id)
	if !ok {
		return nil, errors.Newf("function instance %s not found", id)
	}
	return h.Replay(ctx, inst)
}

func (h *JobHost) directInvocation(def *indexer.Definition, reason domain.ExecutionReason, parentID string,
	args map[string]string) invocation {
	inv := invocation{def: def, reason: reason, parentID: parentID, args: args}
	if def.Trigger != nil {
		if v, ok := args[def.Trigger.ParameterName()]; ok {
			inv.trigger, inv.hasTrigger = v, true
		}
	}
	return inv
}
