package listeners

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/oriys/jobhost/internal/domain"
	"github.com/oriys/jobhost/internal/logging"
	"github.com/oriys/jobhost/internal/triggers"
	"github.com/robfig/cron/v3"
)

// TimerListener runs a function on a cron schedule. The schedule status is
// checkpointed so a host that was down when an occurrence was due runs
// the function once on startup with IsPastDue set.
type TimerListener struct {
	functionID   string
	spec         string
	schedule     cron.Schedule
	runOnStartup bool
	status       *Checkpoints
	exec         Executor
	now          func() time.Time

	healthy atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewTimerListener(functionID string, attr triggers.TimerTrigger, status *Checkpoints, exec Executor) (*TimerListener, error) {
	schedule, err := triggers.ParseSchedule(attr.Schedule)
	if err != nil {
		return nil, err
	}
	if status == nil {
		status = NewCheckpoints(nil)
	}
	return &TimerListener{
		functionID:   functionID,
		spec:         attr.Schedule,
		schedule:     schedule,
		runOnStartup: attr.RunOnStartup,
		status:       status,
		exec:         exec,
		now:          time.Now,
	}, nil
}

func newTimerListener(_ context.Context, lc Context) (Listener, error) {
	attr, ok := lc.Trigger.Attribute().(triggers.TimerTrigger)
	if !ok {
		return nil, errors.Newf("timer listener needs a timer trigger, got %T", lc.Trigger.Attribute())
	}
	return NewTimerListener(lc.FunctionID, attr, lc.Checkpoints, lc.Executor)
}

func (l *TimerListener) Start(ctx context.Context) error {
	if err := l.status.Init(ctx); err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})
	l.healthy.Store(true)
	go l.run(runCtx)
	logging.Op().Info("timer listener started", "function", l.functionID, "schedule", l.spec)
	return nil
}

func (l *TimerListener) Stop(ctx context.Context) error {
	if l.cancel == nil {
		return nil
	}
	l.cancel()
	select {
	case <-l.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	l.healthy.Store(false)
	logging.Op().Info("timer listener stopped", "function", l.functionID)
	return nil
}

func (l *TimerListener) IsHealthy() bool { return l.healthy.Load() }

func (l *TimerListener) loadStatus(ctx context.Context) *triggers.ScheduleStatus {
	var status triggers.ScheduleStatus
	found, err := l.status.Load(ctx, KindTimer, l.functionID, &status)
	if err != nil {
		logging.Op().Warn("load timer status failed", "function", l.functionID, "error", err)
		return nil
	}
	if !found {
		return nil
	}
	return &status
}

func (l *TimerListener) run(ctx context.Context) {
	defer close(l.done)

	now := l.now()
	status := l.loadStatus(ctx)
	pastDue := status != nil && !status.Next.IsZero() && now.After(status.Next)
	if pastDue || l.runOnStartup {
		reason := domain.ReasonAutomaticTrigger
		if !pastDue {
			reason = domain.ReasonRunOnStartup
		}
		status = l.invoke(WithReason(ctx, reason), now, status, pastDue)
	}

	for {
		next := l.schedule.Next(l.now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		status = l.invoke(ctx, next, status, false)
	}
}

// invoke runs the function for the occurrence at and records the new
// schedule status.
func (l *TimerListener) invoke(ctx context.Context, at time.Time, status *triggers.ScheduleStatus,
	pastDue bool) *triggers.ScheduleStatus {
	info := &triggers.TimerInfo{Schedule: l.spec, ScheduleStatus: status, IsPastDue: pastDue}
	if err := l.exec.Execute(ctx, info); err != nil && ctx.Err() == nil {
		logging.Op().Warn("timer function failed", "function", l.functionID, "error", err)
	}

	updated := &triggers.ScheduleStatus{Last: at, Next: l.schedule.Next(at), LastUpdated: l.now()}
	if err := l.status.Save(context.WithoutCancel(ctx), KindTimer, l.functionID, updated); err != nil {
		logging.Op().Warn("save timer status failed", "function", l.functionID, "error", err)
		l.healthy.Store(false)
	} else {
		l.healthy.Store(true)
	}
	return updated
}
