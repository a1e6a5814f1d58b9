package triggers

import (
	"context"
	"encoding/json"
	"reflect"

	"github.com/cockroachdb/errors"
	"github.com/oriys/jobhost/internal/domain"
	"github.com/robfig/cron/v3"
)

var scheduleParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseSchedule parses a timer schedule.
func ParseSchedule(schedule string) (cron.Schedule, error) {
	s, err := scheduleParser.Parse(schedule)
	if err != nil {
		return nil, errors.WithHint(
			errors.Wrapf(err, "invalid timer schedule %q", schedule),
			"use a cron expression with 5 or 6 fields, or a descriptor such as @hourly or @every 5m",
		)
	}
	return s, nil
}

var timerInfoType = reflect.TypeFor[*TimerInfo]()

// TimerTriggerBinding binds a *TimerInfo parameter to a schedule.
type TimerTriggerBinding struct {
	name     string
	attr     TimerTrigger
	schedule cron.Schedule
}

// NewTimerTriggerBinding binds parameter name to attr. The parameter must
// be a *TimerInfo.
func NewTimerTriggerBinding(name string, t reflect.Type, attr TimerTrigger) (*TimerTriggerBinding, error) {
	if t != timerInfoType {
		return nil, errors.Newf("timer trigger parameter %s must be of type %s, not %s", name, timerInfoType, t)
	}
	s, err := ParseSchedule(attr.Schedule)
	if err != nil {
		return nil, err
	}
	return &TimerTriggerBinding{name: name, attr: attr, schedule: s}, nil
}

func (b *TimerTriggerBinding) ParameterName() string             { return b.name }
func (b *TimerTriggerBinding) ParameterType() reflect.Type       { return timerInfoType }
func (b *TimerTriggerBinding) Kind() string                      { return "timer" }
func (b *TimerTriggerBinding) Attribute() any                    { return b.attr }
func (b *TimerTriggerBinding) Connection() string                { return "" }
func (b *TimerTriggerBinding) Batch() bool                       { return false }
func (b *TimerTriggerBinding) Contract() map[string]reflect.Type { return map[string]reflect.Type{} }

// Schedule is the parsed schedule.
func (b *TimerTriggerBinding) Schedule() cron.Schedule { return b.schedule }

func (b *TimerTriggerBinding) Describe() domain.ParameterDescriptor {
	return domain.ParameterDescriptor{
		Name:        b.name,
		Type:        timerInfoType.String(),
		Kind:        "timer_trigger",
		Description: "Timer fired on schedule " + b.attr.Schedule,
	}
}

// Bind accepts a *TimerInfo, or an invoke string holding its JSON form or
// nothing.
func (b *TimerTriggerBinding) Bind(_ context.Context, value any) (*TriggerData, error) {
	var info *TimerInfo
	switch v := value.(type) {
	case *TimerInfo:
		info = v
	case TimerInfo:
		info = &v
	case string:
		info = &TimerInfo{Schedule: b.attr.Schedule}
		if v != "" {
			if err := json.Unmarshal([]byte(v), info); err != nil {
				return nil, errors.Wrap(err, "parse timer info")
			}
		}
	default:
		return nil, errors.Newf("timer trigger %s: unsupported trigger value %T", b.name, value)
	}
	if info == nil {
		info = &TimerInfo{Schedule: b.attr.Schedule}
	}
	raw, err := json.Marshal(info)
	if err != nil {
		return nil, err
	}
	return &TriggerData{
		Value:        reflect.ValueOf(info),
		BindingData:  map[string]any{},
		InvokeString: string(raw),
	}, nil
}
