package triggers

import (
	"reflect"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/oriys/jobhost/internal/binding"
	"github.com/oriys/jobhost/internal/domain"
	"github.com/oriys/jobhost/internal/storage/queue"
)

// QueueStrategy treats storage queue messages as trigger values.
type QueueStrategy struct{}

var queueContract = map[string]reflect.Type{
	"QueueTrigger":    stringType,
	"Id":              stringType,
	"DequeueCount":    reflect.TypeFor[int](),
	"InsertionTime":   timeType,
	"ExpirationTime":  timeType,
	"NextVisibleTime": timeType,
	"PopReceipt":      stringType,
}

func (QueueStrategy) ConvertFromString(s string) (Input[*queue.Message], error) {
	now := time.Now().UTC()
	return Single(&queue.Message{
		Body:           []byte(s),
		InsertionTime:  now,
		ExpirationTime: now.Add(queue.DefaultTimeToLive),
	}), nil
}

func (QueueStrategy) StaticContract() map[string]reflect.Type {
	return queueContract
}

func (QueueStrategy) ContractInstance(in Input[*queue.Message]) map[string]any {
	return contractInstance(in, queueContract, func(m *queue.Message) map[string]any {
		return map[string]any{
			"QueueTrigger":    m.AsString(),
			"Id":              m.ID,
			"DequeueCount":    m.DequeueCount,
			"InsertionTime":   m.InsertionTime,
			"ExpirationTime":  m.ExpirationTime,
			"NextVisibleTime": m.NextVisibleTime,
			"PopReceipt":      m.PopReceipt,
		}
	})
}

func (QueueStrategy) BindMessage(in Input[*queue.Message]) (*queue.Message, error) {
	return bindMessage(in)
}

func (QueueStrategy) BindMessageArray(in Input[*queue.Message]) ([]*queue.Message, error) {
	return in.Messages, nil
}

func (QueueStrategy) InvokeString(in Input[*queue.Message]) string {
	return invokeString(in, (*queue.Message).AsString)
}

// NewQueueTriggerBinding binds parameter name to attr. The queue name is
// lower-cased and must be a valid queue name.
func NewQueueTriggerBinding(name string, t reflect.Type, attr QueueTrigger, svc *binding.Services) (Binding, error) {
	attr.QueueName = strings.ToLower(attr.QueueName)
	if err := queue.ValidateName(attr.QueueName); err != nil {
		return nil, errors.Mark(err, binding.ErrInvalidName)
	}
	b, err := NewCommonTriggerBinding[*queue.Message](name, t, "queue", attr, attr.Connection, QueueStrategy{},
		svc.Converters, func(d *domain.ParameterDescriptor) {
			d.Description = "New queue message detected on '" + attr.QueueName + "'."
			d.Prompt = "Enter the queue message body"
		})
	if err != nil {
		return nil, err
	}
	return b, nil
}
