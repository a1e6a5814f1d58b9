package triggers

import (
	"encoding/base64"
	"reflect"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/oriys/jobhost/internal/binding"
	"github.com/oriys/jobhost/internal/domain"
	"github.com/oriys/jobhost/internal/servicebus"
)

// maxInvokeBytes is the largest non-text body kept in an invoke string.
const maxInvokeBytes = 1024

const base64Prefix = "base64:"

// ServiceBusStrategy treats Service Bus messages as trigger values.
type ServiceBusStrategy struct{}

var serviceBusContract = map[string]reflect.Type{
	"MessageId":     stringType,
	"DeliveryCount": reflect.TypeFor[int](),
	"ContentType":   stringType,
	"CorrelationId": stringType,
	"Label":         stringType,
	"To":            stringType,
	"ReplyTo":       stringType,
	"EnqueuedTime":  timeType,
}

// ConvertFromString accepts text, "base64:<data>" for binary bodies, and
// rejects the "byte[n]" placeholder logged for large binary bodies.
func (ServiceBusStrategy) ConvertFromString(s string) (Input[*servicebus.Message], error) {
	msg := &servicebus.Message{
		MessageID:    uuid.NewString(),
		EnqueuedTime: time.Now().UTC(),
	}
	switch {
	case strings.HasPrefix(s, base64Prefix):
		body, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(s, base64Prefix))
		if err != nil {
			return Input[*servicebus.Message]{}, errors.Wrap(err, "decode base64 message body")
		}
		msg.Body = body
		msg.ContentType = "application/octet-stream"
	case isBytePlaceholder(s):
		return Input[*servicebus.Message]{}, errors.Wrapf(binding.ErrNotReplayable,
			"message body %s was too large to record", s)
	default:
		msg.Body = []byte(s)
		msg.ContentType = "text/plain"
	}
	return Single(msg), nil
}

func isBytePlaceholder(s string) bool {
	n, ok := strings.CutPrefix(s, "byte[")
	if !ok || !strings.HasSuffix(n, "]") {
		return false
	}
	_, err := strconv.Atoi(strings.TrimSuffix(n, "]"))
	return err == nil
}

func (ServiceBusStrategy) StaticContract() map[string]reflect.Type {
	return serviceBusContract
}

func (ServiceBusStrategy) ContractInstance(in Input[*servicebus.Message]) map[string]any {
	return contractInstance(in, serviceBusContract, func(m *servicebus.Message) map[string]any {
		return map[string]any{
			"MessageId":     m.MessageID,
			"DeliveryCount": m.DeliveryCount,
			"ContentType":   m.ContentType,
			"CorrelationId": m.CorrelationID,
			"Label":         m.Label,
			"To":            m.To,
			"ReplyTo":       m.ReplyTo,
			"EnqueuedTime":  m.EnqueuedTime,
		}
	})
}

func (ServiceBusStrategy) BindMessage(in Input[*servicebus.Message]) (*servicebus.Message, error) {
	return bindMessage(in)
}

func (ServiceBusStrategy) BindMessageArray(in Input[*servicebus.Message]) ([]*servicebus.Message, error) {
	return in.Messages, nil
}

func (ServiceBusStrategy) InvokeString(in Input[*servicebus.Message]) string {
	return invokeString(in, serviceBusInvokeString)
}

// serviceBusInvokeString records text bodies as-is. Text that would read back
// as one of the encoded forms is base64 encoded at any size.
func serviceBusInvokeString(m *servicebus.Message) string {
	if utf8.Valid(m.Body) {
		s := string(m.Body)
		if !strings.HasPrefix(s, base64Prefix) && !isBytePlaceholder(s) {
			return s
		}
		return base64Prefix + base64.StdEncoding.EncodeToString(m.Body)
	}
	if len(m.Body) <= maxInvokeBytes {
		return base64Prefix + base64.StdEncoding.EncodeToString(m.Body)
	}
	return "byte[" + strconv.Itoa(len(m.Body)) + "]"
}

// NewServiceBusTriggerBinding binds parameter name to attr.
func NewServiceBusTriggerBinding(name string, t reflect.Type, attr ServiceBusTrigger, svc *binding.Services) (Binding, error) {
	entity, err := attr.EntityPath()
	if err != nil {
		return nil, err
	}
	b, err := NewCommonTriggerBinding[*servicebus.Message](name, t, "servicebus", attr, attr.Connection,
		ServiceBusStrategy{}, svc.Converters, func(d *domain.ParameterDescriptor) {
			d.Description = "New Service Bus message detected on '" + entity + "'."
			d.Prompt = "Enter the message body"
		})
	if err != nil {
		return nil, err
	}
	return b, nil
}
