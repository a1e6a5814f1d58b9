package binding

import (
	"time"

	"github.com/oriys/jobhost/internal/convert"
	"github.com/oriys/jobhost/internal/servicebus"
	"github.com/oriys/jobhost/internal/storage/queue"
)

// RegisterConverters adds the message converters output bindings and
// triggers rely on to m.
func RegisterConverters(m *convert.Manager) {
	convert.AddConverter(m, func(s string) (*queue.Message, error) {
		return &queue.Message{Body: []byte(s)}, nil
	})
	convert.AddConverter(m, func(b []byte) (*queue.Message, error) {
		return &queue.Message{Body: b}, nil
	})
	convert.AddConverter(m, func(msg *queue.Message) (string, error) {
		return msg.AsString(), nil
	})
	convert.AddConverter(m, func(msg *queue.Message) ([]byte, error) {
		return msg.Body, nil
	})

	convert.AddConverter(m, func(s string) (*servicebus.Message, error) {
		return &servicebus.Message{Body: []byte(s), ContentType: "text/plain"}, nil
	})
	convert.AddConverter(m, func(b []byte) (*servicebus.Message, error) {
		return &servicebus.Message{Body: b, ContentType: "application/octet-stream"}, nil
	})
	convert.AddConverter(m, func(msg *servicebus.Message) (string, error) {
		return string(msg.Body), nil
	})
	convert.AddConverter(m, func(msg *servicebus.Message) ([]byte, error) {
		return msg.Body, nil
	})

	convert.AddConverter(m, func(s string) (time.Time, error) {
		return time.Parse(time.RFC3339Nano, s)
	})
}
