package triggers

import (
	"context"
	"encoding/json"
	"reflect"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/oriys/jobhost/internal/binding"
	"github.com/oriys/jobhost/internal/convert"
	"github.com/oriys/jobhost/internal/servicebus"
	"github.com/oriys/jobhost/internal/storage"
	"github.com/oriys/jobhost/internal/storage/blob"
	"github.com/oriys/jobhost/internal/storage/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type order struct {
	ID       string    `json:"id"`
	Total    int       `json:"total"`
	Placed   time.Time `json:"placed"`
	Lines    []string  `json:"lines"`
	internal string
}

func newServices(t *testing.T) (*binding.Services, binding.RuntimeInputs, *storage.Account) {
	t.Helper()
	conv := convert.NewManager()
	convert.RegisterDefaults(conv)
	binding.RegisterConverters(conv)

	accounts := storage.NewResolver(nil)
	acct := storage.NewMemoryAccount("triggers")
	cs := "AccountName=" + t.Name()
	accounts.Add(cs, acct)

	return binding.NewServices(conv, accounts, servicebus.NewResolver(nil)),
		binding.RuntimeInputs{StorageConnection: cs},
		acct
}

func queueMessage(id, body string) *queue.Message {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return &queue.Message{
		ID:             id,
		Body:           []byte(body),
		InsertionTime:  now,
		ExpirationTime: now.Add(queue.DefaultTimeToLive),
		DequeueCount:   1,
		PopReceipt:     "r-" + id,
	}
}

func TestQueueTriggerString(t *testing.T) {
	svc, _, _ := newServices(t)
	b, err := NewQueueTriggerBinding("msg", reflect.TypeFor[string](), QueueTrigger{QueueName: "Orders"}, svc)
	require.NoError(t, err)

	assert.Equal(t, "queue", b.Kind())
	assert.False(t, b.Batch())
	assert.Equal(t, "orders", b.Attribute().(QueueTrigger).QueueName)
	assert.Equal(t, reflect.TypeFor[int](), b.Contract()["DequeueCount"])

	data, err := b.Bind(context.Background(), queueMessage("1", "hello"))
	require.NoError(t, err)
	assert.Equal(t, "hello", data.Value.Interface())
	assert.Equal(t, "hello", data.InvokeString)
	assert.Equal(t, "hello", data.BindingData["QueueTrigger"])
	assert.Equal(t, "1", data.BindingData["Id"])
	assert.Equal(t, 1, data.BindingData["DequeueCount"])
	assert.Equal(t, "r-1", data.BindingData["PopReceipt"])
}

func TestQueueTriggerInvalidName(t *testing.T) {
	svc, _, _ := newServices(t)
	_, err := NewQueueTriggerBinding("msg", reflect.TypeFor[string](), QueueTrigger{QueueName: "bad_name!"}, svc)
	require.Error(t, err)
	assert.True(t, errors.Is(err, binding.ErrInvalidName))
}

func TestQueueTriggerPassthroughAndBytes(t *testing.T) {
	svc, _, _ := newServices(t)

	b, err := NewQueueTriggerBinding("msg", reflect.TypeFor[*queue.Message](), QueueTrigger{QueueName: "q01"}, svc)
	require.NoError(t, err)
	m := queueMessage("7", "x")
	data, err := b.Bind(context.Background(), m)
	require.NoError(t, err)
	assert.Same(t, m, data.Value.Interface())

	b, err = NewQueueTriggerBinding("msg", reflect.TypeFor[[]byte](), QueueTrigger{QueueName: "q01"}, svc)
	require.NoError(t, err)
	assert.False(t, b.Batch(), "[]byte is a single message")
	data, err = b.Bind(context.Background(), queueMessage("8", "raw"))
	require.NoError(t, err)
	assert.Equal(t, []byte("raw"), data.Value.Interface())
}

func TestQueueTriggerUserType(t *testing.T) {
	svc, _, _ := newServices(t)
	b, err := NewQueueTriggerBinding("o", reflect.TypeFor[order](), QueueTrigger{QueueName: "orders"}, svc)
	require.NoError(t, err)

	contract := b.Contract()
	assert.Equal(t, reflect.TypeFor[string](), contract["id"])
	assert.Equal(t, reflect.TypeFor[int](), contract["total"])
	assert.Equal(t, reflect.TypeFor[time.Time](), contract["placed"])
	assert.NotContains(t, contract, "lines")
	assert.NotContains(t, contract, "internal")
	assert.Contains(t, contract, "QueueTrigger")

	body := `{"id":"A-1","total":42,"placed":"2024-05-01T10:00:00Z","lines":["x"]}`
	data, err := b.Bind(context.Background(), queueMessage("1", body))
	require.NoError(t, err)

	got := data.Value.Interface().(order)
	assert.Equal(t, "A-1", got.ID)
	assert.Equal(t, 42, got.Total)
	assert.Equal(t, "A-1", data.BindingData["id"])
	assert.Equal(t, 42, data.BindingData["total"])
	assert.Equal(t, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), data.BindingData["placed"])
	assert.Equal(t, body, data.BindingData["QueueTrigger"])
}

func TestQueueTriggerUserTypePointerCaseInsensitive(t *testing.T) {
	svc, _, _ := newServices(t)
	b, err := NewQueueTriggerBinding("o", reflect.TypeFor[*order](), QueueTrigger{QueueName: "orders"}, svc)
	require.NoError(t, err)

	data, err := b.Bind(context.Background(), queueMessage("1", `{"ID":"b-2"}`))
	require.NoError(t, err)
	assert.Equal(t, "b-2", data.Value.Interface().(*order).ID)
	assert.Equal(t, "b-2", data.BindingData["id"])
}

func TestQueueTriggerUserTypeInvalidJSON(t *testing.T) {
	svc, _, _ := newServices(t)
	b, err := NewQueueTriggerBinding("o", reflect.TypeFor[order](), QueueTrigger{QueueName: "orders"}, svc)
	require.NoError(t, err)

	_, err = b.Bind(context.Background(), queueMessage("1", "not json"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Binding parameters to complex objects (such as 'order') uses JSON serialization.")
	assert.Contains(t, err.Error(), "Bind the parameter type as 'string' instead of 'order'")
	assert.Contains(t, err.Error(), "The JSON parser failed:")
}

func TestQueueTriggerBatch(t *testing.T) {
	svc, _, _ := newServices(t)
	b, err := NewQueueTriggerBinding("msgs", reflect.TypeFor[[]string](), QueueTrigger{QueueName: "orders"}, svc)
	require.NoError(t, err)
	require.True(t, b.Batch())
	assert.Equal(t, reflect.TypeFor[[]string](), b.Contract()["QueueTrigger"])
	assert.Equal(t, reflect.TypeFor[[]int](), b.Contract()["DequeueCount"])

	msgs := []*queue.Message{queueMessage("1", "a"), queueMessage("2", "b"), queueMessage("3", "c")}
	data, err := b.Bind(context.Background(), msgs)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, data.Value.Interface())
	assert.Equal(t, []string{"1", "2", "3"}, data.BindingData["Id"])
	assert.Equal(t, []string{"a", "b", "c"}, data.BindingData["QueueTrigger"])

	var parts []string
	require.NoError(t, json.Unmarshal([]byte(data.InvokeString), &parts))
	assert.Equal(t, []string{"a", "b", "c"}, parts)

	replayed, err := b.Bind(context.Background(), data.InvokeString)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, replayed.Value.Interface())
}

func TestQueueTriggerDispatchModeFixedByType(t *testing.T) {
	svc, _, _ := newServices(t)
	single, err := NewQueueTriggerBinding("m", reflect.TypeFor[string](), QueueTrigger{QueueName: "work"}, svc)
	require.NoError(t, err)
	batch, err := NewQueueTriggerBinding("m", reflect.TypeFor[[]*queue.Message](), QueueTrigger{QueueName: "work"}, svc)
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		m := queueMessage("id", "body")
		d, err := single.Bind(context.Background(), Single(m))
		require.NoError(t, err)
		assert.Equal(t, reflect.String, d.Value.Kind())

		d, err = batch.Bind(context.Background(), Single(m))
		require.NoError(t, err)
		assert.Equal(t, reflect.Slice, d.Value.Kind())
		assert.Equal(t, 1, d.Value.Len())
	}

	_, err = single.Bind(context.Background(), []*queue.Message{queueMessage("1", "a"), queueMessage("2", "b")})
	require.Error(t, err)
}

// latestFirst hands the parameter the last message of a batch first, and
// the final message of a single input.
type latestFirst struct {
	QueueStrategy
	calls []string
}

func (s *latestFirst) BindMessage(in Input[*queue.Message]) (*queue.Message, error) {
	s.calls = append(s.calls, "single")
	return in.Messages[len(in.Messages)-1], nil
}

func (s *latestFirst) BindMessageArray(in Input[*queue.Message]) ([]*queue.Message, error) {
	s.calls = append(s.calls, "batch")
	out := make([]*queue.Message, 0, len(in.Messages))
	for i := len(in.Messages) - 1; i >= 0; i-- {
		out = append(out, in.Messages[i])
	}
	return out, nil
}

func TestTriggerPayloadComesFromStrategy(t *testing.T) {
	svc, _, _ := newServices(t)
	strategy := &latestFirst{}
	ctx := context.Background()

	single, err := NewCommonTriggerBinding[*queue.Message]("msg", reflect.TypeFor[string](), "queue",
		QueueTrigger{QueueName: "orders"}, "", strategy, svc.Converters, nil)
	require.NoError(t, err)
	data, err := single.Bind(ctx, Input[*queue.Message]{Messages: []*queue.Message{queueMessage("1", "old"), queueMessage("2", "new")}})
	require.NoError(t, err)
	assert.Equal(t, "new", data.Value.Interface())

	batch, err := NewCommonTriggerBinding[*queue.Message]("msgs", reflect.TypeFor[[]string](), "queue",
		QueueTrigger{QueueName: "orders"}, "", strategy, svc.Converters, nil)
	require.NoError(t, err)
	data, err = batch.Bind(ctx, []*queue.Message{queueMessage("1", "a"), queueMessage("2", "b")})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, data.Value.Interface())

	assert.Equal(t, []string{"single", "batch"}, strategy.calls)
}

func TestQueueTriggerInvokeStringReplay(t *testing.T) {
	svc, _, _ := newServices(t)
	b, err := NewQueueTriggerBinding("o", reflect.TypeFor[order](), QueueTrigger{QueueName: "orders"}, svc)
	require.NoError(t, err)

	data, err := b.Bind(context.Background(), `{"id":"r","total":3}`)
	require.NoError(t, err)
	assert.Equal(t, order{ID: "r", Total: 3}, data.Value.Interface())
	assert.Equal(t, "r", data.BindingData["id"])
	assert.Equal(t, `{"id":"r","total":3}`, data.InvokeString)
}

func TestUnsupportedTriggerParameter(t *testing.T) {
	svc, _, _ := newServices(t)
	_, err := NewQueueTriggerBinding("c", reflect.TypeFor[chan int](), QueueTrigger{QueueName: "orders"}, svc)
	require.Error(t, err)
	assert.True(t, errors.Is(err, binding.ErrUnsupportedType))
}

func TestServiceBusEntityPath(t *testing.T) {
	p, err := ServiceBusTrigger{QueueName: "q"}.EntityPath()
	require.NoError(t, err)
	assert.Equal(t, servicebus.QueuePath("q"), p)

	p, err = ServiceBusTrigger{TopicName: "t", SubscriptionName: "s"}.EntityPath()
	require.NoError(t, err)
	assert.Equal(t, servicebus.SubscriptionPath("t", "s"), p)

	_, err = ServiceBusTrigger{QueueName: "q", TopicName: "t"}.EntityPath()
	assert.Error(t, err)
	_, err = ServiceBusTrigger{}.EntityPath()
	assert.Error(t, err)
}

func TestServiceBusInvokeStrings(t *testing.T) {
	svc, _, _ := newServices(t)
	b, err := NewServiceBusTriggerBinding("m", reflect.TypeFor[*servicebus.Message](), ServiceBusTrigger{QueueName: "q"}, svc)
	require.NoError(t, err)
	ctx := context.Background()

	text := &servicebus.Message{MessageID: "1", Body: []byte("hi"), DeliveryCount: 2, Label: "greeting"}
	d, err := b.Bind(ctx, text)
	require.NoError(t, err)
	assert.Equal(t, "hi", d.InvokeString)
	assert.Equal(t, "1", d.BindingData["MessageId"])
	assert.Equal(t, 2, d.BindingData["DeliveryCount"])
	assert.Equal(t, "greeting", d.BindingData["Label"])

	binary := &servicebus.Message{Body: []byte{0xff, 0xfe, 0x00}}
	d, err = b.Bind(ctx, binary)
	require.NoError(t, err)
	assert.Equal(t, "base64://4A", d.InvokeString)

	replayed, err := b.Bind(ctx, d.InvokeString)
	require.NoError(t, err)
	assert.Equal(t, binary.Body, replayed.Value.Interface().(*servicebus.Message).Body)

	large := &servicebus.Message{Body: append([]byte{0xff}, make([]byte, 2048)...)}
	d, err = b.Bind(ctx, large)
	require.NoError(t, err)
	assert.Equal(t, "byte[2049]", d.InvokeString)

	_, err = b.Bind(ctx, d.InvokeString)
	require.Error(t, err)
	assert.True(t, errors.Is(err, binding.ErrNotReplayable))
}

func TestServiceBusInvokeStringsEscapeEncodedForms(t *testing.T) {
	svc, _, _ := newServices(t)
	b, err := NewServiceBusTriggerBinding("m", reflect.TypeFor[*servicebus.Message](), ServiceBusTrigger{QueueName: "q"}, svc)
	require.NoError(t, err)
	ctx := context.Background()

	for _, body := range []string{"base64:aGk=", "byte[3]", "base64:", "byte[x]"} {
		t.Run(body, func(t *testing.T) {
			d, err := b.Bind(ctx, &servicebus.Message{Body: []byte(body)})
			require.NoError(t, err)

			replayed, err := b.Bind(ctx, d.InvokeString)
			require.NoError(t, err)
			assert.Equal(t, body, string(replayed.Value.Interface().(*servicebus.Message).Body))
		})
	}

	d, err := b.Bind(ctx, &servicebus.Message{Body: []byte("byte[3]")})
	require.NoError(t, err)
	assert.Equal(t, "base64:Ynl0ZVszXQ==", d.InvokeString)
}

func TestServiceBusTriggerString(t *testing.T) {
	svc, _, _ := newServices(t)
	b, err := NewServiceBusTriggerBinding("body", reflect.TypeFor[string](),
		ServiceBusTrigger{TopicName: "events", SubscriptionName: "audit"}, svc)
	require.NoError(t, err)

	d, err := b.Bind(context.Background(), &servicebus.Message{Body: []byte("payload"), CorrelationID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, "payload", d.Value.Interface())
	assert.Equal(t, "c1", d.BindingData["CorrelationId"])
	assert.Equal(t, "servicebus_trigger", b.Describe().Kind)
}

func TestBlobTrigger(t *testing.T) {
	svc, inputs, acct := newServices(t)
	store, err := acct.BlobStore()
	require.NoError(t, err)
	ctx := context.Background()
	ref := blob.Ref{Container: "input", Name: "bob.csv"}
	_, err = store.Write(ctx, ref, []byte("a,b"), "text/csv")
	require.NoError(t, err)

	b, err := NewBlobTriggerBinding("content", reflect.TypeFor[string](), BlobTrigger{Path: "input/{name}.csv"}, svc, inputs)
	require.NoError(t, err)
	assert.Equal(t, "input", b.Container())
	assert.Equal(t, map[string]reflect.Type{"BlobTrigger": reflect.TypeFor[string](), "name": reflect.TypeFor[string]()},
		b.Contract())

	d, err := b.Bind(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, "a,b", d.Value.Interface())
	assert.Equal(t, "bob", d.BindingData["name"])
	assert.Equal(t, "input/bob.csv", d.BindingData["BlobTrigger"])
	assert.Equal(t, "input/bob.csv", d.InvokeString)

	d, err = b.Bind(ctx, d.InvokeString)
	require.NoError(t, err)
	assert.Equal(t, "a,b", d.Value.Interface())

	_, err = b.Bind(ctx, blob.Ref{Container: "input", Name: "bob.txt"})
	assert.Error(t, err)
}

func TestBlobTriggerRef(t *testing.T) {
	svc, inputs, _ := newServices(t)
	b, err := NewBlobTriggerBinding("ref", reflect.TypeFor[*blob.Ref](), BlobTrigger{Path: "images/{dir}/{file}"}, svc, inputs)
	require.NoError(t, err)

	d, err := b.Bind(context.Background(), blob.Ref{Container: "images", Name: "2024/cat.png"})
	require.NoError(t, err)
	assert.Equal(t, &blob.Ref{Container: "images", Name: "2024/cat.png"}, d.Value.Interface())
	assert.Equal(t, "2024", d.BindingData["dir"])
	assert.Equal(t, "cat.png", d.BindingData["file"])
}

func TestBlobTriggerValidation(t *testing.T) {
	svc, inputs, _ := newServices(t)
	_, err := NewBlobTriggerBinding("b", reflect.TypeFor[string](), BlobTrigger{Path: "{c}/x"}, svc, inputs)
	assert.Error(t, err)
	_, err = NewBlobTriggerBinding("b", reflect.TypeFor[string](), BlobTrigger{Path: "nocontainer"}, svc, inputs)
	assert.Error(t, err)
	_, err = NewBlobTriggerBinding("b", reflect.TypeFor[int](), BlobTrigger{Path: "input/{x}"}, svc, inputs)
	assert.True(t, errors.Is(err, binding.ErrUnsupportedType))
}

func TestTimerTrigger(t *testing.T) {
	_, err := NewTimerTriggerBinding("t", reflect.TypeFor[string](), TimerTrigger{Schedule: "@every 1m"})
	assert.Error(t, err)
	_, err = NewTimerTriggerBinding("t", reflect.TypeFor[*TimerInfo](), TimerTrigger{Schedule: "not a schedule"})
	assert.Error(t, err)

	b, err := NewTimerTriggerBinding("t", reflect.TypeFor[*TimerInfo](), TimerTrigger{Schedule: "0 */5 * * * *"})
	require.NoError(t, err)
	assert.Empty(t, b.Contract())

	from := time.Date(2024, 1, 1, 0, 1, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 5, 0, 0, time.UTC), b.Schedule().Next(from))

	d, err := b.Bind(context.Background(), "")
	require.NoError(t, err)
	info := d.Value.Interface().(*TimerInfo)
	assert.Equal(t, "0 */5 * * * *", info.Schedule)
	assert.False(t, info.IsPastDue)

	d, err = b.Bind(context.Background(), &TimerInfo{Schedule: "0 */5 * * * *", IsPastDue: true})
	require.NoError(t, err)
	replayed, err := b.Bind(context.Background(), d.InvokeString)
	require.NoError(t, err)
	assert.True(t, replayed.Value.Interface().(*TimerInfo).IsPastDue)
}

func TestParseScheduleFields(t *testing.T) {
	for _, s := range []string{"*/5 * * * *", "0 0 * * * *", "@hourly", "@every 30s"} {
		_, err := ParseSchedule(s)
		assert.NoError(t, err, s)
	}
}

func TestNameParameters(t *testing.T) {
	ts := time.Date(2024, 5, 1, 10, 0, 0, 5, time.UTC)
	got := NameParameters(map[string]any{
		"s":    "x",
		"n":    42,
		"t":    ts,
		"nil":  nil,
		"list": []string{"a", "b"},
	})
	assert.Equal(t, map[string]string{
		"s":    "x",
		"n":    "42",
		"t":    "2024-05-01T10:00:00.000000005Z",
		"list": `["a","b"]`,
	}, got)
}

func TestDefaultProviders(t *testing.T) {
	svc, inputs, _ := newServices(t)
	pc := ProviderContext{Services: svc, Inputs: inputs}

	find := func(p Parameter) (Binding, error) {
		for _, prov := range DefaultProviders() {
			b, err := prov.TryCreate(pc, p)
			if err != nil || b != nil {
				return b, err
			}
		}
		return nil, nil
	}

	b, err := find(Parameter{Name: "m", Type: reflect.TypeFor[string](), Attribute: &QueueTrigger{QueueName: "q1q"}})
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, "queue", b.Kind())

	b, err = find(Parameter{Name: "t", Type: reflect.TypeFor[*TimerInfo](), Attribute: TimerTrigger{Schedule: "@daily"}})
	require.NoError(t, err)
	assert.Equal(t, "timer", b.Kind())

	b, err = find(Parameter{Name: "x", Type: reflect.TypeFor[string](), Attribute: binding.Queue{QueueName: "out"}})
	require.NoError(t, err)
	assert.Nil(t, b)

	assert.True(t, IsTriggerAttribute(BlobTrigger{}))
	assert.False(t, IsTriggerAttribute(binding.Blob{}))
}
