package indexer

import (
	"context"
	"io"
	"reflect"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/oriys/jobhost/internal/binding"
	"github.com/oriys/jobhost/internal/convert"
	"github.com/oriys/jobhost/internal/servicebus"
	"github.com/oriys/jobhost/internal/storage"
	"github.com/oriys/jobhost/internal/triggers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type order struct {
	ID    string `json:"id"`
	Total int    `json:"total"`
}

func newIndexer(t *testing.T, opts ...Option) *Indexer {
	t.Helper()
	conv := convert.NewManager()
	convert.RegisterDefaults(conv)
	binding.RegisterConverters(conv)

	accounts := storage.NewResolver(nil)
	cs := "AccountName=" + t.Name()
	accounts.Add(cs, storage.NewMemoryAccount("indexer"))

	svc := binding.NewServices(conv, accounts, servicebus.NewResolver(nil))
	return New(svc, binding.RuntimeInputs{StorageConnection: cs}, opts...)
}

func TestIndexQueueTriggeredFunction(t *testing.T) {
	ix := newIndexer(t)
	def, err := ix.IndexFunction(Registration{
		Name: "ProcessOrder",
		Func: func(ctx context.Context, o order, id string, dequeueCount int, out *string) error { return nil },
		Parameters: []Parameter{
			P("ctx"),
			P("o", triggers.QueueTrigger{QueueName: "Orders"}),
			P("id"),
			P("DequeueCount"),
			P("out", binding.Blob{Path: "receipts/{id}.txt"}),
		},
	})
	require.NoError(t, err)
	require.NotNil(t, def)

	assert.Equal(t, "queue", def.Descriptor.Trigger)
	assert.Equal(t, "o", def.Descriptor.TriggerParameter)
	assert.NotNil(t, def.ListenerFactory)
	require.Len(t, def.Parameters, 5)

	assert.IsType(t, &binding.CancellationBinding{}, def.Parameters[0].Static)
	assert.NotNil(t, def.Parameters[1].Trigger)
	assert.IsType(t, &binding.NameBinding{}, def.Parameters[2].Static)
	assert.IsType(t, &binding.NameBinding{}, def.Parameters[3].Static)
	assert.IsType(t, &binding.BlobBinding{}, def.Parameters[4].Static)

	assert.Equal(t, "queue_trigger", def.Descriptor.Parameters[1].Kind)
}

func TestIndexIsolatesFailures(t *testing.T) {
	ix := newIndexer(t)
	idx := ix.Index([]Registration{
		{
			Name:       "Bad",
			Func:       func(msg string, out *string) {},
			Parameters: []Parameter{P("msg", triggers.QueueTrigger{QueueName: "input"}), P("out", binding.Queue{QueueName: "bad_name!"})},
		},
		{
			Name:       "Good",
			Func:       func(msg string, out *string) {},
			Parameters: []Parameter{P("msg", triggers.QueueTrigger{QueueName: "input"}), P("out", binding.Queue{QueueName: "out"})},
		},
	})

	require.Len(t, idx.Errors, 1)
	assert.Contains(t, idx.Errors[0].Error(), "error indexing method 'Bad'")
	assert.Contains(t, idx.Errors[0].Error(), `invalid queue name "bad_name!"`)
	require.Len(t, idx.Definitions, 1)
	_, ok := idx.Lookup("Good")
	assert.True(t, ok)
	_, ok = idx.Lookup("Bad")
	assert.False(t, ok)
}

func TestIndexRejectsDuplicateNames(t *testing.T) {
	ix := newIndexer(t)
	reg := Registration{Name: "Twice", Func: func(n int) {}, Parameters: []Parameter{P("n")}, NoAutomaticTrigger: true}
	idx := ix.Index([]Registration{reg, reg})
	assert.Len(t, idx.Definitions, 1)
	require.Len(t, idx.Errors, 1)
	assert.True(t, errors.Is(idx.Errors[0], ErrInvalidFunction))
}

func TestIndexFunctionErrors(t *testing.T) {
	tests := []struct {
		name string
		reg  Registration
		want string
	}{
		{
			name: "not a function",
			reg:  Registration{Name: "F", Func: 42},
			want: "not a function",
		},
		{
			name: "invalid name",
			reg:  Registration{Name: "1bad", Func: func() {}},
			want: "invalid name",
		},
		{
			name: "parameter count",
			reg:  Registration{Name: "F", Func: func(a, b string) {}, Parameters: []Parameter{P("a")}},
			want: "takes 2 parameters but 1 are declared",
		},
		{
			name: "duplicate parameter",
			reg:  Registration{Name: "F", Func: func(a, b string) {}, Parameters: []Parameter{P("a"), P("a")}},
			want: "duplicate parameter name 'a'",
		},
		{
			name: "return type",
			reg:  Registration{Name: "F", Func: func() int { return 0 }, NoAutomaticTrigger: true},
			want: "must return nothing or a single error",
		},
		{
			name: "two triggers",
			reg: Registration{
				Name:       "F",
				Func:       func(a, b string) {},
				Parameters: []Parameter{P("a", triggers.QueueTrigger{QueueName: "alpha"}), P("b", triggers.QueueTrigger{QueueName: "beta"})},
			},
			want: "more than one trigger parameter",
		},
		{
			name: "trigger and no automatic trigger",
			reg: Registration{
				Name:               "F",
				Func:               func(a string) {},
				Parameters:         []Parameter{P("a", triggers.QueueTrigger{QueueName: "alpha"})},
				NoAutomaticTrigger: true,
			},
			want: "NoAutomaticTrigger set",
		},
		{
			name: "unknown attribute",
			reg: Registration{
				Name:               "F",
				Func:               func(a string) {},
				Parameters:         []Parameter{P("a", struct{ X int }{})},
				NoAutomaticTrigger: true,
			},
			want: "unknown attribute",
		},
		{
			name: "two console outputs",
			reg: Registration{
				Name:               "F",
				Func:               func(a, b io.Writer) {},
				Parameters:         []Parameter{P("a"), P("b")},
				NoAutomaticTrigger: true,
			},
			want: "at most one console output",
		},
		{
			name: "unresolved placeholder",
			reg: Registration{
				Name:       "F",
				Func:       func(msg string, out *string) {},
				Parameters: []Parameter{P("msg", triggers.QueueTrigger{QueueName: "input"}), P("out", binding.Blob{Path: "out/{missing}.txt"})},
			},
			want: "{missing}",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def, err := newIndexer(t).IndexFunction(tt.reg)
			require.Error(t, err)
			assert.Nil(t, def)
			assert.Contains(t, err.Error(), tt.want)
			assert.NotContains(t, err.Error(), "invalid queue name")
		})
	}
}

func TestUnboundParameterWithTrigger(t *testing.T) {
	_, err := newIndexer(t).IndexFunction(Registration{
		Name:       "F",
		Func:       func(msg string, other int) {},
		Parameters: []Parameter{P("msg", triggers.QueueTrigger{QueueName: "input"}), P("other")},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, binding.ErrUnsupportedType))
	assert.Contains(t, err.Error(), "other")
}

func TestSkipsFunctionsWithoutAttributes(t *testing.T) {
	ix := newIndexer(t)
	def, err := ix.IndexFunction(Registration{Name: "Helper", Func: func(s string) {}, Parameters: []Parameter{P("s")}})
	require.NoError(t, err)
	assert.Nil(t, def)

	idx := ix.Index([]Registration{{Name: "Helper", Func: func(s string) {}, Parameters: []Parameter{P("s")}}})
	assert.Empty(t, idx.Definitions)
	assert.Empty(t, idx.Errors)
}

func TestNoAutomaticTriggerUsesInvokeBindings(t *testing.T) {
	def, err := newIndexer(t).IndexFunction(Registration{
		Name:               "Manual",
		Func:               func(count int, w io.Writer, b binding.Binder) error { return nil },
		Parameters:         []Parameter{P("count"), P("w"), P("b")},
		NoAutomaticTrigger: true,
	})
	require.NoError(t, err)
	require.NotNil(t, def)

	assert.Nil(t, def.Trigger)
	assert.Nil(t, def.ListenerFactory)
	assert.Empty(t, def.Descriptor.Trigger)
	assert.True(t, def.Descriptor.NoAutomaticTrigger)
	assert.IsType(t, &binding.InvokeBinding{}, def.Parameters[0].Static)
	assert.IsType(t, &binding.ConsoleOutputBinding{}, def.Parameters[1].Static)
	assert.IsType(t, &binding.BinderBinding{}, def.Parameters[2].Static)
}

func TestAttributeOnlyFunctionIsIndexed(t *testing.T) {
	def, err := newIndexer(t).IndexFunction(Registration{
		Name:       "Writer",
		Func:       func(name string, out *string) {},
		Parameters: []Parameter{P("name"), P("out", binding.Blob{Path: "out/{name}.txt"})},
	})
	require.NoError(t, err)
	require.NotNil(t, def)
	assert.IsType(t, &binding.InvokeBinding{}, def.Parameters[0].Static)
}

func TestWithTriggerProvider(t *testing.T) {
	type custom struct{}
	called := false
	ix := newIndexer(t, WithTriggerProvider(triggers.ProviderFunc(
		func(pc triggers.ProviderContext, p triggers.Parameter) (triggers.Binding, error) {
			if _, ok := p.Attribute.(custom); ok {
				called = true
				return nil, errors.New("custom triggers are not listenable")
			}
			return nil, nil
		})))

	_, err := ix.IndexFunction(Registration{
		Name:       "F",
		Func:       func(s string) {},
		Parameters: []Parameter{P("s", custom{})},
	})
	require.Error(t, err)
	assert.True(t, called)
	assert.Contains(t, err.Error(), "trigger parameter 's'")
}

func TestLocatorSkipsFailingCatalogs(t *testing.T) {
	loc := NewLocator(
		NewCatalog("a", Registration{Name: "A"}),
		CatalogFunc{CatalogName: "broken", Load: func() ([]Registration, error) { return nil, errors.New("boom") }},
		NewCatalog("b", Registration{Name: "B"}, Registration{Name: "C"}),
	)
	regs := loc.Registrations()
	names := make([]string, len(regs))
	for i, r := range regs {
		names[i] = r.Name
	}
	assert.Equal(t, []string{"A", "B", "C"}, names)
}

func TestDescriptors(t *testing.T) {
	idx := newIndexer(t).Index([]Registration{{
		Name:               "Manual",
		Func:               func(n int) {},
		Parameters:         []Parameter{P("n")},
		NoAutomaticTrigger: true,
	}})
	ds := idx.Descriptors()
	require.Len(t, ds, 1)
	assert.Equal(t, "Manual", ds[0].ID)
	require.Len(t, ds[0].Parameters, 1)
	assert.Equal(t, reflect.TypeFor[int]().String(), ds[0].Parameters[0].Type)
}
