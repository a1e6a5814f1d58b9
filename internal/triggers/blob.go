package triggers

import (
	"context"
	"reflect"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/oriys/jobhost/internal/binding"
	"github.com/oriys/jobhost/internal/domain"
	"github.com/oriys/jobhost/internal/route"
	"github.com/oriys/jobhost/internal/storage/blob"
)

var refType = reflect.TypeFor[blob.Ref]()

// BlobTriggerBinding binds the blob that fired a blob trigger. The
// parameter is a blob.Ref, a *blob.Ref, or any type the blob readers
// support ([]byte, string, io.Reader).
type BlobTriggerBinding struct {
	name             string
	typ              reflect.Type
	attr             BlobTrigger
	container        string
	connectionString string
	params           []string
	svc              *binding.Services
}

// NewBlobTriggerBinding binds parameter name to attr. The container part
// of the path must be literal.
func NewBlobTriggerBinding(name string, t reflect.Type, attr BlobTrigger, svc *binding.Services,
	inputs binding.RuntimeInputs) (*BlobTriggerBinding, error) {
	container, pattern, ok := strings.Cut(attr.Path, "/")
	if !ok || pattern == "" {
		return nil, errors.Wrapf(blob.ErrInvalidName, "blob trigger path %q must be of the form container/blob", attr.Path)
	}
	if route.HasParameterNames(container) {
		return nil, errors.Newf("blob trigger path %q: the container name cannot contain placeholders", attr.Path)
	}
	if err := blob.ValidateContainerName(container); err != nil {
		return nil, errors.Mark(err, binding.ErrInvalidName)
	}
	params, err := route.ParameterNames(pattern)
	if err != nil {
		return nil, err
	}

	if t != refType && t != reflect.PointerTo(refType) && !svc.Blobs.Supports(t, binding.AccessRead) {
		return nil, errors.Wrapf(binding.ErrUnsupportedType, "blob trigger parameter %s of type %s", name, t)
	}
	cs, err := svc.StorageConnection(attr.Connection, inputs)
	if err != nil {
		return nil, err
	}
	return &BlobTriggerBinding{
		name:             name,
		typ:              t,
		attr:             attr,
		container:        container,
		connectionString: cs,
		params:           params,
		svc:              svc,
	}, nil
}

func (b *BlobTriggerBinding) ParameterName() string       { return b.name }
func (b *BlobTriggerBinding) ParameterType() reflect.Type { return b.typ }
func (b *BlobTriggerBinding) Kind() string                { return "blob" }
func (b *BlobTriggerBinding) Attribute() any              { return b.attr }
func (b *BlobTriggerBinding) Connection() string          { return b.attr.Connection }
func (b *BlobTriggerBinding) Batch() bool                 { return false }

// Container is the literal container the trigger watches.
func (b *BlobTriggerBinding) Container() string { return b.container }

// ConnectionString is the resolved storage connection of the trigger.
func (b *BlobTriggerBinding) ConnectionString() string { return b.connectionString }

// Match extracts the route parameters of ref, reporting false when ref does
// not match the trigger path.
func (b *BlobTriggerBinding) Match(ref blob.Ref) (map[string]string, bool) {
	return route.Match(b.attr.Path, ref.String())
}

func (b *BlobTriggerBinding) Contract() map[string]reflect.Type {
	contract := map[string]reflect.Type{"BlobTrigger": stringType}
	for _, p := range b.params {
		contract[p] = stringType
	}
	return contract
}

func (b *BlobTriggerBinding) Describe() domain.ParameterDescriptor {
	return domain.ParameterDescriptor{
		Name:         b.name,
		Type:         b.typ.String(),
		Kind:         "blob_trigger",
		Description:  "New blob detected: " + b.attr.Path,
		Prompt:       "Enter the blob path (container/blob)",
		DefaultValue: b.attr.Path,
	}
}

func (b *BlobTriggerBinding) Bind(ctx context.Context, value any) (*TriggerData, error) {
	var ref blob.Ref
	switch v := value.(type) {
	case blob.Ref:
		ref = v
	case *blob.Ref:
		if v == nil {
			return nil, errors.New("blob trigger: nil blob reference")
		}
		ref = *v
	case blob.Item:
		ref = v.Ref
	case string:
		var err error
		if ref, err = blob.ParseAndValidatePath(v); err != nil {
			return nil, err
		}
	default:
		return nil, errors.Newf("blob trigger %s: unsupported trigger value %T", b.name, value)
	}

	names, ok := b.Match(ref)
	if !ok {
		return nil, errors.Newf("blob %s does not match trigger path %s", ref, b.attr.Path)
	}

	v, err := b.value(ctx, ref)
	if err != nil {
		return nil, errors.Wrapf(err, "bind trigger parameter %s", b.name)
	}
	data := make(map[string]any, len(names)+1)
	for k, s := range names {
		data[k] = s
	}
	data["BlobTrigger"] = ref.String()
	return &TriggerData{Value: v, BindingData: data, InvokeString: ref.String()}, nil
}

func (b *BlobTriggerBinding) value(ctx context.Context, ref blob.Ref) (reflect.Value, error) {
	switch b.typ {
	case refType:
		return reflect.ValueOf(ref), nil
	case reflect.PointerTo(refType):
		return reflect.ValueOf(&ref), nil
	}
	acct, err := b.svc.Accounts.Open(ctx, b.connectionString)
	if err != nil {
		return reflect.Value{}, err
	}
	store, err := acct.BlobStore()
	if err != nil {
		return reflect.Value{}, err
	}
	return b.svc.Blobs.Read(ctx, store, ref, b.typ)
}
