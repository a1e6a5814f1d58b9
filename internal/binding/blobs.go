package binding

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"reflect"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/oriys/jobhost/internal/storage/blob"
)

// BlobReader materializes an input blob as a value of one Go type. A
// missing blob must produce the zero value, not an error.
type BlobReader func(ctx context.Context, store blob.Store, ref blob.Ref) (reflect.Value, string, error)

// BlobWriter creates the value handed to user code for an output blob and
// the action that writes it once the function succeeded.
type BlobWriter func(store blob.Store, ref blob.Ref) (reflect.Value, func(ctx context.Context) (string, error))

// BlobBinders is the registry of blob readers and writers keyed by
// parameter type.
type BlobBinders struct {
	mu      sync.RWMutex
	readers map[reflect.Type]BlobReader
	writers map[reflect.Type]BlobWriter
}

// NewBlobBinders returns a registry with readers for []byte, string,
// io.Reader and io.ReadCloser and writers for *string, *[]byte, io.Writer
// and io.WriteCloser.
func NewBlobBinders() *BlobBinders {
	b := &BlobBinders{
		readers: make(map[reflect.Type]BlobReader),
		writers: make(map[reflect.Type]BlobWriter),
	}
	b.RegisterReader(reflect.TypeFor[[]byte](), readBytes)
	b.RegisterReader(reflect.TypeFor[string](), readString)
	b.RegisterReader(reflect.TypeFor[io.Reader](), readStream(reflect.TypeFor[io.Reader]()))
	b.RegisterReader(reflect.TypeFor[io.ReadCloser](), readStream(reflect.TypeFor[io.ReadCloser]()))
	b.RegisterWriter(reflect.TypeFor[*string](), writeString)
	b.RegisterWriter(reflect.TypeFor[*[]byte](), writeBytes)
	b.RegisterWriter(reflect.TypeFor[io.Writer](), writeStream(reflect.TypeFor[io.Writer]()))
	b.RegisterWriter(reflect.TypeFor[io.WriteCloser](), writeStream(reflect.TypeFor[io.WriteCloser]()))
	return b
}

func (b *BlobBinders) RegisterReader(t reflect.Type, fn BlobReader) {
	b.mu.Lock()
	b.readers[t] = fn
	b.mu.Unlock()
}

func (b *BlobBinders) RegisterWriter(t reflect.Type, fn BlobWriter) {
	b.mu.Lock()
	b.writers[t] = fn
	b.mu.Unlock()
}

// Supports reports whether a binder exists for t in the given direction.
func (b *BlobBinders) Supports(t reflect.Type, access Access) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	switch access {
	case AccessRead:
		_, ok := b.readers[t]
		return ok
	case AccessWrite:
		_, ok := b.writers[t]
		return ok
	}
	return false
}

func (b *BlobBinders) resolveAccess(t reflect.Type, access Access) Access {
	if access != AccessAuto {
		return access
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if _, ok := b.writers[t]; ok {
		return AccessWrite
	}
	return AccessRead
}

func (b *BlobBinders) reader(t reflect.Type) (BlobReader, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	fn, ok := b.readers[t]
	return fn, ok
}

func (b *BlobBinders) writer(t reflect.Type) (BlobWriter, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	fn, ok := b.writers[t]
	return fn, ok
}

// Read materializes ref as a value of type t with the registered reader.
func (b *BlobBinders) Read(ctx context.Context, store blob.Store, ref blob.Ref, t reflect.Type) (reflect.Value, error) {
	fn, ok := b.reader(t)
	if !ok {
		return reflect.Value{}, errors.Wrapf(ErrUnsupportedType, "no blob reader for type '%s'", typeName(t))
	}
	v, _, err := fn(ctx, store, ref)
	return v, err
}

func writesBlob(t reflect.Type) bool {
	return t != nil && (t.Kind() == reflect.Pointer || t.Implements(writerType))
}

func readAll(ctx context.Context, store blob.Store, ref blob.Ref) ([]byte, bool, error) {
	data, _, err := blob.ReadAll(ctx, store, ref)
	if errors.Is(err, blob.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func readStatus(n int, found bool) string {
	if !found {
		return "Blob not found."
	}
	return fmt.Sprintf("Read %d bytes.", n)
}

func readBytes(ctx context.Context, store blob.Store, ref blob.Ref) (reflect.Value, string, error) {
	data, found, err := readAll(ctx, store, ref)
	if err != nil {
		return reflect.Value{}, "", err
	}
	return reflect.ValueOf(data), readStatus(len(data), found), nil
}

func readString(ctx context.Context, store blob.Store, ref blob.Ref) (reflect.Value, string, error) {
	data, found, err := readAll(ctx, store, ref)
	if err != nil {
		return reflect.Value{}, "", err
	}
	return reflect.ValueOf(string(data)), readStatus(len(data), found), nil
}

func readStream(t reflect.Type) BlobReader {
	return func(ctx context.Context, store blob.Store, ref blob.Ref) (reflect.Value, string, error) {
		data, found, err := readAll(ctx, store, ref)
		if err != nil {
			return reflect.Value{}, "", err
		}
		if !found {
			return reflect.Zero(t), readStatus(0, false), nil
		}
		return valueOf(t, io.NopCloser(bytes.NewReader(data))), readStatus(len(data), true), nil
	}
}

func writeStatus(n int) string {
	return fmt.Sprintf("Wrote %d bytes.", n)
}

func writeString(store blob.Store, ref blob.Ref) (reflect.Value, func(context.Context) (string, error)) {
	s := new(string)
	return reflect.ValueOf(s), func(ctx context.Context) (string, error) {
		if *s == "" {
			return "Nothing written.", nil
		}
		_, err := store.Write(ctx, ref, []byte(*s), "text/plain; charset=utf-8")
		return writeStatus(len(*s)), err
	}
}

func writeBytes(store blob.Store, ref blob.Ref) (reflect.Value, func(context.Context) (string, error)) {
	b := new([]byte)
	return reflect.ValueOf(b), func(ctx context.Context) (string, error) {
		if *b == nil {
			return "Nothing written.", nil
		}
		_, err := store.Write(ctx, ref, *b, "application/octet-stream")
		return writeStatus(len(*b)), err
	}
}

// blobWriteStream buffers output; the blob is committed after the function
// succeeded if anything was written or the stream was closed.
type blobWriteStream struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
}

func (w *blobWriteStream) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, errors.New("write to closed blob stream")
	}
	return w.buf.Write(p)
}

func (w *blobWriteStream) Close() error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	return nil
}

func writeStream(t reflect.Type) BlobWriter {
	return func(store blob.Store, ref blob.Ref) (reflect.Value, func(context.Context) (string, error)) {
		w := &blobWriteStream{}
		return valueOf(t, w), func(ctx context.Context) (string, error) {
			w.mu.Lock()
			defer w.mu.Unlock()
			if w.buf.Len() == 0 && !w.closed {
				return "Nothing written.", nil
			}
			_, err := store.Write(ctx, ref, w.buf.Bytes(), "application/octet-stream")
			return writeStatus(w.buf.Len()), err
		}
	}
}
