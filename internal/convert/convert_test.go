package convert

import (
	"reflect"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

func TestBytesToIntThroughString(t *testing.T) {
	m := NewManager()
	AddConverter(m, func(b []byte) (string, error) { return string(b), nil })
	AddConverter(m, strconv.Atoi)

	fn, err := GetConverter[[]byte, int](m)
	require.NoError(t, err)

	got, err := fn([]byte("42"))
	require.NoError(t, err)
	assert.Equal(t, 42, got)
}

func TestBytesUseRegisteredDecoder(t *testing.T) {
	m := NewManager()
	AddConverter(m, func(b []byte) (string, error) { return strings.TrimSpace(string(b)), nil })
	AddConverter(m, strconv.Atoi)

	fn, err := GetConverter[[]byte, int](m)
	require.NoError(t, err)
	got, err := fn([]byte("  7\n"))
	require.NoError(t, err)
	assert.Equal(t, 7, got)
}

func TestBytesFallBackToUTF8(t *testing.T) {
	m := NewManager()
	AddConverter(m, func(s string) (string, error) { return strings.ToUpper(s), nil })

	fn, err := GetConverter[[]byte, string](m)
	require.NoError(t, err)
	got, err := fn([]byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, "ABC", got)
}

func TestMissingStringConverterFailsAtResolution(t *testing.T) {
	m := NewManager()
	_, err := GetConverter[[]byte, point](m)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoConversion))
	assert.Contains(t, err.Error(), "convert.point")
}

func TestExactWinsOverDerived(t *testing.T) {
	m := NewManager()
	AddConverter(m, strconv.Atoi)
	AddConverter(m, func(b []byte) (int, error) { return len(b), nil })

	fn, err := GetConverter[[]byte, int](m)
	require.NoError(t, err)
	got, err := fn([]byte("12345"))
	require.NoError(t, err)
	assert.Equal(t, 5, got)
}

func TestLastRegistrationWins(t *testing.T) {
	m := NewManager()
	AddConverter(m, func(s string) (int, error) { return 1, nil })
	AddConverter(m, func(s string) (int, error) { return 2, nil })

	fn, err := GetConverter[string, int](m)
	require.NoError(t, err)
	got, err := fn("x")
	require.NoError(t, err)
	assert.Equal(t, 2, got)
}

func TestOtherSourcesGoThroughJSON(t *testing.T) {
	m := NewManager()
	AddConverter(m, func(s string) (string, error) { return s, nil })

	fn, err := GetConverter[point, string](m)
	require.NoError(t, err)
	got, err := fn(point{X: 1, Y: 2})
	require.NoError(t, err)
	assert.JSONEq(t, `{"x":1,"y":2}`, got)
}

func TestConverterErrorsPropagate(t *testing.T) {
	m := NewManager()
	RegisterDefaults(m)

	fn, err := GetConverter[string, int](m)
	require.NoError(t, err)
	_, err = fn("not a number")
	var numErr *strconv.NumError
	assert.True(t, errors.As(err, &numErr))
}

func TestRegisterDefaults(t *testing.T) {
	m := NewManager()
	RegisterDefaults(m)

	for _, dst := range []reflect.Type{
		reflect.TypeFor[string](),
		reflect.TypeFor[[]byte](),
		reflect.TypeFor[int](),
		reflect.TypeFor[int64](),
		reflect.TypeFor[float64](),
		reflect.TypeFor[bool](),
	} {
		assert.True(t, m.Has(stringType, dst), "string -> %s", dst)
	}
	assert.True(t, m.Has(bytesType, stringType))
	assert.False(t, m.Has(stringType, reflect.TypeFor[point]()))
}

func TestConcurrentAddResolve(t *testing.T) {
	m := NewManager()
	RegisterDefaults(m)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			AddConverter(m, func(s string) (uint8, error) { return 1, nil })
		}()
		go func() {
			defer wg.Done()
			_, err := m.Resolve(bytesType, reflect.TypeFor[int]())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
}
