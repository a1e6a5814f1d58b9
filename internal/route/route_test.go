package route

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyNames(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		values  map[string]string
		want    string
		wantErr error
	}{
		{name: "single", pattern: "a/{x}/b", values: map[string]string{"x": "v"}, want: "a/v/b"},
		{name: "no placeholders", pattern: "container/blob.txt", want: "container/blob.txt"},
		{name: "adjacent", pattern: "{a}{b}", values: map[string]string{"a": "1", "b": "2"}, want: "12"},
		{name: "repeated", pattern: "{a}-{a}", values: map[string]string{"a": "x"}, want: "x-x"},
		{name: "empty name", pattern: "p{}q", values: map[string]string{"": "-"}, want: "p-q"},
		{name: "stray close brace", pattern: "a}b", want: "a}b"},
		{name: "unclosed", pattern: "a/{x", values: map[string]string{"x": "v"}, wantErr: ErrUnclosedBrace},
		{name: "missing value", pattern: "a/{x}", values: map[string]string{}, wantErr: ErrMissingValue},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ApplyNames(tt.pattern, tt.values)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestApplyNamesPartial(t *testing.T) {
	got := ApplyNamesPartial("c/{known}/{unknown}", map[string]string{"known": "k"})
	assert.Equal(t, "c/k/{unknown}", got)

	assert.Equal(t, "c/{bad", ApplyNamesPartial("c/{bad", nil))
}

func TestParameterNames(t *testing.T) {
	names, err := ParameterNames("{a}-{b}")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, names)

	names, err = ParameterNames("{a}/{b}/{a}")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "a"}, names)

	names, err = ParameterNames("plain")
	require.NoError(t, err)
	assert.Empty(t, names)

	_, err = ParameterNames("{open")
	assert.True(t, errors.Is(err, ErrUnclosedBrace))
}

func TestHasParameterNames(t *testing.T) {
	assert.True(t, HasParameterNames("x/{y}"))
	assert.True(t, HasParameterNames("{}"))
	assert.False(t, HasParameterNames("x/y"))
	assert.False(t, HasParameterNames("x/{y"))
}

func TestMatch(t *testing.T) {
	got, ok := Match("input/{name}.csv", "input/bob.csv")
	require.True(t, ok)
	assert.Equal(t, map[string]string{"name": "bob"}, got)

	got, ok = Match("input/{name}.csv", "input/a.b.csv")
	require.True(t, ok)
	assert.Equal(t, "a.b", got["name"])

	got, ok = Match("{container}/{dir}/{file}", "c/d/e.txt")
	require.True(t, ok)
	assert.Equal(t, map[string]string{"container": "c", "dir": "d", "file": "e.txt"}, got)

	_, ok = Match("input/{name}.csv", "input/bob.txt")
	assert.False(t, ok)

	_, ok = Match("{a}-{a}", "x-y")
	assert.False(t, ok)

	_, ok = Match("input/{name}.csv", "input/.csv")
	assert.False(t, ok)

	got, ok = Match("exact/path", "exact/path")
	require.True(t, ok)
	assert.Empty(t, got)
}
