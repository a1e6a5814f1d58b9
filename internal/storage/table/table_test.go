package table

import (
	"context"
	"os"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateName(t *testing.T) {
	for _, name := range []string{"People", "abc", "Table123"} {
		assert.NoError(t, ValidateName(name), name)
	}
	for _, name := range []string{"", "ab", "1abc", "has-hyphen", "under_score"} {
		assert.True(t, errors.Is(ValidateName(name), ErrInvalidName), name)
	}
}

func TestValidateKey(t *testing.T) {
	assert.NoError(t, ValidateKey(""))
	assert.NoError(t, ValidateKey("partition-1"))
	for _, key := range []string{"a/b", `a\b`, "a#b", "a?b", "tab\tkey"} {
		assert.True(t, errors.Is(ValidateKey(key), ErrInvalidKey), key)
	}
}

type person struct {
	Name string `json:"name"`
	Age  int    `json:"age"`
}

func testStore(t *testing.T, s Store, table string) {
	ctx := context.Background()
	require.NoError(t, s.CreateTableIfNotExists(ctx, table))
	c := NewClient(s, table)

	var p person
	found, err := c.Get(ctx, "pk", "missing", &p)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, c.Put(ctx, "pk", "r1", person{Name: "ann", Age: 30}))
	require.NoError(t, c.Put(ctx, "pk", "r2", person{Name: "bob", Age: 40}))
	require.NoError(t, c.Put(ctx, "other", "r1", person{Name: "cy", Age: 50}))

	found, err = c.Get(ctx, "pk", "r1", &p)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, person{Name: "ann", Age: 30}, p)

	first, err := s.Get(ctx, table, "pk", "r1")
	require.NoError(t, err)
	require.NoError(t, c.Put(ctx, "pk", "r1", person{Name: "ann", Age: 31}))
	second, err := s.Get(ctx, table, "pk", "r1")
	require.NoError(t, err)
	assert.NotEqual(t, first.ETag, second.ETag)

	rows, err := c.Query(ctx, "pk")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "r1", rows[0].RowKey)
	assert.Equal(t, "r2", rows[1].RowKey)

	all, err := s.Query(ctx, table, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	require.NoError(t, c.Delete(ctx, "pk", "r2"))
	assert.True(t, errors.Is(c.Delete(ctx, "pk", "r2"), ErrNotFound))

	assert.Error(t, c.Put(ctx, "bad/key", "r", person{}))
}

func TestMemoryStore(t *testing.T) {
	testStore(t, NewMemoryStore(), "People")
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("JOBHOST_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("JOBHOST_TEST_POSTGRES_DSN not set, skipping")
	}
	s, err := NewPostgresStore(context.Background(), dsn)
	if err != nil {
		t.Skipf("Postgres not available, skipping: %v", err)
	}
	defer s.Close()
	_, _ = s.pool.Exec(context.Background(), `DELETE FROM jobhost_entities WHERE table_name = 'PeopleTest'`)
	testStore(t, s, "PeopleTest")
}
