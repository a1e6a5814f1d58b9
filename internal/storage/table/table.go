// Package table stores schemaless JSON entities addressed by table name,
// partition key and row key.
package table

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

var (
	ErrNotFound    = errors.New("table: entity not found")
	ErrInvalidName = errors.New("table: invalid name")
	ErrInvalidKey  = errors.New("table: invalid key")
)

// Entity is one stored row. Properties hold the user's JSON document.
type Entity struct {
	PartitionKey string          `json:"PartitionKey"`
	RowKey       string          `json:"RowKey"`
	Properties   json.RawMessage `json:"Properties"`
	ETag         string          `json:"ETag,omitempty"`
	Timestamp    time.Time       `json:"Timestamp"`
}

// Store is implemented by every table backend.
type Store interface {
	CreateTableIfNotExists(ctx context.Context, table string) error
	Get(ctx context.Context, table, partitionKey, rowKey string) (*Entity, error)
	Upsert(ctx context.Context, table string, e *Entity) error
	// Query lists entities of one partition, or of the whole table when
	// partitionKey is empty, ordered by partition then row key.
	Query(ctx context.Context, table, partitionKey string) ([]*Entity, error)
	Delete(ctx context.Context, table, partitionKey, rowKey string) error
}

var tableNamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9]{2,62}$`)

// ValidateName checks the table naming rules: 3-63 alphanumeric characters
// starting with a letter.
func ValidateName(name string) error {
	if !tableNamePattern.MatchString(name) {
		return errors.WithHint(
			errors.Wrapf(ErrInvalidName, "invalid table name %q", name),
			"table names must be 3-63 alphanumeric characters and start with a letter",
		)
	}
	return nil
}

// ValidateKey checks a partition or row key: at most 1024 characters and
// none of '/', '\\', '#', '?' or control characters.
func ValidateKey(key string) error {
	if len(key) > 1024 {
		return errors.Wrapf(ErrInvalidKey, "key %q is longer than 1024 characters", key)
	}
	if i := strings.IndexFunc(key, func(r rune) bool {
		return r == '/' || r == '\\' || r == '#' || r == '?' || r < 0x20 || (r >= 0x7f && r <= 0x9f)
	}); i >= 0 {
		return errors.Wrapf(ErrInvalidKey, "key %q contains an invalid character at %d", key, i)
	}
	return nil
}

// Client is a handle on one table, bound to user code that asks for the
// whole table.
type Client struct {
	Store Store
	Name  string
}

func NewClient(store Store, name string) *Client {
	return &Client{Store: store, Name: name}
}

// Get loads the entity into v. It returns false when the entity is missing.
func (c *Client) Get(ctx context.Context, partitionKey, rowKey string, v any) (bool, error) {
	e, err := c.Store.Get(ctx, c.Name, partitionKey, rowKey)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(e.Properties, v); err != nil {
		return false, errors.Wrapf(err, "decode entity %s/%s", partitionKey, rowKey)
	}
	return true, nil
}

// Put stores v as the entity's properties.
func (c *Client) Put(ctx context.Context, partitionKey, rowKey string, v any) error {
	if err := ValidateKey(partitionKey); err != nil {
		return err
	}
	if err := ValidateKey(rowKey); err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "encode entity")
	}
	return c.Store.Upsert(ctx, c.Name, &Entity{PartitionKey: partitionKey, RowKey: rowKey, Properties: data})
}

// Query lists the entities of one partition.
func (c *Client) Query(ctx context.Context, partitionKey string) ([]*Entity, error) {
	return c.Store.Query(ctx, c.Name, partitionKey)
}

func (c *Client) Delete(ctx context.Context, partitionKey, rowKey string) error {
	return c.Store.Delete(ctx, c.Name, partitionKey, rowKey)
}
