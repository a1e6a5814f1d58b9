package listeners

import (
	"context"
	"encoding/json"
	"net/url"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/oriys/jobhost/internal/storage/table"
)

// CheckpointTable is the table listener state is kept in.
const CheckpointTable = "JobHostCheckpoints"

// Checkpoint kinds.
const (
	KindBlobReceipt = "blob-receipt"
	KindTimer       = "timer"
)

// State is one checkpointed listener state.
type State struct {
	Kind      string          `json:"kind"`
	Key       string          `json:"key"`
	Data      json.RawMessage `json:"data"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Checkpoints persists listener state (blob receipts, timer schedules) in
// a table, so it survives restarts when the table store does.
type Checkpoints struct {
	client *table.Client
}

// NewCheckpoints keeps checkpoints in store. A nil store keeps them in
// memory.
func NewCheckpoints(store table.Store) *Checkpoints {
	if store == nil {
		store = table.NewMemoryStore()
	}
	return &Checkpoints{client: table.NewClient(store, CheckpointTable)}
}

// Init creates the checkpoint table.
func (c *Checkpoints) Init(ctx context.Context) error {
	return c.client.Store.CreateTableIfNotExists(ctx, CheckpointTable)
}

// Save stores v under (kind, key).
func (c *Checkpoints) Save(ctx context.Context, kind, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "encode checkpoint %s/%s", kind, key)
	}
	state := State{Kind: kind, Key: key, Data: data, UpdatedAt: time.Now().UTC()}
	return c.client.Put(ctx, kind, url.PathEscape(key), state)
}

// Load reads the checkpoint under (kind, key) into v. It returns false when
// there is none.
func (c *Checkpoints) Load(ctx context.Context, kind, key string, v any) (bool, error) {
	var state State
	found, err := c.client.Get(ctx, kind, url.PathEscape(key), &state)
	if err != nil || !found {
		return false, err
	}
	if err := json.Unmarshal(state.Data, v); err != nil {
		return false, errors.Wrapf(err, "decode checkpoint %s/%s", kind, key)
	}
	return true, nil
}

// Delete removes the checkpoint under (kind, key).
func (c *Checkpoints) Delete(ctx context.Context, kind, key string) error {
	err := c.client.Delete(ctx, kind, url.PathEscape(key))
	if errors.Is(err, table.ErrNotFound) {
		return nil
	}
	return err
}

// List returns every checkpoint of kind.
func (c *Checkpoints) List(ctx context.Context, kind string) ([]State, error) {
	entities, err := c.client.Query(ctx, kind)
	if err != nil {
		return nil, err
	}
	out := make([]State, 0, len(entities))
	for _, e := range entities {
		var s State
		if err := json.Unmarshal(e.Properties, &s); err != nil {
			return nil, errors.Wrapf(err, "decode checkpoint %s/%s", kind, e.RowKey)
		}
		out = append(out, s)
	}
	return out, nil
}
