package listeners

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/oriys/jobhost/internal/logging"
	"github.com/oriys/jobhost/internal/metrics"
	"github.com/oriys/jobhost/internal/storage/blob"
	"github.com/oriys/jobhost/internal/storage/queue"
	"github.com/oriys/jobhost/internal/triggers"
)

// BlobPoisonQueue receives a message for every blob whose function failed
// MaxDequeueCount times.
const BlobPoisonQueue = "webjobs-blobtrigger-poison"

const settlementBlob = "blob"

// BlobPoisonMessage is the body of a blob poison queue message.
type BlobPoisonMessage struct {
	Type          string `json:"Type"`
	FunctionID    string `json:"FunctionId"`
	BlobType      string `json:"BlobType"`
	ContainerName string `json:"ContainerName"`
	BlobName      string `json:"BlobName"`
	ETag          string `json:"ETag"`
}

// BlobMatcher is the part of a blob trigger a listener needs.
type BlobMatcher interface {
	Match(ref blob.Ref) (map[string]string, bool)
}

// BlobListener scans a container and runs the function once for every new
// or changed blob matching the trigger path. Processed blobs are recorded
// as ETag receipts.
type BlobListener struct {
	functionID string
	container  string
	prefix     string
	matcher    BlobMatcher
	store      blob.Store
	queues     queue.Store
	receipts   *Checkpoints
	exec       Executor
	opts       Options

	mu       sync.Mutex
	failures map[string]int

	healthy atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewBlobListener watches path ("container/pattern"). Poison messages go
// to queues.
func NewBlobListener(functionID, path string, matcher BlobMatcher, store blob.Store, queues queue.Store,
	receipts *Checkpoints, exec Executor, opts Options) (*BlobListener, error) {
	container, pattern, ok := strings.Cut(path, "/")
	if !ok {
		return nil, errors.Wrapf(blob.ErrInvalidName, "blob trigger path %q must be of the form container/blob", path)
	}
	prefix, _, _ := strings.Cut(pattern, "{")
	if receipts == nil {
		receipts = NewCheckpoints(nil)
	}
	return &BlobListener{
		functionID: functionID,
		container:  container,
		prefix:     prefix,
		matcher:    matcher,
		store:      store,
		queues:     queues,
		receipts:   receipts,
		exec:       exec,
		opts:       opts.withDefaults(),
		failures:   make(map[string]int),
	}, nil
}

func newBlobListener(ctx context.Context, lc Context) (Listener, error) {
	tb, ok := lc.Trigger.(*triggers.BlobTriggerBinding)
	if !ok {
		return nil, errors.Newf("blob listener needs a blob trigger binding, got %T", lc.Trigger)
	}
	acct, err := lc.Services.Accounts.Open(ctx, tb.ConnectionString())
	if err != nil {
		return nil, err
	}
	store, err := acct.BlobStore()
	if err != nil {
		return nil, err
	}
	queues, err := acct.QueueStore()
	if err != nil {
		return nil, err
	}
	attr := tb.Attribute().(triggers.BlobTrigger)
	return NewBlobListener(lc.FunctionID, attr.Path, tb, store, queues, lc.Checkpoints, lc.Executor, lc.Options)
}

func (l *BlobListener) Start(ctx context.Context) error {
	if err := l.store.CreateContainerIfNotExists(ctx, l.container); err != nil {
		return err
	}
	if err := l.receipts.Init(ctx); err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})
	l.healthy.Store(true)
	go l.run(runCtx)
	logging.Op().Info("blob listener started", "function", l.functionID, "container", l.container, "prefix", l.prefix)
	return nil
}

func (l *BlobListener) Stop(ctx context.Context) error {
	if l.cancel == nil {
		return nil
	}
	l.cancel()
	select {
	case <-l.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	l.healthy.Store(false)
	logging.Op().Info("blob listener stopped", "function", l.functionID, "container", l.container)
	return nil
}

func (l *BlobListener) IsHealthy() bool { return l.healthy.Load() }

func (l *BlobListener) run(ctx context.Context) {
	defer close(l.done)
	ticker := time.NewTicker(l.opts.BlobPollingInterval)
	defer ticker.Stop()

	for {
		if err := l.Scan(ctx); err != nil && ctx.Err() == nil {
			logging.Op().Warn("blob scan failed", "function", l.functionID, "container", l.container, "error", err)
			l.healthy.Store(false)
		} else {
			l.healthy.Store(true)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (l *BlobListener) receiptKey(ref blob.Ref) string {
	return l.functionID + "/" + ref.String()
}

// Scan lists the container once and runs the function for every matching
// blob without a receipt for its current ETag.
func (l *BlobListener) Scan(ctx context.Context) error {
	items, err := l.store.List(ctx, l.container, l.prefix)
	if err != nil {
		return err
	}
	for _, item := range items {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, ok := l.matcher.Match(item.Ref); !ok {
			continue
		}
		key := l.receiptKey(item.Ref)
		var receipt string
		found, err := l.receipts.Load(ctx, KindBlobReceipt, key, &receipt)
		if err != nil {
			return err
		}
		if found && receipt == item.Properties.ETag {
			continue
		}
		l.process(ctx, item, key)
	}
	return nil
}

func (l *BlobListener) process(ctx context.Context, item blob.Item, key string) {
	err := l.exec.Execute(ctx, item.Ref)
	if ctx.Err() != nil {
		return
	}
	settleCtx := context.WithoutCancel(ctx)
	if err == nil {
		l.resetFailures(key)
		l.writeReceipt(settleCtx, key, item.Properties.ETag)
		metrics.Global().RecordSettlement(settlementBlob, metrics.OutcomeComplete)
		return
	}

	l.mu.Lock()
	l.failures[key]++
	attempts := l.failures[key]
	l.mu.Unlock()

	if attempts < l.opts.MaxDequeueCount {
		metrics.Global().RecordSettlement(settlementBlob, metrics.OutcomeAbandon)
		return
	}
	l.resetFailures(key)
	l.poison(settleCtx, item)
	l.writeReceipt(settleCtx, key, item.Properties.ETag)
	metrics.Global().RecordSettlement(settlementBlob, metrics.OutcomePoison)
}

func (l *BlobListener) resetFailures(key string) {
	l.mu.Lock()
	delete(l.failures, key)
	l.mu.Unlock()
}

func (l *BlobListener) writeReceipt(ctx context.Context, key, etag string) {
	if err := l.receipts.Save(ctx, KindBlobReceipt, key, etag); err != nil {
		logging.Op().Warn("write blob receipt failed", "function", l.functionID, "blob", key, "error", err)
	}
}

func (l *BlobListener) poison(ctx context.Context, item blob.Item) {
	msg := BlobPoisonMessage{
		Type:          "BlobTrigger",
		FunctionID:    l.functionID,
		BlobType:      "BlockBlob",
		ContainerName: item.Ref.Container,
		BlobName:      item.Ref.Name,
		ETag:          item.Properties.ETag,
	}
	logging.Op().Warn("blob failed too many times, writing poison message",
		"function", l.functionID, "blob", item.Ref.String(), "poison_queue", BlobPoisonQueue)
	body, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := l.queues.CreateIfNotExists(ctx, BlobPoisonQueue); err != nil {
		logging.Op().Error("create blob poison queue failed", "error", err)
		return
	}
	if _, err := l.queues.Enqueue(ctx, BlobPoisonQueue, body); err != nil {
		logging.Op().Error("enqueue blob poison message failed", "error", err)
	}
}
