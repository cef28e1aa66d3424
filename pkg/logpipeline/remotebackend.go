package logpipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/iotistic/supervisor/pkg/model"
)

// Publisher is the subset of *fabric.Fabric RemoteBackend depends on.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Topic(segments ...string) string
}

// RemoteBackend publishes log entries to the cloud over the messaging
// fabric, batching lines to keep publish volume proportional to log rate
// rather than line count. Unbatched entries go to app/service/level as one
// JSON object each; a batch goes to app/logs/batch as a bare JSON array,
// whatever the services and levels of its entries.
type RemoteBackend struct {
	pub       Publisher
	appName   string
	batchSize int

	mu    sync.Mutex
	batch []model.LogEntry
}

// NewRemoteBackend creates a RemoteBackend that flushes after batchSize
// buffered entries; a batchSize of 1 or less publishes each entry
// immediately.
func NewRemoteBackend(pub Publisher, appName string, batchSize int) *RemoteBackend {
	return &RemoteBackend{pub: pub, appName: appName, batchSize: batchSize}
}

func (b *RemoteBackend) Name() string { return "remote" }

func (b *RemoteBackend) Write(ctx context.Context, entry model.LogEntry) error {
	if b.batchSize <= 1 {
		return b.publishOne(ctx, entry)
	}

	b.mu.Lock()
	b.batch = append(b.batch, entry)
	full := len(b.batch) >= b.batchSize
	var flushing []model.LogEntry
	if full {
		flushing = b.batch
		b.batch = nil
	}
	b.mu.Unlock()

	if full {
		return b.publishBatch(ctx, flushing)
	}
	return nil
}

// Flush publishes any entries buffered below the batch threshold. Nothing
// in the supervisor calls it on a timer, so buffered entries are published
// only once the batch fills.
func (b *RemoteBackend) Flush(ctx context.Context) error {
	b.mu.Lock()
	flushing := b.batch
	b.batch = nil
	b.mu.Unlock()

	if len(flushing) == 0 {
		return nil
	}
	return b.publishBatch(ctx, flushing)
}

func (b *RemoteBackend) publishOne(ctx context.Context, entry model.LogEntry) error {
	topic := b.pub.Topic(b.appName, entry.ServiceName, string(entry.Level))
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshalling log entry: %w", err)
	}
	return b.pub.Publish(ctx, topic, payload)
}

func (b *RemoteBackend) publishBatch(ctx context.Context, entries []model.LogEntry) error {
	topic := b.pub.Topic(b.appName, "logs", "batch")
	payload, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("marshalling log batch: %w", err)
	}
	return b.pub.Publish(ctx, topic, payload)
}
