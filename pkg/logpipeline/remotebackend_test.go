package logpipeline

import (
	"context"
	"testing"

	"github.com/iotistic/supervisor/pkg/model"
)

type fakePublisher struct {
	published []string
}

func (f *fakePublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	f.published = append(f.published, topic)
	return nil
}

func (f *fakePublisher) Topic(segments ...string) string {
	topic := "devices/abc"
	for _, s := range segments {
		topic += "/" + s
	}
	return topic
}

func TestRemoteBackendPublishesImmediatelyWhenUnbatched(t *testing.T) {
	pub := &fakePublisher{}
	b := NewRemoteBackend(pub, "web", 0)

	if err := b.Write(context.Background(), model.LogEntry{ServiceName: "nginx", Level: model.LogInfo}); err != nil {
		t.Fatalf("Write() error: %v", err)
	}
	if len(pub.published) != 1 {
		t.Fatalf("got %d publishes, want 1", len(pub.published))
	}
	if pub.published[0] != "devices/abc/web/nginx/info" {
		t.Errorf("got topic %q", pub.published[0])
	}
}

func TestRemoteBackendBatchesUntilThreshold(t *testing.T) {
	pub := &fakePublisher{}
	b := NewRemoteBackend(pub, "web", 3)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := b.Write(ctx, model.LogEntry{ServiceName: "nginx"}); err != nil {
			t.Fatalf("Write() error: %v", err)
		}
	}
	if len(pub.published) != 0 {
		t.Fatalf("expected no publish below threshold, got %d", len(pub.published))
	}

	if err := b.Write(ctx, model.LogEntry{ServiceName: "nginx"}); err != nil {
		t.Fatalf("Write() error: %v", err)
	}
	if len(pub.published) != 1 {
		t.Fatalf("expected one batch publish at threshold, got %d", len(pub.published))
	}
	if pub.published[0] != "devices/abc/web/logs/batch" {
		t.Errorf("got topic %q", pub.published[0])
	}
}

func TestRemoteBackendFlushPublishesPartialBatch(t *testing.T) {
	pub := &fakePublisher{}
	b := NewRemoteBackend(pub, "web", 5)
	ctx := context.Background()

	_ = b.Write(ctx, model.LogEntry{ServiceName: "nginx"})
	if err := b.Flush(ctx); err != nil {
		t.Fatalf("Flush() error: %v", err)
	}
	if len(pub.published) != 1 {
		t.Fatalf("expected flush to publish buffered entry, got %d", len(pub.published))
	}

	if err := b.Flush(ctx); err != nil {
		t.Fatalf("Flush() on empty batch error: %v", err)
	}
	if len(pub.published) != 1 {
		t.Fatalf("expected no additional publish on empty flush, got %d", len(pub.published))
	}
}
