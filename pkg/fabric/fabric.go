// Package fabric is the Messaging Fabric (C3): a single shared pub/sub
// transport between the device and the cloud, addressed by MQTT-style
// hierarchical topics. Grounded on the teacher's use of go-redis pub/sub in
// pkg/escalation/engine.go (Subscribe + Channel()) and internal/platform's
// connection-factory shape; reconnection uses cenkalti/backoff/v5, already
// a real (if previously indirect) dependency of the teacher's go.mod,
// promoted here to direct use since nothing in the teacher exercises it.
package fabric

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/cenkalti/backoff/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/iotistic/supervisor/pkg/rtmerr"
)

// Fabric is a connected messaging transport. The zero value is not usable;
// construct with Connect.
type Fabric struct {
	client     *redis.Client
	base       string
	logger     *slog.Logger
	reconnects prometheus.Counter

	mu         sync.Mutex
	router     *router
	firehose   *redis.PubSub
	firehoseCh <-chan *redis.Message
	cancel     context.CancelFunc
	connected  atomic.Bool
}

// Connect dials Redis at url and subscribes the firehose pattern
// "{topicBase}*" once, lazily, on the first Subscribe call.
func Connect(ctx context.Context, url, topicBase string, logger *slog.Logger, reconnects prometheus.Counter) (*Fabric, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing broker url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, rtmerr.NewRetriable("fabric.Connect", err)
	}

	f := &Fabric{
		client:     client,
		base:       topicBase,
		logger:     logger,
		reconnects: reconnects,
		router:     newRouter(),
	}
	f.connected.Store(true)
	return f, nil
}

// IsConnected reports whether the last known ping to the broker succeeded.
func (f *Fabric) IsConnected() bool {
	return f.connected.Load()
}

// RedisClient exposes the underlying connection for pkg/reconciler's
// FailureWindow, which needs its own INCR/EXPIRE keyspace on the same
// broker rather than a second connection.
func (f *Fabric) RedisClient() *redis.Client {
	return f.client
}

// Disconnect tears down the firehose subscription and closes the client.
func (f *Fabric) Disconnect() error {
	f.mu.Lock()
	if f.cancel != nil {
		f.cancel()
	}
	f.mu.Unlock()
	f.connected.Store(false)
	return f.client.Close()
}

// Publish sends payload under the given fully-qualified topic.
func (f *Fabric) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := f.client.Publish(ctx, topic, payload).Err(); err != nil {
		return classifyRedisErr(err)
	}
	return nil
}

// Subscribe registers handler for every published topic matching pattern
// (which may contain "+" and a trailing "#"). It returns an unsubscribe
// function. The first call establishes the shared firehose subscription;
// subsequent calls reuse it.
func (f *Fabric) Subscribe(ctx context.Context, pattern string, handler func(topic string, payload []byte)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.firehose == nil {
		if err := f.startFirehoseLocked(ctx); err != nil {
			return nil, err
		}
	}

	id := f.router.add(pattern, handler)
	return func() { f.unsubscribe(id) }, nil
}

func (f *Fabric) unsubscribe(id uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.router.remove(id)
}

func (f *Fabric) startFirehoseLocked(ctx context.Context) error {
	pattern := f.base + "*"
	firehose := f.client.PSubscribe(ctx, pattern)
	if _, err := firehose.Receive(ctx); err != nil {
		_ = firehose.Close()
		return rtmerr.NewRetriable("fabric.startFirehose", err)
	}

	firehoseCtx, cancel := context.WithCancel(ctx)
	f.firehose = firehose
	f.firehoseCh = firehose.Channel()
	f.cancel = cancel

	go f.pump(firehoseCtx)
	return nil
}

func (f *Fabric) pump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-f.firehoseCh:
			if !ok {
				f.handleDisconnect(ctx)
				return
			}
			f.router.dispatch(msg.Channel, []byte(msg.Payload))
		}
	}
}

// handleDisconnect marks the fabric unhealthy and reconnects the firehose
// subscription with bounded exponential backoff.
func (f *Fabric) handleDisconnect(ctx context.Context) {
	f.connected.Store(false)
	if f.reconnects != nil {
		f.reconnects.Inc()
	}
	f.logger.Warn("fabric firehose disconnected, reconnecting")

	op := func() (struct{}, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if err := f.startFirehoseLocked(ctx); err != nil {
			return struct{}{}, err
		}
		return struct{}{}, nil
	}

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(0),
	)
	if err != nil {
		f.logger.Error("fabric reconnect abandoned", "error", err)
		return
	}
	f.connected.Store(true)
	f.logger.Info("fabric firehose reconnected")
}

func classifyRedisErr(err error) error {
	if err == nil {
		return nil
	}
	return rtmerr.NewRetriable("fabric", err)
}

// Topic builds a fully-qualified topic under this fabric's base, joining
// segments with "/".
func (f *Fabric) Topic(segments ...string) string {
	topic := f.base
	for _, s := range segments {
		topic += "/" + s
	}
	return topic
}
