// Package logpipeline is the Log Pipeline (C4): it attaches to every
// managed container's combined stdout/stderr stream through the Runtime
// Adapter and fans each line out to one or more backends. Grounded on the
// teacher's messaging.Provider/Registry composition pattern
// (pkg/messaging/messaging.go, registry.go) — LogBackend here plays the
// same role Provider plays there: a capability interface with independent,
// isolated implementations registered into one fan-out point.
package logpipeline

import (
	"bufio"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/iotistic/supervisor/pkg/model"
	"github.com/iotistic/supervisor/pkg/runtimeadapter"
)

// LogBackend receives every log line the pipeline produces. A failure in
// one backend must never block or drop lines for another.
type LogBackend interface {
	Name() string
	Write(ctx context.Context, entry model.LogEntry) error
}

// Pipeline attaches to managed containers and fans their output out to all
// registered backends.
type Pipeline struct {
	adapter  runtimeadapter.Adapter
	backends []LogBackend
	logger   *slog.Logger
	drops    func(backend string)
}

// New creates a Pipeline driving containers through adapter and fanning
// output out to backends. dropCounter, if non-nil, is called with a
// backend's name each time that backend fails to accept an entry.
func New(adapter runtimeadapter.Adapter, logger *slog.Logger, dropCounter func(backend string), backends ...LogBackend) *Pipeline {
	return &Pipeline{adapter: adapter, backends: backends, logger: logger, drops: dropCounter}
}

// Attach streams containerID's logs until ctx is cancelled, tagging every
// line with serviceID/serviceName and fanning it out to all backends.
func (p *Pipeline) Attach(ctx context.Context, containerID string, serviceID int64, serviceName string) error {
	rc, err := p.adapter.LogsAttach(ctx, containerID, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return err
	}
	defer rc.Close()

	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		isStderr, msg := demuxLine(line)

		entry := model.LogEntry{
			Timestamp:   time.Now().UTC(),
			Level:       model.LogInfo,
			Source:      model.SourceContainer,
			ServiceID:   &serviceID,
			ServiceName: serviceName,
			ContainerID: containerID,
			IsStderr:    isStderr,
			Message:     msg,
		}
		p.fanOut(ctx, entry)

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	return scanner.Err()
}

// fanOut writes entry to every backend concurrently, so a failing backend
// does not stop delivery to the others. It waits for all backends to finish
// before returning, so a backend that stalls (a blocked network publish,
// say) holds up this and every later line for all backends.
func (p *Pipeline) fanOut(ctx context.Context, entry model.LogEntry) {
	var wg sync.WaitGroup
	for _, b := range p.backends {
		wg.Add(1)
		go func(b LogBackend) {
			defer wg.Done()
			if err := b.Write(ctx, entry); err != nil {
				if p.logger != nil {
					p.logger.Warn("log backend dropped entry", "backend", b.Name(), "error", err)
				}
				if p.drops != nil {
					p.drops(b.Name())
				}
			}
		}(b)
	}
	wg.Wait()
}

// demuxLine strips Docker's multiplexed stream framing byte when present
// and reports whether the line came from stderr. When a caller has already
// demultiplexed the stream (e.g. via a non-TTY attach), the line is passed
// through unchanged.
func demuxLine(line string) (isStderr bool, msg string) {
	if len(line) >= 8 {
		switch line[0] {
		case 1:
			return false, line[8:]
		case 2:
			return true, line[8:]
		}
	}
	return false, line
}
