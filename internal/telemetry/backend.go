package telemetry

import (
	"context"
	"time"

	"github.com/ryandielhenn/zephyrchat/pkg/feed"
)

// InstrumentBackend wraps b so every call is counted in FeedOps under its
// outcome, and ReadAt latency lands in FeedReadLatency.
func InstrumentBackend(b feed.Backend) feed.Backend {
	return instrumented{next: b}
}

type instrumented struct {
	next feed.Backend
}

func observe(op string, err error) {
	FeedOps.WithLabelValues(op, feed.Classify(err).String()).Inc()
}

func (i instrumented) CreateStream(ctx context.Context, id feed.StreamID) error {
	err := i.next.CreateStream(ctx, id)
	observe("create", err)
	return err
}

func (i instrumented) ReadAt(ctx context.Context, id feed.StreamID, index uint64) (feed.Entry, error) {
	start := time.Now()
	e, err := i.next.ReadAt(ctx, id, index)
	FeedReadLatency.Observe(time.Since(start).Seconds())
	observe("read", err)
	return e, err
}

func (i instrumented) ReadLatest(ctx context.Context, id feed.StreamID) (feed.Latest, error) {
	l, err := i.next.ReadLatest(ctx, id)
	observe("latest", err)
	return l, err
}

func (i instrumented) FetchBlob(ctx context.Context, ref feed.Ref) ([]byte, error) {
	b, err := i.next.FetchBlob(ctx, ref)
	observe("fetch", err)
	return b, err
}

func (i instrumented) PutBlob(ctx context.Context, data []byte) (feed.Ref, error) {
	ref, err := i.next.PutBlob(ctx, data)
	observe("put", err)
	return ref, err
}

func (i instrumented) Append(ctx context.Context, id feed.StreamID, ref feed.Ref, opts feed.AppendOptions) (uint64, error) {
	n, err := i.next.Append(ctx, id, ref, opts)
	observe("append", err)
	return n, err
}
