package feed

import (
	"context"
	"errors"
	"time"
)

// Retry describes a fixed-delay retry budget for writes to shared streams.
//
// Report, if non-nil, is called with every failed attempt. It may return a
// non-nil error to abort the loop early when the failure is known to be permanent.
type Retry struct {
	Attempts int
	Delay    time.Duration
	Report   func(attempt int, err error) error
}

// DefaultRetry is three attempts, 250ms apart.
var DefaultRetry = Retry{Attempts: 3, Delay: 250 * time.Millisecond}

// Do calls try until it succeeds, the budget is spent, or ctx is done.
// Not-found and conflict errors are permanent and returned immediately.
func (r Retry) Do(ctx context.Context, try func(context.Context) error) error {
	attempts := r.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var err error
	for i := 1; i <= attempts; i++ {
		if err = try(ctx); err == nil {
			return nil
		}
		switch Classify(err) {
		case KindNotFound, KindConflict:
			return err
		}
		if r.Report != nil {
			if abort := r.Report(i, err); abort != nil {
				return abort
			}
		}
		if i == attempts {
			break
		}

		t := time.NewTimer(r.Delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
	return err
}

// AppendIdempotent uploads data and appends its ref to id under the retry
// budget. When an explicit index is requested and a retry finds it taken by
// the very same ref, an earlier attempt landed and the call succeeds.
func AppendIdempotent(ctx context.Context, b Backend, r Retry, id StreamID, data []byte, opts AppendOptions) (uint64, error) {
	var ref Ref
	if err := r.Do(ctx, func(ctx context.Context) error {
		var err error
		ref, err = b.PutBlob(ctx, data)
		return err
	}); err != nil {
		return 0, err
	}

	var index uint64
	err := r.Do(ctx, func(ctx context.Context) error {
		i, err := b.Append(ctx, id, ref, opts)
		if err == nil {
			index = i
			return nil
		}
		if !errors.Is(err, ErrConflict) || opts.AtIndex == nil {
			return err
		}
		e, rerr := b.ReadAt(ctx, id, *opts.AtIndex)
		if rerr == nil && e.Ref == ref {
			index = *opts.AtIndex
			return nil
		}
		return err
	})
	return index, err
}
