package feed

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetry_StopsAfterAttempts(t *testing.T) {
	r := Retry{Attempts: 3, Delay: time.Millisecond}
	calls := 0
	err := r.Do(context.Background(), func(context.Context) error {
		calls++
		return errors.New("transient")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_SucceedsEventually(t *testing.T) {
	r := Retry{Attempts: 3, Delay: time.Millisecond}
	calls := 0
	err := r.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 2 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestRetry_PermanentErrorsAreNotRetried(t *testing.T) {
	r := Retry{Attempts: 5, Delay: time.Millisecond}
	calls := 0
	err := r.Do(context.Background(), func(context.Context) error {
		calls++
		return ErrConflict
	})
	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, 1, calls)
}

func TestRetry_ReportCanAbort(t *testing.T) {
	stop := errors.New("stop")
	r := Retry{Attempts: 5, Delay: time.Millisecond, Report: func(int, error) error { return stop }}
	err := r.Do(context.Background(), func(context.Context) error { return errors.New("x") })
	assert.ErrorIs(t, err, stop)
}

func TestAppendIdempotent_RetryAfterLandedWrite(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	// The first append lands but reports a failure, as a dropped reply would.
	failed := false
	inner := &flakyAppend{Backend: m, fail: &failed}

	i, err := AppendIdempotent(ctx, inner, Retry{Attempts: 3, Delay: time.Millisecond}, "log", []byte("commit"), At(0))
	require.NoError(t, err)
	assert.Equal(t, uint64(0), i)
	assert.True(t, failed)
	assert.Equal(t, 1, m.Len("log"))
}

func TestAppendIdempotent_ConflictWithOtherWriter(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	_, err := AppendIdempotent(ctx, m, DefaultRetry, "log", []byte("theirs"), At(0))
	require.NoError(t, err)
	_, err = AppendIdempotent(ctx, m, DefaultRetry, "log", []byte("mine"), At(0))
	assert.ErrorIs(t, err, ErrConflict)
}

// flakyAppend lets the first Append reach the backend and then reports an error.
type flakyAppend struct {
	Backend
	fail *bool
}

func (f *flakyAppend) Append(ctx context.Context, id StreamID, ref Ref, opts AppendOptions) (uint64, error) {
	i, err := f.Backend.Append(ctx, id, ref, opts)
	if err == nil && !*f.fail {
		*f.fail = true
		return 0, errors.New("connection reset")
	}
	return i, err
}
