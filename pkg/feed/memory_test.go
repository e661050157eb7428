package feed

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_ReadLatestNotFound(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.CreateStream(ctx, "s"))
	_, err := m.ReadLatest(ctx, "s")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, KindNotFound, Classify(err))
}

func TestMemory_AppendAndRead(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	ref, err := m.PutBlob(ctx, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, RefOf([]byte("hello")), ref)

	i, err := m.Append(ctx, "s", ref, AppendOptions{})
	require.NoError(t, err)
	assert.Equal(t, uint64(0), i)

	latest, err := m.ReadLatest(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, Latest{Current: 0, Next: 1}, latest)

	e, err := m.ReadAt(ctx, "s", 0)
	require.NoError(t, err)
	assert.Equal(t, ref, e.Ref)
	assert.Equal(t, uint64(1), e.Next)

	data, err := m.FetchBlob(ctx, e.Ref)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	_, err = m.ReadAt(ctx, "s", 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemory_AppendAtIndexConflict(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	_, err := m.Append(ctx, "s", "a", At(0))
	require.NoError(t, err)
	_, err = m.Append(ctx, "s", "b", At(0))
	assert.ErrorIs(t, err, ErrConflict)

	_, err = m.Append(ctx, "s", "c", At(5))
	require.Error(t, err)
	assert.Equal(t, KindOther, Classify(err))
}

func TestClassify(t *testing.T) {
	assert.Equal(t, KindNone, Classify(nil))
	assert.Equal(t, KindTimeout, Classify(context.DeadlineExceeded))
	assert.Equal(t, KindTimeout, Classify(ErrTimeout))
	assert.Equal(t, KindConflict, Classify(ErrConflict))
	assert.Equal(t, KindOther, Classify(errors.New("boom")))
	assert.Equal(t, "not_found", KindNotFound.String())
}
