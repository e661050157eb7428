package feed

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func etcdBackend(t *testing.T) *EtcdBackend {
	t.Helper()
	endpoints := os.Getenv("ZEPHYR_ETCD_ENDPOINTS")
	if endpoints == "" {
		t.Skip("ZEPHYR_ETCD_ENDPOINTS not set")
	}
	cli, err := NewClient(strings.Split(endpoints, ","), 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cli.Close() })

	b, err := NewEtcdBackend(cli, fmt.Sprintf("/zephyr-test/%d", time.Now().UnixNano()), 16)
	require.NoError(t, err)
	return b
}

func TestEtcdBackend_AppendReadLatest(t *testing.T) {
	b := etcdBackend(t)
	ctx := context.Background()

	require.NoError(t, b.CreateStream(ctx, "s"))
	_, err := b.ReadLatest(ctx, "s")
	assert.ErrorIs(t, err, ErrNotFound)

	for i := range 3 {
		ref, err := b.PutBlob(ctx, []byte(fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
		idx, err := b.Append(ctx, "s", ref, AppendOptions{})
		require.NoError(t, err)
		assert.Equal(t, uint64(i), idx)
	}

	latest, err := b.ReadLatest(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, Latest{Current: 2, Next: 3}, latest)

	e, err := b.ReadAt(ctx, "s", 1)
	require.NoError(t, err)
	data, err := b.FetchBlob(ctx, e.Ref)
	require.NoError(t, err)
	assert.Equal(t, "m1", string(data))

	_, err = b.Append(ctx, "s", e.Ref, At(1))
	assert.ErrorIs(t, err, ErrConflict)
}
