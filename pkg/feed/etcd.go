package feed

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// headRetries bounds how often a head append re-reads the head after losing
// a race to another writer.
const headRetries = 8

// NewClient dials etcd.
func NewClient(endpoints []string, dialTimeout time.Duration) (*clientv3.Client, error) {
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
}

// EtcdBackend stores streams and blobs in etcd.
//
// Layout under prefix:
//
//	<prefix>/streams/<id>/meta          stream marker
//	<prefix>/streams/<id>/e/<index:020> entry ref
//	<prefix>/blobs/<ref>                blob bytes
//
// Appends are a single transaction guarded by CreateRevision == 0 on the
// entry key, so an index can be written exactly once.
type EtcdBackend struct {
	cli    *clientv3.Client
	prefix string
	blobs  *lru.Cache[Ref, []byte]
}

var _ Backend = (*EtcdBackend)(nil)

// NewEtcdBackend wraps cli. Blobs are immutable, so up to cacheSize of them
// are kept in memory after the first fetch.
func NewEtcdBackend(cli *clientv3.Client, prefix string, cacheSize int) (*EtcdBackend, error) {
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	cache, err := lru.New[Ref, []byte](cacheSize)
	if err != nil {
		return nil, err
	}
	return &EtcdBackend{
		cli:    cli,
		prefix: strings.TrimSuffix(prefix, "/"),
		blobs:  cache,
	}, nil
}

func (b *EtcdBackend) streamKey(id StreamID) string {
	return fmt.Sprintf("%s/streams/%s", b.prefix, id)
}

func (b *EtcdBackend) entriesPrefix(id StreamID) string {
	return b.streamKey(id) + "/e/"
}

func (b *EtcdBackend) entryKey(id StreamID, index uint64) string {
	return fmt.Sprintf("%s%020d", b.entriesPrefix(id), index)
}

func (b *EtcdBackend) blobKey(ref Ref) string {
	return fmt.Sprintf("%s/blobs/%s", b.prefix, ref)
}

func (b *EtcdBackend) CreateStream(ctx context.Context, id StreamID) error {
	key := b.streamKey(id) + "/meta"
	_, err := b.cli.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, strconv.FormatInt(time.Now().UnixMilli(), 10))).
		Commit()
	return err
}

func (b *EtcdBackend) ReadAt(ctx context.Context, id StreamID, index uint64) (Entry, error) {
	resp, err := b.cli.Get(ctx, b.entryKey(id, index))
	if err != nil {
		return Entry{}, err
	}
	if len(resp.Kvs) == 0 {
		return Entry{}, fmt.Errorf("%w: %s@%d", ErrNotFound, id, index)
	}
	return Entry{Ref: Ref(resp.Kvs[0].Value), Next: index + 1}, nil
}

func (b *EtcdBackend) ReadLatest(ctx context.Context, id StreamID) (Latest, error) {
	opts := append(clientv3.WithLastKey(), clientv3.WithPrefix(), clientv3.WithKeysOnly())
	resp, err := b.cli.Get(ctx, b.entriesPrefix(id), opts...)
	if err != nil {
		return Latest{}, err
	}
	if len(resp.Kvs) == 0 {
		return Latest{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	cur, err := b.entryIndex(id, resp.Kvs[0])
	if err != nil {
		return Latest{}, err
	}
	return Latest{Current: cur, Next: cur + 1}, nil
}

func (b *EtcdBackend) entryIndex(id StreamID, kv *mvccpb.KeyValue) (uint64, error) {
	raw := strings.TrimPrefix(string(kv.Key), b.entriesPrefix(id))
	i, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("feed: malformed entry key %q: %w", kv.Key, err)
	}
	return i, nil
}

func (b *EtcdBackend) FetchBlob(ctx context.Context, ref Ref) ([]byte, error) {
	if data, ok := b.blobs.Get(ref); ok {
		return append([]byte(nil), data...), nil
	}
	resp, err := b.cli.Get(ctx, b.blobKey(ref))
	if err != nil {
		return nil, err
	}
	if len(resp.Kvs) == 0 {
		return nil, fmt.Errorf("%w: blob %s", ErrNotFound, ref)
	}
	data := resp.Kvs[0].Value
	b.blobs.Add(ref, data)
	return append([]byte(nil), data...), nil
}

func (b *EtcdBackend) PutBlob(ctx context.Context, data []byte) (Ref, error) {
	ref := RefOf(data)
	key := b.blobKey(ref)
	_, err := b.cli.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, string(data))).
		Commit()
	if err != nil {
		return "", err
	}
	return ref, nil
}

func (b *EtcdBackend) Append(ctx context.Context, id StreamID, ref Ref, opts AppendOptions) (uint64, error) {
	if opts.AtIndex != nil {
		return b.putAt(ctx, id, ref, *opts.AtIndex)
	}
	for range headRetries {
		next := uint64(0)
		latest, err := b.ReadLatest(ctx, id)
		switch Classify(err) {
		case KindNone:
			next = latest.Next
		case KindNotFound:
		default:
			return 0, err
		}
		i, err := b.putAt(ctx, id, ref, next)
		if Classify(err) == KindConflict {
			continue
		}
		return i, err
	}
	return 0, fmt.Errorf("%w: %s head contended", ErrConflict, id)
}

func (b *EtcdBackend) putAt(ctx context.Context, id StreamID, ref Ref, index uint64) (uint64, error) {
	key := b.entryKey(id, index)
	resp, err := b.cli.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, string(ref))).
		Commit()
	if err != nil {
		return 0, err
	}
	if !resp.Succeeded {
		return 0, fmt.Errorf("%w: %s@%d", ErrConflict, id, index)
	}
	return index, nil
}
