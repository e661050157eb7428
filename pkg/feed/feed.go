// Package feed defines the append-only, content-addressed storage that peers
// share. Streams are ordered logs addressed by a StreamID and read by index;
// payloads live in an immutable blob store addressed by the hash of their bytes.
//
// Two backends are provided: Memory for tests and single-process simulations,
// and EtcdBackend for real deployments.
package feed

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"lukechampine.com/blake3"
)

var (
	// ErrNotFound is returned when a stream or an index has never been written.
	// It is the steady-state "nothing new yet" signal, not a failure.
	ErrNotFound = errors.New("feed: not found")

	// ErrConflict is returned by Append when the target index is already taken.
	ErrConflict = errors.New("feed: index already written")

	// ErrTimeout marks an operation that exceeded its per-operation deadline.
	ErrTimeout = errors.New("feed: operation timed out")
)

// StreamID names one append-only log.
type StreamID string

// Ref is the content address of a blob.
type Ref string

// MembershipStream returns the shared membership log for a topic.
func MembershipStream(topic string) StreamID {
	return StreamID("membership/" + topic)
}

// UserStream returns the personal message feed of an address within a topic.
func UserStream(topic, address string) StreamID {
	return StreamID("messages/" + topic + "/" + address)
}

// Entry is a stream position as returned by ReadAt.
type Entry struct {
	Ref  Ref
	Next uint64
}

// Latest describes the head of a stream.
type Latest struct {
	Current uint64
	Next    uint64
}

// AppendOptions tunes Append. A nil AtIndex appends at the head.
type AppendOptions struct {
	AtIndex *uint64
}

// At is a convenience for AppendOptions{AtIndex: &i}.
func At(i uint64) AppendOptions {
	return AppendOptions{AtIndex: &i}
}

// Backend is the storage collaborator consumed by the coordination protocol.
type Backend interface {
	CreateStream(ctx context.Context, id StreamID) error
	ReadAt(ctx context.Context, id StreamID, index uint64) (Entry, error)
	// ReadLatest fails with ErrNotFound when the stream has never been written.
	ReadLatest(ctx context.Context, id StreamID) (Latest, error)
	FetchBlob(ctx context.Context, ref Ref) ([]byte, error)
	PutBlob(ctx context.Context, data []byte) (Ref, error)
	// Append writes ref at the head, or at opts.AtIndex. It returns the index
	// written, or ErrConflict when that index is already taken.
	Append(ctx context.Context, id StreamID, ref Ref, opts AppendOptions) (uint64, error)
}

// RefOf returns the content address of data.
func RefOf(data []byte) Ref {
	sum := blake3.Sum256(data)
	return Ref(hex.EncodeToString(sum[:]))
}

// Kind classifies a backend error for the callers' failure policy.
type Kind int

const (
	KindNone Kind = iota
	KindNotFound
	KindTimeout
	KindConflict
	KindOther
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "ok"
	case KindNotFound:
		return "not_found"
	case KindTimeout:
		return "timeout"
	case KindConflict:
		return "conflict"
	default:
		return "error"
	}
}

// Classify maps err onto a Kind. Context deadlines count as timeouts.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrConflict):
		return KindConflict
	default:
		return KindOther
	}
}

// WithTimeout runs op under a per-operation deadline and converts an expired
// deadline into ErrTimeout.
func WithTimeout[T any](ctx context.Context, d time.Duration, op func(context.Context) (T, error)) (T, error) {
	if d <= 0 {
		return op(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	v, err := op(ctx)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, ErrTimeout) {
		err = fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return v, err
}
