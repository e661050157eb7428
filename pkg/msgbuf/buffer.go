// Package msgbuf holds recently received messages in memory.
//
// Messages are keyed by (address, feed index) so a message read twice is
// stored and counted once. Each message expires a fixed time after it was
// sent, and the least recently read messages are evicted once the byte
// capacity is exceeded.
package msgbuf

import (
	"container/list"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

type entry struct {
	key      string
	msg      Message
	expireAt time.Time
}

// Buffer is safe for concurrent use.
type Buffer struct {
	mu   sync.Mutex
	clk  clock.Clock
	data map[string]*list.Element
	ll   *list.List
	used int
	cap  int
}

func New(capacityBytes int, clk clock.Clock) *Buffer {
	if clk == nil {
		clk = clock.New()
	}
	return &Buffer{
		clk:  clk,
		data: make(map[string]*list.Element),
		ll:   list.New(),
		cap:  capacityBytes,
	}
}

func key(address string, index uint64) string {
	return fmt.Sprintf("%s/%d", address, index)
}

// Put stores msg until ttl after its timestamp. It returns false, storing
// nothing, if the message is already buffered or already expired.
func (b *Buffer) Put(msg Message, ttl time.Duration) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	k := key(msg.Address, msg.Index)
	if el, ok := b.data[k]; ok {
		if !b.expired(el.Value.(*entry)) {
			return false
		}
		b.removeElement(el)
	}
	exp := msg.Time().Add(ttl)
	if !b.clk.Now().Before(exp) {
		return false
	}
	el := b.ll.PushFront(&entry{key: k, msg: msg, expireAt: exp})
	b.data[k] = el
	b.used += msg.size()
	b.evictIfNeeded()
	return true
}

// Get returns a buffered message and marks it recently used.
func (b *Buffer) Get(address string, index uint64) (Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	el, ok := b.data[key(address, index)]
	if !ok {
		return Message{}, false
	}
	if b.expired(el.Value.(*entry)) {
		b.removeElement(el)
		return Message{}, false
	}
	b.ll.MoveToFront(el)
	return el.Value.(*entry).msg, true
}

// Messages returns every unexpired message ordered by send time.
func (b *Buffer) Messages() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Message, 0, len(b.data))
	for el := b.ll.Front(); el != nil; {
		next := el.Next()
		e := el.Value.(*entry)
		if b.expired(e) {
			b.removeElement(el)
		} else {
			out = append(out, e.msg)
		}
		el = next
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp < out[j].Timestamp
		}
		if out[i].Address != out[j].Address {
			return out[i].Address < out[j].Address
		}
		return out[i].Index < out[j].Index
	})
	return out
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

func (b *Buffer) expired(e *entry) bool {
	return !b.clk.Now().Before(e.expireAt)
}

func (b *Buffer) evictIfNeeded() {
	for b.cap > 0 && b.used > b.cap && b.ll.Back() != nil {
		b.removeElement(b.ll.Back())
	}
}

func (b *Buffer) removeElement(el *list.Element) {
	e := el.Value.(*entry)
	delete(b.data, e.key)
	b.used -= e.msg.size()
	b.ll.Remove(el)
}
