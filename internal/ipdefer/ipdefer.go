// Package ipdefer queues outbound IP datagrals waiting on ARP resolution
// and drains them on every periodic tick; an arriving ARP reply does not
// trigger a drain, so a queued datagram waits for the next tick even once
// its address has resolved. It mirrors the original's bounded ring and
// defer_inhibit reentrancy guard, which exists because draining the queue
// calls back into the IP send path, which can itself push onto the same
// queue — without the guard that's unbounded recursion.
//
// The original's per-entry buffer was fixed at ETHER_ALEN (6) bytes, far
// too small to hold a deferred datagram; this is one of the known bugs the
// design notes call out, and is corrected here by storing the full
// datagram payload per entry instead of a fixed 6-byte buffer.
package ipdefer

import (
	"log/slog"
	"sync"

	"github.com/jserv/nstack/internal/addr"
	"github.com/jserv/nstack/internal/config"
	"github.com/jserv/nstack/internal/errcode"
)

// maxTries bounds how many drain attempts a deferred send gets before it is
// dropped.
const maxTries = 3

type item struct {
	tries int
	dst   addr.IPv4
	proto uint8
	buf   []byte
}

// Sender is the callback the queue drains into; it is internal/ip.Stack's
// Send method. A return of errcode.EHostUnreach means "still unresolved,
// try again on the next drain".
type Sender func(dst addr.IPv4, proto uint8, buf []byte) error

// Queue is the bounded FIFO of datagrams awaiting ARP resolution.
type Queue struct {
	mu      sync.Mutex
	items   []item
	inhibit bool
	logger  *slog.Logger
}

// NewQueue constructs an empty defer queue bounded to config.IPDeferMax
// entries.
func NewQueue() *Queue {
	return &Queue{logger: slog.Default()}
}

// Push enqueues a datagram for later retransmission. It fails with
// errcode.EAlready if called reentrantly from within Drain, and with
// errcode.ENoBufs if the queue is full.
func (q *Queue) Push(dst addr.IPv4, proto uint8, buf []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.inhibit {
		return errcode.New(errcode.EAlready, "ipdefer.Push", nil)
	}
	if len(q.items) >= config.IPDeferMax {
		return errcode.New(errcode.ENoBufs, "ipdefer.Push", nil)
	}

	cp := make([]byte, len(buf))
	copy(cp, buf)
	q.items = append(q.items, item{dst: dst, proto: proto, buf: cp})
	return nil
}

// Drain attempts to resend queued datagrams in order via send. An entry
// that sends successfully, or that has failed maxTries times, is dropped.
// An entry still reporting errcode.EHostUnreach below maxTries stops the
// drain entirely: it and everything queued after it are left in place,
// untouched and in their original order, for the next drain. This is the
// single-writer FIFO the original's defer ring relied on — later entries
// are never reordered ahead of an address that is still unresolved.
func (q *Queue) Drain(send Sender) {
	q.mu.Lock()
	q.inhibit = true
	items := q.items
	q.items = nil
	q.mu.Unlock()

	i := 0
	for ; i < len(items); i++ {
		it := &items[i]
		err := send(it.dst, it.proto, it.buf)
		if err == nil {
			continue
		}

		cause, ok := err.(*errcode.Error)
		if !ok || cause.Code != errcode.EHostUnreach {
			q.logger.Debug("ipdefer: deferred send failed", "dst", it.dst, "error", err)
			continue
		}

		it.tries++
		if it.tries >= maxTries {
			q.logger.Info("ipdefer: dropping deferred transmission", "dst", it.dst)
			continue
		}
		break
	}

	q.mu.Lock()
	q.items = append(items[i:], q.items...)
	q.inhibit = false
	q.mu.Unlock()
}

// Len reports the number of datagrams currently queued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
