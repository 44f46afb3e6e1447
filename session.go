package bytesqueue

import "sync/atomic"

// Buffers is the consumer's exclusive snapshot of all committed, undrained
// buffers: an ordered descriptor list over a fixed prefix of the ring plus
// the Advance operation that retires what the sink actually accepted.
//
// Exactly one Buffers may be live at a time. It stays valid across multiple
// Advance calls until exhausted; Release it when done so the next GetBuffers
// can succeed. Must be used from a single goroutine.
type Buffers struct {
	q *Queue

	// window [start, end) over q.scratch
	start uint32
	end   uint32

	// private mirrors of the snapshot bounds
	head uint32
	tail uint32

	released bool
}

// GetBuffers snapshots every buffer that currently needs flushing.
//
// Returns nil when there is nothing to flush or when another session is
// still live; both are normal transient conditions, poll again later.
// Descriptors reference slot contents directly, no bytes are copied.
func (q *Queue) GetBuffers() *Buffers {
	if !q.mu.TryLock() {
		atomic.AddUint64(&q.sessionMisses, 1)
		return nil
	}

	if q.length.Load() == 0 {
		q.mu.Unlock()
		return nil
	}

	head := q.head.Load() // stable: only a live session moves head, and we hold the lock
	tail := q.tailDone.Load()

	// Committed run is [head, tail). head == tail here means the ring is
	// exactly full: length was non-zero above and head cannot have moved.
	n := (tail + q.capacity - head) % q.capacity
	if n == 0 {
		n = q.capacity
	}

	j := head
	for i := uint32(0); i < n; i++ {
		q.scratch[i] = q.slots[j]
		j = (j + 1) % q.capacity
	}
	if j != tail {
		panic("descriptor walk out of sync with tail snapshot")
	}

	atomic.AddUint64(&q.sessionsOpened, 1)
	return &Buffers{
		q:    q,
		end:  n,
		head: head,
		tail: tail,
	}
}

// IOVec returns the remaining descriptors in flush order, shaped for a
// vectored write (net.Buffers, unix.Writev). The returned slice is only
// valid until the next Advance or Release; callers must not retain or
// mutate it.
func (b *Buffers) IOVec() [][]byte {
	return b.q.scratch[b.start:b.end]
}

// Advance removes n successfully written bytes from the front of the
// session, retiring every fully consumed slot back to the producers and
// trimming a partially consumed one in place.
//
// Returns true if data remains to flush, false once the session is drained.
// Calling Advance on a drained session is a no-op returning false.
// n must be positive.
func (b *Buffers) Advance(n int) bool {
	if n <= 0 {
		panic("Advance requires a positive byte count")
	}

	q := b.q
	bufs := q.scratch[b.start:b.end]
	if len(bufs) == 0 {
		return false
	}

	flushed := 0
	defer func() {
		atomic.AddUint64(&q.bytesFlushed, uint64(flushed))
	}()

	for len(bufs[0]) <= n {
		n -= len(bufs[0])
		flushed += len(bufs[0])
		bufs = bufs[1:]
		b.start++

		// Retire the slot: drop the queue's reference, then hand the slot
		// back to producers. The head store is what publishes it; a producer
		// reads head before writing (Push), so the write above is visible.
		q.slots[b.head] = nil
		q.length.Add(^uint32(0))
		b.head = (b.head + 1) % q.capacity
		q.head.Store(b.head)
		q.free.Add(1)
		atomic.AddUint64(&q.buffersRetired, 1)

		if len(bufs) == 0 {
			if b.head != b.tail {
				panic("session drained but head did not reach tail snapshot")
			}
			return false
		}
		if n == 0 {
			return true
		}
	}

	// Partial write into the first remaining buffer: trim the consumed
	// prefix off both the slot and its descriptor. The slot stays occupied.
	flushed += n
	q.slots[b.head] = q.slots[b.head][n:]
	bufs[0] = q.slots[b.head]

	return true
}

// Release ends the session and lets a later GetBuffers succeed. Idempotent.
// The session and any descriptors obtained from it are stale afterwards.
func (b *Buffers) Release() {
	if b.released {
		return
	}
	b.released = true
	b.q.mu.Unlock()
}
