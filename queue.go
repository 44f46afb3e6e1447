// Package bytesqueue implements a fixed-capacity MPSC byte-buffer ring queue
// for batched vectored output.
//
// Many producer goroutines push batches of immutable byte buffers; a single
// consumer drains them through a vectored-write style session (see GetBuffers).
// The queue itself performs no I/O and never blocks: a push that does not fit
// is rejected synchronously and retry policy belongs to the caller.
package bytesqueue

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valyala/fastrand"
	"golang.org/x/sys/cpu"
)

var (
	// ErrQueueFull is returned by Push when the queue currently lacks room
	// for the whole batch. Transient: retry after the consumer drains.
	ErrQueueFull = fmt.Errorf("queue is full")

	// ErrBatchTooLarge is returned by Push when the batch is longer than the
	// queue capacity. Permanent: the caller must split the batch.
	ErrBatchTooLarge = fmt.Errorf("batch exceeds queue capacity")
)

// maxCapacity bounds capacity so that ring index arithmetic on uint32
// counters cannot overflow.
const maxCapacity = 1 << 30

const (
	publishYieldEvery = 64   // reduce runtime.Gosched() frequency in the publish spin
	publishSleepAfter = 4096 // spins before escalating to a jittered sleep
	publishSleepMaxUs = 50
)

// Queue is a bounded multi-producer/single-consumer queue of byte buffers.
//
// Capacity is a slot count, fixed at construction. Buffers are plain []byte
// slice headers: pushing shares the underlying storage with the caller, the
// queue co-owns it until the slot is retired by Buffers.Advance. Callers must
// treat pushed bytes as immutable until then.
//
// All methods are safe for concurrent use; at most one consumer session may
// be live at a time (enforced by GetBuffers, never by blocking).
type Queue struct {
	// Padding separates the hot control words to avoid false sharing.
	_        cpu.CacheLinePad
	capacity uint32
	// slots holds the buffer cells; a slot is written by exactly one
	// producer at a time. scratch is the reusable descriptor area, owned
	// by the live session through mu.
	slots   [][]byte
	scratch [][]byte
	mu      sync.Mutex
	_       cpu.CacheLinePad
	// head is the oldest not-yet-retired slot; the consumer stores it,
	// producers load it before writing into reserved slots.
	head atomic.Uint32
	_    cpu.CacheLinePad
	// tailPending is the next reservation point, possibly ahead of what
	// producers have actually written.
	tailPending atomic.Uint32
	_           cpu.CacheLinePad
	// tailDone bounds the fully committed slots visible to the consumer.
	tailDone atomic.Uint32
	_        cpu.CacheLinePad
	// free and length are pure accounting, never used to gate visibility
	// of slot contents.
	free   atomic.Uint32
	_      cpu.CacheLinePad
	length atomic.Uint32
	_      cpu.CacheLinePad

	pushCalls        uint64
	buffersPushed    uint64
	rejectedFull     uint64
	rejectedTooLarge uint64

	sessionsOpened uint64
	sessionMisses  uint64

	buffersRetired uint64
	bytesFlushed   uint64
}

// Stats is a point-in-time accounting snapshot. Pure accounting, never used
// for synchronization; counters from a racing snapshot may be mutually stale.
type Stats struct {
	PushCalls        uint64
	BuffersPushed    uint64
	RejectedFull     uint64
	RejectedTooLarge uint64

	SessionsOpened uint64
	SessionMisses  uint64

	BuffersRetired uint64
	BytesFlushed   uint64
}

// New creates a queue with the given slot capacity.
// Capacity is any positive count; it does not have to be a power of two.
func New(capacity int) *Queue {
	if capacity <= 0 || capacity > maxCapacity {
		panic("capacity must be in 1..1<<30")
	}

	q := &Queue{
		capacity: uint32(capacity),
		slots:    make([][]byte, capacity),
		scratch:  make([][]byte, capacity),
	}
	q.free.Store(uint32(capacity))

	return q
}

// Push atomically appends a batch of buffers to the queue: either every
// buffer is enqueued, in order, or none is and the queue is left untouched.
//
// Returns ErrBatchTooLarge if the batch can never fit, ErrQueueFull if it
// does not fit right now. Batches from concurrent producers become visible
// to the consumer whole, in reservation order.
// May be called concurrently from many goroutines (producers).
func (q *Queue) Push(bufs ...[]byte) error {
	if len(bufs) == 0 {
		return nil
	}
	atomic.AddUint64(&q.pushCalls, 1)

	if uint64(len(bufs)) > uint64(q.capacity) {
		atomic.AddUint64(&q.rejectedTooLarge, 1)
		return ErrBatchTooLarge
	}
	n := uint32(len(bufs))

	// Claim capacity first. Once free is decremented the batch cannot be
	// rejected anymore; until then the queue is untouched.
	free := q.free.Load()
	for {
		if free < n {
			atomic.AddUint64(&q.rejectedFull, 1)
			return ErrQueueFull
		}
		if q.free.CompareAndSwap(free, free-n) {
			break
		}
		// contention, retry
		free = q.free.Load()
	}

	// Reserve a contiguous wrap-aware run of slots. Runs never overlap:
	// the free accounting above already guaranteed room for this one.
	var start, end uint32
	for {
		start = q.tailPending.Load()
		end = (start + n) % q.capacity
		if q.tailPending.CompareAndSwap(start, end) {
			break
		}
		// contention, retry
	}

	// Synchronize with the consumer's latest retirement before touching
	// slots: after this load no slot in [start, end) is still being read.
	q.head.Load()

	i := start
	for _, b := range bufs {
		// the run is exclusively ours, plain writes are fine
		q.slots[i] = b
		i = (i + 1) % q.capacity
	}
	if i != end {
		panic("slot walk out of sync with reservation")
	}

	// Publish in strict reservation order: wait for every earlier
	// reservation to land, then move tailDone over ours. The whole batch
	// becomes visible at once.
	var spins uint32
	for q.tailDone.Load() != start {
		spins++
		if spins >= publishSleepAfter {
			// an earlier producer got preempted mid-publish; stop burning cpu
			time.Sleep(time.Duration(fastrand.Uint32n(publishSleepMaxUs)+1) * time.Microsecond)
		} else if spins%publishYieldEvery == 0 {
			runtime.Gosched()
		}
	}
	q.tailDone.Store(end)

	q.length.Add(n)
	atomic.AddUint64(&q.buffersPushed, uint64(n))

	return nil
}

// Capacity returns the fixed slot capacity.
func (q *Queue) Capacity() int {
	return int(q.capacity)
}

// Len returns the number of committed, unretired buffers.
func (q *Queue) Len() int {
	return int(q.length.Load())
}

// Free returns the number of slots currently available to producers.
func (q *Queue) Free() int {
	return int(q.free.Load())
}

// Stats retrieves the current statistics of the queue.
func (q *Queue) Stats() Stats {
	return Stats{
		PushCalls:        atomic.LoadUint64(&q.pushCalls),
		BuffersPushed:    atomic.LoadUint64(&q.buffersPushed),
		RejectedFull:     atomic.LoadUint64(&q.rejectedFull),
		RejectedTooLarge: atomic.LoadUint64(&q.rejectedTooLarge),
		SessionsOpened:   atomic.LoadUint64(&q.sessionsOpened),
		SessionMisses:    atomic.LoadUint64(&q.sessionMisses),
		BuffersRetired:   atomic.LoadUint64(&q.buffersRetired),
		BytesFlushed:     atomic.LoadUint64(&q.bytesFlushed),
	}
}
