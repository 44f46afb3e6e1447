package bytesqueue

import (
	"io"
	"sync"
	"time"

	"github.com/eapache/queue"
	"github.com/valyala/fastrand"
)

const flushBackoffMaxUs = 100

// Writer is a producer-side front-end that never rejects: batches the ring
// has no room for are staged in an unbounded FIFO and replayed once the
// consumer frees slots. Batches longer than the ring capacity are split
// into capacity-sized chunks, keeping buffer order.
//
// The queue's accept/reject contract is unchanged; Writer is simply the
// retry policy the queue leaves to its callers, packaged.
type Writer struct {
	q *Queue

	// mu serializes staging only; the ring protocol below needs no lock.
	mu     sync.Mutex
	staged *queue.Queue // of [][]byte batches
}

// NewWriter creates a Writer in front of q.
func NewWriter(q *Queue) *Writer {
	return &Writer{
		q:      q,
		staged: queue.New(),
	}
}

// Enqueue hands a batch of buffers to the ring, staging whatever does not
// fit. Never fails and never blocks on a full ring. Buffers keep their
// order; a staged batch always drains before a later one.
// Safe for concurrent use.
func (w *Writer) Enqueue(bufs ...[]byte) {
	if len(bufs) == 0 {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	capacity := w.q.Capacity()
	for len(bufs) > 0 {
		chunk := bufs
		if len(chunk) > capacity {
			chunk = chunk[:capacity]
		}
		bufs = bufs[len(chunk):]

		// Anything already staged must go first or FIFO breaks.
		if w.staged.Length() > 0 || w.q.Push(chunk...) != nil {
			c := make([][]byte, len(chunk))
			copy(c, chunk)
			w.staged.Add(c)
		}
	}
}

// Replay moves staged batches into the ring while space allows, in FIFO
// order. Returns the number of batches moved.
func (w *Writer) Replay() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.replayLocked()
}

func (w *Writer) replayLocked() int {
	moved := 0
	for w.staged.Length() > 0 {
		chunk := w.staged.Peek().([][]byte)
		if w.q.Push(chunk...) != nil {
			break
		}
		w.staged.Remove()
		moved++
	}
	return moved
}

// Pending returns the number of staged batches not yet in the ring.
func (w *Writer) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.staged.Length()
}

// Flush drains the ring into dst and replays staged batches until both are
// empty, backing off briefly whenever the consumer session is transiently
// held elsewhere. Returns the total bytes written and the first sink error.
func (w *Writer) Flush(dst io.Writer) (int64, error) {
	var total int64
	for {
		n, err := w.q.FlushTo(dst)
		total += n
		if err != nil {
			return total, err
		}

		w.mu.Lock()
		w.replayLocked()
		pending := w.staged.Length()
		w.mu.Unlock()

		if pending == 0 && w.q.Len() == 0 {
			return total, nil
		}
		if n == 0 {
			time.Sleep(time.Duration(fastrand.Uint32n(flushBackoffMaxUs)+1) * time.Microsecond)
		}
	}
}
