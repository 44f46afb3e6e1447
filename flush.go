package bytesqueue

import (
	"io"
	"net"
)

// TotalLen returns the total byte length of a descriptor list.
func TotalLen(iov [][]byte) int {
	total := 0
	for _, b := range iov {
		total += len(b)
	}
	return total
}

// FlushTo drains the queue into w using vectored writes, one session per
// round, until nothing is left to flush. On sinks that support it
// (*net.TCPConn, *os.File) the write goes through a single writev per burst.
//
// Returns the number of bytes written. On a sink error the bytes the sink
// did accept are still retired, the rest stays queued for a later flush.
// Returns (0, nil) when another session is live; re-poll later.
func (q *Queue) FlushTo(w io.Writer) (int64, error) {
	var total int64
	for {
		s := q.GetBuffers()
		if s == nil {
			return total, nil
		}

		for {
			iov := s.IOVec()
			if TotalLen(iov) == 0 {
				// a batch of empty buffers still occupies slots;
				// retire them without touching the sink
				s.Advance(1)
				break
			}

			// net.Buffers.WriteTo consumes its receiver, so hand it a copy
			// of the descriptor headers and keep the session authoritative.
			nb := make(net.Buffers, len(iov))
			copy(nb, iov)

			n, err := nb.WriteTo(w)
			total += int64(n)

			more := true
			if n > 0 {
				more = s.Advance(int(n))
			}
			if err != nil {
				s.Release()
				return total, err
			}
			if !more {
				break
			}
		}

		s.Release()
	}
}

// ReadFullBuffers reads from r until every buffer in bufs is completely
// filled. Returns the number of bytes read; on error (including a premature
// EOF, reported as io.ErrUnexpectedEOF) earlier buffers keep whatever was
// read into them.
func ReadFullBuffers(r io.Reader, bufs [][]byte) (int, error) {
	total := 0
	for _, b := range bufs {
		n, err := io.ReadFull(r, b)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
