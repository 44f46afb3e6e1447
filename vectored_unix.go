//go:build unix

package bytesqueue

import (
	"io"

	"golang.org/x/sys/unix"
)

// maxIovec keeps a single writev/readv under the kernel's IOV_MAX.
const maxIovec = 1024

// WriteVectoredAll writes every byte of iov to fd with writev, looping over
// partial writes and retrying EINTR. The caller's descriptor headers are
// left untouched; consumption is tracked on a private copy.
//
// Meant for blocking descriptors: EAGAIN from a non-blocking fd is returned
// as-is with the byte count written so far.
func WriteVectoredAll(fd int, iov [][]byte) (int, error) {
	work := make([][]byte, len(iov))
	copy(work, iov)

	total := 0
	for len(work) > 0 {
		if len(work[0]) == 0 {
			work = work[1:]
			continue
		}

		batch := work
		if len(batch) > maxIovec {
			batch = batch[:maxIovec]
		}

		n, err := unix.Writev(fd, batch)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, io.ErrShortWrite
		}

		total += n
		work = consume(work, n)
	}

	return total, nil
}

// ReadVectoredFull reads from fd with readv until every byte of iov is
// filled, looping over short reads and retrying EINTR. A premature EOF is
// reported as io.ErrUnexpectedEOF after partial progress, io.EOF if nothing
// was read at all.
func ReadVectoredFull(fd int, iov [][]byte) (int, error) {
	work := make([][]byte, len(iov))
	copy(work, iov)

	total := 0
	for len(work) > 0 {
		if len(work[0]) == 0 {
			work = work[1:]
			continue
		}

		batch := work
		if len(batch) > maxIovec {
			batch = batch[:maxIovec]
		}

		n, err := unix.Readv(fd, batch)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return total, err
		}
		if n == 0 {
			if total == 0 {
				return 0, io.EOF
			}
			return total, io.ErrUnexpectedEOF
		}

		total += n
		work = consume(work, n)
	}

	return total, nil
}

// consume drops n leading bytes from a private descriptor copy.
func consume(work [][]byte, n int) [][]byte {
	for n > 0 && len(work) > 0 {
		if len(work[0]) <= n {
			n -= len(work[0])
			work = work[1:]
		} else {
			work[0] = work[0][n:]
			n = 0
		}
	}
	return work
}

// FlushFD drains the queue to a raw file descriptor with writev, retiring
// exactly what each syscall accepted. Designed for non-blocking sinks:
// EAGAIN is returned to the caller with everything written so far retired,
// the session released and the rest still queued. Suspend until the fd is
// writable, then call FlushFD again; the new call takes a fresh session.
//
// Returns (n, nil) once nothing is left to flush. EINTR is retried.
func (q *Queue) FlushFD(fd int) (int, error) {
	total := 0
	for {
		s := q.GetBuffers()
		if s == nil {
			return total, nil
		}

		for {
			iov := s.IOVec()
			if TotalLen(iov) == 0 {
				// slots holding only empty buffers, nothing for the fd
				s.Advance(1)
				break
			}

			batch := iov
			if len(batch) > maxIovec {
				batch = batch[:maxIovec]
			}

			n, err := unix.Writev(fd, batch)
			if err == unix.EINTR {
				continue
			}
			if err != nil {
				s.Release()
				return total, err
			}

			total += n
			if n > 0 && !s.Advance(n) {
				break
			}
		}

		s.Release()
	}
}
