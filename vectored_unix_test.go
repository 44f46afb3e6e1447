//go:build unix

package bytesqueue

import (
	"bytes"
	"io"
	"testing"

	"golang.org/x/sys/unix"
)

func testPipe(t *testing.T) (rfd, wfd int) {
	t.Helper()
	p := make([]int, 2)
	if err := unix.Pipe(p); err != nil {
		t.Fatalf("pipe: %v", err)
	}
	t.Cleanup(func() {
		unix.Close(p[0])
		unix.Close(p[1])
	})
	return p[0], p[1]
}

func TestWriteVectoredAllPipe(t *testing.T) {
	rfd, wfd := testPipe(t)

	iov := [][]byte{[]byte("one:"), {}, []byte("two:"), []byte("three")}
	want := "one:two:three"

	done := make(chan []byte, 1)
	go func() {
		var got bytes.Buffer
		buf := make([]byte, 64)
		for got.Len() < len(want) {
			n, err := unix.Read(rfd, buf)
			if n > 0 {
				got.Write(buf[:n])
			}
			if err != nil || n == 0 {
				break
			}
		}
		done <- got.Bytes()
	}()

	n, err := WriteVectoredAll(wfd, iov)
	if err != nil {
		t.Fatalf("WriteVectoredAll failed: %v", err)
	}
	if n != len(want) {
		t.Fatalf("wrote %d bytes, want %d", n, len(want))
	}

	if got := <-done; string(got) != want {
		t.Fatalf("read %q, want %q", got, want)
	}

	// the caller's descriptor headers must be untouched
	if string(iov[0]) != "one:" || len(iov[1]) != 0 || string(iov[2]) != "two:" || string(iov[3]) != "three" {
		t.Fatalf("caller iov mutated: %q", iov)
	}
}

func TestReadVectoredFullPipe(t *testing.T) {
	rfd, wfd := testPipe(t)

	src := []byte("abcdefghijklmnopqrst")
	go func() {
		// two writes to force a short first readv
		unix.Write(wfd, src[:7])
		unix.Write(wfd, src[7:])
	}()

	iov := [][]byte{make([]byte, 3), make([]byte, 10), make([]byte, 7)}
	n, err := ReadVectoredFull(rfd, iov)
	if err != nil {
		t.Fatalf("ReadVectoredFull failed: %v", err)
	}
	if n != len(src) {
		t.Fatalf("read %d bytes, want %d", n, len(src))
	}
	got := append(append(append([]byte{}, iov[0]...), iov[1]...), iov[2]...)
	if !bytes.Equal(got, src) {
		t.Fatalf("read %q, want %q", got, src)
	}
}

func TestReadVectoredFullPrematureEOF(t *testing.T) {
	rfd, wfd := testPipe(t)

	unix.Write(wfd, []byte("abc"))
	unix.Close(wfd)

	iov := [][]byte{make([]byte, 8)}
	n, err := ReadVectoredFull(rfd, iov)
	if err != io.ErrUnexpectedEOF {
		t.Fatalf("expected io.ErrUnexpectedEOF, got %v", err)
	}
	if n != 3 {
		t.Fatalf("read %d bytes before EOF, want 3", n)
	}

	n, err = ReadVectoredFull(rfd, [][]byte{make([]byte, 4)})
	if err != io.EOF || n != 0 {
		t.Fatalf("expected (0, io.EOF) on a drained pipe, got (%d, %v)", n, err)
	}
}

func TestFlushFDPipe(t *testing.T) {
	rfd, wfd := testPipe(t)

	q := New(8)
	var want bytes.Buffer
	for i := 0; i < 5; i++ {
		payload := bytes.Repeat([]byte{byte('a' + i)}, 100)
		want.Write(payload)
		if err := q.Push(payload); err != nil {
			t.Fatalf("push %d failed: %v", i, err)
		}
	}

	done := make(chan []byte, 1)
	go func() {
		var got bytes.Buffer
		buf := make([]byte, 4096)
		for got.Len() < want.Len() {
			n, err := unix.Read(rfd, buf)
			if n > 0 {
				got.Write(buf[:n])
			}
			if err != nil || n == 0 {
				break
			}
		}
		done <- got.Bytes()
	}()

	n, err := q.FlushFD(wfd)
	if err != nil {
		t.Fatalf("FlushFD failed: %v", err)
	}
	if n != want.Len() {
		t.Fatalf("flushed %d bytes, want %d", n, want.Len())
	}
	if q.Len() != 0 {
		t.Fatalf("queue not empty after flush: len=%d", q.Len())
	}

	if got := <-done; !bytes.Equal(got, want.Bytes()) {
		t.Fatalf("pipe received %d bytes, want %d", len(got), want.Len())
	}
}

// Non-blocking sink: FlushFD stops on EAGAIN with everything accepted so
// far retired; draining the pipe and flushing again moves the rest.
func TestFlushFDEAGAINCycle(t *testing.T) {
	rfd, wfd := testPipe(t)
	if err := unix.SetNonblock(wfd, true); err != nil {
		t.Fatalf("SetNonblock: %v", err)
	}

	// Far larger than any pipe buffer, so the first flush must hit EAGAIN.
	payload := bytes.Repeat([]byte("0123456789abcdef"), 64*1024)
	q := New(2)
	if err := q.Push(payload); err != nil {
		t.Fatalf("push failed: %v", err)
	}

	var got bytes.Buffer
	buf := make([]byte, 64*1024)
	total := 0
	sawEAGAIN := false

	for {
		n, err := q.FlushFD(wfd)
		total += n
		if err == unix.EAGAIN {
			sawEAGAIN = true
			// "suspend until writable": drain the pipe, then retry
			rn, rerr := unix.Read(rfd, buf)
			if rerr != nil {
				t.Fatalf("read: %v", rerr)
			}
			got.Write(buf[:rn])
			continue
		}
		if err != nil {
			t.Fatalf("FlushFD failed: %v", err)
		}
		break
	}

	if !sawEAGAIN {
		t.Fatal("expected at least one EAGAIN cycle")
	}
	if total != len(payload) {
		t.Fatalf("flushed %d bytes, want %d", total, len(payload))
	}
	if q.Len() != 0 {
		t.Fatalf("queue not empty after flush: len=%d", q.Len())
	}

	for got.Len() < len(payload) {
		n, err := unix.Read(rfd, buf)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		got.Write(buf[:n])
	}
	if !bytes.Equal(got.Bytes(), payload) {
		t.Fatal("reassembled stream differs from the pushed payload")
	}
}
