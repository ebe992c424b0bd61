package buffer

import (
	"bytes"
	"testing"
)

func TestAppendPrependLayout(t *testing.T) {
	b := New()
	b.Append([]byte("world"))
	b.Prepend([]byte("hello "))
	if got, want := b.Size(), 11; got != want {
		t.Fatalf("size: got %d want %d", got, want)
	}
	if got, want := b.NumChunks(), 2; got != want {
		t.Fatalf("chunks: got %d want %d", got, want)
	}
	if got := b.Bytes(); !bytes.Equal(got, []byte("hello world")) {
		t.Fatalf("bytes: got %q", got)
	}
}

func TestCopyToOffsets(t *testing.T) {
	b := New()
	b.Append([]byte("abc"))
	b.Append([]byte("defg"))
	b.Append([]byte("h"))

	dst := make([]byte, 4)
	if n := b.CopyTo(2, dst); n != 4 {
		t.Fatalf("copied %d bytes", n)
	}
	if !bytes.Equal(dst, []byte("cdef")) {
		t.Fatalf("got %q", dst)
	}

	short := make([]byte, 16)
	if n := b.CopyTo(6, short); n != 2 {
		t.Fatalf("tail copy: got %d bytes", n)
	}
	if !bytes.Equal(short[:2], []byte("gh")) {
		t.Fatalf("tail copy: got %q", short[:2])
	}
}

func TestTruncateFrontDropsWholeChunks(t *testing.T) {
	b := New()
	b.Append([]byte("12345678"))
	b.Append([]byte("payload"))
	b.TruncateFront(8)
	if got := b.Bytes(); !bytes.Equal(got, []byte("payload")) {
		t.Fatalf("got %q", got)
	}
	if b.NumChunks() != 1 {
		t.Fatalf("chunks: got %d", b.NumChunks())
	}
}

func TestTruncateFrontPartialChunk(t *testing.T) {
	b := New()
	b.Append([]byte("header|data"))
	b.TruncateFront(7)
	if got := b.Bytes(); !bytes.Equal(got, []byte("data")) {
		t.Fatalf("got %q", got)
	}
}

func TestPeek(t *testing.T) {
	b := New()
	b.Append([]byte("ab"))
	b.Append([]byte("cd"))

	if got, ok := b.Peek(2); !ok || !bytes.Equal(got, []byte("ab")) {
		t.Fatalf("single-chunk peek: got %q ok=%v", got, ok)
	}
	if got, ok := b.Peek(3); !ok || !bytes.Equal(got, []byte("abc")) {
		t.Fatalf("spanning peek: got %q ok=%v", got, ok)
	}
	if _, ok := b.Peek(5); ok {
		t.Fatal("peek beyond size should fail")
	}
}

func TestReleaseFiresExactlyOnce(t *testing.T) {
	released := 0
	b := New()
	b.AppendWithRelease([]byte("loaned"), func() { released++ })

	b.Reset()
	if released != 1 {
		t.Fatalf("release fired %d times after first reset", released)
	}
	b.Reset()
	if released != 1 {
		t.Fatalf("release fired %d times after second reset", released)
	}
}

func TestTruncateFrontFiresReleaseOnce(t *testing.T) {
	released := 0
	b := New()
	b.AppendWithRelease([]byte("loan"), func() { released++ })
	b.Append([]byte("rest"))

	b.TruncateFront(4)
	if released != 1 {
		t.Fatalf("release fired %d times after truncate", released)
	}
	b.Reset()
	if released != 1 {
		t.Fatalf("release fired %d times after reset", released)
	}
}

func TestResetLeavesBufferReusable(t *testing.T) {
	b := New()
	b.AppendCopy([]byte("one"))
	b.Reset()
	if b.Size() != 0 || b.NumChunks() != 0 {
		t.Fatalf("not empty after reset: size=%d chunks=%d", b.Size(), b.NumChunks())
	}
	b.Append([]byte("two"))
	if got := b.Bytes(); !bytes.Equal(got, []byte("two")) {
		t.Fatalf("got %q", got)
	}
}

func TestAppendCopyDoesNotAliasCaller(t *testing.T) {
	src := []byte("mutable")
	b := New()
	b.AppendCopy(src)
	src[0] = 'X'
	if got := b.Bytes(); !bytes.Equal(got, []byte("mutable")) {
		t.Fatalf("copy aliased caller memory: %q", got)
	}
}
