// Package buffer provides the chunked message buffer used for RPC requests
// and replies. A buffer is an ordered list of byte-slice chunks; chunks may
// reference caller-owned memory, buffer-owned copies, or loaned memory that
// carries a release hook. The transport uses release hooks to hand shared
// receive queue buffers to callers: the hook fires exactly once, when the
// chunk is dropped, and reposts the buffer to the device.
package buffer

import "errors"

// ErrRange indicates a copy request outside the buffer's extent.
var ErrRange = errors.New("buffer: range outside buffer")

type chunk struct {
	data    []byte
	release func()
}

func (c *chunk) drop() {
	if c.release != nil {
		r := c.release
		c.release = nil
		r()
	}
	c.data = nil
}

// Buffer is a chunked message payload. The zero value is an empty buffer
// ready for use. Buffers are not safe for concurrent use.
type Buffer struct {
	chunks []chunk
	size   int
}

// New returns an empty buffer.
func New() *Buffer {
	return &Buffer{}
}

// Size returns the total number of bytes across all chunks.
func (b *Buffer) Size() int { return b.size }

// NumChunks returns the number of chunks.
func (b *Buffer) NumChunks() int { return len(b.chunks) }

// Chunk returns the i-th chunk's bytes. The slice aliases the chunk; callers
// must not retain it past the chunk's lifetime.
func (b *Buffer) Chunk(i int) []byte {
	return b.chunks[i].data
}

// Append adds data to the tail of the buffer by reference.
func (b *Buffer) Append(data []byte) {
	b.chunks = append(b.chunks, chunk{data: data})
	b.size += len(data)
}

// AppendCopy copies data into buffer-owned memory and appends it.
func (b *Buffer) AppendCopy(data []byte) {
	dup := make([]byte, len(data))
	copy(dup, data)
	b.Append(dup)
}

// AppendWithRelease appends loaned memory. release fires exactly once, when
// the chunk is dropped by Reset or consumed entirely by TruncateFront.
func (b *Buffer) AppendWithRelease(data []byte, release func()) {
	b.chunks = append(b.chunks, chunk{data: data, release: release})
	b.size += len(data)
}

// Prepend adds data to the head of the buffer by reference.
func (b *Buffer) Prepend(data []byte) {
	b.chunks = append([]chunk{{data: data}}, b.chunks...)
	b.size += len(data)
}

// TruncateFront removes n bytes from the head of the buffer. Chunks that
// become empty are dropped, firing their release hooks.
func (b *Buffer) TruncateFront(n int) {
	for n > 0 && len(b.chunks) > 0 {
		head := &b.chunks[0]
		if n < len(head.data) {
			head.data = head.data[n:]
			b.size -= n
			return
		}
		n -= len(head.data)
		b.size -= len(head.data)
		head.drop()
		b.chunks = b.chunks[1:]
	}
}

// CopyTo flattens [offset, offset+len(dst)) into dst and returns the number
// of bytes written. Short buffers yield short copies.
func (b *Buffer) CopyTo(offset int, dst []byte) int {
	written := 0
	for i := 0; i < len(b.chunks) && written < len(dst); i++ {
		data := b.chunks[i].data
		if offset >= len(data) {
			offset -= len(data)
			continue
		}
		n := copy(dst[written:], data[offset:])
		written += n
		offset = 0
	}
	return written
}

// Bytes flattens the whole buffer into a fresh slice.
func (b *Buffer) Bytes() []byte {
	out := make([]byte, b.size)
	b.CopyTo(0, out)
	return out
}

// Peek returns the first n bytes of the buffer without copying when they lie
// in a single chunk, copying otherwise. ok is false when the buffer is
// shorter than n.
func (b *Buffer) Peek(n int) (data []byte, ok bool) {
	if b.size < n {
		return nil, false
	}
	if len(b.chunks) > 0 && len(b.chunks[0].data) >= n {
		return b.chunks[0].data[:n], true
	}
	out := make([]byte, n)
	b.CopyTo(0, out)
	return out, true
}

// Reset drops every chunk, firing release hooks, and leaves the buffer
// empty and reusable.
func (b *Buffer) Reset() {
	for i := range b.chunks {
		b.chunks[i].drop()
	}
	b.chunks = b.chunks[:0]
	b.size = 0
}
