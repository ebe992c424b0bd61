package infrc

import (
	"fmt"

	"github.com/corestor/infrc-go/ib"
)

// bufferDescriptor is the loanable handle over one pool buffer. The id is
// the work-request ID used on every post: completions carry it back, and the
// transport indexes its descriptor table with it to recover the buffer
// directly, with no map or search.
type bufferDescriptor struct {
	id  uint64
	buf []byte
	mr  ib.MemoryRegion
}

// pool is a fixed set of equally sized buffers carved from one slab that is
// registered with the protection domain exactly once. Buffers never leave
// the pool; they are loaned by descriptor.
type pool struct {
	slab []byte
	mr   ib.MemoryRegion
	bds  []*bufferDescriptor
}

func newPool(verbs ib.Verbs, bufSize uint32, count int, firstID uint64) (*pool, error) {
	slab := make([]byte, int(bufSize)*count)
	mr, err := verbs.RegisterMemory(slab)
	if err != nil {
		return nil, fmt.Errorf("register pool memory: %w", err)
	}
	p := &pool{slab: slab, mr: mr, bds: make([]*bufferDescriptor, count)}
	for i := 0; i < count; i++ {
		p.bds[i] = &bufferDescriptor{
			id:  firstID + uint64(i),
			buf: slab[i*int(bufSize) : (i+1)*int(bufSize)],
			mr:  mr,
		}
	}
	return p, nil
}
