package pool

import (
	"bytes"
	"sync"
)

// ByteBufferPool is a pool of byte buffers for codec and I/O scratch space.
var ByteBufferPool = sync.Pool{
	New: func() interface{} {
		return new(bytes.Buffer)
	},
}

// GetByteBuffer retrieves a byte buffer from the pool.
func GetByteBuffer() *bytes.Buffer {
	buf := ByteBufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

// PutByteBuffer returns a byte buffer to the pool.
func PutByteBuffer(buf *bytes.Buffer) {
	if buf != nil {
		// Only pool buffers under 64KB to avoid holding too much memory
		if buf.Cap() < 64*1024 {
			buf.Reset()
			ByteBufferPool.Put(buf)
		}
	}
}

// StringBuilderPool is a pool of byte buffers for efficient string
// concatenation, kept from the teacher's log-line assembly use case.
type StringBuilderPool struct {
	pool sync.Pool
}

// NewStringBuilderPool creates a new string builder pool.
func NewStringBuilderPool() *StringBuilderPool {
	return &StringBuilderPool{
		pool: sync.Pool{
			New: func() interface{} {
				return new(bytes.Buffer)
			},
		},
	}
}

// Get retrieves a buffer from the pool.
func (p *StringBuilderPool) Get() *bytes.Buffer {
	buf := p.pool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

// Put returns a buffer to the pool.
func (p *StringBuilderPool) Put(buf *bytes.Buffer) {
	if buf != nil && buf.Cap() < 64*1024 {
		buf.Reset()
		p.pool.Put(buf)
	}
}

// SlicePool manages pools of byte slices bucketed by size.
type SlicePool struct {
	pools map[int]*sync.Pool
}

// NewSlicePool creates a new slice pool with the given bucket sizes.
func NewSlicePool(sizes []int) *SlicePool {
	sp := &SlicePool{
		pools: make(map[int]*sync.Pool),
	}

	for _, size := range sizes {
		s := size // Capture for closure
		sp.pools[size] = &sync.Pool{
			New: func() interface{} {
				b := make([]byte, s)
				return &b
			},
		}
	}

	return sp
}

// Get retrieves a byte slice able to hold at least size bytes.
func (sp *SlicePool) Get(size int) []byte {
	for poolSize, pool := range sp.pools {
		if poolSize >= size {
			slicePtr := pool.Get().(*[]byte)
			return (*slicePtr)[:size]
		}
	}
	return make([]byte, size)
}

// Put returns a byte slice to the appropriate bucket, if one matches its
// capacity exactly.
func (sp *SlicePool) Put(slice []byte) {
	if pool, ok := sp.pools[cap(slice)]; ok {
		s := slice
		pool.Put(&s)
	}
}

// DefaultSlicePool is a pre-configured slice pool with common envelope and
// segment-frame sizes.
var DefaultSlicePool = NewSlicePool([]int{
	512,     // Small envelopes
	4096,    // Medium buffers (page size)
	65536,   // Large buffers (64KB)
	1048576, // Very large buffers (1MB), half of FETCH_PAYLOAD_LIMIT
})
