package bufpool

import (
	"sync"
)

// Pool provides a pool of byte buffers of a fixed size. Chunk readers borrow
// buffers from it so path-sourced file sends do not allocate per chunk.
type Pool struct {
	pool    sync.Pool
	bufSize int
}

// New creates a new buffer pool that returns buffers of exactly bufSize bytes.
func New(bufSize int) *Pool {
	if bufSize <= 0 {
		panic("bufSize must be positive")
	}
	return &Pool{
		bufSize: bufSize,
		pool: sync.Pool{
			New: func() interface{} {
				return make([]byte, bufSize)
			},
		},
	}
}

// Get returns a buffer from the pool, or allocates a new one if the pool is
// empty. The returned buffer is always exactly bufSize bytes.
func (p *Pool) Get() []byte {
	buf := p.pool.Get().([]byte)
	if cap(buf) < p.bufSize {
		return make([]byte, p.bufSize)
	}
	return buf[:p.bufSize]
}

// Put returns a buffer to the pool for reuse. Buffers smaller than the pool
// size are discarded.
func (p *Pool) Put(buf []byte) {
	if cap(buf) < p.bufSize {
		return
	}
	buf = buf[:cap(buf)]
	p.pool.Put(buf)
}

// BufSize returns the size of buffers in this pool.
func (p *Pool) BufSize() int {
	return p.bufSize
}
