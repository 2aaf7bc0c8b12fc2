package bufpool

import (
	"sync"
)

// Pool recycles fixed-capacity frame buffers between chunk sends.
// Pointers are pooled so Put does not allocate a slice header.
type Pool struct {
	pool    sync.Pool
	bufSize int
}

// New returns a pool of buffers with capacity bufSize.
func New(bufSize int) *Pool {
	if bufSize <= 0 {
		panic("bufpool: size must be positive")
	}
	p := &Pool{bufSize: bufSize}
	p.pool.New = func() any {
		b := make([]byte, bufSize)
		return &b
	}
	return p
}

// Get returns a buffer of length bufSize.
func (p *Pool) Get() []byte {
	bp := p.pool.Get().(*[]byte)
	return (*bp)[:p.bufSize]
}

// Slice returns a buffer of length n, which must not exceed bufSize.
// Larger requests get a fresh allocation that Put will later discard.
func (p *Pool) Slice(n int) []byte {
	if n > p.bufSize {
		return make([]byte, n)
	}
	return p.Get()[:n]
}

// Put hands buf back for reuse. Buffers smaller than bufSize are dropped.
func (p *Pool) Put(buf []byte) {
	if cap(buf) < p.bufSize {
		return
	}
	buf = buf[:p.bufSize]
	p.pool.Put(&buf)
}

// BufSize returns the capacity of pooled buffers.
func (p *Pool) BufSize() int {
	return p.bufSize
}
