package proxy

import (
	"bytes"
	"io"
	"sync"
)

// DefaultBufferSize is the chunk size used when none is configured.
const DefaultBufferSize = 4096

// bufferPool hands out byte slices of one fixed size for reading from the
// client and the origin. This reduces GC pressure by reusing buffers.
type bufferPool struct {
	size int
	pool sync.Pool
}

func newBufferPool(size int) *bufferPool {
	if size <= 0 {
		size = DefaultBufferSize
	}
	p := &bufferPool{size: size}
	p.pool.New = func() any {
		buf := make([]byte, size)
		return &buf
	}
	return p
}

// get retrieves a buffer from the pool.
// The caller must return the buffer using put when done.
func (p *bufferPool) get() *[]byte {
	return p.pool.Get().(*[]byte)
}

// put returns a buffer to the pool for reuse.
func (p *bufferPool) put(buf *[]byte) {
	if buf != nil && len(*buf) == p.size {
		p.pool.Put(buf)
	}
}

// readAll reads from src until EOF using a pooled buffer. The bytes read so
// far are returned together with any error other than io.EOF.
func (p *bufferPool) readAll(src io.Reader) ([]byte, error) {
	buf := p.get()
	defer p.put(buf)

	var out bytes.Buffer
	for {
		n, err := src.Read(*buf)
		if n > 0 {
			out.Write((*buf)[:n])
		}
		if err == io.EOF {
			return out.Bytes(), nil
		}
		if err != nil {
			return out.Bytes(), err
		}
	}
}
