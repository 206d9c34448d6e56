package media

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrPoolExhausted is returned by Acquire when every buffer is in use.
var ErrPoolExhausted = errors.New("media: pool exhausted")

// Pool is a fixed-capacity set of Buffers addressed by index. It is safe
// for concurrent use: producers acquire on their own goroutine while the
// coordinator and encoder release from theirs.
type Pool struct {
	log  *slog.Logger
	name string

	mu   sync.Mutex
	bufs []*Buffer
	free []int
}

// NewPool creates a pool of capacity buffers. If log is nil, slog.Default()
// is used.
func NewPool(name string, capacity int, log *slog.Logger) *Pool {
	if log == nil {
		log = slog.Default()
	}
	if capacity <= 0 {
		capacity = VideoPoolSize
	}
	p := &Pool{
		log:  log.With("component", "pool", "pool", name),
		name: name,
		bufs: make([]*Buffer, capacity),
		free: make([]int, 0, capacity),
	}
	for i := range p.bufs {
		p.bufs[i] = &Buffer{index: i, pool: p}
	}
	for i := capacity - 1; i >= 0; i-- {
		p.free = append(p.free, i)
	}
	return p
}

// Name returns the pool's label.
func (p *Pool) Name() string { return p.name }

// Capacity returns the total number of buffers.
func (p *Pool) Capacity() int { return len(p.bufs) }

// Available returns the number of buffers not currently acquired.
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// Acquire takes a free buffer, owned by the producer with one reference.
func (p *Pool) Acquire() (*Buffer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.free) == 0 {
		return nil, fmt.Errorf("%w: %s (capacity %d)", ErrPoolExhausted, p.name, len(p.bufs))
	}
	idx := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]

	b := p.bufs[idx]
	b.refs.Store(1)
	b.SetOwner(OwnerProducer)
	return b, nil
}

// Get returns the buffer at index, or nil when out of range.
func (p *Pool) Get(index int) *Buffer {
	if index < 0 || index >= len(p.bufs) {
		return nil
	}
	return p.bufs[index]
}

// Release drops one reference to b and puts it back on the free list once
// none remain. Releasing a buffer that belongs to another pool or is
// already free is logged and ignored.
func (p *Pool) Release(b *Buffer) {
	if b == nil || b.pool != p {
		p.log.Error("release of foreign buffer")
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	refs := b.refs.Add(-1)
	switch {
	case refs > 0:
		return
	case refs < 0:
		b.refs.Store(0)
		p.log.Error("buffer released more times than retained", "index", b.index)
		return
	}
	b.reset()
	p.free = append(p.free, b.index)
}
