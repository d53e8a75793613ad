package parallel

import (
	"sync"

	"github.com/apache/arrow-go/v18/arrow/memory"
)

// AllocatorPool hands out arrow allocators to concurrent decoders.
type AllocatorPool struct {
	pool sync.Pool
}

// NewAllocatorPool creates an empty pool.
func NewAllocatorPool() *AllocatorPool {
	return &AllocatorPool{
		pool: sync.Pool{
			New: func() any {
				return memory.NewGoAllocator()
			},
		},
	}
}

// Get retrieves an allocator.
func (p *AllocatorPool) Get() memory.Allocator {
	alloc, ok := p.pool.Get().(memory.Allocator)
	if !ok {
		return memory.NewGoAllocator()
	}
	return alloc
}

// Put returns an allocator for reuse.
func (p *AllocatorPool) Put(alloc memory.Allocator) {
	if alloc == nil {
		return
	}
	p.pool.Put(alloc)
}
