// Package memory tracks how much memory the small-side hash tables of one
// operator load retain, against a hard ceiling.
//
// The budget is not a backpressure signal: once a charge crosses the limit the
// build must stop and fail. Charges are safe for concurrent use so that legs
// built in parallel share one ceiling.
package memory

import (
	"sync/atomic"

	"github.com/apache/arrow-go/v18/arrow/memory"
)

// Unlimited disables the ceiling.
const Unlimited int64 = 0

// Budget accumulates estimated bytes against a ceiling.
type Budget struct {
	limit int64
	used  atomic.Int64
	peak  atomic.Int64
}

// NewBudget creates a budget; a limit <= 0 means unlimited.
func NewBudget(limit int64) *Budget {
	if limit < 0 {
		limit = Unlimited
	}
	return &Budget{limit: limit}
}

// Charge adds n bytes and reports whether the total is still within the limit.
// The bytes stay charged even when the limit is crossed so callers can report
// the total they needed.
func (b *Budget) Charge(n int64) (int64, bool) {
	used := b.used.Add(n)
	for {
		peak := b.peak.Load()
		if used <= peak || b.peak.CompareAndSwap(peak, used) {
			break
		}
	}
	return used, b.limit == Unlimited || used <= b.limit
}

// Refund returns n bytes, e.g. when a failed build drops its partial table.
func (b *Budget) Refund(n int64) {
	b.used.Add(-n)
}

// Used returns the bytes currently charged.
func (b *Budget) Used() int64 {
	return b.used.Load()
}

// Peak returns the largest total ever charged.
func (b *Budget) Peak() int64 {
	return b.peak.Load()
}

// Limit returns the ceiling, Unlimited if none.
func (b *Budget) Limit() int64 {
	return b.limit
}

// Remaining returns the bytes left before the ceiling; -1 when unlimited.
func (b *Budget) Remaining() int64 {
	if b.limit == Unlimited {
		return -1
	}
	if r := b.limit - b.used.Load(); r > 0 {
		return r
	}
	return 0
}

// NewAllocator returns the arrow allocator used to decode small inputs. Arrow
// buffers are released batch by batch, so they are short-lived and are not
// charged to the budget; the checked wrapper lets tests assert no buffer leaks.
func NewAllocator() *memory.CheckedAllocator {
	return memory.NewCheckedAllocator(memory.NewGoAllocator())
}
