package memory_test

import (
	"sync"
	"testing"

	"github.com/paveg/broadcastjoin/internal/memory"
	"github.com/stretchr/testify/assert"
)

func TestBudgetWithinLimit(t *testing.T) {
	b := memory.NewBudget(100)

	used, ok := b.Charge(60)
	assert.True(t, ok)
	assert.Equal(t, int64(60), used)
	assert.Equal(t, int64(40), b.Remaining())

	used, ok = b.Charge(40)
	assert.True(t, ok, "exactly at the limit is allowed")
	assert.Equal(t, int64(100), used)
}

func TestBudgetExceeded(t *testing.T) {
	b := memory.NewBudget(100)
	b.Charge(90)

	used, ok := b.Charge(20)
	assert.False(t, ok)
	assert.Equal(t, int64(110), used)
	assert.Equal(t, int64(0), b.Remaining())

	b.Refund(110)
	assert.Equal(t, int64(0), b.Used())
	assert.Equal(t, int64(110), b.Peak())
}

func TestBudgetUnlimited(t *testing.T) {
	for _, limit := range []int64{0, -5} {
		b := memory.NewBudget(limit)
		_, ok := b.Charge(1 << 40)
		assert.True(t, ok)
		assert.Equal(t, int64(-1), b.Remaining())
		assert.Equal(t, memory.Unlimited, b.Limit())
	}
}

func TestBudgetConcurrentCharges(t *testing.T) {
	b := memory.NewBudget(0)
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 1000 {
				b.Charge(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(8000), b.Used())
	assert.Equal(t, int64(8000), b.Peak())
}

func TestNewAllocator(t *testing.T) {
	mem := memory.NewAllocator()
	buf := mem.Allocate(64)
	assert.Equal(t, 64, mem.CurrentAlloc())
	mem.Free(buf)
	mem.AssertSize(t, 0)
}
