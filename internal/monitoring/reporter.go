package monitoring

import (
	"sync"
	"sync/atomic"
)

// Reporter is the diagnostic channel a join task reports through.
type Reporter interface {
	// ReportFatal records a task-terminating failure. code 0 means no
	// specific code applies.
	ReportFatal(code int, message string)
	// AddRows adds to the input and output row counters.
	AddRows(in, out int64)
}

// Counters is an in-process Reporter. The fatal code keeps the last non-zero
// code reported, like a framework counter that is only ever set.
type Counters struct {
	fatalCode atomic.Int64
	rowsIn    atomic.Int64
	rowsOut   atomic.Int64

	mu       sync.Mutex
	messages []string
}

// NewCounters creates zeroed counters.
func NewCounters() *Counters {
	return &Counters{}
}

// ReportFatal implements Reporter.
func (c *Counters) ReportFatal(code int, message string) {
	if code != 0 {
		c.fatalCode.Store(int64(code))
	}
	c.mu.Lock()
	c.messages = append(c.messages, message)
	c.mu.Unlock()
}

// AddRows implements Reporter.
func (c *Counters) AddRows(in, out int64) {
	c.rowsIn.Add(in)
	c.rowsOut.Add(out)
}

// FatalCode returns the last non-zero fatal code, or 0.
func (c *Counters) FatalCode() int {
	return int(c.fatalCode.Load())
}

// Messages returns the fatal messages in report order.
func (c *Counters) Messages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.messages))
	copy(out, c.messages)
	return out
}

// Snapshot returns the counter values.
func (c *Counters) Snapshot() CounterSnapshot {
	return CounterSnapshot{
		FatalCode: c.FatalCode(),
		Messages:  c.Messages(),
		RowsIn:    c.rowsIn.Load(),
		RowsOut:   c.rowsOut.Load(),
	}
}

// CounterSnapshot is a point-in-time copy of Counters.
type CounterSnapshot struct {
	FatalCode int      `json:"fatal_code"`
	Messages  []string `json:"messages"`
	RowsIn    int64    `json:"rows_in"`
	RowsOut   int64    `json:"rows_out"`
}

// Discard is a Reporter that drops everything.
var Discard Reporter = discard{}

type discard struct{}

func (discard) ReportFatal(int, string) {}
func (discard) AddRows(int64, int64)    {}
