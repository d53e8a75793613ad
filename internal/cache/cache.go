// Package cache keeps the small tables a join operator built within one task
// so repeated invocations of the same operator can reuse them.
//
// Entries are keyed by (task, operator) and live until the task releases
// them. Nothing is shared across tasks and there is no eviction.
package cache

import (
	"fmt"
	"sync"

	"github.com/paveg/broadcastjoin/internal/codec"
	"github.com/paveg/broadcastjoin/internal/table"
)

// ID identifies one operator instance within one task.
type ID struct {
	TaskID     string
	OperatorID int
}

func (id ID) String() string {
	return fmt.Sprintf("%s/%d", id.TaskID, id.OperatorID)
}

// Entry is what an operator needs to probe without rebuilding.
type Entry struct {
	Legs   []table.Leg
	Codecs []*codec.SerDeContext
}

// Service stores built tables per operator instance.
type Service interface {
	// Retrieve returns the entry stored under id.
	Retrieve(id ID) (Entry, bool)
	// Store sets the entry for id. Tables of a replaced entry that the new
	// entry does not reuse are cleared.
	Store(id ID, entry Entry)
	// Release clears and drops the entry of one operator instance and reports
	// whether there was one. Entries of other operators are untouched.
	Release(id ID) bool
	// ReleaseTask clears and drops every entry of the task and returns how
	// many there were.
	ReleaseTask(taskID string) int
}

// MemoryService is an in-process Service.
type MemoryService struct {
	mu      sync.Mutex
	entries map[ID]Entry
}

// NewMemoryService creates an empty cache.
func NewMemoryService() *MemoryService {
	return &MemoryService{entries: make(map[ID]Entry)}
}

// Retrieve implements Service.
func (s *MemoryService) Retrieve(id ID) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	return e, ok
}

// Store implements Service.
func (s *MemoryService) Store(id ID, entry Entry) {
	s.mu.Lock()
	old, ok := s.entries[id]
	s.entries[id] = entry
	s.mu.Unlock()

	if ok {
		releaseReplaced(old.Legs, entry.Legs)
	}
}

// Release implements Service.
func (s *MemoryService) Release(id ID) bool {
	s.mu.Lock()
	e, ok := s.entries[id]
	delete(s.entries, id)
	s.mu.Unlock()

	if ok {
		table.Release(e.Legs)
	}
	return ok
}

// ReleaseTask implements Service.
func (s *MemoryService) ReleaseTask(taskID string) int {
	s.mu.Lock()
	var released []Entry
	for id, e := range s.entries {
		if id.TaskID == taskID {
			released = append(released, e)
			delete(s.entries, id)
		}
	}
	s.mu.Unlock()

	for _, e := range released {
		table.Release(e.Legs)
	}
	return len(released)
}

// Len returns the number of stored entries.
func (s *MemoryService) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func releaseReplaced(old, current []table.Leg) {
	kept := make(map[*table.Container]struct{}, len(current))
	for _, l := range current {
		if sl, ok := l.(table.SmallLeg); ok {
			kept[sl.Table] = struct{}{}
		}
	}
	for _, l := range old {
		if sl, ok := l.(table.SmallLeg); ok {
			if _, reused := kept[sl.Table]; !reused {
				sl.Table.Clear()
			}
		}
	}
}
