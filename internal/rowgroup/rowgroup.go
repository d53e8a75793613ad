// Package rowgroup holds the small-side value tuples that share one join key.
package rowgroup

import (
	"github.com/paveg/broadcastjoin/internal/key"
)

// AllLegs is the alias filter of a group before any tuple has been added.
const AllLegs = ^uint64(0)

// MaxLegs is the largest number of join legs a filter tag can describe.
const MaxLegs = 64

// LegBit returns the filter bit for a leg position.
func LegBit(leg int) uint64 {
	return 1 << uint(leg) //nolint:gosec // leg < MaxLegs, checked by plan validation
}

// RowGroup is an append-only multiset of value tuples for one key within one
// leg's table. Each tuple carries a filter tag: bit b set means the tuple
// fails the ON-clause residual filter when joined with leg b.
//
// The alias filter is the AND of all tags. When bit b is set every tuple is
// filtered for leg b, so probing from leg b has no real match in this group
// and an outer join emits a single null-padded row for it.
type RowGroup struct {
	tuples      []key.Row
	tags        []uint64
	aliasFilter uint64
	size        int64
}

// New creates an empty group.
func New() *RowGroup {
	return &RowGroup{aliasFilter: AllLegs}
}

// Add appends a tuple with its filter tag and returns the estimated bytes retained.
func (g *RowGroup) Add(tuple key.Row, tag uint64) int64 {
	g.tuples = append(g.tuples, tuple)
	g.tags = append(g.tags, tag)
	g.aliasFilter &= tag

	grew := int64(tupleHeader + tagBytes)
	for _, v := range tuple {
		grew += key.ValueSize(v)
	}
	g.size += grew
	return grew
}

// Len returns the number of tuples.
func (g *RowGroup) Len() int {
	return len(g.tuples)
}

// AliasFilter returns the AND of all tuple tags.
func (g *RowGroup) AliasFilter() uint64 {
	return g.aliasFilter
}

// Filtered reports whether every tuple in the group is filtered for leg.
func (g *RowGroup) Filtered(leg int) bool {
	return len(g.tuples) == 0 || g.aliasFilter&LegBit(leg) != 0
}

// SizeBytes estimates the retained size of the group's tuples.
func (g *RowGroup) SizeBytes() int64 {
	return g.size
}

// Copy returns an iterator over a snapshot of the current tuples. Later Adds
// are not visible to it, so one group can be probed repeatedly while it is
// still owned by the table.
func (g *RowGroup) Copy() *Iterator {
	return &Iterator{
		tuples: g.tuples[:len(g.tuples):len(g.tuples)],
		tags:   g.tags[:len(g.tags):len(g.tags)],
	}
}

const (
	tupleHeader = 24 // slice header of one tuple
	tagBytes    = 8
)

// Iterator walks a snapshot of a RowGroup.
type Iterator struct {
	tuples []key.Row
	tags   []uint64
	pos    int
}

// First rewinds the iterator and returns the first tuple, or nil if empty.
func (it *Iterator) First() key.Row {
	it.pos = 0
	return it.Next()
}

// Next returns the next tuple, or nil when exhausted.
func (it *Iterator) Next() key.Row {
	if it.pos >= len(it.tuples) {
		return nil
	}
	t := it.tuples[it.pos]
	it.pos++
	return t
}

// Len returns the number of tuples in the snapshot.
func (it *Iterator) Len() int {
	return len(it.tuples)
}

// Tag returns the filter tag of the tuple most recently returned.
func (it *Iterator) Tag() uint64 {
	if it.pos == 0 {
		return 0
	}
	return it.tags[it.pos-1]
}

// AppendPassing appends the snapshot tuples that are not filtered for leg to dst.
func (it *Iterator) AppendPassing(dst []key.Row, leg int) []key.Row {
	bit := LegBit(leg)
	for i, t := range it.tuples {
		if it.tags[i]&bit == 0 {
			dst = append(dst, t)
		}
	}
	return dst
}
