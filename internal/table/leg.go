package table

// Leg is one slot of a multi-way join: either the streamed big leg, which has
// no table, or a small leg backed by a built Container.
type Leg interface {
	isLeg()
}

// BigLeg marks the streamed input.
type BigLeg struct{}

// SmallLeg holds the hash table of a materialized input.
type SmallLeg struct {
	Table *Container
}

func (BigLeg) isLeg()   {}
func (SmallLeg) isLeg() {}

// Release clears every small-leg table in legs.
func Release(legs []Leg) {
	for _, l := range legs {
		if s, ok := l.(SmallLeg); ok {
			s.Table.Clear()
		}
	}
}

// SizeBytes sums the estimated size of every small-leg table.
func SizeBytes(legs []Leg) int64 {
	var total int64
	for _, l := range legs {
		if s, ok := l.(SmallLeg); ok {
			total += s.Table.SizeBytes()
		}
	}
	return total
}
