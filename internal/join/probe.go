package join

import (
	"github.com/bits-and-blooms/bitset"
	"github.com/paveg/broadcastjoin/internal/key"
	"github.com/paveg/broadcastjoin/internal/plan"
	"github.com/paveg/broadcastjoin/internal/table"
)

type legProbe struct {
	big      bool
	table    *table.Container
	nullSafe *bitset.BitSet
	outer    bool
	padding  key.Row
}

// prober holds the per-leg probe state and the scratch slices reused across
// rows. Output rows are always freshly allocated.
type prober struct {
	bigLeg int
	legs   []legProbe
	alts   [][]key.Row
	idx    []int
	width  int
}

func newProber(op *plan.Operator, legs []table.Leg) *prober {
	p := &prober{
		bigLeg: op.BigLeg,
		legs:   make([]legProbe, len(legs)),
		alts:   make([][]key.Row, len(legs)),
		idx:    make([]int, len(legs)),
	}
	for i, l := range legs {
		small, ok := l.(table.SmallLeg)
		if !ok {
			p.legs[i] = legProbe{big: true}
			continue
		}
		desc := op.Legs[i]
		width := desc.Value.Width()
		p.legs[i] = legProbe{
			table:    small.Table,
			nullSafe: key.NullSafe(op.Key.Width(), desc.NullSafe...),
			outer:    desc.Outer,
			padding:  make(key.Row, width),
		}
		p.width += width
	}
	return p
}

// probe collects every combination for one big row and returns how many rows
// were emitted.
func (p *prober) probe(k key.Key, bigValues key.Row, out Collector) (int64, error) {
	for i := range p.legs {
		lp := &p.legs[i]
		alts := p.alts[i][:0]
		if lp.big {
			p.alts[i] = append(alts, bigValues)
			continue
		}

		// A NULL outside the leg's null-safe fields can never match, so the
		// table is not consulted.
		if !k.HasAnyNulls(lp.nullSafe) {
			if g := lp.table.Get(k); g != nil && !g.Filtered(p.bigLeg) {
				alts = g.Copy().AppendPassing(alts, p.bigLeg)
			}
		}
		if len(alts) == 0 {
			if !lp.outer {
				p.alts[i] = alts
				return 0, nil
			}
			alts = append(alts, lp.padding)
		}
		p.alts[i] = alts
	}
	return p.emit(len(bigValues), out)
}

// emit walks the cross product of the per-leg alternatives in leg order.
func (p *prober) emit(bigWidth int, out Collector) (int64, error) {
	for i := range p.idx {
		p.idx[i] = 0
	}

	var n int64
	for {
		row := make(key.Row, 0, p.width+bigWidth)
		for i, alts := range p.alts {
			row = append(row, alts[p.idx[i]]...)
		}
		if err := out.Collect(row); err != nil {
			return n, err
		}
		n++

		j := len(p.idx) - 1
		for ; j >= 0; j-- {
			p.idx[j]++
			if p.idx[j] < len(p.alts[j]) {
				break
			}
			p.idx[j] = 0
		}
		if j < 0 {
			return n, nil
		}
	}
}
