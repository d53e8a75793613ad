// Package plan holds the operator descriptor a planner hands to the join
// driver: the legs, which of them streams, the per-leg schemas and join
// semantics, and the memory ceiling.
//
// A descriptor can be built in code or read from JSON or YAML. Key
// expressions other than plain columns and residual filters can only be set
// in code.
package plan

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/paveg/broadcastjoin/internal/codec"
	joinerrors "github.com/paveg/broadcastjoin/internal/errors"
	"github.com/paveg/broadcastjoin/internal/key"
	"github.com/paveg/broadcastjoin/internal/rowgroup"
	"gopkg.in/yaml.v3"
)

const opValidate = "Validate"

// Operator describes one broadcast multi-way join.
type Operator struct {
	ID     int    `json:"id" yaml:"id"`
	Name   string `json:"name" yaml:"name"`
	BigLeg int    `json:"big_leg" yaml:"big_leg"`
	Legs   []Leg  `json:"legs" yaml:"legs"`

	// Key is the join key layout shared by every leg.
	Key codec.Descriptor `json:"key" yaml:"key"`

	// MemoryBudget caps the estimated size of the small tables one load of
	// this operator builds, in bytes; zero defers to the runtime configuration.
	MemoryBudget int64 `json:"memory_budget" yaml:"memory_budget"`

	// ChangeSensitive forces a rebuild on every input source change instead
	// of reusing tables cached for the task.
	ChangeSensitive bool `json:"change_sensitive" yaml:"change_sensitive"`
}

// Leg describes one join input. The big leg uses KeyColumns/KeyExprs and
// ValueColumns; small legs use Input, Value, NullSafe, Outer and Filter.
type Leg struct {
	Input string           `json:"input,omitempty" yaml:"input,omitempty"`
	Value codec.Descriptor `json:"value" yaml:"value"`

	KeyColumns   []int `json:"key_columns,omitempty" yaml:"key_columns,omitempty"`
	ValueColumns []int `json:"value_columns,omitempty" yaml:"value_columns,omitempty"`
	NullSafe     []int `json:"null_safe,omitempty" yaml:"null_safe,omitempty"`
	Outer        bool  `json:"outer" yaml:"outer"`

	// KeyExprs overrides KeyColumns.
	KeyExprs []key.Expr   `json:"-" yaml:"-"`
	Filter   codec.Filter `json:"-" yaml:"-"`
}

// Keys returns the key expressions evaluated against big-leg rows.
func (l Leg) Keys() []key.Expr {
	if len(l.KeyExprs) > 0 {
		return l.KeyExprs
	}
	return key.Columns(l.KeyColumns...)
}

// Project returns the big-leg columns copied into an output row. Nil
// ValueColumns projects the whole row.
func (l Leg) Project(row key.Row) key.Row {
	if l.ValueColumns == nil {
		return row
	}
	out := make(key.Row, len(l.ValueColumns))
	for i, c := range l.ValueColumns {
		out[i] = key.Column(c).Eval(row)
	}
	return out
}

// Validate checks the descriptor is complete and consistent.
func (op *Operator) Validate() error {
	if len(op.Legs) < 2 {
		return op.configErr(joinerrors.NoLeg, fmt.Sprintf("need at least 2 legs, got %d", len(op.Legs)))
	}
	if len(op.Legs) > rowgroup.MaxLegs {
		return op.configErr(joinerrors.NoLeg, fmt.Sprintf("at most %d legs are supported, got %d", rowgroup.MaxLegs, len(op.Legs)))
	}
	if op.BigLeg < 0 || op.BigLeg >= len(op.Legs) {
		return op.configErr(joinerrors.NoLeg, fmt.Sprintf("big leg %d out of range", op.BigLeg))
	}
	if op.Key.Width() == 0 {
		return op.configErr(joinerrors.NoLeg, "join key has no fields")
	}
	if op.MemoryBudget < 0 {
		return op.configErr(joinerrors.NoLeg, fmt.Sprintf("memory budget must be non-negative, got %d", op.MemoryBudget))
	}

	width := op.Key.Width()
	big := op.Legs[op.BigLeg]
	if n := len(big.Keys()); n != width {
		return op.configErr(op.BigLeg, fmt.Sprintf("big leg has %d key expressions, join key has %d fields", n, width))
	}
	if len(big.KeyExprs) == 0 {
		for _, c := range big.KeyColumns {
			if c < 0 {
				return op.configErr(op.BigLeg, fmt.Sprintf("negative key column %d", c))
			}
		}
	}
	for _, c := range big.ValueColumns {
		if c < 0 {
			return op.configErr(op.BigLeg, fmt.Sprintf("negative value column %d", c))
		}
	}

	for i, leg := range op.Legs {
		if i == op.BigLeg {
			continue
		}
		if leg.Input == "" {
			return op.configErr(i, "no input name")
		}
		for _, f := range leg.NullSafe {
			if f < 0 || f >= width {
				return op.configErr(i, fmt.Sprintf("null-safe position %d out of range", f))
			}
		}
		if _, ok := codec.Lookup(leg.Value.Format); !ok {
			return op.configErr(i, fmt.Sprintf("unknown format %q", leg.Value.Format))
		}
	}
	return nil
}

// SmallLegs returns the positions of every leg except the big one.
func (op *Operator) SmallLegs() []int {
	legs := make([]int, 0, len(op.Legs)-1)
	for i := range op.Legs {
		if i != op.BigLeg {
			legs = append(legs, i)
		}
	}
	return legs
}

// HasOuter reports whether any small leg is outer.
func (op *Operator) HasOuter() bool {
	for i, leg := range op.Legs {
		if i != op.BigLeg && leg.Outer {
			return true
		}
	}
	return false
}

// Codecs derives the decoding context of every small leg, in leg order.
func (op *Operator) Codecs() ([]*codec.SerDeContext, error) {
	codecs := make([]*codec.SerDeContext, 0, len(op.Legs)-1)
	for _, i := range op.SmallLegs() {
		leg := op.Legs[i]
		opts := []codec.ContextOption{
			codec.WithNullSafe(key.NullSafe(op.Key.Width(), leg.NullSafe...)),
		}
		if leg.Filter != nil {
			opts = append(opts, codec.WithFilter(leg.Filter, op.BigLeg))
		}
		sc, err := codec.NewSerDeContext(i, op.Key, leg.Value, opts...)
		if err != nil {
			return nil, err
		}
		codecs = append(codecs, sc)
	}
	return codecs, nil
}

// ApplyDefaultFormat sets format on every small-leg value descriptor that
// leaves it empty.
func (op *Operator) ApplyDefaultFormat(format string) {
	for i := range op.Legs {
		if i != op.BigLeg && op.Legs[i].Value.Format == "" && op.Key.Format == "" {
			op.Legs[i].Value.Format = format
		}
	}
}

// String identifies the operator in messages.
func (op *Operator) String() string {
	return fmt.Sprintf("Operator %s (id=%d)", op.Name, op.ID)
}

func (op *Operator) configErr(leg int, msg string) error {
	return joinerrors.NewConfigurationError(opValidate, leg, msg)
}

// LoadFile reads an operator descriptor from a JSON or YAML file.
func LoadFile(path string) (*Operator, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading plan file %s: %w", path, err)
	}

	var op Operator
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		err = json.Unmarshal(data, &op)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &op)
	default:
		return nil, fmt.Errorf("unsupported plan file format: %s", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing plan file %s: %w", path, err)
	}
	return &op, nil
}
