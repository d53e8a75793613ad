// Package join implements the streaming side of a broadcast multi-way hash
// join.
//
// A Driver owns one operator instance within one task. It derives the
// small-leg codecs, obtains the small tables from the task cache or the
// loader, then probes every big-leg row against all small tables and emits
// the cross product of the per-leg alternatives.
//
// A small leg contributes the tuples stored under the row's key that pass
// the residual filter. When it has none, an outer leg contributes a single
// all-NULL tuple and an inner leg drops the row. A key with a NULL in a
// field that is not null-safe for a leg never matches that leg.
package join

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/paveg/broadcastjoin/internal/cache"
	"github.com/paveg/broadcastjoin/internal/codec"
	"github.com/paveg/broadcastjoin/internal/config"
	joinerrors "github.com/paveg/broadcastjoin/internal/errors"
	"github.com/paveg/broadcastjoin/internal/key"
	"github.com/paveg/broadcastjoin/internal/loader"
	"github.com/paveg/broadcastjoin/internal/monitoring"
	"github.com/paveg/broadcastjoin/internal/plan"
	"github.com/paveg/broadcastjoin/internal/table"
)

// LevelTrace is the level per-row probe tracing is logged at.
const LevelTrace = config.LevelTrace

// ErrClosed is returned when rows arrive after Close or a fatal failure.
var ErrClosed = errors.New("join driver is closed")

// Collector receives joined rows. A Collector may retain the rows it is given.
type Collector interface {
	Collect(row key.Row) error
}

// CollectorFunc adapts a function to Collector.
type CollectorFunc func(row key.Row) error

// Collect implements Collector.
func (f CollectorFunc) Collect(row key.Row) error {
	return f(row)
}

// Dependencies are the collaborators a Driver is wired to. Cache, Loader and
// Reporter have in-process defaults; Collector is required.
type Dependencies struct {
	Exec      loader.ExecContext
	Cache     cache.Service
	Loader    loader.Loader
	Collector Collector
	Reporter  monitoring.Reporter
	Metrics   *monitoring.MetricsCollector
}

// Option configures a Driver.
type Option func(*Driver)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Driver) {
		d.logger = logger
	}
}

// WithTraceProbes logs every probe at LevelTrace when the logger has that
// level enabled.
func WithTraceProbes(enabled bool) Option {
	return func(d *Driver) {
		d.traceProbes = enabled
	}
}

// Driver runs one join operator instance. It is not safe for concurrent use;
// a task drives it from a single goroutine.
type Driver struct {
	op   *plan.Operator
	deps Dependencies
	id   cache.ID

	logger      *slog.Logger
	traceProbes bool
	trace       bool
	ownsCache   bool

	state  State
	codecs []*codec.SerDeContext
	legs   []table.Leg

	bigKeys []key.Expr
	prober  *prober

	fatalCode    int
	fatalMessage string
	stats        Stats
}

// New creates a driver for op. The descriptor is validated here so that a
// bad plan fails before any row arrives.
func New(op *plan.Operator, deps Dependencies, opts ...Option) (*Driver, error) {
	if err := op.Validate(); err != nil {
		return nil, err
	}
	if deps.Collector == nil {
		return nil, joinerrors.NewConfigurationError("New", joinerrors.NoLeg, "no output collector")
	}

	d := &Driver{
		op:     op,
		deps:   deps,
		id:     cache.ID{TaskID: deps.Exec.TaskID, OperatorID: op.ID},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.deps.Cache == nil {
		d.deps.Cache = cache.NewMemoryService()
		d.ownsCache = true
	}
	if d.deps.Loader == nil {
		d.deps.Loader = loader.New(loader.WithLogger(d.logger), loader.WithMetrics(deps.Metrics))
	}
	if d.deps.Reporter == nil {
		d.deps.Reporter = monitoring.Discard
	}
	d.trace = d.traceProbes && d.logger.Enabled(context.Background(), LevelTrace)
	d.bigKeys = op.Legs[op.BigLeg].Keys()
	return d, nil
}

// State returns the current lifecycle state.
func (d *Driver) State() State {
	return d.state
}

// Stats returns the row and load counters.
func (d *Driver) Stats() Stats {
	return d.stats
}

// FatalCode returns the code of the failure that closed the driver: 0 for
// none or a generic failure, 1 when the small tables did not fit the budget.
func (d *Driver) FatalCode() int {
	return d.fatalCode
}

// FatalMessage returns the message reported with the fatal code.
func (d *Driver) FatalMessage() string {
	return d.fatalMessage
}

// OnFirstRow derives the small-leg codecs from the operator descriptor. Only
// the first call has an effect.
func (d *Driver) OnFirstRow() error {
	if d.state != Uninitialized {
		return nil
	}
	codecs, err := d.op.Codecs()
	if err != nil {
		return d.fail(err)
	}
	d.codecs = codecs
	d.state = MetadataReady
	return nil
}

// OnInputSourceChanged makes the small tables available for probing. A
// change-insensitive operator loads at most once per task and reuses the
// task cache; a change-sensitive one rebuilds on every call and replaces the
// cached tables.
func (d *Driver) OnInputSourceChanged(ctx context.Context) error {
	switch d.state {
	case Closed:
		return ErrClosed
	case Uninitialized:
		if err := d.OnFirstRow(); err != nil {
			return err
		}
	}
	if d.legs != nil && !d.op.ChangeSensitive {
		return nil
	}

	if !d.op.ChangeSensitive {
		if entry, ok := d.deps.Cache.Retrieve(d.id); ok && len(entry.Legs) == len(d.op.Legs) {
			d.stats.CacheHits++
			d.logger.Debug("reusing cached small tables", slog.String("cache_id", d.id.String()))
			d.setLegs(entry.Legs)
			return nil
		}
	}

	var legs []table.Leg
	d.stats.Loads++
	err := d.deps.Metrics.RecordOperation("load", func() error {
		var err error
		legs, err = d.deps.Loader.Load(ctx, d.deps.Exec, d.op, d.codecs)
		return err
	})
	if err != nil {
		return d.fail(err)
	}

	d.deps.Cache.Store(d.id, cache.Entry{Legs: legs, Codecs: d.codecs})
	d.setLegs(legs)
	return nil
}

func (d *Driver) setLegs(legs []table.Leg) {
	d.legs = legs
	d.prober = newProber(d.op, legs)
	d.state = TablesLoaded
}

// OnRow probes one input row. Rows tagged with a leg other than the big leg
// are ignored. The first big-leg row loads the small tables if
// OnInputSourceChanged has not run yet.
func (d *Driver) OnRow(ctx context.Context, row key.Row, tag int) error {
	if d.state == Closed {
		return ErrClosed
	}
	if tag != d.op.BigLeg {
		d.stats.RowsIgnored++
		return nil
	}
	if d.legs == nil {
		if err := d.OnInputSourceChanged(ctx); err != nil {
			return err
		}
	}
	d.state = Streaming
	d.stats.RowsIn++

	k, err := key.Compute(row, d.bigKeys)
	if err != nil {
		return d.fail(joinerrors.NewConfigurationError("Probe", d.op.BigLeg, err.Error()))
	}

	n, err := d.prober.probe(k, d.op.Legs[d.op.BigLeg].Project(row), d.deps.Collector)
	d.stats.RowsOut += n
	if n == 0 && err == nil {
		d.stats.RowsDropped++
	}
	if d.trace {
		d.logger.Log(ctx, LevelTrace, "probe",
			slog.String("key", k.String()),
			slog.Int64("emitted", n),
		)
	}
	return err
}

// Close ends the operator instance. The driver drops its references to the
// small tables; they stay in the task cache for a later invocation of the
// same operator until the task releases them. With abort set the operator's
// own tables are cleared now; other operators of the task keep theirs.
func (d *Driver) Close(abort bool) error {
	if d.state == Closed {
		return nil
	}
	d.release(abort)
	d.deps.Reporter.AddRows(d.stats.RowsIn, d.stats.RowsOut)
	d.logger.Debug("join operator closed",
		slog.String("operator", d.op.Name),
		slog.Bool("abort", abort),
		slog.Int64("rows_in", d.stats.RowsIn),
		slog.Int64("rows_out", d.stats.RowsOut),
		slog.Int64("rows_dropped", d.stats.RowsDropped),
	)
	return nil
}

func (d *Driver) release(abort bool) {
	if abort || d.ownsCache {
		d.deps.Cache.Release(d.id)
		table.Release(d.legs)
	}
	d.legs = nil
	d.prober = nil
	d.state = Closed
}

// fail records a fatal failure, reports it and releases the operator's tables.
func (d *Driver) fail(err error) error {
	code := joinerrors.FatalCode(err)
	text := joinerrors.FatalMessage(code)
	if code == joinerrors.FatalCodeNone {
		text = err.Error()
	}
	d.fatalCode = code
	d.fatalMessage = fmt.Sprintf("%s: %s", d.op, text)

	d.deps.Reporter.ReportFatal(code, d.fatalMessage)
	d.logger.Error("broadcast join failed",
		slog.String("operator", d.op.Name),
		slog.Int("fatal_code", code),
		slog.Any("error", err),
	)
	d.release(true)
	return err
}
