// Package broadcastjoin provides a broadcast multi-way hash join operator.
// This package is the sole public API for the library.
//
// One input (the big leg) is streamed row by row while every other input (a
// small leg) is loaded into an in-memory hash table keyed on the join key.
// Each big row is probed against all small tables and the cross product of
// the matches is emitted. Small legs may be inner or outer, individual key
// fields may be null-safe, and the tables of an operator are shared by every
// invocation of it within one task.
//
// A Runtime holds the process-wide pieces: configuration, the task cache, the
// loader and diagnostics. A Task scopes the cache to one task attempt and
// hands out Operators.
package broadcastjoin

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"slices"

	"github.com/paveg/broadcastjoin/internal/cache"
	"github.com/paveg/broadcastjoin/internal/codec"
	"github.com/paveg/broadcastjoin/internal/config"
	joinerrors "github.com/paveg/broadcastjoin/internal/errors"
	"github.com/paveg/broadcastjoin/internal/join"
	"github.com/paveg/broadcastjoin/internal/key"
	"github.com/paveg/broadcastjoin/internal/loader"
	"github.com/paveg/broadcastjoin/internal/monitoring"
	"github.com/paveg/broadcastjoin/internal/plan"
)

type (
	// Row is one tuple of column values.
	Row = key.Row
	// Plan describes one join operator: its legs, the big leg and the key.
	Plan = plan.Operator
	// Leg describes one join input.
	Leg = plan.Leg
	// Descriptor describes the key or value columns of a small input.
	Descriptor = codec.Descriptor
	// Field is one column of a Descriptor.
	Field = codec.Field
	// FieldType names a column type.
	FieldType = codec.FieldType
	// Filter is a residual ON-clause predicate over a small-leg value tuple.
	Filter = codec.Filter
	// Record is one key/value pair of a small input.
	Record = codec.Record
	// Collector receives joined rows.
	Collector = join.Collector
	// CollectorFunc adapts a function to Collector.
	CollectorFunc = join.CollectorFunc
	// Inputs opens the encoded small inputs of a task by name.
	Inputs = loader.Inputs
	// MapInputs serves small inputs from memory.
	MapInputs = loader.MapInputs
	// DirInputs serves small inputs from files under a directory.
	DirInputs = loader.DirInputs
	// Config is the runtime configuration.
	Config = config.Config
	// Stats counts the rows an Operator has seen and produced.
	Stats = join.Stats
	// State is the lifecycle position of an Operator.
	State = join.State
	// JoinError is the error type of every join failure.
	JoinError = joinerrors.JoinError
)

// Column types.
const (
	TypeInt64     = codec.TypeInt64
	TypeInt32     = codec.TypeInt32
	TypeFloat64   = codec.TypeFloat64
	TypeFloat32   = codec.TypeFloat32
	TypeString    = codec.TypeString
	TypeBool      = codec.TypeBool
	TypeBinary    = codec.TypeBinary
	TypeTimestamp = codec.TypeTimestamp
)

// Wire formats of small inputs.
const (
	FormatArrowIPC = codec.FormatArrowIPC
	FormatParquet  = codec.FormatParquet
	FormatCSV      = codec.FormatCSV
)

// Fatal codes.
const (
	FatalCodeNone                 = joinerrors.FatalCodeNone
	FatalCodeMemoryBudgetExceeded = joinerrors.FatalCodeMemoryBudgetExceeded
)

// Sentinel errors for errors.Is.
var (
	ErrConfiguration        = joinerrors.ErrConfiguration
	ErrDecode               = joinerrors.ErrDecode
	ErrMemoryBudgetExceeded = joinerrors.ErrMemoryBudgetExceeded
	ErrSourceUnavailable    = joinerrors.ErrSourceUnavailable
	ErrClosed               = join.ErrClosed
)

// NewConfig returns the default runtime configuration.
func NewConfig() Config {
	return config.NewConfig()
}

// LoadConfig reads a JSON or YAML configuration file.
func LoadConfig(path string) (Config, error) {
	return config.LoadFromFile(path)
}

// LoadConfigFromEnv reads the configuration from BROADCASTJOIN_* environment
// variables. Unset or malformed variables keep their defaults.
func LoadConfigFromEnv() Config {
	return config.LoadFromEnv()
}

// SetDefaultConfig validates cfg and makes it the process default. Operators
// driven without a runtime loader build their tables with it.
func SetDefaultConfig(cfg Config) error {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if _, ok := codec.Lookup(cfg.DefaultFormat); !ok {
		return fmt.Errorf("invalid configuration: unknown default format %q", cfg.DefaultFormat)
	}
	config.SetGlobalConfig(cfg)
	return nil
}

// DefaultConfig returns the process default configuration.
func DefaultConfig() Config {
	return config.GetGlobalConfig()
}

// LoadPlan reads a JSON or YAML operator descriptor.
func LoadPlan(path string) (*Plan, error) {
	return plan.LoadFile(path)
}

// Runtime holds what every task of a process shares.
type Runtime struct {
	cfg      Config
	logger   *slog.Logger
	cache    *cache.MemoryService
	loader   *loader.HashTableLoader
	metrics  *monitoring.MetricsCollector
	counters *monitoring.Counters
}

// RuntimeOption configures a Runtime.
type RuntimeOption func(*Runtime)

// WithLogger replaces the logger built from the configured level.
func WithLogger(logger *slog.Logger) RuntimeOption {
	return func(rt *Runtime) {
		rt.logger = logger
	}
}

// NewRuntime validates cfg and builds a runtime from it. Zero fields take
// their defaults.
func NewRuntime(cfg Config, opts ...RuntimeOption) (*Runtime, error) {
	cfg = cfg.WithDefaults()
	cfg, warnings, err := config.NewConfigValidator().Validate(cfg)
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if _, ok := codec.Lookup(cfg.DefaultFormat); !ok {
		return nil, fmt.Errorf("invalid configuration: unknown default format %q", cfg.DefaultFormat)
	}

	rt := &Runtime{
		cfg:      cfg,
		cache:    cache.NewMemoryService(),
		metrics:  monitoring.NewMetricsCollector(cfg.MetricsCollection),
		counters: monitoring.NewCounters(),
	}
	for _, opt := range opts {
		opt(rt)
	}
	if rt.logger == nil {
		rt.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Level()}))
	}
	for _, w := range warnings {
		rt.logger.Warn("configuration adjusted", slog.String("detail", w))
	}

	rt.loader = loader.NewFromConfig(cfg,
		loader.WithLogger(rt.logger),
		loader.WithMetrics(rt.metrics),
	)
	return rt, nil
}

// Config returns the effective configuration.
func (rt *Runtime) Config() Config {
	return rt.cfg
}

// Counters returns the fatal code and row counters of every operator.
func (rt *Runtime) Counters() monitoring.CounterSnapshot {
	return rt.counters.Snapshot()
}

// Metrics returns the collected build metrics; empty unless metrics
// collection is enabled.
func (rt *Runtime) Metrics() monitoring.MetricsSummary {
	return rt.metrics.GetSummary()
}

// MonitoringServer serves the runtime's metrics and counters on port. The
// caller starts and stops it.
func (rt *Runtime) MonitoringServer(port int) *monitoring.Server {
	return monitoring.NewMonitoringServer(rt.metrics, rt.counters, port)
}

// NewTask opens a task attempt. Operators created from it share the small
// tables they build until the task is closed.
func (rt *Runtime) NewTask(id string, inputs Inputs) *Task {
	return &Task{rt: rt, exec: loader.ExecContext{TaskID: id, Inputs: inputs}}
}

// Task is one task attempt.
type Task struct {
	rt   *Runtime
	exec loader.ExecContext
}

// ID returns the task attempt id.
func (t *Task) ID() string {
	return t.exec.TaskID
}

// NewOperator creates an operator instance writing joined rows to out. The
// plan is copied; descriptors without a format take the configured default.
func (t *Task) NewOperator(p *Plan, out Collector) (*Operator, error) {
	op := *p
	op.Legs = slices.Clone(p.Legs)
	op.ApplyDefaultFormat(t.rt.cfg.DefaultFormat)

	d, err := join.New(&op, join.Dependencies{
		Exec:      t.exec,
		Cache:     t.rt.cache,
		Loader:    t.rt.loader,
		Collector: out,
		Reporter:  t.rt.counters,
		Metrics:   t.rt.metrics,
	},
		join.WithLogger(t.rt.logger.With(slog.String("task", t.exec.TaskID))),
		join.WithTraceProbes(t.rt.cfg.TraceProbes),
	)
	if err != nil {
		return nil, err
	}
	return &Operator{d: d}, nil
}

// Close releases every small table the task built and returns how many
// operator entries were released.
func (t *Task) Close() int {
	return t.rt.cache.ReleaseTask(t.exec.TaskID)
}

// Operator is one join operator instance. It is not safe for concurrent use.
type Operator struct {
	d *join.Driver
}

// SourceChanged signals that the big-leg input moved to a new source. It
// loads the small tables if they are not loaded yet, and reloads them for
// change-sensitive plans.
func (o *Operator) SourceChanged(ctx context.Context) error {
	return o.d.OnInputSourceChanged(ctx)
}

// Process probes one row. tag is the leg the row belongs to; rows of any leg
// but the big one are ignored.
func (o *Operator) Process(ctx context.Context, row Row, tag int) error {
	return o.d.OnRow(ctx, row, tag)
}

// Close ends the operator. With abort set the operator's small tables are
// released immediately instead of staying cached until Task.Close.
func (o *Operator) Close(abort bool) error {
	return o.d.Close(abort)
}

// State returns the lifecycle state.
func (o *Operator) State() State {
	return o.d.State()
}

// Stats returns the row counters.
func (o *Operator) Stats() Stats {
	return o.d.Stats()
}

// FatalCode returns 1 when the operator failed because its small tables did
// not fit the memory budget, otherwise 0.
func (o *Operator) FatalCode() int {
	return o.d.FatalCode()
}

// FatalMessage returns the message reported with the fatal failure, if any.
func (o *Operator) FatalMessage() string {
	return o.d.FatalMessage()
}

// EncodeSmallInput encodes records for the small leg at position leg of p, in
// the leg's format. It is the inverse of what an Operator decodes.
func EncodeSmallInput(p *Plan, leg int, records []Record) ([]byte, error) {
	op := *p
	op.Legs = slices.Clone(p.Legs)
	op.ApplyDefaultFormat(codec.DefaultFormat)

	codecs, err := op.Codecs()
	if err != nil {
		return nil, err
	}
	for _, sc := range codecs {
		if sc.Leg() == leg {
			return sc.EncodeBytes(records)
		}
	}
	return nil, joinerrors.NewConfigurationError("Encode", leg, "not a small leg")
}
