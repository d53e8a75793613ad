// Package loader builds every small-leg hash table of a join for one task.
//
// A load is all or nothing: the first leg that fails aborts the others,
// clears every table already built and returns the error. All legs of a load
// share one memory budget.
package loader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	arrowmemory "github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/paveg/broadcastjoin/internal/codec"
	"github.com/paveg/broadcastjoin/internal/config"
	joinerrors "github.com/paveg/broadcastjoin/internal/errors"
	"github.com/paveg/broadcastjoin/internal/memory"
	"github.com/paveg/broadcastjoin/internal/monitoring"
	"github.com/paveg/broadcastjoin/internal/parallel"
	"github.com/paveg/broadcastjoin/internal/plan"
	"github.com/paveg/broadcastjoin/internal/table"
)

const opLoad = "Load"

// ExecContext is what the loader needs from the task it runs in.
type ExecContext struct {
	TaskID string
	Inputs Inputs
}

// Loader builds the legs of an operator.
type Loader interface {
	// Load returns one Leg per operator leg: BigLeg at the big index and a
	// fully built SmallLeg everywhere else. codecs holds one context per
	// small leg in leg order.
	Load(ctx context.Context, exec ExecContext, op *plan.Operator, codecs []*codec.SerDeContext) ([]table.Leg, error)
}

// HashTableLoader is the default Loader.
type HashTableLoader struct {
	pool            *parallel.WorkerPool
	allocs          *parallel.AllocatorPool
	allocator       arrowmemory.Allocator
	defaultBudget   int64
	batchSize       int
	initialCapacity int
	logger          *slog.Logger
	metrics         *monitoring.MetricsCollector
}

// Option configures a HashTableLoader.
type Option func(*HashTableLoader)

// WithParallelism sets how many legs are built at once.
func WithParallelism(n int) Option {
	return func(l *HashTableLoader) {
		l.pool = parallel.NewWorkerPool(n)
	}
}

// WithAllocator decodes every leg with one allocator instead of pooled ones.
func WithAllocator(mem arrowmemory.Allocator) Option {
	return func(l *HashTableLoader) {
		l.allocator = mem
	}
}

// WithDefaultBudget sets the ceiling used when the operator has none.
func WithDefaultBudget(limit int64) Option {
	return func(l *HashTableLoader) {
		l.defaultBudget = limit
	}
}

// WithBatchSize sets the decode batch size.
func WithBatchSize(n int) Option {
	return func(l *HashTableLoader) {
		l.batchSize = n
	}
}

// WithInitialCapacity sets the starting key capacity of each table.
func WithInitialCapacity(n int) Option {
	return func(l *HashTableLoader) {
		l.initialCapacity = n
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *HashTableLoader) {
		l.logger = logger
	}
}

// WithMetrics records one operation per leg build.
func WithMetrics(mc *monitoring.MetricsCollector) Option {
	return func(l *HashTableLoader) {
		l.metrics = mc
	}
}

// New creates a loader tuned by the global configuration; opts are applied
// after it.
func New(opts ...Option) *HashTableLoader {
	return newLoader(config.GetGlobalConfig(), opts)
}

// NewFromConfig creates a loader from runtime configuration; opts are applied
// after it.
func NewFromConfig(cfg config.Config, opts ...Option) *HashTableLoader {
	return newLoader(cfg, opts)
}

func newLoader(cfg config.Config, opts []Option) *HashTableLoader {
	cfg = cfg.WithDefaults()
	l := &HashTableLoader{
		pool:            parallel.NewWorkerPool(cfg.LoadParallelism),
		defaultBudget:   cfg.MemoryBudget,
		batchSize:       cfg.DecodeBatchSize,
		initialCapacity: cfg.InitialTableCapacity,
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.allocs = parallel.NewAllocatorPool()
	return l
}

// Load implements Loader.
func (l *HashTableLoader) Load(
	ctx context.Context, exec ExecContext, op *plan.Operator, codecs []*codec.SerDeContext,
) ([]table.Leg, error) {
	if exec.Inputs == nil {
		return nil, joinerrors.NewConfigurationError(opLoad, joinerrors.NoLeg, "task has no input provider")
	}
	if len(codecs) != len(op.Legs)-1 {
		return nil, joinerrors.NewConfigurationError(opLoad, joinerrors.NoLeg,
			fmt.Sprintf("expected %d small-leg codecs, got %d", len(op.Legs)-1, len(codecs)))
	}
	for _, sc := range codecs {
		if leg := sc.Leg(); leg < 0 || leg >= len(op.Legs) || leg == op.BigLeg {
			return nil, joinerrors.NewConfigurationError(opLoad, leg, "codec is not bound to a small leg")
		}
	}

	limit := op.MemoryBudget
	if limit == 0 {
		limit = l.defaultBudget
	}
	budget := memory.NewBudget(limit)
	logger := l.logger.With(
		slog.String("task", exec.TaskID),
		slog.String("operator", op.Name),
		slog.Int("operator_id", op.ID),
	)

	start := time.Now()
	built := make([]*table.Container, len(codecs))
	var records atomic.Int64
	_, err := parallel.ProcessIndexed(ctx, l.pool, codecs,
		func(ctx context.Context, i int, sc *codec.SerDeContext) (struct{}, error) {
			tbl, stats, err := l.buildLeg(ctx, exec, op, sc, budget, logger)
			if err != nil {
				return struct{}{}, err
			}
			built[i] = tbl
			records.Add(stats.Records)
			return struct{}{}, nil
		})
	if err != nil {
		for _, tbl := range built {
			tbl.Clear()
		}
		logger.Warn("small table load aborted",
			slog.Any("error", err),
			slog.Int64("peak_bytes", budget.Peak()),
			slog.Int64("remaining_bytes", budget.Remaining()),
		)
		return nil, err
	}

	legs := make([]table.Leg, len(op.Legs))
	legs[op.BigLeg] = table.BigLeg{}
	for i, sc := range codecs {
		legs[sc.Leg()] = table.SmallLeg{Table: built[i]}
	}

	logger.Info("small tables loaded",
		slog.Int("legs", len(codecs)),
		slog.Int64("records", records.Load()),
		slog.Int64("table_bytes", table.SizeBytes(legs)),
		slog.Duration("elapsed", time.Since(start)),
	)
	return legs, nil
}

func (l *HashTableLoader) buildLeg(
	ctx context.Context,
	exec ExecContext,
	op *plan.Operator,
	sc *codec.SerDeContext,
	budget *memory.Budget,
	logger *slog.Logger,
) (*table.Container, codec.BuildStats, error) {
	leg := sc.Leg()
	name := op.Legs[leg].Input

	var r io.Reader
	rc, err := exec.Inputs.Open(ctx, name)
	switch {
	case errors.Is(err, ErrNoInput):
		logger.Debug("small input absent, using empty table", slog.Int("leg", leg), slog.String("input", name))
	case err != nil:
		return nil, codec.BuildStats{}, joinerrors.NewSourceUnavailableError(opLoad, leg, name, err)
	default:
		defer rc.Close()
		r = rc
	}

	alloc := l.allocator
	if alloc == nil {
		pooled := l.allocs.Get()
		defer l.allocs.Put(pooled)
		alloc = pooled
	}

	start := time.Now()
	tbl, stats, err := sc.Build(ctx, r, codec.BuildOptions{
		Budget:          budget,
		Allocator:       alloc,
		BatchSize:       l.batchSize,
		InitialCapacity: l.initialCapacity,
		Logger:          logger,
	})
	l.metrics.Record(monitoring.OperationMetrics{
		Duration:       time.Since(start),
		RowsProcessed:  stats.Records,
		BytesProcessed: stats.InputBytes,
		MemoryUsed:     stats.TableBytes,
		Operation:      "build",
		Leg:            leg,
		Parallel:       l.pool.Size() > 1,
		Failed:         err != nil,
	})
	return tbl, stats, err
}
