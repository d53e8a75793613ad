package join_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"

	"github.com/paveg/broadcastjoin/internal/cache"
	"github.com/paveg/broadcastjoin/internal/codec"
	joinerrors "github.com/paveg/broadcastjoin/internal/errors"
	"github.com/paveg/broadcastjoin/internal/join"
	"github.com/paveg/broadcastjoin/internal/key"
	"github.com/paveg/broadcastjoin/internal/loader"
	"github.com/paveg/broadcastjoin/internal/monitoring"
	"github.com/paveg/broadcastjoin/internal/plan"
	"github.com/paveg/broadcastjoin/internal/table"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pair struct {
	k any
	v any
}

// smallLeg describes one small input of a test join.
type smallLeg struct {
	name     string
	outer    bool
	nullSafe bool
	filter   codec.Filter
	rows     []pair
	absent   bool
}

type rowSink struct {
	rows []key.Row
}

func (s *rowSink) Collect(row key.Row) error {
	s.rows = append(s.rows, row)
	return nil
}

// newOperator joins a big leg at position 0, keyed on column 0 and projecting
// column 1, with the given small legs on a single int64 key.
func newOperator(smalls ...smallLeg) *plan.Operator {
	op := &plan.Operator{
		ID:     11,
		Name:   "MAPJOIN_11",
		BigLeg: 0,
		Key:    codec.Descriptor{Fields: []codec.Field{{Name: "k", Type: codec.TypeInt64}}},
		Legs:   []plan.Leg{{KeyColumns: []int{0}, ValueColumns: []int{1}}},
	}
	for _, s := range smalls {
		leg := plan.Leg{
			Input:  s.name,
			Outer:  s.outer,
			Filter: s.filter,
			Value:  codec.Descriptor{Fields: []codec.Field{{Name: s.name + "_v", Type: codec.TypeString}}},
		}
		if s.nullSafe {
			leg.NullSafe = []int{0}
		}
		op.Legs = append(op.Legs, leg)
	}
	return op
}

func encodeInputs(t *testing.T, op *plan.Operator, smalls ...smallLeg) loader.MapInputs {
	t.Helper()
	codecs, err := op.Codecs()
	require.NoError(t, err)

	inputs := loader.MapInputs{}
	for i, s := range smalls {
		if s.absent {
			continue
		}
		records := make([]codec.Record, len(s.rows))
		for j, r := range s.rows {
			records[j] = codec.Record{Key: key.Row{r.k}, Value: key.Row{r.v}}
		}
		data, err := codecs[i].EncodeBytes(records)
		require.NoError(t, err)
		inputs[s.name] = data
	}
	return inputs
}

type harness struct {
	driver   *join.Driver
	sink     *rowSink
	counters *monitoring.Counters
	cache    *cache.MemoryService
}

func newHarness(t *testing.T, smalls ...smallLeg) *harness {
	t.Helper()
	op := newOperator(smalls...)
	return newHarnessFor(t, op, encodeInputs(t, op, smalls...), cache.NewMemoryService(), nil)
}

func newHarnessFor(
	t *testing.T, op *plan.Operator, inputs loader.Inputs, svc *cache.MemoryService, l loader.Loader,
) *harness {
	t.Helper()
	h := &harness{sink: &rowSink{}, counters: monitoring.NewCounters(), cache: svc}
	d, err := join.New(op, join.Dependencies{
		Exec:      loader.ExecContext{TaskID: "attempt_0", Inputs: inputs},
		Cache:     svc,
		Loader:    l,
		Collector: h.sink,
		Reporter:  h.counters,
	})
	require.NoError(t, err)
	h.driver = d
	return h
}

func (h *harness) run(t *testing.T, rows ...key.Row) []key.Row {
	t.Helper()
	for _, row := range rows {
		require.NoError(t, h.driver.OnRow(context.Background(), row, 0))
	}
	return h.sink.rows
}

func TestInnerJoinEmitsEveryMatch(t *testing.T) {
	h := newHarness(t, smallLeg{name: "s", rows: []pair{{1, "a"}, {1, "b"}, {2, "c"}}})

	out := h.run(t, key.Row{1, "x"})
	assert.ElementsMatch(t, []key.Row{{"x", "a"}, {"x", "b"}}, out)
}

func TestPureInnerJoinDropsRowsWithoutMatch(t *testing.T) {
	h := newHarness(t,
		smallLeg{name: "a", rows: []pair{{1, "a1"}, {2, "a2"}}},
		smallLeg{name: "b", rows: []pair{{2, "b2"}}},
	)

	out := h.run(t, key.Row{1, "x"}, key.Row{3, "y"})
	assert.Empty(t, out)
	assert.Equal(t, int64(2), h.driver.Stats().RowsDropped)

	out = h.run(t, key.Row{2, "z"})
	assert.Equal(t, []key.Row{{"z", "a2", "b2"}}, out)
}

func TestOuterLegMissIsPaddedOnce(t *testing.T) {
	h := newHarness(t,
		smallLeg{name: "a", rows: []pair{{1, "a1"}, {1, "a2"}}},
		smallLeg{name: "b", outer: true, rows: []pair{{2, "b2"}}},
		smallLeg{name: "c", outer: true},
	)

	out := h.run(t, key.Row{1, "x"})
	assert.ElementsMatch(t, []key.Row{
		{"x", "a1", nil, nil},
		{"x", "a2", nil, nil},
	}, out, "one row per matched combination, the missing outer legs padded once each")
}

func TestOuterJoinEmptySmallTable(t *testing.T) {
	h := newHarness(t, smallLeg{name: "s", outer: true})

	out := h.run(t, key.Row{1, "x"})
	assert.Equal(t, []key.Row{{"x", nil}}, out)
}

func TestOuterJoinAbsentInput(t *testing.T) {
	h := newHarness(t, smallLeg{name: "s", outer: true, absent: true})

	out := h.run(t, key.Row{1, "x"})
	assert.Equal(t, []key.Row{{"x", nil}}, out)
}

func TestCrossProductAcrossLegs(t *testing.T) {
	h := newHarness(t,
		smallLeg{name: "a", rows: []pair{{1, "a1"}, {1, "a2"}}},
		smallLeg{name: "b", rows: []pair{{1, "b1"}, {1, "b2"}, {1, "b3"}}},
	)

	out := h.run(t, key.Row{1, "x"})
	require.Len(t, out, 6)
	assert.ElementsMatch(t, []key.Row{
		{"x", "a1", "b1"}, {"x", "a1", "b2"}, {"x", "a1", "b3"},
		{"x", "a2", "b1"}, {"x", "a2", "b2"}, {"x", "a2", "b3"},
	}, out)
	assert.Equal(t, int64(6), h.driver.Stats().RowsOut)
}

func TestNullKeys(t *testing.T) {
	t.Run("null never matches an inner leg", func(t *testing.T) {
		h := newHarness(t, smallLeg{name: "s", rows: []pair{{nil, "n"}, {1, "a"}}})
		assert.Empty(t, h.run(t, key.Row{nil, "x"}))
	})

	t.Run("null is padded on an outer leg", func(t *testing.T) {
		h := newHarness(t, smallLeg{name: "s", outer: true, rows: []pair{{nil, "n"}}})
		assert.Equal(t, []key.Row{{"x", nil}}, h.run(t, key.Row{nil, "x"}))
	})

	t.Run("null matches null on a null-safe leg", func(t *testing.T) {
		h := newHarness(t, smallLeg{name: "s", nullSafe: true, rows: []pair{{nil, "n"}, {1, "a"}}})
		assert.Equal(t, []key.Row{{"x", "n"}}, h.run(t, key.Row{nil, "x"}))
	})

	t.Run("null-safe is per leg", func(t *testing.T) {
		h := newHarness(t,
			smallLeg{name: "a", nullSafe: true, rows: []pair{{nil, "an"}}},
			smallLeg{name: "b", outer: true, rows: []pair{{nil, "bn"}}},
		)
		assert.Equal(t, []key.Row{{"x", "an", nil}}, h.run(t, key.Row{nil, "x"}))
	})
}

func TestWideningKeyTypes(t *testing.T) {
	h := newHarness(t, smallLeg{name: "s", rows: []pair{{int64(7), "seven"}}})
	assert.Equal(t, []key.Row{{"x", "seven"}}, h.run(t, key.Row{int32(7), "x"}))
}

func TestResidualFilter(t *testing.T) {
	notB := func(v key.Row) bool { return v[0] != "b" }

	t.Run("inner leg keeps passing tuples only", func(t *testing.T) {
		h := newHarness(t, smallLeg{name: "s", filter: notB, rows: []pair{{1, "a"}, {1, "b"}}})
		assert.Equal(t, []key.Row{{"x", "a"}}, h.run(t, key.Row{1, "x"}))
	})

	t.Run("inner leg with every tuple filtered drops the row", func(t *testing.T) {
		h := newHarness(t, smallLeg{name: "s", filter: notB, rows: []pair{{1, "b"}, {1, "b"}}})
		assert.Empty(t, h.run(t, key.Row{1, "x"}))
	})

	t.Run("outer leg with every tuple filtered pads exactly once", func(t *testing.T) {
		h := newHarness(t, smallLeg{name: "s", outer: true, filter: notB, rows: []pair{{1, "b"}, {1, "b"}, {1, "b"}}})
		assert.Equal(t, []key.Row{{"x", nil}}, h.run(t, key.Row{1, "x"}))
	})
}

func TestRowsFromOtherLegsAreIgnored(t *testing.T) {
	h := newHarness(t, smallLeg{name: "s", rows: []pair{{1, "a"}}})

	require.NoError(t, h.driver.OnRow(context.Background(), key.Row{1, "x"}, 1))
	assert.Empty(t, h.sink.rows)
	assert.Equal(t, int64(1), h.driver.Stats().RowsIgnored)
	assert.Equal(t, join.Uninitialized, h.driver.State())
}

func TestStateMachine(t *testing.T) {
	h := newHarness(t, smallLeg{name: "s", rows: []pair{{1, "a"}}})
	d := h.driver
	assert.Equal(t, join.Uninitialized, d.State())

	require.NoError(t, d.OnFirstRow())
	assert.Equal(t, join.MetadataReady, d.State())
	require.NoError(t, d.OnFirstRow())
	assert.Equal(t, join.MetadataReady, d.State())

	require.NoError(t, d.OnInputSourceChanged(context.Background()))
	assert.Equal(t, join.TablesLoaded, d.State())

	h.run(t, key.Row{1, "x"})
	assert.Equal(t, join.Streaming, d.State())

	require.NoError(t, d.Close(false))
	assert.Equal(t, join.Closed, d.State())
	require.NoError(t, d.Close(false))

	assert.ErrorIs(t, d.OnRow(context.Background(), key.Row{1, "x"}, 0), join.ErrClosed)
	assert.ErrorIs(t, d.OnInputSourceChanged(context.Background()), join.ErrClosed)

	snap := h.counters.Snapshot()
	assert.Equal(t, int64(1), snap.RowsIn)
	assert.Equal(t, int64(1), snap.RowsOut)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "TablesLoaded", join.TablesLoaded.String())
	assert.Equal(t, "State(9)", join.State(9).String())
}

// countingLoader counts how often the tables are actually built.
type countingLoader struct {
	inner loader.Loader
	calls int
}

func (c *countingLoader) Load(
	ctx context.Context, exec loader.ExecContext, op *plan.Operator, codecs []*codec.SerDeContext,
) ([]table.Leg, error) {
	c.calls++
	return c.inner.Load(ctx, exec, op, codecs)
}

func TestChangeInsensitiveReusesTablesWithinTask(t *testing.T) {
	s := smallLeg{name: "s", rows: []pair{{1, "a"}}}
	op := newOperator(s)
	inputs := encodeInputs(t, op, s)
	svc := cache.NewMemoryService()
	counting := &countingLoader{inner: loader.New()}

	first := newHarnessFor(t, op, inputs, svc, counting)
	require.NoError(t, first.driver.OnInputSourceChanged(context.Background()))
	require.NoError(t, first.driver.OnInputSourceChanged(context.Background()))
	assert.Equal(t, []key.Row{{"x", "a"}}, first.run(t, key.Row{1, "x"}))
	require.NoError(t, first.driver.Close(false))
	assert.Equal(t, 1, counting.calls)

	second := newHarnessFor(t, op, inputs, svc, counting)
	assert.Equal(t, []key.Row{{"y", "a"}}, second.run(t, key.Row{1, "y"}))
	assert.Equal(t, 1, counting.calls, "the second invocation is served from the task cache")
	assert.Equal(t, 1, second.driver.Stats().CacheHits)
	assert.Equal(t, 0, second.driver.Stats().Loads)
}

func TestChangeSensitiveAlwaysRebuilds(t *testing.T) {
	s := smallLeg{name: "s", rows: []pair{{1, "a"}}}
	op := newOperator(s)
	op.ChangeSensitive = true
	inputs := encodeInputs(t, op, s)
	svc := cache.NewMemoryService()
	counting := &countingLoader{inner: loader.New()}

	first := newHarnessFor(t, op, inputs, svc, counting)
	require.NoError(t, first.driver.OnInputSourceChanged(context.Background()))
	require.NoError(t, first.driver.OnInputSourceChanged(context.Background()))
	assert.Equal(t, 2, counting.calls)
	require.NoError(t, first.driver.Close(false))

	// The source changed between invocations; the rebuild must see it.
	changed := smallLeg{name: "s", rows: []pair{{1, "b"}}}
	second := newHarnessFor(t, op, encodeInputs(t, op, changed), svc, counting)
	assert.Equal(t, []key.Row{{"y", "b"}}, second.run(t, key.Row{1, "y"}))
	assert.Equal(t, 3, counting.calls)
	assert.Equal(t, 1, svc.Len(), "the rebuild overwrites the cached entry")
}

func TestMemoryBudgetExceededIsFatalWithCodeOne(t *testing.T) {
	rows := make([]pair, 200)
	for i := range rows {
		rows[i] = pair{i, fmt.Sprintf("value-%d", i)}
	}
	s := smallLeg{name: "s", rows: rows}
	op := newOperator(s)
	op.MemoryBudget = 2048
	h := newHarnessFor(t, op, encodeInputs(t, op, s), cache.NewMemoryService(), nil)

	err := h.driver.OnRow(context.Background(), key.Row{1, "x"}, 0)
	require.Error(t, err)
	assert.True(t, joinerrors.IsMemoryBudgetExceeded(err))

	assert.Empty(t, h.sink.rows, "no output for the task")
	assert.Equal(t, join.Closed, h.driver.State())
	assert.Equal(t, joinerrors.FatalCodeMemoryBudgetExceeded, h.driver.FatalCode())
	assert.Equal(t,
		"Operator MAPJOIN_11 (id=11): broadcast join exceeds available memory. "+
			"Please try disabling the broadcast join strategy.",
		h.driver.FatalMessage())

	snap := h.counters.Snapshot()
	assert.Equal(t, 1, snap.FatalCode)
	assert.Equal(t, []string{h.driver.FatalMessage()}, snap.Messages)
	assert.Equal(t, 0, h.cache.Len())

	assert.ErrorIs(t, h.driver.OnRow(context.Background(), key.Row{1, "x"}, 0), join.ErrClosed)
}

func TestDecodeFailureIsFatalWithCodeZero(t *testing.T) {
	op := newOperator(smallLeg{name: "s"})
	h := newHarnessFor(t, op, loader.MapInputs{"s": []byte("not arrow")}, cache.NewMemoryService(), nil)

	err := h.driver.OnInputSourceChanged(context.Background())
	require.ErrorIs(t, err, joinerrors.ErrDecode)
	assert.Equal(t, joinerrors.FatalCodeNone, h.driver.FatalCode())
	assert.True(t, strings.HasPrefix(h.driver.FatalMessage(), "Operator MAPJOIN_11 (id=11): "))
	assert.Equal(t, 0, h.counters.FatalCode())
	assert.Len(t, h.counters.Messages(), 1)
}

func TestUnsupportedKeyValueIsConfigurationError(t *testing.T) {
	h := newHarness(t, smallLeg{name: "s", rows: []pair{{1, "a"}}})

	err := h.driver.OnRow(context.Background(), key.Row{struct{}{}, "x"}, 0)
	assert.ErrorIs(t, err, joinerrors.ErrConfiguration)
	assert.Equal(t, join.Closed, h.driver.State())
}

func TestCollectorErrorIsReturnedAsIs(t *testing.T) {
	s := smallLeg{name: "s", rows: []pair{{1, "a"}, {1, "b"}}}
	op := newOperator(s)
	full := errors.New("downstream full")
	var got []key.Row

	d, err := join.New(op, join.Dependencies{
		Exec: loader.ExecContext{TaskID: "t", Inputs: encodeInputs(t, op, s)},
		Collector: join.CollectorFunc(func(row key.Row) error {
			got = append(got, row)
			return full
		}),
	})
	require.NoError(t, err)

	err = d.OnRow(context.Background(), key.Row{1, "x"}, 0)
	assert.Equal(t, full, err)
	assert.Len(t, got, 1)
	assert.Equal(t, 0, d.FatalCode())
	assert.Equal(t, join.Streaming, d.State(), "a collector error is not a join failure")
}

func TestCloseReleasesTables(t *testing.T) {
	s := smallLeg{name: "s", rows: []pair{{1, "a"}}}
	op := newOperator(s)
	inputs := encodeInputs(t, op, s)

	t.Run("abort clears the operator's tables", func(t *testing.T) {
		svc := cache.NewMemoryService()
		h := newHarnessFor(t, op, inputs, svc, nil)
		require.NoError(t, h.driver.OnInputSourceChanged(context.Background()))

		entry, ok := svc.Retrieve(cache.ID{TaskID: "attempt_0", OperatorID: op.ID})
		require.True(t, ok)
		small, ok := entry.Legs[1].(table.SmallLeg)
		require.True(t, ok)
		tbl := small.Table
		require.Equal(t, 1, tbl.Len())

		require.NoError(t, h.driver.Close(true))
		assert.Equal(t, 0, tbl.Len())
		assert.Equal(t, 0, svc.Len())
	})

	t.Run("normal close keeps the task cache", func(t *testing.T) {
		svc := cache.NewMemoryService()
		h := newHarnessFor(t, op, inputs, svc, nil)
		require.NoError(t, h.driver.OnInputSourceChanged(context.Background()))
		require.NoError(t, h.driver.Close(false))
		assert.Equal(t, 1, svc.Len())

		assert.Equal(t, 1, svc.ReleaseTask("attempt_0"))
	})
}

func TestAbortLeavesSiblingOperatorsStreaming(t *testing.T) {
	s := smallLeg{name: "s", rows: []pair{{1, "a"}}}
	svc := cache.NewMemoryService()

	streaming := newOperator(s)
	streaming.ID = 22
	inputs := encodeInputs(t, streaming, s)
	b := newHarnessFor(t, streaming, inputs, svc, nil)
	assert.Equal(t, []key.Row{{"x", "a"}}, b.run(t, key.Row{1, "x"}))

	t.Run("sibling closes with abort", func(t *testing.T) {
		aborting := newOperator(s)
		aborting.ID = 33
		a := newHarnessFor(t, aborting, inputs, svc, nil)
		require.NoError(t, a.driver.OnInputSourceChanged(context.Background()))
		require.NoError(t, a.driver.Close(true))

		_, ok := svc.Retrieve(cache.ID{TaskID: "attempt_0", OperatorID: 33})
		assert.False(t, ok)
	})

	t.Run("sibling fails on its memory budget", func(t *testing.T) {
		failing := newOperator(s)
		failing.ID = 44
		failing.MemoryBudget = 1
		f := newHarnessFor(t, failing, inputs, svc, nil)
		require.Error(t, f.driver.OnInputSourceChanged(context.Background()))
		assert.Equal(t, join.Closed, f.driver.State())
	})

	require.NoError(t, b.driver.OnRow(context.Background(), key.Row{1, "y"}, 0))
	assert.Equal(t, []key.Row{{"x", "a"}, {"y", "a"}}, b.sink.rows)
	assert.Equal(t, join.Streaming, b.driver.State())
	_, ok := svc.Retrieve(cache.ID{TaskID: "attempt_0", OperatorID: 22})
	assert.True(t, ok)
}

func TestNewValidates(t *testing.T) {
	op := newOperator()
	_, err := join.New(op, join.Dependencies{Collector: &rowSink{}})
	assert.ErrorIs(t, err, joinerrors.ErrConfiguration)

	op = newOperator(smallLeg{name: "s"})
	_, err = join.New(op, join.Dependencies{})
	assert.ErrorIs(t, err, joinerrors.ErrConfiguration)
}

func TestTraceProbes(t *testing.T) {
	s := smallLeg{name: "s", rows: []pair{{1, "a"}}}
	op := newOperator(s)

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: join.LevelTrace}))
	d, err := join.New(op, join.Dependencies{
		Exec:      loader.ExecContext{TaskID: "t", Inputs: encodeInputs(t, op, s)},
		Collector: &rowSink{},
	}, join.WithLogger(logger), join.WithTraceProbes(true))
	require.NoError(t, err)

	require.NoError(t, d.OnRow(context.Background(), key.Row{1, "x"}, 0))
	assert.Contains(t, buf.String(), "msg=probe")
	assert.Contains(t, buf.String(), "key=(1)")
	assert.Contains(t, buf.String(), "emitted=1")

	buf.Reset()
	quiet := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	d, err = join.New(op, join.Dependencies{
		Exec:      loader.ExecContext{TaskID: "t", Inputs: encodeInputs(t, op, s)},
		Collector: &rowSink{},
	}, join.WithLogger(quiet), join.WithTraceProbes(true))
	require.NoError(t, err)
	require.NoError(t, d.OnRow(context.Background(), key.Row{1, "x"}, 0))
	assert.NotContains(t, buf.String(), "probe")
}
