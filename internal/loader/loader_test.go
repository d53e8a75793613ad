package loader_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/paveg/broadcastjoin/internal/codec"
	"github.com/paveg/broadcastjoin/internal/config"
	joinerrors "github.com/paveg/broadcastjoin/internal/errors"
	"github.com/paveg/broadcastjoin/internal/key"
	"github.com/paveg/broadcastjoin/internal/loader"
	"github.com/paveg/broadcastjoin/internal/memory"
	"github.com/paveg/broadcastjoin/internal/monitoring"
	"github.com/paveg/broadcastjoin/internal/plan"
	"github.com/paveg/broadcastjoin/internal/table"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stringValue(name string) codec.Descriptor {
	return codec.Descriptor{Fields: []codec.Field{{Name: name, Type: codec.TypeString}}}
}

// threeWay joins big leg 1 with small legs 0 and 2.
func threeWay() *plan.Operator {
	return &plan.Operator{
		ID:     1,
		Name:   "join",
		BigLeg: 1,
		Key:    codec.Descriptor{Fields: []codec.Field{{Name: "k", Type: codec.TypeInt64}}},
		Legs: []plan.Leg{
			{Input: "a", Value: stringValue("a")},
			{KeyColumns: []int{0}},
			{Input: "b", Value: stringValue("b")},
		},
	}
}

func encode(t *testing.T, sc *codec.SerDeContext, pairs ...any) []byte {
	t.Helper()
	records := make([]codec.Record, 0, len(pairs)/2)
	for i := 0; i < len(pairs); i += 2 {
		records = append(records, codec.Record{Key: key.Row{pairs[i]}, Value: key.Row{pairs[i+1]}})
	}
	data, err := sc.EncodeBytes(records)
	require.NoError(t, err)
	return data
}

func fixture(t *testing.T) (*plan.Operator, []*codec.SerDeContext, loader.MapInputs) {
	t.Helper()
	op := threeWay()
	codecs, err := op.Codecs()
	require.NoError(t, err)
	inputs := loader.MapInputs{
		"a": encode(t, codecs[0], int64(1), "a1", int64(1), "a2", int64(2), "a3"),
		"b": encode(t, codecs[1], int64(2), "b2"),
	}
	return op, codecs, inputs
}

func TestLoadBuildsEverySmallLeg(t *testing.T) {
	for _, parallelism := range []int{1, 2} {
		op, codecs, inputs := fixture(t)
		metrics := monitoring.NewMetricsCollector(true)
		l := loader.New(loader.WithParallelism(parallelism), loader.WithMetrics(metrics))

		legs, err := l.Load(context.Background(), loader.ExecContext{TaskID: "t1", Inputs: inputs}, op, codecs)
		require.NoError(t, err)
		require.Len(t, legs, 3)

		assert.IsType(t, table.BigLeg{}, legs[1])
		a, ok := legs[0].(table.SmallLeg)
		require.True(t, ok)
		b, ok := legs[2].(table.SmallLeg)
		require.True(t, ok)

		assert.Equal(t, 2, a.Table.Len())
		assert.Equal(t, 2, a.Table.Get(key.MustNew(1)).Len())
		assert.Equal(t, 1, b.Table.Len())

		recorded := metrics.GetMetrics()
		require.Len(t, recorded, 2)
		for _, m := range recorded {
			assert.Equal(t, "build", m.Operation)
			assert.Equal(t, parallelism > 1, m.Parallel)
			assert.False(t, m.Failed)
		}
	}
}

func TestLoadAbsentInputIsEmptyTable(t *testing.T) {
	op, codecs, inputs := fixture(t)
	delete(inputs, "b")

	legs, err := loader.New().Load(context.Background(), loader.ExecContext{Inputs: inputs}, op, codecs)
	require.NoError(t, err)

	b, ok := legs[2].(table.SmallLeg)
	require.True(t, ok)
	assert.Equal(t, 0, b.Table.Len())
}

type failingInputs struct {
	loader.Inputs
	fail string
}

func (f failingInputs) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	if name == f.fail {
		return nil, errors.New("connection reset")
	}
	return f.Inputs.Open(ctx, name)
}

func TestLoadSourceUnavailable(t *testing.T) {
	op, codecs, inputs := fixture(t)

	_, err := loader.New().Load(context.Background(),
		loader.ExecContext{Inputs: failingInputs{Inputs: inputs, fail: "b"}}, op, codecs)
	require.Error(t, err)
	assert.ErrorIs(t, err, joinerrors.ErrSourceUnavailable)

	var je *joinerrors.JoinError
	require.ErrorAs(t, err, &je)
	assert.Equal(t, 2, je.Leg)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestLoadAbortsOnFirstDecodeFailure(t *testing.T) {
	op, codecs, inputs := fixture(t)
	inputs["b"] = []byte("garbage")

	metrics := monitoring.NewMetricsCollector(true)
	legs, err := loader.New(loader.WithMetrics(metrics)).Load(context.Background(),
		loader.ExecContext{Inputs: inputs}, op, codecs)
	require.Error(t, err)
	assert.Nil(t, legs, "no partial set of tables is returned")
	assert.ErrorIs(t, err, joinerrors.ErrDecode)

	summary := metrics.GetSummary()
	assert.Equal(t, 1, summary.Failures)
}

func TestLoadSharedMemoryBudget(t *testing.T) {
	op, codecs, inputs := fixture(t)

	// Each table alone fits; both together do not.
	one, _, err := codecs[0].Build(context.Background(), nil, codec.BuildOptions{})
	require.NoError(t, err)
	op.MemoryBudget = one.SizeBytes()*2 + 64

	l := loader.New(loader.WithInitialCapacity(0))
	_, err = l.Load(context.Background(), loader.ExecContext{Inputs: inputs}, op, codecs)
	require.Error(t, err)
	assert.Equal(t, joinerrors.FatalCodeMemoryBudgetExceeded, joinerrors.FatalCode(err))
}

func TestLoadDefaultBudgetFromConfig(t *testing.T) {
	op, codecs, inputs := fixture(t)

	cfg := config.NewConfig()
	cfg.MemoryBudget = 100
	var logs bytes.Buffer
	l := loader.NewFromConfig(cfg, loader.WithLogger(slog.New(slog.NewTextHandler(&logs, nil))))
	_, err := l.Load(context.Background(), loader.ExecContext{Inputs: inputs}, op, codecs)
	assert.True(t, joinerrors.IsMemoryBudgetExceeded(err))
	assert.Contains(t, logs.String(), "small table load aborted")
	assert.Contains(t, logs.String(), "remaining_bytes=0")

	op.MemoryBudget = 1 << 20
	_, err = loader.NewFromConfig(cfg).Load(context.Background(), loader.ExecContext{Inputs: inputs}, op, codecs)
	assert.NoError(t, err, "the operator's own budget wins")
}

func TestNewUsesGlobalConfig(t *testing.T) {
	op, codecs, inputs := fixture(t)

	saved := config.GetGlobalConfig()
	defer config.SetGlobalConfig(saved)

	cfg := config.NewConfig()
	cfg.MemoryBudget = 100
	config.SetGlobalConfig(cfg)

	_, err := loader.New().Load(context.Background(), loader.ExecContext{Inputs: inputs}, op, codecs)
	assert.True(t, joinerrors.IsMemoryBudgetExceeded(err))

	l := loader.New(loader.WithDefaultBudget(0))
	_, err = l.Load(context.Background(), loader.ExecContext{Inputs: inputs}, op, codecs)
	assert.NoError(t, err, "options override the global configuration")
}

func TestLoadConfigurationErrors(t *testing.T) {
	op, codecs, inputs := fixture(t)
	l := loader.New()

	_, err := l.Load(context.Background(), loader.ExecContext{}, op, codecs)
	assert.ErrorIs(t, err, joinerrors.ErrConfiguration)

	_, err = l.Load(context.Background(), loader.ExecContext{Inputs: inputs}, op, codecs[:1])
	assert.ErrorIs(t, err, joinerrors.ErrConfiguration)

	bigCodec, err := codec.NewSerDeContext(op.BigLeg, op.Key, stringValue("x"))
	require.NoError(t, err)
	_, err = l.Load(context.Background(), loader.ExecContext{Inputs: inputs}, op,
		[]*codec.SerDeContext{codecs[0], bigCodec})
	assert.ErrorIs(t, err, joinerrors.ErrConfiguration)
}

func TestLoadCancelled(t *testing.T) {
	op, codecs, inputs := fixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := loader.New(loader.WithParallelism(2)).Load(ctx, loader.ExecContext{Inputs: inputs}, op, codecs)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLoadReleasesArrowBuffers(t *testing.T) {
	op, codecs, inputs := fixture(t)
	mem := memory.NewAllocator()

	_, err := loader.New(loader.WithAllocator(mem)).Load(context.Background(),
		loader.ExecContext{Inputs: inputs}, op, codecs)
	require.NoError(t, err)
	mem.AssertSize(t, 0)
}

func TestMapInputs(t *testing.T) {
	inputs := loader.MapInputs{"x": []byte("hello")}

	rc, err := inputs.Open(context.Background(), "x")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	_, err = inputs.Open(context.Background(), "y")
	assert.ErrorIs(t, err, loader.ErrNoInput)
}

func TestDirInputs(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "dim.arrow"), []byte("bytes"), 0o600))
	inputs := loader.DirInputs{Root: dir}

	rc, err := inputs.Open(context.Background(), "dim.arrow")
	require.NoError(t, err)
	require.NoError(t, rc.Close())

	_, err = inputs.Open(context.Background(), "missing.arrow")
	assert.ErrorIs(t, err, loader.ErrNoInput)

	_, err = inputs.Open(context.Background(), "../escape")
	require.Error(t, err)
	assert.NotErrorIs(t, err, loader.ErrNoInput)
}
