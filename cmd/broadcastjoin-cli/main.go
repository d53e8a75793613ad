package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/paveg/broadcastjoin"
	"github.com/paveg/broadcastjoin/internal/version"
)

func customUsage() {
	fmt.Fprintf(os.Stderr, "Broadcast Join Operator CLI (version %s)\n\n", version.Version)
	fmt.Fprintf(os.Stderr, "Usage: broadcastjoin-cli [options]\n\n")
	fmt.Fprintf(os.Stderr, "Options:\n")
	fmt.Fprintf(os.Stderr, "  --demo\n\t\tRun a three-way join over generated data\n")
	fmt.Fprintf(os.Stderr, "  --benchmark\n\t\tTime table builds and probes over generated data\n")
	fmt.Fprintf(os.Stderr, "  --rows N\n\t\tBig-leg rows to stream (default: 20 for demo, 1000000 for benchmark)\n")
	fmt.Fprintf(os.Stderr, "  --keys N\n\t\tDistinct keys per small table (default: 10 for demo, 100000 for benchmark)\n")
	fmt.Fprintf(os.Stderr, "  --format NAME\n\t\tWire format of the small inputs: arrow-ipc, parquet or csv\n")
	fmt.Fprintf(os.Stderr, "  --config FILE\n\t\tRuntime configuration (JSON or YAML); BROADCASTJOIN_* variables otherwise\n")
	fmt.Fprintf(os.Stderr, "  --plan FILE\n\t\tOperator descriptor to validate (JSON or YAML)\n")
	fmt.Fprintf(os.Stderr, "  --monitor PORT\n\t\tServe metrics and counters on PORT while running\n")
	fmt.Fprintf(os.Stderr, "  -v, --version\n\t\tPrint version information and exit\n")
	fmt.Fprintf(os.Stderr, "  -h, --help\n\t\tShow this help message and exit\n")
}

type options struct {
	rows    int
	keys    int
	format  string
	config  string
	monitor int
}

func main() {
	versionFlag := flag.Bool("v", false, "Print version and exit")
	flag.BoolVar(versionFlag, "version", false, "Print version and exit") // alias
	demoFlag := flag.Bool("demo", false, "Run a three-way join over generated data")
	benchmarkFlag := flag.Bool("benchmark", false, "Time table builds and probes over generated data")
	planFlag := flag.String("plan", "", "Operator descriptor to validate")

	var opts options
	flag.IntVar(&opts.rows, "rows", 0, "Big-leg rows to stream")
	flag.IntVar(&opts.keys, "keys", 0, "Distinct keys per small table")
	flag.StringVar(&opts.format, "format", broadcastjoin.FormatArrowIPC, "Wire format of the small inputs")
	flag.StringVar(&opts.config, "config", "", "Runtime configuration file")
	flag.IntVar(&opts.monitor, "monitor", 0, "Serve metrics and counters on this port")

	//nolint:reassign // Standard Go pattern for customizing flag usage message
	flag.Usage = customUsage

	flag.Parse()

	if *versionFlag {
		fmt.Print(version.Info().String())
		return
	}

	cfg, err := loadConfig(opts.config)
	if err == nil {
		err = broadcastjoin.SetDefaultConfig(cfg)
	}
	if err != nil {
		log.Printf("Error: %v", err)
		os.Exit(1)
	}

	switch {
	case *planFlag != "":
		err = validatePlan(*planFlag)
	case *demoFlag:
		if opts.rows == 0 {
			opts.rows = 20
		}
		if opts.keys == 0 {
			opts.keys = 10
		}
		err = runDemo(opts)
	case *benchmarkFlag:
		if opts.rows == 0 {
			opts.rows = 1_000_000
		}
		if opts.keys == 0 {
			opts.keys = 100_000
		}
		err = runBenchmark(opts)
	default:
		flag.Usage()
		os.Exit(1)
	}
	if err != nil {
		log.Printf("Error: %v", err)
		os.Exit(1)
	}
}

func validatePlan(path string) error {
	p, err := broadcastjoin.LoadPlan(path)
	if err != nil {
		return err
	}
	p.ApplyDefaultFormat(broadcastjoin.DefaultConfig().DefaultFormat)
	if err := p.Validate(); err != nil {
		return err
	}
	if _, err := p.Codecs(); err != nil {
		return err
	}
	fmt.Printf("%s: %d legs, big leg %d, %d key fields\n", p, len(p.Legs), p.BigLeg, p.Key.Width())
	return nil
}

func loadConfig(path string) (broadcastjoin.Config, error) {
	if path == "" {
		return broadcastjoin.LoadConfigFromEnv(), nil
	}
	return broadcastjoin.LoadConfig(path)
}

// demoPlan joins a streamed orders leg against an inner customers leg and an
// outer regions leg on customer id.
func demoPlan(format string) *broadcastjoin.Plan {
	value := func(name string) broadcastjoin.Descriptor {
		return broadcastjoin.Descriptor{
			Format: format,
			Fields: []broadcastjoin.Field{{Name: name, Type: broadcastjoin.TypeString}},
		}
	}
	return &broadcastjoin.Plan{
		ID:     1,
		Name:   "MAPJOIN_1",
		BigLeg: 0,
		Key: broadcastjoin.Descriptor{Fields: []broadcastjoin.Field{
			{Name: "customer_id", Type: broadcastjoin.TypeInt64},
		}},
		Legs: []broadcastjoin.Leg{
			{KeyColumns: []int{1}, ValueColumns: []int{0, 2}},
			{Input: "customers", Value: value("customer")},
			{Input: "regions", Outer: true, Value: value("region")},
		},
	}
}

// demoInputs generates keys customers, two rows per key for even keys, and a
// region for every third key.
func demoInputs(p *broadcastjoin.Plan, keys int) (broadcastjoin.MapInputs, error) {
	var customers, regions []broadcastjoin.Record
	for k := range keys {
		customers = append(customers, broadcastjoin.Record{
			Key:   broadcastjoin.Row{int64(k)},
			Value: broadcastjoin.Row{fmt.Sprintf("customer_%d", k)},
		})
		if k%2 == 0 {
			customers = append(customers, broadcastjoin.Record{
				Key:   broadcastjoin.Row{int64(k)},
				Value: broadcastjoin.Row{fmt.Sprintf("customer_%d_alt", k)},
			})
		}
		if k%3 == 0 {
			regions = append(regions, broadcastjoin.Record{
				Key:   broadcastjoin.Row{int64(k)},
				Value: broadcastjoin.Row{fmt.Sprintf("region_%d", k%4)},
			})
		}
	}

	c, err := broadcastjoin.EncodeSmallInput(p, 1, customers)
	if err != nil {
		return nil, err
	}
	r, err := broadcastjoin.EncodeSmallInput(p, 2, regions)
	if err != nil {
		return nil, err
	}
	return broadcastjoin.MapInputs{"customers": c, "regions": r}, nil
}

func newRuntime(opts options) (*broadcastjoin.Runtime, func(), error) {
	cfg := broadcastjoin.DefaultConfig()
	if opts.monitor > 0 {
		cfg.MetricsCollection = true
	}
	rt, err := broadcastjoin.NewRuntime(cfg)
	if err != nil {
		return nil, nil, err
	}
	if opts.monitor == 0 {
		return rt, func() {}, nil
	}

	server := rt.MonitoringServer(opts.monitor)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("monitoring server stopped", slog.Any("error", err))
		}
	}()
	fmt.Printf("Monitoring on http://localhost:%d/metrics\n", opts.monitor)
	return rt, func() { _ = server.Stop() }, nil
}

func runDemo(opts options) error {
	fmt.Println("Broadcast Join Demo")
	fmt.Println("===================")

	rt, stop, err := newRuntime(opts)
	if err != nil {
		return err
	}
	defer stop()

	p := demoPlan(opts.format)
	inputs, err := demoInputs(p, opts.keys)
	if err != nil {
		return err
	}

	task := rt.NewTask("demo_0", inputs)
	defer task.Close()

	op, err := task.NewOperator(p, broadcastjoin.CollectorFunc(func(row broadcastjoin.Row) error {
		fmt.Printf("  %v\n", row)
		return nil
	}))
	if err != nil {
		return err
	}

	ctx := context.Background()
	fmt.Printf("Streaming %d orders against %d customer keys (%s):\n", opts.rows, opts.keys, opts.format)
	for i := range opts.rows {
		// Customer ids past the generated keys have no match and are dropped.
		customer := int64(i % (opts.keys + opts.keys/3 + 1))
		row := broadcastjoin.Row{fmt.Sprintf("order_%d", i), customer, float64(i) * 9.5}
		if err := op.Process(ctx, row, 0); err != nil {
			return err
		}
	}
	if err := op.Close(false); err != nil {
		return err
	}

	stats := op.Stats()
	fmt.Printf("\nRows in: %d, rows out: %d, dropped: %d\n", stats.RowsIn, stats.RowsOut, stats.RowsDropped)
	fmt.Println("Demo completed successfully!")
	return nil
}

func runBenchmark(opts options) error {
	fmt.Println("Broadcast Join Benchmark")
	fmt.Println("========================")

	rt, stop, err := newRuntime(opts)
	if err != nil {
		return err
	}
	defer stop()

	p := demoPlan(opts.format)

	fmt.Printf("\nEncoding %d keys per small table (%s)...\n", opts.keys, opts.format)
	start := time.Now()
	inputs, err := demoInputs(p, opts.keys)
	if err != nil {
		return err
	}
	fmt.Printf("Encoding Time: %s\n", time.Since(start))

	task := rt.NewTask("benchmark_0", inputs)
	defer task.Close()

	var emitted int
	op, err := task.NewOperator(p, broadcastjoin.CollectorFunc(func(broadcastjoin.Row) error {
		emitted++
		return nil
	}))
	if err != nil {
		return err
	}

	ctx := context.Background()
	fmt.Println("\nBuilding small tables...")
	start = time.Now()
	if err := op.SourceChanged(ctx); err != nil {
		return err
	}
	fmt.Printf("Build Time: %s\n", time.Since(start))

	fmt.Printf("\nProbing %d big-leg rows...\n", opts.rows)
	start = time.Now()
	row := make(broadcastjoin.Row, 3)
	for i := range opts.rows {
		row[0], row[1], row[2] = "order", int64(i%opts.keys), float64(i)
		if err := op.Process(ctx, row, 0); err != nil {
			return err
		}
	}
	elapsed := time.Since(start)
	if err := op.Close(false); err != nil {
		return err
	}
	fmt.Printf("Probe Time: %s (%.0f rows/s, %d rows emitted)\n",
		elapsed, float64(opts.rows)/elapsed.Seconds(), emitted)

	summary := rt.Metrics()
	if summary.TotalOperations > 0 {
		fmt.Printf("Table Memory: %d bytes across %d builds\n", summary.TotalMemory, summary.OperationCounts["build"])
	}

	fmt.Println("\nBenchmark suite completed successfully!")
	return nil
}
