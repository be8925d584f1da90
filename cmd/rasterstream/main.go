package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"rasterstream/pkg/config"
	"rasterstream/pkg/filters"
	"rasterstream/pkg/metrics"
	"rasterstream/pkg/pipeline"
	"rasterstream/pkg/quicklook"
	"rasterstream/pkg/rawio"
	"rasterstream/pkg/region"
	"rasterstream/pkg/streaming"
	"rasterstream/pkg/verify"
	"rasterstream/pkg/writer"
)

type options struct {
	configPath  string
	input       string
	synthetic   string
	radius      int
	rescale     string
	output      string
	pixelType   string
	ram         string
	threads     int
	strategy    string
	box         string
	quicklook   string
	s3Bucket    string
	s3Key       string
	s3Region    string
	metricsAddr string
	verify      bool
	debug       bool
}

func main() {
	var opts options
	flag.StringVar(&opts.configPath, "config", "rasterstream.yaml", "YAML configuration file")
	flag.StringVar(&opts.input, "input", "", "Header of a raw raster to read")
	flag.StringVar(&opts.synthetic, "synthetic", "", "Generate a WxH[xB] gradient instead of reading an input")
	flag.IntVar(&opts.radius, "radius", 0, "Mean filter radius (0 disables smoothing)")
	flag.StringVar(&opts.rescale, "rescale", "", "Rescale every band linearly to MIN,MAX (needs the whole image)")
	flag.StringVar(&opts.output, "output", "", "Header path of the raw raster to write")
	flag.StringVar(&opts.pixelType, "pixel-type", "", "Sample type of the written raster")
	flag.StringVar(&opts.ram, "ram", "", "Memory budget of one piece, e.g. 256MiB")
	flag.IntVar(&opts.threads, "threads", 0, "Number of worker threads")
	flag.StringVar(&opts.strategy, "strategy", "", "Splitting strategy")
	flag.StringVar(&opts.box, "box", "", "Write only the X,Y,W,H sub-region")
	flag.StringVar(&opts.quicklook, "quicklook", "", "Save a preview image (.png, .tif or .jpg)")
	flag.StringVar(&opts.s3Bucket, "s3-bucket", "", "Upload the raster to this bucket")
	flag.StringVar(&opts.s3Key, "s3-key", "", "Object key of the uploaded header")
	flag.StringVar(&opts.s3Region, "s3-region", "us-east-1", "AWS region of the bucket")
	flag.StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	flag.BoolVar(&opts.verify, "verify", false, "Compare the streamed result with a single block computation")
	flag.BoolVar(&opts.debug, "debug", false, "Enable debug logging")
	flag.Parse()

	if (opts.input == "") == (opts.synthetic == "") {
		fmt.Fprintln(os.Stderr, "exactly one of -input and -synthetic is required")
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(opts.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if err := opts.apply(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid arguments: %v\n", err)
		os.Exit(1)
	}
	log, err := cfg.Logger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to set up logging: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, opts, log); err != nil {
		log.WithError(err).Error("rasterstream failed")
		os.Exit(1)
	}
}

// apply overrides configuration values with the flags that were set
func (o options) apply(cfg *config.Config) error {
	if o.ram != "" {
		cfg.Streaming.MemoryBudget = o.ram
	}
	if o.strategy != "" {
		cfg.Streaming.Strategy = o.strategy
	}
	if o.threads > 0 {
		cfg.Execution.NumThreads = o.threads
	}
	if o.pixelType != "" {
		cfg.Output.PixelType = o.pixelType
	}
	if o.metricsAddr != "" {
		cfg.Metrics.Addr = o.metricsAddr
	}
	if o.debug {
		cfg.Logging.Level = "debug"
	}
	return cfg.Validate()
}

func run(ctx context.Context, cfg *config.Config, opts options, log *logrus.Logger) error {
	exec, err := cfg.Executor(log)
	if err != nil {
		return err
	}
	manager, err := cfg.StreamingManager()
	if err != nil {
		return err
	}
	poOpts := []pipeline.Option{pipeline.WithExecutor(exec), pipeline.WithLogger(log)}

	out, stats, err := buildPipeline(opts, poOpts)
	if err != nil {
		return err
	}

	var sinks []writer.Sink
	switch {
	case opts.s3Bucket != "":
		sess, err := session.NewSession(&aws.Config{Region: aws.String(opts.s3Region)})
		if err != nil {
			return fmt.Errorf("error creating AWS session: %w", err)
		}
		s, err := rawio.NewS3Sink(s3.New(sess), opts.s3Bucket, opts.s3Key, rawio.PixelType(cfg.Output.PixelType))
		if err != nil {
			return err
		}
		sinks = append(sinks, s)
	case opts.output != "":
		s, err := rawio.NewSink(opts.output, rawio.PixelType(cfg.Output.PixelType))
		if err != nil {
			return err
		}
		sinks = append(sinks, s)
	}
	if opts.quicklook != "" {
		s, err := quicklook.NewSink(opts.quicklook, cfg.Output.QuicklookFactor, 0)
		if err != nil {
			return err
		}
		s.SetMaxSide(cfg.Output.QuicklookMaxSide)
		sinks = append(sinks, s)
	}
	var streamed *writer.MemorySink
	if opts.verify {
		streamed = writer.NewMemorySink()
		sinks = append(sinks, streamed)
	}
	if len(sinks) == 0 {
		sinks = append(sinks, &writer.DiscardSink{})
	}

	wOpts := []writer.Option{
		writer.WithManager(manager),
		writer.WithLogger(log),
		writer.WithObserver(&writer.LogObserver{Log: log}),
	}
	if opts.box != "" {
		box, err := parseBox(opts.box)
		if err != nil {
			return err
		}
		wOpts = append(wOpts, writer.WithBox(box))
	}

	var observer *metrics.Observer
	if cfg.Metrics.Addr != "" {
		if observer, err = metrics.New(nil); err != nil {
			return err
		}
		wOpts = append(wOpts, writer.WithObserver(observer))
	}

	w, err := writer.New(out, writer.NewTeeSink(sinks...), wOpts...)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	var srv *http.Server
	if observer != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", observer.Handler())
		srv = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			log.WithField("addr", cfg.Metrics.Addr).Info("serving metrics")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		if srv != nil {
			defer srv.Shutdown(context.WithoutCancel(gctx))
		}
		runStats, err := w.Update(gctx)
		if err != nil {
			return err
		}
		fmt.Printf("Wrote %s in %d pieces (%s, %s) in %.2f seconds\n",
			runStats.Extent, runStats.TilesWritten, runStats.Strategy, humanize.Bytes(runStats.Bytes), runStats.Duration.Seconds())
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	fmt.Println("\nBand statistics:")
	for b, s := range stats.Results() {
		fmt.Printf("  band %d: min=%g max=%g mean=%g std=%g count=%s\n",
			b, s.Min, s.Max, s.Mean, s.StdDev, humanize.Comma(int64(s.Count)))
	}

	if streamed != nil {
		return verifyAgainstSingleBlock(ctx, out, streamed, log)
	}
	return nil
}

// buildPipeline wires source -> [mean] -> [rescale] -> statistics
func buildPipeline(opts options, poOpts []pipeline.Option) (*pipeline.DataObject, *filters.StatisticsFilter, error) {
	var head *pipeline.ProcessObject
	if opts.input != "" {
		head = pipeline.NewProcessObject("reader", rawio.NewReader(opts.input), poOpts...)
	} else {
		extent, bands, err := parseSynthetic(opts.synthetic)
		if err != nil {
			return nil, nil, err
		}
		src, err := filters.NewSyntheticSource(extent, bands, filters.Gradient)
		if err != nil {
			return nil, nil, err
		}
		head = pipeline.NewProcessObject("synthetic", src, poOpts...)
	}

	chain := func(name string, f pipeline.Filter) error {
		po := pipeline.NewProcessObject(name, f, poOpts...)
		if err := po.SetInput(0, head.Output()); err != nil {
			return err
		}
		head = po
		return nil
	}
	if opts.radius > 0 {
		mean, err := filters.NewMeanFilter(opts.radius)
		if err != nil {
			return nil, nil, err
		}
		if err := chain("mean", mean); err != nil {
			return nil, nil, err
		}
	}
	if opts.rescale != "" {
		lo, hi, err := parseRange(opts.rescale)
		if err != nil {
			return nil, nil, err
		}
		rescale, err := filters.NewRescaleFilter(lo, hi)
		if err != nil {
			return nil, nil, err
		}
		if err := chain("rescale", rescale); err != nil {
			return nil, nil, err
		}
	}
	stats := filters.NewStatisticsFilter()
	if err := chain("statistics", stats); err != nil {
		return nil, nil, err
	}
	return head.Output(), stats, nil
}

// verifyAgainstSingleBlock recomputes the written extent in one piece and
// compares it with what was streamed
func verifyAgainstSingleBlock(ctx context.Context, out *pipeline.DataObject, streamed *writer.MemorySink, log logrus.FieldLogger) error {
	single := writer.NewMemorySink()
	w, err := writer.New(out, single,
		writer.WithManager(streaming.NewRAMManager(^uint64(0))),
		writer.WithBox(streamed.Buffer().Region()),
		writer.WithLogger(log))
	if err != nil {
		return err
	}
	if _, err := w.Update(ctx); err != nil {
		return fmt.Errorf("error computing reference: %w", err)
	}

	bands, err := verify.Compare(single.Buffer(), streamed.Buffer(), streamed.Buffer().Region())
	if err != nil {
		return err
	}
	fmt.Println("\nVerification against a single block computation:")
	mismatch := false
	for _, m := range bands {
		fmt.Printf("  %s\n", m)
		if !m.Identical(1e-9) {
			mismatch = true
		}
	}
	if mismatch {
		return errors.New("streamed output differs from the single block computation")
	}
	return nil
}

// parseSynthetic reads "WxH" or "WxHxB"
func parseSynthetic(s string) (region.Region, int, error) {
	parts := strings.Split(strings.ToLower(s), "x")
	if len(parts) != 2 && len(parts) != 3 {
		return region.Region{}, 0, fmt.Errorf("invalid synthetic size %q, expected WxH or WxHxB", s)
	}
	n := make([]int, 3)
	n[2] = 1
	for i, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || v <= 0 {
			return region.Region{}, 0, fmt.Errorf("invalid synthetic size %q", s)
		}
		n[i] = v
	}
	return region.New2D(0, 0, n[0], n[1]), n[2], nil
}

// parseBox reads "X,Y,W,H"
func parseBox(s string) (region.Region, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return region.Region{}, fmt.Errorf("invalid box %q, expected X,Y,W,H", s)
	}
	n := make([]int, 4)
	for i, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return region.Region{}, fmt.Errorf("invalid box %q: %w", s, err)
		}
		n[i] = v
	}
	if n[2] < 0 || n[3] < 0 {
		return region.Region{}, fmt.Errorf("invalid box %q: negative size", s)
	}
	return region.New2D(n[0], n[1], n[2], n[3]), nil
}

// parseRange reads "MIN,MAX"
func parseRange(s string) (float64, float64, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid range %q, expected MIN,MAX", s)
	}
	lo, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid range %q: %w", s, err)
	}
	hi, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid range %q: %w", s, err)
	}
	return lo, hi, nil
}
