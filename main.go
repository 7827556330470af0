package main

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"medquery-go/config"
	"medquery-go/logging"
	"medquery-go/operators"
	"medquery-go/operators/project"
	"medquery-go/query"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type flags struct {
	envFile     string
	source      string
	snapshot    string
	requests    string
	options     bool
	metricsAddr string
}

func main() {
	var f flags
	flag.StringVar(&f.envFile, "env", ".env", "dotenv file with the object storage credentials")
	flag.StringVar(&f.source, "source", "", "overrides data.source")
	flag.StringVar(&f.snapshot, "snapshot", "", "write an Arrow snapshot of the loaded records to this path (object key for remote storage)")
	flag.StringVar(&f.requests, "requests", "", "file of JSON requests, one per line, or - for stdin; empty runs the default dashboard once")
	flag.BoolVar(&f.options, "options", false, "print the filter options of the loaded records and exit")
	flag.StringVar(&f.metricsAddr, "metrics-addr", ":9464", "listen address for /metrics when metrics.enable_metrics is set")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] [config.yaml]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() > 0 {
		if err := config.Decode(flag.Arg(0)); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
	}
	if err := config.LoadSecrets(f.envFile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	cfg := config.GetConfig()
	if f.source != "" {
		cfg.Data.Source = f.source
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger, err := logging.New(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, f, logger); err != nil {
		level.Error(logger).Log("msg", "exiting", "err", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, f flags, logger log.Logger) error {
	var store project.ObjectStore
	if cfg.Storage.Backend != "local" {
		s, err := project.NewObjectStore(cfg.Storage.Backend, cfg.Storage.UseSSL, cfg.Secrets)
		if err != nil {
			return err
		}
		store = s
	}

	rs, err := load(ctx, cfg, store, logger)
	if err != nil {
		return err
	}
	if cfg.Data.MirrorDSN != "" {
		if err := mirror(ctx, cfg, rs, logger); err != nil {
			return err
		}
	}
	if f.snapshot != "" {
		if err := snapshot(ctx, rs, store, f.snapshot); err != nil {
			return err
		}
		level.Info(logger).Log("msg", "wrote snapshot", "dest", f.snapshot, "rows", rs.Len())
	}

	opts := []query.Option{
		query.WithLogger(logger),
		query.WithMaxConcurrent(cfg.Query.MaxConcurrentQueries),
	}
	if cfg.Metrics.EnableMetrics {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		opts = append(opts, query.WithMetrics(query.NewMetrics(reg, cfg.Metrics.Namespace)))
		serveMetrics(ctx, f.metricsAddr, reg, logger)
	}
	facade, err := query.New(rs, opts...)
	if err != nil {
		return err
	}

	out := json.NewEncoder(os.Stdout)
	if f.options {
		return out.Encode(facade.Options())
	}
	if f.requests == "" {
		res, err := facade.Run(ctx, query.DefaultRequest(cfg))
		if err != nil {
			return err
		}
		return out.Encode(res)
	}
	return serveRequests(ctx, facade, f.requests, out, logger)
}

func load(ctx context.Context, cfg *config.Config, store project.ObjectStore, logger log.Logger) (*operators.RecordSet, error) {
	var format project.Format
	if cfg.Data.Format != "" {
		f, err := project.ParseFormat(cfg.Data.Format)
		if err != nil {
			return nil, err
		}
		format = f
	}
	loader := &project.Loader{
		NullTokens: cfg.Data.NullTokens,
		ChunkRows:  cfg.Batch.Size,
		Parallel:   cfg.Batch.EnableParallelRead,
		Table:      cfg.Data.Table,
		MaxBytes:   cfg.MaxDownloadBytes(),
		Logger:     logger,
	}
	if store != nil {
		return loader.LoadObject(ctx, store, cfg.Data.Source, format)
	}
	return loader.LoadFile(ctx, cfg.Data.Source, format)
}

func mirror(ctx context.Context, cfg *config.Config, rs *operators.RecordSet, logger log.Logger) error {
	db, err := project.OpenSQLite(ctx, cfg.Data.MirrorDSN, cfg.Data.Table, logger)
	if err != nil {
		return err
	}
	defer db.Close()
	return db.WriteTable(ctx, rs)
}

func snapshot(ctx context.Context, rs *operators.RecordSet, store project.ObjectStore, dest string) error {
	var buf bytes.Buffer
	if err := operators.WriteSnapshot(&buf, rs); err != nil {
		return err
	}
	if store != nil {
		return store.Put(ctx, dest, bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	}
	return os.WriteFile(dest, buf.Bytes(), 0o644)
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, logger log.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			level.Error(logger).Log("msg", "metrics server stopped", "err", err)
		}
	}()
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	level.Info(logger).Log("msg", "serving metrics", "addr", addr)
}

// serveRequests runs one query per JSON line. A rejected request is logged and the
// previous result stays current.
func serveRequests(ctx context.Context, facade *query.QueryFacade, path string, out *jsoniter.Encoder, logger log.Logger) error {
	var r io.Reader = os.Stdin
	if path != "-" {
		fh, err := os.Open(path)
		if err != nil {
			return err
		}
		defer fh.Close()
		r = fh
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for line := 1; sc.Scan(); line++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		var req query.Request
		if err := json.Unmarshal(raw, &req); err != nil {
			level.Warn(logger).Log("msg", "skipping unreadable request", "line", line, "err", err)
			continue
		}
		res, err := facade.Run(ctx, req)
		if err != nil {
			level.Warn(logger).Log("msg", "request rejected", "line", line, "err", err)
			continue
		}
		if err := out.Encode(res); err != nil {
			return err
		}
	}
	return sc.Err()
}
