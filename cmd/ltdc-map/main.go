// Command ltdc-map drives the map engine: like ltdc-optimize it shards an
// input list across num_workers goroutines, but each item produces one
// arbitrary output file uploaded as-is rather than a chunked sample --
// there is no dataset index to merge. The built-in map function copies
// each input file to <basename>.out under the output prefix; swapping in
// a different transform means writing a new main package against
// internal/optimize.RunMapWorker directly.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/ltdc/ltdc/internal/errs"
	"github.com/ltdc/ltdc/internal/objstore"
	"github.com/ltdc/ltdc/internal/observability"
	"github.com/ltdc/ltdc/internal/optimize"
	"github.com/ltdc/ltdc/internal/ratelimit"
)

var tracer = otel.Tracer("ltdc-map")

func main() {
	os.Exit(run())
}

func run() int {
	outputLocation := flag.String("output", "", "object store location outputs are uploaded under")
	inputListPath := flag.String("input-list", "", "file listing one input path per line")
	numWorkers := flag.Int("num-workers", 4, "worker goroutines sharding the input list")
	uploadConcurrency := flag.Int("upload-concurrency", 4, "paced concurrent uploads per worker")
	maxFnRetries := flag.Int("max-fn-retries", 3, "retries for a failing item before the job aborts")
	obsAddr := flag.String("observability-addr", "", "if set, serve /metrics and /health on this address")
	flag.Parse()

	logger := observability.NewLogger("ltdc-map", "1.0.0", os.Stdout)
	metrics := observability.NewMetrics()

	ctx := context.Background()
	shutdownTracing, err := observability.InitTracing(ctx, "ltdc-map")
	if err != nil {
		logger.Error(err, "failed to initialize tracing")
	} else {
		defer shutdownTracing(ctx)
	}

	if *outputLocation == "" || *inputListPath == "" {
		fmt.Fprintln(os.Stderr, "usage: ltdc-map -output <location> -input-list files.txt")
		return 2
	}
	if *numWorkers <= 0 {
		logger.Error(errs.Config("num-workers must be positive, got %d", *numWorkers), "invalid configuration")
		return 2
	}

	items, err := readInputList(*inputListPath)
	if err != nil {
		logger.Error(err, "failed to read input list")
		return 2
	}

	store, err := objstore.OpenWithObservability(ctx, *outputLocation, metrics, logger)
	if err != nil {
		logger.Error(err, "failed to open output store")
		return 2
	}

	shards := optimize.Partition(len(items), *numWorkers)
	if len(shards) != *numWorkers {
		logger.Error(errs.Config("partition produced %d shards, want %d", len(shards), *numWorkers), "input partitioning failed")
		return 3
	}

	if *obsAddr != "" {
		health := observability.NewHealthChecker("1.0.0")
		health.RegisterCheck("object_store", observability.ObjectStoreCheck(func(ctx context.Context) error {
			_, err := store.List(ctx, "")
			return err
		}))
		go startObservabilityServer(*obsAddr, metrics, health, logger)
	}

	logger.JobStarted("ltdc-map", *numWorkers, 1, len(items))
	metrics.RecordJobStart()
	start := time.Now()
	pacer := ratelimit.NewTokenBucket(float64(*uploadConcurrency), *uploadConcurrency)
	workerErrs := make([]error, *numWorkers)

	var wg sync.WaitGroup
	for w := 0; w < *numWorkers; w++ {
		shardItems := make([]any, len(shards[w]))
		for i, idx := range shards[w] {
			shardItems[i] = items[idx]
		}
		wg.Add(1)
		go func(workerID int, shardItems []any) {
			defer wg.Done()
			workerCtx, span := tracer.Start(ctx, "map.run_shard")
			defer span.End()
			workerErrs[workerID] = optimize.RunMapWorker(workerCtx, optimize.MapWorkerParams{
				WorkerID:     workerID,
				Items:        shardItems,
				Fn:           copyFileFn,
				OutputPrefix: "",
				Store:        store,
				Pacer:        pacer,
				MaxFnRetries: *maxFnRetries,
				Metrics:      metrics,
				Logger:       logger.WithJob("ltdc-map").WithWorker(0, workerID),
				ProgressEvery: 100,
			})
		}(w, shardItems)
	}
	wg.Wait()

	for _, werr := range workerErrs {
		if werr == nil {
			continue
		}
		logger.Error(werr, "worker failed")
		metrics.RecordJobComplete("map", false, time.Since(start).Seconds())
		if errs.KindOf(werr) == errs.KindIO {
			return 5
		}
		return 4
	}

	logger.Info("ltdc-map job completed")
	metrics.RecordJobComplete("map", true, time.Since(start).Seconds())
	return 0
}

// startObservabilityServer serves Prometheus metrics and a health check
// over HTTP until the process exits.
func startObservabilityServer(addr string, metrics *observability.Metrics, health *observability.HealthChecker, logger *observability.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", health.Handler())
	logger.Info("observability server listening on " + addr)
	if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
		logger.Error(err, "observability server error")
	}
}

func copyFileFn(item any) (string, []byte, error) {
	path, ok := item.(string)
	if !ok {
		return "", nil, fmt.Errorf("ltdc-map: item %v is not a file path", item)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", nil, err
	}
	return filepath.Base(path) + ".out", data, nil
}

func readInputList(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.IO(path, 0, err)
	}
	var out []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	if len(out) == 0 {
		return nil, errs.Config("input list %s contains no entries", path)
	}
	return out, nil
}
