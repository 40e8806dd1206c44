// Command ltdc-optimize drives the optimize engine for a single
// invocation of the node/worker plan in a writer config: it reads raw
// files named in an input list, packs each one's path and bytes into a
// sample, and writes/uploads a chunked dataset plus its merged index.
//
// Provisioning one process per node across a cluster is the job of an
// external orchestrator (out of scope here, per the writer config's
// opaque `machine` field); this binary only fans out across the
// `num_workers` goroutines belonging to the node it's told to act as
// via -node, coordinating with any other nodes purely through the
// object store, same as the library does.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"golang.org/x/term"

	"github.com/ltdc/ltdc/internal/chunk"
	"github.com/ltdc/ltdc/internal/codec"
	"github.com/ltdc/ltdc/internal/config"
	"github.com/ltdc/ltdc/internal/crypto"
	"github.com/ltdc/ltdc/internal/errs"
	"github.com/ltdc/ltdc/internal/index"
	"github.com/ltdc/ltdc/internal/objstore"
	"github.com/ltdc/ltdc/internal/observability"
	"github.com/ltdc/ltdc/internal/optimize"
	"github.com/ltdc/ltdc/internal/ratelimit"
)

var tracer = otel.Tracer("ltdc-optimize")

var rawFileSchema = []codec.FieldSchema{
	{Name: "path", Codec: codec.Str},
	{Name: "bytes", Codec: codec.Bytes},
}

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "writer config YAML path")
	inputListPath := flag.String("input-list", "", "file listing one input path per line")
	node := flag.Int("node", 0, "this process's node index within num_nodes")
	maxFnRetries := flag.Int("max-fn-retries", 3, "retries for a failing item before the job aborts")
	mergeTimeout := flag.Duration("merge-timeout", 2*time.Minute, "how long to wait for every node's partial indices")
	mergePoll := flag.Duration("merge-poll", 500*time.Millisecond, "how often to re-check the coordination prefix")
	obsAddr := flag.String("observability-addr", "", "if set, serve /metrics and /health on this address")
	jobID := flag.String("job-id", "", "identifier tagging this run's partial indices; every node of one job must be given the same value (auto-generated if omitted, which is only safe for a single-node run)")
	encrypt := flag.Bool("encrypt", false, "encrypt chunk payloads with ChaCha20-Poly1305, keyed from a passphrase")
	keyFile := flag.String("key-file", "", "file whose first line is the encryption passphrase; every node of one job must be given the same passphrase. Prompted for interactively if omitted")
	flag.Parse()

	logger := observability.NewLogger("ltdc-optimize", "1.0.0", os.Stdout)
	metrics := observability.NewMetrics()

	if *jobID == "" {
		*jobID = uuid.NewString()
		logger.Info("no -job-id given; generated " + *jobID + " (pass -job-id explicitly for multi-node runs)")
	}

	var (
		encryption chunk.Encryption
		encKey     []byte
		ivBase     [12]byte
	)
	if *encrypt {
		passphrase, err := resolvePassphrase(*keyFile)
		if err != nil {
			logger.Error(err, "failed to obtain encryption passphrase")
			return 2
		}
		key := crypto.DeriveKeyFromPassphrase(passphrase)
		encKey = key[:]
		ivBase = crypto.DeriveIVBaseFromPassphrase(passphrase)
		encryption = chunk.EncryptionChaCha20Poly1305
	}

	ctx := context.Background()
	shutdownTracing, err := observability.InitTracing(ctx, "ltdc-optimize")
	if err != nil {
		logger.Error(err, "failed to initialize tracing")
	} else {
		defer shutdownTracing(ctx)
	}

	if *configPath == "" || *inputListPath == "" {
		fmt.Fprintln(os.Stderr, "usage: ltdc-optimize -config writer.yaml -input-list files.txt [-node N]")
		return 2
	}

	cfg, err := config.LoadWriterConfig(*configPath)
	if err != nil {
		logger.Error(err, "invalid writer configuration")
		return 2
	}
	if *node < 0 || *node >= cfg.NumNodes {
		logger.Error(errs.Config("node %d out of range for num_nodes %d", *node, cfg.NumNodes), "invalid node index")
		return 2
	}

	items, err := readInputList(*inputListPath)
	if err != nil {
		logger.Error(err, "failed to read input list")
		return 2
	}

	store, err := objstore.OpenWithObservability(ctx, cfg.OutputDir, metrics, logger)
	if err != nil {
		logger.Error(err, "failed to open output store")
		return 2
	}

	totalShards := cfg.NumWorkers * cfg.NumNodes
	shards := optimize.Partition(len(items), totalShards)
	if len(shards) != totalShards {
		logger.Error(errs.Config("partition produced %d shards, want %d", len(shards), totalShards), "input partitioning failed")
		return 3
	}

	if *obsAddr != "" {
		health := observability.NewHealthChecker("1.0.0")
		health.RegisterCheck("object_store", observability.ObjectStoreCheck(func(ctx context.Context) error {
			_, err := store.List(ctx, "_partials")
			return err
		}))
		health.RegisterCheck("partial_indices", observability.PartialIndexCheck(func(ctx context.Context) (int, error) {
			listed, err := store.List(ctx, "_partials")
			if err != nil {
				return 0, err
			}
			n := 0
			suffix := fmt.Sprintf("-%s.json", *jobID)
			for _, k := range listed {
				if strings.HasSuffix(k, suffix) {
					n++
				}
			}
			return n, nil
		}, totalShards))
		go startObservabilityServer(*obsAddr, metrics, health, logger)
	}

	start := time.Now()
	logger.JobStarted("ltdc-optimize", cfg.NumWorkers, cfg.NumNodes, len(items))
	metrics.RecordJobStart()

	pacer := ratelimit.NewTokenBucket(float64(cfg.UploadConcurrency), cfg.UploadConcurrency)
	workerErrs := make([]error, cfg.NumWorkers)

	var wg sync.WaitGroup
	for w := 0; w < cfg.NumWorkers; w++ {
		workerID := *node*cfg.NumWorkers + w
		wg.Add(1)
		go func(slot, workerID int) {
			defer wg.Done()
			workerErrs[slot] = runShard(ctx, cfg, store, pacer, metrics, logger, *node, workerID, shards[workerID], items, *maxFnRetries, *jobID, encryption, encKey, ivBase)
		}(w, workerID)
	}
	wg.Wait()

	for _, werr := range workerErrs {
		if werr == nil {
			continue
		}
		logger.Error(werr, "worker failed")
		metrics.RecordJobComplete("optimize", false, time.Since(start).Seconds())
		if errs.KindOf(werr) == errs.KindIO {
			return 5
		}
		return 4
	}

	configHash := writerConfigHash(cfg, rawFileSchema)
	if *node == 0 {
		mergeCtx, mergeSpan := tracer.Start(ctx, "optimize.merge_leader")
		defer mergeSpan.End()
		merged, err := optimize.MergeLeader(mergeCtx, optimize.MergeParams{
			Store:              store,
			CoordinationPrefix: "_partials",
			IndexKey:           "index.json",
			NumShards:          totalShards,
			ConfigHash:         configHash,
			JobID:              *jobID,
			PollInterval:       *mergePoll,
			Timeout:            *mergeTimeout,
			Metrics:            metrics,
		})
		if err != nil {
			logger.Error(err, "index merge failed")
			metrics.RecordJobComplete("optimize", false, time.Since(start).Seconds())
			return 6
		}
		logger.JobCompleted("ltdc-optimize", merged.TotalSamples, len(merged.Chunks), time.Since(start))
		metrics.RecordJobComplete("optimize", true, time.Since(start).Seconds())
		return 0
	}

	if _, err := optimize.WaitForIndex(ctx, store, "index.json", *mergePoll, *mergeTimeout); err != nil {
		logger.Error(err, "timed out waiting for leader's index merge")
		metrics.RecordJobComplete("optimize", false, time.Since(start).Seconds())
		return 6
	}
	logger.Info("node finished; leader has published the merged index")
	metrics.RecordJobComplete("optimize", true, time.Since(start).Seconds())
	return 0
}

// startObservabilityServer serves Prometheus metrics and a health check
// over HTTP until the process exits; the optimize job itself runs to
// completion and returns regardless of whether anyone is scraping it.
func startObservabilityServer(addr string, metrics *observability.Metrics, health *observability.HealthChecker, logger *observability.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", health.Handler())
	logger.Info("observability server listening on " + addr)
	if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
		logger.Error(err, "observability server error")
	}
}

func runShard(ctx context.Context, cfg config.WriterConfig, store objstore.Store, pacer *ratelimit.TokenBucket, metrics *observability.Metrics, logger *observability.Logger, node, workerID int, shard []int, items []string, maxFnRetries int, jobID string, encryption chunk.Encryption, encKey []byte, ivBase [12]byte) error {
	ctx, span := tracer.Start(ctx, "optimize.run_shard")
	defer span.End()
	localDir, err := os.MkdirTemp("", fmt.Sprintf("ltdc-optimize-worker-%d-", workerID))
	if err != nil {
		return errs.IO(localDir, 0, err)
	}
	defer os.RemoveAll(localDir)

	shardItems := make([]any, len(shard))
	for i, idx := range shard {
		shardItems[i] = items[idx]
	}

	_, err = optimize.RunWorker(ctx, optimize.WorkerParams{
		WorkerID:    workerID,
		Items:       shardItems,
		Fn:          readRawFileFn,
		LocalDir:    localDir,
		ChunkPrefix: "chunks",
		Schema:      rawFileSchema,
		Registry:    codec.Default(),
		ChunkOpts: chunk.WriterOptions{
			ChunkBytes:    cfg.ChunkBytesParsed,
			ChunkSize:     cfg.ChunkSize,
			Compression:   cfg.CompressionID,
			Encryption:    encryption,
			EncryptionKey: encKey,
			IVBase:        ivBase,
		},
		Store:              store,
		Pacer:              pacer,
		MaxFnRetries:       maxFnRetries,
		CoordinationPrefix: "_partials",
		JobID:              jobID,
		Metrics:            metrics,
		Logger:             logger.WithJob("ltdc-optimize").WithWorker(node, workerID),
		ProgressEvery:       100,
	})
	return err
}

func readRawFileFn(item any) ([]codec.Sample, error) {
	path, ok := item.(string)
	if !ok {
		return nil, fmt.Errorf("ltdc-optimize: item %v is not a file path", item)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return []codec.Sample{{"path": path, "bytes": data}}, nil
}

// resolvePassphrase returns the passphrase chunk payloads are encrypted
// under: the first line of keyFile if given, otherwise an interactive
// prompt (with confirmation) read from the terminal so the passphrase is
// never echoed or left in shell history.
func resolvePassphrase(keyFile string) ([]byte, error) {
	if keyFile != "" {
		data, err := os.ReadFile(keyFile)
		if err != nil {
			return nil, errs.IO(keyFile, 0, err)
		}
		line := strings.SplitN(string(data), "\n", 2)[0]
		return []byte(strings.TrimSpace(line)), nil
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return nil, errs.Config("-encrypt requires -key-file when stdin is not a terminal")
	}
	fmt.Fprint(os.Stderr, "Enter chunk encryption passphrase: ")
	pw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, errs.IO("", 0, err)
	}
	fmt.Fprint(os.Stderr, "Confirm passphrase: ")
	confirm, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, errs.IO("", 0, err)
	}
	if !bytes.Equal(pw, confirm) {
		return nil, errs.Config("passphrases did not match")
	}
	return pw, nil
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

// writerConfigHash hashes exactly the fields ltdc-inspect's
// -verify-determinism can later recompute from a published index.json --
// schema and compression -- rather than the fuller writer config: num_
// workers/num_nodes/chunk budget shape the resulting chunk boundaries but
// aren't themselves recorded in the index, so including them here would
// make every dataset fail a check that has no way to agree with it.
func writerConfigHash(cfg config.WriterConfig, schema []codec.FieldSchema) string {
	canon := struct {
		Schema []struct {
			Name  string `json:"name"`
			Codec string `json:"codec"`
		} `json:"schema"`
		Compression string `json:"compression"`
	}{Compression: cfg.Compression}
	for _, f := range schema {
		canon.Schema = append(canon.Schema, struct {
			Name  string `json:"name"`
			Codec string `json:"codec"`
		}{f.Name, string(f.Codec)})
	}
	body, err := json.Marshal(canon)
	if err != nil {
		return ""
	}
	return index.ConfigHash(body)
}
