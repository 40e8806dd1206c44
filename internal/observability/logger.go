package observability

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog for structured logging.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a new structured logger.
func NewLogger(service, version string, output io.Writer) *Logger {
	if output == nil {
		output = os.Stdout
	}

	zerolog.TimeFieldFormat = time.RFC3339

	logger := zerolog.New(output).With().
		Timestamp().
		Str("service", service).
		Str("version", version).
		Str("host", getHostname()).
		Logger()

	return &Logger{
		logger: logger,
	}
}

// WithJob adds job_id context to logger, identifying one optimize/map
// invocation across all its workers.
func (l *Logger) WithJob(jobID string) *Logger {
	return &Logger{
		logger: l.logger.With().Str("job_id", jobID).Logger(),
	}
}

// WithWorker adds rank/worker context to logger.
func (l *Logger) WithWorker(rank, workerIndex int) *Logger {
	return &Logger{
		logger: l.logger.With().Int("rank", rank).Int("worker_index", workerIndex).Logger(),
	}
}

// WithChunk adds chunk context to logger.
func (l *Logger) WithChunk(chunkID uint64, bytes int64) *Logger {
	return &Logger{
		logger: l.logger.With().
			Uint64("chunk_id", chunkID).
			Int64("bytes", bytes).
			Logger(),
	}
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string) {
	l.logger.Debug().Msg(msg)
}

// Info logs an info message.
func (l *Logger) Info(msg string) {
	l.logger.Info().Msg(msg)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string) {
	l.logger.Warn().Msg(msg)
}

// Error logs an error message.
func (l *Logger) Error(err error, msg string) {
	l.logger.Error().Err(err).Msg(msg)
}

// Fatal logs a fatal message and exits.
func (l *Logger) Fatal(err error, msg string) {
	l.logger.Fatal().Err(err).Msg(msg)
}

// JobStarted logs an optimize/map job starting.
func (l *Logger) JobStarted(jobID string, numWorkers, numNodes int, totalInputs int) {
	l.logger.Info().
		Str("job_id", jobID).
		Int("num_workers", numWorkers).
		Int("num_nodes", numNodes).
		Int("total_inputs", totalInputs).
		Msg("optimize job started")
}

// ChunkClosed logs a chunk being closed by a worker's writer.
func (l *Logger) ChunkClosed(chunkID uint64, samples int, bytes int64) {
	l.logger.Debug().
		Uint64("chunk_id", chunkID).
		Int("samples", samples).
		Int64("bytes", bytes).
		Msg("chunk closed")
}

// ChunkUploaded logs a chunk upload to the object store completing.
func (l *Logger) ChunkUploaded(chunkID uint64, key string, bytes int64, retryCount int) {
	l.logger.Debug().
		Uint64("chunk_id", chunkID).
		Str("key", key).
		Int64("bytes", bytes).
		Int("retry_count", retryCount).
		Msg("chunk uploaded")
}

// JobProgress logs optimize/map progress across a shard.
func (l *Logger) JobProgress(jobID string, itemsDone, itemsTotal int, elapsed time.Duration) {
	progress := float64(itemsDone) / float64(itemsTotal) * 100.0

	l.logger.Info().
		Str("job_id", jobID).
		Int("items_done", itemsDone).
		Int("items_total", itemsTotal).
		Float64("progress_percent", progress).
		Float64("elapsed_seconds", elapsed.Seconds()).
		Msg("job progress")
}

// JobCompleted logs job completion, after index merge for optimize jobs.
func (l *Logger) JobCompleted(jobID string, totalSamples uint64, totalChunks int, duration time.Duration) {
	l.logger.Info().
		Str("job_id", jobID).
		Uint64("total_samples", totalSamples).
		Int("total_chunks", totalChunks).
		Float64("duration_seconds", duration.Seconds()).
		Msg("job completed")
}

// ChunkDecryptFailed logs a chunk payload failing authenticated decryption.
func (l *Logger) ChunkDecryptFailed(chunkID uint64, errorMsg string, retryCount int) {
	l.logger.Error().
		Uint64("chunk_id", chunkID).
		Str("error_message", errorMsg).
		Int("retry_count", retryCount).
		Msg("chunk decryption failed")
}

// ObjectStoreRetry logs a retried object store operation.
func (l *Logger) ObjectStoreRetry(op, key string, attempt int, err error) {
	l.logger.Warn().
		Str("op", op).
		Str("key", key).
		Int("attempt", attempt).
		Err(err).
		Msg("object store operation retried")
}

// Helper function to get hostname.
func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}
