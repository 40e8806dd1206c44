// Package config loads reader and writer configuration surfaces from
// YAML, parsing human-written byte sizes like "4GB" into exact byte
// counts and validating every field before any I/O begins.
package config

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	yaml "go.yaml.in/yaml/v2"

	"github.com/ltdc/ltdc/internal/chunk"
	"github.com/ltdc/ltdc/internal/errs"
	"github.com/ltdc/ltdc/internal/validation"
)

// ItemLoader selects how chunk payloads are interpreted: as discrete
// schema-decoded samples, or as a flat buffer of fixed-size token blocks.
type ItemLoader struct {
	Kind      string // "default" or "tokens"
	BlockSize int    // only meaningful when Kind == "tokens"
}

// ReaderConfig is the streaming reader's configuration surface.
type ReaderConfig struct {
	InputDir      string `yaml:"input_dir"`
	Shuffle       bool   `yaml:"shuffle"`
	Seed          uint64 `yaml:"seed"`
	DropLast      bool   `yaml:"drop_last"`
	MaxCacheSize  string `yaml:"max_cache_size"`
	ItemLoader    string `yaml:"item_loader"`
	ProfileBatches int   `yaml:"profile_batches"`

	// MaxCacheSizeBytes is populated by Validate from MaxCacheSize.
	MaxCacheSizeBytes uint64 `yaml:"-"`
	Loader            ItemLoader `yaml:"-"`
}

// WriterConfig is the optimize/map engine's configuration surface.
type WriterConfig struct {
	OutputDir        string `yaml:"output_dir"`
	NumWorkers       int    `yaml:"num_workers"`
	NumNodes         int    `yaml:"num_nodes"`
	ChunkBytes       string `yaml:"chunk_bytes"`
	ChunkSize        uint32 `yaml:"chunk_size"`
	Compression      string `yaml:"compression"`
	Machine          string `yaml:"machine"`
	UploadConcurrency int   `yaml:"upload_concurrency"`

	ChunkBytesParsed uint64             `yaml:"-"`
	CompressionID    chunk.Compression  `yaml:"-"`
}

// LoadReaderConfig reads and validates a ReaderConfig from a YAML file.
func LoadReaderConfig(path string) (ReaderConfig, error) {
	var cfg ReaderConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errs.Config("read reader config %s: %v", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errs.Config("parse reader config %s: %v", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate fills derived fields and rejects contradictory or missing
// configuration before any I/O is attempted, per ConfigError's contract.
func (c *ReaderConfig) Validate() error {
	if err := validation.NonEmpty(c.InputDir); err != nil {
		return errs.Config("reader config: input_dir is required")
	}
	if c.MaxCacheSize != "" {
		n, err := humanize.ParseBytes(c.MaxCacheSize)
		if err != nil {
			return errs.Config("reader config: invalid max_cache_size %q: %v", c.MaxCacheSize, err)
		}
		c.MaxCacheSizeBytes = n
	}
	switch {
	case c.ItemLoader == "" || c.ItemLoader == "default":
		c.Loader = ItemLoader{Kind: "default"}
	default:
		loader, err := parseTokensLoader(c.ItemLoader)
		if err != nil {
			return err
		}
		c.Loader = loader
	}
	return nil
}

func parseTokensLoader(spec string) (ItemLoader, error) {
	const prefix = "tokens("
	if len(spec) < len(prefix)+1 || spec[:len(prefix)] != prefix || spec[len(spec)-1] != ')' {
		return ItemLoader{}, errs.Config("reader config: invalid item_loader %q, want \"default\" or \"tokens(block_size)\"", spec)
	}
	inner := spec[len(prefix) : len(spec)-1]
	var blockSize int
	if _, err := fmt.Sscanf(inner, "%d", &blockSize); err != nil || blockSize <= 0 {
		return ItemLoader{}, errs.Config("reader config: invalid item_loader block_size in %q", spec)
	}
	return ItemLoader{Kind: "tokens", BlockSize: blockSize}, nil
}

// LoadWriterConfig reads and validates a WriterConfig from a YAML file.
func LoadWriterConfig(path string) (WriterConfig, error) {
	var cfg WriterConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errs.Config("read writer config %s: %v", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errs.Config("parse writer config %s: %v", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate fills derived fields and rejects contradictory budgets before
// any I/O is attempted.
func (c *WriterConfig) Validate() error {
	if err := validation.NonEmpty(c.OutputDir); err != nil {
		return errs.Config("writer config: output_dir is required")
	}
	if err := validation.RangeInt(c.NumWorkers, 1, 1<<16); err != nil {
		return errs.Config("writer config: num_workers %v", err)
	}
	if c.NumNodes <= 0 {
		c.NumNodes = 1
	}
	if c.ChunkBytes == "" && c.ChunkSize == 0 {
		return errs.Config("writer config: exactly one of chunk_bytes or chunk_size is required")
	}
	if c.ChunkBytes != "" && c.ChunkSize != 0 {
		return errs.Config("writer config: chunk_bytes and chunk_size are mutually exclusive")
	}
	if c.ChunkBytes != "" {
		n, err := humanize.ParseBytes(c.ChunkBytes)
		if err != nil {
			return errs.Config("writer config: invalid chunk_bytes %q: %v", c.ChunkBytes, err)
		}
		c.ChunkBytesParsed = n
	}
	switch c.Compression {
	case "", "null":
		c.CompressionID = chunk.CompressionNone
	case "zstd":
		c.CompressionID = chunk.CompressionZstd
	case "lz4":
		c.CompressionID = chunk.CompressionLZ4
	default:
		return errs.Config("writer config: unknown compression %q", c.Compression)
	}
	if c.UploadConcurrency <= 0 {
		c.UploadConcurrency = 4
	} else if err := validation.RangeInt(c.UploadConcurrency, 1, 1<<12); err != nil {
		return errs.Config("writer config: upload_concurrency %v", err)
	}
	return nil
}
