package cache

import (
	"context"
	"os"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/ltdc/ltdc/internal/errs"
	"github.com/ltdc/ltdc/internal/observability"
)

func fetcherOf(payloads map[uint64][]byte) Fetcher {
	return func(_ context.Context, chunkID uint64) ([]byte, error) {
		return payloads[chunkID], nil
	}
}

func TestCacheGetDownloadsOnMiss(t *testing.T) {
	ctx := context.Background()
	c, err := New(t.TempDir(), 1<<20, fetcherOf(map[uint64][]byte{0: []byte("hello")}))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer c.Close()

	path, err := c.Get(ctx, 0)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read cached file: %v", err)
	}
	if string(data) != "hello" {
		t.Fatalf("unexpected contents: %q", data)
	}
	c.Done(0)
}

func TestCacheGetIsCachedOnSecondCall(t *testing.T) {
	ctx := context.Background()
	calls := 0
	fetch := func(_ context.Context, chunkID uint64) ([]byte, error) {
		calls++
		return []byte("payload"), nil
	}
	c, err := New(t.TempDir(), 1<<20, fetch)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer c.Close()

	if _, err := c.Get(ctx, 1); err != nil {
		t.Fatalf("get: %v", err)
	}
	c.Done(1)
	if _, err := c.Get(ctx, 1); err != nil {
		t.Fatalf("get: %v", err)
	}
	c.Done(1)
	if calls != 1 {
		t.Fatalf("expected 1 fetch call, got %d", calls)
	}
}

func TestCacheEvictsLRUWhenOverBudget(t *testing.T) {
	ctx := context.Background()
	payloads := map[uint64][]byte{
		0: make([]byte, 10),
		1: make([]byte, 10),
		2: make([]byte, 10),
	}
	c, err := New(t.TempDir(), 20, fetcherOf(payloads))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer c.Close()

	p0, err := c.Get(ctx, 0)
	if err != nil {
		t.Fatalf("get 0: %v", err)
	}
	c.Done(0)
	if _, err := c.Get(ctx, 1); err != nil {
		t.Fatalf("get 1: %v", err)
	}
	c.Done(1)
	// admitting chunk 2 should evict chunk 0 (least recently used, unpinned)
	if _, err := c.Get(ctx, 2); err != nil {
		t.Fatalf("get 2: %v", err)
	}
	c.Done(2)

	if _, err := os.Stat(p0); !os.IsNotExist(err) {
		t.Fatalf("expected chunk 0 to be evicted, stat err = %v", err)
	}
}

func TestCacheRefusesToEvictPinnedChunks(t *testing.T) {
	ctx := context.Background()
	payloads := map[uint64][]byte{
		0: make([]byte, 15),
		1: make([]byte, 15),
	}
	c, err := New(t.TempDir(), 20, fetcherOf(payloads))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer c.Close()

	if _, err := c.Get(ctx, 0); err != nil {
		t.Fatalf("get 0: %v", err)
	}
	// chunk 0 remains pinned (no Done call)
	if _, err := c.Get(ctx, 1); errs.KindOf(err) != errs.KindCacheFull {
		t.Fatalf("expected CacheFull, got %v", err)
	}
}

func TestCacheReconcilesAdmittedEntriesAcrossRestart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	payloads := map[uint64][]byte{
		0: []byte("alpha"),
		1: []byte("bravo"),
	}

	c, err := New(dir, 1<<20, fetcherOf(payloads))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := c.Get(ctx, 0); err != nil {
		t.Fatalf("get 0: %v", err)
	}
	c.Done(0)
	if _, err := c.Get(ctx, 1); err != nil {
		t.Fatalf("get 1: %v", err)
	}
	c.Done(1)
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	calls := 0
	fetch := func(_ context.Context, chunkID uint64) ([]byte, error) {
		calls++
		return payloads[chunkID], nil
	}
	reopened, err := New(dir, 1<<20, fetch)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	path, err := reopened.Get(ctx, 0)
	if err != nil {
		t.Fatalf("get 0 after restart: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read reconciled file: %v", err)
	}
	if string(data) != "alpha" {
		t.Fatalf("unexpected contents: %q", data)
	}
	reopened.Done(0)
	if calls != 0 {
		t.Fatalf("expected reconciled entry to be served without a re-fetch, got %d calls", calls)
	}
}

func TestCacheDropsStaleAdmissionsWhoseFileIsGone(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	payloads := map[uint64][]byte{0: []byte("payload")}

	c, err := New(dir, 1<<20, fetcherOf(payloads))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	path, err := c.Get(ctx, 0)
	if err != nil {
		t.Fatalf("get 0: %v", err)
	}
	c.Done(0)
	if err := os.Remove(path); err != nil {
		t.Fatalf("remove cached file: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	calls := 0
	fetch := func(_ context.Context, chunkID uint64) ([]byte, error) {
		calls++
		return payloads[chunkID], nil
	}
	reopened, err := New(dir, 1<<20, fetch)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	if _, err := reopened.Get(ctx, 0); err != nil {
		t.Fatalf("get 0 after restart: %v", err)
	}
	reopened.Done(0)
	if calls != 1 {
		t.Fatalf("expected a re-fetch for the stale entry, got %d calls", calls)
	}
}

func TestCacheReportsHitMissAndEvictionMetrics(t *testing.T) {
	ctx := context.Background()
	payloads := map[uint64][]byte{
		0: make([]byte, 10),
		1: make([]byte, 10),
	}
	c, err := New(t.TempDir(), 10, fetcherOf(payloads))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer c.Close()

	m := observability.NewMetrics()
	c.SetMetrics(m)

	if _, err := c.Get(ctx, 0); err != nil {
		t.Fatalf("get 0: %v", err)
	}
	c.Done(0)
	if got := testutil.ToFloat64(m.CacheMissesTotal); got != 1 {
		t.Fatalf("CacheMissesTotal = %v, want 1", got)
	}

	if _, err := c.Get(ctx, 0); err != nil {
		t.Fatalf("get 0 again: %v", err)
	}
	c.Done(0)
	if got := testutil.ToFloat64(m.CacheHitsTotal); got != 1 {
		t.Fatalf("CacheHitsTotal = %v, want 1", got)
	}

	// admitting chunk 1 evicts the now-unpinned chunk 0.
	if _, err := c.Get(ctx, 1); err != nil {
		t.Fatalf("get 1: %v", err)
	}
	c.Done(1)
	if got := testutil.ToFloat64(m.CacheEvictionsTotal); got != 1 {
		t.Fatalf("CacheEvictionsTotal = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.CacheBytesResident); got != 10 {
		t.Fatalf("CacheBytesResident = %v, want 10", got)
	}
}
