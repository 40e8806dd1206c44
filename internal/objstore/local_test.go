package objstore

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/ltdc/ltdc/internal/errs"
	"github.com/ltdc/ltdc/internal/observability"
)

func TestLocalStorePutGetHead(t *testing.T) {
	ctx := context.Background()
	store := NewLocalStore(t.TempDir())

	if err := store.Put(ctx, "chunks/chunk-0.bin", []byte("hello world")); err != nil {
		t.Fatalf("put: %v", err)
	}
	attrs, err := store.Head(ctx, "chunks/chunk-0.bin")
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	if attrs.Size != int64(len("hello world")) {
		t.Fatalf("unexpected size: %d", attrs.Size)
	}
	got, err := store.Get(ctx, "chunks/chunk-0.bin")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != "hello world" {
		t.Fatalf("unexpected contents: %q", got)
	}
}

func TestLocalStoreGetRange(t *testing.T) {
	ctx := context.Background()
	store := NewLocalStore(t.TempDir())
	if err := store.Put(ctx, "k", []byte("0123456789")); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := store.GetRange(ctx, "k", 3, 4)
	if err != nil {
		t.Fatalf("get range: %v", err)
	}
	if string(got) != "3456" {
		t.Fatalf("unexpected range: %q", got)
	}
	if _, err := store.GetRange(ctx, "k", 8, 10); !errors.Is(err, errs.RangeUnsatisfiable) {
		t.Fatalf("expected RangeUnsatisfiable, got %v", err)
	}
}

func TestLocalStoreList(t *testing.T) {
	ctx := context.Background()
	store := NewLocalStore(t.TempDir())
	for _, k := range []string{"chunks/chunk-0.bin", "chunks/chunk-1.bin", "index.json"} {
		if err := store.Put(ctx, k, []byte("x")); err != nil {
			t.Fatalf("put %s: %v", k, err)
		}
	}
	keys, err := store.List(ctx, "chunks/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	sort.Strings(keys)
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys under chunks/, got %v", keys)
	}
}

type flakyStore struct {
	Store
	failuresLeft int
}

func (f *flakyStore) Get(ctx context.Context, key string) ([]byte, error) {
	if f.failuresLeft > 0 {
		f.failuresLeft--
		return nil, errs.IO(key, 0, errors.New("transient"))
	}
	return f.Store.Get(ctx, key)
}

func TestRetryingRecoversFromTransientFailures(t *testing.T) {
	ctx := context.Background()
	local := NewLocalStore(t.TempDir())
	if err := local.Put(ctx, "k", []byte("payload")); err != nil {
		t.Fatalf("put: %v", err)
	}
	flaky := &flakyStore{Store: local, failuresLeft: 2}
	policy := DefaultRetryPolicy()
	policy.BaseDelay = 0
	m := observability.NewMetrics()
	r := NewRetrying(flaky, policy).WithMetrics(m)

	got, err := r.Get(ctx, "k")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != "payload" {
		t.Fatalf("unexpected payload: %q", got)
	}
	if got := testutil.ToFloat64(m.ObjectStoreRetriesTotal.WithLabelValues("get")); got != 2 {
		t.Fatalf("ObjectStoreRetriesTotal{get} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.ObjectStoreRequestsTotal.WithLabelValues("get", "success")); got != 1 {
		t.Fatalf("ObjectStoreRequestsTotal{get,success} = %v, want 1", got)
	}
}

func TestRetryingLogsEachRetryAttempt(t *testing.T) {
	ctx := context.Background()
	local := NewLocalStore(t.TempDir())
	if err := local.Put(ctx, "k", []byte("payload")); err != nil {
		t.Fatalf("put: %v", err)
	}
	flaky := &flakyStore{Store: local, failuresLeft: 2}
	policy := DefaultRetryPolicy()
	policy.BaseDelay = 0

	var buf bytes.Buffer
	logger := observability.NewLogger("objstore-test", "1.0.0", &buf)
	r := NewRetrying(flaky, policy).WithLogger(logger)

	if _, err := r.Get(ctx, "k"); err != nil {
		t.Fatalf("get: %v", err)
	}
	out := buf.String()
	if strings.Count(out, "object store operation retried") != 2 {
		t.Fatalf("expected 2 retry log lines, got:\n%s", out)
	}
	if !strings.Contains(out, `"key":"k"`) {
		t.Fatalf("expected retry log to mention key %q, got:\n%s", "k", out)
	}
}

func TestRetryingGivesUpAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	local := NewLocalStore(t.TempDir())
	flaky := &flakyStore{Store: local, failuresLeft: 100}
	policy := DefaultRetryPolicy()
	policy.BaseDelay = 0
	policy.MaxAttempts = 3
	r := NewRetrying(flaky, policy)

	if _, err := r.Get(ctx, "k"); err == nil {
		t.Fatal("expected error after exhausting retries")
	}
}
