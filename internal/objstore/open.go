package objstore

import (
	"context"
	"strings"

	"github.com/ltdc/ltdc/internal/errs"
	"github.com/ltdc/ltdc/internal/observability"
)

// Open resolves a dataset location string to a Store: "s3://bucket/prefix",
// "gs://bucket/prefix", and "azblob://account.blob.core.windows.net/
// container/prefix" select the matching cloud backend; anything else
// (including a bare local path, and the explicit "local://path" form
// spec'd for network mounts where caching behavior differs) is a
// LocalStore. Remote backends are wrapped in DefaultRetryPolicy retries;
// a local path is not, since a local filesystem failure is not transient
// in the way a network call's is.
func Open(ctx context.Context, location string) (Store, error) {
	switch {
	case strings.HasPrefix(location, "s3://"):
		bucket, prefix := splitBucketPrefix(location, "s3://")
		s, err := NewS3Store(ctx, bucket, prefix)
		if err != nil {
			return nil, err
		}
		return NewRetrying(s, DefaultRetryPolicy()), nil

	case strings.HasPrefix(location, "gs://"):
		bucket, prefix := splitBucketPrefix(location, "gs://")
		s, err := NewGCSStore(ctx, bucket, prefix)
		if err != nil {
			return nil, err
		}
		return NewRetrying(s, DefaultRetryPolicy()), nil

	case strings.HasPrefix(location, "azblob://"):
		rest := strings.TrimPrefix(location, "azblob://")
		host, containerAndPrefix, ok := strings.Cut(rest, "/")
		if !ok {
			return nil, errs.Config("objstore: azblob url %q missing /container", location)
		}
		container, prefix, _ := strings.Cut(containerAndPrefix, "/")
		s, err := NewAzureStore("https://"+host, container, prefix)
		if err != nil {
			return nil, err
		}
		return NewRetrying(s, DefaultRetryPolicy()), nil

	case strings.HasPrefix(location, "local://"):
		return NewLocalStore(strings.TrimPrefix(location, "local://")), nil

	default:
		return NewLocalStore(location), nil
	}
}

// OpenWithMetrics is Open, with every remote backend's retry wrapper
// additionally reporting request/retry counters through m.
func OpenWithMetrics(ctx context.Context, location string, m *observability.Metrics) (Store, error) {
	s, err := Open(ctx, location)
	if err != nil {
		return nil, err
	}
	if r, ok := s.(*Retrying); ok {
		r.WithMetrics(m)
	}
	return s, nil
}

// OpenWithObservability is OpenWithMetrics plus l logging every individual
// retry attempt against a remote backend (not just the final outcome),
// for operators who want attempt-by-attempt detail in the job log rather
// than only the aggregate counters m records.
func OpenWithObservability(ctx context.Context, location string, m *observability.Metrics, l *observability.Logger) (Store, error) {
	s, err := OpenWithMetrics(ctx, location, m)
	if err != nil {
		return nil, err
	}
	if r, ok := s.(*Retrying); ok {
		r.WithLogger(l)
	}
	return s, nil
}

// splitBucketPrefix splits "<scheme>bucket/a/b/c" into ("bucket", "a/b/c").
func splitBucketPrefix(location, scheme string) (bucket, prefix string) {
	rest := strings.TrimPrefix(location, scheme)
	bucket, prefix, _ = strings.Cut(rest, "/")
	return bucket, prefix
}
