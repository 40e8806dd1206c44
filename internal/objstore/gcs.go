package objstore

import (
	"context"
	"errors"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	"github.com/ltdc/ltdc/internal/errs"
)

// GCSStore backs Store with a Google Cloud Storage bucket.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
}

func NewGCSStore(ctx context.Context, bucket, prefix string) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, errs.Config("objstore: new gcs client: %v", err)
	}
	return &GCSStore{client: client, bucket: bucket, prefix: prefix}, nil
}

func (s *GCSStore) fullKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return strings.TrimSuffix(s.prefix, "/") + "/" + key
}

func (s *GCSStore) obj(key string) *storage.ObjectHandle {
	return s.client.Bucket(s.bucket).Object(s.fullKey(key))
}

func (s *GCSStore) Head(ctx context.Context, key string) (Attrs, error) {
	attrs, err := s.obj(key).Attrs(ctx)
	if err != nil {
		return Attrs{}, errs.IO(key, 0, err)
	}
	return Attrs{Size: attrs.Size}, nil
}

func (s *GCSStore) Get(ctx context.Context, key string) ([]byte, error) {
	r, err := s.obj(key).NewReader(ctx)
	if err != nil {
		return nil, errs.IO(key, 0, err)
	}
	defer r.Close()
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, errs.IO(key, 0, err)
	}
	return b, nil
}

func (s *GCSStore) GetRange(ctx context.Context, key string, offset, length int64) ([]byte, error) {
	r, err := s.obj(key).NewRangeReader(ctx, offset, length)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, errs.IO(key, 0, err)
		}
		return nil, errs.RangeUnsatisfiable
	}
	defer r.Close()
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, errs.IO(key, 0, err)
	}
	return b, nil
}

func (s *GCSStore) Put(ctx context.Context, key string, body []byte) error {
	w := s.obj(key).NewWriter(ctx)
	if _, err := w.Write(body); err != nil {
		w.Close()
		return errs.IO(key, 0, err)
	}
	if err := w.Close(); err != nil {
		return errs.IO(key, 0, err)
	}
	return nil
}

func (s *GCSStore) Delete(ctx context.Context, key string) error {
	if err := s.obj(key).Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return errs.IO(key, 0, err)
	}
	return nil
}

func (s *GCSStore) List(ctx context.Context, prefix string) ([]string, error) {
	full := s.fullKey(prefix)
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: full})
	var out []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, errs.IO(prefix, 0, err)
		}
		out = append(out, strings.TrimPrefix(attrs.Name, s.trimBase()))
	}
	return out, nil
}

func (s *GCSStore) trimBase() string {
	if s.prefix == "" {
		return ""
	}
	return strings.TrimSuffix(s.prefix, "/") + "/"
}
