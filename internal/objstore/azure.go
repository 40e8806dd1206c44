package objstore

import (
	"context"
	"io"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"

	"github.com/ltdc/ltdc/internal/errs"
)

// AzureStore backs Store with an Azure Blob Storage container.
type AzureStore struct {
	client    *azblob.Client
	container string
	prefix    string
}

func NewAzureStore(accountURL, containerName, prefix string) (*AzureStore, error) {
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, errs.Config("objstore: default azure credential: %v", err)
	}
	client, err := azblob.NewClient(accountURL, cred, nil)
	if err != nil {
		return nil, errs.Config("objstore: new azure client: %v", err)
	}
	return &AzureStore{client: client, container: containerName, prefix: prefix}, nil
}

func (s *AzureStore) fullKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return strings.TrimSuffix(s.prefix, "/") + "/" + key
}

func (s *AzureStore) Head(ctx context.Context, key string) (Attrs, error) {
	resp, err := s.client.ServiceClient().NewContainerClient(s.container).NewBlobClient(s.fullKey(key)).GetProperties(ctx, nil)
	if err != nil {
		return Attrs{}, errs.IO(key, 0, err)
	}
	size := int64(0)
	if resp.ContentLength != nil {
		size = *resp.ContentLength
	}
	return Attrs{Size: size}, nil
}

func (s *AzureStore) Get(ctx context.Context, key string) ([]byte, error) {
	resp, err := s.client.DownloadStream(ctx, s.container, s.fullKey(key), nil)
	if err != nil {
		return nil, errs.IO(key, 0, err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.IO(key, 0, err)
	}
	return b, nil
}

func (s *AzureStore) GetRange(ctx context.Context, key string, offset, length int64) ([]byte, error) {
	resp, err := s.client.DownloadStream(ctx, s.container, s.fullKey(key), &azblob.DownloadStreamOptions{
		Range: blobHTTPRange(offset, length),
	})
	if err != nil {
		return nil, errs.RangeUnsatisfiable
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.IO(key, 0, err)
	}
	return b, nil
}

func (s *AzureStore) Put(ctx context.Context, key string, body []byte) error {
	_, err := s.client.UploadBuffer(ctx, s.container, s.fullKey(key), body, nil)
	if err != nil {
		return errs.IO(key, 0, err)
	}
	return nil
}

func (s *AzureStore) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteBlob(ctx, s.container, s.fullKey(key), nil)
	if err != nil {
		return errs.IO(key, 0, err)
	}
	return nil
}

func (s *AzureStore) List(ctx context.Context, prefix string) ([]string, error) {
	full := s.fullKey(prefix)
	pager := s.client.NewListBlobsFlatPager(s.container, &azblob.ListBlobsFlatOptions{
		Prefix: &full,
	})
	var out []string
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, errs.IO(prefix, 0, err)
		}
		for _, item := range resp.Segment.BlobItems {
			if item.Name == nil {
				continue
			}
			out = append(out, strings.TrimPrefix(*item.Name, s.trimBase()))
		}
	}
	return out, nil
}

func (s *AzureStore) trimBase() string {
	if s.prefix == "" {
		return ""
	}
	return strings.TrimSuffix(s.prefix, "/") + "/"
}

func blobHTTPRange(offset, length int64) azblob.HTTPRange {
	return azblob.HTTPRange{Offset: offset, Count: length}
}
