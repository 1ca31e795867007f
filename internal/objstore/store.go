// Package objstore abstracts the byte storage underneath a dataset: a
// local filesystem directory or an S3/MinIO prefix, addressed by slash
// separated keys relative to the dataset root.
package objstore

import (
	"context"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/contextframe/contextframe/pkg/cferrs"
)

// Store is the minimal object surface the engine needs. Keys use forward
// slashes. PutIfAbsent is the commit primitive: it must fail with
// E_VERSION_CONFLICT when the key already exists.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	PutIfAbsent(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	// GetRange returns a lazy reader over [offset, offset+length) of the
	// object. The caller must close it.
	GetRange(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
}

// Open resolves a dataset URI to a backing store. Plain paths and
// file:// URIs map to the local filesystem; s3:// URIs map to MinIO/S3
// with credentials from the environment.
func Open(uri string) (Store, error) {
	switch {
	case strings.HasPrefix(uri, "s3://"):
		u, err := url.Parse(uri)
		if err != nil {
			return nil, cferrs.Wrap(cferrs.CodeStorage, false, err)
		}
		return NewS3Store(S3ConfigFromEnv(), u.Host, strings.TrimPrefix(u.Path, "/"))
	case strings.HasPrefix(uri, "file://"):
		return NewLocalStore(strings.TrimPrefix(uri, "file://")), nil
	default:
		return NewLocalStore(uri), nil
	}
}

func notFound(key string, err error) error {
	return cferrs.New(cferrs.CodeNotFound, false, "object %s: %w", key, err)
}

func storageErr(err error) error {
	if err == nil {
		return nil
	}
	if os.IsNotExist(err) {
		return cferrs.Wrap(cferrs.CodeNotFound, false, err)
	}
	return cferrs.Wrap(cferrs.CodeStorage, true, err)
}
