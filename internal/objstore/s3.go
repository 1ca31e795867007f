package objstore

import (
	"bytes"
	"context"
	"io"
	"net/url"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/contextframe/contextframe/pkg/cferrs"
)

// S3Config carries MinIO/S3 connection settings.
type S3Config struct {
	EndpointURL     string
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	UseSSL          bool
}

// S3ConfigFromEnv reads CONTEXTFRAME_S3_* settings from the environment.
func S3ConfigFromEnv() S3Config {
	return S3Config{
		EndpointURL:     os.Getenv("CONTEXTFRAME_S3_ENDPOINT"),
		AccessKeyID:     os.Getenv("CONTEXTFRAME_S3_ACCESS_KEY"),
		SecretAccessKey: os.Getenv("CONTEXTFRAME_S3_SECRET_KEY"),
		Region:          os.Getenv("CONTEXTFRAME_S3_REGION"),
		UseSSL:          os.Getenv("CONTEXTFRAME_S3_USE_SSL") == "true",
	}
}

// S3Store implements Store over a bucket prefix using the minio-go SDK.
type S3Store struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewS3Store connects to MinIO/S3 and scopes all keys under
// bucket/prefix.
func NewS3Store(cfg S3Config, bucket, prefix string) (*S3Store, error) {
	if cfg.EndpointURL == "" {
		return nil, cferrs.New(cferrs.CodeStorage, false, "CONTEXTFRAME_S3_ENDPOINT is required for s3 datasets")
	}
	if cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
		return nil, cferrs.New(cferrs.CodeStorage, false, "s3 credentials are required")
	}
	u, err := url.Parse(cfg.EndpointURL)
	if err != nil {
		return nil, cferrs.New(cferrs.CodeStorage, false, "invalid endpoint URL: %w", err)
	}
	endpoint := u.Host
	if endpoint == "" {
		endpoint = cfg.EndpointURL
	}
	useSSL := cfg.UseSSL || u.Scheme == "https"
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: useSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, cferrs.Wrap(cferrs.CodeStorage, true, err)
	}
	return &S3Store{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}, nil
}

func (s *S3Store) key(key string) string {
	if s.prefix == "" {
		return key
	}
	return path.Join(s.prefix, key)
}

func (s *S3Store) Put(ctx context.Context, key string, data []byte) error {
	if err := cferrs.FromContext(ctx); err != nil {
		return err
	}
	_, err := s.client.PutObject(ctx, s.bucket, s.key(key),
		bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{})
	return classify(key, err)
}

// PutIfAbsent is best-effort exclusive on S3: a Stat probe guards the
// put. Two committers racing inside the probe window both succeed at the
// store level; the manifest layer re-verifies the head after commit.
func (s *S3Store) PutIfAbsent(ctx context.Context, key string, data []byte) error {
	exists, err := s.Exists(ctx, key)
	if err != nil {
		return err
	}
	if exists {
		return cferrs.New(cferrs.CodeVersionConflict, true, "object %s already exists", key)
	}
	return s.Put(ctx, key, data)
}

func (s *S3Store) Get(ctx context.Context, key string) ([]byte, error) {
	if err := cferrs.FromContext(ctx); err != nil {
		return nil, err
	}
	obj, err := s.client.GetObject(ctx, s.bucket, s.key(key), minio.GetObjectOptions{})
	if err != nil {
		return nil, classify(key, err)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, classify(key, err)
	}
	return data, nil
}

func (s *S3Store) GetRange(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error) {
	if err := cferrs.FromContext(ctx); err != nil {
		return nil, err
	}
	opts := minio.GetObjectOptions{}
	if err := opts.SetRange(offset, offset+length-1); err != nil {
		return nil, cferrs.Wrap(cferrs.CodeStorage, false, err)
	}
	obj, err := s.client.GetObject(ctx, s.bucket, s.key(key), opts)
	if err != nil {
		return nil, classify(key, err)
	}
	return obj, nil
}

func (s *S3Store) List(ctx context.Context, prefix string) ([]string, error) {
	if err := cferrs.FromContext(ctx); err != nil {
		return nil, err
	}
	var keys []string
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    s.key(prefix),
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, classify(prefix, obj.Err)
		}
		key := obj.Key
		if s.prefix != "" {
			key = strings.TrimPrefix(strings.TrimPrefix(key, s.prefix), "/")
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	if err := cferrs.FromContext(ctx); err != nil {
		return err
	}
	return classify(key, s.client.RemoveObject(ctx, s.bucket, s.key(key), minio.RemoveObjectOptions{}))
}

func (s *S3Store) Exists(ctx context.Context, key string) (bool, error) {
	if err := cferrs.FromContext(ctx); err != nil {
		return false, err
	}
	_, err := s.client.StatObject(ctx, s.bucket, s.key(key), minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return false, nil
		}
		return false, classify(key, err)
	}
	return true, nil
}

func classify(key string, err error) error {
	if err == nil {
		return nil
	}
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey", "NoSuchBucket":
		return notFound(key, err)
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
		return cferrs.Wrap(cferrs.CodeStorage, false, err)
	default:
		return cferrs.Wrap(cferrs.CodeStorage, true, err)
	}
}
