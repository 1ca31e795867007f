package objstore

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/contextframe/contextframe/pkg/cferrs"
)

// LocalStore persists objects under a filesystem root. Put goes through
// a temp file plus rename so readers never observe partial objects;
// PutIfAbsent creates the final path with O_EXCL so concurrent
// committers race on the filesystem, not in process, and writes the
// bytes there in place without a temp file.
type LocalStore struct {
	root string
}

// NewLocalStore creates a store rooted at dir, creating it if needed.
func NewLocalStore(root string) *LocalStore {
	_ = os.MkdirAll(root, 0o755)
	return &LocalStore{root: root}
}

func (s *LocalStore) path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

func (s *LocalStore) Put(ctx context.Context, key string, data []byte) error {
	if err := cferrs.FromContext(ctx); err != nil {
		return err
	}
	full := s.path(key)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return storageErr(err)
	}
	tmp := full + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return storageErr(err)
	}
	if err := os.Rename(tmp, full); err != nil {
		_ = os.Remove(tmp)
		return storageErr(err)
	}
	return nil
}

func (s *LocalStore) PutIfAbsent(ctx context.Context, key string, data []byte) error {
	if err := cferrs.FromContext(ctx); err != nil {
		return err
	}
	full := s.path(key)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return storageErr(err)
	}
	f, err := os.OpenFile(full, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return cferrs.New(cferrs.CodeVersionConflict, true, "object %s already exists", key)
		}
		return storageErr(err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		_ = os.Remove(full)
		return storageErr(err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		_ = os.Remove(full)
		return storageErr(err)
	}
	return storageErr(f.Close())
}

func (s *LocalStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := cferrs.FromContext(ctx); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, notFound(key, err)
		}
		return nil, storageErr(err)
	}
	return data, nil
}

func (s *LocalStore) GetRange(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error) {
	if err := cferrs.FromContext(ctx); err != nil {
		return nil, err
	}
	f, err := os.Open(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, notFound(key, err)
		}
		return nil, storageErr(err)
	}
	return &sectionCloser{SectionReader: io.NewSectionReader(f, offset, length), f: f}, nil
}

type sectionCloser struct {
	*io.SectionReader
	f *os.File
}

func (s *sectionCloser) Close() error { return s.f.Close() }

// Read satisfies io.Reader through the embedded SectionReader.

func (s *LocalStore) List(ctx context.Context, prefix string) ([]string, error) {
	if err := cferrs.FromContext(ctx); err != nil {
		return nil, err
	}
	root := s.path(prefix)
	var keys []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || strings.HasSuffix(path, ".tmp") {
			return nil
		}
		rel, relErr := filepath.Rel(s.root, path)
		if relErr != nil {
			return relErr
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, storageErr(err)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *LocalStore) Delete(ctx context.Context, key string) error {
	if err := cferrs.FromContext(ctx); err != nil {
		return err
	}
	if err := os.Remove(s.path(key)); err != nil && !os.IsNotExist(err) {
		return storageErr(err)
	}
	return nil
}

func (s *LocalStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := cferrs.FromContext(ctx); err != nil {
		return false, err
	}
	_, err := os.Stat(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, storageErr(err)
	}
	return true, nil
}
