package manifest

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/contextframe/contextframe/internal/objstore"
	"github.com/contextframe/contextframe/pkg/cferrs"
)

// Store reads and commits manifests against an object store.
type Store struct {
	obj objstore.Store
}

// NewStore wraps an object store.
func NewStore(obj objstore.Store) *Store {
	return &Store{obj: obj}
}

// Commit writes m as the manifest for its version. The conditional put
// is the serialization point: losing a race surfaces E_VERSION_CONFLICT
// and the caller must reload the head and retry.
func (s *Store) Commit(ctx context.Context, m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return cferrs.Wrap(cferrs.CodeStorage, false, err)
	}
	return s.obj.PutIfAbsent(ctx, versionKey(m.Version), data)
}

// Load reads one version's manifest.
func (s *Store) Load(ctx context.Context, version uint64) (*Manifest, error) {
	data, err := s.obj.Get(ctx, versionKey(version))
	if err != nil {
		if cferrs.IsCode(err, cferrs.CodeNotFound) {
			return nil, cferrs.New(cferrs.CodeNotFound, false, "version %d does not exist", version)
		}
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, cferrs.Wrap(cferrs.CodeCorruptData, false, err)
	}
	if m.Version != version {
		return nil, cferrs.New(cferrs.CodeCorruptData, false,
			"manifest %d declares version %d", version, m.Version)
	}
	return &m, nil
}

// Versions lists all committed versions in ascending order.
func (s *Store) Versions(ctx context.Context) ([]uint64, error) {
	keys, err := s.obj.List(ctx, versionPrefix)
	if err != nil {
		return nil, err
	}
	var versions []uint64
	for _, key := range keys {
		name := strings.TrimSuffix(strings.TrimPrefix(key, versionPrefix), ".json")
		v, err := strconv.ParseUint(name, 10, 64)
		if err != nil {
			continue
		}
		versions = append(versions, v)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })
	return versions, nil
}

// Head loads the greatest committed version.
func (s *Store) Head(ctx context.Context) (*Manifest, error) {
	versions, err := s.Versions(ctx)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, cferrs.New(cferrs.CodeNotFound, false, "dataset has no versions")
	}
	return s.Load(ctx, versions[len(versions)-1])
}

// ListInfo returns version summaries in ascending order.
func (s *Store) ListInfo(ctx context.Context) ([]VersionInfo, error) {
	versions, err := s.Versions(ctx)
	if err != nil {
		return nil, err
	}
	infos := make([]VersionInfo, 0, len(versions))
	for _, v := range versions {
		m, err := s.Load(ctx, v)
		if err != nil {
			return nil, err
		}
		infos = append(infos, VersionInfo{
			Version:   m.Version,
			CreatedAt: m.CreatedAt,
			RowCount:  m.RowCount,
			RowDelta:  m.RowDelta,
		})
	}
	return infos, nil
}

// ResolveAsOf selects the greatest version whose timestamp is <= ts.
func (s *Store) ResolveAsOf(ctx context.Context, ts time.Time) (uint64, error) {
	infos, err := s.ListInfo(ctx)
	if err != nil {
		return 0, err
	}
	var best uint64
	found := false
	for _, info := range infos {
		if !info.CreatedAt.After(ts) {
			best = info.Version
			found = true
		}
	}
	if !found {
		return 0, cferrs.New(cferrs.CodeNotFound, false, "no version at or before %s", ts.Format(time.RFC3339))
	}
	return best, nil
}

// SaveTag writes or overwrites a named tag.
func (s *Store) SaveTag(ctx context.Context, tag Tag) error {
	data, err := json.MarshalIndent(tag, "", "  ")
	if err != nil {
		return cferrs.Wrap(cferrs.CodeStorage, false, err)
	}
	return s.obj.Put(ctx, tagKey(tag.Name), data)
}

// LoadTag resolves a tag name.
func (s *Store) LoadTag(ctx context.Context, name string) (Tag, error) {
	var tag Tag
	data, err := s.obj.Get(ctx, tagKey(name))
	if err != nil {
		if cferrs.IsCode(err, cferrs.CodeNotFound) {
			return tag, cferrs.New(cferrs.CodeNotFound, false, "tag %q does not exist", name)
		}
		return tag, err
	}
	if err := json.Unmarshal(data, &tag); err != nil {
		return tag, cferrs.Wrap(cferrs.CodeCorruptData, false, err)
	}
	return tag, nil
}

// Tags lists all tags sorted by name.
func (s *Store) Tags(ctx context.Context) ([]Tag, error) {
	keys, err := s.obj.List(ctx, tagPrefix)
	if err != nil {
		return nil, err
	}
	tags := make([]Tag, 0, len(keys))
	for _, key := range keys {
		name := strings.TrimSuffix(strings.TrimPrefix(key, tagPrefix), ".json")
		tag, err := s.LoadTag(ctx, name)
		if err != nil {
			return nil, err
		}
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i].Name < tags[j].Name })
	return tags, nil
}

// DeleteVersion removes one manifest document. Fragment garbage
// collection is the caller's job: a fragment may be shared by surviving
// versions.
func (s *Store) DeleteVersion(ctx context.Context, version uint64) error {
	return s.obj.Delete(ctx, versionKey(version))
}
