package dataset

import (
	"context"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/contextframe/contextframe/internal/fragment"
	"github.com/contextframe/contextframe/internal/index"
	"github.com/contextframe/contextframe/internal/manifest"
	"github.com/contextframe/contextframe/pkg/cferrs"
	"github.com/contextframe/contextframe/pkg/frame"
)

// VersionInfo re-exports version summaries.
type VersionInfo = manifest.VersionInfo

// Tag re-exports version tags.
type Tag = manifest.Tag

// ListVersions returns every committed version in ascending order.
func (ds *Dataset) ListVersions(ctx context.Context) ([]VersionInfo, error) {
	return ds.manifests.ListInfo(ctx)
}

// Checkout pins the handle at a historical version. Writes are rejected
// with E_VERSION_CONFLICT until CheckoutLatest.
func (ds *Dataset) Checkout(ctx context.Context, version uint64) error {
	m, err := ds.manifests.Load(ctx, version)
	if err != nil {
		return err
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.head = m
	ds.pinned = true
	return nil
}

// CheckoutTag pins the handle at a tag's version.
func (ds *Dataset) CheckoutTag(ctx context.Context, name string) error {
	tag, err := ds.manifests.LoadTag(ctx, name)
	if err != nil {
		return err
	}
	return ds.Checkout(ctx, tag.Version)
}

// CheckoutAsOf pins the handle at the greatest version whose timestamp
// is at or before ts.
func (ds *Dataset) CheckoutAsOf(ctx context.Context, ts time.Time) error {
	version, err := ds.manifests.ResolveAsOf(ctx, ts)
	if err != nil {
		return err
	}
	return ds.Checkout(ctx, version)
}

// CheckoutLatest unpins the handle and moves it to the head.
func (ds *Dataset) CheckoutLatest(ctx context.Context) error {
	head, err := ds.manifests.Head(ctx)
	if err != nil {
		return err
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.head = head
	ds.pinned = false
	return nil
}

// TagVersion durably names the handle's current version.
func (ds *Dataset) TagVersion(ctx context.Context, name, note string) error {
	if strings.TrimSpace(name) == "" {
		return cferrs.New(cferrs.CodeValidation, false, "tag name must be non-empty")
	}
	return ds.manifests.SaveTag(ctx, manifest.Tag{
		Name:      name,
		Version:   ds.CurrentVersion(),
		Note:      note,
		CreatedAt: nowUTC(),
	})
}

// ListTags returns every tag sorted by name.
func (ds *Dataset) ListTags(ctx context.Context) ([]Tag, error) {
	return ds.manifests.Tags(ctx)
}

// Compact rewrites the live fragments into parts of about targetRows
// rows, committing the merged layout as a new version with the same row
// set.
func (ds *Dataset) Compact(ctx context.Context, targetRows int) (uint64, error) {
	if targetRows <= 0 {
		return 0, cferrs.New(cferrs.CodeValidation, false, "target rows per fragment must be positive")
	}
	next, err := ds.commit(ctx, func(head *manifest.Manifest) ([]manifest.FragmentRef, error) {
		var all []*frame.Record
		for _, ref := range head.Fragments {
			recs, err := ds.readFragment(ctx, ref)
			if err != nil {
				return nil, err
			}
			for _, rec := range recs {
				if rec.RawDataRef != nil {
					data, err := fragment.BlobBytes(ctx, ds.obj, ref.BlobPath, rec.RawDataRef)
					if err != nil {
						return nil, err
					}
					rec.RawData = data
					rec.RawDataRef = nil
				}
			}
			all = append(all, recs...)
		}
		var out []manifest.FragmentRef
		seq := int(head.Version) + 1
		for start := 0; start < len(all); start += targetRows {
			end := start + targetRows
			if end > len(all) {
				end = len(all)
			}
			ref, err := fragment.Write(ctx, ds.obj, seq, all[start:end])
			if err != nil {
				return nil, err
			}
			seq++
			out = append(out, ref)
		}
		return out, nil
	})
	if err != nil {
		return 0, err
	}
	ds.log.Info("dataset compacted",
		zap.Uint64("version", next.Version),
		zap.Int("fragments", len(next.Fragments)))
	return next.Version, nil
}

// CleanupOldVersions vacuums manifests older than the cutoff, keeping
// the head and (by default) every tagged version, then removes
// fragments no surviving manifest references. Rows disappear for good
// only here.
func (ds *Dataset) CleanupOldVersions(ctx context.Context, olderThan time.Time, keepTagged bool) (int, error) {
	infos, err := ds.manifests.ListInfo(ctx)
	if err != nil {
		return 0, err
	}
	if len(infos) == 0 {
		return 0, nil
	}
	headVersion := infos[len(infos)-1].Version

	tagged := map[uint64]bool{}
	if keepTagged {
		tags, err := ds.manifests.Tags(ctx)
		if err != nil {
			return 0, err
		}
		for _, tag := range tags {
			tagged[tag.Version] = true
		}
	}

	removed := 0
	survivors := map[uint64]bool{}
	for _, info := range infos {
		keep := info.Version == headVersion ||
			tagged[info.Version] ||
			!info.CreatedAt.Before(olderThan)
		if keep {
			survivors[info.Version] = true
			continue
		}
		if err := ds.manifests.DeleteVersion(ctx, info.Version); err != nil {
			return removed, err
		}
		removed++
	}

	// Garbage-collect fragments referenced by no surviving manifest.
	referenced := map[string]bool{}
	for version := range survivors {
		m, err := ds.manifests.Load(ctx, version)
		if err != nil {
			return removed, err
		}
		for _, ref := range m.Fragments {
			referenced[ref.Path] = true
			if ref.BlobPath != "" {
				referenced[ref.BlobPath] = true
			}
		}
	}
	keys, err := ds.obj.List(ctx, "data/")
	if err != nil {
		return removed, err
	}
	for _, key := range keys {
		if referenced[key] {
			continue
		}
		if err := ds.obj.Delete(ctx, key); err != nil {
			return removed, err
		}
	}
	ds.log.Info("old versions vacuumed",
		zap.Int("manifests_removed", removed),
		zap.Int("versions_kept", len(survivors)))
	return removed, nil
}

// Stats summarizes the handle's current snapshot.
type Stats struct {
	Version   uint64
	Rows      int64
	Fragments int
	Bytes     int64
	BlobBytes int64
	Versions  int
	Indexes   []index.Meta
}

// Stats reports fragment count, byte sizes, row count and per-column
// index presence.
func (ds *Dataset) Stats(ctx context.Context) (Stats, error) {
	head := ds.snapshot()
	stats := Stats{
		Version:   head.Version,
		Rows:      head.RowCount,
		Fragments: len(head.Fragments),
	}
	for _, ref := range head.Fragments {
		stats.Bytes += ref.Bytes
		stats.BlobBytes += ref.BlobBytes
	}
	versions, err := ds.manifests.Versions(ctx)
	if err != nil {
		return stats, err
	}
	stats.Versions = len(versions)
	metas, err := ds.indexes.List(ctx)
	if err != nil {
		return stats, err
	}
	stats.Indexes = metas
	return stats, nil
}

// VersionDiff lists uuid-level changes between two versions, the
// primitive change subscribers poll together with CurrentVersion.
type VersionDiff struct {
	Added   []string
	Removed []string
	Changed []string
}

// DiffUUIDs compares the row sets of two versions. Changed rows are
// detected by updated_at.
func (ds *Dataset) DiffUUIDs(ctx context.Context, from, to uint64) (VersionDiff, error) {
	var diff VersionDiff
	older, err := ds.versionRows(ctx, from)
	if err != nil {
		return diff, err
	}
	newer, err := ds.versionRows(ctx, to)
	if err != nil {
		return diff, err
	}
	for uuid, updated := range newer {
		prev, ok := older[uuid]
		switch {
		case !ok:
			diff.Added = append(diff.Added, uuid)
		case prev != updated:
			diff.Changed = append(diff.Changed, uuid)
		}
	}
	for uuid := range older {
		if _, ok := newer[uuid]; !ok {
			diff.Removed = append(diff.Removed, uuid)
		}
	}
	sort.Strings(diff.Added)
	sort.Strings(diff.Removed)
	sort.Strings(diff.Changed)
	return diff, nil
}

func (ds *Dataset) versionRows(ctx context.Context, version uint64) (map[string]string, error) {
	m, err := ds.manifests.Load(ctx, version)
	if err != nil {
		return nil, err
	}
	rows := map[string]string{}
	for _, ref := range m.Fragments {
		recs, err := fragment.ReadRecords(ctx, ds.obj, ref)
		if err != nil {
			return nil, err
		}
		for _, rec := range recs {
			rows[rec.UUID] = rec.UpdatedAt
		}
	}
	return rows, nil
}
