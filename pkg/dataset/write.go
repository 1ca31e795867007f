package dataset

import (
	"context"
	"hash/crc32"
	"reflect"
	"time"

	"go.uber.org/zap"

	"github.com/contextframe/contextframe/internal/fragment"
	"github.com/contextframe/contextframe/internal/manifest"
	"github.com/contextframe/contextframe/internal/predicate"
	"github.com/contextframe/contextframe/pkg/cferrs"
	"github.com/contextframe/contextframe/pkg/frame"
)

func nowUTC() time.Time { return time.Now().UTC() }

// commit runs one write against the handle's current head. The build
// callback returns the full fragment set of the next version. Losing the
// conditional put surfaces E_VERSION_CONFLICT; the caller refreshes and
// retries at the new head.
func (ds *Dataset) commit(ctx context.Context, build func(head *manifest.Manifest) ([]manifest.FragmentRef, error)) (*manifest.Manifest, error) {
	ds.writeMu.Lock()
	defer ds.writeMu.Unlock()

	ds.mu.RLock()
	head, pinned := ds.head, ds.pinned
	ds.mu.RUnlock()
	if pinned {
		return nil, cferrs.New(cferrs.CodeVersionConflict, false,
			"dataset is pinned at version %d; call CheckoutLatest before writing", head.Version)
	}

	fragments, err := build(head)
	if err != nil {
		return nil, err
	}
	next := head.Next(fragments)
	if err := ds.manifests.Commit(ctx, next); err != nil {
		return nil, err
	}
	ds.mu.Lock()
	ds.head = next
	ds.mu.Unlock()
	ds.log.Info("version committed",
		zap.Uint64("version", next.Version),
		zap.Int64("rows", next.RowCount),
		zap.Int64("delta", next.RowDelta),
		zap.Int("fragments", len(next.Fragments)))
	return next, nil
}

// retryConflict retries op while it fails with a retryable error,
// refreshing the head after a lost commit race. Collection operations
// compose several writes and lean on this; single-call writers surface
// the conflict to the caller instead.
func (ds *Dataset) retryConflict(ctx context.Context, attempts int, op func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = op(); err == nil || !cferrs.Retryable(err) {
			return err
		}
		if cferrs.IsCode(err, cferrs.CodeVersionConflict) {
			if rerr := ds.Refresh(ctx); rerr != nil {
				return rerr
			}
		}
	}
	return err
}

// Append validates and atomically appends records as one new version.
// A uuid already live in the dataset is a validation failure; use Upsert
// to replace rows.
func (ds *Dataset) Append(ctx context.Context, records []*frame.Record) (uint64, error) {
	if len(records) == 0 {
		return ds.CurrentVersion(), nil
	}
	if err := ds.validateBatch(records); err != nil {
		return 0, err
	}
	existing, err := ds.uuids(ctx)
	if err != nil {
		return 0, err
	}
	for _, rec := range records {
		if existing[rec.UUID] {
			return 0, cferrs.New(cferrs.CodeValidation, false,
				"uuid %s already exists; append requires unique uuids", rec.UUID)
		}
	}
	next, err := ds.commit(ctx, func(head *manifest.Manifest) ([]manifest.FragmentRef, error) {
		ref, err := fragment.Write(ctx, ds.obj, int(head.Version)+1, prepared(records))
		if err != nil {
			return nil, err
		}
		return append(append([]manifest.FragmentRef(nil), head.Fragments...), ref), nil
	})
	if err != nil {
		return 0, err
	}
	return next.Version, nil
}

// Upsert inserts records whose uuid is new and replaces rows whose uuid
// already exists, atomically in one version. Replacing a row with a
// byte-identical one is elided; when the whole batch is elided no
// version is advanced.
func (ds *Dataset) Upsert(ctx context.Context, records []*frame.Record) (uint64, error) {
	if len(records) == 0 {
		return ds.CurrentVersion(), nil
	}
	if err := ds.validateBatch(records); err != nil {
		return 0, err
	}

	next, err := ds.commit(ctx, func(head *manifest.Manifest) ([]manifest.FragmentRef, error) {
		byUUID := map[string]*frame.Record{}
		for _, rec := range records {
			byUUID[rec.UUID] = rec
		}

		var out []manifest.FragmentRef
		changed := false
		seq := int(head.Version) + 1
		for _, ref := range head.Fragments {
			recs, err := ds.readFragment(ctx, ref)
			if err != nil {
				return nil, err
			}
			touched := false
			kept := recs[:0]
			for _, rec := range recs {
				incoming, ok := byUUID[rec.UUID]
				if !ok {
					kept = append(kept, rec)
					continue
				}
				if ds.sameRow(rec, incoming) {
					// Idempotent re-ingest: keep the stored row, drop the
					// incoming copy.
					delete(byUUID, rec.UUID)
					kept = append(kept, rec)
					continue
				}
				touched = true
			}
			if !touched {
				out = append(out, ref)
				continue
			}
			changed = true
			if len(kept) == 0 {
				continue
			}
			newRef, err := ds.rewriteFragment(ctx, ref, kept, seq)
			if err != nil {
				return nil, err
			}
			seq++
			out = append(out, newRef)
		}

		remaining := make([]*frame.Record, 0, len(byUUID))
		for _, rec := range records {
			if _, ok := byUUID[rec.UUID]; ok {
				remaining = append(remaining, rec)
				delete(byUUID, rec.UUID)
			}
		}
		if len(remaining) > 0 {
			ref, err := fragment.Write(ctx, ds.obj, seq, prepared(remaining))
			if err != nil {
				return nil, err
			}
			out = append(out, ref)
			changed = true
		}
		if !changed {
			return nil, errNoop
		}
		return out, nil
	})
	if err == errNoop {
		return ds.CurrentVersion(), nil
	}
	if err != nil {
		return 0, err
	}
	return next.Version, nil
}

// errNoop aborts a commit whose batch turned out to be fully elided.
var errNoop = cferrs.New(cferrs.CodeValidation, false, "no-op write")

// Update replaces the record identified by uuid. The record's uuid must
// be empty or equal to uuid; a missing row surfaces E_NOT_FOUND.
func (ds *Dataset) Update(ctx context.Context, uuid string, rec *frame.Record) (uint64, error) {
	if rec.UUID == "" {
		rec.UUID = uuid
	}
	if rec.UUID != uuid {
		return 0, cferrs.New(cferrs.CodeValidation, false,
			"record uuid %s does not match update target %s", rec.UUID, uuid)
	}
	existing, err := ds.uuids(ctx)
	if err != nil {
		return 0, err
	}
	if !existing[uuid] {
		return 0, cferrs.New(cferrs.CodeNotFound, false, "record %s does not exist", uuid)
	}
	return ds.Upsert(ctx, []*frame.Record{rec})
}

// Delete removes rows matching the filter and returns the count plus the
// resulting version. A filter matching nothing leaves the version
// unchanged.
func (ds *Dataset) Delete(ctx context.Context, filter string) (int, uint64, error) {
	expr, err := predicate.Parse(filter)
	if err != nil {
		return 0, 0, err
	}
	if err := predicate.Bind(expr, ds.schema); err != nil {
		return 0, 0, err
	}

	deleted := 0
	next, err := ds.commit(ctx, func(head *manifest.Manifest) ([]manifest.FragmentRef, error) {
		var out []manifest.FragmentRef
		seq := int(head.Version) + 1
		for _, ref := range head.Fragments {
			recs, err := ds.readFragment(ctx, ref)
			if err != nil {
				return nil, err
			}
			kept := make([]*frame.Record, 0, len(recs))
			for _, rec := range recs {
				if predicate.Eval(expr, rec) {
					deleted++
					continue
				}
				kept = append(kept, rec)
			}
			if len(kept) == len(recs) {
				out = append(out, ref)
				continue
			}
			if len(kept) == 0 {
				continue
			}
			newRef, err := ds.rewriteFragment(ctx, ref, kept, seq)
			if err != nil {
				return nil, err
			}
			seq++
			out = append(out, newRef)
		}
		if deleted == 0 {
			return nil, errNoop
		}
		return out, nil
	})
	if err == errNoop {
		return 0, ds.CurrentVersion(), nil
	}
	if err != nil {
		return 0, 0, err
	}
	return deleted, next.Version, nil
}

// rewriteFragment persists kept as a fresh fragment, materializing blob
// bodies from the old sidecar so they travel with the rewrite.
func (ds *Dataset) rewriteFragment(ctx context.Context, old manifest.FragmentRef, kept []*frame.Record, seq int) (manifest.FragmentRef, error) {
	for _, rec := range kept {
		if rec.RawDataRef != nil && len(rec.RawData) == 0 {
			data, err := fragment.BlobBytes(ctx, ds.obj, old.BlobPath, rec.RawDataRef)
			if err != nil {
				return manifest.FragmentRef{}, err
			}
			rec.RawData = data
			rec.RawDataRef = nil
		}
	}
	return fragment.Write(ctx, ds.obj, seq, kept)
}

func (ds *Dataset) validateBatch(records []*frame.Record) error {
	seen := map[string]int{}
	for i, rec := range records {
		if err := frame.Validate(rec, ds.schema.EmbedDim); err != nil {
			return err
		}
		if prev, ok := seen[rec.UUID]; ok {
			return cferrs.New(cferrs.CodeValidation, false,
				"uuid %s duplicated at batch positions %d and %d", rec.UUID, prev, i)
		}
		seen[rec.UUID] = i
	}
	return nil
}

// prepared normalizes records ahead of a fragment write: record type and
// timestamps default, and copies keep caller-owned values intact.
func prepared(records []*frame.Record) []*frame.Record {
	out := make([]*frame.Record, len(records))
	for i, rec := range records {
		c := rec.Clone()
		if c.RecordType == "" {
			c.RecordType = frame.TypeDocument
		}
		now := frame.Now()
		if c.CreatedAt == "" {
			c.CreatedAt = now
		}
		if c.UpdatedAt == "" {
			c.UpdatedAt = now
		}
		out[i] = c
	}
	return out
}

// sameRow reports whether an incoming record is byte-identical to the
// stored row, comparing blob content by length, checksum and type so the
// sidecar is never read.
func (ds *Dataset) sameRow(stored, incoming *frame.Record) bool {
	if len(incoming.RawData) > 0 {
		if stored.RawDataRef == nil ||
			stored.RawDataRef.Length != int64(len(incoming.RawData)) ||
			stored.RawDataRef.Checksum != crc32.ChecksumIEEE(incoming.RawData) {
			return false
		}
	} else if stored.RawDataRef != nil || incoming.RawDataRef != nil {
		if stored.RawDataRef == nil || incoming.RawDataRef == nil ||
			*stored.RawDataRef != *incoming.RawDataRef {
			return false
		}
	}
	a, b := stored.Clone(), incoming.Clone()
	a.RawData, b.RawData = nil, nil
	a.RawDataRef, b.RawDataRef = nil, nil
	return reflect.DeepEqual(frame.ToRow(a), frame.ToRow(b))
}
