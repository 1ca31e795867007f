package dataset

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/contextframe/contextframe/pkg/cferrs"
	"github.com/contextframe/contextframe/pkg/frame"
)

// Collections are not a separate table: a header is a row with
// record_type=collection_header whose uuid is the collection id, and
// members carry collection_id = header uuid. Every traversal below is a
// native scalar filter; the composition stays correct under concurrent
// writers through per-call atomicity plus retry on E_VERSION_CONFLICT.

const collectionRetries = 3

// CollectionSpec shapes a new collection.
type CollectionSpec struct {
	// UUID is optional; one is generated when empty.
	UUID string
	Name string
	// Parent nests this collection under another header's uuid.
	Parent      string
	Description string
	Template    string
	Shared      map[string]string
}

// CreateCollection writes a collection header and returns it.
func (ds *Dataset) CreateCollection(ctx context.Context, spec CollectionSpec) (*frame.Record, error) {
	if spec.Name == "" {
		return nil, cferrs.New(cferrs.CodeValidation, false, "collection name must be non-empty")
	}
	b := frame.NewBuilder(spec.Name, ds.schema.EmbedDim).
		Type(frame.TypeCollectionHeader).
		Text(spec.Description)
	if spec.UUID != "" {
		b.UUID(spec.UUID)
	}
	if spec.Parent != "" {
		b.Collection("", spec.Parent, 0)
		b.Relationship(frame.Relationship{Type: frame.RelParent, ID: spec.Parent})
	}
	header, err := b.Build()
	if err != nil {
		return nil, err
	}
	frame.SetCollectionMeta(header, frame.CollectionMeta{
		Template: spec.Template,
		Shared:   spec.Shared,
	})

	if spec.Parent != "" {
		if _, err := ds.collectionHeader(ctx, spec.Parent); err != nil {
			return nil, err
		}
	}
	err = ds.retryConflict(ctx, collectionRetries, func() error {
		_, err := ds.Append(ctx, []*frame.Record{header})
		return err
	})
	if err != nil {
		return nil, err
	}
	ds.log.Info("collection created",
		zap.String("uuid", header.UUID),
		zap.String("name", spec.Name),
		zap.String("parent", spec.Parent))
	return ds.Get(ctx, header.UUID)
}

// UpdateCollection applies a mutation to the header and persists it,
// refreshing the collection's updated_at metadata.
func (ds *Dataset) UpdateCollection(ctx context.Context, id string, apply func(header *frame.Record)) (*frame.Record, error) {
	return ds.mutateHeader(ctx, id, func(header *frame.Record) error {
		apply(header)
		return nil
	})
}

func (ds *Dataset) mutateHeader(ctx context.Context, id string, apply func(*frame.Record) error) (*frame.Record, error) {
	var out *frame.Record
	err := ds.retryConflict(ctx, collectionRetries, func() error {
		header, err := ds.collectionHeader(ctx, id)
		if err != nil {
			return err
		}
		if err := apply(header); err != nil {
			return err
		}
		meta, err := frame.GetCollectionMeta(header)
		if err != nil {
			return err
		}
		meta.UpdatedAt = frame.Now()
		frame.SetCollectionMeta(header, meta)
		header.Touch()
		if _, err := ds.Upsert(ctx, []*frame.Record{header}); err != nil {
			return err
		}
		out = header
		return nil
	})
	return out, err
}

// DeleteCollection removes a collection header. With recursive,
// subcollections are removed depth-first; with deleteMembers, member
// documents go too, otherwise they are detached. The walk fails fast:
// a child failure leaves completed deletions visible as committed
// versions, and the caller retries or repairs.
func (ds *Dataset) DeleteCollection(ctx context.Context, id string, recursive, deleteMembers bool) (int, error) {
	if _, err := ds.collectionHeader(ctx, id); err != nil {
		return 0, err
	}

	deleted := 0
	subs, err := ds.ScanAll(ctx, fmt.Sprintf(
		"record_type = 'collection_header' AND collection_id = '%s'", id))
	if err != nil {
		return 0, err
	}
	if len(subs) > 0 && !recursive {
		return 0, cferrs.New(cferrs.CodeValidation, false,
			"collection %s has %d subcollections; pass recursive to delete them", id, len(subs))
	}
	for _, sub := range subs {
		n, err := ds.DeleteCollection(ctx, sub.UUID, true, deleteMembers)
		deleted += n
		if err != nil {
			return deleted, err
		}
	}

	memberFilter := fmt.Sprintf("collection_id = '%s' AND record_type != 'collection_header'", id)
	if deleteMembers {
		err = ds.retryConflict(ctx, collectionRetries, func() error {
			n, _, err := ds.Delete(ctx, memberFilter)
			deleted += n
			return err
		})
	} else {
		err = ds.retryConflict(ctx, collectionRetries, func() error {
			members, err := ds.ScanAll(ctx, memberFilter)
			if err != nil {
				return err
			}
			for _, m := range members {
				m.Collection = ""
				m.CollectionID = ""
				m.CollectionIDType = ""
				m.Position = 0
				m.RemoveRelationship(frame.RelMemberOf, id)
				m.Touch()
			}
			if len(members) == 0 {
				return nil
			}
			_, err = ds.Upsert(ctx, members)
			return err
		})
	}
	if err != nil {
		return deleted, err
	}

	err = ds.retryConflict(ctx, collectionRetries, func() error {
		n, _, err := ds.Delete(ctx, fmt.Sprintf("uuid = '%s'", id))
		deleted += n
		return err
	})
	if err == nil {
		ds.log.Info("collection deleted",
			zap.String("uuid", id),
			zap.Bool("recursive", recursive),
			zap.Bool("members", deleteMembers),
			zap.Int("rows", deleted))
	}
	return deleted, err
}

// CollectionInfo pairs a header with its stats.
type CollectionInfo struct {
	Header *frame.Record
	Stats  *CollectionStats
}

// ListCollections returns collection headers, optionally scoped to a
// parent and optionally with per-collection stats.
func (ds *Dataset) ListCollections(ctx context.Context, parent string, withStats bool) ([]CollectionInfo, error) {
	filter := "record_type = 'collection_header'"
	if parent != "" {
		filter += fmt.Sprintf(" AND collection_id = '%s'", parent)
	}
	stream, err := ds.Scan(ctx, ScanOptions{Filter: filter, OrderBy: "title ASC"})
	if err != nil {
		return nil, err
	}
	headers, err := stream.Collect()
	if err != nil {
		return nil, err
	}
	infos := make([]CollectionInfo, 0, len(headers))
	for _, h := range headers {
		info := CollectionInfo{Header: h}
		if withStats {
			stats, err := ds.CollectionStats(ctx, h.UUID, false)
			if err != nil {
				return nil, err
			}
			info.Stats = &stats
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// CollectionStats aggregates a collection's membership.
type CollectionStats struct {
	Members        int
	Subcollections int
	// TotalMembers includes members of subcollections when the stats
	// were taken with includeSubcollections.
	TotalMembers int
	TotalSize    int64
}

// CollectionStats counts members and sizes for a collection, descending
// into subcollections when asked.
func (ds *Dataset) CollectionStats(ctx context.Context, id string, includeSubcollections bool) (CollectionStats, error) {
	var stats CollectionStats
	if _, err := ds.collectionHeader(ctx, id); err != nil {
		return stats, err
	}
	members, err := ds.ScanAll(ctx, fmt.Sprintf(
		"collection_id = '%s' AND record_type != 'collection_header'", id))
	if err != nil {
		return stats, err
	}
	stats.Members = len(members)
	stats.TotalMembers = len(members)
	for _, m := range members {
		stats.TotalSize += int64(len(m.TextContent))
		if m.RawDataRef != nil {
			stats.TotalSize += m.RawDataRef.Length
		}
	}
	subs, err := ds.ScanAll(ctx, fmt.Sprintf(
		"record_type = 'collection_header' AND collection_id = '%s'", id))
	if err != nil {
		return stats, err
	}
	stats.Subcollections = len(subs)
	if includeSubcollections {
		for _, sub := range subs {
			child, err := ds.CollectionStats(ctx, sub.UUID, true)
			if err != nil {
				return stats, err
			}
			stats.TotalMembers += child.TotalMembers
			stats.TotalSize += child.TotalSize
		}
	}
	return stats, nil
}

// AddToCollection places documents into a collection and refreshes the
// header's member count.
func (ds *Dataset) AddToCollection(ctx context.Context, ids []string, collectionID string) error {
	return ds.MoveDocuments(ctx, ids, "", collectionID)
}

// MoveDocuments reassigns documents from source to target. Either side
// may be empty: an empty source skips the membership check, an empty
// target detaches. Moved documents get a refreshed updated_at, and the
// member counts on both headers are recomputed.
func (ds *Dataset) MoveDocuments(ctx context.Context, ids []string, source, target string) error {
	if len(ids) == 0 {
		return nil
	}
	var targetHeader *frame.Record
	if target != "" {
		var err error
		targetHeader, err = ds.collectionHeader(ctx, target)
		if err != nil {
			return err
		}
	}
	err := ds.retryConflict(ctx, collectionRetries, func() error {
		var batch []*frame.Record
		for _, id := range ids {
			rec, err := ds.Get(ctx, id)
			if err != nil {
				return err
			}
			if source != "" && rec.CollectionID != source {
				return cferrs.New(cferrs.CodeValidation, false,
					"record %s is not a member of collection %s", id, source)
			}
			if source != "" {
				rec.RemoveRelationship(frame.RelMemberOf, source)
			}
			rec.CollectionID = target
			rec.CollectionIDType = ""
			rec.Collection = ""
			if target != "" {
				rec.CollectionIDType = "uuid"
				rec.Collection = targetHeader.Title
				rec.AddRelationship(frame.Relationship{Type: frame.RelMemberOf, ID: target})
			}
			rec.Touch()
			batch = append(batch, rec)
		}
		_, err := ds.Upsert(ctx, batch)
		return err
	})
	if err != nil {
		return err
	}
	for _, header := range []string{source, target} {
		if header == "" {
			continue
		}
		if err := ds.refreshMemberCount(ctx, header); err != nil {
			return err
		}
	}
	return nil
}

// refreshMemberCount recomputes a header's stringified member count and
// total size metadata.
func (ds *Dataset) refreshMemberCount(ctx context.Context, id string) error {
	stats, err := ds.CollectionStats(ctx, id, false)
	if err != nil {
		return err
	}
	_, err = ds.mutateHeader(ctx, id, func(header *frame.Record) error {
		meta, err := frame.GetCollectionMeta(header)
		if err != nil {
			return err
		}
		meta.MemberCount = int64(stats.Members)
		meta.TotalSize = stats.TotalSize
		frame.SetCollectionMeta(header, meta)
		return nil
	})
	return err
}

func (ds *Dataset) collectionHeader(ctx context.Context, id string) (*frame.Record, error) {
	rec, err := ds.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.RecordType != frame.TypeCollectionHeader {
		return nil, cferrs.New(cferrs.CodeValidation, false,
			"record %s is a %s, not a collection header", id, rec.RecordType)
	}
	return rec, nil
}

// ListRelated returns records holding a relationship of the given type
// pointing at uuid. The filter narrows by index-friendly terms; the
// exact (type, id) pair is re-checked row-wise because list predicates
// are any-of.
func (ds *Dataset) ListRelated(ctx context.Context, uuid string, relType frame.RelationshipType) ([]*frame.Record, error) {
	recs, err := ds.ScanAll(ctx, fmt.Sprintf(
		"relationships.id = '%s' AND relationships.type = '%s'", uuid, relType))
	if err != nil {
		return nil, err
	}
	out := recs[:0]
	for _, rec := range recs {
		for _, rel := range rec.Relationships {
			if rel.Type == relType && rel.ID == uuid {
				out = append(out, rec)
				break
			}
		}
	}
	return out, nil
}
