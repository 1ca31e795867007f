package dataset

import (
	"context"

	"github.com/contextframe/contextframe/pkg/cferrs"
	"github.com/contextframe/contextframe/pkg/frame"
)

// CreateFrameset writes a frameset record whose text is synthesized
// content and whose contains relationships enumerate the source
// documents used. Both edge directions are written explicitly: the
// frameset gains contains edges, each source gains a member_of edge.
// The frameset and the source updates commit as one version.
func (ds *Dataset) CreateFrameset(ctx context.Context, title, content string, sourceUUIDs []string) (*frame.Record, error) {
	if len(sourceUUIDs) == 0 {
		return nil, cferrs.New(cferrs.CodeValidation, false,
			"a frameset needs at least one source document")
	}

	b := frame.NewBuilder(title, ds.schema.EmbedDim).
		Type(frame.TypeFrameset).
		Text(content)

	sources := make([]*frame.Record, 0, len(sourceUUIDs))
	for _, id := range sourceUUIDs {
		src, err := ds.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		b.Relationship(frame.Relationship{
			Type:  frame.RelContains,
			ID:    src.UUID,
			Title: src.Title,
		})
		sources = append(sources, src)
	}
	fs, err := b.Build()
	if err != nil {
		return nil, err
	}

	batch := make([]*frame.Record, 0, len(sources)+1)
	batch = append(batch, fs)
	for _, src := range sources {
		src.AddRelationship(frame.Relationship{Type: frame.RelMemberOf, ID: fs.UUID, Title: title})
		src.Touch()
		batch = append(batch, src)
	}
	err = ds.retryConflict(ctx, collectionRetries, func() error {
		_, err := ds.Upsert(ctx, batch)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ds.Get(ctx, fs.UUID)
}

// FramesetSources resolves the documents a frameset was synthesized
// from, in edge order.
func (ds *Dataset) FramesetSources(ctx context.Context, framesetUUID string) ([]*frame.Record, error) {
	fs, err := ds.Get(ctx, framesetUUID)
	if err != nil {
		return nil, err
	}
	if fs.RecordType != frame.TypeFrameset {
		return nil, cferrs.New(cferrs.CodeValidation, false,
			"record %s is a %s, not a frameset", framesetUUID, fs.RecordType)
	}
	var out []*frame.Record
	for _, rel := range fs.Relations(frame.RelContains) {
		if rel.ID == "" {
			continue
		}
		src, err := ds.Get(ctx, rel.ID)
		if err != nil {
			if cferrs.IsCode(err, cferrs.CodeNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, src)
	}
	return out, nil
}

// DatasetHeader returns the dataset's descriptive header record, or
// E_NOT_FOUND when none was set.
func (ds *Dataset) DatasetHeader(ctx context.Context) (*frame.Record, error) {
	recs, err := ds.ScanAll(ctx, "record_type = 'dataset_header'")
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, cferrs.New(cferrs.CodeNotFound, false, "dataset has no header record")
	}
	return recs[0], nil
}

// SetDatasetHeader writes the dataset-wide descriptive record. At most
// one exists: a prior header keeps its uuid and is replaced in place.
func (ds *Dataset) SetDatasetHeader(ctx context.Context, title string, meta map[string]string) (*frame.Record, error) {
	b := frame.NewBuilder(title, ds.schema.EmbedDim).Type(frame.TypeDatasetHeader)
	for k, v := range meta {
		b.Metadata(k, v)
	}
	if existing, err := ds.DatasetHeader(ctx); err == nil {
		b.UUID(existing.UUID)
	} else if !cferrs.IsCode(err, cferrs.CodeNotFound) {
		return nil, err
	}
	header, err := b.Build()
	if err != nil {
		return nil, err
	}
	err = ds.retryConflict(ctx, collectionRetries, func() error {
		_, err := ds.Upsert(ctx, []*frame.Record{header})
		return err
	})
	if err != nil {
		return nil, err
	}
	return ds.Get(ctx, header.UUID)
}
