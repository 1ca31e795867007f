package dataset

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/contextframe/contextframe/internal/index"
	"github.com/contextframe/contextframe/internal/predicate"
	"github.com/contextframe/contextframe/pkg/cferrs"
	"github.com/contextframe/contextframe/pkg/frame"
)

// IVFParams re-exports the vector index parameters.
type IVFParams = index.IVFParams

// IndexKind re-exports the index kinds.
type IndexKind = index.Kind

const (
	IndexScalar   = index.KindScalar
	IndexBitmap   = index.KindBitmap
	IndexFullText = index.KindFullText
	IndexIVFFlat  = index.KindIVFFlat
	IndexIVFPQ    = index.KindIVFPQ
)

// loadIndex reads an index descriptor with a per-handle memo. Stale
// entries are replaced on read.
func (ds *Dataset) loadIndex(ctx context.Context, column string, kind index.Kind) (*index.Descriptor, error) {
	key := column + "." + string(kind)
	ds.idxMu.Lock()
	cached := ds.idxCache[key]
	ds.idxMu.Unlock()
	if cached != nil && cached.Fresh(ds.CurrentVersion()) {
		return cached, nil
	}
	desc, err := ds.indexes.Load(ctx, column, kind)
	if err != nil {
		return nil, err
	}
	ds.idxMu.Lock()
	ds.idxCache[key] = desc
	ds.idxMu.Unlock()
	return desc, nil
}

// CreateScalarIndex builds a sorted-run index over a scalar column. The
// build holds the column's builder slot but never blocks readers, which
// keep using the previously installed index until the new one lands.
func (ds *Dataset) CreateScalarIndex(ctx context.Context, column string) error {
	if err := ds.checkIndexableScalar(column); err != nil {
		return err
	}
	return ds.buildIndex(ctx, column, index.KindScalar, func(recs []*frame.Record, builtAt uint64) (*index.Descriptor, error) {
		pairs := map[string]string{}
		for _, rec := range recs {
			pairs[rec.UUID] = predicate.SortKey(rec, column)
		}
		return index.NewDescriptor(column, index.KindScalar, builtAt, index.IVFParams{}, index.BuildScalar(pairs))
	})
}

// CreateBitmapIndex builds a bitmap index for a low-cardinality column.
func (ds *Dataset) CreateBitmapIndex(ctx context.Context, column string) error {
	if err := ds.checkIndexableScalar(column); err != nil {
		return err
	}
	return ds.buildIndex(ctx, column, index.KindBitmap, func(recs []*frame.Record, builtAt uint64) (*index.Descriptor, error) {
		uuids := make([]string, len(recs))
		values := make([]string, len(recs))
		for i, rec := range recs {
			uuids[i] = rec.UUID
			values[i] = predicate.SortKey(rec, column)
		}
		bm, err := index.BuildBitmap(uuids, values)
		if err != nil {
			return nil, err
		}
		return index.NewDescriptor(column, index.KindBitmap, builtAt, index.IVFParams{}, bm)
	})
}

// CreateFTSIndex builds the inverted full-text index over text_content,
// plus any extra text columns given (typically title).
func (ds *Dataset) CreateFTSIndex(ctx context.Context, extraColumns ...string) error {
	for _, col := range extraColumns {
		if err := ds.checkIndexableScalar(col); err != nil {
			return err
		}
	}
	return ds.buildIndex(ctx, frame.ColTextContent, index.KindFullText, func(recs []*frame.Record, builtAt uint64) (*index.Descriptor, error) {
		docs := map[string]string{}
		for _, rec := range recs {
			text := rec.TextContent
			for _, col := range extraColumns {
				text += " " + predicate.SortKey(rec, col)
			}
			docs[rec.UUID] = text
		}
		return index.NewDescriptor(frame.ColTextContent, index.KindFullText, builtAt, index.IVFParams{}, index.BuildFTS(docs))
	})
}

// CreateVectorIndex builds an ANN index over the vector column. Kind
// must be ivf_flat or ivf_pq; IVF_FLAT is the better choice below ~1e5
// rows. Zero-valued params take defaults (P = round(sqrt(N)) capped at
// 256, M = 16, cosine).
func (ds *Dataset) CreateVectorIndex(ctx context.Context, kind index.Kind, params IVFParams) error {
	if kind != index.KindIVFFlat && kind != index.KindIVFPQ {
		return cferrs.New(cferrs.CodeValidation, false, "unsupported vector index kind %q", kind)
	}
	switch params.Metric {
	case "", index.MetricCosine, index.MetricL2, index.MetricDot:
	default:
		return cferrs.New(cferrs.CodeValidation, false, "unsupported metric %q", params.Metric)
	}
	return ds.buildIndex(ctx, frame.ColVector, kind, func(recs []*frame.Record, builtAt uint64) (*index.Descriptor, error) {
		var uuids []string
		var vectors [][]float32
		for _, rec := range recs {
			if len(rec.Vector) == 0 {
				continue
			}
			uuids = append(uuids, rec.UUID)
			vectors = append(vectors, rec.Vector)
		}
		ivf, err := index.BuildIVF(uuids, vectors, params, kind == index.KindIVFPQ)
		if err != nil {
			return nil, err
		}
		return index.NewDescriptor(frame.ColVector, kind, builtAt, ivf.Params, ivf)
	})
}

// buildIndex reads the current snapshot, builds, and atomically installs
// the descriptor. Queries in flight keep the previous index; nothing is
// saved until the build completes, so a partial index is never served.
func (ds *Dataset) buildIndex(ctx context.Context, column string, kind index.Kind,
	build func(recs []*frame.Record, builtAt uint64) (*index.Descriptor, error)) error {
	if err := ds.slots.Acquire(column); err != nil {
		return err
	}
	defer ds.slots.Release(column)

	head := ds.snapshot()
	batches := make([][]*frame.Record, len(head.Fragments))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, ref := range head.Fragments {
		i, ref := i, ref
		g.Go(func() error {
			recs, err := ds.readFragment(gctx, ref)
			if err != nil {
				return err
			}
			batches[i] = recs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	var all []*frame.Record
	for _, recs := range batches {
		all = append(all, recs...)
	}
	desc, err := build(all, head.Version)
	if err != nil {
		return err
	}
	if err := ds.indexes.Save(ctx, desc); err != nil {
		return err
	}
	ds.idxMu.Lock()
	ds.idxCache[column+"."+string(kind)] = desc
	ds.idxMu.Unlock()
	ds.log.Info("index built",
		zap.String("column", column),
		zap.String("kind", string(kind)),
		zap.Uint64("version", head.Version),
		zap.Int("rows", len(all)))
	return nil
}

// DropIndex removes an index.
func (ds *Dataset) DropIndex(ctx context.Context, column string, kind index.Kind) error {
	ds.idxMu.Lock()
	delete(ds.idxCache, column+"."+string(kind))
	ds.idxMu.Unlock()
	return ds.indexes.Drop(ctx, column, kind)
}

// ListIndexes returns metadata for every persisted index.
func (ds *Dataset) ListIndexes(ctx context.Context) ([]index.Meta, error) {
	return ds.indexes.List(ctx)
}

// OptimizeIndices rebuilds every index left behind by recent writes so
// it serves at the current version again.
func (ds *Dataset) OptimizeIndices(ctx context.Context) error {
	metas, err := ds.indexes.List(ctx)
	if err != nil {
		return err
	}
	version := ds.CurrentVersion()
	for _, meta := range metas {
		if meta.Fresh(version) {
			continue
		}
		switch meta.Kind {
		case index.KindScalar:
			err = ds.CreateScalarIndex(ctx, meta.Column)
		case index.KindBitmap:
			err = ds.CreateBitmapIndex(ctx, meta.Column)
		case index.KindFullText:
			err = ds.CreateFTSIndex(ctx)
		case index.KindIVFFlat, index.KindIVFPQ:
			err = ds.CreateVectorIndex(ctx, meta.Kind, meta.Params)
		default:
			err = cferrs.New(cferrs.CodeCorruptData, false, "unknown index kind %q", meta.Kind)
		}
		if err != nil {
			return fmt.Errorf("rebuild %s/%s: %w", meta.Column, meta.Kind, err)
		}
	}
	return nil
}

func (ds *Dataset) checkIndexableScalar(column string) error {
	field, ok := ds.schema.Lookup(column)
	if !ok {
		return cferrs.New(cferrs.CodeUnknownColumn, false, "unknown column %q", column)
	}
	switch field.Kind {
	case frame.KindBlob, frame.KindFloatList, frame.KindStructList, frame.KindPairList:
		return cferrs.New(cferrs.CodeValidation, false, "column %q cannot carry a scalar index", column)
	}
	return nil
}
