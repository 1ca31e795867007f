package dataset

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/contextframe/contextframe/internal/index"
	"github.com/contextframe/contextframe/internal/predicate"
	"github.com/contextframe/contextframe/pkg/cferrs"
	"github.com/contextframe/contextframe/pkg/frame"
)

// Scored is a record plus its query score. Full-text results carry
// Score (relevance); vector results carry Distance (raw metric
// distance); hybrid results carry the fused Score.
type Scored struct {
	Record   *frame.Record
	Score    float64
	Distance float64
}

// FTSOptions shapes a full-text search.
type FTSOptions struct {
	// Filter is ANDed after full-text candidate selection.
	Filter string
	// SearchColumns adds text columns beyond text_content when the
	// brute-force path builds its transient index. Persisted indexes
	// search whatever columns they were built over.
	SearchColumns []string
	Limit         int
}

// FTS runs a ranked full-text search. The query grammar supports
// phrases ("..."), AND / OR / NOT, and trailing-* prefix terms. Results
// are deterministic at a version: ranked by score, ties by uuid.
func (ds *Dataset) FTS(ctx context.Context, query string, opts FTSOptions) ([]*Scored, error) {
	if opts.Limit <= 0 {
		opts.Limit = 10
	}

	recs, err := ds.ScanAll(ctx, opts.Filter)
	if err != nil {
		return nil, err
	}
	byUUID := make(map[string]*frame.Record, len(recs))
	for _, rec := range recs {
		byUUID[rec.UUID] = rec
	}

	idx, err := ds.ftsIndex(ctx, recs, opts.SearchColumns)
	if err != nil {
		return nil, err
	}
	hits, err := idx.Search(query)
	if err != nil {
		return nil, err
	}

	out := make([]*Scored, 0, opts.Limit)
	for _, hit := range hits {
		rec, ok := byUUID[hit.UUID]
		if !ok {
			// Candidate from a whole-dataset index filtered out.
			continue
		}
		out = append(out, &Scored{Record: rec, Score: hit.Score})
		if len(out) == opts.Limit {
			break
		}
	}
	return out, nil
}

// ftsIndex returns the persisted full-text index when it is fresh, or
// builds a transient one over the scanned rows. A partially built or
// stale index is never served.
func (ds *Dataset) ftsIndex(ctx context.Context, recs []*frame.Record, extraColumns []string) (*index.FTSIndex, error) {
	if len(extraColumns) == 0 {
		if desc, err := ds.loadIndex(ctx, frame.ColTextContent, index.KindFullText); err == nil && desc.Fresh(ds.CurrentVersion()) {
			return desc.FTS()
		}
	}
	ds.log.Debug("full-text search without a fresh index; building transient postings",
		zap.Int("rows", len(recs)))
	docs := make(map[string]string, len(recs))
	for _, rec := range recs {
		text := rec.TextContent
		for _, col := range extraColumns {
			text += " " + predicate.SortKey(rec, col)
		}
		docs[rec.UUID] = text
	}
	return index.BuildFTS(docs), nil
}

// KNNOptions shapes a vector search.
type KNNOptions struct {
	Filter string
	// Metric applies to brute-force scans; an ANN index brings its own.
	Metric string
	NProbe int
}

// preFilterSelectivity is the match fraction below which the engine
// filters first and brute-forces the survivors exactly, instead of
// running ANN and post-filtering.
const preFilterSelectivity = 0.05

// KNN returns the k nearest records to the query vector with their raw
// distances. With a filter, a highly selective match set is scanned
// exactly (pre-filter); otherwise the ANN result is post-filtered and
// widened until k matches surface, falling back to brute force, so the
// result never silently loses rows that exist.
func (ds *Dataset) KNN(ctx context.Context, query []float32, k int, opts KNNOptions) ([]*Scored, error) {
	if len(query) != ds.schema.EmbedDim {
		return nil, cferrs.New(cferrs.CodeValidation, false,
			"query vector has dimension %d, dataset is %d", len(query), ds.schema.EmbedDim)
	}
	if k <= 0 {
		return nil, cferrs.New(cferrs.CodeValidation, false, "k must be positive")
	}
	if opts.Metric == "" {
		opts.Metric = index.MetricCosine
	}

	recs, err := ds.ScanAll(ctx, opts.Filter)
	if err != nil {
		return nil, err
	}
	matched := make(map[string]*frame.Record, len(recs))
	vectorRows := 0
	for _, rec := range recs {
		if len(rec.Vector) > 0 {
			matched[rec.UUID] = rec
			vectorRows++
		}
	}
	if vectorRows == 0 {
		return nil, nil
	}

	total := ds.snapshot().RowCount
	filtered := opts.Filter != ""
	if filtered && total > 0 && float64(len(recs))/float64(total) < preFilterSelectivity {
		// Pre-filter: the survivor set is small; exact scan beats ANN.
		return ds.bruteForceKNN(ctx, query, k, opts.Metric, matched)
	}

	ivf, metric, ok := ds.vectorIndex(ctx)
	if !ok {
		return ds.bruteForceKNN(ctx, query, k, opts.Metric, matched)
	}

	allow := func(uuid string) bool {
		_, ok := matched[uuid]
		return ok
	}
	nprobe := opts.NProbe
	if nprobe <= 0 {
		nprobe = ds.opts.NProbe
	}
	hits := ivf.Search(query, k, nprobe, allow)
	if len(hits) < k && len(hits) < vectorRows {
		// Widen to every partition before giving up on the index.
		hits = ivf.Search(query, k, len(ivf.Centroids), allow)
	}
	if len(hits) < k && len(hits) < vectorRows {
		return ds.bruteForceKNN(ctx, query, k, metric, matched)
	}
	out := make([]*Scored, 0, len(hits))
	for _, hit := range hits {
		out = append(out, &Scored{Record: matched[hit.UUID], Distance: hit.Distance})
	}
	return out, nil
}

// vectorIndex loads a fresh ANN index if one exists, preferring
// IVF_FLAT.
func (ds *Dataset) vectorIndex(ctx context.Context) (*index.IVFIndex, string, bool) {
	version := ds.CurrentVersion()
	for _, kind := range []index.Kind{index.KindIVFFlat, index.KindIVFPQ} {
		desc, err := ds.loadIndex(ctx, frame.ColVector, kind)
		if err != nil || !desc.Fresh(version) {
			continue
		}
		ivf, err := desc.IVF()
		if err != nil {
			continue
		}
		return ivf, ivf.Params.Metric, true
	}
	return nil, "", false
}

// bruteForceKNN scans every candidate vector exactly.
func (ds *Dataset) bruteForceKNN(ctx context.Context, query []float32, k int, metric string, matched map[string]*frame.Record) ([]*Scored, error) {
	if err := cferrs.FromContext(ctx); err != nil {
		return nil, err
	}
	hits := make([]*Scored, 0, len(matched))
	for _, rec := range matched {
		hits = append(hits, &Scored{
			Record:   rec,
			Distance: index.Distance(metric, query, rec.Vector),
		})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Distance != hits[j].Distance {
			return hits[i].Distance < hits[j].Distance
		}
		return hits[i].Record.UUID < hits[j].Record.UUID
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// HybridOptions shapes a hybrid search.
type HybridOptions struct {
	Filter string
}

// Hybrid fuses full-text and vector retrieval: top-2k from each
// modality, scored alpha * normalized text rank + (1-alpha) * cosine
// similarity, ties broken by uuid. Deterministic for identical inputs
// at a version. Alpha 1 degenerates to FTS order, alpha 0 to similarity
// order.
func (ds *Dataset) Hybrid(ctx context.Context, text string, query []float32, alpha float64, k int, opts HybridOptions) ([]*Scored, error) {
	if alpha < 0 || alpha > 1 {
		return nil, cferrs.New(cferrs.CodeValidation, false, "alpha must be in [0,1], got %v", alpha)
	}
	if k <= 0 {
		return nil, cferrs.New(cferrs.CodeValidation, false, "k must be positive")
	}

	textHits, err := ds.FTS(ctx, text, FTSOptions{Filter: opts.Filter, Limit: 2 * k})
	if err != nil {
		return nil, err
	}
	vecHits, err := ds.KNN(ctx, query, 2*k, KNNOptions{Filter: opts.Filter})
	if err != nil {
		return nil, err
	}

	type fused struct {
		rec   *frame.Record
		score float64
	}
	pool := map[string]*fused{}
	add := func(rec *frame.Record) *fused {
		f, ok := pool[rec.UUID]
		if !ok {
			f = &fused{rec: rec}
			pool[rec.UUID] = f
		}
		return f
	}

	n := float64(len(textHits))
	for rank, hit := range textHits {
		// Normalized rank in (0,1]: 1 for the best text match.
		add(hit.Record).score += alpha * (n - float64(rank)) / n
	}
	for _, hit := range vecHits {
		sim := index.CosineSimilarity(query, hit.Record.Vector)
		add(hit.Record).score += (1 - alpha) * sim
	}

	out := make([]*Scored, 0, len(pool))
	for _, f := range pool {
		out = append(out, &Scored{Record: f.rec, Score: f.score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Record.UUID < out[j].Record.UUID
	})
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}
