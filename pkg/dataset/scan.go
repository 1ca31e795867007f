package dataset

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/contextframe/contextframe/internal/fragment"
	"github.com/contextframe/contextframe/internal/index"
	"github.com/contextframe/contextframe/internal/manifest"
	"github.com/contextframe/contextframe/internal/predicate"
	"github.com/contextframe/contextframe/pkg/cferrs"
	"github.com/contextframe/contextframe/pkg/frame"
)

// ScanOptions shapes a scalar scan.
type ScanOptions struct {
	// Filter is a predicate in the engine's grammar; empty scans all.
	Filter string
	// Columns projects the result; empty keeps every non-blob column.
	// The uuid column is always present. Blob bodies are never
	// materialized by scans regardless of projection.
	Columns []string
	Limit   int
	// OrderBy is a SQL-style "column [ASC|DESC], ..." clause.
	OrderBy string
}

// RecordStream iterates scan results fragment by fragment.
type RecordStream struct {
	ctx context.Context
	ds  *Dataset

	frags []manifest.FragmentRef
	fi    int
	batch []*frame.Record
	bi    int

	accept  func(*frame.Record) bool
	project func(*frame.Record) *frame.Record
	limit   int
	emitted int

	materialized []*frame.Record
	lazy         bool

	cur    *frame.Record
	err    error
	closed bool
}

// Next advances the stream. It returns false at the end or on error;
// check Err after the loop.
func (s *RecordStream) Next() bool {
	if s.closed || s.err != nil {
		return false
	}
	if s.limit > 0 && s.emitted >= s.limit {
		return false
	}
	if !s.lazy {
		if s.bi >= len(s.materialized) {
			return false
		}
		s.cur = s.materialized[s.bi]
		s.bi++
		s.emitted++
		return true
	}
	for {
		if err := cferrs.FromContext(s.ctx); err != nil {
			s.err = err
			return false
		}
		if s.bi < len(s.batch) {
			rec := s.batch[s.bi]
			s.bi++
			if s.accept != nil && !s.accept(rec) {
				continue
			}
			s.cur = s.project(rec)
			s.emitted++
			return true
		}
		if s.fi >= len(s.frags) {
			return false
		}
		batch, err := s.ds.readFragment(s.ctx, s.frags[s.fi])
		if err != nil {
			s.err = err
			return false
		}
		s.fi++
		s.batch, s.bi = batch, 0
	}
}

// Record returns the current record.
func (s *RecordStream) Record() *frame.Record { return s.cur }

// Err returns the terminal error, if any.
func (s *RecordStream) Err() error { return s.err }

// Close releases the stream. Further Next calls return false.
func (s *RecordStream) Close() error {
	s.closed = true
	s.batch, s.materialized = nil, nil
	return nil
}

// Collect drains the stream into a slice and closes it.
func (s *RecordStream) Collect() ([]*frame.Record, error) {
	defer s.Close()
	var out []*frame.Record
	for s.Next() {
		out = append(out, s.Record())
	}
	return out, s.Err()
}

// Scan runs a scalar scan at the handle's current version. The filter is
// dispatched through the safe predicate layer: over blob-bearing tables,
// sub-expressions with bare > or >= comparisons are evaluated in memory
// while the safe conjunctive prefix keeps index-accelerated pushdown.
func (ds *Dataset) Scan(ctx context.Context, opts ScanOptions) (*RecordStream, error) {
	head := ds.snapshot()

	var expr predicate.Expr
	if opts.Filter != "" {
		var err error
		expr, err = predicate.Parse(opts.Filter)
		if err != nil {
			return nil, err
		}
		if err := predicate.Bind(expr, ds.schema); err != nil {
			return nil, err
		}
	}
	plan := predicate.Split(expr, head.HasBlobData())
	if plan.FullScan {
		ds.log.Debug("predicate not splittable; full projected scan with in-memory evaluation",
			zap.String("filter", opts.Filter))
	} else if plan.Residual != nil {
		ds.log.Debug("range comparison over blob-bearing table; residual evaluated in memory",
			zap.String("filter", opts.Filter))
	}

	candidates := ds.candidateUUIDs(ctx, plan.Pushdown, head.Version)

	accept := func(rec *frame.Record) bool {
		if candidates != nil && !candidates[rec.UUID] {
			return false
		}
		if plan.Pushdown != nil && !predicate.Eval(plan.Pushdown, rec) {
			return false
		}
		if plan.Residual != nil && !predicate.Eval(plan.Residual, rec) {
			return false
		}
		return true
	}

	stream := &RecordStream{
		ctx:     ctx,
		ds:      ds,
		frags:   head.Fragments,
		accept:  accept,
		project: projector(opts.Columns),
		limit:   opts.Limit,
		lazy:    true,
	}

	if opts.OrderBy == "" {
		return stream, nil
	}

	terms, err := predicate.ParseOrderBy(opts.OrderBy, ds.schema)
	if err != nil {
		return nil, err
	}
	stream.limit = 0
	recs, err := stream.Collect()
	if err != nil {
		return nil, err
	}
	sortRecords(recs, terms)
	return &RecordStream{ctx: ctx, materialized: recs, limit: opts.Limit}, nil
}

// ScanAll is Scan + Collect.
func (ds *Dataset) ScanAll(ctx context.Context, filter string) ([]*frame.Record, error) {
	stream, err := ds.Scan(ctx, ScanOptions{Filter: filter})
	if err != nil {
		return nil, err
	}
	return stream.Collect()
}

// Get fetches one record by uuid.
func (ds *Dataset) Get(ctx context.Context, uuid string) (*frame.Record, error) {
	recs, err := ds.ScanAll(ctx, "uuid = '"+uuid+"'")
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, cferrs.New(cferrs.CodeNotFound, false, "record %s does not exist", uuid)
	}
	return recs[0], nil
}

func sortRecords(recs []*frame.Record, terms []predicate.OrderTerm) {
	sort.SliceStable(recs, func(i, j int) bool {
		for _, t := range terms {
			c := predicate.CompareKeys(
				predicate.SortKey(recs[i], t.Column),
				predicate.SortKey(recs[j], t.Column))
			if c == 0 {
				continue
			}
			if t.Desc {
				return c > 0
			}
			return c < 0
		}
		return recs[i].UUID < recs[j].UUID
	})
}

// projector builds the projection function. Projection trims columns on
// the returned record; uuid always survives.
func projector(columns []string) func(*frame.Record) *frame.Record {
	if len(columns) == 0 {
		return func(rec *frame.Record) *frame.Record { return rec }
	}
	want := map[string]bool{frame.ColUUID: true}
	for _, c := range columns {
		want[c] = true
	}
	return func(rec *frame.Record) *frame.Record {
		out := rec.Clone()
		if !want[frame.ColTitle] {
			out.Title = ""
		}
		if !want[frame.ColTextContent] {
			out.TextContent = ""
		}
		if !want[frame.ColVector] {
			out.Vector = nil
			out.EmbeddingDim = 0
		}
		if !want[frame.ColRawData] {
			out.RawDataRef = nil
			out.RawData = nil
			out.RawDataType = ""
		}
		if !want[frame.ColRecordType] {
			out.RecordType = ""
		}
		if !want[frame.ColCollection] {
			out.Collection = ""
		}
		if !want[frame.ColCollectionID] {
			out.CollectionID = ""
			out.CollectionIDType = ""
		}
		if !want[frame.ColPosition] {
			out.Position = 0
		}
		if !want[frame.ColAuthor] {
			out.Author = ""
		}
		if !want[frame.ColContributors] {
			out.Contributors = nil
		}
		if !want[frame.ColCreatedAt] {
			out.CreatedAt = ""
		}
		if !want[frame.ColUpdatedAt] {
			out.UpdatedAt = ""
		}
		if !want[frame.ColTags] {
			out.Tags = nil
		}
		if !want[frame.ColStatus] {
			out.Status = ""
		}
		if !want[frame.ColSourceFile] {
			out.SourceFile = ""
		}
		if !want[frame.ColSourceType] {
			out.SourceType = ""
		}
		if !want[frame.ColSourceURL] {
			out.SourceURL = ""
		}
		if !want[frame.ColURI] {
			out.URI = ""
		}
		if !want[frame.ColLocalPath] {
			out.LocalPath = ""
		}
		if !want[frame.ColCID] {
			out.CID = ""
		}
		if !want[frame.ColRelationships] {
			out.Relationships = nil
		}
		if !want[frame.ColCustomMetadata] {
			out.CustomMetadata = nil
		}
		return out
	}
}

func (ds *Dataset) readFragment(ctx context.Context, ref manifest.FragmentRef) ([]*frame.Record, error) {
	return fragment.ReadRecords(ctx, ds.obj, ref)
}

// candidateUUIDs narrows a pushdown expression to a uuid set through
// fresh scalar or bitmap indexes on top-level equality and IN terms.
// A nil return means no index applied; the scan stays exhaustive. Rows
// are re-checked against the predicate either way, so a candidate set is
// an accelerator, never a source of truth.
func (ds *Dataset) candidateUUIDs(ctx context.Context, expr predicate.Expr, version uint64) map[string]bool {
	if expr == nil {
		return nil
	}
	var result map[string]bool
	for _, conjunct := range flattenConjuncts(expr) {
		var column string
		var values []string
		switch v := conjunct.(type) {
		case *predicate.Compare:
			if v.Op != "=" || v.Col.Field != "" {
				continue
			}
			column, values = v.Col.Column, []string{v.Lit.Str}
		case *predicate.In:
			if v.Col.Field != "" {
				continue
			}
			column = v.Col.Column
			for _, lit := range v.Values {
				values = append(values, lit.Str)
			}
		default:
			continue
		}
		uuids, ok := ds.indexLookup(ctx, column, values, version)
		if !ok {
			continue
		}
		set := map[string]bool{}
		for _, u := range uuids {
			set[u] = true
		}
		if result == nil {
			result = set
			continue
		}
		for u := range result {
			if !set[u] {
				delete(result, u)
			}
		}
	}
	return result
}

func flattenConjuncts(expr predicate.Expr) []predicate.Expr {
	if l, ok := expr.(*predicate.Logical); ok && l.Op == "AND" {
		return append(flattenConjuncts(l.Left), flattenConjuncts(l.Right)...)
	}
	return []predicate.Expr{expr}
}

// indexLookup answers an equality lookup from a fresh scalar or bitmap
// index on the column.
func (ds *Dataset) indexLookup(ctx context.Context, column string, values []string, version uint64) ([]string, bool) {
	for _, kind := range []index.Kind{index.KindScalar, index.KindBitmap} {
		desc, err := ds.loadIndex(ctx, column, kind)
		if err != nil || !desc.Fresh(version) {
			continue
		}
		switch kind {
		case index.KindScalar:
			idx, err := desc.Scalar()
			if err != nil {
				continue
			}
			return idx.In(values), true
		case index.KindBitmap:
			idx, err := desc.Bitmap()
			if err != nil {
				continue
			}
			var out []string
			for _, v := range values {
				uuids, err := idx.Eq(v)
				if err != nil {
					continue
				}
				out = append(out, uuids...)
			}
			return out, true
		}
	}
	return nil, false
}
