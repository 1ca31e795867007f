package dataset

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contextframe/contextframe/pkg/cferrs"
	"github.com/contextframe/contextframe/pkg/frame"
)

const testDim = 4

func newTestDataset(t *testing.T) *Dataset {
	t.Helper()
	ds, err := Create(context.Background(), t.TempDir(), testDim, ModeCreate, Options{})
	require.NoError(t, err)
	return ds
}

func mustBuild(t *testing.T, title string, mutate func(*frame.Builder)) *frame.Record {
	t.Helper()
	b := frame.NewBuilder(title, testDim)
	if mutate != nil {
		mutate(b)
	}
	rec, err := b.Build()
	require.NoError(t, err)
	return rec
}

func TestCreateAppendFetch(t *testing.T) {
	ctx := context.Background()
	ds := newTestDataset(t)

	rec := mustBuild(t, "t", func(b *frame.Builder) {
		b.UUID("00000000-0000-0000-0000-000000000001")
		b.Text("hello")
		b.Vector([]float32{1, 0, 0, 0})
	})
	_, err := ds.Append(ctx, []*frame.Record{rec})
	require.NoError(t, err)

	got, err := ds.ScanAll(ctx, "uuid = '00000000-0000-0000-0000-000000000001'")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "hello", got[0].TextContent)
	assert.Equal(t, []float32{1, 0, 0, 0}, got[0].Vector)

	versions, err := ds.ListVersions(ctx)
	require.NoError(t, err)
	require.Len(t, versions, 2, "v1 empty schema, v2 append")
	assert.Equal(t, uint64(1), versions[0].Version)
	assert.Equal(t, uint64(2), versions[1].Version)
	assert.True(t, versions[1].CreatedAt.After(versions[0].CreatedAt),
		"version timestamps are strictly increasing")
}

func TestCreateModes(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	ds, err := Create(ctx, dir, testDim, ModeCreate, Options{})
	require.NoError(t, err)
	_, err = ds.Append(ctx, []*frame.Record{mustBuild(t, "x", nil)})
	require.NoError(t, err)

	_, err = Create(ctx, dir, testDim, ModeCreate, Options{})
	assert.Equal(t, cferrs.CodeVersionConflict, cferrs.CodeOf(err))

	over, err := Create(ctx, dir, testDim, ModeOverwrite, Options{})
	require.NoError(t, err)
	recs, err := over.ScanAll(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, recs, "overwrite starts a fresh logical table")
	assert.Equal(t, uint64(3), over.CurrentVersion(), "prior versions stay readable until vacuumed")
}

func TestSafePredicateOverBlobBearingTable(t *testing.T) {
	ctx := context.Background()
	ds := newTestDataset(t)

	big := mustBuild(t, "big", func(b *frame.Builder) {
		b.RawData([]byte("blob-a"), "application/octet-stream")
		b.Metadata("collection_member_count", "10")
	})
	small := mustBuild(t, "small", func(b *frame.Builder) {
		b.RawData([]byte("blob-b"), "application/octet-stream")
		b.Metadata("collection_member_count", "3")
	})
	_, err := ds.Append(ctx, []*frame.Record{big, small})
	require.NoError(t, err)

	got, err := ds.ScanAll(ctx, "custom_metadata.value > '5'")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "big", got[0].Title)
}

// Safe-predicate equivalence: for every filter shape in the grammar,
// scanning with the filter matches scanning everything and filtering in
// memory, on a dataset that carries blob data.
func TestScanFilterEquivalenceOracle(t *testing.T) {
	ctx := context.Background()
	ds := newTestDataset(t)

	var batch []*frame.Record
	for i := 0; i < 10; i++ {
		i := i
		batch = append(batch, mustBuild(t, fmt.Sprintf("doc %02d", i), func(b *frame.Builder) {
			b.Status([]string{"draft", "published", "archived"}[i%3])
			b.Tags(fmt.Sprintf("tag%d", i%2))
			b.Metadata("collection_member_count", fmt.Sprintf("%d", i))
			if i%2 == 0 {
				b.RawData([]byte(fmt.Sprintf("payload-%d", i)), "text/plain")
			}
		}))
	}
	_, err := ds.Append(ctx, batch)
	require.NoError(t, err)

	filters := []string{
		"status = 'draft'",
		"status != 'draft'",
		"custom_metadata.value > '4'",
		"custom_metadata.value >= '4' AND status = 'draft'",
		"status = 'published' OR custom_metadata.value > '7'",
		"NOT custom_metadata.value > '4'",
		"title LIKE 'doc 0%'",
		"tags.contains('tag1')",
		"status IN ('draft', 'archived')",
		"raw_data_type IS NOT NULL",
	}
	all, err := ds.ScanAll(ctx, "")
	require.NoError(t, err)
	for _, filter := range filters {
		got, err := ds.ScanAll(ctx, filter)
		require.NoError(t, err, filter)
		oracle := oracleFilter(t, ds, all, filter)
		assert.ElementsMatch(t, uuidsOf(oracle), uuidsOf(got), filter)
	}
}

func uuidsOf(recs []*frame.Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.UUID
	}
	return out
}

// oracleFilter re-runs the filter through a fresh scan limited to a
// known-safe shape: one record at a time via uuid equality plus the
// in-memory evaluator exercised through Scan on a blob-free projection.
func oracleFilter(t *testing.T, ds *Dataset, all []*frame.Record, filter string) []*frame.Record {
	t.Helper()
	// The scan path already re-evaluates the full predicate in memory;
	// the oracle uses single-row scans so pushdown cannot contribute.
	var out []*frame.Record
	for _, rec := range all {
		got, err := ds.ScanAll(context.Background(),
			fmt.Sprintf("uuid = '%s' AND (%s)", rec.UUID, filter))
		require.NoError(t, err)
		out = append(out, got...)
	}
	return out
}

func TestScanProjectionAndLimitAndOrder(t *testing.T) {
	ctx := context.Background()
	ds := newTestDataset(t)
	for i := 0; i < 5; i++ {
		_, err := ds.Append(ctx, []*frame.Record{mustBuild(t, fmt.Sprintf("doc %d", 4-i), func(b *frame.Builder) {
			b.Text("content")
		})})
		require.NoError(t, err)
	}

	stream, err := ds.Scan(ctx, ScanOptions{OrderBy: "title ASC", Limit: 3, Columns: []string{"title"}})
	require.NoError(t, err)
	recs, err := stream.Collect()
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "doc 0", recs[0].Title)
	assert.Equal(t, "doc 2", recs[2].Title)
	assert.Empty(t, recs[0].TextContent, "projection drops unrequested columns")
	assert.NotEmpty(t, recs[0].UUID, "uuid always survives projection")
}

func TestScanErrorsAreTyped(t *testing.T) {
	ctx := context.Background()
	ds := newTestDataset(t)

	_, err := ds.Scan(ctx, ScanOptions{Filter: "status ="})
	assert.Equal(t, cferrs.CodeInvalidPredicate, cferrs.CodeOf(err))
	_, err = ds.Scan(ctx, ScanOptions{Filter: "ghost = 'x'"})
	assert.Equal(t, cferrs.CodeUnknownColumn, cferrs.CodeOf(err))
	_, err = ds.Scan(ctx, ScanOptions{Filter: "raw_data = 'x'"})
	assert.Equal(t, cferrs.CodeUnsupportedPredicate, cferrs.CodeOf(err))
}

func TestEmptyDatasetBoundaries(t *testing.T) {
	ctx := context.Background()
	ds := newTestDataset(t)

	recs, err := ds.ScanAll(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, recs)

	hits, err := ds.KNN(ctx, []float32{1, 0, 0, 0}, 5, KNNOptions{})
	require.NoError(t, err)
	assert.Empty(t, hits)

	stats, err := ds.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Rows)
	assert.Zero(t, stats.Fragments)
}

func TestUpdatePreservesUUIDAndHistory(t *testing.T) {
	ctx := context.Background()
	ds := newTestDataset(t)

	d1 := mustBuild(t, "original title", func(b *frame.Builder) {
		b.UUID("00000000-0000-0000-0000-00000000d001")
	})
	_, err := ds.Append(ctx, []*frame.Record{d1})
	require.NoError(t, err)
	prevVersion := ds.CurrentVersion()

	modified := d1.Clone()
	modified.Title = "new title"
	_, err = ds.Update(ctx, d1.UUID, modified)
	require.NoError(t, err)

	got, err := ds.ScanAll(ctx, fmt.Sprintf("uuid = '%s'", d1.UUID))
	require.NoError(t, err)
	require.Len(t, got, 1, "exactly one live row per uuid")
	assert.Equal(t, "new title", got[0].Title)

	old, err := OpenAt(ctx, ds.URI(), prevVersion, Options{})
	require.NoError(t, err)
	prior, err := old.ScanAll(ctx, fmt.Sprintf("uuid = '%s'", d1.UUID))
	require.NoError(t, err)
	require.Len(t, prior, 1)
	assert.Equal(t, "original title", prior[0].Title, "prior versions stay readable")
}

func TestUpdateMissingRecord(t *testing.T) {
	ctx := context.Background()
	ds := newTestDataset(t)
	_, err := ds.Update(ctx, "00000000-0000-0000-0000-0000000000ff",
		mustBuild(t, "x", func(b *frame.Builder) { b.UUID("00000000-0000-0000-0000-0000000000ff") }))
	assert.Equal(t, cferrs.CodeNotFound, cferrs.CodeOf(err))
}

func TestDeleteAndPriorVersionUnchanged(t *testing.T) {
	ctx := context.Background()
	ds := newTestDataset(t)
	rec := mustBuild(t, "to delete", nil)
	_, err := ds.Append(ctx, []*frame.Record{rec})
	require.NoError(t, err)
	beforeDelete := ds.CurrentVersion()

	n, _, err := ds.Delete(ctx, fmt.Sprintf("uuid = '%s'", rec.UUID))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	live, err := ds.ScanAll(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, live)

	old, err := OpenAt(ctx, ds.URI(), beforeDelete, Options{})
	require.NoError(t, err)
	prior, err := old.ScanAll(ctx, "")
	require.NoError(t, err)
	require.Len(t, prior, 1)
	assert.Equal(t, rec.UUID, prior[0].UUID)
	assert.Equal(t, "to delete", prior[0].Title)
}

func TestUpsertIdempotentReingest(t *testing.T) {
	ctx := context.Background()
	ds := newTestDataset(t)
	rec := mustBuild(t, "stable", func(b *frame.Builder) { b.Text("same") })

	v1, err := ds.Upsert(ctx, []*frame.Record{rec})
	require.NoError(t, err)
	v2, err := ds.Upsert(ctx, []*frame.Record{rec.Clone()})
	require.NoError(t, err)
	assert.Equal(t, v1, v2, "a byte-identical upsert advances no version")

	got, err := ds.ScanAll(ctx, fmt.Sprintf("uuid = '%s'", rec.UUID))
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestAppendRejectsDuplicateUUID(t *testing.T) {
	ctx := context.Background()
	ds := newTestDataset(t)
	rec := mustBuild(t, "one", nil)
	_, err := ds.Append(ctx, []*frame.Record{rec})
	require.NoError(t, err)
	_, err = ds.Append(ctx, []*frame.Record{rec.Clone()})
	assert.Equal(t, cferrs.CodeValidation, cferrs.CodeOf(err))
}

func TestConcurrentWriters(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	_, err := Create(ctx, dir, testDim, ModeCreate, Options{})
	require.NoError(t, err)

	h1, err := Open(ctx, dir, Options{})
	require.NoError(t, err)
	h2, err := Open(ctx, dir, Options{})
	require.NoError(t, err)

	rA := mustBuild(t, "from writer A", nil)
	rB := mustBuild(t, "from writer B", nil)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	conflicts := make([]bool, 2)
	write := func(i int, h *Dataset, rec *frame.Record) {
		defer wg.Done()
		_, err := h.Append(ctx, []*frame.Record{rec})
		if cferrs.IsCode(err, cferrs.CodeVersionConflict) {
			conflicts[i] = true
			if err := h.Refresh(ctx); err != nil {
				errs[i] = err
				return
			}
			_, err = h.Append(ctx, []*frame.Record{rec})
		}
		errs[i] = err
	}
	wg.Add(2)
	go write(0, h1, rA)
	go write(1, h2, rB)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	final, err := Open(ctx, dir, Options{})
	require.NoError(t, err)
	recs, err := final.ScanAll(ctx, "")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{rA.UUID, rB.UUID}, uuidsOf(recs))

	versions, err := final.ListVersions(ctx)
	require.NoError(t, err)
	assert.Len(t, versions, 3, "create + two appends")
}

func TestStaleHandleGetsVersionConflict(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	_, err := Create(ctx, dir, testDim, ModeCreate, Options{})
	require.NoError(t, err)
	h1, err := Open(ctx, dir, Options{})
	require.NoError(t, err)
	h2, err := Open(ctx, dir, Options{})
	require.NoError(t, err)

	_, err = h1.Append(ctx, []*frame.Record{mustBuild(t, "winner", nil)})
	require.NoError(t, err)

	_, err = h2.Append(ctx, []*frame.Record{mustBuild(t, "loser", nil)})
	require.Error(t, err)
	assert.Equal(t, cferrs.CodeVersionConflict, cferrs.CodeOf(err))

	require.NoError(t, h2.Refresh(ctx))
	_, err = h2.Append(ctx, []*frame.Record{mustBuild(t, "loser retries", nil)})
	assert.NoError(t, err)
}

func TestCheckoutPinnedRejectsWrites(t *testing.T) {
	ctx := context.Background()
	ds := newTestDataset(t)
	_, err := ds.Append(ctx, []*frame.Record{mustBuild(t, "one", nil)})
	require.NoError(t, err)

	require.NoError(t, ds.Checkout(ctx, 1))
	assert.True(t, ds.Pinned())
	_, err = ds.Append(ctx, []*frame.Record{mustBuild(t, "two", nil)})
	assert.Equal(t, cferrs.CodeVersionConflict, cferrs.CodeOf(err))

	require.NoError(t, ds.CheckoutLatest(ctx))
	assert.False(t, ds.Pinned())
	_, err = ds.Append(ctx, []*frame.Record{mustBuild(t, "two", nil)})
	assert.NoError(t, err)
}

func TestCheckoutTagAndAsOf(t *testing.T) {
	ctx := context.Background()
	ds := newTestDataset(t)
	_, err := ds.Append(ctx, []*frame.Record{mustBuild(t, "v2 row", nil)})
	require.NoError(t, err)
	require.NoError(t, ds.TagVersion(ctx, "after-import", "first load"))
	_, err = ds.Append(ctx, []*frame.Record{mustBuild(t, "v3 row", nil)})
	require.NoError(t, err)

	require.NoError(t, ds.CheckoutTag(ctx, "after-import"))
	recs, err := ds.ScanAll(ctx, "")
	require.NoError(t, err)
	assert.Len(t, recs, 1)

	require.NoError(t, ds.CheckoutLatest(ctx))
	require.NoError(t, ds.CheckoutAsOf(ctx, time.Now().Add(time.Hour)))
	recs, err = ds.ScanAll(ctx, "")
	require.NoError(t, err)
	assert.Len(t, recs, 2)

	tags, err := ds.ListTags(ctx)
	require.NoError(t, err)
	require.Len(t, tags, 1)
	assert.Equal(t, "after-import", tags[0].Name)
}

func TestTakeBlobs(t *testing.T) {
	ctx := context.Background()
	ds := newTestDataset(t)
	withBlob := mustBuild(t, "blobbed", func(b *frame.Builder) {
		b.RawData([]byte("the blob body"), "text/plain")
	})
	plain := mustBuild(t, "plain", nil)
	_, err := ds.Append(ctx, []*frame.Record{withBlob, plain})
	require.NoError(t, err)

	results, err := ds.TakeBlobs(ctx, []string{withBlob.UUID, "00000000-0000-0000-0000-0000000000aa", plain.UUID}, "raw_data")
	require.NoError(t, err)
	require.Len(t, results, 3)

	require.NotNil(t, results[0].Stream)
	data, err := io.ReadAll(results[0].Stream)
	require.NoError(t, err)
	require.NoError(t, results[0].Stream.Close())
	assert.Equal(t, "the blob body", string(data))

	assert.Equal(t, cferrs.CodeNotFound, cferrs.CodeOf(results[1].Err), "missing uuids fail in result position")
	assert.Equal(t, cferrs.CodeNotFound, cferrs.CodeOf(results[2].Err), "rows without blobs fail in result position")

	_, err = ds.TakeBlobs(ctx, []string{withBlob.UUID}, "title")
	assert.Equal(t, cferrs.CodeUnknownColumn, cferrs.CodeOf(err))

	again, err := ds.ReadBlob(ctx, withBlob.UUID)
	require.NoError(t, err)
	assert.Equal(t, data, again, "re-reading a blob returns identical bytes")
}

func TestTakeBlobsStreamCap(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	_, err := Create(ctx, dir, testDim, ModeCreate, Options{})
	require.NoError(t, err)
	ds, err := Open(ctx, dir, Options{MaxOpenBlobStreams: 1})
	require.NoError(t, err)

	a := mustBuild(t, "a", func(b *frame.Builder) { b.RawData([]byte("aa"), "text/plain") })
	c := mustBuild(t, "c", func(b *frame.Builder) { b.RawData([]byte("cc"), "text/plain") })
	_, err = ds.Append(ctx, []*frame.Record{a, c})
	require.NoError(t, err)

	_, err = ds.TakeBlobs(ctx, []string{a.UUID, c.UUID}, "raw_data")
	assert.Equal(t, cferrs.CodeResourceExhausted, cferrs.CodeOf(err))

	results, err := ds.TakeBlobs(ctx, []string{a.UUID}, "raw_data")
	require.NoError(t, err)
	require.NoError(t, results[0].Stream.Close())

	results, err = ds.TakeBlobs(ctx, []string{c.UUID}, "raw_data")
	require.NoError(t, err, "closing a stream releases its slot")
	require.NoError(t, results[0].Stream.Close())
}

func TestBlobRereadAfterRewrite(t *testing.T) {
	ctx := context.Background()
	ds := newTestDataset(t)
	blob := mustBuild(t, "keeper", func(b *frame.Builder) {
		b.RawData([]byte("survives rewrites"), "text/plain")
	})
	victim := mustBuild(t, "victim", nil)
	_, err := ds.Append(ctx, []*frame.Record{blob, victim})
	require.NoError(t, err)

	_, _, err = ds.Delete(ctx, fmt.Sprintf("uuid = '%s'", victim.UUID))
	require.NoError(t, err)

	data, err := ds.ReadBlob(ctx, blob.UUID)
	require.NoError(t, err)
	assert.Equal(t, "survives rewrites", string(data), "blobs travel with fragment rewrites")
}
