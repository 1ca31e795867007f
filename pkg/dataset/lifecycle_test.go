package dataset

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contextframe/contextframe/pkg/cferrs"
	"github.com/contextframe/contextframe/pkg/frame"
)

func TestCompactMergesFragments(t *testing.T) {
	ctx := context.Background()
	ds := newTestDataset(t)
	for i := 0; i < 6; i++ {
		mutate := func(b *frame.Builder) {}
		if i == 0 {
			mutate = func(b *frame.Builder) { b.RawData([]byte("keep me"), "text/plain") }
		}
		rec := mustBuild(t, fmt.Sprintf("doc %d", i), mutate)
		_, err := ds.Append(ctx, []*frame.Record{rec})
		require.NoError(t, err)
	}

	before, err := ds.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6, before.Fragments)

	_, err = ds.Compact(ctx, 10)
	require.NoError(t, err)

	after, err := ds.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, after.Fragments)
	assert.Equal(t, int64(6), after.Rows, "compaction preserves the row set")

	recs, err := ds.ScanAll(ctx, "")
	require.NoError(t, err)
	assert.Len(t, recs, 6)

	blobbed, err := ds.ScanAll(ctx, "raw_data_type IS NOT NULL")
	require.NoError(t, err)
	require.Len(t, blobbed, 1)
	data, err := ds.ReadBlob(ctx, blobbed[0].UUID)
	require.NoError(t, err)
	assert.Equal(t, "keep me", string(data), "blob bodies survive compaction")
}

func TestCleanupOldVersionsKeepsTaggedAndHead(t *testing.T) {
	ctx := context.Background()
	ds := newTestDataset(t)
	for i := 0; i < 4; i++ {
		_, err := ds.Append(ctx, []*frame.Record{mustBuild(t, fmt.Sprintf("doc %d", i), nil)})
		require.NoError(t, err)
	}
	require.NoError(t, ds.TagVersion(ctx, "head-tag", ""))

	// Tag an old version, then vacuum everything older than now.
	olderTag := ds.CurrentVersion() - 2
	require.NoError(t, ds.Checkout(ctx, olderTag))
	require.NoError(t, ds.TagVersion(ctx, "pinned-old", "kept by cleanup"))
	require.NoError(t, ds.CheckoutLatest(ctx))

	removed, err := ds.CleanupOldVersions(ctx, time.Now().Add(time.Minute), true)
	require.NoError(t, err)
	assert.Positive(t, removed)

	versions, err := ds.ListVersions(ctx)
	require.NoError(t, err)
	kept := map[uint64]bool{}
	for _, v := range versions {
		kept[v.Version] = true
	}
	assert.True(t, kept[ds.CurrentVersion()], "the head always survives")
	assert.True(t, kept[olderTag], "tagged versions survive cleanup")

	recs, err := ds.ScanAll(ctx, "")
	require.NoError(t, err)
	assert.Len(t, recs, 4, "live data is untouched by the vacuum")
}

func TestStatsReportsIndexPresence(t *testing.T) {
	ctx := context.Background()
	ds := newTestDataset(t)
	_, err := ds.Append(ctx, []*frame.Record{mustBuild(t, "doc", func(b *frame.Builder) {
		b.Text("hello")
		b.Vector([]float32{1, 0, 0, 0})
	})})
	require.NoError(t, err)
	require.NoError(t, ds.CreateScalarIndex(ctx, "uuid"))
	require.NoError(t, ds.CreateFTSIndex(ctx))

	stats, err := ds.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Rows)
	assert.Equal(t, 1, stats.Fragments)
	assert.Positive(t, stats.Bytes)
	require.Len(t, stats.Indexes, 2)
	columns := []string{stats.Indexes[0].Column, stats.Indexes[1].Column}
	assert.Contains(t, columns, "uuid")
	assert.Contains(t, columns, "text_content")
}

func TestDiffUUIDsBetweenVersions(t *testing.T) {
	ctx := context.Background()
	ds := newTestDataset(t)

	a := mustBuild(t, "stays", nil)
	b := mustBuild(t, "changes", nil)
	c := mustBuild(t, "goes away", nil)
	_, err := ds.Append(ctx, []*frame.Record{a, b, c})
	require.NoError(t, err)
	from := ds.CurrentVersion()

	updated := b.Clone()
	updated.Title = "changed title"
	updated.UpdatedAt = frame.Now()
	_, err = ds.Upsert(ctx, []*frame.Record{updated})
	require.NoError(t, err)
	_, _, err = ds.Delete(ctx, fmt.Sprintf("uuid = '%s'", c.UUID))
	require.NoError(t, err)
	d := mustBuild(t, "arrives", nil)
	_, err = ds.Append(ctx, []*frame.Record{d})
	require.NoError(t, err)
	to := ds.CurrentVersion()

	diff, err := ds.DiffUUIDs(ctx, from, to)
	require.NoError(t, err)
	assert.Equal(t, []string{d.UUID}, diff.Added)
	assert.Equal(t, []string{c.UUID}, diff.Removed)
	assert.Equal(t, []string{b.UUID}, diff.Changed)
}

func TestHandleCache(t *testing.T) {
	ctx := context.Background()
	dir1 := t.TempDir()
	dir2 := t.TempDir()
	_, err := Create(ctx, dir1, testDim, ModeCreate, Options{})
	require.NoError(t, err)
	_, err = Create(ctx, dir2, testDim, ModeCreate, Options{})
	require.NoError(t, err)

	cache, err := NewCache(1, Options{})
	require.NoError(t, err)
	defer cache.Close()

	h1, err := cache.Open(ctx, dir1)
	require.NoError(t, err)
	again, err := cache.Open(ctx, dir1)
	require.NoError(t, err)
	assert.Same(t, h1, again, "hits reuse the open handle")

	_, err = cache.Open(ctx, dir2)
	require.NoError(t, err)
	fresh, err := cache.Open(ctx, dir1)
	require.NoError(t, err)
	assert.NotSame(t, h1, fresh, "dir1 was evicted by the size-1 cache")

	_, err = cache.Open(ctx, t.TempDir())
	assert.Equal(t, cferrs.CodeNotFound, cferrs.CodeOf(err), "opening a non-dataset fails")
}

func TestScanCancellation(t *testing.T) {
	ds := newTestDataset(t)
	ctx := context.Background()
	_, err := ds.Append(ctx, []*frame.Record{mustBuild(t, "doc", nil)})
	require.NoError(t, err)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	stream, err := ds.Scan(cancelled, ScanOptions{})
	require.NoError(t, err)
	assert.False(t, stream.Next())
	assert.Equal(t, cferrs.CodeCancelled, cferrs.CodeOf(stream.Err()))
}
