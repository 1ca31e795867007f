package dataset

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contextframe/contextframe/pkg/cferrs"
	"github.com/contextframe/contextframe/pkg/frame"
)

func TestCollectionHierarchyTraversal(t *testing.T) {
	ctx := context.Background()
	ds := newTestDataset(t)

	h1, err := ds.CreateCollection(ctx, CollectionSpec{Name: "root"})
	require.NoError(t, err)
	h2, err := ds.CreateCollection(ctx, CollectionSpec{Name: "child", Parent: h1.UUID})
	require.NoError(t, err)

	d1 := mustBuild(t, "member doc", nil)
	_, err = ds.Append(ctx, []*frame.Record{d1})
	require.NoError(t, err)
	require.NoError(t, ds.AddToCollection(ctx, []string{d1.UUID}, h2.UUID))

	subs, err := ds.ScanAll(ctx, fmt.Sprintf(
		"record_type = 'collection_header' AND collection_id = '%s'", h1.UUID))
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, h2.UUID, subs[0].UUID)

	members, err := ds.ScanAll(ctx, fmt.Sprintf(
		"collection_id = '%s' AND record_type = 'document'", h2.UUID))
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, d1.UUID, members[0].UUID)

	stats, err := ds.CollectionStats(ctx, h1.UUID, true)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Members)
	assert.Equal(t, 1, stats.Subcollections)
	assert.Equal(t, 1, stats.TotalMembers)
}

func TestCollectionMemberCountMetadata(t *testing.T) {
	ctx := context.Background()
	ds := newTestDataset(t)

	h, err := ds.CreateCollection(ctx, CollectionSpec{Name: "tracked"})
	require.NoError(t, err)
	d := mustBuild(t, "doc", nil)
	_, err = ds.Append(ctx, []*frame.Record{d})
	require.NoError(t, err)
	require.NoError(t, ds.AddToCollection(ctx, []string{d.UUID}, h.UUID))

	header, err := ds.Get(ctx, h.UUID)
	require.NoError(t, err)
	meta, err := frame.GetCollectionMeta(header)
	require.NoError(t, err)
	assert.Equal(t, int64(1), meta.MemberCount)
	raw, ok := header.Metadata(frame.MetaCollectionMemberCount)
	require.True(t, ok)
	assert.Equal(t, "1", raw, "counts live stringified in custom_metadata")
}

func TestListCollections(t *testing.T) {
	ctx := context.Background()
	ds := newTestDataset(t)
	root, err := ds.CreateCollection(ctx, CollectionSpec{Name: "b root"})
	require.NoError(t, err)
	_, err = ds.CreateCollection(ctx, CollectionSpec{Name: "a nested", Parent: root.UUID})
	require.NoError(t, err)

	all, err := ds.ListCollections(ctx, "", false)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "a nested", all[0].Header.Title, "ordered by title")

	nested, err := ds.ListCollections(ctx, root.UUID, true)
	require.NoError(t, err)
	require.Len(t, nested, 1)
	require.NotNil(t, nested[0].Stats)
	assert.Zero(t, nested[0].Stats.Members)
}

func TestMoveDocumentsRefreshesUpdatedAt(t *testing.T) {
	ctx := context.Background()
	ds := newTestDataset(t)
	src, err := ds.CreateCollection(ctx, CollectionSpec{Name: "src"})
	require.NoError(t, err)
	dst, err := ds.CreateCollection(ctx, CollectionSpec{Name: "dst"})
	require.NoError(t, err)

	d := mustBuild(t, "wanderer", nil)
	d.CreatedAt = "2026-01-01T00:00:00Z"
	d.UpdatedAt = "2026-01-01T00:00:00Z"
	_, err = ds.Append(ctx, []*frame.Record{d})
	require.NoError(t, err)
	require.NoError(t, ds.AddToCollection(ctx, []string{d.UUID}, src.UUID))

	require.NoError(t, ds.MoveDocuments(ctx, []string{d.UUID}, src.UUID, dst.UUID))

	moved, err := ds.Get(ctx, d.UUID)
	require.NoError(t, err)
	assert.Equal(t, dst.UUID, moved.CollectionID)
	assert.Equal(t, "dst", moved.Collection)
	assert.NotEqual(t, "2026-01-01T00:00:00Z", moved.UpdatedAt,
		"a move rewrites the row, so updated_at refreshes")

	srcStats, err := ds.CollectionStats(ctx, src.UUID, false)
	require.NoError(t, err)
	assert.Zero(t, srcStats.Members)
	dstStats, err := ds.CollectionStats(ctx, dst.UUID, false)
	require.NoError(t, err)
	assert.Equal(t, 1, dstStats.Members)
}

func TestMoveDocumentsChecksSourceMembership(t *testing.T) {
	ctx := context.Background()
	ds := newTestDataset(t)
	a, err := ds.CreateCollection(ctx, CollectionSpec{Name: "a"})
	require.NoError(t, err)
	b, err := ds.CreateCollection(ctx, CollectionSpec{Name: "b"})
	require.NoError(t, err)
	d := mustBuild(t, "loose doc", nil)
	_, err = ds.Append(ctx, []*frame.Record{d})
	require.NoError(t, err)

	err = ds.MoveDocuments(ctx, []string{d.UUID}, a.UUID, b.UUID)
	assert.Equal(t, cferrs.CodeValidation, cferrs.CodeOf(err))
}

func TestDeleteCollectionRecursive(t *testing.T) {
	ctx := context.Background()
	ds := newTestDataset(t)
	root, err := ds.CreateCollection(ctx, CollectionSpec{Name: "root"})
	require.NoError(t, err)
	child, err := ds.CreateCollection(ctx, CollectionSpec{Name: "child", Parent: root.UUID})
	require.NoError(t, err)

	d := mustBuild(t, "leaf doc", nil)
	_, err = ds.Append(ctx, []*frame.Record{d})
	require.NoError(t, err)
	require.NoError(t, ds.AddToCollection(ctx, []string{d.UUID}, child.UUID))

	_, err = ds.DeleteCollection(ctx, root.UUID, false, false)
	require.Error(t, err, "non-recursive delete refuses when subcollections exist")

	n, err := ds.DeleteCollection(ctx, root.UUID, true, true)
	require.NoError(t, err)
	assert.Equal(t, 3, n, "root, child and the member document")

	recs, err := ds.ScanAll(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestDeleteCollectionDetachesMembers(t *testing.T) {
	ctx := context.Background()
	ds := newTestDataset(t)
	h, err := ds.CreateCollection(ctx, CollectionSpec{Name: "temp"})
	require.NoError(t, err)
	d := mustBuild(t, "survivor", nil)
	_, err = ds.Append(ctx, []*frame.Record{d})
	require.NoError(t, err)
	require.NoError(t, ds.AddToCollection(ctx, []string{d.UUID}, h.UUID))

	_, err = ds.DeleteCollection(ctx, h.UUID, false, false)
	require.NoError(t, err)

	got, err := ds.Get(ctx, d.UUID)
	require.NoError(t, err)
	assert.Empty(t, got.CollectionID, "members are detached, not deleted")
	assert.Empty(t, got.Relations(frame.RelMemberOf))
}

func TestCollectionSharedMetadata(t *testing.T) {
	ctx := context.Background()
	ds := newTestDataset(t)
	h, err := ds.CreateCollection(ctx, CollectionSpec{
		Name:     "shared",
		Template: "journal",
		Shared:   map[string]string{"owner": "platform"},
	})
	require.NoError(t, err)

	meta, err := frame.GetCollectionMeta(h)
	require.NoError(t, err)
	assert.Equal(t, "journal", meta.Template)
	assert.Equal(t, "platform", meta.Shared["owner"])

	updated, err := ds.UpdateCollection(ctx, h.UUID, func(header *frame.Record) {
		header.SetMetadata("shared_owner", "search")
	})
	require.NoError(t, err)
	meta, err = frame.GetCollectionMeta(updated)
	require.NoError(t, err)
	assert.Equal(t, "search", meta.Shared["owner"])
}

func TestFramesetWritesBothEdgeDirections(t *testing.T) {
	ctx := context.Background()
	ds := newTestDataset(t)
	src1 := mustBuild(t, "source one", func(b *frame.Builder) { b.Text("alpha") })
	src2 := mustBuild(t, "source two", func(b *frame.Builder) { b.Text("beta") })
	_, err := ds.Append(ctx, []*frame.Record{src1, src2})
	require.NoError(t, err)

	fs, err := ds.CreateFrameset(ctx, "summary", "alpha and beta, condensed", []string{src1.UUID, src2.UUID})
	require.NoError(t, err)
	assert.Equal(t, frame.TypeFrameset, fs.RecordType)
	require.Len(t, fs.Relations(frame.RelContains), 2)

	s1, err := ds.Get(ctx, src1.UUID)
	require.NoError(t, err)
	memberOf := s1.Relations(frame.RelMemberOf)
	require.Len(t, memberOf, 1)
	assert.Equal(t, fs.UUID, memberOf[0].ID)

	sources, err := ds.FramesetSources(ctx, fs.UUID)
	require.NoError(t, err)
	require.Len(t, sources, 2)
	assert.Equal(t, src1.UUID, sources[0].UUID, "contains edges keep source order")

	_, err = ds.CreateFrameset(ctx, "empty", "", nil)
	assert.Equal(t, cferrs.CodeValidation, cferrs.CodeOf(err))
}

func TestDatasetHeaderSingleton(t *testing.T) {
	ctx := context.Background()
	ds := newTestDataset(t)

	_, err := ds.DatasetHeader(ctx)
	assert.Equal(t, cferrs.CodeNotFound, cferrs.CodeOf(err))

	first, err := ds.SetDatasetHeader(ctx, "my dataset", map[string]string{"team": "docs"})
	require.NoError(t, err)
	second, err := ds.SetDatasetHeader(ctx, "my dataset renamed", nil)
	require.NoError(t, err)
	assert.Equal(t, first.UUID, second.UUID, "at most one header per dataset")

	headers, err := ds.ScanAll(ctx, "record_type = 'dataset_header'")
	require.NoError(t, err)
	assert.Len(t, headers, 1)
	assert.Equal(t, "my dataset renamed", headers[0].Title)
}

func TestListRelatedExactPair(t *testing.T) {
	ctx := context.Background()
	ds := newTestDataset(t)
	target := mustBuild(t, "target", nil)
	// Carries the right id under the wrong type plus a decoy pair, which
	// any-of filtering alone would wrongly match.
	decoy := mustBuild(t, "decoy", func(b *frame.Builder) {
		b.Relationship(frame.Relationship{Type: frame.RelChild, ID: "someone-else"})
	})
	child := mustBuild(t, "real child", nil)
	_, err := ds.Append(ctx, []*frame.Record{target, decoy, child})
	require.NoError(t, err)

	decoyStored, err := ds.Get(ctx, decoy.UUID)
	require.NoError(t, err)
	decoyStored.AddRelationship(frame.Relationship{Type: frame.RelRelated, ID: target.UUID})
	_, err = ds.Upsert(ctx, []*frame.Record{decoyStored})
	require.NoError(t, err)

	childStored, err := ds.Get(ctx, child.UUID)
	require.NoError(t, err)
	childStored.AddRelationship(frame.Relationship{Type: frame.RelChild, ID: target.UUID})
	_, err = ds.Upsert(ctx, []*frame.Record{childStored})
	require.NoError(t, err)

	related, err := ds.ListRelated(ctx, target.UUID, frame.RelChild)
	require.NoError(t, err)
	require.Len(t, related, 1)
	assert.Equal(t, child.UUID, related[0].UUID)
}
