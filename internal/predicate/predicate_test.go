package predicate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contextframe/contextframe/pkg/cferrs"
	"github.com/contextframe/contextframe/pkg/frame"
)

var testSchema = frame.NewSchema(4)

func doc(mutate func(*frame.Record)) *frame.Record {
	rec := &frame.Record{
		UUID:        "11111111-1111-1111-1111-111111111111",
		Title:       "getting started",
		TextContent: "hello world",
		RecordType:  frame.TypeDocument,
		Status:      "published",
		Author:      "ada",
		Tags:        []string{"go", "search"},
		CreatedAt:   "2026-01-01T00:00:00Z",
		UpdatedAt:   "2026-03-01T00:00:00Z",
	}
	if mutate != nil {
		mutate(rec)
	}
	return rec
}

func mustEval(t *testing.T, filter string, rec *frame.Record) bool {
	t.Helper()
	expr, err := Parse(filter)
	require.NoError(t, err)
	require.NoError(t, Bind(expr, testSchema))
	return Eval(expr, rec)
}

func TestParseErrors(t *testing.T) {
	for _, filter := range []string{
		"",
		"status =",
		"status = 'open",
		"status ! 'open'",
		"(status = 'open'",
		"status IN ()",
		"status IS",
		"relationships.type.id = 'x'",
		"tags.contains(42)",
	} {
		_, err := Parse(filter)
		require.Error(t, err, filter)
		assert.Equal(t, cferrs.CodeInvalidPredicate, cferrs.CodeOf(err), filter)
	}
}

func TestBindErrors(t *testing.T) {
	cases := map[string]string{
		"nonexistent = 'x'":          cferrs.CodeUnknownColumn,
		"relationships.flavor = 'x'": cferrs.CodeUnknownColumn,
		"raw_data = 'x'":             cferrs.CodeUnsupportedPredicate,
		"vector = 'x'":               cferrs.CodeUnsupportedPredicate,
	}
	for filter, code := range cases {
		expr, err := Parse(filter)
		require.NoError(t, err, filter)
		err = Bind(expr, testSchema)
		require.Error(t, err, filter)
		assert.Equal(t, code, cferrs.CodeOf(err), filter)
	}
}

func TestEvalComparisons(t *testing.T) {
	rec := doc(nil)
	cases := map[string]bool{
		"status = 'published'":                      true,
		"status != 'published'":                     false,
		"status = 'draft'":                          false,
		"author = 'ada' AND status = 'published'":   true,
		"author = 'bob' OR status = 'published'":    true,
		"NOT status = 'draft'":                      true,
		"created_at < '2026-02-01T00:00:00Z'":       true,
		"updated_at >= '2026-03-01T00:00:00Z'":      true,
		"(status = 'draft' OR author = 'ada') AND title = 'getting started'": true,
	}
	for filter, want := range cases {
		assert.Equal(t, want, mustEval(t, filter, rec), filter)
	}
}

func TestEvalNullPropagatesFalse(t *testing.T) {
	rec := doc(func(r *frame.Record) { r.Status = "" })
	assert.False(t, mustEval(t, "status = ''", rec) || mustEval(t, "status != 'x'", rec))
	assert.True(t, mustEval(t, "status IS NULL", rec))
	assert.False(t, mustEval(t, "status IS NOT NULL", rec))
}

func TestEvalLike(t *testing.T) {
	rec := doc(nil)
	assert.True(t, mustEval(t, "title LIKE 'getting%'", rec))
	assert.True(t, mustEval(t, "title LIKE '%start%'", rec))
	assert.True(t, mustEval(t, "title LIKE 'getting starte_'", rec))
	assert.False(t, mustEval(t, "title LIKE 'started%'", rec))
}

func TestEvalInAndContains(t *testing.T) {
	rec := doc(nil)
	assert.True(t, mustEval(t, "status IN ('draft', 'published')", rec))
	assert.False(t, mustEval(t, "status IN ('draft', 'archived')", rec))
	assert.True(t, mustEval(t, "tags.contains('go')", rec))
	assert.False(t, mustEval(t, "tags.contains('rust')", rec))
}

func TestEvalRelationshipsAnyOf(t *testing.T) {
	rec := doc(func(r *frame.Record) {
		r.Relationships = []frame.Relationship{
			{Type: frame.RelChild, ID: "c1"},
			{Type: frame.RelMemberOf, ID: "m1"},
		}
	})
	assert.True(t, mustEval(t, "relationships.type = 'child'", rec))
	assert.True(t, mustEval(t, "relationships.id = 'm1'", rec))
	assert.False(t, mustEval(t, "relationships.type = 'parent'", rec))
}

func TestEvalCustomMetadataNumericStrings(t *testing.T) {
	big := doc(func(r *frame.Record) {
		r.CustomMetadata = []frame.MetadataPair{{Key: "collection_member_count", Value: "10"}}
	})
	small := doc(func(r *frame.Record) {
		r.CustomMetadata = []frame.MetadataPair{{Key: "collection_member_count", Value: "3"}}
	})
	// "10" must order above '5' numerically, not lexicographically.
	assert.True(t, mustEval(t, "custom_metadata.value > '5'", big))
	assert.False(t, mustEval(t, "custom_metadata.value > '5'", small))
	assert.True(t, mustEval(t, "custom_metadata.key = 'collection_member_count'", big))
	assert.True(t, mustEval(t, "custom_metadata.collection_member_count = '10'", big))
}

func TestSplitPassThroughWithoutBlobData(t *testing.T) {
	expr, err := Parse("position > 3 AND status = 'draft'")
	require.NoError(t, err)
	plan := Split(expr, false)
	assert.Equal(t, expr, plan.Pushdown)
	assert.Nil(t, plan.Residual)
	assert.False(t, plan.FullScan)
}

func TestSplitPassThroughWithoutRangeOps(t *testing.T) {
	expr, err := Parse("status = 'draft' OR position < 3")
	require.NoError(t, err)
	plan := Split(expr, true)
	assert.Equal(t, expr, plan.Pushdown)
	assert.Nil(t, plan.Residual)
}

func TestSplitSeparatesUnsafeConjuncts(t *testing.T) {
	expr, err := Parse("status = 'draft' AND position > 3 AND author = 'ada'")
	require.NoError(t, err)
	plan := Split(expr, true)
	require.NotNil(t, plan.Pushdown)
	require.NotNil(t, plan.Residual)
	assert.False(t, plan.FullScan)
	assert.False(t, HasRangeOp(plan.Pushdown), "safe prefix must be free of > and >=")
	assert.True(t, HasRangeOp(plan.Residual))
}

func TestSplitFallsBackOnDisjunction(t *testing.T) {
	expr, err := Parse("status = 'draft' OR position >= 3")
	require.NoError(t, err)
	plan := Split(expr, true)
	assert.True(t, plan.FullScan)
	assert.Nil(t, plan.Pushdown)
	assert.Equal(t, expr, plan.Residual)
}

func TestSplitNegatedRangeGoesResidual(t *testing.T) {
	expr, err := Parse("status = 'draft' AND NOT position > 3")
	require.NoError(t, err)
	plan := Split(expr, true)
	assert.False(t, plan.FullScan)
	assert.False(t, HasRangeOp(plan.Pushdown))
	assert.True(t, HasRangeOp(plan.Residual))
}

func TestSplitEquivalence(t *testing.T) {
	recs := []*frame.Record{
		doc(func(r *frame.Record) { r.Position = 1; r.Status = "draft" }),
		doc(func(r *frame.Record) { r.Position = 5; r.Status = "draft" }),
		doc(func(r *frame.Record) { r.Position = 9; r.Status = "published" }),
	}
	filters := []string{
		"position > 4",
		"position >= 5 AND status = 'draft'",
		"status = 'draft' OR position > 8",
		"NOT position > 4",
	}
	for _, filter := range filters {
		expr, err := Parse(filter)
		require.NoError(t, err)
		plan := Split(expr, true)
		for _, rec := range recs {
			direct := Eval(expr, rec)
			planned := (plan.Pushdown == nil || Eval(plan.Pushdown, rec)) &&
				(plan.Residual == nil || Eval(plan.Residual, rec))
			assert.Equal(t, direct, planned, "%s must survive the split unchanged", filter)
		}
	}
}

func TestOrderByParsing(t *testing.T) {
	terms, err := ParseOrderBy("created_at DESC, title", testSchema)
	require.NoError(t, err)
	require.Len(t, terms, 2)
	assert.True(t, terms[0].Desc)
	assert.False(t, terms[1].Desc)

	_, err = ParseOrderBy("nope ASC", testSchema)
	assert.Equal(t, cferrs.CodeUnknownColumn, cferrs.CodeOf(err))

	_, err = ParseOrderBy("title SIDEWAYS", testSchema)
	assert.Equal(t, cferrs.CodeInvalidPredicate, cferrs.CodeOf(err))
}

func TestCompareKeysNumericAware(t *testing.T) {
	assert.Equal(t, 1, CompareKeys("10", "5"))
	assert.Equal(t, -1, CompareKeys("10", "zebra"))
	assert.Equal(t, 0, CompareKeys("a", "a"))
	assert.Equal(t, -1, CompareKeys("", "a"))
}
