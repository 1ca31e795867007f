package predicate

import (
	"github.com/contextframe/contextframe/pkg/cferrs"
	"github.com/contextframe/contextframe/pkg/frame"
)

// Bind checks every identifier in the expression against the schema.
// Unknown columns and nested fields surface E_UNKNOWN_COLUMN; columns
// the evaluator cannot compare (the blob column, the vector column)
// surface E_UNSUPPORTED_PREDICATE.
func Bind(e Expr, schema *frame.Schema) error {
	for _, id := range Idents(e) {
		field, ok := schema.Lookup(id.Column)
		if !ok {
			return cferrs.New(cferrs.CodeUnknownColumn, false, "unknown column %q", id.Column)
		}
		switch field.Kind {
		case frame.KindBlob:
			return cferrs.New(cferrs.CodeUnsupportedPredicate, false,
				"column %q is blob-encoded and cannot be filtered", id.Column)
		case frame.KindFloatList:
			return cferrs.New(cferrs.CodeUnsupportedPredicate, false,
				"column %q is a vector and cannot be filtered", id.Column)
		}
		if id.Field != "" {
			if field.Kind != frame.KindStructList && field.Kind != frame.KindPairList {
				return cferrs.New(cferrs.CodeUnknownColumn, false,
					"column %q has no nested field %q", id.Column, id.Field)
			}
			// custom_metadata.<key> addresses arbitrary user keys; only
			// struct columns with fixed fields are checked strictly.
			if field.Kind == frame.KindStructList && !schema.HasNested(id.Column, id.Field) {
				return cferrs.New(cferrs.CodeUnknownColumn, false,
					"column %q has no nested field %q", id.Column, id.Field)
			}
		}
	}
	return nil
}
