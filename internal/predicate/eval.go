package predicate

import (
	"cmp"
	"strconv"

	"github.com/contextframe/contextframe/pkg/frame"
)

// value is what an identifier resolves to for one record: a scalar or a
// list. An empty scalar / empty list is NULL; NULL propagates through
// comparisons as false.
type value struct {
	scalar string
	list   []string
	isList bool
}

func (v value) isNull() bool {
	if v.isList {
		return len(v.list) == 0
	}
	return v.scalar == ""
}

// Eval applies the expression to a record. Identifiers must have been
// bound beforehand; unknown columns evaluate as NULL here.
func Eval(e Expr, rec *frame.Record) bool {
	switch v := e.(type) {
	case *Logical:
		if v.Op == "AND" {
			return Eval(v.Left, rec) && Eval(v.Right, rec)
		}
		return Eval(v.Left, rec) || Eval(v.Right, rec)
	case *Not:
		return !Eval(v.Inner, rec)
	case *Compare:
		return evalCompare(v, rec)
	case *Contains:
		val := resolve(v.Col, rec)
		for _, item := range val.list {
			if item == v.Value {
				return true
			}
		}
		return false
	case *NullCheck:
		null := resolve(v.Col, rec).isNull()
		if v.Negated {
			return !null
		}
		return null
	case *In:
		val := resolve(v.Col, rec)
		if val.isNull() {
			return false
		}
		for _, lit := range v.Values {
			if anyMatch(val, func(s string) bool { return compareScalar(s, "=", lit) }) {
				return true
			}
		}
		return false
	case *Like:
		val := resolve(v.Col, rec)
		if val.isNull() {
			return false
		}
		return anyMatch(val, v.re.MatchString)
	default:
		return false
	}
}

func evalCompare(c *Compare, rec *frame.Record) bool {
	val := resolve(c.Col, rec)
	if val.isNull() {
		return false
	}
	return anyMatch(val, func(s string) bool { return compareScalar(s, c.Op, c.Lit) })
}

// anyMatch applies pred across a scalar or, row-wise any-of, across a
// list value (relationships.type = 'child' matches when any edge does).
func anyMatch(v value, pred func(string) bool) bool {
	if v.isList {
		for _, item := range v.list {
			if pred(item) {
				return true
			}
		}
		return false
	}
	return pred(v.scalar)
}

// compareScalar compares a stored value with a literal. When both sides
// parse as numbers the comparison is numeric, so stringified counters
// ("10" > '5') order correctly; otherwise it is lexicographic, which is
// also the correct order for RFC 3339 timestamps.
func compareScalar(stored, op string, lit Literal) bool {
	if lit.IsNum {
		if n, err := strconv.ParseFloat(stored, 64); err == nil {
			return cmpOrdered(n, op, lit.Num)
		}
	}
	return cmpOrdered(stored, op, lit.Str)
}

func cmpOrdered[T cmp.Ordered](a T, op string, b T) bool {
	switch op {
	case "=":
		return a == b
	case "!=":
		return a != b
	case "<":
		return a < b
	case "<=":
		return a <= b
	case ">":
		return a > b
	case ">=":
		return a >= b
	default:
		return false
	}
}

// resolve maps an identifier to its value on a record.
func resolve(id Ident, rec *frame.Record) value {
	switch id.Column {
	case frame.ColUUID:
		return value{scalar: rec.UUID}
	case frame.ColTitle:
		return value{scalar: rec.Title}
	case frame.ColTextContent:
		return value{scalar: rec.TextContent}
	case frame.ColEmbeddingDim:
		return value{scalar: intScalar(int64(rec.EmbeddingDim))}
	case frame.ColRawDataType:
		return value{scalar: rec.RawDataType}
	case frame.ColRecordType:
		rt := string(rec.RecordType)
		if rt == "" {
			rt = string(frame.TypeDocument)
		}
		return value{scalar: rt}
	case frame.ColCollection:
		return value{scalar: rec.Collection}
	case frame.ColCollectionID:
		return value{scalar: rec.CollectionID}
	case frame.ColCollectionIDType:
		return value{scalar: rec.CollectionIDType}
	case frame.ColPosition:
		return value{scalar: intScalar(int64(rec.Position))}
	case frame.ColAuthor:
		return value{scalar: rec.Author}
	case frame.ColContributors:
		return value{list: rec.Contributors, isList: true}
	case frame.ColCreatedAt:
		return value{scalar: rec.CreatedAt}
	case frame.ColUpdatedAt:
		return value{scalar: rec.UpdatedAt}
	case frame.ColTags:
		return value{list: rec.Tags, isList: true}
	case frame.ColStatus:
		return value{scalar: rec.Status}
	case frame.ColSourceFile:
		return value{scalar: rec.SourceFile}
	case frame.ColSourceType:
		return value{scalar: rec.SourceType}
	case frame.ColSourceURL:
		return value{scalar: rec.SourceURL}
	case frame.ColURI:
		return value{scalar: rec.URI}
	case frame.ColLocalPath:
		return value{scalar: rec.LocalPath}
	case frame.ColCID:
		return value{scalar: rec.CID}
	case frame.ColRelationships:
		return value{list: relationshipField(rec, id.Field), isList: true}
	case frame.ColCustomMetadata:
		return value{list: metadataField(rec, id.Field), isList: true}
	default:
		return value{}
	}
}

// intScalar renders integers for the string-typed comparator; position 0
// is a real value, so integers never read as NULL.
func intScalar(n int64) string {
	return strconv.FormatInt(n, 10)
}

func relationshipField(rec *frame.Record, field string) []string {
	out := make([]string, 0, len(rec.Relationships))
	for _, rel := range rec.Relationships {
		switch field {
		case "":
			// Bare column reference: the list's presence, for IS NULL.
			out = append(out, string(rel.Type))
		case "type":
			out = append(out, string(rel.Type))
		case "id":
			out = append(out, rel.ID)
		case "uri":
			out = append(out, rel.URI)
		case "path":
			out = append(out, rel.Path)
		case "cid":
			out = append(out, rel.CID)
		case "title":
			out = append(out, rel.Title)
		case "description":
			out = append(out, rel.Description)
		}
	}
	// Drop empties so IS NULL sees absence, not blank struct fields.
	kept := out[:0]
	for _, s := range out {
		if s != "" {
			kept = append(kept, s)
		}
	}
	return kept
}

func metadataField(rec *frame.Record, field string) []string {
	out := make([]string, 0, len(rec.CustomMetadata))
	for _, p := range rec.CustomMetadata {
		switch field {
		case "":
			out = append(out, p.Key)
		case "key":
			out = append(out, p.Key)
		case "value":
			out = append(out, p.Value)
		default:
			// custom_metadata.<key> addresses the value stored under key.
			if p.Key == field {
				out = append(out, p.Value)
			}
		}
	}
	return out
}
