package predicate

import (
	"strconv"
	"strings"

	"github.com/contextframe/contextframe/pkg/cferrs"
	"github.com/contextframe/contextframe/pkg/frame"
)

func invalidOrder(part string) error {
	return cferrs.New(cferrs.CodeInvalidPredicate, false, "bad ORDER BY term %q", strings.TrimSpace(part))
}

func unknownColumn(name string) error {
	return cferrs.New(cferrs.CodeUnknownColumn, false, "unknown column %q", name)
}

// SortKey returns a record's scalar sort key for a column. List columns
// key on their first element.
func SortKey(rec *frame.Record, column string) string {
	v := resolve(Ident{Column: column}, rec)
	if v.isList {
		if len(v.list) == 0 {
			return ""
		}
		return v.list[0]
	}
	return v.scalar
}

// CompareKeys orders two sort keys, numerically when both parse as
// numbers and lexicographically otherwise. Empty keys sort first.
func CompareKeys(a, b string) int {
	if a == b {
		return 0
	}
	if a == "" {
		return -1
	}
	if b == "" {
		return 1
	}
	na, errA := strconv.ParseFloat(a, 64)
	nb, errB := strconv.ParseFloat(b, 64)
	if errA == nil && errB == nil {
		switch {
		case na < nb:
			return -1
		case na > nb:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(a, b)
}

// OrderTerm is one parsed ORDER BY term.
type OrderTerm struct {
	Column string
	Desc   bool
}

// ParseOrderBy parses "col [ASC|DESC], ..." clauses.
func ParseOrderBy(clause string, schema *frame.Schema) ([]OrderTerm, error) {
	var terms []OrderTerm
	for _, part := range strings.Split(clause, ",") {
		fields := strings.Fields(part)
		if len(fields) == 0 {
			continue
		}
		term := OrderTerm{Column: fields[0]}
		if len(fields) > 1 {
			switch strings.ToUpper(fields[1]) {
			case "ASC":
			case "DESC":
				term.Desc = true
			default:
				return nil, invalidOrder(part)
			}
		}
		if len(fields) > 2 {
			return nil, invalidOrder(part)
		}
		if _, ok := schema.Lookup(term.Column); !ok {
			return nil, unknownColumn(term.Column)
		}
		terms = append(terms, term)
	}
	return terms, nil
}
