package predicate

// Plan is the execution shape of a filter over a possibly blob-bearing
// table. The underlying predicate engine mishandles bare > and >=
// comparisons when any column is blob-encoded, so those sub-expressions
// must be re-evaluated in memory over the non-blob columns.
type Plan struct {
	// Pushdown is safe to hand to the native scanner (index-accelerated
	// where possible). Nil means no pushdown.
	Pushdown Expr
	// Residual is applied in memory over the pushdown result, with the
	// blob column excluded from the projection.
	Residual Expr
	// FullScan is set when no safe conjunctive prefix exists (every
	// top-level conjunct contains an unsafe comparison): the whole filter
	// runs in memory over a full projected scan.
	FullScan bool
}

// Split decides how a filter executes. Without blob data, or without
// range operators, everything pushes down. Otherwise the top-level
// conjunction is split into the safe prefix (pushed down, preserving
// index usage) and the unsafe residual (evaluated in memory).
func Split(e Expr, hasBlobData bool) Plan {
	if e == nil {
		return Plan{}
	}
	if !hasBlobData || !HasRangeOp(e) {
		return Plan{Pushdown: e}
	}

	conjuncts := flattenAnd(e)
	var safe, unsafe []Expr
	for _, c := range conjuncts {
		if HasRangeOp(c) {
			unsafe = append(unsafe, c)
		} else {
			safe = append(safe, c)
		}
	}
	if len(safe) == 0 {
		return Plan{Residual: e, FullScan: true}
	}
	return Plan{Pushdown: joinAnd(safe), Residual: joinAnd(unsafe)}
}

func flattenAnd(e Expr) []Expr {
	if l, ok := e.(*Logical); ok && l.Op == "AND" {
		return append(flattenAnd(l.Left), flattenAnd(l.Right)...)
	}
	return []Expr{e}
}

func joinAnd(exprs []Expr) Expr {
	if len(exprs) == 0 {
		return nil
	}
	out := exprs[0]
	for _, e := range exprs[1:] {
		out = &Logical{Op: "AND", Left: out, Right: e}
	}
	return out
}
