package index

import (
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/contextframe/contextframe/pkg/cferrs"
)

// FTSIndex is an inverted index with positional postings over one or
// more text columns, scored with BM25.
type FTSIndex struct {
	// Postings: term -> uuid -> token positions in that document.
	Postings map[string]map[string][]int32 `json:"postings"`
	DocLens  map[string]int64              `json:"doc_lens"`
	TotalLen int64                         `json:"total_len"`
}

const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

// Tokenize lowercases and splits on non-alphanumeric runes.
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// BuildFTS indexes each document's text.
func BuildFTS(docs map[string]string) *FTSIndex {
	idx := &FTSIndex{
		Postings: map[string]map[string][]int32{},
		DocLens:  map[string]int64{},
	}
	for uuid, text := range docs {
		tokens := Tokenize(text)
		idx.DocLens[uuid] = int64(len(tokens))
		idx.TotalLen += int64(len(tokens))
		for pos, tok := range tokens {
			posting, ok := idx.Postings[tok]
			if !ok {
				posting = map[string][]int32{}
				idx.Postings[tok] = posting
			}
			posting[uuid] = append(posting[uuid], int32(pos))
		}
	}
	return idx
}

// Hit is one ranked full-text match.
type Hit struct {
	UUID  string
	Score float64
}

// Search evaluates the query grammar — phrases in double quotes, AND /
// OR / NOT, and trailing-* prefix terms — and returns matches ranked by
// BM25, ties broken by uuid for determinism.
func (idx *FTSIndex) Search(query string) ([]Hit, error) {
	node, err := parseFTSQuery(query)
	if err != nil {
		return nil, err
	}
	if node == nil {
		return nil, nil
	}
	matched := node.eval(idx)
	scores := map[string]float64{}
	for uuid := range matched {
		scores[uuid] = 0
	}
	for _, term := range node.positiveTerms() {
		idx.scoreTerm(term, scores)
	}
	hits := make([]Hit, 0, len(scores))
	for uuid, score := range scores {
		hits = append(hits, Hit{UUID: uuid, Score: score})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].UUID < hits[j].UUID
	})
	return hits, nil
}

// scoreTerm adds each matched document's BM25 contribution for term.
// Prefix terms contribute through every expansion.
func (idx *FTSIndex) scoreTerm(term string, scores map[string]float64) {
	for _, expanded := range idx.expand(term) {
		docs := idx.Postings[expanded]
		if len(docs) == 0 {
			continue
		}
		n := len(idx.DocLens)
		df := len(docs)
		// BM25 idf, floored so very common terms still contribute.
		idf := logf(1 + (float64(n)-float64(df)+0.5)/(float64(df)+0.5))
		avgLen := 1.0
		if n > 0 {
			avgLen = float64(idx.TotalLen) / float64(n)
		}
		for uuid, positions := range docs {
			if _, ok := scores[uuid]; !ok {
				continue
			}
			tf := float64(len(positions))
			dl := float64(idx.DocLens[uuid])
			scores[uuid] += idf * tf * (bm25K1 + 1) / (tf + bm25K1*(1-bm25B+bm25B*dl/avgLen))
		}
	}
}

func (idx *FTSIndex) expand(term string) []string {
	if !strings.HasSuffix(term, "*") {
		return []string{term}
	}
	prefix := strings.TrimSuffix(term, "*")
	var out []string
	for t := range idx.Postings {
		if strings.HasPrefix(t, prefix) {
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return out
}

// docsFor returns the set of documents containing term (with prefix
// expansion).
func (idx *FTSIndex) docsFor(term string) map[string]bool {
	out := map[string]bool{}
	for _, t := range idx.expand(term) {
		for uuid := range idx.Postings[t] {
			out[uuid] = true
		}
	}
	return out
}

// docsForPhrase returns documents containing the tokens consecutively.
func (idx *FTSIndex) docsForPhrase(tokens []string) map[string]bool {
	out := map[string]bool{}
	if len(tokens) == 0 {
		return out
	}
	first := idx.Postings[tokens[0]]
	for uuid, starts := range first {
		for _, start := range starts {
			if idx.phraseAt(uuid, tokens, start) {
				out[uuid] = true
				break
			}
		}
	}
	return out
}

func (idx *FTSIndex) phraseAt(uuid string, tokens []string, start int32) bool {
	for i, tok := range tokens[1:] {
		positions := idx.Postings[tok][uuid]
		want := start + int32(i) + 1
		found := false
		for _, p := range positions {
			if p == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// --- query grammar ---

type ftsNode struct {
	op     string // "term" | "phrase" | "and" | "or" | "not"
	term   string
	phrase []string
	left   *ftsNode
	right  *ftsNode
}

func (n *ftsNode) eval(idx *FTSIndex) map[string]bool {
	switch n.op {
	case "term":
		return idx.docsFor(n.term)
	case "phrase":
		return idx.docsForPhrase(n.phrase)
	case "and":
		left, right := n.left.eval(idx), n.right.eval(idx)
		out := map[string]bool{}
		for uuid := range left {
			if right[uuid] {
				out[uuid] = true
			}
		}
		return out
	case "or":
		out := n.left.eval(idx)
		for uuid := range n.right.eval(idx) {
			out[uuid] = true
		}
		return out
	case "not":
		// NOT is only meaningful as a difference; alone it matches the
		// complement of its operand over all documents.
		excluded := n.left.eval(idx)
		out := map[string]bool{}
		for uuid := range idx.DocLens {
			if !excluded[uuid] {
				out[uuid] = true
			}
		}
		return out
	}
	return nil
}

// positiveTerms lists the scoring terms: everything except NOT operands.
func (n *ftsNode) positiveTerms() []string {
	switch n.op {
	case "term":
		return []string{n.term}
	case "phrase":
		return append([]string(nil), n.phrase...)
	case "and", "or":
		return append(n.left.positiveTerms(), n.right.positiveTerms()...)
	default:
		return nil
	}
}

// parseFTSQuery parses the search grammar. Adjacent terms AND together.
func parseFTSQuery(query string) (*ftsNode, error) {
	tokens, err := ftsTokens(query)
	if err != nil {
		return nil, err
	}
	p := &ftsParser{tokens: tokens}
	node, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.pos < len(p.tokens) {
		return nil, cferrs.New(cferrs.CodeInvalidPredicate, false,
			"unexpected %q in search query", p.tokens[p.pos])
	}
	return node, nil
}

func ftsTokens(query string) ([]string, error) {
	var out []string
	i := 0
	for i < len(query) {
		c := query[i]
		switch {
		case unicode.IsSpace(rune(c)):
			i++
		case c == '"':
			end := strings.IndexByte(query[i+1:], '"')
			if end < 0 {
				return nil, cferrs.New(cferrs.CodeInvalidPredicate, false, "unterminated phrase")
			}
			out = append(out, query[i:i+end+2])
			i += end + 2
		default:
			j := i
			for j < len(query) && !unicode.IsSpace(rune(query[j])) && query[j] != '"' {
				j++
			}
			out = append(out, query[i:j])
			i = j
		}
	}
	return out, nil
}

type ftsParser struct {
	tokens []string
	pos    int
}

func (p *ftsParser) parseOr() (*ftsNode, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.pos < len(p.tokens) && strings.EqualFold(p.tokens[p.pos], "OR") {
		p.pos++
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &ftsNode{op: "or", left: left, right: right}
	}
	return left, nil
}

func (p *ftsParser) parseAnd() (*ftsNode, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.pos < len(p.tokens) && !strings.EqualFold(p.tokens[p.pos], "OR") {
		if strings.EqualFold(p.tokens[p.pos], "AND") {
			p.pos++
		}
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &ftsNode{op: "and", left: left, right: right}
	}
	return left, nil
}

func (p *ftsParser) parseUnary() (*ftsNode, error) {
	if p.pos >= len(p.tokens) {
		return nil, cferrs.New(cferrs.CodeInvalidPredicate, false, "search query ended unexpectedly")
	}
	tok := p.tokens[p.pos]
	if strings.EqualFold(tok, "NOT") {
		p.pos++
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &ftsNode{op: "not", left: inner}, nil
	}
	p.pos++
	if strings.HasPrefix(tok, `"`) {
		phrase := Tokenize(strings.Trim(tok, `"`))
		return &ftsNode{op: "phrase", phrase: phrase}, nil
	}
	prefix := strings.HasSuffix(tok, "*")
	terms := Tokenize(tok)
	if len(terms) == 0 {
		return p.parseUnary()
	}
	term := terms[0]
	if prefix {
		term += "*"
	}
	return &ftsNode{op: "term", term: term}, nil
}

func logf(x float64) float64 { return math.Log(x) }
