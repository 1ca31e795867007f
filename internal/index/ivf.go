package index

import (
	"math"
	"math/rand"
	"sort"

	"github.com/contextframe/contextframe/pkg/cferrs"
)

// Metrics supported by the vector indexes.
const (
	MetricCosine = "cosine"
	MetricL2     = "l2"
	MetricDot    = "dot"
)

// IVFParams parameterizes the vector indexes.
type IVFParams struct {
	Partitions int    `json:"partitions,omitempty"`
	SubVectors int    `json:"sub_vectors,omitempty"`
	Metric     string `json:"metric,omitempty"`
	NProbe     int    `json:"nprobe,omitempty"`
}

// DefaultIVFParams fills unset parameters: P = round(sqrt(N)) capped at
// 256, M = 16, cosine metric, nprobe 8.
func DefaultIVFParams(p IVFParams, n int) IVFParams {
	if p.Partitions <= 0 {
		p.Partitions = int(math.Round(math.Sqrt(float64(n))))
		if p.Partitions < 1 {
			p.Partitions = 1
		}
		if p.Partitions > 256 {
			p.Partitions = 256
		}
	}
	if p.SubVectors <= 0 {
		p.SubVectors = 16
	}
	if p.Metric == "" {
		p.Metric = MetricCosine
	}
	if p.NProbe <= 0 {
		p.NProbe = 8
	}
	return p
}

// Distance computes the raw distance between two vectors for a metric:
// cosine distance in [0,2], euclidean in [0,inf), negated dot product.
func Distance(metric string, a, b []float32) float64 {
	switch metric {
	case MetricL2:
		var sum float64
		for i := range a {
			d := float64(a[i]) - float64(b[i])
			sum += d * d
		}
		return math.Sqrt(sum)
	case MetricDot:
		return -dot(a, b)
	default:
		return 1 - CosineSimilarity(a, b)
	}
}

// CosineSimilarity returns the cosine of the angle between a and b, 0
// for zero-norm inputs.
func CosineSimilarity(a, b []float32) float64 {
	na, nb := norm(a), norm(b)
	if na == 0 || nb == 0 {
		return 0
	}
	return dot(a, b) / (na * nb)
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

func norm(a []float32) float64 {
	return math.Sqrt(dot(a, a))
}

// VectorHit is one nearest-neighbor candidate.
type VectorHit struct {
	UUID     string
	Distance float64
}

// IVFIndex is the serialized IVF_FLAT / IVF_PQ structure: k-means
// partition centroids with per-partition posting lists. IVF_FLAT keeps
// the full vectors; IVF_PQ keeps product-quantization codes plus the
// per-subvector codebooks.
type IVFIndex struct {
	Params    IVFParams     `json:"params"`
	Dim       int           `json:"dim"`
	Centroids [][]float32   `json:"centroids"`
	Lists     [][]string    `json:"lists"`
	Vectors   [][][]float32 `json:"vectors,omitempty"`   // IVF_FLAT
	Codebooks [][][]float32 `json:"codebooks,omitempty"` // IVF_PQ: [m][code][subdim]
	Codes     [][]byte      `json:"codes,omitempty"`     // IVF_PQ: parallel to Lists
}

// kmeansSeed keeps builds deterministic for a given input set. ANN
// recall is bounded by parameters, not reproduced bit-exactly across
// rebuilds of different data.
const kmeansSeed = 42

// BuildIVF clusters the vectors into partitions. pq selects IVF_PQ.
func BuildIVF(uuids []string, vectors [][]float32, params IVFParams, pq bool) (*IVFIndex, error) {
	if len(uuids) != len(vectors) {
		return nil, cferrs.New(cferrs.CodeValidation, false,
			"uuid/vector count mismatch: %d vs %d", len(uuids), len(vectors))
	}
	if len(vectors) == 0 {
		return &IVFIndex{Params: params}, nil
	}
	dim := len(vectors[0])
	params = DefaultIVFParams(params, len(vectors))
	if params.Partitions > len(vectors) {
		params.Partitions = len(vectors)
	}

	train := vectors
	if params.Metric == MetricCosine {
		train = normalizeAll(vectors)
	}
	centroids, assign := kmeans(train, params.Partitions, 15)

	idx := &IVFIndex{
		Params:    params,
		Dim:       dim,
		Centroids: centroids,
		Lists:     make([][]string, len(centroids)),
	}
	if pq {
		m := params.SubVectors
		for m > 1 && dim%m != 0 {
			m--
		}
		idx.Params.SubVectors = m
		idx.Codebooks = trainCodebooks(train, m, 15)
		idx.Codes = make([][]byte, len(centroids))
		for i, vec := range train {
			p := assign[i]
			idx.Lists[p] = append(idx.Lists[p], uuids[i])
			idx.Codes[p] = append(idx.Codes[p], encodePQ(vec, idx.Codebooks)...)
		}
	} else {
		idx.Vectors = make([][][]float32, len(centroids))
		for i := range vectors {
			p := assign[i]
			idx.Lists[p] = append(idx.Lists[p], uuids[i])
			idx.Vectors[p] = append(idx.Vectors[p], vectors[i])
		}
	}
	return idx, nil
}

// Search probes the nprobe nearest partitions and ranks candidates,
// filtered through allow when set. Results are ordered by distance with
// uuid tie-breaks.
func (idx *IVFIndex) Search(query []float32, k, nprobe int, allow func(string) bool) []VectorHit {
	if len(idx.Centroids) == 0 || k <= 0 {
		return nil
	}
	if nprobe <= 0 {
		nprobe = idx.Params.NProbe
	}
	if nprobe > len(idx.Centroids) {
		nprobe = len(idx.Centroids)
	}
	probeQuery := query
	if idx.Params.Metric == MetricCosine {
		probeQuery = normalize(query)
	}

	type probe struct {
		part int
		dist float64
	}
	probes := make([]probe, len(idx.Centroids))
	for i, c := range idx.Centroids {
		probes[i] = probe{part: i, dist: l2sq(probeQuery, c)}
	}
	sort.Slice(probes, func(i, j int) bool { return probes[i].dist < probes[j].dist })

	var hits []VectorHit
	subdim := 0
	if len(idx.Codebooks) > 0 {
		subdim = idx.Dim / len(idx.Codebooks)
	}
	for _, pr := range probes[:nprobe] {
		list := idx.Lists[pr.part]
		for j, uuid := range list {
			if allow != nil && !allow(uuid) {
				continue
			}
			var d float64
			if idx.Codes != nil {
				code := idx.Codes[pr.part][j*len(idx.Codebooks) : (j+1)*len(idx.Codebooks)]
				vec := decodePQ(code, idx.Codebooks, subdim)
				d = pqDistance(idx.Params.Metric, query, probeQuery, vec)
			} else {
				d = Distance(idx.Params.Metric, query, idx.Vectors[pr.part][j])
			}
			hits = append(hits, VectorHit{UUID: uuid, Distance: d})
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Distance != hits[j].Distance {
			return hits[i].Distance < hits[j].Distance
		}
		return hits[i].UUID < hits[j].UUID
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits
}

// pqDistance scores a reconstructed (possibly normalized) vector. For
// cosine the reconstruction lives on the training (unit) sphere, so the
// cosine form stays valid.
func pqDistance(metric string, raw, normalized, reconstructed []float32) float64 {
	if metric == MetricCosine {
		return 1 - CosineSimilarity(normalized, reconstructed)
	}
	return Distance(metric, raw, reconstructed)
}

func normalizeAll(vectors [][]float32) [][]float32 {
	out := make([][]float32, len(vectors))
	for i, v := range vectors {
		out[i] = normalize(v)
	}
	return out
}

func normalize(v []float32) []float32 {
	n := norm(v)
	if n == 0 {
		return v
	}
	out := make([]float32, len(v))
	for i := range v {
		out[i] = float32(float64(v[i]) / n)
	}
	return out
}

func l2sq(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return sum
}

// kmeans runs Lloyd's algorithm with deterministic seeding and returns
// centroids plus per-vector assignments.
func kmeans(vectors [][]float32, k, iters int) ([][]float32, []int) {
	rng := rand.New(rand.NewSource(kmeansSeed))
	dim := len(vectors[0])

	centroids := make([][]float32, k)
	perm := rng.Perm(len(vectors))
	for i := 0; i < k; i++ {
		centroids[i] = append([]float32(nil), vectors[perm[i%len(perm)]]...)
	}

	assign := make([]int, len(vectors))
	for iter := 0; iter < iters; iter++ {
		changed := false
		for i, v := range vectors {
			best, bestDist := 0, math.Inf(1)
			for c := range centroids {
				if d := l2sq(v, centroids[c]); d < bestDist {
					best, bestDist = c, d
				}
			}
			if assign[i] != best {
				assign[i] = best
				changed = true
			}
		}
		sums := make([][]float64, k)
		counts := make([]int, k)
		for i := range sums {
			sums[i] = make([]float64, dim)
		}
		for i, v := range vectors {
			c := assign[i]
			counts[c]++
			for d := range v {
				sums[c][d] += float64(v[d])
			}
		}
		for c := range centroids {
			if counts[c] == 0 {
				// Re-seed empty clusters from a random vector.
				centroids[c] = append([]float32(nil), vectors[rng.Intn(len(vectors))]...)
				continue
			}
			for d := range centroids[c] {
				centroids[c][d] = float32(sums[c][d] / float64(counts[c]))
			}
		}
		if !changed && iter > 0 {
			break
		}
	}
	return centroids, assign
}

// trainCodebooks learns a 256-entry codebook per sub-vector.
func trainCodebooks(vectors [][]float32, m, iters int) [][][]float32 {
	dim := len(vectors[0])
	subdim := dim / m
	books := make([][][]float32, m)
	for s := 0; s < m; s++ {
		subs := make([][]float32, len(vectors))
		for i, v := range vectors {
			subs[i] = v[s*subdim : (s+1)*subdim]
		}
		k := 256
		if k > len(subs) {
			k = len(subs)
		}
		centroids, _ := kmeans(subs, k, iters)
		books[s] = centroids
	}
	return books
}

func encodePQ(vec []float32, books [][][]float32) []byte {
	m := len(books)
	subdim := len(vec) / m
	code := make([]byte, m)
	for s := 0; s < m; s++ {
		sub := vec[s*subdim : (s+1)*subdim]
		best, bestDist := 0, math.Inf(1)
		for c, centroid := range books[s] {
			if d := l2sq(sub, centroid); d < bestDist {
				best, bestDist = c, d
			}
		}
		code[s] = byte(best)
	}
	return code
}

func decodePQ(code []byte, books [][][]float32, subdim int) []float32 {
	out := make([]float32, 0, len(code)*subdim)
	for s, c := range code {
		out = append(out, books[s][c]...)
	}
	return out
}
