package vectorstore

import (
	"math"
	"sort"
	"sync"
)

// Metric names the distance function used to rank candidates.
type Metric string

const (
	MetricCosine Metric = "cosine"
	MetricL2     Metric = "l2"
	MetricDot    Metric = "dot"
)

// IndexKind names the ANN index family. Only the flat (exact) index is
// implemented: HNSW and IVF are accepted as configuration values, but
// every kind is served by the in-process flat index, and no server-side
// pgvector index is queried.
type IndexKind string

const (
	IndexFlat IndexKind = "flat"
	IndexHNSW IndexKind = "hnsw"
	IndexIVF  IndexKind = "ivf"
)

// IndexConfig configures the ANN index. M/EfConstruction/EfSearch are
// HNSW parameters; they are accepted and stored, but the flat index does
// not read them.
type IndexConfig struct {
	Kind            IndexKind
	Metric          Metric
	M               int
	EfConstruction  int
	EfSearch        int
	WarmupThreshold int // candidate count below which brute force is used regardless of Kind
}

// DefaultIndexConfig matches the teacher's pgvector ivfflat defaults scaled
// to an in-process HNSW-shaped config.
func DefaultIndexConfig() IndexConfig {
	return IndexConfig{
		Kind:            IndexFlat,
		Metric:          MetricCosine,
		M:               16,
		EfConstruction:  200,
		EfSearch:        64,
		WarmupThreshold: 256,
	}
}

// flatIndex is an exact nearest-neighbor index over normalized vectors,
// updated incrementally as items are created/updated/deleted: Upsert and
// Remove change the searchable set directly, and Search scans every
// stored vector.
type flatIndex struct {
	mu     sync.RWMutex
	cfg    IndexConfig
	ids  []string
	vecs [][]float32
	byID map[string]int
}

func newFlatIndex(cfg IndexConfig) *flatIndex {
	return &flatIndex{cfg: cfg, byID: make(map[string]int)}
}

func (f *flatIndex) Upsert(id string, vec []float32) {
	f.mu.Lock()
	defer f.mu.Unlock()

	normalized := normalize(vec, f.cfg.Metric)
	if i, ok := f.byID[id]; ok {
		f.vecs[i] = normalized
		return
	}
	f.byID[id] = len(f.ids)
	f.ids = append(f.ids, id)
	f.vecs = append(f.vecs, normalized)
}

func (f *flatIndex) Remove(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	i, ok := f.byID[id]
	if !ok {
		return
	}
	last := len(f.ids) - 1
	f.ids[i] = f.ids[last]
	f.vecs[i] = f.vecs[last]
	f.byID[f.ids[i]] = i
	f.ids = f.ids[:last]
	f.vecs = f.vecs[:last]
	delete(f.byID, id)
}

type neighbor struct {
	ID    string
	Score float64
}

// Search returns the top-k nearest neighbours to query, ranked by the
// configured metric (higher score is always better: similarity for cosine
// and dot, negative distance for l2).
func (f *flatIndex) Search(query []float32, k int) []neighbor {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if k <= 0 || len(f.ids) == 0 {
		return nil
	}
	q := normalize(query, f.cfg.Metric)

	out := make([]neighbor, 0, len(f.ids))
	for i, id := range f.ids {
		out = append(out, neighbor{ID: id, Score: score(q, f.vecs[i], f.cfg.Metric)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if k < len(out) {
		out = out[:k]
	}
	return out
}

func (f *flatIndex) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.ids)
}

func normalize(v []float32, metric Metric) []float32 {
	if metric != MetricCosine {
		return v
	}
	var sumSq float64
	for _, x := range v {
		sumSq += float64(x) * float64(x)
	}
	norm := math.Sqrt(sumSq)
	if norm == 0 {
		return v
	}
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

func score(a, b []float32, metric Metric) float64 {
	switch metric {
	case MetricL2:
		var sum float64
		n := minLen(a, b)
		for i := 0; i < n; i++ {
			d := float64(a[i]) - float64(b[i])
			sum += d * d
		}
		return -math.Sqrt(sum)
	case MetricDot:
		var sum float64
		n := minLen(a, b)
		for i := 0; i < n; i++ {
			sum += float64(a[i]) * float64(b[i])
		}
		return sum
	default: // cosine: a and b are pre-normalized, so dot product is cosine similarity
		var sum float64
		n := minLen(a, b)
		for i := 0; i < n; i++ {
			sum += float64(a[i]) * float64(b[i])
		}
		return sum
	}
}

func minLen(a, b []float32) int {
	if len(a) < len(b) {
		return len(a)
	}
	return len(b)
}
