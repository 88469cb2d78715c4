package vision

import (
	"math"
	"math/bits"
	"sort"
	"sync"

	"gonum.org/v1/gonum/mat"
)

// VocabularyIndex is a k-ary tree (k=VocabBranching, L=VocabLevels levels)
// learned offline from all catalog descriptors by k-means on Hamming
// distance, plus a per-word IDF and a per-target TF-IDF vector. It is a
// pre-filter: §4.4 still confirms or rejects every candidate it returns.
// The tree is immutable once built; Build always produces a fresh index
// and Swap installs it atomically.
type VocabularyIndex struct {
	k, l int

	mu        sync.RWMutex
	centroids [][][]byte          // level 0: k centroids; level 1: k centroids per level-0 branch
	idf       []float64           // length W = k^l
	vectors   map[string]*mat.VecDense // target id -> unit TF-IDF vector, length W
	built     bool
}

func NewVocabularyIndex(k, l int) *VocabularyIndex {
	return &VocabularyIndex{k: k, l: l, vectors: make(map[string]*mat.VecDense)}
}

func (v *VocabularyIndex) words() int {
	w := 1
	for i := 0; i < v.l; i++ {
		w *= v.k
	}
	return w
}

// Build clusters all descriptors across targets and (re)computes IDF and
// per-target TF-IDF vectors, then swaps the result in under lock. Only
// catalogs with fewer than 5 targets skip the tree entirely at
// query time (see Query); Build still runs so re-enabling it later (once
// more targets are added) needs no separate code path.
func (v *VocabularyIndex) Build(targets []*ReferenceTarget) error {
	if len(targets) == 0 {
		next := NewVocabularyIndex(v.k, v.l)
		next.built = true
		v.swap(next)
		return nil
	}

	var all [][]byte
	for _, t := range targets {
		all = append(all, t.Data.Descriptors...)
	}
	if len(all) == 0 {
		next := NewVocabularyIndex(v.k, v.l)
		next.built = true
		v.swap(next)
		return nil
	}
	width := len(all[0])

	level0Centroids, level0Assign := kmeansHamming(all, v.k, width, 12)

	level1Centroids := make([][][]byte, v.k)
	// bucket descriptors by level-0 branch
	buckets := make([][][]byte, v.k)
	for i, d := range all {
		b := level0Assign[i]
		buckets[b] = append(buckets[b], d)
	}
	for b := 0; b < v.k; b++ {
		if len(buckets[b]) == 0 {
			level1Centroids[b] = make([][]byte, v.k)
			for j := range level1Centroids[b] {
				level1Centroids[b][j] = make([]byte, width)
			}
			continue
		}
		centroids, _ := kmeansHamming(buckets[b], v.k, width, 12)
		level1Centroids[b] = centroids
	}

	next := NewVocabularyIndex(v.k, v.l)
	next.centroids = make([][][]byte, 2)
	next.centroids[0] = level0Centroids
	// flatten level1 into a single [k*k][]byte slab addressed as centroids[1][branch*k+leaf]
	flatLevel1 := make([][]byte, 0, v.k*v.k)
	for b := 0; b < v.k; b++ {
		flatLevel1 = append(flatLevel1, level1Centroids[b]...)
	}
	next.centroids[1] = flatLevel1

	w := next.words()
	df := make([]int, w)
	targetCounts := make(map[string][]float64, len(targets))

	for _, t := range targets {
		counts := make([]float64, w)
		seen := make([]bool, w)
		for _, d := range t.Data.Descriptors {
			leaf := next.quantize(d)
			counts[leaf]++
			seen[leaf] = true
		}
		for leaf, s := range seen {
			if s {
				df[leaf]++
			}
		}
		targetCounts[t.ID] = counts
	}

	idf := make([]float64, w)
	n := float64(len(targets))
	for wi := 0; wi < w; wi++ {
		d := float64(df[wi])
		if d == 0 {
			d = 0.5 // Laplace-smoothed, avoids log(n/0)
		}
		idf[wi] = math.Log(n / d)
	}
	next.idf = idf

	for id, counts := range targetCounts {
		vec := mat.NewVecDense(w, nil)
		for wi, c := range counts {
			vec.SetVec(wi, c*idf[wi])
		}
		normalizeVec(vec)
		next.vectors[id] = vec
	}
	next.built = true

	v.swap(next)
	return nil
}

func (v *VocabularyIndex) swap(next *VocabularyIndex) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.centroids = next.centroids
	v.idf = next.idf
	v.vectors = next.vectors
	v.built = next.built
}

// quantize walks the two-level tree for a single descriptor and returns
// its leaf word id in [0, W).
func (v *VocabularyIndex) quantize(d []byte) int {
	b0 := nearestCentroid(d, v.centroids[0])
	branchCentroids := v.centroids[1][b0*v.k : b0*v.k+v.k]
	b1 := nearestCentroid(d, branchCentroids)
	return b0*v.k + b1
}

// Query returns up to topT candidate target ids ranked by TF-IDF cosine
// similarity to the query descriptor set. If len(ids) <= topT, or ids has
// fewer than 5 entries, or the index is not built, all of ids is returned
// (short-circuit "try all" per the design notes). ids must be the
// catalog's current id list, in the order Query should use as a tie-break
// fallback for "try all".
func (v *VocabularyIndex) Query(query DescriptorSet, ids []string, topT int) []string {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if len(ids) <= topT || len(ids) < 5 || !v.built || len(v.centroids) < 2 {
		return append([]string(nil), ids...)
	}

	w := v.words()
	counts := make([]float64, w)
	for _, d := range query.Descriptors {
		leaf := v.quantize(d)
		counts[leaf]++
	}
	qvec := mat.NewVecDense(w, nil)
	for wi, c := range counts {
		qvec.SetVec(wi, c*v.idf[wi])
	}
	normalizeVec(qvec)

	type scored struct {
		id    string
		score float64
	}
	scores := make([]scored, 0, len(ids))
	for _, id := range ids {
		tv, ok := v.vectors[id]
		if !ok {
			continue
		}
		scores = append(scores, scored{id: id, score: mat.Dot(qvec, tv)})
	}
	sort.Slice(scores, func(i, j int) bool { return scores[i].score > scores[j].score })

	if topT > len(scores) {
		topT = len(scores)
	}
	out := make([]string, topT)
	for i := 0; i < topT; i++ {
		out[i] = scores[i].id
	}
	return out
}

// CoversTargets reports whether v is built and has a TF-IDF vector for
// exactly the given target ids, no more and no fewer — the check a loaded
// cache entry must pass before it can stand in for a fresh Build() (a
// cache blob saved before a target was added or removed is stale).
func (v *VocabularyIndex) CoversTargets(ids []string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if !v.built || len(v.vectors) != len(ids) {
		return false
	}
	for _, id := range ids {
		if _, ok := v.vectors[id]; !ok {
			return false
		}
	}
	return true
}

// QueryVector quantizes query the same way Build does for a reference
// target and returns its TF-IDF vector as float32, for use against a
// pgvector column storing the same per-target vectors (the SQL-side coarse
// prefilter). Returns nil if the index isn't built yet.
func (v *VocabularyIndex) QueryVector(query DescriptorSet) []float32 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if !v.built || len(v.centroids) < 2 {
		return nil
	}
	w := v.words()
	counts := make([]float64, w)
	for _, d := range query.Descriptors {
		leaf := v.quantize(d)
		counts[leaf]++
	}
	vec := mat.NewVecDense(w, nil)
	for wi, c := range counts {
		vec.SetVec(wi, c*v.idf[wi])
	}
	normalizeVec(vec)
	raw := vec.RawVector().Data
	out := make([]float32, len(raw))
	for i, x := range raw {
		out[i] = float32(x)
	}
	return out
}

// VectorFor returns a copy of id's TF-IDF vector as float32, for
// persistence (e.g. in a pgvector column) alongside the target row.
// Returns nil if id has no vector (not among the last Build's targets).
func (v *VocabularyIndex) VectorFor(id string) []float32 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	vec, ok := v.vectors[id]
	if !ok {
		return nil
	}
	raw := vec.RawVector().Data
	out := make([]float32, len(raw))
	for i, x := range raw {
		out[i] = float32(x)
	}
	return out
}

func normalizeVec(v *mat.VecDense) {
	n := mat.Norm(v, 2)
	if n == 0 {
		return
	}
	v.ScaleVec(1/n, v)
}

// hammingDistance returns the number of differing bits between two
// equal-length packed-bit descriptors.
func hammingDistance(a, b []byte) int {
	dist := 0
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		dist += bits.OnesCount8(a[i] ^ b[i])
	}
	return dist
}

func nearestCentroid(d []byte, centroids [][]byte) int {
	best, bestDist := 0, math.MaxInt32
	for i, c := range centroids {
		if dist := hammingDistance(d, c); dist < bestDist {
			best, bestDist = i, dist
		}
	}
	return best
}

// kmeansHamming clusters descriptors into k groups under Hamming distance,
// initializing centroids by evenly-spaced selection (deterministic, rather
// than random, so a rebuild from the same catalog is reproducible) and
// updating each centroid to the per-bit majority of its assigned members.
func kmeansHamming(descriptors [][]byte, k, width, iterations int) ([][]byte, []int) {
	n := len(descriptors)
	wantK := k
	if k > n {
		k = n
	}
	if k < 1 {
		k = 1
	}

	centroids := make([][]byte, k)
	step := n / k
	if step < 1 {
		step = 1
	}
	for i := 0; i < k; i++ {
		idx := (i * step) % n
		centroids[i] = append([]byte(nil), descriptors[idx]...)
	}

	assign := make([]int, n)
	for iter := 0; iter < iterations; iter++ {
		changed := false
		for i, d := range descriptors {
			best := nearestCentroid(d, centroids)
			if assign[i] != best {
				assign[i] = best
				changed = true
			}
		}

		bitCounts := make([][]int, k)
		memberCounts := make([]int, k)
		for c := 0; c < k; c++ {
			bitCounts[c] = make([]int, width*8)
		}
		for i, d := range descriptors {
			c := assign[i]
			memberCounts[c]++
			for byteIdx := 0; byteIdx < width && byteIdx < len(d); byteIdx++ {
				for bit := 0; bit < 8; bit++ {
					if d[byteIdx]&(1<<uint(bit)) != 0 {
						bitCounts[c][byteIdx*8+bit]++
					}
				}
			}
		}
		for c := 0; c < k; c++ {
			if memberCounts[c] == 0 {
				continue
			}
			nc := make([]byte, width)
			for byteIdx := 0; byteIdx < width; byteIdx++ {
				for bit := 0; bit < 8; bit++ {
					if bitCounts[c][byteIdx*8+bit]*2 >= memberCounts[c] {
						nc[byteIdx] |= 1 << uint(bit)
					}
				}
			}
			centroids[c] = nc
		}
		if !changed && iter > 0 {
			break
		}
	}
	// Pad to wantK so every branch of the tree contributes a fixed
	// stride of centroids; the flattened level-1 indexing in Build
	// (branch*k+leaf) assumes a uniform width regardless of how many
	// descriptors a bucket actually had to cluster.
	for len(centroids) < wantK {
		centroids = append(centroids, append([]byte(nil), centroids[len(centroids)-1]...))
	}
	return centroids, assign
}
