package cluster

import (
	"fmt"
	"math"
)

// Assignment maps each input vector index to a cluster number. Noise
// points from dbscan carry cluster -1.
type Assignment []int

// CosineDistance returns 1 minus the cosine similarity of two vectors.
// Zero vectors are maximally distant from everything.
func CosineDistance(a, b []float32) float64 {
	var dot, normA, normB float64
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 1.0
	}
	return 1.0 - dot/(math.Sqrt(normA)*math.Sqrt(normB))
}

func centroid(vectors [][]float32, members []int) []float32 {
	if len(members) == 0 {
		return nil
	}
	dim := len(vectors[members[0]])
	c := make([]float32, dim)
	for _, idx := range members {
		for d := 0; d < dim && d < len(vectors[idx]); d++ {
			c[d] += vectors[idx][d]
		}
	}
	for d := range c {
		c[d] /= float32(len(members))
	}
	return c
}

// KMeans partitions vectors into k clusters by iterative centroid
// refinement. Initial centroids are the first k vectors; iteration stops
// on convergence or after maxIter rounds.
func KMeans(vectors [][]float32, k int) (Assignment, error) {
	if k < 1 {
		return nil, fmt.Errorf("k must be at least 1")
	}
	if len(vectors) == 0 {
		return Assignment{}, nil
	}
	if k > len(vectors) {
		k = len(vectors)
	}

	const maxIter = 100

	centroids := make([][]float32, k)
	for i := 0; i < k; i++ {
		centroids[i] = append([]float32(nil), vectors[i]...)
	}

	assign := make(Assignment, len(vectors))
	for iter := 0; iter < maxIter; iter++ {
		changed := false
		for i, v := range vectors {
			best := 0
			bestDist := math.Inf(1)
			for c, cent := range centroids {
				if d := CosineDistance(v, cent); d < bestDist {
					bestDist = d
					best = c
				}
			}
			if assign[i] != best {
				assign[i] = best
				changed = true
			}
		}
		if !changed && iter > 0 {
			break
		}

		for c := 0; c < k; c++ {
			var members []int
			for i, a := range assign {
				if a == c {
					members = append(members, i)
				}
			}
			if cent := centroid(vectors, members); cent != nil {
				centroids[c] = cent
			}
		}
	}
	return assign, nil
}

// Hierarchical performs agglomerative clustering: starting from singleton
// clusters, repeatedly merge the closest pair of clusters whose centroid
// distance is at most 1-threshold.
func Hierarchical(vectors [][]float32, threshold float64) (Assignment, error) {
	if threshold < 0 || threshold > 1 {
		return nil, fmt.Errorf("threshold must be in [0,1]")
	}
	n := len(vectors)
	if n == 0 {
		return Assignment{}, nil
	}

	maxDist := 1.0 - threshold

	clusters := make([][]int, n)
	for i := range clusters {
		clusters[i] = []int{i}
	}

	for {
		bestA, bestB := -1, -1
		bestDist := math.Inf(1)
		for a := 0; a < len(clusters); a++ {
			ca := centroid(vectors, clusters[a])
			for b := a + 1; b < len(clusters); b++ {
				cb := centroid(vectors, clusters[b])
				if d := CosineDistance(ca, cb); d < bestDist {
					bestDist = d
					bestA, bestB = a, b
				}
			}
		}
		if bestA < 0 || bestDist > maxDist {
			break
		}
		clusters[bestA] = append(clusters[bestA], clusters[bestB]...)
		clusters = append(clusters[:bestB], clusters[bestB+1:]...)
	}

	assign := make(Assignment, n)
	for c, members := range clusters {
		for _, idx := range members {
			assign[idx] = c
		}
	}
	return assign, nil
}

// DBSCAN clusters by density: a point with at least minPts neighbors
// within eps (cosine distance) seeds a cluster that expands through its
// density-reachable neighbors. Unreached points are noise (-1).
func DBSCAN(vectors [][]float32, eps float64, minPts int) (Assignment, error) {
	if eps <= 0 {
		return nil, fmt.Errorf("eps must be positive")
	}
	if minPts < 1 {
		minPts = 1
	}
	n := len(vectors)

	const (
		unvisited = -2
		noise     = -1
	)

	assign := make(Assignment, n)
	for i := range assign {
		assign[i] = unvisited
	}

	neighbors := func(i int) []int {
		var out []int
		for j := 0; j < n; j++ {
			if j != i && CosineDistance(vectors[i], vectors[j]) <= eps {
				out = append(out, j)
			}
		}
		return out
	}

	cluster := 0
	for i := 0; i < n; i++ {
		if assign[i] != unvisited {
			continue
		}
		nbrs := neighbors(i)
		if len(nbrs)+1 < minPts {
			assign[i] = noise
			continue
		}

		assign[i] = cluster
		queue := append([]int(nil), nbrs...)
		for len(queue) > 0 {
			j := queue[0]
			queue = queue[1:]
			if assign[j] == noise {
				assign[j] = cluster
			}
			if assign[j] != unvisited {
				continue
			}
			assign[j] = cluster
			jNbrs := neighbors(j)
			if len(jNbrs)+1 >= minPts {
				queue = append(queue, jNbrs...)
			}
		}
		cluster++
	}
	return assign, nil
}
