package etl

import (
	"math"
	"math/rand/v2"
)

// kmeansSeed fixes the cluster initialization so two runs over identical
// input agree on the partition.
const kmeansSeed = 42

const kmeansMaxIter = 50

// partition is the result of one k-means fit.
type partition struct {
	K          int
	Centers    [][3]float64
	Assignment []int
	// Effective counts the non-empty clusters; degenerate data can collapse
	// below K.
	Effective int
}

// runKMeans fits a k-way partition over the standardized feature vectors
// with Lloyd's algorithm and a deterministic k-means++-style seeding.
func runKMeans(points [][3]float64, k int) partition {
	n := len(points)
	if n == 0 || k <= 0 {
		return partition{K: k}
	}
	if k > n {
		k = n
	}

	rng := rand.New(rand.NewPCG(kmeansSeed, uint64(k)))
	centers := seedCenters(points, k, rng)
	assignment := make([]int, n)

	for iter := 0; iter < kmeansMaxIter; iter++ {
		// Assignment step.
		changed := false
		for i, p := range points {
			best := nearestCenter(p, centers)
			if assignment[i] != best {
				assignment[i] = best
				changed = true
			}
		}

		// Update step. Empty clusters keep their previous center.
		sums := make([][3]float64, k)
		counts := make([]int, k)
		for i, p := range points {
			c := assignment[i]
			sums[c][0] += p[0]
			sums[c][1] += p[1]
			sums[c][2] += p[2]
			counts[c]++
		}
		for c := 0; c < k; c++ {
			if counts[c] == 0 {
				continue
			}
			centers[c] = [3]float64{
				sums[c][0] / float64(counts[c]),
				sums[c][1] / float64(counts[c]),
				sums[c][2] / float64(counts[c]),
			}
		}

		if !changed && iter > 0 {
			break
		}
	}

	effective := 0
	counts := make([]int, k)
	for _, c := range assignment {
		counts[c]++
	}
	for _, n := range counts {
		if n > 0 {
			effective++
		}
	}

	return partition{K: k, Centers: centers, Assignment: assignment, Effective: effective}
}

// seedCenters picks initial centers weighted by squared distance to the
// nearest already-chosen center.
func seedCenters(points [][3]float64, k int, rng *rand.Rand) [][3]float64 {
	centers := make([][3]float64, 0, k)
	centers = append(centers, points[rng.IntN(len(points))])

	dists := make([]float64, len(points))
	for len(centers) < k {
		var total float64
		for i, p := range points {
			d := math.Inf(1)
			for _, c := range centers {
				if dd := sqDist(p, c); dd < d {
					d = dd
				}
			}
			dists[i] = d
			total += d
		}

		if total == 0 {
			// All remaining points coincide with a center; reuse one.
			centers = append(centers, points[rng.IntN(len(points))])
			continue
		}

		target := rng.Float64() * total
		idx := 0
		for i, d := range dists {
			target -= d
			if target <= 0 {
				idx = i
				break
			}
		}
		centers = append(centers, points[idx])
	}
	return centers
}

func nearestCenter(p [3]float64, centers [][3]float64) int {
	best, bestDist := 0, math.Inf(1)
	for c, center := range centers {
		if d := sqDist(p, center); d < bestDist {
			best, bestDist = c, d
		}
	}
	return best
}

func sqDist(a, b [3]float64) float64 {
	dx := a[0] - b[0]
	dy := a[1] - b[1]
	dz := a[2] - b[2]
	return dx*dx + dy*dy + dz*dz
}

// silhouetteScore computes a centroid-based silhouette over squared
// Euclidean distance: cohesion is the distance to the own center,
// separation the distance to the nearest other non-empty center. Range
// [-1,1], higher is better. A partition with fewer than two effective
// clusters gets the floor score rather than an error, so degenerate data
// still yields a usable (if poor) candidate.
func silhouetteScore(points [][3]float64, p partition) float64 {
	if len(points) == 0 {
		return -1
	}

	counts := make([]int, p.K)
	for _, c := range p.Assignment {
		counts[c]++
	}

	nonEmpty := 0
	for _, n := range counts {
		if n > 0 {
			nonEmpty++
		}
	}
	if nonEmpty < 2 {
		return -1
	}

	var sum float64
	for i, pt := range points {
		own := p.Assignment[i]
		a := sqDist(pt, p.Centers[own])

		b := math.Inf(1)
		for c := range p.Centers {
			if c == own || counts[c] == 0 {
				continue
			}
			if d := sqDist(pt, p.Centers[c]); d < b {
				b = d
			}
		}

		if m := math.Max(a, b); m > 0 {
			sum += (b - a) / m
		}
	}
	return sum / float64(len(points))
}
