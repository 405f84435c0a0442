package etl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// threeBlobs returns points in three tight, well-separated groups.
func threeBlobs() [][3]float64 {
	var points [][3]float64
	centers := [][3]float64{{-5, -5, -5}, {0, 0, 0}, {5, 5, 5}}
	for _, c := range centers {
		for i := 0; i < 8; i++ {
			j := float64(i) * 0.01
			points = append(points, [3]float64{c[0] + j, c[1] + j, c[2] + j})
		}
	}
	return points
}

func TestRunKMeans_SeparatesObviousBlobs(t *testing.T) {
	points := threeBlobs()
	p := runKMeans(points, 3)

	require.Len(t, p.Assignment, len(points))
	assert.Equal(t, 3, p.Effective)

	// Every point in a blob shares its cluster with the rest of the blob.
	for blob := 0; blob < 3; blob++ {
		first := p.Assignment[blob*8]
		for i := 1; i < 8; i++ {
			assert.Equal(t, first, p.Assignment[blob*8+i], "blob %d split across clusters", blob)
		}
	}
}

func TestRunKMeans_Deterministic(t *testing.T) {
	points := threeBlobs()

	first := runKMeans(points, 4)
	second := runKMeans(points, 4)
	assert.Equal(t, first.Assignment, second.Assignment)
	assert.Equal(t, first.Centers, second.Centers)
}

func TestRunKMeans_KClampedToPointCount(t *testing.T) {
	points := [][3]float64{{0, 0, 0}, {1, 1, 1}}
	p := runKMeans(points, 5)

	assert.Equal(t, 2, p.K)
	assert.Equal(t, 2, p.Effective)
}

func TestRunKMeans_EmptyInput(t *testing.T) {
	p := runKMeans(nil, 3)
	assert.Nil(t, p.Assignment)
	assert.Equal(t, 0, p.Effective)
}

func TestSilhouetteScore_HighForSeparatedBlobs(t *testing.T) {
	points := threeBlobs()
	p := runKMeans(points, 3)

	score := silhouetteScore(points, p)
	assert.Greater(t, score, 0.9)
	assert.LessOrEqual(t, score, 1.0)
}

func TestSilhouetteScore_DegeneratePartitionGetsFloor(t *testing.T) {
	// Identical points collapse to a single effective cluster. That is a
	// valid candidate with the worst possible score, not an error.
	points := [][3]float64{{1, 1, 1}, {1, 1, 1}, {1, 1, 1}, {1, 1, 1}}
	p := runKMeans(points, 3)

	assert.Less(t, p.Effective, 2)
	assert.Equal(t, -1.0, silhouetteScore(points, p))
}
