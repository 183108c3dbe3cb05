package index

import (
	"math"
	"sort"

	"github.com/charsearch/charsearch/engine/domain"
)

// CosineDistance returns 1 - cos(a, b), in [0, 2]. A zero-norm operand
// yields 1, the distance of orthogonal vectors.
func CosineDistance(a, b domain.Vector) float64 {
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}

// Score maps a cosine distance onto [0, 1]: 1 - d/2, clamped.
func Score(distance float64) float64 {
	s := 1 - distance/2
	switch {
	case s < 0 || math.IsNaN(s):
		return 0
	case s > 1:
		return 1
	}
	return s
}

// candidate is a scored neighbor carrying its insertion sequence for tie-breaks.
type candidate struct {
	domain.Neighbor
	seq uint64
}

// sortCandidates orders by ascending distance, then insertion sequence.
func sortCandidates(cs []candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		if cs[i].Distance != cs[j].Distance {
			return cs[i].Distance < cs[j].Distance
		}
		return cs[i].seq < cs[j].seq
	})
}

func topNeighbors(cs []candidate, k int) []domain.Neighbor {
	sortCandidates(cs)
	if k < len(cs) {
		cs = cs[:k]
	}
	out := make([]domain.Neighbor, len(cs))
	for i, c := range cs {
		out[i] = c.Neighbor
	}
	return out
}
