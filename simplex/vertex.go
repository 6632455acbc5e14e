package simplex

import (
	"math"
	"math/bits"

	"github.com/outofforest/implicit/eval"
	"github.com/outofforest/implicit/qef"
	"github.com/outofforest/implicit/region"
	"github.com/outofforest/implicit/types"
)

// findLeafVertices populates the leaf's 3^N subspace records: borrowing
// records already solved by neighbors where the neighbor set allows it,
// sampling the cell corners to fill the corner QEFs, solving one bounded
// QEF per subspace, and finally classifying vertex signs.
func findLeafVertices(w *WorkerPool, b *eval.Bundle, t *Tree, nb Neighbors) {
	r := t.Region
	n := r.N
	subspaces := region.Pow3(n)
	corners := 1 << n

	var alreadySolved [MaxSubspaces]bool
	for i := 0; i < subspaces; i++ {
		if leaf, mapped := nb.Check(region.NeighborIndex(i)); leaf != nil {
			t.Leaf.Sub[i] = leaf.Sub[mapped]
			alreadySolved[i] = true
		} else {
			t.Leaf.Sub[i] = w.GetSubspace(n)
		}
		t.Leaf.Sub[i].refcount.Add(1)
	}

	// Corner samples go through one array call; corners borrowed from a
	// neighbor keep their solved QEF and are skipped.
	var cornerIndices [MaxChildren]int
	count := 0
	for c := 0; c < corners; c++ {
		sub := region.CornerIndex(c).Neighbor(n)
		if alreadySolved[sub] {
			continue
		}
		b.Array.Set(r.Corner3(c), count)
		cornerIndices[count] = c
		count++
	}

	values, derivs := b.Deriv.Derivs(count)
	ambig := b.Array.Ambiguous(count)
	for i := 0; i < count; i++ {
		c := cornerIndices[i]
		sub := region.CornerIndex(c).Neighbor(n)
		target := t.Leaf.Sub[sub]
		p := r.Corner(c)

		if ambig[i] {
			// Tied min/max branches: feed every candidate normal.
			for _, d := range b.Feature.Features(r.Corner3(c)) {
				target.QEF.Insert(p, sanitizeNormal(d, n), values[i])
			}
		} else {
			target.QEF.Insert(p, sanitizeNormal(derivs[i], n), values[i])
		}
	}

	solveSubspaces(t.Leaf, &alreadySolved, r)

	if t.Type == types.CellAmbiguous {
		saveVertexSigns(b, t, &alreadySolved)
	} else {
		for i := 0; i < subspaces; i++ {
			t.Leaf.Sub[i].Inside = t.Type == types.CellFilled
		}
	}
}

// sanitizeNormal truncates a gradient to n dimensions, collapsing
// non-finite components to the zero vector.
func sanitizeNormal(d [3]float64, n int) [3]float64 {
	var out [3]float64
	for i := range n {
		if math.IsInf(d[i], 0) || math.IsNaN(d[i]) {
			return [3]float64{}
		}
		out[i] = d[i]
	}
	return out
}

// solveSubspaces places one vertex per subspace by summing the QEFs of
// every contained subspace, reducing to the floating axes, and solving
// over the matching face of the region. Returns the maximum solver error
// across subspaces not already solved.
func solveSubspaces(leaf *Leaf, alreadySolved *[MaxSubspaces]bool, r region.Region) float64 {
	n := r.N
	subspaces := region.Pow3(n)
	maxErr := 0.0

	for si := 0; si < subspaces; si++ {
		if alreadySolved[si] {
			continue
		}
		s := region.NeighborIndex(si)
		floating := s.Floating(n)
		pos := s.Pos(n)

		// Fixed axes of s pin the reduction at the bound s sits on.
		var pinned [3]float64
		for d := range n {
			if pos&(1<<d) != 0 {
				pinned[d] = r.Upper[d]
			} else {
				pinned[d] = r.Lower[d]
			}
		}

		sum := qef.New(bits.OnesCount8(floating))
		for i := 0; i < subspaces; i++ {
			if s.Contains(region.NeighborIndex(i), n) {
				sum.Add(leaf.Sub[i].QEF.Sub(floating, pinned))
			}
		}

		lower, upper := qef.SubspaceBounds(r, floating)
		sol := sum.SolveBounded(lower, upper)
		if sol.Error > maxErr {
			maxErr = sol.Error
		}

		// Unpack the reduced solution: floating axes from the solver,
		// fixed axes pinned to the region bound.
		vert := r.Perp
		j := 0
		for d := range n {
			switch {
			case floating&(1<<d) != 0:
				vert[d] = sol.Position[j]
				j++
			case pos&(1<<d) != 0:
				vert[d] = r.Upper[d]
			default:
				vert[d] = r.Lower[d]
			}
		}
		leaf.Sub[si].Vert = vert
	}
	return maxErr
}

// saveVertexSigns classifies each subspace vertex of an ambiguous cell:
// negative field values are inside, and exact zeros fall back to the
// feature evaluator.
func saveVertexSigns(b *eval.Bundle, t *Tree, alreadySolved *[MaxSubspaces]bool) {
	n := t.Region.N
	for i := 0; i < region.Pow3(n); i++ {
		if alreadySolved[i] {
			continue
		}
		s := t.Leaf.Sub[i]
		b.Array.Set(s.Vert, 0)
		out := b.Array.Values(1)[0]
		s.Value = out
		if out == 0 {
			s.Inside = b.Feature.IsInside(s.Vert)
		} else {
			s.Inside = out < 0
		}
	}
}

// checkVertexSigns upgrades an ambiguous cell to empty or filled when all
// its subspace vertices agree. Interval arithmetic is more conclusive, but
// if the surface crossed the cell some vertex would be expected to see it.
func checkVertexSigns(t *Tree) {
	n := t.Region.N
	allInside := true
	allOutside := true
	for i := 0; i < region.Pow3(n); i++ {
		if t.Leaf.Sub[i].Inside {
			allOutside = false
		} else {
			allInside = false
		}
	}
	switch {
	case allInside:
		t.Type = types.CellFilled
	case allOutside:
		t.Type = types.CellEmpty
	default:
		t.Type = types.CellAmbiguous
	}
}
