package qef

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/outofforest/implicit/region"
)

// EigenvalueCutoff is the relative threshold below which eigenvalues of the
// normal matrix are discarded, regularizing under-constrained systems.
const EigenvalueCutoff = 1e-8

// QEF accumulates samples (position, normal, value) of a scalar field into
// the moments of the quadratic error Σ (nᵢ·(x-pᵢ) + vᵢ)². QEFs add
// componentwise, so children can be merged by summation. The zero value is
// an empty accumulator.
//
// N is the dimension of the subspace the QEF lives on; only the leading
// N×N block of the matrices is meaningful.
type QEF struct {
	N int

	// AtA is Σ nᵢ nᵢᵀ, symmetric.
	AtA [3][3]float64

	// AtB is Σ nᵢ (nᵢ·pᵢ - vᵢ).
	AtB [3]float64

	// BtB is Σ (nᵢ·pᵢ - vᵢ)².
	BtB float64

	// Mass accumulates sample positions; Count the number of samples.
	// The centroid anchors the solve for under-constrained systems.
	Mass  [3]float64
	Count int
}

// Solution is the result of a bounded QEF solve.
type Solution struct {
	// Position has the subspace's floating coordinates in its leading
	// components.
	Position [3]float64

	// Error is the quadratic error at Position, clamped at zero.
	Error float64
}

// New returns an empty N-dimensional accumulator.
func New(n int) QEF {
	return QEF{N: n}
}

// Reset empties the accumulator in place, preserving its dimension.
func (q *QEF) Reset() {
	*q = QEF{N: q.N}
}

// Insert accumulates one sample: position p, normal n and field value v.
func (q *QEF) Insert(p, n [3]float64, v float64) {
	b := n[0]*p[0] + n[1]*p[1] + n[2]*p[2] - v
	for i := range q.N {
		for j := range q.N {
			q.AtA[i][j] += n[i] * n[j]
		}
		q.AtB[i] += n[i] * b
		q.Mass[i] += p[i]
	}
	q.BtB += b * b
	q.Count++
}

// Add merges another accumulator of the same dimension.
func (q *QEF) Add(o QEF) {
	for i := range q.N {
		for j := range q.N {
			q.AtA[i][j] += o.AtA[i][j]
		}
		q.AtB[i] += o.AtB[i]
		q.Mass[i] += o.Mass[i]
	}
	q.BtB += o.BtB
	q.Count += o.Count
}

// Sub reduces the accumulator to the subspace selected by the floating
// bitmask, pinning every fixed axis to the coordinate in pinned. The
// result is an M-dimensional QEF, M = popcount(floating), whose axes are
// the floating axes in ascending order.
//
// Pinning substitutes x_d = c into the quadratic form: the reduced system
// keeps the floating block of AtA, folds the pinned columns into AtB, and
// folds the pinned quadratic terms into BtB.
func (q QEF) Sub(floating uint8, pinned [3]float64) QEF {
	var axes []int
	var fixed []int
	for d := range q.N {
		if floating&(1<<d) != 0 {
			axes = append(axes, d)
		} else {
			fixed = append(fixed, d)
		}
	}

	out := QEF{N: len(axes), BtB: q.BtB, Count: q.Count}
	for _, d := range fixed {
		c := pinned[d]
		out.BtB += c*c*q.AtA[d][d] - 2*c*q.AtB[d]
		for _, d2 := range fixed {
			if d2 > d {
				out.BtB += 2 * c * pinned[d2] * q.AtA[d][d2]
			}
		}
	}
	for i, di := range axes {
		for j, dj := range axes {
			out.AtA[i][j] = q.AtA[di][dj]
		}
		out.AtB[i] = q.AtB[di]
		for _, d := range fixed {
			out.AtB[i] -= q.AtA[di][d] * pinned[d]
		}
		out.Mass[i] = q.Mass[di]
	}
	return out
}

// Error evaluates the quadratic error at x.
func (q QEF) Error(x [3]float64) float64 {
	out := q.BtB
	for i := range q.N {
		out -= 2 * q.AtB[i] * x[i]
		for j := range q.N {
			out += x[i] * q.AtA[i][j] * x[j]
		}
	}
	if out < 0 {
		return 0
	}
	return out
}

// SolveBounded minimizes the accumulated error over the box [lower, upper]
// in the QEF's own dimension. The normal matrix is eigendecomposed and
// eigenvalues below EigenvalueCutoff (relative to the largest) are
// discarded; the solve is anchored at the sample centroid, which makes the
// regularized optimum unique and realizes the centroid-nearest tie-break
// when the unconstrained optimum leaves the box. With no usable
// eigenvalues at all the vertex lands on the centroid of the box.
func (q QEF) SolveBounded(lower, upper [3]float64) Solution {
	if q.N == 0 {
		return Solution{Error: q.Error([3]float64{})}
	}

	center := q.centroid(lower, upper)

	sym := mat.NewSymDense(q.N, nil)
	for i := range q.N {
		for j := i; j < q.N; j++ {
			sym.SetSym(i, j, q.AtA[i][j])
		}
	}
	var eig mat.EigenSym
	if !eig.Factorize(sym, true) {
		return q.clampedSolution(center, lower, upper)
	}
	values := eig.Values(nil)
	var vectors mat.Dense
	eig.VectorsTo(&vectors)

	cutoff := 0.0
	for _, v := range values {
		if v > cutoff {
			cutoff = v
		}
	}
	cutoff *= EigenvalueCutoff

	// Solve relative to the anchor: x = c + Σ qᵢ qᵢᵀ (AtB - AtA c) / λᵢ
	// over eigenvalues above the cutoff.
	var rhs [3]float64
	for i := range q.N {
		rhs[i] = q.AtB[i]
		for j := range q.N {
			rhs[i] -= q.AtA[i][j] * center[j]
		}
	}
	x := center
	used := false
	for k := range q.N {
		if values[k] <= cutoff {
			continue
		}
		used = true
		dot := 0.0
		for i := range q.N {
			dot += vectors.At(i, k) * rhs[i]
		}
		for i := range q.N {
			x[i] += vectors.At(i, k) * dot / values[k]
		}
	}
	if !used {
		for i := range q.N {
			x[i] = (lower[i] + upper[i]) / 2
		}
	}

	return q.clampedSolution(x, lower, upper)
}

// centroid returns the sample centroid, falling back to the box midpoint
// for an empty accumulator or a non-finite mass.
func (q QEF) centroid(lower, upper [3]float64) [3]float64 {
	var out [3]float64
	for i := range q.N {
		out[i] = (lower[i] + upper[i]) / 2
	}
	if q.Count == 0 {
		return out
	}
	for i := range q.N {
		c := q.Mass[i] / float64(q.Count)
		if !math.IsInf(c, 0) && !math.IsNaN(c) {
			out[i] = c
		}
	}
	return out
}

func (q QEF) clampedSolution(x, lower, upper [3]float64) Solution {
	for i := range q.N {
		if x[i] < lower[i] || math.IsNaN(x[i]) {
			x[i] = lower[i]
		}
		if x[i] > upper[i] {
			x[i] = upper[i]
		}
	}
	return Solution{Position: x, Error: q.Error(x)}
}

// SubspaceBounds extracts the bounds of an M-dimensional solve from a
// region face: the floating axes of the subspace, compacted into the
// leading components.
func SubspaceBounds(r region.Region, floating uint8) (lower, upper [3]float64) {
	i := 0
	for d := range r.N {
		if floating&(1<<d) != 0 {
			lower[i] = r.Lower[d]
			upper[i] = r.Upper[d]
			i++
		}
	}
	return lower, upper
}
