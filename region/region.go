package region

// Region is an axis-aligned box in N dimensions (N is 2 or 3). Only the
// first N components of Lower and Upper are meaningful; for N < 3 the Perp
// vector pads the ignored dimensions when a full 3-vector is needed.
type Region struct {
	N     int
	Lower [3]float64
	Upper [3]float64

	// Level is the remaining recursion depth for level-based termination.
	Level int

	// Perp fills the ignored dimensions when evaluating with N < 3.
	Perp [3]float64
}

// New3 returns a 3-dimensional region with the given recursion depth.
func New3(lower, upper [3]float64, level int) Region {
	return Region{N: 3, Lower: lower, Upper: upper, Level: level}
}

// New2 returns a 2-dimensional region in the plane z = perp.
func New2(lower, upper [2]float64, perp float64, level int) Region {
	return Region{
		N:     2,
		Lower: [3]float64{lower[0], lower[1], 0},
		Upper: [3]float64{upper[0], upper[1], 0},
		Level: level,
		Perp:  [3]float64{0, 0, perp},
	}
}

// Contains reports whether p lies within the region, boundary included.
// Only the first N components are checked.
func (r Region) Contains(p [3]float64) bool {
	for d := range r.N {
		if p[d] < r.Lower[d] || p[d] > r.Upper[d] {
			return false
		}
	}
	return true
}

// Center returns the midpoint of the region, perp-padded.
func (r Region) Center() [3]float64 {
	out := r.Perp
	for d := range r.N {
		out[d] = (r.Lower[d] + r.Upper[d]) / 2
	}
	return out
}

// Corner returns the corner selected by bitmask i: bit d picks Upper on
// axis d. Components beyond N are zero.
func (r Region) Corner(i int) [3]float64 {
	var out [3]float64
	for d := range r.N {
		if i&(1<<d) != 0 {
			out[d] = r.Upper[d]
		} else {
			out[d] = r.Lower[d]
		}
	}
	return out
}

// Corner3 returns the corner padded with Perp for the ignored dimensions,
// suitable for feeding a 3-vector evaluator.
func (r Region) Corner3(i int) [3]float64 {
	out := r.Corner(i)
	for d := r.N; d < 3; d++ {
		out[d] = r.Perp[d]
	}
	return out
}

// SplitAll subdivides the region into its 2^N children, each with Level
// decremented. Child i occupies the high half of axis d iff bit d of i is
// set, matching Corner numbering.
func (r Region) SplitAll() []Region {
	center := r.Center()
	out := make([]Region, 1<<r.N)
	for i := range out {
		c := r
		c.Level = r.Level - 1
		for d := range r.N {
			if i&(1<<d) != 0 {
				c.Lower[d] = center[d]
			} else {
				c.Upper[d] = center[d]
			}
		}
		out[i] = c
	}
	return out
}

// SubspaceBounds returns the bounds of the face selected by a subspace
// index: floating axes keep the full extent, fixed axes are pinned to the
// bound selected by the pos bitmask. The pinned coordinate is returned in
// both lower and upper.
func (r Region) SubspaceBounds(s NeighborIndex) (lower, upper [3]float64) {
	floating := s.Floating(r.N)
	pos := s.Pos(r.N)
	for d := range r.N {
		switch {
		case floating&(1<<d) != 0:
			lower[d] = r.Lower[d]
			upper[d] = r.Upper[d]
		case pos&(1<<d) != 0:
			lower[d] = r.Upper[d]
			upper[d] = r.Upper[d]
		default:
			lower[d] = r.Lower[d]
			upper[d] = r.Lower[d]
		}
	}
	return lower, upper
}

// MinDim returns the shortest side length of the region.
func (r Region) MinDim() float64 {
	out := r.Upper[0] - r.Lower[0]
	for d := 1; d < r.N; d++ {
		if s := r.Upper[d] - r.Lower[d]; s < out {
			out = s
		}
	}
	return out
}
