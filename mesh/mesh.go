package mesh

import (
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/outofforest/implicit/region"
	"github.com/outofforest/implicit/simplex"
	"github.com/outofforest/implicit/types"
)

// Mesh is an indexed triangle soup extracted from a simplex tree.
type Mesh struct {
	Vertices  []r3.Vec
	Triangles [][3]int
}

// Triangulate extracts the isosurface from a fully built 3-dimensional
// simplex tree with assigned indices. Every ambiguous leaf is decomposed
// into the 48 tetrahedra formed by chains corner ⊂ edge ⊂ face ⊂ body of
// its subspace vertices; marching tetrahedra over the vertex signs emits
// the surface. Crossing points are deduplicated through the global
// subspace indices, so shared cell faces produce shared mesh vertices.
func Triangulate(tree *simplex.Tree) *Mesh {
	m := &Mesh{}
	edgeVerts := map[[2]uint64]int{}

	tree.Walk(func(t *simplex.Tree) {
		if t.IsBranch() || t.Type != types.CellAmbiguous || t.Leaf == nil {
			return
		}
		triangulateCell(m, t, edgeVerts)
	})
	return m
}

// tetVertex is one corner of a marching tetrahedron: a subspace vertex
// together with its global index, sign and sampled value.
type tetVertex struct {
	pos    r3.Vec
	index  uint64
	value  float64
	inside bool
}

func triangulateCell(m *Mesh, t *simplex.Tree, edgeVerts map[[2]uint64]int) {
	const n = 3
	body := region.FromPosAndFloating(0, 0b111, n)

	for c := 0; c < 1<<n; c++ {
		corner := region.CornerIndex(c).Neighbor(n)
		for a1 := range n {
			edge := withFloating(corner, a1)
			for a2 := range n {
				if a2 == a1 {
					continue
				}
				face := withFloating(edge, a2)
				tet := [4]tetVertex{
					subVertex(t.Leaf, corner),
					subVertex(t.Leaf, edge),
					subVertex(t.Leaf, face),
					subVertex(t.Leaf, body),
				}
				marchTet(m, tet, edgeVerts)
			}
		}
	}
}

func withFloating(s region.NeighborIndex, axis int) region.NeighborIndex {
	floating := s.Floating(3) | 1<<axis
	return region.FromPosAndFloating(s.Pos(3), floating, 3)
}

func subVertex(leaf *simplex.Leaf, s region.NeighborIndex) tetVertex {
	sub := leaf.Sub[s]
	return tetVertex{
		pos:    r3.Vec{X: sub.Vert[0], Y: sub.Vert[1], Z: sub.Vert[2]},
		index:  sub.Index,
		value:  sub.Value,
		inside: sub.Inside,
	}
}

// tet edges as vertex index pairs.
var tetEdges = [6][2]int{{0, 1}, {0, 2}, {0, 3}, {1, 2}, {1, 3}, {2, 3}}

// crossing is one surface point on a tetrahedron edge.
type crossing struct {
	vert int
	ends [2]int
}

func (c crossing) sharesEnd(o crossing) bool {
	return c.ends[0] == o.ends[0] || c.ends[0] == o.ends[1] ||
		c.ends[1] == o.ends[0] || c.ends[1] == o.ends[1]
}

func marchTet(m *Mesh, tet [4]tetVertex, edgeVerts map[[2]uint64]int) {
	insideCount := 0
	for _, v := range tet {
		if v.inside {
			insideCount++
		}
	}
	if insideCount == 0 || insideCount == 4 {
		return
	}

	var crossings []crossing
	for _, e := range tetEdges {
		a, b := tet[e[0]], tet[e[1]]
		if a.inside == b.inside {
			continue
		}
		crossings = append(crossings, crossing{
			vert: m.crossingVertex(a, b, edgeVerts),
			ends: e,
		})
	}

	// Reference direction for winding: from the inside corners towards
	// the outside ones.
	var insideC, outsideC r3.Vec
	for _, v := range tet {
		if v.inside {
			insideC = r3.Add(insideC, v.pos)
		} else {
			outsideC = r3.Add(outsideC, v.pos)
		}
	}
	insideC = r3.Scale(1/float64(insideCount), insideC)
	outsideC = r3.Scale(1/float64(4-insideCount), outsideC)
	outward := r3.Sub(outsideC, insideC)

	switch len(crossings) {
	case 3:
		m.emit(crossings[0].vert, crossings[1].vert, crossings[2].vert, outward)
	case 4:
		// The crossing points form a quad; order them cyclically so that
		// consecutive corners share a tetrahedron vertex. The crossing
		// opposite to the first is the one sharing no endpoint with it.
		for i := 1; i < 4; i++ {
			if crossings[0].sharesEnd(crossings[i]) {
				continue
			}
			crossings[i], crossings[2] = crossings[2], crossings[i]
			break
		}
		m.emit(crossings[0].vert, crossings[1].vert, crossings[2].vert, outward)
		m.emit(crossings[0].vert, crossings[2].vert, crossings[3].vert, outward)
	}
}

// crossingVertex interpolates the surface point on the segment between two
// subspace vertices of opposite sign, reusing it for every tetrahedron
// sharing the segment.
func (m *Mesh) crossingVertex(a, b tetVertex, edgeVerts map[[2]uint64]int) int {
	key := [2]uint64{a.index, b.index}
	if key[0] > key[1] {
		key[0], key[1] = key[1], key[0]
	}
	if i, ok := edgeVerts[key]; ok {
		return i
	}

	t := 0.5
	if den := b.value - a.value; den != 0 {
		t = -a.value / den
	}
	if t < 0 {
		t = 0
	}
	if t > 1 {
		t = 1
	}
	p := r3.Add(a.pos, r3.Scale(t, r3.Sub(b.pos, a.pos)))

	i := len(m.Vertices)
	m.Vertices = append(m.Vertices, p)
	edgeVerts[key] = i
	return i
}

func (m *Mesh) emit(a, b, c int, outward r3.Vec) {
	n := r3.Cross(
		r3.Sub(m.Vertices[b], m.Vertices[a]),
		r3.Sub(m.Vertices[c], m.Vertices[a]),
	)
	if r3.Dot(n, outward) < 0 {
		b, c = c, b
	}
	if a == b || b == c || a == c {
		return
	}
	m.Triangles = append(m.Triangles, [3]int{a, b, c})
}
