package mesh

import (
	"encoding/binary"
	"io"
	"math"

	"github.com/outofforest/photon"
	"github.com/pkg/errors"

	"gonum.org/v1/gonum/spatial/r3"
)

// stlRecord is the fixed numeric part of one binary STL triangle: normal
// followed by three vertices. The trailing attribute word is written
// separately because it would force struct padding.
type stlRecord struct {
	Data [12]float32
}

// WriteSTL streams the mesh as binary STL.
func WriteSTL(w io.Writer, m *Mesh) error {
	var header [80]byte
	if _, err := w.Write(header[:]); err != nil {
		return errors.WithStack(err)
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(m.Triangles))); err != nil {
		return errors.WithStack(err)
	}

	var rec stlRecord
	var attr [2]byte
	for _, tri := range m.Triangles {
		a, b, c := m.Vertices[tri[0]], m.Vertices[tri[1]], m.Vertices[tri[2]]
		n := r3.Cross(r3.Sub(b, a), r3.Sub(c, a))
		if l := r3.Norm(n); l > 0 && !math.IsInf(l, 0) {
			n = r3.Scale(1/l, n)
		} else {
			n = r3.Vec{}
		}

		rec.Data = [12]float32{
			float32(n.X), float32(n.Y), float32(n.Z),
			float32(a.X), float32(a.Y), float32(a.Z),
			float32(b.X), float32(b.Y), float32(b.Z),
			float32(c.X), float32(c.Y), float32(c.Z),
		}
		if _, err := w.Write(photon.NewFromValue(&rec).B); err != nil {
			return errors.WithStack(err)
		}
		if _, err := w.Write(attr[:]); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}
