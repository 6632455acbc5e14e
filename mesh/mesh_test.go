package mesh

import (
	"bytes"
	"context"
	"math"
	"testing"

	"github.com/outofforest/logger"
	"github.com/stretchr/testify/require"

	"github.com/outofforest/implicit/expr"
	"github.com/outofforest/implicit/region"
	"github.com/outofforest/implicit/simplex"
	"github.com/outofforest/implicit/tape"
)

func sphereTree(t *testing.T, level int) (*simplex.Tree, *simplex.Pool) {
	b := expr.NewBuilder()
	shape, err := b.Parse("x*x + y*y + z*z - 0.25")
	require.NoError(t, err)
	tp, err := tape.New(shape)
	require.NoError(t, err)

	pool := simplex.NewPool(2)
	r := region.New3([3]float64{-1, -1, -1}, [3]float64{1, 1, 1}, level)
	ctx := logger.WithLogger(context.Background(), logger.New(logger.DefaultConfig))
	tree, _, err := simplex.Build(ctx, tp, r,
		simplex.Config{MaxErr: 1e-8, Workers: 2}, pool)
	require.NoError(t, err)
	return tree, pool
}

func TestTriangulateSphere(t *testing.T) {
	requireT := require.New(t)
	tree, _ := sphereTree(t, 4)

	m := Triangulate(tree)
	requireT.NotEmpty(m.Triangles)
	requireT.NotEmpty(m.Vertices)

	for _, tri := range m.Triangles {
		for _, v := range tri {
			requireT.GreaterOrEqual(v, 0)
			requireT.Less(v, len(m.Vertices))
		}
		requireT.NotEqual(tri[0], tri[1])
		requireT.NotEqual(tri[1], tri[2])
		requireT.NotEqual(tri[0], tri[2])
	}

	// Every surface vertex lies close to the sphere of radius 0.5.
	for _, v := range m.Vertices {
		radius := math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z)
		requireT.InDelta(0.5, radius, 0.15, "vertex %v", v)
	}
}

func TestWriteSTL(t *testing.T) {
	requireT := require.New(t)
	tree, _ := sphereTree(t, 3)

	m := Triangulate(tree)
	var buf bytes.Buffer
	requireT.NoError(WriteSTL(&buf, m))

	// 80-byte header, 4-byte count, 50 bytes per triangle.
	requireT.Equal(84+50*len(m.Triangles), buf.Len())

	out := buf.Bytes()
	count := uint32(out[80]) | uint32(out[81])<<8 | uint32(out[82])<<16 | uint32(out[83])<<24
	requireT.Equal(uint32(len(m.Triangles)), count)
}
