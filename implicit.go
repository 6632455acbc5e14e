package implicit

import (
	"context"
	"runtime"
	"time"

	"github.com/outofforest/logger"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/implicit/expr"
	"github.com/outofforest/implicit/region"
	"github.com/outofforest/implicit/simplex"
	"github.com/outofforest/implicit/tape"
)

// Config stores the rendering configuration.
type Config struct {
	// MaxErr is the merge threshold: a parent cell replaces its children
	// when the re-solved vertex error stays below it.
	MaxErr float64

	// MinFeature is the minimum region side; subdivision stops before
	// producing smaller cells. Zero disables the size cut-off.
	MinFeature float64

	// Workers is the worker pool size; zero means one worker per CPU.
	Workers int
}

// DefaultConfig returns the configuration used when fields are left zero.
func DefaultConfig() Config {
	return Config{
		MaxErr:  1e-8,
		Workers: runtime.NumCPU(),
	}
}

// Build compiles the shape into a tape and constructs its simplex tree
// over the region, with global vertex indices assigned. The returned pool
// owns the tree's storage: releasing the tree returns every cell, leaf and
// subspace record to it.
func Build(ctx context.Context, shape *expr.Node, r region.Region, config Config) (*simplex.Tree, *simplex.Pool, error) {
	if config.Workers <= 0 {
		config.Workers = runtime.NumCPU()
	}
	if config.MaxErr <= 0 {
		config.MaxErr = DefaultConfig().MaxErr
	}
	if r.N != 2 && r.N != 3 {
		return nil, nil, errors.Errorf("unsupported dimension %d", r.N)
	}

	t, err := tape.New(shape)
	if err != nil {
		return nil, nil, err
	}

	pool := simplex.NewPool(config.Workers)
	log := logger.Get(ctx)
	log.Info("Building simplex tree",
		zap.Int("workers", config.Workers),
		zap.Int("level", r.Level),
		zap.Int("clauses", t.NumClauses()),
		zap.Int("slots", t.NumSlots()))

	started := time.Now()
	tree, stats, err := simplex.Build(ctx, t, r, simplex.Config{
		MaxErr:     config.MaxErr,
		MinFeature: config.MinFeature,
		Workers:    config.Workers,
	}, pool)
	if err != nil {
		log.Error("Build failed", zap.Error(err))
		return nil, nil, err
	}

	log.Info("Build finished",
		zap.Duration("took", time.Since(started)),
		zap.Uint64("cells", stats.Cells),
		zap.Uint64("leaves", stats.Leaves),
		zap.Uint64("collected", stats.Collected),
		zap.Uint64("vertices", stats.Vertices))

	return tree, pool, nil
}
