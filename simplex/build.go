package simplex

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/outofforest/parallel"
	"github.com/pkg/errors"

	"github.com/outofforest/implicit/eval"
	"github.com/outofforest/implicit/region"
	"github.com/outofforest/implicit/tape"
	"github.com/outofforest/implicit/types"
)

// Config carries the build parameters.
type Config struct {
	// MaxErr is the residual threshold below which a bottom-up merge is
	// committed.
	MaxErr float64

	// MinFeature stops subdivision once a cell side would shrink below
	// it; zero disables the size-based cut-off.
	MinFeature float64

	// Workers is the size of the worker pool.
	Workers int
}

// Stats counts what a build touched.
type Stats struct {
	// Cells is the number of cells evaluated.
	Cells uint64

	// Leaves is the number of cells resolved without subdivision.
	Leaves uint64

	// Collected is the number of completed parent collections, committed
	// or not.
	Collected uint64

	// Vertices is the number of distinct subspace vertices indexed.
	Vertices uint64
}

// Build constructs the simplex tree for the compiled field over the root
// region, then assigns global vertex indices. Cancellation through ctx is
// cooperative: the abort flag is polled at tape walks and before each
// cell, and a cancelled build releases everything it allocated back to
// the pool before returning the context error.
func Build(ctx context.Context, t *tape.Tape, r region.Region, cfg Config, pool *Pool) (*Tree, Stats, error) {
	b := &builder{
		cfg:  cfg,
		tape: t,
		pool: pool,
		stop: make(chan struct{}),
	}
	b.cond = sync.NewCond(&b.mu)

	root := pool.Worker(0).GetTree()
	root.Region = r
	b.inFlight = 1
	b.stack = append(b.stack, task{tree: root})

	err := parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("watchdog", parallel.Continue, func(ctx context.Context) error {
			select {
			case <-ctx.Done():
				b.abort.Store(true)
				b.cond.Broadcast()
				return errors.WithStack(ctx.Err())
			case <-b.stop:
				return nil
			}
		})
		for i := range cfg.Workers {
			spawn(fmt.Sprintf("worker-%02d", i), parallel.Continue, func(ctx context.Context) error {
				return b.worker(ctx, i)
			})
		}
		return nil
	})

	if failure := b.failure(); failure != nil {
		err = failure
	}
	if err != nil {
		root.Release(pool.Worker(0))
		return nil, b.stats, err
	}

	b.stats.Vertices = root.AssignIndices()
	return root, b.stats, nil
}

type task struct {
	tree *Tree

	// snap is the tape specialization of the parent region, adopted
	// before evaluating this cell.
	snap *tape.Snapshot
}

type builder struct {
	cfg  Config
	tape *tape.Tape
	pool *Pool

	abort atomic.Bool

	mu       sync.Mutex
	cond     *sync.Cond
	stack    []task
	inFlight int
	err      error

	stop     chan struct{}
	stopOnce sync.Once

	stats Stats
}

func (b *builder) signalStop() {
	b.stopOnce.Do(func() {
		close(b.stop)
	})
}

// fail records the first failure, carrying the triggering cell's region,
// and aborts the build.
func (b *builder) fail(r region.Region, err error) {
	b.mu.Lock()
	if b.err == nil {
		b.err = errors.Wrapf(err, "build failed at region [%v, %v]", r.Lower, r.Upper)
	}
	b.mu.Unlock()
	b.abort.Store(true)
	b.cond.Broadcast()
	b.signalStop()
}

func (b *builder) failure() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// next pops the most recently pushed task, waiting while the stack is
// empty but cells are still in flight. Returns false when the build has
// drained or aborted.
func (b *builder) next() (task, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for {
		if b.abort.Load() || b.inFlight == 0 {
			return task{}, false
		}
		if n := len(b.stack); n > 0 {
			out := b.stack[n-1]
			b.stack = b.stack[:n-1]
			return out, true
		}
		b.cond.Wait()
	}
}

// push makes child tasks runnable. LIFO order keeps workers deep in the
// tree, bounding the live frontier.
func (b *builder) push(tasks ...task) {
	b.mu.Lock()
	b.inFlight += len(tasks)
	b.stack = append(b.stack, tasks...)
	b.mu.Unlock()
	b.cond.Broadcast()
}

// finish retires one task; the last one wakes every waiter and releases
// the watchdog.
func (b *builder) finish() {
	b.mu.Lock()
	b.inFlight--
	drained := b.inFlight == 0
	b.mu.Unlock()
	if drained {
		b.cond.Broadcast()
		b.signalStop()
	}
}

func (b *builder) worker(ctx context.Context, i int) error {
	w := b.pool.Worker(i)
	bundle := eval.NewBundle(b.tape)
	bundle.SetAbort(&b.abort)

	for {
		tk, ok := b.next()
		if !ok {
			return errors.WithStack(ctx.Err())
		}
		b.process(w, bundle, tk)
		b.finish()
	}
}

// process runs one cell through interval pruning, leaf evaluation or
// subdivision, and propagates completion up the tree.
func (b *builder) process(w *WorkerPool, bundle *eval.Bundle, tk task) {
	if b.abort.Load() {
		return
	}
	atomic.AddUint64(&b.stats.Cells, 1)

	t := tk.tree
	r := t.Region

	hSnap := bundle.Tape.Adopt(tk.snap)
	defer hSnap.Close()

	iv, h := bundle.Interval.EvalAndPush(r)
	defer h.Close()

	if err := bundle.Interval.Err(); err != nil {
		b.fail(r, err)
		return
	}

	t.Type = iv.State()
	safe := bundle.Interval.IsSafe()
	if !safe {
		t.Type = types.CellAmbiguous
	}

	switch {
	case t.Type == types.CellEmpty || t.Type == types.CellFilled:
		t.Leaf = w.GetLeaf()
		t.Leaf.Level = r.Level
		t.Leaf.Tape = tk.snap
		findLeafVertices(w, bundle, t, NewNeighbors(r.N))
		atomic.AddUint64(&b.stats.Leaves, 1)
		b.propagateUp(w, bundle, t)

	case r.Level <= 0 || (b.cfg.MinFeature > 0 && r.MinDim()/2 < b.cfg.MinFeature):
		t.Type = types.CellAmbiguous
		t.Leaf = w.GetLeaf()
		t.Leaf.Level = r.Level
		t.Leaf.Tape = tk.snap
		findLeafVertices(w, bundle, t, NewNeighbors(r.N))
		checkVertexSigns(t)
		atomic.AddUint64(&b.stats.Leaves, 1)
		b.propagateUp(w, bundle, t)

	default:
		snap := tk.snap
		if safe {
			snap = bundle.Tape.Snapshot()
		}
		t.snap = snap
		children := 1 << r.N
		t.pending.Store(int32(children - 1))

		regions := r.SplitAll()
		tasks := make([]task, children)
		for i := range children {
			c := w.GetTree()
			c.Parent = t
			c.ParentIndex = i
			c.Region = regions[i]
			t.children[i].Store(c)
			tasks[i] = task{tree: c, snap: snap}
		}
		b.push(tasks...)
	}
}

// propagateUp lets each completed cell notify its parent; merges cascade
// as long as the current cell was the last outstanding sibling.
func (b *builder) propagateUp(w *WorkerPool, bundle *eval.Bundle, t *Tree) {
	for t.Parent != nil {
		if !collectChildren(w, bundle, t.Parent, b.cfg.MaxErr) {
			return
		}
		atomic.AddUint64(&b.stats.Collected, 1)
		t = t.Parent
	}
}
