package cophylike

import "fmt"

//MatrixUpdate asks the compute engine to fill one transition matrix buffer for a branch of the given length
type MatrixUpdate struct {
	Node         int
	Matrix       BufferID
	BranchLength float64
}

//PartialOperation asks the compute engine to combine two child partials through their branch matrices into Dest
type PartialOperation struct {
	Node        int
	Dest        BufferID
	DestScale   BufferID
	Left        BufferID
	LeftMatrix  BufferID
	Right       BufferID
	RightMatrix BufferID
}

//Schedule is the work emitted by one traversal, in the order the compute engine must apply it
type Schedule struct {
	MatrixUpdates []MatrixUpdate
	Operations    []PartialOperation
}

//ScheduleOptions tunes a single traversal
type ScheduleOptions struct {
	// Scaling makes every operation write a fresh scale-factor buffer.
	Scaling bool
	// Recompute emits an operation for every internal node. Buffers already
	// flipped in the current pass are reused instead of flipped again.
	Recompute bool
	// Debug checks that every written buffer was flipped in this pass.
	Debug bool
}

//Scheduler walks the tree once per evaluation and turns dirty flags into matrix updates and partial operations
type Scheduler struct {
	tree  TreeReader
	rates BranchRateModel
	table *BufferIndexTable
	dirty *DirtyPropagator

	opts  ScheduleOptions
	sched *Schedule
}

//NewScheduler wires a scheduler to the engine's tree, branch rates, buffer table and dirty flags
func NewScheduler(tree TreeReader, rates BranchRateModel, table *BufferIndexTable, dirty *DirtyPropagator) *Scheduler {
	return &Scheduler{tree: tree, rates: rates, table: table, dirty: dirty}
}

//Schedule runs a postorder traversal from root. Children are visited left to right before their parent's operation is emitted.
func (s *Scheduler) Schedule(root int, opts ScheduleOptions) (*Schedule, error) {
	s.opts = opts
	s.sched = &Schedule{}
	if _, err := s.traverse(root); err != nil {
		return nil, err
	}
	if opts.Debug {
		s.check()
	}
	return s.sched, nil
}

func (s *Scheduler) flip(kind BufferKind, node int) {
	if s.table.FlippedInRevision(kind, node) {
		return
	}
	if s.opts.Recompute && s.table.FlipCount(kind, node) > 0 {
		return
	}
	switch kind {
	case PartialBuffer:
		s.table.FlipPartial(node)
	case MatrixBuffer:
		s.table.FlipMatrix(node)
	case ScaleBuffer:
		s.table.FlipScale(node)
	}
}

func (s *Scheduler) traverse(n int) (bool, error) {
	updated := false
	dirty := s.dirty.IsDirty(n)
	if parent := s.tree.Parent(n); parent >= 0 && dirty {
		bl := s.rates.BranchRate(n) * (s.tree.Height(parent) - s.tree.Height(n))
		if !(bl >= 0) {
			return false, fmt.Errorf("%w: %g on the branch above node %d", ErrNegativeBranchLength, bl, n)
		}
		s.flip(MatrixBuffer, n)
		s.sched.MatrixUpdates = append(s.sched.MatrixUpdates, MatrixUpdate{
			Node:         n,
			Matrix:       s.table.CurrentMatrix(n),
			BranchLength: bl,
		})
		updated = true
	}
	if !s.tree.IsLeaf(n) {
		ch := s.tree.Children(n)
		left, right := ch[0], ch[1]
		u1, err := s.traverse(left)
		if err != nil {
			return false, err
		}
		u2, err := s.traverse(right)
		if err != nil {
			return false, err
		}
		if u1 || u2 || dirty || s.opts.Recompute {
			s.flip(PartialBuffer, n)
			scale := NoBuffer
			if s.opts.Scaling {
				s.flip(ScaleBuffer, n)
				scale = s.table.CurrentScale(n)
			}
			s.sched.Operations = append(s.sched.Operations, PartialOperation{
				Node:        n,
				Dest:        s.table.CurrentPartial(n),
				DestScale:   scale,
				Left:        s.table.CurrentPartial(left),
				LeftMatrix:  s.table.CurrentMatrix(left),
				Right:       s.table.CurrentPartial(right),
				RightMatrix: s.table.CurrentMatrix(right),
			})
			updated = true
		}
	}
	s.dirty.dirty[n] = false
	return updated, nil
}

// check panics when an emitted record writes into a buffer that was not
// flipped in this pass or the open revision, i.e. one the checkpoint may still own.
func (s *Scheduler) check() {
	for _, u := range s.sched.MatrixUpdates {
		if !s.table.writable(MatrixBuffer, u.Node) || s.table.CurrentMatrix(u.Node) != u.Matrix {
			panic(fmt.Sprintf("cophylike: matrix update for node %d targets stale buffer %d", u.Node, u.Matrix))
		}
	}
	for _, op := range s.sched.Operations {
		if !s.table.writable(PartialBuffer, op.Node) || s.table.CurrentPartial(op.Node) != op.Dest {
			panic(fmt.Sprintf("cophylike: operation for node %d targets stale buffer %d", op.Node, op.Dest))
		}
		if op.DestScale != NoBuffer && !s.table.writable(ScaleBuffer, op.Node) {
			panic(fmt.Sprintf("cophylike: operation for node %d targets stale scale buffer %d", op.Node, op.DestScale))
		}
	}
}
