package cophylike

import "fmt"

//BufferID addresses one storage slot in the compute engine. Ids are only valid for the engine that issued them.
type BufferID int

//NoBuffer marks an unused buffer slot, e.g. the scale buffer when rescaling is off
const NoBuffer BufferID = -1

//BufferKind names the three double-buffered quantities kept per node
type BufferKind int

const (
	PartialBuffer BufferKind = iota
	MatrixBuffer
	ScaleBuffer
	bufferKinds
)

func (k BufferKind) String() string {
	switch k {
	case PartialBuffer:
		return "partial"
	case MatrixBuffer:
		return "matrix"
	case ScaleBuffer:
		return "scale"
	}
	return fmt.Sprintf("BufferKind(%d)", int(k))
}

// slotBits holds the current slot (0 or 1) of every node for every buffer
// kind, plus the slot of the shared eigen system. A checkpoint is another
// slotBits value; restoring swaps the two pointers.
type slotBits struct {
	partial []uint8
	matrix  []uint8
	scale   []uint8
	eigen   uint8
}

func newSlotBits(nodeCount int) *slotBits {
	return &slotBits{
		partial: make([]uint8, nodeCount),
		matrix:  make([]uint8, nodeCount),
		scale:   make([]uint8, nodeCount),
	}
}

func (s *slotBits) copyTo(dst *slotBits) {
	copy(dst.partial, s.partial)
	copy(dst.matrix, s.matrix)
	copy(dst.scale, s.scale)
	dst.eigen = s.eigen
}

//BufferIndexTable maps nodes to the current one of their two buffers for each buffer kind
type BufferIndexTable struct {
	nodeCount     int
	tipCount      int
	internalCount int
	live          *slotBits
	pass          uint64
	flipped       [bufferKinds][]uint64

	revision     uint64
	revisionOpen bool
	revFlipped   [bufferKinds][]uint64
	eigenRev     uint64
}

//NewBufferIndexTable allocates slot bookkeeping for a tree with nodeCount nodes, the first tipCount of which are tips
func NewBufferIndexTable(nodeCount, tipCount int) *BufferIndexTable {
	t := &BufferIndexTable{
		nodeCount:     nodeCount,
		tipCount:      tipCount,
		internalCount: nodeCount - tipCount,
		live:          newSlotBits(nodeCount),
		pass:          1,
	}
	for k := range t.flipped {
		t.flipped[k] = make([]uint64, nodeCount)
		t.revFlipped[k] = make([]uint64, nodeCount)
	}
	return t
}

//BeginPass opens a new evaluation pass; each buffer may be flipped at most once per pass
func (t *BufferIndexTable) BeginPass() {
	t.pass++
}

//FlipCount reports how many times a node's buffer of the given kind was flipped in the current pass
func (t *BufferIndexTable) FlipCount(kind BufferKind, node int) int {
	if t.flipped[kind][node] == t.pass {
		return 1
	}
	return 0
}

func (t *BufferIndexTable) markFlip(kind BufferKind, node int) {
	if t.flipped[kind][node] == t.pass {
		panic(fmt.Sprintf("cophylike: %s buffer of node %d flipped twice in one pass", kind, node))
	}
	t.flipped[kind][node] = t.pass
	if t.revisionOpen {
		t.revFlipped[kind][node] = t.revision
	}
}

//BeginRevision opens a revision on top of a saved checkpoint. A buffer flipped while it is open keeps its new slot until EndRevision.
func (t *BufferIndexTable) BeginRevision() {
	t.revision++
	t.revisionOpen = true
}

//EndRevision closes the open revision, if any
func (t *BufferIndexTable) EndRevision() {
	t.revisionOpen = false
}

//FlippedInRevision reports whether node's buffer of the given kind already moved off its checkpointed slot in the open revision
func (t *BufferIndexTable) FlippedInRevision(kind BufferKind, node int) bool {
	return t.revisionOpen && t.revFlipped[kind][node] == t.revision
}

//EigenFlippedInRevision is FlippedInRevision for the eigen system buffer
func (t *BufferIndexTable) EigenFlippedInRevision() bool {
	return t.revisionOpen && t.eigenRev == t.revision
}

func (t *BufferIndexTable) writable(kind BufferKind, node int) bool {
	return t.FlipCount(kind, node) == 1 || t.FlippedInRevision(kind, node)
}

//CurrentPartial returns the partials buffer currently holding node's likelihoods. Tips have a single buffer.
func (t *BufferIndexTable) CurrentPartial(node int) BufferID {
	if node < t.tipCount {
		return BufferID(node)
	}
	return BufferID(node + int(t.live.partial[node])*t.internalCount)
}

//CurrentMatrix returns the transition matrix buffer for the branch above node
func (t *BufferIndexTable) CurrentMatrix(node int) BufferID {
	return BufferID(node + int(t.live.matrix[node])*(t.nodeCount-1))
}

//CurrentScale returns the scale-factor buffer of an internal node, or NoBuffer for a tip
func (t *BufferIndexTable) CurrentScale(node int) BufferID {
	if node < t.tipCount {
		return NoBuffer
	}
	return BufferID(node - t.tipCount + int(t.live.scale[node])*t.internalCount)
}

//CurrentEigen returns the buffer of the shared eigen system
func (t *BufferIndexTable) CurrentEigen() BufferID {
	return BufferID(t.live.eigen)
}

//FlipPartial switches node to its other partials buffer. Tips are never flipped.
func (t *BufferIndexTable) FlipPartial(node int) {
	if node < t.tipCount {
		return
	}
	t.markFlip(PartialBuffer, node)
	t.live.partial[node] ^= 1
}

//FlipMatrix switches the branch above node to its other matrix buffer
func (t *BufferIndexTable) FlipMatrix(node int) {
	if node == t.nodeCount-1 {
		panic("cophylike: the root has no branch matrix to flip")
	}
	t.markFlip(MatrixBuffer, node)
	t.live.matrix[node] ^= 1
}

//FlipScale switches an internal node to its other scale-factor buffer
func (t *BufferIndexTable) FlipScale(node int) {
	if node < t.tipCount {
		panic(fmt.Sprintf("cophylike: tip %d has no scale buffer", node))
	}
	t.markFlip(ScaleBuffer, node)
	t.live.scale[node] ^= 1
}

//FlipEigen switches to the other eigen system buffer
func (t *BufferIndexTable) FlipEigen() {
	t.live.eigen ^= 1
	if t.revisionOpen {
		t.eigenRev = t.revision
	}
}

//PartialBufferCount is the number of partials buffers a backend must allocate
func (t *BufferIndexTable) PartialBufferCount() int {
	return t.nodeCount + t.internalCount
}

//MatrixBufferCount is the number of transition matrix buffers a backend must allocate
func (t *BufferIndexTable) MatrixBufferCount() int {
	return 2 * (t.nodeCount - 1)
}

//ScaleBufferCount is the number of scale-factor buffers a backend must allocate
func (t *BufferIndexTable) ScaleBufferCount() int {
	return 2 * t.internalCount
}

//EigenBufferCount is the number of eigen system buffers a backend must allocate
func (t *BufferIndexTable) EigenBufferCount() int {
	return 2
}

func (t *BufferIndexTable) snapshotInto(dst *slotBits) {
	t.live.copyTo(dst)
}

// swap installs shadow as the live slot bits and hands back the previous live set.
func (t *BufferIndexTable) swap(shadow *slotBits) *slotBits {
	prev := t.live
	t.live = shadow
	return prev
}
