package cophylike

import "fmt"

//ChangeKind tags a change notification
type ChangeKind int

const (
	//NodeChanged means a node's height (or anything else touching only it and its incident branches) moved
	NodeChanged ChangeKind = iota
	//RateChanged means the branch rate of Node changed, or of every branch when Node is AllNodes
	RateChanged
	//StructureChanged means a substitution model parameter shared by every branch changed
	StructureChanged
	//SiteModelChanged means the among-site rate categories changed
	SiteModelChanged
	//SubtreeChanged means Node and everything below it changed
	SubtreeChanged
	//TreeChanged means the whole tree must be recomputed
	TreeChanged
)

//AllNodes targets every node in a RateChanged event
const AllNodes = -1

func (k ChangeKind) String() string {
	switch k {
	case NodeChanged:
		return "NodeChanged"
	case RateChanged:
		return "RateChanged"
	case StructureChanged:
		return "StructureChanged"
	case SiteModelChanged:
		return "SiteModelChanged"
	case SubtreeChanged:
		return "SubtreeChanged"
	case TreeChanged:
		return "TreeChanged"
	}
	return fmt.Sprintf("ChangeKind(%d)", int(k))
}

//ChangeEvent is a change notification delivered to the engine
type ChangeEvent struct {
	Kind ChangeKind
	Node int
}

// DirtyPropagator turns change events into dirty flags. It never walks
// up the tree: the scheduler carries "a child changed" to the ancestors.
type DirtyPropagator struct {
	tree  TreeReader
	dirty []bool

	rebuildTransitionModel bool
	updateSiteModel        bool
}

func newDirtyPropagator(tree TreeReader) *DirtyPropagator {
	return &DirtyPropagator{tree: tree, dirty: make([]bool, tree.NodeCount())}
}

//Apply marks the nodes affected by ev
func (d *DirtyPropagator) Apply(ev ChangeEvent) error {
	n := len(d.dirty)
	needsNode := ev.Kind == NodeChanged || ev.Kind == SubtreeChanged || (ev.Kind == RateChanged && ev.Node != AllNodes)
	if needsNode && (ev.Node < 0 || ev.Node >= n) {
		return fmt.Errorf("%w: %s for node %d in a tree of %d nodes", ErrInvalidNode, ev.Kind, ev.Node, n)
	}
	switch ev.Kind {
	case NodeChanged:
		d.dirty[ev.Node] = true
		for _, c := range d.tree.Children(ev.Node) {
			d.dirty[c] = true
		}
	case RateChanged:
		if ev.Node == AllNodes {
			d.markAll()
			d.rebuildTransitionModel = true
		} else {
			d.dirty[ev.Node] = true
		}
	case StructureChanged:
		d.markAll()
		d.rebuildTransitionModel = true
	case SiteModelChanged:
		d.markAll()
		d.updateSiteModel = true
	case SubtreeChanged:
		d.markSubtree(ev.Node)
	case TreeChanged:
		d.markAll()
	default:
		return fmt.Errorf("%w: unknown change kind %d", ErrInvalidConfig, int(ev.Kind))
	}
	return nil
}

func (d *DirtyPropagator) markAll() {
	for i := range d.dirty {
		d.dirty[i] = true
	}
}

func (d *DirtyPropagator) markSubtree(node int) {
	d.dirty[node] = true
	for _, c := range d.tree.Children(node) {
		d.markSubtree(c)
	}
}

//IsDirty reports whether node is waiting for recomputation
func (d *DirtyPropagator) IsDirty(node int) bool {
	return d.dirty[node]
}

//AnyDirty reports whether any node is waiting for recomputation
func (d *DirtyPropagator) AnyDirty() bool {
	for _, v := range d.dirty {
		if v {
			return true
		}
	}
	return false
}

func (d *DirtyPropagator) clear() {
	for i := range d.dirty {
		d.dirty[i] = false
	}
}
