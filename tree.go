package cophylike

import (
	"fmt"
	"strings"
)

//TreeReader is the read-only view of a rooted binary tree that the likelihood engine consumes
type TreeReader interface {
	NodeCount() int
	TipCount() int
	Root() int
	IsLeaf(n int) bool
	Parent(n int) int // -1 for the root
	Children(n int) []int
	Height(n int) float64
}

//Tree is a rooted binary time tree with integer node ids suitable for the engine
type Tree struct {
	ROOT      *Node
	NODES     []*Node // indexed by NUM
	NTIPS     int
	listeners []func(ChangeEvent)
}

//TreeFromNewick will read a newick string and number its nodes
func TreeFromNewick(nwk string) (*Tree, error) {
	root, err := ReadTree(nwk)
	if err != nil {
		return nil, err
	}
	return NewTree(root)
}

//NewTree will number the nodes below root and derive node heights from branch lengths
func NewTree(root *Node) (*Tree, error) {
	seen := make(map[*Node]bool)
	stack := []*Node{root}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[n] {
			return nil, fmt.Errorf("%w: node %v reached twice", ErrMalformedTree, n)
		}
		seen[n] = true
		if len(n.CHLD) != 0 && len(n.CHLD) != 2 {
			return nil, fmt.Errorf("%w: node %v has %d children", ErrMalformedTree, n, len(n.CHLD))
		}
		for _, c := range n.CHLD {
			if c.PAR != n {
				return nil, fmt.Errorf("%w: child %v does not point back to its parent", ErrMalformedTree, c)
			}
			stack = append(stack, c)
		}
	}
	root.PAR = nil
	post := root.PostorderArray()
	t := &Tree{ROOT: root, NODES: make([]*Node, len(post))}
	for _, n := range post {
		if n.IsTip() {
			n.NUM = t.NTIPS
			t.NODES[n.NUM] = n
			t.NTIPS++
		}
	}
	next := t.NTIPS
	for _, n := range post {
		if !n.IsTip() {
			n.NUM = next
			t.NODES[next] = n
			next++
		}
	}
	t.computeHeights()
	return t, nil
}

func (t *Tree) computeHeights() {
	depth := make([]float64, len(t.NODES))
	max := 0.
	for _, n := range t.ROOT.PreorderArray() {
		if n.PAR != nil {
			depth[n.NUM] = depth[n.PAR.NUM] + n.LEN
		}
		if depth[n.NUM] > max {
			max = depth[n.NUM]
		}
	}
	for _, n := range t.NODES {
		n.HEIGHT = max - depth[n.NUM]
	}
}

func (t *Tree) NodeCount() int { return len(t.NODES) }

func (t *Tree) TipCount() int { return t.NTIPS }

func (t *Tree) Root() int { return t.ROOT.NUM }

func (t *Tree) IsLeaf(n int) bool { return t.NODES[n].IsTip() }

func (t *Tree) Parent(n int) int {
	if p := t.NODES[n].PAR; p != nil {
		return p.NUM
	}
	return -1
}

func (t *Tree) Children(n int) []int {
	ch := make([]int, len(t.NODES[n].CHLD))
	for i, c := range t.NODES[n].CHLD {
		ch[i] = c.NUM
	}
	return ch
}

func (t *Tree) Height(n int) float64 { return t.NODES[n].HEIGHT }

//Node returns the node with engine id n
func (t *Tree) Node(n int) *Node { return t.NODES[n] }

//TipNames returns tip names indexed by tip id
func (t *Tree) TipNames() []string {
	names := make([]string, t.NTIPS)
	for i := 0; i < t.NTIPS; i++ {
		names[i] = t.NODES[i].NAME
	}
	return names
}

//Listen registers fn to receive change events raised by this tree
func (t *Tree) Listen(fn func(ChangeEvent)) {
	t.listeners = append(t.listeners, fn)
}

func (t *Tree) fire(ev ChangeEvent) {
	for _, fn := range t.listeners {
		fn(ev)
	}
}

//SetNodeHeight will move node n to height h and notify listeners. Branch lengths of n and its children follow.
func (t *Tree) SetNodeHeight(n int, h float64) {
	node := t.NODES[n]
	node.HEIGHT = h
	if node.PAR != nil {
		node.LEN = node.PAR.HEIGHT - h
	}
	for _, c := range node.CHLD {
		c.LEN = h - c.HEIGHT
	}
	t.fire(ChangeEvent{Kind: NodeChanged, Node: n})
}

//Newick will return the tree in newick format with branch lengths
func (t *Tree) Newick() string {
	return t.ROOT.Newick(true) + ";"
}

//ValidateTree checks the layout contract the engine relies on: tips first, root last, two children per internal node, no cycles.
func ValidateTree(tr TreeReader) error {
	n, tips := tr.NodeCount(), tr.TipCount()
	if tips < 2 || n != 2*tips-1 {
		return fmt.Errorf("%w: %d nodes for %d tips", ErrMalformedTree, n, tips)
	}
	if tr.Root() != n-1 || tr.Parent(n-1) != -1 {
		return fmt.Errorf("%w: root must be node %d", ErrMalformedTree, n-1)
	}
	var problems []string
	for i := 0; i < n; i++ {
		leaf := tr.IsLeaf(i)
		if leaf != (i < tips) {
			problems = append(problems, fmt.Sprintf("node %d leaf=%v", i, leaf))
			continue
		}
		ch := tr.Children(i)
		if leaf {
			if len(ch) != 0 {
				problems = append(problems, fmt.Sprintf("leaf %d has children", i))
			}
			continue
		}
		if len(ch) != 2 {
			problems = append(problems, fmt.Sprintf("node %d has %d children", i, len(ch)))
			continue
		}
		for _, c := range ch {
			if c < 0 || c >= n || tr.Parent(c) != i {
				problems = append(problems, fmt.Sprintf("node %d lists child %d which does not point back", i, c))
			}
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrMalformedTree, strings.Join(problems, "; "))
	}
	// every node reachable exactly once from the root
	visited := make([]bool, n)
	stack := []int{n - 1}
	count := 0
	for len(stack) > 0 {
		c := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[c] {
			return fmt.Errorf("%w: cycle through node %d", ErrMalformedTree, c)
		}
		visited[c] = true
		count++
		stack = append(stack, tr.Children(c)...)
	}
	if count != n {
		return fmt.Errorf("%w: %d of %d nodes reachable from the root", ErrMalformedTree, count, n)
	}
	return nil
}
