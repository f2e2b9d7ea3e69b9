package cophylike

import (
	"bytes"
	"fmt"
	"strconv"
)

//Node is a node in a rooted tree
type Node struct {
	PAR    *Node
	CHLD   []*Node
	NAME   string
	LEN    float64 // length of the branch above this node
	HEIGHT float64 // time before the youngest tip
	NUM    int     // engine id: tips first, internal nodes in postorder, root last
}

//AddChild will attach a child to this node
func (n *Node) AddChild(c *Node) {
	n.CHLD = append(n.CHLD, c)
	c.PAR = n
}

//RemoveChild will detach a child from this node
func (n *Node) RemoveChild(c *Node) {
	for i, ch := range n.CHLD {
		if ch == c {
			n.CHLD = append(n.CHLD[:i], n.CHLD[i+1:]...)
			c.PAR = nil
			return
		}
	}
}

//IsTip reports whether the node has no children
func (n *Node) IsTip() bool {
	return len(n.CHLD) == 0
}

//PostorderArray will return the subtree below n with children ahead of parents
func (n *Node) PostorderArray() (ret []*Node) {
	for _, c := range n.CHLD {
		ret = append(ret, c.PostorderArray()...)
	}
	ret = append(ret, n)
	return
}

//PreorderArray will return the subtree below n with parents ahead of children
func (n *Node) PreorderArray() (ret []*Node) {
	ret = append(ret, n)
	for _, c := range n.CHLD {
		ret = append(ret, c.PreorderArray()...)
	}
	return
}

//Tips will return the tips below n in left-to-right order
func (n *Node) Tips() (ret []*Node) {
	for _, c := range n.PostorderArray() {
		if c.IsTip() {
			ret = append(ret, c)
		}
	}
	return
}

//Newick will return the newick string for the subtree below n, with branch lengths if bl is set
func (n *Node) Newick(bl bool) string {
	var buf bytes.Buffer
	n.writeNewick(&buf, bl)
	return buf.String()
}

func (n *Node) writeNewick(buf *bytes.Buffer, bl bool) {
	if len(n.CHLD) > 0 {
		buf.WriteString("(")
		for i, c := range n.CHLD {
			if i > 0 {
				buf.WriteString(",")
			}
			c.writeNewick(buf, bl)
		}
		buf.WriteString(")")
	}
	buf.WriteString(n.NAME)
	if bl && n.PAR != nil {
		buf.WriteString(":")
		buf.WriteString(strconv.FormatFloat(n.LEN, 'g', -1, 64))
	}
}

func (n *Node) String() string {
	if n.NAME != "" {
		return n.NAME
	}
	return fmt.Sprintf("node%d", n.NUM)
}
