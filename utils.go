package cophylike

import (
	"fmt"
	"os"
	"strings"

	"gonum.org/v1/gonum/mat"
)

//InternalNodeSlice will return a slice containing only internal nodes
func InternalNodeSlice(nodes []*Node) (inNodes []*Node) {
	for _, n := range nodes {
		if len(n.CHLD) == 2 {
			inNodes = append(inNodes, n)
		}
	}
	return
}

//TreeLength will return the summed branch length of a slice of nodes
func TreeLength(nodes []*Node) float64 {
	l := 0.
	for _, n := range nodes {
		if n.PAR != nil {
			l += n.LEN
		}
	}
	return l
}

//ReadLine is like the Python readlines(); trailing empty lines are dropped
func ReadLine(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	ln := strings.Split(strings.ReplaceAll(string(b), "\r\n", "\n"), "\n")
	for len(ln) > 0 && strings.TrimSpace(ln[len(ln)-1]) == "" {
		ln = ln[:len(ln)-1]
	}
	return ln, nil
}

//ReadNewickFile will read the first tree in a Newick file
func ReadNewickFile(path string) (*Tree, error) {
	ln, err := ReadLine(path)
	if err != nil {
		return nil, err
	}
	nwk := strings.TrimSpace(strings.Join(ln, ""))
	if nwk == "" {
		return nil, fmt.Errorf("%w: %s is empty", ErrMalformedTree, path)
	}
	if i := strings.IndexByte(nwk, ';'); i >= 0 {
		nwk = nwk[:i+1]
	}
	return TreeFromNewick(nwk)
}

//SetIdentityMatrix will return an identity matrix with dimensions dim,dim
func SetIdentityMatrix(dim int) *mat.Dense {
	matrix := mat.NewDense(dim, dim, nil)
	for i := 0; i < dim; i++ {
		matrix.Set(i, i, 1.0)
	}
	return matrix
}
