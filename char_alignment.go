package cophylike

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
)

//Alphabet maps sequence characters to the set of states they stand for
type Alphabet struct {
	NAME   string
	STATES int
	codes  map[byte][]int
}

//DNA is the nucleotide alphabet in ACGT order with the IUPAC ambiguity codes
var DNA = newAlphabet("DNA", 4, map[byte][]int{
	'A': {0}, 'C': {1}, 'G': {2}, 'T': {3}, 'U': {3},
	'R': {0, 2}, 'Y': {1, 3}, 'S': {1, 2}, 'W': {0, 3}, 'K': {2, 3}, 'M': {0, 1},
	'B': {1, 2, 3}, 'D': {0, 2, 3}, 'H': {0, 1, 3}, 'V': {0, 1, 2},
	'N': {0, 1, 2, 3}, '?': {0, 1, 2, 3}, '-': {0, 1, 2, 3}, '.': {0, 1, 2, 3},
})

//Binary is the two-state 0/1 alphabet
var Binary = newAlphabet("binary", 2, map[byte][]int{
	'0': {0}, '1': {1}, '?': {0, 1}, '-': {0, 1},
})

func newAlphabet(name string, states int, codes map[byte][]int) *Alphabet {
	return &Alphabet{NAME: name, STATES: states, codes: codes}
}

//States will return the state set of c, case-insensitively
func (a *Alphabet) States(c byte) ([]int, error) {
	if c >= 'a' && c <= 'z' {
		c -= 'a' - 'A'
	}
	st, ok := a.codes[c]
	if !ok {
		return nil, fmt.Errorf("%w: character %q is not in the %s alphabet", ErrInvalidConfig, c, a.NAME)
	}
	return st, nil
}

//CharAlignment will store aligned sequences in file order
type CharAlignment struct {
	SiteOrder []string // taxon names in the order they were read
	Seqs      map[string]string
	NSites    int
}

//ReadFastaFile will read an aligned FASTA file
func ReadFastaFile(path string) (*CharAlignment, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	aln, err := ReadFasta(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return aln, nil
}

//ReadFasta will read aligned FASTA records; every sequence must have the same length
func ReadFasta(r io.Reader) (*CharAlignment, error) {
	aln := &CharAlignment{Seqs: make(map[string]string)}
	var name string
	var seq strings.Builder
	flush := func() error {
		if name == "" {
			return nil
		}
		if _, dup := aln.Seqs[name]; dup {
			return fmt.Errorf("%w: taxon %q appears twice", ErrTaxonMismatch, name)
		}
		aln.Seqs[name] = seq.String()
		aln.SiteOrder = append(aln.SiteOrder, name)
		seq.Reset()
		return nil
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 64*1024*1024)
	for sc.Scan() {
		ln := strings.TrimSpace(sc.Text())
		if ln == "" {
			continue
		}
		if ln[0] == '>' {
			if err := flush(); err != nil {
				return nil, err
			}
			name = strings.TrimSpace(ln[1:])
			if name == "" {
				return nil, fmt.Errorf("%w: empty FASTA header", ErrInvalidConfig)
			}
			continue
		}
		if name == "" {
			return nil, fmt.Errorf("%w: sequence data before the first header", ErrInvalidConfig)
		}
		seq.WriteString(strings.Join(strings.Fields(ln), ""))
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if err := flush(); err != nil {
		return nil, err
	}
	if len(aln.SiteOrder) == 0 {
		return nil, fmt.Errorf("%w: no sequences", ErrInvalidConfig)
	}
	aln.NSites = len(aln.Seqs[aln.SiteOrder[0]])
	for _, n := range aln.SiteOrder {
		if len(aln.Seqs[n]) != aln.NSites {
			return nil, fmt.Errorf("%w: %q has %d sites, expected %d", ErrInvalidConfig, n, len(aln.Seqs[n]), aln.NSites)
		}
	}
	return aln, nil
}

// Patterns is an alignment compressed into its unique site columns. Each
// pattern is stored as the state sets of every taxon, in Taxa order.
type Patterns struct {
	Taxa     []string
	Alphabet *Alphabet
	Weights  []float64
	// SiteMap gives the pattern index of every original site.
	SiteMap []int
	cols    [][][]int
	index   map[string]int
}

//CompressPatterns will collapse identical columns of aln and count how often each occurs, keeping first-appearance order
func CompressPatterns(aln *CharAlignment, alpha *Alphabet) (*Patterns, error) {
	p := &Patterns{
		Taxa:     append([]string(nil), aln.SiteOrder...),
		Alphabet: alpha,
		SiteMap:  make([]int, aln.NSites),
		index:    make(map[string]int),
	}
	key := make([]byte, len(p.Taxa))
	for s := 0; s < aln.NSites; s++ {
		for t, name := range p.Taxa {
			c := aln.Seqs[name][s]
			if c >= 'a' && c <= 'z' {
				c -= 'a' - 'A'
			}
			key[t] = c
		}
		if i, ok := p.index[string(key)]; ok {
			p.Weights[i]++
			p.SiteMap[s] = i
			continue
		}
		col := make([][]int, len(p.Taxa))
		for t := range p.Taxa {
			st, err := alpha.States(key[t])
			if err != nil {
				return nil, fmt.Errorf("site %d of %q: %w", s+1, p.Taxa[t], err)
			}
			col[t] = st
		}
		p.index[string(key)] = len(p.cols)
		p.SiteMap[s] = len(p.cols)
		p.cols = append(p.cols, col)
		p.Weights = append(p.Weights, 1)
	}
	return p, nil
}

//Len is the number of unique patterns
func (p *Patterns) Len() int { return len(p.cols) }

func (p *Patterns) taxon(name string) (int, error) {
	for i, t := range p.Taxa {
		if t == name {
			return i, nil
		}
	}
	return -1, fmt.Errorf("%w: taxon %q is not in the alignment", ErrTaxonMismatch, name)
}

//PartiallyAmbiguous reports whether some character stands for more than one but not all states
func (p *Patterns) PartiallyAmbiguous() bool {
	for _, col := range p.cols {
		for _, st := range col {
			if len(st) > 1 && len(st) < p.Alphabet.STATES {
				return true
			}
		}
	}
	return false
}

//TipStates will return compact states for the named taxon; a fully ambiguous character becomes -1
func (p *Patterns) TipStates(name string) ([]int, error) {
	t, err := p.taxon(name)
	if err != nil {
		return nil, err
	}
	out := make([]int, len(p.cols))
	for i, col := range p.cols {
		switch st := col[t]; {
		case len(st) == 1:
			out[i] = st[0]
		case len(st) == p.Alphabet.STATES:
			out[i] = -1
		default:
			return nil, fmt.Errorf("%w: pattern %d of %q is partially ambiguous, use TipPartials", ErrInvalidConfig, i, name)
		}
	}
	return out, nil
}

//TipPartials will return one indicator vector per pattern for the named taxon
func (p *Patterns) TipPartials(name string) ([]float64, error) {
	t, err := p.taxon(name)
	if err != nil {
		return nil, err
	}
	s := p.Alphabet.STATES
	out := make([]float64, len(p.cols)*s)
	for i, col := range p.cols {
		for _, st := range col[t] {
			out[i*s+st] = 1
		}
	}
	return out, nil
}

// Fill loads tip data and pattern weights into cfg, with tips ordered by
// tipNames (tip id order). Compact states are used unless some character
// is partially ambiguous.
func (p *Patterns) Fill(cfg *LikelihoodConfig, tipNames []string) error {
	if len(tipNames) != len(p.Taxa) {
		missing := p.unmatched(tipNames)
		return fmt.Errorf("%w: tree has %d tips, alignment has %d taxa %v", ErrTaxonMismatch, len(tipNames), len(p.Taxa), missing)
	}
	cfg.PatternWeights = append([]float64(nil), p.Weights...)
	cfg.TipStates, cfg.TipPartials = nil, nil
	partial := p.PartiallyAmbiguous()
	for _, name := range tipNames {
		if partial {
			v, err := p.TipPartials(name)
			if err != nil {
				return err
			}
			cfg.TipPartials = append(cfg.TipPartials, v)
			continue
		}
		v, err := p.TipStates(name)
		if err != nil {
			return err
		}
		cfg.TipStates = append(cfg.TipStates, v)
	}
	return nil
}

func (p *Patterns) unmatched(tipNames []string) []string {
	seen := make(map[string]bool, len(tipNames))
	for _, n := range tipNames {
		seen[n] = true
	}
	var out []string
	for _, t := range p.Taxa {
		if !seen[t] {
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return out
}
