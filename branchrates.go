package cophylike

//BranchRateModel provides the substitution rate on the branch above each node
type BranchRateModel interface {
	BranchRate(node int) float64
	// Version changes when every branch rate changes at once.
	Version() uint64
}

//StrictClock applies a single rate to every branch
type StrictClock struct {
	rate    float64
	version uint64

	storedRate    float64
	storedVersion uint64
}

func NewStrictClock(rate float64) *StrictClock {
	return &StrictClock{rate: rate}
}

func (c *StrictClock) BranchRate(int) float64 { return c.rate }

func (c *StrictClock) Version() uint64 { return c.version }

func (c *StrictClock) Rate() float64 { return c.rate }

//SetRate changes the clock rate of every branch
func (c *StrictClock) SetRate(r float64) {
	c.rate = r
	c.version++
}

func (c *StrictClock) Store() {
	c.storedRate = c.rate
	c.storedVersion = c.version
}

func (c *StrictClock) Restore() {
	c.rate = c.storedRate
	c.version = c.storedVersion
}

//LocalClock gives each branch its own rate and pushes a RateChanged event per edited branch
type LocalClock struct {
	rates     []float64
	stored    []float64
	listeners []func(ChangeEvent)
}

//NewLocalClock starts every one of nodeCount branches at rate
func NewLocalClock(nodeCount int, rate float64) *LocalClock {
	c := &LocalClock{rates: make([]float64, nodeCount), stored: make([]float64, nodeCount)}
	for i := range c.rates {
		c.rates[i] = rate
	}
	return c
}

func (c *LocalClock) BranchRate(node int) float64 { return c.rates[node] }

func (c *LocalClock) Version() uint64 { return 0 }

//Listen registers fn to receive the clock's change events
func (c *LocalClock) Listen(fn func(ChangeEvent)) {
	c.listeners = append(c.listeners, fn)
}

//SetRate will change the rate on the branch above node
func (c *LocalClock) SetRate(node int, r float64) {
	c.rates[node] = r
	for _, fn := range c.listeners {
		fn(ChangeEvent{Kind: RateChanged, Node: node})
	}
}

func (c *LocalClock) Store() {
	copy(c.stored, c.rates)
}

func (c *LocalClock) Restore() {
	copy(c.rates, c.stored)
}
