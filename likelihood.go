package cophylike

import "fmt"

//Aggregate will sum per-pattern log-likelihoods weighted by pattern multiplicity, in pattern order
func Aggregate(perPattern, weights []float64) float64 {
	if len(perPattern) != len(weights) {
		panic(fmt.Sprintf("cophylike: %d pattern log-likelihoods for %d weights", len(perPattern), len(weights)))
	}
	sum := 0.
	for i, l := range perPattern {
		sum += l * weights[i]
	}
	return sum
}

//LL holds the chain's current log-likelihood and the value before the pending proposal
type LL struct {
	CUR  float64
	LAST float64
}

//Propose will remember the current value as LAST and install the proposed one
func (ll *LL) Propose(v float64) {
	ll.LAST = ll.CUR
	ll.CUR = v
}

//Reject will put back the value from before Propose
func (ll *LL) Reject() {
	ll.CUR = ll.LAST
}

//Delta is the log-likelihood ratio of the pending proposal
func (ll *LL) Delta() float64 {
	return ll.CUR - ll.LAST
}
