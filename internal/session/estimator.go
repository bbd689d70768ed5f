package session

// Estimator returns the estimated token cost of a message history without
// any external call.
type Estimator interface {
	Estimate(history []Message) int
}

// HeuristicEstimator charges one token per four characters plus a fixed
// per-message overhead. Estimates are cached on the messages of the slice it
// is given.
type HeuristicEstimator struct{}

var _ Estimator = HeuristicEstimator{}

// Estimate implements [Estimator].
func (HeuristicEstimator) Estimate(history []Message) int {
	total := 0
	for i := range history {
		total += history[i].Tokens()
	}
	return total
}
