package bandit

// Reward scores one completed request for the bandit, bounded to [0,1].
// Coverage is binary: an answer with at least one citation covers the
// question. Latency is rewarded relative to the configured budget.
func Reward(confidence float64, citations int, latencyMs, budgetMs int64) float64 {
	if confidence < 0 {
		confidence = 0
	} else if confidence > 1 {
		confidence = 1
	}
	coverage := 0.0
	if citations >= 1 {
		coverage = 1.0
	}
	latencyTerm := 0.0
	if budgetMs > 0 {
		latencyTerm = 1 - float64(latencyMs)/float64(budgetMs)
		if latencyTerm < 0 {
			latencyTerm = 0
		}
	}
	r := 0.4*confidence + 0.3*coverage + 0.3*latencyTerm
	if r < 0 {
		return 0
	}
	if r > 1 {
		return 1
	}
	return r
}
