package service

// SelectWinner returns the index into attempts of the run's winner, or -1
// when attempts is empty.
//
// Successful attempts beat failed ones. Ties are broken by fewer refine
// rounds, then by lower attempt index. With no success the same tie-break
// picks the best failure.
func SelectWinner(attempts []AttemptLog) int {
	best := -1
	for i := range attempts {
		if best < 0 || better(attempts[i], attempts[best]) {
			best = i
		}
	}
	return best
}

func better(a, b AttemptLog) bool {
	if a.Success() != b.Success() {
		return a.Success()
	}
	if a.RefineRounds != b.RefineRounds {
		return a.RefineRounds < b.RefineRounds
	}
	return a.Index < b.Index
}
