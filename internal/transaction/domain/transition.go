package domain

var allowedTransitions = map[MatchState]map[MatchState]struct{}{
	MatchStateUnmatched: {
		MatchStateMatched:     {},
		MatchStateDeferred:    {},
		MatchStateUnmatchable: {},
	},
	MatchStateDeferred: {
		MatchStateUnmatched:   {},
		MatchStateDeferred:    {},
		MatchStateMatched:     {},
		MatchStateUnmatchable: {},
	},
}

func CanTransition(from, to MatchState) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

func EnsureTransition(from, to MatchState) error {
	if !CanTransition(from, to) {
		return ErrInvalidTransition
	}
	return nil
}

// Validate checks an outcome before it is written.
func (o Outcome) Validate() error {
	if err := EnsureTransition(o.From, o.State); err != nil {
		return err
	}
	if o.State == MatchStateUnmatched {
		return ErrInvalidOutcome
	}
	if o.State == MatchStateMatched && o.MerchantID == nil {
		return ErrInvalidOutcome
	}
	if o.State == MatchStateUnmatchable && o.Reason == ReasonNone {
		return ErrInvalidOutcome
	}
	if o.Attempts < 0 || o.Confidence < 0 || o.Confidence > 1 {
		return ErrInvalidOutcome
	}
	return nil
}
