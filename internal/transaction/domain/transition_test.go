package domain

import (
	"errors"
	"testing"

	"github.com/bwmarrin/snowflake"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to MatchState
		want     bool
	}{
		{MatchStateUnmatched, MatchStateMatched, true},
		{MatchStateUnmatched, MatchStateDeferred, true},
		{MatchStateUnmatched, MatchStateUnmatchable, true},
		{MatchStateUnmatched, MatchStateUnmatched, false},
		{MatchStateDeferred, MatchStateUnmatched, true},
		{MatchStateDeferred, MatchStateUnmatchable, true},
		{MatchStateMatched, MatchStateDeferred, false},
		{MatchStateUnmatchable, MatchStateUnmatched, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Fatalf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestOutcomeValidate(t *testing.T) {
	merchant := snowflake.ID(1)
	tests := []struct {
		name    string
		outcome Outcome
		want    error
	}{
		{"matched", Outcome{From: MatchStateUnmatched, State: MatchStateMatched, MerchantID: &merchant, Confidence: 0.9, Attempts: 1}, nil},
		{"matched without merchant", Outcome{From: MatchStateUnmatched, State: MatchStateMatched, Confidence: 0.9}, ErrInvalidOutcome},
		{"unmatchable without reason", Outcome{From: MatchStateDeferred, State: MatchStateUnmatchable}, ErrInvalidOutcome},
		{"confidence out of range", Outcome{From: MatchStateUnmatched, State: MatchStateDeferred, Confidence: 1.5}, ErrInvalidOutcome},
		{"terminal source", Outcome{From: MatchStateMatched, State: MatchStateDeferred}, ErrInvalidTransition},
		{"back to unmatched", Outcome{From: MatchStateDeferred, State: MatchStateUnmatched}, ErrInvalidOutcome},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.outcome.Validate()
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}
