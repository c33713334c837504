package matching

import (
	"errors"
	"fmt"

	"github.com/smallbiznis/rewardlink/internal/config"
	merchantdomain "github.com/smallbiznis/rewardlink/internal/merchant/domain"
)

var ErrInvalidPolicy = errors.New("invalid_match_policy")

// Policy holds the decision thresholds for one run.
type Policy struct {
	AcceptThreshold    float64
	DeferThreshold     float64
	MaxAttempts        int
	ProgramFeatureKind string
}

func (p Policy) Validate() error {
	if p.DeferThreshold < 0 || p.AcceptThreshold > 1 || p.DeferThreshold > p.AcceptThreshold {
		return fmt.Errorf("%w: thresholds defer=%v accept=%v", ErrInvalidPolicy, p.DeferThreshold, p.AcceptThreshold)
	}
	if p.MaxAttempts < 1 {
		return fmt.Errorf("%w: max attempts %d", ErrInvalidPolicy, p.MaxAttempts)
	}
	if p.ProgramFeatureKind == "" {
		return fmt.Errorf("%w: program feature kind is empty", ErrInvalidPolicy)
	}
	return nil
}

// Settings is the per-run configuration snapshot handed to the engine.
type Settings struct {
	Policy  Policy
	Scoring merchantdomain.Scoring
}

// SettingsFrom snapshots the reconcile config.
func SettingsFrom(cfg config.ReconcileConfig) Settings {
	return Settings{
		Policy: Policy{
			AcceptThreshold:    cfg.Matching.AcceptThreshold,
			DeferThreshold:     cfg.Matching.DeferThreshold,
			MaxAttempts:        cfg.Matching.MaxAttempts,
			ProgramFeatureKind: cfg.Matching.ProgramFeatureKind,
		},
		Scoring: merchantdomain.Scoring{
			NameWeight:         cfg.Scoring.NameWeight,
			GeoWeight:          cfg.Scoring.GeoWeight,
			MinNameSimilarity:  cfg.Scoring.MinNameSimilarity,
			MaxCandidates:      cfg.Scoring.MaxCandidates,
			SearchRadiusMeters: cfg.Scoring.SearchRadiusMeters,
		},
	}
}

type DecisionKind string

const (
	DecisionAccept    DecisionKind = "accept"
	DecisionAmbiguous DecisionKind = "ambiguous"
	DecisionNoMatch   DecisionKind = "no_match"
)

type Decision struct {
	Kind       DecisionKind
	Top        *merchantdomain.Candidate
	Confidence float64
}

// Decide classifies the top candidate. Candidates must already be ranked.
func Decide(candidates []merchantdomain.Candidate, p Policy) Decision {
	if len(candidates) == 0 {
		return Decision{Kind: DecisionNoMatch}
	}
	top := candidates[0]
	switch {
	case top.Composite >= p.AcceptThreshold:
		return Decision{Kind: DecisionAccept, Top: &top, Confidence: top.Composite}
	case top.Composite >= p.DeferThreshold:
		return Decision{Kind: DecisionAmbiguous, Top: &top, Confidence: top.Composite}
	default:
		return Decision{Kind: DecisionNoMatch, Top: &top, Confidence: top.Composite}
	}
}
