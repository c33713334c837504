package matching

import (
	"context"
	"errors"
	"fmt"

	merchantdomain "github.com/smallbiznis/rewardlink/internal/merchant/domain"
	meteringdomain "github.com/smallbiznis/rewardlink/internal/metering/domain"
	"github.com/smallbiznis/rewardlink/internal/observability/logger"
	rewardprogramdomain "github.com/smallbiznis/rewardlink/internal/rewardprogram/domain"
	transactiondomain "github.com/smallbiznis/rewardlink/internal/transaction/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log      *zap.Logger
	Resolver merchantdomain.Resolver
	Programs rewardprogramdomain.Lookup
	Gate     meteringdomain.Gate
}

// Engine turns one leased transaction into an outcome. It never writes the
// transaction itself; the caller commits the outcome under its lease.
type Engine struct {
	log      *zap.Logger
	resolver merchantdomain.Resolver
	programs rewardprogramdomain.Lookup
	gate     meteringdomain.Gate
}

func NewEngine(p Params) *Engine {
	return &Engine{
		log:      p.Log.Named("matching.engine"),
		resolver: p.Resolver,
		programs: p.Programs,
		gate:     p.Gate,
	}
}

// Evaluate resolves candidates, applies the policy and, for an accepted
// match, credits the merchant's program. The credit is the last step.
func (e *Engine) Evaluate(ctx context.Context, txn transactiondomain.Transaction, s Settings) (transactiondomain.Outcome, error) {
	if err := s.Policy.Validate(); err != nil {
		return transactiondomain.Outcome{}, err
	}
	log := logger.WithTransaction(logger.WithContext(ctx, e.log), txn.ID.String())

	candidates, err := e.resolver.FindCandidates(ctx, txn, s.Scoring)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return transactiondomain.Outcome{}, ctxErr
		}
		if !errors.Is(err, merchantdomain.ErrResolver) {
			return transactiondomain.Outcome{}, err
		}
		log.Warn("merchant resolver failed, counting as no candidates", zap.Error(err))
		candidates = nil
	}

	decision := Decide(candidates, s.Policy)
	log.Debug("match decision",
		zap.String("decision", string(decision.Kind)),
		zap.Int("candidates", len(candidates)),
		zap.Float64("confidence", decision.Confidence),
	)

	if decision.Kind == DecisionAccept {
		return e.accept(ctx, log, txn, decision, s.Policy)
	}
	return retryOrGiveUp(txn, decision, s.Policy), nil
}

func (e *Engine) accept(ctx context.Context, log *zap.Logger, txn transactiondomain.Transaction, d Decision, p Policy) (transactiondomain.Outcome, error) {
	merchantID := d.Top.MerchantID
	outcome := transactiondomain.Outcome{
		From:       txn.MatchState,
		MerchantID: &merchantID,
		Confidence: d.Confidence,
		Attempts:   txn.MatchAttempts + 1,
	}

	program, err := e.programs.ActiveProgram(ctx, merchantID, p.ProgramFeatureKind)
	if err != nil {
		return transactiondomain.Outcome{}, fmt.Errorf("active program for merchant %s: %w", merchantID, err)
	}
	if program == nil {
		log.Info("matched merchant has no active program",
			zap.String("merchant_id", merchantID.String()),
		)
		outcome.State = transactiondomain.MatchStateMatched
		return outcome, nil
	}
	programID := program.ID
	outcome.ProgramID = &programID

	grant, err := e.gate.TryCredit(ctx, meteringdomain.CreditRequest{
		FeatureID:      program.FeatureID,
		SubjectID:      program.ID,
		Amount:         1,
		IdempotencyKey: CreditKey(txn, program),
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return transactiondomain.Outcome{}, ctxErr
		}
		// The match stands but the credit must be retried, keeping the
		// attempt budget intact.
		log.Warn("usage credit unavailable, deferring",
			zap.String("program_id", programID.String()),
			zap.Error(err),
		)
		return transactiondomain.Outcome{
			From:       txn.MatchState,
			State:      transactiondomain.MatchStateDeferred,
			Confidence: d.Confidence,
			Reason:     transactiondomain.ReasonMeteringUnavailable,
			Attempts:   txn.MatchAttempts,
		}, nil
	}

	if !grant.Granted {
		outcome.State = transactiondomain.MatchStateUnmatchable
		outcome.Reason = transactiondomain.ReasonUsageLimitExceeded
		return outcome, nil
	}

	log.Info("usage credited",
		zap.String("program_id", programID.String()),
		zap.String("remaining", grant.RemainingString()),
		zap.Bool("replayed", grant.Replayed),
	)
	outcome.State = transactiondomain.MatchStateMatched
	return outcome, nil
}

// retryOrGiveUp spends one attempt. The row is deferred while the budget
// allows another pass and becomes unmatchable once it is spent.
func retryOrGiveUp(txn transactiondomain.Transaction, d Decision, p Policy) transactiondomain.Outcome {
	outcome := transactiondomain.Outcome{
		From:       txn.MatchState,
		Confidence: d.Confidence,
		Attempts:   txn.MatchAttempts + 1,
	}
	if txn.MatchAttempts < p.MaxAttempts {
		outcome.State = transactiondomain.MatchStateDeferred
		outcome.Reason = transactiondomain.ReasonNoConfidentMatch
		if d.Kind == DecisionAmbiguous {
			outcome.Reason = transactiondomain.ReasonAmbiguousMatch
		}
		return outcome
	}
	outcome.State = transactiondomain.MatchStateUnmatchable
	outcome.Reason = transactiondomain.ReasonNoConfidentMatch
	outcome.Attempts = txn.MatchAttempts
	return outcome
}

// CreditKey identifies one credit for one transaction against one program,
// so a replay after a crash cannot double-spend.
func CreditKey(txn transactiondomain.Transaction, program *rewardprogramdomain.Program) string {
	return fmt.Sprintf("txn:%s:program:%s", txn.ID, program.ID)
}
