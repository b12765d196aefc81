package automation

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/rxfield/crm/internal/domain"
)

// DefaultRecheckInterval is how often a conditional block re-checks
// engagement while its time limit has not run out.
const DefaultRecheckInterval = 15 * time.Minute

// branchOutcome is the result of evaluating a branching block. When
// RetryAt is set the block could not decide yet and must run again then.
type branchOutcome struct {
	Outcome string
	Detail  string
	RetryAt time.Time
}

func (o branchOutcome) deferred() bool { return !o.RetryAt.IsZero() }

// evaluateBranch decides which labeled path a branching block takes for
// the lead behind exec.
func (x *Executor) evaluateBranch(ctx context.Context, b domain.Block, exec *domain.Execution) (branchOutcome, error) {
	switch d := b.Data.(type) {
	case *domain.LeadConditionData:
		lead, err := x.leads.GetLead(ctx, exec.LeadID)
		if err != nil {
			return branchOutcome{}, fmt.Errorf("get lead %s: %w", exec.LeadID, err)
		}
		if d.Evaluate(lead) {
			return branchOutcome{Outcome: domain.OutcomeTrue, Detail: fmt.Sprintf("%s %s %v", d.Field, d.Operator, d.Values)}, nil
		}
		return branchOutcome{Outcome: domain.OutcomeFalse, Detail: fmt.Sprintf("%s not %s %v", d.Field, d.Operator, d.Values)}, nil

	case *domain.ABTestData:
		return branchOutcome{Outcome: splitBucket(exec.EnrollmentID, b.ID, d.SplitPercentage), Detail: "ab split"}, nil

	case *domain.ConditionalData:
		return x.evaluateEngagement(ctx, d, exec)
	}
	return branchOutcome{}, fmt.Errorf("%w: block %s is not a branching block", domain.ErrInvalidDefinition, b.ID)
}

// evaluateEngagement answers "did the lead engage since reaching this
// block". A miss before the deadline defers the same execution.
func (x *Executor) evaluateEngagement(ctx context.Context, d *domain.ConditionalData, exec *domain.Execution) (branchOutcome, error) {
	since := exec.CreatedAt
	hit, err := x.engagements.HasEngagement(ctx, exec.LeadID, exec.CampaignID, d.Predicate, since)
	if err != nil {
		return branchOutcome{}, fmt.Errorf("check %s engagement: %w", d.Predicate, err)
	}
	if hit {
		return branchOutcome{Outcome: domain.OutcomeTrue, Detail: string(d.Predicate)}, nil
	}

	now := x.now()
	deadline := since.Add(d.TimeLimit.ToDuration())
	if now.Before(deadline) {
		next := now.Add(x.recheck)
		if next.After(deadline) {
			next = deadline
		}
		return branchOutcome{RetryAt: next, Detail: "waiting for " + string(d.Predicate)}, nil
	}
	return branchOutcome{Outcome: domain.OutcomeFalse, Detail: "no " + string(d.Predicate) + " within time limit"}, nil
}

// splitBucket assigns an enrollment to "A" with probability pct percent.
// The hash keeps the choice stable across re-runs of the same block.
func splitBucket(enrollmentID, blockID string, pct int) string {
	h := fnv.New32a()
	h.Write([]byte(enrollmentID))
	h.Write([]byte(blockID))
	if int(h.Sum32()%100) < pct {
		return domain.OutcomeA
	}
	return domain.OutcomeB
}
