// Package readiness implements the single question the controller asks
// before admitting a PR: open, non-draft, allowed base branch, approved at
// the exact head commit, and green pre-status at that same commit.
package readiness

import (
	"context"
	"fmt"

	"github.com/drewdunne/mergequeue/internal/forge"
)

// Classification names why a PR is or isn't ready, for comments and logs.
type Classification string

const (
	Ready            Classification = "ready"
	Closed           Classification = "closed"
	Draft            Classification = "draft"
	BranchNotAllowed Classification = "branch-not-allowed"
	AwaitingReview   Classification = "awaiting-review"
	ChangesRequested Classification = "changes-requested"
	AwaitingStatus   Classification = "awaiting-status"
	StatusFailed     Classification = "status-failed"
)

// Result is the outcome of Evaluate.
type Result struct {
	Classification Classification
}

// Ready reports whether the PR may be admitted.
func (r Result) Ready() bool { return r.Classification == Ready }

// Config is the subset of repo configuration the evaluator needs.
type Config struct {
	AllowedBranches  []string
	RequiredStatuses []string
}

// Evaluate checks readiness of pr at the exact commitSHA. Callers pass
// commitSHA explicitly rather than trusting pr.HeadSHA so that a PR row
// already in the queue can be re-evaluated against the hash recorded in
// the store rather than whatever the forge currently reports as HEAD.
func Evaluate(ctx context.Context, client forge.Client, cfg Config, owner, repo string, pr *forge.PullRequest, commitSHA string) (Result, error) {
	if pr.State != forge.PullRequestOpen {
		return Result{Classification: Closed}, nil
	}
	if pr.Draft {
		return Result{Classification: Draft}, nil
	}
	if !branchAllowed(pr.BaseBranch, cfg.AllowedBranches) {
		return Result{Classification: BranchNotAllowed}, nil
	}

	approved, err := approvedAt(ctx, client, owner, repo, pr.Number, commitSHA)
	if err != nil {
		return Result{}, fmt.Errorf("evaluating approval: %w", err)
	}
	if approved == approvalChangesRequested {
		return Result{Classification: ChangesRequested}, nil
	}
	if approved == approvalMissing {
		return Result{Classification: AwaitingReview}, nil
	}

	status, err := client.GetCombinedStatus(ctx, owner, repo, commitSHA, cfg.RequiredStatuses)
	if err != nil {
		return Result{}, fmt.Errorf("evaluating pre-status: %w", err)
	}
	switch status.State {
	case forge.StatusSuccess:
		return Result{Classification: Ready}, nil
	case forge.StatusPending:
		return Result{Classification: AwaitingStatus}, nil
	default:
		return Result{Classification: StatusFailed}, nil
	}
}

type approvalVerdict int

const (
	approvalMissing approvalVerdict = iota
	approvalChangesRequested
	approvalApproved
)

// approvedAt implements the approval rule: discard reviews not on
// commitSHA, keep the latest remaining review per reviewer, reject if any
// survivor is CHANGES_REQUESTED, else approve iff at least one survivor is
// APPROVED.
func approvedAt(ctx context.Context, client forge.Client, owner, repo string, number int, commitSHA string) (approvalVerdict, error) {
	reviews, err := client.ListReviews(ctx, owner, repo, number)
	if err != nil {
		return approvalMissing, err
	}

	latest := make(map[string]forge.Review)
	for _, rv := range reviews {
		if rv.CommitSHA != commitSHA {
			continue
		}
		if rv.State != forge.ReviewApproved && rv.State != forge.ReviewChangesRequested {
			continue
		}
		cur, ok := latest[rv.Reviewer]
		if !ok || rv.SubmittedAt.After(cur.SubmittedAt) {
			latest[rv.Reviewer] = rv
		}
	}

	sawApproval := false
	for _, rv := range latest {
		if rv.State == forge.ReviewChangesRequested {
			return approvalChangesRequested, nil
		}
		if rv.State == forge.ReviewApproved {
			sawApproval = true
		}
	}
	if !sawApproval {
		return approvalMissing, nil
	}
	return approvalApproved, nil
}

func branchAllowed(base string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, b := range allowed {
		if b == base {
			return true
		}
	}
	return false
}
