package store

import "time"

// PRState is the lifecycle state of a queued PullRequest row (§3).
type PRState string

const (
	PRRequested PRState = "REQUESTED"
	PRQueued    PRState = "QUEUED"
	PRMerging   PRState = "MERGING"
	PRSplit     PRState = "SPLIT"
)

// AttemptState is the lifecycle state of a MergeAttempt row (§3).
type AttemptState string

const (
	AttemptConstructing AttemptState = "CONSTRUCTING"
	AttemptTesting      AttemptState = "TESTING"
	AttemptSuccess      AttemptState = "SUCCESS"
	AttemptSplit        AttemptState = "SPLIT"
)

// PullRequest is the persisted queue entry for one PR (§3).
type PullRequest struct {
	Provider     string // forge provider name ("github"/"gitlab"), for poll-time client resolution
	Owner        string
	Repo         string
	Number       int
	CommitHash   string
	HeadBranch   string // the PR's source branch; a push here while QUEUED/MERGING/SPLIT invalidates the frozen head
	TargetBranch string // the PR's base branch; batches never mix PRs targeting different branches
	State        PRState
	MergeAttempt string // MergeAttempt.ID; empty iff state is REQUESTED or QUEUED (I4)
	Timestamp    time.Time
	Priority     *int // bucket index into the repo's priority_labels; nil => default (lowest) bucket
}

// Key returns the (owner, repo, number) identity of the PR.
func (pr PullRequest) Key() PRKey {
	return PRKey{Owner: pr.Owner, Repo: pr.Repo, Number: pr.Number}
}

// PRKey identifies a PullRequest row.
type PRKey struct {
	Owner  string
	Repo   string
	Number int
}

// MergeAttempt is the persisted batch-under-construction-or-test (§3).
type MergeAttempt struct {
	ID        string
	Provider  string
	Owner     string
	Repo      string
	State     AttemptState
	Timestamp time.Time
}

// StagingBranch returns the attempt's staging ref name, a deterministic
// function of its id per §3.
func (a MergeAttempt) StagingBranch() string {
	return "staging-" + a.ID
}

// CancelResult reports the cascading effect of CancelPR (§4.3.6), so the
// controller can post the right comments and trigger the right follow-up
// without a second read.
type CancelResult struct {
	Deleted PullRequest
	// SplitAttemptID is set when cancelling a MERGING or SPLIT PR demoted
	// (or left in) an attempt; empty if the PR carried no attempt or the
	// attempt was deleted outright (e.g. it became empty).
	SplitAttemptID string
	// Siblings lists the other PRs moved to SPLIT alongside the cancelled
	// PR's former attempt, if any.
	Siblings []PullRequest
	// AttemptDeleted is true if cancelling this PR left its attempt with
	// zero PRs and the attempt row was removed.
	AttemptDeleted bool
}
