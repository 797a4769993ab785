package forge

import (
	"errors"
	"time"
)

// ErrNotFastForward is returned by FastForwardRef when the target ref's
// current tip is not an ancestor of the requested SHA - i.e. something
// else advanced the branch since the merge attempt's base was read.
var ErrNotFastForward = errors.New("ref update is not a fast-forward")

// PullRequestState is the forge-reported lifecycle state of a PR.
type PullRequestState string

const (
	PullRequestOpen   PullRequestState = "open"
	PullRequestClosed PullRequestState = "closed"
	PullRequestMerged PullRequestState = "merged"
)

// PullRequest is the subset of forge-reported PR metadata the readiness
// evaluator and controller need.
type PullRequest struct {
	Number     int
	State      PullRequestState
	Draft      bool
	HeadSHA    string
	HeadBranch string
	BaseBranch string
	Author     string
	Title      string
	URL        string
	Labels     []string
}

// ReviewState is the forge review verdict.
type ReviewState string

const (
	ReviewApproved         ReviewState = "APPROVED"
	ReviewChangesRequested ReviewState = "CHANGES_REQUESTED"
	ReviewCommented        ReviewState = "COMMENTED"
	ReviewDismissed        ReviewState = "DISMISSED"
)

// Review is a single review left on a PR.
type Review struct {
	Reviewer    string
	State       ReviewState
	CommitSHA   string // the commit the review was submitted against
	SubmittedAt time.Time
}

// StatusState is the aggregated combined-status verdict for a commit.
type StatusState string

const (
	StatusSuccess StatusState = "success"
	StatusPending StatusState = "pending"
	StatusFailure StatusState = "failure"
	StatusError   StatusState = "error"
)

// CombinedStatus is the forge's rollup of every status context (and,
// optionally, check run) reported against a commit.
type CombinedStatus struct {
	State    StatusState
	Contexts map[string]StatusState
}

// Comparison is the three-dot compare of two refs, used by the
// cherry-pick strategy to enumerate a PR's feature commits.
type Comparison struct {
	Commits []Commit
}

// Commit is a single commit as reported by the forge.
type Commit struct {
	SHA        string
	TreeSHA    string
	ParentSHAs []string
	Message    string
	IsMerge    bool
}

// MergeOutcome is the result of a single server-side merge of one ref into
// another, as performed against a temp or staging branch while folding a
// PR into a batch.
type MergeOutcome struct {
	// SHA is the resulting commit when the merge succeeded cleanly.
	SHA string
	// Conflict is true when the forge reports the merge could not be
	// performed automatically.
	Conflict bool
}

// ErrTransient wraps a forge error that is expected to be retried by the
// next poll tick rather than in-process. See internal/forge/retry.go.
type ErrTransient struct {
	Err error
}

func (e *ErrTransient) Error() string { return "transient forge error: " + e.Err.Error() }
func (e *ErrTransient) Unwrap() error { return e.Err }
