// Package store defines the transactional persistence boundary for the
// merge queue's two entities, PullRequest and MergeAttempt, and the
// invariants (I1-I5) every implementation must uphold after each committed
// operation.
package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a lookup by key finds no row.
var ErrNotFound = errors.New("store: not found")

// ErrAlreadyExists is returned by CreatePR when a row for the given key is
// already present.
var ErrAlreadyExists = errors.New("store: already exists")

// ErrConflict is returned by the CAS-style transition methods when the
// row's current state no longer matches the caller's expectation - a
// concurrent Cancel or Poll won the race. Callers must treat this as "my
// work here is stale, do nothing further" per §5's re-read guard contract.
var ErrConflict = errors.New("store: optimistic concurrency conflict")

// Store is the persistence boundary the Controller writes through. Every
// method that touches more than one row is one transaction; callers never
// see a partially-applied multi-row update.
type Store interface {
	// GetPR returns the PR row, or ErrNotFound.
	GetPR(ctx context.Context, owner, repo string, number int) (*PullRequest, error)
	// CreatePR inserts a new PR row. Returns ErrAlreadyExists if one exists
	// for the same key (§4.3.1's "already queued" guard).
	CreatePR(ctx context.Context, pr PullRequest) error
	// DeletePR removes a PR row unconditionally. Idempotent: deleting an
	// absent row is not an error.
	DeletePR(ctx context.Context, owner, repo string, number int) error
	// ListPRsInRepo lists PRs in one repo in a given state, oldest first -
	// used by admission (§4.3.3 step 3) and debounce (step 5).
	ListPRsInRepo(ctx context.Context, owner, repo string, state PRState) ([]PullRequest, error)
	// ListPRsByState lists every PR in the given state across all repos,
	// oldest first - used by the poller's crash-recovery scan (§4.3.7).
	ListPRsByState(ctx context.Context, state PRState) ([]PullRequest, error)
	// ListPRsByAttempt lists the PRs currently pointing at an attempt.
	ListPRsByAttempt(ctx context.Context, attemptID string) ([]PullRequest, error)
	// FindPRByHeadBranch returns the PR row targeting the given head branch,
	// or ErrNotFound - used to correlate a push webhook (which names a
	// branch, not a PR number) back to a queue entry (§6's push → Cancel).
	FindPRByHeadBranch(ctx context.Context, owner, repo, branch string) (*PullRequest, error)

	// TransitionPR applies a single-row PR update, first re-checking that
	// the row's current state equals expected (§5's optimistic re-read
	// guard). Returns ErrConflict if it has already moved on.
	TransitionPR(ctx context.Context, owner, repo string, number int, expected PRState, next PullRequest) error

	// GetAttempt returns the attempt row, or ErrNotFound.
	GetAttempt(ctx context.Context, id string) (*MergeAttempt, error)
	// GetActiveAttempt returns the repo's attempt with state in
	// {CONSTRUCTING, TESTING, SUCCESS}, or ErrNotFound if none (I1).
	GetActiveAttempt(ctx context.Context, owner, repo string) (*MergeAttempt, error)
	// GetOldestSplitAttempt returns the oldest SPLIT attempt in the repo,
	// or ErrNotFound if none (§4.3.3 step 2).
	GetOldestSplitAttempt(ctx context.Context, owner, repo string) (*MergeAttempt, error)
	// ListAttemptsByState lists every attempt in the given state across all
	// repos, oldest first - used by the poller.
	ListAttemptsByState(ctx context.Context, state AttemptState) ([]MergeAttempt, error)
	// TransitionAttempt applies a single-row CAS transition, re-checking
	// the attempt's current state against expected first.
	TransitionAttempt(ctx context.Context, id string, expected, next AttemptState) error
	// DeleteAttempt removes an attempt row unconditionally.
	DeleteAttempt(ctx context.Context, id string) error

	// AdmitBatch is §4.3.3 step 6: creates (or re-houses, if resuming a
	// SPLIT attempt whose id is reused) the attempt row with state
	// CONSTRUCTING, and moves every named PR to MERGING pointing at it, in
	// one transaction.
	AdmitBatch(ctx context.Context, attempt MergeAttempt, prs []PRKey) error

	// SplitOnConstructConflict is §4.3.3 step 8's batch>1 conflict path:
	// creates a new SPLIT attempt scoped to the conflicting PRs and moves
	// them onto it, and demotes the original attempt (which keeps the
	// non-conflicting PRs) to SPLIT. Returns the new attempt's id.
	SplitOnConstructConflict(ctx context.Context, originalAttemptID string, conflicting []PRKey) (newAttemptID string, err error)

	// RejectSinglePR deletes a one-PR attempt and its sole PR together -
	// used for both the batch-size-1 construct conflict (§4.3.3 step 8) and
	// the batch-size-1 test failure (§4.3.4).
	RejectSinglePR(ctx context.Context, attemptID string, pr PRKey) error

	// BisectOnTestFailure is §4.3.4's batch>1 failure path: deletes the
	// original attempt and creates two new SPLIT attempts over the given
	// partitions, in one transaction.
	BisectOnTestFailure(ctx context.Context, attemptID string, groupA, groupB []PRKey) (a, b MergeAttempt, err error)

	// CompleteSuccess deletes the attempt and every PR pointing at it,
	// returning the deleted PRs so the caller can post success comments
	// after the commit (§4.3.5).
	CompleteSuccess(ctx context.Context, attemptID string) ([]PullRequest, error)

	// ResetBatchToQueued is §4.3.5's fast-forward-race path: deletes the
	// attempt and resets every PR that pointed at it back to QUEUED with no
	// attempt reference, returning the updated rows.
	ResetBatchToQueued(ctx context.Context, attemptID string) ([]PullRequest, error)

	// CancelPR implements the full branching cascade of §4.3.6 atomically:
	// it reads the PR's current state and applies the corresponding
	// deletion/demotion, returning what happened so the caller can report
	// and re-trigger Construct without a second round trip.
	CancelPR(ctx context.Context, owner, repo string, number int) (*CancelResult, error)
}
