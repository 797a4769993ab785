package event

import (
	"fmt"
	"time"
)

// Type identifies the normalized shape of an inbound forge signal, one per
// §6 webhook-to-Controller-call mapping.
type Type string

const (
	// TypePROpened fires on pull_request opened/reopened/ready_for_review.
	// Per §6, opened/reopened are not a Request trigger on their own - a PR
	// only enters the queue via an explicit merge command or approval
	// (TypeComment, TypeReview). The router ignores it.
	TypePROpened Type = "pr_opened"
	// TypePRClosed fires on pull_request closed - a candidate for Cancel.
	TypePRClosed Type = "pr_closed"
	// TypePRSynchronize fires on pull_request synchronize (new commits
	// pushed to the head branch) - a candidate for Cancel, since a frozen
	// commit_hash means the queued head just went stale.
	TypePRSynchronize Type = "pr_synchronize"
	// TypeComment fires on issue_comment/note and carries a possible bot
	// command, parsed downstream with internal/command.
	TypeComment Type = "comment"
	// TypeReview fires on pull_request_review/merge request approval - a
	// candidate for Initiate (an approval may make a REQUESTED PR ready).
	TypeReview Type = "review"
	// TypeStatus fires on status/check_suite/check_run. The commit SHA
	// disambiguates whether it targets a PR head (Initiate) or a staging
	// branch (Test); the router, not this package, makes that call since it
	// requires a store lookup.
	TypeStatus Type = "status"
	// TypePush fires on a raw push to a branch, independent of any
	// pull_request event - a candidate for Cancel when the branch is a
	// queued PR's frozen head.
	TypePush Type = "push"
)

// Event is a normalized inbound forge signal. Only the fields relevant to
// its Type are populated; the rest are zero.
type Event struct {
	Type Type

	// Provider is the git provider name ("github" or "gitlab").
	Provider string

	RepoOwner string
	RepoName  string
	RepoURL   string

	// PRNumber identifies the pull request, when known directly from the
	// payload (TypePROpened, TypePRClosed, TypePRSynchronize, TypeComment,
	// TypeReview). Zero for TypeStatus and TypePush, which identify their
	// subject by SHA or branch instead.
	PRNumber   int
	HeadSHA    string
	HeadBranch string
	BaseBranch string

	// CommentBody and CommentAuthor are set for TypeComment.
	CommentBody   string
	CommentAuthor string

	// StatusSHA is set for TypeStatus; the router resolves the SHA against both a PR's recorded head and an attempt's staging branch
	// to decide which Controller call it maps to.
	StatusSHA string

	// PushedBranch is set for TypePush: the branch ref that moved.
	PushedBranch string

	Actor      string
	Timestamp  time.Time
	RawPayload []byte
}

// Key returns a stable identity for debouncing repeated deliveries of
// logically the same event.
func (e *Event) Key() string {
	switch e.Type {
	case TypeStatus:
		return e.Provider + "/" + e.RepoOwner + "/" + e.RepoName + "/" + string(e.Type) + "/" + e.StatusSHA
	case TypePush:
		return e.Provider + "/" + e.RepoOwner + "/" + e.RepoName + "/" + string(e.Type) + "/" + e.PushedBranch
	default:
		return e.Provider + "/" + e.RepoOwner + "/" + e.RepoName + "/" + string(e.Type) + "/" + fmt.Sprint(e.PRNumber)
	}
}
