package forge

import "context"

// Client is the thin, idempotent wrapper around a forge's REST API that the
// merge-queue core depends on. Every call is expected to be safe to retry:
// the controller never holds client-side state across calls, and a
// transient failure mid-operation is always recoverable by re-entering the
// same step from persisted state (see internal/controller).
type Client interface {
	// Name returns the forge name ("github", "gitlab").
	Name() string

	// GetPullRequest fetches current PR metadata: state, draft flag, head
	// SHA, and base branch.
	GetPullRequest(ctx context.Context, owner, repo string, number int) (*PullRequest, error)

	// ListReviews lists every review left on the PR, in submission order.
	ListReviews(ctx context.Context, owner, repo string, number int) ([]Review, error)

	// GetCombinedStatus returns the aggregated status (and, if configured,
	// check runs) for a commit.
	GetCombinedStatus(ctx context.Context, owner, repo, sha string, requiredContexts []string) (*CombinedStatus, error)

	// PostComment posts a comment on a PR.
	PostComment(ctx context.Context, owner, repo string, number int, body string) error

	// GetRef returns the SHA a ref currently points to.
	GetRef(ctx context.Context, owner, repo, ref string) (string, error)

	// CreateRef creates a new ref (branch) at the given SHA.
	CreateRef(ctx context.Context, owner, repo, ref, sha string) error

	// UpdateRef force-moves a ref to the given SHA, overwriting history.
	// Used only for an attempt's own staging ref, which it exclusively owns.
	UpdateRef(ctx context.Context, owner, repo, ref, sha string) error

	// FastForwardRef advances a ref to sha without forcing. The forge must
	// reject this unless sha is a descendant of the ref's current tip -
	// this is the compare-and-set §4.3.5 depends on to detect a direct
	// push racing the merge queue.
	FastForwardRef(ctx context.Context, owner, repo, ref, sha string) error

	// DeleteRef removes a ref. Safe to call on a ref that no longer exists.
	DeleteRef(ctx context.Context, owner, repo, ref string) error

	// MergeBranch performs a server-side merge of head into base, returning
	// the resulting commit or a conflict.
	MergeBranch(ctx context.Context, owner, repo, base, head, message string) (*MergeOutcome, error)

	// CreateCommit synthesizes a commit with an explicit tree and parent
	// list, without touching the working tree. Used by octopus (multi
	// parent), squash, and batch-squash to assemble the final commit.
	CreateCommit(ctx context.Context, owner, repo, tree string, parents []string, message string) (string, error)

	// GetTreeSHA returns the tree SHA of a commit.
	GetTreeSHA(ctx context.Context, owner, repo, commitSHA string) (string, error)

	// CompareCommits performs a three-dot compare (base...head) and returns
	// the commits unique to head, oldest first.
	CompareCommits(ctx context.Context, owner, repo, base, head string) (*Comparison, error)

	// CherryPickCommit replays a single commit on top of ontoSHA, returning
	// the new commit SHA or a conflict. The diff/replay mechanics are the
	// forge's concern; the constructor only consumes the outcome.
	CherryPickCommit(ctx context.Context, owner, repo, commitSHA, ontoSHA string) (*MergeOutcome, error)

	// IsAncestor reports whether ancestor is an ancestor of (or equal to)
	// descendant, used by the fast-forward strategy's admission guard.
	IsAncestor(ctx context.Context, owner, repo, ancestor, descendant string) (bool, error)
}
