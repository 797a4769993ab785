// Package gitlab implements forge.Client against the GitLab REST API.
//
// GitLab's data model differs from GitHub's in ways that shape a few
// methods here: there is no per-reviewer "review" object scoped to a
// commit (only MR-level approvals), and there is no git-data endpoint for
// creating a commit from an arbitrary tree + parent list. Both gaps are
// documented at their call sites rather than papered over with a
// fabricated API.
package gitlab

import (
	"context"
	"fmt"
	"net/url"

	"github.com/drewdunne/mergequeue/internal/config"
	"github.com/drewdunne/mergequeue/internal/forge"
	"github.com/xanzy/go-gitlab"
)

// Client implements forge.Client for GitLab.
type Client struct {
	client *gitlab.Client
	token  string
}

// Option configures the Client.
type Option func(*Client)

// WithBaseURL points the client at a custom API base, used by tests.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.client, _ = gitlab.NewClient(c.token, gitlab.WithBaseURL(baseURL+"/api/v4"))
	}
}

// New creates a GitLab client authenticated with a personal or project
// access token.
func New(token string, opts ...Option) *Client {
	client, _ := gitlab.NewClient(token)
	c := &Client{client: client, token: token}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name returns the provider name.
func (c *Client) Name() string { return "gitlab" }

func projectPath(owner, repo string) string {
	return url.PathEscape(owner + "/" + repo)
}

// GetPullRequest fetches a merge request by IID.
func (c *Client) GetPullRequest(ctx context.Context, owner, repo string, number int) (*forge.PullRequest, error) {
	mr, _, err := c.client.MergeRequests.GetMergeRequest(projectPath(owner, repo), number, nil, gitlab.WithContext(ctx))
	if err != nil {
		return nil, forge.Wrap(fmt.Errorf("fetching merge request: %w", err))
	}

	state := forge.PullRequestOpen
	switch mr.State {
	case "merged":
		state = forge.PullRequestMerged
	case "closed":
		state = forge.PullRequestClosed
	}

	pr := &forge.PullRequest{
		Number:     mr.IID,
		State:      state,
		Draft:      mr.Draft || mr.WorkInProgress,
		HeadSHA:    mr.SHA,
		HeadBranch: mr.SourceBranch,
		BaseBranch: mr.TargetBranch,
		Title:      mr.Title,
		URL:        mr.WebURL,
		Labels:     []string(mr.Labels),
	}
	if mr.Author != nil {
		pr.Author = mr.Author.Username
	}
	return pr, nil
}

// ListReviews approximates GitHub-style per-reviewer reviews using
// GitLab's MR approval state. Every entry returned is APPROVED (GitLab
// does not record a commit-scoped "changes requested" verdict over the
// API), scoped to the MR's current head SHA - callers relying on the
// changes-requested branch of the approval rule will never see it fire
// against a GitLab-backed repository.
func (c *Client) ListReviews(ctx context.Context, owner, repo string, number int) ([]forge.Review, error) {
	mr, _, err := c.client.MergeRequests.GetMergeRequest(projectPath(owner, repo), number, nil, gitlab.WithContext(ctx))
	if err != nil {
		return nil, forge.Wrap(fmt.Errorf("fetching merge request: %w", err))
	}

	approvals, _, err := c.client.MergeRequestApprovals.GetApprovalState(projectPath(owner, repo), number, gitlab.WithContext(ctx))
	if err != nil {
		return nil, forge.Wrap(fmt.Errorf("fetching approval state: %w", err))
	}

	var reviews []forge.Review
	seen := make(map[string]bool)
	for _, rule := range approvals.Rules {
		for _, approver := range rule.ApprovedBy {
			if approver == nil || seen[approver.Username] {
				continue
			}
			seen[approver.Username] = true
			reviews = append(reviews, forge.Review{
				Reviewer:  approver.Username,
				State:     forge.ReviewApproved,
				CommitSHA: mr.SHA,
			})
		}
	}
	return reviews, nil
}

// GetCombinedStatus returns the combined commit status.
func (c *Client) GetCombinedStatus(ctx context.Context, owner, repo, sha string, requiredContexts []string) (*forge.CombinedStatus, error) {
	statuses, _, err := c.client.Commits.GetCommitStatuses(projectPath(owner, repo), sha, nil, gitlab.WithContext(ctx))
	if err != nil {
		return nil, forge.Wrap(fmt.Errorf("fetching commit statuses: %w", err))
	}

	contexts := make(map[string]forge.StatusState, len(statuses))
	for _, s := range statuses {
		contexts[s.Name] = mapGitLabStatus(s.Status)
	}

	return &forge.CombinedStatus{
		State:    aggregateGitLab(requiredContexts, contexts),
		Contexts: contexts,
	}, nil
}

func mapGitLabStatus(status string) forge.StatusState {
	switch status {
	case "success":
		return forge.StatusSuccess
	case "failed", "canceled":
		return forge.StatusFailure
	default:
		return forge.StatusPending
	}
}

func aggregateGitLab(required []string, contexts map[string]forge.StatusState) forge.StatusState {
	if len(required) == 0 {
		for _, s := range contexts {
			if s == forge.StatusFailure {
				return forge.StatusFailure
			}
		}
		return forge.StatusSuccess
	}
	anyPending := false
	for _, name := range required {
		state, ok := contexts[name]
		if !ok {
			return forge.StatusPending
		}
		if state == forge.StatusFailure {
			return forge.StatusFailure
		}
		if state == forge.StatusPending {
			anyPending = true
		}
	}
	if anyPending {
		return forge.StatusPending
	}
	return forge.StatusSuccess
}

// PostComment posts a note on a merge request.
func (c *Client) PostComment(ctx context.Context, owner, repo string, number int, body string) error {
	_, _, err := c.client.Notes.CreateMergeRequestNote(projectPath(owner, repo), number, &gitlab.CreateMergeRequestNoteOptions{
		Body: &body,
	}, gitlab.WithContext(ctx))
	if err != nil {
		return forge.Wrap(fmt.Errorf("posting comment: %w", err))
	}
	return nil
}

// GetRef returns the commit SHA a branch points to.
func (c *Client) GetRef(ctx context.Context, owner, repo, ref string) (string, error) {
	branch, _, err := c.client.Branches.GetBranch(projectPath(owner, repo), ref, gitlab.WithContext(ctx))
	if err != nil {
		return "", forge.Wrap(fmt.Errorf("fetching branch %s: %w", ref, err))
	}
	return branch.Commit.ID, nil
}

// CreateRef creates a branch at the given SHA.
func (c *Client) CreateRef(ctx context.Context, owner, repo, ref, sha string) error {
	_, _, err := c.client.Branches.CreateBranch(projectPath(owner, repo), &gitlab.CreateBranchOptions{
		Branch: &ref,
		Ref:    &sha,
	}, gitlab.WithContext(ctx))
	if err != nil {
		return forge.Wrap(fmt.Errorf("creating branch %s: %w", ref, err))
	}
	return nil
}

// UpdateRef force-moves a branch. GitLab exposes no ref-update endpoint,
// so this deletes and recreates the branch at the new SHA.
func (c *Client) UpdateRef(ctx context.Context, owner, repo, ref, sha string) error {
	if err := c.DeleteRef(ctx, owner, repo, ref); err != nil {
		return err
	}
	return c.CreateRef(ctx, owner, repo, ref, sha)
}

// FastForwardRef advances a branch only if its current tip is an ancestor
// of sha, emulating GitHub's non-forced ref update on a platform with no
// native compare-and-set ref API.
func (c *Client) FastForwardRef(ctx context.Context, owner, repo, ref, sha string) error {
	current, err := c.GetRef(ctx, owner, repo, ref)
	if err != nil {
		return err
	}
	ok, err := c.IsAncestor(ctx, owner, repo, current, sha)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: ref %s is not a fast-forward ancestor of %s", forge.ErrNotFastForward, ref, sha)
	}
	return c.UpdateRef(ctx, owner, repo, ref, sha)
}

// DeleteRef removes a branch, ignoring a not-found response.
func (c *Client) DeleteRef(ctx context.Context, owner, repo, ref string) error {
	_, err := c.client.Branches.DeleteBranch(projectPath(owner, repo), ref, gitlab.WithContext(ctx))
	if err != nil {
		if resp, ok := err.(*gitlab.ErrorResponse); ok && resp.Response != nil && resp.Response.StatusCode == 404 {
			return nil
		}
		return forge.Wrap(fmt.Errorf("deleting branch %s: %w", ref, err))
	}
	return nil
}

// MergeBranch performs a server-side merge of head into base by opening
// and immediately accepting a throwaway merge request, GitLab's only
// server-side merge primitive for two arbitrary branches.
func (c *Client) MergeBranch(ctx context.Context, owner, repo, base, head, message string) (*forge.MergeOutcome, error) {
	pid := projectPath(owner, repo)

	mr, _, err := c.client.MergeRequests.CreateMergeRequest(pid, &gitlab.CreateMergeRequestOptions{
		Title:        &message,
		SourceBranch: &head,
		TargetBranch: &base,
	}, gitlab.WithContext(ctx))
	if err != nil {
		return nil, forge.Wrap(fmt.Errorf("opening merge request %s into %s: %w", head, base, err))
	}
	defer c.client.MergeRequests.DeleteMergeRequest(pid, mr.IID, gitlab.WithContext(ctx))

	squash := false
	merged, resp, err := c.client.MergeRequests.AcceptMergeRequest(pid, mr.IID, &gitlab.AcceptMergeRequestOptions{
		MergeCommitMessage: &message,
		Squash:             &squash,
	}, gitlab.WithContext(ctx))
	if err != nil {
		if resp != nil && resp.StatusCode == 406 {
			return &forge.MergeOutcome{Conflict: true}, nil
		}
		return nil, forge.Wrap(fmt.Errorf("accepting merge request: %w", err))
	}
	return &forge.MergeOutcome{SHA: merged.MergeCommitSHA}, nil
}

// CreateCommit synthesizes a multi-parent commit. GitLab's REST API has no
// git-data endpoint for creating a commit from a raw tree + parent list,
// so this folds the parents into the first one via sequential MergeBranch
// calls on a scratch branch: the resulting commit has the same content as
// an n-way octopus merge, encoded as a chain of ordinary two-parent
// merges instead of one n-parent commit object.
func (c *Client) CreateCommit(ctx context.Context, owner, repo, tree string, parents []string, message string) (string, error) {
	if len(parents) == 0 {
		return "", fmt.Errorf("CreateCommit requires at least one parent")
	}

	scratch := "mergequeue-synth-" + tree[:min(12, len(tree))]
	if err := c.CreateRef(ctx, owner, repo, scratch, parents[0]); err != nil {
		return "", err
	}
	defer c.DeleteRef(ctx, owner, repo, scratch)

	tip := parents[0]
	for _, parent := range parents[1:] {
		outcome, err := c.MergeBranch(ctx, owner, repo, scratch, parent, message)
		if err != nil {
			return "", err
		}
		if outcome.Conflict {
			return "", fmt.Errorf("synthesizing commit: parent %s conflicts with %s", parent, tip)
		}
		tip = outcome.SHA
	}
	return tip, nil
}

// GetTreeSHA returns commitSHA unchanged. GitLab exposes no tree-sha
// concept over REST; CreateCommit above never dereferences the tree
// value, it only uses it to derive a scratch branch name, so identity is
// sufficient here.
func (c *Client) GetTreeSHA(ctx context.Context, owner, repo, commitSHA string) (string, error) {
	return commitSHA, nil
}

// CompareCommits performs a three-dot compare.
func (c *Client) CompareCommits(ctx context.Context, owner, repo, base, head string) (*forge.Comparison, error) {
	straight := false
	cmp, _, err := c.client.Repositories.Compare(projectPath(owner, repo), &gitlab.CompareOptions{
		From:     &base,
		To:       &head,
		Straight: &straight,
	}, gitlab.WithContext(ctx))
	if err != nil {
		return nil, forge.Wrap(fmt.Errorf("comparing %s...%s: %w", base, head, err))
	}

	commits := make([]forge.Commit, len(cmp.Commits))
	for i, rc := range cmp.Commits {
		commits[i] = forge.Commit{
			SHA:        rc.ID,
			ParentSHAs: rc.ParentIDs,
			Message:    rc.Message,
			IsMerge:    len(rc.ParentIDs) > 1,
		}
	}
	return &forge.Comparison{Commits: commits}, nil
}

// CherryPickCommit replays commitSHA onto ontoSHA via GitLab's native
// cherry-pick endpoint, which (unlike GitHub) exists as a first-class API.
func (c *Client) CherryPickCommit(ctx context.Context, owner, repo, commitSHA, ontoSHA string) (*forge.MergeOutcome, error) {
	scratch := "mergequeue-cherry-" + commitSHA[:min(12, len(commitSHA))]
	if err := c.CreateRef(ctx, owner, repo, scratch, ontoSHA); err != nil {
		return nil, err
	}
	defer c.DeleteRef(ctx, owner, repo, scratch)

	result, resp, err := c.client.Commits.CherryPickCommit(projectPath(owner, repo), commitSHA, &gitlab.CherryPickCommitOptions{
		Branch: &scratch,
	}, gitlab.WithContext(ctx))
	if err != nil {
		if resp != nil && resp.StatusCode == 400 {
			return &forge.MergeOutcome{Conflict: true}, nil
		}
		return nil, forge.Wrap(fmt.Errorf("cherry-picking %s onto %s: %w", commitSHA, ontoSHA, err))
	}
	return &forge.MergeOutcome{SHA: result.ID}, nil
}

// IsAncestor reports whether ancestor is reachable from descendant. It
// compares in reverse (descendant...ancestor): if that three-dot range is
// empty, ancestor contributes nothing descendant doesn't already have,
// which is only possible if ancestor is already part of descendant's
// history.
func (c *Client) IsAncestor(ctx context.Context, owner, repo, ancestor, descendant string) (bool, error) {
	if ancestor == descendant {
		return true, nil
	}
	straight := false
	cmp, _, err := c.client.Repositories.Compare(projectPath(owner, repo), &gitlab.CompareOptions{
		From:     &descendant,
		To:       &ancestor,
		Straight: &straight,
	}, gitlab.WithContext(ctx))
	if err != nil {
		return false, forge.Wrap(fmt.Errorf("comparing %s...%s: %w", descendant, ancestor, err))
	}
	return len(cmp.Commits) == 0, nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// ReadFile fetches a file's contents at ref, implementing config.FileReader
// so the controller can load .mergequeue/config.yaml from the target
// branch tip. Returns config.ErrConfigNotFound if the path doesn't exist.
func (c *Client) ReadFile(ctx context.Context, owner, repo, path, ref string) ([]byte, error) {
	f, resp, err := c.client.RepositoryFiles.GetRawFile(projectPath(owner, repo), path, &gitlab.GetRawFileOptions{
		Ref: &ref,
	}, gitlab.WithContext(ctx))
	if err != nil {
		if resp != nil && resp.StatusCode == 404 {
			return nil, config.ErrConfigNotFound
		}
		return nil, forge.Wrap(fmt.Errorf("fetching %s@%s: %w", path, ref, err))
	}
	return f, nil
}
