package controller

import (
	"context"
	"fmt"

	"github.com/drewdunne/mergequeue/internal/config"
	"github.com/drewdunne/mergequeue/internal/forge"
)

// fakeClient is a minimal in-memory forge, grounded on the same pattern
// internal/construct uses: embed forge.Client so unused methods panic
// loudly rather than silently doing nothing, and fake only what each test
// exercises.
type fakeClient struct {
	forge.Client

	prs      map[int]*forge.PullRequest
	reviews  map[int][]forge.Review
	statuses map[string]*forge.CombinedStatus

	refs    map[string]string
	parents map[string][]string
	trees   map[string]string

	comments      map[int][]string
	conflictHeads map[string]bool

	// getPRErr and getRefErr, when set, are returned by the next
	// GetPullRequest/GetRef call instead of the normal lookup - used to
	// simulate a transient forge failure mid-operation.
	getPRErr  error
	getRefErr error

	nextCommit int
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		prs:           make(map[int]*forge.PullRequest),
		reviews:       make(map[int][]forge.Review),
		statuses:      make(map[string]*forge.CombinedStatus),
		refs:          make(map[string]string),
		parents:       make(map[string][]string),
		trees:         make(map[string]string),
		comments:      make(map[int][]string),
		conflictHeads: make(map[string]bool),
	}
}

func (f *fakeClient) Name() string { return "github" }

func (f *fakeClient) newSHA(parents ...string) string {
	f.nextCommit++
	sha := fmt.Sprintf("commit-%d", f.nextCommit)
	f.parents[sha] = parents
	f.trees[sha] = "tree-" + sha
	return sha
}

func (f *fakeClient) GetPullRequest(ctx context.Context, owner, repo string, number int) (*forge.PullRequest, error) {
	if f.getPRErr != nil {
		err := f.getPRErr
		f.getPRErr = nil
		return nil, err
	}
	pr, ok := f.prs[number]
	if !ok {
		return nil, fmt.Errorf("no such PR #%d", number)
	}
	return pr, nil
}

func (f *fakeClient) ListReviews(ctx context.Context, owner, repo string, number int) ([]forge.Review, error) {
	return f.reviews[number], nil
}

func (f *fakeClient) GetCombinedStatus(ctx context.Context, owner, repo, sha string, requiredContexts []string) (*forge.CombinedStatus, error) {
	if s, ok := f.statuses[sha]; ok {
		return s, nil
	}
	return &forge.CombinedStatus{State: forge.StatusSuccess}, nil
}

func (f *fakeClient) PostComment(ctx context.Context, owner, repo string, number int, body string) error {
	f.comments[number] = append(f.comments[number], body)
	return nil
}

func (f *fakeClient) GetRef(ctx context.Context, owner, repo, ref string) (string, error) {
	if f.getRefErr != nil {
		err := f.getRefErr
		f.getRefErr = nil
		return "", err
	}
	sha, ok := f.refs[ref]
	if !ok {
		return "", fmt.Errorf("no such ref %q", ref)
	}
	return sha, nil
}

func (f *fakeClient) CreateRef(ctx context.Context, owner, repo, ref, sha string) error {
	if _, ok := f.refs[ref]; ok {
		return fmt.Errorf("ref %q already exists", ref)
	}
	f.refs[ref] = sha
	return nil
}

func (f *fakeClient) UpdateRef(ctx context.Context, owner, repo, ref, sha string) error {
	f.refs[ref] = sha
	return nil
}

func (f *fakeClient) FastForwardRef(ctx context.Context, owner, repo, ref, sha string) error {
	cur, ok := f.refs[ref]
	if !ok || f.isAncestor(cur, sha) {
		f.refs[ref] = sha
		return nil
	}
	return forge.ErrNotFastForward
}

func (f *fakeClient) DeleteRef(ctx context.Context, owner, repo, ref string) error {
	delete(f.refs, ref)
	return nil
}

func (f *fakeClient) isAncestor(ancestor, descendant string) bool {
	if ancestor == descendant {
		return true
	}
	seen := map[string]bool{descendant: true}
	queue := []string{descendant}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, p := range f.parents[cur] {
			if p == ancestor {
				return true
			}
			if !seen[p] {
				seen[p] = true
				queue = append(queue, p)
			}
		}
	}
	return false
}

func (f *fakeClient) MergeBranch(ctx context.Context, owner, repo, base, head, message string) (*forge.MergeOutcome, error) {
	if f.conflictHeads[head] {
		return &forge.MergeOutcome{Conflict: true}, nil
	}
	tip := f.refs[base]
	sha := f.newSHA(tip, head)
	f.refs[base] = sha
	return &forge.MergeOutcome{SHA: sha}, nil
}

func (f *fakeClient) GetTreeSHA(ctx context.Context, owner, repo, commitSHA string) (string, error) {
	return f.trees[commitSHA], nil
}

func (f *fakeClient) CreateCommit(ctx context.Context, owner, repo, tree string, parents []string, message string) (string, error) {
	sha := f.newSHA(parents...)
	f.trees[sha] = tree
	return sha, nil
}

// fakeRegistry is the ClientResolver used by Poll tests.
type fakeRegistry struct {
	clients map[string]forge.Client
}

func (r fakeRegistry) Get(provider string) forge.Client { return r.clients[provider] }

// fakeConfigs is the ConfigResolver used by Poll tests; every repo gets the
// same merged config.
type fakeConfigs struct {
	cfg *config.MergedConfig
}

func (c fakeConfigs) MergedConfig(ctx context.Context, key RepoKey) (*config.MergedConfig, error) {
	return c.cfg, nil
}
