package event

import (
	"context"
	"fmt"

	"github.com/drewdunne/mergequeue/internal/forge"
)

// fakeClient is a minimal in-memory forge.Client, grounded on the same
// pattern internal/controller's tests use: embed forge.Client so unused
// methods panic loudly, and fake only what a test exercises.
type fakeClient struct {
	forge.Client

	prs      map[int]*forge.PullRequest
	statuses map[string]*forge.CombinedStatus
	refs     map[string]string
	comments map[int][]string
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		prs:      make(map[int]*forge.PullRequest),
		statuses: make(map[string]*forge.CombinedStatus),
		refs:     make(map[string]string),
		comments: make(map[int][]string),
	}
}

func (f *fakeClient) Name() string { return "github" }

func (f *fakeClient) GetPullRequest(ctx context.Context, owner, repo string, number int) (*forge.PullRequest, error) {
	pr, ok := f.prs[number]
	if !ok {
		return nil, fmt.Errorf("no such PR #%d", number)
	}
	return pr, nil
}

func (f *fakeClient) ListReviews(ctx context.Context, owner, repo string, number int) ([]forge.Review, error) {
	return nil, nil
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
	sha, ok := f.refs[ref]
	if !ok {
		return "", fmt.Errorf("no such ref %q", ref)
	}
	return sha, nil
}

func (f *fakeClient) CreateRef(ctx context.Context, owner, repo, ref, sha string) error {
	f.refs[ref] = sha
	return nil
}

func (f *fakeClient) UpdateRef(ctx context.Context, owner, repo, ref, sha string) error {
	f.refs[ref] = sha
	return nil
}

func (f *fakeClient) DeleteRef(ctx context.Context, owner, repo, ref string) error {
	delete(f.refs, ref)
	return nil
}

// fakeRegistry is the controller.ClientResolver used by router tests.
type fakeRegistry struct {
	clients map[string]forge.Client
}

func (r fakeRegistry) Get(provider string) forge.Client { return r.clients[provider] }
