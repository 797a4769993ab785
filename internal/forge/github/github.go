// Package github implements forge.Client against the GitHub REST API.
package github

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/drewdunne/mergequeue/internal/config"
	"github.com/drewdunne/mergequeue/internal/forge"
	"github.com/google/go-github/v60/github"
)

// Client implements forge.Client for GitHub.
type Client struct {
	client *github.Client
	token  string
}

// Option configures the Client.
type Option func(*Client)

// WithBaseURL sets a custom API base URL, used by tests to point at an
// httptest server instead of api.github.com.
func WithBaseURL(url string) Option {
	return func(c *Client) {
		c.client.BaseURL, _ = c.client.BaseURL.Parse(url + "/")
	}
}

// New creates a GitHub client authenticated with a static token (personal
// access token or pre-minted installation token).
func New(token string, opts ...Option) *Client {
	httpClient := &http.Client{Transport: &tokenTransport{token: token}}
	c := &Client{client: github.NewClient(httpClient), token: token}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewFromApp mints a GitHub App installation token by signing a JWT with
// the app's RSA private key, then builds a Client authenticated with it.
// Grounded in original_source/src/github/client.rs, which signs the same
// 10-minute JWT with jsonwebtoken before exchanging it for an installation
// token; here the JWT is signed directly with crypto/rsa since no pack
// example pulls in a JWT library for a single RS256 signature.
func NewFromApp(ctx context.Context, appID string, privateKeyPEM []byte, installationID int64, opts ...Option) (*Client, error) {
	key, err := parseRSAPrivateKey(privateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing app private key: %w", err)
	}

	jwtToken, err := signAppJWT(appID, key)
	if err != nil {
		return nil, fmt.Errorf("signing app jwt: %w", err)
	}

	appClient := github.NewClient(&http.Client{Transport: &tokenTransport{token: jwtToken, scheme: "Bearer"}})
	tok, _, err := appClient.Apps.CreateInstallationToken(ctx, installationID, nil)
	if err != nil {
		return nil, fmt.Errorf("minting installation token: %w", err)
	}

	return New(tok.GetToken(), opts...), nil
}

func parseRSAPrivateKey(pemBytes []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	keyAny, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	key, ok := keyAny.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is not RSA")
	}
	return key, nil
}

func signAppJWT(appID string, key *rsa.PrivateKey) (string, error) {
	now := time.Now()
	header := map[string]string{"alg": "RS256", "typ": "JWT"}
	claims := map[string]interface{}{
		"iat": now.Add(-30 * time.Second).Unix(),
		"exp": now.Add(10 * time.Minute).Unix(),
		"iss": appID,
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return "", err
	}
	claimsJSON, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}

	unsigned := base64.RawURLEncoding.EncodeToString(headerJSON) + "." + base64.RawURLEncoding.EncodeToString(claimsJSON)
	hashed := sha256.Sum256([]byte(unsigned))
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, hashed[:])
	if err != nil {
		return "", err
	}

	return unsigned + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

// tokenTransport adds an authorization header to every request.
type tokenTransport struct {
	token  string
	scheme string
}

func (t *tokenTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	scheme := t.scheme
	if scheme == "" {
		scheme = "Bearer"
	}
	req.Header.Set("Authorization", scheme+" "+t.token)
	resp, err := http.DefaultTransport.RoundTrip(req)
	return resp, forge.Wrap(err)
}

// Name returns the provider name.
func (c *Client) Name() string { return "github" }

// GetPullRequest fetches a pull request by number.
func (c *Client) GetPullRequest(ctx context.Context, owner, repo string, number int) (*forge.PullRequest, error) {
	pr, _, err := c.client.PullRequests.Get(ctx, owner, repo, number)
	if err != nil {
		return nil, forge.Wrap(fmt.Errorf("fetching pull request: %w", err))
	}

	state := forge.PullRequestOpen
	switch {
	case pr.GetMerged():
		state = forge.PullRequestMerged
	case pr.GetState() == "closed":
		state = forge.PullRequestClosed
	}

	labels := make([]string, 0, len(pr.Labels))
	for _, l := range pr.Labels {
		labels = append(labels, l.GetName())
	}

	return &forge.PullRequest{
		Number:     pr.GetNumber(),
		State:      state,
		Draft:      pr.GetDraft(),
		HeadSHA:    pr.GetHead().GetSHA(),
		HeadBranch: pr.GetHead().GetRef(),
		BaseBranch: pr.GetBase().GetRef(),
		Author:     pr.GetUser().GetLogin(),
		Title:      pr.GetTitle(),
		URL:        pr.GetHTMLURL(),
		Labels:     labels,
	}, nil
}

// ListReviews lists reviews on a pull request, oldest first.
func (c *Client) ListReviews(ctx context.Context, owner, repo string, number int) ([]forge.Review, error) {
	var result []forge.Review
	opts := &github.ListOptions{PerPage: 100}
	for {
		reviews, resp, err := c.client.PullRequests.ListReviews(ctx, owner, repo, number, opts)
		if err != nil {
			return nil, forge.Wrap(fmt.Errorf("listing reviews: %w", err))
		}
		for _, r := range reviews {
			result = append(result, forge.Review{
				Reviewer:    r.GetUser().GetLogin(),
				State:       forge.ReviewState(r.GetState()),
				CommitSHA:   r.GetCommitID(),
				SubmittedAt: r.GetSubmittedAt().Time,
			})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return result, nil
}

// GetCombinedStatus returns the combined status for a commit, folding in
// check runs when requiredContexts asks for a check-run name that the
// classic status API wouldn't report.
func (c *Client) GetCombinedStatus(ctx context.Context, owner, repo, sha string, requiredContexts []string) (*forge.CombinedStatus, error) {
	combined, _, err := c.client.Repositories.GetCombinedStatus(ctx, owner, repo, sha, nil)
	if err != nil {
		return nil, forge.Wrap(fmt.Errorf("fetching combined status: %w", err))
	}

	result := &forge.CombinedStatus{
		State:    forge.StatusState(combined.GetState()),
		Contexts: make(map[string]forge.StatusState, len(combined.Statuses)),
	}
	for _, s := range combined.Statuses {
		result.Contexts[s.GetContext()] = forge.StatusState(s.GetState())
	}

	if needsCheckRuns(requiredContexts, result.Contexts) {
		runs, _, err := c.client.Checks.ListCheckRunsForRef(ctx, owner, repo, sha, nil)
		if err != nil {
			return nil, forge.Wrap(fmt.Errorf("listing check runs: %w", err))
		}
		for _, run := range runs.CheckRuns {
			result.Contexts[run.GetName()] = checkRunState(run)
		}
	}

	result.State = aggregate(requiredContexts, result.Contexts, result.State)
	return result, nil
}

func needsCheckRuns(required []string, have map[string]forge.StatusState) bool {
	for _, ctx := range required {
		if _, ok := have[ctx]; !ok {
			return true
		}
	}
	return false
}

func checkRunState(run *github.CheckRun) forge.StatusState {
	if run.GetStatus() != "completed" {
		return forge.StatusPending
	}
	switch run.GetConclusion() {
	case "success", "neutral", "skipped":
		return forge.StatusSuccess
	default:
		return forge.StatusFailure
	}
}

// aggregate recomputes the combined state restricted to the required
// contexts, when any are configured; otherwise it trusts the forge's own
// combined state.
func aggregate(required []string, contexts map[string]forge.StatusState, fallback forge.StatusState) forge.StatusState {
	if len(required) == 0 {
		return fallback
	}
	anyPending := false
	for _, name := range required {
		state, ok := contexts[name]
		if !ok {
			return forge.StatusPending
		}
		switch state {
		case forge.StatusFailure, forge.StatusError:
			return forge.StatusFailure
		case forge.StatusPending:
			anyPending = true
		}
	}
	if anyPending {
		return forge.StatusPending
	}
	return forge.StatusSuccess
}

// PostComment posts a comment on a pull request.
func (c *Client) PostComment(ctx context.Context, owner, repo string, number int, body string) error {
	_, _, err := c.client.Issues.CreateComment(ctx, owner, repo, number, &github.IssueComment{Body: &body})
	if err != nil {
		return forge.Wrap(fmt.Errorf("posting comment: %w", err))
	}
	return nil
}

// GetRef returns the SHA a branch currently points to.
func (c *Client) GetRef(ctx context.Context, owner, repo, ref string) (string, error) {
	r, _, err := c.client.Git.GetRef(ctx, owner, repo, "refs/heads/"+ref)
	if err != nil {
		return "", forge.Wrap(fmt.Errorf("fetching ref %s: %w", ref, err))
	}
	return r.GetObject().GetSHA(), nil
}

// CreateRef creates a new branch at the given SHA.
func (c *Client) CreateRef(ctx context.Context, owner, repo, ref, sha string) error {
	fullRef := "refs/heads/" + ref
	_, _, err := c.client.Git.CreateRef(ctx, owner, repo, &github.Reference{
		Ref:    &fullRef,
		Object: &github.GitObject{SHA: &sha},
	})
	if err != nil {
		return forge.Wrap(fmt.Errorf("creating ref %s: %w", ref, err))
	}
	return nil
}

// UpdateRef force-moves a branch to the given SHA.
func (c *Client) UpdateRef(ctx context.Context, owner, repo, ref, sha string) error {
	fullRef := "refs/heads/" + ref
	_, _, err := c.client.Git.UpdateRef(ctx, owner, repo, &github.Reference{
		Ref:    &fullRef,
		Object: &github.GitObject{SHA: &sha},
	}, true)
	if err != nil {
		return forge.Wrap(fmt.Errorf("force-updating ref %s: %w", ref, err))
	}
	return nil
}

// FastForwardRef advances a branch without forcing; GitHub rejects the
// update with a 422 if sha is not a descendant of the branch's current tip.
func (c *Client) FastForwardRef(ctx context.Context, owner, repo, ref, sha string) error {
	fullRef := "refs/heads/" + ref
	_, _, err := c.client.Git.UpdateRef(ctx, owner, repo, &github.Reference{
		Ref:    &fullRef,
		Object: &github.GitObject{SHA: &sha},
	}, false)
	if err != nil {
		if isNotFastForward(err) {
			return fmt.Errorf("%w: ref %s is not a fast-forward ancestor of %s", forge.ErrNotFastForward, ref, sha)
		}
		return forge.Wrap(fmt.Errorf("fast-forwarding ref %s: %w", ref, err))
	}
	return nil
}

func isNotFastForward(err error) bool {
	if ghErr, ok := err.(*github.ErrorResponse); ok {
		return ghErr.Response != nil && ghErr.Response.StatusCode == http.StatusUnprocessableEntity
	}
	return false
}

// DeleteRef removes a branch, ignoring a not-found response.
func (c *Client) DeleteRef(ctx context.Context, owner, repo, ref string) error {
	_, err := c.client.Git.DeleteRef(ctx, owner, repo, "refs/heads/"+ref)
	if err != nil {
		if ghErr, ok := err.(*github.ErrorResponse); ok && ghErr.Response != nil && ghErr.Response.StatusCode == http.StatusNotFound {
			return nil
		}
		return forge.Wrap(fmt.Errorf("deleting ref %s: %w", ref, err))
	}
	return nil
}

// MergeBranch performs a server-side merge of head into base.
func (c *Client) MergeBranch(ctx context.Context, owner, repo, base, head, message string) (*forge.MergeOutcome, error) {
	commit, resp, err := c.client.Repositories.Merge(ctx, owner, repo, &github.RepositoryMergeRequest{
		Base:          &base,
		Head:          &head,
		CommitMessage: &message,
	})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusConflict {
			return &forge.MergeOutcome{Conflict: true}, nil
		}
		return nil, forge.Wrap(fmt.Errorf("merging %s into %s: %w", head, base, err))
	}
	if resp != nil && resp.StatusCode == http.StatusNoContent {
		// Already up to date: treat base tip as the outcome.
		sha, refErr := c.GetRef(ctx, owner, repo, base)
		if refErr != nil {
			return nil, refErr
		}
		return &forge.MergeOutcome{SHA: sha}, nil
	}
	return &forge.MergeOutcome{SHA: commit.GetSHA()}, nil
}

// CreateCommit synthesizes a commit with an explicit tree and parent list.
func (c *Client) CreateCommit(ctx context.Context, owner, repo, tree string, parents []string, message string) (string, error) {
	parentCommits := make([]*github.Commit, len(parents))
	for i, p := range parents {
		sha := p
		parentCommits[i] = &github.Commit{SHA: &sha}
	}

	commit, _, err := c.client.Git.CreateCommit(ctx, owner, repo, &github.Commit{
		Message: &message,
		Tree:    &github.Tree{SHA: &tree},
		Parents: parentCommits,
	}, nil)
	if err != nil {
		return "", forge.Wrap(fmt.Errorf("creating commit: %w", err))
	}
	return commit.GetSHA(), nil
}

// GetTreeSHA returns the tree SHA of a commit.
func (c *Client) GetTreeSHA(ctx context.Context, owner, repo, commitSHA string) (string, error) {
	commit, _, err := c.client.Git.GetCommit(ctx, owner, repo, commitSHA)
	if err != nil {
		return "", forge.Wrap(fmt.Errorf("fetching commit %s: %w", commitSHA, err))
	}
	return commit.GetTree().GetSHA(), nil
}

// CompareCommits performs a three-dot compare, returning head-only commits
// oldest first.
func (c *Client) CompareCommits(ctx context.Context, owner, repo, base, head string) (*forge.Comparison, error) {
	cmp, _, err := c.client.Repositories.CompareCommits(ctx, owner, repo, base, head, nil)
	if err != nil {
		return nil, forge.Wrap(fmt.Errorf("comparing %s...%s: %w", base, head, err))
	}

	commits := make([]forge.Commit, len(cmp.Commits))
	for i, rc := range cmp.Commits {
		parents := make([]string, len(rc.Parents))
		for j, p := range rc.Parents {
			parents[j] = p.GetSHA()
		}
		commits[i] = forge.Commit{
			SHA:        rc.GetSHA(),
			TreeSHA:    rc.GetCommit().GetTree().GetSHA(),
			ParentSHAs: parents,
			Message:    rc.GetCommit().GetMessage(),
			IsMerge:    len(parents) > 1,
		}
	}
	return &forge.Comparison{Commits: commits}, nil
}

// CherryPickCommit replays commitSHA on top of ontoSHA. GitHub exposes no
// native cherry-pick endpoint, so this is approximated as a server-side
// merge of commitSHA onto a throwaway branch seeded at ontoSHA; a genuine
// patch-level replay is the strategy's internals, which this module does
// not implement (see spec.md §1 Out-of-scope).
func (c *Client) CherryPickCommit(ctx context.Context, owner, repo, commitSHA, ontoSHA string) (*forge.MergeOutcome, error) {
	scratch := "mergequeue-cherry-" + commitSHA[:12]
	if err := c.CreateRef(ctx, owner, repo, scratch, ontoSHA); err != nil {
		return nil, err
	}
	defer c.DeleteRef(ctx, owner, repo, scratch)

	outcome, err := c.MergeBranch(ctx, owner, repo, scratch, commitSHA, "cherry-pick "+commitSHA)
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

// IsAncestor reports whether ancestor is reachable from descendant.
func (c *Client) IsAncestor(ctx context.Context, owner, repo, ancestor, descendant string) (bool, error) {
	cmp, _, err := c.client.Repositories.CompareCommits(ctx, owner, repo, ancestor, descendant, nil)
	if err != nil {
		return false, forge.Wrap(fmt.Errorf("comparing %s...%s: %w", ancestor, descendant, err))
	}
	switch cmp.GetStatus() {
	case "ahead", "identical":
		return true, nil
	default:
		return false, nil
	}
}

// ReadFile fetches a file's contents at ref, implementing config.FileReader
// so the controller can load .mergequeue/config.yaml from the target
// branch tip. Returns config.ErrConfigNotFound if the path doesn't exist.
func (c *Client) ReadFile(ctx context.Context, owner, repo, path, ref string) ([]byte, error) {
	rc, _, err := c.client.Repositories.DownloadContents(ctx, owner, repo, path, &github.RepositoryContentGetOptions{Ref: ref})
	if err != nil {
		if resp, ok := err.(*github.ErrorResponse); ok && resp.Response != nil && resp.Response.StatusCode == http.StatusNotFound {
			return nil, config.ErrConfigNotFound
		}
		return nil, forge.Wrap(fmt.Errorf("downloading %s@%s: %w", path, ref, err))
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
