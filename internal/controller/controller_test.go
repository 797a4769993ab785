package controller

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/drewdunne/mergequeue/internal/config"
	"github.com/drewdunne/mergequeue/internal/forge"
	"github.com/drewdunne/mergequeue/internal/store"
	"github.com/drewdunne/mergequeue/internal/store/memory"
)

func approvedPR(number int, headSHA, base string) (*forge.PullRequest, forge.Review) {
	pr := &forge.PullRequest{Number: number, State: forge.PullRequestOpen, HeadSHA: headSHA, BaseBranch: base}
	review := forge.Review{Reviewer: "alice", State: forge.ReviewApproved, CommitSHA: headSHA, SubmittedAt: time.Now()}
	return pr, review
}

func TestRequest_SinglePR_MergesToCompletion(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	client.refs["main"] = "base-0"
	pr, review := approvedPR(1, "h1", "main")
	client.prs[1] = pr
	client.reviews[1] = []forge.Review{review}

	st := memory.New()
	ctrl := New(st)
	cfg := &config.MergedConfig{Strategy: "merge"}
	key := RepoKey{Provider: "github", Owner: "o", Repo: "r"}

	state, err := ctrl.Request(ctx, client, cfg, key, 1)
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	if state != store.PRQueued {
		t.Fatalf("state = %q, want QUEUED (approved + green status admits immediately)", state)
	}

	attempt, err := st.GetActiveAttempt(ctx, "o", "r")
	if err != nil {
		t.Fatalf("GetActiveAttempt() error = %v", err)
	}
	if attempt.State != store.AttemptTesting {
		t.Fatalf("attempt.State = %q, want TESTING (clean single-PR construct)", attempt.State)
	}

	if err := ctrl.Test(ctx, client, cfg, key, attempt.StagingBranch()); err != nil {
		t.Fatalf("Test() error = %v", err)
	}

	if _, err := st.GetPR(ctx, "o", "r", 1); err != store.ErrNotFound {
		t.Fatalf("PR row should be gone after Complete, got err = %v", err)
	}
	if got := client.refs["main"]; got == "base-0" {
		t.Error("target branch was never fast-forwarded")
	}
	if len(client.comments[1]) == 0 {
		t.Error("expected a comment on the merged PR")
	}
}

func TestRequest_AlreadyQueued_IsUserError(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	client.refs["main"] = "base-0"
	pr, review := approvedPR(1, "h1", "main")
	client.prs[1] = pr
	client.reviews[1] = []forge.Review{review}

	st := memory.New()
	ctrl := New(st)
	cfg := &config.MergedConfig{Strategy: "merge"}
	key := RepoKey{Provider: "github", Owner: "o", Repo: "r"}

	if _, err := ctrl.Request(ctx, client, cfg, key, 1); err != nil {
		t.Fatalf("first Request() error = %v", err)
	}
	if _, err := ctrl.Request(ctx, client, cfg, key, 1); err == nil {
		t.Fatal("second Request() for the same PR should fail")
	} else if _, ok := err.(*UserError); !ok {
		t.Errorf("err = %v (%T), want *UserError", err, err)
	}
}

func TestRequest_TransientForgeError_LeavesNothingQueued(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	client.refs["main"] = "base-0"
	client.getPRErr = &forge.ErrTransient{Err: fmt.Errorf("dial tcp: i/o timeout")}

	st := memory.New()
	ctrl := New(st)
	cfg := &config.MergedConfig{Strategy: "merge"}
	key := RepoKey{Provider: "github", Owner: "o", Repo: "r"}

	state, err := ctrl.Request(ctx, client, cfg, key, 1)
	if err != nil {
		t.Fatalf("Request() error = %v, want nil (transient errors are swallowed)", err)
	}
	if state != "" {
		t.Errorf("state = %q, want empty (nothing committed)", state)
	}
	if _, err := st.GetPR(ctx, "o", "r", 1); err != store.ErrNotFound {
		t.Fatalf("no PR row should exist after a transient fetch failure, err = %v", err)
	}
}

func TestInitiate_TransientForgeError_LeavesRequested(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	client.refs["main"] = "base-0"
	pr := &forge.PullRequest{Number: 1, State: forge.PullRequestOpen, HeadSHA: "h1", BaseBranch: "main"}
	client.prs[1] = pr

	st := memory.New()
	ctrl := New(st)
	cfg := &config.MergedConfig{Strategy: "merge"}
	key := RepoKey{Provider: "github", Owner: "o", Repo: "r"}

	if _, err := ctrl.Request(ctx, client, cfg, key, 1); err != nil {
		t.Fatalf("Request() error = %v", err)
	}

	client.getPRErr = &forge.ErrTransient{Err: fmt.Errorf("dial tcp: i/o timeout")}
	if err := ctrl.Initiate(ctx, client, cfg, key, 1); err != nil {
		t.Fatalf("Initiate() error = %v, want nil (transient errors are swallowed)", err)
	}

	row, err := st.GetPR(ctx, "o", "r", 1)
	if err != nil {
		t.Fatalf("GetPR() error = %v", err)
	}
	if row.State != store.PRRequested {
		t.Errorf("state = %q, want REQUESTED (unchanged, awaiting the next poll)", row.State)
	}
}

func TestTest_TransientForgeError_LeavesTesting(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	client.refs["main"] = "base-0"
	pr, review := approvedPR(1, "h1", "main")
	client.prs[1] = pr
	client.reviews[1] = []forge.Review{review}

	st := memory.New()
	ctrl := New(st)
	cfg := &config.MergedConfig{Strategy: "merge"}
	key := RepoKey{Provider: "github", Owner: "o", Repo: "r"}

	if _, err := ctrl.Request(ctx, client, cfg, key, 1); err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	row, err := st.GetPR(ctx, "o", "r", 1)
	if err != nil {
		t.Fatalf("GetPR() error = %v", err)
	}
	attempt, err := st.GetAttempt(ctx, row.MergeAttempt)
	if err != nil {
		t.Fatalf("GetAttempt() error = %v", err)
	}
	if attempt.State != store.AttemptTesting {
		t.Fatalf("attempt state = %q, want TESTING", attempt.State)
	}

	client.getRefErr = &forge.ErrTransient{Err: fmt.Errorf("dial tcp: i/o timeout")}
	if err := ctrl.Test(ctx, client, cfg, key, attempt.StagingBranch()); err != nil {
		t.Fatalf("Test() error = %v, want nil (transient errors are swallowed)", err)
	}

	refreshed, err := st.GetAttempt(ctx, attempt.ID)
	if err != nil {
		t.Fatalf("GetAttempt() error = %v", err)
	}
	if refreshed.State != store.AttemptTesting {
		t.Errorf("attempt state = %q, want TESTING (unchanged, awaiting the next poll)", refreshed.State)
	}
}

func TestConstruct_BatchConflict_SplitsOffConflictingPR(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	client.refs["main"] = "base-0"
	client.conflictHeads["h2"] = true

	for n, sha := range map[int]string{1: "h1", 2: "h2", 3: "h3"} {
		pr, review := approvedPR(n, sha, "main")
		client.prs[n] = pr
		client.reviews[n] = []forge.Review{review}
	}

	st := memory.New()
	ctrl := New(st)
	key := RepoKey{Provider: "github", Owner: "o", Repo: "r"}

	// A long debounce window keeps each Request's inline Construct call
	// from admitting a lone PR before the others arrive.
	queueOnly := &config.MergedConfig{Strategy: "merge", DebounceWindow: time.Hour}
	for _, n := range []int{1, 2, 3} {
		if _, err := ctrl.Request(ctx, client, queueOnly, key, n); err != nil {
			t.Fatalf("Request(#%d) error = %v", n, err)
		}
	}

	cfg := &config.MergedConfig{Strategy: "merge"}
	if err := ctrl.Construct(ctx, client, cfg, key); err != nil {
		t.Fatalf("Construct() error = %v", err)
	}

	// A conflict anywhere in the batch sends the whole batch back to
	// SPLIT: the conflicting PR alone in a new attempt, the rest in the
	// demoted original - both wait for the next Construct cycle.
	if _, err := st.GetActiveAttempt(ctx, "o", "r"); err != store.ErrNotFound {
		t.Fatalf("GetActiveAttempt() = %v, want ErrNotFound (nothing survived to TESTING)", err)
	}

	splitPRs, err := st.ListPRsInRepo(ctx, "o", "r", store.PRSplit)
	if err != nil {
		t.Fatalf("ListPRsInRepo() error = %v", err)
	}
	if len(splitPRs) != 3 {
		t.Fatalf("SPLIT PRs = %v, want all 3 back in SPLIT", splitPRs)
	}

	byNumber := make(map[int]store.PullRequest, 3)
	for _, pr := range splitPRs {
		byNumber[pr.Number] = pr
	}
	if byNumber[1].MergeAttempt != byNumber[3].MergeAttempt {
		t.Error("PR #1 and #3 (clean) should share the demoted original attempt")
	}
	if byNumber[2].MergeAttempt == byNumber[1].MergeAttempt {
		t.Error("PR #2 (conflicting) should be split into its own attempt")
	}
}

func TestTest_BatchFailure_Bisects(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	client.refs["main"] = "base-0"
	for n, sha := range map[int]string{1: "h1", 2: "h2"} {
		pr, review := approvedPR(n, sha, "main")
		client.prs[n] = pr
		client.reviews[n] = []forge.Review{review}
	}

	st := memory.New()
	ctrl := New(st)
	key := RepoKey{Provider: "github", Owner: "o", Repo: "r"}

	queueOnly := &config.MergedConfig{Strategy: "merge", DebounceWindow: time.Hour}
	for _, n := range []int{1, 2} {
		if _, err := ctrl.Request(ctx, client, queueOnly, key, n); err != nil {
			t.Fatalf("Request(#%d) error = %v", n, err)
		}
	}

	cfg := &config.MergedConfig{Strategy: "merge"}
	if err := ctrl.Construct(ctx, client, cfg, key); err != nil {
		t.Fatalf("Construct() error = %v", err)
	}

	attempt, err := st.GetActiveAttempt(ctx, "o", "r")
	if err != nil {
		t.Fatalf("GetActiveAttempt() error = %v", err)
	}
	stagingSHA := client.refs[attempt.StagingBranch()]
	client.statuses[stagingSHA] = &forge.CombinedStatus{State: forge.StatusFailure}

	if err := ctrl.Test(ctx, client, cfg, key, attempt.StagingBranch()); err != nil {
		t.Fatalf("Test() error = %v", err)
	}

	if _, err := st.GetAttempt(ctx, attempt.ID); err != store.ErrNotFound {
		t.Fatalf("original attempt should be deleted by bisection, err = %v", err)
	}

	splitPRs1, _ := st.ListPRsInRepo(ctx, "o", "r", store.PRSplit)
	if len(splitPRs1) != 2 {
		t.Fatalf("expected both PRs back in SPLIT after bisection, got %d", len(splitPRs1))
	}
}

func TestCancel_WhileMerging_SplitsSiblingsAndRequeues(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	client.refs["main"] = "base-0"
	for n, sha := range map[int]string{1: "h1", 2: "h2"} {
		pr, review := approvedPR(n, sha, "main")
		client.prs[n] = pr
		client.reviews[n] = []forge.Review{review}
	}

	st := memory.New()
	ctrl := New(st)
	key := RepoKey{Provider: "github", Owner: "o", Repo: "r"}

	queueOnly := &config.MergedConfig{Strategy: "merge", DebounceWindow: time.Hour}
	for _, n := range []int{1, 2} {
		if _, err := ctrl.Request(ctx, client, queueOnly, key, n); err != nil {
			t.Fatalf("Request(#%d) error = %v", n, err)
		}
	}

	cfg := &config.MergedConfig{Strategy: "merge"}
	if err := ctrl.Construct(ctx, client, cfg, key); err != nil {
		t.Fatalf("Construct() error = %v", err)
	}

	if err := ctrl.Cancel(ctx, client, cfg, key, 1, "head moved"); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}

	if _, err := st.GetPR(ctx, "o", "r", 1); err != store.ErrNotFound {
		t.Fatalf("cancelled PR should be gone, err = %v", err)
	}
	pr2, err := st.GetPR(ctx, "o", "r", 2)
	if err != nil {
		t.Fatalf("GetPR(#2) error = %v", err)
	}
	if pr2.State != store.PRSplit && pr2.State != store.PRMerging {
		t.Errorf("PR #2 state = %q, want SPLIT (re-queued alone) or MERGING (re-admitted)", pr2.State)
	}
}

func TestCancel_SoleMemberWhileTesting_DeletesStagingRef(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	client.refs["main"] = "base-0"
	pr, review := approvedPR(1, "h1", "main")
	client.prs[1] = pr
	client.reviews[1] = []forge.Review{review}

	st := memory.New()
	ctrl := New(st)
	cfg := &config.MergedConfig{Strategy: "merge"}
	key := RepoKey{Provider: "github", Owner: "o", Repo: "r"}

	if _, err := ctrl.Request(ctx, client, cfg, key, 1); err != nil {
		t.Fatalf("Request() error = %v", err)
	}

	row, err := st.GetPR(ctx, "o", "r", 1)
	if err != nil {
		t.Fatalf("GetPR() error = %v", err)
	}
	attempt, err := st.GetAttempt(ctx, row.MergeAttempt)
	if err != nil {
		t.Fatalf("GetAttempt() error = %v", err)
	}
	stagingRef := attempt.StagingBranch()
	if _, ok := client.refs[stagingRef]; !ok {
		t.Fatalf("staging ref %q should exist after Construct", stagingRef)
	}

	if err := ctrl.Cancel(ctx, client, cfg, key, 1, "head moved"); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}

	if _, ok := client.refs[stagingRef]; ok {
		t.Errorf("staging ref %q should have been deleted on solo cancellation", stagingRef)
	}
	if _, err := st.GetPR(ctx, "o", "r", 1); err != store.ErrNotFound {
		t.Fatalf("cancelled PR should be gone, err = %v", err)
	}
}

func TestPoll_TimesOutStaleRequestedPR(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	client.refs["main"] = "base-0"
	pr := &forge.PullRequest{Number: 1, State: forge.PullRequestOpen, HeadSHA: "h1", BaseBranch: "main"}
	client.prs[1] = pr

	st := memory.New()
	ctrl := New(st)
	cfg := &config.MergedConfig{Strategy: "merge"}
	key := RepoKey{Provider: "github", Owner: "o", Repo: "r"}

	// No review yet, so Request leaves the PR REQUESTED.
	state, err := ctrl.Request(ctx, client, cfg, key, 1)
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	if state != store.PRRequested {
		t.Fatalf("state = %q, want REQUESTED", state)
	}

	row, _ := st.GetPR(ctx, "o", "r", 1)
	row.Timestamp = time.Now().Add(-2 * time.Hour)
	if err := st.TransitionPR(ctx, "o", "r", 1, store.PRRequested, *row); err != nil {
		t.Fatalf("backdating PR timestamp: %v", err)
	}

	registry := fakeRegistry{clients: map[string]forge.Client{"github": client}}
	configs := fakeConfigs{cfg: cfg}
	timeouts := config.QueueConfig{RequestedTimeoutMinutes: 1}.Timeouts()

	if err := ctrl.Poll(ctx, registry, configs, timeouts); err != nil {
		t.Fatalf("Poll() error = %v", err)
	}

	if _, err := st.GetPR(ctx, "o", "r", 1); err != store.ErrNotFound {
		t.Fatalf("timed-out PR should have been cancelled, err = %v", err)
	}
	if len(client.comments[1]) == 0 {
		t.Error("expected a timeout comment on the PR")
	}
}
