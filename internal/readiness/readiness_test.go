package readiness

import (
	"context"
	"testing"
	"time"

	"github.com/drewdunne/mergequeue/internal/forge"
)

type fakeClient struct {
	forge.Client
	reviews []forge.Review
	status  forge.CombinedStatus
}

func (f *fakeClient) ListReviews(ctx context.Context, owner, repo string, number int) ([]forge.Review, error) {
	return f.reviews, nil
}

func (f *fakeClient) GetCombinedStatus(ctx context.Context, owner, repo, sha string, requiredContexts []string) (*forge.CombinedStatus, error) {
	s := f.status
	return &s, nil
}

func basePR() *forge.PullRequest {
	return &forge.PullRequest{Number: 1, State: forge.PullRequestOpen, Draft: false, BaseBranch: "main", HeadSHA: "sha1"}
}

func TestEvaluate_Ready(t *testing.T) {
	client := &fakeClient{
		reviews: []forge.Review{{Reviewer: "alice", State: forge.ReviewApproved, CommitSHA: "sha1", SubmittedAt: time.Now()}},
		status:  forge.CombinedStatus{State: forge.StatusSuccess},
	}
	res, err := Evaluate(context.Background(), client, Config{AllowedBranches: []string{"main"}}, "o", "r", basePR(), "sha1")
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if !res.Ready() {
		t.Errorf("Classification = %q, want ready", res.Classification)
	}
}

func TestEvaluate_StaleApprovalOnRepushIsDiscarded(t *testing.T) {
	client := &fakeClient{
		reviews: []forge.Review{{Reviewer: "alice", State: forge.ReviewApproved, CommitSHA: "old-sha", SubmittedAt: time.Now()}},
		status:  forge.CombinedStatus{State: forge.StatusSuccess},
	}
	res, err := Evaluate(context.Background(), client, Config{AllowedBranches: []string{"main"}}, "o", "r", basePR(), "sha1")
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if res.Classification != AwaitingReview {
		t.Errorf("Classification = %q, want awaiting-review (stale-commit approval must not count)", res.Classification)
	}
}

func TestEvaluate_LatestPerReviewerWins(t *testing.T) {
	now := time.Now()
	client := &fakeClient{
		reviews: []forge.Review{
			{Reviewer: "alice", State: forge.ReviewChangesRequested, CommitSHA: "sha1", SubmittedAt: now},
			{Reviewer: "alice", State: forge.ReviewApproved, CommitSHA: "sha1", SubmittedAt: now.Add(time.Minute)},
		},
		status: forge.CombinedStatus{State: forge.StatusSuccess},
	}
	res, err := Evaluate(context.Background(), client, Config{AllowedBranches: []string{"main"}}, "o", "r", basePR(), "sha1")
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if res.Classification != Ready {
		t.Errorf("Classification = %q, want ready (later APPROVED should supersede earlier CHANGES_REQUESTED)", res.Classification)
	}
}

func TestEvaluate_BranchNotAllowed(t *testing.T) {
	pr := basePR()
	pr.BaseBranch = "feature"
	client := &fakeClient{status: forge.CombinedStatus{State: forge.StatusSuccess}}
	res, err := Evaluate(context.Background(), client, Config{AllowedBranches: []string{"main"}}, "o", "r", pr, "sha1")
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if res.Classification != BranchNotAllowed {
		t.Errorf("Classification = %q, want branch-not-allowed", res.Classification)
	}
}

func TestEvaluate_DraftPR(t *testing.T) {
	pr := basePR()
	pr.Draft = true
	client := &fakeClient{}
	res, err := Evaluate(context.Background(), client, Config{}, "o", "r", pr, "sha1")
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if res.Classification != Draft {
		t.Errorf("Classification = %q, want draft", res.Classification)
	}
}

func TestEvaluate_PendingStatus(t *testing.T) {
	client := &fakeClient{
		reviews: []forge.Review{{Reviewer: "alice", State: forge.ReviewApproved, CommitSHA: "sha1", SubmittedAt: time.Now()}},
		status:  forge.CombinedStatus{State: forge.StatusPending},
	}
	res, err := Evaluate(context.Background(), client, Config{}, "o", "r", basePR(), "sha1")
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if res.Classification != AwaitingStatus {
		t.Errorf("Classification = %q, want awaiting-status", res.Classification)
	}
}
