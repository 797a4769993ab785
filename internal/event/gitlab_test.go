package event

import (
	"testing"

	"github.com/drewdunne/mergequeue/internal/webhook"
)

func TestNormalizeGitLabEvent_MROpened(t *testing.T) {
	raw := []byte(`{
		"object_kind": "merge_request",
		"object_attributes": {
			"iid": 42,
			"source_branch": "feature",
			"target_branch": "main",
			"action": "open"
		},
		"project": {
			"path_with_namespace": "owner/repo",
			"git_http_url": "https://gitlab.com/owner/repo.git"
		},
		"user": {"username": "actor"}
	}`)

	glEvent := &webhook.GitLabEvent{EventType: "Merge Request Hook", ObjectKind: "merge_request", RawPayload: raw}

	ev, err := NormalizeGitLabEvent(glEvent)
	if err != nil {
		t.Fatalf("NormalizeGitLabEvent() error = %v", err)
	}
	if ev.Type != TypePROpened {
		t.Errorf("Type = %q, want %q", ev.Type, TypePROpened)
	}
	if ev.PRNumber != 42 {
		t.Errorf("PRNumber = %d, want %d", ev.PRNumber, 42)
	}
	if ev.RepoOwner != "owner" {
		t.Errorf("RepoOwner = %q, want %q", ev.RepoOwner, "owner")
	}
	if ev.HeadBranch != "feature" {
		t.Errorf("HeadBranch = %q, want %q", ev.HeadBranch, "feature")
	}
}

func TestNormalizeGitLabEvent_MRClosed(t *testing.T) {
	raw := []byte(`{
		"object_kind": "merge_request",
		"object_attributes": {"iid": 42, "source_branch": "feature", "target_branch": "main", "action": "close"},
		"project": {"path_with_namespace": "owner/repo", "git_http_url": "https://gitlab.com/owner/repo.git"},
		"user": {"username": "actor"}
	}`)

	glEvent := &webhook.GitLabEvent{EventType: "Merge Request Hook", ObjectKind: "merge_request", RawPayload: raw}

	ev, err := NormalizeGitLabEvent(glEvent)
	if err != nil {
		t.Fatalf("NormalizeGitLabEvent() error = %v", err)
	}
	if ev.Type != TypePRClosed {
		t.Errorf("Type = %q, want %q", ev.Type, TypePRClosed)
	}
}

func TestNormalizeGitLabEvent_MRUpdated(t *testing.T) {
	raw := []byte(`{
		"object_kind": "merge_request",
		"object_attributes": {"iid": 42, "source_branch": "feature", "target_branch": "main", "action": "update"},
		"project": {"path_with_namespace": "owner/repo", "git_http_url": "https://gitlab.com/owner/repo.git"},
		"user": {"username": "actor"}
	}`)

	glEvent := &webhook.GitLabEvent{EventType: "Merge Request Hook", ObjectKind: "merge_request", RawPayload: raw}

	ev, err := NormalizeGitLabEvent(glEvent)
	if err != nil {
		t.Fatalf("NormalizeGitLabEvent() error = %v", err)
	}
	if ev.Type != TypePRSynchronize {
		t.Errorf("Type = %q, want %q", ev.Type, TypePRSynchronize)
	}
}

func TestNormalizeGitLabEvent_Note(t *testing.T) {
	raw := []byte(`{
		"object_kind": "note",
		"object_attributes": {"note": "@mergequeue merge", "noteable_type": "MergeRequest"},
		"merge_request": {"iid": 42, "source_branch": "feature", "target_branch": "main"},
		"project": {"path_with_namespace": "owner/repo", "git_http_url": "https://gitlab.com/owner/repo.git"},
		"user": {"username": "commenter"}
	}`)

	glEvent := &webhook.GitLabEvent{EventType: "Note Hook", ObjectKind: "note", RawPayload: raw}

	ev, err := NormalizeGitLabEvent(glEvent)
	if err != nil {
		t.Fatalf("NormalizeGitLabEvent() error = %v", err)
	}
	if ev.Type != TypeComment {
		t.Errorf("Type = %q, want %q", ev.Type, TypeComment)
	}
	if ev.PRNumber != 42 {
		t.Errorf("PRNumber = %d, want %d", ev.PRNumber, 42)
	}
	if ev.CommentBody != "@mergequeue merge" {
		t.Errorf("CommentBody = %q, want %q", ev.CommentBody, "@mergequeue merge")
	}
}

func TestNormalizeGitLabEvent_Pipeline(t *testing.T) {
	raw := []byte(`{
		"object_kind": "pipeline",
		"sha": "abc123",
		"project": {"path_with_namespace": "owner/repo", "git_http_url": "https://gitlab.com/owner/repo.git"},
		"user": {"username": "actor"}
	}`)

	glEvent := &webhook.GitLabEvent{EventType: "Pipeline Hook", ObjectKind: "pipeline", RawPayload: raw}

	ev, err := NormalizeGitLabEvent(glEvent)
	if err != nil {
		t.Fatalf("NormalizeGitLabEvent() error = %v", err)
	}
	if ev.Type != TypeStatus {
		t.Errorf("Type = %q, want %q", ev.Type, TypeStatus)
	}
	if ev.StatusSHA != "abc123" {
		t.Errorf("StatusSHA = %q, want %q", ev.StatusSHA, "abc123")
	}
}

func TestNormalizeGitLabEvent_Push(t *testing.T) {
	raw := []byte(`{
		"object_kind": "push",
		"ref": "refs/heads/feature",
		"project": {"path_with_namespace": "owner/repo", "git_http_url": "https://gitlab.com/owner/repo.git"},
		"user": {"username": "actor"}
	}`)

	glEvent := &webhook.GitLabEvent{EventType: "Push Hook", ObjectKind: "push", RawPayload: raw}

	ev, err := NormalizeGitLabEvent(glEvent)
	if err != nil {
		t.Fatalf("NormalizeGitLabEvent() error = %v", err)
	}
	if ev.Type != TypePush {
		t.Errorf("Type = %q, want %q", ev.Type, TypePush)
	}
	if ev.PushedBranch != "feature" {
		t.Errorf("PushedBranch = %q, want %q", ev.PushedBranch, "feature")
	}
}

func TestNormalizeGitLabEvent_UnhandledAction(t *testing.T) {
	raw := []byte(`{
		"object_kind": "merge_request",
		"object_attributes": {"action": "approved"},
		"project": {"path_with_namespace": "owner/repo", "git_http_url": "https://gitlab.com/owner/repo.git"},
		"user": {"username": "actor"}
	}`)

	glEvent := &webhook.GitLabEvent{EventType: "Merge Request Hook", ObjectKind: "merge_request", RawPayload: raw}

	if _, err := NormalizeGitLabEvent(glEvent); err == nil {
		t.Error("expected error for unhandled action")
	}
}

func TestNormalizeGitLabEvent_UnhandledObjectKind(t *testing.T) {
	raw := []byte(`{
		"object_kind": "job",
		"project": {"path_with_namespace": "owner/repo", "git_http_url": "https://gitlab.com/owner/repo.git"},
		"user": {"username": "actor"}
	}`)

	glEvent := &webhook.GitLabEvent{EventType: "Job Hook", ObjectKind: "job", RawPayload: raw}

	if _, err := NormalizeGitLabEvent(glEvent); err == nil {
		t.Error("expected error for unhandled object_kind")
	}
}

func TestNormalizeGitLabEvent_NonMRNote(t *testing.T) {
	raw := []byte(`{
		"object_kind": "note",
		"object_attributes": {"noteable_type": "Issue"},
		"project": {"path_with_namespace": "owner/repo", "git_http_url": "https://gitlab.com/owner/repo.git"},
		"user": {"username": "actor"}
	}`)

	glEvent := &webhook.GitLabEvent{EventType: "Note Hook", ObjectKind: "note", RawPayload: raw}

	if _, err := NormalizeGitLabEvent(glEvent); err == nil {
		t.Error("expected error for non-MR note")
	}
}
