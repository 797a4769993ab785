package event

import (
	"testing"
	"time"
)

func TestDebouncer(t *testing.T) {
	debounceWindow := 100 * time.Millisecond
	d := NewDebouncer(debounceWindow)

	event1 := &Event{
		Provider:  "github",
		RepoOwner: "owner",
		RepoName:  "repo",
		Type:      TypePRSynchronize,
		PRNumber:  42,
	}

	// First event should be accepted
	if !d.ShouldProcess(event1) {
		t.Error("First event should be accepted")
	}

	// Same event immediately after should be debounced
	if d.ShouldProcess(event1) {
		t.Error("Duplicate event should be debounced")
	}

	// Wait for debounce window
	time.Sleep(debounceWindow + 10*time.Millisecond)

	// Now it should be accepted again
	if !d.ShouldProcess(event1) {
		t.Error("Event after debounce window should be accepted")
	}
}

func TestDebouncer_DifferentEvents(t *testing.T) {
	d := NewDebouncer(100 * time.Millisecond)

	event1 := &Event{
		Provider:  "github",
		RepoOwner: "owner",
		RepoName:  "repo",
		Type:      TypePRSynchronize,
		PRNumber:  42,
	}

	event2 := &Event{
		Provider:  "github",
		RepoOwner: "owner",
		RepoName:  "repo",
		Type:      TypePRSynchronize,
		PRNumber:  43, // Different PR
	}

	d.ShouldProcess(event1)

	// Different event should be accepted
	if !d.ShouldProcess(event2) {
		t.Error("Different event should be accepted")
	}
}

func TestDebouncer_DistinguishesByKeyNotType(t *testing.T) {
	d := NewDebouncer(100 * time.Millisecond)

	status := &Event{Provider: "github", RepoOwner: "owner", RepoName: "repo", Type: TypeStatus, StatusSHA: "abc123"}
	push := &Event{Provider: "github", RepoOwner: "owner", RepoName: "repo", Type: TypePush, PushedBranch: "abc123"}

	if !d.ShouldProcess(status) {
		t.Error("first status event should be accepted")
	}
	if !d.ShouldProcess(push) {
		t.Error("push event with an unrelated key should be accepted even though it shares a string with the status SHA")
	}
}
