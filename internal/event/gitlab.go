package event

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/drewdunne/mergequeue/internal/webhook"
)

// gitLabPayload covers the union of fields used across the GitLab system
// hook / webhook event types this router normalizes.
type gitLabPayload struct {
	ObjectKind       string `json:"object_kind"`
	ObjectAttributes struct {
		IID          int    `json:"iid"`
		Note         string `json:"note"`
		SourceBranch string `json:"source_branch"`
		TargetBranch string `json:"target_branch"`
		Action       string `json:"action"`
		NoteableType string `json:"noteable_type"`
	} `json:"object_attributes"`
	MergeRequest struct {
		IID          int    `json:"iid"`
		SourceBranch string `json:"source_branch"`
		TargetBranch string `json:"target_branch"`
		LastCommit   struct {
			ID string `json:"id"`
		} `json:"last_commit"`
	} `json:"merge_request"`
	Ref           string `json:"ref"`
	CheckoutSHA   string `json:"checkout_sha"`
	CommitSHA     string `json:"sha"`
	Project       struct {
		PathWithNamespace string `json:"path_with_namespace"`
		GitHTTPURL        string `json:"git_http_url"`
	} `json:"project"`
	User struct {
		Username string `json:"username"`
	} `json:"user"`
}

// NormalizeGitLabEvent converts a raw GitLab webhook delivery into a
// normalized Event, per §6's webhook vocabulary.
func NormalizeGitLabEvent(glEvent *webhook.GitLabEvent) (*Event, error) {
	var payload gitLabPayload
	if err := json.Unmarshal(glEvent.RawPayload, &payload); err != nil {
		return nil, fmt.Errorf("parsing payload: %w", err)
	}

	parts := strings.SplitN(payload.Project.PathWithNamespace, "/", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("invalid project path: %s", payload.Project.PathWithNamespace)
	}

	ev := &Event{
		Provider:   "gitlab",
		RepoOwner:  parts[0],
		RepoName:   parts[1],
		RepoURL:    payload.Project.GitHTTPURL,
		Actor:      payload.User.Username,
		Timestamp:  time.Now(),
		RawPayload: glEvent.RawPayload,
	}

	switch payload.ObjectKind {
	case "merge_request":
		ev.PRNumber = payload.ObjectAttributes.IID
		ev.HeadBranch = payload.ObjectAttributes.SourceBranch
		ev.BaseBranch = payload.ObjectAttributes.TargetBranch
		ev.HeadSHA = payload.MergeRequest.LastCommit.ID

		switch payload.ObjectAttributes.Action {
		case "open", "reopen":
			ev.Type = TypePROpened
		case "close", "merge":
			ev.Type = TypePRClosed
		case "update":
			ev.Type = TypePRSynchronize
		default:
			return nil, fmt.Errorf("unhandled merge_request action: %s", payload.ObjectAttributes.Action)
		}

	case "note":
		if payload.ObjectAttributes.NoteableType != "MergeRequest" {
			return nil, fmt.Errorf("note on non-MR not supported")
		}
		ev.Type = TypeComment
		ev.PRNumber = payload.MergeRequest.IID
		ev.CommentBody = payload.ObjectAttributes.Note
		ev.CommentAuthor = payload.User.Username

	case "merge_request_approval", "approval":
		ev.Type = TypeReview
		ev.PRNumber = payload.MergeRequest.IID

	case "pipeline":
		ev.Type = TypeStatus
		ev.StatusSHA = payload.CommitSHA

	case "push":
		ev.Type = TypePush
		ev.PushedBranch = strings.TrimPrefix(payload.Ref, "refs/heads/")

	default:
		return nil, fmt.Errorf("unhandled object_kind: %s", payload.ObjectKind)
	}

	return ev, nil
}
