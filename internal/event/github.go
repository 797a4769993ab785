package event

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/drewdunne/mergequeue/internal/webhook"
)

// gitHubPayload covers the union of fields used across the handful of
// GitHub webhook event types this router normalizes.
type gitHubPayload struct {
	Action      string `json:"action"`
	Number      int    `json:"number"`
	PullRequest struct {
		Number int `json:"number"`
		Head   struct {
			Ref string `json:"ref"`
			SHA string `json:"sha"`
		} `json:"head"`
		Base struct {
			Ref string `json:"ref"`
		} `json:"base"`
	} `json:"pull_request"`
	Issue struct {
		Number int `json:"number"`
	} `json:"issue"`
	Comment struct {
		Body string `json:"body"`
		User struct {
			Login string `json:"login"`
		} `json:"user"`
	} `json:"comment"`
	Review struct {
		State string `json:"state"`
	} `json:"review"`
	CheckRun struct {
		HeadSHA string `json:"head_sha"`
	} `json:"check_run"`
	CheckSuite struct {
		HeadSHA string `json:"head_sha"`
	} `json:"check_suite"`
	SHA        string `json:"sha"`
	Ref        string `json:"ref"`
	Repository struct {
		FullName string `json:"full_name"`
		CloneURL string `json:"clone_url"`
	} `json:"repository"`
	Sender struct {
		Login string `json:"login"`
	} `json:"sender"`
}

// NormalizeGitHubEvent converts a raw GitHub webhook delivery into a
// normalized Event, per §6's webhook vocabulary.
func NormalizeGitHubEvent(ghEvent *webhook.GitHubEvent) (*Event, error) {
	var payload gitHubPayload
	if err := json.Unmarshal(ghEvent.RawPayload, &payload); err != nil {
		return nil, fmt.Errorf("parsing payload: %w", err)
	}

	parts := strings.SplitN(payload.Repository.FullName, "/", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("invalid repository full_name: %s", payload.Repository.FullName)
	}

	ev := &Event{
		Provider:   "github",
		RepoOwner:  parts[0],
		RepoName:   parts[1],
		RepoURL:    payload.Repository.CloneURL,
		Actor:      payload.Sender.Login,
		Timestamp:  time.Now(),
		RawPayload: ghEvent.RawPayload,
	}

	switch ghEvent.EventType {
	case "pull_request":
		ev.PRNumber = payload.Number
		ev.HeadSHA = payload.PullRequest.Head.SHA
		ev.HeadBranch = payload.PullRequest.Head.Ref
		ev.BaseBranch = payload.PullRequest.Base.Ref

		switch payload.Action {
		case "opened", "reopened", "ready_for_review":
			ev.Type = TypePROpened
		case "closed":
			ev.Type = TypePRClosed
		case "synchronize":
			ev.Type = TypePRSynchronize
		default:
			return nil, fmt.Errorf("unhandled pull_request action: %s", payload.Action)
		}

	case "issue_comment":
		ev.Type = TypeComment
		ev.PRNumber = payload.Issue.Number
		ev.CommentBody = payload.Comment.Body
		ev.CommentAuthor = payload.Comment.User.Login

	case "pull_request_review":
		ev.Type = TypeReview
		ev.PRNumber = payload.PullRequest.Number

	case "status":
		ev.Type = TypeStatus
		ev.StatusSHA = payload.SHA

	case "check_run":
		ev.Type = TypeStatus
		ev.StatusSHA = payload.CheckRun.HeadSHA

	case "check_suite":
		ev.Type = TypeStatus
		ev.StatusSHA = payload.CheckSuite.HeadSHA

	case "push":
		ev.Type = TypePush
		ev.PushedBranch = strings.TrimPrefix(payload.Ref, "refs/heads/")

	default:
		return nil, fmt.Errorf("unhandled event type: %s", ghEvent.EventType)
	}

	return ev, nil
}
