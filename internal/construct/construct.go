// Package construct implements the merge constructor (§4.2): the single
// abstract operation the controller calls to turn a target-branch tip and
// an ordered batch of PRs into either a staging commit or a list of
// conflicting PRs. The six named strategies are private variants behind
// one dispatch point; the controller never sees strategy-specific types.
package construct

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/drewdunne/mergequeue/internal/forge"
)

// Strategy names one of the six merge construction strategies.
type Strategy string

const (
	Merge       Strategy = "merge"
	Octopus     Strategy = "octopus"
	Squash      Strategy = "squash"
	BatchSquash Strategy = "batch-squash"
	CherryPick  Strategy = "cherry-pick"
	FastForward Strategy = "fast-forward"
)

// ParseStrategy validates a configured strategy name.
func ParseStrategy(name string) (Strategy, error) {
	switch Strategy(name) {
	case Merge, Octopus, Squash, BatchSquash, CherryPick, FastForward:
		return Strategy(name), nil
	default:
		return "", fmt.Errorf("unknown merge strategy %q", name)
	}
}

// PRHead is one PR's contribution to a batch: its number (for reporting
// conflicts) and the head commit to fold in.
type PRHead struct {
	Number  int
	HeadSHA string
}

// Outcome is the constructor's result. Exactly one of StagingSHA and
// Conflicts is set.
type Outcome struct {
	StagingSHA string
	Conflicts  []int
}

// Conflicted reports whether any PR in the batch conflicted.
func (o Outcome) Conflicted() bool { return len(o.Conflicts) > 0 }

// Construct is the abstract operation of §4.2:
// construct(base_sha, [(pr, head_sha)], strategy) -> Ok(staging_sha) | Conflict([pr_ids]).
// It never touches the protected target branch; callers are responsible
// for writing Outcome.StagingSHA to their own staging ref.
func Construct(ctx context.Context, client forge.Client, owner, repo, baseSHA string, batch []PRHead, strategy Strategy) (Outcome, error) {
	if len(batch) == 0 {
		return Outcome{}, fmt.Errorf("construct: empty batch")
	}

	switch strategy {
	case FastForward:
		return fastForward(ctx, client, owner, repo, baseSHA, batch)
	case CherryPick:
		return cherryPick(ctx, client, owner, repo, baseSHA, batch)
	case Merge:
		return withTempBranch(ctx, client, owner, repo, baseSHA, func(tempBranch string) (Outcome, error) {
			conflicts, tip, err := foldSequential(ctx, client, owner, repo, tempBranch, batch)
			if err != nil {
				return Outcome{}, err
			}
			if len(conflicts) > 0 {
				return Outcome{Conflicts: conflicts}, nil
			}
			return Outcome{StagingSHA: tip}, nil
		})
	case Octopus:
		return withTempBranch(ctx, client, owner, repo, baseSHA, func(tempBranch string) (Outcome, error) {
			return octopus(ctx, client, owner, repo, tempBranch, batch)
		})
	case Squash:
		return withTempBranch(ctx, client, owner, repo, baseSHA, func(tempBranch string) (Outcome, error) {
			return squash(ctx, client, owner, repo, baseSHA, tempBranch, batch)
		})
	case BatchSquash:
		return withTempBranch(ctx, client, owner, repo, baseSHA, func(tempBranch string) (Outcome, error) {
			return batchSquash(ctx, client, owner, repo, baseSHA, tempBranch, batch)
		})
	default:
		return Outcome{}, fmt.Errorf("construct: unknown strategy %q", strategy)
	}
}

// withTempBranch creates a scratch branch at baseSHA, runs fn against it,
// and deletes it on every exit path - conflict, error, or success - since
// the result (if any) is reported back as a bare commit SHA, not the
// branch itself (§5: "temp branches ... deleted on all exit paths").
func withTempBranch(ctx context.Context, client forge.Client, owner, repo, baseSHA string, fn func(tempBranch string) (Outcome, error)) (Outcome, error) {
	tempBranch := "mergequeue-temp-" + uuid.NewString()
	if err := client.CreateRef(ctx, owner, repo, tempBranch, baseSHA); err != nil {
		return Outcome{}, fmt.Errorf("creating temp branch: %w", err)
	}
	defer client.DeleteRef(ctx, owner, repo, tempBranch)

	return fn(tempBranch)
}

// foldSequential merges each PR's head into tempBranch in order, recording
// every conflicting PR rather than stopping at the first one, and returns
// the resulting tip when every PR merged cleanly.
func foldSequential(ctx context.Context, client forge.Client, owner, repo, tempBranch string, batch []PRHead) ([]int, string, error) {
	var conflicts []int
	tip := ""
	for _, pr := range batch {
		outcome, err := client.MergeBranch(ctx, owner, repo, tempBranch, pr.HeadSHA, fmt.Sprintf("merge PR #%d", pr.Number))
		if err != nil {
			return nil, "", fmt.Errorf("merging PR #%d: %w", pr.Number, err)
		}
		if outcome.Conflict {
			conflicts = append(conflicts, pr.Number)
			continue
		}
		tip = outcome.SHA
	}
	return conflicts, tip, nil
}

func octopus(ctx context.Context, client forge.Client, owner, repo, tempBranch string, batch []PRHead) (Outcome, error) {
	conflicts, tip, err := foldSequential(ctx, client, owner, repo, tempBranch, batch)
	if err != nil {
		return Outcome{}, err
	}
	if len(conflicts) > 0 {
		return Outcome{Conflicts: conflicts}, nil
	}

	tree, err := client.GetTreeSHA(ctx, owner, repo, tip)
	if err != nil {
		return Outcome{}, fmt.Errorf("reading temp tip tree: %w", err)
	}
	parents := make([]string, len(batch))
	for i, pr := range batch {
		parents[i] = pr.HeadSHA
	}
	final, err := client.CreateCommit(ctx, owner, repo, tree, parents, octopusMessage(batch))
	if err != nil {
		return Outcome{}, fmt.Errorf("synthesizing octopus commit: %w", err)
	}
	return Outcome{StagingSHA: final}, nil
}

func squash(ctx context.Context, client forge.Client, owner, repo, baseSHA, tempBranch string, batch []PRHead) (Outcome, error) {
	var conflicts []int
	rollingTip := baseSHA
	for _, pr := range batch {
		outcome, err := client.MergeBranch(ctx, owner, repo, tempBranch, pr.HeadSHA, fmt.Sprintf("merge PR #%d", pr.Number))
		if err != nil {
			return Outcome{}, fmt.Errorf("merging PR #%d: %w", pr.Number, err)
		}
		if outcome.Conflict {
			conflicts = append(conflicts, pr.Number)
			continue
		}

		tree, err := client.GetTreeSHA(ctx, owner, repo, outcome.SHA)
		if err != nil {
			return Outcome{}, fmt.Errorf("reading merge tree for PR #%d: %w", pr.Number, err)
		}
		squashed, err := client.CreateCommit(ctx, owner, repo, tree, []string{rollingTip}, fmt.Sprintf("squash PR #%d", pr.Number))
		if err != nil {
			return Outcome{}, fmt.Errorf("synthesizing squash commit for PR #%d: %w", pr.Number, err)
		}
		if err := client.UpdateRef(ctx, owner, repo, tempBranch, squashed); err != nil {
			return Outcome{}, fmt.Errorf("advancing temp branch to squashed commit: %w", err)
		}
		rollingTip = squashed
	}

	if len(conflicts) > 0 {
		return Outcome{Conflicts: conflicts}, nil
	}
	return Outcome{StagingSHA: rollingTip}, nil
}

func batchSquash(ctx context.Context, client forge.Client, owner, repo, baseSHA, tempBranch string, batch []PRHead) (Outcome, error) {
	conflicts, tip, err := foldSequential(ctx, client, owner, repo, tempBranch, batch)
	if err != nil {
		return Outcome{}, err
	}
	if len(conflicts) > 0 {
		return Outcome{Conflicts: conflicts}, nil
	}

	tree, err := client.GetTreeSHA(ctx, owner, repo, tip)
	if err != nil {
		return Outcome{}, fmt.Errorf("reading temp tip tree: %w", err)
	}
	final, err := client.CreateCommit(ctx, owner, repo, tree, []string{baseSHA}, batchSquashMessage(batch))
	if err != nil {
		return Outcome{}, fmt.Errorf("synthesizing batch-squash commit: %w", err)
	}
	return Outcome{StagingSHA: final}, nil
}

// cherryPick replays each PR's feature commits directly on top of the
// rolling tip, rather than merging; it does not use a temp branch because
// forge.Client.CherryPickCommit manages its own scratch state.
func cherryPick(ctx context.Context, client forge.Client, owner, repo, baseSHA string, batch []PRHead) (Outcome, error) {
	var conflicts []int
	rollingTip := baseSHA

	for _, pr := range batch {
		cmp, err := client.CompareCommits(ctx, owner, repo, baseSHA, pr.HeadSHA)
		if err != nil {
			return Outcome{}, fmt.Errorf("comparing PR #%d against base: %w", pr.Number, err)
		}

		if containsMergeCommit(cmp.Commits) {
			conflicts = append(conflicts, pr.Number)
			continue
		}

		newTip, conflicted, err := replayCommits(ctx, client, owner, repo, rollingTip, cmp.Commits)
		if err != nil {
			return Outcome{}, fmt.Errorf("replaying PR #%d: %w", pr.Number, err)
		}
		if conflicted {
			conflicts = append(conflicts, pr.Number)
			continue
		}
		rollingTip = newTip
	}

	if len(conflicts) > 0 {
		return Outcome{Conflicts: conflicts}, nil
	}
	return Outcome{StagingSHA: rollingTip}, nil
}

func replayCommits(ctx context.Context, client forge.Client, owner, repo, ontoSHA string, commits []forge.Commit) (string, bool, error) {
	tip := ontoSHA
	for _, c := range commits {
		outcome, err := client.CherryPickCommit(ctx, owner, repo, c.SHA, tip)
		if err != nil {
			return "", false, err
		}
		if outcome.Conflict {
			return "", true, nil
		}
		tip = outcome.SHA
	}
	return tip, false, nil
}

func containsMergeCommit(commits []forge.Commit) bool {
	for _, c := range commits {
		if c.IsMerge {
			return true
		}
	}
	return false
}

// fastForward is permitted only for a single-PR batch whose head is
// already a descendant of base; any other shape is reported as a conflict
// so the controller falls back to normal bisection handling.
func fastForward(ctx context.Context, client forge.Client, owner, repo, baseSHA string, batch []PRHead) (Outcome, error) {
	if len(batch) != 1 {
		conflicts := make([]int, len(batch))
		for i, pr := range batch {
			conflicts[i] = pr.Number
		}
		return Outcome{Conflicts: conflicts}, nil
	}

	pr := batch[0]
	ok, err := client.IsAncestor(ctx, owner, repo, baseSHA, pr.HeadSHA)
	if err != nil {
		return Outcome{}, fmt.Errorf("checking fast-forward ancestry for PR #%d: %w", pr.Number, err)
	}
	if !ok {
		return Outcome{Conflicts: []int{pr.Number}}, nil
	}
	return Outcome{StagingSHA: pr.HeadSHA}, nil
}

func octopusMessage(batch []PRHead) string {
	return fmt.Sprintf("Octopus merge of %d pull requests", len(batch))
}

func batchSquashMessage(batch []PRHead) string {
	return fmt.Sprintf("Batch squash of %d pull requests", len(batch))
}
