package config

import (
	"context"
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"
)

// ErrConfigNotFound indicates the repo config file doesn't exist.
var ErrConfigNotFound = errors.New("config not found")

// RepoConfig represents repository-level merge queue configuration, read
// from .mergequeue/config.yaml at the tip of the target branch.
type RepoConfig struct {
	// AllowedBranches lists the target branches the queue will accept
	// requests against. An empty list means every branch is allowed.
	AllowedBranches []string `yaml:"allowed_branches"`
	// Strategy names the merge construction strategy (see internal/construct):
	// "merge", "octopus", "squash", "batch-squash", "cherry-pick", or
	// "fast-forward".
	Strategy string `yaml:"strategy"`
	// RequiredStatuses lists the status/check contexts that must report
	// success on a PR's head commit before it is admitted, and on a batch's
	// staging commit before the batch is completed.
	RequiredStatuses []string `yaml:"required_statuses"`
	// UseCheckRuns additionally requires GitHub Checks API check runs (not
	// just legacy commit statuses) to be green.
	UseCheckRuns bool `yaml:"use_check_runs"`
	// PriorityLabels orders PR labels from highest to lowest priority for
	// admission ordering within a repo's queue. A PR with no matching label
	// sorts below every labeled PR.
	PriorityLabels []string `yaml:"priority_labels"`
	// CommandTrigger overrides the server-wide bot command trigger for this
	// repo.
	CommandTrigger string `yaml:"command_trigger"`
	// MaxBatchSize caps how many PRs the controller will fold into a single
	// batch admission. Zero means unbounded.
	MaxBatchSize int `yaml:"max_batch_size"`
}

// FileReader reads files from a repository at a given ref.
type FileReader interface {
	ReadFile(ctx context.Context, owner, repo, path, ref string) ([]byte, error)
}

// LoadRepoConfig loads the repo config from .mergequeue/config.yaml.
func LoadRepoConfig(ctx context.Context, reader FileReader, owner, repo, ref string) (*RepoConfig, error) {
	data, err := reader.ReadFile(ctx, owner, repo, ".mergequeue/config.yaml", ref)
	if errors.Is(err, ErrConfigNotFound) {
		return &RepoConfig{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading repo config: %w", err)
	}

	var cfg RepoConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing repo config: %w", err)
	}

	return &cfg, nil
}
