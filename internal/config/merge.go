package config

import "time"

// MergedConfig represents the final merged server+repo configuration the
// controller acts on for a single repository.
type MergedConfig struct {
	AllowedBranches  []string
	Strategy         string
	RequiredStatuses []string
	UseCheckRuns     bool
	PriorityLabels   []string
	CommandTrigger   string
	MaxBatchSize     int
	DebounceWindow   time.Duration
}

// MergeConfigs merges server config with repo config. Repo config values
// take precedence over server defaults wherever the repo sets them.
func MergeConfigs(server *Config, repo *RepoConfig) *MergedConfig {
	merged := &MergedConfig{
		AllowedBranches:  repo.AllowedBranches,
		Strategy:         coalesce(repo.Strategy, "merge"),
		RequiredStatuses: repo.RequiredStatuses,
		UseCheckRuns:     repo.UseCheckRuns,
		PriorityLabels:   repo.PriorityLabels,
		CommandTrigger:   coalesce(repo.CommandTrigger, server.Command.Trigger),
		MaxBatchSize:     repo.MaxBatchSize,
		DebounceWindow:   server.Queue.DebounceWindow(),
	}

	return merged
}

func coalesce(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
