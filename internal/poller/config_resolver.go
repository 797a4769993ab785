package poller

import (
	"context"

	"github.com/drewdunne/mergequeue/internal/config"
	"github.com/drewdunne/mergequeue/internal/controller"
	"github.com/drewdunne/mergequeue/internal/store"
)

// prStateSearchOrder is the order in which targetBranch looks through a
// repo's PR rows; a repo with any row in one of these states has a target
// branch we can resolve config against.
var prStateSearchOrder = []store.PRState{
	store.PRQueued,
	store.PRMerging,
	store.PRSplit,
	store.PRRequested,
}

// ConfigResolver implements controller.ConfigResolver for the poller, which
// has no webhook payload to read a branch name from. It learns the repo's
// target branch from whatever PR rows the repo currently has queued, then
// resolves .mergequeue/config.yaml at that branch's tip the same way the
// event router does. A repo with no PR rows at all falls back to
// server-only defaults - Poll still needs to run its timeout/recovery pass
// even when the queue is momentarily empty.
type ConfigResolver struct {
	serverCfg *config.Config
	clients   controller.ClientResolver
	store     store.Store
}

// NewConfigResolver creates a ConfigResolver.
func NewConfigResolver(serverCfg *config.Config, clients controller.ClientResolver, st store.Store) *ConfigResolver {
	return &ConfigResolver{serverCfg: serverCfg, clients: clients, store: st}
}

// MergedConfig resolves the merged server+repo configuration for key.
func (r *ConfigResolver) MergedConfig(ctx context.Context, key controller.RepoKey) (*config.MergedConfig, error) {
	repoCfg := &config.RepoConfig{}

	branch, err := r.targetBranch(ctx, key)
	if err == nil && branch != "" {
		if client := r.clients.Get(key.Provider); client != nil {
			if reader, ok := client.(config.FileReader); ok {
				if loaded, err := config.LoadRepoConfig(ctx, reader, key.Owner, key.Repo, branch); err == nil {
					repoCfg = loaded
				}
			}
		}
	}

	return config.MergeConfigs(r.serverCfg, repoCfg), nil
}

func (r *ConfigResolver) targetBranch(ctx context.Context, key controller.RepoKey) (string, error) {
	for _, state := range prStateSearchOrder {
		prs, err := r.store.ListPRsInRepo(ctx, key.Owner, key.Repo, state)
		if err != nil {
			return "", err
		}
		if len(prs) > 0 {
			return prs[0].TargetBranch, nil
		}
	}
	return "", nil
}
