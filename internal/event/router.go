package event

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/drewdunne/mergequeue/internal/command"
	"github.com/drewdunne/mergequeue/internal/config"
	"github.com/drewdunne/mergequeue/internal/controller"
	"github.com/drewdunne/mergequeue/internal/forge"
	"github.com/drewdunne/mergequeue/internal/store"
)

// redeliveryWindow debounces a webhook redelivered by the forge within a
// short window - distinct from config.QueueConfig.DebounceWindow, which
// governs batch admission inside the Controller itself.
const redeliveryWindow = 5 * time.Second

// Router normalizes webhook-derived events into Controller calls. It reads
// the store to disambiguate events that name a SHA or branch rather than a
// PR number (status, push), but per §5 never writes to it directly - every
// mutation goes through the Controller.
type Router struct {
	serverCfg *config.Config
	ctrl      *controller.Controller
	clients   controller.ClientResolver
	store     store.Store
	debouncer *Debouncer
}

// NewRouter creates a Router wired to the given Controller, client registry,
// and store.
func NewRouter(serverCfg *config.Config, ctrl *controller.Controller, clients controller.ClientResolver, st store.Store) *Router {
	return &Router{
		serverCfg: serverCfg,
		ctrl:      ctrl,
		clients:   clients,
		store:     st,
		debouncer: NewDebouncer(redeliveryWindow),
	}
}

// Route dispatches a normalized event to the appropriate Controller entry
// point, per §6's webhook-to-operation mapping.
func (r *Router) Route(ctx context.Context, ev *Event) error {
	if !r.debouncer.ShouldProcess(ev) {
		log.Printf("event debounced: %s", ev.Key())
		return nil
	}

	client := r.clients.Get(ev.Provider)
	if client == nil {
		return fmt.Errorf("no client registered for provider %q", ev.Provider)
	}
	key := controller.RepoKey{Provider: ev.Provider, Owner: ev.RepoOwner, Repo: ev.RepoName}

	switch ev.Type {
	case TypePROpened:
		// opened/reopened/ready_for_review carries no Request trigger on its
		// own - the PR enters the queue only via an explicit merge command
		// or approval (TypeComment, TypeReview).
		return nil
	case TypePRClosed:
		cfg := r.mergedConfig(ctx, client, key, ev.BaseBranch)
		return r.ctrl.Cancel(ctx, client, cfg, key, ev.PRNumber, "pull request closed")
	case TypePRSynchronize:
		return r.handleSynchronize(ctx, client, key, ev)
	case TypeComment:
		return r.handleComment(ctx, client, key, ev)
	case TypeReview:
		cfg := r.mergedConfig(ctx, client, key, ev.BaseBranch)
		return r.ctrl.Initiate(ctx, client, cfg, key, ev.PRNumber)
	case TypeStatus:
		return r.handleStatus(ctx, client, key, ev)
	case TypePush:
		return r.handlePush(ctx, client, key, ev)
	default:
		return fmt.Errorf("unhandled event type: %s", ev.Type)
	}
}

// handleSynchronize implements I5: a push to a REQUESTED PR's branch just
// means a later Initiate will see the fresh head; a push to a
// QUEUED/MERGING/SPLIT PR invalidates its frozen commit_hash and cancels it.
func (r *Router) handleSynchronize(ctx context.Context, client forge.Client, key controller.RepoKey, ev *Event) error {
	pr, err := r.store.GetPR(ctx, key.Owner, key.Repo, ev.PRNumber)
	if err != nil {
		if err == store.ErrNotFound {
			return nil
		}
		return err
	}
	if pr.State == store.PRRequested {
		return nil
	}
	cfg := r.mergedConfig(ctx, client, key, pr.TargetBranch)
	return r.ctrl.Cancel(ctx, client, cfg, key, ev.PRNumber, "head branch updated while queued")
}

func (r *Router) handleComment(ctx context.Context, client forge.Client, key controller.RepoKey, ev *Event) error {
	pr, err := client.GetPullRequest(ctx, key.Owner, key.Repo, ev.PRNumber)
	if err != nil {
		return fmt.Errorf("fetching pull request for comment: %w", err)
	}
	cfg := r.mergedConfig(ctx, client, key, pr.BaseBranch)

	switch command.Parse(cfg.CommandTrigger, ev.CommentBody) {
	case command.Merge:
		state, err := r.ctrl.Request(ctx, client, cfg, key, ev.PRNumber)
		if err != nil {
			if uerr, ok := err.(*controller.UserError); ok {
				return client.PostComment(ctx, key.Owner, key.Repo, ev.PRNumber, uerr.Message)
			}
			return err
		}
		if state == "" {
			// a transient forge error abandoned the command; nothing was
			// recorded, so stay silent rather than mislead the author.
			return nil
		}
		msg := "queued for merge"
		if state == store.PRRequested {
			msg = "recorded; waiting on review and status checks before queueing"
		}
		return client.PostComment(ctx, key.Owner, key.Repo, ev.PRNumber, msg)
	case command.Cancel:
		return r.ctrl.Cancel(ctx, client, cfg, key, ev.PRNumber, "cancelled by comment command")
	default:
		return nil
	}
}

// handleStatus disambiguates a status/check webhook by comparing its
// commit SHA against REQUESTED PR heads (→ Initiate) and the repo's active
// attempt's staging tip (→ Test). A SHA matching neither is ignored.
func (r *Router) handleStatus(ctx context.Context, client forge.Client, key controller.RepoKey, ev *Event) error {
	requested, err := r.store.ListPRsInRepo(ctx, key.Owner, key.Repo, store.PRRequested)
	if err != nil {
		return err
	}
	for _, pr := range requested {
		if pr.CommitHash == ev.StatusSHA {
			cfg := r.mergedConfig(ctx, client, key, pr.TargetBranch)
			return r.ctrl.Initiate(ctx, client, cfg, key, pr.Number)
		}
	}

	attempt, err := r.store.GetActiveAttempt(ctx, key.Owner, key.Repo)
	if err != nil {
		if err == store.ErrNotFound {
			return nil
		}
		return err
	}
	tip, err := client.GetRef(ctx, key.Owner, key.Repo, attempt.StagingBranch())
	if err != nil || tip != ev.StatusSHA {
		return nil
	}
	cfg := r.mergedConfig(ctx, client, key, "")
	return r.ctrl.Test(ctx, client, cfg, key, attempt.StagingBranch())
}

// handlePush implements §6's "push → Cancel when the pushed ref is a
// queued PR's head branch".
func (r *Router) handlePush(ctx context.Context, client forge.Client, key controller.RepoKey, ev *Event) error {
	pr, err := r.store.FindPRByHeadBranch(ctx, key.Owner, key.Repo, ev.PushedBranch)
	if err != nil {
		if err == store.ErrNotFound {
			return nil
		}
		return err
	}
	if pr.State == store.PRRequested {
		return nil
	}
	cfg := r.mergedConfig(ctx, client, key, pr.TargetBranch)
	return r.ctrl.Cancel(ctx, client, cfg, key, pr.Number, "head branch pushed while queued")
}

// mergedConfig loads the repo's .mergequeue/config.yaml at ref (if the
// client can read files and ref is known) and merges it over server
// defaults. A load failure or unknown ref falls back to server-only
// defaults rather than failing the event.
func (r *Router) mergedConfig(ctx context.Context, client forge.Client, key controller.RepoKey, ref string) *config.MergedConfig {
	repoCfg := &config.RepoConfig{}
	if reader, ok := client.(config.FileReader); ok && ref != "" {
		loaded, err := config.LoadRepoConfig(ctx, reader, key.Owner, key.Repo, ref)
		if err != nil {
			log.Printf("loading repo config for %s@%s: %v", key, ref, err)
		} else {
			repoCfg = loaded
		}
	}
	return config.MergeConfigs(r.serverCfg, repoCfg)
}
