// Package controller implements the merge-queue state machine (§4.3):
// Request, Initiate, Construct, Test, Complete, Cancel, and Poll. It owns
// every store.Store write and is the only caller of internal/construct and
// internal/readiness.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/drewdunne/mergequeue/internal/config"
	"github.com/drewdunne/mergequeue/internal/construct"
	"github.com/drewdunne/mergequeue/internal/forge"
	"github.com/drewdunne/mergequeue/internal/logging"
	"github.com/drewdunne/mergequeue/internal/metrics"
	"github.com/drewdunne/mergequeue/internal/readiness"
	"github.com/drewdunne/mergequeue/internal/store"
)

// UserError is surfaced back to the PR author rather than logged; it never
// represents a state change (§7's "user errors" category).
type UserError struct {
	Message string
}

func (e *UserError) Error() string { return e.Message }

// RepoKey scopes the per-(provider, owner, repo) serialization §5 requires:
// at most one Construct runs for a given repository at a time.
type RepoKey struct {
	Provider string
	Owner    string
	Repo     string
}

func (k RepoKey) String() string { return k.Provider + "/" + k.Owner + "/" + k.Repo }

// ClientResolver resolves a forge.Client by provider name, used only by
// Poll, which must act across every configured provider and repo.
type ClientResolver interface {
	Get(provider string) forge.Client
}

// ConfigResolver resolves the merged per-repo configuration, used only by
// Poll for the same reason.
type ConfigResolver interface {
	MergedConfig(ctx context.Context, key RepoKey) (*config.MergedConfig, error)
}

// Controller is the merge-queue state machine. It is safe for concurrent
// use: every admission/construction cycle is serialized per RepoKey via an
// in-process keyed mutex map (§5 "in-process keyed mutex map" option).
type Controller struct {
	store    store.Store
	auditLog *logging.Writer

	mu    sync.Mutex
	locks map[RepoKey]*sync.Mutex
}

// New returns a Controller writing through s.
func New(s store.Store) *Controller {
	return &Controller{store: s, locks: make(map[RepoKey]*sync.Mutex)}
}

// WithAuditLog attaches a log writer that records one file per
// (repo, PR, lifecycle event) under its base directory. Audit logging is
// best-effort: a write failure is logged and otherwise ignored, it never
// fails the underlying state transition.
func (c *Controller) WithAuditLog(w *logging.Writer) *Controller {
	c.auditLog = w
	return c
}

func (c *Controller) audit(owner, repo string, number int, eventType, attemptID, body string) {
	if c.auditLog == nil {
		return
	}
	path, err := c.auditLog.Create(logging.LogEntry{
		AttemptID: attemptID,
		RepoOwner: owner,
		RepoName:  repo,
		PRNumber:  number,
		EventType: eventType,
		Timestamp: time.Now(),
	})
	if err != nil {
		log.Printf("creating audit log for %s/%s#%d: %v", owner, repo, number, err)
		return
	}
	if err := c.auditLog.Append(path, []byte(body+"\n")); err != nil {
		log.Printf("writing audit log for %s/%s#%d: %v", owner, repo, number, err)
	}
}

func (c *Controller) repoLock(key RepoKey) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[key]
	if !ok {
		l = &sync.Mutex{}
		c.locks[key] = l
	}
	return l
}

func readinessConfig(cfg *config.MergedConfig) readiness.Config {
	return readiness.Config{AllowedBranches: cfg.AllowedBranches, RequiredStatuses: cfg.RequiredStatuses}
}

// Request handles a merge command (§4.3.1). Returns the PR's resulting
// queue state, or a *UserError if the command cannot be honored.
func (c *Controller) Request(ctx context.Context, client forge.Client, cfg *config.MergedConfig, key RepoKey, number int) (store.PRState, error) {
	if _, err := c.store.GetPR(ctx, key.Owner, key.Repo, number); err == nil {
		return "", &UserError{Message: fmt.Sprintf("PR #%d is already queued", number)}
	} else if err != store.ErrNotFound {
		return "", err
	}

	pr, err := client.GetPullRequest(ctx, key.Owner, key.Repo, number)
	if err != nil {
		if forge.IsTransientError(err) {
			log.Printf("transient error fetching pull request %s#%d; command abandoned, ask again: %v", key, number, err)
			return "", nil
		}
		return "", &UserError{Message: fmt.Sprintf("could not fetch pull request #%d: %v", number, err)}
	}

	res, err := readiness.Evaluate(ctx, client, readinessConfig(cfg), key.Owner, key.Repo, pr, pr.HeadSHA)
	if err != nil {
		if forge.IsTransientError(err) {
			log.Printf("transient error evaluating readiness for %s#%d; command abandoned, ask again: %v", key, number, err)
			return "", nil
		}
		return "", &UserError{Message: fmt.Sprintf("could not evaluate readiness for pull request #%d: %v", number, err)}
	}
	switch res.Classification {
	case readiness.Closed:
		return "", &UserError{Message: fmt.Sprintf("PR #%d is closed", number)}
	case readiness.BranchNotAllowed:
		return "", &UserError{Message: fmt.Sprintf("base branch %q is not allow-listed", pr.BaseBranch)}
	}

	state := store.PRRequested
	if res.Ready() {
		state = store.PRQueued
	}

	row := store.PullRequest{
		Provider:     key.Provider,
		Owner:        key.Owner,
		Repo:         key.Repo,
		Number:       number,
		CommitHash:   pr.HeadSHA,
		HeadBranch:   pr.HeadBranch,
		TargetBranch: pr.BaseBranch,
		State:        state,
		Timestamp:    time.Now(),
		Priority:     priorityBucket(cfg.PriorityLabels, pr.Labels),
	}
	if err := c.store.CreatePR(ctx, row); err != nil {
		return "", err
	}

	if state == store.PRQueued {
		metrics.PRQueued()
		if err := c.Construct(ctx, client, cfg, key); err != nil {
			log.Printf("construct after request %s#%d: %v", key, number, err)
		}
	} else {
		metrics.PRRequested()
	}
	return state, nil
}

// Initiate re-evaluates a REQUESTED PR after a review/status webhook
// (§4.3.2). No-op for any other state.
func (c *Controller) Initiate(ctx context.Context, client forge.Client, cfg *config.MergedConfig, key RepoKey, number int) error {
	pr, err := c.store.GetPR(ctx, key.Owner, key.Repo, number)
	if err != nil {
		if err == store.ErrNotFound {
			return nil
		}
		return err
	}
	if pr.State != store.PRRequested {
		return nil
	}

	fpr, err := client.GetPullRequest(ctx, key.Owner, key.Repo, number)
	if err != nil {
		if forge.IsTransientError(err) {
			log.Printf("transient error fetching pull request %s#%d; leaving REQUESTED for the next poll: %v", key, number, err)
			return nil
		}
		return fmt.Errorf("fetching pull request: %w", err)
	}

	if fpr.HeadSHA != pr.CommitHash {
		if err := c.store.DeletePR(ctx, key.Owner, key.Repo, number); err != nil {
			return err
		}
		return client.PostComment(ctx, key.Owner, key.Repo, number,
			"head moved while awaiting review/status; please re-request the merge")
	}

	res, err := readiness.Evaluate(ctx, client, readinessConfig(cfg), key.Owner, key.Repo, fpr, pr.CommitHash)
	if err != nil {
		if forge.IsTransientError(err) {
			log.Printf("transient error evaluating readiness for %s#%d; leaving REQUESTED for the next poll: %v", key, number, err)
			return nil
		}
		return fmt.Errorf("evaluating readiness: %w", err)
	}
	if !res.Ready() {
		return nil
	}

	next := *pr
	next.State = store.PRQueued
	next.Timestamp = time.Now()
	if err := c.store.TransitionPR(ctx, key.Owner, key.Repo, number, store.PRRequested, next); err != nil {
		if err == store.ErrConflict {
			return nil
		}
		return err
	}
	metrics.PRQueued()
	return c.Construct(ctx, client, cfg, key)
}

// Construct is admission and batching (§4.3.3), serialized per repo.
func (c *Controller) Construct(ctx context.Context, client forge.Client, cfg *config.MergedConfig, key RepoKey) error {
	lock := c.repoLock(key)
	lock.Lock()
	defer lock.Unlock()

	if _, err := c.store.GetActiveAttempt(ctx, key.Owner, key.Repo); err == nil {
		return nil // I1: another attempt already in flight
	} else if err != store.ErrNotFound {
		return err
	}

	var attemptID string
	var batch []store.PullRequest

	for {
		split, err := c.store.GetOldestSplitAttempt(ctx, key.Owner, key.Repo)
		if err == store.ErrNotFound {
			break
		}
		if err != nil {
			return err
		}
		prs, err := c.store.ListPRsByAttempt(ctx, split.ID)
		if err != nil {
			return err
		}
		if len(prs) == 0 {
			if err := c.store.DeleteAttempt(ctx, split.ID); err != nil {
				return err
			}
			continue // I3: an empty SPLIT attempt is garbage; look for another
		}
		attemptID, batch = split.ID, prs
		break
	}

	if attemptID == "" {
		queued, err := c.store.ListPRsInRepo(ctx, key.Owner, key.Repo, store.PRQueued)
		if err != nil {
			return err
		}
		if len(queued) == 0 {
			return nil
		}
		branch := oldestBranchGroup(queued)
		bucket := highestPriorityBucket(filterByBranch(queued, branch))
		if cfg.MaxBatchSize > 0 && len(bucket) > cfg.MaxBatchSize {
			bucket = bucket[:cfg.MaxBatchSize]
		}
		if time.Since(bucket[0].Timestamp) < cfg.DebounceWindow {
			return nil
		}
		attemptID, batch = uuid.NewString(), bucket
	}

	attempt := store.MergeAttempt{
		ID: attemptID, Provider: key.Provider, Owner: key.Owner, Repo: key.Repo,
		State: store.AttemptConstructing, Timestamp: time.Now(),
	}
	keys := make([]store.PRKey, len(batch))
	heads := make([]construct.PRHead, len(batch))
	for i, pr := range batch {
		keys[i] = pr.Key()
		heads[i] = construct.PRHead{Number: pr.Number, HeadSHA: pr.CommitHash}
	}
	if err := c.store.AdmitBatch(ctx, attempt, keys); err != nil {
		return err
	}

	targetBranch := batch[0].TargetBranch
	baseSHA, err := client.GetRef(ctx, key.Owner, key.Repo, targetBranch)
	if err != nil {
		if forge.IsTransientError(err) {
			log.Printf("transient error reading target branch tip for %s; leaving attempt %s CONSTRUCTING for the next poll: %v", key, attempt.ID, err)
			return nil
		}
		return fmt.Errorf("reading target branch tip: %w", err)
	}

	strategy, err := construct.ParseStrategy(cfg.Strategy)
	if err != nil {
		return fmt.Errorf("resolving merge strategy: %w", err)
	}
	outcome, err := construct.Construct(ctx, client, key.Owner, key.Repo, baseSHA, heads, strategy)
	if err != nil {
		if forge.IsTransientError(err) {
			log.Printf("transient error constructing batch for attempt %s; leaving CONSTRUCTING for the next poll: %v", attempt.ID, err)
			return nil
		}
		return fmt.Errorf("constructing batch: %w", err)
	}

	if !outcome.Conflicted() {
		if err := c.promoteToTesting(ctx, client, attempt, outcome.StagingSHA); err != nil {
			return err
		}
		metrics.AttemptConstructed()
		for _, pr := range batch {
			c.audit(pr.Owner, pr.Repo, pr.Number, "constructed", attempt.ID,
				fmt.Sprintf("batch of %d PR(s) staged at %s via %s", len(batch), outcome.StagingSHA, cfg.Strategy))
		}
		return nil
	}
	return c.handleConstructConflict(ctx, client, attempt, batch, outcome.Conflicts)
}

func (c *Controller) promoteToTesting(ctx context.Context, client forge.Client, attempt store.MergeAttempt, stagingSHA string) error {
	stagingRef := attempt.StagingBranch()
	if err := client.CreateRef(ctx, attempt.Owner, attempt.Repo, stagingRef, stagingSHA); err != nil {
		if err := client.UpdateRef(ctx, attempt.Owner, attempt.Repo, stagingRef, stagingSHA); err != nil {
			if forge.IsTransientError(err) {
				log.Printf("transient error writing staging ref for attempt %s; leaving CONSTRUCTING for the next poll: %v", attempt.ID, err)
				return nil
			}
			return fmt.Errorf("writing staging ref: %w", err)
		}
	}
	if err := c.store.TransitionAttempt(ctx, attempt.ID, store.AttemptConstructing, store.AttemptTesting); err != nil {
		if err == store.ErrConflict {
			// a concurrent Cancel won; discard this construction.
			return client.DeleteRef(ctx, attempt.Owner, attempt.Repo, stagingRef)
		}
		return err
	}
	return nil
}

func (c *Controller) handleConstructConflict(ctx context.Context, client forge.Client, attempt store.MergeAttempt, batch []store.PullRequest, conflicts []int) error {
	if len(batch) == 1 {
		if err := c.store.RejectSinglePR(ctx, attempt.ID, batch[0].Key()); err != nil {
			return err
		}
		c.audit(attempt.Owner, attempt.Repo, batch[0].Number, "construct-conflict", attempt.ID,
			"could not be merged cleanly into the target branch; removed from the queue")
		return client.PostComment(ctx, attempt.Owner, attempt.Repo, batch[0].Number,
			"could not be merged cleanly into the target branch; removed from the queue")
	}

	conflictSet := make(map[int]bool, len(conflicts))
	for _, n := range conflicts {
		conflictSet[n] = true
	}
	conflictKeys := make([]store.PRKey, 0, len(conflicts))
	for _, pr := range batch {
		if conflictSet[pr.Number] {
			conflictKeys = append(conflictKeys, pr.Key())
		}
	}

	if _, err := c.store.SplitOnConstructConflict(ctx, attempt.ID, conflictKeys); err != nil {
		return err
	}
	metrics.AttemptSplit()
	for _, pr := range batch {
		if !conflictSet[pr.Number] {
			continue
		}
		c.audit(attempt.Owner, attempt.Repo, pr.Number, "construct-conflict", attempt.ID,
			"conflicts with another queued PR; split out to retry separately")
		if err := client.PostComment(ctx, attempt.Owner, attempt.Repo, pr.Number,
			"conflicts with another queued PR; split out to retry separately"); err != nil {
			log.Printf("posting conflict comment on %s/%s#%d: %v", attempt.Owner, attempt.Repo, pr.Number, err)
		}
	}
	return nil
}

// Test handles a CI status webhook on a staging commit (§4.3.4).
func (c *Controller) Test(ctx context.Context, client forge.Client, cfg *config.MergedConfig, key RepoKey, stagingBranch string) error {
	id := strings.TrimPrefix(stagingBranch, "staging-")
	attempt, err := c.store.GetAttempt(ctx, id)
	if err != nil {
		if err == store.ErrNotFound {
			return nil
		}
		return err
	}
	if attempt.State != store.AttemptTesting {
		return nil
	}

	sha, err := client.GetRef(ctx, key.Owner, key.Repo, stagingBranch)
	if err != nil {
		if forge.IsTransientError(err) {
			log.Printf("transient error reading staging ref %s; leaving attempt %s TESTING for the next poll: %v", stagingBranch, attempt.ID, err)
			return nil
		}
		return fmt.Errorf("reading staging ref: %w", err)
	}
	status, err := client.GetCombinedStatus(ctx, key.Owner, key.Repo, sha, cfg.RequiredStatuses)
	if err != nil {
		if forge.IsTransientError(err) {
			log.Printf("transient error reading combined status for %s; leaving attempt %s TESTING for the next poll: %v", sha, attempt.ID, err)
			return nil
		}
		return fmt.Errorf("reading combined status: %w", err)
	}

	switch status.State {
	case forge.StatusPending:
		return nil
	case forge.StatusSuccess:
		if err := c.store.TransitionAttempt(ctx, id, store.AttemptTesting, store.AttemptSuccess); err != nil {
			if err == store.ErrConflict {
				return nil
			}
			return err
		}
		return c.Complete(ctx, client, cfg, id)
	default:
		return c.handleTestFailure(ctx, client, key, attempt, stagingBranch)
	}
}

func (c *Controller) handleTestFailure(ctx context.Context, client forge.Client, key RepoKey, attempt *store.MergeAttempt, stagingBranch string) error {
	prs, err := c.store.ListPRsByAttempt(ctx, attempt.ID)
	if err != nil {
		return err
	}

	if len(prs) == 1 {
		if err := c.store.RejectSinglePR(ctx, attempt.ID, prs[0].Key()); err != nil {
			return err
		}
		if err := client.DeleteRef(ctx, key.Owner, key.Repo, stagingBranch); err != nil {
			log.Printf("deleting staging ref %s: %v", stagingBranch, err)
		}
		c.audit(key.Owner, key.Repo, prs[0].Number, "test-failed", attempt.ID, "required checks failed; removed from the queue")
		return client.PostComment(ctx, key.Owner, key.Repo, prs[0].Number, "required checks failed; removed from the queue")
	}

	mid := len(prs) / 2
	groupA, groupB := keysOf(prs[:mid]), keysOf(prs[mid:])
	if _, _, err := c.store.BisectOnTestFailure(ctx, attempt.ID, groupA, groupB); err != nil {
		return err
	}
	metrics.AttemptSplit()
	if err := client.DeleteRef(ctx, key.Owner, key.Repo, stagingBranch); err != nil {
		log.Printf("deleting staging ref %s: %v", stagingBranch, err)
	}
	for _, pr := range prs {
		c.audit(key.Owner, key.Repo, pr.Number, "test-failed", attempt.ID,
			"batch failed required checks; split into smaller groups to isolate the cause")
		if err := client.PostComment(ctx, key.Owner, key.Repo, pr.Number,
			"batch failed required checks; splitting into smaller groups to isolate the cause"); err != nil {
			log.Printf("posting bisection comment on %s/%s#%d: %v", key.Owner, key.Repo, pr.Number, err)
		}
	}
	return nil
}

// Complete fast-forwards the target branch to a SUCCESS attempt's staging
// commit (§4.3.5).
func (c *Controller) Complete(ctx context.Context, client forge.Client, cfg *config.MergedConfig, attemptID string) error {
	attempt, err := c.store.GetAttempt(ctx, attemptID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil
		}
		return err
	}
	if attempt.State != store.AttemptSuccess {
		return nil
	}

	prs, err := c.store.ListPRsByAttempt(ctx, attemptID)
	if err != nil {
		return err
	}
	if len(prs) == 0 {
		return c.store.DeleteAttempt(ctx, attemptID)
	}

	stagingRef := attempt.StagingBranch()
	stagingSHA, err := client.GetRef(ctx, attempt.Owner, attempt.Repo, stagingRef)
	if err != nil {
		if forge.IsTransientError(err) {
			log.Printf("transient error reading staging ref for attempt %s; leaving SUCCESS for the next poll: %v", attempt.ID, err)
			return nil
		}
		return fmt.Errorf("reading staging ref: %w", err)
	}

	key := RepoKey{Provider: attempt.Provider, Owner: attempt.Owner, Repo: attempt.Repo}
	targetBranch := prs[0].TargetBranch

	err = client.FastForwardRef(ctx, attempt.Owner, attempt.Repo, targetBranch, stagingSHA)
	if err != nil {
		if errors.Is(err, forge.ErrNotFastForward) {
			updated, rerr := c.store.ResetBatchToQueued(ctx, attemptID)
			if rerr != nil {
				return rerr
			}
			if derr := client.DeleteRef(ctx, attempt.Owner, attempt.Repo, stagingRef); derr != nil {
				log.Printf("deleting staging ref %s: %v", stagingRef, derr)
			}
			for _, pr := range updated {
				if cerr := client.PostComment(ctx, attempt.Owner, attempt.Repo, pr.Number,
					"target branch advanced during testing; re-queued for another attempt"); cerr != nil {
					log.Printf("posting reset comment on %s/%s#%d: %v", attempt.Owner, attempt.Repo, pr.Number, cerr)
				}
			}
			return nil
		}
		if forge.IsTransientError(err) {
			log.Printf("transient error fast-forwarding %s for attempt %s; leaving SUCCESS for the next poll: %v", targetBranch, attempt.ID, err)
			return nil
		}
		return fmt.Errorf("fast-forwarding target branch: %w", err)
	}

	deleted, err := c.store.CompleteSuccess(ctx, attemptID)
	if err != nil {
		return err
	}
	if derr := client.DeleteRef(ctx, attempt.Owner, attempt.Repo, stagingRef); derr != nil {
		log.Printf("deleting staging ref %s: %v", stagingRef, derr)
	}
	for _, pr := range deleted {
		metrics.PRMerged()
		c.audit(attempt.Owner, attempt.Repo, pr.Number, "merged", attempt.ID,
			fmt.Sprintf("fast-forwarded %s to %s", targetBranch, stagingSHA))
		if cerr := client.PostComment(ctx, attempt.Owner, attempt.Repo, pr.Number, "merged"); cerr != nil {
			log.Printf("posting success comment on %s/%s#%d: %v", attempt.Owner, attempt.Repo, pr.Number, cerr)
		}
	}

	if err := c.Construct(ctx, client, cfg, key); err != nil {
		log.Printf("construct after complete %s: %v", key, err)
	}
	return nil
}

// Cancel deletes a PR and applies whatever cascade its current state
// requires (§4.3.6).
func (c *Controller) Cancel(ctx context.Context, client forge.Client, cfg *config.MergedConfig, key RepoKey, number int, reason string) error {
	result, err := c.store.CancelPR(ctx, key.Owner, key.Repo, number)
	if err != nil {
		if err == store.ErrNotFound {
			return nil
		}
		return err
	}
	metrics.PRCancelled()

	if err := client.PostComment(ctx, key.Owner, key.Repo, number, "cancelled: "+reason); err != nil {
		log.Printf("posting cancel comment on %s/%s#%d: %v", key.Owner, key.Repo, number, err)
	}

	if result.Deleted.MergeAttempt == "" {
		return nil
	}

	if err := client.DeleteRef(ctx, key.Owner, key.Repo, "staging-"+result.Deleted.MergeAttempt); err != nil {
		log.Printf("deleting staging ref for cancelled attempt %s: %v", result.Deleted.MergeAttempt, err)
	}
	for _, sib := range result.Siblings {
		if err := client.PostComment(ctx, key.Owner, key.Repo, sib.Number,
			fmt.Sprintf("batch split after #%d was cancelled; re-queuing without it", number)); err != nil {
			log.Printf("posting split comment on %s/%s#%d: %v", key.Owner, key.Repo, sib.Number, err)
		}
	}

	return c.Construct(ctx, client, cfg, key)
}

// Poll drives timeouts and crash recovery (§4.3.7). It must be called
// regularly (the poll period, §6) and is safe to call concurrently with
// webhook-driven activity: every action it takes re-enters through the
// same guarded entry points above.
func (c *Controller) Poll(ctx context.Context, clients ClientResolver, configs ConfigResolver, timeouts config.Timeouts) error {
	now := time.Now()
	if err := c.pollPRs(ctx, clients, configs, timeouts, now); err != nil {
		return err
	}
	return c.pollAttempts(ctx, clients, configs, timeouts, now)
}

func (c *Controller) pollPRs(ctx context.Context, clients ClientResolver, configs ConfigResolver, timeouts config.Timeouts, now time.Time) error {
	triggeredConstruct := make(map[RepoKey]bool)

	type stateWork struct {
		state   store.PRState
		timeout time.Duration
	}
	for _, w := range []stateWork{
		{store.PRRequested, timeouts.Requested},
		{store.PRQueued, timeouts.Queued},
		{store.PRMerging, timeouts.Merging},
		{store.PRSplit, timeouts.Split},
	} {
		prs, err := c.store.ListPRsByState(ctx, w.state)
		if err != nil {
			return err
		}
		for _, pr := range prs {
			key := RepoKey{Provider: pr.Provider, Owner: pr.Owner, Repo: pr.Repo}
			client := clients.Get(pr.Provider)
			if client == nil {
				continue
			}

			if now.Sub(pr.Timestamp) > w.timeout {
				cfg, err := configs.MergedConfig(ctx, key)
				if err != nil {
					log.Printf("resolving config for %s: %v", key, err)
					continue
				}
				if err := c.Cancel(ctx, client, cfg, key, pr.Number, "timed out waiting for the queue"); err != nil {
					log.Printf("timing out %s#%d: %v", key, pr.Number, err)
				}
				continue
			}

			switch w.state {
			case store.PRRequested:
				cfg, err := configs.MergedConfig(ctx, key)
				if err != nil {
					log.Printf("resolving config for %s: %v", key, err)
					continue
				}
				if err := c.Initiate(ctx, client, cfg, key, pr.Number); err != nil {
					log.Printf("polling initiate %s#%d: %v", key, pr.Number, err)
				}
			case store.PRQueued, store.PRSplit:
				if triggeredConstruct[key] {
					continue
				}
				triggeredConstruct[key] = true
				cfg, err := configs.MergedConfig(ctx, key)
				if err != nil {
					log.Printf("resolving config for %s: %v", key, err)
					continue
				}
				if err := c.Construct(ctx, client, cfg, key); err != nil {
					log.Printf("polling construct %s: %v", key, err)
				}
			}
		}
	}
	return nil
}

func (c *Controller) pollAttempts(ctx context.Context, clients ClientResolver, configs ConfigResolver, timeouts config.Timeouts, now time.Time) error {
	type stateWork struct {
		state   store.AttemptState
		timeout time.Duration
	}
	for _, w := range []stateWork{
		{store.AttemptConstructing, timeouts.Constructing},
		{store.AttemptTesting, timeouts.Testing},
		{store.AttemptSuccess, timeouts.Success},
	} {
		attempts, err := c.store.ListAttemptsByState(ctx, w.state)
		if err != nil {
			return err
		}
		for _, attempt := range attempts {
			key := RepoKey{Provider: attempt.Provider, Owner: attempt.Owner, Repo: attempt.Repo}
			client := clients.Get(attempt.Provider)
			if client == nil {
				continue
			}
			cfg, err := configs.MergedConfig(ctx, key)
			if err != nil {
				log.Printf("resolving config for %s: %v", key, err)
				continue
			}

			if now.Sub(attempt.Timestamp) > w.timeout {
				if err := c.purgeTimedOutAttempt(ctx, client, attempt); err != nil {
					log.Printf("timing out attempt %s: %v", attempt.ID, err)
				}
				continue
			}

			switch w.state {
			case store.AttemptTesting:
				if err := c.Test(ctx, client, cfg, key, attempt.StagingBranch()); err != nil {
					log.Printf("polling test %s: %v", attempt.ID, err)
				}
			case store.AttemptSuccess:
				if err := c.Complete(ctx, client, cfg, attempt.ID); err != nil {
					log.Printf("polling complete %s: %v", attempt.ID, err)
				}
			}
		}
	}
	return nil
}

func (c *Controller) purgeTimedOutAttempt(ctx context.Context, client forge.Client, attempt store.MergeAttempt) error {
	prs, err := c.store.ListPRsByAttempt(ctx, attempt.ID)
	if err != nil {
		return err
	}
	updated, err := c.store.ResetBatchToQueued(ctx, attempt.ID)
	if err != nil {
		return err
	}
	if err := client.DeleteRef(ctx, attempt.Owner, attempt.Repo, attempt.StagingBranch()); err != nil {
		log.Printf("deleting staging ref %s: %v", attempt.StagingBranch(), err)
	}
	_ = prs
	for _, pr := range updated {
		if err := client.PostComment(ctx, attempt.Owner, attempt.Repo, pr.Number,
			"merge attempt timed out; re-queued"); err != nil {
			log.Printf("posting timeout comment on %s/%s#%d: %v", attempt.Owner, attempt.Repo, pr.Number, err)
		}
	}
	return nil
}

func keysOf(prs []store.PullRequest) []store.PRKey {
	out := make([]store.PRKey, len(prs))
	for i, pr := range prs {
		out[i] = pr.Key()
	}
	return out
}

func oldestBranchGroup(prs []store.PullRequest) string {
	branch := ""
	var oldest time.Time
	for _, pr := range prs {
		if branch == "" || pr.Timestamp.Before(oldest) {
			branch, oldest = pr.TargetBranch, pr.Timestamp
		}
	}
	return branch
}

func filterByBranch(prs []store.PullRequest, branch string) []store.PullRequest {
	out := make([]store.PullRequest, 0, len(prs))
	for _, pr := range prs {
		if pr.TargetBranch == branch {
			out = append(out, pr)
		}
	}
	return out
}

// highestPriorityBucket picks the non-empty bucket with the lowest priority
// index (nil/unlabeled sorts last), oldest PR first within the bucket.
func highestPriorityBucket(prs []store.PullRequest) []store.PullRequest {
	best := math.MaxInt32
	for _, pr := range prs {
		if v := bucketValue(pr.Priority); v < best {
			best = v
		}
	}
	out := make([]store.PullRequest, 0, len(prs))
	for _, pr := range prs {
		if bucketValue(pr.Priority) == best {
			out = append(out, pr)
		}
	}
	sortByTimestamp(out)
	return out
}

func sortByTimestamp(prs []store.PullRequest) {
	for i := 1; i < len(prs); i++ {
		for j := i; j > 0 && prs[j].Timestamp.Before(prs[j-1].Timestamp); j-- {
			prs[j], prs[j-1] = prs[j-1], prs[j]
		}
	}
}

func bucketValue(p *int) int {
	if p == nil {
		return math.MaxInt32
	}
	return *p
}

// priorityBucket resolves a PR's admission priority from its labels: the
// index of the highest-ranked matching label in order, or nil if none
// match (the default bucket, §9's priority open question).
func priorityBucket(order []string, labels []string) *int {
	best := -1
	for _, l := range labels {
		for i, p := range order {
			if l == p && (best == -1 || i < best) {
				best = i
			}
		}
	}
	if best == -1 {
		return nil
	}
	return &best
}
