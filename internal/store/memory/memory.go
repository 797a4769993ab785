// Package memory implements internal/store.Store in process memory,
// guarded by a single mutex. It exists for controller tests: every
// operation the sqlite store makes transactional here is made atomic by
// holding the lock for the whole method body.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/drewdunne/mergequeue/internal/store"
)

// Store is an in-memory store.Store.
type Store struct {
	mu       sync.Mutex
	prs      map[store.PRKey]store.PullRequest
	attempts map[string]store.MergeAttempt
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		prs:      make(map[store.PRKey]store.PullRequest),
		attempts: make(map[string]store.MergeAttempt),
	}
}

func (s *Store) GetPR(ctx context.Context, owner, repo string, number int) (*store.PullRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pr, ok := s.prs[store.PRKey{Owner: owner, Repo: repo, Number: number}]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &pr, nil
}

func (s *Store) CreatePR(ctx context.Context, pr store.PullRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := pr.Key()
	if _, ok := s.prs[key]; ok {
		return store.ErrAlreadyExists
	}
	s.prs[key] = pr
	return nil
}

func (s *Store) DeletePR(ctx context.Context, owner, repo string, number int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.prs, store.PRKey{Owner: owner, Repo: repo, Number: number})
	return nil
}

func (s *Store) ListPRsInRepo(ctx context.Context, owner, repo string, state store.PRState) ([]store.PullRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.PullRequest
	for _, pr := range s.prs {
		if pr.Owner == owner && pr.Repo == repo && pr.State == state {
			out = append(out, pr)
		}
	}
	sortPRsByTime(out)
	return out, nil
}

func (s *Store) ListPRsByState(ctx context.Context, state store.PRState) ([]store.PullRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.PullRequest
	for _, pr := range s.prs {
		if pr.State == state {
			out = append(out, pr)
		}
	}
	sortPRsByTime(out)
	return out, nil
}

func (s *Store) ListPRsByAttempt(ctx context.Context, attemptID string) ([]store.PullRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.PullRequest
	for _, pr := range s.prs {
		if pr.MergeAttempt == attemptID {
			out = append(out, pr)
		}
	}
	sortPRsByTime(out)
	return out, nil
}

func (s *Store) FindPRByHeadBranch(ctx context.Context, owner, repo, branch string) (*store.PullRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, pr := range s.prs {
		if pr.Owner == owner && pr.Repo == repo && pr.HeadBranch == branch {
			cp := pr
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) TransitionPR(ctx context.Context, owner, repo string, number int, expected store.PRState, next store.PullRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := store.PRKey{Owner: owner, Repo: repo, Number: number}
	cur, ok := s.prs[key]
	if !ok || cur.State != expected {
		return store.ErrConflict
	}
	s.prs[key] = next
	return nil
}

func (s *Store) GetAttempt(ctx context.Context, id string) (*store.MergeAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attempts[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &a, nil
}

func (s *Store) GetActiveAttempt(ctx context.Context, owner, repo string) (*store.MergeAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *store.MergeAttempt
	for _, a := range s.attempts {
		if a.Owner != owner || a.Repo != repo {
			continue
		}
		if a.State != store.AttemptConstructing && a.State != store.AttemptTesting && a.State != store.AttemptSuccess {
			continue
		}
		if best == nil || a.Timestamp.Before(best.Timestamp) {
			cp := a
			best = &cp
		}
	}
	if best == nil {
		return nil, store.ErrNotFound
	}
	return best, nil
}

func (s *Store) GetOldestSplitAttempt(ctx context.Context, owner, repo string) (*store.MergeAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *store.MergeAttempt
	for _, a := range s.attempts {
		if a.Owner != owner || a.Repo != repo || a.State != store.AttemptSplit {
			continue
		}
		if best == nil || a.Timestamp.Before(best.Timestamp) {
			cp := a
			best = &cp
		}
	}
	if best == nil {
		return nil, store.ErrNotFound
	}
	return best, nil
}

func (s *Store) ListAttemptsByState(ctx context.Context, state store.AttemptState) ([]store.MergeAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.MergeAttempt
	for _, a := range s.attempts {
		if a.State == state {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (s *Store) TransitionAttempt(ctx context.Context, id string, expected, next store.AttemptState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attempts[id]
	if !ok || a.State != expected {
		return store.ErrConflict
	}
	a.State = next
	a.Timestamp = time.Now()
	s.attempts[id] = a
	return nil
}

func (s *Store) DeleteAttempt(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.attempts, id)
	return nil
}

func (s *Store) AdmitBatch(ctx context.Context, attempt store.MergeAttempt, prs []store.PRKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	attempt.State = store.AttemptConstructing
	s.attempts[attempt.ID] = attempt

	now := time.Now()
	for _, key := range prs {
		pr, ok := s.prs[key]
		if !ok {
			return store.ErrNotFound
		}
		pr.State = store.PRMerging
		pr.MergeAttempt = attempt.ID
		pr.Timestamp = now
		s.prs[key] = pr
	}
	return nil
}

func (s *Store) SplitOnConstructConflict(ctx context.Context, originalAttemptID string, conflicting []store.PRKey) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.attempts[originalAttemptID]
	if !ok {
		return "", store.ErrNotFound
	}

	now := time.Now()
	newID := uuid.NewString()
	s.attempts[newID] = store.MergeAttempt{ID: newID, Provider: original.Provider, Owner: original.Owner, Repo: original.Repo, State: store.AttemptSplit, Timestamp: now}

	for _, key := range conflicting {
		pr, ok := s.prs[key]
		if !ok {
			continue
		}
		pr.State = store.PRSplit
		pr.MergeAttempt = newID
		pr.Timestamp = now
		s.prs[key] = pr
	}

	original.State = store.AttemptSplit
	original.Timestamp = now
	s.attempts[originalAttemptID] = original

	return newID, nil
}

func (s *Store) RejectSinglePR(ctx context.Context, attemptID string, pr store.PRKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.attempts, attemptID)
	delete(s.prs, pr)
	return nil
}

func (s *Store) BisectOnTestFailure(ctx context.Context, attemptID string, groupA, groupB []store.PRKey) (store.MergeAttempt, store.MergeAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.attempts[attemptID]
	if !ok {
		return store.MergeAttempt{}, store.MergeAttempt{}, store.ErrNotFound
	}

	now := time.Now()
	a := store.MergeAttempt{ID: uuid.NewString(), Provider: original.Provider, Owner: original.Owner, Repo: original.Repo, State: store.AttemptSplit, Timestamp: now}
	b := store.MergeAttempt{ID: uuid.NewString(), Provider: original.Provider, Owner: original.Owner, Repo: original.Repo, State: store.AttemptSplit, Timestamp: now}
	s.attempts[a.ID] = a
	s.attempts[b.ID] = b

	for id, group := range map[string][]store.PRKey{a.ID: groupA, b.ID: groupB} {
		for _, key := range group {
			pr, ok := s.prs[key]
			if !ok {
				continue
			}
			pr.State = store.PRSplit
			pr.MergeAttempt = id
			pr.Timestamp = now
			s.prs[key] = pr
		}
	}

	delete(s.attempts, attemptID)
	return a, b, nil
}

func (s *Store) CompleteSuccess(ctx context.Context, attemptID string) ([]store.PullRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted []store.PullRequest
	for key, pr := range s.prs {
		if pr.MergeAttempt == attemptID {
			deleted = append(deleted, pr)
			delete(s.prs, key)
		}
	}
	delete(s.attempts, attemptID)
	sortPRsByTime(deleted)
	return deleted, nil
}

func (s *Store) ResetBatchToQueued(ctx context.Context, attemptID string) ([]store.PullRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var updated []store.PullRequest
	for key, pr := range s.prs {
		if pr.MergeAttempt != attemptID {
			continue
		}
		pr.State = store.PRQueued
		pr.MergeAttempt = ""
		pr.Timestamp = now
		s.prs[key] = pr
		updated = append(updated, pr)
	}
	delete(s.attempts, attemptID)
	sortPRsByTime(updated)
	return updated, nil
}

func (s *Store) CancelPR(ctx context.Context, owner, repo string, number int) (*store.CancelResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := store.PRKey{Owner: owner, Repo: repo, Number: number}
	pr, ok := s.prs[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	delete(s.prs, key)

	result := &store.CancelResult{Deleted: pr}

	switch pr.State {
	case store.PRRequested, store.PRQueued:
		// nothing else to do

	case store.PRMerging:
		now := time.Now()
		var siblings []store.PullRequest
		for k, sib := range s.prs {
			if sib.MergeAttempt != pr.MergeAttempt {
				continue
			}
			sib.State = store.PRSplit
			sib.Timestamp = now
			s.prs[k] = sib
			siblings = append(siblings, sib)
		}
		if a, ok := s.attempts[pr.MergeAttempt]; ok {
			a.State = store.AttemptSplit
			a.Timestamp = now
			s.attempts[pr.MergeAttempt] = a
		}
		sortPRsByTime(siblings)
		result.SplitAttemptID = pr.MergeAttempt
		result.Siblings = siblings

	case store.PRSplit:
		remaining := 0
		for _, sib := range s.prs {
			if sib.MergeAttempt == pr.MergeAttempt {
				remaining++
			}
		}
		if remaining == 0 {
			delete(s.attempts, pr.MergeAttempt)
			result.AttemptDeleted = true
		} else {
			result.SplitAttemptID = pr.MergeAttempt
		}
	}

	return result, nil
}

func sortPRsByTime(prs []store.PullRequest) {
	sort.Slice(prs, func(i, j int) bool { return prs[i].Timestamp.Before(prs[j].Timestamp) })
}
