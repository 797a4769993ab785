package metrics

import (
	"sync/atomic"
)

// Metrics tracks operational metrics for the merge queue.
type Metrics struct {
	PRsRequested        uint64 `json:"prs_requested"`
	PRsQueued           uint64 `json:"prs_queued"`
	PRsMerged           uint64 `json:"prs_merged"`
	PRsCancelled        uint64 `json:"prs_cancelled"`
	AttemptsConstructed uint64 `json:"attempts_constructed"`
	AttemptsSplit       uint64 `json:"attempts_split"`
	WebhooksReceived    uint64 `json:"webhooks_received"`
	WebhooksProcessed   uint64 `json:"webhooks_processed"`
}

var global = &Metrics{}

// PRRequested increments the count of PRs that entered REQUESTED.
func PRRequested() { atomic.AddUint64(&global.PRsRequested, 1) }

// PRQueued increments the count of PRs admitted to QUEUED.
func PRQueued() { atomic.AddUint64(&global.PRsQueued, 1) }

// PRMerged increments the count of PRs fast-forwarded into their target branch.
func PRMerged() { atomic.AddUint64(&global.PRsMerged, 1) }

// PRCancelled increments the count of PRs removed from the queue before merging.
func PRCancelled() { atomic.AddUint64(&global.PRsCancelled, 1) }

// AttemptConstructed increments the count of merge attempts staged for testing.
func AttemptConstructed() { atomic.AddUint64(&global.AttemptsConstructed, 1) }

// AttemptSplit increments the count of batches bisected after a conflict or test failure.
func AttemptSplit() { atomic.AddUint64(&global.AttemptsSplit, 1) }

// WebhookReceived increments the count of webhooks received.
func WebhookReceived() { atomic.AddUint64(&global.WebhooksReceived, 1) }

// WebhookProcessed increments the count of webhooks routed to a Controller call without error.
func WebhookProcessed() { atomic.AddUint64(&global.WebhooksProcessed, 1) }

// Get returns a snapshot of the current metrics.
func Get() Metrics {
	return Metrics{
		PRsRequested:        atomic.LoadUint64(&global.PRsRequested),
		PRsQueued:           atomic.LoadUint64(&global.PRsQueued),
		PRsMerged:           atomic.LoadUint64(&global.PRsMerged),
		PRsCancelled:        atomic.LoadUint64(&global.PRsCancelled),
		AttemptsConstructed: atomic.LoadUint64(&global.AttemptsConstructed),
		AttemptsSplit:       atomic.LoadUint64(&global.AttemptsSplit),
		WebhooksReceived:    atomic.LoadUint64(&global.WebhooksReceived),
		WebhooksProcessed:   atomic.LoadUint64(&global.WebhooksProcessed),
	}
}

// Reset resets all metrics to zero (useful for testing).
func Reset() {
	atomic.StoreUint64(&global.PRsRequested, 0)
	atomic.StoreUint64(&global.PRsQueued, 0)
	atomic.StoreUint64(&global.PRsMerged, 0)
	atomic.StoreUint64(&global.PRsCancelled, 0)
	atomic.StoreUint64(&global.AttemptsConstructed, 0)
	atomic.StoreUint64(&global.AttemptsSplit, 0)
	atomic.StoreUint64(&global.WebhooksReceived, 0)
	atomic.StoreUint64(&global.WebhooksProcessed, 0)
}
