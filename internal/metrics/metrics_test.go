package metrics

import (
	"sync"
	"testing"
)

func TestPRRequested(t *testing.T) {
	Reset()

	PRRequested()
	m := Get()

	if m.PRsRequested != 1 {
		t.Errorf("expected PRsRequested=1, got %d", m.PRsRequested)
	}
}

func TestPRQueued(t *testing.T) {
	Reset()

	PRQueued()
	m := Get()

	if m.PRsQueued != 1 {
		t.Errorf("expected PRsQueued=1, got %d", m.PRsQueued)
	}
}

func TestPRMerged(t *testing.T) {
	Reset()

	PRMerged()
	m := Get()

	if m.PRsMerged != 1 {
		t.Errorf("expected PRsMerged=1, got %d", m.PRsMerged)
	}
}

func TestPRCancelled(t *testing.T) {
	Reset()

	PRCancelled()
	m := Get()

	if m.PRsCancelled != 1 {
		t.Errorf("expected PRsCancelled=1, got %d", m.PRsCancelled)
	}
}

func TestAttemptConstructed(t *testing.T) {
	Reset()

	AttemptConstructed()
	m := Get()

	if m.AttemptsConstructed != 1 {
		t.Errorf("expected AttemptsConstructed=1, got %d", m.AttemptsConstructed)
	}
}

func TestAttemptSplit(t *testing.T) {
	Reset()

	AttemptSplit()
	m := Get()

	if m.AttemptsSplit != 1 {
		t.Errorf("expected AttemptsSplit=1, got %d", m.AttemptsSplit)
	}
}

func TestWebhookReceived(t *testing.T) {
	Reset()

	WebhookReceived()
	m := Get()

	if m.WebhooksReceived != 1 {
		t.Errorf("expected WebhooksReceived=1, got %d", m.WebhooksReceived)
	}
}

func TestWebhookProcessed(t *testing.T) {
	Reset()

	WebhookProcessed()
	m := Get()

	if m.WebhooksProcessed != 1 {
		t.Errorf("expected WebhooksProcessed=1, got %d", m.WebhooksProcessed)
	}
}

func TestReset(t *testing.T) {
	// Set all counters
	PRRequested()
	PRQueued()
	PRMerged()
	PRCancelled()
	AttemptConstructed()
	AttemptSplit()
	WebhookReceived()
	WebhookProcessed()

	// Reset
	Reset()
	m := Get()

	if m.PRsRequested != 0 {
		t.Errorf("expected PRsRequested=0 after reset, got %d", m.PRsRequested)
	}
	if m.PRsQueued != 0 {
		t.Errorf("expected PRsQueued=0 after reset, got %d", m.PRsQueued)
	}
	if m.PRsMerged != 0 {
		t.Errorf("expected PRsMerged=0 after reset, got %d", m.PRsMerged)
	}
	if m.PRsCancelled != 0 {
		t.Errorf("expected PRsCancelled=0 after reset, got %d", m.PRsCancelled)
	}
	if m.AttemptsConstructed != 0 {
		t.Errorf("expected AttemptsConstructed=0 after reset, got %d", m.AttemptsConstructed)
	}
	if m.AttemptsSplit != 0 {
		t.Errorf("expected AttemptsSplit=0 after reset, got %d", m.AttemptsSplit)
	}
	if m.WebhooksReceived != 0 {
		t.Errorf("expected WebhooksReceived=0 after reset, got %d", m.WebhooksReceived)
	}
	if m.WebhooksProcessed != 0 {
		t.Errorf("expected WebhooksProcessed=0 after reset, got %d", m.WebhooksProcessed)
	}
}

func TestMultipleIncrements(t *testing.T) {
	Reset()

	for i := 0; i < 5; i++ {
		PRRequested()
	}
	for i := 0; i < 3; i++ {
		PRQueued()
	}
	for i := 0; i < 2; i++ {
		PRCancelled()
	}

	m := Get()

	if m.PRsRequested != 5 {
		t.Errorf("expected PRsRequested=5, got %d", m.PRsRequested)
	}
	if m.PRsQueued != 3 {
		t.Errorf("expected PRsQueued=3, got %d", m.PRsQueued)
	}
	if m.PRsCancelled != 2 {
		t.Errorf("expected PRsCancelled=2, got %d", m.PRsCancelled)
	}
}

func TestConcurrentIncrements(t *testing.T) {
	Reset()

	var wg sync.WaitGroup
	iterations := 1000

	// Spawn multiple goroutines incrementing counters concurrently
	for i := 0; i < iterations; i++ {
		wg.Add(6)
		go func() {
			PRRequested()
			wg.Done()
		}()
		go func() {
			PRQueued()
			wg.Done()
		}()
		go func() {
			PRMerged()
			wg.Done()
		}()
		go func() {
			PRCancelled()
			wg.Done()
		}()
		go func() {
			WebhookReceived()
			wg.Done()
		}()
		go func() {
			WebhookProcessed()
			wg.Done()
		}()
	}

	wg.Wait()
	m := Get()

	if m.PRsRequested != uint64(iterations) {
		t.Errorf("expected PRsRequested=%d, got %d", iterations, m.PRsRequested)
	}
	if m.PRsQueued != uint64(iterations) {
		t.Errorf("expected PRsQueued=%d, got %d", iterations, m.PRsQueued)
	}
	if m.PRsMerged != uint64(iterations) {
		t.Errorf("expected PRsMerged=%d, got %d", iterations, m.PRsMerged)
	}
	if m.PRsCancelled != uint64(iterations) {
		t.Errorf("expected PRsCancelled=%d, got %d", iterations, m.PRsCancelled)
	}
	if m.WebhooksReceived != uint64(iterations) {
		t.Errorf("expected WebhooksReceived=%d, got %d", iterations, m.WebhooksReceived)
	}
	if m.WebhooksProcessed != uint64(iterations) {
		t.Errorf("expected WebhooksProcessed=%d, got %d", iterations, m.WebhooksProcessed)
	}
}

func TestGetReturnsSnapshot(t *testing.T) {
	Reset()

	PRRequested()
	snapshot := Get()

	// Increment again after snapshot
	PRRequested()

	// Snapshot should not change
	if snapshot.PRsRequested != 1 {
		t.Errorf("snapshot should be immutable, expected 1, got %d", snapshot.PRsRequested)
	}

	// New Get should reflect the change
	current := Get()
	if current.PRsRequested != 2 {
		t.Errorf("current should be 2, got %d", current.PRsRequested)
	}
}
