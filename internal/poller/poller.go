// Package poller drives the controller's periodic timeout and
// crash-recovery pass on a fixed interval, independent of webhook delivery.
package poller

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/drewdunne/mergequeue/internal/config"
	"github.com/drewdunne/mergequeue/internal/controller"
)

// Poller calls Controller.Poll on a ticker, grounded on the same
// ticker/stop-channel shape as the log retention scheduler.
type Poller struct {
	ctrl     *controller.Controller
	clients  controller.ClientResolver
	configs  controller.ConfigResolver
	timeouts config.Timeouts

	ticker   *time.Ticker
	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a Poller that runs every interval, using timeouts for every
// repo's per-state timeout thresholds.
func New(ctrl *controller.Controller, clients controller.ClientResolver, configs controller.ConfigResolver, interval time.Duration, timeouts config.Timeouts) *Poller {
	return &Poller{
		ctrl:     ctrl,
		clients:  clients,
		configs:  configs,
		timeouts: timeouts,
		ticker:   time.NewTicker(interval),
		stop:     make(chan struct{}),
	}
}

// Start runs an immediate poll, then one on every tick, until Stop is
// called. It does not block.
func (p *Poller) Start() {
	go p.runPoll()

	go func() {
		for {
			select {
			case <-p.ticker.C:
				p.runPoll()
			case <-p.stop:
				return
			}
		}
	}()
}

func (p *Poller) runPoll() {
	ctx := context.Background()
	if err := p.ctrl.Poll(ctx, p.clients, p.configs, p.timeouts); err != nil {
		log.Printf("poll error: %v", err)
	}
}

// Stop halts the ticker. Safe to call more than once.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() {
		p.ticker.Stop()
		close(p.stop)
	})
}
