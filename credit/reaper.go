/*
reaper.go - Release frozen credits whose lease expired

PURPOSE:
  A caller that allocates and then disappears would otherwise keep its
  credits Frozen forever. Every freeze carries a lease (Allocator.HoldTTL);
  the reaper periodically hands expired holds back to Available.

DESIGN:
  - One conditional statement per run (Store.ReleaseExpired), guarded by
    status = frozen AND lease_until <= now, so a hold that was finalized,
    released or re-frozen under a fresh lease is never touched
  - Background goroutine with a ticker; runs once immediately on Start
  - RunOnce is exposed for the `vault reap` command and tests

USAGE:
  reaper := credit.NewHoldReaper(store, time.Minute, logger)
  reaper.Start()
  // ... later
  reaper.Stop()
*/
package credit

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/safekeeper/credit-vault/metrics"
)

// HoldReaper releases expired holds on a schedule.
type HoldReaper struct {
	Store    Store
	Interval time.Duration
	Logger   logrus.FieldLogger
	Now      func() time.Time

	// Timeout bounds one run.
	Timeout time.Duration

	stop chan struct{}
	wg   sync.WaitGroup
	mu   sync.Mutex
}

// NewHoldReaper creates a reaper. A zero interval defaults to one minute.
func NewHoldReaper(store Store, interval time.Duration, logger logrus.FieldLogger) *HoldReaper {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &HoldReaper{
		Store:    store,
		Interval: interval,
		Logger:   logger,
		Timeout:  30 * time.Second,
	}
}

// Start begins the background loop. Calling Start twice is a no-op.
func (r *HoldReaper) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stop != nil {
		return
	}
	r.stop = make(chan struct{})
	r.wg.Add(1)
	go r.run(r.stop)

	r.Logger.WithField("interval", r.Interval.String()).Info("hold reaper started")
}

// Stop halts the loop and waits for an in-flight run.
func (r *HoldReaper) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stop == nil {
		return
	}
	close(r.stop)
	r.wg.Wait()
	r.stop = nil
	r.Logger.Info("hold reaper stopped")
}

func (r *HoldReaper) run(stop <-chan struct{}) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()

	r.tick()

	for {
		select {
		case <-ticker.C:
			r.tick()
		case <-stop:
			return
		}
	}
}

func (r *HoldReaper) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), r.Timeout)
	defer cancel()
	_, _ = r.RunOnce(ctx)
}

// RunOnce releases every hold whose lease has ended and returns the count.
func (r *HoldReaper) RunOnce(ctx context.Context) (int64, error) {
	now := time.Now().UTC()
	if r.Now != nil {
		now = r.Now().UTC()
	}
	n, err := r.Store.ReleaseExpired(ctx, now)
	if err != nil {
		r.Logger.WithError(err).Warn("failed to release expired holds")
		return 0, Unavailable("release expired", err)
	}
	metrics.RecordReaped(n)
	if n > 0 {
		r.Logger.WithField("count", n).Warn("released expired holds")
	}
	return n, nil
}
