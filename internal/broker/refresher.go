package broker

import (
	"context"
	"time"

	"github.com/systmms/dbcreds/internal/logging"
	"github.com/systmms/dbcreds/internal/metrics"
)

// Refresher defaults.
const (
	DefaultDynamicLowWater = 10 * time.Minute
	DefaultStaticLowWater  = 2 * time.Minute
	DefaultMinSleep        = 30 * time.Second
	DefaultLead            = time.Minute
)

// RefreshTarget is one credential class kept warm by the refresher.
type RefreshTarget struct {
	Source CredentialSource
	// LowWater is the remaining time at or below which the credential is
	// replaced.
	LowWater time.Duration
}

// RefresherConfig wires a Refresher.
type RefresherConfig struct {
	Targets []RefreshTarget
	// MinSleep is the shortest pause between cycles.
	MinSleep time.Duration
	// Lead wakes the loop this long before a low-water mark is reached.
	// Zero uses DefaultLead; negative means none.
	Lead    time.Duration
	Logger  *logging.Logger
	Metrics *metrics.Recorder
}

// Refresher replaces credentials before they expire, independent of
// request traffic.
type Refresher struct {
	targets  []RefreshTarget
	minSleep time.Duration
	lead     time.Duration
	logger   *logging.Logger
	metrics  *metrics.Recorder
}

// NewRefresher creates a refresher with defaults filled in.
func NewRefresher(cfg RefresherConfig) *Refresher {
	r := &Refresher{
		targets:  cfg.Targets,
		minSleep: cfg.MinSleep,
		lead:     cfg.Lead,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
	}
	if r.minSleep <= 0 {
		r.minSleep = DefaultMinSleep
	}
	if r.lead == 0 {
		r.lead = DefaultLead
	} else if r.lead < 0 {
		r.lead = 0
	}
	if r.logger == nil {
		r.logger = logging.Discard()
	}
	for i := range r.targets {
		if r.targets[i].LowWater <= 0 {
			r.targets[i].LowWater = DefaultDynamicLowWater
			if r.targets[i].Source.Class() == ClassStatic {
				r.targets[i].LowWater = DefaultStaticLowWater
			}
		}
	}
	return r
}

// Run refreshes until ctx is cancelled.
func (r *Refresher) Run(ctx context.Context) error {
	r.logger.Info("Background refresher started for %d credential class(es)", len(r.targets))
	for {
		if err := ctx.Err(); err != nil {
			r.logger.Info("Background refresher stopped")
			return err
		}

		sleep := r.RunOnce(ctx)
		r.logger.Debug("Next refresh check in %s", sleep)

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			r.logger.Info("Background refresher stopped")
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// RunOnce checks every target, replacing credentials at or below their
// low-water mark, and returns how long to sleep before the next check.
func (r *Refresher) RunOnce(ctx context.Context) time.Duration {
	next := time.Duration(-1)
	for _, t := range r.targets {
		d := r.refresh(ctx, t)
		if next < 0 || d < next {
			next = d
		}
	}
	if next < r.minSleep {
		return r.minSleep
	}
	return next
}

func (r *Refresher) refresh(ctx context.Context, t RefreshTarget) time.Duration {
	class := t.Source.Class()

	remaining, ok := t.Source.TimeRemaining()
	if !ok {
		remaining = 0
	}
	r.metrics.TimeRemaining(class, remaining)

	if remaining > t.LowWater {
		r.metrics.RefresherCycle(class, "skipped")
		return remaining - t.LowWater - r.lead
	}

	r.logger.Debug("Refreshing %s credential, %s remaining", class, remaining)
	t.Source.Invalidate()
	if _, err := t.Source.GetConnectionString(ctx); err != nil {
		r.metrics.RefresherCycle(class, "failed")
		if ctx.Err() == nil {
			r.logger.Warn("Background refresh of %s credential failed: %v", class, err)
		}
		return 0
	}
	r.metrics.RefresherCycle(class, "refreshed")

	remaining, ok = t.Source.TimeRemaining()
	if !ok {
		return 0
	}
	r.metrics.TimeRemaining(class, remaining)
	return remaining - t.LowWater - r.lead
}
