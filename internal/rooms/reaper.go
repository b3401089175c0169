package rooms

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/roomchat/internal/presence"
	"go.uber.org/zap"
)

const (
	opReaperNew = "rooms.reaper.new"
	opSweep     = "rooms.reaper.sweep"

	// DefaultReaperInterval is the pause between sweeps.
	DefaultReaperInterval = 5 * time.Minute
	// DefaultReaperRetention is how long a lapsed member row survives before deletion.
	DefaultReaperRetention = 24 * time.Hour
)

var errRetentionTooShort = errors.New("reaper retention must not be shorter than the presence timeout")

// LapsedMemberStore deletes member rows by heartbeat age.
type LapsedMemberStore interface {
	DeleteLapsedMembers(ctx context.Context, cutoff time.Time) (int64, error)
}

// ReaperConfig describes the dependencies of a Reaper.
type ReaperConfig struct {
	Store     LapsedMemberStore
	Policy    presence.Policy
	Interval  time.Duration
	Retention time.Duration
	Clock     func() time.Time
	Logger    *zap.Logger
}

// Reaper periodically deletes long-lapsed member rows to bound storage. Occupancy never
// depends on it.
type Reaper struct {
	store     LapsedMemberStore
	interval  time.Duration
	retention time.Duration
	clock     func() time.Time
	logger    *zap.Logger
}

// NewReaper returns a Reaper. Retention must cover the presence timeout so that only members
// the policy already ignores are deleted.
func NewReaper(cfg ReaperConfig) (*Reaper, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opReaperNew, reasonMissingStore, KindUnknown, errMissingStore)
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultReaperInterval
	}
	retention := cfg.Retention
	if retention <= 0 {
		retention = DefaultReaperRetention
	}
	if retention < cfg.Policy.Timeout() {
		return nil, newServiceError(opReaperNew, "retention_too_short", KindUnknown,
			fmt.Errorf("%w: %s < %s", errRetentionTooShort, retention, cfg.Policy.Timeout()))
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Reaper{
		store:     cfg.Store,
		interval:  interval,
		retention: retention,
		clock:     clock,
		logger:    logger,
	}, nil
}

// Sweep deletes member rows whose last heartbeat is older than the retention window.
func (r *Reaper) Sweep(ctx context.Context) (int64, error) {
	cutoff := r.clock().UTC().Add(-r.retention)
	removed, err := r.store.DeleteLapsedMembers(ctx, cutoff)
	if err != nil {
		return 0, translateError(opSweep, err)
	}
	if removed > 0 {
		r.logger.Info("lapsed members reaped", zap.Int64("removed", removed), zap.Time("cutoff", cutoff))
	}
	return removed, nil
}

// Run sweeps every interval until ctx is cancelled. Sweep failures are logged and retried on the
// next tick.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("lapsed member sweep failed", zap.Error(err))
			}
		}
	}
}
