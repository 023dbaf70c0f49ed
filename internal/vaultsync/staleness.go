package vaultsync

import (
	"context"
	"time"
)

// DefaultPollInterval is how often WatchStaleness asks the remote for its version
const DefaultPollInterval = 10 * time.Second

// WatchStaleness polls the remote version while the session is unlocked and
// calls fn once for every remote version newer than the session's. It stops
// when ctx is done or the session locks; the returned channel is closed when
// the watcher has exited.
func (o *Orchestrator) WatchStaleness(ctx context.Context, interval time.Duration, fn func(remote int64)) <-chan struct{} {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	done := make(chan struct{})
	locked := o.session.Done()
	owner := o.session.Owner()

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var notified int64
		for {
			select {
			case <-ctx.Done():
				return
			case <-locked:
				return
			case <-ticker.C:
			}

			local, err := o.session.Version()
			if err != nil {
				return
			}
			stale, remote, err := o.CheckStaleness(ctx, owner, local)
			if err != nil {
				o.log.Debugf("staleness check failed: %v", err)
				continue
			}
			if stale && remote > notified {
				notified = remote
				fn(remote)
			}
		}
	}()
	return done
}
