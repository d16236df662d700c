package actor

import (
	"time"
)

// Idle reports whether the instance may hibernate: no in-flight actions, no
// live non-hibernatable connections, no workflow step executing, no scheduled
// wake-up within pollInterval, and no activity for the configured idle
// window.
func (i *Instance) Idle(pollInterval time.Duration) bool {
	if i.stopping.Load() {
		return false
	}
	if i.inFlight.Load() > 0 {
		return false
	}
	if _, nonHibernatable := i.conns.liveCount(); nonHibernatable > 0 {
		return false
	}
	if i.engine != nil && i.engine.InStep() {
		return false
	}
	if next := i.nextWake.Load(); next != 0 {
		if time.UnixMilli(next).Before(time.Now().Add(pollInterval)) {
			return false
		}
	}
	return time.Since(time.UnixMilli(i.lastBusy.Load())) >= i.opts.HibernationIdle
}
