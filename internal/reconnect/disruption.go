package reconnect

import (
	"time"

	"github.com/btaudio/btaudiod/internal/eventbus"
	"github.com/btaudio/btaudiod/internal/model"
)

// recordDisruptionLocked records addr's disconnect for the
// adapter-disruption guard (spec §4.9) and, if the guard trips, cancels
// every pending schedule and opens the 60s suppression window. Returns
// true if the guard just tripped or a suppression is already in force
// (either way the caller should not additionally schedule a normal
// reconnect for addr — it has already been folded into the suppression).
//
// Must be called with c.mu held.
func (c *Controller) recordDisruptionLocked(addr model.Address) bool {
	now := time.Now()
	c.disconnectEvents = append(c.disconnectEvents, now)
	c.disconnectEvents = withinWindow(c.disconnectEvents, now, adapterDisruptionWindow)

	if !time.Now().Before(c.suppressUntil) && len(c.disconnectEvents) >= adapterDisruptionCount {
		c.tripDisruptionGuardLocked(now)
		c.suppressedAddrs[addr] = struct{}{}
		return true
	}

	if c.suppressedAddrs != nil {
		c.suppressedAddrs[addr] = struct{}{}
		return true
	}
	return false
}

func (c *Controller) tripDisruptionGuardLocked(now time.Time) {
	c.suppressUntil = now.Add(adapterSuppressionPeriod)
	c.suppressedAddrs = make(map[model.Address]struct{})
	for addr := range c.schedules {
		c.suppressedAddrs[addr] = struct{}{}
	}
	for addr := range c.schedules {
		c.cancelLocked(addr)
	}

	if c.bus != nil {
		c.bus.Publish(eventbus.TopicStatus, StatusEvent{
			Message: "multiple devices disconnected at once, suspending reconnects for 60s",
			Until:   c.suppressUntil,
		})
	}

	time.AfterFunc(adapterSuppressionPeriod, c.resumeAfterSuppression)
}

func (c *Controller) resumeAfterSuppression() {
	c.mu.Lock()
	addrs := c.suppressedAddrs
	c.suppressedAddrs = nil
	c.disconnectEvents = nil
	c.mu.Unlock()

	for addr := range addrs {
		c.OnUnexpectedDisconnect(addr)
	}
}

func withinWindow(times []time.Time, now time.Time, window time.Duration) []time.Time {
	out := times[:0]
	for _, t := range times {
		if now.Sub(t) <= window {
			out = append(out, t)
		}
	}
	return out
}

// StatusEvent is the payload published on eventbus.TopicStatus when the
// adapter-disruption guard trips (spec §4.9 "a status event is
// emitted").
type StatusEvent struct {
	Message string
	Until   time.Time
}
