// Package reconnect implements spec §4.9's ReconnectController: a
// per-device randomized exponential backoff schedule woken by the
// coordinator on an unexpected disconnect, a startup bootstrap that
// staggers the first connect attempt across every auto_connect device,
// and an adapter-disruption guard that suppresses reconnects entirely
// when several devices drop within a short window (a real BlueZ
// controller crash/reset looks like that, and hammering it with
// simultaneous reconnects only makes recovery slower).
//
// No single teacher file computes jittered exponential backoff with a
// capped maximum, so the formula is implemented directly from spec
// §4.9 using math/rand/v2 for jitter. The "every wait point is an
// explicit, cancellable task" shape mirrors the teacher's
// vendored bluetooth.AuthTimeout plumbing (a cancellable context
// carried alongside a pairing wait) generalized from one timeout to a
// per-address map of live timers.
package reconnect

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/btaudio/btaudiod/internal/eventbus"
	"github.com/btaudio/btaudiod/internal/model"
)

const (
	firstAttemptDelay        = 10 * time.Second
	backoffFactor            = 1.5
	jitterSpread             = 0.2
	adapterDisruptionCount   = 2
	adapterDisruptionWindow  = 3 * time.Second
	adapterSuppressionPeriod = 60 * time.Second
	bootstrapMaxStagger      = 2 * time.Second
	bootstrapConcurrency     = 4
)

// Gate answers the firing-time conditions spec §4.9 requires before a
// scheduled attempt is allowed to actually call Connect.
type Gate interface {
	AutoReconnectEnabled() bool
	AutoConnect(addr model.Address) (enabled bool, inStore bool)
	Suppressed(addr model.Address) bool
}

// ConnectFunc is the coordinator's connect operation; an error means
// the attempt failed and the schedule should advance to the next
// backoff step.
type ConnectFunc func(ctx context.Context, addr model.Address) error

// Settings returns the backoff parameters in effect; read fresh at
// each scheduling decision so a live settings change takes effect on
// the next attempt rather than requiring a restart.
type Settings func() (intervalSeconds, maxBackoffSeconds int)

type schedule struct {
	attempt int
	timer   *time.Timer
}

// Controller owns one backoff schedule per address plus the
// adapter-disruption disconnect history.
type Controller struct {
	gate     Gate
	connect  ConnectFunc
	settings Settings
	bus      *eventbus.Bus
	sem      *semaphore.Weighted

	mu               sync.Mutex
	schedules        map[model.Address]*schedule
	disconnectEvents []time.Time
	suppressUntil    time.Time
	suppressedAddrs  map[model.Address]struct{}
}

// New builds a Controller. connect is called (outside any internal
// lock) when a scheduled attempt fires and passes its gate checks.
func New(gate Gate, connect ConnectFunc, settings Settings, bus *eventbus.Bus) *Controller {
	return &Controller{
		gate:      gate,
		connect:   connect,
		settings:  settings,
		bus:       bus,
		sem:       semaphore.NewWeighted(bootstrapConcurrency),
		schedules: map[model.Address]*schedule{},
	}
}

// OnUnexpectedDisconnect schedules a first reconnect attempt for addr
// (spec §4.9) and records the disconnect for the adapter-disruption
// guard.
func (c *Controller) OnUnexpectedDisconnect(addr model.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.recordDisruptionLocked(addr) {
		return
	}
	c.scheduleLocked(addr, 1)
}

// Cancel drops any scheduled attempt for addr (forget, user-disconnect,
// or a user connect joining an in-flight reconnect).
func (c *Controller) Cancel(addr model.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelLocked(addr)
}

func (c *Controller) cancelLocked(addr model.Address) {
	if s, ok := c.schedules[addr]; ok {
		s.timer.Stop()
		delete(c.schedules, addr)
	}
}

// scheduleLocked arms a timer for addr's next attempt. Must be called
// with c.mu held.
func (c *Controller) scheduleLocked(addr model.Address, attempt int) {
	c.cancelLocked(addr)

	delay := c.delayFor(attempt)
	timer := time.AfterFunc(delay, func() { c.fire(addr, attempt) })
	c.schedules[addr] = &schedule{attempt: attempt, timer: timer}
}

// delayFor implements spec §4.9's formula: base*1.5^(attempt-2) with
// ±20% jitter, capped at reconnect_max_backoff_seconds, except attempt
// 1 which is always exactly 10s (±jitter). Attempt 2 is the first to
// use the base interval unscaled (exponent 0); attempt 3 is base*1.5,
// and so on.
func (c *Controller) delayFor(attempt int) time.Duration {
	if attempt <= 1 {
		return jitter(firstAttemptDelay)
	}

	intervalSeconds, maxBackoffSeconds := c.settings()
	base := float64(intervalSeconds) * pow(backoffFactor, float64(attempt-2))
	capped := min(base, float64(maxBackoffSeconds))
	return jitter(time.Duration(capped * float64(time.Second)))
}

func jitter(d time.Duration) time.Duration {
	spread := (rand.Float64()*2 - 1) * jitterSpread
	return d + time.Duration(float64(d)*spread)
}

func pow(base, exp float64) float64 {
	result := 1.0
	for i := 0.0; i < exp; i++ {
		result *= base
	}
	return result
}

// fire runs at a scheduled attempt's delay. It re-checks every firing
// condition spec §4.9 lists; any failure cancels the schedule outright
// rather than rescheduling.
func (c *Controller) fire(addr model.Address, attempt int) {
	c.mu.Lock()
	if time.Now().Before(c.suppressUntil) {
		c.mu.Unlock()
		return
	}
	if _, stillScheduled := c.schedules[addr]; !stillScheduled {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if !c.gate.AutoReconnectEnabled() {
		c.Cancel(addr)
		return
	}
	autoConnect, inStore := c.gate.AutoConnect(addr)
	if !autoConnect || !inStore {
		c.Cancel(addr)
		return
	}
	if c.gate.Suppressed(addr) {
		c.Cancel(addr)
		return
	}

	err := c.connect(context.Background(), addr)

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, stillScheduled := c.schedules[addr]; !stillScheduled {
		return
	}
	if err != nil {
		c.scheduleLocked(addr, attempt+1)
		return
	}
	delete(c.schedules, addr)
}

// Bootstrap implements spec §4.10 step 10: for each address the
// coordinator reports as auto_connect, schedule a first attempt
// staggered 0-2s, bounded to bootstrapConcurrency concurrent in-flight
// connects so a large paired-device set doesn't flood the adapter at
// once.
func (c *Controller) Bootstrap(ctx context.Context, addresses []model.Address) {
	for _, addr := range addresses {
		addr := addr
		stagger := time.Duration(rand.Float64() * float64(bootstrapMaxStagger))
		go func() {
			select {
			case <-ctx.Done():
				return
			case <-time.After(stagger):
			}
			if err := c.sem.Acquire(ctx, 1); err != nil {
				return
			}
			defer c.sem.Release(1)

			if err := c.connect(ctx, addr); err != nil {
				c.mu.Lock()
				c.scheduleLocked(addr, 2)
				c.mu.Unlock()
			}
		}()
	}
}
