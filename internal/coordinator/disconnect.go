package coordinator

import (
	"context"
	"time"

	"github.com/btaudio/btaudiod/internal/eventbus"
	"github.com/btaudio/btaudiod/internal/model"
)

// Disconnect is the user-initiated flavor of spec §4.10's Disconnect
// operation: future reconnect attempts are suppressed until the caller
// explicitly Connects again.
func (c *Coordinator) Disconnect(ctx context.Context, addr model.Address) error {
	c.reconnect.Cancel(addr)
	c.suppress.Store(addr, struct{}{})

	lock := c.lockFor(addr)
	lock.Lock()
	defer lock.Unlock()

	rd, ok := c.runtime.Load(addr)
	if !ok {
		return nil
	}
	rd.Transitioning = true
	defer func() { rd.Transitioning = false }()

	c.cancelIdleTimersLocked(addr)
	c.stopKeepAliveLocked(addr)
	c.stopMpdLocked(addr)

	handle := c.bluezSess.DeviceByAddress(c.adapterPathValue(), addr)
	err := handle.Disconnect(ctx)

	now := time.Now()
	rd.Connected = false
	rd.LastDisconnectedAt = &now
	c.publishDevicesChanged()
	return err
}

// handleUnexpectedDisconnect reacts to a BlueZ-observed disconnect this
// Coordinator did not request: local resources are torn down exactly
// like Disconnect, but suppress_reconnect is never set, and the
// reconnect controller is handed the address afterward (spec §4.9/§4.10)
// so it can schedule a backoff attempt if auto_connect is configured.
func (c *Coordinator) handleUnexpectedDisconnect(addr model.Address) {
	lock := c.lockFor(addr)
	lock.Lock()
	rd, ok := c.runtime.Load(addr)
	if !ok {
		lock.Unlock()
		return
	}
	if !rd.Connected {
		lock.Unlock()
		return
	}

	c.cancelIdleTimersLocked(addr)
	c.stopKeepAliveLocked(addr)
	c.stopMpdLocked(addr)

	now := time.Now()
	rd.Connected = false
	rd.LastDisconnectedAt = &now
	lock.Unlock()

	c.publishDevicesChanged()
	// Called outside addr's lock: the reconnect controller keeps its own
	// bookkeeping mutex and may itself call back into Connect, which
	// would re-acquire this lock.
	c.reconnect.OnUnexpectedDisconnect(addr)
}

// Forget implements spec §4.10's Forget operation. It must tolerate
// being called on a device that was only ever discovered (never paired)
// — BlueZ's RemoveDevice failing in that case is published as a status
// event, not fatal.
func (c *Coordinator) Forget(ctx context.Context, addr model.Address) error {
	if rd, ok := c.runtime.Load(addr); ok && rd.Connected {
		_ = c.Disconnect(ctx, addr)
	} else {
		c.reconnect.Cancel(addr)
		c.suppress.Store(addr, struct{}{})
	}

	handle := c.bluezSess.DeviceByAddress(c.adapterPathValue(), addr)
	if err := handle.Remove(ctx, c.adapterPathValue()); err != nil {
		c.bus.Publish(eventbus.TopicStatus, "forget: BlueZ remove failed for "+addr.String()+": "+err.Error())
	}

	if err := c.store.RemoveDevice(ctx, addr); err != nil {
		return err
	}

	c.runtime.Delete(addr)
	c.suppress.Delete(addr)
	c.mpdPortsInUse.Delete(addr)
	c.locks.Delete(addr)
	c.avrcpCooldownUntil.Delete(addr)
	c.publishDevicesChanged()
	return nil
}
