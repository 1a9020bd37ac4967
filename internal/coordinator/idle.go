package coordinator

import (
	"context"
	"time"

	"github.com/btaudio/btaudiod/internal/eventbus"
	"github.com/btaudio/btaudiod/internal/keepalive"
	"github.com/btaudio/btaudiod/internal/kinderr"
	"github.com/btaudio/btaudiod/internal/mpd"
	"github.com/btaudio/btaudiod/internal/model"
	"github.com/btaudio/btaudiod/internal/pulse"
)

const sinkPollInterval = 5 * time.Second

// startSinkPoller implements spec §4.10's "Sink poller": every 5s,
// recompute every managed, connected device's sink_state and react to
// the transitions the spec's idle-mode table names.
func (c *Coordinator) startSinkPoller(ctx context.Context) {
	pollCtx, cancel := context.WithCancel(ctx)
	c.pollCancel = cancel
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(sinkPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-pollCtx.Done():
				return
			case <-ticker.C:
				c.pollSinksOnce(pollCtx)
			}
		}
	}()
}

type sinkObservation struct {
	addr model.Address
	sink pulse.SinkInfo
}

// pollSinksOnce reads every managed device's current sink_state and
// fans transitions out to the locked handlers below. devices_changed is
// only published when at least one device's sink_state actually moved
// (spec testable property 6).
func (c *Coordinator) pollSinksOnce(ctx context.Context) {
	var toAbsent []model.Address
	var toPlaying []sinkObservation
	var toIdle []model.Address
	anyChanged := false

	c.runtime.Range(func(addr model.Address, rd *model.RuntimeDevice) bool {
		if !rd.Connected {
			return true
		}
		state, sink, _ := c.lookupSinkState(ctx, addr, rd.AudioProfile)

		lock := c.lockFor(addr)
		lock.Lock()
		prev := rd.SinkState
		if state == prev {
			lock.Unlock()
			return true
		}
		rd.SinkState = state
		lock.Unlock()

		anyChanged = true
		switch {
		case state == model.SinkAbsent && prev != "" && prev != model.SinkAbsent:
			toAbsent = append(toAbsent, addr)
		case state == model.SinkRunning:
			toPlaying = append(toPlaying, sinkObservation{addr, sink})
		case prev == model.SinkRunning && (state == model.SinkIdle || state == model.SinkSuspended):
			toIdle = append(toIdle, addr)
		}
		return true
	})

	for _, addr := range toAbsent {
		c.handleUnexpectedDisconnect(addr)
	}
	for _, obs := range toPlaying {
		c.lockAndEnterPlaying(obs.addr, obs.sink)
	}
	for _, addr := range toIdle {
		c.lockAndEnterIdle(addr)
	}
	if anyChanged {
		c.publishDevicesChanged()
	}
}

func (c *Coordinator) lookupSinkState(ctx context.Context, addr model.Address, profile model.AudioProfile) (model.SinkState, pulse.SinkInfo, bool) {
	sink, found, err := c.pulseCl.FindSink(ctx, addr, profile)
	if err != nil || !found {
		return model.SinkAbsent, pulse.SinkInfo{}, false
	}
	switch sink.State {
	case pulse.StateRunning:
		return model.SinkRunning, sink, true
	case pulse.StateIdle:
		return model.SinkIdle, sink, true
	default:
		return model.SinkSuspended, sink, true
	}
}

func (c *Coordinator) lockAndEnterPlaying(addr model.Address, sink pulse.SinkInfo) {
	lock := c.lockFor(addr)
	lock.Lock()
	defer lock.Unlock()
	rd, ok := c.runtime.Load(addr)
	if !ok {
		return
	}
	c.enterPlayingLocked(addr, rd, sink)
}

func (c *Coordinator) lockAndEnterIdle(addr model.Address) {
	lock := c.lockFor(addr)
	lock.Lock()
	defer lock.Unlock()
	rd, ok := c.runtime.Load(addr)
	if !ok {
		return
	}
	c.enterIdleLocked(addr, rd)
}

// enterPlayingLocked is the idle-mode FSM's "* → Playing" transition
// (spec §4.10): cancel any pending suspend/auto-disconnect timer, stop
// an active KeepAlive (real audio took over), and call Resume on the
// sink whenever its path is known, so a sink our own power_save
// handling suspended wakes up. Caller must hold addr's lock.
func (c *Coordinator) enterPlayingLocked(addr model.Address, rd *model.RuntimeDevice, sink pulse.SinkInfo) {
	c.cancelIdleTimersLocked(addr)
	c.stopKeepAliveLocked(addr)
	rd.SinkState = model.SinkRunning
	if sink.Path != "" {
		_ = c.pulseCl.Resume(context.Background(), sink.Path)
	}
}

// enterIdleLocked is the "Playing → Idle-*" transition, dispatching on
// the device's configured idle_mode. Caller must hold addr's lock.
func (c *Coordinator) enterIdleLocked(addr model.Address, rd *model.RuntimeDevice) {
	switch rd.IdleMode {
	case model.IdlePowerSave:
		delay := time.Duration(rd.PowerSaveDelaySeconds) * time.Second
		timer := time.AfterFunc(delay, func() { c.firePowerSave(addr) })
		c.pendingSuspend.Store(addr, timer)
	case model.IdleAutoDisconnect:
		delay := time.Duration(rd.AutoDisconnectMinutes) * time.Minute
		timer := time.AfterFunc(delay, func() { c.fireAutoDisconnect(addr) })
		c.pendingAutoDisconnect.Store(addr, timer)
	case model.IdleKeepAlive:
		c.startKeepAliveLocked(addr, rd)
	case model.IdleDefault:
		// No timer, no action: Idle-Default per spec's table.
	}
}

// cancelIdleTimersLocked stops and drops any pending power-save or
// auto-disconnect timer for addr, ensuring the FSM invariant that no
// two idle timers are ever active simultaneously (testable property 5).
func (c *Coordinator) cancelIdleTimersLocked(addr model.Address) {
	if t, ok := c.pendingSuspend.LoadAndDelete(addr); ok {
		t.Stop()
	}
	if t, ok := c.pendingAutoDisconnect.LoadAndDelete(addr); ok {
		t.Stop()
	}
}

func (c *Coordinator) startKeepAliveLocked(addr model.Address, rd *model.RuntimeDevice) {
	if _, running := c.keepalives.Load(addr); running {
		return
	}
	sinkName := pulseSinkNameFor(addr, rd.AudioProfile)
	k := keepalive.New(addr, sinkName, rd.KeepAliveMethod, c.scriptsDir)
	k.Start(context.Background())
	c.keepalives.Store(addr, k)
	rd.KeepAliveActive = true
}

func (c *Coordinator) stopKeepAliveLocked(addr model.Address) {
	if k, ok := c.keepalives.LoadAndDelete(addr); ok {
		k.Stop()
	}
	if rd, ok := c.runtime.Load(addr); ok {
		rd.KeepAliveActive = false
	}
}

// firePowerSave is the "Idle-PowerSavePending → Idle-PowerSaved" timer
// callback (spec §4.10).
func (c *Coordinator) firePowerSave(addr model.Address) {
	lock := c.lockFor(addr)
	lock.Lock()
	defer lock.Unlock()
	if _, stillPending := c.pendingSuspend.Load(addr); !stillPending {
		return // canceled (sink went running again) before firing
	}
	c.pendingSuspend.Delete(addr)
	rd, ok := c.runtime.Load(addr)
	if !ok || !rd.Connected {
		return
	}
	if sink, found, err := c.pulseCl.FindSink(context.Background(), addr, rd.AudioProfile); err == nil && found {
		_ = c.pulseCl.Suspend(context.Background(), sink.Path)
	}
	rd.SinkState = model.SinkSuspended
	c.publishDevicesChanged()
}

// fireAutoDisconnect is the "Idle-AutoDisconnectPending → Disconnected"
// timer callback. Spec §4.10: "user-disconnect semantics NOT applied:
// reconnect permitted" — so this tears down local resources exactly
// like an unexpected disconnect (no suppress_reconnect entry) and hands
// straight to the reconnect controller rather than calling Disconnect's
// user-initiated flavor.
func (c *Coordinator) fireAutoDisconnect(addr model.Address) {
	lock := c.lockFor(addr)
	lock.Lock()
	if _, stillPending := c.pendingAutoDisconnect.Load(addr); !stillPending {
		lock.Unlock()
		return
	}
	c.pendingAutoDisconnect.Delete(addr)
	rd, ok := c.runtime.Load(addr)
	if !ok || !rd.Connected {
		lock.Unlock()
		return
	}
	c.stopKeepAliveLocked(addr)
	c.stopMpdLocked(addr)
	handle := c.bluezSess.DeviceByAddress(c.adapterPathValue(), addr)
	now := time.Now()
	rd.Connected = false
	rd.LastDisconnectedAt = &now
	lock.Unlock()

	_ = handle.Disconnect(context.Background())
	c.publishDevicesChanged()
	c.reconnect.OnUnexpectedDisconnect(addr)
}

// pulseSinkNameFor mirrors pulse.sinkNameFor's (unexported) naming
// convention, needed here because starting a KeepAlive from the idle
// transition has no SinkInfo already in hand to read the name from.
func pulseSinkNameFor(addr model.Address, profile model.AudioProfile) string {
	suffix := "a2dp_sink"
	if profile == model.ProfileHFP {
		suffix = "handsfree_head_unit"
	}
	return "bluez_sink." + addr.Underscored() + "." + suffix
}

// startMpdLocked implements spec §4.10 step 9: allocate a port (honoring
// a persisted choice when it is not claimed by another running
// supervisor, spec §4.8/testable property 8) and start the per-device
// MPD supervisor. Caller must hold addr's lock.
func (c *Coordinator) startMpdLocked(addr model.Address, rd *model.RuntimeDevice, sink pulse.SinkInfo) error {
	if _, running := c.mpdSupervisors.Load(addr); running {
		return nil
	}

	used := map[int]struct{}{}
	c.mpdPortsInUse.Range(func(a model.Address, p int) bool {
		if a != addr {
			used[p] = struct{}{}
		}
		return true
	})
	port, ok := mpd.AllocatePort(rd.MpdPort, used)
	if !ok {
		return kinderr.New(kinderr.NoFreeMpdPort, "coordinator-start-mpd", "no free MPD port for "+addr.String())
	}

	sup := mpd.NewSupervisor(addr, port, sink.Name, rd.MpdHWVolumePct, c.runtimeDir, c.scriptsDir, mpd.NewExecRunner())
	if err := sup.Start(context.Background()); err != nil {
		return kinderr.Wrap(err, kinderr.MpdFailed, "coordinator-start-mpd", "could not start MPD for "+addr.String())
	}
	c.mpdSupervisors.Store(addr, sup)
	c.mpdPortsInUse.Store(addr, port)
	return nil
}

func (c *Coordinator) stopMpdLocked(addr model.Address) {
	if sup, ok := c.mpdSupervisors.LoadAndDelete(addr); ok {
		_ = sup.Stop()
	}
	c.mpdPortsInUse.Delete(addr)
}

var _ = eventbus.TopicStatus
