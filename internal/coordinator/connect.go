package coordinator

import (
	"context"
	"time"

	"github.com/btaudio/btaudiod/internal/bluez"
	"github.com/btaudio/btaudiod/internal/eventbus"
	"github.com/btaudio/btaudiod/internal/kinderr"
	"github.com/btaudio/btaudiod/internal/model"
)

const (
	busyRetryDelay     = time.Second
	transportWait      = 10 * time.Second
	transportPoll      = 250 * time.Millisecond
	avrcpRetries       = 3
	avrcpRetryInterval = 2 * time.Second
	avrcpCooldown      = 60 * time.Second
	sinkWait           = 30 * time.Second
)

// Connect implements spec §4.10's ten-step Connect operation. It is
// idempotent (for a device already connected only the BlueZ Connect
// call is skipped; the remaining steps run again) and serialized per
// address by lockFor.
func (c *Coordinator) Connect(ctx context.Context, addr model.Address) error {
	// Step 1.
	c.reconnect.Cancel(addr)
	c.suppress.Delete(addr)

	lock := c.lockFor(addr)
	lock.Lock()
	defer lock.Unlock()

	rd, ok := c.runtime.Load(addr)
	if !ok {
		return kinderr.New(kinderr.DeviceUnreachable, "coordinator-connect", "unknown device "+addr.String())
	}

	// Step 2.
	c.connecting.Store(addr, struct{}{})
	rd.Transitioning = true
	defer func() {
		c.connecting.Delete(addr)
		rd.Transitioning = false
	}()

	handle := c.bluezSess.DeviceByAddress(c.adapterPathValue(), addr)

	// Step 3.
	if !rd.Connected {
		if err := c.connectWithBusyRetry(ctx, handle); err != nil {
			return err
		}
	}

	// Step 4: wait for the service interfaces to appear. DeviceInfo
	// only surfaces BlueZ's Connected property, so "interfaces appeared"
	// is approximated by the device reporting Connected rather than by
	// introspecting for org.bluez.MediaTransport1 directly.
	info, err := c.waitForTransport(ctx, handle)
	if err != nil {
		c.abortConnect(addr, rd)
		return err
	}
	if !info.Connected {
		c.abortConnect(addr, rd)
		return kinderr.New(kinderr.DeviceUnreachable, "coordinator-connect", "device disconnected during connect")
	}

	// Step 5: best-effort AVRCP discovery, cooldown-gated, never aborts
	// the connect.
	if rd.AvrcpEnabled {
		c.subscribeAVRCP(ctx, addr, handle)
	}

	// Step 6.
	if err := c.activateProfile(ctx, addr, rd.AudioProfile); err != nil {
		c.abortConnect(addr, rd)
		return err
	}

	// Step 7.
	sink, err := c.pulseCl.WaitForSink(ctx, addr, rd.AudioProfile, sinkWait)
	if err != nil {
		c.abortConnect(addr, rd)
		return kinderr.Wrap(err, kinderr.SinkTimeout, "coordinator-connect", "sink did not appear for "+addr.String())
	}

	// Step 8.
	c.enterPlayingLocked(addr, rd, sink)

	// Step 9.
	if rd.MpdEnabled {
		if err := c.startMpdLocked(addr, rd, sink); err != nil {
			// MpdFailed degrades per spec §7, it does not abort the connect.
			c.bus.Publish(eventbus.TopicStatus, err.Error())
		}
	}

	// Step 10.
	now := time.Now()
	rd.Connected = true
	rd.PresentInBluez = true
	rd.PairedInBluez = true
	rd.LastConnectedAt = &now
	c.publishDevicesChanged()
	return nil
}

func (c *Coordinator) connectWithBusyRetry(ctx context.Context, handle DeviceHandle) error {
	err := handle.Connect(ctx)
	if err == nil {
		return nil
	}
	if kind, ok := kinderr.Of(err); ok && kind == kinderr.Busy {
		select {
		case <-time.After(busyRetryDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
		return handle.Connect(ctx)
	}
	return err
}

// waitForTransport polls the device's properties until it reports
// Connected (the DeviceInfo stand-in for "MediaTransport1 appeared",
// see subscribeAVRCP's doc comment for the same simplification) or
// transportWait elapses.
func (c *Coordinator) waitForTransport(ctx context.Context, handle DeviceHandle) (bluez.DeviceInfo, error) {
	deadline := time.Now().Add(transportWait)
	for {
		info, err := handle.Properties(ctx)
		if err != nil {
			return bluez.DeviceInfo{}, err
		}
		if info.Connected {
			return info, nil
		}
		if time.Now().After(deadline) {
			return bluez.DeviceInfo{}, kinderr.New(kinderr.DeviceUnreachable, "coordinator-wait-transport", "timed out waiting for service interfaces")
		}
		select {
		case <-time.After(transportPoll):
		case <-ctx.Done():
			return bluez.DeviceInfo{}, ctx.Err()
		}
	}
}

// abortConnect implements spec §4.10 "at any point after step 3, if a
// disconnect signal fires, the operation aborts, partial state is torn
// down in reverse order". Called on any failure after the connect call
// itself; tearing down an operation that never got far is a harmless
// no-op (Stop/Cancel on an idle KeepAlive or Supervisor do nothing).
func (c *Coordinator) abortConnect(addr model.Address, rd *model.RuntimeDevice) {
	c.stopMpdLocked(addr)
	c.stopKeepAliveLocked(addr)
	c.cancelIdleTimersLocked(addr)
	rd.Connected = false
	c.bus.Publish(eventbus.TopicStatus, "connect aborted for "+addr.String())
	c.publishDevicesChanged()
}

func (c *Coordinator) activateProfile(ctx context.Context, addr model.Address, profile model.AudioProfile) error {
	card, found, err := c.pulseCl.FindCardForDevice(ctx, addr)
	if err != nil {
		return kinderr.Wrap(err, kinderr.AudioProfileFailed, "coordinator-activate-profile", "cannot look up PulseAudio card for "+addr.String())
	}
	if !found {
		// (b) direct BlueZ ConnectProfile can surface the card before
		// Pulse has noticed it.
		if err := c.connectProfileUUID(ctx, addr, profile); err != nil {
			return kinderr.Wrap(err, kinderr.AudioProfileFailed, "coordinator-activate-profile", "no PulseAudio card for "+addr.String())
		}
		card, found, err = c.pulseCl.FindCardForDevice(ctx, addr)
		if err != nil || !found {
			return kinderr.New(kinderr.AudioProfileFailed, "coordinator-activate-profile", "PulseAudio never exposed a card for "+addr.String())
		}
	}

	// (a) direct profile set.
	if err := c.pulseCl.SwitchProfile(ctx, card, profile); err == nil {
		return nil
	}

	// (b) explicit BlueZ connect_profile(UUID), then retry the direct set.
	if err := c.connectProfileUUID(ctx, addr, profile); err == nil {
		if err := c.pulseCl.SwitchProfile(ctx, card, profile); err == nil {
			return nil
		}
	}

	// (c) module reload: Pulse forgets and rediscovers the card from
	// scratch when the BlueZ profile connection above lands, so a second
	// lookup-and-switch after a short settle is the "reload" step.
	time.Sleep(500 * time.Millisecond)
	card, found, err = c.pulseCl.FindCardForDevice(ctx, addr)
	if err != nil || !found {
		return kinderr.New(kinderr.AudioProfileFailed, "coordinator-activate-profile", "module reload did not recover a card for "+addr.String())
	}
	if err := c.pulseCl.SwitchProfile(ctx, card, profile); err != nil {
		return kinderr.Wrap(err, kinderr.AudioProfileFailed, "coordinator-activate-profile", "could not switch profile for "+addr.String())
	}
	return nil
}

func (c *Coordinator) connectProfileUUID(ctx context.Context, addr model.Address, profile model.AudioProfile) error {
	handle := c.bluezSess.DeviceByAddress(c.adapterPathValue(), addr)
	uuid := a2dpSinkUUID
	if profile == model.ProfileHFP {
		uuid = hfpAudioGatewayUUID
	}
	return handle.ConnectProfile(ctx, uuid)
}

const (
	a2dpSinkUUID        = "0000110b-0000-1000-8000-00805f9b34fb"
	hfpAudioGatewayUUID = "0000111f-0000-1000-8000-00805f9b34fb"
	avrcpTargetUUID     = "0000110c-0000-1000-8000-00805f9b34fb"
	avrcpControllerUUID = "0000110e-0000-1000-8000-00805f9b34fb"
)

// subscribeAVRCP approximates spec §4.10 step 5: BlueZ exposes a
// MediaPlayer1 object only once the remote device advertises AVRCP
// support, which internal/bluez's DeviceInfo does not introspect
// directly (see bluez.go's package doc on dropping the MediaPlayer1
// surface). Presence of the AVRCP UUIDs in the device's UUID list is
// used as the observable stand-in for "MediaPlayer1 appeared", retried
// on the same cadence the spec prescribes, with the same 60s cooldown
// to avoid re-searching across brief reconnect flaps.
func (c *Coordinator) subscribeAVRCP(ctx context.Context, addr model.Address, handle DeviceHandle) {
	if until, ok := c.avrcpCooldownUntil.Load(addr); ok && time.Now().Before(until) {
		return
	}
	for attempt := 0; attempt < avrcpRetries; attempt++ {
		info, err := handle.Properties(ctx)
		if err == nil && hasAVRCP(info.UUIDs) {
			return
		}
		select {
		case <-time.After(avrcpRetryInterval):
		case <-ctx.Done():
			return
		}
	}
	c.avrcpCooldownUntil.Store(addr, time.Now().Add(avrcpCooldown))
}

func hasAVRCP(uuids []string) bool {
	for _, u := range uuids {
		if u == avrcpTargetUUID || u == avrcpControllerUUID {
			return true
		}
	}
	return false
}

func (c *Coordinator) finishConnectSetup(ctx context.Context, addr model.Address) {
	rd, ok := c.runtime.Load(addr)
	if !ok {
		return
	}
	lock := c.lockFor(addr)
	lock.Lock()
	defer lock.Unlock()

	sink, found, err := c.pulseCl.FindSink(ctx, addr, rd.AudioProfile)
	if err != nil || !found {
		return
	}
	c.enterPlayingLocked(addr, rd, sink)
	if rd.MpdEnabled {
		_ = c.startMpdLocked(addr, rd, sink)
	}
}

// handleObservedConnect adopts a device BlueZ reports connected that
// this Coordinator did not initiate (e.g. paired and connected via a
// different tool while the daemon was running). It runs the same
// post-transport setup a bootstrap reconnect would.
func (c *Coordinator) handleObservedConnect(addr model.Address) {
	rd, ok := c.runtime.Load(addr)
	if !ok {
		return
	}
	rd.Connected = true
	now := time.Now()
	rd.LastConnectedAt = &now
	c.finishConnectSetup(context.Background(), addr)
	c.publishDevicesChanged()
}

// ForceReconnect implements the ControlApi `force-reconnect` command:
// disconnect (if connected) then connect. Each half takes and releases
// the per-device lock on its own, so another operation on addr can run
// between the two.
func (c *Coordinator) ForceReconnect(ctx context.Context, addr model.Address) error {
	if _, ok := c.runtime.Load(addr); !ok {
		return kinderr.New(kinderr.DeviceUnreachable, "coordinator-force-reconnect", "unknown device "+addr.String())
	}
	if rd, ok := c.runtime.Load(addr); ok && rd.Connected {
		if err := c.Disconnect(ctx, addr); err != nil {
			return err
		}
	}
	return c.Connect(ctx, addr)
}
