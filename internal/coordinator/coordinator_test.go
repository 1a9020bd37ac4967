package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/btaudio/btaudiod/internal/bluez"
	"github.com/btaudio/btaudiod/internal/eventbus"
	"github.com/btaudio/btaudiod/internal/model"
	"github.com/btaudio/btaudiod/internal/pulse"
)

// fakeStore is a minimal in-memory store.Store, grounded on
// internal/reconnect's fakeGate/fakeConnector style: a mutex-protected
// map standing in for json_store.go's file-backed one.
type fakeStore struct {
	mu       sync.Mutex
	devices  map[model.Address]model.PersistedDevice
	settings model.GlobalSettings
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		devices:  map[model.Address]model.PersistedDevice{},
		settings: model.DefaultGlobalSettings(),
	}
}

func (s *fakeStore) Load(ctx context.Context) error { return nil }

func (s *fakeStore) Devices() []model.PersistedDevice {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.PersistedDevice, 0, len(s.devices))
	for _, d := range s.devices {
		out = append(out, d)
	}
	return out
}

func (s *fakeStore) Device(addr model.Address) (model.PersistedDevice, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[addr]
	return d, ok
}

func (s *fakeStore) UpsertDevice(ctx context.Context, d model.PersistedDevice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[d.Address] = d
	return nil
}

func (s *fakeStore) UpdateDevice(ctx context.Context, addr model.Address, patch model.DevicePatch) (model.PersistedDevice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := patch.Apply(s.devices[addr])
	if err != nil {
		return model.PersistedDevice{}, err
	}
	s.devices[addr] = d
	return d, nil
}

func (s *fakeStore) RemoveDevice(ctx context.Context, addr model.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.devices, addr)
	return nil
}

func (s *fakeStore) Settings() model.GlobalSettings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

func (s *fakeStore) PutSettings(ctx context.Context, settings model.GlobalSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = settings
	return nil
}

func (s *fakeStore) Path() string { return "/fake/store" }

func (s *fakeStore) put(addr model.Address, mutate func(*model.PersistedDevice)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.devices[addr]
	if d.Address == "" {
		d = model.DefaultPersistedDevice(addr, "fake-"+string(addr))
	}
	mutate(&d)
	s.devices[addr] = d
}

// fakeDeviceHandle is a per-address DeviceHandle double.
type fakeDeviceHandle struct {
	addr model.Address
	sess *fakeBluezSession
}

func (h *fakeDeviceHandle) Pair(ctx context.Context) error { return nil }

func (h *fakeDeviceHandle) Connect(ctx context.Context) error {
	return h.sess.connectFor(h.addr)
}

func (h *fakeDeviceHandle) Disconnect(ctx context.Context) error {
	h.sess.mu.Lock()
	h.sess.connected[h.addr] = false
	h.sess.disconnectCalls = append(h.sess.disconnectCalls, h.addr)
	h.sess.mu.Unlock()
	return nil
}

func (h *fakeDeviceHandle) ConnectProfile(ctx context.Context, uuid string) error { return nil }

func (h *fakeDeviceHandle) Remove(ctx context.Context, adapterPath dbus.ObjectPath) error {
	h.sess.mu.Lock()
	h.sess.removeCalls = append(h.sess.removeCalls, h.addr)
	h.sess.mu.Unlock()
	return nil
}

func (h *fakeDeviceHandle) SetTrusted(enable bool) error { return nil }

func (h *fakeDeviceHandle) Properties(ctx context.Context) (bluez.DeviceInfo, error) {
	h.sess.mu.Lock()
	defer h.sess.mu.Unlock()
	return bluez.DeviceInfo{
		Address:   h.addr,
		Connected: h.sess.connected[h.addr],
		Paired:    true,
		UUIDs:     h.sess.uuids[h.addr],
	}, nil
}

// fakeBluezSession is a narrow BluezSession double: no real D-Bus, just
// enough bookkeeping for Connect/Disconnect/Forget/reconnect to exercise.
type fakeBluezSession struct {
	mu              sync.Mutex
	adapterPath     dbus.ObjectPath
	connected       map[model.Address]bool
	uuids           map[model.Address][]string
	connectErr      map[model.Address]error
	disconnectCalls []model.Address
	removeCalls     []model.Address
}

func newFakeBluezSession() *fakeBluezSession {
	return &fakeBluezSession{
		adapterPath: dbus.ObjectPath("/org/bluez/hci0"),
		connected:   map[model.Address]bool{},
		uuids:       map[model.Address][]string{},
		connectErr:  map[model.Address]error{},
	}
}

func (s *fakeBluezSession) connectFor(addr model.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.connectErr[addr]; err != nil {
		return err
	}
	s.connected[addr] = true
	return nil
}

func (s *fakeBluezSession) ResolveAdapter(ctx context.Context, selector string) (bluez.AdapterInfo, error) {
	return bluez.AdapterInfo{Path: s.adapterPath, Powered: true}, nil
}

func (s *fakeBluezSession) Adapters(ctx context.Context) ([]bluez.AdapterInfo, error) {
	return []bluez.AdapterInfo{{Path: s.adapterPath, Powered: true}}, nil
}

func (s *fakeBluezSession) Devices(ctx context.Context) ([]bluez.DeviceInfo, error) {
	return nil, nil
}

func (s *fakeBluezSession) DeviceByAddress(adapterPath dbus.ObjectPath, addr model.Address) DeviceHandle {
	return &fakeDeviceHandle{addr: addr, sess: s}
}

func (s *fakeBluezSession) RemoveDevice(ctx context.Context, adapterPath, devicePath dbus.ObjectPath) error {
	return nil
}

func (s *fakeBluezSession) SetPowered(ctx context.Context, path dbus.ObjectPath, on bool) error {
	return nil
}

func (s *fakeBluezSession) StartDiscovery(ctx context.Context, path dbus.ObjectPath) error {
	return nil
}

func (s *fakeBluezSession) StopDiscovery(ctx context.Context, path dbus.ObjectPath) error {
	return nil
}

func (s *fakeBluezSession) Watch() (<-chan bluez.Change, func(), error) {
	ch := make(chan bluez.Change)
	return ch, func() { close(ch) }, nil
}

func (s *fakeBluezSession) setConnected(addr model.Address, connected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected[addr] = connected
}

func (s *fakeBluezSession) wasDisconnected(addr model.Address) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.disconnectCalls {
		if a == addr {
			return true
		}
	}
	return false
}

func (s *fakeBluezSession) wasRemoved(addr model.Address) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.removeCalls {
		if a == addr {
			return true
		}
	}
	return false
}

// fakePulseSink is a narrow PulseSink double keyed by address: only
// sinks registered with setSink are reported, in the state given there,
// so Connect doesn't block on WaitForSink's polling loop for a device
// whose sink a test has set up.
type fakePulseSink struct {
	mu    sync.Mutex
	sinks map[model.Address]pulse.SinkInfo
	cards map[model.Address]pulse.CardInfo
}

func newFakePulseSink() *fakePulseSink {
	return &fakePulseSink{
		sinks: map[model.Address]pulse.SinkInfo{},
		cards: map[model.Address]pulse.CardInfo{},
	}
}

func (p *fakePulseSink) setSink(addr model.Address, state pulse.SinkState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sinks[addr] = pulse.SinkInfo{
		Path:  dbus.ObjectPath("/org/pulseaudio/sink/" + string(addr)),
		Name:  "bluez_sink." + string(addr) + ".a2dp_sink",
		State: state,
	}
	p.cards[addr] = pulse.CardInfo{Path: dbus.ObjectPath("/org/pulseaudio/card/" + string(addr))}
}

func (p *fakePulseSink) clearSink(addr model.Address) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.sinks, addr)
}

func (p *fakePulseSink) FindSink(ctx context.Context, addr model.Address, profile model.AudioProfile) (pulse.SinkInfo, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sinks[addr]
	return s, ok, nil
}

func (p *fakePulseSink) WaitForSink(ctx context.Context, addr model.Address, profile model.AudioProfile, timeout time.Duration) (pulse.SinkInfo, error) {
	deadline := time.Now().Add(timeout)
	for {
		if s, ok, _ := p.FindSink(ctx, addr, profile); ok {
			return s, nil
		}
		if time.Now().After(deadline) {
			return pulse.SinkInfo{}, context.DeadlineExceeded
		}
		time.Sleep(time.Millisecond)
	}
}

func (p *fakePulseSink) Sinks(ctx context.Context) ([]pulse.SinkInfo, error) { return nil, nil }

func (p *fakePulseSink) Suspend(ctx context.Context, sink dbus.ObjectPath) error { return nil }
func (p *fakePulseSink) Resume(ctx context.Context, sink dbus.ObjectPath) error  { return nil }

func (p *fakePulseSink) FindCardForDevice(ctx context.Context, addr model.Address) (pulse.CardInfo, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.cards[addr]
	return c, ok, nil
}

func (p *fakePulseSink) SwitchProfile(ctx context.Context, card pulse.CardInfo, profile model.AudioProfile) error {
	return nil
}

const testAddr = model.Address("AA:BB:CC:DD:EE:01")

func newTestCoordinator(t *testing.T, st *fakeStore, bl *fakeBluezSession, pu *fakePulseSink) *Coordinator {
	t.Helper()
	cfg := Config{
		Store:      st,
		Bus:        eventbus.New(),
		Bluez:      bl,
		Pulse:      pu,
		RuntimeDir: t.TempDir(),
		ScriptsDir: t.TempDir(),
	}
	return New(cfg)
}

func TestConnectHappyPath(t *testing.T) {
	st := newFakeStore()
	st.put(testAddr, func(d *model.PersistedDevice) { d.IdleMode = model.IdleDefault })
	bl := newFakeBluezSession()
	pu := newFakePulseSink()
	pu.setSink(testAddr, pulse.StateRunning)

	c := newTestCoordinator(t, st, bl, pu)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Shutdown()

	if err := c.Connect(context.Background(), testAddr); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	rd, ok := c.Device(testAddr)
	if !ok || !rd.Connected {
		t.Fatalf("expected device connected, got %+v ok=%v", rd, ok)
	}
	if rd.SinkState != model.SinkRunning {
		t.Fatalf("expected sink_state running, got %v", rd.SinkState)
	}
}

func TestConnectUnknownDeviceFails(t *testing.T) {
	c := newTestCoordinator(t, newFakeStore(), newFakeBluezSession(), newFakePulseSink())
	if err := c.Connect(context.Background(), model.Address("00:00:00:00:00:00")); err == nil {
		t.Fatal("expected error connecting to a device absent from the store")
	}
}

func TestDisconnectSuppressesReconnect(t *testing.T) {
	st := newFakeStore()
	st.put(testAddr, func(d *model.PersistedDevice) { d.AutoConnect = true })
	bl := newFakeBluezSession()
	pu := newFakePulseSink()
	pu.setSink(testAddr, pulse.StateRunning)

	c := newTestCoordinator(t, st, bl, pu)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Shutdown()
	if err := c.Connect(context.Background(), testAddr); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if err := c.Disconnect(context.Background(), testAddr); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}

	if !bl.wasDisconnected(testAddr) {
		t.Fatal("expected BlueZ Disconnect to have been called")
	}
	if !c.gateSuppressed(testAddr) {
		t.Fatal("expected address to be marked suppress_reconnect after user-initiated disconnect")
	}
}

func TestUnexpectedDisconnectDoesNotSuppress(t *testing.T) {
	st := newFakeStore()
	st.put(testAddr, func(d *model.PersistedDevice) { d.AutoConnect = true })
	bl := newFakeBluezSession()
	pu := newFakePulseSink()
	pu.setSink(testAddr, pulse.StateRunning)

	c := newTestCoordinator(t, st, bl, pu)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Shutdown()
	if err := c.Connect(context.Background(), testAddr); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	c.handleUnexpectedDisconnect(testAddr)

	if c.gateSuppressed(testAddr) {
		t.Fatal("an unexpected disconnect must never set suppress_reconnect")
	}
	rd, _ := c.Device(testAddr)
	if rd.Connected {
		t.Fatal("expected device marked disconnected")
	}
}

func TestForgetRemovesFromStoreAndRuntime(t *testing.T) {
	st := newFakeStore()
	st.put(testAddr, func(d *model.PersistedDevice) {})
	bl := newFakeBluezSession()
	pu := newFakePulseSink()

	c := newTestCoordinator(t, st, bl, pu)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Shutdown()

	if err := c.Forget(context.Background(), testAddr); err != nil {
		t.Fatalf("Forget: %v", err)
	}

	if _, ok := st.Device(testAddr); ok {
		t.Fatal("expected device removed from the store")
	}
	if _, ok := c.Device(testAddr); ok {
		t.Fatal("expected device removed from runtime state")
	}
	if !bl.wasRemoved(testAddr) {
		t.Fatal("expected BlueZ Remove to have been called")
	}
}

func TestForgetToleratesNeverPairedDevice(t *testing.T) {
	// Forget must be safe to call on a device that was only ever
	// discovered, never paired into the store.
	st := newFakeStore()
	bl := newFakeBluezSession()
	pu := newFakePulseSink()
	c := newTestCoordinator(t, st, bl, pu)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Shutdown()

	if err := c.Forget(context.Background(), testAddr); err != nil {
		t.Fatalf("Forget on unknown device should not error: %v", err)
	}
}

func TestIdleModePowerSaveSuspendsAfterDelay(t *testing.T) {
	st := newFakeStore()
	st.put(testAddr, func(d *model.PersistedDevice) {
		d.IdleMode = model.IdlePowerSave
		d.PowerSaveDelaySeconds = 0
	})
	bl := newFakeBluezSession()
	pu := newFakePulseSink()
	pu.setSink(testAddr, pulse.StateRunning)

	c := newTestCoordinator(t, st, bl, pu)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Shutdown()
	if err := c.Connect(context.Background(), testAddr); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	c.lockAndEnterIdle(testAddr)

	// A zero-delay power_save timer fires almost immediately.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		rd, _ := c.Device(testAddr)
		if rd.SinkState == model.SinkSuspended {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected sink_state to become suspended after the power_save timer fired")
}

func TestCancelIdleTimersStopsBothTimers(t *testing.T) {
	c := newTestCoordinator(t, newFakeStore(), newFakeBluezSession(), newFakePulseSink())
	c.pendingSuspend.Store(testAddr, time.AfterFunc(time.Hour, func() {}))
	c.pendingAutoDisconnect.Store(testAddr, time.AfterFunc(time.Hour, func() {}))

	c.cancelIdleTimersLocked(testAddr)

	if _, ok := c.pendingSuspend.Load(testAddr); ok {
		t.Fatal("expected pending suspend timer cleared")
	}
	if _, ok := c.pendingAutoDisconnect.Load(testAddr); ok {
		t.Fatal("expected pending auto-disconnect timer cleared")
	}
}

func TestAddressFromPathReversesBluezScheme(t *testing.T) {
	adapter := dbus.ObjectPath("/org/bluez/hci0")
	devicePath := dbus.ObjectPath("/org/bluez/hci0/dev_AA_BB_CC_DD_EE_01")

	addr, ok := addressFromPath(adapter, devicePath)
	if !ok {
		t.Fatal("expected addressFromPath to resolve a well-formed device path")
	}
	if addr != testAddr {
		t.Fatalf("got %v, want %v", addr, testAddr)
	}
}

func TestAddressFromPathRejectsForeignAdapter(t *testing.T) {
	adapter := dbus.ObjectPath("/org/bluez/hci0")
	devicePath := dbus.ObjectPath("/org/bluez/hci1/dev_AA_BB_CC_DD_EE_01")

	if _, ok := addressFromPath(adapter, devicePath); ok {
		t.Fatal("expected addressFromPath to reject a path under a different adapter")
	}
}

func TestSwitchAdapterDisconnectsAndPersists(t *testing.T) {
	st := newFakeStore()
	st.put(testAddr, func(d *model.PersistedDevice) {})
	bl := newFakeBluezSession()
	pu := newFakePulseSink()
	pu.setSink(testAddr, pulse.StateRunning)

	c := newTestCoordinator(t, st, bl, pu)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Shutdown()
	if err := c.Connect(context.Background(), testAddr); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	err := c.SwitchAdapter(context.Background(), "AA:BB:CC:00:00:01", false)
	if err == nil {
		t.Fatal("expected a RestartRequiredError")
	}
	rre, ok := err.(*RestartRequiredError)
	if !ok {
		t.Fatalf("expected *RestartRequiredError, got %v (%T)", err, err)
	}
	if rre.Code != ExitRestartRequired {
		t.Fatalf("got exit code %d, want %d", rre.Code, ExitRestartRequired)
	}
	if !bl.wasDisconnected(testAddr) {
		t.Fatal("expected connected devices to be disconnected before the switch")
	}
	if st.Settings().SelectedAdapter != "AA:BB:CC:00:00:01" {
		t.Fatalf("expected new selected_adapter persisted, got %q", st.Settings().SelectedAdapter)
	}
}

func TestScanStatusReflectsInFlightScan(t *testing.T) {
	st := newFakeStore()
	st.settings.ScanDurationSeconds = 1
	c := newTestCoordinator(t, st, newFakeBluezSession(), newFakePulseSink())
	if scanning, _ := c.ScanStatus(); scanning {
		t.Fatal("expected no scan in progress initially")
	}

	duration, err := c.StartScan(context.Background())
	if err != nil {
		t.Fatalf("StartScan: %v", err)
	}
	if duration != 1 {
		t.Fatalf("expected a 1s scan duration, got %d", duration)
	}

	scanning, remaining := c.ScanStatus()
	if !scanning {
		t.Fatal("expected scan in progress immediately after StartScan")
	}
	if remaining <= 0 {
		t.Fatalf("expected positive seconds_remaining, got %d", remaining)
	}

	time.Sleep(1100 * time.Millisecond)
	if scanning, _ := c.ScanStatus(); scanning {
		t.Fatal("expected scan to have finished after its duration elapsed")
	}
}

// gateSuppressed exposes suppress_reconnect membership for test
// assertions without reaching past the package boundary.
func (c *Coordinator) gateSuppressed(addr model.Address) bool {
	_, ok := c.suppress.Load(addr)
	return ok
}

