// Package coordinator implements spec §4.10: the Coordinator owns the
// single authoritative RuntimeDevice for every managed address and
// drives every Bluetooth/PulseAudio/MPD state transition behind a
// per-address lock. Every other component (ControlApi, the reconnect
// controller, the sink poller) asks the Coordinator to do something and
// watches EventBus for the result — nothing else is allowed to mutate
// RuntimeDevice directly.
//
// Grounded on ampli-pi4/internal/controller/controller.go's
// apply(fn func(*models.State) error) primitive: lock, copy, mutate,
// persist, publish. That primitive operated on one global state blob;
// here it is generalized to one RuntimeDevice per address, each with
// its own lock kept in a github.com/puzpuzpuz/xsync/v3 map instead of
// the teacher's single struct-level mutex, since per-device operations
// (spec §5 "ordering guarantees") must not serialize against each
// other.
//
// BlueZ and PulseAudio are reached through the narrow BluezSession and
// PulseSink interfaces below rather than the concrete *bluez.Manager and
// *pulse.Client types, so coordinator_test.go can substitute fakes —
// the same boundary-interface discipline as internal/reconnect.Gate and
// internal/store.Store, and the same spirit as ampli-pi4's
// internal/hardware.Driver mock.
package coordinator

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/btaudio/btaudiod/internal/bluez"
	"github.com/btaudio/btaudiod/internal/eventbus"
	"github.com/btaudio/btaudiod/internal/keepalive"
	"github.com/btaudio/btaudiod/internal/mpd"
	"github.com/btaudio/btaudiod/internal/model"
	"github.com/btaudio/btaudiod/internal/mpris"
	"github.com/btaudio/btaudiod/internal/pulse"
	"github.com/btaudio/btaudiod/internal/reconnect"
	"github.com/btaudio/btaudiod/internal/store"
)

// DeviceHandle is the per-device subset of *bluez.Device's behavior the
// Connect/Disconnect/Forget operations need.
type DeviceHandle interface {
	Pair(ctx context.Context) error
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	ConnectProfile(ctx context.Context, uuid string) error
	Remove(ctx context.Context, adapterPath dbus.ObjectPath) error
	SetTrusted(enable bool) error
	Properties(ctx context.Context) (bluez.DeviceInfo, error)
}

var _ DeviceHandle = (*bluez.Device)(nil)

// BluezSession is the Coordinator's narrow view of BlueZ: adapter
// resolution, device enumeration, and per-device handles. Named after
// the teacher's vendored BluezSession, but declared here as an
// interface the teacher's own concrete session type never needed to be
// — this daemon's coordinator tests fake BlueZ entirely, something the
// teacher's CLI frontend never had to do.
type BluezSession interface {
	ResolveAdapter(ctx context.Context, selector string) (bluez.AdapterInfo, error)
	Adapters(ctx context.Context) ([]bluez.AdapterInfo, error)
	Devices(ctx context.Context) ([]bluez.DeviceInfo, error)
	DeviceByAddress(adapterPath dbus.ObjectPath, addr model.Address) DeviceHandle
	RemoveDevice(ctx context.Context, adapterPath, devicePath dbus.ObjectPath) error
	SetPowered(ctx context.Context, path dbus.ObjectPath, on bool) error
	StartDiscovery(ctx context.Context, path dbus.ObjectPath) error
	StopDiscovery(ctx context.Context, path dbus.ObjectPath) error
	Watch() (<-chan bluez.Change, func(), error)
}

// managerSession adapts *bluez.Manager to BluezSession; the only reason
// an adapter is needed at all is that DeviceByAddress returns the
// concrete *bluez.Device rather than the DeviceHandle interface.
type managerSession struct{ m *bluez.Manager }

// NewBluezSession wraps a live *bluez.Manager for production wiring.
func NewBluezSession(m *bluez.Manager) BluezSession { return managerSession{m: m} }

func (s managerSession) ResolveAdapter(ctx context.Context, selector string) (bluez.AdapterInfo, error) {
	return s.m.ResolveAdapter(ctx, selector)
}
func (s managerSession) Adapters(ctx context.Context) ([]bluez.AdapterInfo, error) {
	return s.m.Adapters(ctx)
}
func (s managerSession) Devices(ctx context.Context) ([]bluez.DeviceInfo, error) {
	return s.m.Devices(ctx)
}
func (s managerSession) DeviceByAddress(adapterPath dbus.ObjectPath, addr model.Address) DeviceHandle {
	return s.m.DeviceByAddress(adapterPath, addr)
}
func (s managerSession) RemoveDevice(ctx context.Context, adapterPath, devicePath dbus.ObjectPath) error {
	return s.m.RemoveDevice(ctx, adapterPath, devicePath)
}
func (s managerSession) SetPowered(ctx context.Context, path dbus.ObjectPath, on bool) error {
	return s.m.SetPowered(ctx, path, on)
}
func (s managerSession) StartDiscovery(ctx context.Context, path dbus.ObjectPath) error {
	return s.m.StartDiscovery(ctx, path)
}
func (s managerSession) StopDiscovery(ctx context.Context, path dbus.ObjectPath) error {
	return s.m.StopDiscovery(ctx, path)
}
func (s managerSession) Watch() (<-chan bluez.Change, func(), error) { return s.m.Watch() }

// PulseSink is the Coordinator's narrow view of PulseAudio: sink/card
// lookup, profile switching, suspend/resume. *pulse.Client already
// satisfies this directly, no adapter needed.
type PulseSink interface {
	FindSink(ctx context.Context, addr model.Address, profile model.AudioProfile) (pulse.SinkInfo, bool, error)
	WaitForSink(ctx context.Context, addr model.Address, profile model.AudioProfile, timeout time.Duration) (pulse.SinkInfo, error)
	Sinks(ctx context.Context) ([]pulse.SinkInfo, error)
	Suspend(ctx context.Context, sink dbus.ObjectPath) error
	Resume(ctx context.Context, sink dbus.ObjectPath) error
	FindCardForDevice(ctx context.Context, addr model.Address) (pulse.CardInfo, bool, error)
	SwitchProfile(ctx context.Context, card pulse.CardInfo, profile model.AudioProfile) error
}

var _ PulseSink = (*pulse.Client)(nil)

// Exit codes spec §6 assigns to the surrounding process supervisor.
const (
	ExitOK               = 0
	ExitRestartRequired  = 64
	ExitFatalInit        = 70
	ExitDBusUnavailable  = 71
	ExitPulseUnavailable = 72
)

// RestartRequiredError is returned by SwitchAdapter when an adapter
// switch (spec §4.10 "Adapter switch") has persisted a new
// selected_adapter and the process must be restarted for it to take
// effect.
type RestartRequiredError struct{ Code int }

func (e *RestartRequiredError) Error() string { return "restart required: adapter switch" }

// Config bundles the dependencies and file-system locations the
// Coordinator needs, everything else being derived from the store at
// startup.
type Config struct {
	Store      store.Store
	Bus        *eventbus.Bus
	Bluez      BluezSession
	Pulse      PulseSink
	Mpris      *mpris.Player // optional; nil disables AVRCP metadata relay
	RuntimeDir string
	ScriptsDir string
}

// Coordinator is the central state machine described in spec §4.10.
type Coordinator struct {
	store      store.Store
	bus        *eventbus.Bus
	bluezSess  BluezSession
	pulseCl    PulseSink
	mprisPlr   *mpris.Player
	runtimeDir string
	scriptsDir string

	adapterMu   sync.RWMutex
	adapterPath dbus.ObjectPath

	runtime    *xsync.MapOf[model.Address, *model.RuntimeDevice]
	locks      *xsync.MapOf[model.Address, *sync.Mutex]
	connecting *xsync.MapOf[model.Address, struct{}]
	suppress   *xsync.MapOf[model.Address, struct{}]

	pendingSuspend        *xsync.MapOf[model.Address, *time.Timer]
	pendingAutoDisconnect *xsync.MapOf[model.Address, *time.Timer]
	keepalives            *xsync.MapOf[model.Address, *keepalive.KeepAlive]
	mpdSupervisors        *xsync.MapOf[model.Address, *mpd.Supervisor]
	mpdPortsInUse         *xsync.MapOf[model.Address, int]
	avrcpCooldownUntil    *xsync.MapOf[model.Address, time.Time]

	lastSinkState sync.Map // model.Address -> model.SinkState, poller change-detection

	reconnect *reconnect.Controller

	watchCancel func()
	pollCancel  context.CancelFunc
	wg          sync.WaitGroup

	scanMu       sync.Mutex
	scanDeadline time.Time

	shutdownOnce sync.Once
}

// New builds an idle Coordinator. Call Start to run the spec §4.10
// startup sequence.
func New(cfg Config) *Coordinator {
	c := &Coordinator{
		store:                 cfg.Store,
		bus:                   cfg.Bus,
		bluezSess:             cfg.Bluez,
		pulseCl:               cfg.Pulse,
		mprisPlr:              cfg.Mpris,
		runtimeDir:            cfg.RuntimeDir,
		scriptsDir:            cfg.ScriptsDir,
		runtime:               xsync.NewMapOf[model.Address, *model.RuntimeDevice](),
		locks:                 xsync.NewMapOf[model.Address, *sync.Mutex](),
		connecting:            xsync.NewMapOf[model.Address, struct{}](),
		suppress:              xsync.NewMapOf[model.Address, struct{}](),
		pendingSuspend:        xsync.NewMapOf[model.Address, *time.Timer](),
		pendingAutoDisconnect: xsync.NewMapOf[model.Address, *time.Timer](),
		keepalives:            xsync.NewMapOf[model.Address, *keepalive.KeepAlive](),
		mpdSupervisors:        xsync.NewMapOf[model.Address, *mpd.Supervisor](),
		mpdPortsInUse:         xsync.NewMapOf[model.Address, int](),
		avrcpCooldownUntil:    xsync.NewMapOf[model.Address, time.Time](),
	}
	c.reconnect = reconnect.New(gateAdapter{c}, c.Connect, c.reconnectSettings, c.bus)
	return c
}

func (c *Coordinator) lockFor(addr model.Address) *sync.Mutex {
	l, _ := c.locks.LoadOrCompute(addr, func() *sync.Mutex { return &sync.Mutex{} })
	return l
}

func (c *Coordinator) reconnectSettings() (intervalSeconds, maxBackoffSeconds int) {
	s := c.store.Settings()
	return s.ReconnectIntervalSeconds, s.ReconnectMaxBackoffSeconds
}

func (c *Coordinator) adapterPathValue() dbus.ObjectPath {
	c.adapterMu.RLock()
	defer c.adapterMu.RUnlock()
	return c.adapterPath
}

// Snapshot returns an independent copy of every managed RuntimeDevice,
// for ControlApi's list-devices and every devices_changed publication
// (spec §3 "snapshot, don't alias").
func (c *Coordinator) Snapshot() model.Snapshot {
	var out model.Snapshot
	c.runtime.Range(func(_ model.Address, d *model.RuntimeDevice) bool {
		out = append(out, d.DeepCopy())
		return true
	})
	return out
}

// Device returns a copy of one managed device's runtime state.
func (c *Coordinator) Device(addr model.Address) (*model.RuntimeDevice, bool) {
	d, ok := c.runtime.Load(addr)
	if !ok {
		return nil, false
	}
	return d.DeepCopy(), true
}

func (c *Coordinator) publishDevicesChanged() {
	c.bus.Publish(eventbus.TopicDevicesChanged, c.Snapshot())
}

// Start runs the spec §4.10 startup sequence: load the store (already
// done by the caller before constructing Config.Store, per
// store.Store.Load's contract), resolve the adapter, seed RuntimeDevice
// for every stored device, purge stale BlueZ-only devices, adopt
// already-connected unmanaged devices, start the sink poller and the
// reconnect controller's bootstrap, and apply idle-mode/MPD to whatever
// is already connected.
func (c *Coordinator) Start(ctx context.Context) error {
	settings := c.store.Settings()

	adapter, err := c.bluezSess.ResolveAdapter(ctx, settings.SelectedAdapter)
	if err != nil {
		return err
	}
	c.adapterMu.Lock()
	c.adapterPath = adapter.Path
	c.adapterMu.Unlock()

	bluezDevices, err := c.bluezSess.Devices(ctx)
	if err != nil {
		return err
	}
	byAddr := make(map[model.Address]bluez.DeviceInfo, len(bluezDevices))
	for _, bd := range bluezDevices {
		byAddr[bd.Address] = bd
	}

	for _, pd := range c.store.Devices() {
		rd := model.NewRuntimeDevice(pd)
		if bd, present := byAddr[pd.Address]; present {
			applyBluezInfo(rd, bd)
		}
		c.runtime.Store(pd.Address, rd)
	}

	// Stale cleanup: a BlueZ-cached device neither in our store nor
	// currently connected serves no purpose and only clutters
	// list-devices; remove it from BlueZ outright.
	for addr, bd := range byAddr {
		if _, known := c.runtime.Load(addr); known {
			continue
		}
		if bd.Connected {
			// Adopt: a device connected before this daemon started
			// managing it (spec §4.10 step 8) gets a fresh default
			// RuntimeDevice rather than being purged.
			rd := model.NewRuntimeDevice(model.DefaultPersistedDevice(addr, bd.Name))
			applyBluezInfo(rd, bd)
			c.runtime.Store(addr, rd)
			continue
		}
		_ = c.bluezSess.RemoveDevice(ctx, adapter.Path, bd.Path)
	}

	c.startWatch(ctx)
	c.startSinkPoller(ctx)

	var bootstrap []model.Address
	var alreadyConnected []model.Address
	c.runtime.Range(func(addr model.Address, rd *model.RuntimeDevice) bool {
		if rd.Connected {
			alreadyConnected = append(alreadyConnected, addr)
		} else if rd.AutoConnect {
			bootstrap = append(bootstrap, addr)
		}
		return true
	})
	c.reconnect.Bootstrap(ctx, bootstrap)

	for _, addr := range alreadyConnected {
		c.finishConnectSetup(ctx, addr)
	}

	return nil
}

// addressFromPath reverses bluez's deterministic dev_AA_BB_CC_DD_EE_FF
// path scheme, used to resolve PropertiesChanged signals that carry only
// a device path.
func addressFromPath(adapterPath dbus.ObjectPath, devicePath dbus.ObjectPath) (model.Address, bool) {
	prefix := string(adapterPath) + "/dev_"
	s := string(devicePath)
	if !strings.HasPrefix(s, prefix) {
		return "", false
	}
	raw := strings.ReplaceAll(strings.TrimPrefix(s, prefix), "_", ":")
	addr, err := model.ParseAddress(raw)
	if err != nil {
		return "", false
	}
	return addr, true
}

func applyBluezInfo(rd *model.RuntimeDevice, bd bluez.DeviceInfo) {
	rd.PresentInBluez = true
	rd.PairedInBluez = bd.Paired
	rd.Connected = bd.Connected
	rd.RSSI = bd.RSSI
}

// startWatch relays BlueZ property-change signals into unexpected
// disconnect handling (spec §4.10 "Disconnect operation, BlueZ-observed").
func (c *Coordinator) startWatch(ctx context.Context) {
	changes, cancel, err := c.bluezSess.Watch()
	if err != nil {
		return
	}
	c.watchCancel = cancel
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case ch, ok := <-changes:
				if !ok {
					return
				}
				c.handleBluezChange(ch)
			}
		}
	}()
}

func (c *Coordinator) handleBluezChange(ch bluez.Change) {
	addr := ch.Address
	if addr == "" {
		// PropertiesChanged signals carry only the device's object path;
		// BlueZ's path scheme is deterministic (adapterPath/dev_AA_BB_...),
		// so the address is recovered by stripping the adapter prefix
		// rather than needing a separate path->address index.
		a, ok := addressFromPath(c.adapterPathValue(), ch.DevicePath)
		if !ok {
			return
		}
		addr = a
	}
	rd, ok := c.runtime.Load(addr)
	if !ok {
		return
	}
	if ch.Connected != nil {
		wasConnected := rd.Connected
		if *ch.Connected && !wasConnected {
			c.handleObservedConnect(addr)
		} else if !*ch.Connected && wasConnected {
			c.handleUnexpectedDisconnect(addr)
		}
	}
}

// Shutdown stops the sink poller, the BlueZ watch, and every running
// keep-alive/MPD supervisor, in reverse startup order.
func (c *Coordinator) Shutdown() {
	c.shutdownOnce.Do(func() {
		if c.pollCancel != nil {
			c.pollCancel()
		}
		if c.watchCancel != nil {
			c.watchCancel()
		}
		c.keepalives.Range(func(_ model.Address, k *keepalive.KeepAlive) bool {
			k.Stop()
			return true
		})
		c.mpdSupervisors.Range(func(_ model.Address, s *mpd.Supervisor) bool {
			_ = s.Stop()
			return true
		})
		c.wg.Wait()
	})
}

func mapKeys[V any](m *xsync.MapOf[model.Address, V]) []model.Address {
	var out []model.Address
	m.Range(func(k model.Address, _ V) bool {
		out = append(out, k)
		return true
	})
	return out
}
