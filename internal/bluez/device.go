package bluez

import (
	"context"
	"strings"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/btaudio/btaudiod/internal/model"
)

// DeviceInfo is the subset of org.bluez.Device1 properties the
// coordinator tracks in RuntimeDevice (spec §3 "RuntimeDevice").
type DeviceInfo struct {
	Path      dbus.ObjectPath
	Address   model.Address
	Name      string
	Paired    bool
	Connected bool
	RSSI      *int
	UUIDs     []string
}

// Device is a thin, stateless handle bound to one BlueZ device object
// path, mirroring the teacher's vendored linux/device.go call-forwarding
// shape.
type Device struct {
	m    *Manager
	path dbus.ObjectPath
	addr model.Address
}

// DeviceAt returns a handle for the device BlueZ places at path.
func (m *Manager) DeviceAt(path dbus.ObjectPath, addr model.Address) *Device {
	return &Device{m: m, path: path, addr: addr}
}

// DeviceByAddress returns a handle for addr under the given adapter,
// using BlueZ's deterministic dev_AA_BB_CC_DD_EE_FF path scheme instead
// of an ObjectManager walk, since the path is fully determined by the
// adapter and address.
func (m *Manager) DeviceByAddress(adapterPath dbus.ObjectPath, addr model.Address) *Device {
	return &Device{m: m, path: devicePathFor(adapterPath, addr.String()), addr: addr}
}

func (d *Device) call(ctx context.Context, timeout time.Duration, method string, args ...any) error {
	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return d.m.object(d.path).CallWithContext(callCtx, DeviceIface+"."+method, 0, args...).Store()
}

// Pair initiates pairing. BlueZ drives the agent callbacks
// synchronously within this call (spec §4.3 "Pair").
func (d *Device) Pair(ctx context.Context) error {
	if err := d.call(ctx, 0, "Pair"); err != nil {
		return wrapCall(err, "bluez-device-pair", "cannot pair with device", d.addr.String())
	}
	return nil
}

// Connect connects an already-paired device.
func (d *Device) Connect(ctx context.Context) error {
	if err := d.call(ctx, 30*time.Second, "Connect"); err != nil {
		return wrapCall(err, "bluez-device-connect", "cannot connect to device", d.addr.String())
	}
	return nil
}

// Disconnect disconnects a device.
func (d *Device) Disconnect(ctx context.Context) error {
	if err := d.call(ctx, 10*time.Second, "Disconnect"); err != nil {
		return wrapCall(err, "bluez-device-disconnect", "cannot disconnect device", d.addr.String())
	}
	return nil
}

// ConnectProfile connects a single profile UUID on an already-connected
// device, used to force A2DP back up after HFP steals the transport.
func (d *Device) ConnectProfile(ctx context.Context, uuid string) error {
	if err := d.call(ctx, 15*time.Second, "ConnectProfile", uuid); err != nil {
		return wrapCall(err, "bluez-device-connect-profile", "cannot connect profile", d.addr.String())
	}
	return nil
}

// Remove detaches the device from its adapter, forgetting the pairing.
func (d *Device) Remove(ctx context.Context, adapterPath dbus.ObjectPath) error {
	return d.m.RemoveDevice(ctx, adapterPath, d.path)
}

// SetTrusted marks a device trusted, which BlueZ requires for
// unattended auto-reconnect on power-up.
func (d *Device) SetTrusted(enable bool) error {
	if err := setProperty(d.m.object(d.path), DeviceIface, "Trusted", enable); err != nil {
		return wrapCall(err, "bluez-device-set-trusted", "cannot set trusted", d.addr.String())
	}
	return nil
}

// Properties fetches the device's current properties.
func (d *Device) Properties(ctx context.Context) (DeviceInfo, error) {
	props, err := getAllProperties(d.m.object(d.path), DeviceIface)
	if err != nil {
		return DeviceInfo{}, wrapCall(err, "bluez-device-properties", "cannot fetch device properties", d.addr.String())
	}
	return decodeDeviceInfo(d.path, props), nil
}

func decodeDeviceInfo(path dbus.ObjectPath, props map[string]dbus.Variant) DeviceInfo {
	addr, _ := model.ParseAddress(variantString(props["Address"]))
	info := DeviceInfo{
		Path:      path,
		Address:   addr,
		Name:      variantString(props["Name"]),
		Paired:    variantBool(props["Paired"]),
		Connected: variantBool(props["Connected"]),
		UUIDs:     variantStrings(props["UUIDs"]),
	}
	if rssi, ok := variantInt16(props["RSSI"]); ok {
		v := int(rssi)
		info.RSSI = &v
	}
	return info
}

// Devices lists every device object BlueZ currently exposes under any
// adapter, used once at startup to seed RuntimeDevice.PresentInBluez
// (spec §4.10 step 4).
func (m *Manager) Devices(ctx context.Context) ([]DeviceInfo, error) {
	objects, err := m.managedObjects(ctx)
	if err != nil {
		return nil, err
	}
	var out []DeviceInfo
	for path, ifaces := range objects {
		props, ok := ifaces[DeviceIface]
		if !ok {
			continue
		}
		out = append(out, decodeDeviceInfo(path, props))
	}
	return out, nil
}

// HasAudioProfile reports whether uuids contains any UUID this daemon
// treats as a Bluetooth audio profile (spec §4.3 "Discovery filter").
func HasAudioProfile(uuids []string) bool {
	for _, u := range uuids {
		for _, want := range ProfileUUIDs {
			if strings.EqualFold(u, want) {
				return true
			}
		}
	}
	return false
}
