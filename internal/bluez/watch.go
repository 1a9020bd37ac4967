package bluez

import (
	"github.com/godbus/dbus/v5"

	"github.com/btaudio/btaudiod/internal/model"
)

// Change describes a single property-changed or device-lifecycle signal
// the coordinator reacts to (spec §4.10 "Runtime device tracking").
type Change struct {
	DevicePath dbus.ObjectPath
	Address    model.Address
	Removed    bool
	Connected  *bool
	Paired     *bool
	RSSI       *int
}

// Watch subscribes to org.bluez.Device1 PropertiesChanged and
// ObjectManager InterfacesAdded/Removed signals and delivers decoded
// Change events on the returned channel until the returned cancel
// function is called, which removes the signal subscription and closes
// the channel. Grounded on
// the teacher's vendored linux/internal/dbushelper/events.go signal-match
// idiom, collapsed into a single call since this daemon only needs
// device-level changes (no battery/media-player/network signals).
func (m *Manager) Watch() (<-chan Change, func(), error) {
	matchRules := []string{
		"type='signal',interface='org.freedesktop.DBus.Properties',member='PropertiesChanged'",
		"type='signal',interface='org.freedesktop.DBus.ObjectManager',member='InterfacesAdded'",
		"type='signal',interface='org.freedesktop.DBus.ObjectManager',member='InterfacesRemoved'",
	}
	for _, rule := range matchRules {
		if err := m.conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, rule).Store(); err != nil {
			return nil, nil, err
		}
	}

	raw := make(chan *dbus.Signal, 64)
	m.conn.Signal(raw)

	out := make(chan Change, 64)
	go func() {
		defer close(out)
		for sig := range raw {
			if ch, ok := decodeSignal(sig); ok {
				out <- ch
			}
		}
	}()

	cancel := func() {
		m.conn.RemoveSignal(raw)
		close(raw)
	}
	return out, cancel, nil
}

func decodeSignal(sig *dbus.Signal) (Change, bool) {
	switch sig.Name {
	case propsChanged:
		return decodePropertiesChanged(sig)
	case interfacesAdded:
		return decodeInterfacesAdded(sig)
	case interfacesRemove:
		return decodeInterfacesRemoved(sig)
	default:
		return Change{}, false
	}
}

func decodePropertiesChanged(sig *dbus.Signal) (Change, bool) {
	if len(sig.Body) < 2 {
		return Change{}, false
	}
	iface, _ := sig.Body[0].(string)
	if iface != DeviceIface {
		return Change{}, false
	}
	changed, _ := sig.Body[1].(map[string]dbus.Variant)
	if changed == nil {
		return Change{}, false
	}

	ch := Change{DevicePath: sig.Path}
	if v, ok := changed["Connected"]; ok {
		b := variantBool(v)
		ch.Connected = &b
	}
	if v, ok := changed["Paired"]; ok {
		b := variantBool(v)
		ch.Paired = &b
	}
	if v, ok := changed["RSSI"]; ok {
		if n, ok := variantInt16(v); ok {
			i := int(n)
			ch.RSSI = &i
		}
	}
	return ch, ch.Connected != nil || ch.Paired != nil || ch.RSSI != nil
}

func decodeInterfacesAdded(sig *dbus.Signal) (Change, bool) {
	if len(sig.Body) < 2 {
		return Change{}, false
	}
	path, _ := sig.Body[0].(dbus.ObjectPath)
	ifaces, _ := sig.Body[1].(map[string]map[string]dbus.Variant)
	props, ok := ifaces[DeviceIface]
	if !ok {
		return Change{}, false
	}
	addr, _ := model.ParseAddress(variantString(props["Address"]))
	connected := variantBool(props["Connected"])
	paired := variantBool(props["Paired"])
	return Change{DevicePath: path, Address: addr, Connected: &connected, Paired: &paired}, true
}

func decodeInterfacesRemoved(sig *dbus.Signal) (Change, bool) {
	if len(sig.Body) < 2 {
		return Change{}, false
	}
	path, _ := sig.Body[0].(dbus.ObjectPath)
	ifaces, _ := sig.Body[1].([]string)
	for _, iface := range ifaces {
		if iface == DeviceIface {
			return Change{DevicePath: path, Removed: true}, true
		}
	}
	return Change{}, false
}
