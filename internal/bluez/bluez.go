// Package bluez is the BlueZ-over-D-Bus adapter/device layer described in
// spec §4.3: adapter discovery and selection, scoped device discovery
// (A2DP/AVRCP/HFP/HSP profiles only), pairing, connect/disconnect, and an
// auto-approving pairing agent.
//
// Grounded on the teacher's vendored
// github.com/bluetuith-org/bluetooth-classic/linux package: the same
// object-path bookkeeping, org.bluez.* interface names, and
// fault.Wrap/fctx/ftag/fmsg error-wrapping idiom, rewritten around a
// single Manager instead of the teacher's BluezSession because this
// daemon does not need the teacher's OBEX/NetworkManager/MediaPlayer1
// surface.
package bluez

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"

	"github.com/btaudio/btaudiod/internal/kinderr"
)

// D-Bus bus/interface names, adapted from the teacher's
// linux/internal/dbushelper/constants.go.
const (
	BusName        = "org.bluez"
	AdapterIface   = "org.bluez.Adapter1"
	DeviceIface    = "org.bluez.Device1"
	AgentIface     = "org.bluez.Agent1"
	AgentMgrIface  = "org.bluez.AgentManager1"
	AgentMgrPath   = dbus.ObjectPath("/org/bluez")

	propsIface       = "org.freedesktop.DBus.Properties"
	getAllProps      = propsIface + ".GetAll"
	setProp          = propsIface + ".Set"
	propsChanged     = propsIface + ".PropertiesChanged"
	objectManager    = "org.freedesktop.DBus.ObjectManager"
	getManagedObjs   = objectManager + ".GetManagedObjects"
	interfacesAdded  = objectManager + ".InterfacesAdded"
	interfacesRemove = objectManager + ".InterfacesRemoved"
)

// ProfileUUIDs restricts discovery and property inspection to the
// Bluetooth Classic audio profiles this daemon cares about (spec §4.3
// "Discovery filter"): A2DP Sink, AVRCP Target, AVRCP Controller, HFP
// Audio Gateway, HSP Audio Gateway.
var ProfileUUIDs = []string{
	"0000110b-0000-1000-8000-00805f9b34fb", // A2DP Sink
	"0000110c-0000-1000-8000-00805f9b34fb", // AVRCP Target
	"0000110e-0000-1000-8000-00805f9b34fb", // AVRCP Controller
	"0000111f-0000-1000-8000-00805f9b34fb", // HFP Audio Gateway
	"00001112-0000-1000-8000-00805f9b34fb", // HSP Audio Gateway
}

// Manager owns the system bus connection and the registered pairing
// agent. It is the root of every adapter/device operation.
type Manager struct {
	conn  *dbus.Conn
	agent *Agent
}

// NewManager dials the system bus and registers a NoInputNoOutput
// pairing agent (spec §4.3 "Pairing agent": every inbound pairing
// request is auto-approved without prompting a human).
func NewManager(ctx context.Context, approve AuthApprover) (*Manager, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, kinderr.Wrap(err, kinderr.DbusUnavailable, "bluez-connect-system-bus", "cannot connect to the D-Bus system bus")
	}

	m := &Manager{conn: conn}
	m.agent = newAgent(conn, approve)
	if err := m.agent.register(); err != nil {
		conn.Close()
		return nil, err
	}

	return m, nil
}

// Close unregisters the agent and closes the bus connection.
func (m *Manager) Close() error {
	m.agent.unregister()
	return m.conn.Close()
}

// Conn exposes the underlying connection for the signal watcher and
// mpris/pulse packages that need a bus handle of their own.
func (m *Manager) Conn() *dbus.Conn { return m.conn }

func (m *Manager) object(path dbus.ObjectPath) dbus.BusObject {
	return m.conn.Object(BusName, path)
}

func getAllProperties(obj dbus.BusObject, iface string) (map[string]dbus.Variant, error) {
	result := make(map[string]dbus.Variant)
	if err := obj.Call(getAllProps, 0, iface).Store(&result); err != nil {
		return nil, err
	}
	return result, nil
}

func setProperty(obj dbus.BusObject, iface, key string, value any) error {
	return obj.Call(setProp, 0, iface, key, dbus.MakeVariant(value)).Store()
}

func variantString(v dbus.Variant) string {
	s, _ := v.Value().(string)
	return s
}

func variantBool(v dbus.Variant) bool {
	b, _ := v.Value().(bool)
	return b
}

func variantInt16(v dbus.Variant) (int16, bool) {
	n, ok := v.Value().(int16)
	return n, ok
}

func variantStrings(v dbus.Variant) []string {
	s, _ := v.Value().([]string)
	return s
}

// wrapCall converts a D-Bus method-call failure into a kind-tagged
// error, per the BlueZ failure table (spec §4.3).
func wrapCall(err error, errorAt, human, addr string) error {
	if err == nil {
		return nil
	}
	kind := classifyBluezError(err)
	return kinderr.Wrap(err, kind, errorAt, fmt.Sprintf("%s (%s)", human, addr))
}
