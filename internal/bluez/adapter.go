package bluez

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/godbus/dbus/v5"

	"github.com/btaudio/btaudiod/internal/kinderr"
)

// AdapterInfo is the subset of org.bluez.Adapter1 properties the
// coordinator and ControlApi care about (spec §4.3, §4.11
// "list-adapters").
type AdapterInfo struct {
	Path      dbus.ObjectPath
	Address   string
	Name      string
	Alias     string
	Powered   bool
	Discovering bool
}

// Adapters lists every adapter BlueZ currently exposes, by walking the
// ObjectManager tree rooted at /org/bluez (the same approach the
// teacher's sessionstore.refreshStore takes, simplified since this
// daemon re-walks the tree on demand instead of caching it).
func (m *Manager) Adapters(ctx context.Context) ([]AdapterInfo, error) {
	objects, err := m.managedObjects(ctx)
	if err != nil {
		return nil, err
	}

	var out []AdapterInfo
	for path, ifaces := range objects {
		props, ok := ifaces[AdapterIface]
		if !ok {
			continue
		}
		out = append(out, AdapterInfo{
			Path:        path,
			Address:     variantString(props["Address"]),
			Name:        variantString(props["Name"]),
			Alias:       variantString(props["Alias"]),
			Powered:     variantBool(props["Powered"]),
			Discovering: variantBool(props["Discovering"]),
		})
	}
	return out, nil
}

func (m *Manager) managedObjects(ctx context.Context) (map[dbus.ObjectPath]map[string]map[string]dbus.Variant, error) {
	root := m.conn.Object(BusName, dbus.ObjectPath("/"))
	var result map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	if err := root.CallWithContext(ctx, getManagedObjs, 0).Store(&result); err != nil {
		return nil, kinderr.Wrap(err, kinderr.DbusUnavailable, "bluez-managed-objects", "cannot enumerate BlueZ objects")
	}
	return result, nil
}

// ResolveAdapter resolves the GlobalSettings.selected_adapter value
// ("auto" or a specific hciN/address) to a concrete adapter, per spec
// §4.10 step 2. "auto" picks the first powered adapter, or the first
// adapter present if none are powered yet.
func (m *Manager) ResolveAdapter(ctx context.Context, selector string) (AdapterInfo, error) {
	adapters, err := m.Adapters(ctx)
	if err != nil {
		return AdapterInfo{}, err
	}
	if len(adapters) == 0 {
		return AdapterInfo{}, kinderr.New(kinderr.AdapterNotFound, "bluez-resolve-adapter", "no Bluetooth adapter is present")
	}

	if selector == "" || strings.EqualFold(selector, "auto") {
		for _, a := range adapters {
			if a.Powered {
				return a, nil
			}
		}
		return adapters[0], nil
	}

	for _, a := range adapters {
		if strings.EqualFold(a.Address, selector) || filepath.Base(string(a.Path)) == selector {
			return a, nil
		}
	}
	return AdapterInfo{}, kinderr.New(kinderr.AdapterNotFound, "bluez-resolve-adapter", "no adapter matches "+selector)
}

// SetPowered sets an adapter's Powered property.
func (m *Manager) SetPowered(ctx context.Context, path dbus.ObjectPath, on bool) error {
	if err := setProperty(m.object(path), AdapterIface, "Powered", on); err != nil {
		return wrapCall(err, "bluez-adapter-set-powered", "cannot power adapter", string(path))
	}
	return nil
}

// StartDiscovery restricts discovery to this daemon's profile UUIDs
// (spec §4.3 "Discovery filter") and starts scanning.
func (m *Manager) StartDiscovery(ctx context.Context, path dbus.ObjectPath) error {
	obj := m.object(path)
	filter := map[string]dbus.Variant{
		"UUIDs":      dbus.MakeVariant(ProfileUUIDs),
		"Transport":  dbus.MakeVariant("bredr"),
	}
	if err := obj.CallWithContext(ctx, AdapterIface+".SetDiscoveryFilter", 0, filter).Store(); err != nil {
		return wrapCall(err, "bluez-set-discovery-filter", "cannot set discovery filter", string(path))
	}
	if err := obj.CallWithContext(ctx, AdapterIface+".StartDiscovery", 0).Store(); err != nil {
		return wrapCall(err, "bluez-start-discovery", "cannot start discovery", string(path))
	}
	return nil
}

// StopDiscovery stops a running scan.
func (m *Manager) StopDiscovery(ctx context.Context, path dbus.ObjectPath) error {
	if err := m.object(path).CallWithContext(ctx, AdapterIface+".StopDiscovery", 0).Store(); err != nil {
		return wrapCall(err, "bluez-stop-discovery", "cannot stop discovery", string(path))
	}
	return nil
}

// RemoveDevice detaches a device object from its adapter (BlueZ's way
// of forgetting a pairing), used by Device.Remove below and directly by
// the coordinator's Forget operation.
func (m *Manager) RemoveDevice(ctx context.Context, adapterPath, devicePath dbus.ObjectPath) error {
	if err := m.object(adapterPath).CallWithContext(ctx, AdapterIface+".RemoveDevice", 0, devicePath).Store(); err != nil {
		return wrapCall(err, "bluez-remove-device", "cannot remove device", string(devicePath))
	}
	return nil
}

func devicePathFor(adapterPath dbus.ObjectPath, addr string) dbus.ObjectPath {
	return dbus.ObjectPath(fmt.Sprintf("%s/dev_%s", adapterPath, strings.ReplaceAll(addr, ":", "_")))
}
