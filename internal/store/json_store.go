package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/btaudio/btaudiod/internal/eventbus"
	"github.com/btaudio/btaudiod/internal/kinderr"
	"github.com/btaudio/btaudiod/internal/model"
)

const (
	devicesFileName  = "paired_devices.json"
	settingsFileName = "settings.json"
)

// JSONStore is the on-disk Store implementation (spec §4.1, §6).
//
// A read lock (RLock) is held for the duration of a read; a write lock
// (Lock) for a full read-modify-write-persist cycle, matching the
// locking granularity spec §4.1 calls for.
type JSONStore struct {
	mu   sync.RWMutex
	dir  string
	doc  model.Document
	bus  *eventbus.Bus
}

// New creates a store rooted at dir. Call Load before using it.
func New(dir string, bus *eventbus.Bus) *JSONStore {
	return &JSONStore{dir: dir, bus: bus, doc: model.Document{Settings: model.DefaultGlobalSettings()}}
}

func (s *JSONStore) Path() string { return s.dir }

// Load reads both files into memory. A missing file is treated as an
// empty/default document (first boot); a malformed file is a fatal
// StoreCorrupt error, never silently discarded (spec §4.1, §7).
func (s *JSONStore) Load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	devices, err := loadDevices(s.devicesPath())
	if err != nil {
		return err
	}
	settings, err := loadSettings(s.settingsPath())
	if err != nil {
		return err
	}

	if err := validateUniqueness(devices); err != nil {
		return err
	}

	s.doc = model.Document{Devices: devices, Settings: settings}
	return nil
}

func loadDevices(path string) ([]model.PersistedDevice, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, kinderr.Wrap(err, kinderr.StoreCorrupt, "store-load-devices", "cannot read "+path)
	}
	if len(data) == 0 {
		return nil, nil
	}
	var devices []model.PersistedDevice
	if err := json.Unmarshal(data, &devices); err != nil {
		return nil, kinderr.Wrap(err, kinderr.StoreCorrupt, "store-parse-devices", "paired_devices.json is malformed: "+err.Error())
	}
	for _, d := range devices {
		if err := d.Validate(); err != nil {
			return nil, kinderr.Wrap(err, kinderr.StoreCorrupt, "store-validate-devices", "paired_devices.json contains an invalid device: "+err.Error())
		}
	}
	return devices, nil
}

func loadSettings(path string) (model.GlobalSettings, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return model.DefaultGlobalSettings(), nil
	}
	if err != nil {
		return model.GlobalSettings{}, kinderr.Wrap(err, kinderr.StoreCorrupt, "store-load-settings", "cannot read "+path)
	}
	if len(data) == 0 {
		return model.DefaultGlobalSettings(), nil
	}
	var settings model.GlobalSettings
	if err := json.Unmarshal(data, &settings); err != nil {
		return model.GlobalSettings{}, kinderr.Wrap(err, kinderr.StoreCorrupt, "store-parse-settings", "settings.json is malformed: "+err.Error())
	}
	if err := settings.Validate(); err != nil {
		return model.GlobalSettings{}, kinderr.Wrap(err, kinderr.StoreCorrupt, "store-validate-settings", "settings.json is invalid: "+err.Error())
	}
	return settings, nil
}

func validateUniqueness(devices []model.PersistedDevice) error {
	addrs := make(map[model.Address]struct{}, len(devices))
	ports := make(map[int]model.Address, len(devices))
	for _, d := range devices {
		if _, dup := addrs[d.Address]; dup {
			return kinderr.New(kinderr.StoreCorrupt, "store-validate-unique-address", "duplicate device address in store: "+d.Address.String())
		}
		addrs[d.Address] = struct{}{}
		if d.MpdPort != nil {
			if owner, dup := ports[*d.MpdPort]; dup {
				return kinderr.New(kinderr.StoreCorrupt, "store-validate-unique-port",
					fmt.Sprintf("mpd_port %d is assigned to both %s and %s", *d.MpdPort, owner, d.Address))
			}
			ports[*d.MpdPort] = d.Address
		}
	}
	return nil
}

func (s *JSONStore) Devices() []model.PersistedDevice {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.PersistedDevice, len(s.doc.Devices))
	for i, d := range s.doc.Devices {
		out[i] = d.Clone()
	}
	return out
}

func (s *JSONStore) Device(addr model.Address) (model.PersistedDevice, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.doc.Devices {
		if d.Address == addr {
			return d.Clone(), true
		}
	}
	return model.PersistedDevice{}, false
}

func (s *JSONStore) UpsertDevice(ctx context.Context, d model.PersistedDevice) error {
	if err := d.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if d.MpdPort != nil {
		for _, other := range s.doc.Devices {
			if other.Address != d.Address && other.MpdPort != nil && *other.MpdPort == *d.MpdPort {
				return kinderr.New(kinderr.NoFreeMpdPort, "store-upsert-port-conflict",
					fmt.Sprintf("mpd_port %d is already used by %s", *d.MpdPort, other.Address))
			}
		}
	}

	replaced := false
	for i, other := range s.doc.Devices {
		if other.Address == d.Address {
			s.doc.Devices[i] = d
			replaced = true
			break
		}
	}
	if !replaced {
		s.doc.Devices = append(s.doc.Devices, d)
	}

	return s.persistLocked(ctx)
}

func (s *JSONStore) UpdateDevice(ctx context.Context, addr model.Address, patch model.DevicePatch) (model.PersistedDevice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i, d := range s.doc.Devices {
		if d.Address == addr {
			idx = i
			break
		}
	}
	if idx < 0 {
		return model.PersistedDevice{}, kinderr.New(kinderr.BlueZUnknown, "store-update-not-found", "no such device: "+addr.String())
	}

	next, err := patch.Apply(s.doc.Devices[idx])
	if err != nil {
		return model.PersistedDevice{}, err
	}

	if next.MpdPort != nil {
		for i, other := range s.doc.Devices {
			if i != idx && other.MpdPort != nil && *other.MpdPort == *next.MpdPort {
				return model.PersistedDevice{}, kinderr.New(kinderr.NoFreeMpdPort, "store-update-port-conflict",
					fmt.Sprintf("mpd_port %d is already used by %s", *next.MpdPort, other.Address))
			}
		}
	}

	s.doc.Devices[idx] = next
	if err := s.persistLocked(ctx); err != nil {
		return model.PersistedDevice{}, err
	}
	return next.Clone(), nil
}

func (s *JSONStore) RemoveDevice(ctx context.Context, addr model.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.doc.Devices[:0:0]
	found := false
	for _, d := range s.doc.Devices {
		if d.Address == addr {
			found = true
			continue
		}
		out = append(out, d)
	}
	if !found {
		return nil // forget is safe to call on a device the store never had (spec §4.10 "Forget")
	}
	s.doc.Devices = out
	return s.persistLocked(ctx)
}

func (s *JSONStore) Settings() model.GlobalSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.Settings
}

func (s *JSONStore) PutSettings(ctx context.Context, settings model.GlobalSettings) error {
	if err := settings.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.Settings = settings
	return s.persistLocked(ctx)
}

// persistLocked writes both files atomically. Caller must hold s.mu for
// writing. The devices file is written first; if it fails, settings is
// never touched, so at most one file can be stale relative to memory —
// and since both are reloaded together from the in-memory doc on the
// next successful write, no caller ever observes a partial update
// (spec invariant 6, testable property 2).
func (s *JSONStore) persistLocked(ctx context.Context) error {
	if err := writeAtomic(s.devicesPath(), s.doc.Devices); err != nil {
		return kinderr.Wrap(err, kinderr.StoreCorrupt, "store-persist-devices", "failed to write paired_devices.json")
	}
	if err := writeAtomic(s.settingsPath(), s.doc.Settings); err != nil {
		return kinderr.Wrap(err, kinderr.StoreCorrupt, "store-persist-settings", "failed to write settings.json")
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.TopicStoreChanged, s.doc)
	}
	return nil
}

func writeAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *JSONStore) devicesPath() string  { return filepath.Join(s.dir, devicesFileName) }
func (s *JSONStore) settingsPath() string { return filepath.Join(s.dir, settingsFileName) }
