package controlapi

import (
	"context"
	"errors"
	"testing"

	"github.com/btaudio/btaudiod/internal/bluez"
	"github.com/btaudio/btaudiod/internal/eventbus"
	"github.com/btaudio/btaudiod/internal/kinderr"
	"github.com/btaudio/btaudiod/internal/model"
)

// fakeCoordinator is a minimal map-backed double for the Coordinator
// interface. Unlike the mutex-guarded fakes in
// internal/coordinator/coordinator_test.go it has no locking: every test
// here drives it from a single goroutine.
type fakeCoordinator struct {
	devices map[model.Address]*model.RuntimeDevice

	connectErr error
	forgetErr  error

	lastConnectAddr model.Address
	lastForgetAddr  model.Address

	switchAdapterErr error
	scanDuration     int
	scanErr          error
	scanning         bool
	scanRemaining    int

	settings model.GlobalSettings
}

func newFakeCoordinator() *fakeCoordinator {
	return &fakeCoordinator{
		devices:  map[model.Address]*model.RuntimeDevice{},
		settings: model.DefaultGlobalSettings(),
	}
}

func (f *fakeCoordinator) Snapshot() model.Snapshot {
	out := make(model.Snapshot, 0, len(f.devices))
	for _, d := range f.devices {
		out = append(out, d)
	}
	return out
}

func (f *fakeCoordinator) Device(addr model.Address) (*model.RuntimeDevice, bool) {
	d, ok := f.devices[addr]
	return d, ok
}

func (f *fakeCoordinator) ListAdapters(ctx context.Context) ([]bluez.AdapterInfo, error) {
	return []bluez.AdapterInfo{{Address: "AA:AA:AA:AA:AA:AA"}}, nil
}

func (f *fakeCoordinator) SwitchAdapter(ctx context.Context, selector string, clean bool) error {
	return f.switchAdapterErr
}

func (f *fakeCoordinator) StartScan(ctx context.Context) (int, error) {
	return f.scanDuration, f.scanErr
}

func (f *fakeCoordinator) ScanStatus() (bool, int) { return f.scanning, f.scanRemaining }

func (f *fakeCoordinator) Pair(ctx context.Context, addr model.Address, name string) (model.PersistedDevice, error) {
	return model.DefaultPersistedDevice(addr, name), nil
}

func (f *fakeCoordinator) Connect(ctx context.Context, addr model.Address) error {
	f.lastConnectAddr = addr
	return f.connectErr
}

func (f *fakeCoordinator) Disconnect(ctx context.Context, addr model.Address) error { return nil }

func (f *fakeCoordinator) Forget(ctx context.Context, addr model.Address) error {
	f.lastForgetAddr = addr
	return f.forgetErr
}

func (f *fakeCoordinator) ForceReconnect(ctx context.Context, addr model.Address) error { return nil }

func (f *fakeCoordinator) UpdateDeviceSettings(ctx context.Context, addr model.Address, patch model.DevicePatch) (model.PersistedDevice, error) {
	d, ok := f.devices[addr]
	if !ok {
		return model.PersistedDevice{}, kinderr.New(kinderr.DeviceUnreachable, "test", "unknown device")
	}
	return d.PersistedDevice, nil
}

func (f *fakeCoordinator) GetSettings() model.GlobalSettings { return f.settings }

func (f *fakeCoordinator) PutSettings(ctx context.Context, patch model.SettingsPatch) (model.GlobalSettings, error) {
	merged, err := patch.Apply(f.settings)
	if err != nil {
		return model.GlobalSettings{}, err
	}
	f.settings = merged
	return f.settings, nil
}

func (f *fakeCoordinator) Shutdown() {}

func withDevice(f *fakeCoordinator, addr model.Address) *fakeCoordinator {
	f.devices[addr] = model.NewRuntimeDevice(model.DefaultPersistedDevice(addr, "speaker"))
	return f
}

func TestConnectSurfacesUnderlyingError(t *testing.T) {
	f := newFakeCoordinator()
	f.connectErr = kinderr.New(kinderr.DeviceUnreachable, "test", "no route to device")
	api := New(f, eventbus.New())

	cerr := api.Connect(context.Background(), "AA:BB:CC:DD:EE:FF")
	if cerr == nil {
		t.Fatal("expected error")
	}
	if cerr.Kind != kinderr.DeviceUnreachable {
		t.Fatalf("kind = %v, want DeviceUnreachable", cerr.Kind)
	}
	if f.lastConnectAddr != "AA:BB:CC:DD:EE:FF" {
		t.Fatalf("coordinator.Connect not called with the right address")
	}
}

func TestConnectSuggestsClosestKnownAddress(t *testing.T) {
	f := withDevice(newFakeCoordinator(), "AA:BB:CC:DD:EE:FF")
	f.connectErr = kinderr.New(kinderr.DeviceUnreachable, "test", "unreachable")
	api := New(f, eventbus.New())

	// One character off from a known address.
	cerr := api.Connect(context.Background(), "AA:BB:CC:DD:EE:FE")
	if cerr == nil {
		t.Fatal("expected error")
	}
	if cerr.Suggestion != "AA:BB:CC:DD:EE:FF" {
		t.Fatalf("suggestion = %q, want the known close address", cerr.Suggestion)
	}
}

func TestConnectOmitsSuggestionWhenNothingIsClose(t *testing.T) {
	f := withDevice(newFakeCoordinator(), "11:22:33:44:55:66")
	f.connectErr = kinderr.New(kinderr.DeviceUnreachable, "test", "unreachable")
	api := New(f, eventbus.New())

	cerr := api.Connect(context.Background(), "AA:BB:CC:DD:EE:FF")
	if cerr.Suggestion != "" {
		t.Fatalf("suggestion = %q, want none", cerr.Suggestion)
	}
}

func TestConnectOmitsSuggestionForOtherErrorKinds(t *testing.T) {
	f := withDevice(newFakeCoordinator(), "AA:BB:CC:DD:EE:FF")
	f.connectErr = kinderr.New(kinderr.Busy, "test", "adapter busy")
	api := New(f, eventbus.New())

	cerr := api.Connect(context.Background(), "AA:BB:CC:DD:EE:FE")
	if cerr.Suggestion != "" {
		t.Fatalf("suggestion = %q, want none for a Busy error", cerr.Suggestion)
	}
}

func TestForgetSuggestsClosestKnownAddress(t *testing.T) {
	f := withDevice(newFakeCoordinator(), "AA:BB:CC:DD:EE:FF")
	f.forgetErr = kinderr.New(kinderr.DeviceUnreachable, "test", "unknown device")
	api := New(f, eventbus.New())

	cerr := api.Forget(context.Background(), "AA:BB:CC:DD:EE:FE")
	if cerr.Suggestion != "AA:BB:CC:DD:EE:FF" {
		t.Fatalf("suggestion = %q, want the known close address", cerr.Suggestion)
	}
}

func TestUpdateDeviceSettingsSuggestsOnUnknownAddress(t *testing.T) {
	f := withDevice(newFakeCoordinator(), "AA:BB:CC:DD:EE:FF")
	api := New(f, eventbus.New())

	_, cerr := api.UpdateDeviceSettings(context.Background(), "AA:BB:CC:DD:EE:FE", model.DevicePatch{})
	if cerr == nil {
		t.Fatal("expected error for unknown device")
	}
	if cerr.Suggestion != "AA:BB:CC:DD:EE:FF" {
		t.Fatalf("suggestion = %q, want the known close address", cerr.Suggestion)
	}
}

func TestPutSettingsAppliesPartialPatch(t *testing.T) {
	f := newFakeCoordinator()
	api := New(f, eventbus.New())

	debug := model.LogDebug
	s, cerr := api.PutSettings(context.Background(), model.SettingsPatch{LogLevel: &debug})
	if cerr != nil {
		t.Fatalf("unexpected error: %v", cerr)
	}
	if s.LogLevel != model.LogDebug {
		t.Fatalf("LogLevel = %v, want debug", s.LogLevel)
	}
	if s.SelectedAdapter != model.DefaultGlobalSettings().SelectedAdapter {
		t.Fatalf("unrelated field SelectedAdapter changed: %q", s.SelectedAdapter)
	}
}

func TestPutSettingsRejectsInvalidMergedResult(t *testing.T) {
	f := newFakeCoordinator()
	api := New(f, eventbus.New())

	empty := ""
	_, cerr := api.PutSettings(context.Background(), model.SettingsPatch{SelectedAdapter: &empty})
	if cerr == nil {
		t.Fatal("expected a validation error for an empty selected_adapter")
	}
}

func TestSetAdapterReportsRestartRequiredOnSuccess(t *testing.T) {
	f := newFakeCoordinator()
	api := New(f, eventbus.New())

	restart, cerr := api.SetAdapter(context.Background(), "hci1", false)
	if cerr != nil {
		t.Fatalf("unexpected error: %v", cerr)
	}
	if !restart {
		t.Fatal("expected restartRequired=true on success")
	}
}

func TestSetAdapterPropagatesFailure(t *testing.T) {
	f := newFakeCoordinator()
	f.switchAdapterErr = errors.New("store write failed")
	api := New(f, eventbus.New())

	restart, cerr := api.SetAdapter(context.Background(), "hci1", false)
	if cerr == nil {
		t.Fatal("expected error")
	}
	if restart {
		t.Fatal("restartRequired should be false on failure")
	}
}

func TestScanStatusPassesThrough(t *testing.T) {
	f := newFakeCoordinator()
	f.scanning = true
	f.scanRemaining = 12
	api := New(f, eventbus.New())

	scanning, remaining := api.ScanStatus()
	if !scanning || remaining != 12 {
		t.Fatalf("got (%v, %d), want (true, 12)", scanning, remaining)
	}
}

func TestSubscribeWithoutReplayReturnsNoEvents(t *testing.T) {
	bus := eventbus.New()
	api := New(newFakeCoordinator(), bus)

	sub, replay := api.Subscribe([]eventbus.Topic{eventbus.TopicStatus}, false)
	defer sub.Unsubscribe()
	if replay != nil {
		t.Fatalf("replay = %v, want nil when withReplay is false", replay)
	}
}

func TestSubscribeWithReplayReturnsPriorEvents(t *testing.T) {
	bus := eventbus.New()
	bus.Publish(eventbus.TopicLogEntry, "daemon starting")
	api := New(newFakeCoordinator(), bus)

	sub, replay := api.Subscribe([]eventbus.Topic{eventbus.TopicLogEntry}, true)
	defer sub.Unsubscribe()
	if len(replay) == 0 {
		t.Fatal("expected the prior log entry to be replayed")
	}
}
