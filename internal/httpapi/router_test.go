package httpapi_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/btaudio/btaudiod/internal/bluez"
	"github.com/btaudio/btaudiod/internal/controlapi"
	"github.com/btaudio/btaudiod/internal/eventbus"
	"github.com/btaudio/btaudiod/internal/httpapi"
	"github.com/btaudio/btaudiod/internal/kinderr"
	"github.com/btaudio/btaudiod/internal/model"
)

// fakeCoordinator is a minimal controlapi.Coordinator double, grounded
// on ampli-pi4/internal/api/api_test.go's mock-dependency test server.
type fakeCoordinator struct {
	devices    map[model.Address]*model.RuntimeDevice
	connectErr error
	settings   model.GlobalSettings
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
	return []bluez.AdapterInfo{{Address: "AA:AA:AA:AA:AA:AA", Path: "/org/bluez/hci0"}}, nil
}

func (f *fakeCoordinator) SwitchAdapter(ctx context.Context, selector string, clean bool) error {
	return nil
}

func (f *fakeCoordinator) StartScan(ctx context.Context) (int, error) { return 10, nil }
func (f *fakeCoordinator) ScanStatus() (bool, int)                    { return true, 7 }

func (f *fakeCoordinator) Pair(ctx context.Context, addr model.Address, name string) (model.PersistedDevice, error) {
	return model.DefaultPersistedDevice(addr, name), nil
}

func (f *fakeCoordinator) Connect(ctx context.Context, addr model.Address) error {
	return f.connectErr
}

func (f *fakeCoordinator) Disconnect(ctx context.Context, addr model.Address) error { return nil }
func (f *fakeCoordinator) Forget(ctx context.Context, addr model.Address) error     { return nil }
func (f *fakeCoordinator) ForceReconnect(ctx context.Context, addr model.Address) error {
	return nil
}

func (f *fakeCoordinator) UpdateDeviceSettings(ctx context.Context, addr model.Address, patch model.DevicePatch) (model.PersistedDevice, error) {
	d, ok := f.devices[addr]
	if !ok {
		return model.PersistedDevice{}, kinderr.New(kinderr.DeviceUnreachable, "test", "unknown device")
	}
	patched, err := patch.Apply(d.PersistedDevice)
	if err != nil {
		return model.PersistedDevice{}, err
	}
	return patched, nil
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

func newTestServer(t *testing.T, coord *fakeCoordinator) *httptest.Server {
	t.Helper()
	api := controlapi.New(coord, eventbus.New())
	srv := httptest.NewServer(httpapi.NewRouter(api))
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, srv *httptest.Server, method, path, body string) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, srv.URL+path, reader)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("Do %s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestListDevicesReturnsEmptySnapshot(t *testing.T) {
	srv := newTestServer(t, newFakeCoordinator())
	resp := do(t, srv, http.MethodGet, "/api/devices", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var devices []model.RuntimeDevice
	if err := json.NewDecoder(resp.Body).Decode(&devices); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(devices) != 0 {
		t.Fatalf("len(devices) = %d, want 0", len(devices))
	}
}

func TestConnectUnknownDeviceReturnsNotFound(t *testing.T) {
	coord := newFakeCoordinator()
	coord.connectErr = kinderr.New(kinderr.DeviceUnreachable, "test", "no such device")
	srv := newTestServer(t, coord)

	resp := do(t, srv, http.MethodPost, "/api/devices/AA:BB:CC:DD:EE:FF/connect", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	var cerr controlapi.Error
	if err := json.NewDecoder(resp.Body).Decode(&cerr); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cerr.Kind != kinderr.DeviceUnreachable {
		t.Fatalf("kind = %v, want DeviceUnreachable", cerr.Kind)
	}
}

func TestConnectMalformedAddressReturnsBadRequest(t *testing.T) {
	srv := newTestServer(t, newFakeCoordinator())
	resp := do(t, srv, http.MethodPost, "/api/devices/not-a-mac/connect", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestScanStatusReflectsCoordinatorState(t *testing.T) {
	srv := newTestServer(t, newFakeCoordinator())
	resp := do(t, srv, http.MethodGet, "/api/scan/status", "")
	var body struct {
		Scanning         bool `json:"scanning"`
		SecondsRemaining int  `json:"seconds_remaining"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !body.Scanning || body.SecondsRemaining != 7 {
		t.Fatalf("got %+v, want scanning=true remaining=7", body)
	}
}

func TestPutSettingsAppliesPartialPatch(t *testing.T) {
	srv := newTestServer(t, newFakeCoordinator())
	resp := do(t, srv, http.MethodPut, "/api/settings", `{"log_level":"debug"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var s model.GlobalSettings
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if s.LogLevel != model.LogDebug {
		t.Fatalf("LogLevel = %v, want debug", s.LogLevel)
	}
	if s.SelectedAdapter != model.DefaultGlobalSettings().SelectedAdapter {
		t.Fatalf("unrelated field SelectedAdapter changed: %q", s.SelectedAdapter)
	}
}

func TestPutSettingsRejectsInvalidSettings(t *testing.T) {
	srv := newTestServer(t, newFakeCoordinator())
	resp := do(t, srv, http.MethodPut, "/api/settings", `{"selected_adapter":""}`)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500 for a validation error with no dedicated mapping", resp.StatusCode)
	}
}

func TestPutSettingsRejectsUnknownField(t *testing.T) {
	srv := newTestServer(t, newFakeCoordinator())
	resp := do(t, srv, http.MethodPut, "/api/settings", `{"bogus_field":true}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for an unknown field", resp.StatusCode)
	}
}

func TestUpdateDeviceSettingsAppliesPatch(t *testing.T) {
	coord := newFakeCoordinator()
	addr := model.Address("AA:BB:CC:DD:EE:FF")
	coord.devices[addr] = model.NewRuntimeDevice(model.DefaultPersistedDevice(addr, "speaker"))
	srv := newTestServer(t, coord)

	resp := do(t, srv, http.MethodPatch, "/api/devices/AA:BB:CC:DD:EE:FF", `{"name":"Living Room Speaker"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var pd model.PersistedDevice
	if err := json.NewDecoder(resp.Body).Decode(&pd); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if pd.Name != "Living Room Speaker" {
		t.Fatalf("Name = %q, want patched value", pd.Name)
	}
}
