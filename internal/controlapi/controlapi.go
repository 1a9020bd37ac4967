// Package controlapi implements spec §4.11: the ControlApi command
// surface as an in-process Go interface rather than a transport. This
// keeps the command set usable from both internal/httpapi and a direct
// in-process caller (tests, a future non-HTTP front-end) without
// entangling it with net/http concerns — the same separation
// ampli-pi4 draws between internal/controller (state owner) and
// internal/api (HTTP handlers over it).
package controlapi

import (
	"context"
	"errors"
	"sort"

	"github.com/xrash/smetrics"

	"github.com/btaudio/btaudiod/internal/bluez"
	"github.com/btaudio/btaudiod/internal/coordinator"
	"github.com/btaudio/btaudiod/internal/eventbus"
	"github.com/btaudio/btaudiod/internal/kinderr"
	"github.com/btaudio/btaudiod/internal/model"
)

// suggestionThreshold is the minimum Jaro-Winkler similarity before a
// "did you mean" suggestion is offered; below this, silence is less
// confusing than a wrong guess.
const suggestionThreshold = 0.75

// Coordinator is the narrow view of internal/coordinator.Coordinator
// this package depends on, so controlapi_test.go can exercise the
// command surface against a fake instead of the full daemon.
type Coordinator interface {
	Snapshot() model.Snapshot
	Device(addr model.Address) (*model.RuntimeDevice, bool)

	ListAdapters(ctx context.Context) ([]bluez.AdapterInfo, error)
	SwitchAdapter(ctx context.Context, selector string, clean bool) error

	StartScan(ctx context.Context) (durationSeconds int, err error)
	ScanStatus() (scanning bool, secondsRemaining int)

	Pair(ctx context.Context, addr model.Address, name string) (model.PersistedDevice, error)
	Connect(ctx context.Context, addr model.Address) error
	Disconnect(ctx context.Context, addr model.Address) error
	Forget(ctx context.Context, addr model.Address) error
	ForceReconnect(ctx context.Context, addr model.Address) error

	UpdateDeviceSettings(ctx context.Context, addr model.Address, patch model.DevicePatch) (model.PersistedDevice, error)
	GetSettings() model.GlobalSettings
	PutSettings(ctx context.Context, patch model.SettingsPatch) (model.GlobalSettings, error)

	Shutdown()
}

// Error is the structured failure every command can return (spec §7):
// a closed Kind plus a message tailored to it, with no HTTP status —
// that belongs to whichever transport (internal/httpapi) sits in front
// of this package.
type Error struct {
	Kind    kinderr.Kind `json:"kind"`
	Message string       `json:"message"`
	// Suggestion is a "did you mean <address>?" hint for an unrecognized
	// MAC, populated only for forget/connect/update-device-settings.
	Suggestion string `json:"suggestion,omitempty"`
}

func (e *Error) Error() string { return e.Message }

func toError(err error) *Error {
	if err == nil {
		return nil
	}
	kind, ok := kinderr.Of(err)
	if !ok {
		kind = kinderr.BlueZUnknown
	}
	return &Error{Kind: kind, Message: err.Error()}
}

// Api is the ControlApi described in spec §4.11, bound to a live
// Coordinator and EventBus.
type Api struct {
	coord Coordinator
	bus   *eventbus.Bus
	// knownAddresses supplies the candidate pool for "did you mean"
	// suggestions; it reads the coordinator's current snapshot rather
	// than keeping its own copy.
	knownAddresses func() []model.Address
}

// New binds an Api to coord and bus.
func New(coord Coordinator, bus *eventbus.Bus) *Api {
	a := &Api{coord: coord, bus: bus}
	a.knownAddresses = func() []model.Address {
		snap := coord.Snapshot()
		out := make([]model.Address, len(snap))
		for i, d := range snap {
			out[i] = d.Address
		}
		return out
	}
	return a
}

// ListDevices implements `list-devices`.
func (a *Api) ListDevices() model.Snapshot {
	return a.coord.Snapshot()
}

// ListAdapters implements `list-adapters`.
func (a *Api) ListAdapters(ctx context.Context) ([]bluez.AdapterInfo, *Error) {
	adapters, err := a.coord.ListAdapters(ctx)
	if err != nil {
		return nil, toError(err)
	}
	return adapters, nil
}

// SetAdapter implements `set-adapter`, spec §4.10 "Adapter switch".
// SwitchAdapter signals success by returning a *coordinator.RestartRequiredError
// rather than nil, since a completed switch always leaves the daemon
// needing a restart to rebind the new adapter; any other error is a
// genuine failure to honor the switch.
func (a *Api) SetAdapter(ctx context.Context, selector string, clean bool) (restartRequired bool, cerr *Error) {
	err := a.coord.SwitchAdapter(ctx, selector, clean)
	var restartErr *coordinator.RestartRequiredError
	if errors.As(err, &restartErr) {
		return true, nil
	}
	if err != nil {
		return false, toError(err)
	}
	return true, nil
}

// StartScan implements `start-scan`.
func (a *Api) StartScan(ctx context.Context) (durationSeconds int, cerr *Error) {
	d, err := a.coord.StartScan(ctx)
	if err != nil {
		return 0, toError(err)
	}
	return d, nil
}

// ScanStatus implements `scan-status`.
func (a *Api) ScanStatus() (scanning bool, secondsRemaining int) {
	return a.coord.ScanStatus()
}

// Pair implements `pair`.
func (a *Api) Pair(ctx context.Context, addr model.Address, name string) (model.PersistedDevice, *Error) {
	pd, err := a.coord.Pair(ctx, addr, name)
	if err != nil {
		return model.PersistedDevice{}, toError(err)
	}
	return pd, nil
}

// Connect implements `connect`.
func (a *Api) Connect(ctx context.Context, addr model.Address) *Error {
	return a.withSuggestion(addr, a.coord.Connect(ctx, addr))
}

// Disconnect implements `disconnect`.
func (a *Api) Disconnect(ctx context.Context, addr model.Address) *Error {
	return toError(a.coord.Disconnect(ctx, addr))
}

// Forget implements `forget`.
func (a *Api) Forget(ctx context.Context, addr model.Address) *Error {
	return a.withSuggestion(addr, a.coord.Forget(ctx, addr))
}

// ForceReconnect implements `force-reconnect`.
func (a *Api) ForceReconnect(ctx context.Context, addr model.Address) *Error {
	return toError(a.coord.ForceReconnect(ctx, addr))
}

// UpdateDeviceSettings implements `update-device-settings`.
func (a *Api) UpdateDeviceSettings(ctx context.Context, addr model.Address, patch model.DevicePatch) (model.PersistedDevice, *Error) {
	pd, err := a.coord.UpdateDeviceSettings(ctx, addr, patch)
	if err != nil {
		cerr := toError(err)
		cerr.Suggestion = a.suggest(addr)
		return model.PersistedDevice{}, cerr
	}
	return pd, nil
}

// GetSettings implements `get-settings`.
func (a *Api) GetSettings() model.GlobalSettings {
	return a.coord.GetSettings()
}

// PutSettings implements `put-settings`: apply patch and return the
// merged settings document, mirroring UpdateDeviceSettings.
func (a *Api) PutSettings(ctx context.Context, patch model.SettingsPatch) (model.GlobalSettings, *Error) {
	s, err := a.coord.PutSettings(ctx, patch)
	if err != nil {
		return model.GlobalSettings{}, toError(err)
	}
	return s, nil
}

// Restart implements `restart` by calling the coordinator's Shutdown.
// It does not end the process: cmd/btaudiod does not observe this call,
// so the daemon, its HTTP listener included, keeps running and no exit
// code is produced.
func (a *Api) Restart(ctx context.Context) *Error {
	a.coord.Shutdown()
	return nil
}

// Subscribe attaches a live EventBus subscription, replaying the
// avrcp_event/mpris_event/log_entry rings first if requested (spec
// §4.2).
func (a *Api) Subscribe(topics []eventbus.Topic, withReplay bool) (*eventbus.Subscription, []eventbus.Event) {
	sub := a.bus.Subscribe(topics...)
	if !withReplay {
		return sub, nil
	}
	var replay []eventbus.Event
	for _, t := range topics {
		replay = append(replay, a.bus.Replay(t)...)
	}
	return sub, replay
}

func (a *Api) withSuggestion(addr model.Address, err error) *Error {
	if err == nil {
		return nil
	}
	cerr := toError(err)
	if cerr.Kind == kinderr.DeviceUnreachable {
		cerr.Suggestion = a.suggest(addr)
	}
	return cerr
}

// suggest returns the closest known address to addr by Jaro-Winkler
// similarity, or "" if nothing clears suggestionThreshold.
func (a *Api) suggest(addr model.Address) string {
	type scored struct {
		addr  model.Address
		score float64
	}
	var candidates []scored
	for _, known := range a.knownAddresses() {
		if known == addr {
			continue
		}
		score := smetrics.JaroWinkler(string(addr), string(known), 0.7, 4)
		candidates = append(candidates, scored{known, score})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })
	if len(candidates) == 0 || candidates[0].score < suggestionThreshold {
		return ""
	}
	return string(candidates[0].addr)
}
