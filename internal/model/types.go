// Package model defines the data shapes shared across btaudiod: the
// persisted device/settings documents (spec §3 "PersistedDevice" /
// "GlobalSettings"), the in-memory RuntimeDevice snapshot, and the
// explicit-optional-field PATCH records used at the ControlApi boundary.
//
// Grounded on ampli-pi4/internal/models/{state,stream,defaults}.go for
// the shape of a typed, DeepCopy-able state tree, and the teacher's
// vendored api/bluetooth package for the MAC-address-as-identity idiom.
package model

import "time"

// AudioProfile is the Bluetooth audio profile a device is configured to
// use.
type AudioProfile string

const (
	ProfileA2DP AudioProfile = "a2dp"
	ProfileHFP  AudioProfile = "hfp"
)

// IdleMode controls what happens when a connected device's sink goes
// idle (spec §3, §4.10 "Idle-mode transitions").
type IdleMode string

const (
	IdleDefault        IdleMode = "default"
	IdlePowerSave      IdleMode = "power_save"
	IdleKeepAlive      IdleMode = "keep_alive"
	IdleAutoDisconnect IdleMode = "auto_disconnect"
)

// KeepAliveMethod selects the kind of near-silent audio KeepAlive pipes
// to the sink (spec §4.7).
type KeepAliveMethod string

const (
	KeepAliveInfrasound KeepAliveMethod = "infrasound"
	KeepAliveSilence    KeepAliveMethod = "silence"
)

// LogLevel is GlobalSettings.log_level.
type LogLevel string

const (
	LogDebug   LogLevel = "debug"
	LogInfo    LogLevel = "info"
	LogWarning LogLevel = "warning"
	LogError   LogLevel = "error"
)

// SinkState is RuntimeDevice.sink_state.
type SinkState string

const (
	SinkAbsent    SinkState = "absent"
	SinkSuspended SinkState = "suspended"
	SinkIdle      SinkState = "idle"
	SinkRunning   SinkState = "running"
)

// AutoAdapter is the GlobalSettings.selected_adapter sentinel meaning
// "resolve one automatically" (spec §3).
const AutoAdapter = "auto"

// PersistedDevice is the stable, on-disk record for a paired device,
// keyed by Address (spec §3).
type PersistedDevice struct {
	Address               Address         `json:"address"`
	Name                  string          `json:"name"`
	AutoConnect           bool            `json:"auto_connect"`
	PairedAt              time.Time       `json:"paired_at"`
	AudioProfile          AudioProfile    `json:"audio_profile"`
	IdleMode              IdleMode        `json:"idle_mode"`
	KeepAliveMethod       KeepAliveMethod `json:"keep_alive_method"`
	PowerSaveDelaySeconds int             `json:"power_save_delay_s"`
	AutoDisconnectMinutes int             `json:"auto_disconnect_minutes"`
	MpdEnabled            bool            `json:"mpd_enabled"`
	MpdPort               *int            `json:"mpd_port,omitempty"`
	MpdHWVolumePct        int             `json:"mpd_hw_volume_pct"`
	AvrcpEnabled          bool            `json:"avrcp_enabled"`
}

// Clone returns a deep copy. PersistedDevice has no reference types
// beyond MpdPort, so a value copy plus an explicit pointer clone
// suffices; see RuntimeDevice.DeepCopy for the copystructure-backed
// version used where the type graph is large enough to make hand
// copying error-prone.
func (d PersistedDevice) Clone() PersistedDevice {
	if d.MpdPort != nil {
		p := *d.MpdPort
		d.MpdPort = &p
	}
	return d
}

// Validate enforces the range/enum invariants from spec §3.
func (d PersistedDevice) Validate() error {
	switch d.AudioProfile {
	case ProfileA2DP, ProfileHFP:
	default:
		return fieldErr("audio_profile", "must be a2dp or hfp")
	}
	switch d.IdleMode {
	case IdleDefault, IdlePowerSave, IdleKeepAlive, IdleAutoDisconnect:
	default:
		return fieldErr("idle_mode", "must be default, power_save, keep_alive, or auto_disconnect")
	}
	switch d.KeepAliveMethod {
	case KeepAliveInfrasound, KeepAliveSilence:
	default:
		return fieldErr("keep_alive_method", "must be infrasound or silence")
	}
	if d.PowerSaveDelaySeconds < 0 || d.PowerSaveDelaySeconds > 300 {
		return fieldErr("power_save_delay_s", "must be in [0, 300]")
	}
	if d.AutoDisconnectMinutes < 1 || d.AutoDisconnectMinutes > 1440 {
		return fieldErr("auto_disconnect_minutes", "must be in [1, 1440]")
	}
	if d.MpdPort != nil && (*d.MpdPort < 6600 || *d.MpdPort > 6609) {
		return fieldErr("mpd_port", "must be in [6600, 6609]")
	}
	if d.MpdHWVolumePct < 0 || d.MpdHWVolumePct > 100 {
		return fieldErr("mpd_hw_volume_pct", "must be in [0, 100]")
	}
	if d.Name == "" {
		return fieldErr("name", "must not be empty")
	}
	return nil
}

// DefaultPersistedDevice returns the defaults a freshly paired device
// starts with, before any settings patch is applied.
func DefaultPersistedDevice(addr Address, name string) PersistedDevice {
	return PersistedDevice{
		Address:               addr,
		Name:                  name,
		AutoConnect:           true,
		PairedAt:              time.Now().UTC(),
		AudioProfile:          ProfileA2DP,
		IdleMode:              IdleDefault,
		KeepAliveMethod:       KeepAliveSilence,
		PowerSaveDelaySeconds: 30,
		AutoDisconnectMinutes: 30,
		MpdEnabled:            false,
		MpdHWVolumePct:        80,
		AvrcpEnabled:          true,
	}
}

// GlobalSettings is the daemon-wide configuration document (spec §3).
type GlobalSettings struct {
	SelectedAdapter            string   `json:"selected_adapter"`
	AutoReconnect              bool     `json:"auto_reconnect"`
	ReconnectIntervalSeconds   int      `json:"reconnect_interval_seconds"`
	ReconnectMaxBackoffSeconds int      `json:"reconnect_max_backoff_seconds"`
	ScanDurationSeconds        int      `json:"scan_duration_seconds"`
	LogLevel                   LogLevel `json:"log_level"`
}

// Validate enforces GlobalSettings' range/enum invariants from spec §3.
func (s GlobalSettings) Validate() error {
	if s.SelectedAdapter == "" {
		return fieldErr("selected_adapter", "must not be empty")
	}
	if s.ReconnectIntervalSeconds < 1 {
		return fieldErr("reconnect_interval_seconds", "must be >= 1")
	}
	if s.ReconnectMaxBackoffSeconds < s.ReconnectIntervalSeconds {
		return fieldErr("reconnect_max_backoff_seconds", "must be >= reconnect_interval_seconds")
	}
	if s.ScanDurationSeconds < 1 || s.ScanDurationSeconds > 600 {
		return fieldErr("scan_duration_seconds", "must be in [1, 600]")
	}
	switch s.LogLevel {
	case LogDebug, LogInfo, LogWarning, LogError:
	default:
		return fieldErr("log_level", "must be debug, info, warning, or error")
	}
	return nil
}

// DefaultGlobalSettings returns the settings a fresh store starts with.
func DefaultGlobalSettings() GlobalSettings {
	return GlobalSettings{
		SelectedAdapter:            AutoAdapter,
		AutoReconnect:              true,
		ReconnectIntervalSeconds:   30,
		ReconnectMaxBackoffSeconds: 300,
		ScanDurationSeconds:        30,
		LogLevel:                   LogInfo,
	}
}

// Document is the full on-disk shape described in spec §4.1:
// `{ "devices": [...], "settings": {...} }`.
type Document struct {
	Devices  []PersistedDevice `json:"devices"`
	Settings GlobalSettings    `json:"settings"`
}

func fieldErr(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// ValidationError reports a single invalid field, used at the
// ControlApi boundary to produce precise PATCH rejections.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string { return e.Field + ": " + e.Reason }
