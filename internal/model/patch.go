package model

// DevicePatch is the explicit, fully-optional PATCH record for
// `update-device-settings` (spec §4.11 and Design Note "Dynamic config
// objects": "Define the PATCH as an explicit record with each field
// optional; reject unknown keys at the boundary"). Grounded on
// ampli-pi4/internal/models/requests.go, which uses the same
// pointer-per-field shape for its zone/source/group PATCH bodies.
type DevicePatch struct {
	Name                  *string          `json:"name,omitempty"`
	AutoConnect           *bool            `json:"auto_connect,omitempty"`
	AudioProfile          *AudioProfile    `json:"audio_profile,omitempty"`
	IdleMode              *IdleMode        `json:"idle_mode,omitempty"`
	KeepAliveMethod       *KeepAliveMethod `json:"keep_alive_method,omitempty"`
	PowerSaveDelaySeconds *int             `json:"power_save_delay_s,omitempty"`
	AutoDisconnectMinutes *int             `json:"auto_disconnect_minutes,omitempty"`
	MpdEnabled            *bool            `json:"mpd_enabled,omitempty"`
	MpdPort               *int             `json:"mpd_port,omitempty"`
	MpdHWVolumePct        *int             `json:"mpd_hw_volume_pct,omitempty"`
	AvrcpEnabled          *bool            `json:"avrcp_enabled,omitempty"`
}

// Apply returns a copy of d with every non-nil patch field applied, and
// validates the result before returning it — a patch is all-or-nothing.
func (p DevicePatch) Apply(d PersistedDevice) (PersistedDevice, error) {
	out := d.Clone()
	if p.Name != nil {
		out.Name = *p.Name
	}
	if p.AutoConnect != nil {
		out.AutoConnect = *p.AutoConnect
	}
	if p.AudioProfile != nil {
		out.AudioProfile = *p.AudioProfile
	}
	if p.IdleMode != nil {
		out.IdleMode = *p.IdleMode
	}
	if p.KeepAliveMethod != nil {
		out.KeepAliveMethod = *p.KeepAliveMethod
	}
	if p.PowerSaveDelaySeconds != nil {
		out.PowerSaveDelaySeconds = *p.PowerSaveDelaySeconds
	}
	if p.AutoDisconnectMinutes != nil {
		out.AutoDisconnectMinutes = *p.AutoDisconnectMinutes
	}
	if p.MpdEnabled != nil {
		out.MpdEnabled = *p.MpdEnabled
	}
	if p.MpdPort != nil {
		port := *p.MpdPort
		out.MpdPort = &port
	}
	if p.MpdHWVolumePct != nil {
		out.MpdHWVolumePct = *p.MpdHWVolumePct
	}
	if p.AvrcpEnabled != nil {
		out.AvrcpEnabled = *p.AvrcpEnabled
	}
	if err := out.Validate(); err != nil {
		return PersistedDevice{}, err
	}
	return out, nil
}

// SettingsPatch is the PATCH record for `put-settings`.
type SettingsPatch struct {
	SelectedAdapter            *string   `json:"selected_adapter,omitempty"`
	AutoReconnect              *bool     `json:"auto_reconnect,omitempty"`
	ReconnectIntervalSeconds   *int      `json:"reconnect_interval_seconds,omitempty"`
	ReconnectMaxBackoffSeconds *int      `json:"reconnect_max_backoff_seconds,omitempty"`
	ScanDurationSeconds        *int      `json:"scan_duration_seconds,omitempty"`
	LogLevel                   *LogLevel `json:"log_level,omitempty"`
}

// Apply returns a copy of s with every non-nil patch field applied,
// validated before being returned.
func (p SettingsPatch) Apply(s GlobalSettings) (GlobalSettings, error) {
	out := s
	if p.SelectedAdapter != nil {
		out.SelectedAdapter = *p.SelectedAdapter
	}
	if p.AutoReconnect != nil {
		out.AutoReconnect = *p.AutoReconnect
	}
	if p.ReconnectIntervalSeconds != nil {
		out.ReconnectIntervalSeconds = *p.ReconnectIntervalSeconds
	}
	if p.ReconnectMaxBackoffSeconds != nil {
		out.ReconnectMaxBackoffSeconds = *p.ReconnectMaxBackoffSeconds
	}
	if p.ScanDurationSeconds != nil {
		out.ScanDurationSeconds = *p.ScanDurationSeconds
	}
	if p.LogLevel != nil {
		out.LogLevel = *p.LogLevel
	}
	if err := out.Validate(); err != nil {
		return GlobalSettings{}, err
	}
	return out, nil
}
