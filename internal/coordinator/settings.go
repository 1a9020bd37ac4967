package coordinator

import (
	"context"

	"github.com/btaudio/btaudiod/internal/model"
)

// GetSettings implements the ControlApi `get-settings` command.
func (c *Coordinator) GetSettings() model.GlobalSettings {
	return c.store.Settings()
}

// PutSettings implements `put-settings`: merge patch onto the current
// settings document and validate the result before persisting it — a
// patch is all-or-nothing, never a partial write of only the supplied
// fields. A live interval/backoff change is picked up by
// reconnect.Controller on its next scheduling decision
// (reconnectSettings reads the store fresh each time), no restart
// needed.
func (c *Coordinator) PutSettings(ctx context.Context, patch model.SettingsPatch) (model.GlobalSettings, error) {
	merged, err := patch.Apply(c.store.Settings())
	if err != nil {
		return model.GlobalSettings{}, err
	}
	if err := c.store.PutSettings(ctx, merged); err != nil {
		return model.GlobalSettings{}, err
	}
	return merged, nil
}

// UpdateDeviceSettings implements `update-device-settings`: apply patch
// to the stored record, then refresh the live RuntimeDevice's copy of
// the same fields so the next idle-mode/MPD decision sees it without
// waiting for a reconnect.
func (c *Coordinator) UpdateDeviceSettings(ctx context.Context, addr model.Address, patch model.DevicePatch) (model.PersistedDevice, error) {
	lock := c.lockFor(addr)
	lock.Lock()
	defer lock.Unlock()

	pd, err := c.store.UpdateDevice(ctx, addr, patch)
	if err != nil {
		return model.PersistedDevice{}, err
	}

	if rd, ok := c.runtime.Load(addr); ok {
		persisted := rd.PersistedDevice
		rd.PersistedDevice = pd
		// A mode change away from keep_alive/power_save/auto_disconnect
		// must not leave a stale timer or spawned process running.
		if persisted.IdleMode != pd.IdleMode {
			c.cancelIdleTimersLocked(addr)
			c.stopKeepAliveLocked(addr)
		}
		if persisted.MpdEnabled && !pd.MpdEnabled {
			c.stopMpdLocked(addr)
		}
	}

	c.publishDevicesChanged()
	return pd, nil
}
