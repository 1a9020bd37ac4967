package coordinator

import (
	"context"

	"github.com/btaudio/btaudiod/internal/model"
)

// Pair implements the ControlApi `pair` command (spec §4.11): drive
// BlueZ's just-works pairing agent flow for addr, mark the device
// trusted so BlueZ auto-authorizes future reconnects without another
// Agent round-trip, and create its PersistedDevice record with defaults
// (spec §3 "Lifecycle": "PersistedDevice created on successful pair").
// Pairing an address that is already in the store is a harmless no-op
// beyond re-running BlueZ's pair/trust calls.
func (c *Coordinator) Pair(ctx context.Context, addr model.Address, name string) (model.PersistedDevice, error) {
	lock := c.lockFor(addr)
	lock.Lock()
	defer lock.Unlock()

	handle := c.bluezSess.DeviceByAddress(c.adapterPathValue(), addr)
	if err := handle.Pair(ctx); err != nil {
		return model.PersistedDevice{}, err
	}
	if err := handle.SetTrusted(true); err != nil {
		return model.PersistedDevice{}, err
	}

	pd, alreadyStored := c.store.Device(addr)
	if !alreadyStored {
		pd = model.DefaultPersistedDevice(addr, name)
		if err := pd.Validate(); err != nil {
			return model.PersistedDevice{}, err
		}
		if err := c.store.UpsertDevice(ctx, pd); err != nil {
			return model.PersistedDevice{}, err
		}
	}

	rd, ok := c.runtime.Load(addr)
	if !ok {
		rd = model.NewRuntimeDevice(pd)
		c.runtime.Store(addr, rd)
	}
	rd.PairedInBluez = true
	rd.PresentInBluez = true

	if info, err := handle.Properties(ctx); err == nil {
		applyBluezInfo(rd, info)
	}

	c.publishDevicesChanged()
	return pd, nil
}
