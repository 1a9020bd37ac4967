package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/mitchellh/copystructure"
)

// RuntimeDevice is the non-persisted, in-memory snapshot of a managed
// device (spec §3). The Coordinator owns the authoritative copy; every
// other reader (EventBus subscribers, ControlApi callers) receives a
// DeepCopy so mutation of the authoritative map is never observable
// mid-read — the same "snapshot, don't alias" discipline as
// ampli-pi4/internal/controller.State().
type RuntimeDevice struct {
	PersistedDevice

	PresentInBluez  bool
	PairedInBluez   bool
	Connected       bool
	RSSI            *int
	UUIDs           map[uuid.UUID]struct{}
	SinkState       SinkState
	KeepAliveActive bool

	LastConnectedAt    *time.Time
	LastDisconnectedAt *time.Time

	// Transitioning mirrors "lock held" from spec §3: true while a
	// connect/disconnect/forget/settings-write is in flight for this
	// address under Coordinator's per-device lock.
	Transitioning bool
}

// NewRuntimeDevice seeds a RuntimeDevice from its persisted record, the
// state all freshly-observed devices (pair, connect, or boot reload)
// start in per spec §3 "Lifecycle".
func NewRuntimeDevice(d PersistedDevice) *RuntimeDevice {
	return &RuntimeDevice{
		PersistedDevice: d.Clone(),
		SinkState:       SinkAbsent,
		UUIDs:           make(map[uuid.UUID]struct{}),
	}
}

// DeepCopy returns an independent copy suitable for handing to a
// goroutine outside the coordinator's lock (EventBus publication,
// ControlApi responses). Uses mitchellh/copystructure rather than a
// hand-rolled field copier — the struct graph (map, slice of pointers)
// is exactly the shape copystructure exists to handle correctly once
// and for all call sites, instead of each caller re-deriving a DeepCopy
// method by hand the way ampli-pi4's models.State does.
func (r *RuntimeDevice) DeepCopy() *RuntimeDevice {
	if r == nil {
		return nil
	}
	v, err := copystructure.Copy(r)
	if err != nil {
		// copystructure only fails on unsupported kinds (channels, funcs),
		// none of which appear in RuntimeDevice; a shallow fallback keeps
		// this path total rather than panicking a hot coordinator path.
		cp := *r
		return &cp
	}
	return v.(*RuntimeDevice)
}

// Snapshot is the full RuntimeDevice list published on `devices_changed`
// (spec §4.2).
type Snapshot []*RuntimeDevice

// DeepCopy returns an independent copy of the whole snapshot.
func (s Snapshot) DeepCopy() Snapshot {
	out := make(Snapshot, len(s))
	for i, d := range s {
		out[i] = d.DeepCopy()
	}
	return out
}
