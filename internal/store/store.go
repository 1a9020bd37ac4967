// Package store implements spec §4.1: an atomic on-disk JSON document of
// paired devices and global settings. Spec §6 describes the external
// layout as two files, paired_devices.json and settings.json; internally
// both are views over one logical Document (spec §4.1's
// `{devices, settings}` shape) so a single mutation either lands fully
// on both files or not at all — never a state where one file reflects a
// write the other doesn't.
//
// Grounded on ampli-pi4/internal/config/json_store.go for the
// temp-file-then-rename atomic write and the Store interface shape, with
// one deliberate divergence: ampli-pi4 debounces writes and
// migrates-and-continues on a corrupt file. Spec §4.1 requires every
// write to complete as an atomic replace before the caller observing
// success (testable property 2) and requires startup to fail precisely
// on a malformed file rather than silently discarding it — so Store
// here writes synchronously and never repairs a corrupt document.
package store

import (
	"context"

	"github.com/btaudio/btaudiod/internal/model"
)

// Store is the persistence interface spec §4.1 describes.
type Store interface {
	// Load reads the full document, failing with a StoreCorrupt-kind
	// error on malformed JSON rather than discarding it. A missing file
	// initializes to an empty document (no devices, default settings).
	Load(ctx context.Context) error

	Devices() []model.PersistedDevice
	Device(addr model.Address) (model.PersistedDevice, bool)
	UpsertDevice(ctx context.Context, d model.PersistedDevice) error
	UpdateDevice(ctx context.Context, addr model.Address, patch model.DevicePatch) (model.PersistedDevice, error)
	RemoveDevice(ctx context.Context, addr model.Address) error

	Settings() model.GlobalSettings
	PutSettings(ctx context.Context, s model.GlobalSettings) error

	// Path reports the directory the store writes beneath, for log
	// messages and DATA_DIR diagnostics.
	Path() string
}
