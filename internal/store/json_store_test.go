package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/btaudio/btaudiod/internal/eventbus"
	"github.com/btaudio/btaudiod/internal/kinderr"
	"github.com/btaudio/btaudiod/internal/model"
)

func TestLoadMissingFilesYieldsEmptyDocument(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, nil)
	if err := s.Load(context.Background()); err != nil {
		t.Fatalf("Load on empty dir: %v", err)
	}
	if len(s.Devices()) != 0 {
		t.Fatalf("expected no devices, got %d", len(s.Devices()))
	}
	if s.Settings() != model.DefaultGlobalSettings() {
		t.Fatalf("expected default settings")
	}
}

func TestLoadRejectsCorruptDevicesFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, devicesFileName), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	s := New(dir, nil)
	err := s.Load(context.Background())
	if err == nil {
		t.Fatal("expected error on malformed paired_devices.json")
	}
	if k, ok := kinderr.Of(err); !ok || k != kinderr.StoreCorrupt {
		t.Fatalf("got kind %v, want StoreCorrupt", k)
	}
}

func TestLoadRejectsDuplicateAddress(t *testing.T) {
	dir := t.TempDir()
	d := model.DefaultPersistedDevice("AA:BB:CC:DD:EE:FF", "Speaker")
	data := "[" + mustJSON(t, d) + "," + mustJSON(t, d) + "]"
	if err := os.WriteFile(filepath.Join(dir, devicesFileName), []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	s := New(dir, nil)
	if err := s.Load(context.Background()); err == nil {
		t.Fatal("expected error on duplicate address")
	}
}

func TestUpsertPersistsAtomicallyAndPublishes(t *testing.T) {
	dir := t.TempDir()
	bus := eventbus.New()
	sub := bus.Subscribe(eventbus.TopicStoreChanged)
	defer sub.Unsubscribe()

	s := New(dir, bus)
	if err := s.Load(context.Background()); err != nil {
		t.Fatal(err)
	}

	d := model.DefaultPersistedDevice("AA:BB:CC:DD:EE:FF", "Speaker")
	if err := s.UpsertDevice(context.Background(), d); err != nil {
		t.Fatalf("UpsertDevice: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, devicesFileName)); err != nil {
		t.Fatalf("expected paired_devices.json to exist: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, devicesFileName+".tmp")); !os.IsNotExist(err) {
		t.Fatal("temp file should not survive a successful write")
	}

	select {
	case ev := <-sub.C:
		if ev.Topic != eventbus.TopicStoreChanged {
			t.Fatalf("got topic %v", ev.Topic)
		}
	default:
		t.Fatal("expected a store_changed event after Upsert")
	}

	// Reload from a fresh store to confirm durability.
	s2 := New(dir, nil)
	if err := s2.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	got, ok := s2.Device(d.Address)
	if !ok || got.Name != "Speaker" {
		t.Fatalf("reloaded device = %+v, ok=%v", got, ok)
	}
}

func TestUpsertRejectsDuplicateMpdPort(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, nil)
	if err := s.Load(context.Background()); err != nil {
		t.Fatal(err)
	}

	port := 6600
	a := model.DefaultPersistedDevice("AA:BB:CC:DD:EE:01", "A")
	a.MpdPort = &port
	if err := s.UpsertDevice(context.Background(), a); err != nil {
		t.Fatal(err)
	}

	b := model.DefaultPersistedDevice("AA:BB:CC:DD:EE:02", "B")
	b.MpdPort = &port
	err := s.UpsertDevice(context.Background(), b)
	if err == nil {
		t.Fatal("expected conflict error for duplicate mpd_port")
	}
	if k, ok := kinderr.Of(err); !ok || k != kinderr.NoFreeMpdPort {
		t.Fatalf("got kind %v, want NoFreeMpdPort", k)
	}
}

func TestUpdateDeviceAllOrNothing(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, nil)
	if err := s.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	d := model.DefaultPersistedDevice("AA:BB:CC:DD:EE:FF", "Speaker")
	if err := s.UpsertDevice(context.Background(), d); err != nil {
		t.Fatal(err)
	}

	badDelay := 9999
	_, err := s.UpdateDevice(context.Background(), d.Address, model.DevicePatch{PowerSaveDelaySeconds: &badDelay})
	if err == nil {
		t.Fatal("expected validation error")
	}

	got, _ := s.Device(d.Address)
	if got.PowerSaveDelaySeconds == badDelay {
		t.Fatal("invalid patch must not have been applied")
	}
}

func TestRemoveDeviceIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, nil)
	if err := s.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	addr, err := model.ParseAddress("AA:BB:CC:DD:EE:FF")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.RemoveDevice(context.Background(), addr); err != nil {
		t.Fatalf("removing an absent device should be a no-op, got: %v", err)
	}
}

func mustJSON(t *testing.T, d model.PersistedDevice) string {
	t.Helper()
	b, err := json.Marshal(d)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}
