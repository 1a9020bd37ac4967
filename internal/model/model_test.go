package model

import "testing"

func TestParseAddressCanonicalizes(t *testing.T) {
	addr, err := ParseAddress("aa:bb:cc:dd:ee:ff")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if addr != "AA:BB:CC:DD:EE:FF" {
		t.Fatalf("got %q, want canonical upper-case form", addr)
	}
	if addr.Underscored() != "AA_BB_CC_DD_EE_FF" {
		t.Fatalf("Underscored() = %q", addr.Underscored())
	}
}

func TestParseAddressRejectsMalformed(t *testing.T) {
	cases := []string{"", "AA:BB:CC:DD:EE", "AA:BB:CC:DD:EE:GG", "AABBCCDDEEFF"}
	for _, c := range cases {
		if _, err := ParseAddress(c); err == nil {
			t.Errorf("ParseAddress(%q) expected error, got nil", c)
		}
	}
}

func TestPersistedDeviceValidate(t *testing.T) {
	d := DefaultPersistedDevice("AA:BB:CC:DD:EE:FF", "Speaker")
	if err := d.Validate(); err != nil {
		t.Fatalf("default device should validate: %v", err)
	}

	bad := d
	bad.PowerSaveDelaySeconds = 301
	if err := bad.Validate(); err == nil {
		t.Fatal("expected validation error for out-of-range power_save_delay_s")
	}

	bad2 := d
	bad2.AudioProfile = "mp3"
	if err := bad2.Validate(); err == nil {
		t.Fatal("expected validation error for invalid audio_profile")
	}
}

func TestDevicePatchAllOrNothing(t *testing.T) {
	d := DefaultPersistedDevice("AA:BB:CC:DD:EE:FF", "Speaker")
	badDelay := 9999
	patch := DevicePatch{PowerSaveDelaySeconds: &badDelay}

	if _, err := patch.Apply(d); err == nil {
		t.Fatal("expected validation error to reject the whole patch")
	}

	// original must be untouched
	if d.PowerSaveDelaySeconds == badDelay {
		t.Fatal("Apply must not mutate its input")
	}
}

func TestSettingsPatch(t *testing.T) {
	s := DefaultGlobalSettings()
	lvl := LogDebug
	out, err := SettingsPatch{LogLevel: &lvl}.Apply(s)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.LogLevel != LogDebug {
		t.Fatalf("LogLevel = %v, want debug", out.LogLevel)
	}
	if s.LogLevel == LogDebug {
		t.Fatal("Apply must not mutate its input")
	}
}

func TestRuntimeDeviceDeepCopyIsIndependent(t *testing.T) {
	rd := NewRuntimeDevice(DefaultPersistedDevice("AA:BB:CC:DD:EE:FF", "Speaker"))
	rd.Connected = true
	cp := rd.DeepCopy()
	cp.Connected = false
	cp.Name = "changed"

	if !rd.Connected {
		t.Fatal("mutating the copy affected the original Connected field")
	}
	if rd.Name == "changed" {
		t.Fatal("mutating the copy affected the original Name field")
	}
}
