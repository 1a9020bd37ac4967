package bluez

import (
	"testing"

	"github.com/godbus/dbus/v5"

	"github.com/btaudio/btaudiod/internal/kinderr"
)

func TestClassifyBluezError(t *testing.T) {
	cases := []struct {
		name string
		want kinderr.Kind
	}{
		{"org.bluez.Error.AuthenticationRejected", kinderr.AuthRejected},
		{"org.bluez.Error.AlreadyExists", kinderr.AlreadyPaired},
		{"org.bluez.Error.InProgress", kinderr.Busy},
		{"org.bluez.Error.NotSupported", kinderr.AudioProfileFailed},
		{"org.bluez.Error.Failed", kinderr.DeviceUnreachable},
		{"org.bluez.Error.SomethingNew", kinderr.BlueZUnknown},
	}
	for _, c := range cases {
		err := dbus.Error{Name: c.name}
		if got := classifyBluezError(err); got != c.want {
			t.Errorf("classifyBluezError(%s) = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestClassifyNonBluezError(t *testing.T) {
	if got := classifyBluezError(errNotDbus{}); got != kinderr.DbusUnavailable {
		t.Errorf("got %v, want DbusUnavailable", got)
	}
}

type errNotDbus struct{}

func (errNotDbus) Error() string { return "boom" }

func TestHasAudioProfile(t *testing.T) {
	if !HasAudioProfile([]string{"0000110B-0000-1000-8000-00805F9B34FB"}) {
		t.Fatal("expected A2DP sink UUID (upper-case) to match")
	}
	if HasAudioProfile([]string{"00001105-0000-1000-8000-00805f9b34fb"}) {
		t.Fatal("OBEX object push UUID must not match")
	}
}

func TestDecodePropertiesChangedIgnoresOtherInterfaces(t *testing.T) {
	sig := &dbus.Signal{
		Path: dbus.ObjectPath("/org/bluez/hci0/dev_AA_BB"),
		Name: propsChanged,
		Body: []any{"org.bluez.Battery1", map[string]dbus.Variant{"Percentage": dbus.MakeVariant(byte(90))}},
	}
	if _, ok := decodeSignal(sig); ok {
		t.Fatal("expected non-Device1 PropertiesChanged to be ignored")
	}
}

func TestDecodePropertiesChangedConnected(t *testing.T) {
	sig := &dbus.Signal{
		Path: dbus.ObjectPath("/org/bluez/hci0/dev_AA_BB"),
		Name: propsChanged,
		Body: []any{DeviceIface, map[string]dbus.Variant{"Connected": dbus.MakeVariant(true)}},
	}
	ch, ok := decodeSignal(sig)
	if !ok || ch.Connected == nil || !*ch.Connected {
		t.Fatalf("got %+v, ok=%v", ch, ok)
	}
}

func TestDecodeInterfacesRemoved(t *testing.T) {
	sig := &dbus.Signal{
		Name: interfacesRemove,
		Body: []any{dbus.ObjectPath("/org/bluez/hci0/dev_AA_BB"), []string{DeviceIface}},
	}
	ch, ok := decodeSignal(sig)
	if !ok || !ch.Removed {
		t.Fatalf("got %+v, ok=%v", ch, ok)
	}
}
