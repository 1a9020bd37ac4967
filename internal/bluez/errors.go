package bluez

import (
	"strings"

	"github.com/godbus/dbus/v5"

	"github.com/btaudio/btaudiod/internal/kinderr"
)

// classifyBluezError maps a D-Bus call failure to one of the daemon's
// error kinds, per the BlueZ error-name table in spec §4.3. BlueZ
// reports failures as named org.bluez.Error.* D-Bus errors; anything
// else (bus disconnects, timeouts) is treated as DbusUnavailable.
func classifyBluezError(err error) kinderr.Kind {
	dbusErr, ok := err.(dbus.Error)
	if !ok {
		return kinderr.DbusUnavailable
	}

	name := dbusErr.Name
	switch {
	case strings.HasSuffix(name, "AuthenticationFailed"),
		strings.HasSuffix(name, "AuthenticationRejected"),
		strings.HasSuffix(name, "AuthenticationCanceled"),
		strings.HasSuffix(name, "AuthenticationTimeout"),
		strings.HasSuffix(name, "NotAuthorized"):
		return kinderr.AuthRejected

	case strings.HasSuffix(name, "AlreadyExists"):
		return kinderr.AlreadyPaired

	case strings.HasSuffix(name, "AlreadyConnected"),
		strings.HasSuffix(name, "InProgress"):
		return kinderr.Busy

	case strings.HasSuffix(name, "NotSupported"):
		return kinderr.AudioProfileFailed

	case strings.HasSuffix(name, "NotReady"),
		strings.HasSuffix(name, "NotConnected"),
		strings.HasSuffix(name, "NotAvailable"),
		strings.HasSuffix(name, "ConnectionAttemptFailed"),
		strings.HasSuffix(name, "DoesNotExist"),
		strings.HasSuffix(name, "Failed"):
		return kinderr.DeviceUnreachable

	default:
		return kinderr.BlueZUnknown
	}
}
