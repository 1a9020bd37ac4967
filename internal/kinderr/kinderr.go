// Package kinderr defines the closed set of discriminated error kinds
// that every surfaced btaudiod error carries, and the helpers used to
// attach/read one from a github.com/Southclaws/fault error chain.
//
// Every subsystem that talks to BlueZ, PulseAudio, the store, or MPD
// wraps its errors the way the teacher's vendored bluetooth-classic/linux
// package does: fault.Wrap(err, fctx.With(ctx, "error_at", "..."),
// ftag.With(ftag.Internal), fmsg.With("human message")). kindError adds
// the one thing that idiom doesn't give us on its own — a closed,
// switchable discriminator — without inventing an unconfirmed extension
// to the fault API.
package kinderr

import (
	"context"
	"errors"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fctx"
	"github.com/Southclaws/fault/fmsg"
	"github.com/Southclaws/fault/ftag"
)

// Kind is a stable, machine-readable error discriminator. Callers should
// switch on Kind rather than match error message text.
type Kind string

const (
	DeviceUnreachable  Kind = "DeviceUnreachable"
	AuthRejected       Kind = "AuthRejected"
	Busy               Kind = "Busy"
	AlreadyPaired      Kind = "AlreadyPaired"
	BlueZUnknown       Kind = "BlueZUnknown"
	AudioProfileFailed Kind = "AudioProfileFailed"
	SinkTimeout        Kind = "SinkTimeout"
	NoFreeMpdPort      Kind = "NoFreeMpdPort"
	MpdFailed          Kind = "MpdFailed"
	AdapterNotFound    Kind = "AdapterNotFound"
	AdapterNotPowered  Kind = "AdapterNotPowered"
	StoreCorrupt       Kind = "StoreCorrupt"
	PulseUnavailable   Kind = "PulseUnavailable"
	DbusUnavailable    Kind = "DbusUnavailable"
)

// kindError pairs a Kind with a fault-wrapped cause carrying the
// structured context and human message.
type kindError struct {
	kind  Kind
	cause error
}

func (e *kindError) Error() string { return e.cause.Error() }
func (e *kindError) Unwrap() error { return e.cause }

// Wrap attaches kind k, the call-site tag "error_at", and a
// human-readable message to err.
func Wrap(err error, k Kind, errorAt, human string) error {
	if err == nil {
		return nil
	}
	wrapped := fault.Wrap(err,
		fctx.With(context.Background(), "error_at", errorAt, "kind", string(k)),
		ftag.With(ftag.Internal),
		fmsg.With(human),
	)
	return &kindError{kind: k, cause: wrapped}
}

// New creates a fresh error of kind k with the given human message, for
// call sites with no underlying error to wrap (e.g. a validation failure
// discovered locally rather than reported by BlueZ/Pulse).
func New(k Kind, errorAt, human string) error {
	return Wrap(errors.New(human), k, errorAt, human)
}

// Of extracts the Kind attached to err, if any, walking the chain.
func Of(err error) (Kind, bool) {
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind, true
	}
	return "", false
}

// Message returns the human-readable message carried by err. fault
// messages are already folded into Error() by fault.Wrap, so this is a
// thin, nil-safe accessor kept alongside Of for symmetry at call sites.
func Message(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// Fatal reports whether kind k is fatal at startup per spec §7.
func Fatal(k Kind) bool {
	switch k {
	case StoreCorrupt, DbusUnavailable, AdapterNotFound:
		return true
	default:
		return false
	}
}

// FriendlyMessage returns the spec §7 example-quality user-facing text
// for a kind, used when the underlying error carries no better fmsg.
func FriendlyMessage(k Kind) string {
	switch k {
	case AuthRejected:
		return "Device refused pairing — clear the speaker's paired list and try again"
	case DeviceUnreachable:
		return "Device did not respond — make sure it is powered on and in range"
	case Busy:
		return "Adapter is busy with another operation, retrying"
	case AlreadyPaired:
		return "Device is already paired"
	case AudioProfileFailed:
		return "Could not switch the speaker to the requested audio profile"
	case SinkTimeout:
		return "Timed out waiting for the PulseAudio sink to appear"
	case NoFreeMpdPort:
		return "No free MPD port is available"
	case MpdFailed:
		return "The MPD player for this device kept crashing"
	case AdapterNotFound:
		return "No usable Bluetooth adapter was found"
	case AdapterNotPowered:
		return "The selected Bluetooth adapter is not powered on"
	case StoreCorrupt:
		return "The on-disk device store is corrupt"
	case PulseUnavailable:
		return "Could not reach PulseAudio"
	case DbusUnavailable:
		return "Could not reach the system D-Bus"
	default:
		return "An unknown BlueZ error occurred"
	}
}
