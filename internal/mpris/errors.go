package mpris

import "errors"

var (
	errNameTaken        = errors.New("mpris: " + wellKnownName + " is already owned by another process")
	errUnknownProperty  = errors.New("mpris: unknown property")
	errUnknownInterface = errors.New("mpris: unknown interface")
	errReadOnly         = errors.New("mpris: property is read-only")
)
