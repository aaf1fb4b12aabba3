package csext

import "github.com/pkg/errors"

// Configuration-time errors are local to Attach/Detach and never leave the
// table in a partial state. Request errors are rejected before any electrical
// side effect. ErrTransferFailed is surfaced only after the line is safely
// back at its idle level; ErrDeassertFailed means the exchange itself
// succeeded but the line could not be returned to idle.
var (
	ErrDuplicateIndex      = errors.New("chip select index already attached")
	ErrFrequencyOutOfRange = errors.New("max frequency out of range for this bus")
	ErrLineBusy            = errors.New("chip select line is currently asserted")
	ErrUnknownIndex        = errors.New("unknown chip select index")
	ErrInvalidClockRate    = errors.New("clock rate must be positive")
	ErrEmptyBuffer         = errors.New("transfer buffer is empty")
	ErrArbitrationTimeout  = errors.New("timed out arbitrating for the bus")
	ErrTransferFailed      = errors.New("transfer failed")
	ErrDeassertFailed      = errors.New("failed to deassert chip select line")
	ErrBusClosed           = errors.New("bus instance is closed")
)
