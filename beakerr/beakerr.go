package beakerr

import (
	"errors"
)

// The error kinds surfaced by the archive engine. Callers wrap these with
// fmt.Errorf("...: %w", ...) so errors.Is can classify any failure back to
// its kind, and ExitCode can map it to a process exit status.
var (
	ErrIO          = errors.New("i/o error")
	ErrParse       = errors.New("parse error")
	ErrIntegrity   = errors.New("integrity error")
	ErrSubprocess  = errors.New("subprocess error")
	ErrNotFound    = errors.New("not found")
	ErrUnsupported = errors.New("unsupported")
)

const (
	ExitOK          = 0
	ExitGeneric     = 1
	ExitIO          = 2
	ExitParse       = 3
	ExitIntegrity   = 4
	ExitSubprocess  = 5
	ExitNotFound    = 6
	ExitUnsupported = 7
)

func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ErrIO):
		return ExitIO
	case errors.Is(err, ErrParse):
		return ExitParse
	case errors.Is(err, ErrIntegrity):
		return ExitIntegrity
	case errors.Is(err, ErrSubprocess):
		return ExitSubprocess
	case errors.Is(err, ErrNotFound):
		return ExitNotFound
	case errors.Is(err, ErrUnsupported):
		return ExitUnsupported
	default:
		return ExitGeneric
	}
}
