package wv

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedDevice is returned when device identity bytes fail
	// structural validation (bad magic, truncated blob, trailing data).
	ErrMalformedDevice = errors.New("malformed device")

	// ErrUnsupportedVersion is returned when a device identity declares a
	// format version newer than this implementation understands.
	ErrUnsupportedVersion = errors.New("unsupported device version")

	// ErrMalformedProtectionData is returned on truncated or internally
	// inconsistent protection descriptor bytes.
	ErrMalformedProtectionData = errors.New("malformed protection data")

	// ErrInvalidState is returned when a session operation is called from
	// a state it is not valid in. Sessions are single-use.
	ErrInvalidState = errors.New("invalid session state")

	// ErrSignatureVerification is returned when a license response's
	// envelope or signature does not check out against the trust chain.
	ErrSignatureVerification = errors.New("signature verification failed")
)

// LicenseDeniedError is returned when the license service explicitly
// refuses to issue a license. Reason carries the service-provided code.
type LicenseDeniedError struct {
	Reason string
}

func (e *LicenseDeniedError) Error() string {
	return fmt.Sprintf("license denied by service: %s", e.Reason)
}
