// Package tmerr defines the sentinel error kinds shared across tunedmoded's
// components, so call sites can classify a failure with errors.Is instead of
// comparing strings.
package tmerr

import "errors"

var (
	// ErrConfig marks a fatal misconfiguration discovered at startup, such as
	// a gaming profile unknown to the tuning service.
	ErrConfig = errors.New("config error")

	// ErrTransport marks a failure talking to the tuning service while the
	// engine starts (reading the initial profile or the profile list); such
	// a failure is fatal. Per-request transport failures are reported to
	// clients as the Error result without this sentinel.
	ErrTransport = errors.New("transport error")

	// ErrAlreadyRegistered marks register() of a PID already in the set.
	ErrAlreadyRegistered = errors.New("already registered")

	// ErrNotRegistered marks unregister() of a PID not in the set.
	ErrNotRegistered = errors.New("not registered")

	// ErrRejected marks a policy hook denying an operation.
	ErrRejected = errors.New("rejected by policy")

	// ErrDecode marks a pidfd that could not be resolved to a PID.
	ErrDecode = errors.New("decode error")
)
