package terminal

import (
	"context"
	"errors"
	"net"
)

// TransientError marks a failure worth retrying on the next poll cycle:
// timeouts, refused connections, flaky links.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "terminal: transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// TerminalError marks a protocol-level rejection: bad handshake, malformed
// frame, explicit refusal. The device should be marked unhealthy and its
// polling backed off.
type TerminalError struct {
	Err error
}

func (e *TerminalError) Error() string { return "terminal: " + e.Err.Error() }
func (e *TerminalError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Terminal wraps err as a TerminalError.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &TerminalError{Err: err}
}

// IsTransient reports whether err is retryable on the next cycle.
func IsTransient(err error) bool {
	var transient *TransientError
	return errors.As(err, &transient)
}

// IsTerminal reports whether err is a protocol-level rejection.
func IsTerminal(err error) bool {
	var terminal *TerminalError
	return errors.As(err, &terminal)
}

// ClassifyNetErr wraps a raw I/O error. Network errors, timeouts and
// cancellations are transient; anything already classified passes through
// unchanged; everything else is treated as a protocol fault.
func ClassifyNetErr(err error) error {
	if err == nil {
		return nil
	}
	if IsTransient(err) || IsTerminal(err) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Transient(err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return Transient(err)
	}
	return Terminal(err)
}
