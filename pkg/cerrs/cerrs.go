// Package cerrs defines the error kinds shared by every stage of the
// session core. The original implementation threads a single tagged
// derr_t through every call; Go has no equivalent sum type for errors, so
// each kind below is a sentinel that callers compare against with
// errors.Is, and every non-sentinel error gets wrapped with one of them
// via Wrap so the kind survives across collaborator boundaries.
package cerrs

import "errors"

// Sentinel kinds. See spec.md §7.
var (
	// Cancelled marks the normal shutdown path: a local Cancel() or a
	// cancellation propagated from a cancelled collaborator. Never logged
	// as an error.
	Cancelled = errors.New("cancelled")

	// Response means the peer violated the IMAP contract: unexpected tag,
	// wrong response type, a missing required status code. Fatal to the
	// session; no attempt to recover.
	Response = errors.New("protocol response error")

	// Param means malformed persisted data. On load the offending file is
	// dropped with a warning and the caller continues; on write it is
	// fatal.
	Param = errors.New("malformed parameter")

	// Ssl means a TLS negotiation or record-layer failure. Fatal to the
	// session.
	Ssl = errors.New("tls failure")

	// NotForMe means a decryption recipient mismatch. Not an error from
	// the cache's point of view; the message is simply skipped.
	NotForMe = errors.New("not for me")

	// Internal is a programmer error. Always fatal.
	Internal = errors.New("internal error")
)

// Is reports whether err ultimately wraps one of the sentinels above.
func Is(err, kind error) bool {
	return errors.Is(err, kind)
}

// wrapped pairs an arbitrary error with one of the sentinel kinds so that
// errors.Is(wrapped, kind) succeeds while %w / Unwrap still exposes the
// original cause.
type wrapped struct {
	kind  error
	cause error
}

func (w *wrapped) Error() string {
	if w.cause == nil {
		return w.kind.Error()
	}
	return w.kind.Error() + ": " + w.cause.Error()
}

func (w *wrapped) Unwrap() []error {
	return []error{w.kind, w.cause}
}

// Wrap tags cause with kind. Wrap(nil, kind) returns kind itself.
func Wrap(cause error, kind error) error {
	if cause == nil {
		return kind
	}
	return &wrapped{kind: kind, cause: cause}
}

// AsCancelled reports whether err is, or wraps, Cancelled.
func AsCancelled(err error) bool { return errors.Is(err, Cancelled) }

// UpgradeOnCancel implements the §7 propagation policy: when a component
// cancels itself, any error that is not already a Cancelled is upgraded to
// Internal, since nothing else was supposed to cancel it.
func UpgradeOnCancel(err error) error {
	if err == nil {
		return nil
	}
	if AsCancelled(err) {
		return err
	}
	return Wrap(err, Internal)
}

// FirstOf implements "a sub-step's first error is captured into the
// owning component's error slot; subsequent errors are dropped", with the
// exception that an outstanding Cancelled always wins just before the
// owner callback fires (also per §7).
func FirstOf(existing, next error) error {
	if existing == nil {
		return next
	}
	if AsCancelled(next) && !AsCancelled(existing) {
		return next
	}
	return existing
}
