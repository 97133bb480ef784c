package callrelay

import "errors"

var (
	// ErrUnreachable means the addressed user has no registry entry. Always
	// surfaced to the sender as an explicit failure, never swallowed.
	ErrUnreachable = errors.New("peer unreachable")

	// ErrNoSuchCall means accept/reject referenced an attempt that does not
	// exist or was already resolved. A local no-op error for the caller; the
	// other party (if any) is not notified.
	ErrNoSuchCall = errors.New("no such call")

	// ErrPeerGone means the attempt existed but its other party disconnected
	// between ringing and the current operation ("call no longer available").
	ErrPeerGone = errors.New("call no longer available")

	// ErrBusy means the target is already participating in an active call
	// attempt. The relay answers the initiator with an explicit busy event
	// rather than silently ignoring the start.
	ErrBusy = errors.New("peer busy")
)
