package dempsy

import "errors"

// Error kinds per §7 of the message-plane spec. Each is a sentinel suitable
// for errors.Is; callers that need per-connection or per-message context
// wrap these with fmt.Errorf("%w: ...").
var (
	// ErrBind is fatal at startup: the receiver could not bind its listening
	// socket. Propagates out of FramedReceiver.Start.
	ErrBind = errors.New("dempsy: bind failed")

	// ErrCorruptFrame terminates only the offending connection.
	ErrCorruptFrame = errors.New("dempsy: corrupt frame")

	// ErrPeerClosed is informational: the remote end closed cleanly.
	ErrPeerClosed = errors.New("dempsy: peer closed connection")

	// ErrSenderUnavailable is returned by Sender.Send when the message
	// cannot be queued or pushed (a full TCPSender queue, a failed azqueue
	// enqueue); the dispatcher logs it and drops the message.
	ErrSenderUnavailable = errors.New("dempsy: sender unavailable")

	// ErrRoutingNotReady names the state in which no snapshot has ever been
	// published. No function in this package returns it: Dispatch counts a
	// never-ready table as MessageNotSent and returns.
	ErrRoutingNotReady = errors.New("dempsy: routing table not ready")

	// ErrSnapshotAbsent marks a transient window during a reconciler swap.
	ErrSnapshotAbsent = errors.New("dempsy: snapshot temporarily absent")

	// ErrSerialization wraps a per-message (de)serialization failure.
	ErrSerialization = errors.New("dempsy: serialization error")

	// ErrCoordination is a transient directory-backend failure; the
	// reconciler retries after RetryTimeout.
	ErrCoordination = errors.New("dempsy: coordination directory error")

	// ErrShutdownInProgress is returned by Sender.Send once the sender has
	// been stopped; the dispatcher logs it and drops the message.
	ErrShutdownInProgress = errors.New("dempsy: shutdown in progress")
)
