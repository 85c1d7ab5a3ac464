package signedlog

import (
	"errors"
	"fmt"
)

// ErrProtocol marks a peer that broke the wire protocol. The session it
// happened on is destroyed.
var ErrProtocol = errors.New("protocol error")

// ErrVerification marks a response that failed a checksum or signature
// check. Only the fetch that received it fails; the session stays up.
var ErrVerification = errors.New("verification failed")

// ErrNoTrustedAncestor is returned when a proof cannot be anchored to any
// locally verified forest value.
var ErrNoTrustedAncestor = fmt.Errorf("%w: no trusted ancestor", ErrVerification)

// ErrDestroyed is delivered to requests outstanding on a session when it
// goes away. The fetch can be retried against another session.
var ErrDestroyed = errors.New("session destroyed")

// ErrAppendPermission is returned by Append on a replica without the
// producer's secret key.
var ErrAppendPermission = errors.New("only the producer can append")

// ErrClosed is returned after the replicator has been closed.
var ErrClosed = errors.New("replicator closed")

// IsRetryable reports whether err leaves the fetch worth reissuing.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrDestroyed)
}
