package errors

import "errors"

var (
	ErrTimeout          = errors.New("timeout")
	ErrConnectionClosed = errors.New("connection closed")

	// ErrSendFailed wraps a transport failure while sending a REQUEST or TOKEN.
	ErrSendFailed = errors.New("skmutex: send failed")
	// ErrMalformedMessage is returned by the dispatcher for messages that are
	// neither a valid REQUEST nor a valid TOKEN.
	ErrMalformedMessage = errors.New("skmutex: malformed message")
	// ErrReceiverStart is returned when a site's dispatcher cannot be started.
	ErrReceiverStart = errors.New("skmutex: receiver start failed")
	// ErrNotHeld is returned by Release when the site is not in its critical section.
	ErrNotHeld = errors.New("skmutex: critical section not held")
	// ErrClosed is returned to waiters once the site stopped running.
	ErrClosed = errors.New("skmutex: site closed")
	// ErrInvalidSite is returned for site ids outside [0, N).
	ErrInvalidSite = errors.New("skmutex: invalid site id")
)
