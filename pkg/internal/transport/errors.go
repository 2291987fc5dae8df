package transport

import "errors"

var (
	ErrTransportUnavailable = errors.New("transport unavailable")
	ErrSessionNotFound      = errors.New("session not found")
	ErrNotSubscribed        = errors.New("session is not subscribed to this room")
	ErrWrongMode            = errors.New("operation not supported in this transport mode")
)
