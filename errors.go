package canbridge

import "errors"

var (
	ErrNotConnected      = errors.New("canbridge: not connected")
	ErrPayloadTooLarge   = errors.New("canbridge: payload exceeds 8 bytes")
	ErrInvalidIdentifier = errors.New("canbridge: invalid identifier")
	ErrClosed            = errors.New("canbridge: closed")
)
