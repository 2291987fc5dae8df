package services

import "errors"

var (
	ErrForbidden      = errors.New("you are not allowed to do that")
	ErrInvalidMessage = errors.New("invalid message")
)
