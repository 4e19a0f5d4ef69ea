package domain

import "errors"

var (
	ErrInvalidRoom          = errors.New("invalid room")
	ErrDuplicateParticipant = errors.New("participant already exists")
	ErrEmptyMessage         = errors.New("empty message")
	ErrMessageTooLong       = errors.New("message too long")
)
