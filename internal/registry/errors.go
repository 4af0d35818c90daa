package registry

import "errors"

var (
	ErrEmptyConnectionID   = errors.New("connection id cannot be empty")
	ErrNilSink             = errors.New("connection sink cannot be nil")
	ErrDuplicateConnection = errors.New("connection id already registered")
	ErrUnknownConnection   = errors.New("unknown connection id")
	ErrInvalidIdentity     = errors.New("display name must be non-empty")
	ErrAlreadyAssigned     = errors.New("connection already joined a room")
	ErrIdentityRequired    = errors.New("identity must be set before joining a room")
)
