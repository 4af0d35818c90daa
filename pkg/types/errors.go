package types

import "errors"

var (
	ErrMalformedFrame   = errors.New("frame is not a JSON event envelope")
	ErrMissingEventName = errors.New("event name is required")
	ErrInvalidUsername  = errors.New("username must be non-empty")
	ErrEmptyMessage     = errors.New("chat message must carry text or an image reference")
	ErrAmbiguousMessage = errors.New("chat message cannot carry both text and an image reference")
	ErrInvalidMediaRef  = errors.New("image must be an upload URL, absolute URL, or data URI")
	ErrUsernameTooLong  = errors.New("username exceeds 50 characters")
)
