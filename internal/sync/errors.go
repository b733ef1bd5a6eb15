package sync

import "errors"

// Error kinds returned by the controller. Match them with errors.Is.
var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrInvalid           = errors.New("invalid")
	ErrNoDestination     = errors.New("destination calendar not configured")
	ErrUnsupportedMethod = errors.New("unsupported sync method")
)
