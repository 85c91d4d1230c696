package models

import "errors"

// ErrInvalidEvent marks a broker payload that decoded as JSON but does not
// satisfy the session.closed schema.
var ErrInvalidEvent = errors.New("invalid event")
