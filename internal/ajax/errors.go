package ajax

import (
	"errors"
	"fmt"
)

// ErrInvalidNonce is reported when admin-ajax rejects the nonce with "-1".
var ErrInvalidNonce = errors.New("nonce rejected by endpoint")

// TransportError covers every failure where no usable envelope was received:
// network errors, timeouts, unreadable or non-JSON bodies.
type TransportError struct {
	Action     string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("ajax %s: http %d: %v", e.Action, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("ajax %s: %v", e.Action, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ApplicationError is a well-formed envelope with success=false. Message holds
// the server text and may be empty.
type ApplicationError struct {
	Action  string
	Message string
}

func (e *ApplicationError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("ajax %s: request rejected", e.Action)
	}
	return fmt.Sprintf("ajax %s: %s", e.Action, e.Message)
}

// IsTransport reports whether err is (or wraps) a TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
