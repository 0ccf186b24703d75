package schedule

import (
	"errors"
	"fmt"
)

// ErrorKind classifies why a calendar sync failed
type ErrorKind int

const (
	// CredentialError means the API key or service account was missing or rejected
	CredentialError ErrorKind = iota + 1
	// TransportError means the calendar server could not be reached or answered with a server error
	TransportError
	// APISurfaceError means the API name, version or endpoint is not known to the server
	APISurfaceError
	// ParameterError means a request argument, such as the calendar ID, was malformed
	ParameterError
	// DataShapeError means a returned event was missing fields the selection relies on
	DataShapeError
)

func (k ErrorKind) String() string {
	switch k {
	case CredentialError:
		return "credential"
	case TransportError:
		return "transport"
	case APISurfaceError:
		return "api_surface"
	case ParameterError:
		return "parameter"
	case DataShapeError:
		return "data_shape"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// ErrUnknownProvider is returned by the factory for provider names it cannot resolve
var ErrUnknownProvider = errors.New("unknown calendar provider")

// Error is returned by Provider.Connect for every failed sync
type Error struct {
	Kind ErrorKind
	// Hint is a one-line message telling the operator what to check
	Hint string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s error: %s", e.Kind, e.Hint)
	}
	return fmt.Sprintf("%s error: %s: %v", e.Kind, e.Hint, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is a sync error of the given kind
func IsKind(err error, kind ErrorKind) bool {
	var serr *Error
	if errors.As(err, &serr) {
		return serr.Kind == kind
	}
	return false
}
