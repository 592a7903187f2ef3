package pvclient

import (
	"errors"
	"fmt"
)

// ErrNoData is returned when the archiver holds no samples for the request.
var ErrNoData = errors.New("pvclient: no data")

// RemoteError is a failure reported by the responder.
type RemoteError struct {
	// Kind is the failure class, e.g. "invalid_argument" or "pv_not_found".
	Kind    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("pvclient: %s: %s", e.Kind, e.Message)
}

// IsKind reports whether err is a RemoteError of the given kind.
func IsKind(err error, kind string) bool {
	var re *RemoteError
	return errors.As(err, &re) && re.Kind == kind
}
