package grid

import (
	"errors"
	"fmt"
)

// ErrUnknownNode is returned when an operation names a node that is not in the graph.
var ErrUnknownNode = errors.New("grid: unknown node")

// ConnectionErrKind classifies why a connection could not be created.
type ConnectionErrKind uint8

const (
	// AlreadyConnected means an edge between the two nodes already exists.
	AlreadyConnected ConnectionErrKind = iota + 1
	// IncompatibleNetworks means the caller's compatibility rule rejected the pair.
	IncompatibleNetworks
)

var connectionErrKinds = map[ConnectionErrKind]string{
	AlreadyConnected:     "already connected",
	IncompatibleNetworks: "incompatible networks",
}

func (k ConnectionErrKind) String() string {
	if s, ok := connectionErrKinds[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// ConnectionError reports a failed Connect.
type ConnectionError struct {
	Kind ConnectionErrKind
	A, B NodeID
	// Reason carries the rule's own error for IncompatibleNetworks.
	Reason error
}

func (e *ConnectionError) Error() string {
	if e.Reason != nil {
		return fmt.Sprintf("grid: connect %d-%d: %s: %v", e.A, e.B, e.Kind, e.Reason)
	}
	return fmt.Sprintf("grid: connect %d-%d: %s", e.A, e.B, e.Kind)
}

func (e *ConnectionError) Unwrap() error { return e.Reason }

// IsConnectionError reports whether err is a ConnectionError of the given kind.
func IsConnectionError(err error, kind ConnectionErrKind) bool {
	var ce *ConnectionError
	return errors.As(err, &ce) && ce.Kind == kind
}
