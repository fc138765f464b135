package supervisor

import (
	"errors"
	"fmt"
)

var (
	// ErrPortConflict: a configured port is held by something that does not
	// answer like the expected service.
	ErrPortConflict = errors.New("port already in use")
	// ErrShutdownTimeout: teardown did not finish within the shutdown budget.
	ErrShutdownTimeout = errors.New("shutdown timed out")
)

// PortConflictError names the occupied address and the endpoint it was configured as.
type PortConflictError struct {
	Service  string // e.g. "IPFS daemon"
	Label    string // e.g. "IPFS API"
	HostPort string
	Endpoint string
}

func (e *PortConflictError) Error() string {
	return fmt.Sprintf("cannot start %s because the %s port %s (configured as %s) is already in use", e.Service, e.Label, e.HostPort, e.Endpoint)
}

func (e *PortConflictError) Unwrap() error { return ErrPortConflict }
