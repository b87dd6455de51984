package engine

import (
	"errors"
	"fmt"
)

// Error kinds surfaced to the host.
var (
	// ErrConfiguration is returned synchronously from New when key
	// material, the source address, or the peer endpoint cannot be
	// parsed.
	ErrConfiguration = errors.New("wgtunnel: invalid configuration")

	// ErrCapacity is returned from Connect when the stack's 32-slot
	// socket pool is exhausted or the ephemeral port allocator
	// collides with an in-use local port.
	ErrCapacity = errors.New("wgtunnel: connection capacity exceeded")

	// ErrBindConflict is returned from Listen when the armed accepting
	// socket cannot bind the requested port.
	ErrBindConflict = errors.New("wgtunnel: listener bind conflict")

	// ErrEngineGone is returned from any host-facing operation once the
	// event loop has exited.
	ErrEngineGone = errors.New("wgtunnel: engine is shut down")
)

// wrapConfiguration marks err as a configuration-kind failure while
// keeping it inspectable: errors.Is and errors.As reach both
// ErrConfiguration and err itself. (errors.Unwrap returns nil here,
// since the result wraps two errors.)
func wrapConfiguration(err error) error {
	return fmt.Errorf("%w: %w", ErrConfiguration, err)
}
