package bridge

import "errors"

// ErrNoSupport is returned by DefaultGateway on platforms where the routing
// table cannot be read.
var ErrNoSupport = errors.New("operation not supported on this platform")

// ErrNoGateway is returned by DefaultGateway when no default route exists.
var ErrNoGateway = errors.New("no default gateway")

// DefaultGateway returns the IPv4 address of the host's default gateway.
func DefaultGateway() (string, error) {
	return defaultGateway()
}
