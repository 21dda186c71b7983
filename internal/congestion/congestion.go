// Package congestion contains code required to set and read the congestion
// control algorithm of a socket. This code currently only works on Linux
// systems, where TCP_CONGESTION is available.
package congestion

import (
	"errors"
	"os"
)

// ErrNoSupport indicates that this system does not support TCP_CONGESTION.
var ErrNoSupport = errors.New("TCP_CONGESTION not supported")

// Set sets the congestion control algorithm for |fp|.
func Set(fp *os.File, cc string) error {
	return set(fp, cc)
}

// Get returns the congestion control algorithm currently used by |fp|.
func Get(fp *os.File) (string, error) {
	return get(fp)
}
