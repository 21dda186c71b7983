//go:build !linux

package bridge

func defaultGateway() (string, error) {
	return "", ErrNoSupport
}
