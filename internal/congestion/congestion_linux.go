package congestion

import (
	"os"
	"strings"

	"golang.org/x/sys/unix"
)

func set(fp *os.File, cc string) error {
	rc, err := fp.SyscallConn()
	if err != nil {
		return err
	}
	var sockErr error
	err = rc.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptString(int(fd), unix.IPPROTO_TCP,
			unix.TCP_CONGESTION, cc)
	})
	if err != nil {
		return err
	}
	return sockErr
}

func get(fp *os.File) (string, error) {
	rc, err := fp.SyscallConn()
	if err != nil {
		return "", err
	}
	var (
		cc      string
		sockErr error
	)
	err = rc.Control(func(fd uintptr) {
		cc, sockErr = unix.GetsockoptString(int(fd), unix.IPPROTO_TCP,
			unix.TCP_CONGESTION)
	})
	if err != nil {
		return "", err
	}
	// The kernel pads the algorithm name with NUL bytes.
	return strings.TrimRight(cc, "\x00"), sockErr
}
