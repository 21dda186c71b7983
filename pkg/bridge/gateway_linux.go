package bridge

import (
	"bufio"
	"encoding/binary"
	"encoding/hex"
	"io"
	"net"
	"os"
	"strings"
)

const routeFile = "/proc/net/route"

func defaultGateway() (string, error) {
	f, err := os.Open(routeFile)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return parseRoutes(f)
}

// parseRoutes returns the gateway of the first default route in r, which
// has the format of /proc/net/route.
func parseRoutes(r io.Reader) (string, error) {
	s := bufio.NewScanner(r)
	// Skip the header.
	s.Scan()
	for s.Scan() {
		fields := strings.Fields(s.Text())
		if len(fields) < 3 || fields[1] != "00000000" {
			continue
		}
		b, err := hex.DecodeString(fields[2])
		if err != nil || len(b) != 4 {
			continue
		}
		// The kernel prints addresses in host byte order.
		ip := make(net.IP, 4)
		binary.BigEndian.PutUint32(ip, binary.LittleEndian.Uint32(b))
		if ip.Equal(net.IPv4zero) {
			continue
		}
		return ip.String(), nil
	}
	if err := s.Err(); err != nil {
		return "", err
	}
	return "", ErrNoGateway
}
