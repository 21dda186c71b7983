package engine

import (
	"errors"
	"fmt"
)

// Errno is the engine's numeric error indicator. The values follow iperf3's
// i_errno numbering so that callers can match on familiar codes.
type Errno int

// Error indicator values.
const (
	IENONE         Errno = 0
	IENOROLE       Errno = 2
	IESERVERONLY   Errno = 3
	IECLIENTONLY   Errno = 4
	IEDURATION     Errno = 5
	IENUMSTREAMS   Errno = 6
	IEBLOCKSIZE    Errno = 7
	IEUDPBLOCKSIZE Errno = 20
	IEPROTOCOL     Errno = 40
	IENEWTEST      Errno = 100
	IEINITTEST     Errno = 101
	IELISTEN       Errno = 102
	IECONNECT      Errno = 103
	IESENDMESSAGE  Errno = 111
	IERECVMESSAGE  Errno = 112
	IESENDPARAMS   Errno = 113
	IERECVPARAMS   Errno = 114
	IESENDRESULTS  Errno = 116
	IERECVRESULTS  Errno = 117
	IECLIENTTERM   Errno = 119
	IESERVERTERM   Errno = 120
	IEACCESSDENIED Errno = 121
	IEBADCOOKIE    Errno = 122
	IECREATESTREAM Errno = 200
	IESTREAMCONN   Errno = 203
	IESTREAMWRITE  Errno = 205
	IESTREAMREAD   Errno = 206
)

var errnoMessages = map[Errno]string{
	IENONE:         "no error",
	IENOROLE:       "must either be a client (-c) or server (-s)",
	IESERVERONLY:   "some option you are trying to set is server only",
	IECLIENTONLY:   "some option you are trying to set is client only",
	IEDURATION:     "test duration must be positive",
	IENUMSTREAMS:   "number of parallel streams out of range",
	IEBLOCKSIZE:    "block size too large",
	IEUDPBLOCKSIZE: "block size invalid for UDP",
	IEPROTOCOL:     "protocol does not exist",
	IENEWTEST:      "unable to create a new test",
	IEINITTEST:     "test initialization failed",
	IELISTEN:       "unable to start listener for connections",
	IECONNECT:      "unable to connect to server",
	IESENDMESSAGE:  "unable to send control message",
	IERECVMESSAGE:  "unable to receive control message",
	IESENDPARAMS:   "unable to send parameters to server",
	IERECVPARAMS:   "unable to receive parameters from client",
	IESENDRESULTS:  "unable to send results",
	IERECVRESULTS:  "unable to receive results",
	IECLIENTTERM:   "the client has terminated",
	IESERVERTERM:   "the server has terminated",
	IEACCESSDENIED: "the server is busy running a test. try again later",
	IEBADCOOKIE:    "unknown or expired test cookie",
	IECREATESTREAM: "unable to create a new stream",
	IESTREAMCONN:   "unable to connect stream",
	IESTREAMWRITE:  "unable to write to stream socket",
	IESTREAMREAD:   "unable to read from stream socket",
}

// Strerror returns the human-readable description of errno.
func Strerror(errno Errno) string {
	if msg, ok := errnoMessages[errno]; ok {
		return msg
	}
	return fmt.Sprintf("unknown error %d", int(errno))
}

// Error implements the error interface.
func (e Errno) Error() string {
	return Strerror(e)
}

// ErrNoControl is returned by SendState when the test has no open control
// channel.
var ErrNoControl = errors.New("no control connection")

// setError records errno and the error that caused it.
func (t *Test) setError(errno Errno, cause error) {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	t.errno = errno
	t.cause = cause
}

// Errno returns the current value of the error indicator.
func (t *Test) Errno() Errno {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	return t.errno
}

// ClearErrno resets the error indicator.
func (t *Test) ClearErrno() {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	t.errno = IENONE
	t.cause = nil
}

// Strerror describes errno. When errno is the current error indicator and a
// cause was recorded, the cause is appended.
func (t *Test) Strerror(errno Errno) string {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	msg := Strerror(errno)
	if errno == t.errno && t.cause != nil {
		msg += ": " + t.cause.Error()
	}
	return msg
}
