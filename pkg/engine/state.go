package engine

import "strconv"

// State is the state of a test, as exchanged on the control channel.
type State int

// Test states. Values match iperf3's.
const (
	StateUnset      State = 0
	TestStart       State = 1
	TestRunning     State = 2
	TestEnd         State = 4
	ParamExchange   State = 9
	CreateStreams   State = 10
	ServerTerminate State = 11
	ClientTerminate State = 12
	ExchangeResults State = 13
	DisplayResults  State = 14
	IperfStart      State = 15
	IperfDone       State = 16
	AccessDenied    State = -1
	ServerError     State = -2
)

var stateNames = map[State]string{
	StateUnset:      "UNSET",
	TestStart:       "TEST_START",
	TestRunning:     "TEST_RUNNING",
	TestEnd:         "TEST_END",
	ParamExchange:   "PARAM_EXCHANGE",
	CreateStreams:   "CREATE_STREAMS",
	ServerTerminate: "SERVER_TERMINATE",
	ClientTerminate: "CLIENT_TERMINATE",
	ExchangeResults: "EXCHANGE_RESULTS",
	DisplayResults:  "DISPLAY_RESULTS",
	IperfStart:      "IPERF_START",
	IperfDone:       "IPERF_DONE",
	AccessDenied:    "ACCESS_DENIED",
	ServerError:     "SERVER_ERROR",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "STATE(" + strconv.Itoa(int(s)) + ")"
}

// State returns the current state of the test.
func (t *Test) State() State {
	return State(t.state.Load())
}

// SetState sets the local state of the test. It is safe to call from any
// goroutine.
func (t *Test) SetState(s State) {
	t.state.Store(int32(s))
}

// SetDone marks the test as done. A running client observes this and
// unwinds; a running server stops accepting tests and returns. It is safe
// to call from any goroutine, any number of times.
func (t *Test) SetDone() {
	t.doneOnce.Do(func() {
		t.done.Store(true)
		close(t.doneCh)
	})
}

// Done reports whether SetDone has been called.
func (t *Test) Done() bool {
	return t.done.Load()
}

// SendState writes s to the peer over the control channel. It is safe to
// call from any goroutine. It fails with ErrNoControl when no control
// channel is open.
func (t *Test) SendState(s State) error {
	t.ctrlMu.Lock()
	sess := t.session
	t.ctrlMu.Unlock()
	if sess == nil {
		return ErrNoControl
	}
	return sess.send(&message{State: s})
}
