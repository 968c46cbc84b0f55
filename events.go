package hostrpc

// State is the connection state of an Endpoint, numbered like the browser
// WebSocket readyState.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Event names a connection lifecycle notification.
type Event string

const (
	EventConnect Event = "onconnect"
	EventError   Event = "onerror"
	EventClose   Event = "onclose"
	EventChange  Event = "onchange"
)

// Listener receives lifecycle events. A panicking listener is logged and
// does not affect the others.
type Listener func(event Event, state State)

// CallOptions holds per-call settings.
type CallOptions struct {
	NoWait bool
}

// CallOption configures a single call.
type CallOption func(*CallOptions)

// NoWait makes a call fail immediately instead of queueing when the socket
// is not open.
func NoWait() CallOption {
	return func(o *CallOptions) {
		o.NoWait = true
	}
}

// ApplyCallOptions folds opts into a CallOptions value.
func ApplyCallOptions(opts []CallOption) CallOptions {
	var o CallOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}
