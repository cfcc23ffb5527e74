package sessions

// Transport is the wire transport a session was negotiated on.
type Transport int

const (
	Polling Transport = iota
	WebSocket
)

func (t Transport) String() string {
	switch t {
	case Polling:
		return "polling"
	case WebSocket:
		return "websocket"
	default:
		return "unknown"
	}
}

// ParseTransport maps the "transport" query value to a Transport. Matching is
// exact; an empty name is not a transport.
func ParseTransport(name string) (Transport, bool) {
	switch name {
	case "polling":
		return Polling, true
	case "websocket":
		return WebSocket, true
	default:
		return 0, false
	}
}
