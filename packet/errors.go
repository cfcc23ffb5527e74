package packet

// ErrorMessage is the payload written to the error-message channel when a
// request cannot be served at the protocol level.
type ErrorMessage struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e ErrorMessage) Error() string {
	return e.Message
}

// Protocol error codes.
var (
	TransportUnknown           = ErrorMessage{Code: 0, Message: "Transport unknown"}
	SessionIDUnknown           = ErrorMessage{Code: 1, Message: "Session ID unknown"}
	BadHandshakeMethod         = ErrorMessage{Code: 2, Message: "Bad handshake method"}
	BadRequest                 = ErrorMessage{Code: 3, Message: "Bad request"}
	Forbidden                  = ErrorMessage{Code: 4, Message: "Forbidden"}
	UnsupportedProtocolVersion = ErrorMessage{Code: 5, Message: "Unsupported protocol version"}
)
