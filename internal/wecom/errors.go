package wecom

import "fmt"

// CodeTransport marks APIError values raised by transport-level
// failures (timeouts, connection errors, undecodable bodies) rather
// than by a vendor error envelope.
const CodeTransport = -1

// APIError carries the vendor's numeric error code and message. A zero
// errcode never produces an APIError.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("wecom api error %d: %s", e.Code, e.Message)
}

// IsTransport reports whether the error stems from the transport rather
// than the vendor envelope.
func (e *APIError) IsTransport() bool {
	return e.Code == CodeTransport
}
