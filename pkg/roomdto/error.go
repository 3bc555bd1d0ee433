package roomdto

const (
	CodeRoomNotFound       = "ROOM_NOT_FOUND"
	CodeConnectionNotFound = "CONNECTION_NOT_FOUND"
	CodeInvalidMove        = "INVALID_MOVE"
	CodeMalformedState     = "MALFORMED_STATE"
	CodeBadRequest         = "BAD_REQUEST"
	CodeUnavailable        = "UNAVAILABLE"
	CodeInternal           = "INTERNAL"
)

type DomainError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

func (e DomainError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Code != "" {
		return e.Code
	}
	return "room service error"
}

// ErrorResponse is the body of every non-2xx RPC reply.
type ErrorResponse struct {
	Error DomainError `json:"error"`
}
