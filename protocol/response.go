package protocol

import (
	"errors"
	"fmt"
)

// ErrorCode is the second field of an ERROR envelope.
type ErrorCode string

const (
	CodeBadRequest       ErrorCode = "BAD_REQUEST"
	CodeUnauthorized     ErrorCode = "UNAUTHORIZED"
	CodeForbidden        ErrorCode = "FORBIDDEN"
	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodeConflict         ErrorCode = "CONFLICT"
	CodeUnavailable      ErrorCode = "UNAVAILABLE"
	CodeInternal         ErrorCode = "INTERNAL"
	CodeUnknownCommand   ErrorCode = "UNKNOWN_COMMAND"
	CodeTimeout          ErrorCode = "TIMEOUT"
	CodePeerDisconnected ErrorCode = "PEER_DISCONNECTED"
)

var ErrNotResponse = errors.New("not a response")

// ServerError is an application error returned in an ERROR envelope.
type ServerError struct {
	Code    ErrorCode
	Message string
}

func (e *ServerError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("[%s]", e.Code)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// NewServerError creates a ServerError.
func NewServerError(code ErrorCode, message string) *ServerError {
	return &ServerError{Code: code, Message: message}
}

// IsCode reports whether err is a ServerError with the given code.
func IsCode(err error, code ErrorCode) bool {
	var se *ServerError
	return errors.As(err, &se) && se.Code == code
}

// Response is a decoded SUCCESS envelope.
type Response struct {
	Key     string
	Message string
	Payload []string
}

// Field returns the i-th payload field or "".
func (r Response) Field(i int) string {
	if i < 0 || i >= len(r.Payload) {
		return ""
	}
	return r.Payload[i]
}

// ParseResponse converts a SUCCESS or ERROR message. An ERROR envelope yields
// a *ServerError.
func ParseResponse(m Message) (Response, error) {
	switch m.Command {
	case CmdSuccess, CmdPong:
		resp := Response{Key: m.Key, Message: m.Field(0)}
		if len(m.Fields) > 1 {
			resp.Payload = m.Fields[1:]
		}
		return resp, nil
	case CmdError:
		code := ErrorCode(m.Field(0))
		if code == "" {
			code = CodeInternal
		}
		return Response{Key: m.Key}, &ServerError{Code: code, Message: m.Field(1)}
	default:
		return Response{}, fmt.Errorf("%w: %s", ErrNotResponse, m.Command)
	}
}

// SuccessLine builds a SUCCESS envelope answering key.
func SuccessLine(key, message string, payload ...string) (string, error) {
	return EncodeRequest(CmdSuccess, key, append([]string{message}, payload...)...)
}

// ErrorLine builds an ERROR envelope answering key.
func ErrorLine(key string, code ErrorCode, message string) (string, error) {
	return EncodeRequest(CmdError, key, string(code), message)
}
