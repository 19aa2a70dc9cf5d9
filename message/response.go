package message

import "encoding/json"

// RemoteError is the error half of a ResponseMessage: the handler's error
// text plus a rendering of the remote call site ("remote stack"). Both
// fields are carried verbatim — this module does not interpret or reformat
// whatever the opaque ServiceInvoker produced.
type RemoteError struct {
	Message string `json:"message"`
	Remote  string `json:"remote"`
}

// ResponseMessage is the envelope returned for a RequestMessage: exactly one
// of Result or Err is set, never both.
type ResponseMessage struct {
	RequestID string          `json:"requestId"`
	Result    json.RawMessage `json:"result,omitempty"`
	Err       *RemoteError    `json:"error,omitempty"`
}

// NewResultResponse builds a successful ResponseMessage carrying result,
// already serialized by the caller.
func NewResultResponse(requestID string, result json.RawMessage) *ResponseMessage {
	return &ResponseMessage{RequestID: requestID, Result: result}
}

// NewErrorResponse builds a failed ResponseMessage carrying the handler's
// error message and remote call-site rendering.
func NewErrorResponse(requestID string, errMessage, remote string) *ResponseMessage {
	return &ResponseMessage{RequestID: requestID, Err: &RemoteError{Message: errMessage, Remote: remote}}
}

// IsError reports whether this response carries a remote error.
func (r *ResponseMessage) IsError() bool {
	return r != nil && r.Err != nil
}
