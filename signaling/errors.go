package signaling

import "fmt"

// ErrorCode is one of the well-known wire error codes the SDK itself emits.
// Applications may also send arbitrary string codes via
// NewCustomSignalingError.
type ErrorCode string

// Well-known wire error codes, per the signaling protocol's error taxonomy.
const (
	ErrorCodeDecodeError       ErrorCode = "DECODE_ERROR"
	ErrorCodeVerificationError ErrorCode = "VERIFICATION_ERROR"
	ErrorCodeChannelClosed     ErrorCode = "CHANNEL_CLOSED"
	ErrorCodeChannelNotFound   ErrorCode = "CHANNEL_NOT_FOUND"
	ErrorCodeNoMoreChannels    ErrorCode = "NO_MORE_CHANNELS"
	ErrorCodeAccessDenied      ErrorCode = "ACCESS_DENIED"
	ErrorCodeInternalError     ErrorCode = "INTERNAL_ERROR"
)

// SignalingError is the {code, message} error exchanged with the peer over
// the wire and surfaced to channel/transport error listeners. It implements
// the error interface so it composes with the rest of Go's error handling.
type SignalingError struct {
	Code    string
	Message string
}

// NewSignalingError builds a SignalingError from one of the well-known codes.
func NewSignalingError(code ErrorCode, message string) *SignalingError {
	return &SignalingError{Code: string(code), Message: message}
}

// NewCustomSignalingError builds a SignalingError with an application-chosen
// code string, for errors outside the well-known taxonomy.
func NewCustomSignalingError(code, message string) *SignalingError {
	return &SignalingError{Code: code, Message: message}
}

func (e *SignalingError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// DecodeError wraps a protocol-frame decode failure: unparsable JSON, a
// missing required field, or a channel-sequence violation. It is surfaced to
// channel error listeners and, where the peer can be reached, also sent as a
// DECODE_ERROR over the wire.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode error: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("decode error: %s", e.Reason)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// SignalingErrorFromDecodeError converts a DecodeError into the wire-level
// SignalingError sent to the peer.
func SignalingErrorFromDecodeError(err *DecodeError) *SignalingError {
	return NewSignalingError(ErrorCodeDecodeError, err.Error())
}
