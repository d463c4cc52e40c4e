package http3

import (
	"fmt"

	"github.com/lucas-clemente/quic-go"
)

// errorCode is a wire-level HTTP/3 application error code (RFC 9114 section 8.1).
type errorCode quic.ApplicationErrorCode

const (
	errorNoError              errorCode = 0x100
	errorGeneralProtocolError errorCode = 0x101
	errorInternalError        errorCode = 0x102
	errorStreamCreationError  errorCode = 0x103
	errorClosedCriticalStream errorCode = 0x104
	errorFrameUnexpected      errorCode = 0x105
	errorFrameError           errorCode = 0x106
	errorExcessiveLoad        errorCode = 0x107
	errorIDError              errorCode = 0x108
	errorSettingsError        errorCode = 0x109
	errorMissingSettings      errorCode = 0x10a
	errorRequestRejected      errorCode = 0x10b
	errorRequestCanceled      errorCode = 0x10c
	errorRequestIncomplete    errorCode = 0x10d
	errorMessageError         errorCode = 0x10e
	errorConnectError         errorCode = 0x10f
	errorVersionFallback      errorCode = 0x110

	// errorGiveUpZeroRTT is the GIVEUP_ZERO_RTT code for a 0-RTT attempt the
	// transport gave up on. Only String uses it: Connect reports a failed
	// handshake through the connection context's error, which does not carry
	// this code, so ConnectError does not receive ErrorKindEarlyDataFailed.
	errorGiveUpZeroRTT errorCode = 0x3d7e9f0d
)

func (e errorCode) String() string {
	switch e {
	case errorNoError:
		return "H3_NO_ERROR"
	case errorGeneralProtocolError:
		return "H3_GENERAL_PROTOCOL_ERROR"
	case errorInternalError:
		return "H3_INTERNAL_ERROR"
	case errorStreamCreationError:
		return "H3_STREAM_CREATION_ERROR"
	case errorClosedCriticalStream:
		return "H3_CLOSED_CRITICAL_STREAM"
	case errorFrameUnexpected:
		return "H3_FRAME_UNEXPECTED"
	case errorFrameError:
		return "H3_FRAME_ERROR"
	case errorExcessiveLoad:
		return "H3_EXCESSIVE_LOAD"
	case errorIDError:
		return "H3_ID_ERROR"
	case errorSettingsError:
		return "H3_SETTINGS_ERROR"
	case errorMissingSettings:
		return "H3_MISSING_SETTINGS"
	case errorRequestRejected:
		return "H3_REQUEST_REJECTED"
	case errorRequestCanceled:
		return "H3_REQUEST_CANCELLED"
	case errorRequestIncomplete:
		return "H3_INCOMPLETE_REQUEST"
	case errorMessageError:
		return "H3_MESSAGE_ERROR"
	case errorConnectError:
		return "H3_CONNECT_ERROR"
	case errorVersionFallback:
		return "H3_VERSION_FALLBACK"
	case errorGiveUpZeroRTT:
		return "GIVEUP_ZERO_RTT"
	default:
		return fmt.Sprintf("unknown error code: %#x", uint64(e))
	}
}

// ErrorKind is the taxonomy of errors delivered to a Transaction or Session
// handler, independent of the wire error code that produced it.
type ErrorKind int

const (
	ErrorKindNone ErrorKind = iota
	// ErrorKindStreamUnacknowledged: the stream was cut off by GOAWAY, or
	// rejected by the peer via STOP_SENDING(HTTP_REQUEST_REJECTED).
	ErrorKindStreamUnacknowledged
	// ErrorKindHeaderDecodeError: the QPACK Gate timed out waiting for the
	// dynamic table to reach a header block's required insert count.
	ErrorKindHeaderDecodeError
	// ErrorKindEarlyDataFailed: a 0-RTT request lost the race with handshake
	// rejection.
	ErrorKindEarlyDataFailed
	// ErrorKindShutdown: the Session was torn down via DropConnection.
	ErrorKindShutdown
	// ErrorKindConnectionReset: the transport reported a connection error or
	// idle timeout.
	ErrorKindConnectionReset
	// ErrorKindUnexpectedFrame: a frame arrived where the protocol forbids it,
	// e.g. a second SETTINGS frame.
	ErrorKindUnexpectedFrame
	// ErrorKindMissingSettings: a frame other than SETTINGS arrived first on
	// the peer's control stream.
	ErrorKindMissingSettings
	// ErrorKindEgressWriteError: a write to the QUIC stream failed.
	ErrorKindEgressWriteError
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorKindStreamUnacknowledged:
		return "StreamUnacknowledged"
	case ErrorKindHeaderDecodeError:
		return "HeaderDecodeError"
	case ErrorKindEarlyDataFailed:
		return "EarlyDataFailed"
	case ErrorKindShutdown:
		return "Shutdown"
	case ErrorKindConnectionReset:
		return "ConnectionReset"
	case ErrorKindUnexpectedFrame:
		return "UnexpectedFrame"
	case ErrorKindMissingSettings:
		return "MissingSettings"
	case ErrorKindEgressWriteError:
		return "EgressWriteError"
	default:
		return "None"
	}
}

// HTTPException is the error delivered through onError callbacks. It carries both
// the taxonomy kind callers can switch on and a human-readable message.
type HTTPException struct {
	Kind ErrorKind
	Msg  string
}

func (e *HTTPException) Error() string {
	if e.Msg == "" {
		return e.Kind.String()
	}
	return e.Msg
}

var _ error = &HTTPException{}

func newStreamUnacknowledgedError(streamID quic.StreamID) *HTTPException {
	return &HTTPException{
		Kind: ErrorKindStreamUnacknowledged,
		Msg:  fmt.Sprintf("StreamUnacknowledged on transaction id: %d", streamID),
	}
}

// FrameTypeError is returned when an unexpected frame is read. Want is set to
// the desired frame type, while Type is set to the actual frame type.
type FrameTypeError struct {
	Want FrameType
	Type FrameType
}

func (err *FrameTypeError) Error() string {
	return fmt.Sprintf("unexpected frame type %s, expected %s", err.Type, err.Want)
}

var _ error = &FrameTypeError{}

// FrameLengthError is returned when the frame payload length (Len) exceeds Max.
type FrameLengthError struct {
	Type FrameType
	Len  uint64
	Max  uint64
}

var _ error = &FrameLengthError{}

func (err *FrameLengthError) Error() string {
	return fmt.Sprintf("%s frame too large: %d bytes (max: %d)", err.Type, err.Len, err.Max)
}
