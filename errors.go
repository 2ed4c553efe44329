package peerrpc

import (
	"errors"
	"fmt"
	"time"

	"github.com/quic-go/quic-go"
)

var (
	ErrInvalidCfg         = errors.New("agent: invalid options")
	ErrNotStarted         = errors.New("agent: not started")
	ErrAgentShutdown      = errors.New("agent: shut down")
	ErrSend               = errors.New("agent: could not send message")
	ErrInvalidDestination = errors.New("agent: destination rank is out of bound")
	ErrSelfShutdown       = errors.New("agent: shutting down self is not supported")
	ErrProtocolViolation  = errors.New("agent: protocol violation")
	ErrMessageTooLarge    = errors.New("agent: message is too large")
	ErrDuplicateRequest   = errors.New("agent: request id already pending")
	ErrTimeout            = errors.New("agent: rpc timed out")
	ErrRemoteException    = errors.New("agent: remote handler failed")

	ErrNameInvalid    = errors.New("directory: names must be 1 to 128 bytes long without NUL bytes")
	ErrNameConflict   = errors.New("directory: worker name is not unique")
	ErrNameResolution = errors.New("directory: unknown worker")
	ErrRankMismatch   = errors.New("directory: resolved rank does not match group rank")
	ErrWorldTooSmall  = errors.New("directory: at least 2 workers are required")

	ErrDiscovery          = errors.New("discovery: could not assemble the group")
	ErrHostnameInvalid    = errors.New("discovery: names must only contain alphanum, dashes, dots and be at most 128 chars")
	ErrInvalidNodeMeta    = errors.New("discovery: invalid node metadata")
	ErrBufferSize         = errors.New("transport: could not allocate udp buffer")
	ErrHostnameResolve    = errors.New("transport: could not resolve hostname from certificate")
	ErrHostnameMismatch   = errors.New("transport: peer certificate does not match its rank")
	ErrInvalidAddr        = errors.New("transport: the address you provided is invalid")
	ErrShutdown           = errors.New("transport: shutting down")
	ErrStreamWrite        = errors.New("transport: error writing to a stream")
	ErrNoTLSConfig        = errors.New("transport: TlsConfig is required")
	ErrTooLargeFrame      = errors.New("transport: frame is too large")
	ErrTransportViolation = errors.New("transport: protocol violation")
)

var (
	QErrStreamProtocolViolation = quic.StreamErrorCode(0xFF)
	QErrStreamShutdown          = quic.StreamErrorCode(0x3)
)

var (
	QErrInternal = QuicApplicationError{
		Code:   0x1,
		Prefix: "internal",
	}
	QErrHostname = QuicApplicationError{
		Code:   0x2,
		Prefix: "hostname",
	}
	QErrShutdown = QuicApplicationError{
		Code:   0x3,
		Prefix: "shutdown",
	}
)

type QuicApplicationError struct {
	Code   uint64
	Prefix string
}

func (qerr *QuicApplicationError) Close(conn quic.Connection, msg string) error {
	if conn != nil {
		return conn.CloseWithError(
			quic.ApplicationErrorCode(qerr.Code),
			fmt.Sprintf("%s: %s", qerr.Prefix, msg),
		)
	}
	return nil
}

// TimeoutError completes the future of a request whose response did not
// arrive in time.
type TimeoutError struct {
	RequestID int64
	Timeout   time.Duration
}

func (terr *TimeoutError) Error() string {
	return fmt.Sprintf("rpc ran for more than %s and timed out", terr.Timeout)
}

func (terr *TimeoutError) Unwrap() error {
	return ErrTimeout
}

// RemoteError is returned along with an EXCEPTION message, it carries
// the text the remote handler failed with.
type RemoteError struct {
	From    WorkerInfo
	Message string
}

func (rerr *RemoteError) Error() string {
	return fmt.Sprintf("%s on %s: %s", ErrRemoteException, rerr.From.Name, rerr.Message)
}

func (rerr *RemoteError) Unwrap() error {
	return ErrRemoteException
}
