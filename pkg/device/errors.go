package device

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorKind classifies connectivity failures independent of the transport that produced them.
type ErrorKind string

const (
	KindConnectionFailed        ErrorKind = "connection_failed"
	KindConnectionTimeout       ErrorKind = "connection_timeout"
	KindUnexpectedDisconnection ErrorKind = "unexpected_disconnection"
	KindMaxAttemptsExceeded     ErrorKind = "max_attempts_exceeded"
	KindAdapterUnavailable      ErrorKind = "adapter_unavailable"
	KindDataCorrupted           ErrorKind = "data_corrupted"
	KindNotConnected            ErrorKind = "not_connected"
	KindAlreadyConnected        ErrorKind = "already_connected"
)

// Severity is the logging tier attached to every connectivity error.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return fmt.Sprintf("severity(%d)", int(s))
	}
}

// ConnectionError represents any connectivity problem observed by the engine or a radio.
type ConnectionError struct {
	Kind         ErrorKind
	Device       DeviceID
	Msg          string
	Timeout      time.Duration // set for KindConnectionTimeout
	Attempts     int           // set for KindMaxAttemptsExceeded
	AdapterState AdapterState  // set for KindAdapterUnavailable
	Err          error         // underlying cause, if any
}

// Error implements the error interface
func (e *ConnectionError) Error() string {
	if e == nil {
		return "<nil>"
	}

	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Device != "" {
		fmt.Fprintf(&b, " [%s]", e.Device)
	}

	switch e.Kind {
	case KindConnectionTimeout:
		if e.Timeout > 0 {
			fmt.Fprintf(&b, ": no response within %s", e.Timeout)
		}
	case KindMaxAttemptsExceeded:
		if e.Attempts > 0 {
			fmt.Fprintf(&b, ": gave up after %d attempts", e.Attempts)
		}
	case KindAdapterUnavailable:
		if e.AdapterState != AdapterUnknown {
			fmt.Fprintf(&b, ": adapter is %s", e.AdapterState)
		}
	}

	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes the underlying cause
func (e *ConnectionError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is allows errors.Is to compare ConnectionError values by Kind
func (e *ConnectionError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*ConnectionError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Severity returns the logging tier for this error.
func (e *ConnectionError) Severity() Severity {
	if e == nil {
		return SeverityInfo
	}
	switch e.Kind {
	case KindConnectionTimeout, KindUnexpectedDisconnection, KindAdapterUnavailable, KindDataCorrupted:
		return SeverityWarning
	case KindConnectionFailed, KindNotConnected, KindAlreadyConnected:
		return SeverityError
	case KindMaxAttemptsExceeded:
		return SeverityCritical
	default:
		return SeverityError
	}
}

// Retryable reports whether the scheduler retries this kind automatically.
// Adapter unavailability pauses rather than fails, so it is not retryable either.
func (e *ConnectionError) Retryable() bool {
	if e == nil {
		return false
	}
	switch e.Kind {
	case KindConnectionFailed, KindConnectionTimeout, KindUnexpectedDisconnection:
		return true
	default:
		return false
	}
}

// Predefined sentinel errors, one per kind. Compare with errors.Is.
var (
	ErrConnectionFailed        = &ConnectionError{Kind: KindConnectionFailed}
	ErrConnectionTimeout       = &ConnectionError{Kind: KindConnectionTimeout}
	ErrUnexpectedDisconnection = &ConnectionError{Kind: KindUnexpectedDisconnection}
	ErrMaxAttemptsExceeded     = &ConnectionError{Kind: KindMaxAttemptsExceeded}
	ErrAdapterUnavailable      = &ConnectionError{Kind: KindAdapterUnavailable}
	ErrDataCorrupted           = &ConnectionError{Kind: KindDataCorrupted}
	ErrNotConnected            = &ConnectionError{Kind: KindNotConnected}
	ErrAlreadyConnected        = &ConnectionError{Kind: KindAlreadyConnected}

	// ErrBluetoothOff is an adapter-unavailable error carrying the powered-off state.
	// errors.Is(ErrBluetoothOff, ErrAdapterUnavailable) holds.
	ErrBluetoothOff = &ConnectionError{Kind: KindAdapterUnavailable, AdapterState: AdapterPoweredOff}
)

// ErrUnsupported is returned when the platform has no usable radio backend.
var ErrUnsupported = errors.New("unsupported")

// NewConnectionFailed wraps the reason an attempt failed.
func NewConnectionFailed(id DeviceID, cause error) *ConnectionError {
	return &ConnectionError{Kind: KindConnectionFailed, Device: id, Err: cause}
}

// NewConnectionTimeout reports that an attempt received no outcome within timeout.
func NewConnectionTimeout(id DeviceID, timeout time.Duration) *ConnectionError {
	return &ConnectionError{Kind: KindConnectionTimeout, Device: id, Timeout: timeout}
}

// NewUnexpectedDisconnection reports a link loss the local side did not request.
func NewUnexpectedDisconnection(id DeviceID, cause error) *ConnectionError {
	return &ConnectionError{Kind: KindUnexpectedDisconnection, Device: id, Err: cause}
}

// NewMaxAttemptsExceeded reports a terminal retry cycle; lastErr is the final failure.
func NewMaxAttemptsExceeded(id DeviceID, attempts int, lastErr error) *ConnectionError {
	return &ConnectionError{Kind: KindMaxAttemptsExceeded, Device: id, Attempts: attempts, Err: lastErr}
}

// NewAdapterUnavailable reports that the adapter cannot service requests in state.
func NewAdapterUnavailable(state AdapterState) *ConnectionError {
	return &ConnectionError{Kind: KindAdapterUnavailable, AdapterState: state}
}

// IsKind reports whether err is a ConnectionError of the given kind
func IsKind(err error, kind ErrorKind) bool {
	var cerr *ConnectionError
	if errors.As(err, &cerr) {
		return cerr.Kind == kind
	}
	return false
}

// SeverityOf returns the severity tier of err. Errors outside the taxonomy are SeverityError.
func SeverityOf(err error) Severity {
	var cerr *ConnectionError
	if errors.As(err, &cerr) {
		return cerr.Severity()
	}
	return SeverityError
}
