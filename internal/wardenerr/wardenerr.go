// Package wardenerr defines the uniform error kinds surfaced by the
// supervisor core, both over IPC and internally.
package wardenerr

import "fmt"

// Kind tags the category of a supervisor error, mirroring the RPC Error
// response so client and core agree on semantics without string matching.
type Kind string

const (
	NotFound        Kind = "NotFound"
	Ambiguous       Kind = "Ambiguous"
	Validation      Kind = "Validation"
	AlreadyRunning  Kind = "AlreadyRunning"
	Disabled        Kind = "Disabled"
	SpawnFailed     Kind = "SpawnFailed"
	ReadyTimeout    Kind = "ReadyTimeout"
	ChildFailed     Kind = "ChildFailed"
	DependencyCycle Kind = "DependencyCycle"
	IO              Kind = "Io"
	Protocol        Kind = "Protocol"
	Timeout         Kind = "Timeout"
	RateLimited     Kind = "RateLimited"
	ShuttingDown    Kind = "ShuttingDown"
	// PortConflict and NoAvailablePort back the port-conflict-diagnosis
	// supplemented feature (SPEC_FULL.md §4): they carry the extra data
	// ipcproto's RespPortConflict/RespNoAvailablePort need so a client can
	// tell "port held by another process" apart from a generic Validation
	// failure.
	PortConflict    Kind = "PortConflict"
	NoAvailablePort Kind = "NoAvailablePort"
)

// Error is the structured error type threaded through the core. Kind
// selects the category; Message is human-readable. ExitCode and Path are
// populated only for ChildFailed/DependencyCycle; Port/ConflictPID/
// ProcessName only for PortConflict; StartPort/Attempts only for
// NoAvailablePort.
type Error struct {
	Kind     Kind
	Message  string
	ExitCode *int
	Path     []string

	Port        uint16
	ConflictPID int
	ProcessName string

	StartPort uint16
	Attempts  int

	cause error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.cause }

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, cause error) *Error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return &Error{Kind: kind, Message: msg, cause: cause}
}

func NotFoundf(format string, args ...any) *Error {
	return New(NotFound, fmt.Sprintf(format, args...))
}

func Validationf(format string, args ...any) *Error {
	return New(Validation, fmt.Sprintf(format, args...))
}

func ChildFailedWith(code *int) *Error {
	return &Error{Kind: ChildFailed, ExitCode: code}
}

func CycleWith(path []string) *Error {
	return &Error{Kind: DependencyCycle, Path: path, Message: fmt.Sprintf("cycle: %v", path)}
}

// PortConflictWith reports a bind failure attributed to another process
// already holding the port. pid/name are 0/"" when the holder could not
// be identified.
func PortConflictWith(port uint16, pid int, name string) *Error {
	msg := fmt.Sprintf("port %d is in use", port)
	if pid != 0 {
		msg = fmt.Sprintf("port %d is in use by pid %d (%s)", port, pid, name)
	}
	return &Error{Kind: PortConflict, Message: msg, Port: port, ConflictPID: pid, ProcessName: name}
}

// NoAvailablePortWith reports that auto-bump exhausted its attempts
// without finding a bindable port.
func NoAvailablePortWith(startPort uint16, attempts int) *Error {
	return &Error{
		Kind:      NoAvailablePort,
		Message:   fmt.Sprintf("no available port found starting at %d after %d attempts", startPort, attempts),
		StartPort: startPort,
		Attempts:  attempts,
	}
}

// AsError unwraps err looking for an *Error, the way KindOf does, and
// also returns it so callers can read kind-specific fields (Port,
// ConflictPID, StartPort, ...).
func AsError(err error) (*Error, bool) {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return nil, false
}

// KindOf extracts the Kind of err if it (or something it wraps) is an
// *Error, otherwise returns Io as the generic fallback.
func KindOf(err error) Kind {
	e, ok := AsError(err)
	if !ok {
		return IO
	}
	return e.Kind
}
