package api

import (
	"errors"
	"fmt"
)

// ErrorKind categorizes every failure the engine can surface. The CLI maps
// kinds to exit codes; handlers and components attach the step they failed in.
type ErrorKind string

const (
	KindUsage                   ErrorKind = "UsageError"
	KindUnknownApp              ErrorKind = "UnknownApp"
	KindUnknownUser             ErrorKind = "UnknownUser"
	KindAlreadyInstalled        ErrorKind = "AlreadyInstalled"
	KindNotInstalled            ErrorKind = "NotInstalled"
	KindBusy                    ErrorKind = "Busy"
	KindInconsistent            ErrorKind = "Inconsistent"
	KindNoFreePort              ErrorKind = "NoFreePort"
	KindDependencyInstallFailed ErrorKind = "DependencyInstallFailed"
	KindDownloadFailed          ErrorKind = "DownloadFailed"
	KindChecksumMismatch        ErrorKind = "ChecksumMismatch"
	KindTemplateError           ErrorKind = "TemplateError"
	KindUnitInstallFailed       ErrorKind = "UnitInstallFailed"
	KindServiceStartTimeout     ErrorKind = "ServiceStartTimeout"
	KindServiceStopTimeout      ErrorKind = "ServiceStopTimeout"
	KindProxyReloadFailed       ErrorKind = "ProxyReloadFailed"
	KindBackupFailed            ErrorKind = "BackupFailed"
	KindRestoreFailed           ErrorKind = "RestoreFailed"
	KindStateStoreError         ErrorKind = "StateStoreError"
	KindTimeout                 ErrorKind = "Timeout"
	KindCancelled               ErrorKind = "Cancelled"
	KindInternal                ErrorKind = "Internal"
)

// Error is the typed error carried through the lifecycle engine.
// Kind drives exit-code mapping and retry decisions; Step records which
// handler step produced the failure.
type Error struct {
	Kind    ErrorKind
	Message string
	Step    string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap supports errors.Is and errors.As on the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// WithStep returns a copy of the error annotated with the step name.
// A step already recorded on the error is preserved.
func (e *Error) WithStep(step string) *Error {
	if e.Step != "" {
		return e
	}
	clone := *e
	clone.Step = step
	return &clone
}

// NewError creates a typed error with a formatted message.
func NewError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError creates a typed error wrapping an underlying cause.
func WrapError(kind ErrorKind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// NewUsageError creates a UsageError for malformed command-line input.
func NewUsageError(message string) *Error {
	return &Error{Kind: KindUsage, Message: message}
}

// NewUnknownAppError creates an UnknownApp error for an app name that is not
// in the catalog.
func NewUnknownAppError(app string) *Error {
	return &Error{Kind: KindUnknownApp, Message: fmt.Sprintf("app %q is not in the catalog", app)}
}

// NewUnknownUserError creates an UnknownUser error.
func NewUnknownUserError(user string) *Error {
	return &Error{Kind: KindUnknownUser, Message: fmt.Sprintf("user %q does not exist", user)}
}

// NewBusyError signals that another invocation holds the (user, app) lock.
func NewBusyError(user, app string) *Error {
	return &Error{Kind: KindBusy, Message: fmt.Sprintf("another operation on %s/%s is in progress", user, app)}
}

// KindOf extracts the ErrorKind from an error chain. Errors that are not
// typed report KindInternal.
func KindOf(err error) ErrorKind {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// IsBusy reports whether err is a Busy error.
func IsBusy(err error) bool { return IsKind(err, KindBusy) }

// IsUnknownApp reports whether err is an UnknownApp error.
func IsUnknownApp(err error) bool { return IsKind(err, KindUnknownApp) }

// IsUnknownUser reports whether err is an UnknownUser error.
func IsUnknownUser(err error) bool { return IsKind(err, KindUnknownUser) }

// IsAlreadyInstalled reports whether err is an AlreadyInstalled error.
func IsAlreadyInstalled(err error) bool { return IsKind(err, KindAlreadyInstalled) }

// IsInconsistent reports whether err is an Inconsistent error.
func IsInconsistent(err error) bool { return IsKind(err, KindInconsistent) }

// IsCancelled reports whether err is a Cancelled error.
func IsCancelled(err error) bool { return IsKind(err, KindCancelled) }

// StepOf extracts the failing step name from an error chain, if recorded.
func StepOf(err error) string {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Step
	}
	return ""
}
