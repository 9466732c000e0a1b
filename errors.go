package unifs

import (
	"errors"
	"fmt"
)

// Common provider errors
var (
	ErrInvalidAddress = errors.New("invalid address")
	ErrNoProvider     = errors.New("no provider for scheme")

	ErrNotExist = errors.New("file does not exist")
	ErrExist    = errors.New("file already exists")
	ErrNotDir   = errors.New("not a directory")
	ErrIsDir    = errors.New("is a directory")

	ErrPermission    = errors.New("permission denied")
	ErrNoCredentials = errors.New("no credentials configured")
	ErrAuthFailed    = errors.New("authentication failed")

	ErrTransport            = errors.New("transport failure")
	ErrConnectionLost       = errors.New("connection lost, retry")
	ErrSidecarUnavailable   = errors.New("sidecar unavailable")
	ErrNativeLibraryMissing = errors.New("native SMB client library is not installed")

	ErrTraversal     = errors.New("path escapes its root")
	ErrSymlink       = errors.New("symbolic link entries are not extracted")
	ErrDepthExceeded = errors.New("archive nesting depth exceeded")
	ErrLimitExceeded = errors.New("archive limit exceeded")
	ErrLocked        = errors.New("resource is locked by another extractor")

	ErrReadOnly     = errors.New("provider is read-only")
	ErrNotSupported = errors.New("operation not supported")
)

// ErrorKind groups errors into the classes callers act on.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindAddress
	KindNotFound
	KindExists
	KindAuth
	KindTransport
	KindIntegrity
	KindCapability
)

func (k ErrorKind) String() string {
	switch k {
	case KindAddress:
		return "address"
	case KindNotFound:
		return "not-found"
	case KindExists:
		return "exists"
	case KindAuth:
		return "auth"
	case KindTransport:
		return "transport"
	case KindIntegrity:
		return "integrity"
	case KindCapability:
		return "capability"
	default:
		return "unknown"
	}
}

var kindTable = []struct {
	err  error
	kind ErrorKind
}{
	{ErrInvalidAddress, KindAddress},
	{ErrNoProvider, KindAddress},
	{ErrNotExist, KindNotFound},
	{ErrNotDir, KindNotFound},
	{ErrExist, KindExists},
	{ErrIsDir, KindExists},
	{ErrPermission, KindAuth},
	{ErrNoCredentials, KindAuth},
	{ErrAuthFailed, KindAuth},
	{ErrTransport, KindTransport},
	{ErrConnectionLost, KindTransport},
	{ErrSidecarUnavailable, KindTransport},
	{ErrNativeLibraryMissing, KindTransport},
	{ErrTraversal, KindIntegrity},
	{ErrSymlink, KindIntegrity},
	{ErrDepthExceeded, KindIntegrity},
	{ErrLimitExceeded, KindIntegrity},
	{ErrLocked, KindTransport},
	{ErrReadOnly, KindCapability},
	{ErrNotSupported, KindCapability},
}

// KindOf classifies err. Unrecognized errors are KindUnknown.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	for _, e := range kindTable {
		if errors.Is(err, e.err) {
			return e.kind
		}
	}
	return KindUnknown
}

// PathError records an error and the operation and address that caused it
type PathError struct {
	Op   string
	Path string
	Err  error
}

// Error implements the error interface
func (e *PathError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

// Unwrap returns the underlying error
func (e *PathError) Unwrap() error {
	return e.Err
}

// NewPathError wraps err for op on loc. A nil err yields nil.
func NewPathError(op string, loc Location, err error) error {
	if err == nil {
		return nil
	}
	return &PathError{Op: op, Path: loc.String(), Err: err}
}

// IsNotExist reports whether an error indicates that a file or directory
// does not exist
func IsNotExist(err error) bool {
	return errors.Is(err, ErrNotExist)
}

// IsExist reports whether an error indicates that a file or directory
// already exists
func IsExist(err error) bool {
	return errors.Is(err, ErrExist)
}

// IsPermission reports whether an error indicates that permission is denied
func IsPermission(err error) bool {
	return errors.Is(err, ErrPermission)
}

// IsNoCredentials reports whether the secret store had nothing for the target.
// Callers use it to prompt for account setup.
func IsNoCredentials(err error) bool {
	return errors.Is(err, ErrNoCredentials)
}

// IsReadOnly reports whether a mutating call hit a read-only provider.
func IsReadOnly(err error) bool {
	return errors.Is(err, ErrReadOnly)
}

// IsRetryable reports whether the failure is transient and worth one retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConnectionLost)
}
