package remote

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"

	"github.com/pkg/sftp"
)

// SFTP status codes signalling that a rename target already exists
const (
	fxFailure           uint32 = 4
	fxNoConnection      uint32 = 6
	fxConnectionLost    uint32 = 7
	fxFileAlreadyExists uint32 = 11
)

// ErrLengthMismatch is matched by every *LengthMismatchError
var ErrLengthMismatch = errors.New("length mismatch")

// LengthMismatchError reports a transfer that copied a different number of
// bytes than the source file holds
type LengthMismatchError struct {
	Path     string
	Copied   int64
	Expected int64
}

func (e *LengthMismatchError) Error() string {
	return fmt.Sprintf("%s: length mismatch %d != %d", e.Path, e.Copied, e.Expected)
}

// Is makes errors.Is(err, ErrLengthMismatch) work
func (e *LengthMismatchError) Is(target error) bool {
	return target == ErrLengthMismatch
}

// AuthError is returned when every authentication strategy failed. Cause
// is the failure of the last strategy attempted.
type AuthError struct {
	User  string
	Cause error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed for user %s: %v", e.User, e.Cause)
}

func (e *AuthError) Unwrap() error {
	return e.Cause
}

// OpError records a failed remote operation
type OpError struct {
	Op   string
	Path string
	Err  error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// Code returns the SFTP status code carried by the error, if any
func (e *OpError) Code() (uint32, bool) {
	var se *sftp.StatusError
	if errors.As(e.Err, &se) {
		return se.Code, true
	}
	return 0, false
}

// IsConnectionLost reports whether err means the session is unusable and
// must be re-established
func IsConnectionLost(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, sftp.ErrSSHFxConnectionLost) || errors.Is(err, sftp.ErrSSHFxNoConnection) {
		return true
	}
	var se *sftp.StatusError
	if errors.As(err, &se) {
		return se.Code == fxConnectionLost || se.Code == fxNoConnection
	}
	var ne net.Error
	return errors.As(err, &ne)
}

// isDestinationExists reports whether a rename failed because its target
// is already present
func isDestinationExists(err error) bool {
	var se *sftp.StatusError
	if errors.As(err, &se) {
		return se.Code == fxFailure || se.Code == fxFileAlreadyExists
	}
	return errors.Is(err, fs.ErrExist)
}
