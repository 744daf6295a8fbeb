package sftpfs

import (
	"errors"
	"io/fs"

	"github.com/pkg/sftp"
)

// Error is a type that allows for error constants below
type Error string

// Error returns a string representation of the error
func (e Error) Error() string { return string(e) }

const (
	// ErrNoSuchFile - the remote file or directory does not exist
	ErrNoSuchFile = Error("no such file or directory")

	// ErrFileAlreadyExists - the remote file or directory already exists
	ErrFileAlreadyExists = Error("file already exists")

	// ErrAccessDenied - the server refused the operation
	ErrAccessDenied = Error("access denied")

	// ErrDirectoryNotEmpty - directory delete attempted on a non-empty directory
	ErrDirectoryNotEmpty = Error("directory not empty")

	// ErrIsADirectory - file operation attempted on a directory
	ErrIsADirectory = Error("is a directory")

	// ErrNotADirectory - directory operation attempted on a non-directory
	ErrNotADirectory = Error("not a directory")

	// ErrAtomicMoveNotSupported - the server does not support atomic renames
	ErrAtomicMoveNotSupported = Error("atomic move not supported")

	// ErrUnsupportedOperation - the server does not support the requested operation
	ErrUnsupportedOperation = Error("unsupported operation")

	// ErrFileSystemClosed - the filesystem (or its channel pool) has been closed
	ErrFileSystemClosed = Error("file system is closed")

	// ErrProviderMismatch - the filesystem does not belong to this provider
	ErrProviderMismatch = Error("file system does not belong to the sftp provider")

	// ErrFileSystemAlreadyExists - a filesystem is already open for the authority
	ErrFileSystemAlreadyExists = Error("file system already exists")

	// ErrFileSystemNotFound - no filesystem is open for the authority
	ErrFileSystemNotFound = Error("file system not found")

	// ErrInvalidScheme - the URI scheme is not "sftp"
	ErrInvalidScheme = Error("scheme must be sftp")

	// ErrNotAbsoluteURI - the URI has no authority component
	ErrNotAbsoluteURI = Error("uri must have an sftp authority")

	// ErrConnectionWaitTimeout - no pooled channel became available in time
	ErrConnectionWaitTimeout = Error("client connection wait timeout expired")

	// ErrInterrupted - the caller was canceled while waiting for a channel
	ErrInterrupted = Error("interrupted while waiting for a client connection")

	// ErrUnsupportedOption - an open option is not supported by this filesystem
	ErrUnsupportedOption = Error("unsupported open option")

	// ErrInvalidOptionCombination - the supplied open options contradict each other
	ErrInvalidOptionCombination = Error("invalid combination of open options")

	// ErrInvalidAttribute - an attribute selector names an unknown view or attribute
	ErrInvalidAttribute = Error("unsupported attribute or view")
)

// Is maps the error kinds onto the io/fs sentinels so callers can use
// errors.Is(err, fs.ErrNotExist) and friends without importing this package's
// constants.
func (e Error) Is(target error) bool {
	switch target {
	case fs.ErrNotExist:
		return e == ErrNoSuchFile
	case fs.ErrExist:
		return e == ErrFileAlreadyExists || e == ErrFileSystemAlreadyExists
	case fs.ErrPermission:
		return e == ErrAccessDenied
	case fs.ErrClosed:
		return e == ErrFileSystemClosed
	}
	return false
}

// PathError records an error, the operation that caused it, and the remote
// path (or path pair for rename/copy) it applies to.
type PathError struct {
	Op    string
	Path  string
	Other string
	Err   error
}

func (e *PathError) Error() string {
	if e.Other != "" {
		return e.Op + " " + e.Path + " -> " + e.Other + ": " + e.Err.Error()
	}
	return e.Op + " " + e.Path + ": " + e.Err.Error()
}

func (e *PathError) Unwrap() error { return e.Err }

// ExceptionFactory converts errors returned by SFTP primitives into
// filesystem errors carrying operation and path context.  A custom factory
// may be supplied via Environment.WithExceptionFactory before the filesystem
// is created.
type ExceptionFactory interface {
	NewInputStreamError(path string, cause error) error
	NewOutputStreamError(path string, cause error, options []OpenOption) error
	GetFileError(path string, cause error) error
	ListFilesError(path string, cause error) error
	CreateDirectoryError(path string, cause error) error
	DeleteError(path string, cause error, isDirectory bool) error
	MoveError(source, target string, cause error) error
	SetOwnerError(path string, cause error) error
	SetGroupError(path string, cause error) error
	SetPermissionsError(path string, cause error) error
	SetModificationTimeError(path string, cause error) error
	ReadLinkError(path string, cause error) error
	ChangeWorkingDirectoryError(path string, cause error) error
}

// DefaultExceptionFactory is the ExceptionFactory used when none is set on
// the environment.  It maps SFTP status codes onto the error kinds above.
type DefaultExceptionFactory struct{}

func (DefaultExceptionFactory) NewInputStreamError(path string, cause error) error {
	return translate("open", path, "", cause)
}

func (DefaultExceptionFactory) NewOutputStreamError(path string, cause error, _ []OpenOption) error {
	return translate("create", path, "", cause)
}

func (DefaultExceptionFactory) GetFileError(path string, cause error) error {
	return translate("stat", path, "", cause)
}

func (DefaultExceptionFactory) ListFilesError(path string, cause error) error {
	return translate("readdir", path, "", cause)
}

func (DefaultExceptionFactory) CreateDirectoryError(path string, cause error) error {
	return translate("mkdir", path, "", cause)
}

func (DefaultExceptionFactory) DeleteError(path string, cause error, isDirectory bool) error {
	if isDirectory {
		// SFTPv3 has no dedicated status for rmdir on a non-empty directory;
		// servers report the generic failure code.
		if status := statusError(cause); status != nil && status.FxCode() == sftp.ErrSSHFxFailure {
			return &PathError{Op: "rmdir", Path: path, Err: ErrDirectoryNotEmpty}
		}
		return translate("rmdir", path, "", cause)
	}
	return translate("remove", path, "", cause)
}

func (DefaultExceptionFactory) MoveError(source, target string, cause error) error {
	return translate("rename", source, target, cause)
}

func (DefaultExceptionFactory) SetOwnerError(path string, cause error) error {
	return translate("chown", path, "", cause)
}

func (DefaultExceptionFactory) SetGroupError(path string, cause error) error {
	return translate("chgrp", path, "", cause)
}

func (DefaultExceptionFactory) SetPermissionsError(path string, cause error) error {
	return translate("chmod", path, "", cause)
}

func (DefaultExceptionFactory) SetModificationTimeError(path string, cause error) error {
	return translate("chtimes", path, "", cause)
}

func (DefaultExceptionFactory) ReadLinkError(path string, cause error) error {
	return translate("readlink", path, "", cause)
}

func (DefaultExceptionFactory) ChangeWorkingDirectoryError(path string, cause error) error {
	return translate("chdir", path, "", cause)
}

// translate maps the SFTP status carried by cause onto an error kind,
// wrapping it with operation and path context.  Errors that already carry a
// kind pass through untouched.
func translate(op, path, other string, cause error) error {
	var kind Error
	if errors.As(cause, &kind) {
		return cause
	}

	err := cause
	if status := statusError(cause); status != nil {
		switch status.FxCode() {
		case sftp.ErrSSHFxNoSuchFile:
			err = wrapKind(ErrNoSuchFile, cause)
		case sftp.ErrSSHFxPermissionDenied:
			err = wrapKind(ErrAccessDenied, cause)
		case sftp.ErrSSHFxOpUnsupported:
			err = wrapKind(ErrUnsupportedOperation, cause)
		}
	} else if errors.Is(cause, fs.ErrNotExist) {
		err = wrapKind(ErrNoSuchFile, cause)
	} else if errors.Is(cause, fs.ErrPermission) {
		err = wrapKind(ErrAccessDenied, cause)
	}

	return &PathError{Op: op, Path: path, Other: other, Err: err}
}

// status codes the channel layer dispatches on
var (
	errSSHFxFailure       = sftp.ErrSSHFxFailure
	errSSHFxOpUnsupported = sftp.ErrSSHFxOpUnsupported
)

// statusError extracts the SFTP status reply from an error, if it carries one.
func statusError(err error) *sftp.StatusError {
	var status *sftp.StatusError
	if errors.As(err, &status) {
		return status
	}
	return nil
}

type kindError struct {
	kind  Error
	cause error
}

func (e *kindError) Error() string { return e.kind.Error() + ": " + e.cause.Error() }

func (e *kindError) Is(target error) bool { return errors.Is(e.kind, target) }

func (e *kindError) Unwrap() error { return e.cause }

// As exposes the kind to errors.As, so an already translated error is
// recognized as carrying a kind.
func (e *kindError) As(target any) bool {
	if kind, ok := target.(*Error); ok {
		*kind = e.kind
		return true
	}
	return false
}

func wrapKind(kind Error, cause error) error {
	if cause == nil {
		return kind
	}
	return &kindError{kind: kind, cause: cause}
}

// asFileSystemError wraps transport-level failures that carry no SFTP status.
func asFileSystemError(op, path string, cause error) error {
	if cause == nil {
		return nil
	}
	var pe *PathError
	if errors.As(cause, &pe) {
		return cause
	}
	return &PathError{Op: op, Path: path, Err: cause}
}
