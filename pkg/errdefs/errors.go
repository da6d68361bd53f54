// Package errdefs defines the error taxonomy shared by the scheduler and
// the workers. Every fault class wraps ErrBase so callers can match the
// whole family with errors.Is, or a single class with errors.As.
package errdefs

import (
	"errors"
	"fmt"
)

// ErrBase is the root of the taxonomy.
var ErrBase = errors.New("crucible")

// Kind identifies one fault class.
type Kind string

const (
	KindConfigNotFound        Kind = "config_not_found"
	KindWorkDirPreparation    Kind = "work_dir_preparation"
	KindTerraformInit         Kind = "terraform_initialization"
	KindStartEnvironment      Kind = "start_environment"
	KindStopEnvironment       Kind = "stop_environment"
	KindProvision             Kind = "provision"
	KindInstallPackage        Kind = "install_package"
	KindPackageIntegrityTests Kind = "package_integrity_tests"
	KindPublishArtifacts      Kind = "publish_artifacts"
	KindVMImageNotFound       Kind = "vm_image_not_found"
	KindDBUpdate              Kind = "db_update"
)

// Error is a classified pipeline fault.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	}
}

func (e *Error) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrBase
}

// Is lets errors.Is match both ErrBase and another *Error of the same kind.
func (e *Error) Is(target error) bool {
	if target == ErrBase {
		return true
	}
	var other *Error
	if errors.As(target, &other) {
		return other.Kind == e.Kind
	}
	return false
}

// New creates a classified error with a message.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// IsKind reports whether err belongs to the given fault class.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// Convenience sentinels for errors.Is matching.
var (
	ErrConfigNotFound        = New(KindConfigNotFound, "configuration file not found")
	ErrWorkDirPreparation    = New(KindWorkDirPreparation, "work dir preparation failed")
	ErrTerraformInit         = New(KindTerraformInit, "terraform initialization failed")
	ErrStartEnvironment      = New(KindStartEnvironment, "environment start failed")
	ErrStopEnvironment       = New(KindStopEnvironment, "environment stop failed")
	ErrProvision             = New(KindProvision, "initial provision failed")
	ErrInstallPackage        = New(KindInstallPackage, "package installation failed")
	ErrPackageIntegrityTests = New(KindPackageIntegrityTests, "package integrity tests failed")
	ErrPublishArtifacts      = New(KindPublishArtifacts, "artifact publishing failed")
	ErrVMImageNotFound       = New(KindVMImageNotFound, "no VM image matched")
	ErrDBUpdate              = New(KindDBUpdate, "database update failed")
)
