// Package sandboxerr defines the error taxonomy shared by every layer of the
// sandbox orchestration engine. Container-runtime and database errors are
// mapped into these sentinels at component boundaries so that no
// runtime-specific string ever reaches a Tool Surface caller.
package sandboxerr

import "errors"

var (
	ErrInvalidArgument    = errors.New("invalid_argument")
	ErrNotAuthorized      = errors.New("not_authorized")
	ErrNotFound           = errors.New("not_found")
	ErrConflict           = errors.New("conflict")
	ErrRuntimeUnavailable = errors.New("runtime_unavailable")
	ErrExecTimeout        = errors.New("exec_timeout")
	ErrInstallFailed      = errors.New("install_failed")
	ErrIO                 = errors.New("io_error")
	ErrBadPath            = errors.New("bad_path")
	ErrInternal           = errors.New("internal")
)

// Code returns the taxonomy value for err, walking the wrap chain, or
// ErrInternal if err does not map to a known sentinel.
func Code(err error) error {
	if err == nil {
		return nil
	}
	for _, sentinel := range []error{
		ErrInvalidArgument, ErrNotAuthorized, ErrNotFound, ErrConflict,
		ErrRuntimeUnavailable, ErrExecTimeout, ErrInstallFailed, ErrIO, ErrBadPath,
	} {
		if errors.Is(err, sentinel) {
			return sentinel
		}
	}
	return ErrInternal
}

// HTTPStatus maps a taxonomy sentinel to a REST status code.
func HTTPStatus(err error) int {
	switch Code(err) {
	case ErrInvalidArgument, ErrBadPath:
		return 400
	case ErrNotAuthorized:
		return 403
	case ErrNotFound:
		return 404
	case ErrConflict:
		return 409
	case ErrExecTimeout:
		return 408
	case ErrRuntimeUnavailable:
		return 503
	case ErrInstallFailed, ErrIO:
		return 500
	default:
		return 500
	}
}
