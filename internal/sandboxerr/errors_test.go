package sandboxerr

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"nil", nil, nil},
		{"direct sentinel", ErrNotFound, ErrNotFound},
		{"wrapped sentinel", fmt.Errorf("sandbox x: %w", ErrNotFound), ErrNotFound},
		{"double wrapped", fmt.Errorf("outer: %w", fmt.Errorf("inner: %w", ErrConflict)), ErrConflict},
		{"unmapped error falls back to internal", fmt.Errorf("boom"), ErrInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Code(tt.err))
		})
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{ErrInvalidArgument, 400},
		{ErrBadPath, 400},
		{ErrNotAuthorized, 403},
		{ErrNotFound, 404},
		{ErrConflict, 409},
		{ErrExecTimeout, 408},
		{ErrRuntimeUnavailable, 503},
		{ErrInstallFailed, 500},
		{ErrIO, 500},
		{ErrInternal, 500},
		{fmt.Errorf("unrecognized"), 500},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, HTTPStatus(tt.err), tt.err)
	}
}
