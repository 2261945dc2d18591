// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

package errors_test

import (
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	wardenerr "github.com/warden-dev/warden/pkg/errors"
)

func TestCodeOf(t *testing.T) {
	err := wardenerr.New(wardenerr.CodePluginNotFound, "plugin missing")
	assert.Equal(t, wardenerr.CodePluginNotFound, wardenerr.CodeOf(err))

	assert.Equal(t, wardenerr.Code(""), wardenerr.CodeOf(nil))
	assert.Equal(t, wardenerr.Code(""), wardenerr.CodeOf(stderrors.New("plain")))
}

func TestWrapNilReturnsNil(t *testing.T) {
	assert.NoError(t, wardenerr.Wrap(nil, wardenerr.CodeStoreFailure, "ignored"))
	assert.NoError(t, wardenerr.Wrapf(nil, wardenerr.CodeStoreFailure, "ignored %d", 1))
	assert.NoError(t, wardenerr.With(nil, wardenerr.Field("k", "v")))
}

func TestWrapPreservesCause(t *testing.T) {
	cause := stderrors.New("disk full")
	err := wardenerr.Wrap(cause, wardenerr.CodeBridgeIOFailure, "writing plugin file")

	require.Error(t, err)
	assert.Equal(t, wardenerr.CodeBridgeIOFailure, wardenerr.CodeOf(err))
	assert.ErrorIs(t, err, cause)
}

func TestFieldsOf(t *testing.T) {
	err := wardenerr.New(wardenerr.CodePermissionDenied, "camera access",
		wardenerr.FieldPlugin("com.example.scanner"),
		wardenerr.Field("permission", "CAMERA"),
	)

	fields := wardenerr.FieldsOf(err)
	assert.Equal(t, "com.example.scanner", fields["plugin"])
	assert.Equal(t, "CAMERA", fields["permission"])
}

func TestReasonHelpers(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		check func(error) bool
		want  bool
	}{
		{"not found", wardenerr.New(wardenerr.CodePluginNotFound, "x"), wardenerr.IsNotFound, true},
		{"denied", wardenerr.New(wardenerr.CodePermissionDenied, "x"), wardenerr.IsDenied, true},
		{"forbidden is denied", wardenerr.New(wardenerr.CodePermissionForbidden, "x"), wardenerr.IsDenied, true},
		{"rate limited", wardenerr.New(wardenerr.CodeRateLimitExceeded, "x"), wardenerr.IsRateLimited, true},
		{"timeout", wardenerr.New(wardenerr.CodeSandboxCallTimeout, "x"), wardenerr.IsTimeout, true},
		{"unavailable", wardenerr.New(wardenerr.CodeSandboxUnavailable, "x"), wardenerr.IsUnavailable, true},
		{"invalid input", wardenerr.New(wardenerr.CodeStoreInvalidInput, "x"), wardenerr.IsInvalidInput, true},
		{"timeout is not denied", wardenerr.New(wardenerr.CodeSandboxCallTimeout, "x"), wardenerr.IsDenied, false},
		{"nil is nothing", nil, wardenerr.IsNotFound, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.check(tt.err))
		})
	}
}

func TestHasCode(t *testing.T) {
	err := wardenerr.Errorf(wardenerr.CodeDependencyMissing, "missing %v", []string{"b"})
	assert.True(t, wardenerr.HasCode(err, wardenerr.CodeDependencyMissing))
	assert.False(t, wardenerr.HasCode(err, wardenerr.CodeDependencyCircular))
	assert.False(t, wardenerr.HasCode(nil, wardenerr.CodeDependencyMissing))
}
