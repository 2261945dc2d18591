// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

package ipc

import (
	wardenerr "github.com/warden-dev/warden/pkg/errors"
)

// wireError carries an error code across the RPC boundary. net/rpc flattens
// errors to strings, so replies embed the code and message explicitly and the
// client side rebuilds a typed error.
type wireError struct {
	Code    string
	Message string
}

func encodeError(err error) *wireError {
	if err == nil {
		return nil
	}

	code := wardenerr.CodeOf(err)
	if code == "" {
		code = wardenerr.CodeSandboxRuntime
	}
	return &wireError{Code: string(code), Message: err.Error()}
}

func decodeError(we *wireError) error {
	if we == nil {
		return nil
	}
	return wardenerr.New(wardenerr.Code(we.Code), we.Message)
}
