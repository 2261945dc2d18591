// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

// Package errors defines the machine-readable error code taxonomy used
// across the host supervisor, the sandbox executor and the UI mediator.
// Codes are dot-separated: <component>.<operation>.<reason>. The trailing
// segment is the reason and drives the Is* classification helpers.
package errors

import (
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/samber/oops"
)

// Code is the machine-readable identifier for an error.
type Code string

const (
	CodePluginManifestInvalid     Code = "plugin.manifest.invalid"
	CodePluginPackageTooLarge     Code = "plugin.package.too_large"
	CodePluginPackageBadExtension Code = "plugin.package.bad_extension"
	CodePluginPackageIntegrity    Code = "plugin.package.integrity_failure"
	CodePluginNotFound            Code = "plugin.not_found"
	CodePluginAlreadyLoaded       Code = "plugin.load.conflict"
	CodePluginTransitionInvalid   Code = "plugin.lifecycle.transition.invalid"
	CodePluginLoadFailure         Code = "plugin.load.failure"
	CodePluginEnableFailure       Code = "plugin.enable.failure"
	CodePluginDisableFailure      Code = "plugin.disable.failure"
	CodePluginUnloadFailure       Code = "plugin.unload.failure"
	CodePluginHookFailure         Code = "plugin.hook.failure"
	CodePluginIncompatible        Code = "plugin.compatibility.invalid"

	CodeDependencyCircular Code = "dependency.graph.circular"
	CodeDependencyMissing  Code = "dependency.enable.missing"

	CodePermissionForbidden Code = "permission.critical.forbidden"
	CodePermissionRequired  Code = "permission.dangerous.required"
	CodePermissionDenied    Code = "permission.check.denied"
	CodePermissionUnknown   Code = "permission.name.invalid"

	CodeSecuritySymbolDenied   Code = "security.symbol.denied"
	CodeSecuritySymbolCap      Code = "security.symbol.cap_exceeded"
	CodeSecurityHostFuncDenied Code = "security.hostfunc.denied"
	CodeSecurityInvalidInput   Code = "security.request.invalid"
	CodeSecurityAuditFailure   Code = "security.audit.failure"

	CodeRateLimitExceeded Code = "ratelimit.call.exceeded"

	CodeBrokerUnknownRecipient Code = "broker.recipient.not_found"
	CodeBrokerUnknownSender    Code = "broker.sender.not_found"
	CodeBrokerPayloadTooLarge  Code = "broker.payload.too_large"
	CodeBrokerHandlerTimeout   Code = "broker.handler.timeout"
	CodeBrokerClosed           Code = "broker.route.closed"

	CodeSandboxUnavailable  Code = "sandbox.transport.unavailable"
	CodeSandboxCallTimeout  Code = "sandbox.call.timeout"
	CodeSandboxStartFailure Code = "sandbox.start.failure"
	CodeSandboxRuntime      Code = "sandbox.runtime.failure"

	CodeUIStateInvalid    Code = "ui.state.invalid"
	CodeUIUnavailable     Code = "ui.transport.unavailable"
	CodeUIDispatchFailure Code = "ui.dispatch.failure"

	CodeBridgePathInvalid   Code = "bridge.file.path.invalid"
	CodeBridgeQuotaExceeded Code = "bridge.file.quota_exceeded"
	CodeBridgeIOFailure     Code = "bridge.file.io_failure"
	CodeBridgeHTTPFailure   Code = "bridge.http.upstream_failure"
	CodeBridgeSpoofedCaller Code = "bridge.caller.forbidden"

	CodeStoreFailure      Code = "store.database.failure"
	CodeStoreNotFound     Code = "store.entity.not_found"
	CodeStoreInvalidInput Code = "store.invalid_input"

	CodeConfigReadFailure  Code = "config.load.read.failure"
	CodeConfigInvalidValue Code = "config.validate.invalid_value"

	CodeServerRequestInvalid  Code = "server.request.invalid"
	CodeServerInternalFailure Code = "server.internal.failure"
	CodeServerStartFailure    Code = "server.start.failure"

	CodeCLIInputInvalid Code = "cli.input.invalid"
	CodeCLISetupFailure Code = "cli.setup.failure"
)

// Attr is a structured key/value context attached to an error.
type Attr struct {
	Key   string
	Value any
}

// Field creates a structured error field.
func Field(key string, value any) Attr {
	return Attr{Key: key, Value: value}
}

func FieldPlugin(value string) Attr {
	return Field("plugin", value)
}

func FieldMethod(value string) Attr {
	return Field("method", value)
}

func New(code Code, msg string, fields ...Attr) error {
	return oops.Code(code).With(flatten(fields)...).New(msg)
}

func Errorf(code Code, format string, args ...any) error {
	return oops.Code(code).Errorf(format, args...)
}

func Wrap(err error, code Code, msg string, fields ...Attr) error {
	if err == nil {
		return nil
	}

	return oops.Code(code).With(flatten(fields)...).Wrapf(err, "%s", msg)
}

func Wrapf(err error, code Code, format string, args ...any) error {
	if err == nil {
		return nil
	}

	return oops.Code(code).Wrapf(err, format, args...)
}

// With adds structured fields to an existing error chain.
func With(err error, fields ...Attr) error {
	if err == nil {
		return nil
	}

	code := CodeOf(err)
	if code == "" {
		code = CodeServerInternalFailure
	}

	return oops.Code(code).With(flatten(fields)...).Wrap(err)
}

func CodeOf(err error) Code {
	if err == nil {
		return ""
	}

	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return ""
	}

	if code, ok := oopsErr.Code().(Code); ok {
		return code
	}

	if code, ok := oopsErr.Code().(string); ok {
		return Code(code)
	}

	return Code(fmt.Sprintf("%v", oopsErr.Code()))
}

func FieldsOf(err error) map[string]any {
	if err == nil {
		return nil
	}

	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return nil
	}

	return oopsErr.Context()
}

func HasCode(err error, code Code) bool {
	if err == nil {
		return false
	}
	return CodeOf(err) == code
}

func IsNotFound(err error) bool {
	return reason(CodeOf(err)) == "not_found"
}

func IsDenied(err error) bool {
	r := reason(CodeOf(err))
	return r == "denied" || r == "forbidden"
}

func IsInvalidInput(err error) bool {
	r := reason(CodeOf(err))
	return r == "invalid" || r == "invalid_input" || r == "invalid_value"
}

func IsTimeout(err error) bool {
	return reason(CodeOf(err)) == "timeout"
}

func IsRateLimited(err error) bool {
	return reason(CodeOf(err)) == "exceeded"
}

func IsUnavailable(err error) bool {
	return reason(CodeOf(err)) == "unavailable"
}

func Join(errs ...error) error {
	return oops.Code(CodeServerInternalFailure).Wrap(stderrors.Join(errs...))
}

func flatten(fields []Attr) []any {
	pairs := make([]any, 0, len(fields)*2)
	for _, field := range fields {
		if field.Key == "" {
			continue
		}
		pairs = append(pairs, field.Key, field.Value)
	}
	return pairs
}

func reason(code Code) string {
	if code == "" {
		return ""
	}

	raw := string(code)
	idx := strings.LastIndex(raw, ".")
	if idx == -1 || idx == len(raw)-1 {
		return raw
	}
	return raw[idx+1:]
}
