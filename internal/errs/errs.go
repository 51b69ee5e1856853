// Package errs carries the machine-readable error codes used across the agent.
package errs

import (
	"fmt"

	"github.com/samber/oops"
)

// Code is the machine-readable identifier for an error.
type Code string

const (
	CodeContractViolation          Code = "plugin.contract.violation"
	CodeLifecycleTransitionInvalid Code = "plugin.lifecycle.transition.invalid"
	CodePluginNotFound             Code = "plugin.not_found"
	CodePluginLoadFailure          Code = "plugin.load.failure"
	CodeMsgTypeDuplicate           Code = "plugin.msgtype.duplicate"
	CodePluginRPCFailure           Code = "plugin.rpc.failure"

	CodeConfigOptionInvalid Code = "config.option.invalid"
	CodeConfigLoadFailure   Code = "config.load.failure"

	CodeBacklogStoreFailure Code = "backlog.store.failure"

	CodeMessageTooLarge    Code = "gsn.message.too_large"
	CodeGSNPeerUnavailable Code = "gsn.peer.unavailable"
	CodeGSNQueueFull       Code = "gsn.queue.full"

	CodeTOSPeerUnavailable Code = "tos.peer.unavailable"
	CodeTOSSendFailure     Code = "tos.send.failure"
)

// Attr is a structured key/value context attached to an error.
type Attr struct {
	Key   string
	Value any
}

func Field(key string, value any) Attr {
	return Attr{Key: key, Value: value}
}

func FieldPlugin(value string) Attr {
	return Field("plugin", value)
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

// CodeOf returns the innermost code attached to err, or "".
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return ""
	}
	switch code := oopsErr.Code().(type) {
	case Code:
		return code
	case string:
		return Code(code)
	case nil:
		return ""
	default:
		return Code(fmt.Sprintf("%v", code))
	}
}

func HasCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

func FieldsOf(err error) map[string]any {
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return nil
	}
	return oopsErr.Context()
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
