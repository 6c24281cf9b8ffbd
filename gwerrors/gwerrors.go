package gwerrors

import "fmt"

// Stage identifies which step of the gateway pipeline failed.
type Stage string

const (
	StageUpgrade   Stage = "upgrade"
	StageAdmission Stage = "admission"
	StageAuth      Stage = "auth"
	StageValidate  Stage = "validate"
	StageDispatch  Stage = "dispatch"
	StageDeliver   Stage = "deliver"
	StageClose     Stage = "close"
)

// Code is a stable, programmatic error identifier for gateway operations.
type Code string

const (
	CodeOriginRejected    Code = "origin_rejected"
	CodeAddressLocked     Code = "address_locked"
	CodeRateLimited       Code = "rate_limited"
	CodeAtCapacity        Code = "at_capacity"
	CodePendingOverLimit  Code = "pending_over_limit"
	CodeChallengeExpired  Code = "challenge_expired"
	CodeChallengeMissing  Code = "challenge_missing"
	CodeBadResponse       Code = "bad_response"
	CodeSessionExpired    Code = "session_expired"
	CodeSessionMissing    Code = "session_missing"
	CodeUnknownAction     Code = "unknown_action"
	CodeMissingParameter  Code = "missing_parameter"
	CodeMalformedMessage  Code = "malformed_message"
	CodeDuplicateRequest  Code = "duplicate_request"
	CodeNoExtensions      Code = "no_extensions"
	CodeRequestTimeout    Code = "request_timeout"
	CodeExtensionError    Code = "extension_error"
	CodeUnknownRequest    Code = "unknown_request"
	CodeCallbackDelivery  Code = "callback_delivery"
	CodeShuttingDown      Code = "shutting_down"
	CodeSecretUnavailable Code = "secret_unavailable"
)

// Error is a structured, programmatically identifiable gateway error.
type Error struct {
	Stage Stage
	Code  Code
	Err   error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s (%s): %v", e.Stage, e.Code, e.Err)
	}
	return fmt.Sprintf("%s (%s)", e.Stage, e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

func Wrap(stage Stage, code Code, err error) error {
	return &Error{Stage: stage, Code: code, Err: err}
}
