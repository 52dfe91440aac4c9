package model

import (
	"fmt"
	"strings"
)

// StartFailureCause sub-classifies session initialization failures. The
// classification exists purely for diagnostic messaging; every cause is
// fatal for the call.
type StartFailureCause int

const (
	CauseUnknown StartFailureCause = iota
	CauseAccessDenied
	CauseModelUnavailable
	CauseInvalidCredentials
	CauseExpiredCredentials
)

func (c StartFailureCause) String() string {
	switch c {
	case CauseAccessDenied:
		return "access_denied"
	case CauseModelUnavailable:
		return "model_unavailable"
	case CauseInvalidCredentials:
		return "invalid_credentials"
	case CauseExpiredCredentials:
		return "expired_credentials"
	default:
		return "unknown"
	}
}

// SessionStartError reports that the remote model session failed to
// initialize. Fatal for the call: the caller should play a spoken fallback
// and tear down. A fresh Start from IDLE is required to retry.
type SessionStartError struct {
	Cause StartFailureCause
	Err   error
}

func (e *SessionStartError) Error() string {
	return fmt.Sprintf("model session start failed (%s): %v", e.Cause, e.Err)
}

func (e *SessionStartError) Unwrap() error {
	return e.Err
}

// Diagnostic returns an operator-facing hint for the failure cause.
func (e *SessionStartError) Diagnostic() string {
	switch e.Cause {
	case CauseAccessDenied:
		return "account lacks permission to use this model"
	case CauseModelUnavailable:
		return "model not available in the configured region"
	case CauseInvalidCredentials:
		return "credentials are invalid"
	case CauseExpiredCredentials:
		return "credentials have expired"
	default:
		return "unexpected initialization failure"
	}
}

func newSessionStartError(err error) *SessionStartError {
	return &SessionStartError{Cause: classifyStartFailure(err), Err: err}
}

func classifyStartFailure(err error) StartFailureCause {
	if err == nil {
		return CauseUnknown
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "AccessDenied"), strings.Contains(msg, "403"):
		return CauseAccessDenied
	case strings.Contains(msg, "ResourceNotFound"), strings.Contains(msg, "404"):
		return CauseModelUnavailable
	case strings.Contains(msg, "SignatureDoesNotMatch"), strings.Contains(msg, "InvalidCredentials"), strings.Contains(msg, "401"):
		return CauseInvalidCredentials
	case strings.Contains(msg, "ExpiredToken"):
		return CauseExpiredCredentials
	default:
		return CauseUnknown
	}
}

// TransportError reports that the model channel closed or errored outside a
// graceful shutdown. Surfaced to the orchestrator, which tears the call down.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("model transport error: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
