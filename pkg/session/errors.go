package session

import (
	"errors"
	"fmt"
)

// Cause classifies why a session ended or failed, per spec §7.
type Cause string

const (
	CauseBusy                  Cause = "BUSY"
	CauseRejected              Cause = "REJECTED"
	CauseUnavailable           Cause = "UNAVAILABLE"
	CauseBye                   Cause = "BYE"
	CauseCanceled              Cause = "CANCELED"
	CauseNoAnswer              Cause = "NO_ANSWER"
	CauseExpires               Cause = "EXPIRES"
	CauseNoAck                 Cause = "NO_ACK"
	CauseBadMediaDescription   Cause = "BAD_MEDIA_DESCRIPTION"
	CauseUserDeniedMediaAccess Cause = "USER_DENIED_MEDIA_ACCESS"
	CauseWebRTCError           Cause = "WEBRTC_ERROR"
	CauseConnectionError       Cause = "CONNECTION_ERROR"
	CauseRequestTimeout        Cause = "REQUEST_TIMEOUT"
	CauseDialogError           Cause = "DIALOG_ERROR"
	CauseInternalError         Cause = "INTERNAL_ERROR"
)

// causeForStatus maps a SIP final-response class to a Cause, per spec §4.2.
// Grounded on the teacher's reason-phrase-by-status lookups (pkg/dialog uses
// the same 3xx-6xx bucketing to classify terminations).
func causeForStatus(code int) Cause {
	switch {
	case code == 486 || code == 600:
		return CauseBusy
	case code == 480 || code == 404 || code == 410 || code == 604:
		return CauseUnavailable
	case code >= 300 && code < 700:
		return CauseRejected
	default:
		return CauseInternalError
	}
}

// Programmer errors. These are returned synchronously and never mutate
// session state (spec §7 "Programmer errors").
var (
	ErrInvalidState = errors.New("session: invalid state for operation")
	ErrNotSupported = errors.New("session: operation not supported for direction")
	ErrTypeError    = errors.New("session: invalid argument")
)

// SessionError carries a terminal Cause plus the dialog context that
// produced it. Grounded on the teacher's DialogError (pkg/dialog/error_types.go),
// trimmed to the fields this core actually populates.
type SessionError struct {
	Cause    Cause
	DialogID string
	CallID   string
	Status   Status
	Err      error
}

func (e *SessionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("session: %s (call-id=%s): %v", e.Cause, e.CallID, e.Err)
	}
	return fmt.Sprintf("session: %s (call-id=%s)", e.Cause, e.CallID)
}

func (e *SessionError) Unwrap() error {
	return e.Err
}

func newSessionError(cause Cause, s *Session, err error) *SessionError {
	se := &SessionError{Cause: cause, Err: err}
	if s != nil {
		se.CallID = s.callID
		se.Status = s.status.current()
		if !s.confirmedDialogKey.IsZero() {
			se.DialogID = s.confirmedDialogKey.String()
		}
	}
	return se
}
