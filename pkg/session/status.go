package session

import (
	"context"
	"fmt"

	"github.com/looplab/fsm"
)

// Status is the session's lifecycle state, per spec §3.
type Status int

const (
	StatusNull Status = iota
	StatusInviteSent
	Status1xxReceived
	StatusInviteReceived
	StatusWaitingForAnswer
	StatusAnswered
	StatusWaitingForAck
	StatusConfirmed
	StatusCanceled
	StatusTerminated
)

func (s Status) String() string {
	switch s {
	case StatusNull:
		return "NULL"
	case StatusInviteSent:
		return "INVITE_SENT"
	case Status1xxReceived:
		return "1XX_RECEIVED"
	case StatusInviteReceived:
		return "INVITE_RECEIVED"
	case StatusWaitingForAnswer:
		return "WAITING_FOR_ANSWER"
	case StatusAnswered:
		return "ANSWERED"
	case StatusWaitingForAck:
		return "WAITING_FOR_ACK"
	case StatusConfirmed:
		return "CONFIRMED"
	case StatusCanceled:
		return "CANCELED"
	case StatusTerminated:
		return "TERMINATED"
	default:
		return "UNKNOWN"
	}
}

// Events fired against the status machine. Names are internal; they never
// cross the package boundary.
const (
	evUACInvite        = "uac_invite"
	evUASInvite        = "uas_invite"
	evOfferAccepted    = "offer_accepted"
	evProvisional      = "provisional"
	evEstablished      = "established"
	evAnswer           = "answer"
	evReplySent        = "reply_sent"
	evAckReceived      = "ack_received"
	evCancelReceived   = "cancel_received"
	evTerminate        = "terminate"
)

// statusMachine validates the session lifecycle's transition table using
// looplab/fsm, the same library the teacher uses to drive its Dialog state
// (pkg/dialog/dialog.go). It is not safe for concurrent use; callers
// serialize access by holding Session.mu for every fire/current/is call.
type statusMachine struct {
	fsm *fsm.FSM
}

func newStatusMachine() *statusMachine {
	sm := &statusMachine{}
	sm.fsm = fsm.NewFSM(
		StatusNull.String(),
		fsm.Events{
			{Name: evUACInvite, Src: []string{StatusNull.String()}, Dst: StatusInviteSent.String()},
			{Name: evUASInvite, Src: []string{StatusNull.String()}, Dst: StatusInviteReceived.String()},
			{Name: evOfferAccepted, Src: []string{StatusInviteReceived.String()}, Dst: StatusWaitingForAnswer.String()},
			{Name: evProvisional, Src: []string{StatusInviteSent.String()}, Dst: Status1xxReceived.String()},
			{Name: evEstablished, Src: []string{StatusInviteSent.String(), Status1xxReceived.String()}, Dst: StatusConfirmed.String()},
			{Name: evAnswer, Src: []string{StatusWaitingForAnswer.String()}, Dst: StatusAnswered.String()},
			{Name: evReplySent, Src: []string{StatusAnswered.String()}, Dst: StatusWaitingForAck.String()},
			{Name: evAckReceived, Src: []string{StatusWaitingForAck.String()}, Dst: StatusConfirmed.String()},
			{Name: evCancelReceived, Src: []string{StatusWaitingForAnswer.String()}, Dst: StatusCanceled.String()},
			{Name: evTerminate, Src: []string{
				StatusInviteSent.String(),
				Status1xxReceived.String(),
				StatusInviteReceived.String(),
				StatusWaitingForAnswer.String(),
				StatusAnswered.String(),
				StatusWaitingForAck.String(),
				StatusConfirmed.String(),
				StatusCanceled.String(),
			}, Dst: StatusTerminated.String()},
		},
		fsm.Callbacks{},
	)
	return sm
}

func parseStatus(s string) Status {
	switch s {
	case StatusNull.String():
		return StatusNull
	case StatusInviteSent.String():
		return StatusInviteSent
	case Status1xxReceived.String():
		return Status1xxReceived
	case StatusInviteReceived.String():
		return StatusInviteReceived
	case StatusWaitingForAnswer.String():
		return StatusWaitingForAnswer
	case StatusAnswered.String():
		return StatusAnswered
	case StatusWaitingForAck.String():
		return StatusWaitingForAck
	case StatusConfirmed.String():
		return StatusConfirmed
	case StatusCanceled.String():
		return StatusCanceled
	case StatusTerminated.String():
		return StatusTerminated
	default:
		return StatusNull
	}
}

func (sm *statusMachine) current() Status {
	return parseStatus(sm.fsm.Current())
}

// fire attempts the named event and reports whether the table permits it.
// It never panics; an invalid transition is a normal, expected outcome (e.g.
// a retransmitted CANCEL arriving after the session already answered).
func (sm *statusMachine) fire(event string) error {
	if err := sm.fsm.Event(context.Background(), event); err != nil {
		return fmt.Errorf("session: invalid transition %s from %s: %w", event, sm.fsm.Current(), err)
	}
	return nil
}

func (sm *statusMachine) is(s Status) bool {
	return sm.current() == s
}

func (sm *statusMachine) isTerminated() bool {
	return sm.is(StatusTerminated)
}
