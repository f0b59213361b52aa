package session

import (
	"context"
	"fmt"

	"github.com/emiago/sipgo/sip"
)

// Direction records whether the session initiated (UAC) or received (UAS)
// the initial INVITE.
type Direction int

const (
	DirectionOutgoing Direction = iota
	DirectionIncoming
)

func (d Direction) String() string {
	if d == DirectionIncoming {
		return "incoming"
	}
	return "outgoing"
}

// DialogRole distinguishes the two ends of a dialog for Dialog.Update, per
// spec §6 "Dialog factory: new Dialog(session, message, role, ...)".
type DialogRole int

const (
	DialogRoleUAC DialogRole = iota
	DialogRoleUAS
)

// ClientTransaction is the outgoing-request collaborator the core consumes
// for the initial INVITE and for in-dialog requests that expect a response
// (BYE). Shaped after sip.ClientTransaction in github.com/emiago/sipgo/sip,
// the transaction type the teacher's Dialog.WaitAnswer/Bye wait on.
type ClientTransaction interface {
	Responses() <-chan *sip.Response
	Done() <-chan struct{}
	// Cancel sends CANCEL against this transaction's INVITE, per spec §4.1
	// "send CANCEL on the client transaction".
	Cancel() error
	Terminate()
}

// ServerTransaction is the inbound-request collaborator; it exposes the
// stateChanged/TERMINATED signal spec §6 requires for the deferred-BYE case
// (§4.1). The 2xx retransmission timer does not depend on it.
type ServerTransaction interface {
	// OnTerminate registers a one-shot callback fired when the transaction
	// reaches TERMINATED. Implementations must invoke it at most once.
	OnTerminate(func())
}

// RequestSender transmits outgoing requests, per spec §6 "Outgoing request
// builder ... exposes cancel(reason) and send() via a request sender."
type RequestSender interface {
	// Send transmits req and tracks a transaction for responses; the core
	// uses it for the initial INVITE.
	Send(ctx context.Context, req *sip.Request) (ClientTransaction, error)
	// WriteRequest transmits req outside any transaction. The core does not
	// call it: ACK, BYE and the forked-2xx ACK/BYE pair go through
	// Dialog.SendRequest.
	WriteRequest(req *sip.Request) error
}

// IncomingMessageReplier is satisfied by inbound sip.Request handling: reply
// mirrors spec §6 "reply(code, phrase?, headers?, body?, onSuccess?,
// onFailure?)" with onSuccess/onFailure collapsed into the returned error,
// the idiomatic Go shape for a call that either succeeds or doesn't.
type IncomingMessageReplier interface {
	Reply(code int, reasonPhrase string, headers []sip.Header, body []byte) error
}

// Dialog is a peer-to-peer SIP relationship identified by DialogKey; early
// before a confirmed 2xx, confirmed after. Grounded on the teacher's IDialog
// (pkg/dialog/interface.go) and emiago/sipgo's Dialog
// (dialog.go — InviteRequest/InviteResponse/state), narrowed to the
// operations this core actually drives.
type Dialog interface {
	Key() DialogKey
	// Update folds a new message into dialog state (route set, remote
	// target, CSeq), per spec §6 "update(message, role)".
	Update(msg sip.Message, role DialogRole) error
	// SendRequest builds and sends an in-dialog request for the given
	// method (ACK, BYE), per spec §6 "in-dialog sendRequest(owner, method)".
	SendRequest(ctx context.Context, method sip.RequestMethod, extraHeaders []sip.Header, body []byte) (ClientTransaction, error)
	// Terminate tears the dialog down without sending any SIP request.
	Terminate() error
}

// DialogFactory constructs dialogs, per spec §6 "new Dialog(session,
// message, role, initialState?)". Construction failure reports Err rather
// than returning a usable Dialog — callers check it explicitly, mirroring
// the collaborator's documented "error field populated on construction
// failure".
type DialogFactory interface {
	NewDialog(sess *Session, msg sip.Message, role DialogRole) (Dialog, error)
}

// reasonPhrase returns the canonical reason phrase for status codes this
// core itself emits (spec §6). It falls back to sip.StatusCode's own
// registry for anything else.
func reasonPhrase(code int) string {
	switch code {
	case 180:
		return "Ringing"
	case 200:
		return "OK"
	case 408:
		return "Request Timeout"
	case 415:
		return "Unsupported Media Type"
	case 480:
		return "Temporarily Unavailable"
	case 487:
		return "Request Terminated"
	case 488:
		return "Not Acceptable Here"
	case 500:
		return "Server Internal Error"
	default:
		if p := sip.StatusCode(code).String(); p != "" {
			return p
		}
		return fmt.Sprintf("%d", code)
	}
}

// reasonHeader builds the Reason header spec §6 requires on coded
// termination: `Reason: SIP ;cause=<n>; text="<phrase>"`.
func reasonHeader(code int, phrase string) sip.Header {
	return sip.NewHeader("Reason", fmt.Sprintf("SIP ;cause=%d; text=%q", code, phrase))
}
