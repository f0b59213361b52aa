package session

// Handlers collects the callbacks a caller registers to observe a Session's
// lifecycle, per spec §8 event list (newRTCSession, connecting, progress,
// started, newDTMF, ended, failed). Grounded on the teacher's callback-field
// style (Dialog.OnStateChange, pkg/dialog/dialog.go) rather than a
// subscribe/unsubscribe registry: a session has exactly one owner, so a
// single set of optional fields is simpler than a fan-out event bus.
//
// Every handler is invoked synchronously from whichever goroutine drove the
// transition (Connect, ReceiveResponse, ReceiveRequest, a timer firing) with
// the session's mutex already released, so handlers may safely call back
// into the Session. Handlers run in field-declaration order relative to
// other work in the same transition, not concurrently with each other.
type Handlers struct {
	// OnConnecting fires on the UAC side once Connect has built the initial
	// INVITE (status -> INVITE_SENT), before the offer is created and the
	// INVITE is sent. On the UAS side it fires twice: when InitIncoming has
	// sent 180 (WAITING_FOR_ANSWER), and again in Answer once the local
	// stream is attached, before the 200 is sent.
	OnConnecting func(s *Session)

	// OnProgress fires on the UAC side for every 101-199 response carrying a
	// To tag, with the status code and optional SDP early-media body. A 100
	// does not fire it, nor does the 180 a UAS sends.
	OnProgress func(s *Session, statusCode int, body *SDPBody)

	// OnStarted fires once per session: on the UAC side when the 2xx has
	// been accepted and ACK sent (CONFIRMED), on the UAS side when Answer has
	// sent the 200 (WAITING_FOR_ACK).
	OnStarted func(s *Session)

	// OnDTMF fires once per tone actually transmitted by the DTMF
	// scheduler (spec §4.5), not for comma pauses, and once per tone
	// received in an application/dtmf-relay INFO.
	OnDTMF func(s *Session, tone byte)

	// OnEnded fires when an answered session reaches TERMINATED: remote BYE,
	// local Terminate after the 200 (BYE, or the deferred BYE while waiting
	// for ACK), or no ACK within TimerH.
	OnEnded func(s *Session, cause Cause)

	// OnFailed fires when the session reaches TERMINATED before it was
	// established: rejection, CANCEL (sent or received), timeout, media or
	// dialog failure. Mutually exclusive with OnEnded for a given session:
	// at most one of the two fires, and Close fires neither.
	OnFailed func(s *Session, err *SessionError)
}

func (h Handlers) fireConnecting(s *Session) {
	if h.OnConnecting != nil {
		h.OnConnecting(s)
	}
}

func (h Handlers) fireProgress(s *Session, statusCode int, body *SDPBody) {
	if h.OnProgress != nil {
		h.OnProgress(s, statusCode, body)
	}
}

func (h Handlers) fireStarted(s *Session) {
	if h.OnStarted != nil {
		h.OnStarted(s)
	}
}

func (h Handlers) fireDTMF(s *Session, tone byte) {
	if h.OnDTMF != nil {
		h.OnDTMF(s, tone)
	}
}

func (h Handlers) fireEnded(s *Session, cause Cause) {
	if h.OnEnded != nil {
		h.OnEnded(s, cause)
	}
}

func (h Handlers) fireFailed(s *Session, err *SessionError) {
	if h.OnFailed != nil {
		h.OnFailed(s, err)
	}
}
