package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Session is the per-call state machine driving one INVITE dialog through
// RFC 3261 §13-§15. It mediates between a signaling collaborator (sender,
// dialog factory) and a media collaborator (MediaHandler), and is the sole
// owner of its timers, early-dialog table, and DTMF scheduler.
//
// Grounded on the teacher's Dialog struct (pkg/dialog/dialog.go): same
// mutex-guarded-struct shape and looplab/fsm-backed status, narrowed from a
// dialog-plus-transfer-plus-session-timer combination down to exactly the
// fields the INVITE lifecycle in this package needs, and widened with the
// media-handler/DTMF/early-dialog bookkeeping the teacher's Dialog leaves to
// its surrounding Stack.
//
// Not safe for concurrent use by the caller beyond what the exported methods
// already serialize: every exported method and every collaborator callback
// (ReceiveResponse, ReceiveRequest, a timer firing) takes mu before touching
// state, mirroring the teacher's mutex sync.RWMutex on Dialog.
type Session struct {
	mu sync.Mutex

	direction Direction
	status    *statusMachine

	callID    string
	localTag  string
	remoteTag string

	localURI  sip.Uri
	remoteURI sip.Uri
	anonymous bool

	initialInvite   *sip.Request
	answerBodyCache []byte // cached 2xx SDP body for UAS retransmission (spec §4.4)

	ackDeferredTrigger func() // armed by deferBye; also fired by an inbound ACK (uas.go)

	confirmedDialogKey DialogKey
	confirmedDialog    Dialog
	earlyDialogs       map[DialogKey]Dialog

	mediaHandler MediaHandler
	localStreams []MediaStream

	timers timerSet
	dtmf   *dtmfScheduler

	isCanceled    bool
	cancelOpts    *terminateOptions
	received100   bool

	startTime time.Time
	endTime   time.Time
	endedSent bool

	handlers Handlers
	log      zerolog.Logger

	sender        RequestSender
	dialogFactory DialogFactory
	registry      *Registry

	clientTx ClientTransaction
	serverTx ServerTransaction
	replier  IncomingMessageReplier

	noAnswerTimeout time.Duration

	allowHeader string
}

// Deps bundles the external collaborators a Session needs, injected at
// construction so the core never reaches for a global. Grounded on the
// teacher's Stack, which plays the same aggregating role for its Dialogs.
type Deps struct {
	Sender        RequestSender
	DialogFactory DialogFactory
	Registry      *Registry
	MediaFactory  MediaHandlerFactory

	// NoAnswerTimeout bounds WAITING_FOR_ANSWER on the UAS side (spec §4.4
	// userNoAnswerTimer). Zero disables the guard.
	NoAnswerTimeout time.Duration

	// AllowHeader is the Allow header value advertised on the initial
	// INVITE (spec §4.1).
	AllowHeader string
}

func newSession(dir Direction, callID string, deps Deps, handlers Handlers) *Session {
	s := &Session{
		direction:       dir,
		status:          newStatusMachine(),
		callID:          callID,
		earlyDialogs:    make(map[DialogKey]Dialog),
		handlers:        handlers,
		log:             sessionLogger(callID, dir),
		sender:          deps.Sender,
		dialogFactory:   deps.DialogFactory,
		registry:        deps.Registry,
		noAnswerTimeout: deps.NoAnswerTimeout,
		allowHeader:     deps.AllowHeader,
	}
	if deps.Registry != nil {
		deps.Registry.PutByCallID(callID, s)
	}
	return s
}

func (s *Session) currentStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status.current()
}

// Direction reports whether this session is UAC (outgoing) or UAS (incoming).
func (s *Session) Direction() Direction { return s.direction }

// CallID returns the dialog's Call-ID.
func (s *Session) CallID() string { return s.callID }

// AttachServerTransaction wires the inbound INVITE's server transaction, so
// Terminate's deferred-BYE case (spec §4.1, WAITING_FOR_ACK/incoming) can
// race the next ACK against the transaction reaching TERMINATED. Optional:
// a caller that only has a bare respond func (no ServerTransaction) leaves
// this unset, and deferBye falls back to the ACK-only trigger.
func (s *Session) AttachServerTransaction(tx ServerTransaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.serverTx = tx
}

// LocalTag returns this dialog's local tag half of the RFC 3261 §12 identity
// triple. A DialogFactory needs it for the UAS role, where the local tag is
// minted by InitIncoming rather than present on the initial INVITE it builds
// the dialog from.
func (s *Session) LocalTag() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localTag
}

// GetLocalStreams exposes attached local media endpoints (spec §6).
func (s *Session) GetLocalStreams() []MediaStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]MediaStream(nil), s.localStreams...)
}

// GetRemoteStreams exposes attached remote media endpoints (spec §6).
func (s *Session) GetRemoteStreams() []MediaStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mediaHandler == nil {
		return nil
	}
	return s.mediaHandler.GetRemoteStreams()
}

// Connect initiates a new outgoing call (UAC init), per spec §4.1.
func Connect(ctx context.Context, target sip.Uri, from sip.Uri, deps Deps, mediaFactory MediaHandlerFactory, handlers Handlers, opts ...ConnectOption) (*Session, error) {
	o := newConnectOptions()
	for _, fn := range opts {
		fn(o)
	}

	if deps.Sender == nil || deps.DialogFactory == nil {
		return nil, ErrInvalidState
	}

	callID := uuid.NewString()
	fromTag := uuid.NewString()

	s := newSession(DirectionOutgoing, callID, deps, handlers)
	s.localTag = fromTag
	s.localURI = from
	s.remoteURI = target
	s.anonymous = o.anonymous

	media, err := mediaFactory(o.rtcConstraints)
	if err != nil {
		s.mu.Lock()
		s.status.fire(evTerminate)
		s.mu.Unlock()
		return nil, newSessionError(CauseWebRTCError, s, err)
	}
	s.mediaHandler = media
	s.dtmf = newDTMFScheduler(s.sendDTMFTone, s.onDTMFSent)
	defaultMetrics.created(DirectionOutgoing)

	s.mu.Lock()
	if err := s.status.fire(evUACInvite); err != nil {
		s.mu.Unlock()
		return nil, newSessionError(CauseInternalError, s, err)
	}

	req := s.buildInvite(target, from, o)
	s.initialInvite = req
	s.mu.Unlock()

	s.handlers.fireConnecting(s)

	if err := s.startOfferPipeline(ctx, req, o); err != nil {
		return s, err
	}
	return s, nil
}

// buildInvite constructs the outgoing INVITE with Contact/Allow/Content-Type
// headers, per spec §4.1. Must be called with mu held.
func (s *Session) buildInvite(target, from sip.Uri, o *connectOptions) *sip.Request {
	req := sip.NewRequest(sip.INVITE, target)
	callID := sip.CallIDHeader(s.callID)
	req.AppendHeader(&callID)

	displayName := from.User
	fromURI := from
	if o.anonymous {
		displayName = "Anonymous"
		if anon, err := parseURI("sip:anonymous@anonymous.invalid"); err == nil {
			fromURI = anon
		}
	}
	fromHeader := &sip.FromHeader{DisplayName: displayName, Address: fromURI, Params: sip.NewParams()}
	fromHeader.Params["tag"] = s.localTag
	req.AppendHeader(fromHeader)

	toHeader := &sip.ToHeader{Address: target, Params: sip.NewParams()}
	req.AppendHeader(toHeader)

	contact := &sip.ContactHeader{Address: from}
	req.AppendHeader(contact)

	if s.allowHeader != "" {
		req.AppendHeader(sip.NewHeader("Allow", s.allowHeader))
	}
	if o.anonymous {
		req.AppendHeader(sip.NewHeader("Privacy", "id"))
		req.AppendHeader(sip.NewHeader("P-Preferred-Identity", from.String()))
	}
	for _, h := range o.extraHeaders {
		req.AppendHeader(h)
	}
	req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	return req
}

// Answer accepts an incoming call (UAS accept), per spec §4.1.
func (s *Session) Answer(ctx context.Context, opts ...AnswerOption) error {
	o := newAnswerOptions()
	for _, fn := range opts {
		fn(o)
	}

	s.mu.Lock()
	if s.direction != DirectionIncoming || !s.status.is(StatusWaitingForAnswer) {
		s.mu.Unlock()
		return ErrInvalidState
	}
	if err := s.status.fire(evAnswer); err != nil {
		s.mu.Unlock()
		return newSessionError(CauseInternalError, s, err)
	}
	req := s.initialInvite
	s.mu.Unlock()

	dlg, err := s.dialogFactory.NewDialog(s, req, DialogRoleUAS)
	if err != nil {
		s.replyUAS(500, reasonPhrase(500), nil, nil)
		return s.enterFailed(CauseInternalError, err)
	}

	s.mu.Lock()
	s.confirmedDialog = dlg
	s.confirmedDialogKey = dlg.Key()
	s.timers.stopNoAnswer()
	s.mu.Unlock()

	var stream MediaStream
	if o.mediaStream != nil {
		stream = o.mediaStream
	} else {
		stream, err = s.mediaHandler.GetUserMedia(ctx, o.mediaConstraints)
		if err != nil {
			s.replyUAS(480, reasonPhrase(480), nil, nil)
			return s.enterFailed(CauseUserDeniedMediaAccess, err)
		}
	}
	if err := s.mediaHandler.AddStream(ctx, stream); err != nil {
		s.replyUAS(480, reasonPhrase(480), nil, nil)
		return s.enterFailed(CauseWebRTCError, err)
	}

	s.mu.Lock()
	s.localStreams = append(s.localStreams, stream)
	s.mu.Unlock()

	s.handlers.fireConnecting(s)

	answer, err := s.mediaHandler.CreateAnswer(ctx)
	if err != nil {
		s.replyUAS(480, reasonPhrase(480), nil, nil)
		return s.enterFailed(CauseWebRTCError, err)
	}

	s.mu.Lock()
	localTag := s.localTag
	localURI := s.localURI
	s.mu.Unlock()

	toHeader := &sip.ToHeader{Address: localURI, Params: sip.NewParams()}
	toHeader.Params["tag"] = localTag
	contact := &sip.ContactHeader{Address: localURI}
	extra := append([]sip.Header{toHeader, contact}, o.extraHeaders...)

	if err := s.replyUAS(200, reasonPhrase(200), extra, answer.Raw); err != nil {
		return s.enterFailed(CauseConnectionError, err)
	}

	s.mu.Lock()
	if err := s.status.fire(evReplySent); err != nil {
		s.mu.Unlock()
		return newSessionError(CauseInternalError, s, err)
	}
	s.startTime = time.Now()
	s.answerBodyCache = answer.Raw
	s.timers.armRetransmit2xx(s.retransmit2xx)
	s.timers.armAckWait(s.onAckTimeout)
	s.mu.Unlock()

	s.handlers.fireStarted(s)
	return nil
}

// retransmit2xx re-sends the 200 (cached SDP body, local To tag, Contact)
// while still WAITING_FOR_ACK, per spec §4.4. Extra headers passed to Answer
// are not repeated. Invoked by timerSet on fire; must re-check status (§5
// suspension-point invariant).
func (s *Session) retransmit2xx() {
	s.mu.Lock()
	if !s.status.is(StatusWaitingForAck) {
		s.mu.Unlock()
		return
	}
	body := s.answerBodyCache
	localTag := s.localTag
	localURI := s.localURI
	s.mu.Unlock()

	if s.replier != nil {
		toHeader := &sip.ToHeader{Address: localURI, Params: sip.NewParams()}
		toHeader.Params["tag"] = localTag
		contact := &sip.ContactHeader{Address: localURI}
		_ = s.replier.Reply(200, reasonPhrase(200), []sip.Header{toHeader, contact}, body)
	}

	s.mu.Lock()
	if s.status.is(StatusWaitingForAck) {
		s.timers.armRetransmit2xx(s.retransmit2xx)
	}
	s.mu.Unlock()
}

// onAckTimeout implements ackTimer firing (spec §4.4): if still
// WAITING_FOR_ACK, cancel invite2xxTimer, send BYE, and emit ended with
// NO_ACK.
func (s *Session) onAckTimeout() {
	s.mu.Lock()
	if !s.status.is(StatusWaitingForAck) {
		s.mu.Unlock()
		return
	}
	s.timers.stopRetransmit2xx()
	dlg := s.confirmedDialog
	s.mu.Unlock()

	if dlg != nil {
		_, _ = dlg.SendRequest(context.Background(), sip.BYE, nil, nil)
	}
	s.emitEnded(CauseNoAck)
}

// Terminate implements the role- and state-dependent termination table in
// spec §4.1.
func (s *Session) Terminate(opts ...TerminateOption) error {
	o := newTerminateOptions()
	for _, fn := range opts {
		fn(o)
	}
	if err := validateUACStatusCode(o.statusCode, o.hasCode); err != nil {
		return err
	}

	s.mu.Lock()
	st := s.status.current()
	dir := s.direction
	s.mu.Unlock()

	switch {
	case st == StatusTerminated:
		return ErrInvalidState

	case st == StatusNull && dir == DirectionOutgoing:
		s.mu.Lock()
		s.isCanceled = true
		s.cancelOpts = o
		s.mu.Unlock()
		return nil

	case st == StatusInviteSent && dir == DirectionOutgoing:
		s.mu.Lock()
		received100 := s.received100
		tx := s.clientTx
		s.mu.Unlock()
		if received100 && tx != nil {
			s.mu.Lock()
			s.isCanceled = true
			s.cancelOpts = o
			s.mu.Unlock()
			return tx.Cancel()
		}
		s.mu.Lock()
		s.isCanceled = true
		s.cancelOpts = o
		s.mu.Unlock()
		return nil

	case st == Status1xxReceived && dir == DirectionOutgoing:
		s.mu.Lock()
		tx := s.clientTx
		s.mu.Unlock()
		if tx == nil {
			return ErrInvalidState
		}
		s.mu.Lock()
		s.isCanceled = true
		s.cancelOpts = o
		s.mu.Unlock()
		return tx.Cancel()

	case (st == StatusWaitingForAnswer || st == StatusAnswered) && dir == DirectionIncoming:
		code := o.statusCode
		phrase := o.reasonPhrase
		if !o.hasCode {
			code, phrase = 480, reasonPhrase(480)
		} else if err := validateUASRejectStatusCode(code); err != nil {
			return err
		}
		headers := append([]sip.Header(nil), o.extraHeaders...)
		if o.hasCode {
			headers = append(headers, reasonHeader(code, phrase))
		}
		if err := s.replyUAS(code, phrase, headers, o.body); err != nil {
			return err
		}
		return s.enterFailed(CauseRejected, fmt.Errorf("terminated by local reject %d", code))

	case st == StatusWaitingForAck && dir == DirectionIncoming:
		return s.deferBye(o)

	case st == StatusWaitingForAck || st == StatusConfirmed:
		s.mu.Lock()
		dlg := s.confirmedDialog
		s.mu.Unlock()
		headers := append([]sip.Header(nil), o.extraHeaders...)
		if o.hasCode {
			headers = append(headers, reasonHeader(o.statusCode, o.reasonPhrase))
		}
		if dlg != nil {
			_, _ = dlg.SendRequest(context.Background(), sip.BYE, headers, o.body)
		}
		return s.emitEnded(terminateCause(o))

	default:
		return ErrInvalidState
	}
}

// terminateCause reports the cause to surface on the ended event Terminate
// emits, honoring a caller-supplied WithTerminateCause override and falling
// back to CauseBye (the ordinary hangup reason) otherwise.
func terminateCause(o *terminateOptions) Cause {
	if o.cause != "" {
		return o.cause
	}
	return CauseBye
}

// deferBye implements spec §4.1's deferred-BYE case: two mutually exclusive
// one-shot triggers (next ACK, or server-transaction TERMINATED), whichever
// fires first sends BYE and tears the dialog down; the other becomes a
// no-op. ended(local) fires immediately, before either trigger executes, but
// the actual teardown (closeWithCause) waits for a trigger: closing early
// would terminate the dialog before the deferred BYE ever has a chance to
// use it.
func (s *Session) deferBye(o *terminateOptions) error {
	cause := terminateCause(o)
	var once sync.Once
	fire := func() {
		once.Do(func() {
			s.mu.Lock()
			dlg := s.confirmedDialog
			s.mu.Unlock()

			if dlg != nil {
				headers := append([]sip.Header(nil), o.extraHeaders...)
				if o.hasCode {
					headers = append(headers, reasonHeader(o.statusCode, o.reasonPhrase))
				}
				_, _ = dlg.SendRequest(context.Background(), sip.BYE, headers, o.body)
			}
			s.closeWithCause(cause)
		})
	}

	s.mu.Lock()
	s.registry.Confirm(s.confirmedDialogKey, s)
	s.ackDeferredTrigger = fire
	s.mu.Unlock()

	if s.serverTx != nil {
		s.serverTx.OnTerminate(fire)
	}

	s.mu.Lock()
	already := s.endedSent
	if !already {
		s.endedSent = true
	}
	s.mu.Unlock()
	if !already {
		s.handlers.fireEnded(s, cause)
	}
	return nil
}

// sendDTMFTone is the dtmfScheduler's sendFn, delegating to the media
// handler.
func (s *Session) sendDTMFTone(ctx context.Context, tone byte, duration time.Duration) error {
	s.mu.Lock()
	media := s.mediaHandler
	s.mu.Unlock()
	if media == nil {
		return ErrInvalidState
	}
	return media.SendDTMF(ctx, tone, duration)
}

func (s *Session) onDTMFSent(tone byte) {
	defaultMetrics.dtmfSent()
	s.handlers.fireDTMF(s, tone)
}

// SendDTMF queues a tone string, per spec §4.5. Preconditions: status in
// {CONFIRMED, WAITING_FOR_ACK}.
func (s *Session) SendDTMF(tones string, opts ...DTMFOption) error {
	o := newDTMFOptions()
	for _, fn := range opts {
		fn(o)
	}

	s.mu.Lock()
	st := s.status.current()
	s.mu.Unlock()
	if st != StatusConfirmed && st != StatusWaitingForAck {
		return ErrInvalidState
	}
	return s.dtmf.enqueue(tones, o)
}

// enterFailed transitions to TERMINATED via closeWithCause and fires failed,
// enforcing the mutual exclusion with ended (spec invariant 6).
func (s *Session) enterFailed(cause Cause, err error) error {
	s.closeWithCause(cause)
	se := newSessionError(cause, s, err)

	s.mu.Lock()
	already := s.endedSent
	if !already {
		s.endedSent = true
	}
	s.mu.Unlock()
	if already {
		return se
	}
	s.handlers.fireFailed(s, se)
	return se
}

// emitEnded transitions to TERMINATED via closeWithCause and fires ended.
func (s *Session) emitEnded(cause Cause) error {
	s.closeWithCause(cause)

	s.mu.Lock()
	already := s.endedSent
	if !already {
		s.endedSent = true
	}
	s.mu.Unlock()
	if already {
		return nil
	}
	s.handlers.fireEnded(s, cause)
	return nil
}

// close implements spec §4.6: idempotent teardown of media, timers,
// dialogs, and registry entry, recording the termination under
// CauseInternalError. Callers that already know why the session ended
// should use closeWithCause so the metric reflects the real reason.
func (s *Session) close() {
	s.closeWithCause(CauseInternalError)
}

func (s *Session) closeWithCause(cause Cause) {
	s.mu.Lock()
	if s.status.isTerminated() {
		s.mu.Unlock()
		return
	}
	from := s.status.current()
	_ = s.status.fire(evTerminate)
	defaultMetrics.transition(from, StatusTerminated)

	media := s.mediaHandler
	confirmed := s.confirmedDialog
	early := s.earlyDialogs
	s.earlyDialogs = nil
	key := s.confirmedDialogKey
	callID := s.callID
	start := s.startTime
	s.endTime = time.Now()

	dialogID := ""
	if !key.IsZero() {
		dialogID = key.String()
	}
	logger := withStatus(withDialogID(s.log, dialogID), from)
	s.mu.Unlock()

	logger.Info().Str("cause", string(cause)).Msg("session terminated")

	if s.dtmf != nil {
		s.dtmf.close()
	}
	if media != nil {
		_ = media.Close()
	}
	s.timers.stopAll()
	if confirmed != nil {
		_ = confirmed.Terminate()
	}
	for _, d := range early {
		_ = d.Terminate()
	}
	if s.registry != nil {
		s.registry.Delete(key, callID)
	}

	duration := 0.0
	if !start.IsZero() {
		duration = s.endTime.Sub(start).Seconds()
	}
	defaultMetrics.terminated(cause, duration)
}

// Close is the exported, idempotent shutdown entry point (spec §4.6); it
// does not itself fire ended/failed, leaving that to the caller's chosen
// termination path.
func (s *Session) Close() {
	s.close()
}

// parseURI wraps sip.ParseUri's out-parameter form, mirroring the teacher's
// own ParseUri convenience wrapper (pkg/dialog/opts.go).
func parseURI(raw string) (sip.Uri, error) {
	var uri sip.Uri
	if err := sip.ParseUri(raw, &uri); err != nil {
		return uri, fmt.Errorf("session: parse uri %q: %w", raw, err)
	}
	return uri, nil
}

// replyUAS sends a response to the inbound INVITE through the replier
// InitIncoming (uas.go) builds around its respond func (a simpleReplier).
func (s *Session) replyUAS(code int, phrase string, headers []sip.Header, body []byte) error {
	s.mu.Lock()
	replier := s.replier
	s.mu.Unlock()
	if replier == nil {
		return ErrInvalidState
	}
	return replier.Reply(code, phrase, headers, body)
}
