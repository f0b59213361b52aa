package session

import (
	"context"
	"strings"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
)

// InitIncoming is the UAS entry point for a fresh INVITE (C3), per spec
// §4.3. req must already carry a body and Content-Type: application/sdp —
// InitIncoming replies 415 and returns nil otherwise, matching the
// collaborator-level "reply directly, no Session created" shape used by
// every other precondition failure in this core.
func InitIncoming(ctx context.Context, req *sip.Request, respond func(*sip.Response) error, deps Deps, mediaFactory MediaHandlerFactory, handlers Handlers) (*Session, error) {
	ct := contentType(req)
	if len(req.Body()) == 0 || !strings.Contains(strings.ToLower(ct), "application/sdp") {
		resp := sip.NewResponseFromRequest(req, 415, reasonPhrase(415), nil)
		_ = respond(resp)
		return nil, nil
	}

	callID := ""
	if h := req.CallID(); h != nil {
		callID = h.Value()
	}
	fromTag := ""
	if from := req.From(); from != nil && from.Params != nil {
		fromTag = from.Params["tag"]
	}
	toTag := uuid.NewString()

	s := newSession(DirectionIncoming, callID, deps, handlers)
	s.remoteTag = fromTag
	s.localTag = toTag
	s.initialInvite = req
	if from := req.From(); from != nil {
		s.remoteURI = from.Address
	}
	if to := req.To(); to != nil {
		s.localURI = to.Address
	}
	s.replier = &simpleReplier{req: req, respond: respond}

	media, err := mediaFactory(nil)
	if err != nil {
		_ = respond(sip.NewResponseFromRequest(req, 500, reasonPhrase(500), nil))
		s.close()
		return nil, newSessionError(CauseWebRTCError, s, err)
	}
	s.mediaHandler = media
	s.dtmf = newDTMFScheduler(s.sendDTMFTone, s.onDTMFSent)
	defaultMetrics.created(DirectionIncoming)

	s.mu.Lock()
	_ = s.status.fire(evUASInvite)
	s.mu.Unlock()

	offer, err := ParseSDPBody(ct, req.Body())
	if err != nil {
		_ = s.replyUAS(488, reasonPhrase(488), nil, nil)
		s.close()
		return nil, newSessionError(CauseBadMediaDescription, s, err)
	}
	if err := media.OnMessage(ctx, "offer", offer); err != nil {
		_ = s.replyUAS(488, reasonPhrase(488), nil, nil)
		s.close()
		return nil, newSessionError(CauseBadMediaDescription, s, err)
	}

	toHeader := &sip.ToHeader{Address: s.localURI, Params: sip.NewParams()}
	toHeader.Params["tag"] = toTag
	contact := &sip.ContactHeader{Address: s.localURI}
	if err := s.replyUAS(180, reasonPhrase(180), []sip.Header{toHeader, contact}, nil); err != nil {
		s.close()
		return nil, newSessionError(CauseConnectionError, s, err)
	}

	s.mu.Lock()
	_ = s.status.fire(evOfferAccepted)
	if s.noAnswerTimeout > 0 {
		s.timers.armNoAnswer(s.noAnswerTimeout, s.onNoAnswerTimeout)
	}
	if exp := req.GetHeader("Expires"); exp != nil {
		if secs := parseExpiresSeconds(exp.Value()); secs > 0 {
			s.timers.armExpires(time.Duration(secs)*time.Second, s.onExpiresTimeout)
		}
	}
	s.mu.Unlock()

	s.handlers.fireConnecting(s)
	return s, nil
}

// simpleReplier adapts a bare respond func (no separate ServerTransaction
// abstraction) into IncomingMessageReplier, for callers that hand InitIncoming
// a plain "send this response" closure rather than a full ServerTransaction.
type simpleReplier struct {
	req     *sip.Request
	respond func(*sip.Response) error
}

func (r *simpleReplier) Reply(code int, phrase string, headers []sip.Header, body []byte) error {
	resp := sip.NewResponseFromRequest(r.req, code, phrase, body)
	applyReplyHeaders(resp, headers)
	if body != nil {
		resp.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	}
	return r.respond(resp)
}

// applyReplyHeaders merges extra headers onto a response already built by
// sip.NewResponseFromRequest. A *sip.ToHeader is special-cased: the response
// already carries a To header cloned from the request, so a caller supplying
// one (to add the local tag) must merge its tag into that existing header
// rather than append a second, duplicate To.
func applyReplyHeaders(resp *sip.Response, headers []sip.Header) {
	for _, h := range headers {
		if to, ok := h.(*sip.ToHeader); ok {
			if respTo := resp.To(); respTo != nil {
				if respTo.Params == nil {
					respTo.Params = sip.NewParams()
				}
				if tag, ok := to.Params["tag"]; ok {
					respTo.Params["tag"] = tag
				}
				continue
			}
		}
		resp.AppendHeader(h)
	}
}

func parseExpiresSeconds(v string) int64 {
	var n int64
	for i := 0; i < len(v); i++ {
		if v[i] < '0' || v[i] > '9' {
			return 0
		}
		n = n*10 + int64(v[i]-'0')
	}
	return n
}

// onNoAnswerTimeout implements userNoAnswerTimer firing (spec §4.4).
func (s *Session) onNoAnswerTimeout() {
	s.mu.Lock()
	if !s.status.is(StatusWaitingForAnswer) {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	_ = s.replyUAS(408, reasonPhrase(408), nil, nil)
	s.enterFailed(CauseNoAnswer, nil)
}

// onExpiresTimeout implements expiresTimer firing (spec §4.4).
func (s *Session) onExpiresTimeout() {
	s.mu.Lock()
	if !s.status.is(StatusWaitingForAnswer) {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	_ = s.replyUAS(487, reasonPhrase(487), nil, nil)
	s.enterFailed(CauseExpires, nil)
}

// ReceiveRequest is the in-dialog and CANCEL dispatch table (C3), per spec
// §4.3.
func (s *Session) ReceiveRequest(req *sip.Request) {
	s.mu.Lock()
	st := s.status.current()
	s.mu.Unlock()

	switch req.Method {
	case sip.CANCEL:
		if st != StatusWaitingForAnswer {
			return
		}
		s.mu.Lock()
		_ = s.status.fire(evCancelReceived)
		s.mu.Unlock()
		_ = s.replyUAS(487, reasonPhrase(487), nil, nil)
		s.enterFailed(CauseCanceled, nil)

	case sip.ACK:
		if st != StatusWaitingForAck {
			return
		}
		s.mu.Lock()
		s.timers.stopAckWait()
		s.timers.stopRetransmit2xx()
		_ = s.status.fire(evAckReceived)
		trigger := s.ackDeferredTrigger
		s.mu.Unlock()
		if trigger != nil {
			// A deferred termination was already armed by Terminate; OnEnded
			// fired at that point, so this ACK only unblocks the queued BYE.
			// OnStarted already fired in Answer and does not fire again here.
			trigger()
			return
		}

	case sip.BYE:
		if st != StatusConfirmed {
			return
		}
		_ = s.replyUAS(200, reasonPhrase(200), nil, nil)
		s.emitEnded(CauseBye)

	case sip.INVITE:
		if st != StatusConfirmed {
			return
		}
		s.log.Info().Msg("received re-INVITE; renegotiation is not supported, ignoring body")

	case sip.INFO:
		if st != StatusConfirmed && st != StatusWaitingForAck {
			return
		}
		ct := strings.ToLower(contentType(req))
		if strings.Contains(ct, "application/dtmf-relay") {
			s.receiveDTMFInfo(req)
		}
	}
}

// receiveDTMFInfo handles an inbound INFO carrying application/dtmf-relay,
// emitting newDTMF per spec's open question ("implementers should emit it
// from the DTMF receiver").
func (s *Session) receiveDTMFInfo(req *sip.Request) {
	tone := parseDTMFRelayBody(req.Body())
	_ = s.replyUAS(200, reasonPhrase(200), nil, nil)
	if tone != 0 {
		s.handlers.fireDTMF(s, tone)
	}
}

// parseDTMFRelayBody extracts the "Signal=" value from an
// application/dtmf-relay body, per the de-facto INFO-DTMF format.
func parseDTMFRelayBody(body []byte) byte {
	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimSpace(line)
		if after, ok := strings.CutPrefix(strings.ToLower(line), "signal="); ok {
			v := strings.TrimSpace(after)
			if len(v) > 0 {
				return strings.ToUpper(v)[0]
			}
		}
	}
	return 0
}
