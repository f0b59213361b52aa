package session

import (
	"context"
	"time"

	"github.com/emiago/sipgo/sip"
)

// startOfferPipeline acquires media, builds the SDP offer, and dispatches
// the INVITE, per spec §4.1's "delegates to §4.2 offer-send pipeline".
// Honors a cancellation latched by Terminate before the request ever
// reaches the wire (spec §4.1, NULL/outgoing row).
func (s *Session) startOfferPipeline(ctx context.Context, req *sip.Request, o *connectOptions) error {
	s.mu.Lock()
	canceled := s.isCanceled
	s.mu.Unlock()
	if canceled {
		return s.enterFailed(CauseCanceled, nil)
	}

	var stream MediaStream
	var err error
	if o.mediaStream != nil {
		stream = o.mediaStream
	} else {
		stream, err = s.mediaHandler.GetUserMedia(ctx, o.mediaConstraints)
		if err != nil {
			return s.enterFailed(CauseUserDeniedMediaAccess, err)
		}
	}
	if err := s.mediaHandler.AddStream(ctx, stream); err != nil {
		return s.enterFailed(CauseWebRTCError, err)
	}
	s.mu.Lock()
	s.localStreams = append(s.localStreams, stream)
	s.mu.Unlock()

	offer, err := s.mediaHandler.CreateOffer(ctx)
	if err != nil {
		return s.enterFailed(CauseWebRTCError, err)
	}
	req.SetBody(offer.Raw)

	s.mu.Lock()
	canceled = s.isCanceled
	s.mu.Unlock()
	if canceled {
		return s.enterFailed(CauseCanceled, nil)
	}

	tx, err := s.sender.Send(ctx, req)
	if err != nil {
		return s.enterFailed(CauseConnectionError, err)
	}
	s.mu.Lock()
	s.clientTx = tx
	s.mu.Unlock()

	go s.pumpResponses(tx)
	return nil
}

// pumpResponses feeds every response delivered on tx into ReceiveResponse,
// in arrival order, until the transaction completes (spec §5 "messages
// delivered to the session are processed in the order received").
func (s *Session) pumpResponses(tx ClientTransaction) {
	for {
		select {
		case resp, ok := <-tx.Responses():
			if !ok {
				return
			}
			s.ReceiveResponse(resp)
		case <-tx.Done():
			return
		}
	}
}

// ReceiveResponse is the UAC response handler (C2), entered for every
// response to the initial INVITE.
func (s *Session) ReceiveResponse(resp *sip.Response) {
	s.mu.Lock()
	st := s.status.current()
	confirmedKey := s.confirmedDialogKey
	hasConfirmed := s.confirmedDialog != nil
	canceled := s.isCanceled
	s.mu.Unlock()

	code := resp.StatusCode

	// Rule 1: 2xx retransmission / forked 2xx against an already-confirmed dialog.
	if hasConfirmed && code >= 200 && code < 300 {
		if responseDialogKey(resp, confirmedKey.LocalTag) == confirmedKey {
			s.ackDialog(s.confirmedDialog, resp)
			return
		}
		s.acceptAndTerminateForked(resp)
		return
	}

	// Rule 2: drop once past the initial-INVITE window.
	if st != StatusInviteSent && st != Status1xxReceived {
		return
	}

	// Rule 3: cancel race. terminate() in 1XX_RECEIVED sends CANCEL, and
	// whatever final response the transaction settles on (the 487 the
	// CANCEL provoked, or any other final response racing it) reports
	// failed(local, CANCELED) rather than the response's own status class.
	if canceled {
		if code >= 100 && code < 200 {
			s.mu.Lock()
			tx := s.clientTx
			s.mu.Unlock()
			if tx != nil {
				_ = tx.Cancel()
			}
			return
		}
		if code >= 200 && code < 300 {
			s.acceptAndTerminate(resp, 487, reasonPhrase(487))
		}
		s.enterFailed(CauseCanceled, nil)
		return
	}

	switch {
	case code == 100:
		s.mu.Lock()
		s.received100 = true
		s.mu.Unlock()

	case code >= 101 && code < 200:
		if toTag(resp) == "" {
			return
		}
		if hasContact(resp) {
			dlg, err := s.dialogFactory.NewDialog(s, resp, DialogRoleUAC)
			if err == nil {
				key := dlg.Key()
				s.mu.Lock()
				s.earlyDialogs[key] = dlg
				s.mu.Unlock()
			}
		}
		s.mu.Lock()
		_ = s.status.fire(evProvisional)
		s.mu.Unlock()
		body, _ := ParseSDPBody(contentType(resp), resp.Body())
		s.handlers.fireProgress(s, code, body)

	case code >= 200 && code < 300:
		s.handleInviteSuccess(resp)

	case code >= 300 && code < 700:
		cause := causeForStatus(code)
		s.enterFailed(cause, nil)
	}
}

// handleInviteSuccess implements spec §4.2's 200-299 branch: body required,
// dialog confirmation, offer/answer completion, ACK.
func (s *Session) handleInviteSuccess(resp *sip.Response) {
	if len(resp.Body()) == 0 {
		s.acceptAndTerminate(resp, 400, "Bad Request")
		s.enterFailed(CauseBadMediaDescription, nil)
		return
	}

	dlg, err := s.dialogFactory.NewDialog(s, resp, DialogRoleUAC)
	if err != nil {
		s.enterFailed(CauseDialogError, err)
		return
	}

	answer, err := ParseSDPBody(contentType(resp), resp.Body())
	if err != nil {
		s.acceptAndTerminate(resp, 488, reasonPhrase(488))
		s.enterFailed(CauseBadMediaDescription, err)
		return
	}

	if err := s.mediaHandler.OnMessage(context.Background(), "answer", answer); err != nil {
		s.acceptAndTerminate(resp, 488, reasonPhrase(488))
		s.enterFailed(CauseBadMediaDescription, err)
		return
	}

	s.mu.Lock()
	s.confirmedDialog = dlg
	s.confirmedDialogKey = dlg.Key()
	delete(s.earlyDialogs, dlg.Key())
	s.startTime = time.Now()
	_ = s.status.fire(evEstablished)
	s.mu.Unlock()

	if s.registry != nil {
		s.registry.Confirm(dlg.Key(), s)
	}

	_, _ = dlg.SendRequest(context.Background(), sip.ACK, nil, nil)
	s.handlers.fireStarted(s)
}

// ackDialog ACKs a retransmitted 2xx matching the confirmed dialog, per
// spec §4.2 rule 1: exactly one ACK, no further state change.
func (s *Session) ackDialog(dlg Dialog, resp *sip.Response) {
	if dlg == nil {
		return
	}
	_, _ = dlg.SendRequest(context.Background(), sip.ACK, nil, nil)
}

// acceptAndTerminate implements spec §4.2's "accept-and-terminate helper":
// ACK the 2xx, then send an in-dialog BYE carrying a Reason header. This is
// the only way to reject media after a dialog exists.
func (s *Session) acceptAndTerminate(resp *sip.Response, code int, phrase string) {
	dlg, err := s.dialogFactory.NewDialog(s, resp, DialogRoleUAC)
	if err != nil {
		return
	}
	_, _ = dlg.SendRequest(context.Background(), sip.ACK, nil, nil)
	_, _ = dlg.SendRequest(context.Background(), sip.BYE, []sip.Header{reasonHeader(code, phrase)}, nil)
	_ = dlg.Terminate()
}

// acceptAndTerminateForked handles a secondary 2xx from an alternate
// branch, per spec §4.2 rule 1 and §7 "forked-branch errors": build a
// transient dialog, ACK then BYE it, and swallow any transport error so the
// primary session is never affected.
func (s *Session) acceptAndTerminateForked(resp *sip.Response) {
	dlg, err := s.dialogFactory.NewDialog(s, resp, DialogRoleUAC)
	if err != nil {
		return
	}
	defer func() { _ = dlg.Terminate() }()
	if _, err := dlg.SendRequest(context.Background(), sip.ACK, nil, nil); err != nil {
		return
	}
	_, _ = dlg.SendRequest(context.Background(), sip.BYE, []sip.Header{reasonHeader(200, reasonPhrase(200))}, nil)
}

func responseDialogKey(resp *sip.Response, localTag string) DialogKey {
	callID := ""
	if h := resp.CallID(); h != nil {
		callID = h.Value()
	}
	return DialogKey{
		CallID:    callID,
		LocalTag:  localTag,
		RemoteTag: toTag(resp),
	}
}

// toTag extracts the To-header tag, per the teacher's req.To().Params["tag"]
// access pattern (pkg/dialog/handlers.go).
func toTag(resp *sip.Response) string {
	to := resp.To()
	if to == nil || to.Params == nil {
		return ""
	}
	return to.Params["tag"]
}

func hasContact(resp *sip.Response) bool {
	return resp.GetHeader("Contact") != nil
}

// contentType reads the Content-Type header value, defaulting to empty so
// ParseSDPBody can apply its own application/sdp default.
func contentType(msg sip.Message) string {
	h := msg.GetHeader("Content-Type")
	if h == nil {
		return ""
	}
	return h.Value()
}
