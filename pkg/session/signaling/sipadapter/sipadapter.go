// Package sipadapter wires the session package's signaling ports
// (session.RequestSender, session.ClientTransaction, session.ServerTransaction,
// session.Dialog, session.DialogFactory) onto real github.com/emiago/sipgo
// types, following the same client/server/transaction plumbing the teacher's
// Stack builds in pkg/dialog/stack.go.
package sipadapter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/rtcsession/pkg/session"
)

// UA bundles the sipgo client/server pair a process needs to both place and
// accept calls, grounded on the teacher's Stack.ua/server/client triple
// (pkg/dialog/stack.go).
type UA struct {
	ua     *sipgo.UserAgent
	server *sipgo.Server
	client *sipgo.Client

	contact sip.ContactHeader
}

// NewUA constructs the sipgo UserAgent/Server/Client triple. contact is the
// Contact header of every in-dialog request sent through a dialog built by
// this UA's DialogFactory; the initial INVITE and the responses carry the
// Contact the session core builds.
func NewUA(userAgentName string, contact sip.ContactHeader) (*UA, error) {
	ua, err := sipgo.NewUA(sipgo.WithUserAgent(userAgentName))
	if err != nil {
		return nil, fmt.Errorf("sipadapter: new user agent: %w", err)
	}
	server, err := sipgo.NewServer(ua)
	if err != nil {
		return nil, fmt.Errorf("sipadapter: new server: %w", err)
	}
	client, err := sipgo.NewClient(ua)
	if err != nil {
		return nil, fmt.Errorf("sipadapter: new client: %w", err)
	}
	return &UA{ua: ua, server: server, client: client, contact: contact}, nil
}

// ListenAndServe starts the transport loop, per sipgo.Server's own contract.
func (u *UA) ListenAndServe(ctx context.Context, network, addr string) error {
	return u.server.ListenAndServe(ctx, network, addr)
}

// OnIncomingInvite registers the fresh-INVITE entry point. handler is
// expected to call session.InitIncoming and then drive the returned
// *session.Session from further requests via OnInDialogRequest.
func (u *UA) OnIncomingInvite(handler func(req *sip.Request, tx sip.ServerTransaction)) {
	u.server.OnInvite(handler)
}

// OnInDialogRequest registers the handler for a method that arrives after
// the initial INVITE (ACK, BYE, CANCEL, INFO). The caller looks up the
// owning *session.Session (by Call-ID, via session.Registry) and calls its
// ReceiveRequest. Both this and OnIncomingInvite register on the server's
// per-method handler, so registering sip.INVITE here replaces the
// OnIncomingInvite handler; re-INVITEs reach the OnIncomingInvite handler.
func (u *UA) OnInDialogRequest(method sip.RequestMethod, handler func(req *sip.Request, tx sip.ServerTransaction)) {
	u.server.OnRequest(method, handler)
}

// Sender adapts UA's client into session.RequestSender.
func (u *UA) Sender() session.RequestSender {
	return &requestSender{client: u.client}
}

// DialogFactory adapts UA into session.DialogFactory, building dialogs
// keyed off whichever message (request or response) first carries both tags.
func (u *UA) DialogFactory() session.DialogFactory {
	return &dialogFactory{client: u.client, contact: u.contact}
}

type requestSender struct {
	client *sipgo.Client
}

// Send mirrors the teacher's Stack.NewInvite path: s.client.TransactionRequest
// returns the sip.ClientTransaction this package's ClientTransaction port
// wraps directly (pkg/dialog/stack.go:474).
func (s *requestSender) Send(ctx context.Context, req *sip.Request) (session.ClientTransaction, error) {
	tx, err := s.client.TransactionRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	return &clientTransaction{tx: tx, client: s.client, req: req}, nil
}

// WriteRequest sends req outside any transaction. The session core does not
// call it; dialog.SendRequest sends ACK through the client directly.
func (s *requestSender) WriteRequest(req *sip.Request) error {
	return s.client.WriteRequest(req)
}

// clientTransaction wraps sip.ClientTransaction, adding CANCEL support the
// raw sipgo type doesn't provide on its own — grounded on the teacher's own
// TX.Cancel (pkg/dialog/stateTX.go), which likewise hand-builds a CANCEL
// from the original INVITE's Via/Route/From/To/Call-ID/CSeq rather than
// relying on any Cancel method of sip.ClientTransaction itself.
type clientTransaction struct {
	tx     sip.ClientTransaction
	client *sipgo.Client
	req    *sip.Request
}

func (c *clientTransaction) Responses() <-chan *sip.Response { return c.tx.Responses() }
func (c *clientTransaction) Done() <-chan struct{}            { return c.tx.Done() }
func (c *clientTransaction) Terminate()                       { c.tx.Terminate() }

func (c *clientTransaction) Cancel() error {
	cancel := sip.NewRequest(sip.CANCEL, c.req.Recipient)
	cancel.SipVersion = c.req.SipVersion
	if via := c.req.Via(); via != nil {
		cancel.AppendHeader(via.Clone())
	}
	sip.CopyHeaders("Route", c.req, cancel)
	maxForwards := sip.MaxForwardsHeader(70)
	cancel.AppendHeader(&maxForwards)
	if h := c.req.From(); h != nil {
		cancel.AppendHeader(sip.HeaderClone(h))
	}
	if h := c.req.To(); h != nil {
		cancel.AppendHeader(sip.HeaderClone(h))
	}
	if h := c.req.CallID(); h != nil {
		cancel.AppendHeader(sip.HeaderClone(h))
	}
	if h := c.req.CSeq(); h != nil {
		cseq := sip.HeaderClone(h).(*sip.CSeqHeader)
		cseq.MethodName = sip.CANCEL
		cancel.AppendHeader(cseq)
	}
	cancel.SetTransport(c.req.Transport())
	cancel.SetSource(c.req.Source())
	cancel.SetDestination(c.req.Destination())

	_, err := c.client.TransactionRequest(context.Background(), cancel)
	return err
}

// serverTransaction adapts sip.ServerTransaction into session.ServerTransaction,
// translating its state-change channel into the one-shot OnTerminate callback
// the core expects for the deferred-BYE case (spec §4.1).
type serverTransaction struct {
	tx sip.ServerTransaction

	mu      sync.Mutex
	started bool
}

func newServerTransaction(tx sip.ServerTransaction) *serverTransaction {
	return &serverTransaction{tx: tx}
}

func (s *serverTransaction) OnTerminate(fire func()) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	go func() {
		<-s.tx.Done()
		fire()
	}()
}

// serverReplier adapts sip.ServerTransaction.Respond into
// session.IncomingMessageReplier, building the response from the original
// request via sip.NewResponseFromRequest, the same helper every handler in
// the teacher's pkg/dialog/handlers.go uses.
type serverReplier struct {
	req *sip.Request
	tx  sip.ServerTransaction
}

func (r *serverReplier) Reply(code int, phrase string, headers []sip.Header, body []byte) error {
	resp := sip.NewResponseFromRequest(r.req, code, phrase, body)
	// sip.NewResponseFromRequest already clones the request's To header; a
	// caller-supplied *sip.ToHeader (carrying the local tag) merges into that
	// clone instead of appending a duplicate To.
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
	return r.tx.Respond(resp)
}

// NewIncomingReplier builds the (respond func, ServerTransaction) pair
// session.InitIncoming and Session.deferBye need, from a raw sipgo
// ServerTransaction delivered by UA.OnIncomingInvite.
func NewIncomingReplier(req *sip.Request, tx sip.ServerTransaction) (func(*sip.Response) error, session.ServerTransaction) {
	respond := func(resp *sip.Response) error { return tx.Respond(resp) }
	return respond, newServerTransaction(tx)
}

// AttachReplier returns a session.IncomingMessageReplier that answers req on
// tx. It does not attach anything to a *session.Session: a Session replies
// only through the replier session.InitIncoming builds around its respond
// func.
func AttachReplier(req *sip.Request, tx sip.ServerTransaction) *serverReplier {
	return &serverReplier{req: req, tx: tx}
}

// dialogFactory builds session.Dialog values wrapping an in-dialog request
// target, grounded on the teacher's Stack constructing a Dialog from the
// INVITE/response pair that confirms it (pkg/dialog/handlers.go,
// pkg/dialog/stack.go).
type dialogFactory struct {
	client  *sipgo.Client
	contact sip.ContactHeader
}

func (f *dialogFactory) NewDialog(sess *session.Session, msg sip.Message, role session.DialogRole) (session.Dialog, error) {
	req, resp := splitMessage(msg)
	if req == nil && resp == nil {
		return nil, errors.New("sipadapter: message is neither request nor response")
	}

	d := &dialog{client: f.client, contact: f.contact}
	if err := d.update(sess, msg, role); err != nil {
		return nil, err
	}
	return d, nil
}

func splitMessage(msg sip.Message) (*sip.Request, *sip.Response) {
	if req, ok := msg.(*sip.Request); ok {
		return req, nil
	}
	if resp, ok := msg.(*sip.Response); ok {
		return nil, resp
	}
	return nil, nil
}

// dialog is a minimal RFC 3261 §12 dialog: enough route-set/target/CSeq
// state to build correctly addressed in-dialog requests. Narrowed from the
// teacher's Dialog (pkg/dialog/dialog.go), which additionally tracks
// transfer/refer/media state this package doesn't own.
type dialog struct {
	mu sync.Mutex

	client  *sipgo.Client
	contact sip.ContactHeader

	key          session.DialogKey
	localURI     sip.Uri
	remoteURI    sip.Uri
	remoteTarget sip.Uri
	routeSet     []sip.RouteHeader

	// inviteSeq is the original INVITE's CSeq number. The UAC's ACK to the
	// 2xx that confirmed this dialog must carry that exact number (RFC 3261
	// §13.2.2.4); every other in-dialog request this side sends increments
	// past it. Unused on the UAS side, which mints its own local sequence.
	inviteSeq uint32
	localSeq  uint32
}

func (d *dialog) Key() session.DialogKey {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.key
}

// Update implements session.Dialog. With no session to consult, a UAS-role
// message whose To header carries no tag leaves the local tag empty.
func (d *dialog) Update(msg sip.Message, role session.DialogRole) error {
	return d.update(nil, msg, role)
}

func (d *dialog) update(sess *session.Session, msg sip.Message, role session.DialogRole) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var callID, localTag, remoteTag string
	switch role {
	case session.DialogRoleUAC:
		if h := msg.CallID(); h != nil {
			callID = h.Value()
		}
		if from := msg.From(); from != nil {
			d.localURI = from.Address
			if from.Params != nil {
				localTag = from.Params["tag"]
			}
		}
		if to := msg.To(); to != nil {
			d.remoteURI = to.Address
			if to.Params != nil {
				remoteTag = to.Params["tag"]
			}
		}
		if cseq := msg.CSeq(); cseq != nil {
			d.inviteSeq = cseq.SeqNo
			d.localSeq = cseq.SeqNo
		}
	case session.DialogRoleUAS:
		if h := msg.CallID(); h != nil {
			callID = h.Value()
		}
		if to := msg.To(); to != nil {
			d.localURI = to.Address
			if to.Params != nil {
				localTag = to.Params["tag"]
			}
		}
		// The initial INVITE's To header carries no tag yet (the UAS mints
		// it when replying); fall back to the session's own local tag.
		if localTag == "" && sess != nil {
			localTag = sess.LocalTag()
		}
		if from := msg.From(); from != nil {
			d.remoteURI = from.Address
			if from.Params != nil {
				remoteTag = from.Params["tag"]
			}
		}
	}
	d.key = session.DialogKey{CallID: callID, LocalTag: localTag, RemoteTag: remoteTag}

	if contact := msg.GetHeader("Contact"); contact != nil {
		var uri sip.Uri
		if err := sip.ParseUri(stripAngleBrackets(contact.Value()), &uri); err == nil {
			d.remoteTarget = uri
		}
	}
	if resp, ok := msg.(*sip.Response); ok {
		recordRoutes := resp.GetHeaders("Record-Route")
		routes := make([]sip.RouteHeader, 0, len(recordRoutes))
		for i := len(recordRoutes) - 1; i >= 0; i-- {
			var uri sip.Uri
			if err := sip.ParseUri(stripAngleBrackets(recordRoutes[i].Value()), &uri); err == nil {
				routes = append(routes, sip.RouteHeader{Address: uri})
			}
		}
		d.routeSet = routes
	}
	return nil
}

func (d *dialog) SendRequest(ctx context.Context, method sip.RequestMethod, extraHeaders []sip.Header, body []byte) (session.ClientTransaction, error) {
	d.mu.Lock()
	target := d.remoteTarget
	key := d.key
	localURI := d.localURI
	remoteURI := d.remoteURI
	routeSet := append([]sip.RouteHeader(nil), d.routeSet...)

	var seq uint32
	if method == sip.ACK {
		seq = d.inviteSeq
	} else {
		d.localSeq++
		seq = d.localSeq
	}
	d.mu.Unlock()

	req := sip.NewRequest(method, target)
	callID := sip.CallIDHeader(key.CallID)
	req.AppendHeader(&callID)
	fromHeader := &sip.FromHeader{Address: localURI, Params: sip.NewParams()}
	fromHeader.Params["tag"] = key.LocalTag
	req.AppendHeader(fromHeader)
	toHeader := &sip.ToHeader{Address: remoteURI, Params: sip.NewParams()}
	toHeader.Params["tag"] = key.RemoteTag
	req.AppendHeader(toHeader)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: seq, MethodName: method})
	req.AppendHeader(&d.contact)
	for _, rt := range routeSet {
		req.AppendHeader(&sip.RouteHeader{Address: rt.Address})
	}
	for _, h := range extraHeaders {
		req.AppendHeader(h)
	}
	if body != nil {
		req.SetBody(body)
	}

	if method == sip.ACK {
		if err := d.client.WriteRequest(req); err != nil {
			return nil, err
		}
		return nil, nil
	}

	tx, err := d.client.TransactionRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	return &clientTransaction{tx: tx, client: d.client, req: req}, nil
}

func (d *dialog) Terminate() error {
	return nil
}

func stripAngleBrackets(raw string) string {
	s := raw
	if i := strings.IndexByte(s, '<'); i >= 0 {
		s = s[i+1:]
	}
	if i := strings.IndexByte(s, '>'); i >= 0 {
		s = s[:i]
	}
	return s
}
