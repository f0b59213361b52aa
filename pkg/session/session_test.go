package session_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/rtcsession/pkg/session"
)

// --- fakes, grounded on the teacher's own test doubles (pkg/dialog/mocks_test.go) ---

type fakeStream struct{ id string }

func (s *fakeStream) ID() string { return s.id }

type fakeMedia struct {
	mu          sync.Mutex
	offerBody   []byte
	answerBody  []byte
	remote      []session.MediaStream
	local       []session.MediaStream
	dtmfSent    []byte
	closeCalled bool
	onMessage   func(ctx context.Context, kind string, body *session.SDPBody) error
}

func (m *fakeMedia) GetUserMedia(ctx context.Context, c session.MediaConstraints) (session.MediaStream, error) {
	return &fakeStream{id: "local-1"}, nil
}

func (m *fakeMedia) AddStream(ctx context.Context, s session.MediaStream) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.local = append(m.local, s)
	return nil
}

func (m *fakeMedia) CreateOffer(ctx context.Context) (*session.SDPBody, error) {
	return &session.SDPBody{ContentType: "application/sdp", Raw: m.offerBody}, nil
}

func (m *fakeMedia) CreateAnswer(ctx context.Context) (*session.SDPBody, error) {
	return &session.SDPBody{ContentType: "application/sdp", Raw: m.answerBody}, nil
}

func (m *fakeMedia) OnMessage(ctx context.Context, kind string, body *session.SDPBody) error {
	if m.onMessage != nil {
		return m.onMessage(ctx, kind, body)
	}
	return nil
}

func (m *fakeMedia) SendDTMF(ctx context.Context, tone byte, d time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dtmfSent = append(m.dtmfSent, tone)
	return nil
}

func (m *fakeMedia) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeCalled = true
	return nil
}

func (m *fakeMedia) GetLocalStreams() []session.MediaStream  { return m.local }
func (m *fakeMedia) GetRemoteStreams() []session.MediaStream { return m.remote }

func newFakeMediaFactory(m *fakeMedia) session.MediaHandlerFactory {
	return func(map[string]string) (session.MediaHandler, error) { return m, nil }
}

type fakeClientTx struct {
	responses chan *sip.Response
	done      chan struct{}

	mu       sync.Mutex
	canceled bool
}

func newFakeClientTx() *fakeClientTx {
	return &fakeClientTx{responses: make(chan *sip.Response, 8), done: make(chan struct{})}
}

func (t *fakeClientTx) Responses() <-chan *sip.Response { return t.responses }
func (t *fakeClientTx) Done() <-chan struct{}            { return t.done }
func (t *fakeClientTx) Terminate()                       { close(t.done) }
func (t *fakeClientTx) Cancel() error {
	t.mu.Lock()
	t.canceled = true
	t.mu.Unlock()
	return nil
}

func (t *fakeClientTx) wasCanceled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.canceled
}

type sentRequest struct {
	method sip.RequestMethod
	body   []byte
}

type fakeDialog struct {
	mu     sync.Mutex
	key    session.DialogKey
	sent   []sentRequest
	nextTx session.ClientTransaction
}

func (d *fakeDialog) Key() session.DialogKey { return d.key }

func (d *fakeDialog) Update(msg sip.Message, role session.DialogRole) error { return nil }
func (d *fakeDialog) SendRequest(ctx context.Context, method sip.RequestMethod, headers []sip.Header, body []byte) (session.ClientTransaction, error) {
	d.mu.Lock()
	d.sent = append(d.sent, sentRequest{method: method, body: body})
	d.mu.Unlock()
	return d.nextTx, nil
}
func (d *fakeDialog) Terminate() error { return nil }

func (d *fakeDialog) sentMethods() []sip.RequestMethod {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]sip.RequestMethod, len(d.sent))
	for i, r := range d.sent {
		out[i] = r.method
	}
	return out
}

type fakeDialogFactory struct {
	mu      sync.Mutex
	dialogs []*fakeDialog
	keyFn   func(msg sip.Message, role session.DialogRole) session.DialogKey
}

func (f *fakeDialogFactory) NewDialog(sess *session.Session, msg sip.Message, role session.DialogRole) (session.Dialog, error) {
	key := session.DialogKey{CallID: sess.CallID(), LocalTag: "local", RemoteTag: "remote"}
	if f.keyFn != nil {
		key = f.keyFn(msg, role)
	}
	d := &fakeDialog{key: key}
	f.mu.Lock()
	f.dialogs = append(f.dialogs, d)
	f.mu.Unlock()
	return d, nil
}

type fakeSender struct {
	mu      sync.Mutex
	sent    []*sip.Request
	nextTx  session.ClientTransaction
	written []*sip.Request
	sendErr error
}

func (s *fakeSender) Send(ctx context.Context, req *sip.Request) (session.ClientTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return nil, s.sendErr
	}
	s.sent = append(s.sent, req)
	return s.nextTx, nil
}

func (s *fakeSender) WriteRequest(req *sip.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.written = append(s.written, req)
	return nil
}

func target() sip.Uri { return sip.Uri{Scheme: "sip", User: "bob", Host: "example.com"} }
func from() sip.Uri   { return sip.Uri{Scheme: "sip", User: "alice", Host: "example.com"} }

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	require.True(t, cond(), "condition not met within %s", timeout)
}

// TestConnectHappyPath walks a UAC through 100/180/200, checking ACK is sent
// and OnStarted fires exactly once.
func TestConnectHappyPath(t *testing.T) {
	media := &fakeMedia{offerBody: []byte("v=0\r\n")}
	tx := newFakeClientTx()
	sender := &fakeSender{nextTx: tx}
	dialogFactory := &fakeDialogFactory{}

	var started int
	var mu sync.Mutex
	handlers := session.Handlers{
		OnStarted: func(s *session.Session) {
			mu.Lock()
			started++
			mu.Unlock()
		},
	}

	deps := session.Deps{Sender: sender, DialogFactory: dialogFactory, Registry: session.NewRegistry()}
	s, err := session.Connect(context.Background(), target(), from(), deps, newFakeMediaFactory(media), handlers)
	require.NoError(t, err)
	require.NotNil(t, s)

	tx.responses <- &sip.Response{StatusCode: 100, Reason: "Trying"}
	resp200 := &sip.Response{StatusCode: 200, Reason: "OK"}
	resp200.SetBody([]byte("v=0\r\n"))
	tx.responses <- resp200

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return started == 1
	})

	require.Len(t, dialogFactory.dialogs, 1)
	assert.Equal(t, []sip.RequestMethod{sip.ACK}, dialogFactory.dialogs[0].sentMethods())
}

// TestConnectCancelBefore100 verifies Terminate called right after Connect
// returns (INVITE already sent, status INVITE_SENT, no 100 yet) succeeds by
// latching the cancel.
func TestConnectCancelBefore100(t *testing.T) {
	media := &fakeMedia{offerBody: []byte("v=0\r\n")}
	sender := &fakeSender{sendErr: nil, nextTx: newFakeClientTx()}
	dialogFactory := &fakeDialogFactory{}

	deps := session.Deps{Sender: sender, DialogFactory: dialogFactory, Registry: session.NewRegistry()}

	// Connect returns only after the INVITE has been sent; with no 100 yet,
	// Terminate latches the cancel and sends CANCEL once a 1xx arrives.
	s, err := session.Connect(context.Background(), target(), from(), deps, newFakeMediaFactory(media), session.Handlers{})
	require.NoError(t, err)
	err = s.Terminate()
	assert.NoError(t, err)
}

// TestAnswerHappyPath drives a UAS through InitIncoming -> Answer -> ACK.
func TestAnswerHappyPath(t *testing.T) {
	media := &fakeMedia{answerBody: []byte("v=0\r\n")}
	dialogFactory := &fakeDialogFactory{}

	invite := sip.NewRequest(sip.INVITE, target())
	callID := sip.CallIDHeader("call-1")
	invite.AppendHeader(&callID)
	fromHeader := &sip.FromHeader{Address: from(), Params: sip.NewParams()}
	fromHeader.Params["tag"] = "caller-tag"
	invite.AppendHeader(fromHeader)
	invite.AppendHeader(&sip.ToHeader{Address: target(), Params: sip.NewParams()})
	invite.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	invite.SetBody([]byte("v=0\r\n"))

	var responses []*sip.Response
	var mu sync.Mutex
	respond := func(r *sip.Response) error {
		mu.Lock()
		responses = append(responses, r)
		mu.Unlock()
		return nil
	}

	deps := session.Deps{Sender: &fakeSender{}, DialogFactory: dialogFactory, Registry: session.NewRegistry()}

	var connecting, started int
	handlers := session.Handlers{
		OnConnecting: func(s *session.Session) { connecting++ },
		OnStarted:    func(s *session.Session) { started++ },
	}

	s, err := session.InitIncoming(context.Background(), invite, respond, deps, newFakeMediaFactory(media), handlers)
	require.NoError(t, err)
	require.NotNil(t, s)

	mu.Lock()
	require.Len(t, responses, 1)
	assert.Equal(t, 180, responses[0].StatusCode)
	mu.Unlock()
	assert.Equal(t, 1, connecting)

	require.NoError(t, s.Answer(context.Background()))

	mu.Lock()
	require.Len(t, responses, 2)
	assert.Equal(t, 200, responses[1].StatusCode)
	mu.Unlock()
	assert.Equal(t, 1, started)

	ack := sip.NewRequest(sip.ACK, target())
	s.ReceiveRequest(ack)
}

// TestTerminateRejectsBeforeAnswer checks Terminate on an incoming session
// still WAITING_FOR_ANSWER replies with a final rejection and fires OnFailed.
func TestTerminateRejectsBeforeAnswer(t *testing.T) {
	media := &fakeMedia{}
	dialogFactory := &fakeDialogFactory{}

	invite := sip.NewRequest(sip.INVITE, target())
	callID := sip.CallIDHeader("call-2")
	invite.AppendHeader(&callID)
	invite.AppendHeader(&sip.FromHeader{Address: from(), Params: sip.NewParams()})
	invite.AppendHeader(&sip.ToHeader{Address: target(), Params: sip.NewParams()})
	invite.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	invite.SetBody([]byte("v=0\r\n"))

	var responses []*sip.Response
	respond := func(r *sip.Response) error {
		responses = append(responses, r)
		return nil
	}

	var failed int
	handlers := session.Handlers{OnFailed: func(s *session.Session, err *session.SessionError) {
		failed++
		assert.Equal(t, session.CauseRejected, err.Cause)
	}}

	deps := session.Deps{Sender: &fakeSender{}, DialogFactory: dialogFactory, Registry: session.NewRegistry()}
	s, err := session.InitIncoming(context.Background(), invite, respond, deps, newFakeMediaFactory(media), handlers)
	require.NoError(t, err)

	require.NoError(t, s.Terminate())
	require.Len(t, responses, 2) // 180 then the reject
	assert.Equal(t, 480, responses[1].StatusCode)
	assert.Equal(t, 1, failed)
}

// TestSendDTMFValidation checks invalid tone strings are rejected without
// touching the media layer.
func TestSendDTMFValidation(t *testing.T) {
	media := &fakeMedia{answerBody: []byte("v=0\r\n")}
	dialogFactory := &fakeDialogFactory{}
	invite := sip.NewRequest(sip.INVITE, target())
	callID := sip.CallIDHeader("call-3")
	invite.AppendHeader(&callID)
	invite.AppendHeader(&sip.FromHeader{Address: from(), Params: sip.NewParams()})
	invite.AppendHeader(&sip.ToHeader{Address: target(), Params: sip.NewParams()})
	invite.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	invite.SetBody([]byte("v=0\r\n"))

	deps := session.Deps{Sender: &fakeSender{}, DialogFactory: dialogFactory, Registry: session.NewRegistry()}
	s, err := session.InitIncoming(context.Background(), invite, func(*sip.Response) error { return nil }, deps, newFakeMediaFactory(media), session.Handlers{})
	require.NoError(t, err)

	// Not yet answered: SendDTMF must reject regardless of tone validity.
	assert.ErrorIs(t, s.SendDTMF("1"), session.ErrInvalidState)

	require.NoError(t, s.Answer(context.Background()))
	assert.ErrorIs(t, s.SendDTMF("12x"), session.ErrTypeError)

	require.NoError(t, s.SendDTMF("12", session.WithDTMFDuration(10*time.Millisecond), session.WithDTMFInterToneGap(5*time.Millisecond)))

	waitFor(t, time.Second, func() bool {
		media.mu.Lock()
		defer media.mu.Unlock()
		return len(media.dtmfSent) == 2
	})
	media.mu.Lock()
	assert.Equal(t, []byte{'1', '2'}, media.dtmfSent)
	media.mu.Unlock()
}

// fakeServerTx lets a test fire the TERMINATED signal on demand, standing in
// for sipadapter's wrap of sip.ServerTransaction.Done().
type fakeServerTx struct {
	mu      sync.Mutex
	fired   func()
	started bool
}

func (f *fakeServerTx) OnTerminate(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.started {
		return
	}
	f.started = true
	f.fired = fn
}

func (f *fakeServerTx) fire() {
	f.mu.Lock()
	fn := f.fired
	f.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// TestDeferredByeOnAckEndsOnce verifies OnEnded fires exactly once, before
// the BYE is sent, and that an out-of-order OnStarted never follows it.
func TestDeferredByeOnAckEndsOnce(t *testing.T) {
	media := &fakeMedia{answerBody: []byte("v=0\r\n")}
	dialogFactory := &fakeDialogFactory{}

	invite := sip.NewRequest(sip.INVITE, target())
	cid := sip.CallIDHeader("call-defer-ack-2")
	invite.AppendHeader(&cid)
	invite.AppendHeader(&sip.FromHeader{Address: from(), Params: sip.NewParams()})
	invite.AppendHeader(&sip.ToHeader{Address: target(), Params: sip.NewParams()})
	invite.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	invite.SetBody([]byte("v=0\r\n"))

	var ended, started int
	handlers := session.Handlers{
		OnEnded:   func(s *session.Session, cause session.Cause) { ended++ },
		OnStarted: func(s *session.Session) { started++ },
	}

	deps := session.Deps{Sender: &fakeSender{}, DialogFactory: dialogFactory, Registry: session.NewRegistry()}
	s, err := session.InitIncoming(context.Background(), invite, func(*sip.Response) error { return nil }, deps, newFakeMediaFactory(media), handlers)
	require.NoError(t, err)
	require.NoError(t, s.Answer(context.Background()))
	require.Len(t, dialogFactory.dialogs, 1)
	dlg := dialogFactory.dialogs[0]

	require.NoError(t, s.Terminate())
	assert.Equal(t, 1, ended, "OnEnded must fire immediately on deferred Terminate")
	assert.Empty(t, dlg.sentMethods(), "BYE must not go out before the ACK arrives")

	ack := sip.NewRequest(sip.ACK, target())
	s.ReceiveRequest(ack)

	assert.Equal(t, []sip.RequestMethod{sip.BYE}, dlg.sentMethods())
	assert.Equal(t, 1, started, "OnStarted fires only in Answer, never again once a deferred termination has already ended the call")
	assert.Equal(t, 1, ended)
}

// TestDeferredByeOnServerTransactionTerminate verifies the other trigger:
// the server transaction reaching TERMINATED sends the BYE even if no ACK
// ever arrives, and a late ACK afterward is a no-op.
func TestDeferredByeOnServerTransactionTerminate(t *testing.T) {
	media := &fakeMedia{answerBody: []byte("v=0\r\n")}
	dialogFactory := &fakeDialogFactory{}

	invite := sip.NewRequest(sip.INVITE, target())
	cid := sip.CallIDHeader("call-defer-tx")
	invite.AppendHeader(&cid)
	invite.AppendHeader(&sip.FromHeader{Address: from(), Params: sip.NewParams()})
	invite.AppendHeader(&sip.ToHeader{Address: target(), Params: sip.NewParams()})
	invite.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	invite.SetBody([]byte("v=0\r\n"))

	deps := session.Deps{Sender: &fakeSender{}, DialogFactory: dialogFactory, Registry: session.NewRegistry()}
	s, err := session.InitIncoming(context.Background(), invite, func(*sip.Response) error { return nil }, deps, newFakeMediaFactory(media), session.Handlers{})
	require.NoError(t, err)
	require.NoError(t, s.Answer(context.Background()))
	require.Len(t, dialogFactory.dialogs, 1)
	dlg := dialogFactory.dialogs[0]

	tx := &fakeServerTx{}
	s.AttachServerTransaction(tx)

	require.NoError(t, s.Terminate())
	assert.Empty(t, dlg.sentMethods())

	tx.fire()
	assert.Equal(t, []sip.RequestMethod{sip.BYE}, dlg.sentMethods())

	// A late ACK must not re-send the BYE.
	ack := sip.NewRequest(sip.ACK, target())
	s.ReceiveRequest(ack)
	assert.Equal(t, []sip.RequestMethod{sip.BYE}, dlg.sentMethods())
}
