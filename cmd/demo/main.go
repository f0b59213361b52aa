// Command demo wires session.Session onto a real SIP transport via
// sipadapter, standing up either a server that answers incoming calls or a
// client that places one, for manual interop testing.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/rs/zerolog"

	"github.com/arzzra/rtcsession/pkg/session"
	"github.com/arzzra/rtcsession/pkg/session/signaling/sipadapter"
)

func main() {
	var (
		listenAddr = flag.String("listen", "127.0.0.1:5060", "listen address")
		username   = flag.String("user", "alice", "local username")
		domain     = flag.String("domain", "example.com", "local domain")
		mode       = flag.String("mode", "server", "mode: server or client")
		target     = flag.String("target", "sip:bob@127.0.0.1:5061", "target URI for an outgoing call")
		debug      = flag.Bool("debug", false, "enable sipgo wire tracing")
	)
	flag.Parse()

	if *debug {
		sip.SIPDebug = true
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	contact := sip.ContactHeader{Address: sip.Uri{Scheme: "sip", User: *username, Host: extractHost(*listenAddr)}}
	ua, err := sipadapter.NewUA(fmt.Sprintf("%s@%s", *username, *domain), contact)
	if err != nil {
		log.Fatalf("new UA: %v", err)
	}

	registry := session.NewRegistry()

	switch *mode {
	case "server":
		runServer(ua, registry, *listenAddr, *username)
	case "client":
		runClient(ua, registry, *listenAddr, *target)
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q: want server or client\n", *mode)
		os.Exit(1)
	}
}

func runServer(ua *sipadapter.UA, registry *session.Registry, listenAddr, username string) {
	deps := session.Deps{
		Sender:          ua.Sender(),
		DialogFactory:   ua.DialogFactory(),
		Registry:        registry,
		NoAnswerTimeout: 60 * time.Second,
		AllowHeader:     "INVITE, ACK, CANCEL, BYE, INFO",
	}

	ua.OnIncomingInvite(func(req *sip.Request, tx sip.ServerTransaction) {
		// An INVITE whose Call-ID already has a session is a re-INVITE.
		if s, ok := registry.LookupByCallID(callIDOf(req)); ok {
			s.ReceiveRequest(req)
			return
		}
		respond, serverTx := sipadapter.NewIncomingReplier(req, tx)

		handlers := session.Handlers{
			OnStarted: func(s *session.Session) {
				log.Printf("call %s confirmed", s.CallID())
			},
			OnEnded: func(s *session.Session, cause session.Cause) {
				log.Printf("call %s ended: %s", s.CallID(), cause)
			},
			OnFailed: func(s *session.Session, err *session.SessionError) {
				log.Printf("call %s failed: %v", s.CallID(), err)
			},
		}

		s, err := session.InitIncoming(context.Background(), req, respond, deps, newLoopbackMediaFactory(), handlers)
		if err != nil {
			log.Printf("init incoming: %v", err)
			return
		}
		if s == nil {
			return // rejected for a missing/unsupported body; response already sent
		}
		registry.PutByCallID(s.CallID(), s)
		s.AttachServerTransaction(serverTx)

		go func() {
			time.Sleep(time.Second)
			if err := s.Answer(context.Background()); err != nil {
				log.Printf("answer: %v", err)
			}
		}()
	})

	dispatchInDialog := func(req *sip.Request, tx sip.ServerTransaction) {
		s, ok := registry.LookupByCallID(callIDOf(req))
		if !ok {
			_ = tx.Respond(sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil))
			return
		}
		s.ReceiveRequest(req)
	}
	ua.OnInDialogRequest(sip.ACK, dispatchInDialog)
	ua.OnInDialogRequest(sip.BYE, dispatchInDialog)
	ua.OnInDialogRequest(sip.CANCEL, dispatchInDialog)
	ua.OnInDialogRequest(sip.INFO, dispatchInDialog)

	log.Printf("listening on %s as %s", listenAddr, username)
	ctx, stop := signalContext()
	defer stop()
	if err := ua.ListenAndServe(ctx, "udp", listenAddr); err != nil {
		log.Fatalf("listen: %v", err)
	}
}

func runClient(ua *sipadapter.UA, registry *session.Registry, listenAddr, target string) {
	deps := session.Deps{
		Sender:        ua.Sender(),
		DialogFactory: ua.DialogFactory(),
		Registry:      registry,
		AllowHeader:   "INVITE, ACK, CANCEL, BYE, INFO",
	}

	targetURI, err := parseTarget(target)
	if err != nil {
		log.Fatalf("target: %v", err)
	}
	fromURI := sip.Uri{Scheme: "sip", User: "alice", Host: extractHost(listenAddr)}

	done := make(chan struct{})
	handlers := session.Handlers{
		OnProgress: func(s *session.Session, code int, _ *session.SDPBody) {
			log.Printf("progress: %d", code)
		},
		OnStarted: func(s *session.Session) {
			log.Printf("call established")
		},
		OnEnded: func(s *session.Session, cause session.Cause) {
			log.Printf("call ended: %s", cause)
			close(done)
		},
		OnFailed: func(s *session.Session, err *session.SessionError) {
			log.Printf("call failed: %v", err)
			close(done)
		},
	}

	go func() {
		_ = ua.ListenAndServe(context.Background(), "udp", listenAddr)
	}()
	time.Sleep(200 * time.Millisecond)

	s, err := session.Connect(context.Background(), targetURI, fromURI, deps, newLoopbackMediaFactory(), handlers)
	if err != nil {
		log.Fatalf("connect: %v", err)
	}

	ctx, stop := signalContext()
	defer stop()
	select {
	case <-done:
	case <-ctx.Done():
		_ = s.Terminate()
	case <-time.After(30 * time.Second):
		_ = s.Terminate()
	}
}

func callIDOf(req *sip.Request) string {
	if h := req.CallID(); h != nil {
		return h.Value()
	}
	return ""
}

func parseTarget(raw string) (sip.Uri, error) {
	var uri sip.Uri
	if err := sip.ParseUri(raw, &uri); err != nil {
		return uri, fmt.Errorf("parse target uri %q: %w", raw, err)
	}
	return uri, nil
}

func extractHost(addr string) string {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			return addr[:i]
		}
	}
	return addr
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
