package main

import (
	"context"
	"fmt"
	"time"

	"github.com/arzzra/rtcsession/pkg/session"
)

// loopbackMedia is a MediaHandler stand-in that never touches an actual
// RTP/SRTP stack: it generates a static SDP body and discards DTMF instead
// of transmitting it. Real deployments plug in a handler backed by an actual
// RTP/SRTP/DTLS engine; this one exists solely so the demo binary can drive a
// full session without a media engine attached.
type loopbackMedia struct {
	localAddr string
}

func newLoopbackMediaFactory() session.MediaHandlerFactory {
	return func(map[string]string) (session.MediaHandler, error) {
		return &loopbackMedia{localAddr: "127.0.0.1"}, nil
	}
}

type loopbackStream struct{ id string }

func (s *loopbackStream) ID() string { return s.id }

func (m *loopbackMedia) GetUserMedia(ctx context.Context, c session.MediaConstraints) (session.MediaStream, error) {
	return &loopbackStream{id: "local-audio"}, nil
}

func (m *loopbackMedia) AddStream(ctx context.Context, s session.MediaStream) error { return nil }

func (m *loopbackMedia) CreateOffer(ctx context.Context) (*session.SDPBody, error) {
	return session.ParseSDPBody("application/sdp", m.staticSDP())
}

func (m *loopbackMedia) CreateAnswer(ctx context.Context) (*session.SDPBody, error) {
	return session.ParseSDPBody("application/sdp", m.staticSDP())
}

func (m *loopbackMedia) OnMessage(ctx context.Context, kind string, body *session.SDPBody) error {
	return nil
}

func (m *loopbackMedia) SendDTMF(ctx context.Context, tone byte, duration time.Duration) error {
	return nil
}

func (m *loopbackMedia) Close() error { return nil }

func (m *loopbackMedia) GetLocalStreams() []session.MediaStream  { return nil }
func (m *loopbackMedia) GetRemoteStreams() []session.MediaStream { return nil }

func (m *loopbackMedia) staticSDP() []byte {
	return []byte(fmt.Sprintf(
		"v=0\r\no=- %d %d IN IP4 %s\r\ns=-\r\nc=IN IP4 %s\r\nt=0 0\r\nm=audio 40000 RTP/AVP 0\r\na=rtpmap:0 PCMU/8000\r\n",
		time.Now().UnixNano(), time.Now().UnixNano(), m.localAddr, m.localAddr,
	))
}
