package session

import (
	"context"
	"time"

	"github.com/pion/sdp/v3"
)

// MediaConstraints mirrors the getUserMedia constraints of spec §6; it
// defaults to {audio:true, video:true}.
type MediaConstraints struct {
	Audio bool
	Video bool
}

// MediaStream is an opaque handle to a local or remote media stream. The
// core never inspects it; it only threads it between the media handler and
// the caller-visible GetLocalStreams/GetRemoteStreams accessors.
type MediaStream interface {
	ID() string
}

// SDPBody wraps a raw SDP body together with its parsed form, so the core
// can validate "is there a body" (spec §4.2/§4.3) without re-parsing on
// every check. Grounded on github.com/pion/sdp/v3, the SDP library the
// teacher's media_builder package depends on.
type SDPBody struct {
	ContentType string
	Raw         []byte
	Parsed      *sdp.SessionDescription
}

func (b *SDPBody) empty() bool {
	return b == nil || len(b.Raw) == 0
}

// ParseSDPBody parses raw SDP bytes into an SDPBody, surfacing a
// BAD_MEDIA_DESCRIPTION-flavored error on malformed input. Content-Type
// defaults to application/sdp per spec §6.
func ParseSDPBody(contentType string, raw []byte) (*SDPBody, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	if contentType == "" {
		contentType = "application/sdp"
	}
	var desc sdp.SessionDescription
	if err := desc.Unmarshal(raw); err != nil {
		return nil, err
	}
	return &SDPBody{ContentType: contentType, Raw: raw, Parsed: &desc}, nil
}

// MediaHandler is the media collaborator consumed by the core, per spec §6.
// It is constructed per session and offers offer/answer negotiation plus
// stream attachment. The concrete media engine (RTP/SRTP/DTLS transport) is
// out of scope for this package; implementations live alongside the media
// plane (e.g. built on pion/rtp and pion/dtls as the teacher's pkg/media
// does), never imported here.
type MediaHandler interface {
	// GetUserMedia acquires local media matching constraints.
	GetUserMedia(ctx context.Context, constraints MediaConstraints) (MediaStream, error)

	// AddStream attaches a stream (local or caller-provided) to the
	// underlying peer connection.
	AddStream(ctx context.Context, stream MediaStream) error

	// CreateOffer produces a local SDP offer (UAC path).
	CreateOffer(ctx context.Context) (*SDPBody, error)

	// CreateAnswer produces a local SDP answer (UAS path), after the remote
	// offer has been ingested via OnMessage.
	CreateAnswer(ctx context.Context) (*SDPBody, error)

	// OnMessage ingests a remote offer or answer. kind is "offer" or
	// "answer". A non-nil error means the media layer rejected the
	// description (spec §4.2: BAD_MEDIA_DESCRIPTION).
	OnMessage(ctx context.Context, kind string, body *SDPBody) error

	// SendDTMF transmits a single DTMF tone for duration. Implementations
	// carry it over the negotiated media path (RFC 4733 telephone-event or
	// in-band), a concern entirely external to this package.
	SendDTMF(ctx context.Context, tone byte, duration time.Duration) error

	// Close releases all media resources (PeerConnection, local streams).
	Close() error

	// GetLocalStreams / GetRemoteStreams expose media endpoints to users,
	// mirroring peerConnection.getLocalStreams()/getRemoteStreams() in spec §6.
	GetLocalStreams() []MediaStream
	GetRemoteStreams() []MediaStream
}

// MediaHandlerFactory constructs a MediaHandler for a new session, given
// optional DTLS/SRTP constraints (spec §6). Kept as a factory rather than a
// single shared handler so each session owns its media resources exclusively
// (spec §5 "Resource ownership").
type MediaHandlerFactory func(rtcConstraints map[string]string) (MediaHandler, error)
