package session

import (
	"time"

	"github.com/emiago/sipgo/sip"
)

// Default and bound constants for DTMF pacing, per spec §4.5.
const (
	DefaultDTMFDuration      = 100 * time.Millisecond
	DefaultDTMFInterToneGap  = 70 * time.Millisecond
	MinDTMFDuration          = 70 * time.Millisecond
	MaxDTMFDuration          = 6000 * time.Millisecond
	MinDTMFInterToneGap      = 50 * time.Millisecond
	MaxDTMFInterToneGap      = 6000 * time.Millisecond
	dtmfCommaPause           = 2000 * time.Millisecond
)

// ConnectOption configures Session.Connect (UAC init), grounded on the
// teacher's functional RequestOpt pattern (pkg/dialog/opts.go), adapted from
// "append a header to a message" to "configure a call".
type ConnectOption func(*connectOptions)

type connectOptions struct {
	anonymous       bool
	mediaConstraints MediaConstraints
	mediaStream     MediaStream
	extraHeaders    []sip.Header
	rtcConstraints  map[string]string
}

func newConnectOptions() *connectOptions {
	return &connectOptions{
		mediaConstraints: MediaConstraints{Audio: true, Video: true},
	}
}

// WithAnonymous overrides From with sip:anonymous@anonymous.invalid and adds
// privacy headers, per spec §6 configuration table.
func WithAnonymous() ConnectOption {
	return func(o *connectOptions) { o.anonymous = true }
}

func WithMediaConstraints(c MediaConstraints) ConnectOption {
	return func(o *connectOptions) { o.mediaConstraints = c }
}

// WithMediaStream supplies a caller-provided stream, bypassing getUserMedia.
func WithMediaStream(s MediaStream) ConnectOption {
	return func(o *connectOptions) { o.mediaStream = s }
}

func WithExtraHeaders(headers ...sip.Header) ConnectOption {
	return func(o *connectOptions) { o.extraHeaders = append(o.extraHeaders, headers...) }
}

func WithRTCConstraints(c map[string]string) ConnectOption {
	return func(o *connectOptions) { o.rtcConstraints = c }
}

// AnswerOption configures Session.Answer (UAS accept).
type AnswerOption func(*answerOptions)

type answerOptions struct {
	mediaConstraints MediaConstraints
	mediaStream      MediaStream
	extraHeaders     []sip.Header
}

func newAnswerOptions() *answerOptions {
	return &answerOptions{
		mediaConstraints: MediaConstraints{Audio: true, Video: true},
	}
}

func WithAnswerMediaConstraints(c MediaConstraints) AnswerOption {
	return func(o *answerOptions) { o.mediaConstraints = c }
}

func WithAnswerMediaStream(s MediaStream) AnswerOption {
	return func(o *answerOptions) { o.mediaStream = s }
}

func WithAnswerExtraHeaders(headers ...sip.Header) AnswerOption {
	return func(o *answerOptions) { o.extraHeaders = append(o.extraHeaders, headers...) }
}

// TerminateOption configures Session.Terminate, per the role table in spec §4.1.
type TerminateOption func(*terminateOptions)

type terminateOptions struct {
	statusCode   int
	reasonPhrase string
	cause        Cause
	extraHeaders []sip.Header
	body         []byte
	hasCode      bool
}

func newTerminateOptions() *terminateOptions {
	return &terminateOptions{statusCode: 480, reasonPhrase: "Temporarily Unavailable"}
}

func WithTerminateStatusCode(code int, reasonPhrase string) TerminateOption {
	return func(o *terminateOptions) {
		o.statusCode = code
		o.reasonPhrase = reasonPhrase
		o.hasCode = true
	}
}

func WithTerminateCause(c Cause) TerminateOption {
	return func(o *terminateOptions) { o.cause = c }
}

func WithTerminateExtraHeaders(headers ...sip.Header) TerminateOption {
	return func(o *terminateOptions) { o.extraHeaders = append(o.extraHeaders, headers...) }
}

func WithTerminateBody(body []byte) TerminateOption {
	return func(o *terminateOptions) { o.body = body }
}

// validateUACStatusCode enforces spec §4.1: UAC path accepts [200,700) or none.
func validateUACStatusCode(code int, hasCode bool) error {
	if !hasCode {
		return nil
	}
	if code < 200 || code >= 700 {
		return ErrTypeError
	}
	return nil
}

// validateUASRejectStatusCode enforces spec §4.1: UAS reject path requires [300,700).
func validateUASRejectStatusCode(code int) error {
	if code < 300 || code >= 700 {
		return ErrTypeError
	}
	return nil
}

// DTMFOption configures Session.SendDTMF.
type DTMFOption func(*dtmfOptions)

type dtmfOptions struct {
	duration      time.Duration
	interToneGap  time.Duration
}

func newDTMFOptions() *dtmfOptions {
	return &dtmfOptions{duration: DefaultDTMFDuration, interToneGap: DefaultDTMFInterToneGap}
}

func WithDTMFDuration(d time.Duration) DTMFOption {
	return func(o *dtmfOptions) { o.duration = d }
}

func WithDTMFInterToneGap(d time.Duration) DTMFOption {
	return func(o *dtmfOptions) { o.interToneGap = d }
}

func clampDuration(v, min, max time.Duration) time.Duration {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
