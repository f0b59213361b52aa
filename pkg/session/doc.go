// Package session implements the per-call state machine that drives a single
// INVITE-based dialog through its entire lifecycle, per RFC 3261 §13-§15.
//
// It mediates between a signaling collaborator (SIP messages, dialogs,
// transactions — see signaling.go) and a media collaborator (SDP offer/answer,
// stream attachment — see media.go). Transport, parsing, the transaction
// layer, registrar bootstrap and the concrete media engine are external
// collaborators and are never imported here.
//
// A Session guards its state with a single mutex: every exported method and
// every collaborator callback (an inbound response, an inbound request, a
// timer firing) takes that lock before touching session state, so callers on
// different goroutines never need their own serialization.
package session
