package session

import "sync"

// Registry is a UA-owned table of in-flight sessions, keyed both by full
// DialogKey (once a remote tag is known) and by bare Call-ID (for routing an
// inbound request that hasn't yet been matched to a confirmed dialog — the
// forked-2xx case in particular needs the latter).
//
// Grounded on the teacher's dialogsMap (pkg/dialog/map.go), which keys on
// (Call-ID, local-tag) plus a secondary branch-ID index; this registry keeps
// the same two-index shape but swaps the branch index for a bare-Call-ID
// index, since this package's forking concern is "which Session owns this
// Call-ID", not "which transaction branch".
type Registry struct {
	byKey    sync.Map // DialogKey -> *Session
	byCallID sync.Map // string -> *Session
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// PutByCallID indexes s under its bare Call-ID, for lookup before any
// DialogKey is confirmed. newSession calls it as soon as a session is
// created: before the UAC's INVITE is sent, and while the UAS is still
// processing the INVITE it received.
func (r *Registry) PutByCallID(callID string, s *Session) {
	r.byCallID.Store(callID, s)
}

// Confirm indexes s under its now-known confirmed DialogKey, in addition to
// the existing Call-ID index.
func (r *Registry) Confirm(key DialogKey, s *Session) {
	r.byKey.Store(key, s)
}

func (r *Registry) LookupByKey(key DialogKey) (*Session, bool) {
	v, ok := r.byKey.Load(key)
	if !ok {
		return nil, false
	}
	return v.(*Session), true
}

func (r *Registry) LookupByCallID(callID string) (*Session, bool) {
	v, ok := r.byCallID.Load(callID)
	if !ok {
		return nil, false
	}
	return v.(*Session), true
}

// Delete removes s from both indexes. Safe to call more than once.
func (r *Registry) Delete(key DialogKey, callID string) {
	if !key.IsZero() {
		r.byKey.Delete(key)
	}
	if callID != "" {
		r.byCallID.Delete(callID)
	}
}

// Len reports the number of sessions currently indexed by Call-ID; it does
// not double-count the DialogKey index since every confirmed session also
// has a Call-ID entry.
func (r *Registry) Len() int {
	n := 0
	r.byCallID.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
