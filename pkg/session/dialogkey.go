package session

import "fmt"

// DialogKey identifies a SIP dialog by the RFC 3261 §12 triple: Call-ID,
// local tag, remote tag. Early dialogs sharing a call-id/local-tag but
// forked onto distinct branches differ only in RemoteTag.
//
// Grounded on the teacher's DialogKey (pkg/dialog/key.go /
// pkg/sip/dialog/key.go), narrowed to the three fields the spec's dialog
// identity actually needs.
type DialogKey struct {
	CallID    string
	LocalTag  string
	RemoteTag string
}

func (k DialogKey) String() string {
	return fmt.Sprintf("%s;local=%s;remote=%s", k.CallID, k.LocalTag, k.RemoteTag)
}

func (k DialogKey) IsZero() bool {
	return k.CallID == "" && k.LocalTag == "" && k.RemoteTag == ""
}

// uacDialogKey builds the key a UAC uses while only a local tag is known
// (early, pre-response).
func uacDialogKey(callID, localTag string) DialogKey {
	return DialogKey{CallID: callID, LocalTag: localTag}
}
