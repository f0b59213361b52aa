package session

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// sessionLogger returns a child logger carrying the fields every log line
// for this session should have, mirroring the per-component
// logger.With()...Logger() pattern used throughout sipgo (e.g.
// sip.NewServerTx's tx.log).
func sessionLogger(callID string, direction Direction) zerolog.Logger {
	return log.With().
		Str("component", "session").
		Str("call_id", callID).
		Str("direction", direction.String()).
		Logger()
}

// withDialogID returns a derived logger once a confirmed dialog key is
// known, so later log lines can be correlated to the exact dialog instead
// of just the call-id (relevant once forking is involved).
func withDialogID(l zerolog.Logger, dialogID string) zerolog.Logger {
	if dialogID == "" {
		return l
	}
	return l.With().Str("dialog_id", dialogID).Logger()
}

func withStatus(l zerolog.Logger, status Status) zerolog.Logger {
	return l.With().Str("status", status.String()).Logger()
}
