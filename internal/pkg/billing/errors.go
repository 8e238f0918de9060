package billing

import "errors"

var (
	// ErrQuotaExceeded is returned when a paid subscriber has used up the
	// daily cap. It is distinct from a plain "not allowed" so callers can
	// tell "come back tomorrow" apart from "please subscribe".
	ErrQuotaExceeded = errors.New("daily quota exceeded")

	// ErrUnknownTransaction is returned when a webhook references an
	// external transaction id with no subscription bound to it. Webhooks
	// never create bindings; only client-verified receipts do.
	ErrUnknownTransaction = errors.New("unknown external transaction")
)
