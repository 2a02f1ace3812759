package oauth

// RedactedToken wraps a client secret or token so it cannot end up in logs.
// Every formatting and serialization path prints "[REDACTED]".
//
//	secret := oauth.NewRedactedToken(os.Getenv(env))
//	logging.Debug("OAuth", "using secret %s", secret) // [REDACTED]
type RedactedToken struct {
	value string
}

// NewRedactedToken wraps value.
func NewRedactedToken(value string) RedactedToken {
	return RedactedToken{value: value}
}

// Value returns the wrapped value. Only pass it to a request, never to a logger.
func (t RedactedToken) Value() string {
	return t.value
}

// IsEmpty reports whether no value is wrapped.
func (t RedactedToken) IsEmpty() bool {
	return t.value == ""
}

func (t RedactedToken) String() string {
	return "[REDACTED]"
}

func (t RedactedToken) GoString() string {
	return "oauth.RedactedToken{[REDACTED]}"
}

func (t RedactedToken) MarshalText() ([]byte, error) {
	return []byte("[REDACTED]"), nil
}

func (t RedactedToken) MarshalJSON() ([]byte, error) {
	return []byte(`"[REDACTED]"`), nil
}
