package auth

import "errors"

// ErrNotAuthenticated is returned by Gate.Check when the frame fails
// validation. The tunnel's workstation.register handler replies
// INVALID_API_KEY and closes the socket; the workstation gateway replies
// auth.error (INVALID_AUTH_KEY) to that one device and keeps the shared
// socket open.
var ErrNotAuthenticated = errors.New("auth: not authenticated")

// Gate checks a single shared-secret presented on the first frame of a
// connection. Generalized from a fail-secure HTTP Bearer-header check into
// a plain value comparison usable for the
// workstation's WS auth{auth_key} frame and the tunnel's
// workstation.register{api_key} frame.
type Gate struct {
	secret string
}

// NewGate creates a Gate holding secret. An empty secret fails every check
// (fail secure); IsEnabled reports whether a secret is set.
func NewGate(secret string) *Gate {
	return &Gate{secret: secret}
}

// Check validates presented against the configured secret.
func (g *Gate) Check(presented string) error {
	if g.secret == "" {
		return ErrNotAuthenticated
	}
	if presented != g.secret {
		return ErrNotAuthenticated
	}
	return nil
}

// IsEnabled reports whether a secret is configured.
func (g *Gate) IsEnabled() bool {
	return g.secret != ""
}
