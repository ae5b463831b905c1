// internal/security/auth.go
package security

import "crypto/subtle"

// Authenticator gates connections on a shared secret. An empty key
// disables authentication entirely.
type Authenticator struct {
	key []byte
}

// NewAuthenticator creates an Authenticator for the configured key.
func NewAuthenticator(apiKey string) *Authenticator {
	return &Authenticator{key: []byte(apiKey)}
}

// Enabled reports whether connections must authenticate.
func (a *Authenticator) Enabled() bool {
	return len(a.key) > 0
}

// Verify checks a candidate key in constant time.
func (a *Authenticator) Verify(candidate string) bool {
	if !a.Enabled() {
		return true
	}
	return subtle.ConstantTimeCompare(a.key, []byte(candidate)) == 1
}
