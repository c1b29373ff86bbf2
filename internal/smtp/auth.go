// Package smtp implements the relay's SMTP front-end: a listener with
// STARTTLS and AUTH support that hands every accepted message to a Sender.
package smtp

import (
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrAuthFailed is returned for credentials that do not match.
	ErrAuthFailed = errors.New("authentication failed")

	errAuthCancelled = errors.New("authentication cancelled")
)

// Authenticator checks SMTP AUTH credentials against a single configured
// username/password pair.
type Authenticator struct {
	username string
	password string
}

// NewAuthenticator creates an Authenticator. Leaving either credential empty
// disables authentication.
func NewAuthenticator(username, password string) *Authenticator {
	return &Authenticator{
		username: username,
		password: password,
	}
}

// Enabled reports whether clients must authenticate.
func (a *Authenticator) Enabled() bool {
	return a.username != "" && a.password != ""
}

// VerifyPlain checks an AUTH PLAIN response: base64 of
// "[authzid]\x00authcid\x00password". The authorization identity is ignored.
func (a *Authenticator) VerifyPlain(encoded string) error {
	decoded, err := decodeCredential(encoded, "response")
	if err != nil {
		return err
	}

	parts := strings.SplitN(decoded, "\x00", 3)
	if len(parts) != 3 {
		return errors.New("invalid AUTH PLAIN format")
	}

	return a.verify(parts[1], parts[2])
}

// VerifyLogin checks the base64 username and password collected by the
// AUTH LOGIN challenge-response exchange.
func (a *Authenticator) VerifyLogin(encodedUser, encodedPass string) error {
	user, err := decodeCredential(encodedUser, "username")
	if err != nil {
		return err
	}
	pass, err := decodeCredential(encodedPass, "password")
	if err != nil {
		return err
	}

	return a.verify(user, pass)
}

func (a *Authenticator) verify(user, pass string) error {
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(a.username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(a.password)) == 1
	if !userOK || !passOK {
		return ErrAuthFailed
	}
	return nil
}

func decodeCredential(encoded, what string) (string, error) {
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return "", fmt.Errorf("invalid base64 %s: %w", what, err)
	}
	return string(decoded), nil
}
