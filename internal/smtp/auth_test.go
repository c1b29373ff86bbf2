package smtp

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

func TestAuthenticator_Enabled(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		username string
		password string
		want     bool
	}{
		{name: "both set", username: "user", password: "pass", want: true},
		{name: "empty username", username: "", password: "pass", want: false},
		{name: "empty password", username: "user", password: "", want: false},
		{name: "both empty", username: "", password: "", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			auth := NewAuthenticator(tt.username, tt.password)
			if got := auth.Enabled(); got != tt.want {
				t.Errorf("Enabled(): got %v, want %v", got, tt.want)
			}
		})
	}
}

func b64(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

// checkAuthErr matches err against either a sentinel or a message fragment.
func checkAuthErr(t *testing.T, err, wantIs error, wantText string) {
	t.Helper()

	switch {
	case wantIs == nil && wantText == "":
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	case wantIs != nil:
		if !errors.Is(err, wantIs) {
			t.Errorf("got %v, want %v", err, wantIs)
		}
	default:
		if err == nil || !strings.Contains(err.Error(), wantText) {
			t.Errorf("got %v, want error containing %q", err, wantText)
		}
		if errors.Is(err, ErrAuthFailed) {
			t.Errorf("malformed input reported as ErrAuthFailed: %v", err)
		}
	}
}

func TestAuthenticator_VerifyPlain(t *testing.T) {
	t.Parallel()

	auth := NewAuthenticator("relay", "s3cret")

	tests := []struct {
		name     string
		encoded  string
		wantIs   error
		wantText string
	}{
		{name: "valid", encoded: b64("\x00relay\x00s3cret")},
		{name: "authzid ignored", encoded: b64("admin\x00relay\x00s3cret")},
		{name: "surrounding whitespace trimmed", encoded: "  " + b64("\x00relay\x00s3cret") + "\t\r\n"},
		{name: "wrong password", encoded: b64("\x00relay\x00s3cre"), wantIs: ErrAuthFailed},
		{name: "password with extra suffix", encoded: b64("\x00relay\x00s3cret!"), wantIs: ErrAuthFailed},
		{name: "wrong username", encoded: b64("\x00Relay\x00s3cret"), wantIs: ErrAuthFailed},
		{name: "empty credentials", encoded: b64("\x00\x00"), wantIs: ErrAuthFailed},
		{name: "invalid base64", encoded: "not-valid-base64!!!", wantText: "invalid base64 response"},
		{name: "missing separator", encoded: b64("relay\x00s3cret"), wantText: "invalid AUTH PLAIN format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			checkAuthErr(t, auth.VerifyPlain(tt.encoded), tt.wantIs, tt.wantText)
		})
	}
}

func TestAuthenticator_VerifyLogin(t *testing.T) {
	t.Parallel()

	auth := NewAuthenticator("relay", "s3cret")

	tests := []struct {
		name     string
		user     string
		pass     string
		wantIs   error
		wantText string
	}{
		{name: "valid", user: b64("relay"), pass: b64("s3cret")},
		{name: "surrounding whitespace trimmed", user: " " + b64("relay") + " ", pass: b64("s3cret") + "\r\n"},
		{name: "wrong username", user: b64("other"), pass: b64("s3cret"), wantIs: ErrAuthFailed},
		{name: "password prefix", user: b64("relay"), pass: b64("s3c"), wantIs: ErrAuthFailed},
		{name: "credentials swapped", user: b64("s3cret"), pass: b64("relay"), wantIs: ErrAuthFailed},
		{name: "invalid base64 username", user: "invalid!!!", pass: b64("s3cret"), wantText: "invalid base64 username"},
		{name: "invalid base64 password", user: b64("relay"), pass: "invalid!!!", wantText: "invalid base64 password"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			checkAuthErr(t, auth.VerifyLogin(tt.user, tt.pass), tt.wantIs, tt.wantText)
		})
	}
}

func TestDecodeCredential_WrapsBase64Error(t *testing.T) {
	t.Parallel()

	_, err := decodeCredential("@@@", "username")

	var corrupt base64.CorruptInputError
	if !errors.As(err, &corrupt) {
		t.Fatalf("got %v, want wrapped base64.CorruptInputError", err)
	}
	if got, want := err.Error(), "invalid base64 username: "; !strings.HasPrefix(got, want) {
		t.Errorf("got %q, want prefix %q", got, want)
	}
}
