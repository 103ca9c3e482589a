package relay

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
)

const (
	// Protocol is the subprotocol the server selects for producer sessions.
	Protocol = "relay.v1"
	// AuthProtocolPrefix prefixes the credential-carrying subprotocol offered
	// next to Protocol.
	AuthProtocolPrefix = "relay.auth.v1."
)

var ErrMalformedAuth = errors.New("malformed auth protocol")

// Credentials are the producer's username and password. They are never
// stored beyond a single verification and never logged.
type Credentials struct {
	Username string
	Password string
}

// String keeps the password out of formatted output.
func (c Credentials) String() string {
	return fmt.Sprintf("Credentials{Username: %q}", c.Username)
}

type digest struct {
	username [sha256.Size]byte
	password [sha256.Size]byte
}

func digestOf(c Credentials) *digest {
	return &digest{
		username: sha256.Sum256([]byte(c.Username)),
		password: sha256.Sum256([]byte(c.Password)),
	}
}

// Verifier checks presented credentials against the configured ones.
// Both sides are hashed to a fixed size first so the comparison takes the
// same time regardless of lengths or where the first mismatch is.
type Verifier struct {
	expected atomic.Pointer[digest]
}

func NewVerifier(expected Credentials) *Verifier {
	v := &Verifier{}
	v.Rotate(expected)
	return v
}

// Rotate replaces the expected credentials. Verifications already running
// finish against the old value.
func (v *Verifier) Rotate(expected Credentials) {
	v.expected.Store(digestOf(expected))
}

func (v *Verifier) Verify(presented Credentials) bool {
	want := v.expected.Load()
	got := digestOf(presented)
	user := subtle.ConstantTimeCompare(got.username[:], want.username[:])
	pass := subtle.ConstantTimeCompare(got.password[:], want.password[:])
	return user&pass == 1
}

// VerifyHandshake runs the verification even when parsing failed, against an
// empty credential, so malformed and wrong input cost the same.
func (v *Verifier) VerifyHandshake(presented Credentials, parseErr error) bool {
	ok := v.Verify(presented)
	return ok && parseErr == nil
}

// AuthProtocol encodes credentials as the subprotocol a producer offers.
func AuthProtocol(c Credentials) string {
	raw := c.Username + ":" + c.Password
	return AuthProtocolPrefix + base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// ProducerProtocols returns the full subprotocol offer for a producer.
func ProducerProtocols(c Credentials) []string {
	return []string{Protocol, AuthProtocol(c)}
}

// OfferedProtocols splits the Sec-WebSocket-Protocol header values of r.
func OfferedProtocols(r *http.Request) []string {
	var offered []string
	for _, v := range r.Header.Values("Sec-WebSocket-Protocol") {
		for _, p := range strings.Split(v, ",") {
			offered = append(offered, strings.TrimSpace(p))
		}
	}
	return offered
}

// ParseAuthProtocols extracts credentials from a producer's subprotocol offer.
// The offer must contain Protocol and exactly one auth entry, and nothing
// else in the relay namespace.
func ParseAuthProtocols(offered []string) (Credentials, error) {
	var (
		token       string
		tokens      int
		hasProtocol bool
	)
	for _, p := range offered {
		switch {
		case p == Protocol:
			hasProtocol = true
		case strings.HasPrefix(p, AuthProtocolPrefix):
			token = strings.TrimPrefix(p, AuthProtocolPrefix)
			tokens++
		case strings.HasPrefix(p, "relay."):
			return Credentials{}, fmt.Errorf("%w: unknown protocol entry", ErrMalformedAuth)
		case p == "":
			return Credentials{}, fmt.Errorf("%w: empty protocol entry", ErrMalformedAuth)
		}
	}
	if !hasProtocol {
		return Credentials{}, fmt.Errorf("%w: %s not offered", ErrMalformedAuth, Protocol)
	}
	if tokens != 1 {
		return Credentials{}, fmt.Errorf("%w: want one auth entry, got %d", ErrMalformedAuth, tokens)
	}

	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Credentials{}, fmt.Errorf("%w: bad encoding", ErrMalformedAuth)
	}
	user, pass, ok := strings.Cut(string(raw), ":")
	if !ok || user == "" {
		return Credentials{}, fmt.Errorf("%w: missing username", ErrMalformedAuth)
	}
	if strings.ContainsFunc(string(raw), isControl) {
		return Credentials{}, fmt.Errorf("%w: control character", ErrMalformedAuth)
	}
	return Credentials{Username: user, Password: pass}, nil
}

func isControl(r rune) bool {
	return r < 0x20 || r == 0x7f
}
