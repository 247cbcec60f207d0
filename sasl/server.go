package sasl

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"

	"github.com/mjl-mta/relaylib/scram"
)

// ErrAuthFailed is returned by a Server's Next when the presented
// credentials do not authenticate, as distinct from a protocol error.
var ErrAuthFailed = errors.New("sasl: authentication failed")

// CredentialLookup resolves a username to the data needed to verify a
// mechanism's response. For PLAIN/LOGIN/CRAM-MD5 it returns the plaintext
// password (smtpserver accepts PLAIN and LOGIN only when plaintext
// credentials are acceptable; CRAM-MD5 is not restricted); for SCRAM-SHA-256 it returns the stored salted
// password, salt and iteration count instead.
type CredentialLookup interface {
	Password(ctx context.Context, username string) (password string, ok bool, err error)
	SCRAMSHA256(ctx context.Context, username string) (saltedPassword, salt []byte, iterations int, ok bool, err error)
}

// Server is the server side of a SASL mechanism.
type Server interface {
	// Next is called with the client's message (nil for the very first
	// server-first step of a mechanism that sends an initial challenge, such
	// as CRAM-MD5). It returns the next challenge to send, whether
	// authentication is done, and the authenticated username once done is
	// true and err is nil.
	Next(response []byte) (challenge []byte, done bool, username string, err error)
}

type serverPlain struct {
	lookup CredentialLookup
	ctx    context.Context
}

// NewServerPlain returns a server for SASL PLAIN.
func NewServerPlain(ctx context.Context, lookup CredentialLookup) Server {
	return &serverPlain{lookup, ctx}
}

func (s *serverPlain) Next(response []byte) ([]byte, bool, string, error) {
	parts := strings.SplitN(string(response), "\x00", 3)
	if len(parts) != 3 {
		return nil, false, "", fmt.Errorf("%w: malformed PLAIN response", ErrAuthFailed)
	}
	username, password := parts[1], parts[2]
	want, ok, err := s.lookup.Password(s.ctx, username)
	if err != nil {
		return nil, false, "", err
	}
	if !ok || subtle.ConstantTimeCompare([]byte(want), []byte(password)) != 1 {
		return nil, false, "", ErrAuthFailed
	}
	return nil, true, username, nil
}

type serverLogin struct {
	lookup CredentialLookup
	ctx    context.Context
	step   int
	user   string
}

// NewServerLogin returns a server for SASL LOGIN.
func NewServerLogin(ctx context.Context, lookup CredentialLookup) Server {
	return &serverLogin{lookup: lookup, ctx: ctx}
}

func (s *serverLogin) Next(response []byte) (challenge []byte, done bool, username string, err error) {
	defer func() { s.step++ }()
	switch s.step {
	case 0:
		return []byte("Username:"), false, "", nil
	case 1:
		s.user = string(response)
		return []byte("Password:"), false, "", nil
	case 2:
		want, ok, err := s.lookup.Password(s.ctx, s.user)
		if err != nil {
			return nil, false, "", err
		}
		if !ok || subtle.ConstantTimeCompare([]byte(want), response) != 1 {
			return nil, false, "", ErrAuthFailed
		}
		return nil, true, s.user, nil
	default:
		return nil, false, "", fmt.Errorf("invalid step %d", s.step)
	}
}

type serverCRAMMD5 struct {
	lookup    CredentialLookup
	ctx context.Context
	hostname  string
	challenge string
	step      int
}

// NewServerCRAMMD5 returns a server for SASL CRAM-MD5. hostname is used to
// build the challenge token.
func NewServerCRAMMD5(ctx context.Context, lookup CredentialLookup, hostname string) Server {
	return &serverCRAMMD5{lookup: lookup, ctx: ctx, hostname: hostname}
}

func (s *serverCRAMMD5) Next(response []byte) ([]byte, bool, string, error) {
	defer func() { s.step++ }()
	switch s.step {
	case 0:
		challenge, err := NewCRAMMD5Challenge(s.hostname)
		if err != nil {
			return nil, false, "", err
		}
		s.challenge = challenge
		return []byte(challenge), false, "", nil
	case 1:
		fields := strings.SplitN(string(response), " ", 2)
		if len(fields) != 2 {
			return nil, false, "", fmt.Errorf("%w: malformed CRAM-MD5 response", ErrAuthFailed)
		}
		username, digest := fields[0], fields[1]
		password, ok, err := s.lookup.Password(s.ctx, username)
		if err != nil {
			return nil, false, "", err
		}
		want := cramMD5Digest(password, []byte(s.challenge))
		if !ok || subtle.ConstantTimeCompare([]byte(want), []byte(digest)) != 1 {
			return nil, false, "", ErrAuthFailed
		}
		return nil, true, username, nil
	default:
		return nil, false, "", fmt.Errorf("invalid step %d", s.step)
	}
}

type serverSCRAMSHA256 struct {
	lookup         CredentialLookup
	ctx context.Context
	cs             *tls.ConnectionState
	step           int
	srv            *scram.Server
	user           string
	saltedPassword []byte
}

// NewServerSCRAMSHA256 returns a server for SASL SCRAM-SHA-256. cs is the
// connection's TLS state, or nil if unencrypted; it is used only to reject
// channel-binding requests the connection cannot satisfy.
func NewServerSCRAMSHA256(ctx context.Context, lookup CredentialLookup, cs *tls.ConnectionState) Server {
	return &serverSCRAMSHA256{lookup: lookup, ctx: ctx, cs: cs}
}

func (s *serverSCRAMSHA256) Next(response []byte) ([]byte, bool, string, error) {
	defer func() { s.step++ }()
	switch s.step {
	case 0:
		srv, err := scram.NewServer(sha256.New, response, s.cs, false)
		if err != nil {
			return nil, false, "", fmt.Errorf("%w: %v", ErrAuthFailed, err)
		}
		s.srv = srv
		s.user = srv.Authentication
		saltedPassword, salt, iterations, ok, err := s.lookup.SCRAMSHA256(s.ctx, s.user)
		if err != nil {
			return nil, false, "", err
		}
		if !ok {
			// Continue the exchange with bogus parameters so as not to leak
			// account existence through early termination; it will fail at
			// Finish regardless.
			salt = []byte("0000000000000000")
			iterations = 60000
			saltedPassword = nil
		}
		s.saltedPassword = saltedPassword
		first, err := srv.ServerFirst(iterations, salt)
		return []byte(first), false, "", err
	case 1:
		final, err := s.srv.Finish(response, s.saltedPassword)
		if err != nil {
			return []byte(final), false, "", fmt.Errorf("%w: %v", ErrAuthFailed, err)
		}
		return []byte(final), true, s.user, nil
	default:
		return nil, false, "", fmt.Errorf("invalid step %d", s.step)
	}
}
