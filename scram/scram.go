// Package scram implements the SCRAM-SHA-* SASL mechanism (RFC 5802, and
// RFC 7677 for the SHA-256 variant) used by sasl for both directions of
// SMTP AUTH: the server accepting a client's credentials, and the client
// authenticating outgoing connections that require it.
//
// SCRAM lets a client prove knowledge of a password without sending it in
// the clear, and lets the client verify the server knows the same
// (salted, hashed) password in return. Both the client and server side are
// implemented here; the channel-binding ("-PLUS") variant is supported
// when a *tls.ConnectionState is available.
package scram

import (
	"bytes"
	"crypto/hmac"
	cryptorand "crypto/rand"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"hash"
	"strings"

	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/text/unicode/norm"
)

// ProtocolError is one of the SCRAM "e=" error tokens exchanged between
// client and server, distinct from local errors like ErrUnsafe that never
// cross the wire.
type ProtocolError string

func (e ProtocolError) Error() string { return string(e) }

var (
	ErrInvalidEncoding                 ProtocolError = "invalid-encoding"
	ErrExtensionsNotSupported          ProtocolError = "extensions-not-supported"
	ErrInvalidProof                    ProtocolError = "invalid-proof"
	ErrChannelBindingsDontMatch        ProtocolError = "channel-bindings-dont-match"
	ErrServerDoesSupportChannelBinding ProtocolError = "server-does-support-channel-binding"
	ErrChannelBindingNotSupported      ProtocolError = "channel-binding-not-supported"
	ErrUnsupportedChannelBindingType   ProtocolError = "unsupported-channel-binding-type"
	ErrUnknownUser                     ProtocolError = "unknown-user"
	ErrNoResources                     ProtocolError = "no-resources"
	ErrOtherError                      ProtocolError = "other-error"
)

// knownErrors maps a wire token back to its ProtocolError, for decoding a
// server's "e=" response.
var knownErrors = func() map[string]ProtocolError {
	all := []ProtocolError{
		ErrInvalidEncoding, ErrExtensionsNotSupported, ErrInvalidProof,
		ErrChannelBindingsDontMatch, ErrServerDoesSupportChannelBinding,
		ErrChannelBindingNotSupported, ErrUnsupportedChannelBindingType,
		ErrUnknownUser, ErrNoResources, ErrOtherError,
	}
	m := make(map[string]ProtocolError, len(all))
	for _, e := range all {
		m[string(e)] = e
	}
	return m
}()

// Local errors: these never appear on the wire, they report a problem with
// how this package was called or with an unsafe parameter from the peer.
var (
	ErrNorm     = errors.New("scram: parameter not unicode-normalized") // e.g. client sent a non-normalized username or authzid.
	ErrUnsafe   = errors.New("scram: unsafe parameter")                 // e.g. salt/nonce too short, or too few iterations.
	ErrProtocol = errors.New("scram: protocol violation")               // e.g. server echoed back a nonce not prefixed by the client nonce.
)

// asWireError turns a parse failure into the error an exported function
// should return: a protocol error (one of the Err* values above, possibly
// wrapped with extra context) passes through unchanged, since the caller
// needs to inspect it with errors.Is/As; anything else — a scanner error
// about malformed grammar — is folded into ErrInvalidEncoding, since the
// caller has no more specific recovery to offer than "the message was
// garbage".
func asWireError(err error) error {
	if err == nil {
		return nil
	}
	var protoErr ProtocolError
	if errors.As(err, &protoErr) {
		return err
	}
	return fmt.Errorf("%w: %s", ErrInvalidEncoding, err)
}

// MakeRandom returns a cryptographically random buffer, suitable for use as
// a salt or nonce.
func MakeRandom() []byte {
	buf := make([]byte, 12)
	if _, err := cryptorand.Read(buf); err != nil {
		panic("scram: reading random bytes: " + err.Error())
	}
	return buf
}

// SaltPassword derives a salted password from a plaintext password via
// PBKDF2, the quantity both sides store/compute but never transmit.
func SaltPassword(h func() hash.Hash, password string, salt []byte, iterations int) []byte {
	password = norm.NFC.String(password)
	return pbkdf2.Key([]byte(password), salt, iterations, h().Size(), h)
}

func hmacSum(h func() hash.Hash, key []byte, msg string) []byte {
	mac := hmac.New(h, key)
	mac.Write([]byte(msg))
	return mac.Sum(nil)
}

func xorBytes(dst, src []byte) {
	for i := range dst {
		dst[i] ^= src[i]
	}
}

// computeProof derives the client proof for authMessage under
// saltedPassword — HMAC(saltedPassword, "Client Key") XORed with
// HMAC(H(ClientKey), authMessage) — the same computation both the client
// (to send it) and the server (to check it) perform.
func computeProof(h func() hash.Hash, saltedPassword []byte, authMessage string) []byte {
	clientKey := hmacSum(h, saltedPassword, "Client Key")
	storedKeyHash := h()
	storedKeyHash.Write(clientKey)
	storedKey := storedKeyHash.Sum(nil)
	sig := hmacSum(h, storedKey, authMessage)
	xorBytes(sig, clientKey)
	return sig
}

// channelBindingData returns the TLS channel-binding value for cs: the
// legacy tls-unique value below TLS 1.3, or a keying-material export for
// TLS 1.3 and later (tls-unique has no defined meaning there).
func channelBindingData(cs *tls.ConnectionState) ([]byte, error) {
	if cs.Version <= tls.VersionTLS12 {
		if cs.TLSUnique == nil {
			return nil, fmt.Errorf("no channel binding data available")
		}
		return cs.TLSUnique, nil
	}
	return cs.ExportKeyingMaterial("EXPORTER-Channel-Binding", []byte{}, 32)
}

// Server is the server side of one SCRAM-SHA-* authentication attempt.
type Server struct {
	Authentication string // Username being authenticated ("authc"). Always set.
	Authorization  string // Optional role to assume after authentication ("authz").

	h func() hash.Hash

	clientFirstBare         string
	serverFirst             string
	clientFinalWithoutProof string

	gs2header           string
	clientNonce         string
	serverNonceOverride string // Set only by tests, to reproduce a fixed test vector.
	nonce               string
	channelBinding      []byte
}

// parseGS2Header reads the "gs2-cbind-flag ... ","" prefix shared by every
// client-first message, validating the client's channel-binding claim
// against cs and channelBindingRequired, and returns the channel binding
// data (if any). The caller slices the raw gs2-header off the scanner
// itself, since Finish needs it again.
func parseGS2Header(sc *scanner, cs *tls.ConnectionState, channelBindingRequired bool) ([]byte, error) {
	flag, err := sc.byte()
	if err != nil {
		return nil, err
	}
	switch flag {
	case 'n':
		if channelBindingRequired {
			return nil, fmt.Errorf("channel binding is required: %w", ErrChannelBindingsDontMatch)
		}
		return nil, nil
	case 'y':
		return nil, fmt.Errorf("client believes server lacks channel binding support: %w", ErrServerDoesSupportChannelBinding)
	case 'p':
		if err := sc.expect("="); err != nil {
			return nil, err
		}
		cbname, err := sc.cbname()
		if err != nil {
			return nil, err
		}
		switch cbname {
		case "tls-unique":
			switch {
			case cs == nil:
				return nil, fmt.Errorf("no tls connection: %w", ErrChannelBindingsDontMatch)
			case cs.Version >= tls.VersionTLS13:
				return nil, fmt.Errorf("tls-unique undefined for tls 1.3 and later, use tls-exporter: %w", ErrChannelBindingsDontMatch)
			case cs.TLSUnique == nil:
				return nil, fmt.Errorf("no tls-unique value for this connection: %w", ErrChannelBindingsDontMatch)
			}
		case "tls-exporter":
			switch {
			case cs == nil:
				return nil, fmt.Errorf("no tls connection: %w", ErrChannelBindingsDontMatch)
			case cs.Version < tls.VersionTLS13:
				return nil, fmt.Errorf("tls-exporter requires tls 1.3 or later, use tls-unique: %w", ErrChannelBindingsDontMatch)
			}
		default:
			return nil, fmt.Errorf("unknown channel binding name %q: %w", cbname, ErrUnsupportedChannelBindingType)
		}
		cb, err := channelBindingData(cs)
		if err != nil {
			return nil, fmt.Errorf("fetching channel binding data: %v: %w", err, ErrOtherError)
		}
		return cb, nil
	default:
		return nil, fmt.Errorf("unrecognized gs2 channel binding flag %q", flag)
	}
}

// NewServer parses the first SCRAM message from a client and returns a
// Server ready for ServerFirst.
//
// cs, if set, allows the channel-binding ("-PLUS") variant, cryptographically
// tying the authentication to the specific TLS connection it arrived on.
// channelBindingRequired rejects the attempt unless the client actually used
// channel binding.
//
// Call order: NewServer, then ServerFirst (write its result to the client),
// then Finish with the client's response (write its result back).
func NewServer(h func() hash.Hash, clientFirst []byte, cs *tls.ConnectionState, channelBindingRequired bool) (*Server, error) {
	sc := newScanner(clientFirst)

	channelBinding, err := parseGS2Header(sc, cs, channelBindingRequired)
	if err != nil {
		return nil, asWireError(err)
	}
	if err := sc.expect(","); err != nil {
		return nil, asWireError(err)
	}

	server := &Server{h: h, channelBinding: channelBinding}

	if !sc.take(",") {
		authz, err := sc.authzid()
		if err != nil {
			return nil, asWireError(err)
		}
		if norm.NFC.String(authz) != authz {
			return nil, fmt.Errorf("%w: authzid", ErrNorm)
		}
		server.Authorization = authz
		if err := sc.expect(","); err != nil {
			return nil, asWireError(err)
		}
	}
	server.gs2header = sc.s[:sc.o]
	server.clientFirstBare = sc.s[sc.o:]

	if sc.take("m=") {
		return nil, asWireError(fmt.Errorf("unsupported mandatory extension: %w", ErrExtensionsNotSupported))
	}
	username, err := sc.username()
	if err != nil {
		return nil, asWireError(err)
	}
	if norm.NFC.String(username) != username {
		return nil, fmt.Errorf("%w: username", ErrNorm)
	}
	server.Authentication = username

	if err := sc.expect(","); err != nil {
		return nil, asWireError(err)
	}
	clientNonce, err := sc.nonce()
	if err != nil {
		return nil, asWireError(err)
	}
	if len(clientNonce) < 8 {
		return nil, fmt.Errorf("%w: client nonce too short", ErrUnsafe)
	}
	server.clientNonce = clientNonce

	for sc.take(",") {
		if err := sc.skipAttr(); err != nil { // Unrecognized extension, ignored once syntactically valid.
			return nil, asWireError(err)
		}
	}
	if err := sc.end(); err != nil {
		return nil, asWireError(err)
	}
	return server, nil
}

// ServerFirst returns the challenge message to send back to the client,
// carrying the combined nonce, salt and PBKDF2 iteration count.
func (s *Server) ServerFirst(iterations int, salt []byte) (string, error) {
	serverNonce := s.serverNonceOverride
	if serverNonce == "" {
		serverNonce = base64.StdEncoding.EncodeToString(MakeRandom())
	}
	s.nonce = s.clientNonce + serverNonce
	s.serverFirst = fmt.Sprintf("r=%s,s=%s,i=%d", s.nonce, base64.StdEncoding.EncodeToString(salt), iterations)
	return s.serverFirst, nil
}

// Finish verifies the client's final message against saltedPassword (as
// computed by SaltPassword and normally fetched from server-side storage)
// and returns the message to send back. A non-nil error means authentication
// failed; the returned string is still the correct wire response to send.
func (s *Server) Finish(clientFinal []byte, saltedPassword []byte) (string, error) {
	sc := newScanner(clientFinal)

	// A mismatched channel binding here would mean a MitM altered it in
	// transit; the signature check below would then also fail.
	cbind, err := sc.channelBindingAttr()
	if err != nil {
		return "", asWireError(err)
	}
	expected := append([]byte(s.gs2header), s.channelBinding...)
	if !bytes.Equal(cbind, expected) {
		return s.FinishError(ErrChannelBindingsDontMatch), ErrChannelBindingsDontMatch
	}
	if err := sc.expect(","); err != nil {
		return "", asWireError(err)
	}
	nonce, err := sc.nonce()
	if err != nil {
		return "", asWireError(err)
	}
	if nonce != s.nonce {
		return s.FinishError(ErrInvalidProof), ErrInvalidProof
	}
	for !sc.peek(",p=") {
		if err := sc.expect(","); err != nil {
			return "", asWireError(err)
		}
		if err := sc.skipAttr(); err != nil {
			return "", asWireError(err)
		}
	}
	s.clientFinalWithoutProof = sc.s[:sc.o]
	if err := sc.expect(","); err != nil {
		return "", asWireError(err)
	}
	proof, err := sc.proofAttr()
	if err != nil {
		return "", asWireError(err)
	}
	if err := sc.end(); err != nil {
		return "", asWireError(err)
	}

	authMessage := s.clientFirstBare + "," + s.serverFirst + "," + s.clientFinalWithoutProof
	clientProof := computeProof(s.h, saltedPassword, authMessage)
	if !bytes.Equal(clientProof, proof) {
		return s.FinishError(ErrInvalidProof), ErrInvalidProof
	}

	serverKey := hmacSum(s.h, saltedPassword, "Server Key")
	serverSig := hmacSum(s.h, serverKey, authMessage)
	return fmt.Sprintf("v=%s", base64.StdEncoding.EncodeToString(serverSig)), nil
}

// FinishError renders err as the final message to send to the client
// instead of calling Finish, e.g. when Authorization names a role the
// caller has already decided to refuse.
func (s *Server) FinishError(err ProtocolError) string {
	return "e=" + string(err)
}

// Client is the client side of one SCRAM-SHA-* authentication attempt.
type Client struct {
	authc string
	authz string

	h            func() hash.Hash
	noServerPlus bool                 // We wanted channel binding but didn't see the server announce support for it.
	cs           *tls.ConnectionState // Set to negotiate the channel-binding ("-PLUS") variant.

	clientFirstBare         string
	serverFirst             string
	clientFinalWithoutProof string
	authMessage             string

	gs2header       string
	clientNonce     string
	nonce           string
	saltedPassword  []byte
	channelBindData []byte
}

// NewClient prepares a client authenticating as authc, optionally
// requesting authorization as authz, using h (sha256.New or sha1.New).
//
// If cs is set, the channel-binding ("-PLUS") variant is used, tied to that
// TLS connection. If cs is nil but noServerPlus is true, the client
// indicates it would have liked channel binding but didn't see the server
// advertise support for it; this lets the server detect a downgrade attack
// if it did in fact support it. If both are unset, no channel binding is
// attempted or claimed.
//
// Call order: ClientFirst (write to server), then ServerFirst with the
// server's response (write its result back), then ServerFinal with the
// server's last message.
func NewClient(h func() hash.Hash, authc, authz string, noServerPlus bool, cs *tls.ConnectionState) *Client {
	return &Client{
		authc:        norm.NFC.String(authc),
		authz:        norm.NFC.String(authz),
		h:            h,
		noServerPlus: noServerPlus,
		cs:           cs,
	}
}

// ClientFirst returns the first message to send to the server, generating a
// random client nonce if one hasn't been set already.
func (c *Client) ClientFirst() (string, error) {
	if c.noServerPlus && c.cs != nil {
		return "", fmt.Errorf("scram: cannot both claim channel binding is unsupported and use it")
	}
	switch {
	case c.cs != nil:
		if c.cs.Version >= tls.VersionTLS13 {
			c.gs2header = "p=tls-exporter"
		} else {
			c.gs2header = "p=tls-unique"
		}
		cbdata, err := channelBindingData(c.cs)
		if err != nil {
			return "", fmt.Errorf("scram: channel binding data: %v", err)
		}
		c.channelBindData = cbdata
	case c.noServerPlus:
		c.gs2header = "y"
	default:
		c.gs2header = "n"
	}
	if c.authz != "" {
		c.gs2header += fmt.Sprintf(",a=%s,", saslName(c.authz))
	} else {
		c.gs2header += ",,"
	}
	if c.clientNonce == "" {
		c.clientNonce = base64.StdEncoding.EncodeToString(MakeRandom())
	}
	c.clientFirstBare = fmt.Sprintf("n=%s,r=%s", saslName(c.authc), c.clientNonce)
	return c.gs2header + c.clientFirstBare, nil
}

// ServerFirst processes the server's challenge (nonce, salt, iterations),
// validates them against minimum safety thresholds, and returns the final
// client message (including the proof the client knows password) to send.
func (c *Client) ServerFirst(serverFirst []byte, password string) (string, error) {
	c.serverFirst = string(serverFirst)
	sc := newScanner(serverFirst)

	if sc.take("m=") {
		return "", asWireError(fmt.Errorf("unsupported mandatory extension: %w", ErrExtensionsNotSupported))
	}

	nonce, err := sc.nonce()
	if err != nil {
		return "", asWireError(err)
	}
	if err := sc.expect(","); err != nil {
		return "", asWireError(err)
	}
	salt, err := sc.saltAttr()
	if err != nil {
		return "", asWireError(err)
	}
	if err := sc.expect(","); err != nil {
		return "", asWireError(err)
	}
	iterations, err := sc.iterationsAttr()
	if err != nil {
		return "", asWireError(err)
	}
	for sc.take(",") {
		if err := sc.skipAttr(); err != nil { // Unrecognized extension, ignored.
			return "", asWireError(err)
		}
	}
	if err := sc.end(); err != nil {
		return "", asWireError(err)
	}

	if !strings.HasPrefix(nonce, c.clientNonce) {
		return "", fmt.Errorf("%w: server dropped our nonce", ErrProtocol)
	}
	if len(nonce)-len(c.clientNonce) < 8 {
		return "", fmt.Errorf("%w: server nonce too short", ErrUnsafe)
	}
	if len(salt) < 8 {
		return "", fmt.Errorf("%w: salt too short", ErrUnsafe)
	}
	if iterations < 2048 {
		return "", fmt.Errorf("%w: too few iterations", ErrUnsafe)
	}
	c.nonce = nonce

	// If a MitM altered our channel binding claim, the server's idea of it
	// will differ from what it actually observed, and Finish on its side
	// will fail the signature check.
	cbindInput := append([]byte(c.gs2header), c.channelBindData...)
	c.clientFinalWithoutProof = fmt.Sprintf("c=%s,r=%s", base64.StdEncoding.EncodeToString(cbindInput), c.nonce)
	c.authMessage = c.clientFirstBare + "," + c.serverFirst + "," + c.clientFinalWithoutProof

	c.saltedPassword = SaltPassword(c.h, password, salt, iterations)
	proof := computeProof(c.h, c.saltedPassword, c.authMessage)

	return c.clientFinalWithoutProof + ",p=" + base64.StdEncoding.EncodeToString(proof), nil
}

// ServerFinal verifies the server's closing message, confirming it knows
// the salted password too (and so isn't, itself, an impostor).
func (c *Client) ServerFinal(serverFinal []byte) error {
	sc := newScanner(serverFinal)

	if sc.take("e=") {
		token, err := sc.value()
		if err != nil {
			return asWireError(err)
		}
		if protoErr, ok := knownErrors[token]; ok {
			return fmt.Errorf("error from server: %w", protoErr)
		}
		return fmt.Errorf("error from server: %w", errors.New(token))
	}
	if err := sc.expect("v="); err != nil {
		return asWireError(err)
	}
	verifier, err := sc.base64Bytes()
	if err != nil {
		return asWireError(err)
	}

	serverKey := hmacSum(c.h, c.saltedPassword, "Server Key")
	serverSig := hmacSum(c.h, serverKey, c.authMessage)
	if !bytes.Equal(verifier, serverSig) {
		return fmt.Errorf("scram: incorrect server signature")
	}
	return nil
}

// saslName escapes a name per the SASLprep "saslname" production: "," and
// "=" must be escaped since they're syntactically significant.
func saslName(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case ',':
			b.WriteString("=2C")
		case '=':
			b.WriteString("=3D")
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
