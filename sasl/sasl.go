// Package sasl implements Simple Authentication and Security Layer, RFC 4422,
// for the PLAIN, CRAM-MD5 and SCRAM-SHA-256 mechanisms used by smtpclient and
// smtpserver.
package sasl

import (
	"crypto/sha256"
	"fmt"
	"strings"

	"github.com/mjl-mta/relaylib/scram"
)

// Client is a SASL client.
type Client interface {
	// Info returns the mechanism name as used in SMTP AUTH, e.g. PLAIN,
	// CRAM-MD5, SCRAM-SHA-256, and whether credentials are exchanged in clear
	// text (which influences whether they should be logged).
	Info() (name string, cleartextCredentials bool)

	// Next is called for each step of the SASL exchange. The first call has a
	// nil fromServer and serves to produce a possible "initial response". If
	// the client's message is its last, last is true. An error aborts the
	// attempt.
	Next(fromServer []byte) (toServer []byte, last bool, err error)
}

type clientPlain struct {
	Username, Password string
	step                int
}

var _ Client = (*clientPlain)(nil)

// NewClientPlain returns a client for SASL PLAIN authentication.
func NewClientPlain(username, password string) Client {
	return &clientPlain{username, password, 0}
}

func (a *clientPlain) Info() (name string, hasCleartextCredentials bool) {
	return "PLAIN", true
}

func (a *clientPlain) Next(fromServer []byte) (toServer []byte, last bool, rerr error) {
	defer func() { a.step++ }()
	switch a.step {
	case 0:
		return []byte(fmt.Sprintf("\x00%s\x00%s", a.Username, a.Password)), true, nil
	default:
		return nil, false, fmt.Errorf("invalid step %d", a.step)
	}
}

type clientLogin struct {
	Username, Password string
	step                int
}

var _ Client = (*clientLogin)(nil)

// NewClientLogin returns a client for SASL LOGIN authentication.
func NewClientLogin(username, password string) Client {
	return &clientLogin{username, password, 0}
}

func (a *clientLogin) Info() (name string, hasCleartextCredentials bool) {
	return "LOGIN", true
}

func (a *clientLogin) Next(fromServer []byte) (toServer []byte, last bool, rerr error) {
	defer func() { a.step++ }()
	switch a.step {
	case 0:
		return nil, false, nil
	case 1:
		return []byte(a.Username), false, nil
	case 2:
		return []byte(a.Password), true, nil
	default:
		return nil, false, fmt.Errorf("invalid step %d", a.step)
	}
}

type clientCRAMMD5 struct {
	Username, Password string
	step                int
}

var _ Client = (*clientCRAMMD5)(nil)

// NewClientCRAMMD5 returns a client for SASL CRAM-MD5 authentication.
func NewClientCRAMMD5(username, password string) Client {
	return &clientCRAMMD5{username, password, 0}
}

func (a *clientCRAMMD5) Info() (name string, hasCleartextCredentials bool) {
	return "CRAM-MD5", false
}

func (a *clientCRAMMD5) Next(fromServer []byte) (toServer []byte, last bool, rerr error) {
	defer func() { a.step++ }()
	switch a.step {
	case 0:
		return nil, false, nil
	case 1:
		mac := cramMD5Response(a.Username, a.Password, fromServer)
		if mac == "" {
			return nil, false, fmt.Errorf("invalid challenge")
		}
		return []byte(mac), true, nil
	default:
		return nil, false, fmt.Errorf("invalid step %d", a.step)
	}
}

type clientSCRAMSHA256 struct {
	Username, Password string

	step  int
	scram *scram.Client
}

var _ Client = (*clientSCRAMSHA256)(nil)

// NewClientSCRAMSHA256 returns a client for SASL SCRAM-SHA-256 authentication.
func NewClientSCRAMSHA256(username, password string) Client {
	return &clientSCRAMSHA256{Username: username, Password: password}
}

func (a *clientSCRAMSHA256) Info() (name string, hasCleartextCredentials bool) {
	return "SCRAM-SHA-256", false
}

func (a *clientSCRAMSHA256) Next(fromServer []byte) (toServer []byte, last bool, rerr error) {
	defer func() { a.step++ }()
	switch a.step {
	case 0:
		a.scram = scram.NewClient(sha256.New, a.Username, "", false, nil)
		toserver, err := a.scram.ClientFirst()
		return []byte(toserver), false, err
	case 1:
		clientFinal, err := a.scram.ServerFirst(fromServer, a.Password)
		return []byte(clientFinal), false, err
	case 2:
		err := a.scram.ServerFinal(fromServer)
		return nil, true, err
	default:
		return nil, false, fmt.Errorf("invalid step %d", a.step)
	}
}

// Mechanisms in rough order of preference, for clients that want to try the
// strongest mechanism a server advertises first.
var Mechanisms = []string{"SCRAM-SHA-256", "CRAM-MD5", "LOGIN", "PLAIN"}

// NewClient returns a Client for the named mechanism, or nil if unknown.
func NewClient(mechanism, username, password string) Client {
	switch strings.ToUpper(mechanism) {
	case "PLAIN":
		return NewClientPlain(username, password)
	case "LOGIN":
		return NewClientLogin(username, password)
	case "CRAM-MD5":
		return NewClientCRAMMD5(username, password)
	case "SCRAM-SHA-256":
		return NewClientSCRAMSHA256(username, password)
	}
	return nil
}
