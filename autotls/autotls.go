// Package autotls configures TLS certificates for the edge's listeners by
// requesting them with ACME (typically from Let's Encrypt), so STARTTLS and
// implicit-TLS listeners don't require a manually provisioned certificate.
//
// Grounded on the teacher's own autotls/autotls.go, adapted to this
// module's dns.Domain/mlog types and to github.com/mjl-/autocert (the
// teacher's own autocert fork, already a direct dependency via main.go's
// and mox-/config.go's KeyType/GetPrivateKey usage) in place of stock
// golang.org/x/crypto/acme/autocert.
package autotls

import (
	"bytes"
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	cryptorand "crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/mjl-/autocert"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/crypto/acme"

	"github.com/mjl-mta/relaylib/dns"
	"github.com/mjl-mta/relaylib/internal/mlog"
	"github.com/mjl-mta/relaylib/internal/moxvar"
)

var xlog = mlog.New("autotls")

var metricCertput = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "relaylib_autotls_certput_total",
		Help: "Number of certificate store puts.",
	},
)

// Manager is in charge of a single ACME identity and automatically requests
// certificates for allowlisted hosts. It also serves as the on-disk
// certificate cache autocert reads and writes through, logging and counting
// every access instead of delegating that to a separate cache type.
type Manager struct {
	ACMETLSConfig *tls.Config // For serving the http-01/tls-alpn-01 validation listener.
	TLSConfig     *tls.Config // For the edge's SMTP listeners (STARTTLS and implicit TLS).
	Manager       *autocert.Manager

	shutdown <-chan struct{}
	certDir  string // Root directory backing the Get/Put/Delete methods below.

	sync.Mutex
	hosts map[dns.Domain]struct{}
}

// cacheOp runs one of the three autocert.Cache operations against m's
// certDir and logs its outcome uniformly, the one piece of behavior
// Get/Put/Delete share.
func (m *Manager) cacheOp(ctx context.Context, op, name string, fn func(autocert.DirCache) error) error {
	log := xlog.WithContext(ctx)
	err := fn(autocert.DirCache(m.certDir))
	switch {
	case err != nil && errors.Is(err, autocert.ErrCacheMiss):
		log.Infox("autotls cache "+op, err, mlog.Field("name", name))
	case err != nil:
		log.Errorx("autotls cache "+op, err, mlog.Field("name", name))
	}
	return err
}

// Get implements autocert.Cache, reading a cached cert/key/token from disk.
func (m *Manager) Get(ctx context.Context, name string) ([]byte, error) {
	var buf []byte
	err := m.cacheOp(ctx, "get", name, func(c autocert.DirCache) (err error) {
		buf, err = c.Get(ctx, name)
		return err
	})
	return buf, err
}

// Put implements autocert.Cache, writing a cert/key/token to disk.
func (m *Manager) Put(ctx context.Context, name string, data []byte) error {
	metricCertput.Inc()
	return m.cacheOp(ctx, "put", name, func(c autocert.DirCache) error {
		return c.Put(ctx, name, data)
	})
}

// Delete implements autocert.Cache, removing a cached entry from disk.
func (m *Manager) Delete(ctx context.Context, name string) error {
	return m.cacheOp(ctx, "delete", name, func(c autocert.DirCache) error {
		return c.Delete(ctx, name)
	})
}

// Load returns an initialized Manager for name (used for the ACME account
// key file and as a namespace for cached certs/keys), all stored under
// acmeDir. contactEmail must be a valid address for ACME notifications;
// directoryURL is the ACME directory to use. Once shutdown is closed, no
// further certificates are requested.
func Load(name, acmeDir, contactEmail, directoryURL string, shutdown <-chan struct{}) (*Manager, error) {
	if directoryURL == "" {
		return nil, fmt.Errorf("autotls: empty ACME directory URL")
	}
	if contactEmail == "" {
		return nil, fmt.Errorf("autotls: empty contact email")
	}

	key, err := loadOrCreateIdentityKey(filepath.Join(acmeDir, name+".key"), name)
	if err != nil {
		return nil, err
	}

	a := &Manager{
		shutdown: shutdown,
		certDir:  filepath.Join(acmeDir, "keycerts", name),
		hosts:    map[dns.Domain]struct{}{},
	}

	m := &autocert.Manager{
		Cache:  a, // a implements Get/Put/Delete itself, see above.
		Prompt: autocert.AcceptTOS,
		Email:  contactEmail,
		Client: &acme.Client{
			DirectoryURL: directoryURL,
			Key:          key,
			UserAgent:    "relaylib/" + moxvar.Version,
		},
		HostPolicy: a.HostPolicy,
	}
	a.Manager = m

	acmeTLSConfig := *m.TLSConfig()
	acmeTLSConfig.GetCertificate = a.getCertificate
	a.ACMETLSConfig = &acmeTLSConfig
	a.TLSConfig = &tls.Config{GetCertificate: a.getCertificate}

	return a, nil
}

// getCertificate backs both TLSConfig and ACMETLSConfig, logging the
// outcome of every certificate request/lookup autocert makes on a
// connection's behalf.
func (m *Manager) getCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	log := xlog.WithContext(hello.Context())
	if hello.ServerName == "" {
		log.Debug("tls request without sni servername, rejecting", mlog.Field("localaddr", hello.Conn.LocalAddr()))
		return nil, fmt.Errorf("autotls: sni server name required")
	}
	cert, err := m.Manager.GetCertificate(hello)
	if err != nil {
		if errors.Is(err, errHostNotAllowed) {
			log.Infox("requesting certificate", err, mlog.Field("host", hello.ServerName))
		} else {
			log.Errorx("requesting certificate", err, mlog.Field("host", hello.ServerName))
		}
	}
	return cert, err
}

func loadOrCreateIdentityKey(p, name string) (crypto.Signer, error) {
	f, err := os.Open(p)
	if f != nil {
		defer f.Close()
	}
	if err != nil && os.IsNotExist(err) {
		key, err := ecdsa.GenerateKey(elliptic.P256(), cryptorand.Reader)
		if err != nil {
			return nil, fmt.Errorf("autotls: generating ecdsa identity key: %w", err)
		}
		der, err := x509.MarshalPKCS8PrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("autotls: marshal identity key: %w", err)
		}
		block := &pem.Block{
			Type:    "PRIVATE KEY",
			Headers: map[string]string{"Note": fmt.Sprintf("ACME account key for %s", name)},
			Bytes:   der,
		}
		b := &bytes.Buffer{}
		if err := pem.Encode(b, block); err != nil {
			return nil, fmt.Errorf("autotls: pem encode: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(p), 0770); err != nil {
			return nil, fmt.Errorf("autotls: creating acme directory: %w", err)
		}
		if err := os.WriteFile(p, b.Bytes(), 0660); err != nil {
			return nil, fmt.Errorf("autotls: writing identity key: %w", err)
		}
		return key, nil
	} else if err != nil {
		return nil, fmt.Errorf("autotls: open identity key file: %w", err)
	}

	buf, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("autotls: reading identity key: %w", err)
	}
	block, _ := pem.Decode(buf)
	if block == nil {
		return nil, fmt.Errorf("autotls: no pem data in identity key file")
	}
	if block.Type != "PRIVATE KEY" {
		return nil, fmt.Errorf("autotls: got PEM block %q, expected PRIVATE KEY", block.Type)
	}
	privKey, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("autotls: parsing pkcs8 private key: %w", err)
	}
	switch k := privKey.(type) {
	case *ecdsa.PrivateKey:
		return k, nil
	case *rsa.PrivateKey:
		return k, nil
	default:
		return nil, fmt.Errorf("autotls: unsupported private key type %T", privKey)
	}
}

// SetAllowedHostnames replaces the set of hostnames ACME is allowed to
// request certificates for. A host not in this set is refused by
// HostPolicy, so ACME can never be tricked into requesting a certificate
// for an arbitrary SNI name.
func (m *Manager) SetAllowedHostnames(hostnames map[dns.Domain]struct{}) {
	m.Lock()
	defer m.Unlock()
	l := make([]dns.Domain, 0, len(hostnames))
	for d := range hostnames {
		l = append(l, d)
	}
	sort.Slice(l, func(i, j int) bool { return l[i].Name() < l[j].Name() })
	xlog.Debug("autotls allowed hostnames set", mlog.Field("hostnames", l))
	m.hosts = hostnames
}

// Hostnames returns the currently allowed hostnames for ACME.
func (m *Manager) Hostnames() []dns.Domain {
	m.Lock()
	defer m.Unlock()
	l := make([]dns.Domain, 0, len(m.hosts))
	for d := range m.hosts {
		l = append(l, d)
	}
	return l
}

var errHostNotAllowed = errors.New("autotls: host not in allowlist")

// HostPolicy decides whether host may be served/requested a certificate for.
func (m *Manager) HostPolicy(ctx context.Context, host string) (rerr error) {
	log := xlog.WithContext(ctx)
	defer func() {
		log.Debugx("autotls hostpolicy result", rerr, mlog.Field("host", host))
	}()

	select {
	case <-m.shutdown:
		return fmt.Errorf("autotls: shutting down")
	default:
	}

	if xhost, _, err := net.SplitHostPort(host); err == nil {
		host = xhost // http-01 validation includes a port.
	}
	d, err := dns.ParseDomain(host)
	if err != nil {
		return fmt.Errorf("autotls: invalid host: %w", err)
	}

	m.Lock()
	defer m.Unlock()
	if _, ok := m.hosts[d]; !ok {
		return fmt.Errorf("%w: %q", errHostNotAllowed, d)
	}
	return nil
}
