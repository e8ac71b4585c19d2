// SPDX-License-Identifier: GPL-3.0-or-later

package nbnet

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// TLSVerify is the peer verification level.
type TLSVerify int

const (
	// TLSVerifyNone does not verify the peer.
	TLSVerifyNone TLSVerify = iota

	// TLSVerifyOptional verifies the peer certificate when one is presented.
	//
	// Servers always present a certificate, so on the client side this
	// is equivalent to [TLSVerifyRequire].
	TLSVerifyOptional

	// TLSVerifyRequire requires a valid peer certificate.
	TLSVerifyRequire
)

// String implements [fmt.Stringer].
func (v TLSVerify) String() string {
	switch v {
	case TLSVerifyNone:
		return "none"
	case TLSVerifyOptional:
		return "optional"
	case TLSVerifyRequire:
		return "require"
	default:
		return fmt.Sprintf("TLSVerify(%d)", int(v))
	}
}

// TLSOptions configures a [*TLSContext].
type TLSOptions struct {
	// CertFile and KeyFile are the PEM certificate chain and private key.
	// Both are required for server handshakes and optional for clients.
	CertFile string
	KeyFile  string

	// Verify is the peer verification level.
	Verify TLSVerify

	// CAFile and CADir contain the trusted PEM certificates. When both are
	// empty the system roots are used.
	CAFile string
	CADir  string

	// MinVersion and MaxVersion bound the protocol version (e.g.,
	// [tls.VersionTLS12]). Zero means the library default.
	MinVersion uint16
	MaxVersion uint16

	// Ciphers is a colon-separated list of cipher suite names as printed
	// by [tls.CipherSuiteName]. Empty means the library default. The list
	// only affects TLS 1.2 and below.
	Ciphers string

	// PreferServerCiphers is recorded for completeness. The Go TLS stack
	// always chooses the suite order itself.
	PreferServerCiphers bool

	// NextProtos is the ALPN protocol list.
	NextProtos []string

	// ServerName overrides the SNI and verification name for clients.
	ServerName string
}

// TLSContext is the immutable TLS configuration shared by many sockets.
//
// Construct using [NewTLSContext]. A context never changes after construction,
// so the same pointer may be used concurrently by any number of handshakes.
type TLSContext struct {
	opts    TLSOptions
	certs   []tls.Certificate
	roots   *x509.CertPool
	ciphers []uint16
}

// NewTLSContext loads the files named by opts and returns a [*TLSContext].
func NewTLSContext(opts TLSOptions) (*TLSContext, error) {
	tc := &TLSContext{opts: opts}
	tc.opts.NextProtos = append([]string(nil), opts.NextProtos...)

	if opts.CertFile != "" || opts.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(opts.CertFile, opts.KeyFile)
		if err != nil {
			return nil, err
		}
		tc.certs = []tls.Certificate{cert}
	}

	roots, err := loadRoots(opts.CAFile, opts.CADir)
	if err != nil {
		return nil, err
	}
	tc.roots = roots

	ciphers, err := parseCipherList(opts.Ciphers)
	if err != nil {
		return nil, err
	}
	tc.ciphers = ciphers
	return tc, nil
}

// Options returns a copy of the options used to build the context.
func (tc *TLSContext) Options() TLSOptions {
	opts := tc.opts
	opts.NextProtos = append([]string(nil), tc.opts.NextProtos...)
	return opts
}

// ClientConfig returns a fresh [*tls.Config] for a client handshake.
//
// The serverName is used for SNI and verification unless
// [TLSOptions.ServerName] is set.
func (tc *TLSContext) ClientConfig(serverName string) *tls.Config {
	config := tc.baseConfig()
	config.ServerName = serverName
	if tc.opts.ServerName != "" {
		config.ServerName = tc.opts.ServerName
	}
	config.RootCAs = tc.roots
	config.InsecureSkipVerify = tc.opts.Verify == TLSVerifyNone
	return config
}

// ServerConfig returns a fresh [*tls.Config] for a server handshake.
func (tc *TLSContext) ServerConfig() *tls.Config {
	config := tc.baseConfig()
	config.ClientCAs = tc.roots
	switch tc.opts.Verify {
	case TLSVerifyOptional:
		config.ClientAuth = tls.VerifyClientCertIfGiven
	case TLSVerifyRequire:
		config.ClientAuth = tls.RequireAndVerifyClientCert
	default:
		config.ClientAuth = tls.NoClientCert
	}
	return config
}

func (tc *TLSContext) baseConfig() *tls.Config {
	return &tls.Config{
		Certificates: tc.certs,
		CipherSuites: tc.ciphers,
		MaxVersion:   tc.opts.MaxVersion,
		MinVersion:   tc.opts.MinVersion,
		NextProtos:   append([]string(nil), tc.opts.NextProtos...),
	}
}

var (
	systemRootsOnce sync.Once
	systemRoots     *x509.CertPool
)

// loadSystemRoots loads the system trust store exactly once per process.
func loadSystemRoots() *x509.CertPool {
	systemRootsOnce.Do(func() {
		if pool, err := x509.SystemCertPool(); err == nil {
			systemRoots = pool
		}
	})
	return systemRoots
}

// errNoCertificates is returned when a CA file contains no PEM certificates.
var errNoCertificates = errors.New("nbnet: no PEM certificates found")

func loadRoots(caFile, caDir string) (*x509.CertPool, error) {
	if caFile == "" && caDir == "" {
		return loadSystemRoots(), nil
	}
	pool := x509.NewCertPool()
	if caFile != "" {
		data, err := os.ReadFile(caFile)
		if err != nil {
			return nil, err
		}
		if !pool.AppendCertsFromPEM(data) {
			return nil, fmt.Errorf("%w: %s", errNoCertificates, caFile)
		}
	}
	if caDir != "" {
		entries, err := os.ReadDir(caDir)
		if err != nil {
			return nil, err
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			data, err := os.ReadFile(filepath.Join(caDir, entry.Name()))
			if err != nil {
				return nil, err
			}
			pool.AppendCertsFromPEM(data) // non-PEM files are skipped
		}
	}
	return pool, nil
}

func parseCipherList(list string) ([]uint16, error) {
	if list == "" {
		return nil, nil
	}
	known := make(map[string]uint16)
	for _, suite := range tls.CipherSuites() {
		known[suite.Name] = suite.ID
	}
	for _, suite := range tls.InsecureCipherSuites() {
		known[suite.Name] = suite.ID
	}
	var out []uint16
	for _, name := range strings.Split(list, ":") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		id, ok := known[name]
		if !ok {
			return nil, fmt.Errorf("nbnet: unknown cipher suite %q", name)
		}
		out = append(out, id)
	}
	return out, nil
}
