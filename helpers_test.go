// SPDX-License-Identifier: GPL-3.0-or-later

package nbnet

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"log/slog"
	"math/big"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bassosimone/netstub"
	"github.com/bassosimone/slogstub"
	"github.com/bassosimone/tlsstub"
	"github.com/stretchr/testify/require"
)

// newCapturingLogger returns a logger that captures all log records into the
// returned slice. The caller can inspect the slice after exercising the code
// under test to verify which events were emitted.
func newCapturingLogger() (*slog.Logger, *[]slog.Record) {
	var (
		mu      sync.Mutex
		records []slog.Record
	)
	handler := &slogstub.FuncHandler{
		EnabledFunc: func(ctx context.Context, level slog.Level) bool {
			return true
		},
		HandleFunc: func(ctx context.Context, record slog.Record) error {
			mu.Lock()
			records = append(records, record)
			mu.Unlock()
			return nil
		},
	}
	return slog.New(handler), &records
}

// recordMessages returns the messages of the captured records.
func recordMessages(records []slog.Record) (out []string) {
	for _, record := range records {
		out = append(out, record.Message)
	}
	return
}

// recordAttr returns the value of the named attribute of record.
func recordAttr(record slog.Record, key string) (value slog.Value, found bool) {
	record.Attrs(func(attr slog.Attr) bool {
		if attr.Key == key {
			value, found = attr.Value, true
			return false
		}
		return true
	})
	return
}

// newMockTLSEngine returns a [*tlsstub.FuncTLSEngine] that wraps the given
// [TLSConn]. The engine's ClientFunc returns the conn, NameFunc returns
// "mock", and ParrotFunc returns "".
func newMockTLSEngine(conn TLSConn) *tlsstub.FuncTLSEngine[TLSConn] {
	return &tlsstub.FuncTLSEngine[TLSConn]{
		ClientFunc: func(c net.Conn, config *tls.Config) TLSConn {
			return conn
		},
		NameFunc: func() string {
			return "mock"
		},
		ParrotFunc: func() string {
			return ""
		},
	}
}

// newMinimalConn returns a [*netstub.FuncConn] with only LocalAddrFunc and
// RemoteAddrFunc set. This is the minimum needed for code that calls
// [safeconn.LocalAddr], [safeconn.RemoteAddr], and [safeconn.Network].
func newMinimalConn() *netstub.FuncConn {
	return &netstub.FuncConn{
		LocalAddrFunc:  func() net.Addr { return &net.TCPAddr{} },
		RemoteAddrFunc: func() net.Addr { return &net.TCPAddr{} },
	}
}

// testCertificate is a self-signed certificate valid for "localhost",
// 127.0.0.1 and ::1, also saved as PEM files.
type testCertificate struct {
	// CertFile and KeyFile are the PEM files.
	CertFile string
	KeyFile  string

	// Cert is the loaded certificate.
	Cert tls.Certificate

	// Pool trusts the certificate.
	Pool *x509.CertPool
}

// newTestCertificate generates a [*testCertificate] in a temporary directory.
func newTestCertificate(t *testing.T) *testCertificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "localhost"},
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	dir := t.TempDir()
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	out := &testCertificate{
		CertFile: filepath.Join(dir, "cert.pem"),
		KeyFile:  filepath.Join(dir, "key.pem"),
		Pool:     x509.NewCertPool(),
	}
	require.NoError(t, os.WriteFile(out.CertFile, certPEM, 0600))
	require.NoError(t, os.WriteFile(out.KeyFile, keyPEM, 0600))
	out.Cert, err = tls.X509KeyPair(certPEM, keyPEM)
	require.NoError(t, err)
	require.True(t, out.Pool.AppendCertsFromPEM(certPEM))
	return out
}

// newClientTLSContext returns a [*TLSContext] trusting cert.
func newClientTLSContext(t *testing.T, cert *testCertificate, nextProtos ...string) *TLSContext {
	t.Helper()
	tc, err := NewTLSContext(TLSOptions{
		CAFile:     cert.CertFile,
		NextProtos: nextProtos,
		Verify:     TLSVerifyRequire,
	})
	require.NoError(t, err)
	return tc
}

// newLoopbackServer accepts connections on 127.0.0.1 and runs handler
// for each of them in a background goroutine, closing the connection
// when handler returns. The listener is closed at the end of the test.
func newLoopbackServer(t *testing.T, handler func(conn net.Conn)) netip.AddrPort {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return serveLoopback(t, listener, handler)
}

// newTLSLoopbackServer is like [newLoopbackServer] but speaks TLS using cert.
func newTLSLoopbackServer(t *testing.T, cert *testCertificate, nextProtos []string, handler func(conn net.Conn)) netip.AddrPort {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	config := &tls.Config{Certificates: []tls.Certificate{cert.Cert}, NextProtos: nextProtos}
	return serveLoopback(t, tls.NewListener(listener, config), handler)
}

func serveLoopback(t *testing.T, listener net.Listener, handler func(conn net.Conn)) netip.AddrPort {
	var wg sync.WaitGroup
	t.Cleanup(func() {
		listener.Close()
		wg.Wait()
	})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			conn, err := listener.Accept()
			if errors.Is(err, net.ErrClosed) {
				return
			}
			if err != nil {
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer conn.Close()
				handler(conn)
			}()
		}
	}()
	return listener.Addr().(*net.TCPAddr).AddrPort()
}

// unusedLoopbackPort returns a loopback port nobody is listening on.
func unusedLoopbackPort(t *testing.T) uint16 {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := listener.Addr().(*net.TCPAddr).Port
	require.NoError(t, listener.Close())
	return uint16(port)
}

// connectLoopback returns a [*Socket] connected to server.
func connectLoopback(t *testing.T, cfg *Config, server netip.AddrPort) *Socket {
	t.Helper()
	addrs := NewAddressList("", server.Port(), server.Addr())
	sock, err := NewConnectFunc(cfg, DefaultSLogger()).Call(context.Background(), addrs)
	require.NoError(t, err)
	t.Cleanup(func() { sock.Close() })
	return sock
}

// newTestPoller returns a [*Poller] closed at the end of the test.
func newTestPoller(t *testing.T) *Poller {
	t.Helper()
	p, err := NewPoller()
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

// funcLookuper is a [Lookuper] implemented by a function.
type funcLookuper func(ctx context.Context, network, host string) ([]netip.Addr, error)

// LookupNetIP implements [Lookuper].
func (f funcLookuper) LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error) {
	return f(ctx, network, host)
}
