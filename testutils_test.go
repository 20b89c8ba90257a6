package netrepeater

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"math/big"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func init() {
	// Silence the logger while running tests
	Log.SetOutput(io.Discard)
}

// mockUpstream is a TCP server recording every byte it receives. With echo
// enabled, received bytes are written back to the sender.
type mockUpstream struct {
	ln   net.Listener
	echo bool

	mu       sync.Mutex
	received []byte

	wg   sync.WaitGroup
	done chan struct{}
}

func newMockUpstream(t *testing.T, addr string, echo bool) *mockUpstream {
	ln, err := net.Listen("tcp", net.JoinHostPort(addr, "0"))
	require.NoError(t, err)

	m := &mockUpstream{
		ln:   ln,
		echo: echo,
		done: make(chan struct{}),
	}
	m.wg.Add(1)
	go m.serve()
	t.Cleanup(m.Close)
	return m
}

func (m *mockUpstream) serve() {
	defer m.wg.Done()
	for {
		conn, err := m.ln.Accept()
		if err != nil {
			return
		}
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			defer conn.Close()
			buf := make([]byte, 4096)
			for {
				n, err := conn.Read(buf)
				if n > 0 {
					m.mu.Lock()
					m.received = append(m.received, buf[:n]...)
					m.mu.Unlock()
					if m.echo {
						if _, err := conn.Write(buf[:n]); err != nil {
							return
						}
					}
				}
				if err != nil {
					return
				}
			}
		}()
	}
}

func (m *mockUpstream) Port() uint16 {
	return uint16(m.ln.Addr().(*net.TCPAddr).Port)
}

func (m *mockUpstream) Received() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]byte, len(m.received))
	copy(out, m.received)
	return out
}

func (m *mockUpstream) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.received = nil
}

func (m *mockUpstream) Close() {
	select {
	case <-m.done:
		return
	default:
	}
	close(m.done)
	m.ln.Close()
	m.wg.Wait()
}

// waitReceived polls until the upstream has received want or the timeout
// elapses.
func waitReceived(t *testing.T, m *mockUpstream, want []byte) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if string(m.Received()) == string(want) {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	require.Equal(t, want, m.Received())
}

// selfSignedTLSConfig generates a certificate for 127.0.0.1 and returns the
// matching server and client configs.
func selfSignedTLSConfig(t *testing.T) (server *tls.Config, client *tls.Config) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "netrepeater-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
		IsCA:         true,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	pool := x509.NewCertPool()
	pool.AddCert(cert)

	server = &tls.Config{
		MinVersion: tls.VersionTLS12,
		Certificates: []tls.Certificate{{
			Certificate: [][]byte{der},
			PrivateKey:  key,
		}},
	}
	client = &tls.Config{
		MinVersion: tls.VersionTLS12,
		RootCAs:    pool,
	}
	return server, client
}
