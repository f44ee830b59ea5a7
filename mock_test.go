package o2gate

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var (
	testCertOnce sync.Once
	testCert     tls.Certificate
	testCertPool *x509.CertPool
	testCertErr  error
)

// generateSelfSignedCertificate generates a self-signed certificate for testing
func generateSelfSignedCertificate() (tls.Certificate, *x509.CertPool, error) {
	testCertOnce.Do(func() {
		priv, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			testCertErr = err
			return
		}

		template := x509.Certificate{
			SerialNumber: big.NewInt(1),
			Subject: pkix.Name{
				Organization: []string{"Test Co"},
			},
			NotBefore:             time.Now().Add(-time.Hour),
			NotAfter:              time.Now().Add(365 * 24 * time.Hour),
			KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
			ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
			BasicConstraintsValid: true,
			IsCA:                  true,
			IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1)},
		}

		certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
		if err != nil {
			testCertErr = err
			return
		}

		certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
		keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})

		testCert, testCertErr = tls.X509KeyPair(certPEM, keyPEM)
		testCertPool = x509.NewCertPool()
		testCertPool.AppendCertsFromPEM(certPEM)
	})
	return testCert, testCertPool, testCertErr
}

func serverTLSConfig(t *testing.T) *tls.Config {
	t.Helper()
	cert, _, err := generateSelfSignedCertificate()
	if err != nil {
		t.Fatalf("failed to generate certificate: %v", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}
}

// mockServer is a line-oriented remote mail server. Each accepted
// connection runs handle; every line it receives is recorded.
type mockServer struct {
	listener net.Listener
	handle   func(c *mockConn)
	implicit bool

	mu    sync.Mutex
	lines []string
	open  []net.Conn

	accepted atomic.Int32
	wg       sync.WaitGroup
}

type mockConn struct {
	s    *mockServer
	conn net.Conn
	r    *bufio.Reader
}

// newMockServer starts a mock remote. With implicitTLS the listener speaks
// TLS from the first byte; otherwise the handler may call startTLS.
func newMockServer(t *testing.T, implicitTLS bool, handle func(c *mockConn)) *mockServer {
	t.Helper()
	var ln net.Listener
	var err error
	if implicitTLS {
		ln, err = tls.Listen("tcp", "127.0.0.1:0", serverTLSConfig(t))
	} else {
		ln, err = net.Listen("tcp", "127.0.0.1:0")
	}
	if err != nil {
		t.Fatalf("failed to create mock listener: %v", err)
	}
	s := &mockServer{listener: ln, handle: handle, implicit: implicitTLS}
	s.wg.Add(1)
	go s.serve()
	t.Cleanup(s.Close)
	return s
}

func (s *mockServer) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.accepted.Add(1)
		s.mu.Lock()
		s.open = append(s.open, conn)
		s.mu.Unlock()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer conn.Close()
			s.handle(&mockConn{s: s, conn: conn, r: bufio.NewReader(conn)})
		}()
	}
}

func (s *mockServer) Close() {
	s.listener.Close()
	s.mu.Lock()
	for _, c := range s.open {
		c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// Endpoint returns the server address as a remote endpoint
func (s *mockServer) Endpoint() Endpoint {
	addr := s.listener.Addr().(*net.TCPAddr)
	return Endpoint{Host: "127.0.0.1", Port: addr.Port, StartTLS: !s.implicit}
}

// Lines returns every line received so far
func (s *mockServer) Lines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...)
}

func (c *mockConn) send(lines ...string) {
	for _, l := range lines {
		if _, err := c.conn.Write([]byte(l + "\r\n")); err != nil {
			return
		}
	}
}

func (c *mockConn) recv() (string, bool) {
	line, err := c.r.ReadString('\n')
	if err != nil {
		return "", false
	}
	line = strings.TrimRight(line, "\r\n")
	c.s.mu.Lock()
	c.s.lines = append(c.s.lines, line)
	c.s.mu.Unlock()
	return line, true
}

// startTLS upgrades a plaintext mock connection to TLS
func (c *mockConn) startTLS(t *testing.T) bool {
	tc := tls.Server(c.conn, serverTLSConfig(t))
	if err := tc.Handshake(); err != nil {
		return false
	}
	c.conn = tc
	c.r = bufio.NewReader(tc)
	return true
}

// decodeXOAuth2 splits a base64 XOAUTH2 initial response
func decodeXOAuth2(payload string) (user, token string, err error) {
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", "", err
	}
	parts := strings.Split(string(raw), "\x01")
	if len(parts) != 4 || !strings.HasPrefix(parts[0], "user=") || !strings.HasPrefix(parts[1], "auth=Bearer ") {
		return "", "", fmt.Errorf("malformed XOAUTH2 payload %q", raw)
	}
	return strings.TrimPrefix(parts[0], "user="), strings.TrimPrefix(parts[1], "auth=Bearer "), nil
}

// countingDialer wraps a TLSDialer trusting the test certificate and counts
// remote dials
type countingDialer struct {
	*TLSDialer
	dials atomic.Int32
}

func newCountingDialer(t *testing.T) *countingDialer {
	t.Helper()
	_, pool, err := generateSelfSignedCertificate()
	if err != nil {
		t.Fatalf("failed to generate certificate: %v", err)
	}
	return &countingDialer{TLSDialer: &TLSDialer{RootCAs: pool}}
}

func (d *countingDialer) DialRemote(ctx context.Context, ep Endpoint) (net.Conn, error) {
	d.dials.Add(1)
	return d.TLSDialer.DialRemote(ctx, ep)
}

// testTokens hands out "token-for-<identity>" and records lookups
type testTokens struct {
	mu    sync.Mutex
	calls []string
	fail  atomic.Bool
}

func (tt *testTokens) GetToken(_ context.Context, identity, _ string) (string, error) {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	tt.calls = append(tt.calls, identity)
	if tt.fail.Load() {
		return "", errors.New("consent refused")
	}
	return "token-for-" + identity, nil
}

func (tt *testTokens) Calls() []string {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	return append([]string(nil), tt.calls...)
}

// testGateway is a gateway serving every protocol on ephemeral loopback
// ports, all pointed at the same remote endpoint
type testGateway struct {
	*Gateway
	addrs  map[Protocol]string
	tokens *testTokens
	dialer *countingDialer
}

func newTestGateway(t *testing.T, remote Endpoint, mode ProviderMode, cfg Config) *testGateway {
	t.Helper()
	book, err := NewAccountBook(map[string]ClientConfig{
		DefaultIdentity: {
			ClientID: "client-id",
			Provider: mode,
			POP3:     remote,
			IMAP:     remote,
			SMTP:     remote,
		},
	}, nil)
	if err != nil {
		t.Fatalf("NewAccountBook: %v", err)
	}

	tg := &testGateway{
		addrs:  make(map[Protocol]string),
		tokens: &testTokens{},
		dialer: newCountingDialer(t),
	}
	cfg.Accounts = book
	if cfg.Tokens == nil {
		cfg.Tokens = tg.tokens
	}
	cfg.Dialer = tg.dialer
	tg.Gateway, err = NewGateway(cfg)
	if err != nil {
		t.Fatalf("NewGateway: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for _, proto := range []Protocol{ProtoPOP3, ProtoIMAP, ProtoSMTP} {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatalf("listen: %v", err)
		}
		tg.addrs[proto] = ln.Addr().String()
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := tg.Serve(ctx, proto, ln); err != nil {
				t.Errorf("Serve(%s): %v", proto, err)
			}
		}()
	}
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
	return tg
}

// testClient is a legacy mail client talking to a gateway listener
type testClient struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func dialClient(t *testing.T, addr string) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial %s: %v", addr, err)
	}
	t.Cleanup(func() { conn.Close() })
	return &testClient{t: t, conn: conn, r: bufio.NewReader(conn)}
}

func (c *testClient) send(line string) {
	c.t.Helper()
	if _, err := c.conn.Write([]byte(line + "\r\n")); err != nil {
		c.t.Fatalf("write %q: %v", line, err)
	}
}

// read returns the next line, or an error on EOF or timeout
func (c *testClient) read() (string, error) {
	_ = c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := c.r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// expect reads one line and fails unless it starts with prefix
func (c *testClient) expect(prefix string) string {
	c.t.Helper()
	line, err := c.read()
	if err != nil {
		c.t.Fatalf("waiting for %q: %v", prefix, err)
	}
	if !strings.HasPrefix(line, prefix) {
		c.t.Fatalf("got %q, want prefix %q", line, prefix)
	}
	return line
}

// expectClosed fails unless the gateway closes the connection
func (c *testClient) expectClosed() {
	c.t.Helper()
	line, err := c.read()
	if err == nil {
		c.t.Fatalf("expected connection close, got %q", line)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		c.t.Fatalf("connection still open")
	}
}

// saveKnobs restores the package-level settings after a test
func saveKnobs(t *testing.T) {
	verbose, skip, cmdTimeout := Verbose, SkipResponses, CommandTimeout
	t.Cleanup(func() {
		Verbose, SkipResponses, CommandTimeout = verbose, skip, cmdTimeout
	})
}

// waitFor polls cond until it holds or the deadline passes
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
