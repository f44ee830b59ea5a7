package o2gate

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"golang.org/x/net/proxy"
)

// RemoteDialer opens the connection to a remote mail server. When
// ep.StartTLS is false the returned connection must already speak TLS.
type RemoteDialer interface {
	DialRemote(ctx context.Context, ep Endpoint) (net.Conn, error)
	// UpgradeTLS wraps a plaintext connection after a successful STARTTLS
	UpgradeTLS(ctx context.Context, conn net.Conn, host string) (net.Conn, error)
}

// TLSDialer dials remote servers over TLS, honouring ALL_PROXY/NO_PROXY.
type TLSDialer struct {
	// RootCAs overrides the system trust roots when set
	RootCAs *x509.CertPool
}

// NewTLSDialer returns a dialer trusting the system roots plus the PEM
// certificates in caFile, if given.
func NewTLSDialer(caFile string) (*TLSDialer, error) {
	d := &TLSDialer{}
	if caFile == "" {
		return d, nil
	}
	pem, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("reading CA file: %w", err)
	}
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", caFile)
	}
	d.RootCAs = pool
	return d, nil
}

func (d *TLSDialer) tlsConfig(host string) *tls.Config {
	return &tls.Config{
		ServerName:         host,
		RootCAs:            d.RootCAs,
		InsecureSkipVerify: TLSSkipVerify,
	}
}

// DialRemote implements RemoteDialer
func (d *TLSDialer) DialRemote(ctx context.Context, ep Endpoint) (net.Conn, error) {
	if DialTimeout != 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DialTimeout)
		defer cancel()
	}
	addr := net.JoinHostPort(ep.Host, strconv.Itoa(ep.Port))

	var conn net.Conn
	var err error
	base := proxy.FromEnvironmentUsing(&net.Dialer{Timeout: DialTimeout})
	if cd, ok := base.(proxy.ContextDialer); ok {
		conn, err = cd.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = base.Dial("tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}
	if ep.StartTLS {
		return conn, nil
	}
	return d.UpgradeTLS(ctx, conn, ep.Host)
}

// UpgradeTLS implements RemoteDialer
func (d *TLSDialer) UpgradeTLS(ctx context.Context, conn net.Conn, host string) (net.Conn, error) {
	tc := tls.Client(conn, d.tlsConfig(host))
	if err := tc.HandshakeContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("tls handshake with %s: %w", host, err)
	}
	return tc, nil
}

// session is the per-connection state shared by the protocol handlers: the
// local client stream, the remote stream once dialed, and the gate claim.
type session struct {
	id    int
	proto Protocol
	gw    *Gateway
	log   Logger

	local net.Conn
	lr    *bufio.Reader

	mu     sync.Mutex // guards remote against concurrent shutdown
	remote net.Conn
	rr     *bufio.Reader

	holdsGate bool
	// strikes counts malformed commands; the second one ends the session
	strikes int
}

func newSession(gw *Gateway, id int, proto Protocol, local net.Conn) *session {
	return &session{
		id:    id,
		proto: proto,
		gw:    gw,
		log:   connectionLogger(id, proto),
		local: local,
		lr:    bufio.NewReader(local),
	}
}

// readLocal reads one line from the client, terminator included
func (s *session) readLocal() ([]byte, error) {
	line, err := s.lr.ReadBytes('\n')
	if err != nil {
		if len(line) > 0 {
			debugLog(s.id, s.proto, "client line (partial)", "line", string(dropNl(line)))
		}
		return nil, err
	}
	return line, nil
}

// writeLocal sends raw bytes to the client
func (s *session) writeLocal(b []byte) error {
	if Verbose {
		debugLog(s.id, s.proto, "to client", "line", string(dropNl(b)))
	}
	_, err := s.local.Write(b)
	return err
}

// replyLocal sends one line to the client, appending CRLF
func (s *session) replyLocal(line string) error {
	return s.writeLocal([]byte(line + crlf))
}

// readRemote reads one line from the remote server under CommandTimeout
func (s *session) readRemote() ([]byte, error) {
	if CommandTimeout != 0 {
		_ = s.remote.SetReadDeadline(time.Now().Add(CommandTimeout))
		defer func() { _ = s.remote.SetReadDeadline(time.Time{}) }()
	}
	line, err := s.rr.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("reading from remote: %w", err)
	}
	if Verbose && !SkipResponses {
		debugLog(s.id, s.proto, "from remote", "line", string(dropNl(line)))
	}
	return line, nil
}

// sendRemote writes one command line to the remote server. logged replaces
// the line in verbose logs when it carries secrets.
func (s *session) sendRemote(line string, logged string) error {
	if Verbose {
		if logged == "" {
			logged = line
		}
		debugLog(s.id, s.proto, "to remote", "line", logged)
	}
	_, err := s.remote.Write([]byte(line + crlf))
	if err != nil {
		return fmt.Errorf("writing to remote: %w", err)
	}
	return nil
}

// dialRemote connects to ep and replaces the remote stream
func (s *session) dialRemote(ctx context.Context, ep Endpoint) error {
	debugLog(s.id, s.proto, "connecting to remote", "remote", ep.String(), "starttls", ep.StartTLS)
	conn, err := s.gw.dialer.DialRemote(ctx, ep)
	if err != nil {
		return err
	}
	s.setRemote(conn)
	return nil
}

func (s *session) setRemote(conn net.Conn) {
	s.mu.Lock()
	s.remote = conn
	s.mu.Unlock()
	s.rr = bufio.NewReader(conn)
}

// acquireGate claims the serialization gate for this connection
func (s *session) acquireGate(ctx context.Context) error {
	if err := s.gw.gate.Acquire(ctx, s.id); err != nil {
		return err
	}
	s.holdsGate = true
	return nil
}

// releaseGate frees the gate if this connection holds it
func (s *session) releaseGate() {
	if !s.holdsGate {
		return
	}
	s.holdsGate = false
	if err := s.gw.gate.Release(s.id); err != nil {
		s.log.Warn("releasing gate", "error", err)
	}
}

// strike records a malformed command and reports whether the one allowed
// retry is still available
func (s *session) strike() bool {
	s.strikes++
	return s.strikes < 2
}

// identity resolves the account identity, honouring the fixed override
func (s *session) identity(user string) string {
	if s.gw.identity != "" {
		return s.gw.identity
	}
	return user
}

// closeStreams closes both sockets, unblocking any pending reads. It is
// safe to call from another goroutine.
func (s *session) closeStreams() {
	s.mu.Lock()
	remote := s.remote
	s.mu.Unlock()
	if remote != nil {
		_ = remote.Close()
	}
	_ = s.local.Close()
}

// close tears down both streams and frees the gate
func (s *session) close() {
	s.releaseGate()
	s.closeStreams()
}
