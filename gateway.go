package o2gate

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	retry "github.com/StirlingMarketingGroup/go-retry"
	"golang.org/x/time/rate"
)

// acceptBurst is how many connections may be accepted back to back before
// the accept rate applies
const acceptBurst = 10

// Config wires a Gateway. Accounts and Tokens are required.
type Config struct {
	Accounts *AccountBook
	Tokens   TokenProvider
	Policy   Policy
	// Delay holds outbound messages when Policy.SendDelay is set. Defaults
	// to a SendDelay without notification.
	Delay Delayer
	// Dialer defaults to a TLSDialer using the system roots
	Dialer RemoteDialer
	// Identity, when set, is used for every connection regardless of the
	// user name the client presents
	Identity string
	// StripCompression removes COMPRESS=DEFLATE from relayed IMAP server
	// lines
	StripCompression bool
	// AcceptRate limits accepted connections per second on each listener;
	// zero means unlimited
	AcceptRate float64
}

// Gateway accepts legacy POP3, IMAP and SMTP clients on local listeners and
// re-authenticates them against the remote servers with XOAUTH2.
type Gateway struct {
	accounts         *AccountBook
	tokens           TokenProvider
	policy           Policy
	delay            Delayer
	dialer           RemoteDialer
	identity         string
	stripCompression bool
	acceptRate       float64

	gate     *Gate
	registry *Registry
}

// NewGateway validates cfg and returns a gateway ready to serve
func NewGateway(cfg Config) (*Gateway, error) {
	if cfg.Accounts == nil {
		return nil, errors.New("o2gate: no accounts configured")
	}
	if cfg.Tokens == nil {
		return nil, errors.New("o2gate: no token provider configured")
	}
	g := &Gateway{
		accounts:         cfg.Accounts,
		tokens:           cfg.Tokens,
		policy:           cfg.Policy,
		delay:            cfg.Delay,
		dialer:           cfg.Dialer,
		identity:         cfg.Identity,
		stripCompression: cfg.StripCompression,
		acceptRate:       cfg.AcceptRate,
		gate:             NewGate(),
		registry:         &Registry{},
	}
	if g.delay == nil {
		g.delay = NewSendDelay(nil)
	}
	if g.dialer == nil {
		g.dialer = &TLSDialer{}
	}
	return g, nil
}

// Gate returns the authentication gate shared by all connections
func (g *Gateway) Gate() *Gate { return g.gate }

// Registry returns the connection id registry
func (g *Gateway) Registry() *Registry { return g.registry }

// Listen binds a TCP listener for proto on host:port, retrying the bind
// ListenRetryCount times
func (g *Gateway) Listen(proto Protocol, host string, port int) (ln net.Listener, err error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	err = retry.Retry(func() error {
		ln, err = net.Listen("tcp", addr)
		return err
	}, ListenRetryCount, func(err error) error {
		warnLog(-1, proto, "failed to listen, retrying shortly", "addr", addr, "error", err)
		return nil
	}, func() error {
		debugLog(-1, proto, "retrying listen now", "addr", addr)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", addr, err)
	}
	infoLog(-1, proto, "listening", "addr", ln.Addr().String())
	return ln, nil
}

// Serve accepts connections on ln until ctx is done, serving each with the
// handler for proto. It waits for every session it started before
// returning.
func (g *Gateway) Serve(ctx context.Context, proto Protocol, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	var limiter *rate.Limiter
	if g.acceptRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(g.acceptRate), acceptBurst)
	}

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return nil
			}
		}
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("accepting %s connection: %w", proto, err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.ServeConn(ctx, proto, conn)
		}()
	}
}

// ServeConn runs one client session to completion and closes conn
func (g *Gateway) ServeConn(ctx context.Context, proto Protocol, conn net.Conn) {
	id, err := g.registry.Acquire()
	if err != nil {
		warnLog(-1, proto, "rejecting connection", "client", conn.RemoteAddr().String(), "error", err)
		_, _ = conn.Write([]byte(busyReply(proto) + crlf))
		_ = conn.Close()
		return
	}
	defer g.registry.Release(id)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s := newSession(g, id, proto, conn)
	stop := context.AfterFunc(ctx, s.closeStreams)
	defer stop()
	defer s.close()

	s.log.Info("connection accepted", "client", conn.RemoteAddr().String())
	switch proto {
	case ProtoPOP3:
		g.servePOP3(ctx, s)
	case ProtoIMAP:
		g.serveIMAP(ctx, s)
	case ProtoSMTP:
		g.serveSMTP(ctx, s)
	}
	debugLog(id, proto, "connection finished")
}

func busyReply(proto Protocol) string {
	switch proto {
	case ProtoPOP3:
		return "-ERR too many connections"
	case ProtoIMAP:
		return "* BYE too many connections"
	default:
		return "421 4.7.0 Too many connections"
	}
}

// ListenAndServe binds every enabled listener in l and serves them until
// ctx is done or one of them fails
func (g *Gateway) ListenAndServe(ctx context.Context, l Listeners) error {
	type bound struct {
		proto Protocol
		ln    net.Listener
	}
	var lns []bound
	for _, p := range []struct {
		proto Protocol
		port  int
	}{
		{ProtoPOP3, l.POP3},
		{ProtoIMAP, l.IMAP},
		{ProtoSMTP, l.SMTP},
	} {
		if p.port <= 0 {
			continue
		}
		ln, err := g.Listen(p.proto, l.Host, p.port)
		if err != nil {
			for _, b := range lns {
				_ = b.ln.Close()
			}
			return err
		}
		lns = append(lns, bound{p.proto, ln})
	}
	if len(lns) == 0 {
		return errors.New("o2gate: no listeners enabled")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	errs := make(chan error, len(lns))
	for _, b := range lns {
		go func() {
			err := g.Serve(ctx, b.proto, b.ln)
			if err != nil {
				cancel()
			}
			errs <- err
		}()
	}
	var first error
	for range lns {
		if err := <-errs; err != nil && first == nil {
			first = err
		}
	}
	return first
}
