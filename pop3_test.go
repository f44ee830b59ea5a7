package o2gate

import (
	"bufio"
	"fmt"
	"net"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// newPOP3Remote starts a mock POP3 server that accepts any well-formed
// XOAUTH2 payload unless reject is set
func newPOP3Remote(t *testing.T, reject bool) *mockServer {
	return newMockServer(t, true, func(c *mockConn) {
		c.send("+OK mock POP3 ready")
		for {
			line, ok := c.recv()
			if !ok {
				return
			}
			switch {
			case strings.HasPrefix(line, "AUTH XOAUTH2"):
				payload := strings.TrimSpace(strings.TrimPrefix(line, "AUTH XOAUTH2"))
				if payload == "" {
					c.send("+ ")
					if payload, ok = c.recv(); !ok {
						return
					}
				}
				if _, _, err := decodeXOAuth2(payload); err != nil || reject {
					c.send("-ERR [AUTH] Authentication failed")
					continue
				}
				c.send("+OK authenticated")
			case line == "STAT":
				c.send("+OK 2 320")
			case line == "QUIT":
				c.send("+OK bye")
				return
			default:
				c.send("-ERR unknown command")
			}
		}
	})
}

func TestPOP3CapaNeverDialsRemote(t *testing.T) {
	saveKnobs(t)
	remote := newPOP3Remote(t, false)
	gw := newTestGateway(t, remote.Endpoint(), ProviderStandard, Config{})

	c := dialClient(t, gw.addrs[ProtoPOP3])
	c.expect("+OK")
	c.send("CAPA")
	c.expect("+OK Capability list follows")
	for _, want := range []string{"USER", "TOP", "UIDL", "."} {
		if got := c.expect(want); got != want {
			t.Fatalf("capability line %q, want %q", got, want)
		}
	}
	c.send("QUIT")
	c.expect("+OK")
	c.expectClosed()

	if n := gw.dialer.dials.Load(); n != 0 {
		t.Errorf("expected no remote dial, got %d", n)
	}
	if n := remote.accepted.Load(); n != 0 {
		t.Errorf("remote accepted %d connections", n)
	}
}

func TestPOP3LoginAndRelay(t *testing.T) {
	for _, mode := range []ProviderMode{ProviderStandard, ProviderMicrosoft} {
		t.Run(string(mode), func(t *testing.T) {
			saveKnobs(t)
			remote := newPOP3Remote(t, false)
			gw := newTestGateway(t, remote.Endpoint(), mode, Config{})

			c := dialClient(t, gw.addrs[ProtoPOP3])
			c.expect("+OK")
			c.send("USER alice@example.com")
			c.expect("+OK send PASS")
			c.send("PASS hunter2")
			c.expect("+OK authenticated")
			c.send("STAT")
			c.expect("+OK 2 320")
			c.send("QUIT")
			c.expect("+OK bye")
			c.expectClosed()

			lines := remote.Lines()
			var payload string
			for i, l := range lines {
				if strings.Contains(l, "hunter2") {
					t.Errorf("client password reached the remote: %q", l)
				}
				if strings.HasPrefix(l, "AUTH XOAUTH2 ") {
					payload = strings.TrimPrefix(l, "AUTH XOAUTH2 ")
				}
				if l == "AUTH XOAUTH2" && i+1 < len(lines) {
					payload = lines[i+1]
				}
			}
			if mode == ProviderMicrosoft && !slices.Contains(lines, "AUTH XOAUTH2") {
				t.Errorf("expected two-step AUTH, remote saw %q", lines)
			}
			user, token, err := decodeXOAuth2(payload)
			if err != nil {
				t.Fatalf("remote payload: %v", err)
			}
			if user != "alice@example.com" || token != "token-for-alice@example.com" {
				t.Errorf("payload user=%q token=%q", user, token)
			}
			if h := gw.Gate().Holder(); h != NoHolder {
				t.Errorf("gate still held by %d", h)
			}
		})
	}
}

func TestPOP3MalformedCommandRetry(t *testing.T) {
	saveKnobs(t)
	remote := newPOP3Remote(t, false)
	gw := newTestGateway(t, remote.Endpoint(), ProviderStandard, Config{})

	c := dialClient(t, gw.addrs[ProtoPOP3])
	c.expect("+OK")
	c.send("HELLO")
	c.expect("-ERR")
	c.send("USER")
	c.expectClosed()

	if n := gw.dialer.dials.Load(); n != 0 {
		t.Errorf("expected no remote dial, got %d", n)
	}
}

func TestPOP3AuthFailure(t *testing.T) {
	saveKnobs(t)
	remote := newPOP3Remote(t, true)
	gw := newTestGateway(t, remote.Endpoint(), ProviderStandard, Config{})

	c := dialClient(t, gw.addrs[ProtoPOP3])
	c.expect("+OK")
	c.send("USER bob@example.com")
	c.expect("+OK")
	c.send("PASS x")
	c.expect("-ERR Bad login")
	c.expectClosed()

	waitFor(t, func() bool { return slices.Contains(remote.Lines(), "QUIT") })
	if h := gw.Gate().Holder(); h != NoHolder {
		t.Errorf("gate still held by %d", h)
	}
	waitFor(t, func() bool { return gw.Registry().Active() == 0 })
}

func TestPOP3TokenFailure(t *testing.T) {
	saveKnobs(t)
	remote := newPOP3Remote(t, false)
	gw := newTestGateway(t, remote.Endpoint(), ProviderStandard, Config{})
	gw.tokens.fail.Store(true)

	c := dialClient(t, gw.addrs[ProtoPOP3])
	c.expect("+OK")
	c.send("USER bob@example.com")
	c.expect("+OK")
	c.send("PASS x")
	c.expect("-ERR Bad login")
	c.expectClosed()

	if n := gw.dialer.dials.Load(); n != 0 {
		t.Errorf("expected no remote dial, got %d", n)
	}
	if h := gw.Gate().Holder(); h != NoHolder {
		t.Errorf("gate still held by %d", h)
	}
}

func TestPOP3IdentityOverride(t *testing.T) {
	saveKnobs(t)
	remote := newPOP3Remote(t, false)
	gw := newTestGateway(t, remote.Endpoint(), ProviderStandard, Config{Identity: "fixed@example.com"})

	c := dialClient(t, gw.addrs[ProtoPOP3])
	c.expect("+OK")
	c.send("USER someone-else")
	c.expect("+OK")
	c.send("PASS x")
	c.expect("+OK authenticated")

	if calls := gw.tokens.Calls(); len(calls) != 1 || calls[0] != "fixed@example.com" {
		t.Errorf("token lookups %q", calls)
	}
}

// pop3Login runs a full login and QUIT against addr without using t, so it
// can run on its own goroutine
func pop3Login(addr, user string) error {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return err
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))
	r := bufio.NewReader(conn)

	step := func(send, want string) error {
		if send != "" {
			if _, err := fmt.Fprintf(conn, "%s\r\n", send); err != nil {
				return err
			}
		}
		line, err := r.ReadString('\n')
		if err != nil {
			return fmt.Errorf("after %q: %w", send, err)
		}
		if !strings.HasPrefix(line, want) {
			return fmt.Errorf("after %q got %q, want %q", send, line, want)
		}
		return nil
	}
	for _, s := range [][2]string{
		{"", "+OK"},
		{"USER " + user, "+OK send PASS"},
		{"PASS x", "+OK authenticated"},
		{"QUIT", "+OK bye"},
	} {
		if err := step(s[0], s[1]); err != nil {
			return err
		}
	}
	return nil
}

func TestGateSerializesConcurrentLogins(t *testing.T) {
	saveKnobs(t)
	var active, peak atomic.Int32
	remote := newMockServer(t, true, func(c *mockConn) {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		c.send("+OK mock POP3 ready")
		if _, ok := c.recv(); !ok {
			active.Add(-1)
			return
		}
		time.Sleep(30 * time.Millisecond)
		active.Add(-1)
		c.send("+OK authenticated")
		for {
			line, ok := c.recv()
			if !ok {
				return
			}
			if line == "QUIT" {
				c.send("+OK bye")
				return
			}
		}
	})
	gw := newTestGateway(t, remote.Endpoint(), ProviderStandard, Config{})

	const clients = 6
	var wg sync.WaitGroup
	errs := make(chan error, clients)
	for i := range clients {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- pop3Login(gw.addrs[ProtoPOP3], fmt.Sprintf("user%d@example.com", i))
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Error(err)
		}
	}

	if p := peak.Load(); p != 1 {
		t.Errorf("expected at most one authentication in flight, saw %d", p)
	}
	if n := remote.accepted.Load(); n != clients {
		t.Errorf("remote accepted %d connections, want %d", n, clients)
	}
}
