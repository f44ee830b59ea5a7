package o2gate

import (
	"bytes"
	"context"
	"errors"
	"strings"
)

const (
	pop3Greeting = "+OK o2gate POP3 proxy ready"
	pop3Capa     = "+OK Capability list follows\r\nUSER\r\nTOP\r\nUIDL\r\n.\r\n"
)

type pop3State int

const (
	pop3AwaitCommand pop3State = iota
	pop3AwaitPass
	pop3Relay
	pop3Closed
)

type pop3Handler struct {
	*session
	state pop3State
	user  string
}

func (g *Gateway) servePOP3(ctx context.Context, s *session) {
	h := &pop3Handler{session: s}
	if err := h.replyLocal(pop3Greeting); err != nil {
		return
	}
	for h.state != pop3Relay && h.state != pop3Closed {
		line, err := h.readLocal()
		if err != nil {
			debugLog(h.id, h.proto, "client went away", "error", err)
			return
		}
		if err := h.step(ctx, line); err != nil {
			h.log.Warn("pop3 session aborted", "error", err)
			if !errors.Is(err, context.Canceled) {
				_ = h.replyLocal("-ERR remote server unavailable")
			}
			return
		}
	}
	if h.state == pop3Relay {
		h.relay(relayOptions{tee: Verbose})
	}
}

// step advances the state machine by one client line
func (h *pop3Handler) step(ctx context.Context, line []byte) error {
	cmd := command(line)
	if h.state == pop3AwaitPass {
		debugLog(h.id, h.proto, "from client", "line", sanitizeLine(line, 1))
	} else {
		debugLog(h.id, h.proto, "from client", "line", string(dropNl(line)))
	}

	switch h.state {
	case pop3AwaitCommand:
		switch {
		case cmd == "quit":
			h.state = pop3Closed
			return h.replyLocal("+OK Bye")
		case cmd == "capa":
			return h.writeLocal([]byte(pop3Capa))
		case strings.HasPrefix(cmd, "user "):
			fields := strings.Fields(string(dropNl(line)))
			h.user = fields[1]
			h.state = pop3AwaitPass
			return h.replyLocal("+OK send PASS")
		}
		return h.malformed()

	case pop3AwaitPass:
		switch {
		case cmd == "quit":
			h.state = pop3Closed
			return h.replyLocal("+OK Bye")
		case hasKeyword(cmd, "pass"):
			ok, err := h.authenticate(ctx)
			if err != nil {
				return err
			}
			if ok {
				h.state = pop3Relay
			} else {
				h.state = pop3Closed
			}
			return nil
		}
		return h.malformed()
	}
	return nil
}

// malformed spends the single retry, closing the session on the second
// offence
func (h *pop3Handler) malformed() error {
	if !h.strike() {
		h.state = pop3Closed
		return nil
	}
	return h.replyLocal("-ERR malformed command")
}

// authenticate performs the gated XOAUTH2 exchange with the remote server.
// The client password is never used. On success the remote's reply is
// forwarded to the client.
func (h *pop3Handler) authenticate(ctx context.Context) (bool, error) {
	identity := h.identity(h.user)
	acct := h.gw.accounts.Resolve(identity)

	if err := h.acquireGate(ctx); err != nil {
		return false, err
	}
	defer h.releaseGate()

	token, err := h.gw.tokens.GetToken(ctx, acct.Identity, identity)
	if err != nil {
		h.log.Error("obtaining token", "identity", acct.Identity, "error", err)
		h.releaseGate()
		return false, h.replyLocal("-ERR Bad login")
	}

	if err := h.dialRemote(ctx, acct.Remote(ProtoPOP3)); err != nil {
		return false, err
	}
	greeting, err := h.readRemote()
	if err != nil {
		return false, err
	}
	if !bytes.HasPrefix(greeting, []byte("+OK")) {
		return false, errors.New("unexpected remote greeting: " + string(dropNl(greeting)))
	}

	first, cont := authCommands("AUTH", acct.Mode(), xoauth2Payload(acct.Identity, token))
	if err := h.sendRemote(first, sanitizeLine([]byte(first), 2)); err != nil {
		return false, err
	}
	resp, err := h.readRemote()
	if err != nil {
		return false, err
	}
	if cont != "" && bytes.HasPrefix(resp, []byte("+")) && !bytes.HasPrefix(resp, []byte("+OK")) {
		if err := h.sendRemote(cont, redacted); err != nil {
			return false, err
		}
		if resp, err = h.readRemote(); err != nil {
			return false, err
		}
	}
	h.releaseGate()

	if bytes.HasPrefix(resp, []byte("+OK")) {
		h.log.Info("authenticated", "identity", acct.Identity, "remote", acct.POP3.String())
		return true, h.writeLocal(resp)
	}

	h.log.Warn("remote rejected credentials", "identity", acct.Identity, "reply", string(dropNl(resp)))
	if bytes.HasPrefix(resp, []byte("+")) {
		// XOAUTH2 error challenge; an empty response completes the exchange
		if err := h.sendRemote("", ""); err == nil {
			_, _ = h.readRemote()
		}
	}
	h.quitRemote()
	return false, h.replyLocal("-ERR Bad login")
}

// quitRemote sends QUIT and drains the reply, ignoring failures
func (h *pop3Handler) quitRemote() {
	if err := h.sendRemote("QUIT", ""); err != nil {
		return
	}
	_, _ = h.readRemote()
}
