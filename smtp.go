package o2gate

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
)

const (
	smtpGreeting   = "220 o2gate ESMTP proxy ready"
	smtpHostname   = "localhost"
	promptUsername = "334 VXNlcm5hbWU6"
	promptPassword = "334 UGFzc3dvcmQ6"
)

type smtpState int

const (
	smtpAwaitHello smtpState = iota
	smtpAwaitAuthOrMail
	smtpAuthPlainResponse
	smtpAuthLoginUser
	smtpAuthLoginPass
	smtpAwaitMail
	smtpCollectRcpt
	smtpCollectBody
	smtpClosed
)

// smtpHandler collects one complete message from the client before any
// remote contact, applies the outbound policy, and then replays the
// envelope and body to the remote server.
type smtpHandler struct {
	*session
	state smtpState

	user     string
	authed   bool
	mailFrom []byte
	rcpts    [][]byte
	body     [][]byte
}

// remoteError is a failed exchange with the remote server after it was
// reached
type remoteError struct {
	stage string
	reply string
}

func (e *remoteError) Error() string {
	return fmt.Sprintf("remote rejected %s: %s", e.stage, e.reply)
}

func (g *Gateway) serveSMTP(ctx context.Context, s *session) {
	h := &smtpHandler{session: s}
	if err := h.replyLocal(smtpGreeting); err != nil {
		return
	}
	for h.state != smtpClosed {
		line, err := h.readLocal()
		if err != nil {
			debugLog(h.id, h.proto, "client went away", "error", err)
			return
		}
		if err := h.step(ctx, line); err != nil {
			h.log.Warn("smtp session aborted", "error", err)
			if !errors.Is(err, context.Canceled) {
				_ = h.replyLocal("451 4.3.0 Requested action aborted: remote server unavailable")
			}
			return
		}
	}
}

func (h *smtpHandler) logLine(line []byte) {
	if !Verbose {
		return
	}
	switch h.state {
	case smtpAuthPlainResponse, smtpAuthLoginPass:
		debugLog(h.id, h.proto, "from client", "line", redacted)
	case smtpCollectBody:
		if !SkipResponses {
			debugLog(h.id, h.proto, "from client", "line", string(dropNl(line)))
		}
	default:
		cmd := command(line)
		if hasKeyword(cmd, "auth plain") {
			debugLog(h.id, h.proto, "from client", "line", sanitizeLine(line, 2))
			return
		}
		debugLog(h.id, h.proto, "from client", "line", string(dropNl(line)))
	}
}

// step advances the state machine by one client line
func (h *smtpHandler) step(ctx context.Context, line []byte) error {
	h.logLine(line)
	if h.state == smtpCollectBody {
		h.body = append(h.body, line)
		if string(dropNl(line)) == "." {
			return h.deliver(ctx)
		}
		return nil
	}

	cmd := command(line)
	switch h.state {
	case smtpAwaitHello:
		switch {
		case cmd == "quit":
			return h.quit()
		case hasKeyword(cmd, "ehlo"):
			h.state = smtpAwaitAuthOrMail
			return h.ehlo()
		case hasKeyword(cmd, "helo"):
			h.state = smtpAwaitAuthOrMail
			return h.replyLocal("250 " + smtpHostname)
		}
		return h.malformed()

	case smtpAwaitAuthOrMail:
		switch {
		case cmd == "quit":
			return h.quit()
		case cmd == "noop", cmd == "rset":
			return h.replyLocal("250 2.0.0 OK")
		case hasKeyword(cmd, "ehlo"):
			return h.ehlo()
		case hasKeyword(cmd, "helo"):
			return h.replyLocal("250 " + smtpHostname)
		case strings.HasPrefix(cmd, "mail from:"):
			return h.mail(line)
		case cmd == "data", strings.HasPrefix(cmd, "rcpt to:"):
			return h.replyLocal("503 5.5.1 Error: need MAIL command")
		case hasKeyword(cmd, "auth plain"):
			if resp := authArgument(line, 2); resp != "" {
				return h.authPlain(resp)
			}
			h.state = smtpAuthPlainResponse
			return h.replyLocal("334 ")
		case hasKeyword(cmd, "auth login"):
			if resp := authArgument(line, 2); resp != "" {
				return h.authLoginUser(resp)
			}
			h.state = smtpAuthLoginUser
			return h.replyLocal(promptUsername)
		case hasKeyword(cmd, "auth"):
			if !h.strike() {
				h.state = smtpClosed
				return nil
			}
			return h.replyLocal("504 5.5.4 Unrecognized authentication type")
		}
		return h.malformed()

	case smtpAuthPlainResponse:
		if cmd == "*" {
			return h.authCancelled()
		}
		return h.authPlain(string(dropNl(line)))

	case smtpAuthLoginUser:
		if cmd == "*" {
			return h.authCancelled()
		}
		return h.authLoginUser(string(dropNl(line)))

	case smtpAuthLoginPass:
		if cmd == "*" {
			return h.authCancelled()
		}
		return h.authSucceeded()

	case smtpAwaitMail:
		switch {
		case cmd == "quit":
			return h.quit()
		case strings.HasPrefix(cmd, "mail from:"):
			return h.mail(line)
		}
		h.state = smtpClosed
		return h.replyLocal("503 5.5.1 MAIL FROM required after AUTH")

	case smtpCollectRcpt:
		switch {
		case cmd == "quit":
			return h.quit()
		case cmd == "noop":
			return h.replyLocal("250 2.0.0 OK")
		case cmd == "rset":
			h.mailFrom, h.rcpts = nil, nil
			h.state = smtpAwaitMail
			return h.replyLocal("250 2.0.0 OK")
		case strings.HasPrefix(cmd, "rcpt to:"):
			return h.rcpt(line)
		case cmd == "data":
			if len(h.rcpts) == 0 {
				return h.replyLocal("503 5.5.1 Error: need RCPT command")
			}
			h.state = smtpCollectBody
			return h.replyLocal("354 Start mail input; end with <CRLF>.<CRLF>")
		}
		return h.malformed()
	}
	return nil
}

func (h *smtpHandler) malformed() error {
	if !h.strike() {
		h.state = smtpClosed
		return nil
	}
	return h.replyLocal("502 5.5.2 Error: command not recognized")
}

func (h *smtpHandler) quit() error {
	h.state = smtpClosed
	return h.replyLocal("221 2.0.0 Bye")
}

func (h *smtpHandler) ehlo() error {
	return h.writeLocal([]byte("250-" + smtpHostname + crlf +
		"250-AUTH LOGIN PLAIN" + crlf +
		"250 8BITMIME" + crlf))
}

// authArgument returns the initial response following the first n fields
// of an AUTH command, if any
func authArgument(line []byte, n int) string {
	fields := strings.Fields(string(dropNl(line)))
	if len(fields) <= n {
		return ""
	}
	return fields[n]
}

func (h *smtpHandler) authCancelled() error {
	h.state = smtpAwaitAuthOrMail
	return h.replyLocal("501 5.0.0 Authentication cancelled")
}

// authPlain decodes a PLAIN response for its username. The password is
// accepted unseen.
func (h *smtpHandler) authPlain(resp string) error {
	raw, err := base64.StdEncoding.DecodeString(resp)
	if err != nil {
		h.state = smtpAwaitAuthOrMail
		return h.replyLocal("501 5.5.2 Cannot decode response")
	}
	var user string
	srv := sasl.NewPlainServer(func(identity, username, password string) error {
		user = username
		return nil
	})
	if _, _, err := srv.Next(raw); err != nil {
		h.state = smtpAwaitAuthOrMail
		return h.replyLocal("501 5.5.2 Malformed PLAIN response")
	}
	h.user = user
	return h.authSucceeded()
}

func (h *smtpHandler) authLoginUser(resp string) error {
	raw, err := base64.StdEncoding.DecodeString(resp)
	if err != nil {
		h.state = smtpAwaitAuthOrMail
		return h.replyLocal("501 5.5.2 Cannot decode response")
	}
	h.user = string(raw)
	h.state = smtpAuthLoginPass
	return h.replyLocal(promptPassword)
}

func (h *smtpHandler) authSucceeded() error {
	h.authed = true
	h.state = smtpAwaitMail
	return h.replyLocal("235 2.7.0 Authentication successful")
}

// mail records the envelope sender. Without a preceding AUTH the sender
// address becomes the account identity.
func (h *smtpHandler) mail(line []byte) error {
	addr, _ := pathAddress(line)
	if !h.authed {
		h.user = addr
	}
	h.mailFrom = line
	h.rcpts = nil
	h.state = smtpCollectRcpt
	return h.replyLocal("250 2.1.0 OK")
}

func (h *smtpHandler) rcpt(line []byte) error {
	addr, _ := pathAddress(line)
	if err := h.gw.policy.CheckRecipient(addr); err != nil {
		return h.reject(err)
	}
	h.rcpts = append(h.rcpts, line)
	return h.replyLocal("250 2.1.5 OK")
}

// reject ends the session with a policy rejection. No remote connection
// exists at this point.
func (h *smtpHandler) reject(err error) error {
	var rej *Rejection
	if !errors.As(err, &rej) {
		return err
	}
	h.log.Info("message rejected", "reason", rej.Reason)
	h.state = smtpClosed
	return h.replyLocal(rej.Reply)
}

// deliver runs once the full message is buffered: policy checks and the
// optional hold first, then the gated remote authentication and the replay
// of the transaction.
func (h *smtpHandler) deliver(ctx context.Context) error {
	h.state = smtpClosed
	policy := h.gw.policy

	if err := policy.CheckToCc(h.body); err != nil {
		return h.reject(err)
	}

	from, _ := pathAddress(h.mailFrom)
	sum, err := SummarizeMessage(h.body)
	if err != nil {
		debugLog(h.id, h.proto, "message summary unavailable", "error", err)
	}

	if policy.SendDelay > 0 && h.gw.delay != nil {
		h.log.Info("holding message", "delay", policy.SendDelay, "recipients", len(h.rcpts))
		cancelled, err := h.gw.delay.Wait(ctx, DelayRequest{
			ConnID:     h.id,
			Delay:      policy.SendDelay,
			Recipients: len(h.rcpts),
			From:       from,
			Since:      time.Now(),
		})
		if err != nil {
			return err
		}
		if cancelled {
			return h.reject(errSendCancelled)
		}
	}

	body := h.body
	if policy.RemoveHeader {
		body = RemoveAgentHeaders(body)
	}

	identity := h.identity(h.user)
	acct := h.gw.accounts.Resolve(identity)

	ok, err := h.authenticate(ctx, acct, identity)
	var rerr *remoteError
	if errors.As(err, &rerr) {
		h.log.Warn("remote refused session", "error", err)
		h.quitRemote()
		return h.replyLocal("454 4.7.0 Remote server refused the session")
	}
	if err != nil {
		return err
	}
	if !ok {
		return h.replyLocal("535 5.7.8 Authentication failed")
	}

	mailFrom := h.mailFrom
	if policy.RewriteEnvelopeFrom && strings.Contains(acct.Identity, "@") {
		mailFrom = RewriteMailFrom(mailFrom, acct.Identity)
	}

	final, err := h.replay(mailFrom, body)
	if errors.As(err, &rerr) {
		h.log.Warn("message not relayed", "error", err)
		h.quitRemote()
		return h.replyLocal("554 5.0.0 Transaction failed")
	}
	if err != nil {
		return err
	}

	h.log.Info("message relayed",
		"identity", acct.Identity,
		"subject", sum.Subject,
		"recipients", len(h.rcpts),
		"attachments", len(sum.Attachments),
		"size", sum.Size,
		"reply", strings.TrimSpace(string(final)))
	if err := h.writeLocal(final); err != nil {
		return err
	}
	return h.finish()
}

// authenticate performs the gated remote greeting, EHLO, optional STARTTLS
// and XOAUTH2 exchange. A credential failure is reported as false with no
// error.
func (h *smtpHandler) authenticate(ctx context.Context, acct *Account, identity string) (bool, error) {
	if err := h.acquireGate(ctx); err != nil {
		return false, err
	}
	defer h.releaseGate()

	token, err := h.gw.tokens.GetToken(ctx, acct.Identity, identity)
	if err != nil {
		h.log.Error("obtaining token", "identity", acct.Identity, "error", err)
		return false, nil
	}

	ep := acct.Remote(ProtoSMTP)
	if err := h.dialRemote(ctx, ep); err != nil {
		return false, err
	}
	if _, err := h.expect("greeting", "220"); err != nil {
		return false, err
	}
	if err := h.sendRemote("EHLO "+ehloName(h.remote.LocalAddr()), ""); err != nil {
		return false, err
	}
	if _, err := h.expect("EHLO", "250"); err != nil {
		return false, err
	}

	if ep.StartTLS {
		if err := h.sendRemote("STARTTLS", ""); err != nil {
			return false, err
		}
		if _, err := h.expect("STARTTLS", "220"); err != nil {
			return false, err
		}
		conn, err := h.gw.dialer.UpgradeTLS(ctx, h.remote, ep.Host)
		if err != nil {
			return false, err
		}
		h.setRemote(conn)
		if acct.Mode() == ProviderMicrosoft {
			if err := h.sendRemote("EHLO "+ehloName(h.remote.LocalAddr()), ""); err != nil {
				return false, err
			}
			if _, err := h.expect("EHLO", "250"); err != nil {
				return false, err
			}
		}
	}

	first, cont := authCommands("AUTH", acct.Mode(), xoauth2Payload(acct.Identity, token))
	if err := h.sendRemote(first, sanitizeLine([]byte(first), 2)); err != nil {
		return false, err
	}
	code, reply, err := h.readReply()
	if err != nil {
		return false, err
	}
	if cont != "" && code == "334" {
		if err := h.sendRemote(cont, redacted); err != nil {
			return false, err
		}
		if code, reply, err = h.readReply(); err != nil {
			return false, err
		}
	}
	if code == "334" {
		// XOAUTH2 error challenge; an empty response completes the exchange
		if err := h.sendRemote("", ""); err != nil {
			return false, err
		}
		if code, reply, err = h.readReply(); err != nil {
			return false, err
		}
	}
	h.releaseGate()

	if code == "235" {
		h.log.Info("authenticated", "identity", acct.Identity, "remote", ep.String())
		return true, nil
	}
	h.log.Warn("remote rejected credentials", "identity", acct.Identity, "reply", strings.TrimSpace(string(reply)))
	h.quitRemote()
	return false, nil
}

// replay sends the buffered transaction and returns the remote's final
// reply to the message body
func (h *smtpHandler) replay(mailFrom []byte, body [][]byte) ([]byte, error) {
	if err := h.sendRemote(string(dropNl(mailFrom)), ""); err != nil {
		return nil, err
	}
	if _, err := h.expect("MAIL", "250"); err != nil {
		return nil, err
	}
	for _, rcpt := range h.rcpts {
		if err := h.sendRemote(string(dropNl(rcpt)), ""); err != nil {
			return nil, err
		}
		if _, err := h.expect("RCPT", "250"); err != nil {
			return nil, err
		}
	}
	if err := h.sendRemote("DATA", ""); err != nil {
		return nil, err
	}
	if _, err := h.expect("DATA", "354"); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	for _, line := range body {
		buf.Write(dropNl(line))
		buf.WriteString(crlf)
	}
	if _, err := h.remote.Write(buf.Bytes()); err != nil {
		return nil, fmt.Errorf("writing message to remote: %w", err)
	}
	_, final, err := h.readReply()
	return final, err
}

// finish handles the client's command after the final status. QUIT is
// passed through; anything else ends the session.
func (h *smtpHandler) finish() error {
	line, err := h.readLocal()
	if err != nil {
		h.quitRemote()
		return nil
	}
	h.logLine(line)
	if command(line) != "quit" {
		h.quitRemote()
		return h.replyLocal("421 4.7.0 One message per connection, closing channel")
	}
	if err := h.sendRemote("QUIT", ""); err != nil {
		return h.replyLocal("221 2.0.0 Bye")
	}
	_, reply, err := h.readReply()
	if err != nil {
		return h.replyLocal("221 2.0.0 Bye")
	}
	return h.writeLocal(reply)
}

// readReply reads a possibly multi-line SMTP reply, returning its code and
// every line as received
func (h *smtpHandler) readReply() (string, []byte, error) {
	var all []byte
	for {
		line, err := h.readRemote()
		if err != nil {
			return "", nil, err
		}
		all = append(all, line...)
		if len(line) < 4 || line[3] != '-' {
			if len(line) < 3 {
				return "", all, fmt.Errorf("short reply from remote: %q", line)
			}
			return string(line[:3]), all, nil
		}
	}
}

// expect reads a reply and fails with a remoteError unless it carries code
func (h *smtpHandler) expect(stage, code string) ([]byte, error) {
	got, reply, err := h.readReply()
	if err != nil {
		return nil, err
	}
	if got != code {
		return reply, &remoteError{stage: stage, reply: strings.TrimSpace(string(reply))}
	}
	return reply, nil
}

// quitRemote sends QUIT and drains the reply, ignoring failures
func (h *smtpHandler) quitRemote() {
	if err := h.sendRemote("QUIT", ""); err != nil {
		return
	}
	_, _, _ = h.readReply()
}

// ehloName renders the local address as an EHLO address literal
func ehloName(addr net.Addr) string {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok || tcp.IP == nil {
		return "[127.0.0.1]"
	}
	if ip4 := tcp.IP.To4(); ip4 != nil {
		return "[" + ip4.String() + "]"
	}
	return "[IPv6:" + tcp.IP.String() + "]"
}
