package o2gate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/rs/xid"
)

const (
	imapGreeting     = "* OK [CAPABILITY IMAP4rev1] o2gate IMAP proxy ready"
	imapCapabilities = "* CAPABILITY IMAP4rev1 ID IDLE NAMESPACE UIDPLUS CHILDREN"
	// maxLiteral bounds a LOGIN argument sent as a literal
	maxLiteral = 64 << 10
)

var errMalformedArgs = errors.New("malformed arguments")

type imapState int

const (
	imapAwaitCommand imapState = iota
	imapRelay
	imapClosed
)

type imapHandler struct {
	*session
	state imapState
}

func (g *Gateway) serveIMAP(ctx context.Context, s *session) {
	h := &imapHandler{session: s}
	if err := h.replyLocal(imapGreeting); err != nil {
		return
	}
	for h.state == imapAwaitCommand {
		line, err := h.readLocal()
		if err != nil {
			debugLog(h.id, h.proto, "client went away", "error", err)
			return
		}
		if err := h.step(ctx, line); err != nil {
			h.log.Warn("imap session aborted", "error", err)
			if !errors.Is(err, context.Canceled) {
				_ = h.replyLocal("* BYE remote server unavailable")
			}
			return
		}
	}
	if h.state == imapRelay {
		opts := relayOptions{tee: Verbose}
		if g.stripCompression {
			opts.downstream = stripCompression
		}
		h.relay(opts)
	}
}

// parseIMAPCommand splits a client line into tag, lowercased command name
// and the raw remainder
func parseIMAPCommand(line []byte) (tag, cmd, rest string, ok bool) {
	text := string(dropNl(line))
	tag, after, found := strings.Cut(text, " ")
	if !found || tag == "" {
		return "", "", "", false
	}
	cmd, rest, _ = strings.Cut(after, " ")
	if cmd == "" {
		return "", "", "", false
	}
	return tag, strings.ToLower(cmd), rest, true
}

func (h *imapHandler) step(ctx context.Context, line []byte) error {
	tag, cmd, rest, ok := parseIMAPCommand(line)
	if ok && cmd == "login" {
		debugLog(h.id, h.proto, "from client", "line", sanitizeLine(line, 3))
	} else {
		debugLog(h.id, h.proto, "from client", "line", string(dropNl(line)))
	}
	if !ok {
		return h.malformed("*")
	}

	switch cmd {
	case "capability":
		if err := h.replyLocal(imapCapabilities); err != nil {
			return err
		}
		return h.replyLocal(tag + " OK CAPABILITY completed")
	case "noop":
		return h.replyLocal(tag + " OK NOOP completed")
	case "logout":
		h.state = imapClosed
		if err := h.replyLocal("* BYE o2gate logging out"); err != nil {
			return err
		}
		return h.replyLocal(tag + " OK LOGOUT completed")
	case "login":
		user, err := h.loginUser(rest)
		if errors.Is(err, errMalformedArgs) {
			return h.malformed(tag)
		}
		if err != nil {
			return err
		}
		ok, err := h.authenticate(ctx, user)
		if err != nil {
			return err
		}
		if ok {
			h.state = imapRelay
			return h.replyLocal(tag + " OK LOGIN completed")
		}
		h.state = imapClosed
		return h.replyLocal(tag + " NO [AUTHENTICATIONFAILED] LOGIN failed")
	}
	return h.malformed(tag)
}

func (h *imapHandler) malformed(tag string) error {
	if !h.strike() {
		h.state = imapClosed
		return nil
	}
	return h.replyLocal(tag + " BAD malformed command")
}

// loginUser parses the LOGIN user and password arguments, reading literal
// data from the client as needed. Only the user is returned.
func (h *imapHandler) loginUser(rest string) (string, error) {
	var args []string
	for len(args) < 2 {
		val, remaining, lit, sync, err := nextAString(rest)
		if err != nil {
			return "", err
		}
		if lit >= 0 {
			if sync {
				if err := h.replyLocal("+ Ready for literal data"); err != nil {
					return "", err
				}
			}
			buf := make([]byte, lit)
			if _, err := io.ReadFull(h.lr, buf); err != nil {
				return "", err
			}
			next, err := h.readLocal()
			if err != nil {
				return "", err
			}
			val, remaining = string(buf), string(dropNl(next))
		}
		args = append(args, val)
		rest = remaining
	}
	if strings.TrimSpace(rest) != "" {
		return "", errMalformedArgs
	}
	return args[0], nil
}

// nextAString parses one IMAP astring from s. For a literal the returned lit
// is its byte length and sync reports whether the client waits for a
// continuation; otherwise lit is -1.
func nextAString(s string) (val, rest string, lit int, sync bool, err error) {
	s = strings.TrimLeft(s, " ")
	if s == "" {
		return "", "", -1, false, errMalformedArgs
	}
	switch s[0] {
	case '"':
		var b strings.Builder
		for i := 1; i < len(s); i++ {
			switch c := s[i]; c {
			case '\\':
				i++
				if i == len(s) {
					return "", "", -1, false, errMalformedArgs
				}
				b.WriteByte(s[i])
			case '"':
				return b.String(), s[i+1:], -1, false, nil
			default:
				b.WriteByte(c)
			}
		}
		return "", "", -1, false, errMalformedArgs
	case '{':
		if !strings.HasSuffix(s, "}") {
			return "", "", -1, false, errMalformedArgs
		}
		size := s[1 : len(s)-1]
		sync = true
		if strings.HasSuffix(size, "+") {
			size = strings.TrimSuffix(size, "+")
			sync = false
		}
		n, convErr := strconv.Atoi(size)
		if convErr != nil || n < 0 || n > maxLiteral {
			return "", "", -1, false, errMalformedArgs
		}
		return "", "", n, sync, nil
	}
	val, rest, _ = strings.Cut(s, " ")
	if rest != "" {
		rest = " " + rest
	}
	return val, rest, -1, false, nil
}

// newTag returns a fresh command tag for gateway-originated IMAP commands
func newTag() string {
	return strings.ToUpper(xid.New().String())
}

// authenticate runs the gated AUTHENTICATE XOAUTH2 exchange. Untagged server
// lines are skipped and an error challenge is answered with an empty line.
func (h *imapHandler) authenticate(ctx context.Context, user string) (bool, error) {
	identity := h.identity(user)
	acct := h.gw.accounts.Resolve(identity)

	if err := h.acquireGate(ctx); err != nil {
		return false, err
	}
	defer h.releaseGate()

	token, err := h.gw.tokens.GetToken(ctx, acct.Identity, identity)
	if err != nil {
		h.log.Error("obtaining token", "identity", acct.Identity, "error", err)
		return false, nil
	}

	if err := h.dialRemote(ctx, acct.Remote(ProtoIMAP)); err != nil {
		return false, err
	}
	greeting, err := h.readRemote()
	if err != nil {
		return false, err
	}
	if !strings.HasPrefix(string(greeting), "* OK") {
		return false, fmt.Errorf("unexpected remote greeting: %s", dropNl(greeting))
	}

	tag := newTag()
	cmd := tag + " AUTHENTICATE XOAUTH2 " + xoauth2Payload(acct.Identity, token)
	if err := h.sendRemote(cmd, tag+" AUTHENTICATE XOAUTH2 "+redacted); err != nil {
		return false, err
	}
	status, err := h.awaitTagged(tag, true)
	if err != nil {
		return false, err
	}
	h.releaseGate()

	if status == "OK" {
		h.log.Info("authenticated", "identity", acct.Identity, "remote", acct.IMAP.String())
		return true, nil
	}
	h.log.Warn("remote rejected credentials", "identity", acct.Identity, "status", status)
	h.logoutRemote()
	return false, nil
}

// awaitTagged reads server lines until the tagged completion for tag and
// returns its status word
func (h *imapHandler) awaitTagged(tag string, answerChallenges bool) (string, error) {
	prefix := tag + " "
	for {
		line, err := h.readRemote()
		if err != nil {
			return "", err
		}
		text := string(dropNl(line))
		switch {
		case strings.HasPrefix(text, prefix):
			status, _, _ := strings.Cut(strings.TrimPrefix(text, prefix), " ")
			return strings.ToUpper(status), nil
		case strings.HasPrefix(text, "+") && answerChallenges:
			if err := h.sendRemote("", ""); err != nil {
				return "", err
			}
		}
	}
}

// logoutRemote sends LOGOUT and waits for its completion, ignoring failures
func (h *imapHandler) logoutRemote() {
	tag := newTag()
	if err := h.sendRemote(tag+" LOGOUT", ""); err != nil {
		return
	}
	_, _ = h.awaitTagged(tag, false)
}
