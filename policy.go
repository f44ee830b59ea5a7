package o2gate

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"golang.org/x/net/idna"
)

// Rule is one entry of a block list or exclude list. Exact rules match a
// whole address; the others match any address ending with Pattern.
type Rule struct {
	Pattern string
	Exact   bool
}

// RuleSet is an ordered list of rules parsed from free text
type RuleSet []Rule

// ParseRules splits free text on commas, whitespace and newlines. A token
// containing '@' that is neither at position 0 nor preceded by a leading
// '.' becomes an exact address rule; every other token is a suffix rule.
// Matching is case-insensitive.
func ParseRules(text string) RuleSet {
	tokens := strings.FieldsFunc(text, func(r rune) bool {
		return r == ',' || unicode.IsSpace(r)
	})
	rules := make(RuleSet, 0, len(tokens))
	for _, tok := range tokens {
		tok = normalizeAddress(tok)
		if tok == "" {
			continue
		}
		exact := strings.IndexByte(tok, '@') > 0 && !strings.HasPrefix(tok, ".")
		rules = append(rules, Rule{Pattern: tok, Exact: exact})
	}
	return rules
}

// Match reports whether addr is covered by any rule
func (rs RuleSet) Match(addr string) bool {
	_, ok := rs.Find(addr)
	return ok
}

// Find returns the first rule covering addr
func (rs RuleSet) Find(addr string) (Rule, bool) {
	addr = normalizeAddress(addr)
	if addr == "" {
		return Rule{}, false
	}
	for _, r := range rs {
		if r.Exact {
			if addr == r.Pattern {
				return r, true
			}
		} else if strings.HasSuffix(addr, r.Pattern) {
			return r, true
		}
	}
	return Rule{}, false
}

// String renders the rule set back into list form
func (rs RuleSet) String() string {
	parts := make([]string, len(rs))
	for i, r := range rs {
		parts[i] = r.Pattern
	}
	return strings.Join(parts, ", ")
}

// normalizeAddress lowercases an address or pattern and converts an
// internationalized domain part to its ASCII form.
func normalizeAddress(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" || isASCII(s) {
		return s
	}
	at := strings.LastIndexByte(s, '@')
	local, domain := s[:at+1], s[at+1:]
	if ascii, err := idna.Lookup.ToASCII(domain); err == nil {
		return local + ascii
	}
	return s
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}

// Policy is the outbound SMTP policy applied before any remote contact
type Policy struct {
	BlockList RuleSet
	// ToCcMax is the largest allowed number of To/Cc addresses; zero
	// disables the check
	ToCcMax     int
	ToCcExclude RuleSet
	// SendDelay holds every message for this long before it is relayed;
	// zero disables the hold
	SendDelay    time.Duration
	RemoveHeader bool
	// RewriteEnvelopeFrom replaces the MAIL FROM address with the
	// authenticated account identity
	RewriteEnvelopeFrom bool
}

// ErrPolicyRejected is wrapped by every Rejection
var ErrPolicyRejected = errors.New("o2gate: rejected by outbound policy")

// Rejection is an outbound policy decision. Reply is the SMTP reply line
// sent to the client.
type Rejection struct {
	Reply  string
	Reason string
}

func (r *Rejection) Error() string { return "o2gate: " + r.Reason }

func (r *Rejection) Unwrap() error { return ErrPolicyRejected }

// CheckRecipient rejects addr when it matches the block list
func (p *Policy) CheckRecipient(addr string) error {
	if rule, ok := p.BlockList.Find(addr); ok {
		return &Rejection{
			Reply:  "552 5.7.1 Matched block list",
			Reason: fmt.Sprintf("recipient %s matches block rule %s", addr, rule.Pattern),
		}
	}
	return nil
}

// CheckToCc rejects a message whose To/Cc headers name more than ToCcMax
// addresses outside ToCcExclude
func (p *Policy) CheckToCc(lines [][]byte) error {
	if p.ToCcMax <= 0 {
		return nil
	}
	if n := CountToCc(lines, p.ToCcExclude); n > p.ToCcMax {
		return &Rejection{
			Reply:  "552 Too many addresses in To and Cc fields",
			Reason: fmt.Sprintf("%d To/Cc addresses exceed limit of %d", n, p.ToCcMax),
		}
	}
	return nil
}

// errSendCancelled is the rejection for a held message cancelled by the user
var errSendCancelled = &Rejection{
	Reply:  "552 Requested action aborted",
	Reason: "send cancelled during delay",
}

// isHeaderStart reports whether line starts a header named by one of the
// lowercase prefixes (each including its colon)
func isHeaderStart(line []byte, prefixes ...string) bool {
	lower := bytes.ToLower(line)
	for _, p := range prefixes {
		if bytes.HasPrefix(lower, []byte(p)) {
			return true
		}
	}
	return false
}

func isFolded(line []byte) bool {
	return len(line) > 0 && (line[0] == ' ' || line[0] == '\t')
}

func isBlankLine(line []byte) bool {
	return len(dropNl(line)) == 0
}

// ToCcAddresses collects the addresses of every To: and Cc: header in the
// header block (folded continuation lines included), skipping quoted
// display names.
func ToCcAddresses(lines [][]byte) []string {
	var block strings.Builder
	found := false
	for _, line := range lines {
		if isBlankLine(line) {
			break
		}
		switch {
		case isHeaderStart(line, "to:", "cc:"):
			found = true
			block.WriteByte(' ')
			block.Write(line[3:])
			continue
		case found && isFolded(line):
			block.WriteByte(' ')
			block.Write(line)
			continue
		}
		found = false
	}

	normalized := strings.NewReplacer(",", " ", "<", " ", ">", " ", "\r", " ", "\n", " ").
		Replace(strings.ToLower(block.String()))
	var addrs []string
	for _, tok := range strings.Fields(normalized) {
		if !strings.Contains(tok, "@") || strings.ContainsAny(tok, `"\`) {
			continue
		}
		addrs = append(addrs, tok)
	}
	return addrs
}

// CountToCc returns how many To/Cc addresses are not covered by exclude
func CountToCc(lines [][]byte, exclude RuleSet) int {
	n := 0
	for _, addr := range ToCcAddresses(lines) {
		if !exclude.Match(addr) {
			n++
		}
	}
	return n
}

// RemoveAgentHeaders returns lines without any User-Agent: or X-Mailer:
// header, including folded continuations. Only the header block is
// inspected; the input is left untouched.
func RemoveAgentHeaders(lines [][]byte) [][]byte {
	out := make([][]byte, 0, len(lines))
	inHeaders, dropping := true, false
	for _, line := range lines {
		if inHeaders {
			if isBlankLine(line) {
				inHeaders = false
			} else if isHeaderStart(line, "user-agent:", "x-mailer:") {
				dropping = true
				continue
			} else if dropping && isFolded(line) {
				continue
			} else {
				dropping = false
			}
		}
		out = append(out, line)
	}
	return out
}

// pathAddress extracts the address from the argument of a MAIL FROM: or
// RCPT TO: command, returning it along with any trailing ESMTP parameters
func pathAddress(line []byte) (addr string, params string) {
	s := string(dropNl(line))
	i := strings.IndexByte(s, ':')
	if i < 0 {
		return "", ""
	}
	rest := strings.TrimLeft(s[i+1:], " ")
	if strings.HasPrefix(rest, "<") {
		if j := strings.IndexByte(rest, '>'); j >= 0 {
			return rest[1:j], strings.TrimSpace(rest[j+1:])
		}
	}
	fields := strings.SplitN(rest, " ", 2)
	addr = strings.Trim(fields[0], "<>")
	if len(fields) == 2 {
		params = strings.TrimSpace(fields[1])
	}
	return addr, params
}

// RewriteMailFrom returns a MAIL FROM command carrying addr in place of the
// original sender, keeping the original ESMTP parameters
func RewriteMailFrom(line []byte, addr string) []byte {
	_, params := pathAddress(line)
	out := "MAIL FROM:<" + addr + ">"
	if params != "" {
		out += " " + params
	}
	return []byte(out + crlf)
}
