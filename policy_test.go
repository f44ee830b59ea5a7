package o2gate

import (
	"errors"
	"slices"
	"strings"
	"testing"
)

func lines(s string) [][]byte {
	var out [][]byte
	for _, l := range strings.SplitAfter(s, "\n") {
		if l != "" {
			out = append(out, []byte(l))
		}
	}
	return out
}

func TestParseRules(t *testing.T) {
	rs := ParseRules("Boss@Example.com, .spam.net\n@example.org  bücher.de")
	want := RuleSet{
		{Pattern: "boss@example.com", Exact: true},
		{Pattern: ".spam.net"},
		{Pattern: "@example.org"},
		{Pattern: "xn--bcher-kva.de"},
	}
	if !slices.Equal(rs, want) {
		t.Fatalf("ParseRules = %+v, want %+v", rs, want)
	}
	if got := rs.String(); got != "boss@example.com, .spam.net, @example.org, xn--bcher-kva.de" {
		t.Errorf("String = %q", got)
	}
}

func TestRuleSetMatch(t *testing.T) {
	rs := ParseRules("boss@example.com .spam.net @example.org bücher.de")
	tests := []struct {
		addr string
		want bool
	}{
		{"boss@example.com", true},
		{"BOSS@EXAMPLE.COM", true},
		{"other.boss@example.com", false},
		{"a@mail.spam.net", true},
		{"a@spam.net", false},
		{"anyone@example.org", true},
		{"anyone@sub.example.org", false},
		{"kunde@bücher.de", true},
		{"", false},
	}
	for _, tt := range tests {
		if got := rs.Match(tt.addr); got != tt.want {
			t.Errorf("Match(%q) = %v, want %v", tt.addr, got, tt.want)
		}
	}
}

func TestToCcAddresses(t *testing.T) {
	msg := lines("From: me@example.com\r\n" +
		"To: \"Smith, John\" <john@a.com>, jane@b.com\r\n" +
		"Subject: test\r\n" +
		"CC: <x@c.com>,\r\n" +
		"\ty@d.com\r\n" +
		"Reply-To: z@e.com\r\n" +
		"\r\n" +
		"To: body@f.com\r\n")
	got := ToCcAddresses(msg)
	want := []string{"john@a.com", "jane@b.com", "x@c.com", "y@d.com"}
	if !slices.Equal(got, want) {
		t.Errorf("ToCcAddresses = %q, want %q", got, want)
	}
	if n := CountToCc(msg, ParseRules("c.com, d.com")); n != 2 {
		t.Errorf("CountToCc with exclusions = %d, want 2", n)
	}
}

func TestRemoveAgentHeaders(t *testing.T) {
	msg := lines("From: me@example.com\r\n" +
		"User-Agent: Mailer 1.0\r\n" +
		" (X11; Linux)\r\n" +
		"X-Mailer: Other\r\n" +
		"Subject: hi\r\n" +
		"\r\n" +
		"User-Agent: kept in body\r\n")
	got := RemoveAgentHeaders(msg)
	want := "From: me@example.com\r\nSubject: hi\r\n\r\nUser-Agent: kept in body\r\n"
	var b strings.Builder
	for _, l := range got {
		b.Write(l)
	}
	if b.String() != want {
		t.Errorf("RemoveAgentHeaders = %q, want %q", b.String(), want)
	}
	if len(msg) != 7 {
		t.Error("input lines modified")
	}
}

func TestPathAddress(t *testing.T) {
	tests := []struct {
		line, addr, params string
	}{
		{"MAIL FROM:<a@b.com>\r\n", "a@b.com", ""},
		{"MAIL FROM: <a@b.com> SIZE=100 BODY=8BITMIME\r\n", "a@b.com", "SIZE=100 BODY=8BITMIME"},
		{"RCPT TO:c@d.com\r\n", "c@d.com", ""},
		{"MAIL FROM:<>\r\n", "", ""},
		{"MAIL\r\n", "", ""},
	}
	for _, tt := range tests {
		addr, params := pathAddress([]byte(tt.line))
		if addr != tt.addr || params != tt.params {
			t.Errorf("pathAddress(%q) = %q, %q", tt.line, addr, params)
		}
	}
}

func TestRewriteMailFrom(t *testing.T) {
	got := string(RewriteMailFrom([]byte("MAIL FROM:<alias@other.org> SIZE=42\r\n"), "me@example.com"))
	if got != "MAIL FROM:<me@example.com> SIZE=42\r\n" {
		t.Errorf("RewriteMailFrom = %q", got)
	}
}

func TestPolicyChecks(t *testing.T) {
	p := &Policy{BlockList: ParseRules(".evil.com"), ToCcMax: 1}

	if err := p.CheckRecipient("ok@good.com"); err != nil {
		t.Errorf("CheckRecipient(ok) = %v", err)
	}
	err := p.CheckRecipient("x@mail.evil.com")
	var rej *Rejection
	if !errors.Is(err, ErrPolicyRejected) || !errors.As(err, &rej) {
		t.Fatalf("CheckRecipient(blocked) = %v", err)
	}
	if !strings.HasPrefix(rej.Reply, "552 5.7.1") {
		t.Errorf("reply %q", rej.Reply)
	}

	two := lines("To: a@x.com, b@x.com\r\n\r\nbody\r\n")
	if err := p.CheckToCc(two); !errors.Is(err, ErrPolicyRejected) {
		t.Errorf("CheckToCc over limit = %v", err)
	}
	p.ToCcMax = 2
	if err := p.CheckToCc(two); err != nil {
		t.Errorf("CheckToCc at limit = %v", err)
	}
	p.ToCcMax = 0
	if err := p.CheckToCc(lines("To: a@x, b@x, c@x\r\n\r\n")); err != nil {
		t.Errorf("CheckToCc disabled = %v", err)
	}
	if !errors.Is(errSendCancelled, ErrPolicyRejected) {
		t.Error("cancelled send is not a policy rejection")
	}
}

func TestPolicyExamples(t *testing.T) {
	headers := lines("To: a@x.com, b@x.com\r\nCc: c@y.com\r\n\r\n")
	if n := CountToCc(headers, ParseRules("@x.com")); n != 1 {
		t.Errorf("CountToCc = %d, want 1", n)
	}

	rs := ParseRules("@gmai.com")
	if !rs.Match("evil@gmai.com") {
		t.Error("evil@gmai.com should match @gmai.com")
	}
	if rs.Match("good@gmail.com") {
		t.Error("good@gmail.com should not match @gmai.com")
	}

	scrubbed := RemoveAgentHeaders(lines("Subject: a\r\nUser-Agent: Foo\r\n Bar\r\nTo: b@c.com\r\n\r\nbody\r\n"))
	var b strings.Builder
	for _, l := range scrubbed {
		b.Write(l)
	}
	if got := b.String(); got != "Subject: a\r\nTo: b@c.com\r\n\r\nbody\r\n" {
		t.Errorf("scrubbed message %q", got)
	}
}
