package o2gate

import (
	"bytes"
	"strings"
)

// dropNl removes trailing newline characters from a byte slice
func dropNl(b []byte) []byte {
	if len(b) >= 1 && b[len(b)-1] == '\n' {
		if len(b) >= 2 && b[len(b)-2] == '\r' {
			return b[:len(b)-2]
		} else {
			return b[:len(b)-1]
		}
	}
	return b
}

// command lowercases a client line and strips its terminator and any
// surrounding whitespace, for keyword matching only
func command(line []byte) string {
	return strings.ToLower(string(bytes.TrimSpace(dropNl(line))))
}

// hasKeyword reports whether cmd is exactly kw or starts with kw followed by
// a space
func hasKeyword(cmd, kw string) bool {
	return cmd == kw || strings.HasPrefix(cmd, kw+" ")
}

// sanitizeLine masks everything after the first n fields of a line, which is
// where SASL payloads and passwords sit in AUTH/LOGIN/PASS commands
func sanitizeLine(line []byte, n int) string {
	fields := strings.Fields(string(dropNl(line)))
	if len(fields) <= n {
		return strings.Join(fields, " ")
	}
	return strings.Join(fields[:n], " ") + " " + redacted
}
