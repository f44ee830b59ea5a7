package o2gate

import "time"

// Verbose logs every protocol line exchanged with the local client and the
// remote server, and tees relayed lines into the debug log
var Verbose = false

// SkipResponses skips logging remote server lines in verbose mode
var SkipResponses = false

// ListenRetryCount is the number of times binding a listener gets retried
var ListenRetryCount = 5

// DialTimeout defines how long to wait when establishing a remote connection.
// Zero means no timeout.
var DialTimeout = 30 * time.Second

// CommandTimeout defines how long to wait for a remote reply during the
// authentication handshake. Zero means no timeout.
var CommandTimeout = 60 * time.Second

// TLSSkipVerify disables certificate verification for remote servers. Use
// with caution; skipping verification exposes the connection to
// man-in-the-middle attacks.
var TLSSkipVerify bool

// Default local listener ports
const (
	DefaultPOP3Port = 8110
	DefaultSMTPPort = 8025
	DefaultIMAPPort = 8143
)

const (
	crlf           = "\r\n"
	redacted       = "****"
	submissionPort = 587
)
