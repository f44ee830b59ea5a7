// Package o2gate is a local mail gateway that lets legacy POP3, IMAP and
// SMTP clients reach OAuth2-only mail providers.
//
// Clients connect to loopback listeners and log in with USER/PASS, LOGIN or
// AUTH LOGIN/PLAIN. The password they send is ignored: the gateway looks up
// the account, obtains a bearer token and authenticates to the real server
// over TLS with XOAUTH2, then relays the session byte for byte.
//
//   - One authentication runs at a time across all protocols (see Gate)
//   - Tokens are cached, refreshed and obtained interactively by CredentialStore
//   - Google-style and Microsoft-style XOAUTH2 exchanges are both supported
//   - Outbound SMTP can be checked against a block list and a To/Cc limit,
//     held for a cancellable delay, scrubbed of User-Agent/X-Mailer headers
//     and have its envelope sender rewritten
//
// See examples/gateway for a runnable program.
package o2gate
