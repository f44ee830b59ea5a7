package o2gate

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/sqs/go-xoauth2"
)

// ErrAuthFailed is returned when the remote server rejects the XOAUTH2
// credentials
var ErrAuthFailed = errors.New("o2gate: remote authentication failed")

// TokenProvider produces a bearer token for a mail account identity.
// *CredentialStore is the production implementation.
type TokenProvider interface {
	GetToken(ctx context.Context, identity, loginHint string) (string, error)
}

// TokenFunc adapts a function to TokenProvider
type TokenFunc func(ctx context.Context, identity, loginHint string) (string, error)

// GetToken calls f
func (f TokenFunc) GetToken(ctx context.Context, identity, loginHint string) (string, error) {
	return f(ctx, identity, loginHint)
}

// xoauth2Payload returns the base64 SASL XOAUTH2 initial response.
// xoauth2.XOAuth2String reads its buffer before the encoder is closed and
// drops the final partial block, so only the raw string comes from it.
func xoauth2Payload(user, token string) string {
	return base64.StdEncoding.EncodeToString([]byte(xoauth2.OAuth2String(user, token)))
}

// authCommands returns the lines that send an XOAUTH2 exchange for verb
// ("AUTH" for POP3/SMTP). Microsoft-variant providers take the payload on a
// continuation line; everyone else accepts it inline.
func authCommands(verb string, mode ProviderMode, payload string) (first string, continuation string) {
	if mode == ProviderMicrosoft {
		return fmt.Sprintf("%s XOAUTH2", verb), payload
	}
	return fmt.Sprintf("%s XOAUTH2 %s", verb, payload), ""
}
