package o2gate

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

// LoopbackAuthorizer runs the OAuth2 authorization-code flow with PKCE,
// receiving the redirect on a loopback HTTP listener. Open hands the consent
// URL to whatever presents it to the user (usually a browser).
type LoopbackAuthorizer struct {
	Open func(authURL string) error
	// Host is the loopback address to listen on; defaults to 127.0.0.1
	Host string
}

type authResult struct {
	code string
	err  error
}

// Authorize implements Authorizer. A zero redirectPort picks a free port.
func (a *LoopbackAuthorizer) Authorize(ctx context.Context, cfg *oauth2.Config, loginHint string, redirectPort int) (*oauth2.Token, error) {
	if a.Open == nil {
		return nil, errors.New("o2gate: authorizer has no Open function")
	}
	host := a.Host
	if host == "" {
		host = "127.0.0.1"
	}
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(redirectPort)))
	if err != nil {
		return nil, fmt.Errorf("listening for oauth redirect: %w", err)
	}
	defer ln.Close()

	conf := *cfg
	conf.RedirectURL = "http://" + ln.Addr().String() + "/"

	state := uuid.NewString()
	verifier := oauth2.GenerateVerifier()
	opts := []oauth2.AuthCodeOption{
		oauth2.AccessTypeOffline,
		oauth2.S256ChallengeOption(verifier),
	}
	if loginHint != "" && loginHint != DefaultIdentity {
		opts = append(opts, oauth2.SetAuthURLParam("login_hint", loginHint))
	}
	authURL := conf.AuthCodeURL(state, opts...)

	results := make(chan authResult, 1)
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("state") != state {
			http.Error(w, "state mismatch", http.StatusBadRequest)
			return
		}
		var res authResult
		if e := q.Get("error"); e != "" {
			res.err = fmt.Errorf("authorization denied: %s", e)
			http.Error(w, "Authorization failed. You may close this window.", http.StatusForbidden)
		} else {
			res.code = q.Get("code")
			fmt.Fprintln(w, "Authorization complete. You may close this window.")
		}
		select {
		case results <- res:
		default:
		}
	})}
	go func() { _ = srv.Serve(ln) }()
	defer srv.Close()

	if err := a.Open(authURL); err != nil {
		return nil, fmt.Errorf("opening consent page: %w", err)
	}

	var res authResult
	select {
	case res = <-results:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if res.err != nil {
		return nil, res.err
	}
	tok, err := conf.Exchange(ctx, res.code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fmt.Errorf("exchanging authorization code: %w", err)
	}
	return tok, nil
}
