package client

import (
	"context"
	"errors"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"resty.dev/v3"

	"github.com/Sternrassler/eng-health-collector/pkg/failure"
)

// Authenticator applies credentials to an outgoing request. Implementations
// must never log the credential.
type Authenticator interface {
	Apply(ctx context.Context, r *resty.Request) error
}

// BasicAuth sends a username and personal access token. An empty username
// is valid for services that only read the token.
type BasicAuth struct {
	Username string
	Token    string
}

// Apply implements Authenticator.
func (a BasicAuth) Apply(_ context.Context, r *resty.Request) error {
	r.SetBasicAuth(a.Username, a.Token)
	return nil
}

// APIKey sends a static key in a named header.
type APIKey struct {
	Header string
	Key    string
}

// Apply implements Authenticator.
func (a APIKey) Apply(_ context.Context, r *resty.Request) error {
	r.SetHeader(a.Header, a.Key)
	return nil
}

// Bearer sends an OAuth2 access token from a token source. Tokens are cached
// and refreshed by the source.
type Bearer struct {
	Source oauth2.TokenSource
}

// NewStaticBearer returns a Bearer for a long-lived token.
func NewStaticBearer(token string) Bearer {
	return Bearer{Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})}
}

// NewClientCredentialsBearer returns a Bearer using the OAuth2 client
// credentials flow. ctx carries the HTTP client used for token requests
// (see oauth2.HTTPClient) and must outlive the returned value.
func NewClientCredentialsBearer(ctx context.Context, clientID, clientSecret, tokenURL string, scopes []string) Bearer {
	cfg := clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     tokenURL,
		Scopes:       scopes,
	}
	return Bearer{Source: oauth2.ReuseTokenSource(nil, cfg.TokenSource(ctx))}
}

// Apply implements Authenticator.
func (b Bearer) Apply(_ context.Context, r *resty.Request) error {
	if b.Source == nil {
		return failure.New(failure.Unauthorized, "auth", "no token source configured")
	}

	tok, err := b.Source.Token()
	if err != nil {
		return classifyTokenError(err)
	}
	r.SetAuthToken(tok.AccessToken)
	return nil
}

// classifyTokenError maps token endpoint failures. Rejected credentials
// are Unauthorized, token endpoint outages are Transient.
func classifyTokenError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		kind := failure.FromStatus(re.Response.StatusCode)
		if kind == failure.Fatal {
			// 400 from a token endpoint means invalid_client or invalid_grant.
			kind = failure.Unauthorized
		}
		return &failure.Error{
			Kind:       kind,
			Op:         "auth",
			StatusCode: re.Response.StatusCode,
			Message:    "token request rejected",
		}
	}
	return &failure.Error{Kind: failure.Transient, Op: "auth", Message: "token request failed", Err: err}
}
