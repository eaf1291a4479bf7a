package transport

import (
	"fmt"
	"net/url"
	"strings"
)

// TokenStrategy selects how the API token travels with the websocket
// handshake. Exactly one strategy is active per client.
type TokenStrategy string

const (
	TokenNone        TokenStrategy = "none"
	TokenQuery       TokenStrategy = "query"
	TokenSubprotocol TokenStrategy = "subprotocol"
)

const (
	DefaultTokenQueryKey    = "token"
	DefaultTokenSubprotocol = "bearer"
)

type TokenPolicy struct {
	Strategy TokenStrategy
	Token    string
	// QueryKey names the query parameter for TokenQuery.
	QueryKey string
	// Subprotocol is offered ahead of the token for TokenSubprotocol, so the
	// server sees "Sec-WebSocket-Protocol: bearer, <token>".
	Subprotocol string
}

func (p TokenPolicy) Validate() error {
	switch p.Strategy {
	case "", TokenNone, TokenQuery, TokenSubprotocol:
	default:
		return fmt.Errorf("unknown token strategy %q", p.Strategy)
	}
	if p.Strategy == TokenSubprotocol && strings.ContainsAny(p.Token, " ,\t") {
		return fmt.Errorf("token cannot be carried as a subprotocol")
	}
	return nil
}

// apply returns the dial URL and the subprotocols to offer.
func (p TokenPolicy) apply(u *url.URL) (string, []string) {
	if p.Token == "" {
		return u.String(), nil
	}
	switch p.Strategy {
	case TokenQuery:
		key := p.QueryKey
		if key == "" {
			key = DefaultTokenQueryKey
		}
		q := u.Query()
		q.Set(key, p.Token)
		withToken := *u
		withToken.RawQuery = q.Encode()
		return withToken.String(), nil
	case TokenSubprotocol:
		proto := p.Subprotocol
		if proto == "" {
			proto = DefaultTokenSubprotocol
		}
		return u.String(), []string{proto, p.Token}
	}
	return u.String(), nil
}
