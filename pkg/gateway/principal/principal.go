// Package principal decides who a REST request or live session is accounted
// to. Rate limits and live session slots are keyed by Principal.Key; the raw
// API key or client address never leaves this package.
package principal

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/alignify/alignify/pkg/gateway/config"
)

type Kind string

const (
	KindAPIKey    Kind = "api_key"
	KindClientIP  Kind = "ip"
	KindAnonymous Kind = "anonymous"
)

var (
	ErrMissingKey  = errors.New("missing api key")
	ErrInvalidKey  = errors.New("invalid api key")
	ErrInvalidMode = errors.New("invalid auth mode")
)

type Principal struct {
	Kind Kind
	Key  string
}

var Anonymous = Principal{Kind: KindAnonymous, Key: "anonymous"}

func (p Principal) IsZero() bool { return p.Key == "" }

func hashed(prefix, raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return prefix + hex.EncodeToString(sum[:16])
}

func FromAPIKey(key string) Principal {
	return Principal{Kind: KindAPIKey, Key: hashed("k_", key)}
}

// FromClient keys an unauthenticated caller by address. Forwarding headers
// are honoured only when the gateway sits behind a trusted proxy.
func FromClient(r *http.Request, trustProxyHeaders bool) Principal {
	if ip := clientIP(r, trustProxyHeaders); ip != "" {
		return Principal{Kind: KindClientIP, Key: hashed("ip_", ip)}
	}
	return Anonymous
}

// Authenticate checks key against the configured auth mode. An empty key is
// accepted as the client's address unless keys are required.
func Authenticate(r *http.Request, key string, cfg config.Config) (Principal, error) {
	key = strings.TrimSpace(key)
	switch cfg.AuthMode {
	case config.AuthModeDisabled:
		return FromClient(r, cfg.TrustProxyHeaders), nil
	case config.AuthModeOptional, config.AuthModeRequired:
	default:
		return Principal{}, ErrInvalidMode
	}
	if key == "" {
		if cfg.AuthMode == config.AuthModeRequired {
			return Principal{}, ErrMissingKey
		}
		return FromClient(r, cfg.TrustProxyHeaders), nil
	}
	if _, ok := cfg.APIKeys[key]; !ok {
		return Principal{}, ErrInvalidKey
	}
	return FromAPIKey(key), nil
}

// Bearer returns the token of an "Authorization: Bearer" header.
func Bearer(r *http.Request) (string, bool) {
	token, ok := strings.CutPrefix(strings.TrimSpace(r.Header.Get("Authorization")), "Bearer ")
	if !ok {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

type ctxKey struct{}

func With(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

func From(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(Principal)
	return p, ok && !p.IsZero()
}

// Of returns the principal attached by the auth middleware, or the client
// address when none was attached.
func Of(r *http.Request, cfg config.Config) Principal {
	if p, ok := From(r.Context()); ok {
		return p
	}
	return FromClient(r, cfg.TrustProxyHeaders)
}

func clientIP(r *http.Request, trustProxyHeaders bool) string {
	if r == nil {
		return ""
	}
	if trustProxyHeaders {
		candidates := []string{r.Header.Get("CF-Connecting-IP"), r.Header.Get("X-Real-IP")}
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			// Left-most entry is the original client.
			first, _, _ := strings.Cut(xff, ",")
			candidates = append(candidates, first)
		}
		for _, c := range candidates {
			if ip := normalizeIP(c); ip != "" {
				return ip
			}
		}
	}
	return normalizeIP(r.RemoteAddr)
}

func normalizeIP(s string) string {
	s = strings.TrimSpace(s)
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	if ip := net.ParseIP(s); ip != nil {
		return ip.String()
	}
	return ""
}
