package dev

import (
	"context"
	"errors"
	"strings"
)

// TunnelProvider opens a public tunnel to the local server.
type TunnelProvider interface {
	Open(ctx context.Context, localURL string) (TunnelSession, error)
}

// TunnelSession is an open tunnel.
type TunnelSession interface {
	// Host is the public host name requests arrive on.
	Host() string
	// Domains are the host globs the tunnel service answers on.
	Domains() []string
	Close(ctx context.Context) error
}

// StaticTunnel is a tunnel managed outside the dev server, for example a
// long-running cloudflared process with a fixed host.
type StaticTunnel struct {
	PublicHost string
	// Patterns default to the public host itself.
	Patterns []string
}

// Open implements TunnelProvider.
func (t StaticTunnel) Open(ctx context.Context, _ string) (TunnelSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	host := strings.TrimSpace(t.PublicHost)
	if host == "" {
		return nil, errors.New("tunnel: public host is empty")
	}
	domains := t.Patterns
	if len(domains) == 0 {
		domains = []string{host}
	}
	return staticSession{host: host, domains: domains}, nil
}

type staticSession struct {
	host    string
	domains []string
}

func (s staticSession) Host() string                { return s.host }
func (s staticSession) Domains() []string           { return s.domains }
func (s staticSession) Close(context.Context) error { return nil }
