package transport

import "context"

// ServerLocator resolves which server address Transport should talk
// to. Injected so the core never hardcodes a server endpoint and never
// reaches into a global service-discovery client (Design Notes §9).
type ServerLocator interface {
	ResolveServerAddr(ctx context.Context) (string, error)
}

// StaticServerLocator always resolves to the same address — used in
// tests and single-server deployments.
type StaticServerLocator struct {
	addr string
}

func NewStaticServerLocator(addr string) *StaticServerLocator {
	return &StaticServerLocator{addr: addr}
}

func (s *StaticServerLocator) ResolveServerAddr(ctx context.Context) (string, error) {
	return s.addr, nil
}
